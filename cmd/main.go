package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hewenyu/kong-monitor/internal/config"
	"go.uber.org/zap"
)

// 关闭各组件的最长等待时间
const shutdownTimeout = 10 * time.Second

var (
	logger     config.Logger
	configFile string
	appConfig  *config.Config
)

func init() {
	// 解析命令行参数
	flag.StringVar(&configFile, "config", "", "配置文件路径")
}

func main() {
	flag.Parse()

	// 加载配置
	var err error
	appConfig, err = config.LoadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger, err = config.NewLoggerWithLevel(appConfig.Log.Development, appConfig.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// 打印启动信息
	logger.Info("Kong Monitor Starting...",
		zap.String("version", "0.2.0"),
		zap.Int("management_api_port", appConfig.API.Management.Port),
		zap.Int("registration_api_port", appConfig.API.Registration.Port),
		zap.Bool("dns_enabled", appConfig.DNS.Enabled),
		zap.Bool("etcd_enabled", appConfig.Etcd.Enabled),
	)

	app, err := newApp(appConfig, logger)
	if err != nil {
		logger.Error("初始化服务失败", zap.Error(err))
		os.Exit(1)
	}

	if err := app.Start(context.Background()); err != nil {
		logger.Error("启动服务失败", zap.Error(err))
		shutdown(app)
		os.Exit(1)
	}
	logger.Info("服务已启动")

	// 等待信号以优雅关闭
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info("接收到关闭信号，正在优雅关闭...", zap.String("signal", sig.String()))
	shutdown(app)
	logger.Info("服务已关闭")
}

func shutdown(app *App) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.Shutdown(ctx); err != nil {
		logger.Error("关闭服务时出错", zap.Error(err))
	}
}
