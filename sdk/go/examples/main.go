package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	sdk "github.com/hewenyu/kong-monitor/sdk/go"
)

func main() {
	serverAddr := flag.String("server", "localhost:8081", "注册API地址")
	dnsAddr := flag.String("dns", "", "DNS服务地址，如127.0.0.1:6553，为空时不查询")
	domain := flag.String("domain", "service.local", "DNS域名")
	port := flag.Int("port", 8000, "本服务监听端口")
	flag.Parse()

	// 启动一个带健康检查接口的HTTP服务
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	httpServer := &http.Server{Addr: ":" + strconv.Itoa(*port), Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP服务启动失败: %v", err)
		}
	}()

	// 配置SDK客户端
	config := &sdk.Config{
		ServerAddr:  *serverAddr,
		ServiceName: "example-service",
		Version:     "1.0.0",
		Endpoints: []sdk.Endpoint{
			{URL: "127.0.0.1", Port: *port, HealthCheckPath: "/health"},
		},
		Tags:              []string{"example", "sdk"},
		Metadata:          map[string]string{"owner": "examples"},
		HeartbeatInterval: 30 * time.Second,
		Timeout:           5 * time.Second,
		RetryCount:        3,
	}

	// 创建SDK客户端
	client, err := sdk.NewClient(config)
	if err != nil {
		log.Fatalf("创建SDK客户端失败: %v", err)
	}

	// 注册服务
	ctx := context.Background()
	resp, err := client.Register(ctx)
	if err != nil {
		log.Fatalf("服务注册失败: %v", err)
	}
	log.Printf("服务注册成功，服务ID: %s，状态: %s", resp.ServiceID, resp.State)

	// 主动上报一次健康状态，不必等待后台探测
	state, err := client.ReportEndpointHealth(ctx, "127.0.0.1", true)
	if err != nil {
		log.Printf("上报健康状态失败: %v", err)
	} else {
		log.Printf("服务当前状态: %s", state)
	}

	// 启动心跳
	client.StartHeartbeat()
	log.Printf("心跳任务已启动，间隔: %s", config.HeartbeatInterval)

	// 周期性上报业务指标
	stopMetrics := make(chan struct{})
	go reportMetrics(client, stopMetrics)

	if *dnsAddr != "" {
		lookup(*dnsAddr, *domain, "example-service")
	}

	// 等待终止信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	log.Println("服务已启动，按Ctrl+C终止...")
	<-quit

	// 优雅关闭
	log.Println("正在关闭服务...")
	close(stopMetrics)
	if err := client.Close(ctx); err != nil {
		log.Printf("关闭SDK客户端失败: %v", err)
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	log.Println("服务已关闭")
}

// reportMetrics 每10秒上报一次模拟的请求延迟
func reportMetrics(client *sdk.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			latency := 50 + rand.Float64()*100
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			alert, err := client.RecordMetric(ctx, "example-service.latency_ms", latency,
				map[string]string{"service_id": client.GetServiceID()}, "ms")
			cancel()
			if err != nil {
				log.Printf("上报指标失败: %v", err)
				continue
			}
			if alert != nil {
				log.Printf("触发告警: [%s] %s", alert.Severity, alert.Message)
			}
		case <-stop:
			return
		}
	}
}

// lookup 通过DNS服务查询服务的健康端点
func lookup(server, domain, serviceName string) {
	resolver := sdk.NewResolver(sdk.ResolverConfig{Server: server, Domain: domain})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addrs, err := resolver.ResolveHost(ctx, serviceName)
	if err != nil {
		log.Printf("DNS查询失败（服务需处于ACTIVE状态）: %v", err)
		return
	}
	fmt.Printf("%s -> %v\n", serviceName, addrs)

	if target, err := resolver.ResolveService(ctx, serviceName, "http"); err == nil {
		fmt.Printf("%s (http) -> %s\n", serviceName, target)
	}
}
