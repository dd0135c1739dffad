package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hewenyu/kong-monitor/internal/alerting"
	"github.com/hewenyu/kong-monitor/internal/apihandler"
	"github.com/hewenyu/kong-monitor/internal/config"
	"github.com/hewenyu/kong-monitor/internal/dnsserver"
	"github.com/hewenyu/kong-monitor/internal/etcdclient"
	"github.com/hewenyu/kong-monitor/internal/metrics"
	"github.com/hewenyu/kong-monitor/internal/registry"
	"github.com/hewenyu/kong-monitor/pkg/model"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// App 组装注册表、告警引擎和各个对外接口
type App struct {
	cfg    *config.Config
	logger config.Logger

	registry *registry.Registry
	engine   *alerting.Engine
	promReg  *prometheus.Registry
	api      apihandler.Handler
	dns      dnsserver.Server
	etcd     etcdclient.Client
	feed     *etcdclient.RegistrationFeed

	cancelFeed context.CancelFunc
}

// newRegistry 按配置创建服务注册表
func newRegistry(cfg *config.Config, logger config.Logger) *registry.Registry {
	return registry.NewRegistry(&registry.Config{
		DiscoveryInterval:   cfg.Registry.DiscoveryInterval,
		HealthCheckInterval: cfg.Registry.HealthCheckInterval,
		SilenceWindow:       cfg.Registry.SilenceWindow,
		ProbeTimeout:        cfg.Registry.ProbeTimeout,
		ProbeConcurrency:    cfg.Registry.ProbeConcurrency,
		StopTimeout:         cfg.Registry.StopTimeout,
	}, logger.With(zap.String("component", "registry")))
}

// newEngine 按配置创建告警引擎并加载阈值
func newEngine(cfg *config.Config, logger config.Logger) (*alerting.Engine, error) {
	engine := alerting.NewEngine(&alerting.Config{
		HistoryLimit:    cfg.Alerting.HistoryLimit,
		AlertRetention:  cfg.Alerting.AlertRetention,
		MonitorInterval: cfg.Alerting.MonitorInterval,
		StopTimeout:     cfg.Alerting.StopTimeout,
	}, logger.With(zap.String("component", "alerting")))

	for _, tc := range cfg.Alerting.Thresholds {
		t := model.Threshold{
			MetricName: tc.Metric,
			Warning:    tc.Warning,
			Error:      tc.Error,
			Critical:   tc.Critical,
			Direction:  model.ThresholdDirection(strings.ToLower(tc.Direction)),
		}
		if err := alerting.ValidateThreshold(t); err != nil {
			return nil, fmt.Errorf("加载阈值%s失败: %w", tc.Metric, err)
		}
		engine.SetThresholdRule(t)
	}

	// 告警写入日志
	engine.SetAlertCallback(func(alert model.Alert) {
		logger.Warn("产生告警",
			zap.String("alert_id", alert.ID),
			zap.String("severity", string(alert.Severity)),
			zap.String("metric", alert.MetricName),
			zap.Float64("value", alert.ActualValue),
			zap.Float64("threshold", alert.Threshold),
			zap.String("message", alert.Message))
	})

	return engine, nil
}

// newApp 创建并连接所有组件，不启动任何后台任务
func newApp(cfg *config.Config, logger config.Logger) (*App, error) {
	reg := newRegistry(cfg, logger)

	engine, err := newEngine(cfg, logger)
	if err != nil {
		return nil, err
	}

	// 健康结果写入告警引擎
	if cfg.Registry.ForwardHealthMetrics {
		reg.AddHealthObserver(registry.NewMetricForwarder(engine))
	}

	// Prometheus指标
	probeMetrics := metrics.NewProbeMetrics()
	reg.AddHealthObserver(probeMetrics)
	promReg, err := metrics.NewPrometheusRegistry(metrics.NewCollector(reg, engine), probeMetrics)
	if err != nil {
		return nil, fmt.Errorf("注册Prometheus指标失败: %w", err)
	}

	app := &App{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		engine:   engine,
		promReg:  promReg,
		api:      apihandler.NewAPIHandler(cfg, logger.With(zap.String("component", "api")), reg, engine, promReg),
	}

	if cfg.DNS.Enabled {
		app.dns = dnsserver.NewDNSServer(cfg, logger.With(zap.String("component", "dns")))
		app.dns.SetServiceSource(reg)
	}

	if cfg.Etcd.Enabled {
		etcdLogger := logger.With(zap.String("component", "etcd"))
		app.etcd = etcdclient.NewEtcdClient(cfg, etcdLogger)
		app.feed = etcdclient.NewRegistrationFeed(app.etcd, reg, cfg.Etcd.Prefix, etcdLogger)
	}

	return app, nil
}

// Start 启动API、可选的DNS与etcd注册源，以及后台循环
func (a *App) Start(ctx context.Context) error {
	if err := a.api.StartManagementAPI(); err != nil {
		return fmt.Errorf("启动管理API失败: %w", err)
	}
	if err := a.api.StartRegistrationAPI(); err != nil {
		return fmt.Errorf("启动注册API失败: %w", err)
	}

	if a.dns != nil {
		if err := a.dns.Start(); err != nil {
			return fmt.Errorf("启动DNS服务失败: %w", err)
		}
	}

	if a.etcd != nil {
		if err := a.startFeed(ctx); err != nil {
			return err
		}
	}

	a.registry.StartDiscovery(a.cfg.Registry.DiscoveryInterval)
	a.engine.StartMonitoring(a.cfg.Alerting.MonitorInterval)
	return nil
}

// startFeed 连接etcd并开始同步服务记录
func (a *App) startFeed(ctx context.Context) error {
	if err := a.etcd.Connect(); err != nil {
		return err
	}
	if err := a.etcd.Ping(ctx); err != nil {
		return err
	}

	feedCtx, cancel := context.WithCancel(ctx)
	if err := a.feed.Start(feedCtx); err != nil {
		cancel()
		return fmt.Errorf("启动etcd注册源失败: %w", err)
	}
	a.cancelFeed = cancel
	a.logger.Info("etcd注册源已启动", zap.String("prefix", a.feed.Prefix()))
	return nil
}

// Shutdown 停止后台循环并并行关闭各个对外接口
func (a *App) Shutdown(ctx context.Context) error {
	a.registry.StopDiscovery()
	a.engine.StopMonitoring()

	if a.cancelFeed != nil {
		a.cancelFeed()
	}

	var g errgroup.Group
	g.Go(func() error {
		return a.api.Shutdown(ctx)
	})
	if a.dns != nil {
		g.Go(func() error {
			return a.dns.Shutdown(ctx)
		})
	}
	err := g.Wait()

	if a.etcd != nil {
		err = errors.Join(err, a.etcd.Close())
	}
	return err
}
