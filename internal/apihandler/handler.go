package apihandler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hewenyu/kong-monitor/internal/config"
	"github.com/hewenyu/kong-monitor/internal/registry"
	"github.com/hewenyu/kong-monitor/pkg/model"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Handler 定义API处理器接口
type Handler interface {
	// StartManagementAPI 启动管理API服务
	StartManagementAPI() error

	// StartRegistrationAPI 启动服务注册API服务
	StartRegistrationAPI() error

	// Shutdown 优雅关闭API服务
	Shutdown(ctx context.Context) error
}

// ServiceRegistry API依赖的注册表操作，由registry.Registry实现
type ServiceRegistry interface {
	RegisterService(id, name, version string, endpoints []model.ServiceEndpoint, metadata map[string]string, tags []string) bool
	DeregisterService(id string) bool
	Heartbeat(id string) bool
	UpdateEndpointHealth(serviceID, endpointURL string, healthy bool) registry.UpdateResult
	DiscoverServices(tags []string, state *model.ServiceState) []model.DiscoveredService
	GetService(id string) (model.DiscoveredService, bool)
	GetDiscoveryStats() model.DiscoveryStats
}

// AlertingEngine API依赖的告警引擎操作，由alerting.Engine实现
type AlertingEngine interface {
	RecordMetric(name string, value float64, tags map[string]string, unit string) *model.Alert
	GetCurrentMetrics() map[string]float64
	GetMetricHistory(name string, window time.Duration) []model.MetricSample
	SetThresholdRule(t model.Threshold)
	GetThreshold(metricName string) (model.Threshold, bool)
	RemoveThreshold(metricName string) bool
	GetActiveAlerts(severity *model.AlertSeverity) []model.Alert
	GetAlert(id string) (model.Alert, bool)
	AcknowledgeAlert(id string) bool
	ClearAlert(id string) bool
	GetMonitoringStats() model.MonitoringStats
}

// Response 统一响应结构
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// CustomValidator 基于go-playground/validator实现echo.Validator接口
type CustomValidator struct {
	validator *validator.Validate
}

// NewCustomValidator 创建请求校验器
func NewCustomValidator() *CustomValidator {
	return &CustomValidator{validator: validator.New()}
}

// Validate 实现echo.Validator接口
func (cv *CustomValidator) Validate(i interface{}) error {
	return cv.validator.Struct(i)
}

// EchoHandler 实现Handler接口
type EchoHandler struct {
	managementServer   *echo.Echo
	registrationServer *echo.Echo
	cfg                *config.Config
	logger             config.Logger
	registry           ServiceRegistry
	engine             AlertingEngine
	gatherer           prometheus.Gatherer
}

// NewAPIHandler 创建一个新的API处理器，gatherer为nil时使用prometheus默认的Gatherer
func NewAPIHandler(cfg *config.Config, logger config.Logger, reg ServiceRegistry, engine AlertingEngine, gatherer prometheus.Gatherer) Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &EchoHandler{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		engine:   engine,
		gatherer: gatherer,
	}
}

// newEcho 创建带有通用中间件的Echo实例
func (h *EchoHandler) newEcho(api string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = NewCustomValidator()

	// 添加中间件
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogMethod:  true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("api", api),
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			h.logger.Debug("处理HTTP请求", fields...)
			return nil
		},
	}))

	// 添加CORS中间件
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))

	return e
}

// StartManagementAPI 启动管理API服务
func (h *EchoHandler) StartManagementAPI() error {
	h.logger.Info("启动管理API服务",
		zap.String("address", h.cfg.API.Management.ListenAddress),
		zap.Int("port", h.cfg.API.Management.Port))

	h.managementServer = h.ManagementHandler()

	// 启动服务（非阻塞）
	go func() {
		addr := fmt.Sprintf("%s:%d", h.cfg.API.Management.ListenAddress, h.cfg.API.Management.Port)
		if err := h.managementServer.Start(addr); err != nil && err != http.ErrServerClosed {
			h.logger.Error("管理API服务启动失败", zap.Error(err))
		}
	}()

	return nil
}

// StartRegistrationAPI 启动服务注册API服务
func (h *EchoHandler) StartRegistrationAPI() error {
	h.logger.Info("启动服务注册API服务",
		zap.String("address", h.cfg.API.Registration.ListenAddress),
		zap.Int("port", h.cfg.API.Registration.Port))

	h.registrationServer = h.RegistrationHandler()

	// 启动服务（非阻塞）
	go func() {
		addr := fmt.Sprintf("%s:%d", h.cfg.API.Registration.ListenAddress, h.cfg.API.Registration.Port)
		if err := h.registrationServer.Start(addr); err != nil && err != http.ErrServerClosed {
			h.logger.Error("服务注册API服务启动失败", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown 优雅关闭API服务
func (h *EchoHandler) Shutdown(ctx context.Context) error {
	h.logger.Info("正在关闭API服务...")

	// 关闭管理API服务
	if h.managementServer != nil {
		if err := h.managementServer.Shutdown(ctx); err != nil {
			h.logger.Error("关闭管理API服务出错", zap.Error(err))
			return err
		}
	}

	// 关闭服务注册API服务
	if h.registrationServer != nil {
		if err := h.registrationServer.Shutdown(ctx); err != nil {
			h.logger.Error("关闭服务注册API服务出错", zap.Error(err))
			return err
		}
	}

	return nil
}

// ManagementHandler 创建注册了管理路由的Echo实例，不监听端口
func (h *EchoHandler) ManagementHandler() *echo.Echo {
	e := h.newEcho("management")
	h.registerManagementRoutes(e)
	return e
}

// RegistrationHandler 创建注册了服务注册路由的Echo实例，不监听端口
func (h *EchoHandler) RegistrationHandler() *echo.Echo {
	e := h.newEcho("registration")
	h.registerRegistrationRoutes(e)
	return e
}

// registerManagementRoutes 注册管理API路由
func (h *EchoHandler) registerManagementRoutes(e *echo.Echo) {

	// 健康检查端点
	e.GET("/health", h.healthHandler("kong-monitor-management-api"))

	// Prometheus指标
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))

	// API分组，版本v1
	api := e.Group("/api/v1")

	// 服务查询相关路由
	services := api.Group("/services")
	services.GET("", h.listServicesHandler)          // 查询服务列表
	services.GET("/:serviceId", h.getServiceHandler) // 查询服务详情
	api.GET("/discovery/stats", h.discoveryStatsHandler)

	// 指标相关路由
	api.GET("/metrics/current", h.currentMetricsHandler)
	api.GET("/metrics/:name/history", h.metricHistoryHandler)

	// 阈值相关路由
	thresholds := api.Group("/thresholds")
	thresholds.GET("/:name", h.getThresholdHandler)
	thresholds.PUT("/:name", h.setThresholdHandler)
	thresholds.DELETE("/:name", h.removeThresholdHandler)

	// 告警相关路由
	alerts := api.Group("/alerts")
	alerts.GET("", h.listAlertsHandler)
	alerts.GET("/:alertId", h.getAlertHandler)
	alerts.POST("/:alertId/ack", h.acknowledgeAlertHandler)
	alerts.DELETE("/:alertId", h.clearAlertHandler)

	api.GET("/monitoring/stats", h.monitoringStatsHandler)
}

// registerRegistrationRoutes 注册服务注册API路由
func (h *EchoHandler) registerRegistrationRoutes(e *echo.Echo) {

	// 健康检查端点
	e.GET("/health", h.healthHandler("kong-monitor-registration-api"))

	// API分组，版本v1
	api := e.Group("/api/v1")

	// 服务注册相关路由
	services := api.Group("/services")
	services.POST("", h.registerServiceHandler)                           // 注册服务
	services.DELETE("/:serviceId", h.deregisterServiceHandler)            // 注销服务
	services.PUT("/:serviceId/heartbeat", h.heartbeatHandler)             // 心跳更新
	services.PUT("/:serviceId/endpoints/health", h.endpointHealthHandler) // 上报端点健康

	// 指标上报
	api.POST("/metrics", h.recordMetricHandler)
}

func (h *EchoHandler) healthHandler(service string) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":    "ok",
			"timestamp": time.Now().Format(time.RFC3339),
			"service":   service,
		})
	}
}

// fail 返回错误响应
func fail(c echo.Context, status int, message string) error {
	return c.JSON(status, Response{
		Code:    status,
		Message: message,
	})
}

// ok 返回成功响应
func ok(c echo.Context, message string, data any) error {
	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: message,
		Data:    data,
	})
}
