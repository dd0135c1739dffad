package apihandler

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hewenyu/kong-monitor/internal/registry"
	"github.com/hewenyu/kong-monitor/pkg/model"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// EndpointRequest 注册请求中的端点
type EndpointRequest struct {
	URL             string `json:"url" validate:"required"`
	Protocol        string `json:"protocol" validate:"omitempty,oneof=http https"`
	Port            int    `json:"port" validate:"required,min=1,max=65535"`
	HealthCheckPath string `json:"health_check_path"`
}

// ServiceRegistrationRequest 服务注册请求
type ServiceRegistrationRequest struct {
	ServiceID   string            `json:"service_id"` // 为空时自动生成
	ServiceName string            `json:"service_name" validate:"required"`
	Version     string            `json:"version"`
	Endpoints   []EndpointRequest `json:"endpoints" validate:"dive"`
	Metadata    map[string]string `json:"metadata"`
	Tags        []string          `json:"tags"`
}

// EndpointHealthRequest 端点健康上报请求
type EndpointHealthRequest struct {
	URL     string `json:"url" validate:"required"`
	Healthy *bool  `json:"healthy" validate:"required"`
}

// MetricRequest 指标上报请求
type MetricRequest struct {
	Name  string            `json:"name" validate:"required"`
	Value *float64          `json:"value" validate:"required"`
	Tags  map[string]string `json:"tags"`
	Unit  string            `json:"unit"`
}

// registerServiceHandler 处理服务注册请求
func (h *EchoHandler) registerServiceHandler(c echo.Context) error {
	var req ServiceRegistrationRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "请求参数无效: "+err.Error())
	}

	// 参数验证
	if err := c.Validate(&req); err != nil {
		return fail(c, http.StatusBadRequest, "参数验证失败: "+err.Error())
	}

	// 生成服务ID
	if req.ServiceID == "" {
		req.ServiceID = uuid.New().String()
	}

	endpoints := make([]model.ServiceEndpoint, len(req.Endpoints))
	for i, ep := range req.Endpoints {
		endpoints[i] = model.ServiceEndpoint{
			URL:             ep.URL,
			Protocol:        ep.Protocol,
			Port:            ep.Port,
			HealthCheckPath: ep.HealthCheckPath,
		}
	}

	if !h.registry.RegisterService(req.ServiceID, req.ServiceName, req.Version, endpoints, req.Metadata, req.Tags) {
		h.logger.Warn("服务ID已存在", zap.String("service_id", req.ServiceID))
		return fail(c, http.StatusConflict, "服务已存在: "+req.ServiceID)
	}

	svc, _ := h.registry.GetService(req.ServiceID)
	return ok(c, "服务注册成功", map[string]interface{}{
		"service_id":        req.ServiceID,
		"state":             svc.State,
		"registration_time": svc.RegistrationTime,
	})
}

// deregisterServiceHandler 处理服务注销请求
func (h *EchoHandler) deregisterServiceHandler(c echo.Context) error {
	serviceID := c.Param("serviceId")

	if !h.registry.DeregisterService(serviceID) {
		return fail(c, http.StatusNotFound, "服务不存在: "+serviceID)
	}

	return ok(c, "服务注销成功", map[string]string{"service_id": serviceID})
}

// heartbeatHandler 处理服务心跳
func (h *EchoHandler) heartbeatHandler(c echo.Context) error {
	serviceID := c.Param("serviceId")

	if !h.registry.Heartbeat(serviceID) {
		return fail(c, http.StatusNotFound, "服务不存在: "+serviceID)
	}

	return ok(c, "心跳更新成功", map[string]interface{}{
		"service_id": serviceID,
		"timestamp":  time.Now().Format(time.RFC3339),
	})
}

// endpointHealthHandler 处理端点健康上报
func (h *EchoHandler) endpointHealthHandler(c echo.Context) error {
	serviceID := c.Param("serviceId")

	var req EndpointHealthRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "请求参数无效: "+err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return fail(c, http.StatusBadRequest, "参数验证失败: "+err.Error())
	}

	switch h.registry.UpdateEndpointHealth(serviceID, req.URL, *req.Healthy) {
	case registry.UpdateServiceNotFound:
		return fail(c, http.StatusNotFound, "服务不存在: "+serviceID)
	case registry.UpdateEndpointNotFound:
		return fail(c, http.StatusNotFound, "端点不存在: "+req.URL)
	}

	svc, _ := h.registry.GetService(serviceID)
	return ok(c, "端点健康状态已更新", map[string]interface{}{
		"service_id": serviceID,
		"state":      svc.State,
	})
}

// recordMetricHandler 处理指标上报
func (h *EchoHandler) recordMetricHandler(c echo.Context) error {
	var req MetricRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "请求参数无效: "+err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return fail(c, http.StatusBadRequest, "参数验证失败: "+err.Error())
	}

	alert := h.engine.RecordMetric(req.Name, *req.Value, req.Tags, req.Unit)
	return ok(c, "指标已记录", map[string]interface{}{
		"alert": alert,
	})
}
