package apihandler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/hewenyu/kong-monitor/internal/alerting"
	"github.com/hewenyu/kong-monitor/pkg/model"
	"github.com/labstack/echo/v4"
)

// ThresholdRequest 阈值设置请求
type ThresholdRequest struct {
	Warning   float64 `json:"warning"`
	Error     float64 `json:"error"`
	Critical  float64 `json:"critical"`
	Direction string  `json:"direction" validate:"omitempty,oneof=above below"`
}

// listServicesHandler 查询服务列表，支持重复的tag参数和state参数
func (h *EchoHandler) listServicesHandler(c echo.Context) error {
	tags := c.QueryParams()["tag"]

	var state *model.ServiceState
	if raw := c.QueryParam("state"); raw != "" {
		s, valid := model.ParseServiceState(raw)
		if !valid {
			return fail(c, http.StatusBadRequest, "无效的服务状态: "+raw)
		}
		state = &s
	}

	services := h.registry.DiscoverServices(tags, state)
	return ok(c, "查询成功", map[string]interface{}{
		"total":    len(services),
		"services": services,
	})
}

// getServiceHandler 查询服务详情
func (h *EchoHandler) getServiceHandler(c echo.Context) error {
	serviceID := c.Param("serviceId")

	svc, found := h.registry.GetService(serviceID)
	if !found {
		return fail(c, http.StatusNotFound, "服务不存在: "+serviceID)
	}
	return ok(c, "查询成功", svc)
}

// discoveryStatsHandler 返回注册表统计
func (h *EchoHandler) discoveryStatsHandler(c echo.Context) error {
	return ok(c, "查询成功", h.registry.GetDiscoveryStats())
}

// currentMetricsHandler 返回每个指标的最新值
func (h *EchoHandler) currentMetricsHandler(c echo.Context) error {
	return ok(c, "查询成功", h.engine.GetCurrentMetrics())
}

// metricHistoryHandler 返回指标历史，hours为空时返回全部
func (h *EchoHandler) metricHistoryHandler(c echo.Context) error {
	name := c.Param("name")

	var window time.Duration
	if raw := c.QueryParam("hours"); raw != "" {
		hours, err := strconv.ParseFloat(raw, 64)
		if err != nil || hours < 0 {
			return fail(c, http.StatusBadRequest, "无效的hours参数: "+raw)
		}
		window = time.Duration(hours * float64(time.Hour))
	}

	samples := h.engine.GetMetricHistory(name, window)
	return ok(c, "查询成功", map[string]interface{}{
		"name":    name,
		"total":   len(samples),
		"samples": samples,
	})
}

// getThresholdHandler 查询指标阈值
func (h *EchoHandler) getThresholdHandler(c echo.Context) error {
	name := c.Param("name")

	t, found := h.engine.GetThreshold(name)
	if !found {
		return fail(c, http.StatusNotFound, "阈值不存在: "+name)
	}
	return ok(c, "查询成功", t)
}

// setThresholdHandler 设置指标阈值，顺序不正确时拒绝
func (h *EchoHandler) setThresholdHandler(c echo.Context) error {
	var req ThresholdRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "请求参数无效: "+err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return fail(c, http.StatusBadRequest, "参数验证失败: "+err.Error())
	}

	t := model.Threshold{
		MetricName: c.Param("name"),
		Warning:    req.Warning,
		Error:      req.Error,
		Critical:   req.Critical,
		Direction:  model.ThresholdDirection(req.Direction),
	}
	if t.Direction == "" {
		t.Direction = model.DirectionAbove
	}

	if err := alerting.ValidateThreshold(t); err != nil {
		if errors.Is(err, alerting.ErrInvalidThreshold) {
			return fail(c, http.StatusBadRequest, err.Error())
		}
		return fail(c, http.StatusInternalServerError, err.Error())
	}

	h.engine.SetThresholdRule(t)
	return ok(c, "阈值已设置", t)
}

// removeThresholdHandler 删除指标阈值
func (h *EchoHandler) removeThresholdHandler(c echo.Context) error {
	name := c.Param("name")

	if !h.engine.RemoveThreshold(name) {
		return fail(c, http.StatusNotFound, "阈值不存在: "+name)
	}
	return ok(c, "阈值已删除", nil)
}

// listAlertsHandler 查询未确认的告警
func (h *EchoHandler) listAlertsHandler(c echo.Context) error {
	var severity *model.AlertSeverity
	if raw := c.QueryParam("severity"); raw != "" {
		s, valid := model.ParseAlertSeverity(raw)
		if !valid {
			return fail(c, http.StatusBadRequest, "无效的告警级别: "+raw)
		}
		severity = &s
	}

	alerts := h.engine.GetActiveAlerts(severity)
	return ok(c, "查询成功", map[string]interface{}{
		"total":  len(alerts),
		"alerts": alerts,
	})
}

// getAlertHandler 查询告警详情
func (h *EchoHandler) getAlertHandler(c echo.Context) error {
	alertID := c.Param("alertId")

	alert, found := h.engine.GetAlert(alertID)
	if !found {
		return fail(c, http.StatusNotFound, "告警不存在: "+alertID)
	}
	return ok(c, "查询成功", alert)
}

// acknowledgeAlertHandler 确认告警
func (h *EchoHandler) acknowledgeAlertHandler(c echo.Context) error {
	alertID := c.Param("alertId")

	if !h.engine.AcknowledgeAlert(alertID) {
		return fail(c, http.StatusNotFound, "告警不存在: "+alertID)
	}
	return ok(c, "告警已确认", nil)
}

// clearAlertHandler 清除告警
func (h *EchoHandler) clearAlertHandler(c echo.Context) error {
	alertID := c.Param("alertId")

	if !h.engine.ClearAlert(alertID) {
		return fail(c, http.StatusNotFound, "告警不存在: "+alertID)
	}
	return ok(c, "告警已清除", nil)
}

// monitoringStatsHandler 返回告警引擎统计
func (h *EchoHandler) monitoringStatsHandler(c echo.Context) error {
	stats := h.engine.GetMonitoringStats()
	return ok(c, "查询成功", map[string]interface{}{
		"uptime_seconds":         stats.Uptime.Seconds(),
		"total_metrics_recorded": stats.TotalMetricsRecorded,
		"total_alerts_generated": stats.TotalAlertsGenerated,
		"active_alerts":          stats.ActiveAlerts,
		"metrics_tracked":        stats.MetricsTracked,
		"monitoring_running":     stats.MonitoringRunning,
	})
}
