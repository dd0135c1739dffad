package registry

import (
	"fmt"
	"strconv"

	"github.com/hewenyu/kong-monitor/pkg/model"
)

// MetricRecorder 接收指标采样，由告警引擎实现
type MetricRecorder interface {
	RecordMetric(name string, value float64, tags map[string]string, unit string) *model.Alert
}

// MetricForwarder 将健康结果转换为指标写入告警引擎
type MetricForwarder struct {
	recorder MetricRecorder
}

// NewMetricForwarder 创建健康指标转发器
func NewMetricForwarder(recorder MetricRecorder) *MetricForwarder {
	return &MetricForwarder{recorder: recorder}
}

// UnhealthyRatioMetric 服务不健康端点比例的指标名
func UnhealthyRatioMetric(serviceID string) string {
	return fmt.Sprintf("service.%s.unhealthy_ratio", serviceID)
}

// ProbeLatencyMetric 服务探测延迟的指标名
func ProbeLatencyMetric(serviceID string) string {
	return fmt.Sprintf("service.%s.probe_latency_ms", serviceID)
}

// ObserveHealth 实现HealthObserver
func (f *MetricForwarder) ObserveHealth(result model.HealthResult) {
	if result.TotalEndpoints == 0 {
		return
	}

	tags := map[string]string{
		"service_id":   result.ServiceID,
		"service_name": result.ServiceName,
		"endpoint":     result.EndpointURL,
		"healthy":      strconv.FormatBool(result.Healthy),
	}

	ratio := float64(result.TotalEndpoints-result.HealthyEndpoints) / float64(result.TotalEndpoints)
	f.recorder.RecordMetric(UnhealthyRatioMetric(result.ServiceID), ratio, tags, "ratio")

	if result.Probed {
		ms := float64(result.Latency.Microseconds()) / 1000
		f.recorder.RecordMetric(ProbeLatencyMetric(result.ServiceID), ms, tags, "ms")
	}
}
