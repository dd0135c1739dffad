package model

import (
	"strings"
	"time"
)

// AlertSeverity 告警级别
type AlertSeverity string

const (
	// SeverityInfo 提示
	SeverityInfo AlertSeverity = "INFO"
	// SeverityWarning 警告
	SeverityWarning AlertSeverity = "WARNING"
	// SeverityError 错误
	SeverityError AlertSeverity = "ERROR"
	// SeverityCritical 严重
	SeverityCritical AlertSeverity = "CRITICAL"
)

// ParseAlertSeverity 解析告警级别字符串，大小写不敏感
func ParseAlertSeverity(s string) (AlertSeverity, bool) {
	switch AlertSeverity(strings.ToUpper(strings.TrimSpace(s))) {
	case SeverityInfo:
		return SeverityInfo, true
	case SeverityWarning:
		return SeverityWarning, true
	case SeverityError:
		return SeverityError, true
	case SeverityCritical:
		return SeverityCritical, true
	}
	return "", false
}

// ThresholdDirection 阈值比较方向
type ThresholdDirection string

const (
	// DirectionAbove 值越大越糟糕，value >= threshold 时触发
	DirectionAbove ThresholdDirection = "above"
	// DirectionBelow 值越小越糟糕，value <= threshold 时触发
	DirectionBelow ThresholdDirection = "below"
)

// MetricSample 一条指标采样
type MetricSample struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
	Tags      map[string]string `json:"tags,omitempty"`
	Unit      string            `json:"unit,omitempty"`
}

// Threshold 单个指标的告警阈值
type Threshold struct {
	MetricName string             `json:"metric_name"`
	Warning    float64            `json:"warning"`
	Error      float64            `json:"error"`
	Critical   float64            `json:"critical"`
	Direction  ThresholdDirection `json:"direction"` // 为空按above处理
}

// Alert 指标越过阈值时产生的告警
type Alert struct {
	ID           string        `json:"id"`
	Severity     AlertSeverity `json:"severity"`
	Message      string        `json:"message"`
	MetricName   string        `json:"metric_name"`
	Threshold    float64       `json:"threshold"`
	ActualValue  float64       `json:"actual_value"`
	Timestamp    time.Time     `json:"timestamp"`
	Acknowledged bool          `json:"acknowledged"`
}

// MonitoringStats 告警引擎统计信息
type MonitoringStats struct {
	Uptime               time.Duration `json:"uptime"`
	TotalMetricsRecorded int64         `json:"total_metrics_recorded"`
	TotalAlertsGenerated int64         `json:"total_alerts_generated"`
	ActiveAlerts         int           `json:"active_alerts"`
	MetricsTracked       int           `json:"metrics_tracked"`
	MonitoringRunning    bool          `json:"monitoring_running"`
}
