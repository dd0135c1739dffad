package alerting

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hewenyu/kong-monitor/internal/config"
	"github.com/hewenyu/kong-monitor/pkg/model"
	"go.uber.org/zap"
)

// ErrInvalidThreshold 阈值顺序与比较方向不一致
var ErrInvalidThreshold = errors.New("无效的阈值")

// AlertCallback 新告警产生时同步调用
type AlertCallback func(alert model.Alert)

// Config 告警引擎配置
type Config struct {
	// HistoryLimit 每个指标保留的最大采样数
	HistoryLimit int

	// AlertRetention 告警保留时长，超过后由监控循环清理
	AlertRetention time.Duration

	// MonitorInterval 监控循环的默认周期
	MonitorInterval time.Duration

	// StopTimeout 停止监控循环时的最长等待时间
	StopTimeout time.Duration
}

// DefaultConfig 返回默认的告警引擎配置
func DefaultConfig() *Config {
	return &Config{
		HistoryLimit:    1000,
		AlertRetention:  24 * time.Hour,
		MonitorInterval: 60 * time.Second,
		StopTimeout:     2 * time.Second,
	}
}

// Engine 指标存储与阈值告警引擎
type Engine struct {
	cfg    *Config
	logger config.Logger
	now    func() time.Time

	mu         sync.RWMutex
	history    map[string][]model.MetricSample
	thresholds map[string]model.Threshold
	alerts     map[string]*model.Alert
	callback   AlertCallback

	startTime            time.Time
	totalMetricsRecorded int64
	totalAlertsGenerated int64

	loop monitorLoop
}

// NewEngine 创建告警引擎，cfg为nil时使用默认配置
func NewEngine(cfg *Config, logger config.Logger) *Engine {
	if logger == nil {
		panic("alerting: logger不能为nil")
	}
	cfg = normalizeConfig(cfg)

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		history:    make(map[string][]model.MetricSample),
		thresholds: make(map[string]model.Threshold),
		alerts:     make(map[string]*model.Alert),
	}
	e.startTime = e.now()
	return e
}

// normalizeConfig 用默认值补齐未设置的配置项
func normalizeConfig(cfg *Config) *Config {
	def := DefaultConfig()
	if cfg == nil {
		return def
	}
	out := *cfg
	if out.HistoryLimit <= 0 {
		out.HistoryLimit = def.HistoryLimit
	}
	if out.AlertRetention <= 0 {
		out.AlertRetention = def.AlertRetention
	}
	if out.MonitorInterval <= 0 {
		out.MonitorInterval = def.MonitorInterval
	}
	if out.StopTimeout <= 0 {
		out.StopTimeout = def.StopTimeout
	}
	return &out
}

// SetClock 替换时间来源并重置启动时间，仅用于测试
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
	e.startTime = now()
}

// SetAlertCallback 设置告警回调，传nil取消
func (e *Engine) SetAlertCallback(cb AlertCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callback = cb
}

// SetThreshold 设置"越大越糟"的阈值，覆盖已有设置，不校验顺序
func (e *Engine) SetThreshold(metricName string, warning, errorLevel, critical float64) {
	e.SetThresholdRule(model.Threshold{
		MetricName: metricName,
		Warning:    warning,
		Error:      errorLevel,
		Critical:   critical,
		Direction:  model.DirectionAbove,
	})
}

// SetThresholdRule 按给定方向设置阈值，覆盖已有设置，不校验顺序
func (e *Engine) SetThresholdRule(t model.Threshold) {
	if t.Direction == "" {
		t.Direction = model.DirectionAbove
	}

	e.mu.Lock()
	e.thresholds[t.MetricName] = t
	e.mu.Unlock()

	e.logger.Info("设置指标阈值",
		zap.String("metric", t.MetricName),
		zap.Float64("warning", t.Warning),
		zap.Float64("error", t.Error),
		zap.Float64("critical", t.Critical),
		zap.String("direction", string(t.Direction)))
}

// GetThreshold 获取指标阈值
func (e *Engine) GetThreshold(metricName string) (model.Threshold, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.thresholds[metricName]
	return t, ok
}

// RemoveThreshold 删除指标阈值
func (e *Engine) RemoveThreshold(metricName string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.thresholds[metricName]; !ok {
		return false
	}
	delete(e.thresholds, metricName)
	return true
}

// ValidateThreshold 检查阈值顺序是否与比较方向一致
func ValidateThreshold(t model.Threshold) error {
	if t.MetricName == "" {
		return fmt.Errorf("%w: 指标名称不能为空", ErrInvalidThreshold)
	}
	switch t.Direction {
	case "", model.DirectionAbove:
		if t.Warning > t.Error || t.Error > t.Critical {
			return fmt.Errorf("%w: 需要满足 warning <= error <= critical", ErrInvalidThreshold)
		}
	case model.DirectionBelow:
		if t.Warning < t.Error || t.Error < t.Critical {
			return fmt.Errorf("%w: 需要满足 warning >= error >= critical", ErrInvalidThreshold)
		}
	default:
		return fmt.Errorf("%w: 未知的比较方向 %s", ErrInvalidThreshold, t.Direction)
	}
	return nil
}

// RecordMetric 记录一条指标采样，越过阈值时生成告警并返回其副本
func (e *Engine) RecordMetric(name string, value float64, tags map[string]string, unit string) *model.Alert {
	e.mu.Lock()
	now := e.now()

	sample := model.MetricSample{
		Name:      name,
		Value:     value,
		Timestamp: now,
		Tags:      copyTags(tags),
		Unit:      unit,
	}

	samples := append(e.history[name], sample)
	if over := len(samples) - e.cfg.HistoryLimit; over > 0 {
		// 按FIFO淘汰最旧的采样，复制到新切片避免底层数组无限增长
		samples = append([]model.MetricSample(nil), samples[over:]...)
	}
	e.history[name] = samples
	e.totalMetricsRecorded++

	var created *model.Alert
	if t, ok := e.thresholds[name]; ok {
		if severity, level, crossed := evaluate(t, value); crossed {
			created = &model.Alert{
				ID:          uuid.New().String(),
				Severity:    severity,
				Message:     alertMessage(t, severity, value, level),
				MetricName:  name,
				Threshold:   level,
				ActualValue: value,
				Timestamp:   now,
			}
			e.alerts[created.ID] = created
			e.totalAlertsGenerated++
		}
	}
	cb := e.callback
	e.mu.Unlock()

	if created == nil {
		return nil
	}

	alert := *created
	e.logger.Warn("指标越过阈值",
		zap.String("alert_id", alert.ID),
		zap.String("metric", name),
		zap.String("severity", string(alert.Severity)),
		zap.Float64("value", value),
		zap.Float64("threshold", alert.Threshold))

	if cb != nil {
		e.invokeCallback(cb, alert)
	}
	return &alert
}

// invokeCallback 调用告警回调，回调中的panic会被记录而不会传播给调用方
func (e *Engine) invokeCallback(cb AlertCallback, alert model.Alert) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("告警回调执行失败",
				zap.String("alert_id", alert.ID),
				zap.Any("panic", r))
		}
	}()
	cb(alert)
}

// evaluate 按critical、error、warning的顺序匹配，返回第一个越过的级别
func evaluate(t model.Threshold, value float64) (model.AlertSeverity, float64, bool) {
	crossed := func(level float64) bool {
		if t.Direction == model.DirectionBelow {
			return value <= level
		}
		return value >= level
	}

	switch {
	case crossed(t.Critical):
		return model.SeverityCritical, t.Critical, true
	case crossed(t.Error):
		return model.SeverityError, t.Error, true
	case crossed(t.Warning):
		return model.SeverityWarning, t.Warning, true
	}
	return "", 0, false
}

func alertMessage(t model.Threshold, severity model.AlertSeverity, value, level float64) string {
	verb := "超过"
	if t.Direction == model.DirectionBelow {
		verb = "低于"
	}
	return fmt.Sprintf("指标 %s 当前值 %.2f %s %s 阈值 %.2f", t.MetricName, value, verb, severity, level)
}

// GetMetricHistory 返回最近window时间内的采样，window<=0时返回全部
func (e *Engine) GetMetricHistory(name string, window time.Duration) []model.MetricSample {
	e.mu.RLock()
	defer e.mu.RUnlock()

	samples := e.history[name]
	result := make([]model.MetricSample, 0, len(samples))
	if window <= 0 {
		for _, s := range samples {
			result = append(result, cloneSample(s))
		}
		return result
	}

	cutoff := e.now().Add(-window)
	for _, s := range samples {
		if !s.Timestamp.Before(cutoff) {
			result = append(result, cloneSample(s))
		}
	}
	return result
}

// GetCurrentMetrics 返回每个指标最近一次的值
func (e *Engine) GetCurrentMetrics() map[string]float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	current := make(map[string]float64, len(e.history))
	for name, samples := range e.history {
		if len(samples) > 0 {
			current[name] = samples[len(samples)-1].Value
		}
	}
	return current
}

// GetActiveAlerts 返回未确认的告警，severity非nil时只返回该级别
func (e *Engine) GetActiveAlerts(severity *model.AlertSeverity) []model.Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := make([]model.Alert, 0)
	for _, a := range e.alerts {
		if a.Acknowledged {
			continue
		}
		if severity != nil && a.Severity != *severity {
			continue
		}
		result = append(result, *a)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].ID < result[j].ID
		}
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result
}

// GetAlert 按ID获取告警，已确认的告警在清理前仍可获取
func (e *Engine) GetAlert(id string) (model.Alert, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	a, ok := e.alerts[id]
	if !ok {
		return model.Alert{}, false
	}
	return *a, true
}

// AcknowledgeAlert 确认告警
func (e *Engine) AcknowledgeAlert(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.alerts[id]
	if !ok {
		return false
	}
	a.Acknowledged = true
	e.logger.Info("告警已确认", zap.String("alert_id", id))
	return true
}

// ClearAlert 删除告警
func (e *Engine) ClearAlert(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.alerts[id]; !ok {
		return false
	}
	delete(e.alerts, id)
	e.logger.Info("告警已清除", zap.String("alert_id", id))
	return true
}

// cleanupAlerts 清理超过保留时长的告警，无论是否已确认
func (e *Engine) cleanupAlerts() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-e.cfg.AlertRetention)
	removed := 0
	for id, a := range e.alerts {
		if a.Timestamp.Before(cutoff) {
			delete(e.alerts, id)
			removed++
		}
	}
	return removed
}

// GetMonitoringStats 返回引擎统计信息
func (e *Engine) GetMonitoringStats() model.MonitoringStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	active := 0
	for _, a := range e.alerts {
		if !a.Acknowledged {
			active++
		}
	}

	return model.MonitoringStats{
		Uptime:               e.now().Sub(e.startTime),
		TotalMetricsRecorded: e.totalMetricsRecorded,
		TotalAlertsGenerated: e.totalAlertsGenerated,
		ActiveAlerts:         active,
		MetricsTracked:       len(e.history),
		MonitoringRunning:    e.loop.isRunning(),
	}
}

func copyTags(tags map[string]string) map[string]string {
	if tags == nil {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

func cloneSample(s model.MetricSample) model.MetricSample {
	s.Tags = copyTags(s.Tags)
	return s
}
