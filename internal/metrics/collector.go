package metrics

import (
	"github.com/hewenyu/kong-monitor/pkg/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "kong_monitor"

// DiscoveryStatsSource 提供注册表统计，由registry.Registry实现
type DiscoveryStatsSource interface {
	GetDiscoveryStats() model.DiscoveryStats
}

// AlertingSource 提供告警引擎统计，由alerting.Engine实现
type AlertingSource interface {
	GetMonitoringStats() model.MonitoringStats
	GetActiveAlerts(severity *model.AlertSeverity) []model.Alert
}

// Collector 在每次抓取时从注册表和告警引擎读取统计信息
type Collector struct {
	discovery DiscoveryStatsSource
	alerting  AlertingSource

	servicesDesc        *prometheus.Desc
	loopRunningDesc     *prometheus.Desc
	activeAlertsDesc    *prometheus.Desc
	metricsTrackedDesc  *prometheus.Desc
	metricsRecordedDesc *prometheus.Desc
	alertsGeneratedDesc *prometheus.Desc
	uptimeDesc          *prometheus.Desc
}

// NewCollector 创建统计收集器，任一数据源为nil时跳过对应指标
func NewCollector(discovery DiscoveryStatsSource, alerting AlertingSource) *Collector {
	return &Collector{
		discovery: discovery,
		alerting:  alerting,

		servicesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "registry", "services"),
			"Number of registered services by state.",
			[]string{"state"}, nil,
		),
		loopRunningDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "loop_running"),
			"Whether a background loop is running (1) or stopped (0).",
			[]string{"loop"}, nil,
		),
		activeAlertsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "alerting", "active_alerts"),
			"Number of unacknowledged alerts by severity.",
			[]string{"severity"}, nil,
		),
		metricsTrackedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "alerting", "metrics_tracked"),
			"Number of distinct metric names with recorded samples.",
			nil, nil,
		),
		metricsRecordedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "alerting", "metrics_recorded_total"),
			"Total number of metric samples recorded.",
			nil, nil,
		),
		alertsGeneratedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "alerting", "alerts_generated_total"),
			"Total number of alerts generated.",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "alerting", "uptime_seconds"),
			"Seconds since the alerting engine was created.",
			nil, nil,
		),
	}
}

// Describe 实现prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.servicesDesc
	ch <- c.loopRunningDesc
	ch <- c.activeAlertsDesc
	ch <- c.metricsTrackedDesc
	ch <- c.metricsRecordedDesc
	ch <- c.alertsGeneratedDesc
	ch <- c.uptimeDesc
}

// Collect 实现prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.discovery != nil {
		stats := c.discovery.GetDiscoveryStats()
		byState := map[model.ServiceState]int{
			model.ServiceStateRegistered: stats.Registered,
			model.ServiceStateActive:     stats.Active,
			model.ServiceStateFailed:     stats.Failed,
			model.ServiceStateInactive:   stats.Inactive,
		}
		for state, n := range byState {
			ch <- prometheus.MustNewConstMetric(c.servicesDesc, prometheus.GaugeValue, float64(n), string(state))
		}
		ch <- prometheus.MustNewConstMetric(c.loopRunningDesc, prometheus.GaugeValue, boolToFloat(stats.DiscoveryRunning), "discovery")
		ch <- prometheus.MustNewConstMetric(c.loopRunningDesc, prometheus.GaugeValue, boolToFloat(stats.HealthCheckRunning), "health_check")
	}

	if c.alerting != nil {
		stats := c.alerting.GetMonitoringStats()
		ch <- prometheus.MustNewConstMetric(c.loopRunningDesc, prometheus.GaugeValue, boolToFloat(stats.MonitoringRunning), "monitoring")
		ch <- prometheus.MustNewConstMetric(c.metricsTrackedDesc, prometheus.GaugeValue, float64(stats.MetricsTracked))
		ch <- prometheus.MustNewConstMetric(c.metricsRecordedDesc, prometheus.CounterValue, float64(stats.TotalMetricsRecorded))
		ch <- prometheus.MustNewConstMetric(c.alertsGeneratedDesc, prometheus.CounterValue, float64(stats.TotalAlertsGenerated))
		ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, stats.Uptime.Seconds())

		bySeverity := map[model.AlertSeverity]int{
			model.SeverityInfo:     0,
			model.SeverityWarning:  0,
			model.SeverityError:    0,
			model.SeverityCritical: 0,
		}
		for _, a := range c.alerting.GetActiveAlerts(nil) {
			bySeverity[a.Severity]++
		}
		for severity, n := range bySeverity {
			ch <- prometheus.MustNewConstMetric(c.activeAlertsDesc, prometheus.GaugeValue, float64(n), string(severity))
		}
	}
}

// NewPrometheusRegistry 创建包含运行时指标和给定收集器的独立Registry
func NewPrometheusRegistry(cs ...prometheus.Collector) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
