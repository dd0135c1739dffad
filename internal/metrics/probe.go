package metrics

import (
	"strconv"

	"github.com/hewenyu/kong-monitor/pkg/model"
	"github.com/prometheus/client_golang/prometheus"
)

// ProbeMetrics 记录健康结果的Prometheus指标，实现registry.HealthObserver
type ProbeMetrics struct {
	latency *prometheus.HistogramVec
	results *prometheus.CounterVec
}

// NewProbeMetrics 创建健康结果指标
func NewProbeMetrics() *ProbeMetrics {
	return &ProbeMetrics{
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "probe_duration_seconds",
				Help:      "Latency of endpoint health probes.",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"service"},
		),
		results: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "health_results_total",
				Help:      "Total number of applied endpoint health results.",
			},
			[]string{"service", "source", "healthy"},
		),
	}
}

// ObserveHealth 实现registry.HealthObserver
func (m *ProbeMetrics) ObserveHealth(result model.HealthResult) {
	source := "report"
	if result.Probed {
		source = "probe"
		m.latency.WithLabelValues(result.ServiceName).Observe(result.Latency.Seconds())
	}
	m.results.WithLabelValues(result.ServiceName, source, strconv.FormatBool(result.Healthy)).Inc()
}

// Describe 实现prometheus.Collector
func (m *ProbeMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.latency.Describe(ch)
	m.results.Describe(ch)
}

// Collect 实现prometheus.Collector
func (m *ProbeMetrics) Collect(ch chan<- prometheus.Metric) {
	m.latency.Collect(ch)
	m.results.Collect(ch)
}
