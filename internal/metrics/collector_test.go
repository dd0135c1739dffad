package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/hewenyu/kong-monitor/internal/alerting"
	"github.com/hewenyu/kong-monitor/internal/config"
	"github.com/hewenyu/kong-monitor/internal/registry"
	"github.com/hewenyu/kong-monitor/pkg/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	reg := registry.NewRegistry(nil, config.NewNopLogger())
	engine := alerting.NewEngine(nil, config.NewNopLogger())

	endpoints := []model.ServiceEndpoint{{URL: "10.0.0.1", Port: 80, HealthCheckPath: "/health"}}
	require.True(t, reg.RegisterService("a", "a", "1", endpoints, nil, nil))
	require.True(t, reg.RegisterService("b", "b", "1", endpoints, nil, nil))
	require.True(t, reg.RegisterService("c", "c", "1", nil, nil, nil))
	reg.UpdateEndpointHealth("a", "10.0.0.1", true)
	reg.UpdateEndpointHealth("b", "10.0.0.1", false)

	engine.SetThreshold("cpu", 70, 85, 95)
	engine.RecordMetric("cpu", 90, nil, "%")
	engine.RecordMetric("cpu", 99, nil, "%")
	engine.RecordMetric("mem", 10, nil, "MB")

	collector := NewCollector(reg, engine)

	expected := `
# HELP kong_monitor_registry_services Number of registered services by state.
# TYPE kong_monitor_registry_services gauge
kong_monitor_registry_services{state="ACTIVE"} 1
kong_monitor_registry_services{state="FAILED"} 1
kong_monitor_registry_services{state="INACTIVE"} 0
kong_monitor_registry_services{state="REGISTERED"} 1
# HELP kong_monitor_alerting_active_alerts Number of unacknowledged alerts by severity.
# TYPE kong_monitor_alerting_active_alerts gauge
kong_monitor_alerting_active_alerts{severity="CRITICAL"} 1
kong_monitor_alerting_active_alerts{severity="ERROR"} 1
kong_monitor_alerting_active_alerts{severity="INFO"} 0
kong_monitor_alerting_active_alerts{severity="WARNING"} 0
# HELP kong_monitor_alerting_metrics_recorded_total Total number of metric samples recorded.
# TYPE kong_monitor_alerting_metrics_recorded_total counter
kong_monitor_alerting_metrics_recorded_total 3
# HELP kong_monitor_alerting_alerts_generated_total Total number of alerts generated.
# TYPE kong_monitor_alerting_alerts_generated_total counter
kong_monitor_alerting_alerts_generated_total 2
# HELP kong_monitor_alerting_metrics_tracked Number of distinct metric names with recorded samples.
# TYPE kong_monitor_alerting_metrics_tracked gauge
kong_monitor_alerting_metrics_tracked 2
# HELP kong_monitor_loop_running Whether a background loop is running (1) or stopped (0).
# TYPE kong_monitor_loop_running gauge
kong_monitor_loop_running{loop="discovery"} 0
kong_monitor_loop_running{loop="health_check"} 0
kong_monitor_loop_running{loop="monitoring"} 0
`
	err := testutil.CollectAndCompare(collector, strings.NewReader(expected),
		"kong_monitor_registry_services",
		"kong_monitor_alerting_active_alerts",
		"kong_monitor_alerting_metrics_recorded_total",
		"kong_monitor_alerting_alerts_generated_total",
		"kong_monitor_alerting_metrics_tracked",
		"kong_monitor_loop_running",
	)
	assert.NoError(t, err)
}

func TestCollectorNilSources(t *testing.T) {
	collector := NewCollector(nil, nil)
	assert.Equal(t, 0, testutil.CollectAndCount(collector))

	onlyRegistry := NewCollector(registry.NewRegistry(nil, config.NewNopLogger()), nil)
	// 4个状态加2个循环
	assert.Equal(t, 6, testutil.CollectAndCount(onlyRegistry))
}

func TestProbeMetrics(t *testing.T) {
	m := NewProbeMetrics()

	m.ObserveHealth(model.HealthResult{ServiceName: "orders", Healthy: true, Probed: true, Latency: 20 * time.Millisecond})
	m.ObserveHealth(model.HealthResult{ServiceName: "orders", Healthy: false, Probed: true, Latency: 3 * time.Second})
	m.ObserveHealth(model.HealthResult{ServiceName: "orders", Healthy: true})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.results.WithLabelValues("orders", "probe", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.results.WithLabelValues("orders", "probe", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.results.WithLabelValues("orders", "report", "true")))

	// 直方图只记录探测结果
	assert.Equal(t, 1, testutil.CollectAndCount(m.latency))
	problems, err := testutil.CollectAndLint(m)
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestProbeMetricsAsHealthObserver(t *testing.T) {
	m := NewProbeMetrics()
	reg := registry.NewRegistry(nil, config.NewNopLogger())
	reg.AddHealthObserver(m)

	require.True(t, reg.RegisterService("svc", "billing", "1",
		[]model.ServiceEndpoint{{URL: "10.0.0.1", Port: 80}}, nil, nil))
	reg.UpdateEndpointHealth("svc", "10.0.0.1", false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.results.WithLabelValues("billing", "report", "false")))
}

func TestNewPrometheusRegistry(t *testing.T) {
	engine := alerting.NewEngine(nil, config.NewNopLogger())
	reg, err := NewPrometheusRegistry(NewCollector(nil, engine), NewProbeMetrics())
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["go_goroutines"], "应包含Go运行时指标")
	assert.True(t, names["kong_monitor_alerting_metrics_recorded_total"])

	// 重复注册应返回错误
	_, err = NewPrometheusRegistry(NewProbeMetrics(), NewProbeMetrics())
	var already prometheus.AlreadyRegisteredError
	assert.ErrorAs(t, err, &already)
}
