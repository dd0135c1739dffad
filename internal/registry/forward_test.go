package registry

import (
	"context"
	"testing"
	"time"

	"github.com/hewenyu/kong-monitor/internal/alerting"
	"github.com/hewenyu/kong-monitor/internal/config"
	"github.com/hewenyu/kong-monitor/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricForwarderReportedHealth(t *testing.T) {
	engine := alerting.NewEngine(nil, config.NewNopLogger())
	r, _ := newTestRegistry(t)
	r.AddHealthObserver(NewMetricForwarder(engine))

	require.True(t, r.RegisterService("svc-1", "orders", "1", twoEndpoints(), nil, nil))
	require.Equal(t, UpdateApplied, r.UpdateEndpointHealth("svc-1", "10.0.0.1", false))

	current := engine.GetCurrentMetrics()
	assert.Equal(t, 1.0, current[UnhealthyRatioMetric("svc-1")])
	_, hasLatency := current[ProbeLatencyMetric("svc-1")]
	assert.False(t, hasLatency, "上报的健康结果没有延迟指标")

	require.Equal(t, UpdateApplied, r.UpdateEndpointHealth("svc-1", "10.0.0.2", true))
	history := engine.GetMetricHistory(UnhealthyRatioMetric("svc-1"), 0)
	require.Len(t, history, 2)
	assert.Equal(t, 0.5, history[1].Value)
	assert.Equal(t, "ratio", history[1].Unit)
	assert.Equal(t, "svc-1", history[1].Tags["service_id"])
	assert.Equal(t, "orders", history[1].Tags["service_name"])
	assert.Equal(t, "10.0.0.2", history[1].Tags["endpoint"])
}

func TestMetricForwarderProbeLatencyAndAlert(t *testing.T) {
	engine := alerting.NewEngine(nil, config.NewNopLogger())
	engine.SetThreshold(UnhealthyRatioMetric("svc-1"), 0.25, 0.5, 1)

	var alerts []model.Alert
	engine.SetAlertCallback(func(a model.Alert) { alerts = append(alerts, a) })

	r, _ := newTestRegistry(t)
	r.AddHealthObserver(NewMetricForwarder(engine))
	r.SetProber(ProberFunc(func(context.Context, string) ProbeResult {
		return ProbeResult{Healthy: false, StatusCode: 503, Latency: 1500 * time.Microsecond}
	}))

	require.True(t, r.RegisterService("svc-1", "orders", "1", twoEndpoints(), nil, nil))
	r.runHealthCheckSweep(context.Background())

	latency := engine.GetMetricHistory(ProbeLatencyMetric("svc-1"), 0)
	require.Len(t, latency, 2)
	assert.Equal(t, 1.5, latency[0].Value)
	assert.Equal(t, "ms", latency[0].Unit)

	require.NotEmpty(t, alerts)
	last := alerts[len(alerts)-1]
	assert.Equal(t, model.SeverityCritical, last.Severity, "所有端点不健康应触发严重告警")
	assert.Equal(t, UnhealthyRatioMetric("svc-1"), last.MetricName)
}

func TestMetricForwarderSkipsEndpointless(t *testing.T) {
	engine := alerting.NewEngine(nil, config.NewNopLogger())
	f := NewMetricForwarder(engine)

	f.ObserveHealth(model.HealthResult{ServiceID: "x", TotalEndpoints: 0})
	assert.Empty(t, engine.GetCurrentMetrics())
}
