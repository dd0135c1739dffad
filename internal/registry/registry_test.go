package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/hewenyu/kong-monitor/internal/config"
	"github.com/hewenyu/kong-monitor/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock 可手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	r := NewRegistry(nil, config.NewNopLogger())
	clock := newFakeClock()
	r.SetClock(clock.Now)
	return r, clock
}

func twoEndpoints() []model.ServiceEndpoint {
	return []model.ServiceEndpoint{
		{URL: "10.0.0.1", Protocol: "http", Port: 8080, HealthCheckPath: "/health"},
		{URL: "10.0.0.2", Protocol: "http", Port: 8080, HealthCheckPath: "/health"},
	}
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry(nil, config.NewNopLogger())
	require.NotNil(t, r)

	cfg := r.Config()
	assert.Equal(t, 30*time.Second, cfg.DiscoveryInterval)
	assert.Equal(t, 60*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, 300*time.Second, cfg.SilenceWindow)
	assert.Equal(t, 5*time.Second, cfg.ProbeTimeout)
	assert.Equal(t, 1, cfg.ProbeConcurrency)
	assert.Equal(t, 2*time.Second, cfg.StopTimeout)

	custom := NewRegistry(&Config{SilenceWindow: time.Minute}, config.NewNopLogger())
	assert.Equal(t, time.Minute, custom.Config().SilenceWindow)
	assert.Equal(t, 30*time.Second, custom.Config().DiscoveryInterval, "未设置的配置项应使用默认值")

	assert.Panics(t, func() { NewRegistry(nil, nil) }, "logger为nil时应panic")
}

func TestRegisterService(t *testing.T) {
	r, clock := newTestRegistry(t)

	ok := r.RegisterService("svc-1", "orders", "1.0.0", twoEndpoints(),
		map[string]string{"owner": "team-a"}, []string{"api", "orders"})
	require.True(t, ok)

	svc, found := r.GetService("svc-1")
	require.True(t, found)
	assert.Equal(t, "orders", svc.ServiceName)
	assert.Equal(t, "1.0.0", svc.Version)
	assert.Equal(t, model.ServiceStateRegistered, svc.State)
	assert.Len(t, svc.Endpoints, 2)
	assert.Equal(t, "team-a", svc.Metadata["owner"])
	assert.Equal(t, []string{"api", "orders"}, svc.Tags)
	assert.Equal(t, clock.Now(), svc.LastSeen)
	assert.Equal(t, clock.Now(), svc.RegistrationTime)
}

func TestRegisterServiceDuplicate(t *testing.T) {
	r, clock := newTestRegistry(t)

	require.True(t, r.RegisterService("svc-1", "orders", "1.0.0", twoEndpoints(), nil, []string{"api"}))
	original, _ := r.GetService("svc-1")

	clock.Advance(time.Minute)
	assert.False(t, r.RegisterService("svc-1", "billing", "2.0.0", nil, nil, []string{"db"}),
		"重复的ID应注册失败")

	current, _ := r.GetService("svc-1")
	assert.Equal(t, original, current, "重复注册不应修改原记录")
	assert.Empty(t, r.DiscoverServices([]string{"db"}, nil))
}

func TestRegisterServiceCopiesInput(t *testing.T) {
	r, _ := newTestRegistry(t)

	endpoints := twoEndpoints()
	metadata := map[string]string{"k": "v"}
	tags := []string{"api"}
	require.True(t, r.RegisterService("svc-1", "orders", "1", endpoints, metadata, tags))

	endpoints[0].URL = "changed"
	metadata["k"] = "changed"
	tags[0] = "changed"

	svc, _ := r.GetService("svc-1")
	assert.Equal(t, "10.0.0.1", svc.Endpoints[0].URL)
	assert.Equal(t, "v", svc.Metadata["k"])
	assert.Equal(t, []string{"api"}, svc.Tags)

	// 修改返回的副本也不影响注册表
	svc.Endpoints[0].IsHealthy = true
	again, _ := r.GetService("svc-1")
	assert.False(t, again.Endpoints[0].IsHealthy)
}

func TestRegisterServiceDefaultsProtocol(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.True(t, r.RegisterService("svc-1", "orders", "1",
		[]model.ServiceEndpoint{{URL: "localhost", Port: 9000}}, nil, nil))

	svc, _ := r.GetService("svc-1")
	assert.Equal(t, "http", svc.Endpoints[0].Protocol)
}

func TestDeregisterService(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.True(t, r.RegisterService("svc-1", "orders", "1", nil, nil, []string{"api"}))

	assert.True(t, r.DeregisterService("svc-1"))
	assert.False(t, r.DeregisterService("svc-1"), "第二次注销应返回false")

	_, found := r.GetService("svc-1")
	assert.False(t, found)
	assert.Empty(t, r.DiscoverServices([]string{"api"}, nil), "注销后标签索引应被清理")

	// 注销后可以使用相同ID重新注册
	assert.True(t, r.RegisterService("svc-1", "orders", "2", nil, nil, nil))
}

func TestDiscoverServicesByTag(t *testing.T) {
	r, _ := newTestRegistry(t)

	require.True(t, r.RegisterService("svc-A", "gateway", "1.0",
		[]model.ServiceEndpoint{{URL: "localhost", Port: 8080, HealthCheckPath: "/health"}},
		nil, []string{"api"}))

	result := r.DiscoverServices([]string{"api"}, nil)
	require.Len(t, result, 1)
	assert.Equal(t, "svc-A", result[0].ServiceID)

	assert.Empty(t, r.DiscoverServices([]string{"db"}, nil))
}

func TestDiscoverServicesFilters(t *testing.T) {
	r, _ := newTestRegistry(t)

	require.True(t, r.RegisterService("svc-c", "cache", "1", twoEndpoints(), nil, []string{"db", "cache"}))
	require.True(t, r.RegisterService("svc-a", "api", "1", twoEndpoints(), nil, []string{"api"}))
	require.True(t, r.RegisterService("svc-b", "worker", "1", nil, nil, nil))

	// 空标签不过滤，结果按ID排序
	all := r.DiscoverServices(nil, nil)
	require.Len(t, all, 3)
	assert.Equal(t, "svc-a", all[0].ServiceID)
	assert.Equal(t, "svc-b", all[1].ServiceID)
	assert.Equal(t, "svc-c", all[2].ServiceID)

	// 多个标签为OR关系，不重复返回
	byTags := r.DiscoverServices([]string{"api", "db", "cache"}, nil)
	require.Len(t, byTags, 2)
	assert.Equal(t, "svc-a", byTags[0].ServiceID)
	assert.Equal(t, "svc-c", byTags[1].ServiceID)

	// 状态过滤与标签为AND关系
	require.Equal(t, UpdateApplied, r.UpdateEndpointHealth("svc-a", "10.0.0.1", true))
	active := model.ServiceStateActive
	assert.Len(t, r.DiscoverServices(nil, &active), 1)
	assert.Len(t, r.DiscoverServices([]string{"api"}, &active), 1)
	assert.Empty(t, r.DiscoverServices([]string{"db"}, &active))

	registered := model.ServiceStateRegistered
	onlyRegistered := r.DiscoverServices(nil, &registered)
	require.Len(t, onlyRegistered, 2)
}

func TestUpdateEndpointHealthStateDerivation(t *testing.T) {
	r, clock := newTestRegistry(t)
	require.True(t, r.RegisterService("svc-1", "orders", "1", twoEndpoints(), nil, nil))

	steps := []struct {
		url     string
		healthy bool
		want    model.ServiceState
	}{
		{"10.0.0.1", false, model.ServiceStateFailed},
		{"10.0.0.2", true, model.ServiceStateActive},
		{"10.0.0.1", true, model.ServiceStateActive},
		{"10.0.0.2", false, model.ServiceStateActive},
		{"10.0.0.1", false, model.ServiceStateFailed},
		{"10.0.0.1", true, model.ServiceStateActive},
	}

	for i, step := range steps {
		clock.Advance(time.Second)
		result := r.UpdateEndpointHealth("svc-1", step.url, step.healthy)
		require.Equal(t, UpdateApplied, result, "第%d步", i)

		svc, _ := r.GetService("svc-1")
		assert.Equal(t, step.want, svc.State, "第%d步", i)
		assert.Equal(t, svc.HealthyEndpointCount() > 0, svc.State == model.ServiceStateActive,
			"ACTIVE当且仅当至少一个端点健康")
		assert.Equal(t, clock.Now(), svc.LastSeen, "健康更新应刷新最近活动时间")
	}

	svc, _ := r.GetService("svc-1")
	require.NotNil(t, svc.Endpoints[0].LastHealthCheck)
	assert.Equal(t, clock.Now(), *svc.Endpoints[0].LastHealthCheck)
}

func TestUpdateEndpointHealthUnknown(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.True(t, r.RegisterService("svc-1", "orders", "1", twoEndpoints(), nil, nil))
	before, _ := r.GetService("svc-1")

	var notified int
	r.AddHealthObserver(HealthObserverFunc(func(model.HealthResult) { notified++ }))

	assert.Equal(t, UpdateServiceNotFound, r.UpdateEndpointHealth("missing", "10.0.0.1", true))
	assert.Equal(t, UpdateEndpointNotFound, r.UpdateEndpointHealth("svc-1", "10.9.9.9", true))

	after, _ := r.GetService("svc-1")
	assert.Equal(t, before, after, "未知端点的更新不应修改服务")
	assert.Zero(t, notified, "被忽略的更新不应通知观察者")

	assert.Equal(t, "service_not_found", UpdateServiceNotFound.String())
	assert.Equal(t, "endpoint_not_found", UpdateEndpointNotFound.String())
	assert.Equal(t, "applied", UpdateApplied.String())
}

func TestEndpointlessServiceNeverActive(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.True(t, r.RegisterService("meta", "config-only", "1", nil, nil, nil))

	assert.Equal(t, UpdateEndpointNotFound, r.UpdateEndpointHealth("meta", "anything", true))

	svc, _ := r.GetService("meta")
	assert.Equal(t, model.ServiceStateRegistered, svc.State)
}

func TestHeartbeat(t *testing.T) {
	r, clock := newTestRegistry(t)
	require.True(t, r.RegisterService("svc-1", "orders", "1", nil, nil, nil))

	clock.Advance(4 * time.Minute)
	assert.True(t, r.Heartbeat("svc-1"))
	assert.False(t, r.Heartbeat("missing"))

	svc, _ := r.GetService("svc-1")
	assert.Equal(t, clock.Now(), svc.LastSeen)
	assert.Equal(t, model.ServiceStateRegistered, svc.State, "心跳不改变状态")

	clock.Advance(4 * time.Minute)
	assert.Zero(t, r.runDiscoverySweep(), "心跳后的服务不应被标记为INACTIVE")
}

func TestHealthObserverNotified(t *testing.T) {
	r, clock := newTestRegistry(t)
	require.True(t, r.RegisterService("svc-1", "orders", "1", twoEndpoints(), nil, nil))

	var results []model.HealthResult
	r.AddHealthObserver(HealthObserverFunc(func(res model.HealthResult) {
		// 观察者在锁外调用，可以安全地读取注册表
		_, _ = r.GetService(res.ServiceID)
		results = append(results, res)
	}))

	require.Equal(t, UpdateApplied, r.UpdateEndpointHealth("svc-1", "10.0.0.2", false))

	require.Len(t, results, 1)
	res := results[0]
	assert.Equal(t, "svc-1", res.ServiceID)
	assert.Equal(t, "orders", res.ServiceName)
	assert.Equal(t, "10.0.0.2", res.EndpointURL)
	assert.False(t, res.Healthy)
	assert.False(t, res.Probed)
	assert.Equal(t, model.ServiceStateFailed, res.State)
	assert.Equal(t, 0, res.HealthyEndpoints)
	assert.Equal(t, 2, res.TotalEndpoints)
	assert.Equal(t, clock.Now(), res.CheckedAt)
}

func TestHealthObserverPanicRecovered(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.True(t, r.RegisterService("svc-1", "orders", "1", twoEndpoints(), nil, nil))
	r.AddHealthObserver(HealthObserverFunc(func(model.HealthResult) { panic("observer failure") }))

	var result UpdateResult
	assert.NotPanics(t, func() {
		result = r.UpdateEndpointHealth("svc-1", "10.0.0.1", true)
	})
	assert.Equal(t, UpdateApplied, result)

	svc, _ := r.GetService("svc-1")
	assert.Equal(t, model.ServiceStateActive, svc.State)
}

func TestGetDiscoveryStats(t *testing.T) {
	r, clock := newTestRegistry(t)

	require.True(t, r.RegisterService("a", "a", "1", twoEndpoints(), nil, nil))
	require.True(t, r.RegisterService("b", "b", "1", twoEndpoints(), nil, nil))
	require.True(t, r.RegisterService("c", "c", "1", twoEndpoints(), nil, nil))
	require.True(t, r.RegisterService("d", "d", "1", nil, nil, nil))

	r.UpdateEndpointHealth("a", "10.0.0.1", true)
	r.UpdateEndpointHealth("b", "10.0.0.1", false)

	clock.Advance(200 * time.Second)
	r.Heartbeat("a")
	r.Heartbeat("b")
	r.Heartbeat("c")
	clock.Advance(200 * time.Second)
	require.Equal(t, 1, r.runDiscoverySweep())

	stats := r.GetDiscoveryStats()
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 1, stats.Registered)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Inactive)
	assert.False(t, stats.DiscoveryRunning)
	assert.False(t, stats.HealthCheckRunning)
}

func TestConcurrentRegistryAccess(t *testing.T) {
	r := NewRegistry(nil, config.NewNopLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			id := string(rune('a' + worker))
			for j := 0; j < 50; j++ {
				r.RegisterService(id, "svc", "1", twoEndpoints(), nil, []string{"api"})
				r.UpdateEndpointHealth(id, "10.0.0.1", j%2 == 0)
				_ = r.DiscoverServices([]string{"api"}, nil)
				_ = r.GetDiscoveryStats()
				r.runDiscoverySweep()
				if j%10 == 9 {
					r.DeregisterService(id)
				}
			}
		}(i)
	}
	wg.Wait()

	for _, svc := range r.DiscoverServices(nil, nil) {
		if svc.State != model.ServiceStateRegistered {
			assert.Equal(t, svc.HealthyEndpointCount() > 0, svc.State == model.ServiceStateActive)
		}
	}
}
