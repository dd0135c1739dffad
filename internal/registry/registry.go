package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/hewenyu/kong-monitor/internal/config"
	"github.com/hewenyu/kong-monitor/pkg/model"
	"go.uber.org/zap"
)

// UpdateResult 端点健康更新的结果
type UpdateResult int

const (
	// UpdateApplied 更新已生效
	UpdateApplied UpdateResult = iota
	// UpdateServiceNotFound 服务不存在，更新被忽略
	UpdateServiceNotFound
	// UpdateEndpointNotFound 端点不存在，更新被忽略
	UpdateEndpointNotFound
)

// String 返回结果名称
func (r UpdateResult) String() string {
	switch r {
	case UpdateApplied:
		return "applied"
	case UpdateServiceNotFound:
		return "service_not_found"
	case UpdateEndpointNotFound:
		return "endpoint_not_found"
	}
	return "unknown"
}

// HealthObserver 接收已生效的端点健康更新，在注册表锁释放后调用
type HealthObserver interface {
	ObserveHealth(result model.HealthResult)
}

// HealthObserverFunc 函数形式的HealthObserver
type HealthObserverFunc func(result model.HealthResult)

// ObserveHealth 调用函数本身
func (f HealthObserverFunc) ObserveHealth(result model.HealthResult) {
	f(result)
}

// Config 注册表配置
type Config struct {
	// DiscoveryInterval 静默扫描周期
	DiscoveryInterval time.Duration

	// HealthCheckInterval 健康检查扫描周期
	HealthCheckInterval time.Duration

	// SilenceWindow 超过该时长没有活动的服务被标记为INACTIVE
	SilenceWindow time.Duration

	// ProbeTimeout 单次探测超时
	ProbeTimeout time.Duration

	// ProbeConcurrency 一轮健康检查中同时进行的探测数量
	ProbeConcurrency int

	// StopTimeout 停止后台循环时的最长等待时间
	StopTimeout time.Duration
}

// DefaultConfig 返回默认的注册表配置
func DefaultConfig() *Config {
	return &Config{
		DiscoveryInterval:   30 * time.Second,
		HealthCheckInterval: 60 * time.Second,
		SilenceWindow:       300 * time.Second,
		ProbeTimeout:        5 * time.Second,
		ProbeConcurrency:    1,
		StopTimeout:         2 * time.Second,
	}
}

func normalizeConfig(cfg *Config) *Config {
	def := DefaultConfig()
	if cfg == nil {
		return def
	}
	out := *cfg
	if out.DiscoveryInterval <= 0 {
		out.DiscoveryInterval = def.DiscoveryInterval
	}
	if out.HealthCheckInterval <= 0 {
		out.HealthCheckInterval = def.HealthCheckInterval
	}
	if out.SilenceWindow <= 0 {
		out.SilenceWindow = def.SilenceWindow
	}
	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = def.ProbeTimeout
	}
	if out.ProbeConcurrency <= 0 {
		out.ProbeConcurrency = def.ProbeConcurrency
	}
	if out.StopTimeout <= 0 {
		out.StopTimeout = def.StopTimeout
	}
	return &out
}

// Registry 服务注册表
type Registry struct {
	cfg    *Config
	logger config.Logger

	mu        sync.RWMutex
	now       func() time.Time
	services  map[string]*model.DiscoveredService
	tagIndex  map[string]map[string]struct{}
	prober    Prober
	observers []HealthObserver

	discovery   loop
	healthCheck loop
}

// NewRegistry 创建注册表，cfg为nil时使用默认配置
func NewRegistry(cfg *Config, logger config.Logger) *Registry {
	if logger == nil {
		panic("registry: logger不能为nil")
	}
	cfg = normalizeConfig(cfg)

	return &Registry{
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		services: make(map[string]*model.DiscoveredService),
		tagIndex: make(map[string]map[string]struct{}),
		prober:   NewHTTPProber(cfg.ProbeTimeout),
	}
}

// Config 返回注册表生效的配置
func (r *Registry) Config() Config {
	return *r.cfg
}

// SetProber 替换健康探测器
func (r *Registry) SetProber(p Prober) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prober = p
}

// AddHealthObserver 添加健康更新观察者
func (r *Registry) AddHealthObserver(o HealthObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// SetClock 替换时间来源，仅用于测试
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// RegisterService 注册服务，ID已存在时返回false且不修改原记录
func (r *Registry) RegisterService(id, name, version string, endpoints []model.ServiceEndpoint, metadata map[string]string, tags []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.services[id]; exists {
		r.logger.Debug("服务ID已存在", zap.String("service_id", id))
		return false
	}

	now := r.now()
	svc := &model.DiscoveredService{
		ServiceID:        id,
		ServiceName:      name,
		Version:          version,
		State:            model.ServiceStateRegistered,
		LastSeen:         now,
		RegistrationTime: now,
	}

	// 复制调用方的数据，避免外部修改影响注册表
	svc.Endpoints = make([]model.ServiceEndpoint, len(endpoints))
	for i, ep := range endpoints {
		if ep.Protocol == "" {
			ep.Protocol = "http"
		}
		ep.IsHealthy = false
		ep.LastHealthCheck = nil
		svc.Endpoints[i] = ep
	}
	if metadata != nil {
		svc.Metadata = make(map[string]string, len(metadata))
		for k, v := range metadata {
			svc.Metadata[k] = v
		}
	}
	svc.Tags = dedupTags(tags)

	r.services[id] = svc
	for _, tag := range svc.Tags {
		ids, ok := r.tagIndex[tag]
		if !ok {
			ids = make(map[string]struct{})
			r.tagIndex[tag] = ids
		}
		ids[id] = struct{}{}
	}

	r.logger.Info("服务已注册",
		zap.String("service_id", id),
		zap.String("service_name", name),
		zap.String("version", version),
		zap.Int("endpoints", len(svc.Endpoints)),
		zap.Strings("tags", svc.Tags))
	return true
}

// DeregisterService 注销服务并移除其标签索引，ID不存在时返回false
func (r *Registry) DeregisterService(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	svc, ok := r.services[id]
	if !ok {
		return false
	}

	for _, tag := range svc.Tags {
		if ids, ok := r.tagIndex[tag]; ok {
			delete(ids, id)
			if len(ids) == 0 {
				delete(r.tagIndex, tag)
			}
		}
	}
	delete(r.services, id)

	r.logger.Info("服务已注销", zap.String("service_id", id), zap.String("service_name", svc.ServiceName))
	return true
}

// DiscoverServices 查询服务，tags之间为OR关系，与state过滤为AND关系，tags为空时不按标签过滤
func (r *Registry) DiscoverServices(tags []string, state *model.ServiceState) []model.DiscoveredService {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates map[string]struct{}
	if len(tags) > 0 {
		candidates = make(map[string]struct{})
		for _, tag := range tags {
			for id := range r.tagIndex[tag] {
				candidates[id] = struct{}{}
			}
		}
	}

	result := make([]model.DiscoveredService, 0)
	for id, svc := range r.services {
		if candidates != nil {
			if _, ok := candidates[id]; !ok {
				continue
			}
		}
		if state != nil && svc.State != *state {
			continue
		}
		result = append(result, svc.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ServiceID < result[j].ServiceID
	})
	return result
}

// GetService 获取服务的副本
func (r *Registry) GetService(id string) (model.DiscoveredService, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	svc, ok := r.services[id]
	if !ok {
		return model.DiscoveredService{}, false
	}
	return svc.Clone(), true
}

// Heartbeat 刷新服务的最近活动时间，不改变状态
func (r *Registry) Heartbeat(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	svc, ok := r.services[id]
	if !ok {
		return false
	}
	svc.LastSeen = r.now()
	return true
}

// UpdateEndpointHealth 更新端点健康状态并重新计算服务状态，服务或端点不存在时忽略
func (r *Registry) UpdateEndpointHealth(serviceID, endpointURL string, healthy bool) UpdateResult {
	return r.applyHealth(serviceID, func(ep *model.ServiceEndpoint) bool {
		return ep.URL == endpointURL
	}, healthy, false, 0)
}

// applyHealth 对第一个匹配的端点应用健康结果，生效后通知观察者
func (r *Registry) applyHealth(serviceID string, match func(*model.ServiceEndpoint) bool, healthy, probed bool, latency time.Duration) UpdateResult {
	r.mu.Lock()

	svc, ok := r.services[serviceID]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("忽略未知服务的健康更新", zap.String("service_id", serviceID))
		return UpdateServiceNotFound
	}

	var target *model.ServiceEndpoint
	for i := range svc.Endpoints {
		if match(&svc.Endpoints[i]) {
			target = &svc.Endpoints[i]
			break
		}
	}
	if target == nil {
		r.mu.Unlock()
		r.logger.Debug("忽略未知端点的健康更新", zap.String("service_id", serviceID))
		return UpdateEndpointNotFound
	}

	now := r.now()
	target.IsHealthy = healthy
	target.LastHealthCheck = &now
	svc.LastSeen = now

	previous := svc.State
	healthyCount := svc.HealthyEndpointCount()
	switch {
	case healthyCount > 0:
		svc.State = model.ServiceStateActive
	case len(svc.Endpoints) > 0:
		svc.State = model.ServiceStateFailed
	}

	result := model.HealthResult{
		ServiceID:        svc.ServiceID,
		ServiceName:      svc.ServiceName,
		EndpointURL:      target.URL,
		Healthy:          healthy,
		Probed:           probed,
		Latency:          latency,
		State:            svc.State,
		HealthyEndpoints: healthyCount,
		TotalEndpoints:   len(svc.Endpoints),
		CheckedAt:        now,
	}
	observers := append([]HealthObserver(nil), r.observers...)
	r.mu.Unlock()

	if previous != result.State {
		r.logger.Info("服务状态变更",
			zap.String("service_id", serviceID),
			zap.String("from", string(previous)),
			zap.String("to", string(result.State)))
	}

	for _, o := range observers {
		r.notify(o, result)
	}
	return UpdateApplied
}

func (r *Registry) notify(o HealthObserver, result model.HealthResult) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("健康观察者执行失败",
				zap.String("service_id", result.ServiceID),
				zap.Any("panic", rec))
		}
	}()
	o.ObserveHealth(result)
}

// GetDiscoveryStats 返回注册表统计信息
func (r *Registry) GetDiscoveryStats() model.DiscoveryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := model.DiscoveryStats{
		Total:              len(r.services),
		DiscoveryRunning:   r.discovery.isRunning(),
		HealthCheckRunning: r.healthCheck.isRunning(),
	}
	for _, svc := range r.services {
		switch svc.State {
		case model.ServiceStateRegistered:
			stats.Registered++
		case model.ServiceStateActive:
			stats.Active++
		case model.ServiceStateFailed:
			stats.Failed++
		case model.ServiceStateInactive:
			stats.Inactive++
		}
	}
	return stats
}

func dedupTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
