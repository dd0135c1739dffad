package registry

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hewenyu/kong-monitor/pkg/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// loop 一个可取消的周期性后台循环
type loop struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
}

func (l *loop) isRunning() bool {
	return l.running.Load()
}

// start 启动循环，已在运行时返回false
func (l *loop) start(interval time.Duration, tick func(ctx context.Context)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cancel != nil {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done
	l.running.Store(true)

	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tick(ctx)
			}
		}
	}()
	return true
}

// stop 取消循环并最多等待timeout，未运行时返回true
func (l *loop) stop(timeout time.Duration) bool {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel = nil
	l.done = nil
	l.mu.Unlock()

	if cancel == nil {
		return true
	}

	cancel()
	defer l.running.Store(false)

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// StartDiscovery 启动静默扫描和健康检查两个后台循环，interval<=0时使用配置的默认周期，重复调用无效
func (r *Registry) StartDiscovery(interval time.Duration) {
	if interval <= 0 {
		interval = r.cfg.DiscoveryInterval
	}

	if r.discovery.start(interval, func(context.Context) { r.safeSweep("discovery", func() { r.runDiscoverySweep() }) }) {
		r.logger.Info("服务发现循环已启动", zap.Duration("interval", interval))
	}

	if r.healthCheck.start(r.cfg.HealthCheckInterval, func(ctx context.Context) {
		r.safeSweep("health_check", func() { r.runHealthCheckSweep(ctx) })
	}) {
		r.logger.Info("健康检查循环已启动", zap.Duration("interval", r.cfg.HealthCheckInterval))
	}
}

// StopDiscovery 停止两个后台循环，每个循环最多等待StopTimeout，重复调用无效
func (r *Registry) StopDiscovery() {
	var wg sync.WaitGroup
	for name, l := range map[string]*loop{"discovery": &r.discovery, "health_check": &r.healthCheck} {
		wg.Add(1)
		go func(name string, l *loop) {
			defer wg.Done()
			if !l.stop(r.cfg.StopTimeout) {
				r.logger.Warn("等待后台循环退出超时",
					zap.String("loop", name),
					zap.Duration("timeout", r.cfg.StopTimeout))
			}
		}(name, l)
	}
	wg.Wait()
	r.logger.Info("服务发现已停止")
}

func (r *Registry) safeSweep(name string, sweep func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("后台扫描执行失败", zap.String("loop", name), zap.Any("panic", rec))
		}
	}()
	sweep()
}

// runDiscoverySweep 将超过静默窗口没有活动的服务标记为INACTIVE，不删除记录
func (r *Registry) runDiscoverySweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	marked := 0
	for _, svc := range r.services {
		if svc.State == model.ServiceStateInactive {
			continue
		}
		silence := now.Sub(svc.LastSeen)
		if silence > r.cfg.SilenceWindow {
			svc.State = model.ServiceStateInactive
			marked++
			r.logger.Warn("服务长时间无活动，标记为INACTIVE",
				zap.String("service_id", svc.ServiceID),
				zap.String("service_name", svc.ServiceName),
				zap.Duration("silence", silence))
		}
	}
	return marked
}

// probeTarget 一次健康检查需要的端点快照
type probeTarget struct {
	serviceID string
	url       string
	port      int
	probeURL  string
}

// runHealthCheckSweep 探测所有声明了健康检查路径的端点，探测在锁外进行
func (r *Registry) runHealthCheckSweep(ctx context.Context) int {
	r.mu.RLock()
	prober := r.prober
	targets := make([]probeTarget, 0)
	for _, svc := range r.services {
		for _, ep := range svc.Endpoints {
			if ep.HealthCheckPath == "" {
				continue
			}
			targets = append(targets, probeTarget{
				serviceID: svc.ServiceID,
				url:       ep.URL,
				port:      ep.Port,
				probeURL:  BuildProbeURL(ep),
			})
		}
	}
	r.mu.RUnlock()

	if prober == nil || len(targets) == 0 {
		return 0
	}

	g := new(errgroup.Group)
	g.SetLimit(r.cfg.ProbeConcurrency)

	for _, target := range targets {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
			defer cancel()

			res := prober.Probe(probeCtx, target.probeURL)
			if ctx.Err() != nil {
				// 循环已停止，丢弃被取消的探测结果
				return nil
			}

			r.logger.Debug("端点探测完成",
				zap.String("service_id", target.serviceID),
				zap.String("url", target.probeURL),
				zap.Bool("healthy", res.Healthy),
				zap.Int("status", res.StatusCode),
				zap.Duration("latency", res.Latency))

			r.applyHealth(target.serviceID, func(ep *model.ServiceEndpoint) bool {
				return ep.URL == target.url && ep.Port == target.port
			}, res.Healthy, true, res.Latency)
			return nil
		})
	}
	_ = g.Wait()
	return len(targets)
}

// BuildProbeURL 拼接探测地址 {protocol}://{url}:{port}{path}
func BuildProbeURL(ep model.ServiceEndpoint) string {
	protocol := ep.Protocol
	if protocol == "" {
		protocol = "http"
	}
	path := ep.HealthCheckPath
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("%s://%s%s", protocol, net.JoinHostPort(ep.URL, strconv.Itoa(ep.Port)), path)
}
