package alerting

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// monitorLoop 监控循环的运行状态
type monitorLoop struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
}

func (l *monitorLoop) isRunning() bool {
	return l.running.Load()
}

// StartMonitoring 启动后台监控循环，interval<=0时使用配置的默认周期，重复调用无效
func (e *Engine) StartMonitoring(interval time.Duration) {
	if interval <= 0 {
		interval = e.cfg.MonitorInterval
	}

	e.loop.mu.Lock()
	defer e.loop.mu.Unlock()

	if e.loop.cancel != nil {
		e.logger.Debug("监控循环已在运行")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.loop.cancel = cancel
	e.loop.done = done
	e.loop.running.Store(true)

	go e.runMonitor(ctx, interval, done)

	e.logger.Info("监控循环已启动", zap.Duration("interval", interval))
}

// StopMonitoring 停止监控循环，最多等待StopTimeout，重复调用无效
func (e *Engine) StopMonitoring() {
	e.loop.mu.Lock()
	cancel, done := e.loop.cancel, e.loop.done
	e.loop.cancel = nil
	e.loop.done = nil
	e.loop.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	select {
	case <-done:
		e.logger.Info("监控循环已停止")
	case <-time.After(e.cfg.StopTimeout):
		e.logger.Warn("等待监控循环退出超时", zap.Duration("timeout", e.cfg.StopTimeout))
	}
	e.loop.running.Store(false)
}

func (e *Engine) runMonitor(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.monitorOnce()
		}
	}
}

// monitorOnce 执行一轮监控：清理过期告警
func (e *Engine) monitorOnce() {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("监控循环执行失败", zap.Any("panic", r))
		}
	}()

	if removed := e.cleanupAlerts(); removed > 0 {
		e.logger.Info("已清理过期告警", zap.Int("count", removed))
	}
}
