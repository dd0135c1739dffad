package sdk

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// SendHeartbeat 发送心跳
func (c *Client) SendHeartbeat(ctx context.Context) error {
	serviceID, err := c.registeredID()
	if err != nil {
		return err
	}

	// 发送心跳请求
	_, err = c.doRequest(ctx, http.MethodPut, fmt.Sprintf("/api/v1/services/%s/heartbeat", url.PathEscape(serviceID)), nil)
	if err != nil {
		return fmt.Errorf("发送心跳失败: %w", err)
	}

	return nil
}

// StartHeartbeat 开始心跳任务，重复调用会替换已有任务
func (c *Client) StartHeartbeat() {
	// 停止已有心跳任务
	c.StopHeartbeat()

	stop := make(chan struct{})
	done := make(chan struct{})

	c.mu.Lock()
	c.stopChan = stop
	c.heartbeatDone = done
	c.mu.Unlock()

	// 启动心跳协程
	go func() {
		defer close(done)

		ticker := time.NewTicker(c.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				// 创建超时上下文
				ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)

				// 发送心跳
				if err := c.SendHeartbeat(ctx); err != nil {
					c.logger.Warn("心跳发送失败，将在下一个周期重试", zap.Error(err))
				}

				cancel()
			case <-stop:
				return
			}
		}
	}()
}

// StopHeartbeat 停止心跳任务并等待其退出，可重复调用
func (c *Client) StopHeartbeat() {
	c.mu.Lock()
	stop, done := c.stopChan, c.heartbeatDone
	c.stopChan, c.heartbeatDone = nil, nil
	c.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Close 关闭客户端
func (c *Client) Close(ctx context.Context) error {
	// 停止心跳任务
	c.StopHeartbeat()

	// 如果已注册，注销服务
	if c.IsRegistered() {
		if err := c.Deregister(ctx); err != nil {
			return fmt.Errorf("注销服务失败: %w", err)
		}
	}

	return nil
}
