package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// RegisterRequest 服务注册请求
type RegisterRequest struct {
	ServiceID   string            `json:"service_id,omitempty"`
	ServiceName string            `json:"service_name"`
	Version     string            `json:"version,omitempty"`
	Endpoints   []Endpoint        `json:"endpoints"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
}

// RegisterResponse 注册响应数据
type RegisterResponse struct {
	ServiceID        string    `json:"service_id"`
	State            string    `json:"state"`
	RegistrationTime time.Time `json:"registration_time"`
}

// Register 注册服务
func (c *Client) Register(ctx context.Context) (*RegisterResponse, error) {
	c.mu.Lock()
	registered, serviceID := c.isRegistered, c.serviceID
	c.mu.Unlock()

	// 判断是否已注册
	if registered {
		return nil, fmt.Errorf("%w，服务ID: %s", ErrAlreadyRegistered, serviceID)
	}

	endpoints := c.config.Endpoints
	if endpoints == nil {
		endpoints = []Endpoint{}
	}

	// 准备请求体
	req := RegisterRequest{
		ServiceID:   c.config.ServiceID,
		ServiceName: c.config.ServiceName,
		Version:     c.config.Version,
		Endpoints:   endpoints,
		Metadata:    c.config.Metadata,
		Tags:        c.config.Tags,
	}

	// 发送注册请求
	resp, err := c.doRequest(ctx, http.MethodPost, "/api/v1/services", req)
	if err != nil {
		return nil, fmt.Errorf("服务注册失败: %w", err)
	}

	// 解析响应
	var registerResp RegisterResponse
	if err := json.Unmarshal(resp.Data, &registerResp); err != nil {
		return nil, fmt.Errorf("解析注册响应失败: %w", err)
	}

	// 保存服务ID
	c.mu.Lock()
	c.serviceID = registerResp.ServiceID
	c.isRegistered = true
	c.mu.Unlock()

	return &registerResp, nil
}

// Deregister 注销服务
func (c *Client) Deregister(ctx context.Context) error {
	serviceID, err := c.registeredID()
	if err != nil {
		return err
	}

	// 发送注销请求
	_, err = c.doRequest(ctx, http.MethodDelete, "/api/v1/services/"+url.PathEscape(serviceID), nil)
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("服务注销失败: %w", err)
	}

	// 重置状态
	c.mu.Lock()
	c.isRegistered = false
	c.serviceID = ""
	c.mu.Unlock()

	return nil
}

// GetServiceID 获取服务ID
func (c *Client) GetServiceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serviceID
}

// IsRegistered 检查服务是否已注册
func (c *Client) IsRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isRegistered
}

// registeredID 返回已注册的服务ID
func (c *Client) registeredID() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isRegistered {
		return "", ErrNotRegistered
	}
	return c.serviceID, nil
}
