package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotRegistered 服务尚未注册
	ErrNotRegistered = errors.New("服务尚未注册")
	// ErrAlreadyRegistered 服务已注册
	ErrAlreadyRegistered = errors.New("服务已注册")
)

// Endpoint 服务端点
type Endpoint struct {
	URL             string `json:"url"`                         // 主机名或IP
	Protocol        string `json:"protocol,omitempty"`          // http或https，默认http
	Port            int    `json:"port"`                        // 端口
	HealthCheckPath string `json:"health_check_path,omitempty"` // 健康检查路径，为空则不探测
}

// Config SDK客户端配置
type Config struct {
	// 注册API地址，如 localhost:8081
	ServerAddr string `json:"server_addr"`
	// 服务ID，为空时由服务端生成
	ServiceID string `json:"service_id"`
	// 服务名称
	ServiceName string `json:"service_name"`
	// 服务版本
	Version string `json:"version"`
	// 服务端点
	Endpoints []Endpoint `json:"endpoints"`
	// 标签列表
	Tags []string `json:"tags"`
	// 元数据
	Metadata map[string]string `json:"metadata"`
	// 心跳间隔
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	// 操作超时时间
	Timeout time.Duration `json:"timeout"`
	// 连接失败或5xx时的重试次数
	RetryCount int `json:"retry_count"`
	// 重试间隔
	RetryInterval time.Duration `json:"retry_interval"`
	// 是否使用HTTPS
	Secure bool `json:"secure"`
	// 日志记录器，为空时不输出日志
	Logger *zap.Logger `json:"-"`
}

// Client SDK客户端
type Client struct {
	config     *Config
	httpClient *http.Client
	logger     *zap.Logger

	mu            sync.Mutex
	serviceID     string
	isRegistered  bool
	stopChan      chan struct{}
	heartbeatDone chan struct{}
}

// Response API响应结构
type Response struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// APIError 服务端返回的非2xx响应
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API请求失败: %s (状态码: %d)", e.Message, e.StatusCode)
}

// IsNotFound 判断错误是否为404
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsConflict 判断错误是否为409
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// NewClient 创建SDK客户端
func NewClient(config *Config) (*Client, error) {
	// 验证必填配置
	if config.ServerAddr == "" {
		return nil, fmt.Errorf("服务器地址不能为空")
	}
	if config.ServiceName == "" {
		return nil, fmt.Errorf("服务名称不能为空")
	}
	for _, ep := range config.Endpoints {
		if ep.URL == "" {
			return nil, fmt.Errorf("端点地址不能为空")
		}
		if ep.Port <= 0 || ep.Port > 65535 {
			return nil, fmt.Errorf("端点端口无效: %d", ep.Port)
		}
	}

	// 设置默认值
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.RetryCount == 0 {
		config.RetryCount = 3
	}
	if config.RetryInterval == 0 {
		config.RetryInterval = 500 * time.Millisecond
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logger,
	}, nil
}

// 构建API地址
func (c *Client) buildURL(path string) string {
	if strings.HasPrefix(c.config.ServerAddr, "http://") || strings.HasPrefix(c.config.ServerAddr, "https://") {
		return strings.TrimSuffix(c.config.ServerAddr, "/") + path
	}
	protocol := "http"
	if c.config.Secure {
		protocol = "https"
	}
	return fmt.Sprintf("%s://%s%s", protocol, c.config.ServerAddr, path)
}

// doRequest 发送HTTP请求，连接失败或5xx时按配置重试
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*Response, error) {
	// 准备请求体
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("序列化请求体失败: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.config.RetryInterval):
			}
		}

		resp, err := c.send(ctx, method, path, bodyBytes)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError {
			return resp, err
		}
		if ctx.Err() != nil {
			return nil, err
		}
		c.logger.Debug("请求失败，准备重试",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	return nil, lastErr
}

// send 发送一次请求并解析响应
func (c *Client) send(ctx context.Context, method, path string, bodyBytes []byte) (*Response, error) {
	var bodyReader io.Reader
	if bodyBytes != nil {
		bodyReader = bytes.NewReader(bodyBytes)
	}

	// 创建请求
	req, err := http.NewRequestWithContext(ctx, method, c.buildURL(path), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	if bodyBytes != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	// 发送请求
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	// 读取响应体
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	// 解析响应
	var apiResp Response
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		}
		return nil, fmt.Errorf("解析响应失败: %w, 响应内容: %s", err, string(respBody))
	}

	// 检查HTTP状态码
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &apiResp, &APIError{StatusCode: resp.StatusCode, Message: apiResp.Message}
	}

	return &apiResp, nil
}
