package registry

import (
	"context"
	"io"
	"net/http"
	"time"
)

// ProbeResult 一次探测的结果
type ProbeResult struct {
	Healthy    bool
	StatusCode int
	Latency    time.Duration
	Err        error
}

// Prober 探测一个URL并给出健康与否
type Prober interface {
	Probe(ctx context.Context, url string) ProbeResult
}

// ProberFunc 函数形式的Prober
type ProberFunc func(ctx context.Context, url string) ProbeResult

// Probe 调用函数本身
func (f ProberFunc) Probe(ctx context.Context, url string) ProbeResult {
	return f(ctx, url)
}

// HTTPProber 通过HTTP GET探测，只有200视为健康
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber 创建HTTP探测器
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// NewHTTPProberWithClient 使用指定的http.Client创建探测器
func NewHTTPProberWithClient(client *http.Client) *HTTPProber {
	return &HTTPProber{client: client}
}

// Probe 发起GET请求，任何错误、超时或非200状态码都视为不健康
func (p *HTTPProber) Probe(ctx context.Context, url string) ProbeResult {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ProbeResult{Err: err, Latency: time.Since(start)}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return ProbeResult{Err: err, Latency: time.Since(start)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	return ProbeResult{
		Healthy:    resp.StatusCode == http.StatusOK,
		StatusCode: resp.StatusCode,
		Latency:    time.Since(start),
	}
}
