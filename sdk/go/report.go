package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/hewenyu/kong-monitor/pkg/model"
)

// EndpointHealthRequest 端点健康上报请求
type EndpointHealthRequest struct {
	URL     string `json:"url"`
	Healthy bool   `json:"healthy"`
}

// MetricRequest 指标上报请求
type MetricRequest struct {
	Name  string            `json:"name"`
	Value float64           `json:"value"`
	Tags  map[string]string `json:"tags,omitempty"`
	Unit  string            `json:"unit,omitempty"`
}

// ReportEndpointHealth 上报一个端点的健康状态，返回服务的最新状态
func (c *Client) ReportEndpointHealth(ctx context.Context, endpointURL string, healthy bool) (model.ServiceState, error) {
	serviceID, err := c.registeredID()
	if err != nil {
		return "", err
	}

	path := fmt.Sprintf("/api/v1/services/%s/endpoints/health", url.PathEscape(serviceID))
	resp, err := c.doRequest(ctx, http.MethodPut, path, EndpointHealthRequest{URL: endpointURL, Healthy: healthy})
	if err != nil {
		return "", fmt.Errorf("上报端点健康状态失败: %w", err)
	}

	var data struct {
		State model.ServiceState `json:"state"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return "", fmt.Errorf("解析健康上报响应失败: %w", err)
	}
	return data.State, nil
}

// RecordMetric 上报一个指标值，超过阈值时返回生成的告警
func (c *Client) RecordMetric(ctx context.Context, name string, value float64, tags map[string]string, unit string) (*model.Alert, error) {
	req := MetricRequest{
		Name:  name,
		Value: value,
		Tags:  tags,
		Unit:  unit,
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/api/v1/metrics", req)
	if err != nil {
		return nil, fmt.Errorf("上报指标失败: %w", err)
	}

	var data struct {
		Alert *model.Alert `json:"alert"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, fmt.Errorf("解析指标响应失败: %w", err)
	}
	return data.Alert, nil
}
