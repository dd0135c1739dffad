package model

import (
	"strings"
	"time"
)

// ServiceState 表示服务的生命周期状态
type ServiceState string

const (
	// ServiceStateRegistered 刚注册，尚未完成健康检查
	ServiceStateRegistered ServiceState = "REGISTERED"
	// ServiceStateActive 至少一个端点健康
	ServiceStateActive ServiceState = "ACTIVE"
	// ServiceStateFailed 所有端点均不健康
	ServiceStateFailed ServiceState = "FAILED"
	// ServiceStateInactive 超过静默窗口没有任何活动
	ServiceStateInactive ServiceState = "INACTIVE"
)

// ParseServiceState 解析状态字符串，大小写不敏感
func ParseServiceState(s string) (ServiceState, bool) {
	switch ServiceState(strings.ToUpper(strings.TrimSpace(s))) {
	case ServiceStateRegistered:
		return ServiceStateRegistered, true
	case ServiceStateActive:
		return ServiceStateActive, true
	case ServiceStateFailed:
		return ServiceStateFailed, true
	case ServiceStateInactive:
		return ServiceStateInactive, true
	}
	return "", false
}

// ServiceEndpoint 表示服务暴露的一个网络地址
type ServiceEndpoint struct {
	URL             string     `json:"url"`                         // 主机名或IP
	Protocol        string     `json:"protocol"`                    // 协议，默认http
	Port            int        `json:"port"`                        // 端口
	HealthCheckPath string     `json:"health_check_path,omitempty"` // 健康检查路径，为空则不探测
	IsHealthy       bool       `json:"is_healthy"`                  // 最近一次检查结果
	LastHealthCheck *time.Time `json:"last_health_check,omitempty"` // 最近一次检查时间
}

// DiscoveredService 表示一个已注册的服务实例
type DiscoveredService struct {
	ServiceID        string            `json:"service_id"`         // 服务唯一ID，由调用方提供
	ServiceName      string            `json:"service_name"`       // 服务名称
	Version          string            `json:"version"`            // 服务版本
	State            ServiceState      `json:"state"`              // 当前状态
	Endpoints        []ServiceEndpoint `json:"endpoints"`          // 端点列表，保持注册顺序
	Metadata         map[string]string `json:"metadata,omitempty"` // 元数据
	Tags             []string          `json:"tags,omitempty"`     // 标签
	LastSeen         time.Time         `json:"last_seen"`          // 最近一次注册表活动时间
	RegistrationTime time.Time         `json:"registration_time"`  // 注册时间，不可变
}

// Clone 返回服务的深拷贝，调用方修改不会影响注册表
func (s *DiscoveredService) Clone() DiscoveredService {
	out := *s
	if s.Endpoints != nil {
		out.Endpoints = make([]ServiceEndpoint, len(s.Endpoints))
		for i, ep := range s.Endpoints {
			if ep.LastHealthCheck != nil {
				t := *ep.LastHealthCheck
				ep.LastHealthCheck = &t
			}
			out.Endpoints[i] = ep
		}
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	if s.Tags != nil {
		out.Tags = append([]string(nil), s.Tags...)
	}
	return out
}

// HealthyEndpointCount 返回健康端点数量
func (s *DiscoveredService) HealthyEndpointCount() int {
	n := 0
	for _, ep := range s.Endpoints {
		if ep.IsHealthy {
			n++
		}
	}
	return n
}

// DiscoveryStats 注册表统计信息
type DiscoveryStats struct {
	Total              int  `json:"total"`
	Registered         int  `json:"registered"`
	Active             int  `json:"active"`
	Failed             int  `json:"failed"`
	Inactive           int  `json:"inactive"`
	DiscoveryRunning   bool `json:"discovery_running"`
	HealthCheckRunning bool `json:"health_check_running"`
}

// HealthResult 一次已生效的端点健康更新
type HealthResult struct {
	ServiceID        string        `json:"service_id"`
	ServiceName      string        `json:"service_name"`
	EndpointURL      string        `json:"endpoint_url"`
	Healthy          bool          `json:"healthy"`
	Probed           bool          `json:"probed"`  // 是否来自后台探测
	Latency          time.Duration `json:"latency"` // 仅探测结果有值
	State            ServiceState  `json:"state"`
	HealthyEndpoints int           `json:"healthy_endpoints"`
	TotalEndpoints   int           `json:"total_endpoints"`
	CheckedAt        time.Time     `json:"checked_at"`
}
