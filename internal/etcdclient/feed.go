package etcdclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/hewenyu/kong-monitor/internal/config"
	"github.com/hewenyu/kong-monitor/pkg/model"
	"go.uber.org/zap"
)

// ErrInvalidRecord etcd中的服务记录无法使用
var ErrInvalidRecord = errors.New("无效的服务记录")

// ServiceRegistry 注册源写入的目标，由registry.Registry实现
type ServiceRegistry interface {
	RegisterService(id, name, version string, endpoints []model.ServiceEndpoint, metadata map[string]string, tags []string) bool
	DeregisterService(id string) bool
	Heartbeat(id string) bool
}

// RecordEndpoint 服务记录中的端点
type RecordEndpoint struct {
	URL             string `json:"url" validate:"required"`
	Protocol        string `json:"protocol" validate:"omitempty,oneof=http https"`
	Port            int    `json:"port" validate:"required,min=1,max=65535"`
	HealthCheckPath string `json:"health_check_path"`
}

// ServiceRecord 外部写入etcd的服务记录
type ServiceRecord struct {
	ServiceID   string            `json:"service_id"` // 为空时使用key的最后一段
	ServiceName string            `json:"service_name" validate:"required"`
	Version     string            `json:"version"`
	Endpoints   []RecordEndpoint  `json:"endpoints" validate:"dive"`
	Metadata    map[string]string `json:"metadata"`
	Tags        []string          `json:"tags"`
}

// toEndpoints 转换为注册表使用的端点
func (r *ServiceRecord) toEndpoints() []model.ServiceEndpoint {
	endpoints := make([]model.ServiceEndpoint, 0, len(r.Endpoints))
	for _, ep := range r.Endpoints {
		endpoints = append(endpoints, model.ServiceEndpoint{
			URL:             ep.URL,
			Protocol:        ep.Protocol,
			Port:            ep.Port,
			HealthCheckPath: ep.HealthCheckPath,
		})
	}
	return endpoints
}

// RegistrationFeed 把etcd前缀下的服务记录同步到注册表，不向etcd回写
type RegistrationFeed struct {
	client   Client
	registry ServiceRegistry
	prefix   string
	logger   config.Logger
	validate *validator.Validate

	mu   sync.Mutex
	keys map[string]string // etcd key -> service id
}

// NewRegistrationFeed 创建注册源，prefix为空时使用/services/
func NewRegistrationFeed(client Client, registry ServiceRegistry, prefix string, logger config.Logger) *RegistrationFeed {
	if prefix == "" {
		prefix = "/services/"
	}
	return &RegistrationFeed{
		client:   client,
		registry: registry,
		prefix:   prefix,
		logger:   logger,
		validate: validator.New(),
		keys:     make(map[string]string),
	}
}

// Prefix 返回监听的前缀
func (f *RegistrationFeed) Prefix() string {
	return f.prefix
}

// Start 回放已有记录并开始监听，ctx取消后停止
func (f *RegistrationFeed) Start(ctx context.Context) error {
	return f.client.StartWatch(ctx, f.prefix, func(event WatchEvent) {
		if err := f.HandleEvent(event); err != nil {
			f.logger.Warn("处理etcd服务记录失败",
				zap.String("type", event.EventType),
				zap.String("key", event.Key),
				zap.Error(err))
		}
	})
}

// HandleEvent 把一次key变化应用到注册表
func (f *RegistrationFeed) HandleEvent(event WatchEvent) error {
	if !strings.HasPrefix(event.Key, f.prefix) {
		return nil
	}

	switch event.EventType {
	case EventCreate:
		return f.handlePut(event, false)
	case EventUpdate:
		return f.handlePut(event, true)
	case EventDelete:
		return f.handleDelete(event)
	default:
		return fmt.Errorf("未知的事件类型: %s", event.EventType)
	}
}

// handlePut 处理create/update，已注册的服务只刷新心跳
func (f *RegistrationFeed) handlePut(event WatchEvent, isUpdate bool) error {
	record, err := f.decode(event.Key, event.Value)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.keys[event.Key] = record.ServiceID
	f.mu.Unlock()

	if isUpdate && f.registry.Heartbeat(record.ServiceID) {
		f.logger.Debug("etcd记录更新，刷新心跳", zap.String("service_id", record.ServiceID))
		return nil
	}

	if f.registry.RegisterService(record.ServiceID, record.ServiceName, record.Version,
		record.toEndpoints(), record.Metadata, record.Tags) {
		f.logger.Info("从etcd注册服务",
			zap.String("service_id", record.ServiceID),
			zap.String("service_name", record.ServiceName),
			zap.String("key", event.Key))
		return nil
	}

	// 服务已存在
	f.registry.Heartbeat(record.ServiceID)
	return nil
}

// handleDelete 处理delete，服务ID依次取自已知key、前值和key本身
func (f *RegistrationFeed) handleDelete(event WatchEvent) error {
	f.mu.Lock()
	id, known := f.keys[event.Key]
	delete(f.keys, event.Key)
	f.mu.Unlock()

	if !known && event.PrevValue != "" {
		if record, err := f.decode(event.Key, event.PrevValue); err == nil {
			id = record.ServiceID
			known = true
		}
	}
	if !known {
		id = keyServiceID(f.prefix, event.Key)
	}
	if id == "" {
		return fmt.Errorf("%w: 无法从key确定服务ID: %s", ErrInvalidRecord, event.Key)
	}

	if f.registry.DeregisterService(id) {
		f.logger.Info("etcd记录删除，注销服务", zap.String("service_id", id), zap.String("key", event.Key))
	}
	return nil
}

// decode 解析并校验服务记录
func (f *RegistrationFeed) decode(key, value string) (*ServiceRecord, error) {
	if value == "" {
		return nil, fmt.Errorf("%w: 空的记录", ErrInvalidRecord)
	}

	var record ServiceRecord
	if err := json.Unmarshal([]byte(value), &record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := f.validate.Struct(&record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	if record.ServiceID == "" {
		record.ServiceID = keyServiceID(f.prefix, key)
	}
	if record.ServiceID == "" {
		return nil, fmt.Errorf("%w: 缺少服务ID", ErrInvalidRecord)
	}
	return &record, nil
}

// keyServiceID 取key去掉前缀后的最后一段
func keyServiceID(prefix, key string) string {
	rest := strings.Trim(strings.TrimPrefix(key, prefix), "/")
	if idx := strings.LastIndex(rest, "/"); idx >= 0 {
		rest = rest[idx+1:]
	}
	return rest
}
