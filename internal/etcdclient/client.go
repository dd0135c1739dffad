package etcdclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hewenyu/kong-monitor/internal/config"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// etcd操作的超时时间
const etcdTimeout = 5 * time.Second

// ErrNotConnected 客户端尚未连接
var ErrNotConnected = errors.New("etcd客户端未连接")

// Client 定义etcd客户端接口
type Client interface {
	// Connect 连接到etcd集群
	Connect() error

	// Close 关闭连接
	Close() error

	// Ping 检查etcd集群状态
	Ping(ctx context.Context) error

	// StartWatch 先回放前缀下已有的key，再持续监听其变化
	StartWatch(ctx context.Context, prefix string, callback WatchCallback) error
}

// EtcdClient 实现Client接口
type EtcdClient struct {
	client *clientv3.Client
	cfg    *config.Config
	logger config.Logger
}

// NewEtcdClient 创建一个新的etcd客户端
func NewEtcdClient(cfg *config.Config, logger config.Logger) Client {
	return &EtcdClient{
		cfg:    cfg,
		logger: logger,
	}
}

// Connect 连接到etcd集群
func (e *EtcdClient) Connect() error {
	var err error
	e.logger.Info("连接到etcd集群", zap.Strings("endpoints", e.cfg.Etcd.Endpoints))

	e.client, err = clientv3.New(clientv3.Config{
		Endpoints:   e.cfg.Etcd.Endpoints,
		DialTimeout: etcdTimeout,
		Username:    e.cfg.Etcd.Username,
		Password:    e.cfg.Etcd.Password,
	})

	if err != nil {
		e.logger.Error("连接etcd失败", zap.Error(err))
		return fmt.Errorf("连接etcd失败: %w", err)
	}

	return nil
}

// Close 关闭连接
func (e *EtcdClient) Close() error {
	if e.client != nil {
		e.logger.Info("关闭etcd连接")
		return e.client.Close()
	}
	return nil
}

// Ping 检查etcd集群状态
func (e *EtcdClient) Ping(ctx context.Context) error {
	if e.client == nil {
		return ErrNotConnected
	}
	if len(e.cfg.Etcd.Endpoints) == 0 {
		return fmt.Errorf("未配置etcd endpoints")
	}

	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	_, err := e.client.Status(ctx, e.cfg.Etcd.Endpoints[0])
	if err != nil {
		e.logger.Error("etcd健康检查失败", zap.Error(err))
		return fmt.Errorf("etcd健康检查失败: %w", err)
	}

	e.logger.Info("etcd健康检查成功")
	return nil
}
