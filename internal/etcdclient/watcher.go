package etcdclient

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// 事件类型
const (
	EventCreate = "create"
	EventUpdate = "update"
	EventDelete = "delete"
)

// 监听被取消后重新建立的间隔
const rewatchDelay = time.Second

// WatchEvent 定义监听事件类型
type WatchEvent struct {
	EventType string // 事件类型: "create", "update", "delete"
	Key       string // 发生变化的key
	Value     string // 变化后的值 (对于delete事件，此字段为空)
	PrevValue string // 变化前的值 (对于create事件，此字段为空)
}

// WatchCallback 定义监听回调函数类型
type WatchCallback func(event WatchEvent)

// StartWatch 开始监听指定前缀的key变化，已存在的key以create事件同步回放
func (e *EtcdClient) StartWatch(ctx context.Context, prefix string, callback WatchCallback) error {
	if e.client == nil {
		return ErrNotConnected
	}

	e.logger.Info("开始监听etcd变化", zap.String("prefix", prefix))

	// 获取当前所有键值，用于初始化
	getCtx, cancel := context.WithTimeout(ctx, etcdTimeout)
	getResp, err := e.client.Get(getCtx, prefix, clientv3.WithPrefix())
	cancel()
	if err != nil {
		e.logger.Error("获取初始键值失败", zap.String("prefix", prefix), zap.Error(err))
		return fmt.Errorf("获取初始键值失败: %w", err)
	}

	for _, kv := range getResp.Kvs {
		callback(WatchEvent{
			EventType: EventCreate,
			Key:       string(kv.Key),
			Value:     string(kv.Value),
		})
	}
	e.logger.Info("已同步etcd初始键值", zap.String("prefix", prefix), zap.Int("count", len(getResp.Kvs)))

	// 从最新的revision开始监听
	nextRevision := getResp.Header.Revision + 1

	// 在后台协程中处理监听事件
	go func() {
		for {
			watchChan := e.client.Watch(ctx, prefix,
				clientv3.WithPrefix(), clientv3.WithRev(nextRevision), clientv3.WithPrevKV())

			for watchResp := range watchChan {
				if err := watchResp.Err(); err != nil {
					e.logger.Warn("etcd监听中断", zap.String("prefix", prefix), zap.Error(err))
					if watchResp.CompactRevision > nextRevision {
						nextRevision = watchResp.CompactRevision
					}
					break
				}

				for _, event := range watchResp.Events {
					callback(convertEvent(event))
					nextRevision = event.Kv.ModRevision + 1
				}
			}

			if ctx.Err() != nil {
				e.logger.Info("停止监听etcd变化", zap.String("prefix", prefix))
				return
			}

			// 尝试重新监听
			select {
			case <-ctx.Done():
				return
			case <-time.After(rewatchDelay):
			}
		}
	}()

	return nil
}

// convertEvent 把etcd事件转换为WatchEvent
func convertEvent(event *clientv3.Event) WatchEvent {
	watchEvent := WatchEvent{Key: string(event.Kv.Key)}

	switch event.Type {
	case clientv3.EventTypePut:
		watchEvent.Value = string(event.Kv.Value)
		// 判断是create还是update
		if event.IsCreate() {
			watchEvent.EventType = EventCreate
		} else {
			watchEvent.EventType = EventUpdate
		}
	case clientv3.EventTypeDelete:
		watchEvent.EventType = EventDelete
	}

	if event.PrevKv != nil {
		watchEvent.PrevValue = string(event.PrevKv.Value)
	}
	return watchEvent
}
