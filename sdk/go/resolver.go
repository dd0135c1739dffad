package sdk

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// ResolverConfig DNS解析客户端配置
type ResolverConfig struct {
	// DNS服务地址，默认127.0.0.1:5353
	Server string
	// 服务域名，默认service.local
	Domain string
	// 查询协议，udp或tcp，默认udp
	Net string
	// 单次查询超时，默认2秒
	Timeout time.Duration
	// 缓存时间，默认30秒，小于0时不缓存
	CacheTTL time.Duration
	// 日志记录器，为空时不输出日志
	Logger *zap.Logger
}

// Resolver 通过DNS前端查询ACTIVE服务的健康端点
type Resolver struct {
	cfg    ResolverConfig
	client *dns.Client
	logger *zap.Logger

	cacheLocker sync.RWMutex
	hostCache   map[string]hostCacheEntry
	srvCache    map[string]srvCacheEntry
}

type hostCacheEntry struct {
	addrs      []string
	expiration time.Time
}

type srvCacheEntry struct {
	targets    []*net.SRV
	expiration time.Time
}

// NewResolver 创建DNS解析客户端
func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.Server == "" {
		cfg.Server = "127.0.0.1:5353"
	}
	if cfg.Domain == "" {
		cfg.Domain = "service.local"
	}
	cfg.Domain = strings.Trim(cfg.Domain, ".")
	if cfg.Net == "" {
		cfg.Net = "udp"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Resolver{
		cfg:       cfg,
		client:    &dns.Client{Net: cfg.Net, Timeout: cfg.Timeout},
		logger:    logger,
		hostCache: make(map[string]hostCacheEntry),
		srvCache:  make(map[string]srvCacheEntry),
	}
}

// ResolveHost 返回服务所有健康端点的IP地址
func (r *Resolver) ResolveHost(ctx context.Context, serviceName string) ([]string, error) {
	// 检查缓存
	if addrs := r.getHostFromCache(serviceName); addrs != nil {
		return addrs, nil
	}

	queryName := serviceName + "." + r.cfg.Domain
	var addrs []string
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		reply, err := r.exchange(ctx, queryName, qtype)
		if err != nil {
			return nil, err
		}
		for _, rr := range reply.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				addrs = append(addrs, rec.A.String())
			case *dns.AAAA:
				addrs = append(addrs, rec.AAAA.String())
			}
		}
	}

	if len(addrs) == 0 {
		return nil, fmt.Errorf("未找到服务[%s]的地址", queryName)
	}

	r.logger.Debug("解析服务地址", zap.String("name", queryName), zap.Strings("addrs", addrs))

	// 更新缓存
	r.updateHostCache(serviceName, addrs)
	return addrs, nil
}

// ResolveSRV 返回服务指定协议的SRV记录，protocol为空时使用tcp（匹配所有协议）
func (r *Resolver) ResolveSRV(ctx context.Context, serviceName, protocol string) ([]*net.SRV, error) {
	if protocol == "" {
		protocol = "tcp"
	}
	queryName := fmt.Sprintf("_%s._%s.%s", serviceName, protocol, r.cfg.Domain)

	// 检查缓存
	if srvs := r.getSRVFromCache(queryName); srvs != nil {
		return srvs, nil
	}

	reply, err := r.exchange(ctx, queryName, dns.TypeSRV)
	if err != nil {
		return nil, err
	}

	// 解析响应中的SRV记录
	var srvRecords []*net.SRV
	for _, rr := range reply.Answer {
		if srvRecord, ok := rr.(*dns.SRV); ok {
			srvRecords = append(srvRecords, &net.SRV{
				Target:   srvRecord.Target,
				Port:     srvRecord.Port,
				Priority: srvRecord.Priority,
				Weight:   srvRecord.Weight,
			})
		}
	}

	if len(srvRecords) == 0 {
		return nil, fmt.Errorf("未找到服务[%s]的SRV记录", queryName)
	}

	r.logger.Debug("解析SRV记录", zap.String("name", queryName), zap.Int("count", len(srvRecords)))

	// 更新缓存
	r.updateSRVCache(queryName, srvRecords)
	return srvRecords, nil
}

// ResolveService 按权重选择一个健康端点，返回host:port
func (r *Resolver) ResolveService(ctx context.Context, serviceName, protocol string) (string, error) {
	srvs, err := r.ResolveSRV(ctx, serviceName, protocol)
	if err != nil {
		return "", err
	}
	srv := selectSRVByWeight(srvs)
	return net.JoinHostPort(strings.TrimSuffix(srv.Target, "."), strconv.Itoa(int(srv.Port))), nil
}

// exchange 发送一次查询，NXDOMAIN返回空应答
func (r *Resolver) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)

	reply, _, err := r.client.ExchangeContext(ctx, m, r.cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("解析[%s]失败: %w", name, err)
	}

	switch reply.Rcode {
	case dns.RcodeSuccess, dns.RcodeNameError:
		return reply, nil
	default:
		return nil, fmt.Errorf("解析[%s]失败: %s", name, dns.RcodeToString[reply.Rcode])
	}
}

// 从缓存中获取主机IP
func (r *Resolver) getHostFromCache(serviceName string) []string {
	if r.cfg.CacheTTL < 0 {
		return nil
	}
	r.cacheLocker.RLock()
	defer r.cacheLocker.RUnlock()

	if entry, ok := r.hostCache[serviceName]; ok && time.Now().Before(entry.expiration) {
		return append([]string(nil), entry.addrs...)
	}
	return nil
}

// 更新主机缓存
func (r *Resolver) updateHostCache(serviceName string, addrs []string) {
	if r.cfg.CacheTTL < 0 {
		return
	}
	r.cacheLocker.Lock()
	defer r.cacheLocker.Unlock()

	r.hostCache[serviceName] = hostCacheEntry{
		addrs:      append([]string(nil), addrs...),
		expiration: time.Now().Add(r.cfg.CacheTTL),
	}
}

// 从缓存中获取SRV记录
func (r *Resolver) getSRVFromCache(queryName string) []*net.SRV {
	if r.cfg.CacheTTL < 0 {
		return nil
	}
	r.cacheLocker.RLock()
	defer r.cacheLocker.RUnlock()

	if entry, ok := r.srvCache[queryName]; ok && time.Now().Before(entry.expiration) {
		return entry.targets
	}
	return nil
}

// 更新SRV缓存
func (r *Resolver) updateSRVCache(queryName string, srvs []*net.SRV) {
	if r.cfg.CacheTTL < 0 {
		return
	}
	r.cacheLocker.Lock()
	defer r.cacheLocker.Unlock()

	r.srvCache[queryName] = srvCacheEntry{
		targets:    srvs,
		expiration: time.Now().Add(r.cfg.CacheTTL),
	}
}

// ClearCache 清空缓存
func (r *Resolver) ClearCache() {
	r.cacheLocker.Lock()
	defer r.cacheLocker.Unlock()
	r.hostCache = make(map[string]hostCacheEntry)
	r.srvCache = make(map[string]srvCacheEntry)
}

// 按权重选择SRV记录
func selectSRVByWeight(srvs []*net.SRV) *net.SRV {
	if len(srvs) == 1 {
		return srvs[0]
	}

	// 计算总权重
	totalWeight := 0
	for _, srv := range srvs {
		totalWeight += int(srv.Weight)
	}

	// 如果所有权重为0，随机选择一个
	if totalWeight == 0 {
		return srvs[rand.Intn(len(srvs))]
	}

	// 按权重随机选择
	n := rand.Intn(totalWeight)
	for _, srv := range srvs {
		n -= int(srv.Weight)
		if n < 0 {
			return srv
		}
	}
	return srvs[0]
}
