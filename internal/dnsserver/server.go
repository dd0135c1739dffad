package dnsserver

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/hewenyu/kong-monitor/internal/config"
	"github.com/hewenyu/kong-monitor/pkg/model"
	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// Server 定义DNS服务器接口
type Server interface {
	// Start 启动DNS服务器
	Start() error

	// Shutdown 优雅关闭DNS服务器
	Shutdown(ctx context.Context) error

	// SetServiceSource 设置服务数据来源
	SetServiceSource(source ServiceSource)
}

// ServiceSource 提供可解析的服务，由registry.Registry实现
type ServiceSource interface {
	DiscoverServices(tags []string, state *model.ServiceState) []model.DiscoveredService
}

// DNSServer 实现Server接口，只解析ACTIVE服务的健康端点
type DNSServer struct {
	udpServer   *dns.Server
	tcpServer   *dns.Server
	cfg         *config.Config
	logger      config.Logger
	shutdownErr chan error
	source      ServiceSource
}

// NewDNSServer 创建一个新的DNS服务器
func NewDNSServer(cfg *config.Config, logger config.Logger) Server {
	return &DNSServer{
		cfg:         cfg,
		logger:      logger,
		shutdownErr: make(chan error, 2), // 用于收集UDP和TCP服务器的关闭错误
	}
}

// SetServiceSource 设置服务数据来源
func (s *DNSServer) SetServiceSource(source ServiceSource) {
	s.source = source
}

// Start 启动DNS服务器
func (s *DNSServer) Start() error {
	s.logger.Info("启动DNS服务器",
		zap.String("address", s.cfg.DNS.ListenAddress),
		zap.Int("port", s.cfg.DNS.Port),
		zap.String("protocol", s.cfg.DNS.Protocol),
		zap.String("domain", s.cfg.DNS.Domain))

	// 创建DNS处理器
	handler := dns.NewServeMux()
	handler.Handle(".", s)

	// 创建服务器地址
	addr := net.JoinHostPort(s.cfg.DNS.ListenAddress, strconv.Itoa(s.cfg.DNS.Port))

	// 根据配置启动对应协议的服务器
	switch s.cfg.DNS.Protocol {
	case "udp":
		return s.startUDPServer(addr, handler)
	case "tcp":
		return s.startTCPServer(addr, handler)
	case "both", "":
		if err := s.startUDPServer(addr, handler); err != nil {
			return err
		}
		return s.startTCPServer(addr, handler)
	default:
		return fmt.Errorf("不支持的DNS协议: %s", s.cfg.DNS.Protocol)
	}
}

// startUDPServer 启动UDP服务器
func (s *DNSServer) startUDPServer(addr string, handler dns.Handler) error {
	s.udpServer = &dns.Server{
		Addr:    addr,
		Net:     "udp",
		Handler: handler,
	}

	s.logger.Info("启动UDP DNS服务器", zap.String("addr", addr))

	// 在后台启动UDP服务器
	go func() {
		if err := s.udpServer.ListenAndServe(); err != nil {
			// miekg/dns没有ErrServerClosed，我们需要自己判断服务关闭情况
			s.logger.Error("UDP DNS服务器错误", zap.Error(err))
			s.shutdownErr <- err
		}
	}()

	return nil
}

// startTCPServer 启动TCP服务器
func (s *DNSServer) startTCPServer(addr string, handler dns.Handler) error {
	s.tcpServer = &dns.Server{
		Addr:    addr,
		Net:     "tcp",
		Handler: handler,
	}

	s.logger.Info("启动TCP DNS服务器", zap.String("addr", addr))

	// 在后台启动TCP服务器
	go func() {
		if err := s.tcpServer.ListenAndServe(); err != nil {
			s.logger.Error("TCP DNS服务器错误", zap.Error(err))
			s.shutdownErr <- err
		}
	}()

	return nil
}

// Shutdown 优雅关闭DNS服务器
func (s *DNSServer) Shutdown(ctx context.Context) error {
	s.logger.Info("正在关闭DNS服务器...")

	// 关闭UDP服务器
	if s.udpServer != nil {
		if err := s.udpServer.ShutdownContext(ctx); err != nil {
			s.logger.Error("关闭UDP DNS服务器出错", zap.Error(err))
			return err
		}
		s.logger.Info("UDP DNS服务器已关闭")
	}

	// 关闭TCP服务器
	if s.tcpServer != nil {
		if err := s.tcpServer.ShutdownContext(ctx); err != nil {
			s.logger.Error("关闭TCP DNS服务器出错", zap.Error(err))
			return err
		}
		s.logger.Info("TCP DNS服务器已关闭")
	}

	return nil
}

// ServeDNS 实现dns.Handler，处理DNS请求
func (s *DNSServer) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	for _, q := range r.Question {
		s.logger.Debug("收到DNS查询",
			zap.String("name", q.Name),
			zap.String("type", dns.TypeToString[q.Qtype]),
			zap.String("client", w.RemoteAddr().String()))
	}

	// 发送响应
	if err := w.WriteMsg(s.buildReply(r)); err != nil {
		s.logger.Error("发送DNS响应失败", zap.Error(err))
	}
}

// buildReply 根据注册表内容构造应答
func (s *DNSServer) buildReply(r *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true

	for _, q := range r.Question {
		rcode := s.handleQuery(q, m)
		if rcode != dns.RcodeSuccess {
			m.Authoritative = rcode != dns.RcodeRefused
			m.SetRcode(r, rcode)
			break
		}
	}
	return m
}

// handleQuery 处理单个DNS查询问题，返回响应码
func (s *DNSServer) handleQuery(q dns.Question, m *dns.Msg) int {
	// 移除尾部的点号，并转换为小写
	name := strings.TrimSuffix(strings.ToLower(q.Name), ".")
	zone := strings.Trim(strings.ToLower(s.cfg.DNS.Domain), ".")

	if !strings.HasSuffix(name, "."+zone) {
		return dns.RcodeRefused
	}
	label := strings.TrimSuffix(name, "."+zone)

	if s.source == nil {
		s.logger.Warn("服务数据来源未设置，无法解析DNS记录")
		return dns.RcodeServerFailure
	}

	active := model.ServiceStateActive
	services := s.source.DiscoverServices(nil, &active)

	switch q.Qtype {
	case dns.TypeA, dns.TypeAAAA:
		if strings.HasPrefix(label, "_") {
			return dns.RcodeNameError
		}
		if !s.answerAddress(q, label, services, m) {
			return dns.RcodeNameError
		}
		return dns.RcodeSuccess

	case dns.TypeSRV:
		service, protocol, valid := parseSRVLabel(label)
		if !valid {
			return dns.RcodeNameError
		}
		if !s.answerSRV(q, service, protocol, zone, services, m) {
			return dns.RcodeNameError
		}
		return dns.RcodeSuccess

	default:
		s.logger.Debug("不支持的DNS记录类型",
			zap.String("name", name),
			zap.String("type", dns.TypeToString[q.Qtype]))
		return dns.RcodeNameError
	}
}

// answerAddress 为<service_name>.<domain>返回健康端点的IP
func (s *DNSServer) answerAddress(q dns.Question, serviceName string, services []model.DiscoveredService, m *dns.Msg) bool {
	seen := make(map[string]struct{})
	for _, svc := range services {
		if !strings.EqualFold(svc.ServiceName, serviceName) {
			continue
		}
		for _, ep := range svc.Endpoints {
			if !ep.IsHealthy {
				continue
			}
			ip := net.ParseIP(ep.URL)
			if ip == nil {
				continue
			}
			if _, dup := seen[ip.String()]; dup {
				continue
			}

			if v4 := ip.To4(); v4 != nil && q.Qtype == dns.TypeA {
				m.Answer = append(m.Answer, &dns.A{
					Hdr: s.header(q.Name, dns.TypeA),
					A:   v4,
				})
				seen[ip.String()] = struct{}{}
			} else if ip.To4() == nil && q.Qtype == dns.TypeAAAA {
				m.Answer = append(m.Answer, &dns.AAAA{
					Hdr:  s.header(q.Name, dns.TypeAAAA),
					AAAA: ip,
				})
				seen[ip.String()] = struct{}{}
			}
		}
	}
	return len(m.Answer) > 0
}

// answerSRV 为_<service_name>._<protocol>.<domain>返回健康端点的SRV记录，_tcp匹配所有协议
func (s *DNSServer) answerSRV(q dns.Question, serviceName, protocol, zone string, services []model.DiscoveredService, m *dns.Msg) bool {
	for _, svc := range services {
		if !strings.EqualFold(svc.ServiceName, serviceName) {
			continue
		}
		for _, ep := range svc.Endpoints {
			if !ep.IsHealthy {
				continue
			}
			if protocol != "tcp" && !strings.EqualFold(ep.Protocol, protocol) {
				continue
			}

			target := dns.Fqdn(ep.URL)
			ip := net.ParseIP(ep.URL)
			if ip != nil {
				// IP端点指向本域中的服务名，并附带地址记录
				target = dns.Fqdn(strings.ToLower(svc.ServiceName) + "." + zone)
				if v4 := ip.To4(); v4 != nil {
					m.Extra = append(m.Extra, &dns.A{Hdr: s.header(target, dns.TypeA), A: v4})
				} else {
					m.Extra = append(m.Extra, &dns.AAAA{Hdr: s.header(target, dns.TypeAAAA), AAAA: ip})
				}
			}

			m.Answer = append(m.Answer, &dns.SRV{
				Hdr:      s.header(q.Name, dns.TypeSRV),
				Priority: 0,
				Weight:   10,
				Port:     uint16(ep.Port),
				Target:   target,
			})
		}
	}
	return len(m.Answer) > 0
}

func (s *DNSServer) header(name string, rrtype uint16) dns.RR_Header {
	return dns.RR_Header{
		Name:   dns.Fqdn(name),
		Rrtype: rrtype,
		Class:  dns.ClassINET,
		Ttl:    s.cfg.DNS.TTL,
	}
}

// parseSRVLabel 解析 _<service>._<protocol>
func parseSRVLabel(label string) (service, protocol string, valid bool) {
	parts := strings.Split(label, ".")
	if len(parts) != 2 || !strings.HasPrefix(parts[0], "_") || !strings.HasPrefix(parts[1], "_") {
		return "", "", false
	}
	service = strings.TrimPrefix(parts[0], "_")
	protocol = strings.TrimPrefix(parts[1], "_")
	if service == "" || protocol == "" {
		return "", "", false
	}
	return service, protocol, true
}
