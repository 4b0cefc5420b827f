package collector

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dushixiang/pinger/internal/protocol"
	"github.com/dushixiang/pinger/internal/resolver"
)

// ResolvePolicy TCP 探测的地址解析策略：每次探测都解析，或使用固定地址
type ResolvePolicy struct {
	always bool
	addr   netip.Addr
}

// AlwaysResolve 每次探测都重新解析
func AlwaysResolve() ResolvePolicy {
	return ResolvePolicy{always: true}
}

// ResolvedAddress 使用固定地址，探测时不再解析
func ResolvedAddress(addr netip.Addr) ResolvePolicy {
	return ResolvePolicy{addr: addr.Unmap()}
}

// Address 返回固定地址；AlwaysResolve 时 ok 为 false
func (p ResolvePolicy) Address() (netip.Addr, bool) {
	if p.always || !p.addr.IsValid() {
		return netip.Addr{}, false
	}
	return p.addr, true
}

func (p ResolvePolicy) String() string {
	if addr, ok := p.Address(); ok {
		return "resolved(" + addr.String() + ")"
	}
	return "always_resolve"
}

// TCPOptions TCP 探测器配置
type TCPOptions struct {
	Timeout  time.Duration
	Resolver resolver.Resolver
	Policy   *ResolvePolicy // 为空时按目标配置决定
	Logger   *zap.Logger
}

// TCPProber TCP 建连探测器
type TCPProber struct {
	target   protocol.TCPTarget
	policy   ResolvePolicy
	timeout  time.Duration
	resolver resolver.Resolver
	dialer   net.Dialer
	logger   *zap.Logger
}

// NewTCPProber 创建 TCP 探测器
//
// 字面量 IP 直接固定；未开启 always_resolve 的域名在此处解析一次，之后一直使用该地址。
func NewTCPProber(ctx context.Context, target protocol.TCPTarget, opts TCPOptions) (*TCPProber, error) {
	host, port, err := NormalizeAddress(target.Address())
	if err != nil {
		return nil, err
	}
	if opts.Resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	target.Host = host
	target.Port = port

	var policy ResolvePolicy
	switch {
	case opts.Policy != nil:
		policy = *opts.Policy
	case isIPLiteral(host):
		policy = ResolvedAddress(netip.MustParseAddr(host))
	case target.AlwaysResolve:
		policy = AlwaysResolve()
	default:
		ip, err := resolver.ResolveOne(ctx, opts.Resolver, host)
		if err != nil {
			return nil, fmt.Errorf("resolve tcp target %s: %w", target.Address(), err)
		}
		policy = ResolvedAddress(ip)
	}

	return &TCPProber{
		target:   target,
		policy:   policy,
		timeout:  opts.Timeout,
		resolver: opts.Resolver,
		dialer:   net.Dialer{Timeout: opts.Timeout},
		logger:   orNop(opts.Logger),
	}, nil
}

func (p *TCPProber) Name() string {
	return p.target.Address()
}

// Policy 返回探测器使用的解析策略
func (p *TCPProber) Policy() ResolvePolicy {
	return p.policy
}

// Probe 执行一次 TCP 建连探测
func (p *TCPProber) Probe(ctx context.Context) protocol.Result {
	sendTime := time.Now()
	return race(ctx, p.timeout, p.logger,
		func(ctx context.Context) protocol.Result {
			return p.probe(ctx, sendTime)
		},
		func(outcome protocol.Outcome) protocol.Result {
			return protocol.NewTCPResult(p.target, sendTime, outcome)
		})
}

func (p *TCPProber) probe(ctx context.Context, sendTime time.Time) protocol.Result {
	var resolveTime *time.Duration
	ip, ok := p.policy.Address()
	if !ok {
		begin := time.Now()
		addr, err := resolver.ResolveOne(ctx, p.resolver, p.target.Host)
		if err != nil {
			result := protocol.NewTCPResult(p.target, sendTime,
				protocol.Failure(protocol.FailureDNS, fmt.Sprintf("resolve failed: %v", err)))
			result.NewlyResolved = true
			return result
		}
		elapsed := time.Since(begin)
		resolveTime = &elapsed
		ip = addr
	}

	addr := netip.AddrPortFrom(ip, p.target.Port)
	begin := time.Now()
	conn, err := p.dialer.DialContext(ctx, "tcp", addr.String())
	var result *protocol.TCPResult
	if err != nil {
		result = protocol.NewTCPResult(p.target, sendTime,
			protocol.Failure(classifyError(err, protocol.FailureConnect), fmt.Sprintf("connection failed: %v", err)))
	} else {
		established := time.Since(begin)
		_ = conn.Close()
		result = protocol.NewTCPResult(p.target, sendTime, protocol.Success(established))
	}
	result.Address = addr
	result.NewlyResolved = resolveTime != nil
	result.ResolveTime = resolveTime
	return result
}

// NormalizeAddress 校验 host:port 形式的地址，拒绝带协议、路径、查询参数、锚点或认证信息的输入
func NormalizeAddress(address string) (string, uint16, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", 0, fmt.Errorf("invalid address: empty")
	}
	switch {
	case strings.Contains(address, "://"):
		return "", 0, fmt.Errorf("invalid address %q: scheme is not allowed", address)
	case strings.Contains(address, "@"):
		return "", 0, fmt.Errorf("invalid address %q: credentials are not allowed", address)
	case strings.Contains(address, "/"):
		return "", 0, fmt.Errorf("invalid address %q: path is not allowed", address)
	case strings.Contains(address, "?"):
		return "", 0, fmt.Errorf("invalid address %q: query is not allowed", address)
	case strings.Contains(address, "#"):
		return "", 0, fmt.Errorf("invalid address %q: fragment is not allowed", address)
	}

	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, fmt.Errorf("invalid address %q: %w", address, err)
	}
	if host == "" {
		return "", 0, fmt.Errorf("invalid address %q: host is missing", address)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return "", 0, fmt.Errorf("invalid address %q: bad port %q", address, portStr)
	}

	if strings.Contains(host, ":") {
		addr, err := netip.ParseAddr(host)
		if err != nil || !addr.Is6() {
			return "", 0, fmt.Errorf("invalid address %q: bad host %q", address, host)
		}
		return addr.String(), uint16(port), nil
	}
	if !validHostname(host) {
		return "", 0, fmt.Errorf("invalid address %q: bad host %q", address, host)
	}
	return host, uint16(port), nil
}

func isIPLiteral(host string) bool {
	_, err := netip.ParseAddr(host)
	return err == nil
}

func validHostname(host string) bool {
	if len(host) > 253 {
		return false
	}
	for _, label := range strings.Split(strings.TrimSuffix(host, "."), ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for _, c := range label {
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			default:
				return false
			}
		}
	}
	return true
}
