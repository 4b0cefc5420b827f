package collector

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"go.uber.org/zap"

	"github.com/dushixiang/pinger/internal/protocol"
	"github.com/dushixiang/pinger/internal/resolver"
)

const (
	defaultICMPCount    = 3
	defaultICMPInterval = 100 * time.Millisecond
)

// ICMPOptions ICMP 探测器配置
type ICMPOptions struct {
	Timeout    time.Duration
	Resolver   resolver.Resolver
	Privileged bool // 使用原始套接字，需要 root 或 CAP_NET_RAW
	Logger     *zap.Logger
}

// ICMPProber ICMP Echo 探测器
type ICMPProber struct {
	target     protocol.ICMPTarget
	timeout    time.Duration
	resolver   resolver.Resolver
	privileged bool
	logger     *zap.Logger
}

// NewICMPProber 创建 ICMP 探测器
func NewICMPProber(target protocol.ICMPTarget, opts ICMPOptions) (*ICMPProber, error) {
	target.Host = strings.TrimSpace(target.Host)
	if target.Host == "" {
		return nil, fmt.Errorf("invalid icmp target: host is missing")
	}
	if !isIPLiteral(target.Host) && !validHostname(target.Host) {
		return nil, fmt.Errorf("invalid icmp target: bad host %q", target.Host)
	}
	if target.Count <= 0 {
		target.Count = defaultICMPCount
	}
	if opts.Resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	return &ICMPProber{
		target:     target,
		timeout:    opts.Timeout,
		resolver:   opts.Resolver,
		privileged: opts.Privileged,
		logger:     orNop(opts.Logger),
	}, nil
}

func (p *ICMPProber) Name() string {
	return p.target.Host
}

// Probe 执行一次 ICMP 探测，延迟取本次所有回包的平均 RTT
func (p *ICMPProber) Probe(ctx context.Context) protocol.Result {
	sendTime := time.Now()
	return race(ctx, p.timeout, p.logger,
		func(ctx context.Context) protocol.Result {
			return p.probe(ctx, sendTime)
		},
		func(outcome protocol.Outcome) protocol.Result {
			return protocol.NewICMPResult(p.target, sendTime, outcome)
		})
}

func (p *ICMPProber) probe(ctx context.Context, sendTime time.Time) protocol.Result {
	ip, err := resolver.ResolveOne(ctx, p.resolver, p.target.Host)
	if err != nil {
		return protocol.NewICMPResult(p.target, sendTime,
			protocol.Failure(protocol.FailureDNS, fmt.Sprintf("resolve failed: %v", err)))
	}

	pinger := probing.New(ip.String())
	pinger.SetIPAddr(&net.IPAddr{IP: ip.AsSlice(), Zone: ip.Zone()})
	pinger.Count = p.target.Count
	pinger.Interval = defaultICMPInterval
	pinger.Timeout = p.timeout
	pinger.SetPrivileged(p.privileged)

	if err := pinger.RunWithContext(ctx); err != nil {
		return protocol.NewICMPResult(p.target, sendTime,
			protocol.Failure(protocol.FailureConnect, fmt.Sprintf("ping failed: %v", err)))
	}

	stats := pinger.Statistics()
	var outcome protocol.Outcome
	if stats.PacketsRecv > 0 {
		outcome = protocol.Success(stats.AvgRtt)
	} else {
		outcome = protocol.Failure(protocol.FailureOther,
			fmt.Sprintf("all %d ping attempts failed", p.target.Count))
	}

	result := protocol.NewICMPResult(p.target, sendTime, outcome)
	result.PacketsSent = stats.PacketsSent
	result.PacketsRecv = stats.PacketsRecv
	result.PacketLoss = stats.PacketLoss
	return result
}
