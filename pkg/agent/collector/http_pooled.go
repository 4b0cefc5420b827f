package collector

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/httptrace"
	"time"

	"go.uber.org/zap"

	"github.com/dushixiang/pinger/internal/protocol"
	"github.com/dushixiang/pinger/internal/resolver"
)

// PooledHTTPProber 基于 http.Client 的 HTTP 探测器
//
// 每次探测都新建连接，不复用，保证测得的是完整的建连耗时。
type PooledHTTPProber struct {
	target  protocol.HTTPTarget
	url     string
	timeout time.Duration
	client  *http.Client
	logger  *zap.Logger
}

// NewPooledHTTPProber 创建基于 http.Client 的 HTTP 探测器
func NewPooledHTTPProber(target protocol.HTTPTarget, opts HTTPOptions) (*PooledHTTPProber, error) {
	target, u, _, err := parseHTTPTarget(target)
	if err != nil {
		return nil, err
	}
	if opts.Resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}

	dialer := &net.Dialer{Timeout: opts.Timeout}
	transport := &http.Transport{
		DialContext:         resolvingDialContext(dialer, opts.Resolver),
		TLSClientConfig:     &tls.Config{RootCAs: opts.RootCAs, MinVersion: tls.VersionTLS12},
		TLSHandshakeTimeout: opts.Timeout,
		DisableKeepAlives:   true,
		MaxIdleConnsPerHost: -1,
		ForceAttemptHTTP2:   true,
	}

	return &PooledHTTPProber{
		target:  target,
		url:     u.String(),
		timeout: opts.Timeout,
		client: &http.Client{
			Transport: transport,
			// 只关心目标本身的响应
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: orNop(opts.Logger),
	}, nil
}

// resolvingDialContext 通过 r 解析主机名后再连接
func resolvingDialContext(dialer *net.Dialer, r resolver.Resolver) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ip, err := resolver.ResolveOne(ctx, r, host)
		if err != nil {
			return nil, err
		}
		return dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
	}
}

func (p *PooledHTTPProber) Name() string {
	return p.target.Method + " " + p.target.URL
}

// Probe 执行一次 HTTP 探测
func (p *PooledHTTPProber) Probe(ctx context.Context) protocol.Result {
	sendTime := time.Now()
	return race(ctx, p.timeout, p.logger,
		func(ctx context.Context) protocol.Result {
			return p.probe(ctx, sendTime)
		},
		func(outcome protocol.Outcome) protocol.Result {
			return protocol.NewHTTPResult(p.target, sendTime, outcome)
		})
}

func (p *PooledHTTPProber) probe(ctx context.Context, sendTime time.Time) protocol.Result {
	var peerIP string
	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			if tcpAddr, ok := info.Conn.RemoteAddr().(*net.TCPAddr); ok {
				peerIP = tcpAddr.AddrPort().Addr().Unmap().String()
			}
		},
	}

	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), p.target.Method, p.url, nil)
	if err != nil {
		return protocol.NewHTTPResult(p.target, sendTime,
			protocol.Failure(protocol.FailureOther, fmt.Sprintf("create request failed: %v", err)))
	}
	req.Header.Set("User-Agent", userAgent)

	begin := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return protocol.NewHTTPResult(p.target, sendTime,
			protocol.Failure(classifyError(err, protocol.FailureHTTP), fmt.Sprintf("request failed: %v", err)))
	}
	elapsed := time.Since(begin)
	_ = resp.Body.Close()

	result := protocol.NewHTTPResult(p.target, sendTime, protocol.Success(elapsed))
	result.PeerIP = peerIP
	result.StatusCode = resp.StatusCode
	result.Version = resp.Proto
	return result
}
