package collector

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/dushixiang/pinger/internal/protocol"
	"github.com/dushixiang/pinger/internal/resolver"
)

// RawHTTPProber 逐步完成 解析 -> 连接 -> TLS -> 请求 的 HTTP 探测器
type RawHTTPProber struct {
	target    protocol.HTTPTarget
	url       *url.URL
	host      string
	port      uint16
	timeout   time.Duration
	tlsConfig *tls.Config
	resolver  resolver.Resolver
	dialer    net.Dialer
	logger    *zap.Logger
}

// NewRawHTTPProber 创建 HTTP 探测器，URL 与方法在此处校验
func NewRawHTTPProber(target protocol.HTTPTarget, opts HTTPOptions) (*RawHTTPProber, error) {
	target, u, port, err := parseHTTPTarget(target)
	if err != nil {
		return nil, err
	}
	if opts.Resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}

	p := &RawHTTPProber{
		target:   target,
		url:      u,
		host:     u.Hostname(),
		port:     port,
		timeout:  opts.Timeout,
		resolver: opts.Resolver,
		dialer:   net.Dialer{Timeout: opts.Timeout},
		logger:   orNop(opts.Logger),
	}

	if u.Scheme == "https" {
		roots := opts.RootCAs
		if roots == nil {
			roots, err = x509.SystemCertPool()
			if err != nil {
				return nil, fmt.Errorf("load system root certificates: %w", err)
			}
		}
		p.tlsConfig = &tls.Config{
			ServerName: p.host,
			RootCAs:    roots,
			NextProtos: []string{"http/1.1"},
			MinVersion: tls.VersionTLS12,
		}
	}
	return p, nil
}

func (p *RawHTTPProber) Name() string {
	return p.target.Method + " " + p.target.URL
}

// Probe 执行一次 HTTP 探测
func (p *RawHTTPProber) Probe(ctx context.Context) protocol.Result {
	sendTime := time.Now()
	return race(ctx, p.timeout, p.logger,
		func(ctx context.Context) protocol.Result {
			return p.probe(ctx, sendTime)
		},
		func(outcome protocol.Outcome) protocol.Result {
			return protocol.NewHTTPResult(p.target, sendTime, outcome)
		})
}

func (p *RawHTTPProber) probe(ctx context.Context, sendTime time.Time) protocol.Result {
	fail := func(failureType protocol.FailureType, format string, err error) protocol.Result {
		return protocol.NewHTTPResult(p.target, sendTime, protocol.Failure(failureType, fmt.Sprintf(format, err)))
	}

	ip, err := resolver.ResolveOne(ctx, p.resolver, p.host)
	if err != nil {
		return fail(protocol.FailureDNS, "resolve failed: %v", err)
	}

	begin := time.Now()
	conn, err := p.dialer.DialContext(ctx, "tcp", netip.AddrPortFrom(ip, p.port).String())
	if err != nil {
		return fail(classifyError(err, protocol.FailureConnect), "connection failed: %v", err)
	}
	defer conn.Close()
	// 超时或取消时关闭连接，解除阻塞中的读写
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	peer := conn.RemoteAddr()

	if p.tlsConfig != nil {
		tlsConn := tls.Client(conn, p.tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return fail(classifyError(err, protocol.FailureTLS), "tls handshake failed: %v", err)
		}
		conn = tlsConn
	}

	req := p.newRequest()
	if err := req.Write(conn); err != nil {
		return fail(classifyError(err, protocol.FailureConnect), "write request failed: %v", err)
	}

	resp, err := p.drive(ctx, conn, req)
	if err != nil {
		return fail(classifyError(err, protocol.FailureHTTP), "request failed: %v", err)
	}

	result := protocol.NewHTTPResult(p.target, sendTime, protocol.Success(time.Since(begin)))
	if tcpAddr, ok := peer.(*net.TCPAddr); ok {
		result.PeerIP = tcpAddr.AddrPort().Addr().Unmap().String()
	}
	result.StatusCode = resp.StatusCode
	result.Version = resp.Proto
	return result
}

// drive 在独立的 goroutine 中读取响应，读取过程中的错误与 panic 都会转换为 error
func (p *RawHTTPProber) drive(ctx context.Context, conn net.Conn, req *http.Request) (*http.Response, error) {
	type reply struct {
		resp *http.Response
		err  error
	}
	replies := make(chan reply, 1)

	go func() {
		var r reply
		if recovered := panics.Try(func() {
			r.resp, r.err = http.ReadResponse(bufio.NewReader(conn), req)
			if r.err == nil {
				_ = r.resp.Body.Close()
			}
		}); recovered != nil {
			p.logger.Error("读取 HTTP 响应异常", zap.String("url", p.target.URL), zap.String("panic", recovered.String()))
			r = reply{err: recovered.AsError()}
		}
		replies <- r
	}()

	select {
	case r := <-replies:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *RawHTTPProber) newRequest() *http.Request {
	return &http.Request{
		Method:     p.target.Method,
		URL:        p.url,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{"User-Agent": {userAgent}},
		Host:       p.url.Host,
		Close:      true,
	}
}

// parseHTTPTarget 校验并规范化 HTTP 目标，返回请求 URL 与连接端口
func parseHTTPTarget(target protocol.HTTPTarget) (protocol.HTTPTarget, *url.URL, uint16, error) {
	method := strings.ToUpper(strings.TrimSpace(target.Method))
	if method == "" {
		method = http.MethodGet
	}
	if !validMethod(method) {
		return target, nil, 0, fmt.Errorf("invalid http method: %q", target.Method)
	}

	raw := strings.TrimSpace(target.URL)
	u, err := url.Parse(raw)
	if err != nil {
		return target, nil, 0, fmt.Errorf("invalid url %q: %w", raw, err)
	}

	var port uint16
	switch u.Scheme {
	case "http":
		port = 80
	case "https":
		port = 443
	default:
		return target, nil, 0, fmt.Errorf("invalid url %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Hostname() == "" {
		return target, nil, 0, fmt.Errorf("invalid url %q: host is missing", raw)
	}
	if u.User != nil {
		return target, nil, 0, fmt.Errorf("invalid url %q: credentials are not supported", raw)
	}
	if s := u.Port(); s != "" {
		n, err := strconv.ParseUint(s, 10, 16)
		if err != nil || n == 0 {
			return target, nil, 0, fmt.Errorf("invalid url %q: bad port %q", raw, s)
		}
		port = uint16(n)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	u.Fragment = ""

	return protocol.HTTPTarget{URL: raw, Method: method}, u, port, nil
}

func validMethod(method string) bool {
	for _, c := range method {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case strings.ContainsRune("!#$%&'*+-.^_`|~", c):
		default:
			return false
		}
	}
	return method != ""
}
