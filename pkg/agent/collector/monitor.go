package collector

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	goerrors "github.com/go-errors/errors"
	"go.uber.org/zap"

	"github.com/dushixiang/pinger/internal/protocol"
	"github.com/dushixiang/pinger/internal/resolver"
)

const userAgent = "pinger/1.0"

// Prober 探测器，每次调用 Probe 执行一次完整探测
//
// 网络错误不会以 error 返回，而是体现在结果的 Outcome 中。
type Prober interface {
	// Name 探测目标的标识，用于日志与任务去重
	Name() string
	// Probe 执行一次探测
	Probe(ctx context.Context) protocol.Result
}

// HTTPBackend HTTP 探测的实现方式
type HTTPBackend string

const (
	// BackendRaw 手动完成解析、连接、TLS 与请求，可精确拿到对端地址
	BackendRaw HTTPBackend = "raw"
	// BackendPooled 基于 http.Client，支持 HTTP/2 协商
	BackendPooled HTTPBackend = "pooled"
)

// HTTPOptions HTTP 探测器配置
type HTTPOptions struct {
	Timeout  time.Duration
	Resolver resolver.Resolver
	RootCAs  *x509.CertPool // 为空时使用系统根证书
	Logger   *zap.Logger
}

// NewHTTPProber 按 backend 创建 HTTP 探测器
func NewHTTPProber(backend HTTPBackend, target protocol.HTTPTarget, opts HTTPOptions) (Prober, error) {
	switch backend {
	case BackendRaw, "":
		return NewRawHTTPProber(target, opts)
	case BackendPooled:
		return NewPooledHTTPProber(target, opts)
	default:
		return nil, fmt.Errorf("unsupported http backend: %s", backend)
	}
}

func orNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// race 在 timeout 内执行 probe
//
// 超时返回 Timeout；超时之后才返回的失败同样视为超时；probe 中的 panic 转换为失败。
func race(ctx context.Context, timeout time.Duration, logger *zap.Logger,
	probe func(ctx context.Context) protocol.Result,
	fallback func(outcome protocol.Outcome) protocol.Result) protocol.Result {

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan protocol.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				err := goerrors.Wrap(r, 2)
				logger.Error("探测异常", zap.String("stack", err.ErrorStack()))
				done <- fallback(protocol.Failure(protocol.FailureOther, fmt.Sprintf("probe panicked: %v", err)))
			}
		}()
		done <- probe(ctx)
	}()

	select {
	case result := <-done:
		if result.Outcome().IsFailure() && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fallback(protocol.Timeout())
		}
		return result
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fallback(protocol.Timeout())
		}
		return fallback(protocol.Failure(protocol.FailureOther, fmt.Sprintf("probe canceled: %v", ctx.Err())))
	}
}

// classifyError 按错误链判断失败分类，无法识别时返回 fallback
func classifyError(err error, fallback protocol.FailureType) protocol.FailureType {
	var resolveErr *resolver.ResolveError
	if errors.As(err, &resolveErr) {
		return protocol.FailureDNS
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return protocol.FailureDNS
	}

	var (
		unknownAuthority x509.UnknownAuthorityError
		hostnameErr      x509.HostnameError
		invalidCert      x509.CertificateInvalidError
		verifyErr        *tls.CertificateVerificationError
		recordErr        tls.RecordHeaderError
		alertErr         tls.AlertError
	)
	if errors.As(err, &unknownAuthority) || errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidCert) || errors.As(err, &verifyErr) ||
		errors.As(err, &recordErr) || errors.As(err, &alertErr) {
		return protocol.FailureTLS
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return protocol.FailureConnect
	}
	return fallback
}
