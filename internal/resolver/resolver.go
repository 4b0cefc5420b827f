// Package resolver 提供统一的域名解析接口，以及带缓存、并发限制和耗时统计的实现。
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"go.uber.org/zap"
)

// Resolver 域名解析接口
type Resolver interface {
	// Resolve 解析域名，返回有序的 IP 列表
	Resolve(ctx context.Context, name string) ([]netip.Addr, error)
}

// ErrorKind 解析失败分类
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindNoRecordsFound
	KindNoResolverAvailable
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindNoRecordsFound:
		return "no_records_found"
	case KindNoResolverAvailable:
		return "no_resolver_available"
	case KindTimeout:
		return "timeout"
	default:
		return "other"
	}
}

// ResolveError 解析错误
type ResolveError struct {
	Host string
	Kind ErrorKind
	Err  error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Host, e.Err)
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}

var errNoRecords = errors.New("no records found")

// KindOf 返回错误对应的解析失败分类
func KindOf(err error) ErrorKind {
	var resolveErr *ResolveError
	if errors.As(err, &resolveErr) {
		return resolveErr.Kind
	}
	return classify(err)
}

func classify(err error) ErrorKind {
	if err == nil {
		return KindOther
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, errNoRecords) {
		return KindNoRecordsFound
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		switch {
		case dnsErr.IsNotFound:
			return KindNoRecordsFound
		case dnsErr.IsTimeout:
			return KindTimeout
		}
		msg := strings.ToLower(dnsErr.Err)
		if strings.Contains(msg, "connection refused") ||
			strings.Contains(msg, "network is unreachable") ||
			strings.Contains(msg, "server misbehaving") ||
			strings.Contains(msg, "no such file or directory") {
			return KindNoResolverAvailable
		}
		return KindOther
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return KindTimeout
		}
		return KindNoResolverAvailable
	}
	return KindOther
}

// ResolveOne 解析域名并返回第一个地址
func ResolveOne(ctx context.Context, r Resolver, name string) (netip.Addr, error) {
	addrs, err := r.Resolve(ctx, name)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(addrs) == 0 {
		return netip.Addr{}, &ResolveError{Host: name, Kind: KindNoRecordsFound, Err: errNoRecords}
	}
	return addrs[0], nil
}

// Build 根据配置构建解析器，开启 DNS 统计时禁用缓存并包一层计时装饰器
func Build(opts Options, measureStats bool, reporter TimeReporter, logger *zap.Logger) Resolver {
	if measureStats {
		// 缓存命中会让解析耗时失真
		opts.CacheSize = 0
	}
	base := NewNetResolver(opts)

	logger.Info("DNS 解析器配置",
		zap.Int("cacheSize", opts.CacheSize),
		zap.Int("maxConcurrent", opts.MaxConcurrent),
		zap.Duration("timeout", opts.Timeout),
		zap.Strings("servers", opts.Servers),
		zap.Bool("measureStats", measureStats))

	if measureStats && reporter != nil {
		return NewTimedResolver(base, reporter, logger)
	}
	return base
}
