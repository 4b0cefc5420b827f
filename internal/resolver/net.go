package resolver

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-orz/cache"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultCacheTTL      = 30 * time.Second
	DefaultMaxConcurrent = 10
	DefaultTimeout       = 5 * time.Second
)

// Options 解析器配置
type Options struct {
	CacheSize     int           // 缓存的域名数量上限，0 表示不缓存
	CacheTTL      time.Duration // 缓存有效期
	MaxConcurrent int           // 同时进行的解析请求上限
	Timeout       time.Duration // 单次解析超时
	Servers       []string      // 指定的 DNS 服务器（host:port），为空使用系统配置
}

type lookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// NetResolver 基于 net.Resolver 的解析器
type NetResolver struct {
	lookup    lookupFunc
	timeout   time.Duration
	sem       *semaphore.Weighted
	group     singleflight.Group
	cacheSize int
	cacheTTL  time.Duration
	cache     cache.Cache[string, []netip.Addr]

	mu     sync.Mutex
	cached map[string]struct{}
}

// NewNetResolver 创建解析器
func NewNetResolver(opts Options) *NetResolver {
	r := &net.Resolver{}
	if len(opts.Servers) > 0 {
		servers := append([]string(nil), opts.Servers...)
		var next atomic.Uint32
		r.PreferGo = true
		r.Dial = func(ctx context.Context, network, _ string) (net.Conn, error) {
			server := servers[int(next.Add(1)-1)%len(servers)]
			var d net.Dialer
			return d.DialContext(ctx, network, server)
		}
	}
	return newNetResolver(opts, func(ctx context.Context, host string) ([]netip.Addr, error) {
		return r.LookupNetIP(ctx, "ip", host)
	})
}

func newNetResolver(opts Options, lookup lookupFunc) *NetResolver {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}

	nr := &NetResolver{
		lookup:    lookup,
		timeout:   opts.Timeout,
		sem:       semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		cacheSize: opts.CacheSize,
		cacheTTL:  opts.CacheTTL,
	}
	if opts.CacheSize > 0 {
		nr.cache = cache.New[string, []netip.Addr](opts.CacheTTL)
		nr.cached = make(map[string]struct{}, opts.CacheSize)
	}
	return nr
}

// Resolve 解析域名；字面量 IP 直接返回，不发起查询
func (r *NetResolver) Resolve(ctx context.Context, name string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(name); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}

	if r.cache != nil {
		if addrs, ok := r.cache.Get(name); ok {
			return addrs, nil
		}
	}

	// 相同域名的并发查询合并为一次；共享的查询只受解析超时限制，各调用方的 ctx 只作用于自己的等待
	shared := context.WithoutCancel(ctx)
	ch := r.group.DoChan(name, func() (any, error) {
		return r.resolve(shared, name)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]netip.Addr), nil
	case <-ctx.Done():
		return nil, &ResolveError{Host: name, Kind: classify(ctx.Err()), Err: ctx.Err()}
	}
}

func (r *NetResolver) resolve(ctx context.Context, name string) ([]netip.Addr, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, &ResolveError{Host: name, Kind: classify(err), Err: err}
	}
	defer r.sem.Release(1)

	addrs, err := r.lookup(ctx, name)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &ResolveError{Host: name, Kind: KindTimeout, Err: err}
		}
		return nil, &ResolveError{Host: name, Kind: classify(err), Err: err}
	}
	if len(addrs) == 0 {
		return nil, &ResolveError{Host: name, Kind: KindNoRecordsFound, Err: errNoRecords}
	}

	out := make([]netip.Addr, len(addrs))
	for i, addr := range addrs {
		out[i] = addr.Unmap()
	}
	r.store(name, out)
	return out, nil
}

func (r *NetResolver) store(name string, addrs []netip.Addr) {
	if r.cache == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cached[name]; !ok {
		if len(r.cached) >= r.cacheSize {
			return
		}
		r.cached[name] = struct{}{}
	}
	r.cache.Set(name, addrs, r.cacheTTL)
}
