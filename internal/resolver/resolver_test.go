package resolver

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func countingLookup(calls *atomic.Int32, addrs ...string) lookupFunc {
	return func(ctx context.Context, host string) ([]netip.Addr, error) {
		calls.Add(1)
		out := make([]netip.Addr, 0, len(addrs))
		for _, a := range addrs {
			out = append(out, netip.MustParseAddr(a))
		}
		return out, nil
	}
}

func TestNetResolverLiteralIP(t *testing.T) {
	var calls atomic.Int32
	r := newNetResolver(Options{}, countingLookup(&calls, "10.0.0.1"))

	addrs, err := r.Resolve(context.Background(), "203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("203.0.113.5")}, addrs)

	addrs, err = r.Resolve(context.Background(), "::ffff:192.0.2.1")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("192.0.2.1")}, addrs)

	assert.Equal(t, int32(0), calls.Load(), "字面量 IP 不应发起查询")
}

func TestNetResolverUnmapsLookupResults(t *testing.T) {
	var calls atomic.Int32
	r := newNetResolver(Options{}, countingLookup(&calls, "::ffff:198.51.100.7", "2001:db8::1"))

	addrs, err := r.Resolve(context.Background(), "example.test")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{
		netip.MustParseAddr("198.51.100.7"),
		netip.MustParseAddr("2001:db8::1"),
	}, addrs)
}

func TestNetResolverCache(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		var calls atomic.Int32
		r := newNetResolver(Options{CacheSize: 0}, countingLookup(&calls, "10.0.0.1"))
		for i := 0; i < 3; i++ {
			_, err := r.Resolve(context.Background(), "a.test")
			require.NoError(t, err)
		}
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("bounded", func(t *testing.T) {
		var calls atomic.Int32
		r := newNetResolver(Options{CacheSize: 1, CacheTTL: time.Minute}, countingLookup(&calls, "10.0.0.1"))

		for i := 0; i < 3; i++ {
			_, err := r.Resolve(context.Background(), "a.test")
			require.NoError(t, err)
		}
		assert.Equal(t, int32(1), calls.Load(), "a.test 应命中缓存")

		// 缓存已满，b.test 不会被缓存
		for i := 0; i < 2; i++ {
			_, err := r.Resolve(context.Background(), "b.test")
			require.NoError(t, err)
		}
		assert.Equal(t, int32(3), calls.Load())
	})
}

func TestNetResolverErrors(t *testing.T) {
	tests := []struct {
		name   string
		lookup lookupFunc
		kind   ErrorKind
	}{
		{
			name: "not found",
			lookup: func(ctx context.Context, host string) ([]netip.Addr, error) {
				return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
			},
			kind: KindNoRecordsFound,
		},
		{
			name: "empty answer",
			lookup: func(ctx context.Context, host string) ([]netip.Addr, error) {
				return nil, nil
			},
			kind: KindNoRecordsFound,
		},
		{
			name: "server unreachable",
			lookup: func(ctx context.Context, host string) ([]netip.Addr, error) {
				return nil, &net.DNSError{Err: "read udp 127.0.0.1:53: connection refused", Name: host}
			},
			kind: KindNoResolverAvailable,
		},
		{
			name: "timeout",
			lookup: func(ctx context.Context, host string) ([]netip.Addr, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			kind: KindTimeout,
		},
		{
			name: "other",
			lookup: func(ctx context.Context, host string) ([]netip.Addr, error) {
				return nil, errors.New("boom")
			},
			kind: KindOther,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newNetResolver(Options{Timeout: 20 * time.Millisecond}, tt.lookup)
			_, err := r.Resolve(context.Background(), "example.test")
			require.Error(t, err)

			var resolveErr *ResolveError
			require.ErrorAs(t, err, &resolveErr)
			assert.Equal(t, "example.test", resolveErr.Host)
			assert.Equal(t, tt.kind, KindOf(err), "kind = %s", KindOf(err))
		})
	}
}

func TestNetResolverCoalescesConcurrentLookups(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	r := newNetResolver(Options{Timeout: time.Second}, func(ctx context.Context, host string) ([]netip.Addr, error) {
		calls.Add(1)
		<-release
		return []netip.Addr{netip.MustParseAddr("10.0.0.1")}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Resolve(context.Background(), "a.test")
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestNetResolverCoalescedCallersKeepOwnDeadline(t *testing.T) {
	var calls atomic.Int32
	r := newNetResolver(Options{Timeout: time.Second}, func(ctx context.Context, host string) ([]netip.Addr, error) {
		calls.Add(1)
		select {
		case <-time.After(200 * time.Millisecond):
			return []netip.Addr{netip.MustParseAddr("192.0.2.1")}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	shortErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := r.Resolve(ctx, "example.test")
		shortErr <- err
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	addrs, err := r.Resolve(ctx, "example.test")
	require.NoError(t, err, "较早超时的调用方不应影响合并等待的其他调用方")
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("192.0.2.1")}, addrs)
	assert.Equal(t, int32(1), calls.Load())

	err = <-shortErr
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestResolveOne(t *testing.T) {
	var calls atomic.Int32
	r := newNetResolver(Options{}, countingLookup(&calls, "10.0.0.2", "10.0.0.3"))

	addr, err := ResolveOne(context.Background(), r, "a.test")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), addr)
}

type resolveReport struct {
	host string
	err  error
}

type fakeReporter struct {
	mu      sync.Mutex
	reports []resolveReport
}

func (f *fakeReporter) ReportResolve(host string, elapsed time.Duration, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, resolveReport{host: host, err: err})
}

type stubResolver struct {
	addrs []netip.Addr
	err   error
}

func (s stubResolver) Resolve(ctx context.Context, name string) ([]netip.Addr, error) {
	return s.addrs, s.err
}

func TestTimedResolver(t *testing.T) {
	t.Run("passes results through unchanged", func(t *testing.T) {
		want := []netip.Addr{netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2")}
		reporter := &fakeReporter{}
		r := NewTimedResolver(stubResolver{addrs: want}, reporter, zap.NewNop())

		got, err := r.Resolve(context.Background(), "a.test")
		require.NoError(t, err)
		assert.Equal(t, want, got)
		require.Len(t, reporter.reports, 1)
		assert.Equal(t, "a.test", reporter.reports[0].host)
		assert.NoError(t, reporter.reports[0].err)
	})

	t.Run("reports errors", func(t *testing.T) {
		wantErr := &ResolveError{Host: "a.test", Kind: KindTimeout, Err: context.DeadlineExceeded}
		reporter := &fakeReporter{}
		r := NewTimedResolver(stubResolver{err: wantErr}, reporter, zap.NewNop())

		_, err := r.Resolve(context.Background(), "a.test")
		assert.Same(t, wantErr, err)
		require.Len(t, reporter.reports, 1)
		assert.Equal(t, KindTimeout, KindOf(reporter.reports[0].err))
	})

	t.Run("literal ip is not timed", func(t *testing.T) {
		reporter := &fakeReporter{}
		r := NewTimedResolver(stubResolver{addrs: []netip.Addr{netip.MustParseAddr("10.0.0.1")}}, reporter, zap.NewNop())

		_, err := r.Resolve(context.Background(), "10.0.0.1")
		require.NoError(t, err)
		assert.Empty(t, reporter.reports)
	})
}

func TestBuild(t *testing.T) {
	reporter := &fakeReporter{}

	r := Build(Options{CacheSize: 10}, true, reporter, zap.NewNop())
	timed, ok := r.(*TimedResolver)
	require.True(t, ok, "开启 DNS 统计时应包装计时解析器")
	base, ok := timed.next.(*NetResolver)
	require.True(t, ok)
	assert.Nil(t, base.cache, "开启 DNS 统计时应禁用缓存")

	r = Build(Options{CacheSize: 10}, false, reporter, zap.NewNop())
	base, ok = r.(*NetResolver)
	require.True(t, ok)
	assert.NotNil(t, base.cache)
}
