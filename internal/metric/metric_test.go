package metric

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dushixiang/pinger/internal/protocol"
	"github.com/dushixiang/pinger/internal/resolver"
)

var httpTargetFixture = protocol.HTTPTarget{URL: "https://example.com", Method: "HEAD"}

func httpSuccess(latency time.Duration) *protocol.HTTPResult {
	r := protocol.NewHTTPResult(httpTargetFixture, time.Now(), protocol.Success(latency))
	r.StatusCode = 200
	r.Version = "HTTP/1.1"
	return r
}

// histogramCount 返回指定序列的观测次数
func histogramCount(t *testing.T, g prometheus.Gatherer, name string, labels prometheus.Labels) uint64 {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matchLabels(m, labels) {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(m *dto.Metric, labels prometheus.Labels) bool {
	if len(m.GetLabel()) != len(labels) {
		return false
	}
	for _, lp := range m.GetLabel() {
		if labels[lp.GetName()] != lp.GetValue() {
			return false
		}
	}
	return true
}

func TestLatencyBuckets(t *testing.T) {
	buckets := LatencyBuckets()
	require.Len(t, buckets, 20)
	assert.InDelta(t, 100, buckets[0], 1e-6)
	assert.InDelta(t, 2e6, buckets[19], 1e-3)
	for i := 1; i < len(buckets); i++ {
		assert.Greater(t, buckets[i], buckets[i-1])
	}
}

func TestRecordHTTPSuccess(t *testing.T) {
	m := New()
	m.Record(httpSuccess(1500 * time.Microsecond))

	target := prometheus.Labels{LabelURL: "https://example.com", LabelMethod: "HEAD"}
	assert.InDelta(t, 1500, testutil.ToFloat64(m.httpResponseTime.With(target)), 1e-9)

	latency := prometheus.Labels{
		LabelURL: "https://example.com", LabelMethod: "HEAD",
		LabelStatusCode: "200", LabelVersion: "HTTP/1.1",
	}
	assert.Equal(t, uint64(1), histogramCount(t, m.Gatherer(), "http_ping_response_time_histogram_us", latency))
	assert.Equal(t, 0, testutil.CollectAndCount(m.httpFailure), "成功不应产生失败计数")
}

func TestRecordHTTPFailureAndTimeout(t *testing.T) {
	m := New()
	failure := protocol.NewHTTPResult(httpTargetFixture, time.Now(), protocol.Failure(protocol.FailureConnect, "connection refused"))
	for i := 0; i < 3; i++ {
		m.Record(failure)
	}
	m.Record(protocol.NewHTTPResult(httpTargetFixture, time.Now(), protocol.Timeout()))

	failureLabels := prometheus.Labels{
		LabelURL: "https://example.com", LabelMethod: "HEAD",
		LabelStatus: "failure", LabelFailureType: "connect",
	}
	timeoutLabels := prometheus.Labels{
		LabelURL: "https://example.com", LabelMethod: "HEAD",
		LabelStatus: "timeout", LabelFailureType: "timeout",
	}
	assert.Equal(t, float64(3), testutil.ToFloat64(m.httpFailure.With(failureLabels)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.httpFailure.With(timeoutLabels)))

	target := prometheus.Labels{LabelURL: "https://example.com", LabelMethod: "HEAD"}
	assert.Equal(t, TimeoutValueUs, testutil.ToFloat64(m.httpResponseTime.With(target)))
	assert.Equal(t, 0, testutil.CollectAndCount(m.httpResponseTimeHistogram))
}

func TestRecordTCP(t *testing.T) {
	m := New()
	target := protocol.TCPTarget{Host: "example.com", Port: 443, AlwaysResolve: true}
	labels := prometheus.Labels{LabelHost: "example.com", LabelPort: "443"}

	resolveTime := 300 * time.Microsecond
	r := protocol.NewTCPResult(target, time.Now(), protocol.Success(2*time.Millisecond))
	r.Address = netip.MustParseAddrPort("192.0.2.1:443")
	r.NewlyResolved = true
	r.ResolveTime = &resolveTime
	m.Record(r)

	assert.InDelta(t, 2000, testutil.ToFloat64(m.tcpResponseTime.With(labels)), 1e-9)
	assert.Equal(t, uint64(1), histogramCount(t, m.Gatherer(), "tcp_ping_response_time_histogram_us", labels))
	assert.Equal(t, uint64(1), histogramCount(t, m.Gatherer(), "tcp_ping_resolve_time_histogram_us", labels))

	// 未解析的探测不记录解析耗时
	m.Record(protocol.NewTCPResult(target, time.Now(), protocol.Success(time.Millisecond)))
	assert.Equal(t, uint64(2), histogramCount(t, m.Gatherer(), "tcp_ping_response_time_histogram_us", labels))
	assert.Equal(t, uint64(1), histogramCount(t, m.Gatherer(), "tcp_ping_resolve_time_histogram_us", labels))

	m.Record(protocol.NewTCPResult(target, time.Now(), protocol.Failure(protocol.FailureConnect, "refused")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.tcpFailure.With(prometheus.Labels{
		LabelHost: "example.com", LabelPort: "443", LabelStatus: "failure", LabelFailureType: "connect",
	})))
	assert.Equal(t, TimeoutValueUs, testutil.ToFloat64(m.tcpResponseTime.With(labels)))
}

func TestRecordICMP(t *testing.T) {
	m := New()
	target := protocol.ICMPTarget{Host: "192.0.2.1", Count: 4}
	labels := prometheus.Labels{LabelHost: "192.0.2.1"}

	r := protocol.NewICMPResult(target, time.Now(), protocol.Success(5*time.Millisecond))
	r.PacketsSent = 4
	r.PacketsRecv = 3
	r.PacketLoss = 25
	m.Record(r)

	assert.InDelta(t, 0.25, testutil.ToFloat64(m.icmpPacketLoss.With(labels)), 1e-9)
	assert.Equal(t, uint64(1), histogramCount(t, m.Gatherer(), "icmp_ping_rtt_histogram_us", labels))

	lost := protocol.NewICMPResult(target, time.Now(), protocol.Failure(protocol.FailureOther, "all 4 ping attempts failed"))
	lost.PacketsSent = 4
	lost.PacketLoss = 100
	m.Record(lost)
	assert.InDelta(t, 1, testutil.ToFloat64(m.icmpPacketLoss.With(labels)), 1e-9)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.icmpFailure.With(prometheus.Labels{
		LabelHost: "192.0.2.1", LabelStatus: "failure", LabelFailureType: "other",
	})))
}

func TestReportResolve(t *testing.T) {
	m := New()
	labels := prometheus.Labels{LabelHost: "example.com"}

	m.ReportResolve("example.com", 800*time.Microsecond, nil)
	assert.InDelta(t, 800, testutil.ToFloat64(m.resolveTime.With(labels)), 1e-9)
	assert.Equal(t, uint64(1), histogramCount(t, m.Gatherer(), "resolve_time_histogram_us", labels))

	m.ReportResolve("example.com", time.Second, &resolver.ResolveError{
		Host: "example.com", Kind: resolver.KindTimeout, Err: context.DeadlineExceeded,
	})
	m.ReportResolve("example.com", time.Millisecond, errors.New("boom"))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.resolveFailure.With(prometheus.Labels{
		LabelHost: "example.com", LabelErrorType: "timeout",
	})))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.resolveFailure.With(prometheus.Labels{
		LabelHost: "example.com", LabelErrorType: "other",
	})))
	assert.Equal(t, TimeoutValueUs, testutil.ToFloat64(m.resolveTime.With(labels)))
}

func TestGathererIncludesRuntimeMetrics(t *testing.T) {
	m := New()
	m.Record(httpSuccess(time.Millisecond))

	families, err := m.Gatherer().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["go_goroutines"])
	assert.True(t, names["http_ping_response_time_us"])
	assert.True(t, names["http_ping_response_time_histogram_us"])
}
