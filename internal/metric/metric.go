// Package metric 把探测结果聚合为 Prometheus 指标。
//
// PingMetrics 在进程启动时创建一次，被所有调度任务并发写入，并由指标服务读取。
// 每个标签组合对应一个独立的序列，序列按需创建、进程内不会删除。
package metric

import (
	"time"

	"github.com/dushixiang/pinger/internal/protocol"
	"github.com/dushixiang/pinger/internal/resolver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// TimeoutValueUs 失败或超时时写入延迟 gauge 的哨兵值（微秒）
const TimeoutValueUs = float64(10 * time.Second / time.Microsecond)

// LatencyBuckets 延迟直方图的桶边界：100us 到 2s，指数分布共 20 个
func LatencyBuckets() []float64 {
	return prometheus.ExponentialBucketsRange(100, 2e6, 20)
}

// PingMetrics 探测指标聚合器
type PingMetrics struct {
	registry *prometheus.Registry

	httpResponseTimeHistogram *prometheus.HistogramVec
	httpResponseTime          *prometheus.GaugeVec
	httpFailure               *prometheus.CounterVec

	tcpResponseTimeHistogram *prometheus.HistogramVec
	tcpResponseTime          *prometheus.GaugeVec
	tcpResolveTimeHistogram  *prometheus.HistogramVec
	tcpFailure               *prometheus.CounterVec

	resolveTimeHistogram *prometheus.HistogramVec
	resolveTime          *prometheus.GaugeVec
	resolveFailure       *prometheus.CounterVec

	icmpRTTHistogram *prometheus.HistogramVec
	icmpPacketLoss   *prometheus.GaugeVec
	icmpFailure      *prometheus.CounterVec
}

var _ resolver.TimeReporter = (*PingMetrics)(nil)

func newHistogram(name, help string, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    name,
		Help:    help,
		Buckets: LatencyBuckets(),
	}, labels)
}

func newGauge(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
}

func newCounter(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
}

// New 创建指标聚合器，并注册 Go 运行时与进程指标
func New() *PingMetrics {
	m := &PingMetrics{
		registry: prometheus.NewRegistry(),

		httpResponseTimeHistogram: newHistogram("http_ping_response_time_histogram_us",
			"HTTP ping response time histogram in us - updates with each ping", httpLatencyLabels),
		httpResponseTime: newGauge("http_ping_response_time_us",
			"HTTP ping response time in us - updates with each ping", httpTargetLabels),
		httpFailure: newCounter("http_ping_failure",
			"Failure number of HTTP ping requests", httpFailureLabels),

		tcpResponseTimeHistogram: newHistogram("tcp_ping_response_time_histogram_us",
			"TCP ping connection established time histogram in us - updates with each ping", tcpTargetLabels),
		tcpResponseTime: newGauge("tcp_ping_response_time_us",
			"TCP ping connection established time in us - updates with each ping", tcpTargetLabels),
		tcpResolveTimeHistogram: newHistogram("tcp_ping_resolve_time_histogram_us",
			"TCP ping in-attempt DNS resolve time histogram in us - present for always-resolve targets", tcpTargetLabels),
		tcpFailure: newCounter("tcp_ping_failure",
			"Failure number of TCP ping requests", tcpFailureLabels),

		resolveTimeHistogram: newHistogram("resolve_time_histogram_us",
			"DNS resolve time histogram in us - present when DNS is timed", resolveLabels),
		resolveTime: newGauge("resolve_time_us",
			"DNS resolve time in us - updates with each resolution", resolveLabels),
		resolveFailure: newCounter("resolve_failure",
			"DNS resolution error count - present when DNS is timed", resolveErrorLabels),

		icmpRTTHistogram: newHistogram("icmp_ping_rtt_histogram_us",
			"ICMP ping average round trip time histogram in us", icmpTargetLabels),
		icmpPacketLoss: newGauge("icmp_ping_packet_loss_ratio",
			"ICMP ping packet loss ratio (0-1) of the latest probe", icmpTargetLabels),
		icmpFailure: newCounter("icmp_ping_failure",
			"Failure number of ICMP ping probes", icmpFailureLabels),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpResponseTimeHistogram, m.httpResponseTime, m.httpFailure,
		m.tcpResponseTimeHistogram, m.tcpResponseTime, m.tcpResolveTimeHistogram, m.tcpFailure,
		m.resolveTimeHistogram, m.resolveTime, m.resolveFailure,
		m.icmpRTTHistogram, m.icmpPacketLoss, m.icmpFailure,
	)
	return m
}

// Gatherer 返回只读的指标采集入口，供指标服务编码输出
func (m *PingMetrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Record 记录一次探测结果
func (m *PingMetrics) Record(result protocol.Result) {
	switch r := result.(type) {
	case *protocol.HTTPResult:
		m.RecordHTTP(r)
	case *protocol.TCPResult:
		m.RecordTCP(r)
	case *protocol.ICMPResult:
		m.RecordICMP(r)
	}
}

// RecordHTTP 记录 HTTP 探测结果
func (m *PingMetrics) RecordHTTP(r *protocol.HTTPResult) {
	outcome := r.Outcome()
	if outcome.Status == protocol.StatusSuccess {
		us := micros(outcome.Latency)
		m.httpResponseTimeHistogram.With(httpLatency(r)).Observe(us)
		m.httpResponseTime.With(httpTarget(r)).Set(us)
		return
	}
	m.httpFailure.With(httpFailure(r)).Inc()
	m.httpResponseTime.With(httpTarget(r)).Set(TimeoutValueUs)
}

// RecordTCP 记录 TCP 探测结果
func (m *PingMetrics) RecordTCP(r *protocol.TCPResult) {
	outcome := r.Outcome()
	if outcome.Status == protocol.StatusSuccess {
		us := micros(outcome.Latency)
		labels := tcpTarget(r)
		m.tcpResponseTimeHistogram.With(labels).Observe(us)
		m.tcpResponseTime.With(labels).Set(us)
		if r.ResolveTime != nil {
			m.tcpResolveTimeHistogram.With(labels).Observe(micros(*r.ResolveTime))
		}
		return
	}
	m.tcpFailure.With(tcpFailure(r)).Inc()
	m.tcpResponseTime.With(tcpTarget(r)).Set(TimeoutValueUs)
}

// RecordICMP 记录 ICMP 探测结果
func (m *PingMetrics) RecordICMP(r *protocol.ICMPResult) {
	outcome := r.Outcome()
	labels := prometheus.Labels{LabelHost: r.Target.Host}
	if r.PacketsSent > 0 {
		m.icmpPacketLoss.With(labels).Set(r.PacketLoss / 100)
	}
	if outcome.Status == protocol.StatusSuccess {
		m.icmpRTTHistogram.With(labels).Observe(micros(outcome.Latency))
		return
	}
	m.icmpFailure.With(icmpFailure(r)).Inc()
}

// ReportResolve 记录一次 DNS 解析的耗时或失败
func (m *PingMetrics) ReportResolve(host string, elapsed time.Duration, err error) {
	labels := prometheus.Labels{LabelHost: host}
	if err != nil {
		m.resolveTime.With(labels).Set(TimeoutValueUs)
		m.resolveFailure.With(prometheus.Labels{
			LabelHost:      host,
			LabelErrorType: resolver.KindOf(err).String(),
		}).Inc()
		return
	}
	us := micros(elapsed)
	m.resolveTimeHistogram.With(labels).Observe(us)
	m.resolveTime.With(labels).Set(us)
}

func micros(d time.Duration) float64 {
	return float64(d) / float64(time.Microsecond)
}
