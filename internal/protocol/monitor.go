package protocol

import (
	"net/netip"
	"strconv"
	"time"
)

// HTTPTarget HTTP 探测目标
type HTTPTarget struct {
	URL    string `json:"url" yaml:"url" toml:"url" validate:"required"`
	Method string `json:"method" yaml:"method" toml:"method"`
}

// TCPTarget TCP 探测目标
type TCPTarget struct {
	Host          string `json:"host" yaml:"host" toml:"host" validate:"required"`
	Port          uint16 `json:"port" yaml:"port" toml:"port" validate:"required"`
	AlwaysResolve bool   `json:"always_resolve" yaml:"always_resolve" toml:"always_resolve"`
}

// Address 返回 host:port 形式的地址
func (t TCPTarget) Address() string {
	host := t.Host
	if addr, err := netip.ParseAddr(host); err == nil && addr.Is6() {
		host = "[" + host + "]"
	}
	return host + ":" + strconv.Itoa(int(t.Port))
}

// ICMPTarget ICMP 探测目标
type ICMPTarget struct {
	Host  string `json:"host" yaml:"host" toml:"host" validate:"required"`
	Count int    `json:"count" yaml:"count" toml:"count"` // 每次探测发送的包数
}

// Status 探测结果状态
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusTimeout Status = "timeout"
)

// FailureType 失败分类
type FailureType string

const (
	FailureNone    FailureType = ""
	FailureDNS     FailureType = "dns"
	FailureConnect FailureType = "connect"
	FailureTLS     FailureType = "tls"
	FailureHTTP    FailureType = "http"
	FailureOther   FailureType = "other"
	FailureTimeout FailureType = "timeout"
)

// Outcome 一次探测的结果，Success/Failure/Timeout 三者只会成立其一
type Outcome struct {
	Status      Status
	Latency     time.Duration // 仅 Success 有效
	Reason      string        // 仅 Failure 有效
	FailureType FailureType
}

// Success 构造成功结果
func Success(latency time.Duration) Outcome {
	return Outcome{Status: StatusSuccess, Latency: latency}
}

// Failure 构造失败结果
func Failure(failureType FailureType, reason string) Outcome {
	if failureType == FailureNone {
		failureType = FailureOther
	}
	return Outcome{Status: StatusFailure, Reason: reason, FailureType: failureType}
}

// Timeout 构造超时结果
func Timeout() Outcome {
	return Outcome{Status: StatusTimeout, FailureType: FailureTimeout}
}

// IsFailure 是否为失败（超时不算）
func (o Outcome) IsFailure() bool {
	return o.Status == StatusFailure
}

// Result 探测结果（HTTPResult / TCPResult / ICMPResult）
type Result interface {
	Outcome() Outcome
	result()
}

// HTTPResult HTTP 探测结果
type HTTPResult struct {
	Target     HTTPTarget
	PeerIP     string
	SendTime   time.Time
	StatusCode int
	Version    string
	outcome    Outcome
}

// NewHTTPResult 创建 HTTP 探测结果
func NewHTTPResult(target HTTPTarget, sendTime time.Time, outcome Outcome) *HTTPResult {
	return &HTTPResult{Target: target, SendTime: sendTime, outcome: outcome}
}

func (r *HTTPResult) Outcome() Outcome { return r.outcome }
func (*HTTPResult) result()            {}

// TCPResult TCP 探测结果
type TCPResult struct {
	Target        TCPTarget
	Address       netip.AddrPort // 实际连接的地址
	NewlyResolved bool           // 本次探测是否做了 DNS 解析
	ResolveTime   *time.Duration // 仅在本次探测解析过时存在
	SendTime      time.Time
	outcome       Outcome
}

// NewTCPResult 创建 TCP 探测结果
func NewTCPResult(target TCPTarget, sendTime time.Time, outcome Outcome) *TCPResult {
	return &TCPResult{Target: target, SendTime: sendTime, outcome: outcome}
}

func (r *TCPResult) Outcome() Outcome { return r.outcome }
func (*TCPResult) result()            {}

// ICMPResult ICMP 探测结果
type ICMPResult struct {
	Target      ICMPTarget
	PacketsSent int
	PacketsRecv int
	PacketLoss  float64 // 百分比
	SendTime    time.Time
	outcome     Outcome
}

// NewICMPResult 创建 ICMP 探测结果
func NewICMPResult(target ICMPTarget, sendTime time.Time, outcome Outcome) *ICMPResult {
	return &ICMPResult{Target: target, SendTime: sendTime, outcome: outcome}
}

func (r *ICMPResult) Outcome() Outcome { return r.outcome }
func (*ICMPResult) result()            {}
