package metric

import (
	"strconv"

	"github.com/dushixiang/pinger/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
)

// 标签名
const (
	LabelURL         = "url"
	LabelMethod      = "method"
	LabelStatus      = "status"
	LabelStatusCode  = "status_code"
	LabelVersion     = "version"
	LabelFailureType = "failure_type"
	LabelHost        = "host"
	LabelPort        = "port"
	LabelErrorType   = "error_type"
)

var (
	httpTargetLabels   = []string{LabelURL, LabelMethod}
	httpLatencyLabels  = []string{LabelURL, LabelMethod, LabelStatusCode, LabelVersion}
	httpFailureLabels  = []string{LabelURL, LabelMethod, LabelStatus, LabelFailureType}
	tcpTargetLabels    = []string{LabelHost, LabelPort}
	tcpFailureLabels   = []string{LabelHost, LabelPort, LabelStatus, LabelFailureType}
	resolveLabels      = []string{LabelHost}
	resolveErrorLabels = []string{LabelHost, LabelErrorType}
	icmpTargetLabels   = []string{LabelHost}
	icmpFailureLabels  = []string{LabelHost, LabelStatus, LabelFailureType}
)

func httpTarget(r *protocol.HTTPResult) prometheus.Labels {
	return prometheus.Labels{
		LabelURL:    r.Target.URL,
		LabelMethod: r.Target.Method,
	}
}

func httpLatency(r *protocol.HTTPResult) prometheus.Labels {
	labels := httpTarget(r)
	labels[LabelStatusCode] = strconv.Itoa(r.StatusCode)
	labels[LabelVersion] = r.Version
	return labels
}

func httpFailure(r *protocol.HTTPResult) prometheus.Labels {
	outcome := r.Outcome()
	labels := httpTarget(r)
	labels[LabelStatus] = string(outcome.Status)
	labels[LabelFailureType] = string(outcome.FailureType)
	return labels
}

func tcpTarget(r *protocol.TCPResult) prometheus.Labels {
	return prometheus.Labels{
		LabelHost: r.Target.Host,
		LabelPort: strconv.Itoa(int(r.Target.Port)),
	}
}

func tcpFailure(r *protocol.TCPResult) prometheus.Labels {
	outcome := r.Outcome()
	labels := tcpTarget(r)
	labels[LabelStatus] = string(outcome.Status)
	labels[LabelFailureType] = string(outcome.FailureType)
	return labels
}

func icmpFailure(r *protocol.ICMPResult) prometheus.Labels {
	outcome := r.Outcome()
	return prometheus.Labels{
		LabelHost:        r.Target.Host,
		LabelStatus:      string(outcome.Status),
		LabelFailureType: string(outcome.FailureType),
	}
}
