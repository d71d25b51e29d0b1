package comlink

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricCallCount              = []string{"comlink", "call", "count"}
	MetricCallLatencyMs          = []string{"comlink", "call", "latency", "ms"}
	MetricCallbackResolvedCount  = []string{"comlink", "callback", "resolved", "count"}
	MetricCallbackRejectedCount  = []string{"comlink", "callback", "rejected", "count"}
	MetricCallbackTimeoutCount   = []string{"comlink", "callback", "timeout", "count"}
	MetricCallbackSlowCount      = []string{"comlink", "callback", "slow", "count"}
	MetricMessageInCount         = []string{"comlink", "message", "in", "count"}
	MetricMessageOutCount        = []string{"comlink", "message", "out", "count"}
	MetricMessageOutErrorCount   = []string{"comlink", "message", "out", "error", "count"}
	MetricMessageDroppedCount    = []string{"comlink", "message", "dropped", "count"}
	MetricMessageDeferredCount   = []string{"comlink", "message", "deferred", "count"}
	MetricForwardCount           = []string{"comlink", "forward", "count"}
	MetricForwardCycleCount      = []string{"comlink", "forward", "cycle", "count"}
	MetricEnvironmentsRegistered = []string{"comlink", "environments", "registered"}
	MetricEnvironmentsCleared    = []string{"comlink", "environments", "cleared", "count"}
	MetricEventCount             = []string{"comlink", "event", "count"}
)

type TelemetryLabel string

var (
	LabelError       TelemetryLabel = "error"
	LabelEnvID       TelemetryLabel = "env_id"
	LabelSelfID      TelemetryLabel = "self_id"
	LabelAPI         TelemetryLabel = "api"
	LabelMethod      TelemetryLabel = "method"
	LabelMessageType TelemetryLabel = "message_type"
	LabelCallbackID  TelemetryLabel = "callback_id"
	LabelHandlerID   TelemetryLabel = "handler_id"
	LabelOrigin      TelemetryLabel = "origin"
	LabelChain       TelemetryLabel = "forwarding_chain"
	LabelDuration    TelemetryLabel = "duration"
	LabelPeerAddr    TelemetryLabel = "peer_addr"
	LabelPeerName    TelemetryLabel = "peer_name"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// labels appends dynamic labels to the static ones configured with
// `WithMetricLabels`. The static slice is never mutated.
func (c *Communication) labels(dynamic ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(c.config.metricLabels)+len(dynamic))
	out = append(out, c.config.metricLabels...)
	return append(out, dynamic...)
}
