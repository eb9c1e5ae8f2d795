package stream

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/brokerlink/internal/domain"
	"github.com/coachpo/brokerlink/internal/telemetry"
)

type streamMetrics struct {
	transitions  metric.Int64Counter
	reconnects   metric.Int64Counter
	backoffDelay metric.Float64Histogram
	events       metric.Int64Counter
}

func newStreamMetrics() *streamMetrics {
	meter := otel.Meter("brokerlink.stream")
	m := &streamMetrics{}
	m.transitions, _ = meter.Int64Counter("brokerlink_stream_transitions",
		metric.WithDescription("Synchronizer state transitions by entered state"),
		metric.WithUnit("{transition}"))
	m.reconnects, _ = meter.Int64Counter("brokerlink_stream_reconnect_attempts",
		metric.WithDescription("Scheduled stream reconnect attempts"),
		metric.WithUnit("{attempt}"))
	m.backoffDelay, _ = meter.Float64Histogram(telemetry.MetricStreamBackoffDelay,
		metric.WithDescription("Delay before the next stream reconnect"),
		metric.WithUnit("s"))
	m.events, _ = meter.Int64Counter("brokerlink_stream_events",
		metric.WithDescription("Stream events received by kind"),
		metric.WithUnit("{event}"))
	return m
}

func (m *streamMetrics) transition(account string, state domain.StreamState) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(telemetry.StreamAttributes(account, string(state))...))
}

func (m *streamMetrics) reconnect(account string, delay time.Duration, throttled bool) {
	if m == nil {
		return
	}
	reason := "failure"
	if throttled {
		reason = "throttled"
	}
	attrs := append(telemetry.AccountAttributes(account), telemetry.AttrReason.String(reason))
	ctx := context.Background()
	if m.reconnects != nil {
		m.reconnects.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.backoffDelay != nil {
		m.backoffDelay.Record(ctx, delay.Seconds(), metric.WithAttributes(attrs...))
	}
}

func (m *streamMetrics) event(account string, kind domain.EventKind) {
	if m == nil || m.events == nil {
		return
	}
	attrs := append(telemetry.AccountAttributes(account), telemetry.AttrEventKind.String(string(kind)))
	m.events.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}
