package pool

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/brokerlink/errs"
	"github.com/coachpo/brokerlink/internal/domain"
	"github.com/coachpo/brokerlink/internal/telemetry"
)

type poolMetrics struct {
	borrowDuration metric.Float64Histogram
	holdDuration   metric.Float64Histogram
	borrowFailures metric.Int64Counter
	opened         metric.Int64Counter
	closed         metric.Int64Counter
	occupancy      metric.Int64ObservableGauge
}

func newPoolMetrics(stats func() map[string]domain.PoolStats) *poolMetrics {
	meter := otel.Meter("brokerlink.pool")
	m := &poolMetrics{}
	m.borrowDuration, _ = meter.Float64Histogram(telemetry.MetricPoolBorrowDuration,
		metric.WithDescription("Time to obtain a pooled connection"),
		metric.WithUnit("ms"))
	m.holdDuration, _ = meter.Float64Histogram("brokerlink_pool_hold_duration",
		metric.WithDescription("Time a connection stayed leased"),
		metric.WithUnit("ms"))
	m.borrowFailures, _ = meter.Int64Counter("brokerlink_pool_borrow_failures",
		metric.WithDescription("Borrow attempts that did not yield a connection"),
		metric.WithUnit("{borrow}"))
	m.opened, _ = meter.Int64Counter("brokerlink_pool_connections_opened",
		metric.WithDescription("Upstream sessions dialed by the pool"),
		metric.WithUnit("{connection}"))
	m.closed, _ = meter.Int64Counter("brokerlink_pool_connections_closed",
		metric.WithDescription("Upstream sessions closed by the pool"),
		metric.WithUnit("{connection}"))
	m.occupancy, _ = meter.Int64ObservableGauge("brokerlink_pool_connections",
		metric.WithDescription("Pooled connections by state"),
		metric.WithUnit("{connection}"))
	if m.occupancy != nil && stats != nil {
		_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			for account, s := range stats() {
				base := telemetry.AccountAttributes(account)
				o.ObserveInt64(m.occupancy, int64(s.InUse), metric.WithAttributes(withState(base, "in_use")...))
				o.ObserveInt64(m.occupancy, int64(s.Idle), metric.WithAttributes(withState(base, "idle")...))
				o.ObserveInt64(m.occupancy, int64(s.Unhealthy), metric.WithAttributes(withState(base, "unhealthy")...))
				o.ObserveInt64(m.occupancy, int64(s.Waiting), metric.WithAttributes(withState(base, "waiting")...))
			}
			return nil
		}, m.occupancy)
	}
	return m
}

func withState(base []attribute.KeyValue, state string) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(base)+1)
	out = append(out, base...)
	return append(out, telemetry.AttrConnectionState.String(state))
}

func (m *poolMetrics) recordBorrow(account string, err error, waited time.Duration) {
	if m == nil {
		return
	}
	ctx := context.Background()
	if err != nil {
		if m.borrowFailures != nil {
			reason := string(errs.CodeOf(err))
			if e, ok := errs.As(err); ok && e.Canonical != errs.CanonicalUnknown {
				reason = string(e.Canonical)
			}
			attrs := append(telemetry.AccountAttributes(account), telemetry.AttrReason.String(reason))
			m.borrowFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
		return
	}
	if m.borrowDuration != nil {
		m.borrowDuration.Record(ctx, float64(waited)/float64(time.Millisecond),
			metric.WithAttributes(telemetry.AccountAttributes(account)...))
	}
}

func (m *poolMetrics) recordHold(account string, outcome Outcome, held time.Duration) {
	if m == nil || m.holdDuration == nil {
		return
	}
	attrs := append(telemetry.AccountAttributes(account), telemetry.AttrResult.String(outcome.String()))
	m.holdDuration.Record(context.Background(), float64(held)/float64(time.Millisecond), metric.WithAttributes(attrs...))
}

func (m *poolMetrics) connOpened(account string) {
	if m == nil || m.opened == nil {
		return
	}
	m.opened.Add(context.Background(), 1, metric.WithAttributes(telemetry.AccountAttributes(account)...))
}

func (m *poolMetrics) connClosed(account, reason string) {
	if m == nil || m.closed == nil {
		return
	}
	attrs := append(telemetry.AccountAttributes(account), telemetry.AttrReason.String(reason))
	m.closed.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}
