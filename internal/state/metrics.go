package state

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/brokerlink/internal/domain"
	"github.com/coachpo/brokerlink/internal/telemetry"
)

const (
	resultApplied = "applied"
	resultIgnored = "ignored"
	resultDropped = "dropped"
)

type storeMetrics struct {
	mutations metric.Int64Counter
}

func newStoreMetrics() *storeMetrics {
	meter := otel.Meter("brokerlink.state")
	m := &storeMetrics{}
	m.mutations, _ = meter.Int64Counter("brokerlink_state_mutations",
		metric.WithDescription("State store mutations by event kind and result"),
		metric.WithUnit("{mutation}"))
	return m
}

func (m *storeMetrics) applied(account string, kind domain.EventKind, result string) {
	if m == nil || m.mutations == nil {
		return
	}
	attrs := append(telemetry.AccountAttributes(account),
		telemetry.AttrEventKind.String(string(kind)),
		telemetry.AttrResult.String(result))
	m.mutations.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}
