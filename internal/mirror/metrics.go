package mirror

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/brokerlink/internal/telemetry"
)

type mirrorMetrics struct {
	writes metric.Int64Counter
}

func newMirrorMetrics() *mirrorMetrics {
	meter := otel.Meter("brokerlink.mirror")
	m := &mirrorMetrics{}
	m.writes, _ = meter.Int64Counter("brokerlink_mirror_publishes",
		metric.WithDescription("Snapshot mirror writes by result"),
		metric.WithUnit("{write}"))
	return m
}

func (m *mirrorMetrics) written(account string) { m.add(account, telemetry.ResultOK) }
func (m *mirrorMetrics) failed(account string)  { m.add(account, telemetry.ResultError) }

func (m *mirrorMetrics) add(account, result string) {
	if m == nil || m.writes == nil {
		return
	}
	attrs := append(telemetry.AccountAttributes(account), telemetry.AttrResult.String(result))
	m.writes.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}
