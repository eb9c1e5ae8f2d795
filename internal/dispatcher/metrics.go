package dispatcher

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/brokerlink/errs"
	"github.com/coachpo/brokerlink/internal/domain"
	"github.com/coachpo/brokerlink/internal/telemetry"
)

type dispatchMetrics struct {
	duration metric.Float64Histogram
	failures metric.Int64Counter
}

func newDispatchMetrics() *dispatchMetrics {
	meter := otel.Meter("brokerlink.dispatcher")
	m := &dispatchMetrics{}
	m.duration, _ = meter.Float64Histogram(telemetry.MetricDispatchDuration,
		metric.WithDescription("End-to-end dispatcher operation latency"),
		metric.WithUnit("ms"))
	m.failures, _ = meter.Int64Counter("brokerlink_dispatch_errors",
		metric.WithDescription("Failed dispatcher operations by error kind"),
		metric.WithUnit("{operation}"))
	return m
}

func (m *dispatchMetrics) record(account, operation string, class domain.EndpointClass, err error, took time.Duration) {
	if m == nil {
		return
	}
	result, kind := telemetry.ResultOK, ""
	if err != nil {
		result, kind = telemetry.ResultError, string(errs.CodeOf(err))
	}
	attrs := telemetry.OperationAttributes(account, operation, string(class), result, kind)
	ctx := context.Background()
	if m.duration != nil {
		m.duration.Record(ctx, float64(took)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}
	if err != nil && m.failures != nil {
		m.failures.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}
