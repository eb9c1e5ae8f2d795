package ratelimit

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/brokerlink/internal/telemetry"
)

type limiterMetrics struct {
	decisions metric.Int64Counter
}

func newLimiterMetrics() *limiterMetrics {
	meter := otel.Meter("brokerlink.ratelimit")
	m := &limiterMetrics{}
	m.decisions, _ = meter.Int64Counter("brokerlink_ratelimit_decisions",
		metric.WithDescription("Rate limiter admission decisions by constraining scope"),
		metric.WithUnit("{decision}"))
	return m
}

func (m *limiterMetrics) record(scope string, allowed bool) {
	if m == nil || m.decisions == nil {
		return
	}
	result := telemetry.ResultOK
	if !allowed {
		result = telemetry.ResultRejected
	}
	m.decisions.Add(context.Background(), 1, metric.WithAttributes(telemetry.RateLimitAttributes(scope, result)...))
}
