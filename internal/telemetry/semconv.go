package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by brokerlink instruments.
const (
	AttrEnvironment     = attribute.Key("environment")
	AttrAccount         = attribute.Key("account")
	AttrEndpointClass   = attribute.Key("endpoint.class")
	AttrScope           = attribute.Key("scope")
	AttrOperation       = attribute.Key("operation")
	AttrResult          = attribute.Key("result")
	AttrReason          = attribute.Key("reason")
	AttrErrorKind       = attribute.Key("error.kind")
	AttrConnectionState = attribute.Key("connection.state")
	AttrStreamState     = attribute.Key("stream.state")
	AttrEventKind       = attribute.Key("event.kind")
)

// Instrument names with explicit histogram views.
const (
	MetricPoolBorrowDuration = "brokerlink_pool_borrow_duration"
	MetricDispatchDuration   = "brokerlink_dispatch_duration"
	MetricStreamBackoffDelay = "brokerlink_stream_backoff_delay"
)

// Result values
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultError    = "error"
)

// AccountAttributes returns the base attribute set for per-account metrics.
func AccountAttributes(account string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrAccount.String(account),
	}
}

// RateLimitAttributes describes a limiter decision.
func RateLimitAttributes(scope, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrScope.String(scope),
		AttrResult.String(result),
	}
}

// OperationAttributes describes a dispatcher call outcome.
func OperationAttributes(account, operation, class, result, errorKind string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrAccount.String(account),
		AttrOperation.String(operation),
		AttrEndpointClass.String(class),
		AttrResult.String(result),
	}
	if errorKind != "" {
		attrs = append(attrs, AttrErrorKind.String(errorKind))
	}
	return attrs
}

// StreamAttributes describes a synchronizer transition.
func StreamAttributes(account, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrAccount.String(account),
		AttrStreamState.String(state),
	}
}
