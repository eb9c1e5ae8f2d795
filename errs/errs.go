// Package errs provides the structured error envelope shared by brokerlink components.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Code identifies the failure category surfaced to callers.
type Code string

const (
	// CodeRateLimited indicates the local rate limiter rejected the request.
	CodeRateLimited Code = "rate_limited"
	// CodeAuth indicates credentials were rejected by the upstream.
	CodeAuth Code = "auth"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeExchange indicates a business rejection by the upstream.
	CodeExchange Code = "exchange_error"
	// CodeNetwork indicates a transport failure talking to the upstream.
	CodeNetwork Code = "network"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates no connection could be provided in time.
	CodeUnavailable Code = "unavailable"
	// CodeThrottled indicates the upstream itself asked us to slow down.
	CodeThrottled Code = "throttled"
)

// CanonicalCode captures provider-agnostic error categories.
type CanonicalCode string

const (
	CanonicalUnknown             CanonicalCode = "unknown"
	CanonicalOrderNotFound       CanonicalCode = "order_not_found"
	CanonicalInsufficientBalance CanonicalCode = "insufficient_balance"
	CanonicalInvalidSymbol       CanonicalCode = "invalid_symbol"
	CanonicalRateLimited         CanonicalCode = "rate_limited"
	CanonicalPoolExhausted       CanonicalCode = "pool_exhausted"
	CanonicalConnectionUnhealthy CanonicalCode = "connection_unhealthy"
	CanonicalCredentialsRejected CanonicalCode = "credentials_rejected"
	CanonicalTransport           CanonicalCode = "transport"
	CanonicalTooManyRequests     CanonicalCode = "too_many_requests"
	CanonicalConnectionLimit     CanonicalCode = "connection_limit"
	CanonicalAccountUnknown      CanonicalCode = "account_unknown"
)

// E captures structured error information produced across the proxy core.
type E struct {
	Source     string
	Account    string
	Code       Code
	HTTP       int
	RawCode    string
	RawMsg     string
	Message    string
	Canonical  CanonicalCode
	RetryAfter time.Duration
	Metadata   map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the source component and error code.
func New(source string, code Code, opts ...Option) *E {
	e := &E{
		Source:    strings.TrimSpace(source),
		Code:      code,
		Canonical: CanonicalUnknown,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithAccount records the account the failure belongs to.
func WithAccount(accountID string) Option {
	trimmed := strings.TrimSpace(accountID)
	return func(e *E) {
		e.Account = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw upstream error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw upstream error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithRetryAfter records how long the caller should wait before retrying.
func WithRetryAfter(d time.Duration) Option {
	return func(e *E) {
		if d > 0 {
			e.RetryAfter = d
		}
	}
}

// WithCanonicalCode sets the canonical error code describing the failure category.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	source := e.Source
	if source == "" {
		source = "unknown"
	}
	parts = append(parts, "source="+source)
	if e.Account != "" {
		parts = append(parts, "account="+e.Account)
	}

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := string(e.Canonical); cc != "" && e.Canonical != CanonicalUnknown {
		parts = append(parts, "canonical="+cc)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.RetryAfter > 0 {
		parts = append(parts, "retry_after="+e.RetryAfter.String())
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// As returns the first envelope in err's chain.
func As(err error) (*E, bool) {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e, true
	}
	return nil, false
}

// CodeOf returns the envelope code of err, or the empty code when err carries none.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}

// Is reports whether the first envelope in err's chain carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// RetryAfter extracts the retry hint from err.
func RetryAfter(err error) time.Duration {
	if e, ok := As(err); ok {
		return e.RetryAfter
	}
	return 0
}

// IsRetryable reports whether a caller may retry the same request later.
// Business rejections and credential failures are never retryable.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeRateLimited, CodeUnavailable, CodeNetwork, CodeThrottled:
		return true
	default:
		return false
	}
}

// IsBusiness reports whether err is an upstream business rejection that leaves
// the connection healthy.
func IsBusiness(err error) bool {
	switch CodeOf(err) {
	case CodeExchange, CodeInvalid, CodeNotFound, CodeConflict:
		return true
	default:
		return false
	}
}
