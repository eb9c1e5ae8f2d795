package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/brokerlink/errs"
)

// ErrAuthRejected marks a permanent credential rejection.
var ErrAuthRejected = errors.New("credentials rejected")

// ThrottleError reports that the provider asked us to back off.
type ThrottleError struct {
	Status     int
	RetryAfter time.Duration
	Message    string
}

func (e *ThrottleError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("upstream throttled (status %d, retry after %s): %s", e.Status, e.RetryAfter, e.Message)
	}
	return fmt.Sprintf("upstream throttled (status %d): %s", e.Status, e.Message)
}

// StatusError is a non-throttle HTTP failure reported by the provider.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Message)
}

// Classify converts a raw provider error into the shared envelope.
func Classify(source, account string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := errs.As(err); ok {
		return err
	}
	base := []errs.Option{errs.WithAccount(account), errs.WithCause(err)}

	var throttle *ThrottleError
	if errors.As(err, &throttle) {
		canonical := errs.CanonicalTooManyRequests
		if strings.Contains(strings.ToLower(throttle.Message), "connection") {
			canonical = errs.CanonicalConnectionLimit
		}
		return errs.New(source, errs.CodeThrottled, append(base,
			errs.WithHTTP(throttle.Status),
			errs.WithRetryAfter(throttle.RetryAfter),
			errs.WithRawMessage(throttle.Message),
			errs.WithCanonicalCode(canonical))...)
	}

	if errors.Is(err, ErrAuthRejected) {
		return errs.New(source, errs.CodeAuth, append(base,
			errs.WithMessage("credentials rejected"),
			errs.WithCanonicalCode(errs.CanonicalCredentialsRejected))...)
	}

	var status *StatusError
	if errors.As(err, &status) {
		return classifyStatus(source, status, base)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errs.New(source, errs.CodeNetwork, append(base,
			errs.WithMessage("call interrupted"),
			errs.WithCanonicalCode(errs.CanonicalTransport))...)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return errs.New(source, errs.CodeNetwork, append(base,
			errs.WithMessage("transport failure"),
			errs.WithCanonicalCode(errs.CanonicalTransport))...)
	}

	return errs.New(source, errs.CodeNetwork, append(base,
		errs.WithMessage("unclassified upstream failure"),
		errs.WithCanonicalCode(errs.CanonicalTransport))...)
}

func classifyStatus(source string, status *StatusError, base []errs.Option) error {
	opts := append(base, errs.WithHTTP(status.Status), errs.WithRawCode(status.Code), errs.WithRawMessage(status.Message))
	msg := strings.ToLower(status.Message)
	switch {
	case status.Status == http.StatusUnauthorized:
		return errs.New(source, errs.CodeAuth, append(opts, errs.WithCanonicalCode(errs.CanonicalCredentialsRejected))...)
	case status.Status == http.StatusForbidden && (strings.Contains(msg, "insufficient") || strings.Contains(msg, "buying power")):
		return errs.New(source, errs.CodeExchange, append(opts, errs.WithCanonicalCode(errs.CanonicalInsufficientBalance))...)
	case status.Status == http.StatusForbidden:
		return errs.New(source, errs.CodeAuth, append(opts, errs.WithCanonicalCode(errs.CanonicalCredentialsRejected))...)
	case status.Status == http.StatusNotFound:
		return errs.New(source, errs.CodeNotFound, append(opts, errs.WithCanonicalCode(errs.CanonicalOrderNotFound))...)
	case status.Status == http.StatusUnprocessableEntity && strings.Contains(msg, "symbol"):
		return errs.New(source, errs.CodeInvalid, append(opts, errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))...)
	case status.Status == http.StatusUnprocessableEntity, status.Status == http.StatusBadRequest:
		return errs.New(source, errs.CodeInvalid, opts...)
	case status.Status >= 500:
		return errs.New(source, errs.CodeNetwork, append(opts, errs.WithCanonicalCode(errs.CanonicalTransport))...)
	default:
		return errs.New(source, errs.CodeExchange, opts...)
	}
}

// ParseRetryAfter reads a Retry-After header value in seconds or HTTP-date form.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
