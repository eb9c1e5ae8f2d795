package upstream

import (
	"io"
	"net/http"
	"time"
)

// ThrottleTransport turns HTTP 429 responses into a *ThrottleError so that
// SDK clients with built-in retry loops surface provider throttling instead
// of sleeping on it.
type ThrottleTransport struct {
	Base http.RoundTripper
	Now  func() time.Time
}

// RoundTrip implements http.RoundTripper.
func (t *ThrottleTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusTooManyRequests {
		return resp, err
	}
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	_ = resp.Body.Close()
	return nil, &ThrottleError{
		Status:     resp.StatusCode,
		RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), now()),
		Message:    string(body),
	}
}

// NewHTTPClient returns a client whose transport reports throttling as errors.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &ThrottleTransport{Base: http.DefaultTransport},
	}
}
