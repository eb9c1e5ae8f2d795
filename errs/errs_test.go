package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestErrorStringIncludesContext(t *testing.T) {
	err := New("pool", CodeUnavailable,
		WithAccount("acct-1"),
		WithMessage("no connection available"),
		WithCanonicalCode(CanonicalPoolExhausted),
		WithRetryAfter(250*time.Millisecond),
		WithField("limit", "5"),
	)
	str := err.Error()
	for _, want := range []string{"source=pool", "account=acct-1", "code=unavailable", "canonical=pool_exhausted", "retry_after=250ms", `limit="5"`} {
		if !strings.Contains(str, want) {
			t.Fatalf("expected %q in %q", want, str)
		}
	}
}

func TestUnknownCanonicalOmitted(t *testing.T) {
	str := New("x", CodeNetwork).Error()
	if strings.Contains(str, "canonical=") {
		t.Fatalf("unexpected canonical in %q", str)
	}
}

func TestUnwrapAndHelpers(t *testing.T) {
	cause := errors.New("connection reset")
	base := New("upstream", CodeNetwork, WithCause(cause))
	wrapped := fmt.Errorf("place order: %w", base)

	if !errors.Is(wrapped, cause) {
		t.Fatal("expected cause to be reachable")
	}
	if CodeOf(wrapped) != CodeNetwork {
		t.Fatalf("expected network code, got %q", CodeOf(wrapped))
	}
	if !IsRetryable(wrapped) {
		t.Fatal("transport failures are retryable")
	}
	if IsBusiness(wrapped) {
		t.Fatal("transport failure is not a business error")
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatal("plain errors carry no code")
	}
}

func TestRetryAfter(t *testing.T) {
	err := New("ratelimit", CodeRateLimited, WithRetryAfter(3*time.Second))
	if got := RetryAfter(fmt.Errorf("wrap: %w", err)); got != 3*time.Second {
		t.Fatalf("expected 3s, got %s", got)
	}
	if got := RetryAfter(New("x", CodeRateLimited, WithRetryAfter(-time.Second))); got != 0 {
		t.Fatalf("negative retry hints are ignored, got %s", got)
	}
}

func TestBusinessErrorsNotRetryable(t *testing.T) {
	for _, code := range []Code{CodeExchange, CodeInvalid, CodeNotFound, CodeAuth} {
		if IsRetryable(New("x", code)) {
			t.Fatalf("%s must not be retryable", code)
		}
	}
}

func TestIsChecksOutermostEnvelope(t *testing.T) {
	inner := New("upstream", CodeNetwork)
	outer := New("pool", CodeUnavailable, WithCause(inner))
	wrapped := fmt.Errorf("borrow: %w", outer)
	if !Is(wrapped, CodeUnavailable) {
		t.Fatalf("expected unavailable, got %s", CodeOf(wrapped))
	}
	if Is(wrapped, CodeNetwork) {
		t.Fatal("inner envelope code must not match")
	}
	if !errors.Is(wrapped, inner) {
		t.Fatal("cause must stay reachable")
	}
}
