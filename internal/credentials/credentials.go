// Package credentials resolves per-account upstream credentials and keeps
// secret material out of logs and long-lived memory.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/coachpo/brokerlink/errs"
)

// ErrNotFound is returned when a credential reference has no entry.
var ErrNotFound = errors.New("credentials not found")

// Credentials is a single-use capability holding an API key pair. Holders
// call Wipe once the upstream handshake completes.
type Credentials struct {
	APIKey string

	mu     sync.Mutex
	secret []byte
}

// New copies secret into a fresh Credentials value.
func New(apiKey string, secret []byte) *Credentials {
	buf := make([]byte, len(secret))
	copy(buf, secret)
	return &Credentials{APIKey: strings.TrimSpace(apiKey), secret: buf}
}

// Secret returns the secret as a string. It is empty after Wipe.
func (c *Credentials) Secret() string {
	if c == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.secret)
}

// Wipe zeroes the secret bytes. Safe to call more than once.
func (c *Credentials) Wipe() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.secret {
		c.secret[i] = 0
	}
	c.secret = nil
}

// Wiped reports whether the secret has been cleared.
func (c *Credentials) Wiped() bool {
	if c == nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.secret == nil
}

// String never renders the secret.
func (c *Credentials) String() string {
	if c == nil {
		return "credentials(<nil>)"
	}
	key := c.APIKey
	if len(key) > 4 {
		key = key[:4] + "****"
	}
	return fmt.Sprintf("credentials(key=%s secret=[redacted])", key)
}

// GoString keeps %#v from leaking the secret.
func (c *Credentials) GoString() string { return c.String() }

// Provider resolves a credential reference into a fresh Credentials value.
// Each call returns a new value the caller owns and must wipe.
type Provider interface {
	Credentials(ctx context.Context, ref string) (*Credentials, error)
}

// Static serves credentials held in memory, typically loaded from config.
type Static struct {
	mu      sync.RWMutex
	entries map[string]staticEntry
}

type staticEntry struct {
	apiKey string
	secret []byte
}

// NewStatic constructs an empty static provider.
func NewStatic() *Static {
	return &Static{entries: make(map[string]staticEntry)}
}

// Put stores or replaces the credential for ref.
func (s *Static) Put(ref, apiKey, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[strings.TrimSpace(ref)] = staticEntry{apiKey: apiKey, secret: []byte(secret)}
}

// Credentials implements Provider.
func (s *Static) Credentials(ctx context.Context, ref string) (*Credentials, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	entry, ok := s.entries[strings.TrimSpace(ref)]
	s.mu.RUnlock()
	if !ok {
		return nil, notFound(ref)
	}
	return New(entry.apiKey, entry.secret), nil
}

func notFound(ref string) error {
	return errs.New("credentials", errs.CodeAuth,
		errs.WithMessage("no credentials for reference"),
		errs.WithField("ref", ref),
		errs.WithCanonicalCode(errs.CanonicalCredentialsRejected),
		errs.WithCause(ErrNotFound))
}

// NotFound wraps ErrNotFound in the shared error envelope for store backends.
func NotFound(ref string) error { return notFound(ref) }
