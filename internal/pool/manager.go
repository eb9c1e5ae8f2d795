package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/coachpo/brokerlink/errs"
	"github.com/coachpo/brokerlink/internal/credentials"
	"github.com/coachpo/brokerlink/internal/domain"
	"github.com/coachpo/brokerlink/internal/upstream"
)

// ErrManagerClosed indicates the manager is shutting down and cannot service requests.
var ErrManagerClosed = errors.New("pool manager: shutdown in progress")

// Config holds pool defaults shared by every account.
type Config struct {
	Options
	SweepInterval time.Duration
}

// Manager owns one AccountPool per registered account. Its lock guards only
// the account map; borrowing contends on the account's own pool.
type Manager struct {
	dialer        upstream.Dialer
	creds         credentials.Provider
	opts          Options
	sweepInterval time.Duration
	logger        *log.Logger
	metrics       *poolMetrics
	now           func() time.Time

	mu           sync.RWMutex
	pools        map[string]*AccountPool
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager constructs a manager that dials through dialer with credentials from creds.
func NewManager(dialer upstream.Dialer, creds credentials.Provider, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		dialer:        dialer,
		creds:         creds,
		opts:          cfg.Options,
		sweepInterval: cfg.SweepInterval,
		logger:        log.New(os.Stdout, "pool ", log.LstdFlags|log.Lmicroseconds),
		now:           time.Now,
		pools:         make(map[string]*AccountPool),
		shutdownCh:    make(chan struct{}),
	}
	if m.sweepInterval <= 0 {
		m.sweepInterval = 30 * time.Second
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.metrics = newPoolMetrics(m.snapshotStats)
	return m
}

// Register creates the pool for an account.
func (m *Manager) Register(account domain.Account) (*AccountPool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.shutdownCh:
		return nil, ErrManagerClosed
	default:
	}

	if _, exists := m.pools[account.ID]; exists {
		return nil, errs.New(source, errs.CodeConflict,
			errs.WithAccount(account.ID),
			errs.WithMessage("pool already registered"))
	}
	p := newAccountPool(account, m.dialer, m.creds, m.opts, m.logger, m.metrics, m.now)
	m.pools[account.ID] = p
	return p, nil
}

// Remove unregisters an account and closes its pool, waiting for
// outstanding leases until ctx ends.
func (m *Manager) Remove(ctx context.Context, accountID string) error {
	m.mu.Lock()
	p, ok := m.pools[accountID]
	delete(m.pools, accountID)
	m.mu.Unlock()
	if !ok {
		return unknownAccount(accountID)
	}
	return p.Close(ctx)
}

// Pool looks up an account pool.
func (m *Manager) Pool(accountID string) (*AccountPool, error) {
	m.mu.RLock()
	p, ok := m.pools[accountID]
	m.mu.RUnlock()
	if !ok {
		return nil, unknownAccount(accountID)
	}
	return p, nil
}

// Borrow leases a connection for the account.
func (m *Manager) Borrow(ctx context.Context, accountID string) (*Lease, error) {
	select {
	case <-m.shutdownCh:
		return nil, errs.New(source, errs.CodeUnavailable, errs.WithAccount(accountID), errs.WithCause(ErrManagerClosed))
	default:
	}
	p, err := m.Pool(accountID)
	if err != nil {
		return nil, err
	}
	return p.Borrow(ctx)
}

// Stats reports the account pool occupancy.
func (m *Manager) Stats(accountID string) (domain.PoolStats, bool) {
	p, err := m.Pool(accountID)
	if err != nil {
		return domain.PoolStats{}, false
	}
	return p.Stats(), true
}

// Run sweeps every pool on the configured interval until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.shutdownCh:
			return nil
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one health sweep across all pools.
func (m *Manager) Sweep(ctx context.Context) {
	for _, p := range m.list() {
		p.Sweep(ctx)
	}
}

// Shutdown rejects new borrows and closes every pool, waiting for
// outstanding leases until ctx ends (defaulting to 5 seconds).
func (m *Manager) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var cancel context.CancelFunc
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
	}
	if cancel != nil {
		defer cancel()
	}

	m.shutdownOnce.Do(func() {
		close(m.shutdownCh)
	})

	m.mu.Lock()
	pools := make([]*AccountPool, 0, len(m.pools))
	for id, p := range m.pools {
		pools = append(pools, p)
		delete(m.pools, id)
	}
	m.mu.Unlock()

	var errList []error
	for _, p := range pools {
		if err := p.Close(ctx); err != nil {
			m.logger.Printf("shutdown: %v", err)
			errList = append(errList, err)
		}
	}
	if len(errList) > 0 {
		return fmt.Errorf("pool manager shutdown: %w", errors.Join(errList...))
	}
	return nil
}

func (m *Manager) list() []*AccountPool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*AccountPool, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p)
	}
	return out
}

func (m *Manager) snapshotStats() map[string]domain.PoolStats {
	pools := m.list()
	out := make(map[string]domain.PoolStats, len(pools))
	for _, p := range pools {
		out[p.account.ID] = p.Stats()
	}
	return out
}

func unknownAccount(accountID string) error {
	return errs.New(source, errs.CodeNotFound,
		errs.WithAccount(accountID),
		errs.WithMessage("account not registered"),
		errs.WithCanonicalCode(errs.CanonicalAccountUnknown))
}
