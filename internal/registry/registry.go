// Package registry owns the lifecycle of accounts and their pools,
// synchronizers and state.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/sync/errgroup"

	"github.com/coachpo/brokerlink/errs"
	"github.com/coachpo/brokerlink/internal/credentials"
	"github.com/coachpo/brokerlink/internal/dispatcher"
	"github.com/coachpo/brokerlink/internal/domain"
	"github.com/coachpo/brokerlink/internal/pool"
	"github.com/coachpo/brokerlink/internal/ratelimit"
	"github.com/coachpo/brokerlink/internal/state"
	"github.com/coachpo/brokerlink/internal/stream"
	"github.com/coachpo/brokerlink/internal/upstream"
)

const source = "registry"

var (
	// ErrNotStarted is returned by Register before Start.
	ErrNotStarted = errors.New("registry: not started")
	// ErrClosed is returned once Shutdown has begun.
	ErrClosed = errors.New("registry: shut down")
)

// Deps are the external collaborators.
type Deps struct {
	Dialer       upstream.Dialer
	StreamDialer upstream.StreamDialer
	Credentials  credentials.Provider
	Observers    []state.Observer
}

// Config gathers the component configurations.
type Config struct {
	Limits     ratelimit.Config
	Pool       pool.Config
	Stream     stream.Config
	Dispatcher dispatcher.Config
	// LimiterIdleTTL is how long an untouched full bucket is kept.
	LimiterIdleTTL time.Duration
	// PruneInterval is how often idle buckets are pruned.
	PruneInterval time.Duration
	// BootstrapParallelism bounds concurrent account registration in Start.
	BootstrapParallelism int
}

type member struct {
	account domain.Account
	sync    *stream.Synchronizer
	cancel  context.CancelFunc
	// leaving is set while Deregister waits for the synchronizer to stop.
	leaving bool
}

// Registry is the explicit owner of every per-account component.
type Registry struct {
	deps       Deps
	cfg        Config
	logger     *log.Logger
	store      *state.Store
	limiter    *ratelimit.Limiter
	pools      *pool.Manager
	dispatcher *dispatcher.Dispatcher

	wg conc.WaitGroup

	mu      sync.Mutex
	members map[string]*member
	ctx     context.Context
	cancel  context.CancelFunc
	closed  bool
}

// Option customises a Registry.
type Option func(*Registry)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New wires the store, limiter, pool manager and dispatcher. Nothing runs
// until Start.
func New(deps Deps, cfg Config, opts ...Option) (*Registry, error) {
	if deps.Dialer == nil || deps.StreamDialer == nil || deps.Credentials == nil {
		return nil, fmt.Errorf("registry: dialer, stream dialer and credentials are required")
	}
	if cfg.LimiterIdleTTL <= 0 {
		cfg.LimiterIdleTTL = 10 * time.Minute
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Minute
	}
	if cfg.BootstrapParallelism <= 0 {
		cfg.BootstrapParallelism = 8
	}
	if cfg.Limits.Tiers == nil {
		cfg.Limits = ratelimit.DefaultConfig()
	}
	r := &Registry{
		deps:    deps,
		cfg:     cfg,
		logger:  log.New(os.Stdout, "registry ", log.LstdFlags|log.Lmicroseconds),
		members: make(map[string]*member),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	storeOpts := []state.Option{state.WithLogger(r.logger)}
	for _, o := range deps.Observers {
		storeOpts = append(storeOpts, state.WithObserver(o))
	}
	r.store = state.NewStore(storeOpts...)
	r.limiter = ratelimit.New(cfg.Limits, ratelimit.WithLogger(r.logger))
	r.pools = pool.NewManager(deps.Dialer, deps.Credentials, cfg.Pool, pool.WithLogger(r.logger))
	d, err := dispatcher.New(r.pools, r.limiter, r.store, cfg.Dispatcher, dispatcher.WithLogger(r.logger))
	if err != nil {
		return nil, err
	}
	r.dispatcher = d
	return r, nil
}

// Dispatcher is the request path entry point.
func (r *Registry) Dispatcher() *dispatcher.Dispatcher { return r.dispatcher }

// Store exposes account state reads.
func (r *Registry) Store() *state.Store { return r.store }

// Start launches the background sweepers and registers accounts
// concurrently. Credentials for every account are resolved once up front so
// a misconfigured account fails startup.
func (r *Registry) Start(ctx context.Context, accounts []domain.Account) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.ctx != nil {
		r.mu.Unlock()
		return fmt.Errorf("registry: already started")
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	runCtx := r.ctx
	r.mu.Unlock()

	r.wg.Go(func() {
		if err := r.pools.Run(runCtx); err != nil {
			r.logger.Printf("pool sweeper stopped: %v", err)
		}
	})
	r.wg.Go(func() { r.pruneLoop(runCtx) })

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.BootstrapParallelism)
	for _, acct := range accounts {
		g.Go(func() error {
			if err := r.checkCredentials(gctx, acct); err != nil {
				return err
			}
			return r.Register(acct)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("bootstrap accounts: %w", err)
	}
	r.logger.Printf("started with %d accounts", len(accounts))
	return nil
}

func (r *Registry) checkCredentials(ctx context.Context, acct domain.Account) error {
	acct = acct.Normalize()
	creds, err := r.deps.Credentials.Credentials(ctx, acct.CredentialRef)
	if err != nil {
		return fmt.Errorf("account %s: %w", acct.ID, err)
	}
	creds.Wipe()
	return nil
}

// Register adds an account and starts its synchronizer. Registering an
// account whose synchronizer terminated restarts the synchronizer.
func (r *Registry) Register(acct domain.Account) error {
	acct = acct.Normalize()
	if err := acct.Validate(); err != nil {
		return errs.New(source, errs.CodeInvalid, errs.WithAccount(acct.ID), errs.WithMessage(err.Error()))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.ctx == nil {
		return ErrNotStarted
	}
	if existing, ok := r.members[acct.ID]; ok {
		if existing.leaving {
			return errs.New(source, errs.CodeConflict, errs.WithAccount(acct.ID), errs.WithMessage("account is being deregistered"))
		}
		select {
		case <-existing.sync.Done():
			r.startSyncLocked(existing)
			r.logger.Printf("[%s]: synchronizer restarted", acct.ID)
			return nil
		default:
			return errs.New(source, errs.CodeConflict, errs.WithAccount(acct.ID), errs.WithMessage("account already registered"))
		}
	}

	if _, err := r.pools.Register(acct); err != nil {
		return err
	}
	r.store.Init(acct.ID)
	m := &member{account: acct}
	r.members[acct.ID] = m
	r.startSyncLocked(m)
	r.logger.Printf("[%s]: registered tier=%s mode=%s limit=%d", acct.ID, acct.Tier, acct.Mode, acct.ConnectionLimit)
	return nil
}

func (r *Registry) startSyncLocked(m *member) {
	ctx, cancel := context.WithCancel(r.ctx)
	s := stream.New(m.account, r.deps.StreamDialer, r.deps.Credentials, r.store, r.cfg.Stream,
		stream.WithLogger(r.logger),
		stream.WithRefresher(r.pools))
	m.sync = s
	m.cancel = cancel
	r.wg.Go(func() {
		defer cancel()
		if err := s.Run(ctx); err != nil {
			r.logger.Printf("[%s]: synchronizer stopped: %v", m.account.ID, err)
		}
	})
}

// Deregister stops the account's synchronizer, closes its pool and forgets
// its state and limiter buckets. If ctx ends before the synchronizer stops
// the account stays registered and Deregister may be called again.
func (r *Registry) Deregister(ctx context.Context, accountID string) error {
	r.mu.Lock()
	m, ok := r.members[accountID]
	if ok && m.leaving {
		r.mu.Unlock()
		return errs.New(source, errs.CodeConflict, errs.WithAccount(accountID), errs.WithMessage("deregistration in progress"))
	}
	if ok {
		m.leaving = true
	}
	r.mu.Unlock()
	if !ok {
		return errs.New(source, errs.CodeNotFound,
			errs.WithAccount(accountID),
			errs.WithMessage("account not registered"),
			errs.WithCanonicalCode(errs.CanonicalAccountUnknown))
	}

	m.cancel()
	select {
	case <-m.sync.Done():
	case <-ctx.Done():
		r.mu.Lock()
		m.leaving = false
		r.mu.Unlock()
		r.logger.Printf("[%s]: deregister interrupted, account kept", accountID)
		return fmt.Errorf("deregister %s: %w", accountID, ctx.Err())
	}

	r.mu.Lock()
	delete(r.members, accountID)
	r.mu.Unlock()
	err := r.pools.Remove(ctx, accountID)
	r.limiter.Forget(accountID)
	r.store.Drop(accountID)
	r.logger.Printf("[%s]: deregistered", accountID)
	return err
}

// Health reports the account's stream, pool and state position.
func (r *Registry) Health(accountID string) (domain.Health, error) {
	r.mu.Lock()
	m, ok := r.members[accountID]
	var syncer *stream.Synchronizer
	if ok {
		syncer = m.sync
	}
	r.mu.Unlock()
	if !ok {
		return domain.Health{}, errs.New(source, errs.CodeNotFound,
			errs.WithAccount(accountID),
			errs.WithMessage("account not registered"),
			errs.WithCanonicalCode(errs.CanonicalAccountUnknown))
	}
	h := domain.Health{AccountID: accountID, Stream: syncer.Health()}
	h.Pool, _ = r.pools.Stats(accountID)
	h.StateSeq, _ = r.store.Seq(accountID)
	return h, nil
}

// Accounts lists registered account ids.
func (r *Registry) Accounts() []string {
	return r.store.Accounts()
}

func (r *Registry) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := r.limiter.Prune(now, r.cfg.LimiterIdleTTL); n > 0 {
				r.logger.Printf("pruned %d idle rate limit buckets", n)
			}
		}
	}
}

// Shutdown stops every synchronizer, drains the dispatcher and closes the
// pools. It returns once everything stopped or ctx expired.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	stopped := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(stopped)
	}()

	var errList []error
	select {
	case <-stopped:
	case <-ctx.Done():
		errList = append(errList, fmt.Errorf("background tasks: %w", ctx.Err()))
	}
	if err := r.dispatcher.Close(ctx); err != nil {
		errList = append(errList, fmt.Errorf("dispatcher: %w", err))
	}
	if err := r.pools.Shutdown(ctx); err != nil {
		errList = append(errList, fmt.Errorf("pools: %w", err))
	}
	if len(errList) == 0 {
		r.logger.Printf("shutdown complete")
	}
	return errors.Join(errList...)
}
