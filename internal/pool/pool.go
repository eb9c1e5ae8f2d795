// Package pool keeps a bounded, health-checked set of upstream sessions per account.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/brokerlink/errs"
	"github.com/coachpo/brokerlink/internal/credentials"
	"github.com/coachpo/brokerlink/internal/domain"
	"github.com/coachpo/brokerlink/internal/upstream"
)

const source = "pool"

// unhealthyStrikes is the number of consecutive transport failures after
// which a connection is closed instead of revalidated.
const unhealthyStrikes = 2

// Outcome is what a borrower observed while holding a connection.
type Outcome int

const (
	// OutcomeSuccess returns the connection healthy.
	OutcomeSuccess Outcome = iota
	// OutcomeBusinessError is an upstream rejection over a working connection.
	OutcomeBusinessError
	// OutcomeTransportError marks the connection Unhealthy.
	OutcomeTransportError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeBusinessError:
		return "business_error"
	case OutcomeTransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

// OutcomeFor classifies a call error for Release.
func OutcomeFor(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	if errors.Is(err, context.Canceled) {
		return OutcomeBusinessError
	}
	switch errs.CodeOf(err) {
	case errs.CodeNetwork, errs.CodeAuth:
		return OutcomeTransportError
	default:
		return OutcomeBusinessError
	}
}

// ConnState is the lifecycle state of a pooled connection.
type ConnState string

const (
	ConnIdle      ConnState = "idle"
	ConnInUse     ConnState = "in_use"
	ConnUnhealthy ConnState = "unhealthy"
	ConnClosed    ConnState = "closed"
)

// Conn is one pooled upstream session. It is owned by exactly one account pool.
type Conn struct {
	ID       string
	Account  string
	session  upstream.Session
	state    ConnState
	failures int
	lastUsed time.Time
	created  time.Time
}

// Session returns the upstream session handle.
func (c *Conn) Session() upstream.Session { return c.session }

// Options tune an AccountPool.
type Options struct {
	AcquireTimeout  time.Duration
	MaxWaiters      int
	IdleTimeout     time.Duration
	ValidateTimeout time.Duration
	// ThrottleCooldown applies when a provider throttle carries no retry hint.
	ThrottleCooldown time.Duration
}

func (o Options) withDefaults(limit int) Options {
	if o.AcquireTimeout < 0 {
		o.AcquireTimeout = 0
	}
	if o.MaxWaiters <= 0 {
		o.MaxWaiters = 2 * limit
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Minute
	}
	if o.ValidateTimeout <= 0 {
		o.ValidateTimeout = 2 * time.Second
	}
	if o.ThrottleCooldown <= 0 {
		o.ThrottleCooldown = 60 * time.Second
	}
	return o
}

// AccountPool bounds the sessions of one account. Tokens in sem are held by
// every in-use or dialing borrower and by Sweep while it pings a suspect, so
// in-use connections never exceed the limit. open counts every live or dialing
// session and is capped at the limit as well.
type AccountPool struct {
	account  domain.Account
	dialer   upstream.Dialer
	creds    credentials.Provider
	opts     Options
	logger   *log.Logger
	metrics  *poolMetrics
	now      func() time.Time
	sem      chan struct{}
	waiting  atomic.Int32
	inFlight sync.WaitGroup

	mu            sync.Mutex
	idle          []*Conn
	open          int
	unhealthy     int
	cooldownUntil time.Time
	closed        bool
}

func newAccountPool(account domain.Account, dialer upstream.Dialer, creds credentials.Provider, opts Options, logger *log.Logger, metrics *poolMetrics, now func() time.Time) *AccountPool {
	limit := account.ConnectionLimit
	if limit <= 0 {
		limit = domain.DefaultConnectionLimit
	}
	return &AccountPool{
		account: account,
		dialer:  dialer,
		creds:   creds,
		opts:    opts.withDefaults(limit),
		logger:  logger,
		metrics: metrics,
		now:     now,
		sem:     make(chan struct{}, limit),
	}
}

// Account returns the owning account.
func (p *AccountPool) Account() domain.Account { return p.account }

// Limit returns the connection cap.
func (p *AccountPool) Limit() int { return cap(p.sem) }

// Borrow hands out an exclusive connection. It waits at most the acquire
// timeout for a free slot and fails fast when too many callers already wait.
func (p *AccountPool) Borrow(ctx context.Context) (*Lease, error) {
	start := p.now()
	if err := p.admit(start); err != nil {
		p.metrics.recordBorrow(p.account.ID, err, 0)
		return nil, err
	}
	if err := p.acquireSlot(ctx); err != nil {
		p.inFlight.Done()
		p.metrics.recordBorrow(p.account.ID, err, 0)
		return nil, err
	}
	conn, err := p.checkout(ctx)
	if err != nil {
		<-p.sem
		p.inFlight.Done()
		p.metrics.recordBorrow(p.account.ID, err, 0)
		return nil, err
	}
	p.metrics.recordBorrow(p.account.ID, nil, p.now().Sub(start))
	return &Lease{pool: p, conn: conn, acquiredAt: p.now()}, nil
}

// admit registers the borrow with inFlight under mu so that Close never
// races an Add against its Wait. Every failure after admit calls Done.
func (p *AccountPool) admit(now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errs.New(source, errs.CodeUnavailable,
			errs.WithAccount(p.account.ID),
			errs.WithMessage("pool closed"),
			errs.WithCanonicalCode(errs.CanonicalAccountUnknown))
	}
	if now.Before(p.cooldownUntil) {
		return errs.New(source, errs.CodeThrottled,
			errs.WithAccount(p.account.ID),
			errs.WithMessage("provider cooldown in effect"),
			errs.WithRetryAfter(p.cooldownUntil.Sub(now)),
			errs.WithCanonicalCode(errs.CanonicalTooManyRequests))
	}
	p.inFlight.Add(1)
	return nil
}

func (p *AccountPool) acquireSlot(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	default:
	}
	if int(p.waiting.Add(1)) > p.opts.MaxWaiters {
		p.waiting.Add(-1)
		return p.exhausted("too many waiters")
	}
	defer p.waiting.Add(-1)
	if p.opts.AcquireTimeout <= 0 {
		return p.exhausted("no free connection")
	}
	timer := time.NewTimer(p.opts.AcquireTimeout)
	defer timer.Stop()
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-timer.C:
		return p.exhausted("acquire timeout")
	case <-ctx.Done():
		return errs.New(source, errs.CodeUnavailable,
			errs.WithAccount(p.account.ID),
			errs.WithMessage("borrow cancelled"),
			errs.WithCanonicalCode(errs.CanonicalPoolExhausted),
			errs.WithCause(ctx.Err()))
	}
}

func (p *AccountPool) exhausted(reason string) error {
	return errs.New(source, errs.CodeUnavailable,
		errs.WithAccount(p.account.ID),
		errs.WithMessage("connection pool exhausted"),
		errs.WithField("reason", reason),
		errs.WithField("limit", fmt.Sprint(cap(p.sem))),
		errs.WithCanonicalCode(errs.CanonicalPoolExhausted))
}

// checkout reuses the most recently used idle connection or dials a new one.
// The caller holds a slot token.
func (p *AccountPool) checkout(ctx context.Context) (*Conn, error) {
	for {
		conn, expired := p.popIdle()
		for _, c := range expired {
			p.closeSession(c, "idle timeout")
		}
		if conn == nil {
			break
		}
		if conn.state != ConnUnhealthy {
			conn.state = ConnInUse
			return conn, nil
		}
		// A passing validation clears the state but not the strike count;
		// only a successful release resets it.
		if err := p.validate(ctx, conn); err != nil {
			p.closeConn(conn, "validation failed")
			continue
		}
		conn.state = ConnInUse
		return conn, nil
	}
	return p.dial(ctx)
}

func (p *AccountPool) popIdle() (*Conn, []*Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	var expired []*Conn
	for len(p.idle) > 0 {
		last := len(p.idle) - 1
		conn := p.idle[last]
		p.idle[last] = nil
		p.idle = p.idle[:last]
		if conn.state == ConnUnhealthy {
			p.unhealthy--
		}
		if now.Sub(conn.lastUsed) > p.opts.IdleTimeout {
			if p.retireLocked(conn) {
				expired = append(expired, conn)
			}
			continue
		}
		return conn, expired
	}
	return nil, expired
}

func (p *AccountPool) validate(ctx context.Context, conn *Conn) error {
	vctx, cancel := context.WithTimeout(ctx, p.opts.ValidateTimeout)
	defer cancel()
	return conn.session.Ping(vctx)
}

// dial opens a new session. The open count is reserved before dialing so the
// account never holds more sessions than its limit, dialing ones included.
func (p *AccountPool) dial(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errs.New(source, errs.CodeUnavailable,
			errs.WithAccount(p.account.ID),
			errs.WithMessage("pool closed"),
			errs.WithCanonicalCode(errs.CanonicalAccountUnknown))
	}
	if p.open >= cap(p.sem) {
		p.mu.Unlock()
		return nil, p.exhausted("connection limit reached")
	}
	p.open++
	p.mu.Unlock()

	conn, err := p.connect(ctx)
	if err != nil {
		p.mu.Lock()
		p.open--
		p.mu.Unlock()
		return nil, err
	}
	p.metrics.connOpened(p.account.ID)
	return conn, nil
}

func (p *AccountPool) connect(ctx context.Context) (*Conn, error) {
	creds, err := p.creds.Credentials(ctx, p.account.CredentialRef)
	if err != nil {
		return nil, err
	}
	session, err := p.dialer.Dial(ctx, p.account, creds)
	creds.Wipe()
	if err != nil {
		p.logger.Printf("[%s]: dial failed: %v", p.account.ID, err)
		switch errs.CodeOf(err) {
		case errs.CodeThrottled:
			p.cooldownFor(errs.RetryAfter(err))
			return nil, err
		case errs.CodeAuth:
			return nil, err
		default:
			return nil, errs.New(source, errs.CodeUnavailable,
				errs.WithAccount(p.account.ID),
				errs.WithMessage("connection unhealthy"),
				errs.WithCanonicalCode(errs.CanonicalConnectionUnhealthy),
				errs.WithCause(err))
		}
	}
	now := p.now()
	return &Conn{
		ID:       uuid.NewString(),
		Account:  p.account.ID,
		session:  session,
		state:    ConnInUse,
		lastUsed: now,
		created:  now,
	}, nil
}

// release returns conn to the idle set or closes it. The idle push happens
// before the slot token is freed so that a concurrent borrower never dials
// while a reusable connection is on its way back.
func (p *AccountPool) release(conn *Conn, outcome Outcome) {
	defer p.inFlight.Done()
	defer func() { <-p.sem }()

	switch outcome {
	case OutcomeTransportError:
		conn.failures++
		if conn.failures >= unhealthyStrikes {
			p.closeConn(conn, "unhealthy twice")
			return
		}
		conn.state = ConnUnhealthy
	default:
		conn.failures = 0
		conn.state = ConnIdle
	}
	conn.lastUsed = p.now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.closeConn(conn, "pool closed")
		return
	}
	if conn.state == ConnUnhealthy {
		p.unhealthy++
	}
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

func (p *AccountPool) closeConn(conn *Conn, reason string) {
	p.mu.Lock()
	retired := p.retireLocked(conn)
	p.mu.Unlock()
	if retired {
		p.closeSession(conn, reason)
	}
}

// retireLocked marks conn closed and gives its share of the limit back.
func (p *AccountPool) retireLocked(conn *Conn) bool {
	if conn.state == ConnClosed {
		return false
	}
	conn.state = ConnClosed
	p.open--
	return true
}

func (p *AccountPool) closeSession(conn *Conn, reason string) {
	if err := conn.session.Close(); err != nil {
		p.logger.Printf("[%s]: close connection %s: %v", p.account.ID, conn.ID, err)
	}
	p.metrics.connClosed(p.account.ID, reason)
}

// Cooldown rejects borrows until the given time.
func (p *AccountPool) Cooldown(until time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if until.After(p.cooldownUntil) {
		p.cooldownUntil = until
		p.logger.Printf("[%s]: provider cooldown until %s", p.account.ID, until.Format(time.RFC3339))
	}
}

func (p *AccountPool) cooldownFor(d time.Duration) {
	if d <= 0 {
		d = p.opts.ThrottleCooldown
	}
	p.Cooldown(p.now().Add(d))
}

// Sweep closes idle connections past the idle timeout and revalidates
// unhealthy idle connections. A suspect is only taken out for a ping when
// Sweep can claim a free slot for it; otherwise it waits for the next pass.
func (p *AccountPool) Sweep(ctx context.Context) {
	p.mu.Lock()
	now := p.now()
	keep := p.idle[:0]
	var expired, suspect []*Conn
	for _, conn := range p.idle {
		switch {
		case now.Sub(conn.lastUsed) > p.opts.IdleTimeout:
			if conn.state == ConnUnhealthy {
				p.unhealthy--
			}
			if p.retireLocked(conn) {
				expired = append(expired, conn)
			}
		case conn.state == ConnUnhealthy && p.trySlot():
			p.unhealthy--
			suspect = append(suspect, conn)
		default:
			keep = append(keep, conn)
		}
	}
	for i := len(keep); i < len(p.idle); i++ {
		p.idle[i] = nil
	}
	p.idle = keep
	p.mu.Unlock()

	for _, conn := range expired {
		p.closeSession(conn, "idle timeout")
	}
	for _, conn := range suspect {
		p.revalidate(ctx, conn)
	}
}

func (p *AccountPool) trySlot() bool {
	select {
	case p.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// revalidate pings a suspect while Sweep holds a slot on its behalf. The
// connection is back on the idle stack before the slot is freed.
func (p *AccountPool) revalidate(ctx context.Context, conn *Conn) {
	defer func() { <-p.sem }()
	if err := p.validate(ctx, conn); err != nil {
		p.closeConn(conn, "validation failed")
		return
	}
	p.mu.Lock()
	conn.state = ConnIdle
	if p.closed {
		p.mu.Unlock()
		p.closeConn(conn, "pool closed")
		return
	}
	p.idle = append([]*Conn{conn}, p.idle...)
	p.mu.Unlock()
}

// Stats reports current occupancy.
func (p *AccountPool) Stats() domain.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return domain.PoolStats{
		Limit:         cap(p.sem),
		Open:          p.open,
		InUse:         len(p.sem),
		Idle:          len(p.idle),
		Unhealthy:     p.unhealthy,
		Waiting:       int(p.waiting.Load()),
		CooldownUntil: p.cooldownUntil,
	}
}

// Close rejects new borrows, closes idle connections and waits for
// outstanding leases until ctx ends. Leased connections close on release.
func (p *AccountPool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.unhealthy = 0
	p.mu.Unlock()
	for _, conn := range idle {
		p.closeConn(conn, "pool closed")
	}

	done := make(chan struct{})
	go func() {
		p.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool %s: %d leases outstanding: %w", p.account.ID, len(p.sem), ctx.Err())
	}
}

// Lease is exclusive use of one connection until Release.
type Lease struct {
	pool       *AccountPool
	conn       *Conn
	acquiredAt time.Time
	released   atomic.Bool
}

// Session returns the leased upstream session.
func (l *Lease) Session() upstream.Session { return l.conn.session }

// ConnID identifies the leased connection.
func (l *Lease) ConnID() string { return l.conn.ID }

// Release returns the connection. Calls after the first are no-ops.
func (l *Lease) Release(outcome Outcome) {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return
	}
	l.pool.metrics.recordHold(l.pool.account.ID, outcome, l.pool.now().Sub(l.acquiredAt))
	l.pool.release(l.conn, outcome)
}

// ReleaseErr releases with the outcome implied by err and starts a pool
// cooldown when err reports provider throttling.
func (l *Lease) ReleaseErr(err error) {
	if l == nil {
		return
	}
	if errs.Is(err, errs.CodeThrottled) {
		l.pool.cooldownFor(errs.RetryAfter(err))
	}
	l.Release(OutcomeFor(err))
}
