// Package stream keeps one streaming subscription per account alive and feeds
// its events into the state store.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"github.com/coachpo/brokerlink/errs"
	"github.com/coachpo/brokerlink/internal/credentials"
	"github.com/coachpo/brokerlink/internal/domain"
	"github.com/coachpo/brokerlink/internal/pool"
	"github.com/coachpo/brokerlink/internal/upstream"
)

const source = "stream"

// ErrAlreadyRunning is returned when Run is called twice on one Synchronizer.
var ErrAlreadyRunning = errors.New("stream: synchronizer already running")

// Sink receives decoded stream events in receive order.
type Sink interface {
	Apply(accountID string, evt domain.Event) (uint64, error)
}

// Borrower lends pooled REST sessions for balance refreshes.
type Borrower interface {
	Borrow(ctx context.Context, accountID string) (*pool.Lease, error)
}

// Synchronizer drives one account's stream through Connecting,
// Authenticating, Subscribed and Backoff until its context ends or the
// credentials are rejected.
type Synchronizer struct {
	account domain.Account
	dialer  upstream.StreamDialer
	creds   credentials.Provider
	sink    Sink
	rest    Borrower
	cfg     Config

	logger  *log.Logger
	metrics *streamMetrics
	now     func() time.Time

	refreshes singleflight.Group
	bo        *backoff.ExponentialBackOff

	mu      sync.Mutex
	health  domain.StreamHealth
	running bool
	done    chan struct{}
}

// Option customises a Synchronizer.
type Option func(*Synchronizer)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Synchronizer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source used for health timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRefresher enables periodic balance and position refreshes through
// pooled REST sessions.
func WithRefresher(b Borrower) Option {
	return func(s *Synchronizer) {
		s.rest = b
	}
}

// New constructs a Synchronizer for account. Call Run to start it.
func New(account domain.Account, dialer upstream.StreamDialer, creds credentials.Provider, sink Sink, cfg Config, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		account: account,
		dialer:  dialer,
		creds:   creds,
		sink:    sink,
		cfg:     cfg.withDefaults(),
		logger:  log.New(os.Stdout, "stream ", log.LstdFlags|log.Lmicroseconds),
		metrics: newStreamMetrics(),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.bo = s.cfg.newBackOff()
	s.health.State = domain.StreamConnecting
	return s
}

// AccountID identifies the synchronized account.
func (s *Synchronizer) AccountID() string { return s.account.ID }

// Done is closed once Run has returned.
func (s *Synchronizer) Done() <-chan struct{} { return s.done }

// Health returns a copy of the current session state.
func (s *Synchronizer) Health() domain.StreamHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.health
	if h.LastError != nil {
		at := *h.LastError
		h.LastError = &at
	}
	return h
}

// Run drives the state machine until ctx ends or the provider permanently
// rejects the credentials. It returns the rejection error in the latter case
// and nil on cancellation.
func (s *Synchronizer) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()
	defer close(s.done)

	for {
		if ctx.Err() != nil {
			s.terminate(nil)
			return nil
		}
		err := s.session(ctx)
		if ctx.Err() != nil {
			s.terminate(nil)
			return nil
		}
		if errs.Is(err, errs.CodeAuth) {
			s.terminate(err)
			return err
		}
		delay, throttled := s.nextDelay(err)
		attempt := s.enterBackoff(err, delay)
		s.metrics.reconnect(s.account.ID, delay, throttled)
		s.logger.Printf("[%s]: reconnect attempt=%d delay=%s throttled=%t: %v", s.account.ID, attempt, delay.Round(time.Millisecond), throttled, err)
		if !s.wait(ctx, delay) {
			s.terminate(nil)
			return nil
		}
	}
}

// session runs one connection from dial to failure. The transport is fully
// closed before it returns.
func (s *Synchronizer) session(ctx context.Context) error {
	s.transition(domain.StreamConnecting)
	conn, err := s.dialer.DialStream(ctx, s.account)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	s.transition(domain.StreamAuthenticating)
	if err := s.authenticate(ctx, conn); err != nil {
		return err
	}
	subCtx, cancel := context.WithTimeout(ctx, s.cfg.AuthTimeout)
	err = conn.Subscribe(subCtx, upstream.TradeUpdatesStream)
	cancel()
	if err != nil {
		return err
	}
	s.subscribed()
	return s.consume(ctx, conn)
}

func (s *Synchronizer) authenticate(ctx context.Context, conn upstream.StreamConn) error {
	creds, err := s.creds.Credentials(ctx, s.account.CredentialRef)
	if err != nil {
		return err
	}
	defer creds.Wipe()

	authCtx, cancel := context.WithTimeout(ctx, s.cfg.AuthTimeout)
	defer cancel()
	err = conn.Authenticate(authCtx, creds)
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && errors.Is(authCtx.Err(), context.DeadlineExceeded) {
		return errs.New(source, errs.CodeNetwork,
			errs.WithAccount(s.account.ID),
			errs.WithMessage(fmt.Sprintf("authorization not acknowledged within %s", s.cfg.AuthTimeout)),
			errs.WithCanonicalCode(errs.CanonicalTransport),
			errs.WithCause(err))
	}
	return err
}

type received struct {
	evt domain.Event
	err error
}

// consume applies events until the transport fails, a heartbeat goes
// unanswered or ctx ends.
func (s *Synchronizer) consume(ctx context.Context, conn upstream.StreamConn) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		_ = conn.Close()
		wg.Wait()
	}()

	inbox := make(chan received)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			evt, err := conn.Next(ctx)
			select {
			case inbox <- received{evt: evt, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	missed := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		missed <- s.heartbeat(ctx, conn)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.refreshLoop(ctx)
	}()

	stable := time.NewTimer(s.cfg.StableAfter)
	defer stable.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-missed:
			if err != nil {
				return err
			}
		case <-stable.C:
			s.markStable()
		case in := <-inbox:
			if in.err != nil {
				return in.err
			}
			s.apply(in.evt)
		}
	}
}

func (s *Synchronizer) apply(evt domain.Event) {
	if evt == nil {
		return
	}
	s.metrics.event(s.account.ID, evt.Kind())
	if _, err := s.sink.Apply(s.account.ID, evt); err != nil {
		s.logger.Printf("[%s]: apply %s event: %v", s.account.ID, evt.Kind(), err)
	}
}

// heartbeat pings every HeartbeatInterval and returns the first failure.
func (s *Synchronizer) heartbeat(ctx context.Context, conn upstream.StreamConn) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.cfg.HeartbeatTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				return errs.New(source, errs.CodeNetwork,
					errs.WithAccount(s.account.ID),
					errs.WithMessage("heartbeat missed"),
					errs.WithCanonicalCode(errs.CanonicalTransport),
					errs.WithCause(err))
			}
		}
	}
}

func (s *Synchronizer) refreshLoop(ctx context.Context) {
	if s.rest == nil {
		return
	}
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
			s.logger.Printf("[%s]: balance refresh: %v", s.account.ID, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Refresh reloads the balance and positions through a pooled session and
// applies them as one BalanceRefresh. Concurrent calls share one round trip.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	if s.rest == nil {
		return nil
	}
	_, err, _ := s.refreshes.Do(s.account.ID, func() (any, error) {
		return nil, s.refresh(ctx)
	})
	return err
}

func (s *Synchronizer) refresh(ctx context.Context) (err error) {
	lease, err := s.rest.Borrow(ctx, s.account.ID)
	if err != nil {
		return err
	}
	defer func() { lease.ReleaseErr(err) }()

	balance, err := lease.Session().Account(ctx)
	if err != nil {
		return err
	}
	positions, err := lease.Session().Positions(ctx)
	if err != nil {
		return err
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	_, applyErr := s.sink.Apply(s.account.ID, domain.BalanceRefresh{
		Balance:   balance,
		Positions: positions,
		At:        s.now().UTC(),
	})
	if applyErr != nil {
		s.logger.Printf("[%s]: apply balance refresh: %v", s.account.ID, applyErr)
	}
	return nil
}

// nextDelay picks the wait before the next attempt. Provider throttling
// waits the server hint or ThrottleDelay instead of the exponential schedule.
func (s *Synchronizer) nextDelay(err error) (time.Duration, bool) {
	if errs.Is(err, errs.CodeThrottled) {
		if hint := errs.RetryAfter(err); hint > 0 {
			return hint, true
		}
		return s.cfg.ThrottleDelay, true
	}
	return s.bo.NextBackOff(), false
}

func (s *Synchronizer) wait(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Synchronizer) transition(state domain.StreamState) {
	s.mu.Lock()
	prev := s.health.State
	s.health.State = state
	s.health.Connected = state == domain.StreamSubscribed
	if state != domain.StreamSubscribed {
		s.health.SubscribedSince = time.Time{}
	}
	s.mu.Unlock()
	if prev != state {
		s.metrics.transition(s.account.ID, state)
	}
}

func (s *Synchronizer) subscribed() {
	s.transition(domain.StreamSubscribed)
	s.mu.Lock()
	s.health.SubscribedSince = s.now().UTC()
	s.health.NextReconnect = time.Time{}
	attempts := s.health.ReconnectAttempts
	s.mu.Unlock()
	s.logger.Printf("[%s]: subscribed to %s after %d attempts", s.account.ID, upstream.TradeUpdatesStream, attempts)
}

// markStable resets the attempt counter after StableAfter of continuous
// subscription.
func (s *Synchronizer) markStable() {
	s.mu.Lock()
	s.health.ReconnectAttempts = 0
	s.mu.Unlock()
	s.bo.Reset()
}

func (s *Synchronizer) enterBackoff(err error, delay time.Duration) int {
	s.transition(domain.StreamBackoff)
	now := s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health.ReconnectAttempts++
	s.health.NextReconnect = now.Add(delay)
	s.recordErrorLocked(err, now)
	return s.health.ReconnectAttempts
}

func (s *Synchronizer) terminate(err error) {
	s.transition(domain.StreamTerminated)
	s.mu.Lock()
	s.health.NextReconnect = time.Time{}
	if err != nil {
		s.recordErrorLocked(err, s.now().UTC())
	}
	s.mu.Unlock()
	if err != nil {
		s.logger.Printf("[%s]: terminated: %v", s.account.ID, err)
		return
	}
	s.logger.Printf("[%s]: stopped", s.account.ID)
}

func (s *Synchronizer) recordErrorLocked(err error, at time.Time) {
	if err == nil {
		return
	}
	s.health.LastError = &at
	s.health.LastErrorMessage = err.Error()
}
