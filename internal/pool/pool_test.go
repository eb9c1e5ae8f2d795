package pool

import (
	"context"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/brokerlink/errs"
	"github.com/coachpo/brokerlink/internal/credentials"
	"github.com/coachpo/brokerlink/internal/domain"
	"github.com/coachpo/brokerlink/internal/upstream/fake"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 5, 14, 30, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func staticCreds(refs ...string) *credentials.Static {
	s := credentials.NewStatic()
	for _, ref := range refs {
		s.Put(ref, "AK-"+ref, "secret-"+ref)
	}
	return s
}

func newTestManager(t *testing.T, broker *fake.Broker, cfg Config, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithLogger(log.New(io.Discard, "", 0))}, opts...)
	m := NewManager(broker, staticCreds("acct-1", "acct-2"), cfg, opts...)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func account(id string, limit int) domain.Account {
	return domain.Account{ID: id, ConnectionLimit: limit}.Normalize()
}

func TestSixthBorrowIsExhausted(t *testing.T) {
	broker := fake.New()
	m := newTestManager(t, broker, Config{Options: Options{AcquireTimeout: 50 * time.Millisecond}})
	_, err := m.Register(account("acct-1", 5))
	require.NoError(t, err)

	ctx := context.Background()
	leases := make([]*Lease, 0, 5)
	for i := 0; i < 5; i++ {
		lease, err := m.Borrow(ctx, "acct-1")
		require.NoError(t, err)
		leases = append(leases, lease)
	}

	start := time.Now()
	_, err = m.Borrow(ctx, "acct-1")
	require.Less(t, time.Since(start), time.Second)
	require.True(t, errs.Is(err, errs.CodeUnavailable))
	env, _ := errs.As(err)
	require.Equal(t, errs.CanonicalPoolExhausted, env.Canonical)

	leases[0].Release(OutcomeSuccess)
	lease, err := m.Borrow(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, leases[0].ConnID(), lease.ConnID())
	lease.Release(OutcomeSuccess)
	for _, l := range leases[1:] {
		l.Release(OutcomeSuccess)
	}
	require.Equal(t, 5, broker.Dials("acct-1"))
}

func TestWaiterGetsReleasedConnection(t *testing.T) {
	broker := fake.New()
	m := newTestManager(t, broker, Config{Options: Options{AcquireTimeout: time.Second}})
	_, err := m.Register(account("acct-1", 1))
	require.NoError(t, err)

	held, err := m.Borrow(context.Background(), "acct-1")
	require.NoError(t, err)
	go func() {
		time.Sleep(20 * time.Millisecond)
		held.Release(OutcomeSuccess)
	}()
	lease, err := m.Borrow(context.Background(), "acct-1")
	require.NoError(t, err)
	require.Equal(t, held.ConnID(), lease.ConnID())
	lease.Release(OutcomeSuccess)
}

func TestTooManyWaitersFailFast(t *testing.T) {
	broker := fake.New()
	m := newTestManager(t, broker, Config{Options: Options{AcquireTimeout: time.Second, MaxWaiters: 1}})
	p, err := m.Register(account("acct-1", 1))
	require.NoError(t, err)

	held, err := m.Borrow(context.Background(), "acct-1")
	require.NoError(t, err)
	defer held.Release(OutcomeSuccess)

	waiterDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		_, err := m.Borrow(ctx, "acct-1")
		waiterDone <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	_, err = m.Borrow(context.Background(), "acct-1")
	require.Less(t, time.Since(start), 100*time.Millisecond)
	require.True(t, errs.Is(err, errs.CodeUnavailable))
	require.Error(t, <-waiterDone)
}

func TestBorrowHonoursCancellation(t *testing.T) {
	broker := fake.New()
	m := newTestManager(t, broker, Config{Options: Options{AcquireTimeout: 10 * time.Second}})
	_, err := m.Register(account("acct-1", 1))
	require.NoError(t, err)
	held, err := m.Borrow(context.Background(), "acct-1")
	require.NoError(t, err)
	defer held.Release(OutcomeSuccess)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = m.Borrow(ctx, "acct-1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInUseNeverExceedsLimit(t *testing.T) {
	broker := fake.New()
	m := newTestManager(t, broker, Config{Options: Options{AcquireTimeout: 2 * time.Second, MaxWaiters: 100}})
	p, err := m.Register(account("acct-1", 3))
	require.NoError(t, err)

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := m.Borrow(context.Background(), "acct-1")
			if err != nil {
				return
			}
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			current.Add(-1)
			lease.Release(OutcomeSuccess)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, int(peak.Load()), 3)
	require.LessOrEqual(t, broker.OpenSessions("acct-1"), 3)
	stats := p.Stats()
	require.Equal(t, 0, stats.InUse)
	require.LessOrEqual(t, stats.Open, 3)
}

func TestTransportErrorTwiceClosesConnection(t *testing.T) {
	broker := fake.New()
	m := newTestManager(t, broker, Config{})
	p, err := m.Register(account("acct-1", 2))
	require.NoError(t, err)

	lease, err := m.Borrow(context.Background(), "acct-1")
	require.NoError(t, err)
	first := lease.ConnID()
	lease.Release(OutcomeTransportError)
	require.Equal(t, 1, p.Stats().Unhealthy)

	lease, err = m.Borrow(context.Background(), "acct-1")
	require.NoError(t, err)
	require.Equal(t, first, lease.ConnID(), "unhealthy connection is validated and reused")
	lease.Release(OutcomeTransportError)

	require.Equal(t, 0, broker.OpenSessions("acct-1"))
	require.Equal(t, 0, p.Stats().Open)

	lease, err = m.Borrow(context.Background(), "acct-1")
	require.NoError(t, err)
	require.NotEqual(t, first, lease.ConnID())
	lease.Release(OutcomeSuccess)
}

func TestSuccessResetsStrikes(t *testing.T) {
	broker := fake.New()
	m := newTestManager(t, broker, Config{})
	_, err := m.Register(account("acct-1", 1))
	require.NoError(t, err)

	lease, _ := m.Borrow(context.Background(), "acct-1")
	id := lease.ConnID()
	lease.Release(OutcomeTransportError)
	lease, _ = m.Borrow(context.Background(), "acct-1")
	lease.Release(OutcomeBusinessError)
	lease, _ = m.Borrow(context.Background(), "acct-1")
	lease.Release(OutcomeTransportError)

	lease, err = m.Borrow(context.Background(), "acct-1")
	require.NoError(t, err)
	require.Equal(t, id, lease.ConnID())
	lease.Release(OutcomeSuccess)
}

func TestFailedValidationDiscardsConnection(t *testing.T) {
	broker := fake.New()
	m := newTestManager(t, broker, Config{})
	_, err := m.Register(account("acct-1", 1))
	require.NoError(t, err)

	lease, err := m.Borrow(context.Background(), "acct-1")
	require.NoError(t, err)
	first := lease.ConnID()
	lease.Release(OutcomeTransportError)

	broker.SetPingFailure("acct-1", true)
	lease, err = m.Borrow(context.Background(), "acct-1")
	require.NoError(t, err)
	require.NotEqual(t, first, lease.ConnID())
	lease.Release(OutcomeSuccess)
	require.Equal(t, 2, broker.Dials("acct-1"))
}

func TestReleaseIsIdempotent(t *testing.T) {
	broker := fake.New()
	m := newTestManager(t, broker, Config{})
	p, err := m.Register(account("acct-1", 1))
	require.NoError(t, err)

	lease, err := m.Borrow(context.Background(), "acct-1")
	require.NoError(t, err)
	lease.Release(OutcomeSuccess)
	lease.Release(OutcomeTransportError)
	lease.ReleaseErr(nil)

	stats := p.Stats()
	require.Equal(t, 0, stats.InUse)
	require.Equal(t, 1, stats.Idle)
	require.Equal(t, 0, stats.Unhealthy)
}

func TestIdleSweep(t *testing.T) {
	clock := newTestClock()
	broker := fake.New()
	m := newTestManager(t, broker, Config{Options: Options{IdleTimeout: time.Minute}}, WithClock(clock.Now))
	p, err := m.Register(account("acct-1", 2))
	require.NoError(t, err)

	a, _ := m.Borrow(context.Background(), "acct-1")
	b, _ := m.Borrow(context.Background(), "acct-1")
	a.Release(OutcomeSuccess)
	clock.Advance(45 * time.Second)
	b.Release(OutcomeSuccess)
	clock.Advance(30 * time.Second)

	m.Sweep(context.Background())
	stats := p.Stats()
	require.Equal(t, 1, stats.Idle)
	require.Equal(t, 1, stats.Open)
	require.Equal(t, 1, broker.OpenSessions("acct-1"))

	clock.Advance(2 * time.Minute)
	lease, err := m.Borrow(context.Background(), "acct-1")
	require.NoError(t, err)
	require.NotEqual(t, b.ConnID(), lease.ConnID(), "expired idle connection is not reused")
	lease.Release(OutcomeSuccess)
}

func TestSweepRevalidatesUnhealthy(t *testing.T) {
	broker := fake.New()
	m := newTestManager(t, broker, Config{})
	p, err := m.Register(account("acct-1", 1))
	require.NoError(t, err)

	lease, _ := m.Borrow(context.Background(), "acct-1")
	lease.Release(OutcomeTransportError)
	broker.SetPingFailure("acct-1", true)
	m.Sweep(context.Background())

	stats := p.Stats()
	require.Equal(t, 0, stats.Idle)
	require.Equal(t, 0, stats.Unhealthy)
	require.Equal(t, 0, broker.OpenSessions("acct-1"))
}

func TestCooldown(t *testing.T) {
	clock := newTestClock()
	broker := fake.New()
	m := newTestManager(t, broker, Config{}, WithClock(clock.Now))
	p, err := m.Register(account("acct-1", 1))
	require.NoError(t, err)

	p.Cooldown(clock.Now().Add(time.Minute))
	_, err = m.Borrow(context.Background(), "acct-1")
	require.True(t, errs.Is(err, errs.CodeThrottled))
	require.Equal(t, time.Minute, errs.RetryAfter(err))
	require.Equal(t, 0, broker.Dials("acct-1"))

	clock.Advance(time.Minute)
	lease, err := m.Borrow(context.Background(), "acct-1")
	require.NoError(t, err)

	throttled := errs.New("upstream", errs.CodeThrottled, errs.WithRetryAfter(10*time.Second))
	lease.ReleaseErr(throttled)
	require.Equal(t, clock.Now().Add(10*time.Second), p.Stats().CooldownUntil)
	require.Equal(t, 1, p.Stats().Idle, "throttling does not mark the connection unhealthy")
}

func TestDialThrottleStartsCooldown(t *testing.T) {
	broker := fake.New()
	broker.Throttle("acct-1", 30*time.Second)
	m := newTestManager(t, broker, Config{})
	p, err := m.Register(account("acct-1", 1))
	require.NoError(t, err)

	_, err = m.Borrow(context.Background(), "acct-1")
	require.True(t, errs.Is(err, errs.CodeThrottled))
	_, err = m.Borrow(context.Background(), "acct-1")
	require.True(t, errs.Is(err, errs.CodeThrottled))
	require.Equal(t, 1, broker.Dials("acct-1"), "cooldown fails fast without dialing")
	require.Equal(t, 0, p.Stats().InUse)
}

func TestAuthFailureFreesSlot(t *testing.T) {
	broker := fake.New()
	broker.SetAuth("acct-1", fake.AuthReject)
	m := newTestManager(t, broker, Config{})
	p, err := m.Register(account("acct-1", 1))
	require.NoError(t, err)

	_, err = m.Borrow(context.Background(), "acct-1")
	require.True(t, errs.Is(err, errs.CodeAuth))
	require.Equal(t, 0, p.Stats().InUse)

	broker.SetAuth("acct-1", fake.AuthAccept)
	lease, err := m.Borrow(context.Background(), "acct-1")
	require.NoError(t, err)
	lease.Release(OutcomeSuccess)
}

func TestMissingCredentials(t *testing.T) {
	broker := fake.New()
	m := newTestManager(t, broker, Config{})
	_, err := m.Register(domain.Account{ID: "acct-9", CredentialRef: "nope", ConnectionLimit: 1})
	require.NoError(t, err)

	_, err = m.Borrow(context.Background(), "acct-9")
	require.True(t, errs.Is(err, errs.CodeAuth))
	require.ErrorIs(t, err, credentials.ErrNotFound)
}

func TestOutcomeFor(t *testing.T) {
	require.Equal(t, OutcomeSuccess, OutcomeFor(nil))
	require.Equal(t, OutcomeTransportError, OutcomeFor(errs.New("x", errs.CodeNetwork)))
	require.Equal(t, OutcomeTransportError, OutcomeFor(errs.New("x", errs.CodeAuth)))
	require.Equal(t, OutcomeBusinessError, OutcomeFor(errs.New("x", errs.CodeExchange)))
	require.Equal(t, OutcomeBusinessError, OutcomeFor(errs.New("x", errs.CodeThrottled)))
	require.Equal(t, OutcomeBusinessError, OutcomeFor(context.Canceled))
}

func TestSweepNeverLetsOpenExceedLimit(t *testing.T) {
	broker := fake.New(fake.WithLatency(100 * time.Millisecond))
	m := newTestManager(t, broker, Config{Options: Options{AcquireTimeout: time.Second}})
	p, err := m.Register(account("acct-1", 1))
	require.NoError(t, err)

	lease, err := m.Borrow(context.Background(), "acct-1")
	require.NoError(t, err)
	first := lease.ConnID()
	lease.Release(OutcomeTransportError)

	swept := make(chan struct{})
	go func() {
		defer close(swept)
		m.Sweep(context.Background())
	}()
	require.Eventually(t, func() bool { return p.Stats().InUse == 1 }, time.Second, time.Millisecond,
		"sweep holds a slot while it pings the suspect")

	lease, err = m.Borrow(context.Background(), "acct-1")
	require.NoError(t, err)
	<-swept
	require.Equal(t, first, lease.ConnID(), "revalidated connection is reused rather than dialing")
	require.Equal(t, 1, broker.Dials("acct-1"))
	require.Equal(t, 1, broker.OpenSessions("acct-1"))
	require.Equal(t, 1, p.Stats().Open)
	lease.Release(OutcomeSuccess)
}

func TestDialFailureReportsUnhealthy(t *testing.T) {
	broker := fake.New()
	broker.FailDials("acct-1", 1)
	m := newTestManager(t, broker, Config{})
	p, err := m.Register(account("acct-1", 1))
	require.NoError(t, err)

	_, err = m.Borrow(context.Background(), "acct-1")
	require.True(t, errs.Is(err, errs.CodeUnavailable))
	env, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.CanonicalConnectionUnhealthy, env.Canonical)
	stats := p.Stats()
	require.Equal(t, 0, stats.InUse)
	require.Equal(t, 0, stats.Open)

	lease, err := m.Borrow(context.Background(), "acct-1")
	require.NoError(t, err)
	lease.Release(OutcomeSuccess)
	require.Equal(t, 1, p.Stats().Open)
}

func TestCloseRacingBorrowers(t *testing.T) {
	broker := fake.New()
	m := newTestManager(t, broker, Config{Options: Options{AcquireTimeout: 10 * time.Millisecond, MaxWaiters: 100}})
	p, err := m.Register(account("acct-1", 3))
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				lease, err := p.Borrow(context.Background())
				if err != nil {
					continue
				}
				lease.Release(OutcomeSuccess)
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))
	close(stop)
	wg.Wait()

	_, err = p.Borrow(context.Background())
	require.True(t, errs.Is(err, errs.CodeUnavailable))
	require.Equal(t, 0, broker.OpenSessions("acct-1"))
	require.Equal(t, 0, p.Stats().Open)
}
