package stream

import (
	"context"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coachpo/brokerlink/errs"
	"github.com/coachpo/brokerlink/internal/credentials"
	"github.com/coachpo/brokerlink/internal/domain"
	"github.com/coachpo/brokerlink/internal/pool"
	"github.com/coachpo/brokerlink/internal/state"
	"github.com/coachpo/brokerlink/internal/upstream/fake"
)

var quiet = log.New(io.Discard, "", 0)

type harness struct {
	broker *fake.Broker
	store  *state.Store
	creds  *credentials.Static
}

func newHarness(accounts ...string) *harness {
	h := &harness{
		broker: fake.New(),
		store:  state.NewStore(state.WithLogger(quiet)),
		creds:  credentials.NewStatic(),
	}
	for _, id := range accounts {
		h.store.Init(id)
		h.creds.Put(id, "AK-"+id, "secret-"+id)
	}
	return h
}

func (h *harness) sync(id string, cfg Config, opts ...Option) *Synchronizer {
	acct := domain.Account{ID: id}.Normalize()
	opts = append([]Option{WithLogger(quiet)}, opts...)
	return New(acct, h.broker, h.creds, h.store, cfg, opts...)
}

func start(s *Synchronizer) func() error {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return func() error {
		cancel()
		return <-done
	}
}

func fastConfig() Config {
	return Config{
		AuthTimeout: 200 * time.Millisecond,
		BackoffBase: 5 * time.Millisecond,
		BackoffMax:  20 * time.Millisecond,
	}
}

func inState(s *Synchronizer, state domain.StreamState) func() bool {
	return func() bool { return s.Health().State == state }
}

func TestBackoffScheduleDoublesAndCaps(t *testing.T) {
	cfg := Config{BackoffBase: time.Second, BackoffMax: 300 * time.Second}
	require.Equal(t, time.Second, cfg.Base(1))
	require.Equal(t, 2*time.Second, cfg.Base(2))
	require.Equal(t, 4*time.Second, cfg.Base(3))
	require.Equal(t, 256*time.Second, cfg.Base(9))
	require.Equal(t, 300*time.Second, cfg.Base(10))
	require.Equal(t, 300*time.Second, cfg.Base(40))

	lo, hi := cfg.Bounds(3)
	require.Equal(t, 3200*time.Millisecond, lo)
	require.Equal(t, 4800*time.Millisecond, hi)
}

func TestBackoffJitterStaysInBounds(t *testing.T) {
	cfg := Config{BackoffBase: time.Second, BackoffMax: 300 * time.Second}
	for run := 0; run < 50; run++ {
		bo := cfg.newBackOff()
		for attempt := 1; attempt <= 12; attempt++ {
			d := bo.NextBackOff()
			lo, hi := cfg.Bounds(attempt)
			require.GreaterOrEqual(t, d, lo, "attempt %d", attempt)
			require.LessOrEqual(t, d, hi+time.Millisecond, "attempt %d", attempt)
		}
	}
}

func TestSubscribeAppliesEvents(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness("acct-1")
	s := h.sync("acct-1", fastConfig())
	stop := start(s)

	require.Eventually(t, inState(s, domain.StreamSubscribed), time.Second, 5*time.Millisecond)
	require.True(t, s.Health().Connected)

	now := time.Now().UTC()
	require.Equal(t, 1, h.broker.Push("acct-1", domain.OrderUpdate{
		Order: domain.Order{ID: "o-1", Symbol: "AAPL", Side: domain.SideBuy, Qty: decimal.NewFromInt(1), Status: domain.OrderStatusAccepted, UpdatedAt: now},
		At:    now,
	}))
	h.broker.Push("acct-1", domain.Unknown{Type: "mystery", Reason: "unmapped"})
	h.broker.Push("acct-1", domain.Fill{
		Order: domain.Order{ID: "o-1", Status: domain.OrderStatusFilled, FilledQty: decimal.NewFromInt(1), UpdatedAt: now.Add(time.Second)},
		Qty:   decimal.NewFromInt(1),
		Price: decimal.NewFromInt(190),
		At:    now.Add(time.Second),
	})

	require.Eventually(t, func() bool {
		snap, err := h.store.Read("acct-1")
		return err == nil && snap.Orders["o-1"].Status == domain.OrderStatusFilled
	}, time.Second, 5*time.Millisecond)
	snap, _ := h.store.Read("acct-1")
	require.Equal(t, uint64(2), snap.Seq, "unknown events are dropped")
	require.True(t, snap.Positions["AAPL"].Qty.Equal(decimal.NewFromInt(1)))
	require.Equal(t, domain.StreamSubscribed, s.Health().State, "session survives unknown events")

	require.NoError(t, stop())
	require.Equal(t, domain.StreamTerminated, s.Health().State)
	require.Equal(t, 0, h.broker.OpenStreams("acct-1"))
	<-s.Done()
}

func TestAuthNeverAcknowledgedBacksOff(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness("acct-1")
	h.broker.SetAuth("acct-1", fake.AuthHang)
	cfg := fastConfig()
	cfg.AuthTimeout = 20 * time.Millisecond
	cfg.BackoffBase = time.Hour
	cfg.BackoffMax = time.Hour
	s := h.sync("acct-1", cfg)
	stop := start(s)

	require.Eventually(t, inState(s, domain.StreamBackoff), time.Second, 5*time.Millisecond)
	health := s.Health()
	require.Equal(t, 1, health.ReconnectAttempts)
	require.False(t, health.Connected)
	require.NotNil(t, health.LastError)
	require.True(t, health.NextReconnect.After(*health.LastError))
	require.Contains(t, health.LastErrorMessage, "not acknowledged")
	require.Equal(t, 0, h.broker.OpenStreams("acct-1"), "transport closed before waiting")

	began := time.Now()
	require.NoError(t, stop())
	require.Less(t, time.Since(began), time.Second, "backoff wait is abandoned on cancellation")
	require.Equal(t, domain.StreamTerminated, s.Health().State)
}

func TestRejectedCredentialsTerminate(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness("acct-1")
	h.broker.SetAuth("acct-1", fake.AuthReject)
	s := h.sync("acct-1", fastConfig())

	err := s.Run(context.Background())
	require.True(t, errs.Is(err, errs.CodeAuth))
	require.Equal(t, domain.StreamTerminated, s.Health().State)
	require.Equal(t, 1, h.broker.StreamDials("acct-1"), "no reconnection after rejection")
	require.Equal(t, 0, h.broker.OpenStreams("acct-1"))
	require.ErrorIs(t, s.Run(context.Background()), ErrAlreadyRunning)
}

func TestMissingCredentialsTerminate(t *testing.T) {
	h := newHarness()
	h.store.Init("acct-9")
	s := h.sync("acct-9", fastConfig())
	err := s.Run(context.Background())
	require.True(t, errs.Is(err, errs.CodeAuth))
	require.Equal(t, domain.StreamTerminated, s.Health().State)
}

func TestDialFailuresCountAttempts(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness("acct-1")
	h.broker.FailStreamDials("acct-1", 3)
	s := h.sync("acct-1", fastConfig())
	stop := start(s)

	require.Eventually(t, inState(s, domain.StreamSubscribed), time.Second, 5*time.Millisecond)
	require.Equal(t, 4, h.broker.StreamDials("acct-1"))
	require.Equal(t, 3, s.Health().ReconnectAttempts)
	require.NoError(t, stop())
}

func TestReconnectAfterDrop(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness("acct-1")
	s := h.sync("acct-1", fastConfig())
	stop := start(s)

	require.Eventually(t, inState(s, domain.StreamSubscribed), time.Second, 5*time.Millisecond)
	h.broker.DropStreams("acct-1")
	require.Eventually(t, func() bool {
		return h.broker.StreamDials("acct-1") == 2 && s.Health().State == domain.StreamSubscribed
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, s.Health().ReconnectAttempts)
	require.LessOrEqual(t, h.broker.OpenStreams("acct-1"), 1, "at most one live stream per account")
	require.NoError(t, stop())
}

func TestAttemptsResetAfterStableSubscription(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness("acct-1")
	h.broker.FailStreamDials("acct-1", 2)
	cfg := fastConfig()
	cfg.StableAfter = 50 * time.Millisecond
	s := h.sync("acct-1", cfg)
	stop := start(s)

	require.Eventually(t, inState(s, domain.StreamSubscribed), time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool { return s.Health().ReconnectAttempts == 0 }, time.Second, 5*time.Millisecond)
	require.Equal(t, domain.StreamSubscribed, s.Health().State)
	require.NoError(t, stop())
}

func TestThrottleUsesServerHint(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness("acct-1")
	h.broker.Throttle("acct-1", 40*time.Second)
	s := h.sync("acct-1", fastConfig())
	stop := start(s)

	require.Eventually(t, inState(s, domain.StreamBackoff), time.Second, 5*time.Millisecond)
	health := s.Health()
	require.Equal(t, 40*time.Second, health.NextReconnect.Sub(*health.LastError))
	require.NoError(t, stop())
}

func TestThrottleWithoutHintUsesFixedDelay(t *testing.T) {
	h := newHarness("acct-1")
	s := h.sync("acct-1", Config{ThrottleDelay: 90 * time.Second})
	delay, throttled := s.nextDelay(errs.New("upstream", errs.CodeThrottled))
	require.True(t, throttled)
	require.Equal(t, 90*time.Second, delay)

	delay, throttled = s.nextDelay(errs.New("upstream", errs.CodeNetwork))
	require.False(t, throttled)
	lo, hi := s.cfg.Bounds(1)
	require.GreaterOrEqual(t, delay, lo)
	require.LessOrEqual(t, delay, hi+time.Millisecond)
}

func TestMissedHeartbeatReconnects(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness("acct-1")
	cfg := fastConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.HeartbeatTimeout = 10 * time.Millisecond
	s := h.sync("acct-1", cfg)
	stop := start(s)

	require.Eventually(t, inState(s, domain.StreamSubscribed), time.Second, 2*time.Millisecond)
	h.broker.SetPingFailure("acct-1", true)
	require.Eventually(t, func() bool {
		return strings.Contains(s.Health().LastErrorMessage, "heartbeat")
	}, time.Second, 2*time.Millisecond)

	h.broker.SetPingFailure("acct-1", false)
	require.Eventually(t, func() bool {
		return s.Health().State == domain.StreamSubscribed && h.broker.StreamDials("acct-1") >= 2
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, stop())
}

func TestReconnectStormDoesNotDelayOtherAccounts(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness("acct-noisy", "acct-calm")
	h.broker.FailStreamDials("acct-noisy", 1_000_000)
	cfg := fastConfig()
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMax = 2 * time.Millisecond

	noisy := h.sync("acct-noisy", cfg)
	calm := h.sync("acct-calm", cfg)
	stopNoisy := start(noisy)
	stopCalm := start(calm)

	require.Eventually(t, inState(calm, domain.StreamSubscribed), time.Second, 2*time.Millisecond)
	pushed := time.Now()
	h.broker.Push("acct-calm", domain.OrderUpdate{Order: domain.Order{ID: "o-1", Status: domain.OrderStatusNew, UpdatedAt: pushed}})
	require.Eventually(t, func() bool {
		snap, _ := h.store.Read("acct-calm")
		_, ok := snap.Order("o-1")
		return ok
	}, 250*time.Millisecond, time.Millisecond)
	require.Greater(t, noisy.Health().ReconnectAttempts, 0)
	require.NotEqual(t, domain.StreamSubscribed, noisy.Health().State)

	require.NoError(t, stopNoisy())
	require.NoError(t, stopCalm())
}

func TestSubscribeRefreshesBalance(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness("acct-1")
	h.broker.SetBalance("acct-1", domain.Balance{Cash: decimal.NewFromInt(1234), Equity: decimal.NewFromInt(1500)})
	h.broker.SetPositions("acct-1", []domain.Position{{Symbol: "MSFT", Qty: decimal.NewFromInt(7)}})

	mgr := pool.NewManager(h.broker, h.creds, pool.Config{}, pool.WithLogger(quiet))
	_, err := mgr.Register(domain.Account{ID: "acct-1"}.Normalize())
	require.NoError(t, err)

	s := h.sync("acct-1", fastConfig(), WithRefresher(mgr))
	stop := start(s)
	require.Eventually(t, func() bool {
		snap, _ := h.store.Read("acct-1")
		return snap.Balance.Cash.Equal(decimal.NewFromInt(1234))
	}, time.Second, 5*time.Millisecond)

	snap, _ := h.store.Read("acct-1")
	require.True(t, snap.Positions["MSFT"].Qty.Equal(decimal.NewFromInt(7)))

	require.NoError(t, s.Refresh(context.Background()))
	require.NoError(t, stop())
	stats, _ := mgr.Stats("acct-1")
	require.Equal(t, 0, stats.InUse, "refresh returns its lease")
	require.NoError(t, mgr.Shutdown(context.Background()))
}
