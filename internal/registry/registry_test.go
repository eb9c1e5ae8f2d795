package registry

import (
	"context"
	"io"
	"log"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coachpo/brokerlink/errs"
	"github.com/coachpo/brokerlink/internal/config"
	"github.com/coachpo/brokerlink/internal/credentials"
	"github.com/coachpo/brokerlink/internal/dispatcher"
	"github.com/coachpo/brokerlink/internal/domain"
	"github.com/coachpo/brokerlink/internal/state"
	"github.com/coachpo/brokerlink/internal/stream"
	"github.com/coachpo/brokerlink/internal/upstream"
	"github.com/coachpo/brokerlink/internal/upstream/fake"
)

var quiet = log.New(io.Discard, "", 0)

func testConfig() Config {
	return Config{
		Stream: stream.Config{
			AuthTimeout: 200 * time.Millisecond,
			BackoffBase: 5 * time.Millisecond,
			BackoffMax:  20 * time.Millisecond,
		},
		PruneInterval: 10 * time.Millisecond,
	}
}

func newRegistry(t *testing.T, broker *fake.Broker, creds credentials.Provider, observers ...state.Observer) *Registry {
	t.Helper()
	r, err := New(Deps{Dialer: broker, StreamDialer: broker, Credentials: creds, Observers: observers}, testConfig(), WithLogger(quiet))
	require.NoError(t, err)
	return r
}

func staticCreds(ids ...string) *credentials.Static {
	creds := credentials.NewStatic()
	for _, id := range ids {
		creds.Put(id, "AK-"+id, "secret-"+id)
	}
	return creds
}

func subscribed(r *Registry, id string) func() bool {
	return func() bool {
		h, err := r.Health(id)
		return err == nil && h.Stream.State == domain.StreamSubscribed
	}
}

func shutdown(t *testing.T, r *Registry) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
}

func TestLifecycleEndToEnd(t *testing.T) {
	defer goleak.VerifyNone(t)
	broker := fake.New()
	broker.SetBalance("acct-1", domain.Balance{Cash: decimal.NewFromInt(500), Equity: decimal.NewFromInt(500)})

	var observed atomic.Int64
	r := newRegistry(t, broker, staticCreds("acct-1", "acct-2"), state.ObserverFunc(func(state.Snapshot) {
		observed.Add(1)
	}))
	err := r.Start(context.Background(), []domain.Account{
		{ID: "acct-1", Tier: domain.TierPremium},
		{ID: "acct-2"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"acct-1", "acct-2"}, r.Accounts())
	require.Eventually(t, subscribed(r, "acct-1"), time.Second, 5*time.Millisecond)
	require.Eventually(t, subscribed(r, "acct-2"), time.Second, 5*time.Millisecond)

	res, err := r.Dispatcher().Execute(context.Background(), "acct-1", dispatcher.GetQuote{Symbol: "msft"})
	require.NoError(t, err)
	require.Equal(t, "MSFT", res.Quote.Symbol)

	order := domain.Order{ID: "o-1", Symbol: "AAPL", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Qty: decimal.NewFromInt(1), Status: domain.OrderStatusNew}
	require.Eventually(t, func() bool { return broker.Push("acct-1", domain.OrderUpdate{Order: order, At: time.Now()}) > 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		snap, err := r.Store().Read("acct-1")
		if err != nil {
			return false
		}
		_, ok := snap.Order("o-1")
		return ok
	}, time.Second, 5*time.Millisecond)

	h, err := r.Health("acct-1")
	require.NoError(t, err)
	require.Equal(t, "acct-1", h.AccountID)
	require.Positive(t, h.StateSeq)
	require.Equal(t, domain.DefaultConnectionLimit, h.Pool.Limit)

	shutdown(t, r)
	require.Zero(t, broker.OpenStreams("acct-1"))
	require.Zero(t, broker.OpenSessions("acct-1"))
	require.Positive(t, observed.Load())

	require.ErrorIs(t, r.Register(domain.Account{ID: "acct-3"}), ErrClosed)
	require.NoError(t, r.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestStartFailsOnMissingCredentials(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := newRegistry(t, fake.New(), staticCreds("acct-1"))
	err := r.Start(context.Background(), []domain.Account{{ID: "acct-1"}, {ID: "acct-2"}})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeAuth))
	shutdown(t, r)
}

func TestRegisterBeforeStart(t *testing.T) {
	r := newRegistry(t, fake.New(), staticCreds("acct-1"))
	require.ErrorIs(t, r.Register(domain.Account{ID: "acct-1"}), ErrNotStarted)
	require.NoError(t, r.Shutdown(context.Background()))
}

func TestRegisterRejectsDuplicatesAndBadAccounts(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := newRegistry(t, fake.New(), staticCreds("acct-1"))
	require.NoError(t, r.Start(context.Background(), []domain.Account{{ID: "acct-1"}}))

	err := r.Register(domain.Account{ID: "acct-1"})
	require.True(t, errs.Is(err, errs.CodeConflict))

	err = r.Register(domain.Account{ID: "acct-9", Tier: "gold"})
	require.True(t, errs.Is(err, errs.CodeInvalid))

	shutdown(t, r)
}

func TestDeregisterReleasesEverything(t *testing.T) {
	defer goleak.VerifyNone(t)
	broker := fake.New()
	r := newRegistry(t, broker, staticCreds("acct-1", "acct-2"))
	require.NoError(t, r.Start(context.Background(), []domain.Account{{ID: "acct-1"}, {ID: "acct-2"}}))
	require.Eventually(t, subscribed(r, "acct-1"), time.Second, 5*time.Millisecond)

	_, err := r.Dispatcher().Execute(context.Background(), "acct-1", dispatcher.GetAccount{})
	require.NoError(t, err)

	require.NoError(t, r.Deregister(context.Background(), "acct-1"))
	require.Zero(t, broker.OpenStreams("acct-1"))
	require.Zero(t, broker.OpenSessions("acct-1"))

	_, err = r.Health("acct-1")
	require.True(t, errs.Is(err, errs.CodeNotFound))
	_, err = r.Store().Read("acct-1")
	require.True(t, errs.Is(err, errs.CodeNotFound))
	_, err = r.Dispatcher().Execute(context.Background(), "acct-1", dispatcher.GetAccount{})
	require.True(t, errs.Is(err, errs.CodeNotFound))

	err = r.Deregister(context.Background(), "acct-1")
	require.True(t, errs.Is(err, errs.CodeNotFound))

	_, err = r.Health("acct-2")
	require.NoError(t, err, "other accounts are untouched")
	shutdown(t, r)
}

func TestRegisterRestartsTerminatedSynchronizer(t *testing.T) {
	defer goleak.VerifyNone(t)
	broker := fake.New()
	broker.SetAuth("acct-1", fake.AuthReject)
	r := newRegistry(t, broker, staticCreds("acct-1"))
	require.NoError(t, r.Start(context.Background(), []domain.Account{{ID: "acct-1"}}))
	require.Eventually(t, func() bool {
		h, err := r.Health("acct-1")
		return err == nil && h.Stream.State == domain.StreamTerminated
	}, time.Second, 5*time.Millisecond)

	broker.SetAuth("acct-1", fake.AuthAccept)
	require.NoError(t, r.Register(domain.Account{ID: "acct-1"}))
	require.Eventually(t, subscribed(r, "acct-1"), time.Second, 5*time.Millisecond)
	shutdown(t, r)
}

func TestConfigFromApplication(t *testing.T) {
	app := config.Default()
	app.Accounts = []config.AccountConfig{{ID: "acct-1", Tier: "premium", ConnectionLimit: 3}}

	cfg := ConfigFrom(app)
	require.Equal(t, 300, cfg.Limits.Tiers[domain.TierPremium].Capacity)
	require.Equal(t, 10, cfg.Limits.Endpoints[domain.EndpointTrading].Capacity)
	require.Equal(t, app.Stream.BackoffMax, cfg.Stream.BackoffMax)
	require.Equal(t, app.Limits.IdleTTL, cfg.LimiterIdleTTL)

	accounts := Accounts(app)
	require.Len(t, accounts, 1)
	require.Equal(t, domain.TierPremium, accounts[0].Tier)
	require.Equal(t, domain.ModePaper, accounts[0].Mode)
	require.Equal(t, "acct-1", accounts[0].CredentialRef)
	require.Equal(t, 3, accounts[0].ConnectionLimit)
}

func TestReconnectStormDoesNotSlowOtherAccountCalls(t *testing.T) {
	defer goleak.VerifyNone(t)
	broker := fake.New()
	broker.FailStreamDials("acct-noisy", 1_000_000)
	r := newRegistry(t, broker, staticCreds("acct-noisy", "acct-calm"))
	require.NoError(t, r.Start(context.Background(), []domain.Account{{ID: "acct-noisy"}, {ID: "acct-calm"}}))
	require.Eventually(t, subscribed(r, "acct-calm"), time.Second, 5*time.Millisecond)

	before := broker.StreamDials("acct-noisy")
	var slowest time.Duration
	for i := 0; i < 50 && broker.StreamDials("acct-noisy") < before+5; i++ {
		began := time.Now()
		_, err := r.Dispatcher().Execute(context.Background(), "acct-calm", dispatcher.GetQuote{Symbol: "AAPL"})
		require.NoError(t, err)
		slowest = max(slowest, time.Since(began))
		time.Sleep(10 * time.Millisecond)
	}
	require.GreaterOrEqual(t, broker.StreamDials("acct-noisy"), before+5, "noisy account kept reconnecting")
	require.Less(t, slowest, 100*time.Millisecond)

	h, err := r.Health("acct-noisy")
	require.NoError(t, err)
	require.NotEqual(t, domain.StreamSubscribed, h.Stream.State)
	shutdown(t, r)
}

// closeGate holds stream Close calls until release is closed.
type closeGate struct {
	*fake.Broker
	release chan struct{}
}

func (g closeGate) DialStream(ctx context.Context, account domain.Account) (upstream.StreamConn, error) {
	conn, err := g.Broker.DialStream(ctx, account)
	if err != nil {
		return nil, err
	}
	return gatedConn{StreamConn: conn, release: g.release}, nil
}

type gatedConn struct {
	upstream.StreamConn
	release <-chan struct{}
}

func (c gatedConn) Close() error {
	<-c.release
	return c.StreamConn.Close()
}

func TestDeregisterTimeoutKeepsAccountRegistered(t *testing.T) {
	defer goleak.VerifyNone(t)
	broker := fake.New()
	gate := closeGate{Broker: broker, release: make(chan struct{})}
	r, err := New(Deps{Dialer: broker, StreamDialer: gate, Credentials: staticCreds("acct-1")}, testConfig(), WithLogger(quiet))
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background(), []domain.Account{{ID: "acct-1"}}))
	require.Eventually(t, subscribed(r, "acct-1"), time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = r.Deregister(ctx, "acct-1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = r.Health("acct-1")
	require.NoError(t, err, "account stays registered after an interrupted deregister")
	_, err = r.Dispatcher().Execute(context.Background(), "acct-1", dispatcher.GetAccount{})
	require.NoError(t, err)

	close(gate.release)
	require.NoError(t, r.Deregister(context.Background(), "acct-1"))
	require.Zero(t, broker.OpenSessions("acct-1"))

	require.NoError(t, r.Register(domain.Account{ID: "acct-1"}))
	require.Eventually(t, subscribed(r, "acct-1"), time.Second, 5*time.Millisecond)
	shutdown(t, r)
}
