package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coachpo/brokerlink/errs"
	"github.com/coachpo/brokerlink/internal/upstream/fake"
)

func TestRegisterDuplicateAndUnknown(t *testing.T) {
	m := newTestManager(t, fake.New(), Config{})
	_, err := m.Register(account("acct-1", 2))
	require.NoError(t, err)

	_, err = m.Register(account("acct-1", 2))
	require.True(t, errs.Is(err, errs.CodeConflict))

	_, err = m.Borrow(context.Background(), "ghost")
	require.True(t, errs.Is(err, errs.CodeNotFound))

	_, ok := m.Stats("ghost")
	require.False(t, ok)
	stats, ok := m.Stats("acct-1")
	require.True(t, ok)
	require.Equal(t, 2, stats.Limit)
}

func TestRemoveClosesIdleAndRejectsBorrow(t *testing.T) {
	broker := fake.New()
	m := newTestManager(t, broker, Config{})
	_, err := m.Register(account("acct-1", 2))
	require.NoError(t, err)

	lease, err := m.Borrow(context.Background(), "acct-1")
	require.NoError(t, err)
	lease.Release(OutcomeSuccess)
	require.Equal(t, 1, broker.OpenSessions("acct-1"))

	require.NoError(t, m.Remove(context.Background(), "acct-1"))
	require.Equal(t, 0, broker.OpenSessions("acct-1"))
	_, err = m.Borrow(context.Background(), "acct-1")
	require.True(t, errs.Is(err, errs.CodeNotFound))
	require.True(t, errs.Is(m.Remove(context.Background(), "acct-1"), errs.CodeNotFound))
}

func TestShutdownWaitsForLeases(t *testing.T) {
	broker := fake.New()
	m := newTestManager(t, broker, Config{})
	_, err := m.Register(account("acct-1", 2))
	require.NoError(t, err)

	lease, err := m.Borrow(context.Background(), "acct-1")
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		lease.Release(OutcomeSuccess)
	}()
	require.NoError(t, m.Shutdown(context.Background()))
	require.Equal(t, 0, broker.OpenSessions("acct-1"), "leased connection closes on release after shutdown")

	_, err = m.Borrow(context.Background(), "acct-1")
	require.True(t, errs.Is(err, errs.CodeUnavailable))
	_, err = m.Register(account("acct-2", 1))
	require.ErrorIs(t, err, ErrManagerClosed)
}

func TestShutdownTimesOutWithOutstandingLease(t *testing.T) {
	broker := fake.New()
	m := newTestManager(t, broker, Config{})
	_, err := m.Register(account("acct-1", 1))
	require.NoError(t, err)
	lease, err := m.Borrow(context.Background(), "acct-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, m.Shutdown(ctx))

	lease.Release(OutcomeSuccess)
	require.Equal(t, 0, broker.OpenSessions("acct-1"))
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := newTestClock()
	broker := fake.New()
	m := NewManager(broker, staticCreds("acct-1"), Config{
		Options:       Options{IdleTimeout: time.Minute},
		SweepInterval: 5 * time.Millisecond,
	}, WithClock(clock.Now))
	_, err := m.Register(account("acct-1", 1))
	require.NoError(t, err)
	lease, err := m.Borrow(context.Background(), "acct-1")
	require.NoError(t, err)
	lease.Release(OutcomeSuccess)
	clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return broker.OpenSessions("acct-1") == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	require.NoError(t, m.Shutdown(context.Background()))
}
