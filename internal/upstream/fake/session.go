package fake

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/coachpo/brokerlink/internal/credentials"
	"github.com/coachpo/brokerlink/internal/domain"
	"github.com/coachpo/brokerlink/internal/upstream"
)

var errClosed = errors.New("session closed")

type session struct {
	broker  *Broker
	account string
	closed  atomic.Bool
}

func (s *session) do(ctx context.Context) error {
	if s.closed.Load() {
		return upstream.Classify(source, s.account, errClosed)
	}
	if err := s.broker.enter(ctx, s.account); err != nil {
		return upstream.Classify(source, s.account, err)
	}
	return nil
}

func (s *session) Account(ctx context.Context) (domain.Balance, error) {
	if err := s.do(ctx); err != nil {
		return domain.Balance{}, err
	}
	bal, _ := s.broker.snapshot(s.account)
	return bal, nil
}

func (s *session) Positions(ctx context.Context) ([]domain.Position, error) {
	if err := s.do(ctx); err != nil {
		return nil, err
	}
	_, positions := s.broker.snapshot(s.account)
	return positions, nil
}

// PlaceOrder accepts the order and echoes the acceptance on the account's streams.
func (s *session) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	if err := s.do(ctx); err != nil {
		return domain.Order{}, err
	}
	order, err := s.broker.placeOrder(s.account, req)
	if err != nil {
		return domain.Order{}, upstream.Classify(source, s.account, err)
	}
	s.broker.Push(s.account, domain.OrderUpdate{Order: order.Clone(), At: order.UpdatedAt})
	return order, nil
}

func (s *session) CancelOrder(ctx context.Context, orderID string) error {
	if err := s.do(ctx); err != nil {
		return err
	}
	order, err := s.broker.cancelOrder(s.account, orderID)
	if err != nil {
		return upstream.Classify(source, s.account, err)
	}
	s.broker.Push(s.account, domain.Cancel{Order: order, At: order.UpdatedAt})
	return nil
}

func (s *session) LatestQuotes(ctx context.Context, symbols []string) (map[string]domain.Quote, error) {
	if err := s.do(ctx); err != nil {
		return nil, err
	}
	quotes, err := s.broker.latestQuotes(symbols)
	if err != nil {
		return nil, upstream.Classify(source, s.account, err)
	}
	return quotes, nil
}

func (s *session) Ping(ctx context.Context) error {
	if err := s.do(ctx); err != nil {
		return err
	}
	if s.broker.pingFails(s.account) {
		return upstream.Classify(source, s.account, errInjected)
	}
	return nil
}

func (s *session) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.broker.sessionClosed(s.account)
	}
	return nil
}

type streamConn struct {
	broker  *Broker
	account string

	events chan domain.Event
	done   chan struct{}

	once sync.Once
}

func newStreamConn(b *Broker, account string) *streamConn {
	return &streamConn{
		broker:  b,
		account: account,
		events:  make(chan domain.Event, 64),
		done:    make(chan struct{}),
	}
}

func (c *streamConn) deliver(evt domain.Event) bool {
	select {
	case <-c.done:
		return false
	case c.events <- evt:
		return true
	default:
		return false
	}
}

func (c *streamConn) drop() { _ = c.Close() }

func (c *streamConn) Authenticate(ctx context.Context, creds *credentials.Credentials) error {
	if creds == nil || creds.Wiped() {
		return upstream.Classify(source, c.account, upstream.ErrAuthRejected)
	}
	switch c.broker.authMode(c.account) {
	case AuthReject:
		return upstream.Classify(source, c.account, upstream.ErrAuthRejected)
	case AuthHang:
		select {
		case <-ctx.Done():
			return upstream.Classify(source, c.account, ctx.Err())
		case <-c.done:
			return upstream.Classify(source, c.account, errStreamDrop)
		}
	}
	return nil
}

func (c *streamConn) Subscribe(ctx context.Context, _ ...string) error {
	select {
	case <-c.done:
		return upstream.Classify(source, c.account, errStreamDrop)
	default:
	}
	return upstream.Classify(source, c.account, ctx.Err())
}

func (c *streamConn) Next(ctx context.Context) (domain.Event, error) {
	select {
	case evt := <-c.events:
		return evt, nil
	case <-ctx.Done():
		return nil, upstream.Classify(source, c.account, ctx.Err())
	case <-c.done:
		return nil, upstream.Classify(source, c.account, errStreamDrop)
	}
}

func (c *streamConn) Ping(ctx context.Context) error {
	select {
	case <-c.done:
		return upstream.Classify(source, c.account, errStreamDrop)
	default:
	}
	if c.broker.pingFails(c.account) {
		return upstream.Classify(source, c.account, errInjected)
	}
	return upstream.Classify(source, c.account, ctx.Err())
}

func (c *streamConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.broker.streamClosed(c.account, c)
	})
	return nil
}
