// Package upstream defines the connection contracts the proxy core needs from
// a brokerage provider, plus shared error classification.
package upstream

import (
	"context"

	"github.com/coachpo/brokerlink/internal/credentials"
	"github.com/coachpo/brokerlink/internal/domain"
)

// TradeUpdatesStream is the order/fill channel every synchronizer subscribes to.
const TradeUpdatesStream = "trade_updates"

// Session is one authenticated request/response connection to the provider.
// A Session is used by one borrower at a time.
type Session interface {
	Account(ctx context.Context) (domain.Balance, error)
	Positions(ctx context.Context) ([]domain.Position, error)
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	// LatestQuotes returns quotes for the symbols the provider recognises;
	// unknown symbols are absent from the result rather than failing the call.
	LatestQuotes(ctx context.Context, symbols []string) (map[string]domain.Quote, error)
	// Ping performs a cheap authenticated round trip used for health validation.
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens Sessions. The credentials handle is wiped once Dial returns,
// so implementations copy whatever the provider needs for the session. A
// provider that authenticates every request with headers keeps that copy in
// its client for the life of the session.
type Dialer interface {
	Dial(ctx context.Context, account domain.Account, creds *credentials.Credentials) (Session, error)
}

// StreamConn is one streaming channel. Next blocks until an event arrives, the
// context ends, or the transport fails.
type StreamConn interface {
	// Authenticate sends the credentials and waits for the provider's ack.
	Authenticate(ctx context.Context, creds *credentials.Credentials) error
	Subscribe(ctx context.Context, streams ...string) error
	Next(ctx context.Context) (domain.Event, error)
	Ping(ctx context.Context) error
	Close() error
}

// StreamDialer opens streaming channels.
type StreamDialer interface {
	DialStream(ctx context.Context, account domain.Account) (StreamConn, error)
}
