// Package fake provides an in-memory brokerage implementing the upstream
// contracts, with hooks to inject the failures a real provider produces.
package fake

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/brokerlink/internal/credentials"
	"github.com/coachpo/brokerlink/internal/domain"
	"github.com/coachpo/brokerlink/internal/upstream"
)

const source = "upstream/fake"

var (
	_ upstream.Dialer       = (*Broker)(nil)
	_ upstream.StreamDialer = (*Broker)(nil)

	errInjected   = errors.New("injected failure")
	errStreamDrop = errors.New("stream dropped")
)

// AuthMode controls how the broker answers credential checks for an account.
type AuthMode int

const (
	AuthAccept AuthMode = iota
	AuthReject
	// AuthHang never answers a stream authentication.
	AuthHang
)

type book struct {
	balance   domain.Balance
	positions []domain.Position
	orders    map[string]domain.Order

	auth           AuthMode
	dialFailures   int
	streamFailures int
	throttleFor    time.Duration
	throttledUntil time.Time
	pingFails      bool
	failNext       error

	dials       int
	streamDials int
	openSess    int
	streams     map[*streamConn]struct{}
}

// Broker is a deterministic stand-in for a brokerage. The zero value is not
// usable; construct with New.
type Broker struct {
	mu         sync.Mutex
	quotes     map[string]domain.Quote
	books      map[string]*book
	latency    time.Duration
	batchFails bool
	now        func() time.Time
	quoteCalls atomic.Int64
}

// Option customises a Broker.
type Option func(*Broker)

// WithLatency delays every REST call.
func WithLatency(d time.Duration) Option {
	return func(b *Broker) { b.latency = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// New constructs a Broker seeded with a few liquid symbols.
func New(opts ...Option) *Broker {
	b := &Broker{
		quotes: make(map[string]domain.Quote),
		books:  make(map[string]*book),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	for i, symbol := range []string{"AAPL", "MSFT", "TSLA", "SPY"} {
		px := decimal.NewFromInt(int64(100 + 50*i))
		b.SetQuote(domain.Quote{
			Symbol:   symbol,
			BidPrice: px.Sub(decimal.NewFromFloat(0.01)),
			BidSize:  decimal.NewFromInt(100),
			AskPrice: px.Add(decimal.NewFromFloat(0.01)),
			AskSize:  decimal.NewFromInt(100),
		})
	}
	return b
}

func (b *Broker) bookLocked(account string) *book {
	bk, ok := b.books[account]
	if !ok {
		bk = &book{
			balance: domain.Balance{
				Cash:           decimal.NewFromInt(100000),
				BuyingPower:    decimal.NewFromInt(200000),
				PortfolioValue: decimal.NewFromInt(100000),
				Equity:         decimal.NewFromInt(100000),
			},
			orders:  make(map[string]domain.Order),
			streams: make(map[*streamConn]struct{}),
		}
		b.books[account] = bk
	}
	return bk
}

// SetQuote registers or replaces a symbol's quote.
func (b *Broker) SetQuote(q domain.Quote) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q.Timestamp.IsZero() {
		q.Timestamp = b.now().UTC()
	}
	b.quotes[q.Symbol] = q
}

// SetBalance replaces an account's balance.
func (b *Broker) SetBalance(account string, bal domain.Balance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bookLocked(account).balance = bal
}

// SetPositions replaces an account's positions.
func (b *Broker) SetPositions(account string, positions []domain.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bookLocked(account).positions = append([]domain.Position(nil), positions...)
}

// SetAuth sets how credential checks for the account are answered.
func (b *Broker) SetAuth(account string, mode AuthMode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bookLocked(account).auth = mode
}

// FailDials makes the next n session dials for the account fail.
func (b *Broker) FailDials(account string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bookLocked(account).dialFailures = n
}

// FailStreamDials makes the next n stream dials for the account fail.
func (b *Broker) FailStreamDials(account string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bookLocked(account).streamFailures = n
}

// FailNext makes the next REST call on any session of the account return err.
func (b *Broker) FailNext(account string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bookLocked(account).failNext = err
}

// Throttle rejects dials and calls for the account for d, advertising d as
// the retry hint. A zero d clears the throttle.
func (b *Broker) Throttle(account string, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bk := b.bookLocked(account)
	bk.throttleFor = d
	if d <= 0 {
		bk.throttledUntil = time.Time{}
		return
	}
	bk.throttledUntil = b.now().Add(d)
}

// SetPingFailure toggles health-check failures for the account.
func (b *Broker) SetPingFailure(account string, fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bookLocked(account).pingFails = fail
}

// FailBatchQuotes makes multi-symbol quote requests fail with a server error.
func (b *Broker) FailBatchQuotes(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batchFails = fail
}

// Dials reports how many session dials the account has attempted.
func (b *Broker) Dials(account string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bookLocked(account).dials
}

// StreamDials reports how many stream dials the account has attempted.
func (b *Broker) StreamDials(account string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bookLocked(account).streamDials
}

// OpenSessions reports the number of sessions not yet closed.
func (b *Broker) OpenSessions(account string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bookLocked(account).openSess
}

// OpenStreams reports the number of stream connections not yet closed.
func (b *Broker) OpenStreams(account string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bookLocked(account).streams)
}

// QuoteCalls reports how many LatestQuotes requests were served.
func (b *Broker) QuoteCalls() int64 { return b.quoteCalls.Load() }

// Orders returns the account's orders sorted by submission time.
func (b *Broker) Orders(account string) []domain.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	bk := b.bookLocked(account)
	out := make([]domain.Order, 0, len(bk.orders))
	for _, o := range bk.orders {
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// Push delivers an event to every live stream of the account. It reports how
// many streams received it.
func (b *Broker) Push(account string, evt domain.Event) int {
	b.mu.Lock()
	conns := make([]*streamConn, 0, len(b.bookLocked(account).streams))
	for c := range b.bookLocked(account).streams {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	delivered := 0
	for _, c := range conns {
		if c.deliver(evt) {
			delivered++
		}
	}
	return delivered
}

// DropStreams fails every live stream of the account as a transport error.
func (b *Broker) DropStreams(account string) {
	b.mu.Lock()
	conns := make([]*streamConn, 0)
	for c := range b.bookLocked(account).streams {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		c.drop()
	}
}

// Dial implements upstream.Dialer.
func (b *Broker) Dial(ctx context.Context, account domain.Account, creds *credentials.Credentials) (upstream.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, upstream.Classify(source, account.ID, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	bk := b.bookLocked(account.ID)
	bk.dials++
	if err := b.throttledLocked(bk); err != nil {
		return nil, upstream.Classify(source, account.ID, err)
	}
	if bk.dialFailures > 0 {
		bk.dialFailures--
		return nil, upstream.Classify(source, account.ID, fmt.Errorf("dial: %w", errInjected))
	}
	if creds == nil || creds.Wiped() || bk.auth == AuthReject {
		return nil, upstream.Classify(source, account.ID, fmt.Errorf("dial: %w", upstream.ErrAuthRejected))
	}
	bk.openSess++
	return &session{broker: b, account: account.ID}, nil
}

// DialStream implements upstream.StreamDialer.
func (b *Broker) DialStream(ctx context.Context, account domain.Account) (upstream.StreamConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, upstream.Classify(source, account.ID, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	bk := b.bookLocked(account.ID)
	bk.streamDials++
	if err := b.throttledLocked(bk); err != nil {
		return nil, upstream.Classify(source, account.ID, err)
	}
	if bk.streamFailures > 0 {
		bk.streamFailures--
		return nil, upstream.Classify(source, account.ID, fmt.Errorf("dial stream: %w", errInjected))
	}
	conn := newStreamConn(b, account.ID)
	bk.streams[conn] = struct{}{}
	return conn, nil
}

func (b *Broker) throttledLocked(bk *book) error {
	if bk.throttledUntil.IsZero() || !b.now().Before(bk.throttledUntil) {
		return nil
	}
	return &upstream.ThrottleError{
		Status:     http.StatusTooManyRequests,
		RetryAfter: bk.throttleFor,
		Message:    "too many requests",
	}
}

// enter applies latency and failure injection ahead of a REST call.
func (b *Broker) enter(ctx context.Context, account string) error {
	b.mu.Lock()
	latency := b.latency
	b.mu.Unlock()
	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	bk := b.bookLocked(account)
	if err := b.throttledLocked(bk); err != nil {
		return err
	}
	if bk.failNext != nil {
		err := bk.failNext
		bk.failNext = nil
		return err
	}
	return nil
}

func (b *Broker) sessionClosed(account string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bookLocked(account).openSess--
}

func (b *Broker) streamClosed(account string, c *streamConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bookLocked(account).streams, c)
}

func (b *Broker) authMode(account string) AuthMode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bookLocked(account).auth
}

func (b *Broker) pingFails(account string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bookLocked(account).pingFails
}

func (b *Broker) placeOrder(account string, req domain.OrderRequest) (domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.quotes[req.Symbol]; !ok {
		return domain.Order{}, &upstream.StatusError{Status: http.StatusUnprocessableEntity, Message: "invalid symbol: " + req.Symbol}
	}
	if !req.Qty.IsPositive() {
		return domain.Order{}, &upstream.StatusError{Status: http.StatusUnprocessableEntity, Message: "qty must be > 0"}
	}
	now := b.now().UTC()
	order := domain.Order{
		ID:            uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Qty:           req.Qty,
		LimitPrice:    req.LimitPrice,
		Status:        domain.OrderStatusAccepted,
		SubmittedAt:   now,
		UpdatedAt:     now,
	}
	if order.ClientOrderID == "" {
		order.ClientOrderID = uuid.NewString()
	}
	b.bookLocked(account).orders[order.ID] = order.Clone()
	return order, nil
}

func (b *Broker) cancelOrder(account, id string) (domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bk := b.bookLocked(account)
	order, ok := bk.orders[id]
	if !ok {
		return domain.Order{}, &upstream.StatusError{Status: http.StatusNotFound, Message: "order not found"}
	}
	if order.Status.Terminal() {
		return domain.Order{}, &upstream.StatusError{Status: http.StatusUnprocessableEntity, Message: "order is not cancelable"}
	}
	order.Status = domain.OrderStatusCanceled
	order.UpdatedAt = b.now().UTC()
	bk.orders[id] = order
	return order.Clone(), nil
}

func (b *Broker) latestQuotes(symbols []string) (map[string]domain.Quote, error) {
	b.quoteCalls.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.batchFails && len(symbols) > 1 {
		return nil, &upstream.StatusError{Status: http.StatusBadGateway, Message: "batch endpoint unavailable"}
	}
	out := make(map[string]domain.Quote, len(symbols))
	for _, s := range symbols {
		if q, ok := b.quotes[s]; ok {
			out[s] = q
		}
	}
	return out, nil
}

func (b *Broker) snapshot(account string) (domain.Balance, []domain.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bk := b.bookLocked(account)
	bal := bk.balance
	bal.UpdatedAt = b.now().UTC()
	return bal, append([]domain.Position(nil), bk.positions...)
}
