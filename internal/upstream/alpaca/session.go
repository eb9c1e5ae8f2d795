// Package alpaca implements the upstream contracts against Alpaca's trading,
// market data and trade-updates streaming APIs.
package alpaca

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"github.com/coachpo/brokerlink/internal/credentials"
	"github.com/coachpo/brokerlink/internal/domain"
	"github.com/coachpo/brokerlink/internal/upstream"
)

const source = "upstream/alpaca"

var (
	_ upstream.Dialer  = (*Dialer)(nil)
	_ upstream.Session = (*session)(nil)

	errSessionClosed = errors.New("session closed")
)

// Endpoints addresses the Alpaca APIs per trading mode.
type Endpoints struct {
	PaperTradingURL string
	LiveTradingURL  string
	DataURL         string
	PaperStreamURL  string
	LiveStreamURL   string
}

func (e Endpoints) tradingURL(mode domain.Mode) string {
	if mode == domain.ModeLive {
		return e.LiveTradingURL
	}
	return e.PaperTradingURL
}

func (e Endpoints) streamURL(mode domain.Mode) string {
	if mode == domain.ModeLive {
		return e.LiveStreamURL
	}
	return e.PaperStreamURL
}

// Dialer opens REST sessions.
type Dialer struct {
	endpoints  Endpoints
	httpClient *http.Client
}

// NewDialer constructs a Dialer. Every session shares one HTTP client whose
// transport reports 429 responses as upstream.ThrottleError.
func NewDialer(endpoints Endpoints, timeout time.Duration) *Dialer {
	return &Dialer{endpoints: endpoints, httpClient: upstream.NewHTTPClient(timeout)}
}

// Dial builds SDK clients for the account and verifies the credentials with
// an account lookup.
func (d *Dialer) Dial(ctx context.Context, account domain.Account, creds *credentials.Credentials) (upstream.Session, error) {
	if creds == nil || creds.Wiped() {
		return nil, upstream.Classify(source, account.ID, fmt.Errorf("dial: %w", upstream.ErrAuthRejected))
	}
	// The SDK signs every request with the key pair, so each session keeps
	// its own copy; the shared handle is still wiped by the pool.
	s := &session{
		account: account.ID,
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:     creds.APIKey,
			APISecret:  creds.Secret(),
			BaseURL:    d.endpoints.tradingURL(account.Mode),
			RetryLimit: 1,
			HTTPClient: d.httpClient,
		}),
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:     creds.APIKey,
			APISecret:  creds.Secret(),
			BaseURL:    d.endpoints.DataURL,
			RetryLimit: 1,
			HTTPClient: d.httpClient,
		}),
	}
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

type session struct {
	account string
	trading *alpaca.Client
	data    *marketdata.Client
	closed  atomic.Bool
}

func (s *session) Account(ctx context.Context) (domain.Balance, error) {
	acct, err := call(ctx, s, func() (*alpaca.Account, error) { return s.trading.GetAccount() })
	if err != nil {
		return domain.Balance{}, err
	}
	return domain.Balance{
		Cash:           acct.Cash,
		BuyingPower:    acct.BuyingPower,
		PortfolioValue: acct.PortfolioValue,
		Equity:         acct.Equity,
		UpdatedAt:      time.Now().UTC(),
	}, nil
}

func (s *session) Positions(ctx context.Context) ([]domain.Position, error) {
	positions, err := call(ctx, s, func() ([]alpaca.Position, error) { return s.trading.GetPositions() })
	if err != nil {
		return nil, err
	}
	out := make([]domain.Position, 0, len(positions))
	for _, p := range positions {
		out = append(out, domain.Position{
			Symbol:        p.Symbol,
			Qty:           p.Qty,
			AvgEntryPrice: p.AvgEntryPrice,
			CostBasis:     p.CostBasis,
			UnrealizedPL:  decimalOrZero(p.UnrealizedPL),
		})
	}
	return out, nil
}

func (s *session) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	qty := req.Qty
	tif := strings.ToLower(strings.TrimSpace(req.TimeInForce))
	if tif == "" {
		tif = "day"
	}
	order, err := call(ctx, s, func() (*alpaca.Order, error) {
		return s.trading.PlaceOrder(alpaca.PlaceOrderRequest{
			Symbol:        req.Symbol,
			Qty:           &qty,
			Side:          alpaca.Side(string(req.Side)),
			Type:          alpaca.OrderType(string(req.Type)),
			TimeInForce:   alpaca.TimeInForce(tif),
			LimitPrice:    req.LimitPrice,
			ClientOrderID: req.ClientOrderID,
		})
	})
	if err != nil {
		return domain.Order{}, err
	}
	return convertOrder(order), nil
}

func (s *session) CancelOrder(ctx context.Context, orderID string) error {
	_, err := call(ctx, s, func() (struct{}, error) { return struct{}{}, s.trading.CancelOrder(orderID) })
	return err
}

func (s *session) LatestQuotes(ctx context.Context, symbols []string) (map[string]domain.Quote, error) {
	quotes, err := call(ctx, s, func() (map[string]marketdata.Quote, error) {
		return s.data.GetLatestQuotes(symbols, marketdata.GetLatestQuoteRequest{})
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.Quote, len(quotes))
	for symbol, q := range quotes {
		out[symbol] = domain.Quote{
			Symbol:    symbol,
			BidPrice:  decimal.NewFromFloat(q.BidPrice),
			BidSize:   decimal.NewFromInt(int64(q.BidSize)),
			AskPrice:  decimal.NewFromFloat(q.AskPrice),
			AskSize:   decimal.NewFromInt(int64(q.AskSize)),
			Timestamp: q.Timestamp,
		}
	}
	return out, nil
}

func (s *session) Ping(ctx context.Context) error {
	_, err := call(ctx, s, func() (*alpaca.Account, error) { return s.trading.GetAccount() })
	return err
}

func (s *session) Close() error {
	s.closed.Store(true)
	return nil
}

// call runs a blocking SDK request and abandons it when ctx ends. The SDK
// does not accept a context; the shared HTTP client timeout bounds the
// abandoned request.
func call[T any](ctx context.Context, s *session, fn func() (T, error)) (T, error) {
	var zero T
	if s.closed.Load() {
		return zero, upstream.Classify(source, s.account, errSessionClosed)
	}
	if err := ctx.Err(); err != nil {
		return zero, upstream.Classify(source, s.account, err)
	}
	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{value: v, err: err}
	}()
	select {
	case <-ctx.Done():
		return zero, upstream.Classify(source, s.account, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return zero, upstream.Classify(source, s.account, translate(r.err))
		}
		return r.value, nil
	}
}

// translate maps SDK error types onto the upstream error vocabulary.
func translate(err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			return &upstream.ThrottleError{Status: apiErr.StatusCode, Message: apiErr.Message}
		}
		return fmt.Errorf("%w", &upstream.StatusError{
			Status:  apiErr.StatusCode,
			Code:    strconv.Itoa(apiErr.Code),
			Message: apiErr.Message,
		})
	}
	return err
}

func convertOrder(o *alpaca.Order) domain.Order {
	if o == nil {
		return domain.Order{}
	}
	out := domain.Order{
		ID:             o.ID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         o.Symbol,
		Side:           domain.Side(strings.ToLower(string(o.Side))),
		Type:           domain.OrderType(strings.ToLower(string(o.Type))),
		Qty:            decimalOrZero(o.Qty),
		LimitPrice:     o.LimitPrice,
		Status:         domain.NormalizeOrderStatus(o.Status),
		FilledQty:      o.FilledQty,
		FilledAvgPrice: decimalOrZero(o.FilledAvgPrice),
		SubmittedAt:    o.SubmittedAt,
		UpdatedAt:      o.UpdatedAt,
		FilledAt:       o.FilledAt,
	}
	return out.Clone()
}

func decimalOrZero(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}
