package dispatcher

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/coachpo/brokerlink/errs"
	"github.com/coachpo/brokerlink/internal/domain"
	"github.com/coachpo/brokerlink/internal/upstream"
)

// Operation is one upstream call the dispatcher can execute. The set is
// closed to this package.
type Operation interface {
	Name() string
	Class() domain.EndpointClass
	validate() error
	perform(ctx context.Context, sess upstream.Session) (Result, error)
}

// Result carries whichever payload the operation produced.
type Result struct {
	Order     *domain.Order
	Balance   *domain.Balance
	Positions []domain.Position
	Quote     *domain.Quote
	Batch     *BatchResult
	// Seq is the state sequence after the result was merged, zero when the
	// operation does not touch account state.
	Seq uint64
}

// PlaceOrder submits a new order. A missing ClientOrderID is generated.
type PlaceOrder struct {
	Request domain.OrderRequest
}

func (PlaceOrder) Name() string                { return "place_order" }
func (PlaceOrder) Class() domain.EndpointClass { return domain.EndpointTrading }

func (op PlaceOrder) validate() error {
	req := op.Request
	switch {
	case strings.TrimSpace(req.Symbol) == "":
		return invalid("symbol required")
	case !req.Qty.IsPositive():
		return invalid("quantity must be positive")
	case req.Side != domain.SideBuy && req.Side != domain.SideSell:
		return invalid("side must be buy or sell")
	case req.Type == domain.OrderTypeLimit && (req.LimitPrice == nil || !req.LimitPrice.IsPositive()):
		return invalid("limit orders need a positive limit price")
	case req.Type != domain.OrderTypeMarket && req.Type != domain.OrderTypeLimit:
		return invalid("type must be market or limit")
	}
	return nil
}

func (op PlaceOrder) perform(ctx context.Context, sess upstream.Session) (Result, error) {
	req := op.Request
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}
	order, err := sess.PlaceOrder(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if order.ClientOrderID == "" {
		order.ClientOrderID = req.ClientOrderID
	}
	return Result{Order: &order}, nil
}

// CancelOrder requests cancellation of an open order.
type CancelOrder struct {
	OrderID string
}

func (CancelOrder) Name() string                { return "cancel_order" }
func (CancelOrder) Class() domain.EndpointClass { return domain.EndpointTrading }

func (op CancelOrder) validate() error {
	if strings.TrimSpace(op.OrderID) == "" {
		return invalid("order id required")
	}
	return nil
}

func (op CancelOrder) perform(ctx context.Context, sess upstream.Session) (Result, error) {
	return Result{}, sess.CancelOrder(ctx, strings.TrimSpace(op.OrderID))
}

// GetAccount reads the balance.
type GetAccount struct{}

func (GetAccount) Name() string                { return "get_account" }
func (GetAccount) Class() domain.EndpointClass { return domain.EndpointAccount }
func (GetAccount) validate() error             { return nil }

func (GetAccount) perform(ctx context.Context, sess upstream.Session) (Result, error) {
	bal, err := sess.Account(ctx)
	if err != nil {
		return Result{}, err
	}
	return Result{Balance: &bal}, nil
}

// GetPositions reads the position book.
type GetPositions struct{}

func (GetPositions) Name() string                { return "get_positions" }
func (GetPositions) Class() domain.EndpointClass { return domain.EndpointAccount }
func (GetPositions) validate() error             { return nil }

func (GetPositions) perform(ctx context.Context, sess upstream.Session) (Result, error) {
	positions, err := sess.Positions(ctx)
	if err != nil {
		return Result{}, err
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	return Result{Positions: positions}, nil
}

// GetQuote reads the latest quote for one symbol.
type GetQuote struct {
	Symbol string
}

func (GetQuote) Name() string                { return "get_quote" }
func (GetQuote) Class() domain.EndpointClass { return domain.EndpointQuotes }

func (op GetQuote) validate() error {
	if strings.TrimSpace(op.Symbol) == "" {
		return invalid("symbol required")
	}
	return nil
}

func (op GetQuote) perform(ctx context.Context, sess upstream.Session) (Result, error) {
	symbol := strings.ToUpper(strings.TrimSpace(op.Symbol))
	quotes, err := sess.LatestQuotes(ctx, []string{symbol})
	if err != nil {
		return Result{}, err
	}
	q, ok := quotes[symbol]
	if !ok {
		return Result{}, unknownSymbol(symbol)
	}
	return Result{Quote: &q}, nil
}

// QuoteMany reads quotes for several symbols and reports per-symbol outcomes.
// One bad symbol never fails the batch.
type QuoteMany struct {
	Symbols []string
}

func (QuoteMany) Name() string                { return "quote_many" }
func (QuoteMany) Class() domain.EndpointClass { return domain.EndpointQuotes }

func (op QuoteMany) validate() error {
	if len(op.Symbols) == 0 {
		return invalid("at least one symbol required")
	}
	return nil
}

// perform issues one multi-symbol request. Symbols missing from the answer
// are reported as unknown.
func (op QuoteMany) perform(ctx context.Context, sess upstream.Session) (Result, error) {
	symbols := normaliseSymbols(op.Symbols)
	quotes, err := sess.LatestQuotes(ctx, symbols)
	if err != nil {
		return Result{}, err
	}
	batch := &BatchResult{Items: make([]BatchItem, len(symbols))}
	for i, symbol := range symbols {
		item := BatchItem{Symbol: symbol}
		if q, ok := quotes[symbol]; ok {
			item.Quote = &q
		} else {
			item.Err = unknownSymbol(symbol)
		}
		batch.Items[i] = item
	}
	batch.tally()
	return Result{Batch: batch}, nil
}

// BatchItem is the outcome for one symbol of a QuoteMany.
type BatchItem struct {
	Symbol string
	Quote  *domain.Quote
	Err    error
}

// BatchResult aggregates a QuoteMany. Items follow the request order.
type BatchResult struct {
	Succeeded int
	Failed    int
	Items     []BatchItem
}

func (b *BatchResult) tally() {
	b.Succeeded, b.Failed = 0, 0
	for _, item := range b.Items {
		if item.Err != nil {
			b.Failed++
			continue
		}
		b.Succeeded++
	}
}

func normaliseSymbols(symbols []string) []string {
	out := make([]string, len(symbols))
	for i, s := range symbols {
		out[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	return out
}

func invalid(msg string) error {
	return errs.New(source, errs.CodeInvalid, errs.WithMessage(msg))
}

func unknownSymbol(symbol string) error {
	return errs.New(source, errs.CodeInvalid,
		errs.WithMessage("unknown symbol"),
		errs.WithField("symbol", symbol),
		errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))
}
