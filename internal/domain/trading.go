package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side captures the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType enumerates supported order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus mirrors the upstream order lifecycle.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusPendingNew      OrderStatus = "pending_new"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusExpired         OrderStatus = "expired"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusPendingCancel   OrderStatus = "pending_cancel"
	OrderStatusReplaced        OrderStatus = "replaced"
)

// Terminal reports whether no further transitions are expected.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusExpired, OrderStatusRejected, OrderStatusReplaced:
		return true
	default:
		return false
	}
}

// NormalizeOrderStatus lowercases upstream status strings.
func NormalizeOrderStatus(raw string) OrderStatus {
	return OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
}

// Order is the mirrored view of one upstream order.
type Order struct {
	ID             string
	ClientOrderID  string
	Symbol         string
	Side           Side
	Type           OrderType
	Qty            decimal.Decimal
	LimitPrice     *decimal.Decimal
	Status         OrderStatus
	FilledQty      decimal.Decimal
	FilledAvgPrice decimal.Decimal
	SubmittedAt    time.Time
	UpdatedAt      time.Time
	FilledAt       *time.Time
}

// Clone returns a deep copy of the order.
func (o Order) Clone() Order {
	if o.LimitPrice != nil {
		lp := *o.LimitPrice
		o.LimitPrice = &lp
	}
	if o.FilledAt != nil {
		at := *o.FilledAt
		o.FilledAt = &at
	}
	return o
}

// Position is the mirrored holding of one symbol.
type Position struct {
	Symbol        string
	Qty           decimal.Decimal
	AvgEntryPrice decimal.Decimal
	CostBasis     decimal.Decimal
	UnrealizedPL  decimal.Decimal
}

// Balance captures the account-level cash figures.
type Balance struct {
	Cash           decimal.Decimal
	BuyingPower    decimal.Decimal
	PortfolioValue decimal.Decimal
	Equity         decimal.Decimal
	UpdatedAt      time.Time
}

// Quote is the latest top-of-book for a symbol.
type Quote struct {
	Symbol    string
	BidPrice  decimal.Decimal
	BidSize   decimal.Decimal
	AskPrice  decimal.Decimal
	AskSize   decimal.Decimal
	Timestamp time.Time
}

// OrderRequest describes an order submission.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           decimal.Decimal
	LimitPrice    *decimal.Decimal
	TimeInForce   string
}
