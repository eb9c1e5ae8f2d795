package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind names the stream event variants.
type EventKind string

const (
	EventOrderUpdate    EventKind = "order_update"
	EventFill           EventKind = "fill"
	EventCancel         EventKind = "cancel"
	EventBalanceRefresh EventKind = "balance_refresh"
	EventUnknown        EventKind = "unknown"
)

// Event is the closed set of decoded stream payloads. Consumers switch on the
// concrete type; the unexported marker keeps the set closed to this package.
type Event interface {
	Kind() EventKind
	isEvent()
}

// OrderUpdate carries a non-fill, non-cancel order transition (new, accepted, replaced, ...).
type OrderUpdate struct {
	Order Order
	At    time.Time
}

// Fill carries a partial or full execution.
type Fill struct {
	Order Order
	Qty   decimal.Decimal
	Price decimal.Decimal
	// PositionQty is the post-fill position reported upstream, when present.
	PositionQty *decimal.Decimal
	At          time.Time
}

// Cancel carries a cancellation or expiry.
type Cancel struct {
	Order Order
	At    time.Time
}

// BalanceRefresh replaces the balance and, when Positions is non-nil, the position book.
type BalanceRefresh struct {
	Balance   Balance
	Positions []Position
	At        time.Time
}

// Unknown wraps a payload that could not be mapped. It is logged and dropped.
type Unknown struct {
	Type   string
	Raw    []byte
	Reason string
}

func (OrderUpdate) Kind() EventKind    { return EventOrderUpdate }
func (Fill) Kind() EventKind           { return EventFill }
func (Cancel) Kind() EventKind         { return EventCancel }
func (BalanceRefresh) Kind() EventKind { return EventBalanceRefresh }
func (Unknown) Kind() EventKind        { return EventUnknown }

func (OrderUpdate) isEvent()    {}
func (Fill) isEvent()           {}
func (Cancel) isEvent()         {}
func (BalanceRefresh) isEvent() {}
func (Unknown) isEvent()        {}
