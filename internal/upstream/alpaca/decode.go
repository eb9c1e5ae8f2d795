package alpaca

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/brokerlink/internal/domain"
)

type wireOrder struct {
	ID             string           `json:"id"`
	ClientOrderID  string           `json:"client_order_id"`
	Symbol         string           `json:"symbol"`
	Side           string           `json:"side"`
	Type           string           `json:"type"`
	Qty            *decimal.Decimal `json:"qty"`
	LimitPrice     *decimal.Decimal `json:"limit_price"`
	Status         string           `json:"status"`
	FilledQty      *decimal.Decimal `json:"filled_qty"`
	FilledAvgPrice *decimal.Decimal `json:"filled_avg_price"`
	SubmittedAt    *time.Time       `json:"submitted_at"`
	UpdatedAt      *time.Time       `json:"updated_at"`
	FilledAt       *time.Time       `json:"filled_at"`
}

type tradeUpdate struct {
	Event       string           `json:"event"`
	Order       wireOrder        `json:"order"`
	Timestamp   *time.Time       `json:"timestamp"`
	Price       *decimal.Decimal `json:"price"`
	Qty         *decimal.Decimal `json:"qty"`
	PositionQty *decimal.Decimal `json:"position_qty"`
}

// eventStatus fills in the order status when the payload omits it.
var eventStatus = map[string]domain.OrderStatus{
	"new":          domain.OrderStatusNew,
	"accepted":     domain.OrderStatusAccepted,
	"pending_new":  domain.OrderStatusPendingNew,
	"partial_fill": domain.OrderStatusPartiallyFilled,
	"fill":         domain.OrderStatusFilled,
	"canceled":     domain.OrderStatusCanceled,
	"expired":      domain.OrderStatusExpired,
	"rejected":     domain.OrderStatusRejected,
	"replaced":     domain.OrderStatusReplaced,
}

// decodeTradeUpdate maps one trade_updates payload onto a domain event.
// Payloads that cannot be mapped come back as domain.Unknown.
func decodeTradeUpdate(data []byte) domain.Event {
	var upd tradeUpdate
	if err := json.Unmarshal(data, &upd); err != nil {
		return domain.Unknown{Type: "trade_updates", Raw: data, Reason: "decode: " + err.Error()}
	}
	event := strings.ToLower(strings.TrimSpace(upd.Event))
	if event == "" {
		return domain.Unknown{Type: "trade_updates", Raw: data, Reason: "missing event"}
	}
	if upd.Order.ID == "" {
		return domain.Unknown{Type: "trade_updates/" + event, Raw: data, Reason: "missing order id"}
	}

	order := upd.Order.toDomain()
	if order.Status == "" {
		order.Status = eventStatus[event]
	}
	at := order.UpdatedAt
	if upd.Timestamp != nil && !upd.Timestamp.IsZero() {
		at = *upd.Timestamp
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = at
	}

	switch event {
	case "fill", "partial_fill":
		fill := domain.Fill{
			Order:       order,
			Qty:         order.FilledQty,
			Price:       order.FilledAvgPrice,
			PositionQty: upd.PositionQty,
			At:          at,
		}
		if upd.Qty != nil {
			fill.Qty = *upd.Qty
		}
		if upd.Price != nil {
			fill.Price = *upd.Price
		}
		return fill
	case "canceled", "expired":
		return domain.Cancel{Order: order, At: at}
	default:
		return domain.OrderUpdate{Order: order, At: at}
	}
}

func (o wireOrder) toDomain() domain.Order {
	out := domain.Order{
		ID:             o.ID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         o.Symbol,
		Side:           domain.Side(strings.ToLower(o.Side)),
		Type:           domain.OrderType(strings.ToLower(o.Type)),
		Qty:            decimalOrZero(o.Qty),
		LimitPrice:     o.LimitPrice,
		Status:         domain.NormalizeOrderStatus(o.Status),
		FilledQty:      decimalOrZero(o.FilledQty),
		FilledAvgPrice: decimalOrZero(o.FilledAvgPrice),
		FilledAt:       o.FilledAt,
	}
	if o.SubmittedAt != nil {
		out.SubmittedAt = *o.SubmittedAt
	}
	if o.UpdatedAt != nil {
		out.UpdatedAt = *o.UpdatedAt
	}
	return out
}
