package alpaca

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/brokerlink/internal/domain"
)

func TestDecodeTradeUpdateKinds(t *testing.T) {
	cases := []struct {
		payload string
		kind    domain.EventKind
		status  domain.OrderStatus
	}{
		{`{"event":"new","order":{"id":"o1","symbol":"AAPL","status":"new"}}`, domain.EventOrderUpdate, domain.OrderStatusNew},
		{`{"event":"partial_fill","qty":"1","price":"10","order":{"id":"o1","symbol":"AAPL"}}`, domain.EventFill, domain.OrderStatusPartiallyFilled},
		{`{"event":"fill","order":{"id":"o1","symbol":"AAPL","status":"filled","filled_qty":"3","filled_avg_price":"9.5"}}`, domain.EventFill, domain.OrderStatusFilled},
		{`{"event":"canceled","order":{"id":"o1","symbol":"AAPL","status":"canceled"}}`, domain.EventCancel, domain.OrderStatusCanceled},
		{`{"event":"expired","order":{"id":"o1","symbol":"AAPL"}}`, domain.EventCancel, domain.OrderStatusExpired},
		{`{"event":"replaced","order":{"id":"o1","symbol":"AAPL","status":"replaced"}}`, domain.EventOrderUpdate, domain.OrderStatusReplaced},
	}
	for _, tc := range cases {
		evt := decodeTradeUpdate([]byte(tc.payload))
		require.Equal(t, tc.kind, evt.Kind(), tc.payload)
		switch e := evt.(type) {
		case domain.OrderUpdate:
			require.Equal(t, tc.status, e.Order.Status)
		case domain.Fill:
			require.Equal(t, tc.status, e.Order.Status)
			require.False(t, e.Qty.IsZero())
		case domain.Cancel:
			require.Equal(t, tc.status, e.Order.Status)
		}
	}
}

func TestDecodeTradeUpdateFallsBackToOrderFigures(t *testing.T) {
	evt := decodeTradeUpdate([]byte(`{"event":"fill","order":{"id":"o1","filled_qty":"3","filled_avg_price":"9.5"}}`))
	fill, ok := evt.(domain.Fill)
	require.True(t, ok)
	require.Equal(t, "3", fill.Qty.String())
	require.Equal(t, "9.5", fill.Price.String())
	require.Nil(t, fill.PositionQty)
}

func TestDecodeTradeUpdateUnknown(t *testing.T) {
	for _, payload := range []string{
		`not json`,
		`{"order":{"id":"o1"}}`,
		`{"event":"fill","order":{}}`,
	} {
		evt := decodeTradeUpdate([]byte(payload))
		unknown, ok := evt.(domain.Unknown)
		require.True(t, ok, payload)
		require.NotEmpty(t, unknown.Reason)
		require.Equal(t, []byte(payload), unknown.Raw)
	}
}
