package alpaca

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/brokerlink/errs"
	"github.com/coachpo/brokerlink/internal/credentials"
	"github.com/coachpo/brokerlink/internal/domain"
	"github.com/coachpo/brokerlink/internal/upstream"
)

const fillFrame = `{"stream":"trade_updates","data":{"event":"fill","timestamp":"2026-03-02T15:04:05Z","price":"179.08","qty":"2","position_qty":"10","order":{"id":"ord-1","client_order_id":"c-1","symbol":"AAPL","side":"buy","type":"market","qty":"2","filled_qty":"2","filled_avg_price":"179.08","status":"filled","updated_at":"2026-03-02T15:04:05Z"}}}`

// fakeStreamServer speaks enough of the trade-updates protocol to drive a streamConn.
func fakeStreamServer(t *testing.T, authStatus string, after ...string) (*httptest.Server, <-chan map[string]any) {
	t.Helper()
	received := make(chan map[string]any, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "shutdown")
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg map[string]any
			if json.Unmarshal(data, &msg) != nil {
				return
			}
			received <- msg
			switch msg["action"] {
			case "authenticate":
				reply := `{"stream":"authorization","data":{"action":"authenticate","status":"` + authStatus + `"}}`
				if conn.Write(ctx, websocket.MessageBinary, []byte(reply)) != nil {
					return
				}
			case "listen":
				if conn.Write(ctx, websocket.MessageBinary, []byte(`{"stream":"listening","data":{"streams":["trade_updates"]}}`)) != nil {
					return
				}
				for _, frame := range after {
					if conn.Write(ctx, websocket.MessageBinary, []byte(frame)) != nil {
						return
					}
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, received
}

func wsURL(raw string) string {
	return "ws" + strings.TrimPrefix(raw, "http")
}

func dialTestStream(t *testing.T, srv *httptest.Server) upstream.StreamConn {
	t.Helper()
	dialer := NewStreamDialer(Endpoints{PaperStreamURL: wsURL(srv.URL)}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := dialer.DialStream(ctx, domain.Account{ID: "acct-1", Mode: domain.ModePaper})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestStreamAuthenticateSubscribeAndReceive(t *testing.T) {
	srv, received := fakeStreamServer(t, "authorized", fillFrame, `{"stream":"mystery","data":{}}`)
	conn := dialTestStream(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, conn.Authenticate(ctx, credentials.New("AKTEST", []byte("s3cret"))))
	auth := <-received
	require.Equal(t, "authenticate", auth["action"])
	data := auth["data"].(map[string]any)
	require.Equal(t, "AKTEST", data["key_id"])
	require.Equal(t, "s3cret", data["secret_key"])

	require.NoError(t, conn.Subscribe(ctx, upstream.TradeUpdatesStream))
	listen := <-received
	require.Equal(t, "listen", listen["action"])

	evt, err := conn.Next(ctx)
	require.NoError(t, err)
	fill, ok := evt.(domain.Fill)
	require.True(t, ok, "got %T", evt)
	require.Equal(t, "ord-1", fill.Order.ID)
	require.Equal(t, domain.OrderStatusFilled, fill.Order.Status)
	require.True(t, fill.Price.Equal(decimal.RequireFromString("179.08")))
	require.NotNil(t, fill.PositionQty)
	require.True(t, fill.PositionQty.Equal(decimal.NewFromInt(10)))

	evt, err = conn.Next(ctx)
	require.NoError(t, err)
	unknown, ok := evt.(domain.Unknown)
	require.True(t, ok)
	require.Equal(t, "mystery", unknown.Type)
}

func TestStreamUnauthorized(t *testing.T) {
	srv, _ := fakeStreamServer(t, "unauthorized")
	conn := dialTestStream(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := conn.Authenticate(ctx, credentials.New("AKTEST", []byte("wrong")))
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeAuth))
	require.ErrorIs(t, err, upstream.ErrAuthRejected)
}

func TestStreamAuthenticateRejectsWipedCredentials(t *testing.T) {
	srv, _ := fakeStreamServer(t, "authorized")
	conn := dialTestStream(t, srv)

	creds := credentials.New("AKTEST", []byte("s3cret"))
	creds.Wipe()
	err := conn.Authenticate(context.Background(), creds)
	require.True(t, errs.Is(err, errs.CodeAuth))
}

func TestStreamErrorFrameSignalsThrottle(t *testing.T) {
	srv, _ := fakeStreamServer(t, "authorized", `{"stream":"error","data":{"code":406,"message":"connection limit exceeded"}}`)
	conn := dialTestStream(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Authenticate(ctx, credentials.New("AKTEST", []byte("s3cret"))))
	require.NoError(t, conn.Subscribe(ctx, upstream.TradeUpdatesStream))

	_, err := conn.Next(ctx)
	require.True(t, errs.Is(err, errs.CodeThrottled))
	env, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.CanonicalConnectionLimit, env.Canonical)
}

func TestStreamDialThrottledHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	dialer := NewStreamDialer(Endpoints{PaperStreamURL: wsURL(srv.URL)}, nil)
	_, err := dialer.DialStream(context.Background(), domain.Account{ID: "acct-1"})
	require.True(t, errs.Is(err, errs.CodeThrottled))
	require.Equal(t, 30*time.Second, errs.RetryAfter(err))
}

func TestStreamNextHonoursContext(t *testing.T) {
	srv, _ := fakeStreamServer(t, "authorized")
	conn := dialTestStream(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := conn.Next(ctx)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeNetwork))
}
