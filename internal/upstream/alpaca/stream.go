package alpaca

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/brokerlink/internal/credentials"
	"github.com/coachpo/brokerlink/internal/domain"
	"github.com/coachpo/brokerlink/internal/upstream"
)

const (
	streamSource     = "upstream/alpaca/stream"
	defaultReadLimit = 1 << 20
)

var (
	_ upstream.StreamDialer = (*StreamDialer)(nil)
	_ upstream.StreamConn   = (*streamConn)(nil)

	errStreamClosed = errors.New("stream closed")
)

// StreamDialer opens trade-updates websocket connections.
type StreamDialer struct {
	endpoints Endpoints
	logger    *log.Logger
	readLimit int64
}

// NewStreamDialer constructs a StreamDialer.
func NewStreamDialer(endpoints Endpoints, logger *log.Logger) *StreamDialer {
	if logger == nil {
		logger = log.New(os.Stdout, "alpaca stream ", log.LstdFlags|log.Lmicroseconds)
	}
	return &StreamDialer{endpoints: endpoints, logger: logger, readLimit: defaultReadLimit}
}

// DialStream opens the websocket. Authentication is a separate step so the
// caller can bound it with its own timeout.
func (d *StreamDialer) DialStream(ctx context.Context, account domain.Account) (upstream.StreamConn, error) {
	url := d.endpoints.streamURL(account.Mode)
	conn, resp, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			err = &upstream.ThrottleError{
				Status:     resp.StatusCode,
				RetryAfter: upstream.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
				Message:    "stream handshake throttled",
			}
		}
		return nil, upstream.Classify(streamSource, account.ID, fmt.Errorf("dial %s: %w", url, err))
	}
	conn.SetReadLimit(d.readLimit)
	d.logger.Printf("[%s] connected to %s", account.ID, url)
	return &streamConn{account: account.ID, conn: conn}, nil
}

type streamConn struct {
	account string
	conn    *websocket.Conn

	// pending holds trade updates that arrived while a control ack was awaited.
	pending []domain.Event

	closeOnce sync.Once
}

type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	// T, Code and Msg cover the flat error frames the data API family uses.
	T    string `json:"T"`
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type authData struct {
	Action string `json:"action"`
	Status string `json:"status"`
}

type listeningData struct {
	Streams []string `json:"streams"`
}

type errorData struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *streamConn) Authenticate(ctx context.Context, creds *credentials.Credentials) error {
	if creds == nil || creds.Wiped() {
		return upstream.Classify(streamSource, c.account, fmt.Errorf("authenticate: %w", upstream.ErrAuthRejected))
	}
	msg := map[string]any{
		"action": "authenticate",
		"data": map[string]string{
			"key_id":     creds.APIKey,
			"secret_key": creds.Secret(),
		},
	}
	if err := c.write(ctx, msg); err != nil {
		return err
	}
	for {
		env, raw, err := c.read(ctx)
		if err != nil {
			return err
		}
		switch env.Stream {
		case "authorization":
			var data authData
			if err := json.Unmarshal(env.Data, &data); err != nil {
				return upstream.Classify(streamSource, c.account, fmt.Errorf("decode authorization: %w", err))
			}
			if strings.EqualFold(data.Status, "authorized") {
				return nil
			}
			return upstream.Classify(streamSource, c.account, fmt.Errorf("authorization status %q: %w", data.Status, upstream.ErrAuthRejected))
		case "trade_updates":
			c.pending = append(c.pending, decodeTradeUpdate(env.Data))
		default:
			if err := controlError(env, raw); err != nil {
				return upstream.Classify(streamSource, c.account, err)
			}
		}
	}
}

func (c *streamConn) Subscribe(ctx context.Context, streams ...string) error {
	if len(streams) == 0 {
		return nil
	}
	msg := map[string]any{
		"action": "listen",
		"data":   map[string][]string{"streams": streams},
	}
	if err := c.write(ctx, msg); err != nil {
		return err
	}
	for {
		env, raw, err := c.read(ctx)
		if err != nil {
			return err
		}
		switch env.Stream {
		case "listening":
			var data listeningData
			if err := json.Unmarshal(env.Data, &data); err != nil {
				return upstream.Classify(streamSource, c.account, fmt.Errorf("decode listening ack: %w", err))
			}
			if missing := missingStreams(streams, data.Streams); len(missing) > 0 {
				return upstream.Classify(streamSource, c.account, fmt.Errorf("subscription not acknowledged: %s", strings.Join(missing, ",")))
			}
			return nil
		case "trade_updates":
			c.pending = append(c.pending, decodeTradeUpdate(env.Data))
		default:
			if err := controlError(env, raw); err != nil {
				return upstream.Classify(streamSource, c.account, err)
			}
		}
	}
}

func (c *streamConn) Next(ctx context.Context) (domain.Event, error) {
	if len(c.pending) > 0 {
		evt := c.pending[0]
		c.pending = c.pending[1:]
		return evt, nil
	}
	for {
		env, raw, err := c.read(ctx)
		if err != nil {
			return nil, err
		}
		switch env.Stream {
		case "trade_updates":
			return decodeTradeUpdate(env.Data), nil
		case "listening", "authorization":
			continue
		}
		if err := controlError(env, raw); err != nil {
			return nil, upstream.Classify(streamSource, c.account, err)
		}
		return domain.Unknown{Type: env.Stream, Raw: raw, Reason: "unrecognised stream"}, nil
	}
}

// Ping sends a websocket ping. The pong is consumed by a concurrent Next.
func (c *streamConn) Ping(ctx context.Context) error {
	if err := c.conn.Ping(ctx); err != nil {
		return upstream.Classify(streamSource, c.account, fmt.Errorf("ping: %w", err))
	}
	return nil
}

func (c *streamConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.Close(websocket.StatusNormalClosure, "shutdown")
	})
	return nil
}

func (c *streamConn) write(ctx context.Context, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return upstream.Classify(streamSource, c.account, fmt.Errorf("encode: %w", err))
	}
	if err := c.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return upstream.Classify(streamSource, c.account, fmt.Errorf("write: %w", c.closeCause(err)))
	}
	return nil
}

// read returns the next frame. Alpaca sends trade updates as binary frames,
// so both message types are accepted.
func (c *streamConn) read(ctx context.Context) (envelope, []byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return envelope{}, nil, upstream.Classify(streamSource, c.account, fmt.Errorf("read: %w", c.closeCause(err)))
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{Stream: "malformed"}, data, nil
	}
	return env, data, nil
}

// closeCause maps provider close codes that signal throttling.
func (c *streamConn) closeCause(err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusPolicyViolation, websocket.StatusTryAgainLater:
		var closeErr websocket.CloseError
		msg := "stream closed by provider"
		if errors.As(err, &closeErr) && closeErr.Reason != "" {
			msg = closeErr.Reason
		}
		return &upstream.ThrottleError{Status: int(websocket.CloseStatus(err)), Message: msg}
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return fmt.Errorf("%w: %v", errStreamClosed, err)
	}
	return err
}

// controlError interprets error frames. A nil result means the frame is not
// an error and can be skipped.
func controlError(env envelope, raw []byte) error {
	var code int
	var message string
	switch {
	case env.Stream == "error":
		var data errorData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return fmt.Errorf("malformed error frame: %s", string(raw))
		}
		code, message = data.Code, data.Message
	case strings.EqualFold(env.T, "error"):
		code, message = env.Code, env.Msg
	default:
		return nil
	}
	lower := strings.ToLower(message)
	switch {
	case code == 406 || code == http.StatusTooManyRequests || strings.Contains(lower, "limit"):
		return &upstream.ThrottleError{Status: code, Message: message}
	case code == http.StatusUnauthorized || code == 402 || strings.Contains(lower, "auth"):
		return fmt.Errorf("%s: %w", message, upstream.ErrAuthRejected)
	default:
		return fmt.Errorf("stream error %d: %s", code, message)
	}
}

func missingStreams(want, got []string) []string {
	seen := make(map[string]struct{}, len(got))
	for _, s := range got {
		seen[s] = struct{}{}
	}
	var missing []string
	for _, s := range want {
		if _, ok := seen[s]; !ok {
			missing = append(missing, s)
		}
	}
	return missing
}
