// Package mirror copies published account snapshots into Redis for external
// readers. It is write-only and best effort: nothing in the proxy reads it back
// and a slow or absent Redis never delays the store.
package mirror

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/coachpo/brokerlink/internal/config"
	"github.com/coachpo/brokerlink/internal/domain"
	"github.com/coachpo/brokerlink/internal/state"
)

const defaultWriteTimeout = 2 * time.Second

// Writer is the subset of the Redis client the mirror needs.
type Writer interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// Payload is the JSON document stored per account.
type Payload struct {
	AccountID string            `json:"account_id"`
	Seq       uint64            `json:"seq"`
	UpdatedAt time.Time         `json:"updated_at"`
	Balance   domain.Balance    `json:"balance"`
	Positions []domain.Position `json:"positions"`
	Orders    []domain.Order    `json:"orders"`
}

// Mirror is a state.Observer. Observe only records the latest snapshot per
// account; a background loop writes them out, so intermediate sequences may
// be skipped.
type Mirror struct {
	writer       Writer
	prefix       string
	ttl          time.Duration
	writeTimeout time.Duration
	logger       *log.Logger
	metrics      *mirrorMetrics

	mu      sync.Mutex
	pending map[string]state.Snapshot
	wake    chan struct{}
}

// Option customises a Mirror.
type Option func(*Mirror)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(m *Mirror) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithWriteTimeout bounds each Redis write.
func WithWriteTimeout(d time.Duration) Option {
	return func(m *Mirror) {
		if d > 0 {
			m.writeTimeout = d
		}
	}
}

// New constructs a Mirror over an existing writer.
func New(writer Writer, prefix string, ttl time.Duration, opts ...Option) *Mirror {
	m := &Mirror{
		writer:       writer,
		prefix:       prefix,
		ttl:          ttl,
		writeTimeout: defaultWriteTimeout,
		logger:       log.New(os.Stdout, "mirror ", log.LstdFlags|log.Lmicroseconds),
		metrics:      newMirrorMetrics(),
		pending:      make(map[string]state.Snapshot),
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// NewClient builds the Redis client for cfg.
func NewClient(cfg config.MirrorConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Key is the Redis key of an account's snapshot.
func (m *Mirror) Key(accountID string) string {
	return m.prefix + accountID
}

// Observe implements state.Observer. It never blocks.
func (m *Mirror) Observe(snap state.Snapshot) {
	m.mu.Lock()
	if prev, ok := m.pending[snap.AccountID]; !ok || prev.Seq < snap.Seq {
		m.pending[snap.AccountID] = snap
	}
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run writes pending snapshots until ctx is cancelled, then makes one final
// attempt to flush.
func (m *Mirror) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), m.writeTimeout)
			m.Flush(flushCtx)
			cancel()
			return nil
		case <-m.wake:
			m.Flush(ctx)
		}
	}
}

// Flush writes every pending snapshot once. Failed writes are counted and
// dropped; the next publication for that account replaces them.
func (m *Mirror) Flush(ctx context.Context) {
	m.mu.Lock()
	batch := m.pending
	m.pending = make(map[string]state.Snapshot, len(batch))
	m.mu.Unlock()

	for id, snap := range batch {
		if err := m.write(ctx, snap); err != nil {
			m.metrics.failed(id)
			m.logger.Printf("[%s]: mirror seq %d: %v", id, snap.Seq, err)
			continue
		}
		m.metrics.written(id)
	}
}

func (m *Mirror) write(ctx context.Context, snap state.Snapshot) error {
	payload, err := Encode(snap)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, m.writeTimeout)
	defer cancel()
	if err := m.writer.Set(writeCtx, m.Key(snap.AccountID), payload, m.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Encode renders a snapshot as the mirrored JSON document. Orders and
// positions are sorted for stable output.
func Encode(snap state.Snapshot) ([]byte, error) {
	p := Payload{
		AccountID: snap.AccountID,
		Seq:       snap.Seq,
		UpdatedAt: snap.UpdatedAt,
		Balance:   snap.Balance,
		Positions: make([]domain.Position, 0, len(snap.Positions)),
		Orders:    make([]domain.Order, 0, len(snap.Orders)),
	}
	for _, pos := range snap.Positions {
		p.Positions = append(p.Positions, pos)
	}
	sort.Slice(p.Positions, func(i, j int) bool { return p.Positions[i].Symbol < p.Positions[j].Symbol })
	for _, order := range snap.Orders {
		p.Orders = append(p.Orders, order)
	}
	sort.Slice(p.Orders, func(i, j int) bool { return p.Orders[i].ID < p.Orders[j].ID })

	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return raw, nil
}
