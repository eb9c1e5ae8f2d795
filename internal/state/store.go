package state

import (
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coachpo/brokerlink/errs"
	"github.com/coachpo/brokerlink/internal/domain"
)

const source = "state"

// Observer receives every published snapshot, in Seq order per account. It
// runs under the account's writer lock and must not block.
type Observer interface {
	Observe(Snapshot)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Snapshot)

// Observe implements Observer.
func (f ObserverFunc) Observe(s Snapshot) { f(s) }

// Store holds the latest snapshot per account. Readers never lock: they load
// an atomic pointer. Writers serialise on a per-account mutex and publish a
// fresh copy.
type Store struct {
	accounts sync.Map // account id -> *entry

	observers []Observer
	logger    *log.Logger
	metrics   *storeMetrics
	now       func() time.Time
}

type entry struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
}

// Option customises a Store.
type Option func(*Store)

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(s *Store) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore constructs an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		logger:  log.New(os.Stdout, "state ", log.LstdFlags|log.Lmicroseconds),
		now:     time.Now,
		metrics: newStoreMetrics(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Init creates the account's empty snapshot at Seq 0. It is a no-op for a
// known account.
func (s *Store) Init(accountID string) {
	if _, ok := s.accounts.Load(accountID); ok {
		return
	}
	e := &entry{}
	e.current.Store(emptySnapshot(accountID))
	s.accounts.LoadOrStore(accountID, e)
}

// Drop forgets an account.
func (s *Store) Drop(accountID string) {
	s.accounts.Delete(accountID)
}

// Accounts lists the known account ids in sorted order.
func (s *Store) Accounts() []string {
	var out []string
	s.accounts.Range(func(key, _ any) bool {
		out = append(out, key.(string))
		return true
	})
	sort.Strings(out)
	return out
}

// Read returns a copy of the latest fully applied snapshot.
func (s *Store) Read(accountID string) (Snapshot, error) {
	e, err := s.lookup(accountID)
	if err != nil {
		return Snapshot{}, err
	}
	return e.current.Load().Clone(), nil
}

// Seq returns the account's current sequence number.
func (s *Store) Seq(accountID string) (uint64, error) {
	e, err := s.lookup(accountID)
	if err != nil {
		return 0, err
	}
	return e.current.Load().Seq, nil
}

// Apply routes a stream event to the matching mutation. Unknown events are
// logged and dropped. It returns the Seq current after the call.
func (s *Store) Apply(accountID string, evt domain.Event) (uint64, error) {
	switch e := evt.(type) {
	case domain.OrderUpdate:
		return s.ApplyOrderEvent(accountID, e)
	case domain.Fill:
		return s.ApplyFillEvent(accountID, e)
	case domain.Cancel:
		return s.ApplyCancelEvent(accountID, e)
	case domain.BalanceRefresh:
		return s.ApplyBalanceRefresh(accountID, e)
	case domain.Unknown:
		s.logger.Printf("[%s]: dropping %s event: %s", accountID, e.Type, e.Reason)
		s.metrics.applied(accountID, domain.EventUnknown, resultDropped)
		return s.Seq(accountID)
	case nil:
		return 0, errs.New(source, errs.CodeInvalid, errs.WithAccount(accountID), errs.WithMessage("nil event"))
	default:
		return 0, errs.New(source, errs.CodeInvalid, errs.WithAccount(accountID), errs.WithMessage(fmt.Sprintf("unsupported event %T", evt)))
	}
}

// ApplyOrderEvent merges a streamed order transition.
func (s *Store) ApplyOrderEvent(accountID string, evt domain.OrderUpdate) (uint64, error) {
	return s.mutate(accountID, domain.EventOrderUpdate, func(next *Snapshot) bool {
		return mergeOrder(next, stamp(evt.Order, evt.At))
	})
}

// ApplyFillEvent merges the filled order and adjusts the position.
func (s *Store) ApplyFillEvent(accountID string, evt domain.Fill) (uint64, error) {
	return s.mutate(accountID, domain.EventFill, func(next *Snapshot) bool {
		order := stamp(evt.Order, evt.At)
		if order.Status == "" {
			order.Status = domain.OrderStatusPartiallyFilled
		}
		mergeOrder(next, order)
		applyFillToPosition(next, evt)
		return true
	})
}

// ApplyCancelEvent marks the order canceled or expired.
func (s *Store) ApplyCancelEvent(accountID string, evt domain.Cancel) (uint64, error) {
	return s.mutate(accountID, domain.EventCancel, func(next *Snapshot) bool {
		order := stamp(evt.Order, evt.At)
		if !order.Status.Terminal() {
			order.Status = domain.OrderStatusCanceled
		}
		return mergeOrder(next, order)
	})
}

// ApplyBalanceRefresh replaces the balance and, when provided, the positions.
func (s *Store) ApplyBalanceRefresh(accountID string, evt domain.BalanceRefresh) (uint64, error) {
	return s.mutate(accountID, domain.EventBalanceRefresh, func(next *Snapshot) bool {
		bal := evt.Balance
		if bal.UpdatedAt.IsZero() {
			bal.UpdatedAt = evt.At
		}
		next.Balance = bal
		if evt.Positions != nil {
			next.Positions = make(map[string]domain.Position, len(evt.Positions))
			for _, p := range evt.Positions {
				if p.Qty.IsZero() {
					continue
				}
				next.Positions[p.Symbol] = p
			}
		}
		return true
	})
}

// RecordPositions replaces the position book and leaves the balance alone.
func (s *Store) RecordPositions(accountID string, positions []domain.Position) (uint64, error) {
	return s.mutate(accountID, domain.EventBalanceRefresh, func(next *Snapshot) bool {
		next.Positions = make(map[string]domain.Position, len(positions))
		for _, p := range positions {
			if p.Qty.IsZero() {
				continue
			}
			next.Positions[p.Symbol] = p
		}
		return true
	})
}

// RecordOrder merges an order returned by a request/response call. It never
// regresses an order the stream already moved further.
func (s *Store) RecordOrder(accountID string, order domain.Order) (uint64, error) {
	return s.mutate(accountID, domain.EventOrderUpdate, func(next *Snapshot) bool {
		return mergeOrder(next, order.Clone())
	})
}

func (s *Store) lookup(accountID string) (*entry, error) {
	v, ok := s.accounts.Load(accountID)
	if !ok {
		return nil, errs.New(source, errs.CodeNotFound,
			errs.WithAccount(accountID),
			errs.WithMessage("account has no state"),
			errs.WithCanonicalCode(errs.CanonicalAccountUnknown))
	}
	return v.(*entry), nil
}

// mutate copies the current snapshot, applies fn and publishes the result
// with Seq+1. When fn reports no change nothing is published.
func (s *Store) mutate(accountID string, kind domain.EventKind, fn func(next *Snapshot) bool) (uint64, error) {
	e, err := s.lookup(accountID)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.current.Load()
	next := cur.Clone()
	if !fn(&next) {
		s.metrics.applied(accountID, kind, resultIgnored)
		return cur.Seq, nil
	}
	next.Seq = cur.Seq + 1
	next.UpdatedAt = s.now().UTC()
	e.current.Store(&next)
	s.metrics.applied(accountID, kind, resultApplied)

	for _, o := range s.observers {
		o.Observe(next)
	}
	return next.Seq, nil
}

func stamp(order domain.Order, at time.Time) domain.Order {
	order = order.Clone()
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = at
	}
	return order
}

// mergeOrder folds incoming into the snapshot. It refuses to move a
// terminal order back to a live status or to replace a newer update.
func mergeOrder(next *Snapshot, incoming domain.Order) bool {
	if incoming.ID == "" {
		return false
	}
	existing, ok := next.Orders[incoming.ID]
	if !ok {
		next.Orders[incoming.ID] = incoming
		return true
	}
	if existing.Status.Terminal() && !incoming.Status.Terminal() {
		return false
	}
	if incoming.UpdatedAt.Before(existing.UpdatedAt) && !(incoming.Status.Terminal() && !existing.Status.Terminal()) {
		return false
	}
	if incoming.ClientOrderID == "" {
		incoming.ClientOrderID = existing.ClientOrderID
	}
	if incoming.SubmittedAt.IsZero() {
		incoming.SubmittedAt = existing.SubmittedAt
	}
	if incoming.Symbol == "" {
		incoming.Symbol = existing.Symbol
	}
	if incoming.Side == "" {
		incoming.Side = existing.Side
	}
	if incoming.Type == "" {
		incoming.Type = existing.Type
	}
	if incoming.Qty.IsZero() {
		incoming.Qty = existing.Qty
	}
	if incoming.LimitPrice == nil {
		incoming.LimitPrice = existing.LimitPrice
	}
	if incoming.FilledQty.LessThan(existing.FilledQty) {
		incoming.FilledQty = existing.FilledQty
		incoming.FilledAvgPrice = existing.FilledAvgPrice
	}
	next.Orders[incoming.ID] = incoming
	return true
}

// applyFillToPosition moves the holding by the fill. An upstream-reported
// post-fill quantity wins over the locally computed one.
func applyFillToPosition(next *Snapshot, evt domain.Fill) {
	symbol := evt.Order.Symbol
	if symbol == "" {
		if existing, ok := next.Orders[evt.Order.ID]; ok {
			symbol = existing.Symbol
		}
	}
	if symbol == "" {
		return
	}
	side := evt.Order.Side
	if side == "" {
		side = next.Orders[evt.Order.ID].Side
	}

	pos := next.Positions[symbol]
	pos.Symbol = symbol
	oldQty := pos.Qty

	delta := evt.Qty
	if side == domain.SideSell {
		delta = delta.Neg()
	}
	newQty := oldQty.Add(delta)
	if evt.PositionQty != nil {
		newQty = *evt.PositionQty
	}

	if newQty.IsZero() {
		delete(next.Positions, symbol)
		return
	}
	grows := oldQty.IsZero() || (oldQty.Sign() == newQty.Sign() && newQty.Abs().GreaterThan(oldQty.Abs()))
	switch {
	case oldQty.Sign() != 0 && oldQty.Sign() != newQty.Sign():
		// Flipped through zero: the remainder was opened at the fill price.
		pos.AvgEntryPrice = evt.Price
	case grows && !evt.Price.IsZero():
		added := newQty.Abs().Sub(oldQty.Abs())
		total := oldQty.Abs().Mul(pos.AvgEntryPrice).Add(added.Mul(evt.Price))
		pos.AvgEntryPrice = total.Div(newQty.Abs())
	}
	pos.Qty = newQty
	pos.CostBasis = newQty.Abs().Mul(pos.AvgEntryPrice).Round(4)
	pos.AvgEntryPrice = pos.AvgEntryPrice.Round(6)
	next.Positions[symbol] = pos
}
