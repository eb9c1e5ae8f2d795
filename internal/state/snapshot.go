// Package state mirrors each account's orders, positions and balance in memory.
package state

import (
	"sort"
	"time"

	"github.com/coachpo/brokerlink/internal/domain"
)

// Snapshot is one fully applied version of an account's state. Published
// snapshots are immutable; Store.Read hands out deep copies.
type Snapshot struct {
	AccountID string
	Seq       uint64
	Orders    map[string]domain.Order
	Positions map[string]domain.Position
	Balance   domain.Balance
	UpdatedAt time.Time
}

func emptySnapshot(accountID string) *Snapshot {
	return &Snapshot{
		AccountID: accountID,
		Orders:    make(map[string]domain.Order),
		Positions: make(map[string]domain.Position),
	}
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	clone := s
	clone.Orders = make(map[string]domain.Order, len(s.Orders))
	for id, o := range s.Orders {
		clone.Orders[id] = o.Clone()
	}
	clone.Positions = make(map[string]domain.Position, len(s.Positions))
	for sym, p := range s.Positions {
		clone.Positions[sym] = p
	}
	return clone
}

// Order looks up an order by id.
func (s Snapshot) Order(id string) (domain.Order, bool) {
	o, ok := s.Orders[id]
	if !ok {
		return domain.Order{}, false
	}
	return o.Clone(), true
}

// Position looks up a holding by symbol.
func (s Snapshot) Position(symbol string) (domain.Position, bool) {
	p, ok := s.Positions[symbol]
	return p, ok
}

// OpenOrders lists non-terminal orders, oldest first.
func (s Snapshot) OpenOrders() []domain.Order {
	out := make([]domain.Order, 0, len(s.Orders))
	for _, o := range s.Orders {
		if !o.Status.Terminal() {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}
