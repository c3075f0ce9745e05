package sim

import (
	"perp_backtester/internal/core"
)

// OrderBook holds the resting GTC limit orders of one simulator
// instance, keyed by id and iterated in insertion order. Orders are
// owned by the book while resting and removed on any terminal
// transition.
type OrderBook struct {
	byID  map[string]*core.Order
	order []string
}

// NewOrderBook creates an empty book
func NewOrderBook() *OrderBook {
	return &OrderBook{byID: make(map[string]*core.Order)}
}

// Add stores an order as resting. The caller has already validated it.
func (b *OrderBook) Add(o *core.Order) {
	b.byID[o.ID] = o
	b.order = append(b.order, o.ID)
}

// Get returns a resting order, or nil
func (b *OrderBook) Get(id string) *core.Order {
	return b.byID[id]
}

// Contains reports whether an order with this id is resting
func (b *OrderBook) Contains(id string) bool {
	_, ok := b.byID[id]
	return ok
}

// Remove deletes a resting order and returns it; nil if absent.
// Removal is idempotent.
func (b *OrderBook) Remove(id string) *core.Order {
	o, ok := b.byID[id]
	if !ok {
		return nil
	}
	delete(b.byID, id)
	for i, oid := range b.order {
		if oid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return o
}

// Resting returns the resting orders in insertion order
func (b *OrderBook) Resting() []*core.Order {
	out := make([]*core.Order, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.byID[id])
	}
	return out
}

// Clear cancels every resting order and returns them
func (b *OrderBook) Clear() []*core.Order {
	out := b.Resting()
	b.byID = make(map[string]*core.Order)
	b.order = nil
	return out
}

// Len returns the number of resting orders
func (b *OrderBook) Len() int {
	return len(b.order)
}
