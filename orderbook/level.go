package orderbook

import (
	"cosmossdk.io/math"

	"github.com/openalpha/tradesim/types"
)

// Level is one price level: a FIFO queue of resting orders sharing a price,
// with a cached sum of their remaining quantities.
type Level struct {
	Price    math.LegacyDec
	Quantity int64          // cached sum of remaining quantities
	Orders   []*types.Order // FIFO order
}

// NewLevel creates an empty price level.
func NewLevel(price math.LegacyDec) *Level {
	return &Level{
		Price:  price,
		Orders: make([]*types.Order, 0, 4),
	}
}

// Add appends an order to the FIFO. Re-adding at an existing price never
// reorders earlier arrivals.
func (l *Level) Add(order *types.Order) {
	l.Orders = append(l.Orders, order)
	l.Quantity += order.RemainingQty()
}

// Remove removes an order by id and returns it, or nil if absent.
func (l *Level) Remove(orderID string) *types.Order {
	for i, o := range l.Orders {
		if o.OrderID == orderID {
			l.Orders = append(l.Orders[:i], l.Orders[i+1:]...)
			l.Quantity -= o.RemainingQty()
			return o
		}
	}
	return nil
}

// Reduce lowers the cached quantity after a partial fill of one of the
// level's orders.
func (l *Level) Reduce(qty int64) {
	l.Quantity -= qty
}

// Recompute recalculates the cached quantity from the FIFO.
func (l *Level) Recompute() {
	var total int64
	for _, o := range l.Orders {
		total += o.RemainingQty()
	}
	l.Quantity = total
}

// IsEmpty returns true if no orders rest at this level.
func (l *Level) IsEmpty() bool {
	return len(l.Orders) == 0
}

// Head returns the oldest order at this level, or nil.
func (l *Level) Head() *types.Order {
	if len(l.Orders) == 0 {
		return nil
	}
	return l.Orders[0]
}

// LevelSnapshot is an aggregated view of one level for publishing.
type LevelSnapshot struct {
	Price      math.LegacyDec `json:"price"`
	Quantity   int64          `json:"quantity"`
	OrderCount int            `json:"order_count"`
}

func (l *Level) snapshot() LevelSnapshot {
	return LevelSnapshot{
		Price:      l.Price,
		Quantity:   l.Quantity,
		OrderCount: len(l.Orders),
	}
}
