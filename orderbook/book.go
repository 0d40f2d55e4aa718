// Package orderbook maintains the two price-sorted ladders for one security:
// bids descending, asks ascending, each level a FIFO queue. The book holds no
// business rules; validation, privilege checks and accounting live with the
// caller. A Book is owned by a single session actor and is not goroutine-safe.
package orderbook

import (
	"time"

	"cosmossdk.io/math"
	"github.com/google/btree"

	"github.com/openalpha/tradesim/types"
)

const btreeDegree = 32

// levelItem wraps a price level for use in btree.
type levelItem struct {
	price math.LegacyDec
	level *Level
}

// Less implements btree.Item - ascending order by price.
func (a *levelItem) Less(b btree.Item) bool {
	return a.price.LT(b.(*levelItem).price)
}

// ladder is one side of the book.
type ladder struct {
	tree *btree.BTree
	desc bool // true for bids (iterate descending), false for asks
}

func newLadder(desc bool) *ladder {
	return &ladder{tree: btree.New(btreeDegree), desc: desc}
}

func (s *ladder) get(price math.LegacyDec) *Level {
	item := s.tree.Get(&levelItem{price: price})
	if item == nil {
		return nil
	}
	return item.(*levelItem).level
}

func (s *ladder) getOrCreate(price math.LegacyDec) *Level {
	if lvl := s.get(price); lvl != nil {
		return lvl
	}
	lvl := NewLevel(price)
	s.tree.ReplaceOrInsert(&levelItem{price: price, level: lvl})
	return lvl
}

func (s *ladder) remove(price math.LegacyDec) {
	s.tree.Delete(&levelItem{price: price})
}

// best returns the price-improving end of the ladder: highest bid or
// lowest ask.
func (s *ladder) best() *Level {
	var item btree.Item
	if s.desc {
		item = s.tree.Max()
	} else {
		item = s.tree.Min()
	}
	if item == nil {
		return nil
	}
	return item.(*levelItem).level
}

func (s *ladder) len() int {
	return s.tree.Len()
}

// iterate walks levels in price-improving order: bids highest first, asks
// lowest first.
func (s *ladder) iterate(fn func(*Level) bool) {
	if s.desc {
		s.tree.Descend(func(item btree.Item) bool {
			return fn(item.(*levelItem).level)
		})
	} else {
		s.tree.Ascend(func(item btree.Item) bool {
			return fn(item.(*levelItem).level)
		})
	}
}

// LastTrade is the most recent execution on this book.
type LastTrade struct {
	Price    math.LegacyDec
	Quantity int64
	At       time.Time
}

// Book is the order book for one security within one session.
type Book struct {
	Security types.Security
	bids     *ladder
	asks     *ladder
	index    map[string]*types.Order // order id -> resting order
	last     *LastTrade
}

// New creates an empty book for a security.
func New(sec types.Security) *Book {
	return &Book{
		Security: sec,
		bids:     newLadder(true),
		asks:     newLadder(false),
		index:    make(map[string]*types.Order),
	}
}

func (b *Book) side(s types.Side) *ladder {
	if s == types.SideBuy {
		return b.bids
	}
	return b.asks
}

// AddResting places a non-crossing limit order at its price level, appended
// to the level's FIFO. No-op when remaining is zero. The caller crosses
// aggressive orders before resting the residual.
func (b *Book) AddResting(order *types.Order) {
	if order.RemainingQty() == 0 {
		return
	}
	lvl := b.side(order.Side).getOrCreate(order.Price)
	lvl.Add(order)
	b.index[order.OrderID] = order
}

// Remove removes an order by identity and returns it, or nil if the order
// is not resting on this book.
func (b *Book) Remove(orderID string) *types.Order {
	order, ok := b.index[orderID]
	if !ok {
		return nil
	}
	delete(b.index, orderID)
	side := b.side(order.Side)
	lvl := side.get(order.Price)
	if lvl == nil {
		return order
	}
	removed := lvl.Remove(orderID)
	if lvl.IsEmpty() {
		side.remove(order.Price)
	}
	return removed
}

// Contains reports whether an order currently rests on the book.
func (b *Book) Contains(orderID string) bool {
	_, ok := b.index[orderID]
	return ok
}

// Reduce adjusts the cached level quantity after a partial fill of a
// resting order, removing the order and its level when exhausted.
func (b *Book) Reduce(order *types.Order, qty int64) {
	side := b.side(order.Side)
	lvl := side.get(order.Price)
	if lvl == nil {
		return
	}
	lvl.Reduce(qty)
	if order.RemainingQty() == 0 {
		lvl.Remove(order.OrderID)
		delete(b.index, order.OrderID)
	}
	if lvl.IsEmpty() {
		side.remove(order.Price)
	}
}

// Best returns the best level on a side, or nil when the side is empty.
func (b *Book) Best(side types.Side) *Level {
	return b.side(side).best()
}

// BestBid returns the highest bid level, or nil.
func (b *Book) BestBid() *Level { return b.bids.best() }

// BestAsk returns the lowest ask level, or nil.
func (b *Book) BestAsk() *Level { return b.asks.best() }

// Walk yields levels on the given side in price-improving order. When
// takerLimit is non-nil, iteration stops at the first level whose price no
// longer satisfies the taker's limit: for a walk over asks the level price
// must be <= the limit, over bids >= the limit. Walking an empty side is a
// no-op. The callback must not mutate the ladder; the caller removes
// exhausted orders and levels afterwards.
func (b *Book) Walk(side types.Side, takerLimit *math.LegacyDec, fn func(*Level) bool) {
	b.side(side).iterate(func(lvl *Level) bool {
		if takerLimit != nil {
			if side == types.SideSell && lvl.Price.GT(*takerLimit) {
				return false
			}
			if side == types.SideBuy && lvl.Price.LT(*takerLimit) {
				return false
			}
		}
		return fn(lvl)
	})
}

// Depth returns the number of price levels per side.
func (b *Book) Depth() (bidLevels, askLevels int) {
	return b.bids.len(), b.asks.len()
}

// Spread returns best ask minus best bid, or zero when either side is empty.
func (b *Book) Spread() math.LegacyDec {
	bid, ask := b.BestBid(), b.BestAsk()
	if bid == nil || ask == nil {
		return math.LegacyZeroDec()
	}
	return ask.Price.Sub(bid.Price)
}

// MidPrice returns the midpoint of the best levels, or zero when either
// side is empty.
func (b *Book) MidPrice() math.LegacyDec {
	bid, ask := b.BestBid(), b.BestAsk()
	if bid == nil || ask == nil {
		return math.LegacyZeroDec()
	}
	return bid.Price.Add(ask.Price).QuoInt64(2)
}

// SetLastTrade records the most recent execution; the caller keeps this in
// sync with its trade log.
func (b *Book) SetLastTrade(price math.LegacyDec, qty int64, at time.Time) {
	b.last = &LastTrade{Price: price, Quantity: qty, At: at}
}

// Last returns the most recent trade, or nil before the first execution.
func (b *Book) Last() *LastTrade {
	return b.last
}

// Snapshot is the published view of the book: top-N aggregated levels per
// side plus the last trade.
type Snapshot struct {
	Symbol string          `json:"symbol"`
	Bids   []LevelSnapshot `json:"bids"`
	Asks   []LevelSnapshot `json:"asks"`
	Last   *LastTrade      `json:"last,omitempty"`
}

// Snapshot returns the top-N levels per side.
func (b *Book) Snapshot(depth int) Snapshot {
	snap := Snapshot{
		Symbol: b.Security.Symbol,
		Bids:   make([]LevelSnapshot, 0, depth),
		Asks:   make([]LevelSnapshot, 0, depth),
		Last:   b.last,
	}
	b.bids.iterate(func(lvl *Level) bool {
		if len(snap.Bids) >= depth {
			return false
		}
		snap.Bids = append(snap.Bids, lvl.snapshot())
		return true
	})
	b.asks.iterate(func(lvl *Level) bool {
		if len(snap.Asks) >= depth {
			return false
		}
		snap.Asks = append(snap.Asks, lvl.snapshot())
		return true
	})
	return snap
}
