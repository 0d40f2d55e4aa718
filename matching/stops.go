package matching

import (
	"cosmossdk.io/math"
	"github.com/huandu/skiplist"

	"github.com/openalpha/tradesim/types"
)

// stopKeyAsc orders stop-buy triggers lowest first: the front of the list is
// the first trigger a rising last price reaches.
type stopKeyAsc struct{}

func (k stopKeyAsc) Compare(lhs, rhs interface{}) int {
	l := lhs.(math.LegacyDec)
	r := rhs.(math.LegacyDec)
	if l.LT(r) {
		return -1
	}
	if l.GT(r) {
		return 1
	}
	return 0
}

func (k stopKeyAsc) CalcScore(key interface{}) float64 {
	f, _ := key.(math.LegacyDec).Float64()
	return f
}

// stopKeyDesc orders stop-sell triggers highest first.
type stopKeyDesc struct{}

func (k stopKeyDesc) Compare(lhs, rhs interface{}) int {
	l := lhs.(math.LegacyDec)
	r := rhs.(math.LegacyDec)
	if l.GT(r) {
		return -1
	}
	if l.LT(r) {
		return 1
	}
	return 0
}

func (k stopKeyDesc) CalcScore(key interface{}) float64 {
	f, _ := key.(math.LegacyDec).Float64()
	return -f
}

// stopLevel holds the pending-trigger orders sharing one stop price, in
// arrival order.
type stopLevel struct {
	orders []*types.Order
}

// stopIndex holds the pending-trigger orders of one security. Stop-buys
// trigger when last >= stop, stop-sells when last <= stop, so each side is
// a skip list fronted by the trigger nearest the current price.
type stopIndex struct {
	buys  *skiplist.SkipList // ascending by stop price
	sells *skiplist.SkipList // descending by stop price
}

func newStopIndex() *stopIndex {
	return &stopIndex{
		buys:  skiplist.New(stopKeyAsc{}),
		sells: skiplist.New(stopKeyDesc{}),
	}
}

func (si *stopIndex) list(side types.Side) *skiplist.SkipList {
	if side == types.SideBuy {
		return si.buys
	}
	return si.sells
}

func (si *stopIndex) add(order *types.Order) {
	list := si.list(order.Side)
	elem := list.Get(order.StopPrice)
	var lvl *stopLevel
	if elem != nil {
		lvl = elem.Value.(*stopLevel)
	} else {
		lvl = &stopLevel{}
		list.Set(order.StopPrice, lvl)
	}
	lvl.orders = append(lvl.orders, order)
}

func (si *stopIndex) remove(order *types.Order) bool {
	list := si.list(order.Side)
	elem := list.Get(order.StopPrice)
	if elem == nil {
		return false
	}
	lvl := elem.Value.(*stopLevel)
	for i, o := range lvl.orders {
		if o.OrderID == order.OrderID {
			lvl.orders = append(lvl.orders[:i], lvl.orders[i+1:]...)
			if len(lvl.orders) == 0 {
				list.Remove(order.StopPrice)
			}
			return true
		}
	}
	return false
}

// triggered pops every order whose stop condition the last price satisfies,
// in trigger-price order, arrival order within a price.
func (si *stopIndex) triggered(last math.LegacyDec) []*types.Order {
	var out []*types.Order
	for {
		front := si.buys.Front()
		if front == nil {
			break
		}
		stop := front.Key().(math.LegacyDec)
		if stop.GT(last) {
			break
		}
		out = append(out, front.Value.(*stopLevel).orders...)
		si.buys.Remove(stop)
	}
	for {
		front := si.sells.Front()
		if front == nil {
			break
		}
		stop := front.Key().(math.LegacyDec)
		if stop.LT(last) {
			break
		}
		out = append(out, front.Value.(*stopLevel).orders...)
		si.sells.Remove(stop)
	}
	return out
}

// pending returns every registered order, used for day-order expiry at
// close.
func (si *stopIndex) pending() []*types.Order {
	var out []*types.Order
	for elem := si.buys.Front(); elem != nil; elem = elem.Next() {
		out = append(out, elem.Value.(*stopLevel).orders...)
	}
	for elem := si.sells.Front(); elem != nil; elem = elem.Next() {
		out = append(out, elem.Value.(*stopLevel).orders...)
	}
	return out
}
