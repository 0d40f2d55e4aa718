// Package matching owns order admission and execution for one session. It
// crosses incoming orders against the book under price-time priority,
// settles both legs with the portfolio engine and publishes the resulting
// events. All methods run inside the owning session actor; the engine does
// no locking of its own.
package matching

import (
	"time"

	"cosmossdk.io/log"
	"cosmossdk.io/math"
	"github.com/google/uuid"

	"github.com/openalpha/tradesim/events"
	"github.com/openalpha/tradesim/orderbook"
	"github.com/openalpha/tradesim/portfolio"
	"github.com/openalpha/tradesim/privilege"
	"github.com/openalpha/tradesim/types"
)

// DefaultBookDepth is the level count published in book snapshots.
const DefaultBookDepth = 10

// PrivilegeChecker answers guarded-operation checks. The session implements
// it; the engine never calls back into session state directly.
type PrivilegeChecker interface {
	HasPrivilege(userID string, code privilege.Code) bool
}

// Config carries the per-session matching parameters.
type Config struct {
	SessionID  string
	Securities []types.Security
	AllowShort bool
	BookDepth  int
}

// SubmitRequest is one order submission.
type SubmitRequest struct {
	UserID      string
	Symbol      string
	Side        types.Side
	OrderType   types.OrderType
	Quantity    int64
	Price       math.LegacyDec
	StopPrice   math.LegacyDec
	TimeInForce types.TimeInForce
}

// Engine matches orders for every security in one session.
type Engine struct {
	sessionID  string
	secs       map[string]types.Security
	books      map[string]*orderbook.Book
	stops      map[string]*stopIndex
	orders     map[string]*types.Order
	trades     []*types.Trade
	portfolio  *portfolio.Engine
	bus        *events.Bus
	privileges PrivilegeChecker
	allowShort bool
	marketOpen bool
	depth      int
	logger     log.Logger

	now   func() time.Time
	newID func() string
}

// NewEngine creates a matching engine over the session's securities. The
// market starts closed; a scripted or instructor command opens it.
func NewEngine(cfg Config, pf *portfolio.Engine, bus *events.Bus, checker PrivilegeChecker, logger log.Logger) *Engine {
	e := &Engine{
		sessionID:  cfg.SessionID,
		secs:       make(map[string]types.Security, len(cfg.Securities)),
		books:      make(map[string]*orderbook.Book, len(cfg.Securities)),
		stops:      make(map[string]*stopIndex, len(cfg.Securities)),
		orders:     make(map[string]*types.Order),
		portfolio:  pf,
		bus:        bus,
		privileges: checker,
		allowShort: cfg.AllowShort,
		depth:      cfg.BookDepth,
		logger:     logger.With("component", "matching", "session", cfg.SessionID),
		now:        time.Now,
		newID:      uuid.NewString,
	}
	if e.depth <= 0 {
		e.depth = DefaultBookDepth
	}
	for _, sec := range cfg.Securities {
		e.secs[sec.Symbol] = sec
		e.books[sec.Symbol] = orderbook.New(sec)
		e.stops[sec.Symbol] = newStopIndex()
		if sec.StartPrice.IsPositive() {
			pf.SetMark(sec.Symbol, sec.StartPrice)
		}
	}
	return e
}

// SetClock overrides the engine's time and id sources. Tests only.
func (e *Engine) SetClock(now func() time.Time, newID func() string) {
	if now != nil {
		e.now = now
	}
	if newID != nil {
		e.newID = newID
	}
}

// MarketOpen reports whether matching is live.
func (e *Engine) MarketOpen() bool { return e.marketOpen }

// Book returns the book for a symbol, nil when unknown.
func (e *Engine) Book(symbol string) *orderbook.Book { return e.books[symbol] }

// Order returns an order by id, nil when unknown.
func (e *Engine) Order(orderID string) *types.Order { return e.orders[orderID] }

// UserOrders returns every non-terminal order belonging to a user.
func (e *Engine) UserOrders(userID string) []*types.Order {
	var out []*types.Order
	for _, o := range e.orders {
		if o.UserID == userID && !o.Status.IsTerminal() {
			out = append(out, o)
		}
	}
	return out
}

// Trades returns the session trade tape in execution order.
func (e *Engine) Trades() []*types.Trade { return e.trades }

// Securities returns the tradable instruments of the session.
func (e *Engine) Securities() []types.Security {
	out := make([]types.Security, 0, len(e.secs))
	for _, sec := range e.secs {
		out = append(out, sec)
	}
	return out
}

// Submit validates and executes one order submission. The returned order
// carries its assigned id and final-or-resting status; the error mirrors
// the order's rejection reason when admission fails.
func (e *Engine) Submit(req SubmitRequest) (*types.Order, error) {
	now := e.now()
	order := types.NewOrder(e.newID(), e.sessionID, req.UserID, req.Symbol,
		req.Side, req.OrderType, req.Quantity, req.Price, req.StopPrice, req.TimeInForce, now)
	e.orders[order.OrderID] = order

	if err := e.validate(order); err != nil {
		order.Reject(err.Error(), now)
		e.bus.Publish(events.TypeOrderRejected, order.UserID, order.Symbol, order, now)
		return order, err
	}
	e.bus.Publish(events.TypeOrderAccepted, order.UserID, order.Symbol, order, now)

	// Conditional orders rest off-book until their trigger crosses.
	if order.OrderType.IsConditional() {
		order.Status = types.OrderStatusPendingTrigger
		order.UpdatedAt = now
		e.stops[order.Symbol].add(order)
		e.bus.Publish(events.TypeOrderUpdated, order.UserID, order.Symbol, order, now)
		// A stop already beyond the current mark triggers immediately.
		e.drainStops(order.Symbol, now)
		return order, nil
	}

	// GTC limit through a closed market rests without matching; the
	// uncross at next open resolves any cross.
	if !e.marketOpen {
		e.books[order.Symbol].AddResting(order)
		e.publishBook(order.Symbol, now)
		return order, nil
	}

	_, err := e.execute(order, now)
	e.drainStops(order.Symbol, now)
	return order, err
}

// Cancel cancels an active order. Returns false when the order is unknown,
// already terminal, or owned by a different user. Repeating a cancel is a
// no-op returning false.
func (e *Engine) Cancel(orderID, byUser string) bool {
	order, ok := e.orders[orderID]
	if !ok || order.Status.IsTerminal() {
		return false
	}
	if byUser != "" && order.UserID != byUser {
		return false
	}
	now := e.now()
	book := e.books[order.Symbol]
	switch {
	case order.Status == types.OrderStatusPendingTrigger:
		e.stops[order.Symbol].remove(order)
	case book != nil && book.Contains(orderID):
		book.Remove(orderID)
		defer e.publishBook(order.Symbol, now)
	}
	order.Cancel(now)
	e.bus.Publish(events.TypeOrderUpdated, order.UserID, order.Symbol, order, now)
	return true
}

// OpenMarket enables matching. Idempotent. Orders that rested crossed while
// the market was closed are uncrossed immediately: the younger head is the
// taker and trades at the older order's limit price.
func (e *Engine) OpenMarket() {
	if e.marketOpen {
		return
	}
	e.marketOpen = true
	now := e.now()
	e.bus.Publish(events.TypeMarketOpened, "", "", nil, now)
	for symbol := range e.books {
		e.uncross(symbol, now)
		e.drainStops(symbol, now)
	}
}

// CloseMarket disables matching. Idempotent. Day orders, resting or
// pending-trigger, are cancelled; GTC orders stay on the book with their
// queue position intact.
func (e *Engine) CloseMarket() {
	if !e.marketOpen {
		return
	}
	e.marketOpen = false
	now := e.now()
	for symbol, book := range e.books {
		changed := false
		for _, o := range e.orders {
			if o.Symbol != symbol || o.TimeInForce != types.TimeInForceDay {
				continue
			}
			switch {
			case o.Status == types.OrderStatusPendingTrigger:
				e.stops[symbol].remove(o)
			case book.Contains(o.OrderID):
				book.Remove(o.OrderID)
				changed = true
			default:
				continue
			}
			o.Cancel(now)
			e.bus.Publish(events.TypeOrderUpdated, o.UserID, symbol, o, now)
		}
		if changed {
			e.publishBook(symbol, now)
		}
	}
	e.bus.Publish(events.TypeMarketClosed, "", "", nil, now)
}

// SetMark applies an administrative mark-to-market price. Holders revalue
// immediately and pending stops may trigger off the new price.
func (e *Engine) SetMark(symbol string, price math.LegacyDec) error {
	if _, ok := e.secs[symbol]; !ok {
		return types.ErrUnknownSecurity
	}
	if price.IsNil() || !price.IsPositive() {
		return types.ErrInvalidPrice
	}
	now := e.now()
	e.portfolio.SetMark(symbol, price)
	e.bus.Publish(events.TypePortfolioUpdated, "", symbol, map[string]any{"mark": price}, now)
	if e.marketOpen {
		e.drainStops(symbol, now)
	}
	return nil
}

// execute crosses an admitted market or limit order and resolves the
// residual per its time in force.
func (e *Engine) execute(taker *types.Order, now time.Time) (*types.Order, error) {
	book := e.books[taker.Symbol]
	opposite := taker.Side.Opposite()
	var limit *math.LegacyDec
	if taker.OrderType.IsPriced() {
		p := taker.Price
		limit = &p
	}

	if taker.OrderType == types.OrderTypeMarket && book.Best(opposite) == nil {
		taker.Reject(types.ErrNoLiquidity.Error(), now)
		e.bus.Publish(events.TypeOrderRejected, taker.UserID, taker.Symbol, taker, now)
		return taker, types.ErrNoLiquidity
	}

	// FOK resolves before any state changes: a non-mutating pre-walk
	// decides feasibility, so failure needs no unwind.
	if taker.TimeInForce == types.TimeInForceFOK {
		if e.availableQty(book, opposite, limit) < taker.RemainingQty() {
			taker.Reject(types.ErrFOKNotFilled.Error(), now)
			e.bus.Publish(events.TypeOrderRejected, taker.UserID, taker.Symbol, taker, now)
			return taker, types.ErrFOKNotFilled
		}
	}

	for taker.RemainingQty() > 0 {
		lvl := book.Best(opposite)
		if lvl == nil || !satisfiesLimit(opposite, lvl.Price, limit) {
			break
		}
		maker := lvl.Head()
		qty := min(taker.RemainingQty(), maker.RemainingQty())
		e.trade(taker, maker, lvl.Price, qty, false, now)
	}

	switch {
	case taker.IsFilled():
	case taker.TimeInForce == types.TimeInForceIOC:
		taker.Cancel(now)
		e.bus.Publish(events.TypeOrderUpdated, taker.UserID, taker.Symbol, taker, now)
	case taker.OrderType == types.OrderTypeMarket:
		// Markets never rest.
		if taker.FilledQty == 0 {
			taker.Reject(types.ErrNoLiquidity.Error(), now)
			e.bus.Publish(events.TypeOrderRejected, taker.UserID, taker.Symbol, taker, now)
			return taker, types.ErrNoLiquidity
		}
		taker.Cancel(now)
		e.bus.Publish(events.TypeOrderUpdated, taker.UserID, taker.Symbol, taker, now)
	default:
		book.AddResting(taker)
		e.publishBook(taker.Symbol, now)
	}
	return taker, nil
}

// trade executes one fill: book first, then both portfolio legs, then
// events. takerResting marks uncross fills where the taker also rests on
// the book and must be reduced there too.
func (e *Engine) trade(taker, maker *types.Order, price math.LegacyDec, qty int64, takerResting bool, now time.Time) {
	if err := maker.Fill(qty, now); err != nil {
		e.logger.Error("maker fill failed", "order", maker.OrderID, "err", err)
		return
	}
	if err := taker.Fill(qty, now); err != nil {
		e.logger.Error("taker fill failed", "order", taker.OrderID, "err", err)
		return
	}
	book := e.books[taker.Symbol]
	book.Reduce(maker, qty)
	if takerResting {
		book.Reduce(taker, qty)
	}
	book.SetLastTrade(price, qty, now)

	e.portfolio.ApplyFill(taker.UserID, taker.Symbol, taker.Side, qty, price)
	e.portfolio.ApplyFill(maker.UserID, maker.Symbol, maker.Side, qty, price)
	e.portfolio.SetMark(taker.Symbol, price)

	trade := types.NewTrade(e.newID(), taker, maker, price, qty, now)
	e.trades = append(e.trades, trade)
	e.bus.Publish(events.TypeTrade, "", taker.Symbol, trade, now)
	e.publishBook(taker.Symbol, now)
	e.bus.Publish(events.TypeOrderUpdated, maker.UserID, maker.Symbol, maker, now)
	if taker.IsFilled() {
		e.bus.Publish(events.TypeOrderUpdated, taker.UserID, taker.Symbol, taker, now)
	}
	e.bus.Publish(events.TypePortfolioUpdated, taker.UserID, taker.Symbol,
		e.portfolio.Snapshot(taker.UserID, now), now)
	e.bus.Publish(events.TypePortfolioUpdated, maker.UserID, maker.Symbol,
		e.portfolio.Snapshot(maker.UserID, now), now)
}

// availableQty sums the opposite-side quantity reachable within the taker's
// limit, for FOK feasibility.
func (e *Engine) availableQty(book *orderbook.Book, opposite types.Side, limit *math.LegacyDec) int64 {
	var total int64
	book.Walk(opposite, limit, func(lvl *orderbook.Level) bool {
		total += lvl.Quantity
		return true
	})
	return total
}

// uncross trades away any bid/ask overlap left by GTC orders resting
// through a closed market.
func (e *Engine) uncross(symbol string, now time.Time) {
	book := e.books[symbol]
	for {
		bid, ask := book.BestBid(), book.BestAsk()
		if bid == nil || ask == nil || bid.Price.LT(ask.Price) {
			return
		}
		buyer, seller := bid.Head(), ask.Head()
		var taker, maker *types.Order
		var price math.LegacyDec
		if buyer.SubmittedAt.After(seller.SubmittedAt) {
			taker, maker, price = buyer, seller, seller.Price
		} else {
			taker, maker, price = seller, buyer, buyer.Price
		}
		qty := min(taker.RemainingQty(), maker.RemainingQty())
		e.trade(taker, maker, price, qty, true, now)
	}
}

// drainStops activates every pending-trigger order the current mark has
// crossed, re-running until the cascade settles. Bounded: each stop fires
// at most once.
func (e *Engine) drainStops(symbol string, now time.Time) {
	if !e.marketOpen {
		return
	}
	si := e.stops[symbol]
	for {
		last := e.portfolio.Mark(symbol)
		if !last.IsPositive() {
			return
		}
		batch := si.triggered(last)
		if len(batch) == 0 {
			return
		}
		for _, o := range batch {
			e.activateStop(o, now)
		}
	}
}

// activateStop converts a triggered stop into a market order (stop) or a
// limit order at its limit price (stop-limit) and executes it.
func (e *Engine) activateStop(order *types.Order, now time.Time) {
	if order.Status != types.OrderStatusPendingTrigger {
		return
	}
	if order.OrderType == types.OrderTypeStop {
		order.OrderType = types.OrderTypeMarket
	} else {
		order.OrderType = types.OrderTypeLimit
	}
	order.Status = types.OrderStatusPending
	order.UpdatedAt = now
	e.bus.Publish(events.TypeOrderUpdated, order.UserID, order.Symbol, order, now)
	if _, err := e.execute(order, now); err != nil {
		e.logger.Info("triggered order rejected", "order", order.OrderID, "err", err)
	}
}

func (e *Engine) publishBook(symbol string, now time.Time) {
	e.bus.Publish(events.TypeBookUpdated, "", symbol, e.books[symbol].Snapshot(e.depth), now)
}

// satisfiesLimit reports whether a level on the walked side is still inside
// the taker's limit.
func satisfiesLimit(walked types.Side, price math.LegacyDec, limit *math.LegacyDec) bool {
	if limit == nil {
		return true
	}
	if walked == types.SideSell {
		return price.LTE(*limit)
	}
	return price.GTE(*limit)
}
