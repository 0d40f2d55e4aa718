// Package portfolio tracks per-user cash and positions within one session.
// The engine is pure bookkeeping: it applies fills and marks handed to it by
// the matching layer and never talks to the book or the event bus itself.
// Like the book, an Engine is owned by a single session actor and is not
// goroutine-safe.
package portfolio

import (
	"sort"
	"time"

	"cosmossdk.io/log"
	"cosmossdk.io/math"

	"github.com/openalpha/tradesim/types"
)

// Position is a signed holding in one security. Quantity > 0 is long,
// < 0 is short. AvgCost is the volume-weighted cost basis of the open
// quantity and is meaningless when Quantity is zero.
type Position struct {
	Symbol      string
	Quantity    int64
	AvgCost     math.LegacyDec
	RealizedPnL math.LegacyDec
}

// Account is one user's holdings.
type Account struct {
	UserID    string
	Cash      math.LegacyDec
	Positions map[string]*Position
}

// Engine holds every account in a session. Users materialize on first
// touch with the session's starting cash.
type Engine struct {
	startingCash math.LegacyDec
	accounts     map[string]*Account
	marks        map[string]math.LegacyDec
	logger       log.Logger
}

// NewEngine creates an empty portfolio engine.
func NewEngine(startingCash math.LegacyDec, logger log.Logger) *Engine {
	return &Engine{
		startingCash: startingCash,
		accounts:     make(map[string]*Account),
		marks:        make(map[string]math.LegacyDec),
		logger:       logger.With("component", "portfolio"),
	}
}

// Account returns the user's account, creating it with starting cash on
// first touch.
func (e *Engine) Account(userID string) *Account {
	acct, ok := e.accounts[userID]
	if !ok {
		acct = &Account{
			UserID:    userID,
			Cash:      e.startingCash,
			Positions: make(map[string]*Position),
		}
		e.accounts[userID] = acct
	}
	return acct
}

// Cash returns the user's free cash.
func (e *Engine) Cash(userID string) math.LegacyDec {
	return e.Account(userID).Cash
}

// SetCash overrides the user's cash balance. Used by instructor commands.
func (e *Engine) SetCash(userID string, cash math.LegacyDec) {
	acct := e.Account(userID)
	old := acct.Cash
	acct.Cash = cash
	e.logger.Info("cash override", "user", userID, "from", old.String(), "to", cash.String())
}

// Reset restores the user's account to starting cash and clears every
// position. Used by instructor commands between exercises.
func (e *Engine) Reset(userID string) {
	acct := e.Account(userID)
	acct.Cash = e.startingCash
	acct.Positions = make(map[string]*Position)
	e.logger.Info("account reset", "user", userID, "cash", e.startingCash.String())
}

// Debit subtracts from the user's cash without touching positions. Used
// for auction payments.
func (e *Engine) Debit(userID string, amount math.LegacyDec) error {
	acct := e.Account(userID)
	if acct.Cash.LT(amount) {
		return types.ErrInsufficientFunds
	}
	acct.Cash = acct.Cash.Sub(amount)
	return nil
}

// PositionQty returns the signed open quantity in a symbol, zero when flat.
func (e *Engine) PositionQty(userID, symbol string) int64 {
	if pos, ok := e.Account(userID).Positions[symbol]; ok {
		return pos.Quantity
	}
	return 0
}

// ApplyFill settles one side of an execution: cash moves by price*qty and
// the position absorbs the signed quantity. Additions in the direction of
// the open position blend the cost basis volume-weighted; opposite-direction
// quantity first closes against the basis, realizing PnL, and any excess
// opens a fresh position at the fill price.
func (e *Engine) ApplyFill(userID, symbol string, side types.Side, qty int64, price math.LegacyDec) {
	acct := e.Account(userID)
	notional := price.MulInt64(qty)
	if side == types.SideBuy {
		acct.Cash = acct.Cash.Sub(notional)
	} else {
		acct.Cash = acct.Cash.Add(notional)
	}

	pos, ok := acct.Positions[symbol]
	if !ok {
		pos = &Position{
			Symbol:      symbol,
			AvgCost:     math.LegacyZeroDec(),
			RealizedPnL: math.LegacyZeroDec(),
		}
		acct.Positions[symbol] = pos
	}

	signed := qty * side.Sign()
	switch {
	case pos.Quantity == 0:
		pos.Quantity = signed
		pos.AvgCost = price

	case sameSign(pos.Quantity, signed):
		// Adding to the position: volume-weighted basis.
		oldAbs := abs(pos.Quantity)
		total := oldAbs + qty
		pos.AvgCost = pos.AvgCost.MulInt64(oldAbs).Add(price.MulInt64(qty)).QuoInt64(total)
		pos.Quantity += signed

	default:
		// Closing against the open position.
		closing := qty
		if openAbs := abs(pos.Quantity); closing > openAbs {
			closing = openAbs
		}
		diff := price.Sub(pos.AvgCost).MulInt64(closing)
		if pos.Quantity > 0 {
			pos.RealizedPnL = pos.RealizedPnL.Add(diff)
		} else {
			pos.RealizedPnL = pos.RealizedPnL.Sub(diff)
		}
		pos.Quantity += signed
		if pos.Quantity == 0 {
			pos.AvgCost = math.LegacyZeroDec()
		} else if sameSign(pos.Quantity, signed) {
			// Crossed through flat: the residual opens at the fill price.
			pos.AvgCost = price
		}
	}
}

// SetMark records the valuation price for a symbol. Unrealized PnL in
// snapshots is computed against the most recent mark.
func (e *Engine) SetMark(symbol string, price math.LegacyDec) {
	e.marks[symbol] = price
}

// Mark returns the current valuation price for a symbol, zero when the
// symbol has never traded or been marked.
func (e *Engine) Mark(symbol string) math.LegacyDec {
	if m, ok := e.marks[symbol]; ok {
		return m
	}
	return math.LegacyZeroDec()
}

// Users returns all materialized user ids, sorted for deterministic
// iteration.
func (e *Engine) Users() []string {
	out := make([]string, 0, len(e.accounts))
	for id := range e.accounts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// PositionSnapshot is the published view of one holding.
type PositionSnapshot struct {
	Symbol        string         `json:"symbol"`
	Quantity      int64          `json:"quantity"`
	AvgCost       math.LegacyDec `json:"avg_cost"`
	MarkPrice     math.LegacyDec `json:"mark_price"`
	MarketValue   math.LegacyDec `json:"market_value"`
	UnrealizedPnL math.LegacyDec `json:"unrealized_pnl"`
	RealizedPnL   math.LegacyDec `json:"realized_pnl"`
}

// AccountSnapshot is the published view of one account, marked to market.
type AccountSnapshot struct {
	UserID    string             `json:"user_id"`
	Cash      math.LegacyDec     `json:"cash"`
	Equity    math.LegacyDec     `json:"equity"`
	Positions []PositionSnapshot `json:"positions"`
	AsOf      time.Time          `json:"as_of"`
}

// Snapshot values the account at current marks. Equity is cash plus the
// market value of every open position.
func (e *Engine) Snapshot(userID string, asOf time.Time) AccountSnapshot {
	acct := e.Account(userID)
	snap := AccountSnapshot{
		UserID:    userID,
		Cash:      acct.Cash,
		Equity:    acct.Cash,
		Positions: make([]PositionSnapshot, 0, len(acct.Positions)),
		AsOf:      asOf,
	}
	symbols := make([]string, 0, len(acct.Positions))
	for sym := range acct.Positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	for _, sym := range symbols {
		pos := acct.Positions[sym]
		mark := e.Mark(sym)
		value := mark.MulInt64(pos.Quantity)
		unrealized := mark.Sub(pos.AvgCost).MulInt64(pos.Quantity)
		if pos.Quantity == 0 {
			unrealized = math.LegacyZeroDec()
		}
		snap.Positions = append(snap.Positions, PositionSnapshot{
			Symbol:        sym,
			Quantity:      pos.Quantity,
			AvgCost:       pos.AvgCost,
			MarkPrice:     mark,
			MarketValue:   value,
			UnrealizedPnL: unrealized,
			RealizedPnL:   pos.RealizedPnL,
		})
		snap.Equity = snap.Equity.Add(value)
	}
	return snap
}

func sameSign(a, b int64) bool {
	return (a > 0) == (b > 0)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
