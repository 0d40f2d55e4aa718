package matching

import (
	"cosmossdk.io/math"

	"github.com/openalpha/tradesim/privilege"
	"github.com/openalpha/tradesim/types"
)

// validate enforces the admission rules for a new submission. Matching
// itself is infallible once validation passes.
func (e *Engine) validate(order *types.Order) error {
	if order.Quantity <= 0 {
		return types.ErrInvalidQuantity
	}
	sec, ok := e.secs[order.Symbol]
	if !ok {
		return types.ErrUnknownSecurity
	}
	if order.Side != types.SideBuy && order.Side != types.SideSell {
		return types.ErrInvalidOrderType
	}
	switch order.OrderType {
	case types.OrderTypeLimit, types.OrderTypeMarket, types.OrderTypeStop, types.OrderTypeStopLimit:
	default:
		return types.ErrInvalidOrderType
	}

	if order.OrderType.IsPriced() {
		if order.Price.IsNil() || !order.Price.IsPositive() {
			return types.ErrMissingLimitPrice
		}
		if !conformsToTick(order.Price, sec.TickSize) {
			return types.ErrInvalidTickSize
		}
	}
	if order.OrderType.IsConditional() {
		if order.StopPrice.IsNil() || !order.StopPrice.IsPositive() {
			return types.ErrMissingStopPrice
		}
		if !conformsToTick(order.StopPrice, sec.TickSize) {
			return types.ErrInvalidTickSize
		}
	}

	// Only limit orders may rest through a closed market, and only GTC.
	if !e.marketOpen {
		if order.TimeInForce != types.TimeInForceGTC || order.OrderType == types.OrderTypeMarket {
			return types.ErrMarketClosed
		}
	}

	if order.Side == types.SideBuy {
		if err := e.checkFunds(order); err != nil {
			return err
		}
	} else {
		if err := e.checkShortPolicy(order); err != nil {
			return err
		}
	}
	return nil
}

// checkFunds estimates the buy notional against free cash. The estimate
// uses the limit price when present, else the best ask, else the current
// mark; with no reference at all the check is skipped and a market order
// fails later on no-liquidity.
func (e *Engine) checkFunds(order *types.Order) error {
	var ref math.LegacyDec
	switch {
	case order.OrderType.IsPriced():
		ref = order.Price
	default:
		if ask := e.books[order.Symbol].BestAsk(); ask != nil {
			ref = ask.Price
		} else if mark := e.portfolio.Mark(order.Symbol); mark.IsPositive() {
			ref = mark
		} else {
			return nil
		}
	}
	if ref.MulInt64(order.Quantity).GT(e.portfolio.Cash(order.UserID)) {
		return types.ErrInsufficientFunds
	}
	return nil
}

// checkShortPolicy rejects sells that would take the position below zero,
// unless the session allows shorting or the user holds the short-selling
// privilege.
func (e *Engine) checkShortPolicy(order *types.Order) error {
	if e.allowShort {
		return nil
	}
	if e.privileges != nil && e.privileges.HasPrivilege(order.UserID, privilege.ShortSelling) {
		return nil
	}
	if e.portfolio.PositionQty(order.UserID, order.Symbol)-order.Quantity < 0 {
		return types.ErrInsufficientPosition
	}
	return nil
}

func conformsToTick(price, tick math.LegacyDec) bool {
	if tick.IsNil() || !tick.IsPositive() {
		return true
	}
	ratio := price.Quo(tick)
	return ratio.Sub(ratio.TruncateDec()).IsZero()
}
