package session

import (
	"strconv"
	"time"

	"cosmossdk.io/math"

	"github.com/openalpha/tradesim/matching"
	"github.com/openalpha/tradesim/privilege"
	"github.com/openalpha/tradesim/types"
)

// liquidityProvider is the built-in synthetic trader that keeps one bid and
// one ask around each symbol's mark. Quotes are replaced atomically within
// the actor: old quotes cancel before new ones post, so the provider never
// crosses itself.
type liquidityProvider struct {
	trader   string
	enabled  bool
	spread   math.LegacyDec
	size     int64
	interval time.Duration
	quotes   map[string][]string // symbol -> live quote order ids
	timer    *time.Timer
}

func newLiquidityProvider() *liquidityProvider {
	return &liquidityProvider{
		spread:   math.LegacyNewDecWithPrec(50, 2), // 0.50
		size:     100,
		interval: 5 * time.Second,
		quotes:   make(map[string][]string),
	}
}

// setLiquidityTrader applies one instructor setting to the provider.
func (rt *Runtime) setLiquidityTrader(trader, setting, value string) {
	lp := rt.lp
	if trader != "" {
		lp.trader = trader
	}
	switch setting {
	case "enabled":
		on, err := strconv.ParseBool(value)
		if err != nil {
			rt.logger.Warn("bad liquidity setting value", "setting", setting, "value", value)
			return
		}
		if on {
			rt.enableLiquidity()
		} else {
			rt.disableLiquidity()
		}
	case "spread":
		d, err := math.LegacyNewDecFromStr(value)
		if err != nil || !d.IsPositive() {
			rt.logger.Warn("bad liquidity spread", "value", value)
			return
		}
		lp.spread = d
	case "size":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n <= 0 {
			rt.logger.Warn("bad liquidity size", "value", value)
			return
		}
		lp.size = n
	case "interval":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			rt.logger.Warn("bad liquidity interval", "value", value)
			return
		}
		lp.interval = time.Duration(n) * time.Second
	default:
		rt.logger.Warn("unknown liquidity setting", "setting", setting)
	}
	if lp.enabled {
		rt.refreshQuotes()
	}
}

func (rt *Runtime) enableLiquidity() {
	lp := rt.lp
	if lp.trader == "" {
		lp.trader = "liquidity-provider"
	}
	if !lp.enabled {
		lp.enabled = true
		// The provider quotes both sides regardless of inventory.
		rt.grant(lp.trader, privilege.SubmitOrders)
		rt.grant(lp.trader, privilege.CancelOwnOrders)
		rt.grant(lp.trader, privilege.ShortSelling)
		rt.grant(lp.trader, privilege.ActAsLiquidityTrader)
		rt.pf.SetCash(lp.trader, math.LegacyNewDec(100_000_000))
	}
	rt.refreshQuotes()
	lp.armTimer(rt)
}

// disableLiquidity cancels all live quotes and stops the refresh timer.
func (rt *Runtime) disableLiquidity() {
	lp := rt.lp
	lp.enabled = false
	lp.stopTimer()
	rt.cancelQuotes()
}

func (rt *Runtime) cancelQuotes() {
	lp := rt.lp
	for symbol, ids := range lp.quotes {
		for _, id := range ids {
			rt.eng.Cancel(id, lp.trader)
		}
		delete(lp.quotes, symbol)
	}
}

// refreshQuotes replaces every symbol's quotes around the current mark.
func (rt *Runtime) refreshQuotes() {
	lp := rt.lp
	if !lp.enabled || !rt.eng.MarketOpen() {
		return
	}
	rt.cancelQuotes()
	half := lp.spread.QuoInt64(2)
	for _, sec := range rt.eng.Securities() {
		ref := rt.pf.Mark(sec.Symbol)
		if !ref.IsPositive() {
			continue
		}
		bid := roundToTick(ref.Sub(half), sec.TickSize, false)
		ask := roundToTick(ref.Add(half), sec.TickSize, true)
		if !bid.IsPositive() || ask.LTE(bid) {
			continue
		}
		var ids []string
		if o, err := rt.eng.Submit(matching.SubmitRequest{
			UserID: lp.trader, Symbol: sec.Symbol, Side: types.SideBuy,
			OrderType: types.OrderTypeLimit, Quantity: lp.size, Price: bid,
			TimeInForce: types.TimeInForceGTC,
		}); err == nil && !o.Status.IsTerminal() {
			ids = append(ids, o.OrderID)
		}
		if o, err := rt.eng.Submit(matching.SubmitRequest{
			UserID: lp.trader, Symbol: sec.Symbol, Side: types.SideSell,
			OrderType: types.OrderTypeLimit, Quantity: lp.size, Price: ask,
			TimeInForce: types.TimeInForceGTC,
		}); err == nil && !o.Status.IsTerminal() {
			ids = append(ids, o.OrderID)
		}
		if len(ids) > 0 {
			lp.quotes[sec.Symbol] = ids
		}
	}
}

// armTimer schedules the next refresh; the callback re-enters the actor.
func (lp *liquidityProvider) armTimer(rt *Runtime) {
	if !lp.enabled {
		return
	}
	lp.stopTimer()
	lp.timer = time.AfterFunc(lp.interval, func() {
		_ = rt.Do(func() {
			if rt.state != StateInProgress || !lp.enabled {
				return
			}
			rt.refreshQuotes()
			lp.armTimer(rt)
		})
	})
}

func (lp *liquidityProvider) stopTimer() {
	if lp.timer != nil {
		lp.timer.Stop()
	}
}

// roundToTick snaps a price onto the tick grid, downward for bids and
// upward for asks.
func roundToTick(price, tick math.LegacyDec, up bool) math.LegacyDec {
	if tick.IsNil() || !tick.IsPositive() {
		return price
	}
	ratio := price.Quo(tick)
	floored := ratio.TruncateDec()
	if up && !ratio.Sub(floored).IsZero() {
		floored = floored.Add(math.LegacyOneDec())
	}
	return floored.Mul(tick)
}
