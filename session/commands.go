package session

import (
	"strconv"
	"time"

	"cosmossdk.io/math"

	"github.com/openalpha/tradesim/events"
	"github.com/openalpha/tradesim/lesson"
	"github.com/openalpha/tradesim/metrics"
	"github.com/openalpha/tradesim/privilege"
)

// Scripted command names.
const (
	CmdGrantPrivilege     = "GrantPrivilege"
	CmdRemovePrivilege    = "RemovePrivilege"
	CmdOpenMarket         = "OpenMarket"
	CmdCloseMarket        = "CloseMarket"
	CmdSetLiquidityTrader = "SetLiquidityTrader"
	CmdCreateAuction      = "CreateAuction"
	CmdStartAuction       = "StartAuction"
	CmdSetHoldingValue    = "SetHoldingValue"
	CmdResetHoldings      = "ResetHoldings"
	CmdSetMark            = "SetMark"
)

// Group tokens resolved against the roster.
const (
	GroupAll          = "$All"
	GroupSpeculators  = "$Speculators"
	GroupMarketMakers = "$MarketMakers"
)

// execCommand runs one scripted or instructor command. Command failures
// are logged and skipped; they never abort the session.
func (rt *Runtime) execCommand(step lesson.Step) {
	metrics.GetCollector().RecordScriptedCommand(step.Command)
	p := step.Params
	switch step.Command {
	case CmdGrantPrivilege:
		rt.grantPrivilege(paramCode(p), p["group"])
	case CmdRemovePrivilege:
		rt.removePrivilege(paramCode(p), p["group"])
	case CmdOpenMarket:
		if delay := paramSeconds(p, "delay"); delay > 0 {
			rt.scheduleDelayedOpen(delay)
			return
		}
		rt.eng.OpenMarket()
	case CmdCloseMarket:
		rt.eng.CloseMarket()
	case CmdSetLiquidityTrader:
		rt.setLiquidityTrader(p["trader"], p["setting"], p["value"])
	case CmdCreateAuction:
		rt.createAuction(p)
	case CmdStartAuction:
		rt.startAuction()
	case CmdSetHoldingValue:
		rt.setHoldingValue(p["group"], p["amount"])
	case CmdResetHoldings:
		rt.resetHoldings(p["group"])
	case CmdSetMark:
		rt.setMark(p["symbol"], p["price"])
	default:
		rt.logger.Warn("unknown scripted command, skipping", "command", step.Command)
	}
}

// scheduleDelayedOpen replaces the pending market-open residual so the
// delay survives a pause like the plan-level one.
func (rt *Runtime) scheduleDelayedOpen(delay time.Duration) {
	if rt.openTimer != nil {
		rt.openTimer.Stop()
	}
	rt.openRemaining = delay
	rt.armOpenTimer()
}

// resolveGroup maps a group token to user ids. Unknown tokens warn and
// resolve to nothing.
func (rt *Runtime) resolveGroup(token string) []string {
	switch token {
	case GroupAll:
		return rt.roster
	case GroupMarketMakers:
		var out []string
		for _, u := range rt.roster {
			if rt.grants[u].Has(privilege.MarketMaking) {
				out = append(out, u)
			}
		}
		return out
	case GroupSpeculators:
		var out []string
		for _, u := range rt.roster {
			if !rt.grants[u].Has(privilege.MarketMaking) {
				out = append(out, u)
			}
		}
		return out
	default:
		for _, u := range rt.roster {
			if u == token {
				return []string{u}
			}
		}
		rt.logger.Warn("unknown group in command, skipping", "group", token)
		return nil
	}
}

// holders counts how many users currently hold a code.
func (rt *Runtime) holders(code privilege.Code) int {
	n := 0
	for _, set := range rt.grants {
		if set.Has(code) {
			n++
		}
	}
	return n
}

// grant adds one code to one user, enforcing the registry's scarcity
// limit. Returns true when the set changed.
func (rt *Runtime) grant(userID string, code privilege.Code) bool {
	info, ok := privilege.Lookup(code)
	if !ok {
		rt.logger.Warn("unknown privilege code", "code", int(code))
		return false
	}
	set, ok := rt.grants[userID]
	if !ok {
		set = privilege.NewSet()
		rt.grants[userID] = set
	}
	if set.Has(code) {
		return false
	}
	if info.MaxHolders > 0 && rt.holders(code) >= info.MaxHolders {
		rt.logger.Warn("privilege at max holders", "code", info.Name, "max", info.MaxHolders)
		return false
	}
	set.Grant(code)
	metrics.GetCollector().RecordPrivilegeGrant(string(info.Category))
	rt.bus.Publish(events.TypePrivilegeChanged, userID, "", map[string]any{
		"code": int(code), "granted": true,
	}, rt.now())
	return true
}

func (rt *Runtime) grantPrivilege(code privilege.Code, group string) {
	for _, u := range rt.resolveGroup(group) {
		rt.grant(u, code)
	}
}

func (rt *Runtime) removePrivilege(code privilege.Code, group string) {
	for _, u := range rt.resolveGroup(group) {
		if rt.grants[u].Revoke(code) {
			rt.bus.Publish(events.TypePrivilegeChanged, u, "", map[string]any{
				"code": int(code), "granted": false,
			}, rt.now())
		}
	}
}

func (rt *Runtime) setHoldingValue(group, amount string) {
	cash, err := math.LegacyNewDecFromStr(amount)
	if err != nil {
		rt.logger.Warn("bad amount in SetHoldingValue, skipping", "amount", amount)
		return
	}
	for _, u := range rt.resolveGroup(group) {
		rt.pf.SetCash(u, cash)
		rt.bus.Publish(events.TypePortfolioUpdated, u, "", rt.pf.Snapshot(u, rt.now()), rt.now())
	}
}

func (rt *Runtime) resetHoldings(group string) {
	for _, u := range rt.resolveGroup(group) {
		rt.pf.Reset(u)
		rt.bus.Publish(events.TypePortfolioUpdated, u, "", rt.pf.Snapshot(u, rt.now()), rt.now())
	}
}

func (rt *Runtime) setMark(symbol, price string) {
	p, err := math.LegacyNewDecFromStr(price)
	if err != nil {
		rt.logger.Warn("bad price in SetMark, skipping", "price", price)
		return
	}
	if err := rt.eng.SetMark(symbol, p); err != nil {
		rt.logger.Warn("SetMark failed", "symbol", symbol, "err", err)
	}
}

func paramCode(p map[string]string) privilege.Code {
	n, _ := strconv.Atoi(p["code"])
	return privilege.Code(n)
}

func paramSeconds(p map[string]string, key string) time.Duration {
	n, _ := strconv.Atoi(p[key])
	return time.Duration(n) * time.Second
}

func paramInt(p map[string]string, key string) int {
	n, _ := strconv.Atoi(p[key])
	return n
}

func paramDec(p map[string]string, key string) math.LegacyDec {
	d, err := math.LegacyNewDecFromStr(p[key])
	if err != nil {
		return math.LegacyZeroDec()
	}
	return d
}
