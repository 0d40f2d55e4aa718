package session

import (
	"time"

	"cosmossdk.io/math"

	"github.com/openalpha/tradesim/events"
	"github.com/openalpha/tradesim/metrics"
	"github.com/openalpha/tradesim/privilege"
	"github.com/openalpha/tradesim/types"
)

type auctionState int

const (
	auctionPending auctionState = iota
	auctionActive
	auctionEnded
)

// auction is an ascending-clock sale of a scarce privilege: the price
// climbs by increment every interval, and any participant may buy at the
// current price until the available grants run out.
type auction struct {
	code      privilege.Code
	available int
	price     math.LegacyDec
	increment math.LegacyDec
	interval  time.Duration
	state     auctionState
	winners   []string
	timer     *time.Timer
}

func (rt *Runtime) createAuction(p map[string]string) {
	code := paramCode(p)
	info, ok := privilege.Lookup(code)
	if !ok || !info.Auctionable {
		rt.logger.Warn("cannot auction privilege, skipping", "code", int(code))
		return
	}
	available := paramInt(p, "available")
	initial := paramDec(p, "initial_price")
	interval := paramSeconds(p, "interval")
	if available <= 0 || !initial.IsPositive() || interval <= 0 {
		rt.logger.Warn("bad auction parameters, skipping", "params", p)
		return
	}
	rt.auctions = append(rt.auctions, &auction{
		code:      code,
		available: available,
		price:     initial,
		increment: paramDec(p, "increment"),
		interval:  interval,
	})
	rt.logger.Info("auction registered", "privilege", info.Name, "available", available)
}

// startAuction activates the most recently created pending auction.
func (rt *Runtime) startAuction() {
	a := rt.pendingAuction()
	if a == nil {
		rt.logger.Warn("StartAuction with no pending auction, skipping")
		return
	}
	a.state = auctionActive
	rt.bus.Publish(events.TypeAuctionStarted, "", "", rt.auctionPayload(a), rt.now())
	rt.armAuctionTick(a)
}

func (rt *Runtime) pendingAuction() *auction {
	for i := len(rt.auctions) - 1; i >= 0; i-- {
		if rt.auctions[i].state == auctionPending {
			return rt.auctions[i]
		}
	}
	return nil
}

func (rt *Runtime) activeAuction() *auction {
	for _, a := range rt.auctions {
		if a.state == auctionActive {
			return a
		}
	}
	return nil
}

func (rt *Runtime) armAuctionTick(a *auction) {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.interval, func() {
		_ = rt.Do(func() {
			if a.state != auctionActive || rt.state != StateInProgress {
				return
			}
			a.price = a.price.Add(a.increment)
			rt.bus.Publish(events.TypeAuctionTick, "", "", rt.auctionPayload(a), rt.now())
			rt.armAuctionTick(a)
		})
	})
}

// bidAuction buys one grant at the clock price: cash debits, privilege
// grants, and the auction ends when sold out.
func (rt *Runtime) bidAuction(userID string) error {
	if rt.state != StateInProgress {
		return types.ErrSessionNotRunnable
	}
	a := rt.activeAuction()
	if a == nil {
		return types.ErrNoActiveAuction
	}
	if rt.grants[userID].Has(a.code) {
		return types.ErrAuctionIneligible
	}
	if err := rt.pf.Debit(userID, a.price); err != nil {
		return err
	}
	if !rt.grant(userID, a.code) {
		// Scarcity limit hit between ticks: refund the debit.
		rt.pf.SetCash(userID, rt.pf.Cash(userID).Add(a.price))
		return types.ErrAuctionIneligible
	}
	a.available--
	a.winners = append(a.winners, userID)
	if info, ok := privilege.Lookup(a.code); ok {
		metrics.GetCollector().RecordAuctionBid(info.Name)
	}
	rt.bus.Publish(events.TypeAuctionBid, userID, "", rt.auctionPayload(a), rt.now())
	if a.available == 0 {
		rt.endAuction(a)
	}
	return nil
}

func (rt *Runtime) endAuction(a *auction) {
	a.state = auctionEnded
	if a.timer != nil {
		a.timer.Stop()
	}
	rt.bus.Publish(events.TypeAuctionEnded, "", "", rt.auctionPayload(a), rt.now())
}

func (rt *Runtime) pauseAuctions() {
	for _, a := range rt.auctions {
		if a.timer != nil {
			a.timer.Stop()
		}
	}
}

func (rt *Runtime) resumeAuctions() {
	for _, a := range rt.auctions {
		if a.state == auctionActive {
			rt.armAuctionTick(a)
		}
	}
}

func (rt *Runtime) auctionPayload(a *auction) map[string]any {
	return map[string]any{
		"privilege": int(a.code),
		"price":     a.price,
		"available": a.available,
		"winners":   append([]string(nil), a.winners...),
	}
}
