package session

import (
	"strconv"
	"testing"
	"time"

	"cosmossdk.io/log"
	"cosmossdk.io/math"

	"github.com/openalpha/tradesim/events"
	"github.com/openalpha/tradesim/lesson"
	"github.com/openalpha/tradesim/matching"
	"github.com/openalpha/tradesim/privilege"
	"github.com/openalpha/tradesim/types"
)

func baseGrants() []int {
	codes := []privilege.Code{
		privilege.SubmitOrders, privilege.SubmitStopOrders, privilege.CancelOwnOrders,
		privilege.ViewTopOfBook, privilege.ViewLastTrade, privilege.ViewTradeTape,
		privilege.ViewOwnOrders, privilege.ViewOwnPortfolio,
	}
	out := make([]int, len(codes))
	for i, c := range codes {
		out[i] = int(c)
	}
	return out
}

func testPlan() *lesson.Plan {
	return &lesson.Plan{
		LessonID:     "lesson-1",
		ScenarioID:   "scenario-1",
		StartingCash: "100000",
		AllowShort:   true,
		BaseGrants:   baseGrants(),
		Securities: []lesson.SecuritySpec{{
			Symbol: "AOE", Type: "equity", TickSize: "0.01", Precision: 2, StartPrice: "100",
		}},
	}
}

func newTestRuntime(t *testing.T, plan *lesson.Plan, roster ...string) *Runtime {
	t.Helper()
	if len(roster) == 0 {
		roster = []string{"alice", "bob"}
	}
	rt, err := NewRuntime("sess-test", plan, roster, log.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(rt.Shutdown)
	return rt
}

func mustState(t *testing.T, rt *Runtime, want State) {
	t.Helper()
	got, err := rt.State()
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("state = %s, want %s", got, want)
	}
}

func waitMarketOpen(t *testing.T, rt *Runtime) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := rt.UserSnapshot("alice")
		if err != nil {
			t.Fatal(err)
		}
		if snap.MarketOpen {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("market did not open")
}

func hasPriv(t *testing.T, rt *Runtime, user string, code privilege.Code) bool {
	t.Helper()
	ok, err := call(rt, func() bool { return rt.HasPrivilege(user, code) })
	if err != nil {
		t.Fatal(err)
	}
	return ok
}

func TestLifecycleTransitions(t *testing.T) {
	rt := newTestRuntime(t, testPlan())
	mustState(t, rt, StatePending)

	if err := rt.Start(); err != nil {
		t.Fatal(err)
	}
	mustState(t, rt, StateInProgress)
	if err := rt.Start(); err != nil {
		t.Fatalf("second start: %v, want nil (idempotent)", err)
	}

	if err := rt.Pause(); err != nil {
		t.Fatal(err)
	}
	mustState(t, rt, StatePaused)
	if err := rt.Pause(); err != nil {
		t.Fatalf("second pause: %v, want nil", err)
	}

	if err := rt.Resume(); err != nil {
		t.Fatal(err)
	}
	mustState(t, rt, StateInProgress)

	if err := rt.End(); err != nil {
		t.Fatal(err)
	}
	mustState(t, rt, StateCompleted)
	if err := rt.End(); err != nil {
		t.Fatalf("second end: %v, want nil", err)
	}
	if err := rt.Start(); err != types.ErrSessionTerminal {
		t.Fatalf("start after end: %v, want ErrSessionTerminal", err)
	}
}

// The open-delay residual must survive a pause, like the duration timer.
func TestOpenDelaySurvivesPause(t *testing.T) {
	plan := testPlan()
	plan.OpenDelaySeconds = 1
	rt := newTestRuntime(t, plan)
	if err := rt.Start(); err != nil {
		t.Fatal(err)
	}

	time.Sleep(200 * time.Millisecond)
	if err := rt.Pause(); err != nil {
		t.Fatal(err)
	}

	// Sit past the original deadline while paused, then resume.
	time.Sleep(1200 * time.Millisecond)
	snap, err := rt.UserSnapshot("alice")
	if err != nil {
		t.Fatal(err)
	}
	if snap.MarketOpen {
		t.Fatal("market opened while paused")
	}
	if err := rt.Resume(); err != nil {
		t.Fatal(err)
	}
	waitMarketOpen(t, rt)
}

func TestShutdownClosesSubscriberStreams(t *testing.T) {
	rt := newTestRuntime(t, testPlan())
	if err := rt.Start(); err != nil {
		t.Fatal(err)
	}
	_, sub, err := rt.Subscribe("alice", "sub-1")
	if err != nil {
		t.Fatal(err)
	}

	rt.Shutdown()
	rt.Shutdown() // idempotent

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscriber channel still open after shutdown")
		}
	}
}

func TestCancelFromPending(t *testing.T) {
	rt := newTestRuntime(t, testPlan())
	if err := rt.Cancel(); err != nil {
		t.Fatal(err)
	}
	mustState(t, rt, StateCancelled)
	if err := rt.Start(); err != types.ErrSessionTerminal {
		t.Fatalf("start after cancel: %v", err)
	}
}

func TestSubmitGatedByLifecycle(t *testing.T) {
	rt := newTestRuntime(t, testPlan())
	req := matching.SubmitRequest{
		Symbol: "AOE", Side: types.SideBuy, OrderType: types.OrderTypeLimit,
		Quantity: 10, Price: math.LegacyNewDec(100), TimeInForce: types.TimeInForceDay,
	}

	if _, err := rt.SubmitOrder("alice", req); err != types.ErrSessionNotRunnable {
		t.Fatalf("submit while pending: %v, want ErrSessionNotRunnable", err)
	}

	if err := rt.Start(); err != nil {
		t.Fatal(err)
	}
	waitMarketOpen(t, rt)
	if _, err := rt.SubmitOrder("alice", req); err != nil {
		t.Fatalf("submit while in progress: %v", err)
	}

	if err := rt.Pause(); err != nil {
		t.Fatal(err)
	}
	if _, err := rt.SubmitOrder("alice", req); err != types.ErrSessionNotRunnable {
		t.Fatalf("submit while paused: %v, want ErrSessionNotRunnable", err)
	}
}

func TestSubmitGatedByPrivilege(t *testing.T) {
	plan := testPlan()
	plan.BaseGrants = nil
	rt := newTestRuntime(t, plan)
	if err := rt.Start(); err != nil {
		t.Fatal(err)
	}
	waitMarketOpen(t, rt)

	req := matching.SubmitRequest{
		Symbol: "AOE", Side: types.SideBuy, OrderType: types.OrderTypeLimit,
		Quantity: 10, Price: math.LegacyNewDec(100), TimeInForce: types.TimeInForceDay,
	}
	if _, err := rt.SubmitOrder("alice", req); err != types.ErrPrivilegeRequired {
		t.Fatalf("ungranted submit: %v, want ErrPrivilegeRequired", err)
	}

	err := rt.Command(CmdGrantPrivilege, map[string]string{
		"code": strconv.Itoa(int(privilege.SubmitOrders)), "group": "alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rt.SubmitOrder("alice", req); err != nil {
		t.Fatalf("granted submit: %v", err)
	}
}

func TestStopOrderRequiresExtraPrivilege(t *testing.T) {
	plan := testPlan()
	plan.BaseGrants = []int{int(privilege.SubmitOrders)}
	rt := newTestRuntime(t, plan)
	if err := rt.Start(); err != nil {
		t.Fatal(err)
	}
	waitMarketOpen(t, rt)

	_, err := rt.SubmitOrder("alice", matching.SubmitRequest{
		Symbol: "AOE", Side: types.SideSell, OrderType: types.OrderTypeStop,
		Quantity: 10, StopPrice: math.LegacyNewDec(95), TimeInForce: types.TimeInForceDay,
	})
	if err != types.ErrPrivilegeRequired {
		t.Fatalf("stop without privilege: %v, want ErrPrivilegeRequired", err)
	}
}

func TestGroupResolution(t *testing.T) {
	rt := newTestRuntime(t, testPlan(), "mm", "spec1", "spec2")
	if err := rt.Start(); err != nil {
		t.Fatal(err)
	}
	mmCode := strconv.Itoa(int(privilege.MarketMaking))

	if err := rt.Command(CmdGrantPrivilege, map[string]string{"code": mmCode, "group": "mm"}); err != nil {
		t.Fatal(err)
	}
	shortCode := strconv.Itoa(int(privilege.ShortSelling))
	if err := rt.Command(CmdGrantPrivilege, map[string]string{"code": shortCode, "group": GroupSpeculators}); err != nil {
		t.Fatal(err)
	}

	if hasPriv(t, rt, "mm", privilege.ShortSelling) {
		t.Fatal("market maker received speculator grant")
	}
	if !hasPriv(t, rt, "spec1", privilege.ShortSelling) || !hasPriv(t, rt, "spec2", privilege.ShortSelling) {
		t.Fatal("speculators missing grant")
	}

	if err := rt.Command(CmdRemovePrivilege, map[string]string{"code": shortCode, "group": GroupAll}); err != nil {
		t.Fatal(err)
	}
	if hasPriv(t, rt, "spec1", privilege.ShortSelling) {
		t.Fatal("revoke across $All failed")
	}

	// Unknown group is a logged no-op.
	if err := rt.Command(CmdGrantPrivilege, map[string]string{"code": shortCode, "group": "nobody"}); err != nil {
		t.Fatal(err)
	}
}

func TestScarcityLimit(t *testing.T) {
	rt := newTestRuntime(t, testPlan(), "u1", "u2", "u3")
	if err := rt.Start(); err != nil {
		t.Fatal(err)
	}
	// ViewAllOrders has max holders 1.
	code := strconv.Itoa(int(privilege.ViewAllOrders))
	if err := rt.Command(CmdGrantPrivilege, map[string]string{"code": code, "group": GroupAll}); err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, u := range []string{"u1", "u2", "u3"} {
		if hasPriv(t, rt, u, privilege.ViewAllOrders) {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("holders = %d, want 1 (scarcity)", n)
	}
}

func TestSetHoldingValue(t *testing.T) {
	rt := newTestRuntime(t, testPlan())
	if err := rt.Start(); err != nil {
		t.Fatal(err)
	}
	err := rt.Command(CmdSetHoldingValue, map[string]string{"group": "alice", "amount": "5000"})
	if err != nil {
		t.Fatal(err)
	}
	snap, err := rt.UserSnapshot("alice")
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Portfolio.Cash.Equal(math.LegacyNewDec(5000)) {
		t.Fatalf("cash = %s, want 5000", snap.Portfolio.Cash)
	}
}

func TestResetHoldings(t *testing.T) {
	rt := newTestRuntime(t, testPlan())
	if err := rt.Start(); err != nil {
		t.Fatal(err)
	}
	err := rt.Command(CmdSetHoldingValue, map[string]string{"group": "alice", "amount": "5000"})
	if err != nil {
		t.Fatal(err)
	}
	if err := rt.Command(CmdResetHoldings, map[string]string{"group": "alice"}); err != nil {
		t.Fatal(err)
	}
	snap, err := rt.UserSnapshot("alice")
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Portfolio.Cash.Equal(math.LegacyNewDec(100000)) {
		t.Fatalf("cash = %s, want starting 100000", snap.Portfolio.Cash)
	}
	if len(snap.Portfolio.Positions) != 0 {
		t.Fatalf("positions after reset = %d, want 0", len(snap.Portfolio.Positions))
	}
}

func TestAuctionFlow(t *testing.T) {
	rt := newTestRuntime(t, testPlan(), "alice", "bob", "carol")
	if err := rt.Start(); err != nil {
		t.Fatal(err)
	}
	code := strconv.Itoa(int(privilege.MarketMaking))
	err := rt.Command(CmdCreateAuction, map[string]string{
		"code": code, "available": "2", "initial_price": "1000",
		"increment": "100", "interval": "600",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := rt.BidAuction("alice"); err != types.ErrNoActiveAuction {
		t.Fatalf("bid before start: %v, want ErrNoActiveAuction", err)
	}
	if err := rt.Command(CmdStartAuction, nil); err != nil {
		t.Fatal(err)
	}

	if err := rt.BidAuction("alice"); err != nil {
		t.Fatal(err)
	}
	if !hasPriv(t, rt, "alice", privilege.MarketMaking) {
		t.Fatal("winning bid did not grant the privilege")
	}
	snap, _ := rt.UserSnapshot("alice")
	if !snap.Portfolio.Cash.Equal(math.LegacyNewDec(99000)) {
		t.Fatalf("cash after bid = %s, want 99000", snap.Portfolio.Cash)
	}

	if err := rt.BidAuction("alice"); err != types.ErrAuctionIneligible {
		t.Fatalf("repeat bid: %v, want ErrAuctionIneligible", err)
	}

	if err := rt.BidAuction("bob"); err != nil {
		t.Fatal(err)
	}
	// Two grants sold: the auction is over.
	if err := rt.BidAuction("carol"); err != types.ErrNoActiveAuction {
		t.Fatalf("bid after sellout: %v, want ErrNoActiveAuction", err)
	}
}

func TestLiquidityProviderQuotes(t *testing.T) {
	rt := newTestRuntime(t, testPlan())
	if err := rt.Start(); err != nil {
		t.Fatal(err)
	}
	waitMarketOpen(t, rt)

	err := rt.Command(CmdSetLiquidityTrader, map[string]string{
		"trader": "lp-1", "setting": "enabled", "value": "true",
	})
	if err != nil {
		t.Fatal(err)
	}

	snap, err := rt.UserSnapshot("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Books) != 1 {
		t.Fatalf("books = %d", len(snap.Books))
	}
	book := snap.Books[0]
	if len(book.Bids) != 1 || len(book.Asks) != 1 {
		t.Fatalf("quotes = %d bids / %d asks, want 1/1", len(book.Bids), len(book.Asks))
	}
	// Mark 100, default spread 0.50.
	if !book.Bids[0].Price.Equal(math.LegacyNewDecWithPrec(9975, 2)) {
		t.Fatalf("lp bid = %s, want 99.75", book.Bids[0].Price)
	}
	if !book.Asks[0].Price.Equal(math.LegacyNewDecWithPrec(10025, 2)) {
		t.Fatalf("lp ask = %s, want 100.25", book.Asks[0].Price)
	}

	err = rt.Command(CmdSetLiquidityTrader, map[string]string{
		"trader": "lp-1", "setting": "enabled", "value": "false",
	})
	if err != nil {
		t.Fatal(err)
	}
	snap, _ = rt.UserSnapshot("alice")
	if len(snap.Books[0].Bids) != 0 || len(snap.Books[0].Asks) != 0 {
		t.Fatal("quotes not cancelled on disable")
	}
}

func TestSubscribeSnapshotAndFilter(t *testing.T) {
	rt := newTestRuntime(t, testPlan())
	if err := rt.Start(); err != nil {
		t.Fatal(err)
	}
	waitMarketOpen(t, rt)

	snap, sub, err := rt.Subscribe("alice", "conn-1")
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Unsubscribe("conn-1")
	if snap.SessionID != "sess-test" || snap.State != "in_progress" || !snap.MarketOpen {
		t.Fatalf("snapshot = %+v", snap)
	}
	if !snap.Portfolio.Cash.Equal(math.LegacyNewDec(100000)) {
		t.Fatalf("snapshot cash = %s", snap.Portfolio.Cash)
	}

	// Bob's order events are invisible to alice; the book update is not.
	if _, err := rt.SubmitOrder("bob", matching.SubmitRequest{
		Symbol: "AOE", Side: types.SideBuy, OrderType: types.OrderTypeLimit,
		Quantity: 10, Price: math.LegacyNewDec(99), TimeInForce: types.TimeInForceDay,
	}); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.Events:
			switch ev.Type {
			case events.TypeOrderAccepted, events.TypeOrderUpdated:
				t.Fatalf("foreign order event leaked: %+v", ev)
			case events.TypeBookUpdated:
				if ev.Seq <= snap.Seq {
					t.Fatalf("stream seq %d not after snapshot seq %d", ev.Seq, snap.Seq)
				}
				return
			}
		case <-deadline:
			t.Fatal("book update never arrived")
		}
	}
}

func TestScriptPausePreservesResidualOffsets(t *testing.T) {
	plan := testPlan()
	plan.Script = []lesson.Step{{
		OffsetSeconds: 1,
		Command:       CmdGrantPrivilege,
		Params: map[string]string{
			"code": strconv.Itoa(int(privilege.ShortSelling)), "group": "alice",
		},
	}}
	rt := newTestRuntime(t, plan)
	if err := rt.Start(); err != nil {
		t.Fatal(err)
	}

	time.Sleep(300 * time.Millisecond)
	if err := rt.Pause(); err != nil {
		t.Fatal(err)
	}

	// Past the original offset while paused: the command must not fire.
	time.Sleep(1 * time.Second)
	if hasPriv(t, rt, "alice", privilege.ShortSelling) {
		t.Fatal("scripted command fired while paused")
	}

	if err := rt.Resume(); err != nil {
		t.Fatal(err)
	}
	// Residual is roughly 700ms.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if hasPriv(t, rt, "alice", privilege.ShortSelling) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("scripted command never fired after resume")
}
