// Package session owns the per-session lifecycle: one Runtime per live
// session, each a single actor goroutine that serializes every mutation of
// the session's book, portfolio and privilege state. External callers post
// closures into the mailbox; timers post their callbacks the same way, so
// no lock exists inside a session.
package session

import (
	"sync"
	"time"

	"cosmossdk.io/log"

	"github.com/openalpha/tradesim/events"
	"github.com/openalpha/tradesim/lesson"
	"github.com/openalpha/tradesim/matching"
	"github.com/openalpha/tradesim/metrics"
	"github.com/openalpha/tradesim/orderbook"
	"github.com/openalpha/tradesim/portfolio"
	"github.com/openalpha/tradesim/privilege"
	"github.com/openalpha/tradesim/types"
)

// State is the session lifecycle state.
type State int

const (
	StatePending State = iota
	StateInProgress
	StatePaused
	StateCompleted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInProgress:
		return "in_progress"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

const mailboxSize = 1024

// Runtime is one live session. All fields below the mailbox are owned by
// the actor goroutine and must only be touched from posted closures.
type Runtime struct {
	ID      string
	mailbox chan func()
	quit    chan struct{}
	down    sync.Once

	plan   *lesson.Plan
	roster []string

	state     State
	startedAt time.Time
	endedAt   time.Time
	remaining time.Duration
	runSince  time.Time
	durTimer  *time.Timer

	// openRemaining is the residual of the pending market-open delay;
	// negative means no open is pending.
	openRemaining time.Duration
	openTimer     *time.Timer

	grants   map[string]privilege.Set
	pf       *portfolio.Engine
	eng      *matching.Engine
	bus      *events.Bus
	sched    *scheduler
	lp       *liquidityProvider
	auctions []*auction
	logger   log.Logger
	now      func() time.Time
}

// NewRuntime builds a session from a validated lesson plan and a class
// roster, and starts its actor goroutine. The session is Pending until
// Start.
func NewRuntime(id string, plan *lesson.Plan, roster []string, logger log.Logger) (*Runtime, error) {
	secs, err := plan.ToSecurities()
	if err != nil {
		return nil, err
	}
	rt := &Runtime{
		ID:            id,
		mailbox:       make(chan func(), mailboxSize),
		quit:          make(chan struct{}),
		plan:          plan,
		roster:        append([]string(nil), roster...),
		grants:        make(map[string]privilege.Set),
		openRemaining: -1,
		logger:        logger.With("component", "session", "session", id),
		now:           time.Now,
	}
	rt.pf = portfolio.NewEngine(plan.Cash(), rt.logger)
	rt.bus = events.NewBus(id, events.DefaultBufferSize, rt.logger)
	rt.bus.OnPublish(func(ev events.Event) {
		m := metrics.GetCollector()
		m.RecordEventPublished(string(ev.Type))
		switch p := ev.Payload.(type) {
		case *types.Trade:
			m.RecordTrade(p.Symbol, p.Quantity)
		case orderbook.Snapshot:
			m.RecordBookDepth(p.Symbol, len(p.Bids), len(p.Asks))
		}
	})
	rt.bus.OnDrop(func(*events.Subscriber) {
		metrics.GetCollector().RecordSubscriberDropped(id)
	})
	rt.eng = matching.NewEngine(matching.Config{
		SessionID:  id,
		Securities: secs,
		AllowShort: plan.AllowShort,
	}, rt.pf, rt.bus, rt, rt.logger)
	rt.sched = newScheduler(plan.Script)
	rt.lp = newLiquidityProvider()

	base := plan.Grants()
	for _, user := range rt.roster {
		rt.grants[user] = privilege.NewSet(base...)
	}

	go rt.loop()
	return rt, nil
}

func (rt *Runtime) loop() {
	for {
		select {
		case fn := <-rt.mailbox:
			fn()
		case <-rt.quit:
			return
		}
	}
}

// Do posts a closure into the session actor. Returns ErrSessionTerminal
// once the runtime is shut down.
func (rt *Runtime) Do(fn func()) error {
	select {
	case rt.mailbox <- fn:
		return nil
	case <-rt.quit:
		return types.ErrSessionTerminal
	}
}

// call runs fn inside the actor and waits for its result.
func call[T any](rt *Runtime, fn func() T) (T, error) {
	res := make(chan T, 1)
	if err := rt.Do(func() { res <- fn() }); err != nil {
		var zero T
		return zero, err
	}
	select {
	case v := <-res:
		return v, nil
	case <-rt.quit:
		var zero T
		return zero, types.ErrSessionTerminal
	}
}

// Shutdown stops the actor goroutine and disconnects all subscribers. The
// supervisor calls this when reaping terminal sessions. Idempotent.
func (rt *Runtime) Shutdown() {
	rt.down.Do(func() {
		// Synchronous so the bus is closed before the mailbox dies;
		// otherwise subscriber drains could block forever.
		_, _ = call(rt, func() struct{} {
			rt.stopTimers()
			rt.bus.Close()
			return struct{}{}
		})
		close(rt.quit)
	})
}

// HasPrivilege implements matching.PrivilegeChecker. Called only from
// within the actor.
func (rt *Runtime) HasPrivilege(userID string, code privilege.Code) bool {
	return rt.grants[userID].Has(code)
}

// State returns the current lifecycle state.
func (rt *Runtime) State() (State, error) {
	return call(rt, func() State { return rt.state })
}

// Start moves Pending to InProgress: schedules the scripted timeline, the
// market-open delay and the duration timer. Starting an in-progress
// session is a no-op.
func (rt *Runtime) Start() error {
	res, err := call(rt, func() error { return rt.start() })
	if err != nil {
		return err
	}
	return res
}

func (rt *Runtime) start() error {
	switch rt.state {
	case StateInProgress:
		return nil
	case StatePending:
	default:
		if rt.state.Terminal() {
			return types.ErrSessionTerminal
		}
		return types.ErrSessionNotRunnable
	}
	rt.state = StateInProgress
	rt.startedAt = rt.now()
	rt.runSince = rt.startedAt
	rt.remaining = rt.plan.Duration()
	rt.publishState()

	rt.sched.arm(rt.fireStep)
	rt.openRemaining = rt.plan.OpenDelay()
	rt.armOpenTimer()
	rt.armDurationTimer()
	rt.logger.Info("session started", "lesson", rt.plan.LessonID, "participants", len(rt.roster))
	return nil
}

// armOpenTimer schedules the pending market open from its residual. The
// timer is stopped on pause and re-armed on resume, like the duration
// timer; a callback racing a pause leaves the residual intact for the next
// resume. Scripted OpenMarket commands are idempotent against it.
func (rt *Runtime) armOpenTimer() {
	if rt.openRemaining < 0 {
		return
	}
	rt.openTimer = time.AfterFunc(rt.openRemaining, func() {
		_ = rt.Do(func() {
			if rt.state != StateInProgress {
				return
			}
			rt.openRemaining = -1
			rt.eng.OpenMarket()
		})
	})
}

func (rt *Runtime) armDurationTimer() {
	if rt.remaining <= 0 {
		return
	}
	rt.durTimer = time.AfterFunc(rt.remaining, func() {
		_ = rt.Do(func() {
			if err := rt.end(); err != nil {
				rt.logger.Info("timeout in non-runnable state", "state", rt.state.String())
			}
		})
	})
}

// Pause freezes the session clock: script and duration timers stop with
// their residuals recorded, the book and privileges stay untouched.
// Idempotent.
func (rt *Runtime) Pause() error {
	res, err := call(rt, func() error { return rt.pause() })
	if err != nil {
		return err
	}
	return res
}

func (rt *Runtime) pause() error {
	switch rt.state {
	case StatePaused:
		return nil
	case StateInProgress:
	default:
		if rt.state.Terminal() {
			return types.ErrSessionTerminal
		}
		return types.ErrSessionNotRunnable
	}
	now := rt.now()
	rt.state = StatePaused
	rt.sched.pause(now.Sub(rt.runSince))
	if rt.durTimer != nil {
		rt.durTimer.Stop()
		rt.remaining -= now.Sub(rt.runSince)
	}
	if rt.openTimer != nil {
		rt.openTimer.Stop()
	}
	if rt.openRemaining >= 0 {
		rt.openRemaining -= now.Sub(rt.runSince)
		if rt.openRemaining < 0 {
			rt.openRemaining = 0
		}
	}
	rt.lp.stopTimer()
	rt.pauseAuctions()
	rt.publishState()
	rt.logger.Info("session paused", "remaining", rt.remaining.String())
	return nil
}

// Resume re-arms all timers with their residual durations. Idempotent.
func (rt *Runtime) Resume() error {
	res, err := call(rt, func() error { return rt.resume() })
	if err != nil {
		return err
	}
	return res
}

func (rt *Runtime) resume() error {
	switch rt.state {
	case StateInProgress:
		return nil
	case StatePaused:
	default:
		if rt.state.Terminal() {
			return types.ErrSessionTerminal
		}
		return types.ErrSessionNotRunnable
	}
	rt.state = StateInProgress
	rt.runSince = rt.now()
	rt.sched.arm(rt.fireStep)
	rt.armOpenTimer()
	rt.armDurationTimer()
	rt.lp.armTimer(rt)
	rt.resumeAuctions()
	rt.publishState()
	rt.logger.Info("session resumed", "remaining", rt.remaining.String())
	return nil
}

// End completes the session: runs the plan's end commands, closes the
// market and stops every timer. Idempotent on completed sessions.
func (rt *Runtime) End() error {
	res, err := call(rt, func() error { return rt.end() })
	if err != nil {
		return err
	}
	return res
}

func (rt *Runtime) end() error {
	switch rt.state {
	case StateCompleted:
		return nil
	case StateInProgress, StatePaused:
	default:
		if rt.state == StateCancelled {
			return types.ErrSessionTerminal
		}
		return types.ErrSessionNotRunnable
	}
	rt.stopTimers()
	for _, step := range rt.plan.EndScript {
		rt.execCommand(step)
	}
	rt.eng.CloseMarket()
	rt.state = StateCompleted
	rt.endedAt = rt.now()
	rt.publishState()
	rt.logger.Info("session completed")
	return nil
}

// Cancel aborts a session that never started, or kills a running one after
// an internal invariant violation.
func (rt *Runtime) Cancel() error {
	res, err := call(rt, func() error { return rt.cancel() })
	if err != nil {
		return err
	}
	return res
}

func (rt *Runtime) cancel() error {
	if rt.state == StateCancelled {
		return nil
	}
	if rt.state == StateCompleted {
		return types.ErrSessionTerminal
	}
	rt.stopTimers()
	rt.state = StateCancelled
	rt.endedAt = rt.now()
	rt.publishState()
	rt.logger.Info("session cancelled")
	return nil
}

func (rt *Runtime) stopTimers() {
	rt.sched.stop()
	if rt.durTimer != nil {
		rt.durTimer.Stop()
	}
	if rt.openTimer != nil {
		rt.openTimer.Stop()
	}
	rt.lp.stopTimer()
	rt.pauseAuctions()
}

// fireStep is invoked by script timers; it re-enters the actor, consumes
// the entry exactly once and drops commands firing in a non-runnable
// state.
func (rt *Runtime) fireStep(e *scriptEntry) {
	_ = rt.Do(func() {
		if e.fired {
			return
		}
		e.fired = true
		if rt.state != StateInProgress {
			rt.logger.Info("dropping scripted command in non-runnable state",
				"command", e.step.Command, "state", rt.state.String())
			return
		}
		rt.execCommand(e.step)
	})
}

func (rt *Runtime) publishState() {
	rt.bus.Publish(events.TypeSessionStateChanged, "", "", map[string]any{
		"state": rt.state.String(),
	}, rt.now())
}

// SubmitOrder runs one submission through the session gate and the
// matching engine.
func (rt *Runtime) SubmitOrder(userID string, req matching.SubmitRequest) (*types.Order, error) {
	type result struct {
		order *types.Order
		err   error
	}
	res, err := call(rt, func() result {
		if rt.state != StateInProgress {
			return result{nil, types.ErrSessionNotRunnable}
		}
		if !rt.HasPrivilege(userID, privilege.SubmitOrders) {
			return result{nil, types.ErrPrivilegeRequired}
		}
		if (req.OrderType == types.OrderTypeStop || req.OrderType == types.OrderTypeStopLimit) &&
			!rt.HasPrivilege(userID, privilege.SubmitStopOrders) {
			return result{nil, types.ErrPrivilegeRequired}
		}
		req.UserID = userID
		o, err := rt.eng.Submit(req)
		return result{o, err}
	})
	if err != nil {
		return nil, err
	}
	return res.order, res.err
}

// CancelOrder cancels a user's order. False when the session is not in
// progress, the user lacks the cancel privilege, or the order is unknown,
// terminal or foreign.
func (rt *Runtime) CancelOrder(userID, orderID string) bool {
	ok, err := call(rt, func() bool {
		if rt.state != StateInProgress {
			return false
		}
		if !rt.HasPrivilege(userID, privilege.CancelOwnOrders) {
			return false
		}
		return rt.eng.Cancel(orderID, userID)
	})
	return err == nil && ok
}

// Command executes one instructor command immediately, outside the
// scripted timeline. Invalid commands are logged and skipped, like their
// scripted counterparts.
func (rt *Runtime) Command(name string, params map[string]string) error {
	res, err := call(rt, func() error {
		if rt.state != StateInProgress {
			return types.ErrSessionNotRunnable
		}
		rt.execCommand(lesson.Step{Command: name, Params: params})
		return nil
	})
	if err != nil {
		return err
	}
	return res
}

// BidAuction places a bid in the active privilege auction at its current
// clock price.
func (rt *Runtime) BidAuction(userID string) error {
	res, err := call(rt, func() error { return rt.bidAuction(userID) })
	if err != nil {
		return err
	}
	return res
}

// Snapshot is the consistent view returned alongside a new event stream.
type Snapshot struct {
	SessionID  string                    `json:"session_id"`
	Seq        uint64                    `json:"seq"`
	State      string                    `json:"state"`
	MarketOpen bool                      `json:"market_open"`
	Books      []orderbook.Snapshot      `json:"books"`
	Orders     []types.Order             `json:"orders"`
	Portfolio  portfolio.AccountSnapshot `json:"portfolio"`
	Privileges []privilege.Code          `json:"privileges"`
}

// Subscribe registers an event stream for a user and returns the snapshot
// consistent with its first event. The stream is filtered by the user's
// market-data privileges.
func (rt *Runtime) Subscribe(userID, subscriberID string) (Snapshot, *events.Subscriber, error) {
	type result struct {
		snap Snapshot
		sub  *events.Subscriber
	}
	res, err := call(rt, func() result {
		sub := rt.bus.Subscribe(subscriberID, userID, rt.visibleTo(userID))
		return result{rt.snapshot(userID), sub}
	})
	if err != nil {
		return Snapshot{}, nil, err
	}
	return res.snap, res.sub, nil
}

// Unsubscribe drops an event stream.
func (rt *Runtime) Unsubscribe(subscriberID string) {
	_ = rt.Do(func() { rt.bus.Unsubscribe(subscriberID) })
}

// UserSnapshot returns the user's consistent view without subscribing.
func (rt *Runtime) UserSnapshot(userID string) (Snapshot, error) {
	return call(rt, func() Snapshot { return rt.snapshot(userID) })
}

func (rt *Runtime) snapshot(userID string) Snapshot {
	snap := Snapshot{
		SessionID:  rt.ID,
		Seq:        rt.bus.Seq(),
		State:      rt.state.String(),
		MarketOpen: rt.eng.MarketOpen(),
		Portfolio:  rt.pf.Snapshot(userID, rt.now()),
		Privileges: rt.grants[userID].Codes(),
	}
	for _, sec := range rt.eng.Securities() {
		snap.Books = append(snap.Books, rt.eng.Book(sec.Symbol).Snapshot(matching.DefaultBookDepth))
	}
	for _, o := range rt.eng.UserOrders(userID) {
		snap.Orders = append(snap.Orders, *o)
	}
	return snap
}

// visibleTo builds the per-subscriber event filter from the user's
// market-data privileges. Evaluated inside the actor at publish time, so
// later grants take effect immediately.
func (rt *Runtime) visibleTo(userID string) events.Filter {
	return func(ev events.Event) bool {
		g := rt.grants[userID]
		switch ev.Type {
		case events.TypeOrderAccepted, events.TypeOrderRejected, events.TypeOrderUpdated:
			return ev.UserID == userID || g.Has(privilege.ViewAllOrders)
		case events.TypeTrade:
			return g.Has(privilege.ViewTradeTape) || g.Has(privilege.ViewLastTrade)
		case events.TypeBookUpdated:
			return g.Has(privilege.ViewTopOfBook) || g.Has(privilege.ViewFullDepth)
		case events.TypePortfolioUpdated:
			return ev.UserID == "" || ev.UserID == userID
		default:
			return true
		}
	}
}

// Trades returns value copies of every execution so far, in order.
func (rt *Runtime) Trades() ([]types.Trade, error) {
	return call(rt, func() []types.Trade {
		src := rt.eng.Trades()
		out := make([]types.Trade, 0, len(src))
		for _, tr := range src {
			out = append(out, *tr)
		}
		return out
	})
}

// Info is the supervisor-level summary of one session.
type Info struct {
	SessionID    string `json:"session_id"`
	LessonID     string `json:"lesson_id"`
	ScenarioID   string `json:"scenario_id,omitempty"`
	State        string `json:"state"`
	MarketOpen   bool   `json:"market_open"`
	Participants int    `json:"participants"`
}

// Info returns the session summary.
func (rt *Runtime) Info() (Info, error) {
	return call(rt, func() Info {
		return Info{
			SessionID:    rt.ID,
			LessonID:     rt.plan.LessonID,
			ScenarioID:   rt.plan.ScenarioID,
			State:        rt.state.String(),
			MarketOpen:   rt.eng.MarketOpen(),
			Participants: len(rt.roster),
		}
	})
}

// Roster returns the participant list.
func (rt *Runtime) Roster() []string {
	return append([]string(nil), rt.roster...)
}

// Bus exposes the event bus for persistence wiring at construction time.
func (rt *Runtime) Bus() *events.Bus { return rt.bus }
