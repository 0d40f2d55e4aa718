// Package store persists the session audit trail to SQLite. Writes are
// asynchronous: sessions enqueue events and a single writer goroutine
// drains the queue, so persistence is never on the matching critical path.
// A full queue drops the write and counts it rather than blocking.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"cosmossdk.io/log"
	"cosmossdk.io/math"
	_ "modernc.org/sqlite"

	"github.com/openalpha/tradesim/events"
	"github.com/openalpha/tradesim/metrics"
	"github.com/openalpha/tradesim/portfolio"
	"github.com/openalpha/tradesim/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
    order_id    TEXT PRIMARY KEY,
    session_id  TEXT NOT NULL,
    user_id     TEXT NOT NULL,
    symbol      TEXT NOT NULL,
    side        TEXT NOT NULL,
    order_type  TEXT NOT NULL,
    quantity    INTEGER NOT NULL,
    filled_qty  INTEGER NOT NULL DEFAULT 0,
    price       TEXT,
    stop_price  TEXT,
    tif         TEXT NOT NULL,
    status      TEXT NOT NULL,
    reason      TEXT,
    submitted_at DATETIME NOT NULL,
    updated_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
    trade_id       TEXT PRIMARY KEY,
    session_id     TEXT NOT NULL,
    symbol         TEXT NOT NULL,
    taker_order_id TEXT NOT NULL,
    maker_order_id TEXT NOT NULL,
    taker          TEXT NOT NULL,
    maker          TEXT NOT NULL,
    taker_side     TEXT NOT NULL,
    price          TEXT NOT NULL,
    quantity       INTEGER NOT NULL,
    executed_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
    session_id   TEXT NOT NULL,
    user_id      TEXT NOT NULL,
    symbol       TEXT NOT NULL,
    quantity     INTEGER NOT NULL,
    avg_cost     TEXT NOT NULL,
    realized_pnl TEXT NOT NULL,
    updated_at   DATETIME NOT NULL,
    PRIMARY KEY (session_id, user_id, symbol)
);

CREATE TABLE IF NOT EXISTS session_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    type       TEXT NOT NULL,
    user_id    TEXT,
    symbol     TEXT,
    payload    TEXT,
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_session ON orders(session_id, user_id);
CREATE INDEX IF NOT EXISTS idx_trades_session ON trades(session_id, symbol);
CREATE INDEX IF NOT EXISTS idx_events_session ON session_events(session_id, seq);
`

const defaultQueueSize = 4096

// Sink is the asynchronous persistence writer shared by all sessions.
type Sink struct {
	db      *sql.DB
	queue   chan job
	dropped atomic.Uint64
	logger  log.Logger
	wg      sync.WaitGroup
	closed  chan struct{}
}

type job struct {
	sessionID string
	ev        events.Event
	flush     chan struct{}
}

// Open opens (or creates) the database at path and starts the writer.
// Use ":memory:" for an ephemeral store.
func Open(path string, logger log.Logger) (*Sink, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}
	// SQLite is single-writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	s := &Sink{
		db:     db,
		queue:  make(chan job, defaultQueueSize),
		logger: logger.With("component", "store"),
		closed: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writer()
	return s, nil
}

// Record enqueues one session event. Never blocks: when the queue is full
// the write is dropped and counted.
func (s *Sink) Record(sessionID string, ev events.Event) {
	select {
	case <-s.closed:
		return
	default:
	}
	select {
	case s.queue <- job{sessionID: sessionID, ev: ev}:
	default:
		metrics.GetCollector().RecordPersistDropped()
		if s.dropped.Add(1)%1000 == 1 {
			s.logger.Warn("persistence queue full, dropping writes", "dropped", s.dropped.Load())
		}
	}
}

// Flush blocks until every write queued so far has been applied.
func (s *Sink) Flush() {
	done := make(chan struct{})
	select {
	case s.queue <- job{flush: done}:
		<-done
	case <-s.closed:
	}
}

// Dropped returns the number of writes lost to backpressure.
func (s *Sink) Dropped() uint64 { return s.dropped.Load() }

// Close drains the queue and closes the database. The queue channel itself
// is never closed: late producers racing Close must not panic, they just
// go unserviced.
func (s *Sink) Close() error {
	close(s.closed)
	s.wg.Wait()
	return s.db.Close()
}

func (s *Sink) writer() {
	defer s.wg.Done()
	ctx := context.Background()
	for {
		select {
		case j := <-s.queue:
			s.handle(ctx, j)
		case <-s.closed:
			for {
				select {
				case j := <-s.queue:
					s.handle(ctx, j)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) handle(ctx context.Context, j job) {
	if j.flush != nil {
		close(j.flush)
		return
	}
	if err := s.write(ctx, j); err != nil {
		s.logger.Error("persist failed", "session", j.sessionID, "type", string(j.ev.Type), "err", err)
	}
}

func (s *Sink) write(ctx context.Context, j job) error {
	switch j.ev.Type {
	case events.TypeOrderAccepted, events.TypeOrderRejected, events.TypeOrderUpdated:
		if o, ok := j.ev.Payload.(*types.Order); ok {
			if err := s.upsertOrder(ctx, o); err != nil {
				return err
			}
		}
	case events.TypeTrade:
		if tr, ok := j.ev.Payload.(*types.Trade); ok {
			if err := s.insertTrade(ctx, tr); err != nil {
				return err
			}
		}
	case events.TypePortfolioUpdated:
		if acct, ok := j.ev.Payload.(portfolio.AccountSnapshot); ok {
			if err := s.replacePositions(ctx, j.sessionID, acct); err != nil {
				return err
			}
		}
	}
	return s.insertEvent(ctx, j)
}

func (s *Sink) upsertOrder(ctx context.Context, o *types.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (order_id, session_id, user_id, symbol, side, order_type,
			quantity, filled_qty, price, stop_price, tif, status, reason, submitted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			filled_qty = excluded.filled_qty,
			status     = excluded.status,
			reason     = excluded.reason,
			updated_at = excluded.updated_at`,
		o.OrderID, o.SessionID, o.UserID, o.Symbol, o.Side.String(), o.OrderType.String(),
		o.Quantity, o.FilledQty, decText(o.Price), decText(o.StopPrice), o.TimeInForce.String(),
		o.Status.String(), o.RejectReason, o.SubmittedAt, o.UpdatedAt)
	return err
}

func (s *Sink) insertTrade(ctx context.Context, tr *types.Trade) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO trades (trade_id, session_id, symbol, taker_order_id,
			maker_order_id, taker, maker, taker_side, price, quantity, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.TradeID, tr.SessionID, tr.Symbol, tr.TakerOrderID, tr.MakerOrderID,
		tr.Taker, tr.Maker, tr.TakerSide.String(), tr.Price.String(), tr.Quantity, tr.Timestamp)
	return err
}

// replacePositions rewrites the user's position rows from the published
// account snapshot. Snapshots carry the whole account, so a rewrite keeps
// rows for cleared holdings from going stale.
func (s *Sink) replacePositions(ctx context.Context, sessionID string, acct portfolio.AccountSnapshot) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM positions WHERE session_id = ? AND user_id = ?`,
		sessionID, acct.UserID); err != nil {
		return err
	}
	for _, pos := range acct.Positions {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO positions (session_id, user_id, symbol, quantity, avg_cost, realized_pnl, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sessionID, acct.UserID, pos.Symbol, pos.Quantity,
			decText(pos.AvgCost), decText(pos.RealizedPnL), acct.AsOf); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) insertEvent(ctx context.Context, j job) error {
	payload, _ := json.Marshal(j.ev.Payload)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_events (session_id, seq, type, user_id, symbol, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.sessionID, j.ev.Seq, string(j.ev.Type), j.ev.UserID, j.ev.Symbol, string(payload), j.ev.Timestamp)
	return err
}

// SessionEventCount returns how many events a session has persisted.
// Used by tests and the export endpoint.
func (s *Sink) SessionEventCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM session_events WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

// PositionQty returns the persisted quantity for one holding.
func (s *Sink) PositionQty(ctx context.Context, sessionID, userID, symbol string) (int64, error) {
	var qty int64
	err := s.db.QueryRowContext(ctx,
		`SELECT quantity FROM positions WHERE session_id = ? AND user_id = ? AND symbol = ?`,
		sessionID, userID, symbol).Scan(&qty)
	return qty, err
}

// TradeCount returns how many trades a session has persisted.
func (s *Sink) TradeCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trades WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

func decText(d math.LegacyDec) string {
	if d.IsNil() {
		return ""
	}
	return d.String()
}
