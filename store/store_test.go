package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"cosmossdk.io/log"
	"cosmossdk.io/math"
	"github.com/stretchr/testify/require"

	"github.com/openalpha/tradesim/events"
	"github.com/openalpha/tradesim/portfolio"
	"github.com/openalpha/tradesim/types"
)

func openTestSink(t *testing.T) *Sink {
	t.Helper()
	s, err := Open(":memory:", log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordsOrdersTradesAndEvents(t *testing.T) {
	s := openTestSink(t)
	now := time.Now().UTC()

	order := types.NewOrder("ord-1", "sess-1", "alice", "AOE", types.SideBuy,
		types.OrderTypeLimit, 100, math.LegacyNewDec(100), math.LegacyDec{}, types.TimeInForceDay, now)
	s.Record("sess-1", events.Event{Seq: 1, Type: events.TypeOrderAccepted, SessionID: "sess-1",
		UserID: "alice", Symbol: "AOE", Payload: order, Timestamp: now})

	require.NoError(t, order.Fill(100, now))
	s.Record("sess-1", events.Event{Seq: 2, Type: events.TypeOrderUpdated, SessionID: "sess-1",
		UserID: "alice", Symbol: "AOE", Payload: order, Timestamp: now})

	maker := types.NewOrder("ord-2", "sess-1", "bob", "AOE", types.SideSell,
		types.OrderTypeLimit, 100, math.LegacyNewDec(100), math.LegacyDec{}, types.TimeInForceDay, now)
	trade := types.NewTrade("trd-1", order, maker, math.LegacyNewDec(100), 100, now)
	s.Record("sess-1", events.Event{Seq: 3, Type: events.TypeTrade, SessionID: "sess-1",
		Symbol: "AOE", Payload: trade, Timestamp: now})

	s.Flush()

	ctx := context.Background()
	n, err := s.SessionEventCount(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	trades, err := s.TradeCount(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, 1, trades)

	var status string
	var filled int64
	err = s.db.QueryRow(`SELECT status, filled_qty FROM orders WHERE order_id = ?`, "ord-1").
		Scan(&status, &filled)
	require.NoError(t, err)
	require.Equal(t, "filled", status)
	require.EqualValues(t, 100, filled)
}

func TestDuplicateTradeIgnored(t *testing.T) {
	s := openTestSink(t)
	now := time.Now().UTC()
	taker := types.NewOrder("t", "sess-1", "a", "AOE", types.SideBuy,
		types.OrderTypeLimit, 10, math.LegacyNewDec(100), math.LegacyDec{}, types.TimeInForceDay, now)
	maker := types.NewOrder("m", "sess-1", "b", "AOE", types.SideSell,
		types.OrderTypeLimit, 10, math.LegacyNewDec(100), math.LegacyDec{}, types.TimeInForceDay, now)
	trade := types.NewTrade("trd-1", taker, maker, math.LegacyNewDec(100), 10, now)

	for i := 0; i < 2; i++ {
		s.Record("sess-1", events.Event{Seq: uint64(i + 1), Type: events.TypeTrade,
			SessionID: "sess-1", Symbol: "AOE", Payload: trade, Timestamp: now})
	}
	s.Flush()

	n, err := s.TradeCount(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestPersistsPositions(t *testing.T) {
	s := openTestSink(t)
	now := time.Now().UTC()
	acct := portfolio.AccountSnapshot{
		UserID: "alice",
		Cash:   math.LegacyNewDec(95000),
		Equity: math.LegacyNewDec(100000),
		Positions: []portfolio.PositionSnapshot{{
			Symbol: "AOE", Quantity: 100, AvgCost: math.LegacyNewDec(50),
			MarkPrice: math.LegacyNewDec(50), MarketValue: math.LegacyNewDec(5000),
			UnrealizedPnL: math.LegacyZeroDec(), RealizedPnL: math.LegacyZeroDec(),
		}},
		AsOf: now,
	}
	s.Record("sess-1", events.Event{Seq: 1, Type: events.TypePortfolioUpdated,
		SessionID: "sess-1", UserID: "alice", Symbol: "AOE", Payload: acct, Timestamp: now})
	s.Flush()

	qty, err := s.PositionQty(context.Background(), "sess-1", "alice", "AOE")
	require.NoError(t, err)
	require.EqualValues(t, 100, qty)

	// A later snapshot without the holding clears the row.
	acct.Positions = nil
	s.Record("sess-1", events.Event{Seq: 2, Type: events.TypePortfolioUpdated,
		SessionID: "sess-1", UserID: "alice", Payload: acct, Timestamp: now})
	s.Flush()

	_, err = s.PositionQty(context.Background(), "sess-1", "alice", "AOE")
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestCloseDrainsQueuedWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := Open(path, log.NewNopLogger())
	require.NoError(t, err)

	now := time.Now().UTC()
	for i := 0; i < 10; i++ {
		s.Record("sess-1", events.Event{Seq: uint64(i + 1), Type: events.TypeMarketOpened,
			SessionID: "sess-1", Timestamp: now})
	}
	require.NoError(t, s.Close())

	reopened, err := Open(path, log.NewNopLogger())
	require.NoError(t, err)
	defer reopened.Close()

	n, err := reopened.SessionEventCount(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Equal(t, 10, n)
}

func TestRecordAfterCloseIsSafe(t *testing.T) {
	s, err := Open(":memory:", log.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	s.Record("sess-1", events.Event{Seq: 1, Type: events.TypeMarketOpened, Timestamp: time.Now()})
}
