package events

import (
	"time"
)

// Type names one kind of session event.
type Type string

const (
	TypeOrderAccepted       Type = "order_accepted"
	TypeOrderRejected       Type = "order_rejected"
	TypeOrderUpdated        Type = "order_updated"
	TypeTrade               Type = "trade"
	TypeBookUpdated         Type = "book_updated"
	TypeMarketOpened        Type = "market_opened"
	TypeMarketClosed        Type = "market_closed"
	TypePortfolioUpdated    Type = "portfolio_updated"
	TypeSessionStateChanged Type = "session_state_changed"
	TypePrivilegeChanged    Type = "privilege_changed"
	TypeAuctionStarted      Type = "auction_started"
	TypeAuctionTick         Type = "auction_tick"
	TypeAuctionBid          Type = "auction_bid"
	TypeAuctionEnded        Type = "auction_ended"
	TypeSubscriberSlow      Type = "subscriber_slow"
)

// Event is one entry in a session's ordered stream. Seq increases strictly
// by one per published event; a subscriber that sees a gap missed events.
type Event struct {
	Seq       uint64    `json:"seq"`
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id,omitempty"` // acting or affected user
	Symbol    string    `json:"symbol,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
