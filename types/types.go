package types

import (
	"encoding/json"
	"time"

	"cosmossdk.io/math"
)

// Side represents order side
type Side int

const (
	SideUnspecified Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unspecified"
	}
}

// MarshalJSON renders the side as its wire string.
func (s Side) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// ParseSide parses the wire representation of a side.
func ParseSide(s string) (Side, bool) {
	switch s {
	case "buy", "BUY":
		return SideBuy, true
	case "sell", "SELL":
		return SideSell, true
	default:
		return SideUnspecified, false
	}
}

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign returns +1 for buy and -1 for sell.
func (s Side) Sign() int64 {
	if s == SideBuy {
		return 1
	}
	return -1
}

// OrderType represents order type
type OrderType int

const (
	OrderTypeUnspecified OrderType = iota
	OrderTypeLimit
	OrderTypeMarket
	OrderTypeStop
	OrderTypeStopLimit
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeLimit:
		return "limit"
	case OrderTypeMarket:
		return "market"
	case OrderTypeStop:
		return "stop"
	case OrderTypeStopLimit:
		return "stop_limit"
	default:
		return "unspecified"
	}
}

// MarshalJSON renders the order type as its wire string.
func (t OrderType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// ParseOrderType parses the wire representation of an order type.
func ParseOrderType(s string) (OrderType, bool) {
	switch s {
	case "limit", "LIMIT":
		return OrderTypeLimit, true
	case "market", "MARKET":
		return OrderTypeMarket, true
	case "stop", "STOP":
		return OrderTypeStop, true
	case "stop_limit", "STOP_LIMIT":
		return OrderTypeStopLimit, true
	default:
		return OrderTypeUnspecified, false
	}
}

// IsConditional returns true if the order rests off-book until a trigger
// price is crossed.
func (t OrderType) IsConditional() bool {
	return t == OrderTypeStop || t == OrderTypeStopLimit
}

// IsPriced returns true if the order type requires a limit price.
func (t OrderType) IsPriced() bool {
	return t == OrderTypeLimit || t == OrderTypeStopLimit
}

// TimeInForce represents order time in force
type TimeInForce int

const (
	TimeInForceDay TimeInForce = iota // Day (default): expires at market close
	TimeInForceIOC                    // Immediate Or Cancel
	TimeInForceFOK                    // Fill Or Kill
	TimeInForceGTC                    // Good Till Cancelled: survives market close
)

func (t TimeInForce) String() string {
	switch t {
	case TimeInForceDay:
		return "DAY"
	case TimeInForceIOC:
		return "IOC"
	case TimeInForceFOK:
		return "FOK"
	case TimeInForceGTC:
		return "GTC"
	default:
		return "DAY"
	}
}

// MarshalJSON renders the time in force as its wire string.
func (t TimeInForce) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// ParseTimeInForce parses the wire representation of a time in force.
func ParseTimeInForce(s string) (TimeInForce, bool) {
	switch s {
	case "DAY", "day", "":
		return TimeInForceDay, true
	case "IOC", "ioc":
		return TimeInForceIOC, true
	case "FOK", "fok":
		return TimeInForceFOK, true
	case "GTC", "gtc":
		return TimeInForceGTC, true
	default:
		return TimeInForceDay, false
	}
}

// OrderStatus represents order status
type OrderStatus int

const (
	OrderStatusUnspecified OrderStatus = iota
	OrderStatusPending
	OrderStatusPendingTrigger
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusRejected
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusPending:
		return "pending"
	case OrderStatusPendingTrigger:
		return "pending_trigger"
	case OrderStatusPartiallyFilled:
		return "partially_filled"
	case OrderStatusFilled:
		return "filled"
	case OrderStatusCancelled:
		return "cancelled"
	case OrderStatusRejected:
		return "rejected"
	default:
		return "unspecified"
	}
}

// MarshalJSON renders the status as its wire string.
func (s OrderStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// IsTerminal returns true for sticky final states.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

// SecurityType classifies a tradable instrument.
type SecurityType int

const (
	SecurityEquity SecurityType = iota
	SecurityBond
	SecurityOption
	SecurityFuture
)

func (t SecurityType) String() string {
	switch t {
	case SecurityEquity:
		return "equity"
	case SecurityBond:
		return "bond"
	case SecurityOption:
		return "option"
	case SecurityFuture:
		return "future"
	default:
		return "equity"
	}
}

// Security describes a tradable instrument. Immutable within a session.
type Security struct {
	Symbol         string
	Type           SecurityType
	TickSize       math.LegacyDec // minimum price increment
	QuotePrecision int            // decimal places shown in quotes
	StartPrice     math.LegacyDec // reference price at session setup
}

// Order represents a trading order within one session.
type Order struct {
	OrderID      string
	SessionID    string
	UserID       string
	Symbol       string
	Side         Side
	OrderType    OrderType
	Quantity     int64 // positive integer
	FilledQty    int64
	Price        math.LegacyDec // limit price (limit / stop-limit)
	StopPrice    math.LegacyDec // trigger price (stop / stop-limit)
	TimeInForce  TimeInForce
	Status       OrderStatus
	RejectReason string
	SubmittedAt  time.Time
	UpdatedAt    time.Time
	ExecutedAt   *time.Time
	CancelledAt  *time.Time
}

// NewOrder creates a new order in pending state.
func NewOrder(orderID, sessionID, userID, symbol string, side Side, orderType OrderType, qty int64, price, stopPrice math.LegacyDec, tif TimeInForce, now time.Time) *Order {
	return &Order{
		OrderID:     orderID,
		SessionID:   sessionID,
		UserID:      userID,
		Symbol:      symbol,
		Side:        side,
		OrderType:   orderType,
		Quantity:    qty,
		Price:       price,
		StopPrice:   stopPrice,
		TimeInForce: tif,
		Status:      OrderStatusPending,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
}

// RemainingQty returns the remaining unfilled quantity.
func (o *Order) RemainingQty() int64 {
	return o.Quantity - o.FilledQty
}

// IsActive returns true if the order may rest on the book.
func (o *Order) IsActive() bool {
	return o.Status == OrderStatusPending || o.Status == OrderStatusPartiallyFilled
}

// IsFilled returns true if the order is completely filled.
func (o *Order) IsFilled() bool {
	return o.FilledQty >= o.Quantity
}

// Fill applies an execution of qty at the given time. Terminal states are
// sticky; remaining never goes negative.
func (o *Order) Fill(qty int64, at time.Time) error {
	if o.Status.IsTerminal() {
		return ErrOrderNotActive
	}
	if qty <= 0 || qty > o.RemainingQty() {
		return ErrInvalidQuantity
	}
	o.FilledQty += qty
	o.UpdatedAt = at
	if o.IsFilled() {
		o.Status = OrderStatusFilled
		t := at
		o.ExecutedAt = &t
	} else {
		o.Status = OrderStatusPartiallyFilled
	}
	return nil
}

// Cancel moves the order to cancelled unless already terminal.
func (o *Order) Cancel(at time.Time) {
	if o.Status.IsTerminal() {
		return
	}
	o.Status = OrderStatusCancelled
	t := at
	o.CancelledAt = &t
	o.UpdatedAt = at
}

// Reject marks the order rejected with a reason. Terminal states are sticky.
func (o *Order) Reject(reason string, at time.Time) {
	if o.Status.IsTerminal() {
		return
	}
	o.Status = OrderStatusRejected
	o.RejectReason = reason
	o.UpdatedAt = at
}

// Trade represents an executed trade between a taker and a maker order.
type Trade struct {
	TradeID      string
	SessionID    string
	Symbol       string
	TakerOrderID string
	MakerOrderID string
	Taker        string // taker user id
	Maker        string // maker user id
	TakerSide    Side
	Price        math.LegacyDec
	Quantity     int64
	Timestamp    time.Time
}

// NewTrade creates a trade record from the two matched orders.
func NewTrade(tradeID string, taker, maker *Order, price math.LegacyDec, qty int64, at time.Time) *Trade {
	return &Trade{
		TradeID:      tradeID,
		SessionID:    taker.SessionID,
		Symbol:       taker.Symbol,
		TakerOrderID: taker.OrderID,
		MakerOrderID: maker.OrderID,
		Taker:        taker.UserID,
		Maker:        maker.UserID,
		TakerSide:    taker.Side,
		Price:        price,
		Quantity:     qty,
		Timestamp:    at,
	}
}
