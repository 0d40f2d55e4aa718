package types

import (
	"cosmossdk.io/errors"
)

// Module error codes. The taxonomy is fixed: callers classify with
// errors.Is rather than matching strings.
var (
	// Validation errors
	ErrInvalidQuantity   = errors.Register("tradesim", 1, "invalid quantity")
	ErrInvalidPrice      = errors.Register("tradesim", 2, "invalid price")
	ErrInvalidTickSize   = errors.Register("tradesim", 3, "price violates tick size")
	ErrUnknownSecurity   = errors.Register("tradesim", 4, "unknown security")
	ErrInvalidOrderType  = errors.Register("tradesim", 5, "invalid order type")
	ErrMissingStopPrice  = errors.Register("tradesim", 6, "stop price required")
	ErrMissingLimitPrice = errors.Register("tradesim", 7, "limit price required")

	// Session state errors
	ErrSessionNotRunnable = errors.Register("tradesim", 10, "session is not in progress")
	ErrSessionTerminal    = errors.Register("tradesim", 11, "session already completed or cancelled")
	ErrMarketClosed       = errors.Register("tradesim", 12, "market is closed")

	// Privilege errors
	ErrPrivilegeRequired = errors.Register("tradesim", 20, "privilege required")

	// Liquidity errors
	ErrNoLiquidity  = errors.Register("tradesim", 30, "no liquidity on opposite side")
	ErrFOKNotFilled = errors.Register("tradesim", 31, "FOK order could not be fully filled")

	// Funds and position errors
	ErrInsufficientFunds    = errors.Register("tradesim", 40, "insufficient funds")
	ErrInsufficientPosition = errors.Register("tradesim", 41, "insufficient position for sale")

	// Order state errors
	ErrOrderNotFound  = errors.Register("tradesim", 50, "order not found")
	ErrOrderNotActive = errors.Register("tradesim", 51, "order is not active")

	// Auction errors
	ErrNoActiveAuction   = errors.Register("tradesim", 60, "no active auction")
	ErrAuctionIneligible = errors.Register("tradesim", 61, "user cannot bid in this auction")

	// Internal invariant violations: fatal for the owning session
	ErrInternal = errors.Register("tradesim", 90, "internal invariant violation")
)
