// Package privilege defines the fixed capability enumeration. Codes, names
// and categories are immutable at runtime; per-session grants live with the
// session that issued them.
package privilege

import "sort"

// Code is a stable integer id of one capability.
type Code int

// Category groups related capabilities.
type Category string

const (
	CategoryTrading    Category = "trading"
	CategoryMarketData Category = "market_data"
	CategoryAnalysis   Category = "analysis"
	CategoryAdmin      Category = "admin"
	CategoryUtility    Category = "utility"
)

// Trading capabilities.
const (
	SubmitOrders Code = iota + 1
	SubmitLimitOrders
	SubmitMarketOrders
	SubmitStopOrders
	CancelOwnOrders
	ShortSelling
	MarketMaking
	BlockTrading
	MarginTrading
	AfterHoursTrading
)

// Market data capabilities.
const (
	ViewTopOfBook Code = iota + 20
	ViewFullDepth
	ViewLastTrade
	ViewTradeTape
	ViewOwnOrders
	ViewAllOrders
	ViewVolumeProfile
)

// Analysis capabilities.
const (
	ViewOwnPortfolio Code = iota + 40
	ViewLeaderboard
	ViewPnLBreakdown
	ViewPriceHistory
	ViewOrderFlowStats
	ExportSessionData
)

// Admin capabilities.
const (
	ManageSession Code = iota + 60
	OpenCloseMarket
	GrantPrivileges
	OverrideHoldings
	RunAuctions
	ActAsLiquidityTrader
	InjectScriptedEvents
)

// Utility capabilities.
const (
	UseChat Code = iota + 80
	UseCalculator
	UseNotes
	RenameDisplayName
	PauseOwnTerminal
)

// Info describes one capability.
type Info struct {
	Code        Code     `json:"code"`
	Name        string   `json:"name"`
	Category    Category `json:"category"`
	Auctionable bool     `json:"auctionable"`
	// MaxHolders limits how many users in a session may hold the code at
	// once. Zero means unlimited.
	MaxHolders int `json:"max_holders,omitempty"`
}

var registry = map[Code]Info{
	SubmitOrders:       {SubmitOrders, "Submit Orders", CategoryTrading, false, 0},
	SubmitLimitOrders:  {SubmitLimitOrders, "Submit Limit Orders", CategoryTrading, false, 0},
	SubmitMarketOrders: {SubmitMarketOrders, "Submit Market Orders", CategoryTrading, false, 0},
	SubmitStopOrders:   {SubmitStopOrders, "Submit Stop Orders", CategoryTrading, true, 0},
	CancelOwnOrders:    {CancelOwnOrders, "Cancel Own Orders", CategoryTrading, false, 0},
	ShortSelling:       {ShortSelling, "Short Selling", CategoryTrading, true, 0},
	MarketMaking:       {MarketMaking, "Market Making", CategoryTrading, true, 4},
	BlockTrading:       {BlockTrading, "Block Trading", CategoryTrading, true, 2},
	MarginTrading:      {MarginTrading, "Margin Trading", CategoryTrading, true, 0},
	AfterHoursTrading:  {AfterHoursTrading, "After Hours Trading", CategoryTrading, true, 2},

	ViewTopOfBook:     {ViewTopOfBook, "View Top Of Book", CategoryMarketData, false, 0},
	ViewFullDepth:     {ViewFullDepth, "View Full Depth", CategoryMarketData, true, 0},
	ViewLastTrade:     {ViewLastTrade, "View Last Trade", CategoryMarketData, false, 0},
	ViewTradeTape:     {ViewTradeTape, "View Trade Tape", CategoryMarketData, true, 0},
	ViewOwnOrders:     {ViewOwnOrders, "View Own Orders", CategoryMarketData, false, 0},
	ViewAllOrders:     {ViewAllOrders, "View All Orders", CategoryMarketData, true, 1},
	ViewVolumeProfile: {ViewVolumeProfile, "View Volume Profile", CategoryMarketData, true, 0},

	ViewOwnPortfolio:   {ViewOwnPortfolio, "View Own Portfolio", CategoryAnalysis, false, 0},
	ViewLeaderboard:    {ViewLeaderboard, "View Leaderboard", CategoryAnalysis, true, 0},
	ViewPnLBreakdown:   {ViewPnLBreakdown, "View PnL Breakdown", CategoryAnalysis, true, 0},
	ViewPriceHistory:   {ViewPriceHistory, "View Price History", CategoryAnalysis, true, 0},
	ViewOrderFlowStats: {ViewOrderFlowStats, "View Order Flow Stats", CategoryAnalysis, true, 3},
	ExportSessionData:  {ExportSessionData, "Export Session Data", CategoryAnalysis, false, 0},

	ManageSession:        {ManageSession, "Manage Session", CategoryAdmin, false, 0},
	OpenCloseMarket:      {OpenCloseMarket, "Open/Close Market", CategoryAdmin, false, 0},
	GrantPrivileges:      {GrantPrivileges, "Grant Privileges", CategoryAdmin, false, 0},
	OverrideHoldings:     {OverrideHoldings, "Override Holdings", CategoryAdmin, false, 0},
	RunAuctions:          {RunAuctions, "Run Auctions", CategoryAdmin, false, 0},
	ActAsLiquidityTrader: {ActAsLiquidityTrader, "Act As Liquidity Trader", CategoryAdmin, false, 1},
	InjectScriptedEvents: {InjectScriptedEvents, "Inject Scripted Events", CategoryAdmin, false, 0},

	UseChat:           {UseChat, "Use Chat", CategoryUtility, false, 0},
	UseCalculator:     {UseCalculator, "Use Calculator", CategoryUtility, false, 0},
	UseNotes:          {UseNotes, "Use Notes", CategoryUtility, false, 0},
	RenameDisplayName: {RenameDisplayName, "Rename Display Name", CategoryUtility, false, 0},
	PauseOwnTerminal:  {PauseOwnTerminal, "Pause Own Terminal", CategoryUtility, false, 0},
}

// Lookup returns the definition of a code.
func Lookup(code Code) (Info, bool) {
	info, ok := registry[code]
	return info, ok
}

// IsValid reports whether the code is in the enumeration.
func IsValid(code Code) bool {
	_, ok := registry[code]
	return ok
}

// All returns every definition sorted by code.
func All() []Info {
	out := make([]Info, 0, len(registry))
	for _, info := range registry {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// ByCategory returns the definitions of one category sorted by code.
func ByCategory(cat Category) []Info {
	var out []Info
	for _, info := range All() {
		if info.Category == cat {
			out = append(out, info)
		}
	}
	return out
}

// Auctionable returns the codes an instructor may put up for auction.
func Auctionable() []Info {
	var out []Info
	for _, info := range All() {
		if info.Auctionable {
			out = append(out, info)
		}
	}
	return out
}

// Set is one user's grants within a session.
type Set map[Code]struct{}

// NewSet builds a set from codes, ignoring invalid ones.
func NewSet(codes ...Code) Set {
	s := make(Set, len(codes))
	for _, c := range codes {
		if IsValid(c) {
			s[c] = struct{}{}
		}
	}
	return s
}

// Has reports whether the set contains the code.
func (s Set) Has(code Code) bool {
	_, ok := s[code]
	return ok
}

// Grant adds a code; invalid codes are ignored. Returns true when the set
// changed.
func (s Set) Grant(code Code) bool {
	if !IsValid(code) || s.Has(code) {
		return false
	}
	s[code] = struct{}{}
	return true
}

// Revoke removes a code. Returns true when the set changed.
func (s Set) Revoke(code Code) bool {
	if !s.Has(code) {
		return false
	}
	delete(s, code)
	return true
}

// Codes returns the granted codes sorted ascending.
func (s Set) Codes() []Code {
	out := make([]Code, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
