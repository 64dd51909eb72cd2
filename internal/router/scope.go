package router

import "strings"

// Scope names a routing key. Market scopes are built with Market; the
// reserved scopes below never collide with a market id.
type Scope string

const (
	PersonalOrders      Scope = "@personal:orders"
	BalanceUpdates      Scope = "@personal:balance"
	GlobalTrades        Scope = "@global:trades"
	GlobalMarketUpdates Scope = "@global:market_updates"
)

const marketPrefix = "market:"

// Market returns the scope for events of a single market. Surrounding
// whitespace is ignored, as it is by the connection's subscribe calls.
func Market(id string) Scope {
	return Scope(marketPrefix + strings.TrimSpace(id))
}

// MarketID returns the market a scope refers to, or "" for reserved scopes.
func (s Scope) MarketID() string {
	if id, ok := strings.CutPrefix(string(s), marketPrefix); ok {
		return id
	}
	return ""
}

// Reserved reports whether s is one of the personal or global scopes.
func (s Scope) Reserved() bool {
	switch s {
	case PersonalOrders, BalanceUpdates, GlobalTrades, GlobalMarketUpdates:
		return true
	}
	return false
}
