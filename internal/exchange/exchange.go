// Package exchange
package exchange

import (
	"context"

	"github.com/amirphl/grid-trader/internal/market"
	"github.com/amirphl/grid-trader/internal/order"
	"github.com/shopspring/decimal"
)

// Gateway is the interface for all supported exchanges. Calls are synchronous
// and may fail with an *Error carrying one of the kinds in errors.go.
type Gateway interface {
	Name() string
	Balances(ctx context.Context, assets ...string) (map[string]market.Balance, error)
	OpenOrderIDs(ctx context.Context, symbol string) ([]string, error)
	// CancelAllOpenOrders is a no-op when nothing is open.
	CancelAllOpenOrders(ctx context.Context, symbol string) error
	GetOrder(ctx context.Context, symbol, orderID string) (order.Order, error)
	LastTrade(ctx context.Context, symbol string) (market.Trade, error)
	CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	PlaceLimitOrder(ctx context.Context, req order.Request) (string, error)
}

// PriceSource is the read-only slice of a Gateway the paper exchange proxies to.
type PriceSource interface {
	CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}
