// Package market
package market

import (
	"errors"
	"time"

	"github.com/amirphl/grid-trader/internal/order"
	"github.com/shopspring/decimal"
)

// ErrNoTrades is returned when the account has no trade history for a symbol.
var ErrNoTrades = errors.New("no trades found")

// Balance represents an asset balance from an exchange
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`   // Available balance for trading
	Locked decimal.Decimal `json:"locked"` // Balance locked in orders
}

// Total returns free plus locked.
func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// Trade represents the account's most recent execution on a symbol.
type Trade struct {
	Symbol    string          `json:"symbol"`
	Side      order.Side      `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp time.Time       `json:"timestamp"`
}

// TradeFromOrder converts a filled order into the trade it produced.
func TradeFromOrder(o order.Order) Trade {
	return Trade{
		Symbol:    o.Symbol,
		Side:      o.Side,
		Price:     o.Price,
		Quantity:  o.FilledQty(),
		Timestamp: o.UpdatedAt,
	}
}
