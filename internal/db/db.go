// Package db
package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/amirphl/grid-trader/internal/journal"
	"github.com/amirphl/grid-trader/internal/order"
	"github.com/shopspring/decimal"
)

// OrderStore keeps a local record of the orders the bot placed.
type OrderStore interface {
	SaveOrder(ctx context.Context, o order.Order) error
	UpdateOrderStatus(ctx context.Context, orderID string, status order.Status, executedQty decimal.Decimal, updatedAt time.Time) error
	GetOrder(ctx context.Context, orderID string) (*order.Order, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]order.Order, error)
}

// Storage is the interface for all persistent storage.
type Storage interface {
	GetDB() *sql.DB
	OrderStore
	journal.Journaler
}
