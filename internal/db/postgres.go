package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/amirphl/grid-trader/internal/db/conf"
	"github.com/amirphl/grid-trader/internal/journal"
	"github.com/amirphl/grid-trader/internal/order"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

// executeWithTransaction executes a function with proper transaction management
// If a transaction exists in context, it uses that. Otherwise, it creates a new one.
func (p *Default) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(tx)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}

	return nil
}

// queryWithTransaction executes a query using transaction from context if available
func (p *Default) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return p.db.QueryContext(ctx, query, args...)
}

type Default struct {
	db *sql.DB
}

var _ Storage = (*Default)(nil)

func New(c conf.Config) (*Default, error) {
	if c.DB == nil {
		return nil, fmt.Errorf("db: nil connection for %q", c.Name)
	}
	return &Default{db: c.DB}, nil
}

func (p *Default) GetDB() *sql.DB {
	return p.db
}

const orderColumns = `order_id, symbol, side, status, price, quantity, executed_qty, created_at, updated_at`

func (p *Default) SaveOrder(ctx context.Context, o order.Order) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (order_id) DO UPDATE SET status=EXCLUDED.status, executed_qty=EXCLUDED.executed_qty, updated_at=EXCLUDED.updated_at`,
			o.OrderID, o.Symbol, o.Side, o.Status, o.Price, o.Quantity, o.ExecutedQty, o.CreatedAt, o.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to save order %s: %w", o.OrderID, err)
		}
		return nil
	})
}

func (p *Default) UpdateOrderStatus(ctx context.Context, orderID string, status order.Status, executedQty decimal.Decimal, updatedAt time.Time) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE orders SET status=$1, executed_qty=$2, updated_at=$3 WHERE order_id=$4`,
			status, executedQty, updatedAt, orderID)
		if err != nil {
			return fmt.Errorf("failed to update order status: %w", err)
		}
		return nil
	})
}

func scanOrder(rows *sql.Rows) (order.Order, error) {
	var o order.Order
	var side, status string
	if err := rows.Scan(&o.OrderID, &o.Symbol, &side, &status, &o.Price, &o.Quantity, &o.ExecutedQty, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return order.Order{}, fmt.Errorf("failed to scan order: %w", err)
	}
	o.Side = order.Side(side)
	o.Status = order.Status(status)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, nil
}

func (p *Default) GetOrder(ctx context.Context, orderID string) (*order.Order, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id=$1`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	o, err := scanOrder(rows)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (p *Default) GetOpenOrders(ctx context.Context, symbol string) ([]order.Order, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT `+orderColumns+` FROM orders WHERE symbol=$1 AND status=$2 ORDER BY created_at ASC, order_id ASC`,
		symbol, order.StatusOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (p *Default) LogEvent(ctx context.Context, event journal.Event) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		data, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO events (time, type, description, data) VALUES ($1,$2,$3,$4)`,
			event.Time, event.Type, event.Description, data)
		if err != nil {
			return fmt.Errorf("failed to log event: %w", err)
		}
		return nil
	})
}

func (p *Default) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT time, type, description, data FROM events WHERE type=$1 AND time >= $2 AND time <= $3 ORDER BY time ASC, id ASC`, eventType, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []journal.Event
	for rows.Next() {
		var e journal.Event
		var data []byte
		if err := rows.Scan(&e.Time, &e.Type, &e.Description, &data); err != nil {
			return nil, err
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		e.Time = e.Time.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}
