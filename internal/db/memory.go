package db

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/amirphl/grid-trader/internal/journal"
	"github.com/amirphl/grid-trader/internal/order"
	"github.com/shopspring/decimal"
)

// MemoryStorage is the storage used when no database is configured.
// Nothing survives a restart.
type MemoryStorage struct {
	mu sync.RWMutex

	// Orders by orderID
	orders map[string]order.Order

	// Events (append-only)
	events []journal.Event
}

var _ Storage = (*MemoryStorage)(nil)

func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		orders: make(map[string]order.Order),
		events: make([]journal.Event, 0, 1024),
	}
}

// GetDB returns nil for in-memory storage (no SQL database)
func (m *MemoryStorage) GetDB() *sql.DB { return nil }

func (m *MemoryStorage) SaveOrder(ctx context.Context, o order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.orders[o.OrderID]; ok {
		prev.Status = o.Status
		prev.ExecutedQty = o.ExecutedQty
		prev.UpdatedAt = o.UpdatedAt
		m.orders[o.OrderID] = prev
		return nil
	}
	m.orders[o.OrderID] = o
	return nil
}

func (m *MemoryStorage) UpdateOrderStatus(ctx context.Context, orderID string, status order.Status, executedQty decimal.Decimal, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil
	}
	o.Status = status
	o.ExecutedQty = executedQty
	o.UpdatedAt = updatedAt
	m.orders[orderID] = o
	return nil
}

func (m *MemoryStorage) GetOrder(ctx context.Context, orderID string) (*order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (m *MemoryStorage) GetOpenOrders(ctx context.Context, symbol string) ([]order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []order.Order
	for _, o := range m.orders {
		if o.Symbol == symbol && o.Status == order.StatusOpen {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].OrderID < out[j].OrderID
	})
	return out, nil
}

func (m *MemoryStorage) LogEvent(ctx context.Context, event journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryStorage) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []journal.Event
	for _, e := range m.events {
		if e.Type == eventType && !e.Time.Before(start) && !e.Time.After(end) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}
