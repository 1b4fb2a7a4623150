// Package livetrading drives the grid engine on a fixed cadence and owns
// loop-level failure recovery.
package livetrading

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/amirphl/grid-trader/internal/db"
	"github.com/amirphl/grid-trader/internal/exchange"
	"github.com/amirphl/grid-trader/internal/grid"
	"github.com/amirphl/grid-trader/internal/metrics"
	"github.com/amirphl/grid-trader/internal/notifier"
	"github.com/amirphl/grid-trader/internal/order"
	"github.com/amirphl/grid-trader/internal/state"
	"github.com/amirphl/grid-trader/internal/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// State is the poll loop state.
type State string

const (
	StateRunning          State = "RUNNING"
	StateBackoffRateLimit State = "BACKOFF_RATE_LIMIT"
	StateBackoffBanned    State = "BACKOFF_BANNED"
	StateBackoffGeneric   State = "BACKOFF_GENERIC"
)

var allStates = []string{
	string(StateRunning),
	string(StateBackoffRateLimit),
	string(StateBackoffBanned),
	string(StateBackoffGeneric),
}

// Cycler runs one reconciliation cycle.
type Cycler interface {
	RunCycle(ctx context.Context, ladder state.Ladder, currentPrice decimal.Decimal) (state.Ladder, grid.Outcome, error)
}

// Intervals are the loop sleeps per state.
type Intervals struct {
	Poll      time.Duration
	RateLimit time.Duration
	Ban       time.Duration
	Error     time.Duration
}

// Snapshot is a read-only view of the loop for the status server.
type Snapshot struct {
	Symbol         string    `json:"symbol"`
	Exchange       string    `json:"exchange"`
	State          State     `json:"state"`
	BuyOrderIDs    []string  `json:"buy_order_ids"`
	SellOrderIDs   []string  `json:"sell_order_ids"`
	ReferencePrice string    `json:"reference_price"`
	LastPrice      string    `json:"last_price,omitempty"`
	LastOutcome    string    `json:"last_outcome,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	Cycles         int       `json:"cycles"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type Trader struct {
	engine    Cycler
	gw        exchange.Gateway
	store     db.OrderStore
	notifier  notifier.Notifier
	symbol    string
	intervals Intervals
	clock     utils.Clock
	logger    *zap.Logger

	mu sync.RWMutex
	// ladder is written by the loop goroutine under mu.
	ladder   state.Ladder
	snapshot Snapshot
}

func NewTrader(engine Cycler, gw exchange.Gateway, store db.OrderStore, n notifier.Notifier, symbol string, intervals Intervals, clock utils.Clock, logger *zap.Logger) *Trader {
	t := &Trader{
		engine:    engine,
		gw:        gw,
		store:     store,
		notifier:  n,
		symbol:    symbol,
		intervals: intervals,
		clock:     clock,
		logger:    logger.Named("livetrading"),
		ladder:    state.Empty(),
	}
	t.snapshot = Snapshot{Symbol: symbol, Exchange: gw.Name(), State: StateRunning, ReferencePrice: "0"}
	return t
}

// Run loops until ctx is cancelled. Trading errors never stop it.
func (t *Trader) Run(ctx context.Context) {
	t.logger.Info("starting grid loop", zap.String("symbol", t.symbol), zap.String("exchange", t.gw.Name()))
	t.notify(fmt.Sprintf("Grid bot started: %s on %s", t.symbol, t.gw.Name()))
	metrics.SetLoopState(string(StateRunning), allStates)

	for {
		wait := t.iterate(ctx)
		if err := t.clock.Sleep(ctx, wait); err != nil || ctx.Err() != nil {
			t.logger.Info("grid loop stopped")
			return
		}
	}
}

// Snapshot returns the latest loop view.
func (t *Trader) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.snapshot
	s.BuyOrderIDs = slices.Clone(s.BuyOrderIDs)
	s.SellOrderIDs = slices.Clone(s.SellOrderIDs)
	return s
}

// Ladder returns the ladder carried into the next cycle.
func (t *Trader) Ladder() state.Ladder {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ladder.Clone()
}

// iterate runs one cycle and returns how long to sleep before the next.
func (t *Trader) iterate(ctx context.Context) (wait time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("recovered from panic in grid cycle", zap.Any("panic", r), zap.Stack("stack"))
			t.notify(fmt.Sprintf("PANIC in grid loop: %v", r))
			wait = t.enter(StateBackoffGeneric, "panic", fmt.Errorf("panic: %v", r))
		}
	}()

	price, err := t.gw.CurrentPrice(ctx, t.symbol)
	if err != nil {
		return t.fail(ctx, fmt.Errorf("current price: %w", err))
	}
	t.logger.Debug("current price", zap.String("price", price.String()))

	next, outcome, err := t.engine.RunCycle(ctx, t.Ladder(), price)
	t.record(next, price, outcome, err)

	switch {
	case err == nil, errors.Is(err, grid.ErrRiskHalt), errors.Is(err, grid.ErrUnlockTimeout):
		if outcome == grid.OutcomeCommitted {
			t.syncJournal(ctx)
		}
		return t.enter(StateRunning, "", nil)
	}
	return t.fail(ctx, err)
}

// fail maps a loop-level error to a backoff state.
func (t *Trader) fail(ctx context.Context, err error) time.Duration {
	if ctx.Err() != nil {
		return 0
	}
	switch exchange.KindOf(err) {
	case exchange.KindRateLimited:
		msg := fmt.Sprintf("Exchange rate limit reached, pausing for %s", t.intervals.RateLimit)
		t.logger.Warn(msg, zap.Error(err))
		t.notify(msg)
		return t.enter(StateBackoffRateLimit, "rate_limit", err)
	case exchange.KindBanned:
		msg := fmt.Sprintf("IP banned by the exchange, pausing for %s", t.intervals.Ban)
		t.logger.Error(msg, zap.Error(err))
		t.notify(msg)
		return t.enter(StateBackoffBanned, "banned", err)
	}
	t.logger.Error("grid cycle failed", zap.Error(err))
	t.notify(fmt.Sprintf("Unexpected error: %v", err))
	return t.enter(StateBackoffGeneric, "error", err)
}

func (t *Trader) enter(s State, reason string, err error) time.Duration {
	metrics.SetLoopState(string(s), allStates)
	if reason != "" {
		metrics.Backoffs.WithLabelValues(reason).Inc()
	}

	t.mu.Lock()
	t.snapshot.State = s
	if err != nil {
		t.snapshot.LastError = err.Error()
	}
	t.snapshot.UpdatedAt = t.clock.Now().UTC()
	t.mu.Unlock()

	switch s {
	case StateBackoffRateLimit:
		return t.intervals.RateLimit
	case StateBackoffBanned:
		return t.intervals.Ban
	case StateBackoffGeneric:
		return t.intervals.Error
	}
	return t.intervals.Poll
}

func (t *Trader) record(next state.Ladder, price decimal.Decimal, outcome grid.Outcome, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ladder = next
	t.snapshot.BuyOrderIDs = slices.Clone(t.ladder.BuyOrderIDs)
	t.snapshot.SellOrderIDs = slices.Clone(t.ladder.SellOrderIDs)
	t.snapshot.ReferencePrice = t.ladder.ReferencePrice.String()
	t.snapshot.LastPrice = price.String()
	t.snapshot.LastOutcome = outcome.String()
	t.snapshot.LastError = ""
	if err != nil {
		t.snapshot.LastError = err.Error()
	}
	t.snapshot.Cycles++
	t.snapshot.UpdatedAt = t.clock.Now().UTC()
}

// syncJournal closes journaled orders that the committed ladder no longer
// tracks. Those were canceled by the rebuild, or filled just before it.
func (t *Trader) syncJournal(ctx context.Context) {
	orders, err := t.store.GetOpenOrders(ctx, t.symbol)
	if err != nil {
		t.logger.Warn("failed to fetch journaled open orders", zap.Error(err))
		return
	}
	tracked := t.Ladder().Tracked()
	for _, o := range orders {
		if slices.Contains(tracked, o.OrderID) {
			continue
		}
		resp, err := t.gw.GetOrder(ctx, t.symbol, o.OrderID)
		if err != nil {
			t.logger.Warn("failed to fetch order status", zap.String("order_id", o.OrderID), zap.Error(err))
			if exchange.IsLoopLevel(err) {
				return
			}
			continue
		}
		if resp.Status == order.StatusOpen {
			continue
		}
		if resp.IsFilled() {
			t.logger.Warn("order filled while the ladder was rebuilt",
				zap.String("order_id", o.OrderID),
				zap.String("side", string(resp.Side)),
				zap.String("price", resp.Price.String()))
		}
		updated := resp.UpdatedAt
		if updated.IsZero() {
			updated = t.clock.Now().UTC()
		}
		if err := t.store.UpdateOrderStatus(ctx, o.OrderID, resp.Status, resp.ExecutedQty, updated); err != nil {
			t.logger.Warn("failed to close journaled order", zap.String("order_id", o.OrderID), zap.Error(err))
		}
	}
}

func (t *Trader) notify(msg string) {
	if err := t.notifier.Send(msg); err != nil {
		t.logger.Warn("notification failed", zap.Error(err))
	}
}
