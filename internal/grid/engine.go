// Package grid implements the reconciliation cycle that keeps a ladder of
// resting limit orders around a moving reference price.
package grid

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/amirphl/grid-trader/internal/exchange"
	"github.com/amirphl/grid-trader/internal/journal"
	"github.com/amirphl/grid-trader/internal/market"
	"github.com/amirphl/grid-trader/internal/metrics"
	"github.com/amirphl/grid-trader/internal/notifier"
	"github.com/amirphl/grid-trader/internal/order"
	"github.com/amirphl/grid-trader/internal/state"
	"github.com/amirphl/grid-trader/internal/utils"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Outcome is the exit point a cycle reached.
type Outcome int

const (
	OutcomeFailed Outcome = iota
	OutcomeNoAction
	OutcomeRiskHalt
	OutcomeUnlockTimeout
	OutcomeCommitted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoAction:
		return "no_action"
	case OutcomeRiskHalt:
		return "risk_halt"
	case OutcomeUnlockTimeout:
		return "unlock_timeout"
	case OutcomeCommitted:
		return "committed"
	}
	return "failed"
}

var (
	ErrRiskHalt      = errors.New("price deviated beyond the risk bound")
	ErrUnlockTimeout = errors.New("balances did not unlock after cancel")
)

// Store is where the engine journals orders and events. Failures are logged,
// never returned.
type Store interface {
	SaveOrder(ctx context.Context, o order.Order) error
	UpdateOrderStatus(ctx context.Context, orderID string, status order.Status, executedQty decimal.Decimal, updatedAt time.Time) error
	LogEvent(ctx context.Context, event journal.Event) error
}

type Engine struct {
	gw       exchange.Gateway
	notifier notifier.Notifier
	store    Store
	params   Params
	clock    utils.Clock
	logger   *zap.Logger
}

func NewEngine(gw exchange.Gateway, n notifier.Notifier, store Store, params Params, clock utils.Clock, logger *zap.Logger) *Engine {
	return &Engine{
		gw:       gw,
		notifier: n,
		store:    store,
		params:   params,
		clock:    clock,
		logger:   logger.Named("grid"),
	}
}

// plan is what a cycle decided before touching the order book.
type plan struct {
	ref   decimal.Decimal
	event market.Trade
	fills []order.Order
}

// RunCycle reconciles prev against the exchange and returns the ladder to
// carry into the next cycle.
//
// prev is returned untouched on NoAction, RiskHalt, UnlockTimeout and on
// errors raised before placement starts. When a rate limit or ban interrupts
// placement, the partially placed ladder is returned with the error so the
// orders already resting are still tracked.
func (e *Engine) RunCycle(ctx context.Context, prev state.Ladder, currentPrice decimal.Decimal) (state.Ladder, Outcome, error) {
	logger := e.logger.With(zap.String("cycle_id", uuid.NewString()), zap.String("price", currentPrice.String()))
	next, outcome, err := e.runCycle(ctx, logger, prev, currentPrice)
	metrics.Cycles.WithLabelValues(outcome.String()).Inc()
	return next, outcome, err
}

func (e *Engine) runCycle(ctx context.Context, logger *zap.Logger, prev state.Ladder, currentPrice decimal.Decimal) (state.Ladder, Outcome, error) {
	p := e.params

	snapshot, err := e.gw.Balances(ctx, p.BaseAsset, p.QuoteAsset)
	if err != nil {
		return prev, OutcomeFailed, fmt.Errorf("balance snapshot: %w", err)
	}
	baseTotal := snapshot[p.BaseAsset].Total()
	quoteTotal := snapshot[p.QuoteAsset].Total()

	open, err := e.gw.OpenOrderIDs(ctx, p.Symbol)
	if err != nil {
		return prev, OutcomeFailed, fmt.Errorf("open orders: %w", err)
	}

	var pl plan
	if missing := prev.Missing(open); len(missing) > 0 {
		logger.Info("tracked orders left the book", zap.Strings("order_ids", missing))
		pl, err = e.classify(ctx, logger, prev, missing, currentPrice)
		if err != nil {
			return prev, OutcomeFailed, err
		}
	} else {
		var outcome Outcome
		pl, outcome, err = e.decide(ctx, logger, prev, currentPrice)
		if outcome != OutcomeCommitted {
			return prev, outcome, err
		}
	}

	if p.DryRun {
		logger.Info("dry run, leaving the book untouched")
	} else {
		if err := e.gw.CancelAllOpenOrders(ctx, p.Symbol); err != nil {
			return prev, OutcomeFailed, fmt.Errorf("cancel open orders: %w", err)
		}
		if err := e.waitUnlock(ctx, logger, baseTotal, quoteTotal); err != nil {
			if !errors.Is(err, ErrUnlockTimeout) {
				return prev, OutcomeFailed, fmt.Errorf("unlock wait: %w", err)
			}
			msg := fmt.Sprintf("Balances did not unlock after %d checks, no new orders this cycle", p.UnlockAttempts)
			logger.Warn(msg)
			e.notify(logger, msg)
			e.logEvent(ctx, logger, journal.EventUnlockTimeout, msg, map[string]any{
				"base_total":  baseTotal.String(),
				"quote_total": quoteTotal.String(),
			})
			return prev, OutcomeUnlockTimeout, err
		}
	}

	if len(pl.fills) > 0 {
		e.notify(logger, e.fillMessage(pl.fills))
	}

	nextBuyQty := p.InitialBuyQty
	if pl.event.Side == order.Buy {
		nextBuyQty = pl.event.Quantity.Add(p.BuyQtyIncrement)
	}
	logger.Info("rebuilding ladder",
		zap.String("reference_price", pl.ref.String()),
		zap.String("event_side", string(pl.event.Side)),
		zap.String("next_buy_qty", nextBuyQty.String()))

	next := state.Ladder{ReferencePrice: pl.ref, FundsWarnStreak: prev.FundsWarnStreak}
	if err := e.placeBuys(ctx, logger, &next, nextBuyQty, quoteTotal); err != nil {
		return e.interrupted(logger, next, err)
	}
	if err := e.placeSells(ctx, logger, &next, baseTotal); err != nil {
		return e.interrupted(logger, next, err)
	}

	if err := next.Validate(p.Rungs, p.PriceStep); err != nil {
		logger.Error("committed ladder breaks its invariants", zap.Error(err))
	}
	metrics.SetLadder(len(next.BuyOrderIDs), len(next.SellOrderIDs), next.ReferencePrice)
	e.logEvent(ctx, logger, journal.EventLadderCommitted, "ladder committed", map[string]any{
		"reference_price": next.ReferencePrice.String(),
		"buy_order_ids":   next.BuyOrderIDs,
		"sell_order_ids":  next.SellOrderIDs,
		"dry_run":         p.DryRun,
	})
	logger.Info("ladder committed",
		zap.String("reference_price", next.ReferencePrice.String()),
		zap.Strings("buy_order_ids", next.BuyOrderIDs),
		zap.Strings("sell_order_ids", next.SellOrderIDs))
	return next, OutcomeCommitted, nil
}

// decide handles a cycle in which every tracked order is still open.
// It returns OutcomeCommitted when the ladder must be rebuilt.
func (e *Engine) decide(ctx context.Context, logger *zap.Logger, prev state.Ladder, currentPrice decimal.Decimal) (plan, Outcome, error) {
	p := e.params

	switch {
	case prev.HasSells():
		logger.Debug("sell rungs resting, nothing to do")
		return plan{}, OutcomeNoAction, nil

	case prev.HasBuys():
		trigger := prev.ReferencePrice.Add(p.PriceStep)
		if currentPrice.LessThan(trigger) {
			logger.Debug("price below chase trigger", zap.String("trigger", trigger.String()))
			return plan{}, OutcomeNoAction, nil
		}
		last, err := e.lastTrade(ctx, logger, currentPrice)
		if err != nil {
			return plan{}, OutcomeFailed, err
		}
		bound := last.Price.Add(p.steps(p.RiskSteps))
		if currentPrice.GreaterThanOrEqual(bound) {
			msg := fmt.Sprintf("Risk halt: price %s reached %s, %d steps above last trade at %s. Not re-entering.",
				currentPrice, bound, p.RiskSteps, last.Price)
			logger.Warn(msg)
			e.notify(logger, msg)
			e.logEvent(ctx, logger, journal.EventRiskHalt, msg, map[string]any{
				"price":            currentPrice.String(),
				"last_trade_price": last.Price.String(),
				"reference_price":  prev.ReferencePrice.String(),
			})
			return plan{}, OutcomeRiskHalt, ErrRiskHalt
		}
		logger.Info("chasing price up", zap.String("trigger", trigger.String()))
		return plan{ref: trigger, event: last}, OutcomeCommitted, nil

	default:
		last, err := e.lastTrade(ctx, logger, currentPrice)
		if err != nil {
			return plan{}, OutcomeFailed, err
		}
		logger.Info("seeding ladder from last trade",
			zap.String("side", string(last.Side)),
			zap.String("trade_price", last.Price.String()))
		return plan{ref: e.params.alignDown(last.Price), event: last}, OutcomeCommitted, nil
	}
}

// classify fetches the terminal state of every disappeared order and applies
// one step of drift per fill.
func (e *Engine) classify(ctx context.Context, logger *zap.Logger, prev state.Ladder, missing []string, currentPrice decimal.Decimal) (plan, error) {
	p := e.params
	drift := 0
	var fills []order.Order
	var latest order.Order

	for _, id := range missing {
		o, err := e.gw.GetOrder(ctx, p.Symbol, id)
		if err != nil {
			if exchange.IsLoopLevel(err) || ctx.Err() != nil {
				return plan{}, fmt.Errorf("get order %s: %w", id, err)
			}
			logger.Warn("could not classify disappeared order, counting it as not filled",
				zap.String("order_id", id), zap.Error(err))
			continue
		}
		if o.Side == "" {
			o.Side = order.Sell
			if prev.IsBuy(id) {
				o.Side = order.Buy
			}
		}
		e.recordStatus(ctx, logger, o)

		if !o.IsFilled() {
			logger.Info("order left the book without filling",
				zap.String("order_id", id), zap.String("status", string(o.Status)))
			continue
		}
		if o.Side == order.Buy {
			drift--
		} else {
			drift++
		}
		metrics.Fills.WithLabelValues(strings.ToLower(string(o.Side))).Inc()
		e.logEvent(ctx, logger, journal.EventFill, fmt.Sprintf("%s filled", o.Side), map[string]any{
			"order_id": o.OrderID,
			"side":     string(o.Side),
			"price":    o.Price.String(),
			"quantity": o.FilledQty().String(),
		})
		if len(fills) == 0 || o.Newer(latest) {
			latest = o
		}
		fills = append(fills, o)
	}

	pl := plan{ref: prev.ReferencePrice.Add(p.steps(drift)), fills: fills}
	if len(fills) > 0 {
		pl.event = market.TradeFromOrder(latest)
		return pl, nil
	}

	last, err := e.lastTrade(ctx, logger, currentPrice)
	if err != nil {
		return plan{}, err
	}
	pl.event = last
	return pl, nil
}

// lastTrade returns the account's latest trade. An account that never traded
// is treated as having sold at currentPrice.
func (e *Engine) lastTrade(ctx context.Context, logger *zap.Logger, currentPrice decimal.Decimal) (market.Trade, error) {
	t, err := e.gw.LastTrade(ctx, e.params.Symbol)
	if errors.Is(err, market.ErrNoTrades) {
		logger.Info("no trade history, seeding from current price")
		return market.Trade{
			Symbol:    e.params.Symbol,
			Side:      order.Sell,
			Price:     currentPrice,
			Timestamp: e.clock.Now().UTC(),
		}, nil
	}
	if err != nil {
		return market.Trade{}, fmt.Errorf("last trade: %w", err)
	}
	return t, nil
}

// waitUnlock polls balances until free equals the pre-cycle totals.
func (e *Engine) waitUnlock(ctx context.Context, logger *zap.Logger, baseTotal, quoteTotal decimal.Decimal) error {
	p := e.params
	b := backoff.NewConstantBackOff(p.UnlockInterval)

	for attempt := 1; attempt <= p.UnlockAttempts; attempt++ {
		bals, err := e.gw.Balances(ctx, p.BaseAsset, p.QuoteAsset)
		if err != nil {
			if exchange.IsLoopLevel(err) || ctx.Err() != nil {
				return err
			}
			logger.Warn("balance check failed", zap.Int("attempt", attempt), zap.Error(err))
		} else if e.settled(bals[p.BaseAsset].Free, baseTotal) && e.settled(bals[p.QuoteAsset].Free, quoteTotal) {
			return nil
		}

		if attempt == p.UnlockAttempts {
			break
		}
		wait := b.NextBackOff()
		logger.Info("balances still locked, waiting",
			zap.Int("attempt", attempt),
			zap.Int("attempts", p.UnlockAttempts),
			zap.Duration("wait", wait))
		if err := e.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
	return ErrUnlockTimeout
}

func (e *Engine) settled(free, total decimal.Decimal) bool {
	return free.Sub(total).Abs().LessThanOrEqual(e.params.UnlockTolerance)
}

func (e *Engine) placeBuys(ctx context.Context, logger *zap.Logger, next *state.Ladder, baseQty, quote decimal.Decimal) error {
	p := e.params
	for i := 0; i < p.Rungs; i++ {
		price := next.ReferencePrice.Sub(p.steps(i + 1)).Round(p.PriceDecimals)
		qty := baseQty.Add(p.BuyQtyIncrement.Mul(decimal.NewFromInt(int64(i)))).Round(p.QuantityDecimals)
		if !price.IsPositive() {
			logger.Warn("buy rung price not positive, stopping", zap.String("price", price.String()))
			return nil
		}
		cost := price.Mul(qty)
		if quote.LessThan(cost) {
			e.fundsWarning(ctx, logger, next, quote, price, qty)
			return nil
		}

		id, placed, err := e.place(ctx, logger, order.Buy, price, qty)
		if err != nil {
			return err
		}
		if placed {
			quote = quote.Sub(cost)
			if id != "" {
				next.BuyOrderIDs = append(next.BuyOrderIDs, id)
			}
		}
	}
	next.FundsWarnStreak = 0
	return nil
}

func (e *Engine) placeSells(ctx context.Context, logger *zap.Logger, next *state.Ladder, base decimal.Decimal) error {
	p := e.params
	qty := p.SellQty.Round(p.QuantityDecimals)
	for i := 0; i < p.Rungs; i++ {
		price := next.ReferencePrice.Add(p.steps(i + 1)).Round(p.PriceDecimals)
		if base.LessThan(qty) {
			logger.Info("base balance too low for sell rung",
				zap.String("balance", base.String()),
				zap.String("price", price.String()),
				zap.String("quantity", qty.String()))
			return nil
		}

		id, placed, err := e.place(ctx, logger, order.Sell, price, qty)
		if err != nil {
			return err
		}
		if placed {
			base = base.Sub(qty)
			if id != "" {
				next.SellOrderIDs = append(next.SellOrderIDs, id)
			}
		}
	}
	return nil
}

// place sends one rung. A rejected or transiently failed rung is skipped
// (placed=false, err=nil); only loop-level failures are returned.
func (e *Engine) place(ctx context.Context, logger *zap.Logger, side order.Side, price, qty decimal.Decimal) (string, bool, error) {
	p := e.params
	fields := []zap.Field{
		zap.String("side", string(side)),
		zap.String("price", price.StringFixed(p.PriceDecimals)),
		zap.String("quantity", qty.StringFixed(p.QuantityDecimals)),
	}

	if p.DryRun {
		metrics.OrdersPlaced.WithLabelValues(strings.ToLower(string(side)), "dry_run").Inc()
		logger.Info("simulated order", fields...)
		return "", true, nil
	}

	id, err := e.gw.PlaceLimitOrder(ctx, order.Request{Symbol: p.Symbol, Side: side, Price: price, Quantity: qty})
	if err != nil {
		if exchange.IsLoopLevel(err) || ctx.Err() != nil {
			return "", false, fmt.Errorf("place %s at %s: %w", side, price, err)
		}
		logger.Warn("order placement failed, skipping rung", append(fields, zap.Error(err))...)
		e.notify(logger, fmt.Sprintf("Order failed: %s %s %s at %s\n%v",
			side, qty.StringFixed(p.QuantityDecimals), p.BaseAsset, price.StringFixed(p.PriceDecimals), err))
		return "", false, nil
	}

	metrics.OrdersPlaced.WithLabelValues(strings.ToLower(string(side)), "live").Inc()
	logger.Info("order placed", append(fields, zap.String("order_id", id))...)
	now := e.clock.Now().UTC()
	if err := e.store.SaveOrder(ctx, order.Order{
		OrderID:   id,
		Symbol:    p.Symbol,
		Side:      side,
		Status:    order.StatusOpen,
		Price:     price,
		Quantity:  qty,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		logger.Warn("failed to journal order", zap.String("order_id", id), zap.Error(err))
	}
	return id, true, nil
}

func (e *Engine) fundsWarning(ctx context.Context, logger *zap.Logger, next *state.Ladder, quote, price, qty decimal.Decimal) {
	p := e.params
	msg := fmt.Sprintf("%s balance %s cannot buy %s %s at %s",
		p.QuoteAsset, quote.String(), qty.StringFixed(p.QuantityDecimals), p.BaseAsset, price.StringFixed(p.PriceDecimals))
	logger.Warn(msg, zap.Int("streak", next.FundsWarnStreak))
	if next.FundsWarnStreak%p.FundsWarnEvery == 0 {
		e.notify(logger, msg)
		e.logEvent(ctx, logger, journal.EventFundsWarning, msg, map[string]any{
			"balance": quote.String(),
			"price":   price.String(),
			"qty":     qty.String(),
		})
	}
	next.FundsWarnStreak++
}

// interrupted wraps up a cycle whose placement hit a loop-level error.
func (e *Engine) interrupted(logger *zap.Logger, next state.Ladder, err error) (state.Ladder, Outcome, error) {
	logger.Warn("placement interrupted, keeping the rungs already placed",
		zap.Strings("buy_order_ids", next.BuyOrderIDs),
		zap.Strings("sell_order_ids", next.SellOrderIDs),
		zap.Error(err))
	metrics.SetLadder(len(next.BuyOrderIDs), len(next.SellOrderIDs), next.ReferencePrice)
	return next, OutcomeFailed, err
}

func (e *Engine) fillMessage(fills []order.Order) string {
	p := e.params
	lines := make([]string, 0, len(fills))
	for _, o := range fills {
		lines = append(lines, fmt.Sprintf("%s %s %s at %s",
			o.Side, o.FilledQty().Round(p.QuantityDecimals).String(), p.BaseAsset, o.Price.StringFixed(p.PriceDecimals)))
	}
	return strings.Join(lines, "\n")
}

func (e *Engine) recordStatus(ctx context.Context, logger *zap.Logger, o order.Order) {
	updated := o.UpdatedAt
	if updated.IsZero() {
		updated = e.clock.Now().UTC()
	}
	if err := e.store.UpdateOrderStatus(ctx, o.OrderID, o.Status, o.ExecutedQty, updated); err != nil {
		logger.Warn("failed to journal order status", zap.String("order_id", o.OrderID), zap.Error(err))
	}
}

func (e *Engine) logEvent(ctx context.Context, logger *zap.Logger, typ, desc string, data map[string]any) {
	err := e.store.LogEvent(ctx, journal.Event{
		Time:        e.clock.Now().UTC(),
		Type:        typ,
		Description: desc,
		Data:        data,
	})
	if err != nil {
		logger.Warn("failed to journal event", zap.String("type", typ), zap.Error(err))
	}
}

// notify never lets a notifier failure reach the cycle.
func (e *Engine) notify(logger *zap.Logger, msg string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("notifier panicked", zap.Any("panic", r))
		}
	}()
	if err := e.notifier.Send(msg); err != nil {
		logger.Warn("notification failed", zap.Error(err))
	}
}
