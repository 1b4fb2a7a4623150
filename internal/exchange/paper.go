package exchange

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/amirphl/grid-trader/internal/market"
	"github.com/amirphl/grid-trader/internal/order"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaperExchange simulates a spot account in memory. Prices are proxied to a
// real source; every price read matches resting orders the price crossed.
type PaperExchange struct {
	prices     PriceSource
	baseAsset  string
	quoteAsset string
	logger     *zap.Logger
	now        func() time.Time

	mu          sync.Mutex
	balances    map[string]market.Balance
	orders      map[string]order.Order
	lastTrade   *market.Trade
	orderSerial int64
}

// NewPaperExchange starts a paper account holding base and quote units of the pair assets.
func NewPaperExchange(prices PriceSource, baseAsset, quoteAsset string, base, quote decimal.Decimal, logger *zap.Logger) *PaperExchange {
	return &PaperExchange{
		prices:     prices,
		baseAsset:  baseAsset,
		quoteAsset: quoteAsset,
		logger:     logger.Named("paper"),
		now:        time.Now,
		balances: map[string]market.Balance{
			baseAsset:  {Asset: baseAsset, Free: base},
			quoteAsset: {Asset: quoteAsset, Free: quote},
		},
		orders:      make(map[string]order.Order),
		orderSerial: 1000,
	}
}

func (p *PaperExchange) Name() string {
	return "paper"
}

func (p *PaperExchange) Balances(ctx context.Context, assets ...string) (map[string]market.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]market.Balance, len(assets))
	for _, a := range assets {
		b, ok := p.balances[a]
		if !ok {
			b = market.Balance{Asset: a}
		}
		out[a] = b
	}
	return out, nil
}

func (p *PaperExchange) OpenOrderIDs(ctx context.Context, symbol string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for id, o := range p.orders {
		if o.Symbol == symbol && o.Status == order.StatusOpen {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return order.CompareIDs(ids[i], ids[j]) < 0 })
	return ids, nil
}

func (p *PaperExchange) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now().UTC()
	for id, o := range p.orders {
		if o.Symbol != symbol || o.Status != order.StatusOpen {
			continue
		}
		p.unlock(o)
		o.Status = order.StatusCanceled
		o.UpdatedAt = now
		p.orders[id] = o
	}
	return nil
}

func (p *PaperExchange) GetOrder(ctx context.Context, symbol, orderID string) (order.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok || o.Symbol != symbol {
		return order.Order{}, newError(KindOrderRejected, "get order", fmt.Errorf("unknown order %s", orderID))
	}
	return o, nil
}

func (p *PaperExchange) LastTrade(ctx context.Context, symbol string) (market.Trade, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastTrade == nil {
		return market.Trade{}, fmt.Errorf("%s: %w", symbol, market.ErrNoTrades)
	}
	return *p.lastTrade, nil
}

// CurrentPrice reads the source price and fills whatever it crossed.
func (p *PaperExchange) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	price, err := p.prices.CurrentPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	p.Match(symbol, price)
	return price, nil
}

// Match fills resting orders on symbol whose limit price is crossed by price.
func (p *PaperExchange) Match(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.orders))
	for id := range p.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return order.CompareIDs(ids[i], ids[j]) < 0 })

	for _, id := range ids {
		o := p.orders[id]
		if o.Symbol != symbol || o.Status != order.StatusOpen {
			continue
		}
		crossed := (o.Side == order.Buy && price.LessThanOrEqual(o.Price)) ||
			(o.Side == order.Sell && price.GreaterThanOrEqual(o.Price))
		if !crossed {
			continue
		}
		p.fill(o)
	}
}

func (p *PaperExchange) PlaceLimitOrder(ctx context.Context, req order.Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	asset, need := p.quoteAsset, req.Price.Mul(req.Quantity)
	if req.Side == order.Sell {
		asset, need = p.baseAsset, req.Quantity
	}
	bal := p.balances[asset]
	if bal.Free.LessThan(need) {
		return "", newError(KindOrderRejected, "place order",
			fmt.Errorf("insufficient %s: have %s, need %s", asset, bal.Free, need))
	}
	bal.Free = bal.Free.Sub(need)
	bal.Locked = bal.Locked.Add(need)
	p.balances[asset] = bal

	p.orderSerial++
	id := strconv.FormatInt(p.orderSerial, 10)
	now := p.now().UTC()
	p.orders[id] = order.Order{
		OrderID:   id,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Status:    order.StatusOpen,
		Price:     req.Price,
		Quantity:  req.Quantity,
		CreatedAt: now,
		UpdatedAt: now,
	}
	p.logger.Info("paper order placed",
		zap.String("order_id", id),
		zap.String("side", string(req.Side)),
		zap.String("price", req.Price.String()),
		zap.String("quantity", req.Quantity.String()))
	return id, nil
}

// fill settles o at its limit price. Caller holds p.mu.
func (p *PaperExchange) fill(o order.Order) {
	notional := o.Price.Mul(o.Quantity)
	base := p.balances[p.baseAsset]
	quote := p.balances[p.quoteAsset]
	if o.Side == order.Buy {
		quote.Locked = quote.Locked.Sub(notional)
		base.Free = base.Free.Add(o.Quantity)
	} else {
		base.Locked = base.Locked.Sub(o.Quantity)
		quote.Free = quote.Free.Add(notional)
	}
	p.balances[p.baseAsset] = base
	p.balances[p.quoteAsset] = quote

	o.Status = order.StatusFilled
	o.ExecutedQty = o.Quantity
	o.UpdatedAt = p.now().UTC()
	p.orders[o.OrderID] = o

	t := market.TradeFromOrder(o)
	p.lastTrade = &t
	p.logger.Info("paper order filled",
		zap.String("order_id", o.OrderID),
		zap.String("side", string(o.Side)),
		zap.String("price", o.Price.String()))
}

// unlock releases the funds held by an open order. Caller holds p.mu.
func (p *PaperExchange) unlock(o order.Order) {
	if o.Side == order.Buy {
		q := p.balances[p.quoteAsset]
		amt := o.Price.Mul(o.Quantity)
		q.Locked = q.Locked.Sub(amt)
		q.Free = q.Free.Add(amt)
		p.balances[p.quoteAsset] = q
		return
	}
	b := p.balances[p.baseAsset]
	b.Locked = b.Locked.Sub(o.Quantity)
	b.Free = b.Free.Add(o.Quantity)
	p.balances[p.baseAsset] = b
}

// SeedTrade sets the last trade reported before any paper fill happens.
func (p *PaperExchange) SeedTrade(t market.Trade) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastTrade = &t
}
