package exchange

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/amirphl/grid-trader/internal/market"
	"github.com/amirphl/grid-trader/internal/order"
	"github.com/shopspring/decimal"
	wallex "github.com/wallexchange/wallex-go"
	"go.uber.org/zap"
)

// WallexExchange talks to Wallex through wallex-go. wallex-go reads the API
// key from WALLEX_API_KEY only, so the key passed in must match it.
type WallexExchange struct {
	client        *wallex.Client
	priceDecimals int32
	qtyDecimals   int32
	logger        *zap.Logger
}

func NewWallexExchange(apiKey string, priceDecimals, quantityDecimals int32, logger *zap.Logger) *WallexExchange {
	return newWallexExchange(wallex.New(wallex.ClientOptions{APIKey: apiKey}), priceDecimals, quantityDecimals, logger)
}

func newWallexExchange(client *wallex.Client, priceDecimals, quantityDecimals int32, logger *zap.Logger) *WallexExchange {
	return &WallexExchange{
		client:        client,
		priceDecimals: priceDecimals,
		qtyDecimals:   quantityDecimals,
		logger:        logger.Named("wallex"),
	}
}

func (w *WallexExchange) Name() string {
	return "wallex"
}

// Balances retrieves the balances of the given assets.
func (w *WallexExchange) Balances(ctx context.Context, assets ...string) (map[string]market.Balance, error) {
	var wallexBalances map[string]*wallex.Balance
	err := retry(ctx, w.logger, 3, 2*time.Second, func() error {
		var err error
		wallexBalances, err = w.client.Balances()
		return err
	})
	if err != nil {
		return nil, newError(KindServerTransient, "balances", err)
	}

	out := make(map[string]market.Balance, len(assets))
	for _, asset := range assets {
		bal := market.Balance{Asset: asset}
		if wb, ok := wallexBalances[asset]; ok && wb != nil {
			bal.Free = parseDecimal(string(wb.Value))
			bal.Locked = parseDecimal(string(wb.Locked))
		}
		out[asset] = bal
	}
	return out, nil
}

func (w *WallexExchange) OpenOrderIDs(ctx context.Context, symbol string) ([]string, error) {
	orders, err := w.openOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ClientOrderID)
	}
	return ids, nil
}

// CancelAllOpenOrders cancels every order resting on the symbol, including
// ones placed before a restart.
func (w *WallexExchange) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	orders, err := w.openOrders(ctx, symbol)
	if err != nil {
		return err
	}
	for _, o := range orders {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.client.CancelOrder(o.ClientOrderID); err != nil {
			return newError(KindServerTransient, "cancel order "+o.ClientOrderID, err)
		}
	}
	return nil
}

func (w *WallexExchange) openOrders(ctx context.Context, symbol string) ([]*wallex.Order, error) {
	var orders []*wallex.Order
	err := retry(ctx, w.logger, 3, 2*time.Second, func() error {
		var err error
		orders, err = w.client.OpenOrders(symbol)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, newError(KindServerTransient, "open orders", err)
	}
	out := orders[:0]
	for _, o := range orders {
		if o != nil && o.ClientOrderID != "" {
			out = append(out, o)
		}
	}
	return out, nil
}

func (w *WallexExchange) GetOrder(ctx context.Context, symbol, orderID string) (order.Order, error) {
	if err := ctx.Err(); err != nil {
		return order.Order{}, err
	}
	resp, err := w.client.Order(orderID)
	if err != nil {
		return order.Order{}, newError(KindServerTransient, "get order", err)
	}
	if resp == nil {
		return order.Order{}, newError(KindServerTransient, "get order", fmt.Errorf("empty order response for %s", orderID))
	}

	o := order.Order{
		OrderID:     resp.ClientOrderID,
		Symbol:      symbol,
		Side:        order.Side(strings.ToUpper(resp.Side)),
		Status:      wallexStatus(resp.Status),
		Price:       parseDecimal(string(resp.Price)),
		Quantity:    parseDecimal(string(resp.OrigQty)),
		ExecutedQty: wallexNumber(resp.ExecutedQty),
		CreatedAt:   resp.CreatedAt.UTC(),
		UpdatedAt:   resp.CreatedAt.UTC(),
	}
	if o.OrderID == "" {
		o.OrderID = orderID
	}
	return o, nil
}

// LastTrade returns the account's newest own trade on symbol.
func (w *WallexExchange) LastTrade(ctx context.Context, symbol string) (market.Trade, error) {
	var trades []*wallex.Trade
	err := retry(ctx, w.logger, 3, 2*time.Second, func() error {
		var err error
		trades, err = w.client.Trades(symbol, "")
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return market.Trade{}, err
		}
		return market.Trade{}, newError(KindServerTransient, "account trades", err)
	}

	var newest *wallex.Trade
	for _, t := range trades {
		if t != nil && (newest == nil || t.Timestamp.After(newest.Timestamp)) {
			newest = t
		}
	}
	if newest == nil {
		return market.Trade{}, fmt.Errorf("account trades for %s: %w", symbol, market.ErrNoTrades)
	}

	side := order.Sell
	if newest.IsBuyer {
		side = order.Buy
	}
	return market.Trade{
		Symbol:    symbol,
		Side:      side,
		Price:     parseDecimal(string(newest.Price)),
		Quantity:  parseDecimal(string(newest.Quantity)),
		Timestamp: newest.Timestamp.UTC(),
	}, nil
}

func (w *WallexExchange) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	trade, err := w.latestMarketTrade(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return parseDecimal(string(trade.Price)), nil
}

func (w *WallexExchange) PlaceLimitOrder(ctx context.Context, req order.Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	params := &wallex.OrderParams{
		Symbol:   req.Symbol,
		Type:     "LIMIT",
		Side:     string(req.Side),
		Price:    wallex.Number(req.Price.StringFixed(w.priceDecimals)),
		Quantity: wallex.Number(req.Quantity.StringFixed(w.qtyDecimals)),
	}
	resp, err := w.client.PlaceOrder(params)
	if err != nil {
		return "", newError(KindOrderRejected, "place order", err)
	}
	if resp == nil || resp.ClientOrderID == "" {
		return "", newError(KindServerTransient, "place order", fmt.Errorf("empty order response"))
	}
	return resp.ClientOrderID, nil
}

func (w *WallexExchange) latestMarketTrade(ctx context.Context, symbol string) (*wallex.MarketTrade, error) {
	var trades []*wallex.MarketTrade
	err := retry(ctx, w.logger, 3, 2*time.Second, func() error {
		var err error
		trades, err = w.client.MarketTrades(symbol)
		return err
	})
	if err != nil {
		return nil, newError(KindServerTransient, "market trades", err)
	}
	if len(trades) == 0 || trades[0] == nil {
		return nil, fmt.Errorf("no market trades for %s: %w", symbol, market.ErrNoTrades)
	}
	return trades[0], nil
}

func wallexStatus(s string) order.Status {
	switch strings.ToUpper(s) {
	case "FILLED":
		return order.StatusFilled
	case "NEW", "PARTIALLY_FILLED", "ACTIVE":
		return order.StatusOpen
	}
	return order.StatusCanceled
}

// wallexNumber safely dereferences *wallex.Number
func wallexNumber(n *wallex.Number) decimal.Decimal {
	if n == nil {
		return decimal.Zero
	}
	return parseDecimal(string(*n))
}
