package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/amirphl/grid-trader/internal/market"
	"github.com/amirphl/grid-trader/internal/order"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Binance API error codes the gateway classifies explicitly.
const (
	binanceCodeUnknown         = -1000
	binanceCodeDisconnected    = -1001
	binanceCodeTooManyRequests = -1003
	binanceCodeUnexpectedResp  = -1006
	binanceCodeTimeout         = -1007
	binanceCodeServerBusy      = -1008
	binanceCodeTooManyOrders   = -1015
	binanceCodeUnknownOrder    = -2011
)

type BinanceExchange struct {
	client         *binance.Client
	priceDecimals  int32
	quantityDigits int32
	logger         *zap.Logger
}

// NewBinanceExchange returns a spot gateway. baseURL may be empty to use the
// library default. Prices and quantities are sent with the given precision.
func NewBinanceExchange(apiKey, apiSecret, baseURL string, priceDecimals, quantityDecimals int32, logger *zap.Logger) *BinanceExchange {
	client := binance.NewClient(apiKey, apiSecret)
	if baseURL != "" {
		client.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &BinanceExchange{
		client:         client,
		priceDecimals:  priceDecimals,
		quantityDigits: quantityDecimals,
		logger:         logger.Named("binance"),
	}
}

func (b *BinanceExchange) Name() string {
	return "binance"
}

func (b *BinanceExchange) Balances(ctx context.Context, assets ...string) (map[string]market.Balance, error) {
	account, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, classifyBinance("balances", err)
	}

	out := make(map[string]market.Balance, len(assets))
	for _, asset := range assets {
		out[asset] = market.Balance{Asset: asset}
	}
	for _, bal := range account.Balances {
		if _, wanted := out[bal.Asset]; !wanted {
			continue
		}
		free, err := decimal.NewFromString(bal.Free)
		if err != nil {
			return nil, fmt.Errorf("parse free balance of %s: %w", bal.Asset, err)
		}
		locked, err := decimal.NewFromString(bal.Locked)
		if err != nil {
			return nil, fmt.Errorf("parse locked balance of %s: %w", bal.Asset, err)
		}
		out[bal.Asset] = market.Balance{Asset: bal.Asset, Free: free, Locked: locked}
	}
	return out, nil
}

func (b *BinanceExchange) OpenOrderIDs(ctx context.Context, symbol string) ([]string, error) {
	orders, err := b.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classifyBinance("open orders", err)
	}
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, strconv.FormatInt(o.OrderID, 10))
	}
	return ids, nil
}

func (b *BinanceExchange) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	_, err := b.client.NewCancelOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == binanceCodeUnknownOrder {
			// nothing was open
			return nil
		}
		return classifyBinance("cancel open orders", err)
	}
	return nil
}

func (b *BinanceExchange) GetOrder(ctx context.Context, symbol, orderID string) (order.Order, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return order.Order{}, fmt.Errorf("invalid binance order id %q: %w", orderID, err)
	}
	resp, err := b.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return order.Order{}, classifyBinance("get order", err)
	}
	return binanceOrderToOrder(resp), nil
}

func (b *BinanceExchange) LastTrade(ctx context.Context, symbol string) (market.Trade, error) {
	trades, err := b.client.NewListTradesService().Symbol(symbol).Limit(1).Do(ctx)
	if err != nil {
		return market.Trade{}, classifyBinance("last trade", err)
	}
	if len(trades) == 0 {
		return market.Trade{}, fmt.Errorf("%s: %w", symbol, market.ErrNoTrades)
	}

	t := trades[len(trades)-1]
	side := order.Sell
	if t.IsBuyer {
		side = order.Buy
	}
	return market.Trade{
		Symbol:    symbol,
		Side:      side,
		Price:     parseDecimal(t.Price),
		Quantity:  parseDecimal(t.Quantity),
		Timestamp: time.UnixMilli(t.Time).UTC(),
	}, nil
}

func (b *BinanceExchange) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, classifyBinance("current price", err)
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			return decimal.NewFromString(p.Price)
		}
	}
	return decimal.Zero, fmt.Errorf("no price for %s", symbol)
}

func (b *BinanceExchange) PlaceLimitOrder(ctx context.Context, req order.Request) (string, error) {
	clientID := "grid-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
	resp, err := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(binance.SideType(req.Side)).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(req.Quantity.StringFixed(b.quantityDigits)).
		Price(req.Price.StringFixed(b.priceDecimals)).
		NewClientOrderID(clientID).
		Do(ctx)
	if err != nil {
		return "", classifyBinance("place order", err)
	}
	b.logger.Debug("order placed",
		zap.Int64("order_id", resp.OrderID),
		zap.String("client_order_id", clientID),
		zap.String("side", string(req.Side)))
	return strconv.FormatInt(resp.OrderID, 10), nil
}

// classifyBinance maps go-binance failures onto the gateway error kinds.
func classifyBinance(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return newError(KindServerTransient, op, err)
	}

	switch apiErr.Code {
	case binanceCodeTooManyRequests:
		if strings.Contains(strings.ToLower(apiErr.Message), "banned") {
			return newError(KindBanned, op, err)
		}
		return newError(KindRateLimited, op, err)
	case binanceCodeTooManyOrders:
		return newError(KindRateLimited, op, err)
	case 0, binanceCodeUnknown, binanceCodeDisconnected, binanceCodeUnexpectedResp, binanceCodeTimeout, binanceCodeServerBusy:
		return newError(KindServerTransient, op, err)
	}
	return newError(KindOrderRejected, op, err)
}

func binanceOrderToOrder(o *binance.Order) order.Order {
	return order.Order{
		OrderID:     strconv.FormatInt(o.OrderID, 10),
		Symbol:      o.Symbol,
		Side:        order.Side(o.Side),
		Status:      binanceStatus(o.Status),
		Price:       parseDecimal(o.Price),
		Quantity:    parseDecimal(o.OrigQuantity),
		ExecutedQty: parseDecimal(o.ExecutedQuantity),
		CreatedAt:   time.UnixMilli(o.Time).UTC(),
		UpdatedAt:   time.UnixMilli(o.UpdateTime).UTC(),
	}
}

func binanceStatus(s binance.OrderStatusType) order.Status {
	switch s {
	case binance.OrderStatusTypeFilled:
		return order.StatusFilled
	case binance.OrderStatusTypeNew, binance.OrderStatusTypePartiallyFilled, binance.OrderStatusTypePendingCancel:
		return order.StatusOpen
	}
	return order.StatusCanceled
}
