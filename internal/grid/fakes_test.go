package grid

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/amirphl/grid-trader/internal/config"
	"github.com/amirphl/grid-trader/internal/db"
	"github.com/amirphl/grid-trader/internal/market"
	"github.com/amirphl/grid-trader/internal/order"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fakeGateway is a scripted exchange. Every call is recorded.
type fakeGateway struct {
	balances   map[string]market.Balance
	balancesFn func(call int) (map[string]market.Balance, error)
	open       []string
	orders     map[string]order.Order
	orderErrs  map[string]error
	lastTrade  market.Trade
	tradeErr   error
	placeErrs  map[int]error

	balanceCalls int
	cancels      int
	attempts     []order.Request
	placed       []order.Request
	nextID       int
}

func newFakeGateway(base, quote string) *fakeGateway {
	return &fakeGateway{
		balances: map[string]market.Balance{
			"BTC":  {Asset: "BTC", Free: dec(base)},
			"USDT": {Asset: "USDT", Free: dec(quote)},
		},
		orders:    map[string]order.Order{},
		orderErrs: map[string]error{},
		placeErrs: map[int]error{},
		nextID:    100,
	}
}

func (f *fakeGateway) Name() string { return "fake" }

func (f *fakeGateway) Balances(ctx context.Context, assets ...string) (map[string]market.Balance, error) {
	f.balanceCalls++
	if f.balancesFn != nil {
		return f.balancesFn(f.balanceCalls)
	}
	return f.balances, nil
}

func (f *fakeGateway) OpenOrderIDs(ctx context.Context, symbol string) ([]string, error) {
	return f.open, nil
}

func (f *fakeGateway) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	f.cancels++
	f.open = nil
	return nil
}

func (f *fakeGateway) GetOrder(ctx context.Context, symbol, orderID string) (order.Order, error) {
	if err, ok := f.orderErrs[orderID]; ok {
		return order.Order{}, err
	}
	o, ok := f.orders[orderID]
	if !ok {
		return order.Order{OrderID: orderID, Symbol: symbol, Status: order.StatusCanceled}, nil
	}
	return o, nil
}

func (f *fakeGateway) LastTrade(ctx context.Context, symbol string) (market.Trade, error) {
	if f.tradeErr != nil {
		return market.Trade{}, f.tradeErr
	}
	return f.lastTrade, nil
}

func (f *fakeGateway) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, fmt.Errorf("not scripted")
}

func (f *fakeGateway) PlaceLimitOrder(ctx context.Context, req order.Request) (string, error) {
	idx := len(f.attempts)
	f.attempts = append(f.attempts, req)
	if err, ok := f.placeErrs[idx]; ok {
		return "", err
	}
	f.placed = append(f.placed, req)
	f.nextID++
	return strconv.Itoa(f.nextID), nil
}

func (f *fakeGateway) placedSide(side order.Side) []order.Request {
	var out []order.Request
	for _, r := range f.placed {
		if r.Side == side {
			out = append(out, r)
		}
	}
	return out
}

type recordingNotifier struct {
	msgs []string
}

func (r *recordingNotifier) Send(msg string) error {
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingNotifier) contains(substr string) bool {
	for _, m := range r.msgs {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return ctx.Err()
}

// testParams is the BTC/USDT grid used by the scenarios: step 1000, three
// rungs, base buy 0.007 growing by 0.001, sells of 0.007.
func testConfig() config.Config {
	cfg := config.Default()
	cfg.InitialBuyQuantity = "0.007"
	cfg.BuyQuantityIncrement = "0.001"
	cfg.FixedSellQuantity = "0.007"
	return cfg
}

func testParams(t *testing.T) Params {
	t.Helper()
	p, err := NewParams(testConfig())
	require.NoError(t, err)
	return p
}

type harness struct {
	gw     *fakeGateway
	notes  *recordingNotifier
	store  *db.MemoryStorage
	clock  *fakeClock
	engine *Engine
}

func newHarness(t *testing.T, gw *fakeGateway, mutate ...func(p *Params)) *harness {
	t.Helper()
	p := testParams(t)
	for _, m := range mutate {
		m(&p)
	}
	h := &harness{
		gw:    gw,
		notes: &recordingNotifier{},
		store: db.NewMemory(),
		clock: &fakeClock{now: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)},
	}
	h.engine = NewEngine(gw, h.notes, h.store, p, h.clock, zap.NewNop())
	return h
}
