package grid

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/amirphl/grid-trader/internal/exchange"
	"github.com/amirphl/grid-trader/internal/journal"
	"github.com/amirphl/grid-trader/internal/market"
	"github.com/amirphl/grid-trader/internal/order"
	"github.com/amirphl/grid-trader/internal/state"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rung struct {
	price string
	qty   string
}

func assertRungs(t *testing.T, want []rung, got []order.Request) {
	t.Helper()
	require.Len(t, got, len(want))
	for i, w := range want {
		assert.True(t, got[i].Price.Equal(dec(w.price)), "rung %d price: want %s got %s", i, w.price, got[i].Price)
		assert.True(t, got[i].Quantity.Equal(dec(w.qty)), "rung %d qty: want %s got %s", i, w.qty, got[i].Quantity)
	}
}

func fullLadder() state.Ladder {
	return state.Ladder{
		BuyOrderIDs:    []string{"1", "2", "3"},
		SellOrderIDs:   []string{"4", "5", "6"},
		ReferencePrice: dec("65000"),
	}
}

func TestColdStartSeedsFromLastTrade(t *testing.T) {
	gw := newFakeGateway("1", "1000000")
	gw.lastTrade = market.Trade{Side: order.Sell, Quantity: dec("0.007"), Price: dec("65432")}
	h := newHarness(t, gw)

	next, outcome, err := h.engine.RunCycle(context.Background(), state.Empty(), dec("65500"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, outcome)

	assert.True(t, next.ReferencePrice.Equal(dec("65000")))
	assertRungs(t, []rung{{"64000", "0.007"}, {"63000", "0.008"}, {"62000", "0.009"}}, gw.placedSide(order.Buy))
	assertRungs(t, []rung{{"66000", "0.007"}, {"67000", "0.007"}, {"68000", "0.007"}}, gw.placedSide(order.Sell))
	assert.Equal(t, []string{"101", "102", "103"}, next.BuyOrderIDs)
	assert.Equal(t, []string{"104", "105", "106"}, next.SellOrderIDs)
	assert.Equal(t, 1, gw.cancels)
	assert.NoError(t, next.Validate(3, dec("1000")))

	open, err := h.store.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, open, 6)
}

func TestColdStartWithoutTradeHistory(t *testing.T) {
	gw := newFakeGateway("0", "1000000")
	gw.tradeErr = fmt.Errorf("BTCUSDT: %w", market.ErrNoTrades)
	h := newHarness(t, gw)

	next, outcome, err := h.engine.RunCycle(context.Background(), state.Empty(), dec("65432.10"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, outcome)
	assert.True(t, next.ReferencePrice.Equal(dec("65000")))
	assertRungs(t, []rung{{"64000", "0.007"}, {"63000", "0.008"}, {"62000", "0.009"}}, gw.placedSide(order.Buy))
	assert.Empty(t, gw.placedSide(order.Sell))
}

func TestBuyFillDriftsDownAndInflatesQuantity(t *testing.T) {
	gw := newFakeGateway("1", "1000000")
	gw.open = []string{"2", "3", "4", "5", "6"}
	gw.orders["1"] = order.Order{
		OrderID: "1", Symbol: "BTCUSDT", Side: order.Buy, Status: order.StatusFilled,
		Price: dec("64000"), Quantity: dec("0.008"), ExecutedQty: dec("0.008"),
		UpdatedAt: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	h := newHarness(t, gw)

	next, outcome, err := h.engine.RunCycle(context.Background(), fullLadder(), dec("63950"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, outcome)

	assert.True(t, next.ReferencePrice.Equal(dec("64000")))
	assertRungs(t, []rung{{"63000", "0.009"}, {"62000", "0.01"}, {"61000", "0.011"}}, gw.placedSide(order.Buy))
	assertRungs(t, []rung{{"65000", "0.007"}, {"66000", "0.007"}, {"67000", "0.007"}}, gw.placedSide(order.Sell))
	assert.True(t, h.notes.contains("BUY 0.008 BTC at 64000.00"))

	fills, err := h.store.GetEvents(context.Background(), journal.EventFill, time.Time{}, h.clock.now)
	require.NoError(t, err)
	assert.Len(t, fills, 1)
}

func TestSellFillDriftsUpAndResetsQuantity(t *testing.T) {
	gw := newFakeGateway("1", "1000000")
	gw.open = []string{"1", "2", "3", "5", "6"}
	gw.orders["4"] = order.Order{
		OrderID: "4", Side: order.Sell, Status: order.StatusFilled,
		Price: dec("66000"), Quantity: dec("0.007"), ExecutedQty: dec("0.007"),
	}
	gw.lastTrade = market.Trade{Side: order.Buy, Quantity: dec("0.009"), Price: dec("62000")}
	h := newHarness(t, gw)

	next, _, err := h.engine.RunCycle(context.Background(), fullLadder(), dec("66010"))
	require.NoError(t, err)

	assert.True(t, next.ReferencePrice.Equal(dec("66000")))
	assertRungs(t, []rung{{"65000", "0.007"}, {"64000", "0.008"}, {"63000", "0.009"}}, gw.placedSide(order.Buy))
}

func TestSimultaneousFillsAccumulateDrift(t *testing.T) {
	gw := newFakeGateway("1", "1000000")
	gw.open = []string{"3", "4", "5", "6"}
	t0 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	gw.orders["1"] = order.Order{OrderID: "1", Side: order.Buy, Status: order.StatusFilled,
		Price: dec("64000"), Quantity: dec("0.007"), UpdatedAt: t0}
	gw.orders["2"] = order.Order{OrderID: "2", Side: order.Buy, Status: order.StatusFilled,
		Price: dec("63000"), Quantity: dec("0.008"), UpdatedAt: t0.Add(time.Minute)}
	h := newHarness(t, gw)

	next, _, err := h.engine.RunCycle(context.Background(), fullLadder(), dec("62900"))
	require.NoError(t, err)

	assert.True(t, next.ReferencePrice.Equal(dec("63000")))
	// the later fill (0.008) decides the next base quantity
	assertRungs(t, []rung{{"62000", "0.009"}, {"61000", "0.01"}, {"60000", "0.011"}}, gw.placedSide(order.Buy))
	assert.True(t, h.notes.contains("BUY 0.007 BTC at 64000.00\nBUY 0.008 BTC at 63000.00"))
}

func TestCanceledOrderRebuildsWithoutDrift(t *testing.T) {
	gw := newFakeGateway("1", "1000000")
	gw.open = []string{"1", "2", "3", "4", "5"}
	gw.orders["6"] = order.Order{OrderID: "6", Side: order.Sell, Status: order.StatusCanceled,
		Price: dec("68000"), Quantity: dec("0.007")}
	gw.lastTrade = market.Trade{Side: order.Buy, Quantity: dec("0.008"), Price: dec("64000")}
	h := newHarness(t, gw)

	next, outcome, err := h.engine.RunCycle(context.Background(), fullLadder(), dec("65100"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, outcome)

	assert.True(t, next.ReferencePrice.Equal(dec("65000")))
	assert.Equal(t, 1, gw.cancels)
	assertRungs(t, []rung{{"64000", "0.009"}, {"63000", "0.01"}, {"62000", "0.011"}}, gw.placedSide(order.Buy))
	assert.Empty(t, h.notes.msgs)
}

func TestUnclassifiableOrderCountsAsNotFilled(t *testing.T) {
	gw := newFakeGateway("1", "1000000")
	gw.open = []string{"2", "3", "4", "5", "6"}
	gw.orderErrs["1"] = fmt.Errorf("get order: %w", exchange.ErrServerTransient)
	gw.lastTrade = market.Trade{Side: order.Sell, Quantity: dec("0.007"), Price: dec("65432")}
	h := newHarness(t, gw)

	next, outcome, err := h.engine.RunCycle(context.Background(), fullLadder(), dec("65100"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, outcome)
	assert.True(t, next.ReferencePrice.Equal(dec("65000")))
}

func TestLoopLevelErrorWhileClassifyingKeepsLadder(t *testing.T) {
	gw := newFakeGateway("1", "1000000")
	gw.open = []string{"2", "3", "4", "5", "6"}
	gw.orderErrs["1"] = fmt.Errorf("get order: %w", exchange.ErrRateLimited)
	h := newHarness(t, gw)

	prev := fullLadder()
	next, outcome, err := h.engine.RunCycle(context.Background(), prev, dec("65100"))
	assert.ErrorIs(t, err, exchange.ErrRateLimited)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, prev, next)
	assert.Zero(t, gw.cancels)
	assert.Empty(t, gw.attempts)
}

func TestNoActionWhileSellsRest(t *testing.T) {
	gw := newFakeGateway("1", "1000000")
	gw.open = []string{"1", "2", "3", "4", "5", "6"}
	h := newHarness(t, gw)

	prev := fullLadder()
	next, outcome, err := h.engine.RunCycle(context.Background(), prev, dec("90000"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoAction, outcome)
	assert.Equal(t, prev, next)
	assert.Zero(t, gw.cancels)
	assert.Empty(t, gw.attempts)
}

func buyOnlyLadder() state.Ladder {
	return state.Ladder{BuyOrderIDs: []string{"1", "2", "3"}, ReferencePrice: dec("64000")}
}

func TestChaseBelowTriggerDoesNothing(t *testing.T) {
	gw := newFakeGateway("0", "1000000")
	gw.open = []string{"1", "2", "3"}
	h := newHarness(t, gw)

	next, outcome, err := h.engine.RunCycle(context.Background(), buyOnlyLadder(), dec("64999.99"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoAction, outcome)
	assert.Equal(t, buyOnlyLadder(), next)
	assert.Zero(t, gw.cancels)
	assert.Empty(t, gw.attempts)
}

func TestChaseMovesReferenceOneStep(t *testing.T) {
	gw := newFakeGateway("0", "1000000")
	gw.open = []string{"1", "2", "3"}
	gw.lastTrade = market.Trade{Side: order.Sell, Quantity: dec("0.007"), Price: dec("65432")}
	h := newHarness(t, gw)

	next, outcome, err := h.engine.RunCycle(context.Background(), buyOnlyLadder(), dec("66800"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, outcome)
	assert.True(t, next.ReferencePrice.Equal(dec("65000")))
	assertRungs(t, []rung{{"64000", "0.007"}, {"63000", "0.008"}, {"62000", "0.009"}}, gw.placedSide(order.Buy))
	assert.Empty(t, next.SellOrderIDs)
}

func TestRiskHalt(t *testing.T) {
	gw := newFakeGateway("0", "1000000")
	gw.open = []string{"1", "2", "3"}
	gw.lastTrade = market.Trade{Side: order.Sell, Quantity: dec("0.007"), Price: dec("65432")}
	h := newHarness(t, gw)

	prev := buyOnlyLadder()
	next, outcome, err := h.engine.RunCycle(context.Background(), prev, dec("76000"))
	assert.ErrorIs(t, err, ErrRiskHalt)
	assert.Equal(t, OutcomeRiskHalt, outcome)
	assert.Equal(t, prev, next)
	assert.Zero(t, gw.cancels)
	assert.Empty(t, gw.attempts)
	assert.True(t, h.notes.contains("Risk halt"))

	events, err := h.store.GetEvents(context.Background(), journal.EventRiskHalt, time.Time{}, h.clock.now)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestUnlockTimeoutPlacesNothing(t *testing.T) {
	gw := newFakeGateway("1", "1000000")
	gw.open = []string{"2", "3", "4", "5", "6"}
	gw.orders["1"] = order.Order{OrderID: "1", Side: order.Buy, Status: order.StatusFilled,
		Price: dec("64000"), Quantity: dec("0.008")}
	gw.balancesFn = func(call int) (map[string]market.Balance, error) {
		return map[string]market.Balance{
			"BTC":  {Asset: "BTC", Free: dec("0.5"), Locked: dec("0.5")},
			"USDT": {Asset: "USDT", Free: dec("1000"), Locked: dec("500")},
		}, nil
	}
	h := newHarness(t, gw)

	prev := fullLadder()
	next, outcome, err := h.engine.RunCycle(context.Background(), prev, dec("63950"))
	assert.ErrorIs(t, err, ErrUnlockTimeout)
	assert.Equal(t, OutcomeUnlockTimeout, outcome)
	assert.Equal(t, prev, next)
	assert.Equal(t, 1, gw.cancels)
	assert.Empty(t, gw.attempts)
	assert.Equal(t, 16, gw.balanceCalls) // snapshot plus 15 checks
	assert.Len(t, h.clock.sleeps, 14)
	for _, d := range h.clock.sleeps {
		assert.Equal(t, time.Second, d)
	}
	// fills are only announced once the rebuild can go ahead
	assert.False(t, h.notes.contains("BUY 0.008"))
	assert.True(t, h.notes.contains("did not unlock"))
}

func TestUnlockConvergesAfterSomeChecks(t *testing.T) {
	gw := newFakeGateway("1", "1000000")
	gw.lastTrade = market.Trade{Side: order.Sell, Quantity: dec("0.007"), Price: dec("65432")}
	gw.balancesFn = func(call int) (map[string]market.Balance, error) {
		if call < 4 {
			return map[string]market.Balance{
				"BTC":  {Asset: "BTC", Free: dec("0.5"), Locked: dec("0.5")},
				"USDT": {Asset: "USDT", Free: dec("1000"), Locked: dec("500")},
			}, nil
		}
		return map[string]market.Balance{
			"BTC":  {Asset: "BTC", Free: dec("1")},
			"USDT": {Asset: "USDT", Free: dec("1500")},
		}, nil
	}
	h := newHarness(t, gw)

	_, outcome, err := h.engine.RunCycle(context.Background(), state.Empty(), dec("65500"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, outcome)
	assert.Len(t, h.clock.sleeps, 2)
}

func TestFundsExhaustionStopsBuySide(t *testing.T) {
	gw := newFakeGateway("1", "1000")
	gw.lastTrade = market.Trade{Side: order.Sell, Quantity: dec("0.007"), Price: dec("65432")}
	h := newHarness(t, gw)

	next, outcome, err := h.engine.RunCycle(context.Background(), state.Empty(), dec("65500"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, outcome)

	assertRungs(t, []rung{{"64000", "0.007"}, {"63000", "0.008"}}, gw.placedSide(order.Buy))
	assert.Len(t, gw.placedSide(order.Sell), 3)
	assert.Len(t, next.BuyOrderIDs, 2)
	assert.Equal(t, 1, next.FundsWarnStreak)
	assert.True(t, h.notes.contains("cannot buy 0.0090 BTC at 62000.00"))
}

func TestFundsWarningIsThrottled(t *testing.T) {
	gw := newFakeGateway("1", "1000")
	gw.lastTrade = market.Trade{Side: order.Sell, Quantity: dec("0.007"), Price: dec("65432")}
	h := newHarness(t, gw, func(p *Params) { p.FundsWarnEvery = 3 })

	prev := state.Empty()
	var notified []bool
	for i := 0; i < 4; i++ {
		h.notes.msgs = nil
		next, _, err := h.engine.RunCycle(context.Background(), state.Ladder{FundsWarnStreak: prev.FundsWarnStreak}, dec("65500"))
		require.NoError(t, err)
		notified = append(notified, h.notes.contains("cannot buy"))
		prev = next
	}
	assert.Equal(t, []bool{true, false, false, true}, notified)
	assert.Equal(t, 4, prev.FundsWarnStreak)

	// a fully funded buy side resets the streak
	gw.balances["USDT"] = market.Balance{Asset: "USDT", Free: dec("1000000")}
	next, _, err := h.engine.RunCycle(context.Background(), state.Ladder{FundsWarnStreak: prev.FundsWarnStreak}, dec("65500"))
	require.NoError(t, err)
	assert.Zero(t, next.FundsWarnStreak)
}

func TestRejectedRungIsSkipped(t *testing.T) {
	gw := newFakeGateway("1", "1000000")
	gw.lastTrade = market.Trade{Side: order.Sell, Quantity: dec("0.007"), Price: dec("65432")}
	gw.placeErrs[1] = fmt.Errorf("place order: %w", exchange.ErrOrderRejected)
	h := newHarness(t, gw)

	next, outcome, err := h.engine.RunCycle(context.Background(), state.Empty(), dec("65500"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, outcome)
	assertRungs(t, []rung{{"64000", "0.007"}, {"62000", "0.009"}}, gw.placedSide(order.Buy))
	assert.Len(t, next.BuyOrderIDs, 2)
	assert.Len(t, next.SellOrderIDs, 3)
	assert.True(t, h.notes.contains("Order failed: BUY 0.0080 BTC at 63000.00"))
}

func TestRateLimitDuringPlacementKeepsPlacedRungs(t *testing.T) {
	gw := newFakeGateway("1", "1000000")
	gw.lastTrade = market.Trade{Side: order.Sell, Quantity: dec("0.007"), Price: dec("65432")}
	gw.placeErrs[2] = fmt.Errorf("place order: %w", exchange.ErrRateLimited)
	h := newHarness(t, gw)

	next, outcome, err := h.engine.RunCycle(context.Background(), state.Empty(), dec("65500"))
	assert.True(t, exchange.IsLoopLevel(err))
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, []string{"101", "102"}, next.BuyOrderIDs)
	assert.Empty(t, next.SellOrderIDs)
	assert.True(t, next.ReferencePrice.Equal(dec("65000")))
	assert.Len(t, gw.attempts, 3)
}

func TestDryRunSendsNothing(t *testing.T) {
	gw := newFakeGateway("1", "1000000")
	gw.lastTrade = market.Trade{Side: order.Sell, Quantity: dec("0.007"), Price: dec("65432")}
	h := newHarness(t, gw, func(p *Params) { p.DryRun = true })

	next, outcome, err := h.engine.RunCycle(context.Background(), state.Empty(), dec("65500"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, outcome)
	assert.Empty(t, gw.attempts)
	assert.Zero(t, gw.cancels)
	assert.True(t, next.ReferencePrice.Equal(dec("65000")))
	assert.True(t, next.IsEmpty())
}

func TestLaddersStayWithinRungCount(t *testing.T) {
	for _, rungs := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("rungs=%d", rungs), func(t *testing.T) {
			gw := newFakeGateway("10", "100000000")
			gw.lastTrade = market.Trade{Side: order.Buy, Quantity: dec("0.01"), Price: dec("65432")}
			h := newHarness(t, gw, func(p *Params) { p.Rungs = rungs })

			next, _, err := h.engine.RunCycle(context.Background(), state.Empty(), dec("65500"))
			require.NoError(t, err)
			assert.Len(t, next.BuyOrderIDs, rungs)
			assert.Len(t, next.SellOrderIDs, rungs)
			assert.NoError(t, next.Validate(rungs, dec("1000")))
			assert.True(t, next.ReferencePrice.Mod(dec("1000")).IsZero())
		})
	}
}

type failingNotifier struct{}

func (failingNotifier) Send(string) error { return errors.New("telegram down") }

func TestNotifierFailureDoesNotAbortCycle(t *testing.T) {
	gw := newFakeGateway("1", "1000")
	gw.lastTrade = market.Trade{Side: order.Sell, Quantity: dec("0.007"), Price: dec("65432")}
	h := newHarness(t, gw)
	h.engine.notifier = failingNotifier{}

	_, outcome, err := h.engine.RunCycle(context.Background(), state.Empty(), dec("65500"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, outcome)
}

func TestNewParamsRejectsBadDecimals(t *testing.T) {
	cfg := testConfig()
	cfg.PriceStep = "ten"
	_, err := NewParams(cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.PriceStep = "0"
	_, err = NewParams(cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.PriceStep = "0.001"
	cfg.PriceDecimals = 2
	_, err = NewParams(cfg)
	assert.ErrorContains(t, err, "finer than 2 price decimals")

	p, err := NewParams(testConfig())
	require.NoError(t, err)
	assert.True(t, p.UnlockTolerance.Equal(decimal.New(1, -9)))
	assert.Equal(t, "BTCUSDT", p.Symbol)
}
