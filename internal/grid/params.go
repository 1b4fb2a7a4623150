package grid

import (
	"fmt"
	"time"

	"github.com/amirphl/grid-trader/internal/config"
	"github.com/shopspring/decimal"
)

// Params are the grid settings, parsed once at startup.
type Params struct {
	Symbol     string
	BaseAsset  string
	QuoteAsset string

	PriceStep        decimal.Decimal
	PriceDecimals    int32
	QuantityDecimals int32
	Rungs            int

	InitialBuyQty   decimal.Decimal
	BuyQtyIncrement decimal.Decimal
	SellQty         decimal.Decimal
	RiskSteps       int

	DryRun bool

	UnlockAttempts  int
	UnlockInterval  time.Duration
	UnlockTolerance decimal.Decimal

	FundsWarnEvery int
}

// NewParams parses the decimal settings of cfg.
func NewParams(cfg config.Config) (Params, error) {
	p := Params{
		Symbol:           cfg.Symbol(),
		BaseAsset:        cfg.BaseAsset,
		QuoteAsset:       cfg.QuoteAsset,
		PriceDecimals:    int32(cfg.PriceDecimals),
		QuantityDecimals: int32(cfg.QuantityDecimals),
		Rungs:            cfg.RungCount,
		RiskSteps:        cfg.RiskDeviationSteps,
		DryRun:           cfg.DryRun,
		UnlockAttempts:   cfg.UnlockAttempts,
		UnlockInterval:   cfg.UnlockInterval,
		FundsWarnEvery:   cfg.FundsWarnEvery,
	}

	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"price_step", cfg.PriceStep, &p.PriceStep},
		{"initial_buy_quantity", cfg.InitialBuyQuantity, &p.InitialBuyQty},
		{"buy_quantity_increment", cfg.BuyQuantityIncrement, &p.BuyQtyIncrement},
		{"fixed_sell_quantity", cfg.FixedSellQuantity, &p.SellQty},
		{"unlock_tolerance", cfg.UnlockTolerance, &p.UnlockTolerance},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return Params{}, fmt.Errorf("parse %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	if !p.PriceStep.IsPositive() {
		return Params{}, fmt.Errorf("price_step must be positive, got %s", p.PriceStep)
	}
	if !p.PriceStep.Round(p.PriceDecimals).Equal(p.PriceStep) {
		return Params{}, fmt.Errorf("price_step %s is finer than %d price decimals", p.PriceStep, p.PriceDecimals)
	}
	if !p.InitialBuyQty.IsPositive() || !p.SellQty.IsPositive() {
		return Params{}, fmt.Errorf("order quantities must be positive")
	}
	if p.BuyQtyIncrement.IsNegative() || p.UnlockTolerance.IsNegative() {
		return Params{}, fmt.Errorf("increment and tolerance cannot be negative")
	}
	if p.Rungs < 1 {
		return Params{}, fmt.Errorf("rungs must be at least 1, got %d", p.Rungs)
	}
	if p.UnlockAttempts < 1 {
		p.UnlockAttempts = 1
	}
	if p.FundsWarnEvery < 1 {
		p.FundsWarnEvery = 1
	}
	return p, nil
}

// alignDown returns the largest multiple of step not above price.
func (p Params) alignDown(price decimal.Decimal) decimal.Decimal {
	return price.Div(p.PriceStep).Floor().Mul(p.PriceStep)
}

func (p Params) steps(n int) decimal.Decimal {
	return p.PriceStep.Mul(decimal.NewFromInt(int64(n)))
}
