// Package state holds the ladder carried between reconciliation cycles.
package state

import (
	"fmt"
	"slices"

	"github.com/shopspring/decimal"
)

// Ladder is the tracked set of resting grid orders plus the reference price
// they were computed from. It is a value: cycles receive one and return the
// next one, nothing mutates it in place.
type Ladder struct {
	BuyOrderIDs    []string        `json:"buy_order_ids"`
	SellOrderIDs   []string        `json:"sell_order_ids"`
	ReferencePrice decimal.Decimal `json:"reference_price"`

	// FundsWarnStreak counts consecutive cycles whose buy side ran out of
	// quote balance. Used to throttle funds warnings.
	FundsWarnStreak int `json:"funds_warn_streak"`
}

// Empty returns a ladder with nothing tracked.
func Empty() Ladder {
	return Ladder{ReferencePrice: decimal.Zero}
}

// HasBuys reports whether any buy rung is tracked.
func (l Ladder) HasBuys() bool { return len(l.BuyOrderIDs) > 0 }

// HasSells reports whether any sell rung is tracked.
func (l Ladder) HasSells() bool { return len(l.SellOrderIDs) > 0 }

// IsEmpty reports whether neither side is tracked.
func (l Ladder) IsEmpty() bool { return !l.HasBuys() && !l.HasSells() }

// Tracked returns every tracked id, buys first, in placement order.
func (l Ladder) Tracked() []string {
	out := make([]string, 0, len(l.BuyOrderIDs)+len(l.SellOrderIDs))
	out = append(out, l.BuyOrderIDs...)
	out = append(out, l.SellOrderIDs...)
	return out
}

// Missing returns the tracked ids that are not in open, preserving order.
func (l Ladder) Missing(open []string) []string {
	openSet := make(map[string]struct{}, len(open))
	for _, id := range open {
		openSet[id] = struct{}{}
	}
	var out []string
	for _, id := range l.Tracked() {
		if _, ok := openSet[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// IsBuy reports whether id is tracked on the buy side.
func (l Ladder) IsBuy(id string) bool {
	return slices.Contains(l.BuyOrderIDs, id)
}

// Clone returns a deep copy.
func (l Ladder) Clone() Ladder {
	return Ladder{
		BuyOrderIDs:     slices.Clone(l.BuyOrderIDs),
		SellOrderIDs:    slices.Clone(l.SellOrderIDs),
		ReferencePrice:  l.ReferencePrice,
		FundsWarnStreak: l.FundsWarnStreak,
	}
}

// Validate checks the ladder invariants for a grid of rungs levels spaced by step.
func (l Ladder) Validate(rungs int, step decimal.Decimal) error {
	if len(l.BuyOrderIDs) > rungs {
		return fmt.Errorf("ladder tracks %d buy orders, max %d", len(l.BuyOrderIDs), rungs)
	}
	if len(l.SellOrderIDs) > rungs {
		return fmt.Errorf("ladder tracks %d sell orders, max %d", len(l.SellOrderIDs), rungs)
	}
	if step.IsPositive() && !l.ReferencePrice.Mod(step).IsZero() {
		return fmt.Errorf("reference price %s is not a multiple of step %s", l.ReferencePrice, step)
	}
	return nil
}
