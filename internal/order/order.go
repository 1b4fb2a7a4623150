// Package order
package order

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Status is the exchange-reported lifecycle state of an order.
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusFilled   Status = "FILLED"
	StatusCanceled Status = "CANCELED"
)

// Request represents a new limit order to be submitted.
type Request struct {
	Symbol   string
	Side     Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Order represents an order as reported by the exchange.
type Order struct {
	OrderID     string
	Symbol      string
	Side        Side
	Status      Status
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	ExecutedQty decimal.Decimal
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsFilled reports whether the order reached the FILLED terminal state.
func (o Order) IsFilled() bool {
	return o.Status == StatusFilled
}

// FilledQty returns the executed quantity, falling back to the original
// quantity when the exchange did not report one.
func (o Order) FilledQty() decimal.Decimal {
	if o.ExecutedQty.IsPositive() {
		return o.ExecutedQty
	}
	return o.Quantity
}

// Newer reports whether o happened after other. Equal timestamps are broken
// by the higher order id so the choice is deterministic.
func (o Order) Newer(other Order) bool {
	if !o.UpdatedAt.Equal(other.UpdatedAt) {
		return o.UpdatedAt.After(other.UpdatedAt)
	}
	return CompareIDs(o.OrderID, other.OrderID) > 0
}

// CompareIDs orders ids numerically when both are integers and
// lexicographically otherwise.
func CompareIDs(a, b string) int {
	ai, aErr := strconv.ParseInt(a, 10, 64)
	bi, bErr := strconv.ParseInt(b, 10, 64)
	if aErr == nil && bErr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
