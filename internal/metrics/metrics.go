// Package metrics holds the Prometheus collectors for the grid bot.
//
//   - grid_orders_placed_total{side,mode}  orders sent (mode: live|dry_run)
//   - grid_fills_total{side}               tracked orders observed FILLED
//   - grid_cycles_total{outcome}           reconciliation outcomes
//   - grid_reference_price                 reference price of the committed ladder
//   - grid_tracked_rungs{side}             ids carried into the next cycle
//   - grid_loop_state{state}               1 for the current poll loop state
//   - grid_backoffs_total{reason}          loop backoffs by reason
//
// Collectors are registered with the default registry in init() and served at
// /metrics by the status server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

var (
	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_orders_placed_total",
			Help: "Limit orders placed",
		},
		[]string{"side", "mode"},
	)

	Fills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_fills_total",
			Help: "Tracked orders observed filled",
		},
		[]string{"side"},
	)

	Cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_cycles_total",
			Help: "Reconciliation cycles by outcome",
		},
		[]string{"outcome"},
	)

	ReferencePrice = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "grid_reference_price",
			Help: "Reference price of the committed ladder",
		},
	)

	TrackedRungs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "grid_tracked_rungs",
			Help: "Order ids tracked in the ladder",
		},
		[]string{"side"},
	)

	// One series per state, flipped between 0 and 1.
	LoopState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "grid_loop_state",
			Help: "Poll loop state indicator",
		},
		[]string{"state"},
	)

	Backoffs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_backoffs_total",
			Help: "Poll loop backoffs by reason",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(OrdersPlaced, Fills, Cycles, ReferencePrice, TrackedRungs, LoopState, Backoffs)
}

// SetLadder publishes the shape of the ladder carried into the next cycle.
func SetLadder(buys, sells int, ref decimal.Decimal) {
	TrackedRungs.WithLabelValues("buy").Set(float64(buys))
	TrackedRungs.WithLabelValues("sell").Set(float64(sells))
	ReferencePrice.Set(ref.InexactFloat64())
}

// SetLoopState marks state as current and clears the others.
func SetLoopState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		LoopState.WithLabelValues(s).Set(v)
	}
}
