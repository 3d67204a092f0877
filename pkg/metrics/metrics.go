package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OrdersFilled counts orders executed by the matching engine, by side.
var OrdersFilled = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "evosim_orders_filled_total",
		Help: "Total number of orders filled (fully or partially) by the matching engine",
	},
	[]string{"side"},
)

// FillNotional accumulates the executed notional across all fills.
var FillNotional = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "evosim_fill_notional_total",
		Help: "Cumulative executed notional across all fills",
	},
)

// TradesRecorded counts trade records committed to the ledger pair.
var TradesRecorded = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "evosim_trades_recorded_total",
		Help: "Total number of trade records committed to private and public ledgers",
	},
)

// PopulationSize tracks the number of agents per lifecycle state.
var PopulationSize = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "evosim_population_size",
		Help: "Number of agents by lifecycle state",
	},
	[]string{"state"},
)

// LifecycleEvents counts lifecycle transitions by kind (bred, eliminated, retired).
var LifecycleEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "evosim_lifecycle_events_total",
		Help: "Total lifecycle events by kind",
	},
	[]string{"kind"},
)

// Capital pool gauges
var (
	PoolInvested = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "evosim_pool_invested",
			Help: "Total capital ever invested into the pool",
		},
	)

	PoolAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "evosim_pool_available",
			Help: "Capital currently available in the pool",
		},
	)

	PoolReclaimed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "evosim_pool_reclaimed",
			Help: "Total capital reclaimed into the pool",
		},
	)
)

// ReconciliationFailures counts conservation reconciliations that exceeded tolerance.
var ReconciliationFailures = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "evosim_reconciliation_failures_total",
		Help: "Total conservation reconciliation checks that failed",
	},
)

// Handler serves the registered collectors for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

func init() {
	prometheus.MustRegister(OrdersFilled, FillNotional, TradesRecorded)
	prometheus.MustRegister(PopulationSize, LifecycleEvents)
	prometheus.MustRegister(PoolInvested, PoolAvailable, PoolReclaimed)
	prometheus.MustRegister(ReconciliationFailures)
}
