// Package metrics declares the Prometheus series the bot updates. They are
// registered in init and served on /metrics by the health server.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_orders_total",
			Help: "Orders placed",
		},
		[]string{"mode", "side"}, // mode: paper|live
	)

	OrderErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_order_errors_total",
			Help: "Orders that failed or were rejected locally",
		},
		[]string{"side", "reason"},
	)

	Exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_exit_reasons_total",
			Help: "Position exits split by reason and side",
		},
		[]string{"reason", "side"},
	)

	ExchangeRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_exchange_retries_total",
			Help: "Exchange calls retried by the retry policy",
		},
		[]string{"op", "kind"},
	)

	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_decisions_total",
			Help: "Strategy signals acted upon",
		},
		[]string{"signal"},
	)

	CycleErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_cycle_errors_total",
			Help: "Trading cycles that ended with an error",
		},
	)

	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_open_positions",
			Help: "Open positions held by the portfolio",
		},
	)

	QuoteBalance = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_quote_balance",
			Help: "Quote currency balance",
		},
	)

	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bot_cycle_duration_seconds",
			Help:    "Duration of one trading cycle",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		Orders,
		OrderErrors,
		Exits,
		ExchangeRetries,
		Decisions,
		CycleErrors,
		OpenPositions,
		QuoteBalance,
		CycleDuration,
	)
}
