// Package metrics exposes backtest counters through a private Prometheus
// registry. A nil *Recorder discards everything.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records backtest activity.
type Recorder struct {
	registry     *prometheus.Registry
	trades       *prometheus.CounterVec
	unitErrors   *prometheus.CounterVec
	priceSources *prometheus.CounterVec
	retries      *prometheus.CounterVec
	datesDone    prometheus.Counter
	pnl          prometheus.Gauge
	unitLatency  prometheus.Histogram
}

// New creates a Recorder with its own registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		trades: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyedge_trades_total",
				Help: "Simulated trades by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		unitErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyedge_unit_errors_total",
				Help: "Per station-date errors by kind",
			},
			[]string{"kind"},
		),
		priceSources: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyedge_price_lookups_total",
				Help: "Bracket price lookups by source",
			},
			[]string{"source"},
		),
		retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyedge_retries_total",
				Help: "Retried collaborator calls",
			},
			[]string{"operation"},
		),
		datesDone: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "polyedge_dates_completed_total",
				Help: "Backtest dates completed and checkpointed",
			},
		),
		pnl: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "polyedge_realized_pnl_usd",
				Help: "Realized P&L of the last run",
			},
		),
		unitLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "polyedge_unit_duration_seconds",
				Help:    "Duration of one station-date evaluation",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// RecordTrade counts one trade.
func (r *Recorder) RecordTrade(mode, outcome string) {
	if r == nil {
		return
	}
	r.trades.WithLabelValues(mode, outcome).Inc()
}

// RecordUnitError counts one unit error of the given kind.
func (r *Recorder) RecordUnitError(kind string) {
	if r == nil {
		return
	}
	r.unitErrors.WithLabelValues(kind).Inc()
}

// RecordPriceSource counts one price lookup.
func (r *Recorder) RecordPriceSource(source string) {
	if r == nil {
		return
	}
	r.priceSources.WithLabelValues(source).Inc()
}

// RecordRetry counts one retried call.
func (r *Recorder) RecordRetry(op string) {
	if r == nil {
		return
	}
	r.retries.WithLabelValues(op).Inc()
}

// RecordDateDone counts one checkpointed date.
func (r *Recorder) RecordDateDone() {
	if r == nil {
		return
	}
	r.datesDone.Inc()
}

// SetPnL sets the realized P&L gauge.
func (r *Recorder) SetPnL(usd float64) {
	if r == nil {
		return
	}
	r.pnl.Set(usd)
}

// ObserveUnit records the evaluation time of one station-date in seconds.
func (r *Recorder) ObserveUnit(seconds float64) {
	if r == nil {
		return
	}
	r.unitLatency.Observe(seconds)
}

// WriteTextfile writes all metrics in the node exporter textfile format.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.registry)
}
