// Package metrics exposes Prometheus collectors for a grid run.
package metrics

import (
	"net/http"
	"time"

	"gridbot/ledger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Metrics holds the Prometheus metrics of the engine
type Metrics struct {
	EventsTotal     prometheus.Counter
	EventDur        prometheus.Histogram
	OrdersSubmitted *prometheus.CounterVec // labels: side
	SubmitFailures  *prometheus.CounterVec // labels: reason
	FillsTotal      *prometheus.CounterVec // labels: side
	FilledQty       *prometheus.CounterVec // labels: side
	DegradedLevels  prometheus.Counter

	Equity   prometheus.Gauge
	Price    prometheus.Gauge
	Base     prometheus.Gauge
	Quote    prometheus.Gauge
	RunState *prometheus.GaugeVec // labels: state, risk; 1 for the current pair

	registry *prometheus.Registry
	state    [2]string
}

// New creates the collectors on a dedicated registry
func New() *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridbot_events_total",
			Help: "Total events processed by the engine",
		}),
		EventDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gridbot_event_duration_seconds",
			Help:    "Engine processing latency per event",
			Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1, 10},
		}),
		OrdersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridbot_orders_submitted_total",
			Help: "Orders accepted by the execution port",
		}, []string{"side"}),
		SubmitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridbot_submit_failures_total",
			Help: "Failed order submissions by reason",
		}, []string{"reason"}),
		FillsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridbot_fills_total",
			Help: "Fills applied to the ledger",
		}, []string{"side"}),
		FilledQty: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridbot_filled_quantity_total",
			Help: "Base quantity filled",
		}, []string{"side"}),
		DegradedLevels: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridbot_degraded_levels_total",
			Help: "Levels marked degraded after exhausting retries",
		}),
		Equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gridbot_equity",
			Help: "Quote-equivalent equity at the last price",
		}),
		Price: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gridbot_price",
			Help: "Last observed price",
		}),
		Base: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gridbot_base_balance",
			Help: "Base asset held",
		}),
		Quote: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gridbot_quote_balance",
			Help: "Quote asset held",
		}),
		RunState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gridbot_run_state",
			Help: "Current run and risk state (1 = active)",
		}, []string{"state", "risk"}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.EventsTotal, m.EventDur,
		m.OrdersSubmitted, m.SubmitFailures,
		m.FillsTotal, m.FilledQty, m.DegradedLevels,
		m.Equity, m.Price, m.Base, m.Quote, m.RunState,
	)
	return m
}

// Registry the registry holding the collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collectors in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) EventProcessed(d time.Duration) {
	m.EventsTotal.Inc()
	m.EventDur.Observe(d.Seconds())
}

func (m *Metrics) OrderSubmitted(side string) {
	m.OrdersSubmitted.WithLabelValues(side).Inc()
}

func (m *Metrics) SubmitFailed(reason string) {
	m.SubmitFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) FillApplied(side string, qty decimal.Decimal) {
	m.FillsTotal.WithLabelValues(side).Inc()
	m.FilledQty.WithLabelValues(side).Add(qty.InexactFloat64())
}

func (m *Metrics) LevelDegraded() {
	m.DegradedLevels.Inc()
}

func (m *Metrics) Snapshot(s ledger.EquitySnapshot) {
	m.Equity.Set(s.Equity.InexactFloat64())
	m.Price.Set(s.Price.InexactFloat64())
	m.Base.Set(s.Base.InexactFloat64())
	m.Quote.Set(s.Quote.InexactFloat64())
}

// StateChanged moves the state gauge to the new (state, risk) pair
func (m *Metrics) StateChanged(state, risk string) {
	if m.state[0] != "" {
		m.RunState.WithLabelValues(m.state[0], m.state[1]).Set(0)
	}
	m.state = [2]string{state, risk}
	m.RunState.WithLabelValues(state, risk).Set(1)
}
