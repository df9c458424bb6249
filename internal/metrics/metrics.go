// Package metrics exposes the trader's prometheus collectors. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trader"

type Metrics struct {
	registry *prometheus.Registry

	ordersSubmitted prometheus.Counter
	riskDecisions   *prometheus.CounterVec
	fillsRecorded   prometheus.Counter
	fillsDuplicate  prometheus.Counter
	fillsMalformed  prometheus.Counter
	halts           *prometheus.CounterVec
	discrepancies   *prometheus.CounterVec
	position        *prometheus.GaugeVec
	pnl             *prometheus.GaugeVec
	brokerCalls     *prometheus.HistogramVec
	brokerErrors    *prometheus.CounterVec
}

// New registers every collector on a private registry, plus the Go runtime
// and process collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ordersSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_submitted_total",
			Help:      "Orders accepted by the broker",
		}),
		riskDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_decisions_total",
			Help:      "Risk guard decisions by action and reason",
		}, []string{"action", "reason"}),
		fillsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fills_recorded_total",
			Help:      "Fills persisted and applied to the ledger",
		}),
		fillsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fills_duplicate_total",
			Help:      "Fills skipped because the exec id was already recorded",
		}),
		fillsMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fills_malformed_total",
			Help:      "Fills rejected as malformed",
		}),
		halts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "halts_total",
			Help:      "Session halts by reason",
		}, []string{"reason"}),
		discrepancies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_discrepancies_total",
			Help:      "Reconciliation discrepancies by kind",
		}, []string{"kind"}),
		position: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "position",
			Help:      "Ledger position in contracts",
		}, []string{"symbol"}),
		pnl: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pnl_usd",
			Help:      "Ledger PnL in USD by kind (realized, unrealized, commissions)",
		}, []string{"symbol", "kind"}),
		brokerCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broker_call_seconds",
			Help:      "Broker call latency",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
		brokerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_call_errors_total",
			Help:      "Broker calls that returned an error",
		}, []string{"op"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ordersSubmitted,
		m.riskDecisions,
		m.fillsRecorded,
		m.fillsDuplicate,
		m.fillsMalformed,
		m.halts,
		m.discrepancies,
		m.position,
		m.pnl,
		m.brokerCalls,
		m.brokerErrors,
	)
	return m
}

// Handler serves the registry in the prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) OrderSubmitted() {
	if m == nil {
		return
	}
	m.ordersSubmitted.Inc()
}

func (m *Metrics) RiskDecision(action, reason string) {
	if m == nil {
		return
	}
	m.riskDecisions.WithLabelValues(action, reason).Inc()
}

func (m *Metrics) FillRecorded() {
	if m == nil {
		return
	}
	m.fillsRecorded.Inc()
}

func (m *Metrics) FillDuplicate() {
	if m == nil {
		return
	}
	m.fillsDuplicate.Inc()
}

func (m *Metrics) FillMalformed() {
	if m == nil {
		return
	}
	m.fillsMalformed.Inc()
}

func (m *Metrics) Halt(reason string) {
	if m == nil {
		return
	}
	m.halts.WithLabelValues(reason).Inc()
}

func (m *Metrics) Discrepancy(kind string) {
	if m == nil {
		return
	}
	m.discrepancies.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetPosition(symbol string, qty int64) {
	if m == nil {
		return
	}
	m.position.WithLabelValues(symbol).Set(float64(qty))
}

func (m *Metrics) SetPnL(symbol string, realized, unrealized, commissions float64) {
	if m == nil {
		return
	}
	m.pnl.WithLabelValues(symbol, "realized").Set(realized)
	m.pnl.WithLabelValues(symbol, "unrealized").Set(unrealized)
	m.pnl.WithLabelValues(symbol, "commissions").Set(commissions)
}

// ObserveBrokerCall matches broker.Observer
func (m *Metrics) ObserveBrokerCall(op string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.brokerCalls.WithLabelValues(op).Observe(elapsed.Seconds())
	if err != nil {
		m.brokerErrors.WithLabelValues(op).Inc()
	}
}
