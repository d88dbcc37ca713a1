// Package metrics exposes the Prometheus collectors used across the
// control plane: order submission outcomes, reconciliation discrepancies,
// and connection manager / circuit breaker state.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type submissionMetrics struct {
	submitted     *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	tokenFailures *prometheus.CounterVec
}

var (
	submissionOnce sync.Once
	submissionReg  *submissionMetrics

	reconcileOnce sync.Once
	reconcileReg  *reconcileMetrics

	connOnce sync.Once
	connReg  *connMetrics
)

// Submission returns the lazily-initialised order submission metrics.
func Submission() *submissionMetrics {
	submissionOnce.Do(func() {
		submissionReg = &submissionMetrics{
			submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tradectl",
				Subsystem: "submission",
				Name:      "orders_total",
				Help:      "Count of order submissions segmented by terminal outcome.",
			}, []string{"outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "tradectl",
				Subsystem: "submission",
				Name:      "broker_call_seconds",
				Help:      "Latency of the broker submit_order round trip.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"outcome"}),
			tokenFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tradectl",
				Subsystem: "submission",
				Name:      "token_failures_total",
				Help:      "Count of approval token validation/consumption failures.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(submissionReg.submitted, submissionReg.latency, submissionReg.tokenFailures)
	})
	return submissionReg
}

// RecordOutcome records a terminal order outcome and the broker call latency.
func (m *submissionMetrics) RecordOutcome(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	outcome = normalize(outcome)
	m.submitted.WithLabelValues(outcome).Inc()
	m.latency.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordTokenFailure increments the token-failure counter for a reason.
func (m *submissionMetrics) RecordTokenFailure(reason string) {
	if m == nil {
		return
	}
	m.tokenFailures.WithLabelValues(normalize(reason)).Inc()
}

type reconcileMetrics struct {
	discrepancies *prometheus.CounterVec
	duration      prometheus.Histogram
	critical      prometheus.Gauge
}

// Reconciliation returns the lazily-initialised reconciliation metrics.
func Reconciliation() *reconcileMetrics {
	reconcileOnce.Do(func() {
		reconcileReg = &reconcileMetrics{
			discrepancies: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tradectl",
				Subsystem: "reconcile",
				Name:      "discrepancies_total",
				Help:      "Count of reconciliation discrepancies segmented by kind and severity.",
			}, []string{"kind", "severity"}),
			duration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "tradectl",
				Subsystem: "reconcile",
				Name:      "run_duration_seconds",
				Help:      "Wall-clock duration of a reconciliation pass.",
				Buckets:   prometheus.DefBuckets,
			}),
			critical: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "tradectl",
				Subsystem: "reconcile",
				Name:      "has_critical",
				Help:      "1 if the most recent reconciliation pass found a CRITICAL discrepancy.",
			}),
		}
		prometheus.MustRegister(reconcileReg.discrepancies, reconcileReg.duration, reconcileReg.critical)
	})
	return reconcileReg
}

// RecordDiscrepancy increments the discrepancy counter for a kind/severity pair.
func (m *reconcileMetrics) RecordDiscrepancy(kind, severity string) {
	if m == nil {
		return
	}
	m.discrepancies.WithLabelValues(normalize(kind), normalize(severity)).Inc()
}

// RecordRun records the duration and critical flag of a completed pass.
func (m *reconcileMetrics) RecordRun(d time.Duration, hasCritical bool) {
	if m == nil {
		return
	}
	m.duration.Observe(d.Seconds())
	if hasCritical {
		m.critical.Set(1)
		return
	}
	m.critical.Set(0)
}

type connMetrics struct {
	state      *prometheus.GaugeVec
	circuit    *prometheus.GaugeVec
	reconnects *prometheus.CounterVec
}

// Connection returns the lazily-initialised connection manager metrics.
func Connection() *connMetrics {
	connOnce.Do(func() {
		connReg = &connMetrics{
			state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "tradectl",
				Subsystem: "broker_conn",
				Name:      "state",
				Help:      "1 for the currently active connection manager state, 0 otherwise.",
			}, []string{"state"}),
			circuit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "tradectl",
				Subsystem: "broker_conn",
				Name:      "circuit_state",
				Help:      "1 for the currently active circuit breaker state, 0 otherwise.",
			}, []string{"state"}),
			reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tradectl",
				Subsystem: "broker_conn",
				Name:      "reconnect_attempts_total",
				Help:      "Count of reconnect attempts segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(connReg.state, connReg.circuit, connReg.reconnects)
	})
	return connReg
}

var connStates = []string{"disconnected", "connecting", "connected", "reconnecting", "failed", "circuit_open"}
var circuitStates = []string{"closed", "open", "half_open"}

// SetState marks the active connection manager state, zeroing the rest.
func (m *connMetrics) SetState(state string) {
	if m == nil {
		return
	}
	state = normalize(state)
	for _, s := range connStates {
		if s == state {
			m.state.WithLabelValues(s).Set(1)
		} else {
			m.state.WithLabelValues(s).Set(0)
		}
	}
}

// SetCircuitState marks the active circuit breaker state, zeroing the rest.
func (m *connMetrics) SetCircuitState(state string) {
	if m == nil {
		return
	}
	state = normalize(state)
	for _, s := range circuitStates {
		if s == state {
			m.circuit.WithLabelValues(s).Set(1)
		} else {
			m.circuit.WithLabelValues(s).Set(0)
		}
	}
}

// RecordReconnect increments the reconnect attempt counter for an outcome.
func (m *connMetrics) RecordReconnect(outcome string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(normalize(outcome)).Inc()
}

func normalize(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return "unspecified"
	}
	return s
}
