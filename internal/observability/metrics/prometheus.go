// Package metrics provides Prometheus metrics for the prescription workflow.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Transitions           *prometheus.CounterVec
	IndexWriteFailures    *prometheus.CounterVec
	ReadRepairs           prometheus.Counter
	Reconciled            *prometheus.CounterVec
	JournalDepth          prometheus.Gauge
	LedgerDuration        *prometheus.HistogramVec
	ContentDuration       *prometheus.HistogramVec
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
	registry              prometheus.Gatherer
}

// New creates all metrics and registers them on reg. A nil reg gets a fresh
// private registry, which keeps tests from colliding on the global one.
func New(reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	m := &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescription_transitions_total",
			Help: "Prescription lifecycle operations by action and outcome",
		}, []string{"action", "outcome"}),
		IndexWriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "index_write_failures_total",
			Help: "Index projections that failed after a successful ledger write",
		}, []string{"table"}),
		ReadRepairs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "index_read_repairs_total",
			Help: "Index rows rewritten from ledger truth while listing",
		}),
		Reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "index_reconciled_total",
			Help: "Journal entries processed by the reconciler",
		}, []string{"kind", "outcome"}),
		JournalDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "divergence_journal_depth",
			Help: "Unreconciled entries in the divergence journal",
		}),
		LedgerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_call_duration_seconds",
			Help:    "Ledger call latency by method",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"method", "outcome"}),
		ContentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "content_store_duration_seconds",
			Help:    "Content store latency by operation",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"op", "outcome"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		registry: gatherer,
	}

	reg.MustRegister(
		m.Transitions,
		m.IndexWriteFailures,
		m.ReadRepairs,
		m.Reconciled,
		m.JournalDepth,
		m.LedgerDuration,
		m.ContentDuration,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveTransition counts one orchestrator operation
func (m *Metrics) ObserveTransition(action string, err error) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(action, outcome(err)).Inc()
}

// IndexWriteFailed counts a failed projection into table
func (m *Metrics) IndexWriteFailed(table string) {
	if m == nil {
		return
	}
	m.IndexWriteFailures.WithLabelValues(table).Inc()
}

// ReadRepaired counts one row rewritten during a list
func (m *Metrics) ReadRepaired() {
	if m == nil {
		return
	}
	m.ReadRepairs.Inc()
}

// ObserveReconcile counts one journal entry processed by the reconciler
func (m *Metrics) ObserveReconcile(kind string, err error) {
	if m == nil {
		return
	}
	m.Reconciled.WithLabelValues(kind, outcome(err)).Inc()
}

// SetJournalDepth records the number of pending divergences
func (m *Metrics) SetJournalDepth(n int) {
	if m == nil {
		return
	}
	m.JournalDepth.Set(float64(n))
}

// ObserveLedger records one ledger call
func (m *Metrics) ObserveLedger(method string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.LedgerDuration.WithLabelValues(method, outcome(err)).Observe(time.Since(start).Seconds())
}

// ObserveContent records one content store call
func (m *Metrics) ObserveContent(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.ContentDuration.WithLabelValues(op, outcome(err)).Observe(time.Since(start).Seconds())
}

// Produced counts Kafka records written
func (m *Metrics) Produced(n int) {
	if m == nil {
		return
	}
	m.KafkaMessagesProduced.Add(float64(n))
}

// Consumed counts Kafka records read
func (m *Metrics) Consumed(n int) {
	if m == nil {
		return
	}
	m.KafkaMessagesConsumed.Add(float64(n))
}

// SetOutboxPending records the outbox backlog
func (m *Metrics) SetOutboxPending(n int64) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// SetBreakerState records a circuit breaker state change
func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// Handler returns the Prometheus HTTP handler for the registry the metrics
// were registered on
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
