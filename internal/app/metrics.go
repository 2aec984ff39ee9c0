package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/transfa/escrow-service/internal/domain"
)

// Metrics counts engine activity. A nil *Metrics records nothing.
type Metrics struct {
	transitions         *prometheus.CounterVec
	ledgerOps           *prometheus.CounterVec
	lockBusy            prometheus.Counter
	consistencyFailures prometheus.Counter
	sinkFailures        *prometheus.CounterVec
	rateLimited         prometheus.Counter
}

// NewMetrics registers the engine's collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "order_transitions_total",
			Help:      "Committed order transitions by event.",
		}, []string{"event", "to"}),
		ledgerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "ledger_operations_total",
			Help:      "Ledger primitives applied, by operation and category.",
		}, []string{"op", "category"}),
		lockBusy: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "lock_busy_total",
			Help:      "Operations rejected because a lock wait elapsed.",
		}),
		consistencyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "consistency_failures_total",
			Help:      "Broken ledger or order invariants.",
		}),
		sinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "sink_failures_total",
			Help:      "Audit and notification deliveries that failed after commit.",
		}, []string{"kind"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "grab_rate_limited_total",
			Help:      "Grab attempts rejected by the throttle.",
		}),
	}
	reg.MustRegister(m.transitions, m.ledgerOps, m.lockBusy, m.consistencyFailures, m.sinkFailures, m.rateLimited)
	return m
}

func (m *Metrics) transition(event domain.OrderEvent, to domain.OrderStatus) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(event), string(to)).Inc()
}

func (m *Metrics) ledgerOp(op string, category domain.FlowCategory) {
	if m == nil {
		return
	}
	m.ledgerOps.WithLabelValues(op, string(category)).Inc()
}

func (m *Metrics) busy() {
	if m == nil {
		return
	}
	m.lockBusy.Inc()
}

func (m *Metrics) consistencyFailure() {
	if m == nil {
		return
	}
	m.consistencyFailures.Inc()
}

func (m *Metrics) sinkFailure(kind string) {
	if m == nil {
		return
	}
	m.sinkFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) throttled() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
