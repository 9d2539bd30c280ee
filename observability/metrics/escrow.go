package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type EscrowMetrics struct {
	operations  *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	deposited   prometheus.Counter
	paidOut     prometheus.Counter
	residual    prometheus.Counter
	settlements prometheus.Counter
	events      *prometheus.CounterVec
}

var (
	escrowOnce     sync.Once
	escrowRegistry *EscrowMetrics
)

// Escrow returns the process-wide escrow metrics, registering them with the
// default Prometheus registry on first use.
func Escrow() *EscrowMetrics {
	escrowOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_operations_total",
				Help: "Ledger operations segmented by kind and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "escrow_operation_duration_seconds",
				Help:    "Time spent applying and committing one ledger operation.",
				Buckets: prometheus.DefBuckets,
			}, []string{"operation"}),
			deposited: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_deposited_units_total",
				Help: "Minor units accepted into escrow vaults.",
			}),
			paidOut: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_paid_out_units_total",
				Help: "Minor units paid from vaults to winners.",
			}),
			residual: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_residual_units_total",
				Help: "Rounding remainder left in vaults after settlement.",
			}),
			settlements: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_settlements_total",
				Help: "Escrows closed.",
			}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_events_total",
				Help: "Committed ledger events by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(
			escrowRegistry.operations,
			escrowRegistry.latency,
			escrowRegistry.deposited,
			escrowRegistry.paidOut,
			escrowRegistry.residual,
			escrowRegistry.settlements,
			escrowRegistry.events,
		)
	})
	return escrowRegistry
}

// ObserveOperation records one ledger operation. A nil error counts as success.
func (m *EscrowMetrics) ObserveOperation(operation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *EscrowMetrics) RecordDeposit(amount uint64) {
	if m == nil {
		return
	}
	m.deposited.Add(float64(amount))
}

func (m *EscrowMetrics) RecordSettlement(paid, residual uint64) {
	if m == nil {
		return
	}
	m.settlements.Inc()
	m.paidOut.Add(float64(paid))
	m.residual.Add(float64(residual))
}

func (m *EscrowMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	m.events.WithLabelValues(eventType).Inc()
}
