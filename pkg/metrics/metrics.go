package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const NAMESPACE = "fact_relayer"

// Prometheus metrics for transfers and reconciliation
var (
	TransfersInitiatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: NAMESPACE,
			Name:      "transfers_initiated_total",
			Help:      "Total number of transfer records created",
		},
		[]string{"source", "destination", "kind"},
	)

	StatusTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: NAMESPACE,
			Name:      "status_transitions_total",
			Help:      "Total number of persisted transfer status transitions",
		},
		[]string{"status"},
	)

	TransferFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: NAMESPACE,
			Name:      "transfer_failures_total",
			Help:      "Total number of failed transfers by error kind",
		},
		[]string{"kind"},
	)

	FeeFallbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: NAMESPACE,
			Name:      "fee_fallback_total",
			Help:      "Total number of fee quotes served from the configured fallback",
		},
		[]string{"source", "destination"},
	)

	ReconcileAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: NAMESPACE,
			Name:      "reconcile_attempts_total",
			Help:      "Total number of destination reconciliation attempts by outcome",
		},
		[]string{"destination", "outcome"},
	)

	ManualReconciliationTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: NAMESPACE,
			Name:      "manual_reconciliation_total",
			Help:      "Total number of transfers flagged for manual reconciliation",
		},
	)

	ReceiptWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: NAMESPACE,
			Name:      "receipt_wait_duration_seconds",
			Help:      "Time between submission and receipt of source transactions",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"chain"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: NAMESPACE,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"handler", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: NAMESPACE,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"handler", "method"},
	)

	ChainAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: NAMESPACE,
			Name:      "chain_available",
			Help:      "Whether the chain adapter is connected (1) or unavailable (0)",
		},
		[]string{"chain"},
	)
)

var registerOnce sync.Once

// Register registers all Prometheus metrics with the default registry
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(TransfersInitiatedTotal)
		prometheus.MustRegister(StatusTransitionsTotal)
		prometheus.MustRegister(TransferFailuresTotal)
		prometheus.MustRegister(FeeFallbackTotal)
		prometheus.MustRegister(ReconcileAttemptsTotal)
		prometheus.MustRegister(ManualReconciliationTotal)
		prometheus.MustRegister(ReceiptWaitDuration)
		prometheus.MustRegister(HTTPRequestsTotal)
		prometheus.MustRegister(HTTPRequestDuration)
		prometheus.MustRegister(ChainAvailable)
	})
}
