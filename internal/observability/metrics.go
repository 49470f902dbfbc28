// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Settlement metrics
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	StakedLamports    *prometheus.CounterVec
	PaidOutLamports   *prometheus.CounterVec
	MarketsByStatus   *prometheus.CounterVec

	// Event fan-out metrics
	EventsPublished   *prometheus.CounterVec
	EventPublishError *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// Reconciliation metrics
	VaultDriftLamports *prometheus.GaugeVec

	// Cache metrics, set by RegisterCacheHitRatio
	CacheHitRatio prometheus.GaugeFunc

	namespace string
	factory   promauto.Factory
}

// NewMetrics creates a new Metrics instance registered with reg.
// A nil reg registers with the default Prometheus registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "predict_duel"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		namespace: namespace,
		factory:   factory,

		OperationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "operations_total",
			Help:      "Total number of settlement operations by result code",
		}, []string{"operation", "result"}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "operation_duration_seconds",
			Help:      "Settlement operation latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		StakedLamports: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "staked_lamports_total",
			Help:      "Total lamports staked by side",
		}, []string{"side"}),
		PaidOutLamports: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "paid_out_lamports_total",
			Help:      "Total lamports paid out of escrow by kind (payout, refund)",
		}, []string{"kind"}),
		MarketsByStatus: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "market_transitions_total",
			Help:      "Total number of market lifecycle transitions by target status",
		}, []string{"status"}),

		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Total number of settlement events delivered by sink",
		}, []string{"sink"}),
		EventPublishError: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "publish_errors_total",
			Help:      "Total number of failed event deliveries by sink",
		}, []string{"sink"}),

		DBQueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		VaultDriftLamports: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "vault_drift_lamports",
			Help:      "On-chain vault lamports minus ledger lamports",
		}, []string{"vault"}),
	}
}

// RegisterCacheHitRatio exports ratio as the market cache hit ratio gauge.
// Call it once per Metrics.
func (m *Metrics) RegisterCacheHitRatio(ratio func() float64) {
	if m == nil {
		return
	}
	m.CacheHitRatio = m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: "cache",
		Name:      "market_hit_ratio",
		Help:      "Market snapshot cache hit ratio since start",
	}, ratio)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordOperation records the result and latency of a settlement operation.
func (m *Metrics) RecordOperation(operation, result string, seconds float64) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(operation, result).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordStake adds a stake to the per-side counter.
func (m *Metrics) RecordStake(side string, lamports uint64) {
	if m == nil {
		return
	}
	m.StakedLamports.WithLabelValues(side).Add(float64(lamports))
}

// RecordPaidOut adds an escrow withdrawal.
func (m *Metrics) RecordPaidOut(kind string, lamports uint64) {
	if m == nil {
		return
	}
	m.PaidOutLamports.WithLabelValues(kind).Add(float64(lamports))
}

// RecordTransition counts a market entering status.
func (m *Metrics) RecordTransition(status string) {
	if m == nil {
		return
	}
	m.MarketsByStatus.WithLabelValues(status).Inc()
}

// RecordPublish records an event sink delivery.
func (m *Metrics) RecordPublish(sink string, count int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.EventPublishError.WithLabelValues(sink).Inc()
		return
	}
	m.EventsPublished.WithLabelValues(sink).Add(float64(count))
}

// RecordDBQuery records database query metrics.
func (m *Metrics) RecordDBQuery(database, operation string, seconds float64, err error) {
	if m == nil {
		return
	}
	m.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		m.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}

// SetVaultDrift records the reconciliation drift of one vault.
func (m *Metrics) SetVaultDrift(vault string, drift float64) {
	if m == nil {
		return
	}
	m.VaultDriftLamports.WithLabelValues(vault).Set(drift)
}
