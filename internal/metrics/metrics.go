// Package metrics declares the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TrackingEvents counts accepted pixel calls by endpoint type
	TrackingEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clickshield_tracking_events_total",
			Help: "Tracking events accepted, by type",
		},
		[]string{"type"},
	)

	// TrackingErrors counts pixel calls that failed to persist
	TrackingErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clickshield_tracking_errors_total",
			Help: "Tracking events that could not be stored, by type",
		},
		[]string{"type"},
	)

	// FraudSignals counts persisted fraud signals by kind
	FraudSignals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clickshield_fraud_signals_total",
			Help: "Fraud signals recorded, by kind",
		},
		[]string{"kind"},
	)

	// FraudCheckErrors counts scoring failures swallowed at the ingestion boundary
	FraudCheckErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clickshield_fraud_check_errors_total",
			Help: "Fraud scoring errors, by stage",
		},
		[]string{"stage"},
	)

	// IPBlocks counts block creations and reactivations
	IPBlocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clickshield_ip_blocks_total",
			Help: "IP blocks created or reactivated, by reason",
		},
		[]string{"reason"},
	)

	ReputationLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clickshield_reputation_lookups_total",
			Help: "IP reputation lookups, by provider and result",
		},
		[]string{"provider", "result"},
	)

	ReputationLookupDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clickshield_reputation_lookup_duration_seconds",
			Help:    "Latency of uncached IP reputation lookups",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	AdSyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clickshield_adsync_runs_total",
			Help: "Per-account exclusion sync attempts, by status",
		},
		[]string{"status"},
	)

	DeferredJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clickshield_deferred_jobs_total",
			Help: "Deferred fraud analysis jobs, by result",
		},
		[]string{"result"},
	)

	// GoogleAdsRequests counts Google Ads API calls by result
	GoogleAdsRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clickshield_googleads_requests_total",
			Help: "Google Ads API requests, by result",
		},
		[]string{"result"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clickshield_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	// MaintenanceRows counts rows touched by the cleanup job
	MaintenanceRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clickshield_maintenance_rows_total",
			Help: "Rows pruned or expired by maintenance, by kind",
		},
		[]string{"kind"},
	)

	BlockNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clickshield_block_notifications_total",
			Help: "Block events published, by result",
		},
		[]string{"result"},
	)
)
