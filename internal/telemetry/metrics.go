// Package telemetry provides application-level observability for the audit engine.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// automatically available on the side-channel HTTP server started by main.go:
//
//	GET http(s)://<host>:<PPA_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint returns data in the Prometheus text exposition
// format and is intended to be scraped every 15 to 60 seconds. It is NOT served by
// the Gin router, keeping the scrape path off the public ingress and out of the
// rate-limiting middleware.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Event ingestion counters and chain-head conflict retries
//   - Hash chain verification counters, including detected breaks
//   - Anomaly sweep durations, scored-event and flagged-event counters
//   - Classification cache hit/miss/coalesced counters
//   - AI provider call and fallback counters
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /v1/anomalies/:id)
// rather than the raw request URL to prevent unbounded label cardinality.
// Tenant IDs are deliberately NOT used as labels anywhere: a SaaS deployment
// has an unbounded tenant population, and per-tenant series would blow up the
// scrape payload. Per-tenant investigation belongs in logs, not metrics.
package telemetry

import (
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Ingestion metrics.
//
// EventsAppendedTotal is labelled by {mode} ("single" or "batch").
// ChainConflictRetriesTotal counts appends that lost a chain-head race and
// were retried; a sustained rate here means hot tenants are contending on
// their chain head.
//
// Example PromQL queries:
//   - Ingest rate:          sum(rate(audit_events_appended_total[5m]))
//   - Conflict retry ratio: rate(chain_conflict_retries_total[5m]) / rate(audit_events_appended_total[5m])
var (
	EventsAppendedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_events_appended_total",
			Help: "Total number of audit events appended, by ingestion mode.",
		},
		[]string{"mode"},
	)

	ChainConflictRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chain_conflict_retries_total",
			Help: "Total number of append retries caused by concurrent chain-head writes.",
		},
	)
)

// Integrity metrics.
//
// ChainVerificationsTotal is labelled by {trigger} ("read", "sweep") and
// {result} ("intact", "broken"). ANY non-zero broken count is an incident:
//
//	alert: increase(chain_verifications_total{result="broken"}[5m]) > 0
var ChainVerificationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "chain_verifications_total",
		Help: "Total number of hash chain verification runs, by trigger and result.",
	},
	[]string{"trigger", "result"},
)

// Anomaly pipeline metrics.
//
// SweepDuration observes one full sweep cycle across all tenants.
// EventsScoredTotal is labelled by {outcome} ("scored", "flagged", "failed");
// "flagged" is a subset of scored events that crossed the anomaly threshold.
//
// Example PromQL queries:
//   - p95 sweep duration: histogram_quantile(0.95, rate(anomaly_sweep_duration_seconds_bucket[6h]))
//   - Flag rate:          rate(events_scored_total{outcome="flagged"}[1h]) / rate(events_scored_total{outcome="scored"}[1h])
var (
	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "anomaly_sweep_duration_seconds",
			Help:    "Duration of a single anomaly sweep cycle.",
			Buckets: prometheus.DefBuckets,
		},
	)

	EventsScoredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_scored_total",
			Help: "Total number of events processed by the anomaly scorer, by outcome.",
		},
		[]string{"outcome"},
	)

	ModelTrainingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_trainings_total",
			Help: "Total number of model training runs, by result (trained, insufficient_data, failed).",
		},
		[]string{"result"},
	)
)

// Classification cache metrics, labelled by {outcome}: "hit", "miss", or
// "coalesced" (caller piggy-backed on an in-flight computation).
var CacheRequestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "classification_cache_requests_total",
		Help: "Total number of classification cache lookups, by outcome.",
	},
	[]string{"outcome"},
)

// External dependency metrics.
//
// AIProviderCallsTotal is labelled by {operation} ("embedding", "completion")
// and {result} ("ok", "fallback"). AlertNotificationsTotal is labelled by
// {result} ("ok", "failed") and counts attempts to invoke the integration
// notify hook.
var (
	AIProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_provider_calls_total",
			Help: "Total number of AI provider calls, by operation and result.",
		},
		[]string{"operation", "result"},
	)

	AlertNotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_notifications_total",
			Help: "Total number of alert notification attempts, by result.",
		},
		[]string{"result"},
	)
)

// DBOpenConnections tracks the number of open connections currently held by
// the connection pool. Sampled every 30 seconds by StartDBStatsCollector
// rather than per-request to avoid the overhead of sql.DB.Stats().
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples the
// connection pool every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits cleanly when the database becomes unreachable, which
// happens automatically when the application shuts down and defers db.Close().
//
// Call this once, immediately after db.Connect() succeeds in main.go.
func StartDBStatsCollector(db *sqlx.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
