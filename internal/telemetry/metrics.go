// Package telemetry provides application-level observability for VeriTrail.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// automatically available on the side-channel HTTP server started by main.go:
//
//	GET http(s)://<host>:<VTR_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090.  The endpoint returns data in the Prometheus text exposition
// format and is intended to be scraped by a Prometheus server every 15–60 seconds.
// It is NOT served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Ledger append, chain verification, and signature ceremony counters
//   - Snapshot upload and history ledger counters
//   - Mirror shipping failure counters
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /api/v1/traceability/:entityId/history)
// rather than the raw request URL to prevent unbounded label cardinality from
// user-supplied path segments such as entity IDs.
//
// # Usage
//
// Import the package for side effects so metrics are registered before the HTTP server
// starts listening:
//
//	import _ "github.com/veritrail/veritrail/internal/telemetry"
//
// Or import it directly and use an exported var:
//
//	telemetry.LedgerAppendsTotal.WithLabelValues(entityType).Inc()
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// HTTPRequestsTotal is a CounterVec with labels {method, path, status}.
// The path label holds the Gin route template, NOT the raw URL, to prevent
// unbounded cardinality.
//
// HTTPRequestDuration is a HistogramVec with labels {method, path} and
// exponential-ish buckets from 5 ms to 30 s.  Use histogram_quantile to
// compute latency percentiles.
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

// Ledger metrics, recorded by the chain writer, verifier, and signer.
//
// LedgerAppendsTotal is a CounterVec with label {entity_type} incremented once
// per audit record committed to the chain.  The entity_type values come from a
// small controlled vocabulary so cardinality stays bounded.
//
// Example PromQL queries:
//   - Append rate by entity:  sum by (entity_type) (rate(ledger_appends_total[5m]))
//
// ChainVerifyFailuresTotal is a plain Counter incremented once per verification
// run that detects a break in the hash chain.  Any increase indicates either
// storage-level tampering or corruption and warrants an immediate alert:
//
//	increase(chain_verify_failures_total[5m]) > 0
//
// SignaturesTotal is a CounterVec with label {outcome} covering every signature
// ceremony attempt: signed, already_signed, stale_auth, not_found.
var (
	LedgerAppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_appends_total",
			Help: "Total number of audit records appended to the hash chain, by entity type.",
		},
		[]string{"entity_type"},
	)

	ChainVerifyFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chain_verify_failures_total",
			Help: "Total number of chain verification runs that detected a hash break.",
		},
	)

	SignaturesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signatures_total",
			Help: "Total number of signature ceremony attempts, by outcome.",
		},
		[]string{"outcome"},
	)
)

// Snapshot and history metrics.
//
// SnapshotUploadsTotal is a CounterVec with label {backend} (local, s3, gcs,
// azure) incremented once per snapshot document persisted to blob storage.
//
// HistoryCollisionsTotal is a plain Counter incremented when a history entry
// write hits an existing entry for the same (scope, entity) pair.  Under
// relaxed handling these are skipped and flagged on the scope; a steady rate
// here usually means a client is retrying imports without new scope IDs.
var (
	SnapshotUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapshot_uploads_total",
			Help: "Total number of entity snapshots written to blob storage, by backend.",
		},
		[]string{"backend"},
	)

	HistoryCollisionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "history_collisions_total",
			Help: "Total number of history ledger writes rejected because an entry for the (scope, entity) pair already existed.",
		},
	)
)

// MirrorShipFailuresTotal is a plain Counter incremented whenever an async
// ship of a ledger record to the mirror side channel fails.  Mirror failures
// never fail the ledger write itself, so this counter is the only signal that
// the warehouse copy is falling behind.
var MirrorShipFailuresTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "mirror_ship_failures_total",
		Help: "Total number of failed attempts to ship a ledger record to the mirror side channel.",
	},
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool.  It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request to avoid the overhead of sql.DB.Stats().
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits cleanly when the database becomes unreachable (db.Ping fails),
// which happens automatically when the application shuts down and defers db.Close().
//
// Call this once, immediately after db.Connect() succeeds in main.go:
//
//	telemetry.StartDBStatsCollector(database)
func StartDBStatsCollector(db *sql.DB) {
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
