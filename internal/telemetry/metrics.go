/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// APIRequestsTotal counts HTTP requests by method, endpoint, and status.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bragi_api_requests_total",
		Help: "Total number of HTTP API requests.",
	}, []string{"method", "endpoint", "status"})

	// APIRequestDuration observes HTTP request latency.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bragi_api_request_duration_seconds",
		Help:    "HTTP API request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	// APIActiveConnections gauges in-flight HTTP requests.
	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bragi_api_active_connections",
		Help: "Number of in-flight HTTP requests.",
	})

	// APIWebSocketConnections gauges open event-stream sockets.
	APIWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bragi_api_websocket_connections",
		Help: "Number of open room event WebSocket connections.",
	})

	// SubmissionsTotal counts track submissions by outcome.
	SubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bragi_scheduler_submissions_total",
		Help: "Track submissions by result (queued, started, rejected).",
	}, []string{"result"})

	// AdvancesTotal counts room advances by the source that filled the slot.
	AdvancesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bragi_scheduler_advances_total",
		Help: "Room advances by source (queue, fallback, none).",
	}, []string{"source"})

	// QueueDepth gauges the pending queue length per room.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bragi_scheduler_queue_depth",
		Help: "Pending queue entries per room.",
	}, []string{"room"})

	// ReactionsTotal counts reaction toggles by kind and effect.
	ReactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bragi_reactions_total",
		Help: "Reaction mutations by kind and effect (set, cleared, replaced).",
	}, []string{"kind", "effect"})

	// CatalogLookupsTotal counts catalog lookups by outcome.
	CatalogLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bragi_catalog_lookups_total",
		Help: "Catalog metadata lookups by outcome (ok, placeholder).",
	}, []string{"outcome"})

	// CatalogLookupDuration observes catalog lookup latency.
	CatalogLookupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bragi_catalog_lookup_duration_seconds",
		Help:    "Catalog lookup duration in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	// DatabaseQueryDuration observes GORM operation latency by table.
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bragi_db_query_duration_seconds",
		Help:    "Database operation duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	// DatabaseErrorsTotal counts database errors by operation.
	DatabaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bragi_db_errors_total",
		Help: "Database errors by operation and kind.",
	}, []string{"operation", "kind"})

	// DatabaseConnectionsActive gauges open SQL connections.
	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bragi_db_connections_active",
		Help: "Open database connections.",
	})

	// EventsPublishedTotal counts bus events by type.
	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bragi_events_published_total",
		Help: "Events published to the room event bus by type.",
	}, []string{"type"})
)

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
