// Package observability holds the Prometheus collectors shared by the API and its workers.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ScheduledPostsCreated counts posts accepted by the scheduling endpoint.
	ScheduledPostsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "content_calendar_scheduled_posts_created_total",
		Help: "Total number of scheduled posts created",
	})

	// ScheduledPostsCancelled counts successful cancellations.
	ScheduledPostsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "content_calendar_scheduled_posts_cancelled_total",
		Help: "Total number of scheduled posts cancelled",
	})

	// SchedulingLimitRejections counts creates refused because the plan limit was reached.
	SchedulingLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "content_calendar_scheduling_limit_rejections_total",
		Help: "Total number of scheduling requests rejected by plan limit",
	}, []string{"plan"})

	// WorkerClaims counts due posts claimed by the scheduled posts worker.
	WorkerClaims = promauto.NewCounter(prometheus.CounterOpts{
		Name: "content_calendar_worker_claims_total",
		Help: "Total number of due scheduled posts claimed for publishing",
	})

	// PublishOutcomes counts final publish states by status.
	PublishOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "content_calendar_publish_outcomes_total",
		Help: "Total number of scheduled posts reaching a final publish status",
	}, []string{"status"})

	// PublishSyncChecks counts per-platform publish status checks.
	PublishSyncChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "content_calendar_publish_sync_checks_total",
		Help: "Total number of per-platform publish status checks",
	}, []string{"platform", "outcome"})

	// CancelledPostsPurged counts cancelled rows removed by the cleanup worker.
	CancelledPostsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "content_calendar_cancelled_posts_purged_total",
		Help: "Total number of cancelled scheduled posts purged",
	})

	// CalendarViews counts server-rendered calendar views by mode.
	CalendarViews = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "content_calendar_views_total",
		Help: "Total number of calendar views rendered",
	}, []string{"mode"})

	// WebSocketConnections is the gauge of open realtime connections.
	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "content_calendar_websocket_connections",
		Help: "Number of open realtime WebSocket connections",
	})

	// RealtimeEvents counts realtime events emitted by type and delivery path.
	RealtimeEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "content_calendar_realtime_events_total",
		Help: "Total realtime events emitted",
	}, []string{"event_type", "delivery"})

	// RedisErrors counts event bus failures by operation.
	RedisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "content_calendar_redis_errors_total",
		Help: "Total number of Redis errors by operation",
	}, []string{"operation"})
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
