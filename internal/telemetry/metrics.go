package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsClaimed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "bot_jobs_claimed_total", Help: "Jobs claimed for processing"})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "bot_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsRetried   = prometheus.NewCounter(prometheus.CounterOpts{Name: "bot_jobs_retried_total", Help: "Jobs requeued for retry"})
	JobsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "bot_jobs_failed_total", Help: "Jobs failed terminally"})
	JobsReclaimed = prometheus.NewCounter(prometheus.CounterOpts{Name: "bot_jobs_reclaimed_total", Help: "Stale processing jobs returned to the queue"})

	RoutesDecided = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bot_routes_total", Help: "Routing decisions by route"}, []string{"route"})
	Bookings      = prometheus.NewCounter(prometheus.CounterOpts{Name: "bot_bookings_total", Help: "Slots booked with the calendar provider"})

	MessagesSent       = prometheus.NewCounter(prometheus.CounterOpts{Name: "bot_messages_sent_total", Help: "Outbound messages delivered"})
	MessagesDryRun     = prometheus.NewCounter(prometheus.CounterOpts{Name: "bot_messages_dry_run_total", Help: "Outbound messages simulated in dry-run mode"})
	MessagesSendFailed = prometheus.NewCounter(prometheus.CounterOpts{Name: "bot_messages_send_failed_total", Help: "Outbound delivery attempts that failed"})
	MessagesReclaimed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "bot_messages_reclaimed_total", Help: "Stuck sending messages returned to pending"})

	JobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bot_jobs_inflight", Help: "Jobs currently being processed"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsClaimed,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			JobsReclaimed,
			RoutesDecided,
			Bookings,
			MessagesSent,
			MessagesDryRun,
			MessagesSendFailed,
			MessagesReclaimed,
			JobsInFlight,
		)
	})
	return promhttp.Handler()
}
