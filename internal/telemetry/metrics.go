package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmissionsAccepted = prometheus.NewCounter(prometheus.CounterOpts{Name: "grading_submissions_accepted_total", Help: "Submissions admitted into the pipeline"})
	SubmissionsRejected = prometheus.NewCounter(prometheus.CounterOpts{Name: "grading_submissions_rejected_total", Help: "Submissions rejected by the pending guard"})
	DedupHits           = prometheus.NewCounter(prometheus.CounterOpts{Name: "grading_dedup_hits_total", Help: "Submissions answered from a prior identical result"})
	EnqueueCounter      = prometheus.NewCounter(prometheus.CounterOpts{Name: "grading_tickets_enqueued_total", Help: "Tickets pushed onto the grading queue"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "grading_rate_limit_rejects_total", Help: "Requests rejected by the rate limiter"})
	GradingSuccess      = prometheus.NewCounter(prometheus.CounterOpts{Name: "grading_completed_total", Help: "Tickets graded and reported successfully"})
	GradingFailures     = prometheus.NewCounter(prometheus.CounterOpts{Name: "grading_engine_failures_total", Help: "Grading engine calls that errored or timed out"})
	CallbackRetries     = prometheus.NewCounter(prometheus.CounterOpts{Name: "grading_callback_retries_total", Help: "Result callback delivery retries"})
	OrphansRequeued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "grading_orphans_requeued_total", Help: "Pending submissions re-enqueued by the sweeper"})
	LeasesReclaimed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "grading_leases_reclaimed_total", Help: "Expired in-flight tickets returned to the queue"})
	QueueDepthGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "grading_queue_depth", Help: "Ready queue depth"})
	InFlightGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "grading_inflight", Help: "Tickets currently leased by workers"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmissionsAccepted,
			SubmissionsRejected,
			DedupHits,
			EnqueueCounter,
			RateLimitRejects,
			GradingSuccess,
			GradingFailures,
			CallbackRetries,
			OrphansRequeued,
			LeasesReclaimed,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
