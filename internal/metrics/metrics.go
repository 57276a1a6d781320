package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mealsync"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	jobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Job submissions by queue and outcome (queued, duplicate).",
		},
		[]string{"queue", "outcome"},
	)

	jobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Job executions by queue and result (completed, retried, failed).",
		},
		[]string{"queue", "result"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job handler duration.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_jobs",
			Help:      "Outstanding jobs by queue and state.",
		},
		[]string{"queue", "state"},
	)

	syncTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_status_transitions_total",
			Help:      "Sync status records written by target status.",
		},
		[]string{"status"},
	)

	eventsHandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_handled_total",
			Help:      "Planning events handled by the bridge, by event and result.",
		},
		[]string{"event", "result"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, jobsEnqueued, jobsProcessed, jobDuration, queueDepth, syncTransitions, eventsHandled)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

func IncEnqueued(queue, outcome string) {
	jobsEnqueued.WithLabelValues(queue, outcome).Inc()
}

func IncJob(queue, result string) {
	jobsProcessed.WithLabelValues(queue, result).Inc()
}

func ObserveJobDuration(queue string, d time.Duration) {
	jobDuration.WithLabelValues(queue).Observe(d.Seconds())
}

func SetQueueDepth(queue string, waiting, active, delayed int64) {
	queueDepth.WithLabelValues(queue, "waiting").Set(float64(waiting))
	queueDepth.WithLabelValues(queue, "active").Set(float64(active))
	queueDepth.WithLabelValues(queue, "delayed").Set(float64(delayed))
}

func IncSyncTransition(status string) {
	syncTransitions.WithLabelValues(status).Inc()
}

func IncEvent(event, result string) {
	eventsHandled.WithLabelValues(event, result).Inc()
}
