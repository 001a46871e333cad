package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ShoutsSubmitted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "shout_submissions_total", Help: "Shout requests accepted"})
	PollRequests     = prometheus.NewCounter(prometheus.CounterOpts{Name: "shout_polls_total", Help: "Status polls served (including the one run at submission)"})
	PollTimeouts     = prometheus.NewCounter(prometheus.CounterOpts{Name: "shout_poll_timeouts_total", Help: "Polls that exhausted their wall-clock budget"})
	PollStoreErrors  = prometheus.NewCounter(prometheus.CounterOpts{Name: "shout_poll_store_errors_total", Help: "Store reads during polling treated as no-change"})
	CallbackRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "shout_callback_rejects_total", Help: "Worker callbacks rejected for bad tokens"})
	CallbackAccepts  = prometheus.NewCounter(prometheus.CounterOpts{Name: "shout_callbacks_total", Help: "Worker callbacks accepted and logged"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "shout_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	EventsPurged     = prometheus.NewCounter(prometheus.CounterOpts{Name: "shout_events_purged_total", Help: "Status log rows removed by the purge sweep"})
	WorkerShouts     = prometheus.NewCounter(prometheus.CounterOpts{Name: "shout_worker_shouts_total", Help: "Shouts completed by the worker"})
	WorkerFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "shout_worker_failures_total", Help: "Shout attempts that failed and will retry"})
	WorkerFatals     = prometheus.NewCounter(prometheus.CounterOpts{Name: "shout_worker_fatals_total", Help: "Shouts abandoned as fatal"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ShoutsSubmitted,
			PollRequests,
			PollTimeouts,
			PollStoreErrors,
			CallbackRejects,
			CallbackAccepts,
			RateLimitRejects,
			EventsPurged,
			WorkerShouts,
			WorkerFailures,
			WorkerFatals,
		)
	})
	return promhttp.Handler()
}
