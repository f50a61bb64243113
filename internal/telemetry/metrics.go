// Package telemetry holds the Prometheus collectors shared by the API and the workers.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "legalcase"

func counter(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
}

func gauge(subsystem, name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
}

// Jobs, labelled by queue name.
var (
	EnqueueCounter   = counter("jobs", "enqueued_total", "Jobs accepted onto a queue", "queue")
	WorkerSuccess    = counter("jobs", "completed_total", "Jobs whose handler returned without error", "queue")
	WorkerFailures   = counter("jobs", "retried_total", "Failed attempts scheduled for another try", "queue")
	WorkerDeferred   = counter("jobs", "deferred_total", "Jobs pushed back while the provider circuit was open", "queue")
	WorkerDeadLetter = counter("jobs", "dead_letter_total", "Jobs failed for good and parked in the DLQ", "queue")
	QueueDepthGauge  = gauge("jobs", "queue_depth", "Ready jobs across all priority lanes", "queue")
	InFlightGauge    = gauge("jobs", "inflight", "Handlers running in this process", "queue")
	JobDuration      = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "duration_seconds",
		Help:      "Handler wall time per attempt",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"queue"})
)

var (
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "api", Name: "rate_limit_rejects_total", Help: "Requests answered with 429"})

	CircuitOpen = gauge("circuit", "open", "1 while the named circuit is open", "name")

	CreditDebits  = counter("credits", "debits_total", "Debits written to the ledger", "category")
	CreditRefunds = counter("credits", "refunds_total", "Refunds and rollbacks written to the ledger", "category", "reason")
	HoldsSwept    = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "credits", Name: "holds_swept_total", Help: "Stale holds released by the sweeper"})

	ReportCacheLookups = counter("reports", "cache_lookups_total", "Report cache lookups by outcome", "outcome")

	WebhookDeliveries = counter("webhooks", "deliveries_total", "Webhook delivery state changes", "status")
)

var registerOnce sync.Once

// Handler registers every collector on first use and returns the /metrics handler.
func Handler() http.Handler {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter, WorkerSuccess, WorkerFailures, WorkerDeferred, WorkerDeadLetter,
			QueueDepthGauge, InFlightGauge, JobDuration,
			RateLimitRejects, CircuitOpen,
			CreditDebits, CreditRefunds, HoldsSwept,
			ReportCacheLookups, WebhookDeliveries,
		)
	})
	return promhttp.Handler()
}
