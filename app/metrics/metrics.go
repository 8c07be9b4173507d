// Package metrics holds the Prometheus collectors for outbound delivery.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DeliveriesAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailer_deliveries_accepted_total",
		Help: "Total number of messages accepted for asynchronous delivery",
	}, []string{"transport"})
	SendAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailer_send_attempts_total",
		Help: "Total number of send attempts by result",
	}, []string{"transport", "result"})
	RetriesScheduled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailer_retries_scheduled_total",
		Help: "Total number of pending retry jobs written",
	}, []string{"transport"})
	DeliveriesFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailer_deliveries_failed_total",
		Help: "Total number of deliveries that exhausted their attempts",
	}, []string{"transport"})
	JobWriteFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailer_job_write_failures_total",
		Help: "Total number of durable job writes that failed",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(DeliveriesAccepted)
	prometheus.MustRegister(SendAttempts)
	prometheus.MustRegister(RetriesScheduled)
	prometheus.MustRegister(DeliveriesFailed)
	prometheus.MustRegister(JobWriteFailures)
}

// Handler returns an http.Handler exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
