// Package metrics registers the prometheus instruments shared by the queue
// receivers and the pipeline workers. Labels are bounded: queue name and
// outcome only, never tenant or message ids.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "communitysync_queue_messages_received_total",
		Help: "Messages popped from a queue, counted before processing",
	}, []string{"queue"})

	MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "communitysync_queue_messages_processed_total",
		Help: "Handler invocations by outcome (ok, error, fatal)",
	}, []string{"queue", "outcome"})

	InFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "communitysync_queue_in_flight",
		Help: "Handler invocations currently running",
	}, []string{"queue"})

	SweepRequeued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "communitysync_sweep_requeued_total",
		Help: "Stale pipeline rows re-published by the backlog sweeper",
	}, []string{"entity"})

	DataRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "communitysync_data_retries_total",
		Help: "Data transform failures that consumed retry budget",
	})
)

// Handler serves the prometheus registry; mounted at /metrics by the API.
func Handler() http.Handler {
	return promhttp.Handler()
}
