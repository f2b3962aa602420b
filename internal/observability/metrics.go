// Package observability exposes Prometheus metrics for the execution
// core. Collectors are registered on the default registry; Handler()
// serves them on /metrics.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RunsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "testdeck_runs_dispatched_total",
		Help: "Runs accepted by the dispatcher.",
	})

	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "testdeck_runs_finished_total",
		Help: "Runs that reached a terminal status.",
	}, []string{"status"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "testdeck_run_queue_depth",
		Help: "Runs waiting for a worker slot.",
	})

	RunsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "testdeck_runs_in_flight",
		Help: "Runs currently executing.",
	})

	ScheduleFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "testdeck_schedule_fires_total",
		Help: "Schedule trigger fires by outcome (ok, skipped, error).",
	}, []string{"outcome"})

	StreamSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "testdeck_stream_subscribers",
		Help: "Open run event streams.",
	})
)

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
