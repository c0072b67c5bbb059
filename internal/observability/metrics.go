// Package observability exposes Prometheus instrumentation for the fleet.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics counts lifecycle transitions across the whole fleet.
type Metrics struct {
	ProjectsCreated prometheus.Counter
	ProjectsDeleted prometheus.Counter
	ProjectStarts   prometheus.Counter
	ProjectStops    prometheus.Counter
	WorkerExits     prometheus.Counter
	RunningProjects prometheus.Gauge
}

// NewMetrics registers the fleet collectors on reg. Tests pass a fresh
// prometheus.NewRegistry so parallel instances never collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ProjectsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "afkfleet_projects_created_total",
			Help: "Number of projects created.",
		}),
		ProjectsDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "afkfleet_projects_deleted_total",
			Help: "Number of projects deleted.",
		}),
		ProjectStarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "afkfleet_project_starts_total",
			Help: "Number of successful project starts.",
		}),
		ProjectStops: factory.NewCounter(prometheus.CounterOpts{
			Name: "afkfleet_project_stops_total",
			Help: "Number of explicit project stops.",
		}),
		WorkerExits: factory.NewCounter(prometheus.CounterOpts{
			Name: "afkfleet_worker_exits_total",
			Help: "Number of worker processes that exited on their own.",
		}),
		RunningProjects: factory.NewGauge(prometheus.GaugeOpts{
			Name: "afkfleet_running_projects",
			Help: "Number of currently running workers.",
		}),
	}
}

// Handler serves the metrics endpoint for the given registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
