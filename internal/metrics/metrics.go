// Package metrics exports controller counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector below. A private registry keeps test
// binaries that build several robots from colliding on the global one.
var Registry = prometheus.NewRegistry()

var (
	CommandsExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labrobot_commands_executed_total",
			Help: "Queued commands dispatched, by kind",
		},
		[]string{"kind"},
	)
	CommandFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labrobot_command_failures_total",
			Help: "Queued commands that returned an error, by kind",
		},
		[]string{"kind"},
	)
	Faults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labrobot_device_faults_total",
			Help: "Faults raised by the device driver, by class",
		},
		[]string{"class"},
	)
	MoveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "labrobot_move_duration_seconds",
			Help:    "Time from issuing a move to confirmed arrival",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)
	PositionPolls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "labrobot_position_polls_total",
			Help: "Position queries issued while waiting for arrival",
		},
	)
	TipsUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labrobot_tips_used_total",
			Help: "Tips picked up, by instrument",
		},
		[]string{"instrument"},
	)
	WireLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labrobot_wire_lines_total",
			Help: "Lines exchanged with the controller board, by direction",
		},
		[]string{"direction"},
	)
)

func init() {
	Registry.MustRegister(
		CommandsExecuted,
		CommandFailures,
		Faults,
		MoveDuration,
		PositionPolls,
		TipsUsed,
		WireLines,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
