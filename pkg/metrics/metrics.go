// Package metrics exposes fleet telemetry as Prometheus metrics.
//
// Gauges describing the current fleet shape are refreshed by the
// Collector on a fixed interval; counters for lifecycle transitions,
// backups, and probe latencies are fed from the event bus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet shape
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "minefleet_instances_total",
			Help: "Managed instances by kind and status",
		},
		[]string{"kind", "status"},
	)

	ProcessesRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "minefleet_processes_running",
			Help: "Child processes currently supervised",
		},
	)

	// Lifecycle transitions
	StartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "minefleet_instance_starts_total",
			Help: "Instances that reached the running state",
		},
	)

	StopsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "minefleet_instance_stops_total",
			Help: "Instances that stopped with exit code zero",
		},
	)

	CrashesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "minefleet_instance_crashes_total",
			Help: "Instances that stopped with a non-zero exit code",
		},
	)

	// Scheduler
	TaskExecutions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "minefleet_task_executions",
			Help: "Execution records in the scheduler ring by result",
		},
		[]string{"result"},
	)

	// Backups
	BackupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minefleet_backups_total",
			Help: "Backup attempts by result",
		},
		[]string{"result"},
	)

	// Probe
	ProbeLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "minefleet_probe_latency_seconds",
			Help:    "Backend liveness probe latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	BackendsOnline = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "minefleet_proxy_backends_online",
			Help: "Backends reported online per proxy",
		},
		[]string{"proxy_id"},
	)
)

func init() {
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(ProcessesRunning)
	prometheus.MustRegister(StartsTotal)
	prometheus.MustRegister(StopsTotal)
	prometheus.MustRegister(CrashesTotal)
	prometheus.MustRegister(TaskExecutions)
	prometheus.MustRegister(BackupsTotal)
	prometheus.MustRegister(ProbeLatency)
	prometheus.MustRegister(BackendsOnline)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
