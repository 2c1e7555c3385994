// Package metrics holds the Prometheus collectors shared by the segment
// registry, the scheduler and the resource registrar.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rtcore"

// Metrics holds all collectors of one context. Each context registers on its
// own registry so several can coexist in a process.
type Metrics struct {
	// Segment registry
	SegmentsOpen     prometheus.Gauge
	SegmentAttaches  *prometheus.CounterVec
	SegmentReleases  prometheus.Counter
	SegmentsReaped   prometheus.Counter
	SegmentsUnlinked prometheus.Counter

	// Scheduler
	TasksRunning    prometheus.Gauge
	TaskInvocations *prometheus.CounterVec
	TaskOverruns    *prometheus.CounterVec
	TaskFaults      *prometheus.CounterVec
	TaskRuntime     *prometheus.HistogramVec
	TaskJitter      *prometheus.HistogramVec

	// Resource registrar
	Resources        *prometheus.GaugeVec
	ResourceReleases prometheus.Counter

	SetupErrors *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SegmentsOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "shm",
			Name:      "segments_open",
			Help:      "Segment handles currently held by this process",
		}),
		SegmentAttaches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shm",
			Name:      "attaches_total",
			Help:      "Successful open_or_create calls by role",
		}, []string{"role"}),
		SegmentReleases: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shm",
			Name:      "releases_total",
			Help:      "Segment handles released",
		}),
		SegmentsReaped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shm",
			Name:      "reaped_attachers_total",
			Help:      "Attach slots cleared because their process had exited",
		}),
		SegmentsUnlinked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shm",
			Name:      "unlinked_total",
			Help:      "Segments destroyed by their last detacher",
		}),

		TasksRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sched",
			Name:      "tasks_running",
			Help:      "Tasks in the Running state",
		}),
		TaskInvocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sched",
			Name:      "invocations_total",
			Help:      "Task body invocations",
		}, []string{"task"}),
		TaskOverruns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sched",
			Name:      "overruns_total",
			Help:      "Ticks that found the previous invocation still running",
		}, []string{"task"}),
		TaskFaults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sched",
			Name:      "faults_total",
			Help:      "Tasks that entered the Faulted state",
		}, []string{"task"}),
		TaskRuntime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sched",
			Name:      "runtime_seconds",
			Help:      "Task body runtime",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}, []string{"task"}),
		TaskJitter: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sched",
			Name:      "jitter_seconds",
			Help:      "Absolute deviation of the invocation start from its boundary",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}, []string{"task"}),

		Resources: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resource",
			Name:      "registered",
			Help:      "Registered resources by category",
		}, []string{"category"}),
		ResourceReleases: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resource",
			Name:      "releases_total",
			Help:      "Release callbacks run",
		}),

		SetupErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "setup_errors_total",
			Help:      "Failed setup operations by operation and error kind",
		}, []string{"op", "kind"}),
	}
}

// Discard returns collectors registered on a private registry nobody
// gathers. Components use it when constructed without metrics.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}

// OrDiscard returns m, or Discard() when m is nil.
func OrDiscard(m *Metrics) *Metrics {
	if m == nil {
		return Discard()
	}
	return m
}

// ForgetTask drops the per-task series of name.
func (m *Metrics) ForgetTask(name string) {
	m.TaskInvocations.DeleteLabelValues(name)
	m.TaskOverruns.DeleteLabelValues(name)
	m.TaskFaults.DeleteLabelValues(name)
	m.TaskRuntime.DeleteLabelValues(name)
	m.TaskJitter.DeleteLabelValues(name)
}
