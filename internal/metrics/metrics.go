// Package metrics exports the server's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hearth"

var (
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "signal",
		Name:      "connections",
		Help:      "Open signaling connections.",
	})
	SignalEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "signal",
		Name:      "events_total",
		Help:      "Inbound signaling events by type and outcome.",
	}, []string{"type", "outcome"})
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "signal",
		Name:      "rate_limited_total",
		Help:      "Inbound events rejected by the rate limiter.",
	})

	Sessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "presence",
		Name:      "sessions",
		Help:      "Open presence sessions.",
	})

	Routers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "media",
		Name:      "routers",
		Help:      "Active media routers.",
	})
	Transports = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "media",
		Name:      "transports",
		Help:      "Active media transports.",
	})
	Producers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "media",
		Name:      "producers",
		Help:      "Active producers.",
	})
	Consumers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "media",
		Name:      "consumers",
		Help:      "Active consumers.",
	})
	PortsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "media",
		Name:      "ports_in_use",
		Help:      "Allocated transport ports.",
	})
	WorkerCrashes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "media",
		Name:      "worker_crashes_total",
		Help:      "Media worker crashes.",
	})
	BitrateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "media",
		Name:      "bitrate_transitions_total",
		Help:      "Bitrate adaptation state transitions.",
	}, []string{"to"})
	RecoveryOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "media",
		Name:      "recovery_total",
		Help:      "Transport recovery outcomes.",
	}, []string{"outcome"})

	TaskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "maintenance",
		Name:      "task_runs_total",
		Help:      "Scheduled task runs by outcome (ok, error, skipped).",
	}, []string{"task", "outcome"})
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "maintenance",
		Name:      "task_duration_seconds",
		Help:      "Scheduled task run time.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"task"})
	Archived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "maintenance",
		Name:      "archived_total",
		Help:      "Records moved to the archive by kind.",
	}, []string{"kind"})
)
