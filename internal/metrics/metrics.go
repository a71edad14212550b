// Package metrics exposes Prometheus instrumentation for the container
// pool, session registry, realtime gateway, and janitor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ContainersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentcore_containers_active",
		Help: "Number of containers currently in the active state.",
	})
	ContainersTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentcore_containers_total",
		Help: "Total number of tracked container records, any status.",
	})
	ContainerCreatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcore_container_creates_total",
		Help: "Total number of container create attempts by outcome.",
	}, []string{"outcome"})
	ContainerCreateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentcore_container_create_duration_seconds",
		Help:    "Duration of the full container create-and-ready procedure.",
		Buckets: prometheus.DefBuckets,
	})
	ContainersReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentcore_containers_reaped_total",
		Help: "Total number of containers stopped by the idle janitor sweep.",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentcore_sessions_active",
		Help: "Number of sessions currently pending or active.",
	})
	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcore_sessions_total",
		Help: "Total number of sessions started by terminal outcome.",
	}, []string{"outcome"})
	SessionsSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentcore_sessions_swept_total",
		Help: "Total number of terminal sessions garbage-collected by the janitor.",
	})

	ExecutorTokenUsage = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcore_executor_tokens_total",
		Help: "Total tokens reported by agent processes, by agent kind and kind of token.",
	}, []string{"agent", "kind"})
	ExecutorRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcore_executor_runs_total",
		Help: "Total agent process runs by agent kind and outcome.",
	}, []string{"agent", "outcome"})

	ChannelsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentcore_realtime_channels_open",
		Help: "Number of currently connected realtime duplex channels.",
	})
	OutboundQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentcore_realtime_outbound_queue_depth",
		Help: "Sum of outbound queue depth across all open channels.",
	})
	OutboundDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcore_realtime_outbound_dropped_total",
		Help: "Total outbound messages dropped by shedding policy, by message kind.",
	}, []string{"kind"})

	JanitorSweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcore_janitor_sweeps_total",
		Help: "Total janitor sweep cycles run, by sweep name.",
	}, []string{"sweep"})
	StatsCollectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentcore_stats_collected_total",
		Help: "Total container stats samples recorded by the janitor's stats collection sweep.",
	})
)
