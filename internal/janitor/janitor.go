// Package janitor implements the Janitor (C8): periodic, idempotent sweeps
// over containers, sessions, and persisted metrics.
package janitor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cobaltforge/agentcore/internal/clock"
	"github.com/cobaltforge/agentcore/internal/config"
	"github.com/cobaltforge/agentcore/internal/logging"
	"github.com/cobaltforge/agentcore/internal/metrics"
)

// ContainerReaper stops and removes idle containers.
type ContainerReaper interface {
	ReapIdle(ctx context.Context, threshold time.Duration) (reaped int, err error)
}

// SessionSweeper garbage-collects terminal sessions past their grace period.
type SessionSweeper interface {
	SweepTerminal() int
}

// MetricsPruner deletes metrics samples older than the retention window.
type MetricsPruner interface {
	PruneMetrics(ctx context.Context, olderThan time.Time) (pruned int, err error)
}

// StatsCollector samples the docker gateway's stats verb for every active
// container and records it, feeding the container_metrics table the
// metrics-prune sweep later prunes.
type StatsCollector interface {
	CollectStats(ctx context.Context) (collected int, err error)
}

// Janitor runs the four sweep loops described in the design notes: a
// container sweep, a session sweep, a stats collection pass, and an hourly
// metrics prune, each on its own ticker so a slow sweep never delays the
// others.
type Janitor struct {
	containers ContainerReaper
	sessions   SessionSweeper
	stats      StatsCollector
	metricsP   MetricsPruner
	cfg        *config.Config
	log        *logging.Logger
	clock      clock.Clock

	resetContainerCh chan struct{}
	resetSessionCh   chan struct{}
	resetStatsCh     chan struct{}
	resetMetricsCh   chan struct{}

	cronSchedule cron.Schedule
}

// New creates a Janitor. Any of the four collaborators may be nil, in
// which case that sweep loop is a no-op tick (still counted in the sweep
// metrics, never panics).
func New(containers ContainerReaper, sessions SessionSweeper, stats StatsCollector, metricsP MetricsPruner, cfg *config.Config, log *logging.Logger, clk clock.Clock) *Janitor {
	return &Janitor{
		containers:       containers,
		sessions:         sessions,
		stats:            stats,
		metricsP:         metricsP,
		cfg:              cfg,
		log:              log.Component("janitor"),
		clock:            clk,
		resetContainerCh: make(chan struct{}, 1),
		resetSessionCh:   make(chan struct{}, 1),
		resetStatsCh:     make(chan struct{}, 1),
		resetMetricsCh:   make(chan struct{}, 1),
	}
}

// Run starts all four sweep loops and blocks until ctx is cancelled. If a
// cron schedule is configured it pins the metrics prune to wall-clock time
// instead of a fixed interval since start; the container, session, and
// stats sweeps always run on their fixed intervals, since reclaiming idle
// resources and sampling live ones promptly matters more for them than
// calendar alignment.
func (j *Janitor) Run(ctx context.Context) error {
	if sched := j.cfg.SweepSchedule(); sched != "" {
		parsed, err := cron.ParseStandard(sched)
		if err != nil {
			j.log.Warn("invalid sweep schedule, falling back to fixed interval", "schedule", sched, "error", err)
		} else {
			j.cronSchedule = parsed
		}
	}

	done := make(chan struct{}, 4)
	go func() { j.runContainerSweep(ctx); done <- struct{}{} }()
	go func() { j.runSessionSweep(ctx); done <- struct{}{} }()
	go func() { j.runStatsCollect(ctx); done <- struct{}{} }()
	go func() { j.runMetricsPrune(ctx); done <- struct{}{} }()

	<-ctx.Done()
	<-done
	<-done
	<-done
	<-done
	j.log.Info("janitor stopped")
	return nil
}

func (j *Janitor) runContainerSweep(ctx context.Context) {
	j.sweepOnce(ctx, "container", j.cfg.ContainerSweepInterval(), j.resetContainerCh, func() {
		if j.containers == nil {
			return
		}
		reaped, err := j.containers.ReapIdle(ctx, j.cfg.IdleThreshold())
		if err != nil {
			j.log.Warn("container sweep failed", "error", err)
			return
		}
		if reaped > 0 {
			metrics.ContainersReapedTotal.Add(float64(reaped))
		}
		j.log.Info("container sweep complete", "reaped", reaped)
	})
}

func (j *Janitor) runSessionSweep(ctx context.Context) {
	j.sweepOnce(ctx, "session", j.cfg.SessionSweepInterval(), j.resetSessionCh, func() {
		if j.sessions == nil {
			return
		}
		swept := j.sessions.SweepTerminal()
		if swept > 0 {
			metrics.SessionsSweptTotal.Add(float64(swept))
		}
	})
}

func (j *Janitor) runStatsCollect(ctx context.Context) {
	j.sweepOnce(ctx, "stats", j.cfg.StatsCollectInterval(), j.resetStatsCh, func() {
		if j.stats == nil {
			return
		}
		collected, err := j.stats.CollectStats(ctx)
		if err != nil {
			j.log.Warn("stats collection failed", "error", err)
			return
		}
		metrics.StatsCollectedTotal.Add(float64(collected))
	})
}

func (j *Janitor) runMetricsPrune(ctx context.Context) {
	prune := func() {
		if j.metricsP == nil {
			return
		}
		cutoff := j.clock.Now().Add(-30 * 24 * time.Hour)
		pruned, err := j.metricsP.PruneMetrics(ctx, cutoff)
		if err != nil {
			j.log.Warn("metrics prune failed", "error", err)
			return
		}
		j.log.Info("metrics prune complete", "pruned", pruned)
	}
	if j.cronSchedule == nil {
		j.sweepOnce(ctx, "metrics", j.cfg.MetricsPruneInterval(), j.resetMetricsCh, prune)
		return
	}
	for {
		now := j.clock.Now()
		select {
		case <-j.clock.After(j.cronSchedule.Next(now).Sub(now)):
			prune()
			metrics.JanitorSweepsTotal.WithLabelValues("metrics").Inc()
		case <-ctx.Done():
			return
		}
	}
}

// sweepOnce runs fn immediately, then on every interval tick, restarting the
// wait whenever resetCh fires (TriggerContainerSweep does this after a
// manual sweep). interval is read once when the loop starts; a later change
// to the configured interval does not affect a running loop. Exits when ctx
// is cancelled.
func (j *Janitor) sweepOnce(ctx context.Context, name string, interval time.Duration, resetCh chan struct{}, fn func()) {
	fn()
	metrics.JanitorSweepsTotal.WithLabelValues(name).Inc()

	for {
		select {
		case <-j.clock.After(interval):
			fn()
			metrics.JanitorSweepsTotal.WithLabelValues(name).Inc()
		case <-resetCh:
			// Timer resets on next loop iteration.
		case <-ctx.Done():
			return
		}
	}
}

// TriggerContainerSweep runs an immediate container sweep outside the
// normal timer, used by an operator-facing manual trigger.
func (j *Janitor) TriggerContainerSweep(ctx context.Context) {
	select {
	case j.resetContainerCh <- struct{}{}:
	default:
	}
	if j.containers == nil {
		return
	}
	if _, err := j.containers.ReapIdle(ctx, j.cfg.IdleThreshold()); err != nil {
		j.log.Warn("manual container sweep failed", "error", err)
	}
}
