// Package config loads engine configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// Config holds all execution-engine configuration. Mutable fields (idle
// threshold, session grace period, outbound queue bound, heartbeat
// interval) are protected by an RWMutex and must be accessed via
// getter/setter methods at runtime, since the janitor and realtime
// goroutines read them while an operator reload may write them.
type Config struct {
	// Docker connection
	DockerSock          string
	DockerTLSCACert     string
	DockerTLSClientCert string
	DockerTLSClientKey  string

	// Storage
	DBPath string

	// Logging
	LogJSON bool

	// Realtime gateway
	WebPort        string
	MetricsEnabled bool

	// Extension bundle source directories
	ExtensionSourceDir string

	// mu protects the mutable runtime fields below.
	mu                 sync.RWMutex
	idleThreshold      time.Duration // C2: idle container reap threshold
	sessionGrace       time.Duration // C5: completed-session GC grace period
	containerSweep     time.Duration // C8: container sweep interval
	sessionSweep       time.Duration // C8: session sweep interval
	statsCollect       time.Duration // C8: container stats sample interval
	metricsPrune       time.Duration // C8: metrics retention prune interval
	sweepSchedule      string        // optional cron expression overriding the metrics prune interval
	outboundQueueBound int           // C6: per-channel outbound queue capacity
	heartbeatInterval  time.Duration // C6: ping interval
	heartbeatTimeout   time.Duration // C6: liveness timeout
	operationDeadline  time.Duration // C1: default Docker operation deadline
	readinessTimeout   time.Duration // C2: post-start readiness probe wait cap
	executionTimeout   time.Duration // C4: per-run execution cap, 0 disables
}

// NewTestConfig creates a Config with sensible defaults for tests.
func NewTestConfig() *Config {
	return &Config{
		idleThreshold:      2 * time.Hour,
		sessionGrace:       30 * time.Minute,
		containerSweep:     30 * time.Minute,
		sessionSweep:       5 * time.Minute,
		statsCollect:       time.Minute,
		metricsPrune:       time.Hour,
		outboundQueueBound: 1024,
		heartbeatInterval:  30 * time.Second,
		heartbeatTimeout:   120 * time.Second,
		operationDeadline:  30 * time.Second,
		readinessTimeout:   30 * time.Second,
		executionTimeout:   0,
	}
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		DockerSock:          envStr("AGENTCORE_DOCKER_SOCK", "/var/run/docker.sock"),
		DockerTLSCACert:     envStr("AGENTCORE_DOCKER_TLS_CACERT", ""),
		DockerTLSClientCert: envStr("AGENTCORE_DOCKER_TLS_CERT", ""),
		DockerTLSClientKey:  envStr("AGENTCORE_DOCKER_TLS_KEY", ""),
		DBPath:              envStr("AGENTCORE_DB_PATH", "/data/agentcore.db"),
		LogJSON:             envBool("AGENTCORE_LOG_JSON", true),
		WebPort:             envStr("AGENTCORE_WEB_PORT", "8080"),
		MetricsEnabled:      envBool("AGENTCORE_METRICS", false),
		ExtensionSourceDir:  envStr("AGENTCORE_EXTENSION_DIR", "/etc/agentcore/extensions"),
		idleThreshold:       envDuration("AGENTCORE_IDLE_THRESHOLD", 2*time.Hour),
		sessionGrace:        envDuration("AGENTCORE_SESSION_GRACE", 30*time.Minute),
		containerSweep:      envDuration("AGENTCORE_CONTAINER_SWEEP_INTERVAL", 30*time.Minute),
		sessionSweep:        envDuration("AGENTCORE_SESSION_SWEEP_INTERVAL", 5*time.Minute),
		statsCollect:        envDuration("AGENTCORE_STATS_COLLECT_INTERVAL", time.Minute),
		metricsPrune:        envDuration("AGENTCORE_METRICS_PRUNE_INTERVAL", time.Hour),
		sweepSchedule:       envStr("AGENTCORE_SWEEP_SCHEDULE", ""),
		outboundQueueBound:  envInt("AGENTCORE_OUTBOUND_QUEUE_BOUND", 1024),
		heartbeatInterval:   envDuration("AGENTCORE_HEARTBEAT_INTERVAL", 30*time.Second),
		heartbeatTimeout:    envDuration("AGENTCORE_HEARTBEAT_TIMEOUT", 120*time.Second),
		operationDeadline:   envDuration("AGENTCORE_OPERATION_DEADLINE", 30*time.Second),
		readinessTimeout:    envDuration("AGENTCORE_READINESS_TIMEOUT", 30*time.Second),
		executionTimeout:    envDuration("AGENTCORE_EXECUTION_TIMEOUT", 0),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	c.mu.RLock()
	idle := c.idleThreshold
	grace := c.sessionGrace
	bound := c.outboundQueueBound
	c.mu.RUnlock()

	var errs []error
	if idle <= 0 {
		errs = append(errs, fmt.Errorf("AGENTCORE_IDLE_THRESHOLD must be > 0, got %s", idle))
	}
	if grace < 0 {
		errs = append(errs, fmt.Errorf("AGENTCORE_SESSION_GRACE must be >= 0, got %s", grace))
	}
	if bound <= 0 {
		errs = append(errs, fmt.Errorf("AGENTCORE_OUTBOUND_QUEUE_BOUND must be > 0, got %d", bound))
	}
	if (c.DockerTLSCACert == "") != (c.DockerTLSClientCert == "") {
		errs = append(errs, fmt.Errorf("AGENTCORE_DOCKER_TLS_CACERT and AGENTCORE_DOCKER_TLS_CERT must both be set or both empty"))
	}
	return errors.Join(errs...)
}

// Values returns all configuration as a string map for display, redacting
// TLS key material paths.
func (c *Config) Values() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]string{
		"AGENTCORE_DOCKER_SOCK":              c.DockerSock,
		"AGENTCORE_DOCKER_TLS_KEY":           redactPath(c.DockerTLSClientKey),
		"AGENTCORE_DB_PATH":                  c.DBPath,
		"AGENTCORE_LOG_JSON":                 fmt.Sprintf("%t", c.LogJSON),
		"AGENTCORE_WEB_PORT":                 c.WebPort,
		"AGENTCORE_METRICS":                  fmt.Sprintf("%t", c.MetricsEnabled),
		"AGENTCORE_IDLE_THRESHOLD":           c.idleThreshold.String(),
		"AGENTCORE_SESSION_GRACE":            c.sessionGrace.String(),
		"AGENTCORE_CONTAINER_SWEEP_INTERVAL": c.containerSweep.String(),
		"AGENTCORE_SESSION_SWEEP_INTERVAL":   c.sessionSweep.String(),
		"AGENTCORE_STATS_COLLECT_INTERVAL":   c.statsCollect.String(),
		"AGENTCORE_METRICS_PRUNE_INTERVAL":   c.metricsPrune.String(),
		"AGENTCORE_SWEEP_SCHEDULE":           c.sweepSchedule,
		"AGENTCORE_OUTBOUND_QUEUE_BOUND":     fmt.Sprintf("%d", c.outboundQueueBound),
		"AGENTCORE_HEARTBEAT_INTERVAL":       c.heartbeatInterval.String(),
		"AGENTCORE_HEARTBEAT_TIMEOUT":        c.heartbeatTimeout.String(),
		"AGENTCORE_OPERATION_DEADLINE":       c.operationDeadline.String(),
		"AGENTCORE_READINESS_TIMEOUT":        c.readinessTimeout.String(),
		"AGENTCORE_EXECUTION_TIMEOUT":        c.executionTimeout.String(),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// redactPath returns "(set)" if the path is non-empty, empty string otherwise.
func redactPath(s string) string {
	if s != "" {
		return "(set)"
	}
	return ""
}

// IdleThreshold returns the current idle-container reap threshold (thread-safe).
func (c *Config) IdleThreshold() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.idleThreshold
}

// SetIdleThreshold updates the idle threshold at runtime (thread-safe).
func (c *Config) SetIdleThreshold(d time.Duration) {
	c.mu.Lock()
	c.idleThreshold = d
	c.mu.Unlock()
}

// SessionGrace returns the completed-session GC grace period (thread-safe).
func (c *Config) SessionGrace() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionGrace
}

// SetSessionGrace updates the session grace period at runtime (thread-safe).
func (c *Config) SetSessionGrace(d time.Duration) {
	c.mu.Lock()
	c.sessionGrace = d
	c.mu.Unlock()
}

// ContainerSweepInterval returns the container sweep interval (thread-safe).
func (c *Config) ContainerSweepInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.containerSweep
}

// SetContainerSweepInterval updates the container sweep interval at runtime.
func (c *Config) SetContainerSweepInterval(d time.Duration) {
	c.mu.Lock()
	c.containerSweep = d
	c.mu.Unlock()
}

// SessionSweepInterval returns the session sweep interval (thread-safe).
func (c *Config) SessionSweepInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionSweep
}

// SetSessionSweepInterval updates the session sweep interval at runtime.
func (c *Config) SetSessionSweepInterval(d time.Duration) {
	c.mu.Lock()
	c.sessionSweep = d
	c.mu.Unlock()
}

// StatsCollectInterval returns the container stats sample interval (thread-safe).
func (c *Config) StatsCollectInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.statsCollect
}

// SetStatsCollectInterval updates the stats sample interval at runtime.
func (c *Config) SetStatsCollectInterval(d time.Duration) {
	c.mu.Lock()
	c.statsCollect = d
	c.mu.Unlock()
}

// MetricsPruneInterval returns the metrics prune interval (thread-safe).
func (c *Config) MetricsPruneInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metricsPrune
}

// SetMetricsPruneInterval updates the metrics prune interval at runtime.
func (c *Config) SetMetricsPruneInterval(d time.Duration) {
	c.mu.Lock()
	c.metricsPrune = d
	c.mu.Unlock()
}

// SweepSchedule returns the optional cron expression pinning the metrics
// prune to wall-clock time, overriding MetricsPruneInterval when non-empty.
// The container, session, and stats sweeps always use their fixed intervals.
func (c *Config) SweepSchedule() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sweepSchedule
}

// SetSweepSchedule updates the cron schedule at runtime.
func (c *Config) SetSweepSchedule(s string) {
	c.mu.Lock()
	c.sweepSchedule = s
	c.mu.Unlock()
}

// OutboundQueueBound returns the per-channel outbound queue capacity.
func (c *Config) OutboundQueueBound() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.outboundQueueBound
}

// SetOutboundQueueBound updates the outbound queue capacity at runtime.
func (c *Config) SetOutboundQueueBound(n int) {
	c.mu.Lock()
	c.outboundQueueBound = n
	c.mu.Unlock()
}

// HeartbeatInterval returns the realtime gateway ping interval.
func (c *Config) HeartbeatInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.heartbeatInterval
}

// HeartbeatTimeout returns the realtime gateway liveness timeout.
func (c *Config) HeartbeatTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.heartbeatTimeout
}

// OperationDeadline returns the default Docker operation deadline.
func (c *Config) OperationDeadline() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.operationDeadline
}

// ReadinessTimeout returns the post-start readiness probe wait cap.
func (c *Config) ReadinessTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readinessTimeout
}

// ExecutionTimeout returns the per-run execution cap; zero disables it.
func (c *Config) ExecutionTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.executionTimeout
}

// DockerTLSEnabled returns true when mTLS material is configured for the
// Docker connection.
func (c *Config) DockerTLSEnabled() bool {
	return c.DockerTLSCACert != "" && c.DockerTLSClientCert != "" && c.DockerTLSClientKey != ""
}
