// Package containerpool implements the Container Pool (C2): the per-user
// lifecycle manager that sits between the session/realtime layers and the
// Docker Gateway (C1).
package containerpool

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/cobaltforge/agentcore/internal/clock"
	"github.com/cobaltforge/agentcore/internal/config"
	"github.com/cobaltforge/agentcore/internal/dockerx"
	"github.com/cobaltforge/agentcore/internal/enginerr"
	"github.com/cobaltforge/agentcore/internal/events"
	"github.com/cobaltforge/agentcore/internal/extension"
	"github.com/cobaltforge/agentcore/internal/logging"
	"github.com/cobaltforge/agentcore/internal/policy"
	"github.com/cobaltforge/agentcore/internal/store"
)

const (
	networkName  = "agentcore-net"
	readyProbe   = "echo ready"
	workspaceDir = "/workspace"
	claudeDir    = "/workspace/.claude"
	extTarDest   = "/workspace/.claude"
)

// Bundle names the image and any extra mounts for a resolved tier.
type Bundle struct {
	Image string
}

// bundleFor resolves which image a tier runs. A static lookup today; kept
// as a function (not a map field on Pool) so tests can override it without
// threading a new constructor parameter through every call site.
var bundleFor = func(tier policy.Tier) (Bundle, error) {
	switch tier {
	case policy.TierFree, policy.TierPro, policy.TierEnterprise:
		return Bundle{Image: "agentcore/workspace:latest"}, nil
	default:
		return Bundle{}, enginerr.New(enginerr.InvalidArgument, fmt.Sprintf("unknown tier %q", tier))
	}
}

// InFlightChecker reports whether a user currently has a non-terminal
// session, so idle reaping never pulls a container out from under a live
// run whose LastActive went stale (MarkActive only fires on inbound
// commands, not on executor progress). Satisfied by *session.Registry.
type InFlightChecker interface {
	HasInFlight(userID string) bool
}

// Pool manages one container per user. Locking is tiered: the registry
// mutex guards the per-user mutex map itself; each per-user mutex then
// guards that single user's create/stop/remove sequence. The registry
// mutex is never held across a Docker call or a store write — only long
// enough to fetch or create the per-user lock.
type Pool struct {
	registryMu sync.Mutex
	userLocks  map[string]*sync.Mutex

	docker   dockerx.API
	store    *store.Store
	ext      *extension.Syncer
	bus      *events.Bus
	log      *logging.Logger
	clock    clock.Clock
	cfg      *config.Config
	inFlight InFlightChecker
}

// New creates a Pool.
func New(docker dockerx.API, st *store.Store, ext *extension.Syncer, bus *events.Bus, log *logging.Logger, clk clock.Clock, cfg *config.Config) *Pool {
	return &Pool{
		userLocks: make(map[string]*sync.Mutex),
		docker:    docker,
		store:     st,
		ext:       ext,
		bus:       bus,
		log:       log.Component("containerpool"),
		clock:     clk,
		cfg:       cfg,
	}
}

// SetInFlightChecker wires the session registry's in-flight check into idle
// reaping. Split from New because the registry and pool are constructed in
// sequence in cmd/engined/main.go and each needs the other only loosely
// (by interface, not by import cycle).
func (p *Pool) SetInFlightChecker(c InFlightChecker) {
	p.inFlight = c
}

func (p *Pool) lockFor(userID string) *sync.Mutex {
	p.registryMu.Lock()
	defer p.registryMu.Unlock()
	l, ok := p.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		p.userLocks[userID] = l
	}
	return l
}

// GetOrCreate returns the active container for userID, creating one if
// none exists or the existing one is no longer usable. The double-checked
// pattern: a cheap store read happens before acquiring the per-user lock,
// and the record is re-checked once the lock is held, so two concurrent
// callers for the same user never race to create two containers.
func (p *Pool) GetOrCreate(ctx context.Context, userID string, tier policy.Tier, override policy.Override) (store.ContainerRecord, error) {
	if rec, ok, err := p.store.GetContainerRecord(userID); err != nil {
		return store.ContainerRecord{}, enginerr.Wrap(enginerr.Internal, "read container record", err)
	} else if ok && rec.Status == store.StatusActive {
		if _, inspectErr := p.docker.InspectContainer(ctx, rec.ContainerID); inspectErr == nil {
			return rec, nil
		}
		// Fell out from under us (daemon restart, manual removal) -- fall
		// through to the locked path and recreate.
	}

	lock := p.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	rec, ok, err := p.store.GetContainerRecord(userID)
	if err != nil {
		return store.ContainerRecord{}, enginerr.Wrap(enginerr.Internal, "read container record", err)
	}
	if ok && rec.Status == store.StatusActive {
		if _, inspectErr := p.docker.InspectContainer(ctx, rec.ContainerID); inspectErr == nil {
			return rec, nil
		}
		p.log.Warn("active record points at a missing container, recreating", "user_id", userID, "container_id", rec.ContainerID)
	}

	return p.create(ctx, userID, tier, override)
}

// create runs the full container provisioning procedure:
//  1. resolve tier -> bundle
//  2. compose the container name from userID plus a random 8-character
//     suffix (so the name is not deterministic: each create gets a new one)
//  3. ensure the shared network exists
//  4. ensure the bundle image is present
//  5. prepare the host workspace and .claude directories (mount sources)
//  6. call the Docker Gateway to create the container with resource limits,
//     security options, mounts, and environment
//  7. start the container
//  8. probe readiness with `echo ready`
//  9. copy in the user's extension bundle (best-effort, non-fatal)
//  10. persist the container record
//
// A failure at any step before persistence releases the per-user lock
// without leaving a partially-created record behind.
func (p *Pool) create(ctx context.Context, userID string, tier policy.Tier, override policy.Override) (store.ContainerRecord, error) {
	limits, err := policy.Resolve(tier, override)
	if err != nil {
		return store.ContainerRecord{}, enginerr.Wrap(enginerr.InvalidArgument, "resolve resource policy", err)
	}

	bundle, err := bundleFor(tier)
	if err != nil {
		return store.ContainerRecord{}, err
	}

	name := fmt.Sprintf("agentcore-u%s-%s", userID, uuid.NewString()[:8])

	if _, err := p.docker.EnsureNetwork(ctx, networkName); err != nil {
		return store.ContainerRecord{}, enginerr.WrapTransient(enginerr.ContainerUnavailable, "ensure network", err)
	}
	if err := p.docker.EnsureImage(ctx, bundle.Image); err != nil {
		return store.ContainerRecord{}, enginerr.WrapTransient(enginerr.ContainerUnavailable, "ensure image", err)
	}

	hostWorkspace, hostClaude, err := prepareHostDirs(userID)
	if err != nil {
		return store.ContainerRecord{}, enginerr.Wrap(enginerr.Internal, "prepare host workspace", err)
	}

	cfg := &container.Config{
		Image: bundle.Image,
		Env:   []string{fmt.Sprintf("AGENTCORE_USER_ID=%s", userID)},
	}
	hostCfg := &container.HostConfig{
		Binds: []string{
			hostWorkspace + ":" + workspaceDir,
			hostClaude + ":" + claudeDir,
		},
		Resources: container.Resources{
			Memory:   limits.MemoryBytes,
			NanoCPUs: int64(limits.CPUQuota * 1e9),
		},
		ReadonlyRootfs: limits.Security.ReadOnlyRootFS,
		CapDrop:        limits.Security.CapDrop,
		SecurityOpt:    securityOptStrings(limits.Security),
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			networkName: {},
		},
	}

	containerID, err := p.docker.CreateContainer(ctx, name, cfg, hostCfg, netCfg)
	if err != nil {
		return store.ContainerRecord{}, enginerr.WrapTransient(enginerr.ContainerUnavailable, "create container", err)
	}

	if err := p.docker.StartContainer(ctx, containerID); err != nil {
		return store.ContainerRecord{}, enginerr.WrapTransient(enginerr.ContainerUnavailable, "start container", err)
	}

	readyCtx, readyCancel := context.WithTimeout(ctx, p.cfg.ReadinessTimeout())
	err = p.probeReady(readyCtx, containerID)
	readyCancel()
	if err != nil {
		if removeErr := p.docker.RemoveContainer(ctx, containerID); removeErr != nil {
			p.log.Warn("failed to remove container after readiness timeout", "container_id", containerID, "error", removeErr)
		}
		return store.ContainerRecord{}, enginerr.Wrap(enginerr.ContainerUnavailable, "readiness probe", err)
	}

	if p.ext != nil {
		if tarStream, extErr := p.ext.Build(userID); extErr == nil {
			if copyErr := p.docker.CopyInto(ctx, containerID, extTarDest, tarStream); copyErr != nil {
				p.log.Warn("extension bundle copy-in failed, continuing without it", "user_id", userID, "error", copyErr)
			}
		} else {
			p.log.Warn("extension bundle build failed, continuing without it", "user_id", userID, "error", extErr)
		}
	}

	now := p.clock.Now()
	rec := store.ContainerRecord{
		UserID:        userID,
		ContainerID:   containerID,
		ContainerName: name,
		Status:        store.StatusActive,
		CreatedAt:     now,
		LastActive:    now,
	}
	if err := p.store.SaveContainerRecord(rec); err != nil {
		return store.ContainerRecord{}, enginerr.Wrap(enginerr.Internal, "persist container record", err)
	}

	if p.bus != nil {
		p.bus.Publish(events.Event{Type: events.EventContainerCreated, UserID: userID, Subject: containerID, Timestamp: now})
	}

	return rec, nil
}

func (p *Pool) probeReady(ctx context.Context, containerID string) error {
	res, err := p.docker.Exec(ctx, containerID, []string{"sh", "-c", readyProbe})
	if err != nil {
		return err
	}
	var out bytes.Buffer
	_, _ = out.ReadFrom(res.Stdout)
	code, err := res.Wait(ctx)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("readiness probe exited %d", code)
	}
	return nil
}

func securityOptStrings(sec policy.SecurityOptions) []string {
	var opts []string
	if sec.NoNewPrivileges {
		opts = append(opts, "no-new-privileges")
	}
	return opts
}

// MarkActive bumps LastActive for userID's container, called by the
// realtime gateway on every inbound run command to reset the idle-reap clock.
func (p *Pool) MarkActive(userID string) error {
	lock := p.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	rec, ok, err := p.store.GetContainerRecord(userID)
	if err != nil {
		return enginerr.Wrap(enginerr.Internal, "read container record", err)
	}
	if !ok {
		return enginerr.New(enginerr.NotFound, fmt.Sprintf("no container for user %s", userID))
	}
	rec.LastActive = p.clock.Now()
	return p.store.SaveContainerRecord(rec)
}

// Stop stops (but does not remove) userID's container.
func (p *Pool) Stop(ctx context.Context, userID string) error {
	lock := p.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	rec, ok, err := p.store.GetContainerRecord(userID)
	if err != nil {
		return enginerr.Wrap(enginerr.Internal, "read container record", err)
	}
	if !ok {
		return nil
	}
	if err := p.docker.StopContainer(ctx, rec.ContainerID, 10); err != nil {
		return enginerr.WrapTransient(enginerr.ContainerUnavailable, "stop container", err)
	}
	rec.Status = store.StatusIdle
	return p.store.SaveContainerRecord(rec)
}

// Remove stops and removes userID's container and clears its persisted
// record.
func (p *Pool) Remove(ctx context.Context, userID string) error {
	lock := p.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	rec, ok, err := p.store.GetContainerRecord(userID)
	if err != nil {
		return enginerr.Wrap(enginerr.Internal, "read container record", err)
	}
	if !ok {
		return nil
	}
	if err := p.docker.RemoveContainer(ctx, rec.ContainerID); err != nil {
		return enginerr.Wrap(enginerr.Internal, "remove container", err)
	}
	if err := p.store.DeleteContainerRecord(userID); err != nil {
		return enginerr.Wrap(enginerr.Internal, "delete container record", err)
	}
	if p.bus != nil {
		p.bus.Publish(events.Event{Type: events.EventContainerRemoved, UserID: userID, Subject: rec.ContainerID, Timestamp: p.clock.Now()})
	}
	return nil
}

// Demote marks userID's container failed after a runtime crash is detected
// by the agent executor, forcing the next GetOrCreate to recreate it.
func (p *Pool) Demote(userID string) error {
	lock := p.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	rec, ok, err := p.store.GetContainerRecord(userID)
	if err != nil {
		return enginerr.Wrap(enginerr.Internal, "read container record", err)
	}
	if !ok {
		return nil
	}
	rec.Status = store.StatusFailed
	if err := p.store.SaveContainerRecord(rec); err != nil {
		return err
	}
	if p.bus != nil {
		p.bus.Publish(events.Event{Type: events.EventContainerFailed, UserID: userID, Subject: rec.ContainerID, Timestamp: p.clock.Now()})
	}
	return nil
}

// ListActive returns every container record currently marked active.
func (p *Pool) ListActive() ([]store.ContainerRecord, error) {
	all, err := p.store.ListContainerRecords()
	if err != nil {
		return nil, err
	}
	var active []store.ContainerRecord
	for _, r := range all {
		if r.Status == store.StatusActive {
			active = append(active, r)
		}
	}
	return active, nil
}

// RestoreFromPersistence reconciles persisted container records against
// live Docker state at startup: records whose container no longer exists
// are marked failed rather than silently dropped, so the next GetOrCreate
// recreates them.
func (p *Pool) RestoreFromPersistence(ctx context.Context) error {
	recs, err := p.store.ListContainerRecords()
	if err != nil {
		return enginerr.Wrap(enginerr.Internal, "list container records", err)
	}
	for _, rec := range recs {
		if rec.Status != store.StatusActive {
			continue
		}
		if _, err := p.docker.InspectContainer(ctx, rec.ContainerID); err != nil {
			rec.Status = store.StatusFailed
			if saveErr := p.store.SaveContainerRecord(rec); saveErr != nil {
				p.log.Warn("failed to demote stale container record", "user_id", rec.UserID, "error", saveErr)
			}
		}
	}
	return nil
}

// ReapIdle stops, removes, and deletes the record of every active container
// whose LastActive is older than threshold and which has no live session in
// the session registry. Implements the ContainerReaper interface the
// janitor expects, per spec.md §4.2/§8 S5: idle containers are stopped and
// removed, never left merely stopped, and a container backing an in-flight
// session (whose LastActive happens to be stale) is never reaped out from
// under it.
func (p *Pool) ReapIdle(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := p.clock.Now().Add(-threshold)
	active, err := p.ListActive()
	if err != nil {
		return 0, err
	}

	var reaped int
	for _, rec := range active {
		if rec.LastActive.After(cutoff) {
			continue
		}
		if p.inFlight != nil && p.inFlight.HasInFlight(rec.UserID) {
			continue
		}
		if err := p.Stop(ctx, rec.UserID); err != nil {
			p.log.Warn("idle reap failed to stop container", "user_id", rec.UserID, "error", err)
			continue
		}
		if err := p.Remove(ctx, rec.UserID); err != nil {
			p.log.Warn("idle reap failed to remove container", "user_id", rec.UserID, "error", err)
			continue
		}
		reaped++
	}
	return reaped, nil
}

// PruneMetrics implements the MetricsPruner interface by delegating to the
// underlying store.
func (p *Pool) PruneMetrics(_ context.Context, olderThan time.Time) (int, error) {
	return p.store.PruneMetrics(olderThan)
}

// CollectStats samples C1's stats verb for every active container and
// records it into the container_metrics table, implementing the janitor's
// StatsCollector interface. This is the write side spec.md §4.1/§6 names
// alongside the metrics-prune sweep that reads it back out.
func (p *Pool) CollectStats(ctx context.Context) (int, error) {
	active, err := p.ListActive()
	if err != nil {
		return 0, err
	}

	now := p.clock.Now()
	var collected int
	for _, rec := range active {
		stats, err := p.docker.ContainerStats(ctx, rec.ContainerID)
		if err != nil {
			p.log.Warn("stats collection failed", "user_id", rec.UserID, "container_id", rec.ContainerID, "error", err)
			continue
		}

		sample := store.MetricSample{
			ContainerID: rec.ContainerID,
			ResourceUsage: store.ResourceUsage{
				CPUPercent:    stats.CPUPercent,
				MemoryUsed:    stats.MemoryUsed,
				MemoryLimit:   stats.MemoryLimit,
				MemoryPercent: stats.MemoryPercent,
				DiskUsed:      stats.DiskUsed,
				NetworkRx:     stats.NetworkRx,
				NetworkTx:     stats.NetworkTx,
			},
			RecordedAt: now,
		}
		if err := p.store.RecordMetric(sample); err != nil {
			p.log.Warn("record metric failed", "container_id", rec.ContainerID, "error", err)
			continue
		}

		rec.ResourceUsage = sample.ResourceUsage
		if err := p.store.SaveContainerRecord(rec); err != nil {
			p.log.Warn("save container record after stats sample failed", "user_id", rec.UserID, "error", err)
		}
		collected++
	}
	return collected, nil
}
