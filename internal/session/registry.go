package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/cobaltforge/agentcore/internal/clock"
	"github.com/cobaltforge/agentcore/internal/enginerr"
	"github.com/cobaltforge/agentcore/internal/events"
	"github.com/cobaltforge/agentcore/internal/logging"
)

// Registry holds every session known to the engine under one mutex, indexed
// two ways: by the server-assigned id (stable for the session's lifetime)
// and by the agent-assigned id (bound once the agent reports it, per
// ExtractSessionID in the agent executor's capability set).
type Registry struct {
	mu        sync.Mutex
	byServer  map[string]*Session
	byAgent   map[string]*Session
	bus       *events.Bus
	log       *logging.Logger
	clock     clock.Clock
	grace     func() time.Duration
}

// New creates an empty Registry. grace returns the current completed-session
// GC grace period; it is read fresh on every sweep so the janitor can tune
// it at runtime via config.Config.SetSessionGrace.
func New(bus *events.Bus, log *logging.Logger, clk clock.Clock, grace func() time.Duration) *Registry {
	return &Registry{
		byServer: make(map[string]*Session),
		byAgent:  make(map[string]*Session),
		bus:      bus,
		log:      log.Component("session"),
		clock:    clk,
		grace:    grace,
	}
}

// Register creates a new pending session under a server-assigned id. The
// caller supplies serverID (typically a freshly minted uuid); Register
// returns an error if that id is already registered.
func (r *Registry) Register(serverID, userID, containerID string, agent Agent, projectPath string, cancel func()) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byServer[serverID]; exists {
		return nil, enginerr.New(enginerr.InvalidArgument, fmt.Sprintf("server_id %s already registered", serverID))
	}

	now := r.clock.Now()
	s := &Session{
		ServerID:    serverID,
		UserID:      userID,
		ContainerID: containerID,
		Agent:       agent,
		ProjectPath: projectPath,
		State:       StatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
		Cancel:      cancel,
	}
	r.byServer[serverID] = s
	return s, nil
}

// BindAgentID atomically rebinds a session's agent-assigned id once the
// underlying agent process reports one. Re-binding the same serverID to a
// new agentID (a reconnect) first releases the old byAgent entry.
func (r *Registry) BindAgentID(serverID, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byServer[serverID]
	if !ok {
		return enginerr.New(enginerr.NotFound, fmt.Sprintf("session %s not found", serverID))
	}
	if existing, ok := r.byAgent[agentID]; ok && existing.ServerID != serverID {
		return enginerr.New(enginerr.InvalidArgument, fmt.Sprintf("agent_id %s already bound to a different session", agentID))
	}

	if s.AgentID != "" {
		delete(r.byAgent, s.AgentID)
	}
	s.AgentID = agentID
	s.State = StateActive
	s.UpdatedAt = r.clock.Now()
	r.byAgent[agentID] = s
	return nil
}

// Get returns the session for serverID.
func (r *Registry) Get(serverID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byServer[serverID]
	return s, ok
}

// GetByAgentID returns the session bound to agentID.
func (r *Registry) GetByAgentID(agentID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byAgent[agentID]
	return s, ok
}

// ListForUser returns all sessions belonging to userID, any state.
func (r *Registry) ListForUser(userID string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Session
	for _, s := range r.byServer {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out
}

// HasInFlight reports whether userID has any non-terminal session, used by
// the realtime gateway to decide whether a server_event{projects_changed}
// is safe to emit without racing an in-progress run.
func (r *Registry) HasInFlight(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.byServer {
		if s.UserID == userID && !s.State.IsTerminal() {
			return true
		}
	}
	return false
}

// Abort transitions a session to aborted and invokes its cancellation
// handle. Exactly one call wins the transition out of pending/active; a
// second call on an already-terminal session is a no-op.
func (r *Registry) Abort(serverID string) error {
	return r.markTerminal(serverID, StateAborted)
}

// MarkTerminal transitions a session to one of the terminal states
// (completed, aborted, failed). Only the first transition out of
// pending/active takes effect.
func (r *Registry) MarkTerminal(serverID string, state State) error {
	if !state.IsTerminal() {
		return enginerr.New(enginerr.InvalidArgument, fmt.Sprintf("%s is not a terminal state", state))
	}
	return r.markTerminal(serverID, state)
}

func (r *Registry) markTerminal(serverID string, state State) error {
	r.mu.Lock()
	s, ok := r.byServer[serverID]
	if !ok {
		r.mu.Unlock()
		return enginerr.New(enginerr.NotFound, fmt.Sprintf("session %s not found", serverID))
	}
	if s.State.IsTerminal() {
		r.mu.Unlock()
		return nil
	}
	s.State = state
	now := r.clock.Now()
	s.UpdatedAt = now
	s.CompletedAt = now
	cancel := s.Cancel
	userID := s.UserID
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if r.bus != nil {
		r.bus.Publish(events.Event{
			Type:      events.EventSessionTerminal,
			UserID:    userID,
			Subject:   serverID,
			Timestamp: now,
		})
	}
	return nil
}

// SweepTerminal garbage-collects sessions that have been terminal for
// longer than the configured grace period. Called periodically by the
// janitor; idempotent.
func (r *Registry) SweepTerminal() int {
	cutoff := r.clock.Now().Add(-r.grace())

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed int
	for id, s := range r.byServer {
		if !s.State.IsTerminal() {
			continue
		}
		if s.CompletedAt.After(cutoff) {
			continue
		}
		delete(r.byServer, id)
		if s.AgentID != "" {
			delete(r.byAgent, s.AgentID)
		}
		removed++
	}
	if removed > 0 {
		r.log.Info("swept terminal sessions", "count", removed)
	}
	return removed
}
