package realtime

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cobaltforge/agentcore/internal/agentexec"
	"github.com/cobaltforge/agentcore/internal/clock"
	"github.com/cobaltforge/agentcore/internal/config"
	"github.com/cobaltforge/agentcore/internal/containerpool"
	"github.com/cobaltforge/agentcore/internal/events"
	"github.com/cobaltforge/agentcore/internal/logging"
	"github.com/cobaltforge/agentcore/internal/metrics"
	"github.com/cobaltforge/agentcore/internal/session"
)

// Gateway is the Realtime Gateway (C6): it upgrades authenticated HTTP
// requests to websockets, runs one Channel per connection, and wires
// inbound commands to the container pool, session registry, and agent
// executor.
type Gateway struct {
	cfg      *config.Config
	auth     Authenticator
	tiers    TierLookup
	pool     *containerpool.Pool
	registry *session.Registry
	executor *agentexec.Executor
	bus      *events.Bus
	log      *logging.Logger
	clock    clock.Clock

	upgrader websocket.Upgrader
}

// New creates a Gateway.
func New(cfg *config.Config, auth Authenticator, tiers TierLookup, pool *containerpool.Pool, registry *session.Registry, executor *agentexec.Executor, bus *events.Bus, log *logging.Logger, clk clock.Clock) *Gateway {
	return &Gateway{
		cfg:      cfg,
		auth:     auth,
		tiers:    tiers,
		pool:     pool,
		registry: registry,
		executor: executor,
		bus:      bus,
		log:      log.Component("realtime"),
		clock:    clk,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request to a websocket and runs the resulting
// channel until the client disconnects or the server shuts down.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := g.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	ch := newChannel(userID, conn, g.cfg.OutboundQueueBound(), g.cfg.HeartbeatInterval(), g.cfg.HeartbeatTimeout(), g.log, g.clock)
	conn.SetPongHandler(ch.onPong)

	metrics.ChannelsOpen.Inc()
	defer metrics.ChannelsOpen.Dec()

	unsubscribe := g.subscribeEvents(ch)
	defer unsubscribe()

	go ch.run()
	g.readLoop(r.Context(), ch, userID)
}

// readLoop is the channel's single reader goroutine: it blocks on
// conn.ReadMessage, decodes each frame, and dispatches it. The websocket
// handshake guarantees this is the only goroutine reading conn.
func (g *Gateway) readLoop(ctx context.Context, ch *Channel, userID string) {
	defer ch.Close()
	for {
		_, data, err := ch.conn.ReadMessage()
		if err != nil {
			return
		}
		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			g.log.Warn("malformed inbound frame", "user_id", userID, "error", err)
			continue
		}
		g.dispatch(ctx, ch, userID, in)
	}
}

func (g *Gateway) dispatch(ctx context.Context, ch *Channel, userID string, in Inbound) {
	switch in.Op {
	case "run":
		g.handleRun(ctx, ch, userID, in)
	case "abort":
		g.handleAbort(ch, in.SessionID)
	case "list_sessions":
		g.handleListSessions(ch, userID)
	case "ping":
		ch.send(Outbound{Type: OutPong}, false)
	default:
		g.log.Warn("unknown inbound op", "user_id", userID, "op", in.Op)
	}
}

// handleRun implements the session-protection protocol: a temp_session_id
// frame is emitted immediately so the client can correlate the stream
// before the agent ever reports its own session id, then the container is
// acquired, the session registered, and the executor started.
func (g *Gateway) handleRun(ctx context.Context, ch *Channel, userID string, in Inbound) {
	serverID := uuid.NewString()
	ch.send(Outbound{Type: OutSessionCreated, TempSessionID: in.TempSessionID, ServerID: serverID}, false)

	agent := session.Agent(in.Agent)
	if _, ok := agentexec.VariantFor(agent); !ok {
		ch.send(g.errorFrame(serverID, agentexec.ErrorInternal, "unsupported agent"), false)
		return
	}

	tier, override, err := g.tiers.Tier(userID)
	if err != nil {
		ch.send(g.errorFrame(serverID, agentexec.ErrorInternal, "resolve resource tier: "+err.Error()), false)
		return
	}

	record, err := g.pool.GetOrCreate(ctx, userID, tier, override)
	if err != nil {
		ch.send(g.errorFrame(serverID, agentexec.ErrorContainerLost, "acquire container: "+err.Error()), false)
		return
	}
	if err := g.pool.MarkActive(userID); err != nil {
		g.log.Warn("mark container active failed", "user_id", userID, "error", err)
	}

	// The session's execution context is rooted in context.Background(),
	// not the request/connection context: per spec.md §5 and §4.6, a
	// channel disconnect (or liveness close) must not cancel in-flight
	// sessions -- only an explicit abort resolves this cancel handle.
	runCtx, cancel := context.WithCancel(context.Background())
	// ProjectPath is left empty: the Agent Executor defaults to the
	// container's fixed /workspace mount when none is set.
	sess, err := g.registry.Register(serverID, userID, record.ContainerID, agent, "", cancel)
	if err != nil {
		cancel()
		ch.send(g.errorFrame(serverID, agentexec.ErrorInternal, "register session: "+err.Error()), false)
		return
	}
	ch.registerSession(serverID, cancel)

	opts := agentexec.RunOptions{
		Model:           in.Options.Model,
		PermissionMode:  in.Options.PermissionMode,
		AllowedTools:    in.Options.AllowedTools,
		DisallowedTools: in.Options.DisallowedTools,
		MCPServers:      in.Options.MCPServers,
		Resume:          in.Options.Resume,
		Images:          in.Options.Images,
	}

	msgs := g.executor.Run(runCtx, record.ContainerID, sess, in.Command, opts, func(agentID string) {
		ch.send(Outbound{Type: OutSessionCreated, ServerID: serverID, AgentID: agentID}, false)
	})

	go func() {
		defer ch.unregisterSession(serverID)
		for m := range msgs {
			ch.sendMessage(serverID, m)
		}
		if !g.registry.HasInFlight(userID) {
			g.bus.Publish(events.Event{Type: events.EventProjectsChanged, UserID: userID, Timestamp: g.clock.Now()})
		}
	}()
}

func (g *Gateway) handleAbort(ch *Channel, serverID string) {
	sess, ok := g.registry.Get(serverID)
	if !ok {
		// Unknown (or already swept) session: abort is idempotent by
		// construction, so report success rather than an error. A terminal
		// session not yet swept is still found above and goes through
		// Executor.Abort, which is a no-op for it.
		ch.send(Outbound{Type: OutSessionStatus, ServerID: serverID, State: string(session.StateAborted)}, false)
		return
	}
	if !ch.cancelSession(serverID) {
		g.log.Warn("abort for session with no registered cancel handle", "server_id", serverID)
	}
	if err := g.executor.Abort(context.Background(), sess.ContainerID, sess); err != nil {
		g.log.Warn("abort failed", "server_id", serverID, "error", err)
	}
}

func (g *Gateway) handleListSessions(ch *Channel, userID string) {
	sessions := g.registry.ListForUser(userID)
	out := make([]ActiveSession, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, ActiveSession{ServerID: s.ServerID, AgentID: s.AgentID, Agent: string(s.Agent), State: string(s.State)})
	}
	ch.send(Outbound{Type: OutActiveSessions, Sessions: out}, false)
}

// subscribeEvents forwards bus events scoped to userID as server_event
// frames until unsubscribe is called.
func (g *Gateway) subscribeEvents(ch *Channel) func() {
	evts, unsubscribe := g.bus.Subscribe()
	go func() {
		for evt := range evts {
			if evt.UserID != "" && evt.UserID != ch.userID {
				continue
			}
			ch.send(Outbound{Type: OutServerEvent, Event: string(evt.Type)}, true)
		}
	}()
	return unsubscribe
}

func (g *Gateway) errorFrame(serverID string, kind agentexec.ErrorKind, msg string) Outbound {
	return Outbound{
		Type:     OutMessage,
		ServerID: serverID,
		Payload: agentexec.Message{
			Kind:      agentexec.KindError,
			ServerID:  serverID,
			ErrorKind: kind,
			Payload:   map[string]any{"message": msg},
			EmittedAt: g.clock.Now(),
		},
	}
}
