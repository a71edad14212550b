package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cobaltforge/agentcore/internal/agentexec"
	"github.com/cobaltforge/agentcore/internal/clock"
	"github.com/cobaltforge/agentcore/internal/logging"
	"github.com/cobaltforge/agentcore/internal/metrics"
)

// isCritical reports whether frame must never be shed under backpressure:
// session lifecycle frames and terminal Execution Messages (complete,
// error, and the aborted case riding an error message) block briefly
// rather than drop, since losing one breaks the session-protection
// protocol or strands the client without a terminal state.
func isCritical(frame Outbound) bool {
	switch frame.Type {
	case OutSessionCreated, OutActiveSessions:
		return true
	case OutMessage:
		m, ok := frame.Payload.(agentexec.Message)
		return ok && m.Kind != agentexec.KindStatus && m.Kind != agentexec.KindTokenUsage
	default:
		return true
	}
}

// enqueueDeadline bounds how long a critical-frame enqueue blocks before
// the channel gives up on a stalled writer and tears itself down.
const enqueueDeadline = 5 * time.Second

// Channel is one user's duplex websocket connection: a single writer
// goroutine owns conn.WriteMessage, matching the single-writer-pump
// pattern gorilla/websocket requires (concurrent writes from multiple
// goroutines are not safe on one *websocket.Conn).
type Channel struct {
	userID string
	conn   *websocket.Conn
	log    *logging.Logger
	clock  clock.Clock

	queue chan []byte

	mu            sync.Mutex
	pendingStatus []byte // coalesced slot for the latest shed status/token_usage frame
	sessions      map[string]context.CancelFunc
	closed        bool
	closeCh       chan struct{}
	closeOnce     sync.Once

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	lastPong          time.Time
}

func newChannel(userID string, conn *websocket.Conn, queueBound int, heartbeatInterval, heartbeatTimeout time.Duration, log *logging.Logger, clk clock.Clock) *Channel {
	return &Channel{
		userID:            userID,
		conn:              conn,
		log:               log,
		clock:             clk,
		queue:             make(chan []byte, queueBound),
		sessions:          make(map[string]context.CancelFunc),
		closeCh:           make(chan struct{}),
		heartbeatInterval: heartbeatInterval,
		heartbeatTimeout:  heartbeatTimeout,
		lastPong:          clk.Now(),
	}
}

// send marshals and enqueues an outbound frame, applying the shedding
// policy: every frame isCritical accepts (session_created, active_sessions,
// server_event, pong, and every "message" frame other than status and
// token_usage) blocks up to enqueueDeadline rather than drop, then closes
// the channel; status and token_usage "message" frames are dropped under
// backpressure, and when coalesce is set the latest dropped one is kept so
// the client still sees it once the queue drains.
func (c *Channel) send(frame Outbound, coalesce bool) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	data, err := json.Marshal(frame)
	if err != nil {
		c.log.Error("marshal outbound frame", "error", err, "type", frame.Type)
		return
	}

	if isCritical(frame) {
		select {
		case c.queue <- data:
		case <-time.After(enqueueDeadline):
			metrics.OutboundDroppedTotal.WithLabelValues(string(frame.Type) + "_timeout").Inc()
			c.Close()
		case <-c.closeCh:
		}
		return
	}

	select {
	case c.queue <- data:
	default:
		metrics.OutboundDroppedTotal.WithLabelValues(string(frame.Type)).Inc()
		if coalesce {
			c.mu.Lock()
			c.pendingStatus = data
			c.mu.Unlock()
		}
	}
}

// sendMessage wraps an Execution Message in a "message" envelope and
// applies the coalescing policy spec.md §4.6 describes: status and
// token_usage are droppable/coalescible, everything else (session
// lifecycle and terminal messages) is critical.
func (c *Channel) sendMessage(serverID string, m agentexec.Message) {
	frame := Outbound{Type: OutMessage, ServerID: serverID, Payload: m}
	switch m.Kind {
	case agentexec.KindStatus, agentexec.KindTokenUsage:
		c.send(frame, true)
	case agentexec.KindSessionCreated:
		frame.Type = OutSessionCreated
		frame.AgentID = m.AgentID
		c.send(frame, false)
	default:
		c.send(frame, false)
	}
}

// run is the channel's writer pump: it owns the only goroutine permitted
// to call conn.WriteMessage, drains the queue, opportunistically flushes
// a coalesced status frame when the queue is empty, and pings on
// heartbeatInterval, closing the connection if no pong arrives within
// heartbeatTimeout.
func (c *Channel) run() {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case data, ok := <-c.queue:
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn("write frame failed", "user_id", c.userID, "error", err)
				c.Close()
				return
			}
			c.flushPending()
		case <-ticker.C:
			c.mu.Lock()
			stale := c.clock.Now().Sub(c.lastPong) > c.heartbeatTimeout
			c.mu.Unlock()
			if stale {
				c.log.Info("channel heartbeat timeout", "user_id", c.userID)
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

func (c *Channel) flushPending() {
	c.mu.Lock()
	pending := c.pendingStatus
	c.pendingStatus = nil
	c.mu.Unlock()
	if pending == nil {
		return
	}
	select {
	case c.queue <- pending:
	default:
	}
}

func (c *Channel) onPong(string) error {
	c.mu.Lock()
	c.lastPong = c.clock.Now()
	c.mu.Unlock()
	return nil
}

// registerSession records a per-session cancel handle so a later explicit
// abort command can tear it down. Channel teardown never calls these: per
// spec.md §5/§4.6, closing a channel stops forwarding output but leaves
// the underlying sessions running to completion.
func (c *Channel) registerSession(serverID string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[serverID] = cancel
}

func (c *Channel) unregisterSession(serverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, serverID)
}

func (c *Channel) cancelSession(serverID string) bool {
	c.mu.Lock()
	cancel, ok := c.sessions[serverID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Close tears down the channel idempotently: it stops accepting new
// outbound frames and unblocks the writer pump. Per spec.md §5 ("writer-
// close does not cancel running sessions") and §4.6, in-flight sessions
// are left running to completion; only an explicit abort cancels a
// session's execution context. A fresh channel's list_sessions can still
// discover them (S6).
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.closeCh)
	})
}
