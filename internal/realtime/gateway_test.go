package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cobaltforge/agentcore/internal/clock"
	"github.com/cobaltforge/agentcore/internal/events"
	"github.com/cobaltforge/agentcore/internal/logging"
	"github.com/cobaltforge/agentcore/internal/session"
)

func newTestGateway(t *testing.T, reg *session.Registry) *Gateway {
	t.Helper()
	return &Gateway{
		registry: reg,
		bus:      events.New(),
		log:      logging.New(false),
		clock:    clock.Real{},
	}
}

func drainFrame(t *testing.T, ch *Channel) Outbound {
	t.Helper()
	select {
	case data := <-ch.queue:
		var out Outbound
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		return out
	default:
		t.Fatal("expected a queued frame, found none")
		return Outbound{}
	}
}

func TestHandleListSessionsReportsRegisteredSessions(t *testing.T) {
	reg := session.New(events.New(), logging.New(false), clock.Real{}, func() time.Duration { return time.Minute })
	_, err := reg.Register("s-1", "user-1", "container-1", session.AgentClaude, "", func() {})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	g := newTestGateway(t, reg)
	ch := newChannel("user-1", nil, 8, time.Hour, time.Hour, logging.New(false), clock.Real{})

	g.handleListSessions(ch, "user-1")

	frame := drainFrame(t, ch)
	if frame.Type != OutActiveSessions {
		t.Fatalf("frame type = %v, want active_sessions", frame.Type)
	}
	if len(frame.Sessions) != 1 || frame.Sessions[0].ServerID != "s-1" {
		t.Errorf("sessions = %+v, want one entry for s-1", frame.Sessions)
	}
}

func TestHandleAbortOnUnknownSessionIsIdempotent(t *testing.T) {
	reg := session.New(events.New(), logging.New(false), clock.Real{}, func() time.Duration { return time.Minute })
	g := newTestGateway(t, reg)
	ch := newChannel("user-1", nil, 8, time.Hour, time.Hour, logging.New(false), clock.Real{})

	g.handleAbort(ch, "unknown-session")

	frame := drainFrame(t, ch)
	if frame.Type != OutSessionStatus || frame.State != string(session.StateAborted) {
		t.Errorf("frame = %+v, want session_status{state=aborted}", frame)
	}
}

func TestDispatchPingRepliesWithPong(t *testing.T) {
	reg := session.New(events.New(), logging.New(false), clock.Real{}, func() time.Duration { return time.Minute })
	g := newTestGateway(t, reg)
	ch := newChannel("user-1", nil, 8, time.Hour, time.Hour, logging.New(false), clock.Real{})

	g.dispatch(nil, ch, "user-1", Inbound{Op: "ping"})

	frame := drainFrame(t, ch)
	if frame.Type != OutPong {
		t.Errorf("frame type = %v, want pong", frame.Type)
	}
}
