package agentexec

import (
	"context"
	"testing"
	"time"

	"github.com/cobaltforge/agentcore/internal/clock"
	"github.com/cobaltforge/agentcore/internal/dockerx"
	"github.com/cobaltforge/agentcore/internal/events"
	"github.com/cobaltforge/agentcore/internal/logging"
	"github.com/cobaltforge/agentcore/internal/session"
)

func newTestRegistry() *session.Registry {
	return session.New(events.New(), logging.New(false), clock.Real{}, func() time.Duration { return 30 * time.Minute })
}

func noTimeout() time.Duration { return 0 }

func TestRunEmitsSessionCreatedThenComplete(t *testing.T) {
	reg := newTestRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess, err := reg.Register("s-1", "user-42", "container-1", session.AgentClaude, "/workspace", cancel)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	stdout := `{"type":"system","subtype":"init","session_id":"ag-abc"}` + "\n" +
		`{"type":"assistant","message":"hello"}` + "\n" +
		`{"type":"result","usage":{"input_tokens":10,"output_tokens":20}}` + "\n"

	fd := &fakeDocker{execFn: func([]string) (*dockerx.ExecResult, error) {
		return staticExecResult(stdout, "", 0), nil
	}}

	exec := New(fd, reg, logging.New(false), clock.Real{}, noTimeout)

	var sessionIDSeen string
	msgs := drain(t, exec.Run(ctx, "container-1", sess, "hello", RunOptions{}, func(id string) { sessionIDSeen = id }))

	if sessionIDSeen != "ag-abc" {
		t.Errorf("onSessionID callback = %q, want ag-abc", sessionIDSeen)
	}
	if len(msgs) == 0 {
		t.Fatal("expected at least one message")
	}
	if msgs[0].Kind != KindSessionCreated || msgs[0].AgentID != "ag-abc" {
		t.Errorf("first message = %+v, want session_created{agent_id=ag-abc}", msgs[0])
	}

	last := msgs[len(msgs)-1]
	if last.Kind != KindComplete {
		t.Errorf("last message kind = %v, want complete", last.Kind)
	}
	if last.ExitCode == nil || *last.ExitCode != 0 {
		t.Errorf("last message exit code = %v, want 0", last.ExitCode)
	}

	got, ok := reg.Get("s-1")
	if !ok {
		t.Fatal("session not found after run")
	}
	if got.State != session.StateCompleted {
		t.Errorf("session state = %v, want completed", got.State)
	}
	if got.AgentID != "ag-abc" {
		t.Errorf("session agent id = %q, want ag-abc", got.AgentID)
	}
}

func TestRunEmitsExecutionFailedOnNonZeroExit(t *testing.T) {
	reg := newTestRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess, err := reg.Register("s-2", "user-42", "container-1", session.AgentClaude, "/workspace", cancel)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	fd := &fakeDocker{execFn: func([]string) (*dockerx.ExecResult, error) {
		return staticExecResult("", "permission denied opening file\n", 1), nil
	}}

	exec := New(fd, reg, logging.New(false), clock.Real{}, noTimeout)
	msgs := drain(t, exec.Run(ctx, "container-1", sess, "do a thing", RunOptions{}, nil))

	var sawFatalStderr, sawTerminalError bool
	for _, m := range msgs {
		if m.Kind == KindError && m.Payload != nil {
			if _, ok := m.Payload["stderr"]; ok {
				sawFatalStderr = true
			}
		}
		if m.Kind == KindError && m.ErrorKind == ErrorExecutionFailed {
			sawTerminalError = true
		}
	}
	if !sawFatalStderr {
		t.Error("expected a fatal stderr line promoted to an error message")
	}
	if !sawTerminalError {
		t.Error("expected a terminal execution_failed error message")
	}

	got, _ := reg.Get("s-2")
	if got.State != session.StateFailed {
		t.Errorf("session state = %v, want failed", got.State)
	}
}

func TestAbortIsIdempotentAndMarksSessionAborted(t *testing.T) {
	reg := newTestRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess, err := reg.Register("s-3", "user-42", "container-1", session.AgentClaude, "/workspace", cancel)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	exec := New(&fakeDocker{}, reg, logging.New(false), fastClock{}, noTimeout)

	if err := exec.Abort(ctx, "container-1", sess); err != nil {
		t.Fatalf("first Abort() error = %v", err)
	}
	if err := exec.Abort(ctx, "container-1", sess); err != nil {
		t.Fatalf("second Abort() error = %v", err)
	}

	got, _ := reg.Get("s-3")
	if got.State != session.StateAborted {
		t.Errorf("session state = %v, want aborted", got.State)
	}
}

// fastClock collapses every After() wait to an already-fired channel, so
// Abort's grace-period sleep doesn't slow down the test.
type fastClock struct{ clock.Real }

func (fastClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func drain(t *testing.T, ch <-chan Message) []Message {
	t.Helper()
	var out []Message
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, m)
		case <-deadline:
			t.Fatal("timed out draining message channel")
		}
	}
}
