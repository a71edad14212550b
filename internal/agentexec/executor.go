package agentexec

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cobaltforge/agentcore/internal/clock"
	"github.com/cobaltforge/agentcore/internal/dockerx"
	"github.com/cobaltforge/agentcore/internal/enginerr"
	"github.com/cobaltforge/agentcore/internal/logging"
	"github.com/cobaltforge/agentcore/internal/metrics"
	"github.com/cobaltforge/agentcore/internal/session"
)

// fatalStderrPatterns promotes a stderr line to a terminal error message
// rather than discarding or demoting it to status, per spec.md §4.4 step 4.
var fatalStderrPatterns = []string{
	"permission denied",
	"cannot allocate memory",
	"no space left on device",
}

// killGrace is how long Abort waits after a graceful SIGINT-equivalent
// before force-killing the in-container process.
const killGrace = 5 * time.Second

// Executor is the Agent Executor (C4): it runs an agent CLI inside a
// container and streams normalized Execution Messages back to the caller.
type Executor struct {
	docker   dockerx.API
	registry *session.Registry
	log      *logging.Logger
	clock    clock.Clock
	timeout  func() time.Duration // execution timeout; 0 disables
}

// New creates an Executor.
func New(docker dockerx.API, registry *session.Registry, log *logging.Logger, clk clock.Clock, timeout func() time.Duration) *Executor {
	return &Executor{
		docker:   docker,
		registry: registry,
		log:      log.Component("agentexec"),
		clock:    clk,
		timeout:  timeout,
	}
}

// SessionIDCallback is invoked once, the moment the agent's own session id
// is first observed, so the realtime gateway can emit a second
// session_created frame and the session registry can rebind.
type SessionIDCallback func(agentID string)

// Run launches variant's CLI inside containerID for sess and streams
// normalized Execution Messages on the returned channel until exactly one
// terminal message has been sent, at which point the channel is closed.
// onSessionID is called at most once, synchronously from the pump
// goroutine, before the corresponding session_created message is emitted.
func (e *Executor) Run(ctx context.Context, containerID string, sess *session.Session, command string, opts RunOptions, onSessionID SessionIDCallback) <-chan Message {
	out := make(chan Message, 16)

	variant, ok := VariantFor(sess.Agent)
	if !ok {
		go func() {
			defer close(out)
			out <- e.errorMsg(sess.ServerID, ErrorInternal, fmt.Sprintf("no variant for agent %q", sess.Agent))
		}()
		return out
	}

	runCtx := ctx
	var cancelTimeout context.CancelFunc
	if d := e.timeout(); d > 0 {
		runCtx, cancelTimeout = context.WithTimeout(ctx, d)
	}

	go func() {
		defer close(out)
		if cancelTimeout != nil {
			defer cancelTimeout()
		}
		e.run(runCtx, containerID, sess, command, opts, variant, onSessionID, out)
	}()

	return out
}

func (e *Executor) run(ctx context.Context, containerID string, sess *session.Session, command string, opts RunOptions, variant Variant, onSessionID SessionIDCallback, out chan<- Message) {
	workdir := sess.ProjectPath
	if workdir == "" {
		workdir = "/workspace"
	}

	stagedPaths, err := e.stageImages(ctx, containerID, sess, opts.Images, workdir)
	if err != nil {
		metrics.ExecutorRunsTotal.WithLabelValues(string(sess.Agent), "stage_failed").Inc()
		out <- e.errorMsg(sess.ServerID, ErrorInternal, fmt.Sprintf("stage image attachments: %v", err))
		_ = e.registry.MarkTerminal(sess.ServerID, session.StateFailed)
		return
	}
	sess.CleanupPaths = append(sess.CleanupPaths, stagedPaths...)
	defer e.cleanup(context.Background(), containerID, sess)

	argv := variant.BuildArgv(command, opts, workdir)
	res, err := e.docker.Exec(ctx, containerID, argv)
	if err != nil {
		metrics.ExecutorRunsTotal.WithLabelValues(string(sess.Agent), "exec_failed").Inc()
		out <- e.errorMsg(sess.ServerID, ErrorContainerLost, fmt.Sprintf("exec agent: %v", err))
		_ = e.registry.MarkTerminal(sess.ServerID, session.StateFailed)
		return
	}

	var mu sync.Mutex // serializes writes to out across the stdout/stderr pumps
	var sessionIDSent bool
	var usage *TokenUsage

	emit := func(m Message) {
		m.ServerID = sess.ServerID
		m.EmittedAt = e.clock.Now()
		mu.Lock()
		out <- m
		mu.Unlock()
	}

	emitSessionID := func(agentID string) {
		mu.Lock()
		already := sessionIDSent
		sessionIDSent = true
		mu.Unlock()
		if already || agentID == "" {
			return
		}
		if err := e.registry.BindAgentID(sess.ServerID, agentID); err != nil {
			e.log.Warn("bind agent id failed", "server_id", sess.ServerID, "agent_id", agentID, "error", err)
			return
		}
		if onSessionID != nil {
			onSessionID(agentID)
		}
		emit(Message{Kind: KindSessionCreated, AgentID: agentID})
	}

	var stderrWg sync.WaitGroup
	stderrWg.Add(1)
	go func() {
		defer stderrWg.Done()
		e.pumpStderr(res.Stderr, emit)
	}()

	e.pumpStdout(res.Stdout, variant, emit, emitSessionID, &usage)
	stderrWg.Wait()

	exitCode, waitErr := res.Wait(context.Background())

	if ctx.Err() != nil && sessionAborted(sess) {
		out <- e.errorMsg(sess.ServerID, ErrorAborted, "session aborted")
		metrics.ExecutorRunsTotal.WithLabelValues(string(sess.Agent), "aborted").Inc()
		_ = e.registry.MarkTerminal(sess.ServerID, session.StateAborted)
		return
	}

	if waitErr != nil {
		out <- e.errorMsg(sess.ServerID, ErrorContainerLost, fmt.Sprintf("wait for exec: %v", waitErr))
		metrics.ExecutorRunsTotal.WithLabelValues(string(sess.Agent), "wait_failed").Inc()
		_ = e.registry.MarkTerminal(sess.ServerID, session.StateFailed)
		return
	}

	if exitCode != 0 {
		out <- e.errorMsg(sess.ServerID, ErrorExecutionFailed, fmt.Sprintf("agent exited with code %d", exitCode))
		metrics.ExecutorRunsTotal.WithLabelValues(string(sess.Agent), "execution_failed").Inc()
		_ = e.registry.MarkTerminal(sess.ServerID, session.StateFailed)
		return
	}

	if sess.Agent == session.AgentCursor {
		if cv, ok := variant.(cursorVariant); ok {
			if agentID, found := cv.sessionIDFromStore(workdir); found {
				emitSessionID(agentID)
			}
		}
	}

	if usage != nil {
		metrics.ExecutorTokenUsage.WithLabelValues(string(sess.Agent), "input").Add(float64(usage.InputTokens))
		metrics.ExecutorTokenUsage.WithLabelValues(string(sess.Agent), "output").Add(float64(usage.OutputTokens))
		emit(Message{Kind: KindTokenUsage, TokenUsage: usage})
	}

	code := exitCode
	out <- Message{Kind: KindComplete, ServerID: sess.ServerID, ExitCode: &code, EmittedAt: e.clock.Now()}
	metrics.ExecutorRunsTotal.WithLabelValues(string(sess.Agent), "completed").Inc()
	_ = e.registry.MarkTerminal(sess.ServerID, session.StateCompleted)
}

func sessionAborted(sess *session.Session) bool {
	return sess.State == session.StateAborted
}

// pumpStdout line-splits stdout, parses each line through variant, and
// emits a normalized Message per line. The first line that carries an
// agent-assigned session id triggers emitSessionID before its own Message
// is emitted, preserving the ordering invariant spec.md §8 #4 requires.
func (e *Executor) pumpStdout(r io.Reader, variant Variant, emit func(Message), emitSessionID func(string), usage **TokenUsage) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		parsed, ok := variant.ParseLine(line)
		if !ok {
			continue
		}
		if id := variant.ExtractSessionID(parsed); id != "" {
			emitSessionID(id)
		}
		if u := variant.ExtractTokenUsage(parsed); u != nil {
			*usage = u
		}
		emit(Message{Kind: parsed.Kind, Payload: parsed.Payload})
	}
}

// pumpStderr classifies each stderr line: a fatal pattern is promoted to a
// non-terminal error message (no ErrorKind; the single terminal message is
// still built from the exit code), everything else is demoted to status.
func (e *Executor) pumpStderr(r io.Reader, emit func(Message)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if isFatalStderr(line) {
			emit(Message{Kind: KindError, Payload: map[string]any{"stderr": line}})
			continue
		}
		emit(Message{Kind: KindStatus, Payload: map[string]any{"stderr": line}})
	}
}

func isFatalStderr(line string) bool {
	lower := strings.ToLower(line)
	for _, pat := range fatalStderrPatterns {
		if strings.Contains(lower, pat) {
			return true
		}
	}
	return false
}

// stageImages copies image attachments into a per-session temp directory
// inside the container, returning their in-container paths for cleanup
// bookkeeping (the scoped-acquisition design note in spec.md §9).
func (e *Executor) stageImages(ctx context.Context, containerID string, sess *session.Session, images []string, workdir string) ([]string, error) {
	if len(images) == 0 {
		return nil, nil
	}
	tempDir := filepath.Join(workdir, ".agentcore-tmp", sess.ServerID)
	var staged []string
	for _, img := range images {
		dest := filepath.Join(tempDir, filepath.Base(img)+"-"+uuid.NewString()[:8])
		tarStream, err := tarSingleFile(img, filepath.Base(dest))
		if err != nil {
			return staged, fmt.Errorf("build attachment tar for %s: %w", img, err)
		}
		if err := e.docker.CopyInto(ctx, containerID, tempDir, tarStream); err != nil {
			return staged, fmt.Errorf("copy attachment %s into container: %w", img, err)
		}
		staged = append(staged, dest)
	}
	return staged, nil
}

// Abort resolves sess's cancellation handle (tearing down the run's
// context so the pump goroutines unwind) and attempts graceful termination
// of the in-container agent process first, escalating to a force-kill
// after killGrace, per spec.md §4.4 step 6. Abort is idempotent: a call
// against an already-terminal session is a no-op and sends no signals.
func (e *Executor) Abort(ctx context.Context, containerID string, sess *session.Session) error {
	if sess.State.IsTerminal() {
		return nil
	}
	if err := e.registry.Abort(sess.ServerID); err != nil {
		return err
	}

	procName := agentProcessName(sess.Agent)
	if procName == "" {
		e.log.Warn("abort for session with unknown agent, cannot target process", "server_id", sess.ServerID, "agent", sess.Agent)
		return nil
	}

	sigCtx, sigCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if res, err := e.docker.Exec(sigCtx, containerID, []string{"sh", "-c", "pkill -INT -f " + procName + " || true"}); err == nil {
		_, _ = res.Wait(sigCtx)
	} else {
		e.log.Warn("graceful abort signal failed", "server_id", sess.ServerID, "error", err)
	}
	sigCancel()

	select {
	case <-e.clock.After(killGrace):
	case <-ctx.Done():
	}

	killCtx, killCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer killCancel()
	res, err := e.docker.Exec(killCtx, containerID, []string{"sh", "-c", "pkill -9 -f " + procName + " || true"})
	if err != nil {
		return enginerr.Wrap(enginerr.Internal, "force-kill agent process", err)
	}
	_, _ = res.Wait(killCtx)
	return nil
}

// cleanup removes every temp path recorded for sess, on every terminal
// path (complete, error, abort, container-lost) per the scoped-acquisition
// design note.
func (e *Executor) cleanup(ctx context.Context, containerID string, sess *session.Session) {
	if len(sess.CleanupPaths) == 0 {
		return
	}
	args := append([]string{"rm", "-rf"}, sess.CleanupPaths...)
	res, err := e.docker.Exec(ctx, containerID, args)
	if err != nil {
		e.log.Warn("cleanup exec failed", "server_id", sess.ServerID, "error", err)
		return
	}
	if _, err := res.Wait(ctx); err != nil {
		e.log.Warn("cleanup wait failed", "server_id", sess.ServerID, "error", err)
	}
}

func (e *Executor) errorMsg(serverID string, kind ErrorKind, msg string) Message {
	return Message{
		Kind:      KindError,
		ServerID:  serverID,
		ErrorKind: kind,
		Payload:   map[string]any{"message": msg},
		EmittedAt: e.clock.Now(),
	}
}
