// Package agentexec implements the Agent Executor (C4): it launches an
// agent CLI (Claude, Cursor, Codex) inside a user's container, normalizes
// its stdout/stderr into an ordered stream of Execution Messages, and
// enforces cancellation and timeouts.
package agentexec

import "time"

// Kind classifies an Execution Message the way spec.md §3 enumerates.
type Kind string

const (
	KindSystem         Kind = "system"
	KindAssistant      Kind = "assistant"
	KindToolUse        Kind = "tool_use"
	KindToolResult     Kind = "tool_result"
	KindError          Kind = "error"
	KindStatus         Kind = "status"
	KindTokenUsage     Kind = "token_usage"
	KindSessionCreated Kind = "session_created"
	KindComplete       Kind = "complete"
)

// ErrorKind further classifies a KindError message.
type ErrorKind string

const (
	ErrorAborted         ErrorKind = "aborted"
	ErrorExecutionFailed ErrorKind = "execution_failed"
	ErrorContainerLost   ErrorKind = "container_unavailable"
	ErrorInternal        ErrorKind = "internal"
)

// Message is one normalized Execution Message in the stream Run produces.
// Exactly one terminal message (Kind == KindComplete or KindError with a
// terminal ErrorKind) closes out a session's stream.
type Message struct {
	Kind        Kind           `json:"kind"`
	ServerID    string         `json:"server_id"`
	AgentID     string         `json:"agent_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	ErrorKind   ErrorKind      `json:"error_kind,omitempty"`
	ExitCode    *int           `json:"exit_code,omitempty"`
	TokenUsage  *TokenUsage    `json:"token_usage,omitempty"`
	EmittedAt   time.Time      `json:"emitted_at"`
}

// TokenUsage is the token accounting an agent reports at the end of a run,
// when it reports one at all.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	CachedTokens int64 `json:"cached_tokens,omitempty"`
}
