package agentexec

import "github.com/cobaltforge/agentcore/internal/session"

// RunOptions carries the per-invocation knobs spec.md §6 names for the
// `run` command's `options` field.
type RunOptions struct {
	Model           string
	PermissionMode  string
	AllowedTools    []string
	DisallowedTools []string
	MCPServers      []string
	Resume          string
	Images          []string // host-side paths staged into the container before argv runs
}

// ParsedLine is what a Variant's ParseLine extracts from one line of agent
// stdout, before the executor wraps it into a Message with identity fields.
type ParsedLine struct {
	Kind    Kind
	Payload map[string]any
}

// Variant is the closed sum type spec.md §4.4/§9 describes: one
// implementation per supported agent, discriminated at registration by
// session.Agent. The executor's streaming pipeline is identical across
// variants; only argv construction and line parsing differ.
type Variant interface {
	// BuildArgv composes the agent CLI's argv from the user's command and
	// options. workdir is the project path inside the container.
	BuildArgv(command string, opts RunOptions, workdir string) []string

	// ParseLine interprets one line of stdout into a normalized Execution
	// Message payload. ok is false for lines that carry no meaningful
	// content (the variant may still have consumed state, e.g. a
	// multi-line header).
	ParseLine(line string) (ParsedLine, bool)

	// ExtractSessionID returns the agent-assigned session id from a parsed
	// line, if this line is the one that reports it. Returns "" otherwise.
	ExtractSessionID(p ParsedLine) string

	// ExtractTokenUsage returns token accounting from a parsed line, if
	// this line is the terminal usage report. Returns nil otherwise.
	ExtractTokenUsage(p ParsedLine) *TokenUsage
}

// VariantFor returns the Variant implementation for agent.
func VariantFor(agent session.Agent) (Variant, bool) {
	switch agent {
	case session.AgentClaude:
		return claudeVariant{}, true
	case session.AgentCursor:
		return cursorVariant{}, true
	case session.AgentCodex:
		return codexVariant{}, true
	default:
		return nil, false
	}
}

// agentProcessName returns the in-container binary name BuildArgv invokes
// for agent, so Abort can target the actual running process rather than a
// placeholder name.
func agentProcessName(agent session.Agent) string {
	switch agent {
	case session.AgentClaude:
		return "claude"
	case session.AgentCursor:
		return "cursor-agent"
	case session.AgentCodex:
		return "codex"
	default:
		return ""
	}
}
