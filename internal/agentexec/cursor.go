package agentexec

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// cursorVariant drives the Cursor CLI in its scripted (non-interactive)
// mode. Unlike Claude and Codex, Cursor does not emit a structured
// session-id line: every stdout line is free-form text, and the CLI's own
// session id has to be reconstructed after the process exits by reading
// the state file it leaves behind in its workspace store. ExtractSessionID
// therefore always returns "" here; the executor calls
// cursorVariant.sessionIDFromStore directly once Wait() resolves.
type cursorVariant struct{}

func (cursorVariant) BuildArgv(command string, opts RunOptions, workdir string) []string {
	argv := []string{"cursor-agent", "-p", command, "--output-format", "text", "--workdir", workdir}
	if opts.Model != "" {
		argv = append(argv, "--model", opts.Model)
	}
	if opts.Resume != "" {
		argv = append(argv, "--resume", opts.Resume)
	}
	return argv
}

func (cursorVariant) ParseLine(line string) (ParsedLine, bool) {
	if line == "" {
		return ParsedLine{}, false
	}
	return ParsedLine{Kind: KindAssistant, Payload: map[string]any{"text": line}}, true
}

func (cursorVariant) ExtractSessionID(ParsedLine) string { return "" }

func (cursorVariant) ExtractTokenUsage(ParsedLine) *TokenUsage { return nil }

// cursorSessionState is the shape of the state file Cursor's CLI writes to
// its per-workspace store directory after a scripted run completes.
type cursorSessionState struct {
	SessionID string `json:"session_id"`
}

// sessionIDFromStore reads the Cursor CLI's post-run state file under
// workdir's .cursor store and returns the session id it recorded, if any.
// Called once after the exec's Wait() resolves, never per-line -- this is
// the "reconstructed from a store database after the run" path spec.md
// §4.4 describes for Cursor.
func (cursorVariant) sessionIDFromStore(workdir string) (string, bool) {
	statePath := filepath.Join(workdir, ".cursor", "last-session.json")
	data, err := os.ReadFile(statePath)
	if err != nil {
		return "", false
	}
	var state cursorSessionState
	if json.Unmarshal(data, &state) != nil || state.SessionID == "" {
		return "", false
	}
	return state.SessionID, true
}
