package agentexec

import "encoding/json"

// claudeVariant drives the Claude CLI in non-interactive streaming mode:
// JSONL over stdout, one JSON object per line. The session id arrives on
// the first "system" line (subtype "init"); token usage arrives on the
// terminal "result" line.
type claudeVariant struct{}

func (claudeVariant) BuildArgv(command string, opts RunOptions, workdir string) []string {
	argv := []string{"claude", "-p", command, "--output-format", "stream-json", "--verbose"}
	if opts.Model != "" {
		argv = append(argv, "--model", opts.Model)
	}
	if opts.PermissionMode != "" {
		argv = append(argv, "--permission-mode", opts.PermissionMode)
	}
	for _, t := range opts.AllowedTools {
		argv = append(argv, "--allowedTools", t)
	}
	for _, t := range opts.DisallowedTools {
		argv = append(argv, "--disallowedTools", t)
	}
	for _, m := range opts.MCPServers {
		argv = append(argv, "--mcp-config", m)
	}
	if opts.Resume != "" {
		argv = append(argv, "--resume", opts.Resume)
	}
	argv = append(argv, "--add-dir", workdir)
	return argv
}

func (claudeVariant) ParseLine(line string) (ParsedLine, bool) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		// Not valid JSON -- surface it as a status line rather than drop it
		// silently; a malformed line is still evidence the process is alive.
		return ParsedLine{Kind: KindStatus, Payload: map[string]any{"raw": line}}, true
	}

	kind := KindStatus
	switch raw["type"] {
	case "system":
		kind = KindSystem
	case "assistant":
		kind = KindAssistant
	case "tool_use":
		kind = KindToolUse
	case "tool_result":
		kind = KindToolResult
	case "result":
		// The agent's own terminal summary line, distinct from the
		// executor's own KindComplete message built from the process exit
		// code -- surfaced as status so there is only ever one KindComplete
		// per session.
		kind = KindStatus
	case "error":
		kind = KindError
	}
	return ParsedLine{Kind: kind, Payload: raw}, true
}

func (claudeVariant) ExtractSessionID(p ParsedLine) string {
	if p.Kind != KindSystem {
		return ""
	}
	if p.Payload["subtype"] != "init" {
		return ""
	}
	id, _ := p.Payload["session_id"].(string)
	return id
}

func (claudeVariant) ExtractTokenUsage(p ParsedLine) *TokenUsage {
	if p.Payload["type"] != "result" {
		return nil
	}
	usage, ok := p.Payload["usage"].(map[string]any)
	if !ok {
		return nil
	}
	return &TokenUsage{
		InputTokens:  toInt64(usage["input_tokens"]),
		OutputTokens: toInt64(usage["output_tokens"]),
		CachedTokens: toInt64(usage["cache_read_input_tokens"]),
	}
}

// toInt64 coerces a JSON-decoded numeric (always float64) into an int64,
// tolerating a missing or non-numeric field.
func toInt64(v any) int64 {
	f, ok := v.(float64)
	if !ok {
		return 0
	}
	return int64(f)
}
