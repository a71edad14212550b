package agentexec

import "encoding/json"

// codexVariant drives the Codex CLI: JSONL over stdout with a
// "session_meta" header line carrying the agent-assigned session id.
type codexVariant struct{}

func (codexVariant) BuildArgv(command string, opts RunOptions, workdir string) []string {
	argv := []string{"codex", "exec", "--json", "--cd", workdir}
	if opts.Model != "" {
		argv = append(argv, "--model", opts.Model)
	}
	if opts.PermissionMode != "" {
		argv = append(argv, "--sandbox", opts.PermissionMode)
	}
	for _, m := range opts.MCPServers {
		argv = append(argv, "--mcp-config", m)
	}
	if opts.Resume != "" {
		argv = append(argv, "--resume", opts.Resume)
	}
	argv = append(argv, command)
	return argv
}

func (codexVariant) ParseLine(line string) (ParsedLine, bool) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return ParsedLine{Kind: KindStatus, Payload: map[string]any{"raw": line}}, true
	}

	kind := KindStatus
	switch raw["type"] {
	case "session_meta":
		kind = KindSystem
	case "agent_message":
		kind = KindAssistant
	case "tool_call":
		kind = KindToolUse
	case "tool_output":
		kind = KindToolResult
	case "task_complete":
		// Codex's own terminal summary line, surfaced as status -- the
		// executor builds the single KindComplete message itself from the
		// process exit code.
		kind = KindStatus
	case "error":
		kind = KindError
	}
	return ParsedLine{Kind: kind, Payload: raw}, true
}

func (codexVariant) ExtractSessionID(p ParsedLine) string {
	if p.Kind != KindSystem {
		return ""
	}
	meta, ok := p.Payload["session_meta"].(map[string]any)
	if !ok {
		// Some Codex builds flatten session_meta fields onto the envelope.
		id, _ := p.Payload["session_id"].(string)
		return id
	}
	id, _ := meta["id"].(string)
	return id
}

func (codexVariant) ExtractTokenUsage(p ParsedLine) *TokenUsage {
	if p.Payload["type"] != "task_complete" {
		return nil
	}
	usage, ok := p.Payload["token_usage"].(map[string]any)
	if !ok {
		return nil
	}
	return &TokenUsage{
		InputTokens:  toInt64(usage["input_tokens"]),
		OutputTokens: toInt64(usage["output_tokens"]),
	}
}
