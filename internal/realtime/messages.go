// Package realtime implements the Realtime Gateway (C6): the per-user
// duplex channel that demultiplexes inbound browser commands into
// per-session executions and multiplexes their outbound Execution
// Messages back onto a single websocket, applying the session-protection
// protocol and a bounded outbound queue with a shedding policy.
package realtime

// Inbound is one frame received from the browser. Op discriminates which
// of the other fields are populated, mirroring spec.md §6.
type Inbound struct {
	Op            string         `json:"op"`
	Agent         string         `json:"agent,omitempty"`
	Command       string         `json:"command,omitempty"`
	Options       InboundOptions `json:"options,omitempty"`
	TempSessionID string         `json:"temp_session_id,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
}

// InboundOptions is the `options` object on a `run` command.
type InboundOptions struct {
	Model           string   `json:"model,omitempty"`
	PermissionMode  string   `json:"permission_mode,omitempty"`
	AllowedTools    []string `json:"allowed_tools,omitempty"`
	DisallowedTools []string `json:"disallowed_tools,omitempty"`
	MCPServers      []string `json:"mcp_servers,omitempty"`
	Resume          string   `json:"resume,omitempty"`
	Images          []string `json:"images,omitempty"`
}

// OutType discriminates the outbound frame kinds spec.md §6 enumerates.
type OutType string

const (
	OutSessionCreated OutType = "session_created"
	OutMessage        OutType = "message"
	OutSessionStatus  OutType = "session_status"
	OutActiveSessions OutType = "active_sessions"
	OutServerEvent    OutType = "server_event"
	OutPong           OutType = "pong"
)

// Outbound is one frame sent to the browser.
type Outbound struct {
	Type          OutType         `json:"type"`
	TempSessionID string          `json:"temp_session_id,omitempty"`
	ServerID      string          `json:"server_id,omitempty"`
	AgentID       string          `json:"agent_id,omitempty"`
	Payload       any             `json:"payload,omitempty"`
	State         string          `json:"state,omitempty"`
	Sessions      []ActiveSession `json:"sessions,omitempty"`
	Event         string          `json:"event,omitempty"`
}

// ActiveSession is one entry of an active_sessions frame.
type ActiveSession struct {
	ServerID string `json:"server_id"`
	AgentID  string `json:"agent_id,omitempty"`
	Agent    string `json:"agent"`
	State    string `json:"state"`
}
