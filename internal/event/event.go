// ABOUTME: Canonical event types for the conversation streaming wire format
// ABOUTME: Each event serializes to one JSON object framed as an SSE data line

package event

import (
	"encoding/json"
	"time"
)

// Event type discriminators as they appear on the wire.
const (
	TypeConnected = "connected"
	TypeSystem    = "system"
	TypeAssistant = "assistant"
	TypeUser      = "user"
	TypeResult    = "result"
	TypeError     = "error"
	TypeClosed    = "closed"
)

// Event is the normalized, transport-agnostic representation of engine
// output. Concrete types carry the conversation (session) identifier once
// it is known; Connected and Closed are stream-level and carry only the
// streaming identifier.
type Event interface {
	EventType() string
}

// Connected is sent to a subscriber immediately on attach, before any
// conversation events. It is never replayed.
type Connected struct {
	Type        string `json:"type"`
	StreamingID string `json:"streaming_id"`
	Timestamp   string `json:"timestamp"`
}

// NewConnected builds the connection-ack for a stream.
func NewConnected(streamingID string) *Connected {
	return &Connected{
		Type:        TypeConnected,
		StreamingID: streamingID,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

func (e *Connected) EventType() string { return TypeConnected }

// MCPServer describes one configured MCP server as reported by the engine
// init message.
type MCPServer struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// SystemInit is the initialization event produced when the engine reports
// ready. It is returned synchronously from run start and also broadcast on
// the stream for subscribers attached by then.
type SystemInit struct {
	Type           string      `json:"type"`
	Subtype        string      `json:"subtype"`
	SessionID      string      `json:"session_id"`
	CWD            string      `json:"cwd"`
	Tools          []string    `json:"tools"`
	MCPServers     []MCPServer `json:"mcp_servers"`
	Model          string      `json:"model"`
	PermissionMode string      `json:"permissionMode"`
	APIKeySource   string      `json:"apiKeySource"`
}

func (e *SystemInit) EventType() string { return TypeSystem }

// AssistantTurn carries one assistant message. The payload is the engine's
// message body, passed through opaquely.
type AssistantTurn struct {
	Type            string          `json:"type"`
	SessionID       string          `json:"session_id"`
	Message         json.RawMessage `json:"message"`
	ParentToolUseID string          `json:"parent_tool_use_id,omitempty"`
}

func (e *AssistantTurn) EventType() string { return TypeAssistant }

// UserTurn carries one user-role message (tool results flow back as user
// turns in the engine's message model).
type UserTurn struct {
	Type            string          `json:"type"`
	SessionID       string          `json:"session_id"`
	Message         json.RawMessage `json:"message"`
	ParentToolUseID string          `json:"parent_tool_use_id,omitempty"`
}

func (e *UserTurn) EventType() string { return TypeUser }

// Usage aggregates token counters for a completed run. All counters are
// normalized to zero when the engine omits them.
type Usage struct {
	InputTokens              int64         `json:"input_tokens"`
	CacheCreationInputTokens int64         `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64         `json:"cache_read_input_tokens"`
	OutputTokens             int64         `json:"output_tokens"`
	ServerToolUse            ServerToolUse `json:"server_tool_use"`
}

// ServerToolUse counts engine-side tool invocations.
type ServerToolUse struct {
	WebSearchRequests int64 `json:"web_search_requests"`
}

// Result is the terminal event for a successful run.
type Result struct {
	Type          string `json:"type"`
	Subtype       string `json:"subtype"`
	SessionID     string `json:"session_id"`
	IsError       bool   `json:"is_error"`
	DurationMS    int64  `json:"duration_ms"`
	DurationAPIMS int64  `json:"duration_api_ms"`
	NumTurns      int    `json:"num_turns"`
	Result        string `json:"result,omitempty"`
	Usage         Usage  `json:"usage"`
}

func (e *Result) EventType() string { return TypeResult }

// ErrorEvent reports an engine or adaptation failure mid-run. It is always
// followed by a Closed event.
type ErrorEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error"`
}

func (e *ErrorEvent) EventType() string { return TypeError }

// Closed is the final event on a stream, sent when the run terminates for
// any reason. Sinks are closed after it is delivered.
type Closed struct {
	Type        string `json:"type"`
	StreamingID string `json:"streaming_id"`
	Timestamp   string `json:"timestamp"`
}

// NewClosed builds the terminal event for a stream.
func NewClosed(streamingID string) *Closed {
	return &Closed{
		Type:        TypeClosed,
		StreamingID: streamingID,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

func (e *Closed) EventType() string { return TypeClosed }
