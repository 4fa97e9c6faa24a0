// ABOUTME: Execution-engine contract consumed by the orchestrator
// ABOUTME: Defines the typed message sequence, run configuration, and authorization callback

package engine

import (
	"context"
	"encoding/json"
)

// Kind identifies the variant of an engine message.
type Kind int

const (
	KindSystem Kind = iota
	KindAssistant
	KindUser
	KindResult
	KindStreamEvent  // partial streaming chunk
	KindToolProgress // tool execution progress
	KindAuthStatus   // credential status update
	KindUnknown
)

// String returns the wire name of the kind, for logging.
func (k Kind) String() string {
	switch k {
	case KindSystem:
		return "system"
	case KindAssistant:
		return "assistant"
	case KindUser:
		return "user"
	case KindResult:
		return "result"
	case KindStreamEvent:
		return "stream_event"
	case KindToolProgress:
		return "tool_progress"
	case KindAuthStatus:
		return "auth_status"
	default:
		return "unknown"
	}
}

// MCPServerInfo describes one MCP server the engine connected to.
type MCPServerInfo struct {
	Name   string
	Status string
}

// InitInfo is the payload of the init-class system message, the first
// message a healthy engine produces.
type InitInfo struct {
	SessionID      string
	CWD            string
	Tools          []string
	MCPServers     []MCPServerInfo
	Model          string
	PermissionMode string
	APIKeySource   string
}

// Turn is the payload of an assistant or user message.
type Turn struct {
	SessionID       string
	Message         json.RawMessage
	ParentToolUseID string
}

// ResultInfo is the payload of the terminal result message.
type ResultInfo struct {
	Subtype       string
	SessionID     string
	IsError       bool
	DurationMS    int64
	DurationAPIMS int64
	NumTurns      int
	Result        string
	InputTokens   int64
	OutputTokens  int64
	CacheCreation int64
	CacheRead     int64
	WebSearches   int64
}

// Message is one element of the engine's ordered output sequence. Exactly
// one payload field is set, matching Kind.
type Message struct {
	Kind    Kind
	Subtype string // system subtype ("init", "status", ...)

	Init   *InitInfo
	Turn   *Turn
	Result *ResultInfo
}

// Decision is the outcome of a tool authorization callback.
type Decision struct {
	Allow        bool
	UpdatedInput map[string]any // substitutes the proposed input when allowed
	Message      string         // human-readable reason when denied
}

// Authorizer is invoked by the engine before each tool invocation. The
// engine suspends its own progress until the callback returns.
type Authorizer func(ctx context.Context, tool string, input map[string]any) Decision

// ToolRunner executes an approved tool invocation. Engines that cannot run
// tools themselves report unsupported tools as error results.
type ToolRunner interface {
	Run(ctx context.Context, tool string, input map[string]any) (string, error)
}

// ToolDefinition declares one tool a runner can execute, in the shape the
// model API expects.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any // JSON-schema properties keyed by field name
	Required    []string
}

// ToolSet is a ToolRunner that can also enumerate its tools so the engine
// can advertise them to the model.
type ToolSet interface {
	ToolRunner
	Definitions() []ToolDefinition
}

// RunConfig carries everything an engine needs to execute one run.
type RunConfig struct {
	Prompt           string
	WorkingDirectory string
	Model            string
	SystemPrompt     string
	PermissionMode   string
	Resume           string // prior session id to resume, or empty
	PriorTurns       []PriorTurn
	AllowedTools     []string
	DisallowedTools  []string
	Authorize        Authorizer
	Tools            ToolRunner // optional
}

// PriorTurn is one turn of an earlier conversation replayed into a
// resumed run so the model keeps its prior context.
type PriorTurn struct {
	Role string // "user" or "assistant"
	Text string
}

// Process is a handle on a running execution. Messages is closed when the
// sequence ends; Err reports the failure that ended it, if any. Stop
// requests cooperative cancellation and is safe to call more than once.
type Process interface {
	Messages() <-chan Message
	Err() error
	Stop()
}

// Engine starts executions. Implementations must not block Start on run
// completion; the message sequence is consumed asynchronously.
type Engine interface {
	Start(ctx context.Context, cfg RunConfig) (Process, error)
}
