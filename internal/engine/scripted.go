// ABOUTME: Deterministic scripted engine for tests and credential-free demos
// ABOUTME: Replays a fixed message sequence and records authorization decisions

package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ScriptToolUse describes a tool invocation the scripted engine proposes.
// The engine consults the run's Authorizer and records the decision.
type ScriptToolUse struct {
	Tool  string
	Input map[string]any
}

// ScriptStep is one step of a scripted run: either a message to emit or a
// tool use to propose. Delay applies before the step executes.
type ScriptStep struct {
	Message *Message
	ToolUse *ScriptToolUse
	Delay   time.Duration
}

// Script describes a deterministic run.
type Script struct {
	InitDelay time.Duration // wait before the init message
	OmitInit  bool          // never send init (exercises init timeout)
	Steps     []ScriptStep
	FailWith  error // end the sequence with this error after the steps
}

// ScriptedEngine replays scripts. Safe for concurrent runs; decisions and
// run configurations from all runs are recorded in order.
type ScriptedEngine struct {
	script Script

	mu        sync.Mutex
	decisions []Decision
	configs   []RunConfig
}

// NewScriptedEngine creates an engine that replays the given script for
// every run.
func NewScriptedEngine(script Script) *ScriptedEngine {
	return &ScriptedEngine{script: script}
}

// Decisions returns the authorization decisions observed so far.
func (e *ScriptedEngine) Decisions() []Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Decision, len(e.decisions))
	copy(out, e.decisions)
	return out
}

func (e *ScriptedEngine) record(d Decision) {
	e.mu.Lock()
	e.decisions = append(e.decisions, d)
	e.mu.Unlock()
}

// Configs returns the run configurations observed so far.
func (e *ScriptedEngine) Configs() []RunConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]RunConfig, len(e.configs))
	copy(out, e.configs)
	return out
}

type scriptedProcess struct {
	messages chan Message
	cancel   context.CancelFunc
	err      error
	done     chan struct{}
}

func (p *scriptedProcess) Messages() <-chan Message { return p.messages }

func (p *scriptedProcess) Stop() { p.cancel() }

func (p *scriptedProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Start replays the script in the background.
func (e *ScriptedEngine) Start(ctx context.Context, cfg RunConfig) (Process, error) {
	e.mu.Lock()
	e.configs = append(e.configs, cfg)
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	p := &scriptedProcess{
		messages: make(chan Message, messageBuffer),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go func() {
		defer close(p.messages)
		defer close(p.done)
		p.err = e.replay(runCtx, cfg, p.messages)
	}()

	return p, nil
}

func (e *ScriptedEngine) replay(ctx context.Context, cfg RunConfig, out chan<- Message) error {
	sessionID := cfg.Resume
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	model := cfg.Model
	if model == "" {
		model = "scripted"
	}

	if !e.script.OmitInit {
		if !sleep(ctx, e.script.InitDelay) {
			return ctx.Err()
		}
		if !emit(ctx, out, Message{
			Kind:    KindSystem,
			Subtype: "init",
			Init: &InitInfo{
				SessionID:      sessionID,
				CWD:            cfg.WorkingDirectory,
				Tools:          cfg.AllowedTools,
				MCPServers:     []MCPServerInfo{},
				Model:          model,
				PermissionMode: cfg.PermissionMode,
				APIKeySource:   "none",
			},
		}) {
			return ctx.Err()
		}
	}

	emittedResult := false
	for _, step := range e.script.Steps {
		if !sleep(ctx, step.Delay) {
			return ctx.Err()
		}

		if step.ToolUse != nil && cfg.Authorize != nil {
			decision := cfg.Authorize(ctx, step.ToolUse.Tool, step.ToolUse.Input)
			e.record(decision)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		if step.Message != nil {
			msg := fillSession(*step.Message, sessionID)
			if msg.Kind == KindResult {
				emittedResult = true
			}
			if !emit(ctx, out, msg) {
				return ctx.Err()
			}
		}
	}

	if e.script.FailWith != nil {
		return e.script.FailWith
	}

	if !emittedResult {
		emit(ctx, out, Message{
			Kind: KindResult,
			Result: &ResultInfo{
				Subtype:   "success",
				SessionID: sessionID,
				NumTurns:  1,
			},
		})
	}
	return nil
}

// fillSession stamps the run's session id into payloads that omit it.
func fillSession(msg Message, sessionID string) Message {
	switch {
	case msg.Init != nil && msg.Init.SessionID == "":
		init := *msg.Init
		init.SessionID = sessionID
		msg.Init = &init
	case msg.Turn != nil && msg.Turn.SessionID == "":
		turn := *msg.Turn
		turn.SessionID = sessionID
		msg.Turn = &turn
	case msg.Result != nil && msg.Result.SessionID == "":
		result := *msg.Result
		result.SessionID = sessionID
		msg.Result = &result
	}
	return msg
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// EchoScript produces a minimal script that answers with a single assistant
// turn. Used by the scripted engine mode when no API credentials exist.
func EchoScript(reply string) Script {
	raw, _ := json.Marshal(map[string]any{
		"role":    "assistant",
		"content": []map[string]string{{"type": "text", "text": reply}},
	})
	return Script{
		Steps: []ScriptStep{
			{Message: &Message{Kind: KindAssistant, Turn: &Turn{Message: raw}}},
			{Message: &Message{Kind: KindResult, Result: &ResultInfo{
				Subtype:  "success",
				Result:   reply,
				NumTurns: 1,
			}}},
		},
	}
}
