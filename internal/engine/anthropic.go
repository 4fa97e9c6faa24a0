// ABOUTME: Anthropic Messages API implementation of the Engine contract
// ABOUTME: Runs the agent loop turn by turn and routes tool use through the authorizer

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
)

const (
	defaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 8192

	// maxTurns bounds the tool-use loop so a model that keeps calling
	// tools cannot run forever.
	maxTurns = 50

	// messageBuffer is the channel buffer between the engine loop and the
	// consumer. The consumer is the dominant source of backpressure.
	messageBuffer = 16
)

// AnthropicOptions configures the AnthropicEngine.
type AnthropicOptions struct {
	APIKey    string
	Model     string // default model for runs that do not name one
	MaxTokens int64
	Logger    *slog.Logger
}

// AnthropicEngine executes runs against the Anthropic Messages API. One
// engine instance serves many concurrent runs.
type AnthropicEngine struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	keySource string
	logger    *slog.Logger
}

// NewAnthropicEngine creates an engine using the given options. An empty
// API key falls back to the client's environment-based resolution.
func NewAnthropicEngine(opts AnthropicOptions) *AnthropicEngine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var clientOpts []option.RequestOption
	keySource := "none"
	switch {
	case opts.APIKey != "":
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
		keySource = "config"
	case os.Getenv("ANTHROPIC_API_KEY") != "":
		keySource = "ANTHROPIC_API_KEY"
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	model := opts.Model
	if model == "" {
		model = defaultModel
	}

	return &AnthropicEngine{
		client:    anthropic.NewClient(clientOpts...),
		model:     model,
		maxTokens: maxTokens,
		keySource: keySource,
		logger:    logger.With("component", "anthropic-engine"),
	}
}

// anthropicProcess is the Process handle for one Anthropic run.
type anthropicProcess struct {
	messages chan Message
	cancel   context.CancelFunc
	err      error
	done     chan struct{}
}

func (p *anthropicProcess) Messages() <-chan Message { return p.messages }

func (p *anthropicProcess) Stop() { p.cancel() }

func (p *anthropicProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Start launches the run loop in the background and returns immediately.
func (e *AnthropicEngine) Start(ctx context.Context, cfg RunConfig) (Process, error) {
	if cfg.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	runCtx, cancel := context.WithCancel(ctx)
	p := &anthropicProcess{
		messages: make(chan Message, messageBuffer),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go func() {
		defer close(p.messages)
		defer close(p.done)
		p.err = e.run(runCtx, cfg, p.messages)
	}()

	return p, nil
}

// run drives the conversation until the model stops requesting tools, the
// turn cap is reached, or the context is cancelled.
func (e *AnthropicEngine) run(ctx context.Context, cfg RunConfig, out chan<- Message) error {
	sessionID := cfg.Resume
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	model := cfg.Model
	if model == "" {
		model = e.model
	}

	tools := e.toolDefinitions(cfg)
	toolNames := make([]string, len(tools))
	for i, t := range tools {
		toolNames[i] = t.Name
	}

	if !emit(ctx, out, Message{
		Kind:    KindSystem,
		Subtype: "init",
		Init: &InitInfo{
			SessionID:      sessionID,
			CWD:            cfg.WorkingDirectory,
			Tools:          toolNames,
			MCPServers:     []MCPServerInfo{},
			Model:          model,
			PermissionMode: cfg.PermissionMode,
			APIKeySource:   e.keySource,
		},
	}) {
		return ctx.Err()
	}

	msgs := make([]anthropic.MessageParam, 0, len(cfg.PriorTurns)+1)
	for _, turn := range cfg.PriorTurns {
		block := anthropic.NewTextBlock(turn.Text)
		if turn.Role == "assistant" {
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(block))
		}
	}
	msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(cfg.Prompt)))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: e.maxTokens,
		Messages:  msgs,
	}
	if cfg.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: cfg.SystemPrompt}}
	}
	if len(tools) > 0 {
		params.Tools = buildToolParams(tools)
	}

	start := time.Now()
	var apiTime time.Duration
	var used usage
	numTurns := 0
	lastText := ""

	for numTurns < maxTurns {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		apiStart := time.Now()
		resp, err := e.client.Messages.New(ctx, params)
		apiTime += time.Since(apiStart)
		if err != nil {
			return fmt.Errorf("messages api: %w", err)
		}
		numTurns++

		used.input += resp.Usage.InputTokens
		used.output += resp.Usage.OutputTokens
		used.cacheCreation += resp.Usage.CacheCreationInputTokens
		used.cacheRead += resp.Usage.CacheReadInputTokens

		assistantRaw, err := marshalTurn("assistant", resp.Content)
		if err != nil {
			return fmt.Errorf("encoding assistant turn: %w", err)
		}
		if !emit(ctx, out, Message{
			Kind: KindAssistant,
			Turn: &Turn{SessionID: sessionID, Message: assistantRaw},
		}) {
			return ctx.Err()
		}

		var toolUses []anthropic.ToolUseBlock
		for _, block := range resp.Content {
			switch block.Type {
			case "text":
				lastText = block.AsText().Text
			case "tool_use":
				toolUses = append(toolUses, block.AsToolUse())
			}
		}

		if len(toolUses) == 0 {
			break
		}

		params.Messages = append(params.Messages, resp.ToParam())

		resultBlocks := make([]anthropic.ContentBlockParamUnion, 0, len(toolUses))
		for _, tu := range toolUses {
			content, isError := e.invokeTool(ctx, cfg, tu)
			resultBlocks = append(resultBlocks, anthropic.NewToolResultBlock(tu.ID, content, isError))
		}

		userMsg := anthropic.NewUserMessage(resultBlocks...)
		params.Messages = append(params.Messages, userMsg)

		userRaw, err := json.Marshal(userMsg)
		if err != nil {
			return fmt.Errorf("encoding user turn: %w", err)
		}
		if !emit(ctx, out, Message{
			Kind: KindUser,
			Turn: &Turn{SessionID: sessionID, Message: userRaw},
		}) {
			return ctx.Err()
		}
	}

	emit(ctx, out, Message{
		Kind: KindResult,
		Result: &ResultInfo{
			Subtype:       "success",
			SessionID:     sessionID,
			DurationMS:    time.Since(start).Milliseconds(),
			DurationAPIMS: apiTime.Milliseconds(),
			NumTurns:      numTurns,
			Result:        lastText,
			InputTokens:   used.input,
			OutputTokens:  used.output,
			CacheCreation: used.cacheCreation,
			CacheRead:     used.cacheRead,
		},
	})
	return nil
}

// invokeTool authorizes and executes one tool_use block, returning the
// result content and whether it is an error result.
func (e *AnthropicEngine) invokeTool(ctx context.Context, cfg RunConfig, tu anthropic.ToolUseBlock) (string, bool) {
	input := decodeInput(tu.Input)

	if cfg.Authorize != nil {
		decision := cfg.Authorize(ctx, tu.Name, input)
		if !decision.Allow {
			msg := decision.Message
			if msg == "" {
				msg = "Permission denied"
			}
			return msg, true
		}
		if decision.UpdatedInput != nil {
			input = decision.UpdatedInput
		}
	}

	if cfg.Tools == nil {
		return fmt.Sprintf("tool %q is not available in this environment", tu.Name), true
	}

	output, err := cfg.Tools.Run(ctx, tu.Name, input)
	if err != nil {
		return err.Error(), true
	}
	return output, false
}

// toolDefinitions resolves the advertised tool list from the runner,
// filtered by the run's allow/deny lists.
func (e *AnthropicEngine) toolDefinitions(cfg RunConfig) []ToolDefinition {
	set, ok := cfg.Tools.(ToolSet)
	if !ok || set == nil {
		return nil
	}

	allowed := make(map[string]bool, len(cfg.AllowedTools))
	for _, name := range cfg.AllowedTools {
		allowed[name] = true
	}
	denied := make(map[string]bool, len(cfg.DisallowedTools))
	for _, name := range cfg.DisallowedTools {
		denied[name] = true
	}

	var defs []ToolDefinition
	for _, def := range set.Definitions() {
		if denied[def.Name] {
			continue
		}
		if len(allowed) > 0 && !allowed[def.Name] {
			continue
		}
		defs = append(defs, def)
	}
	return defs
}

// usage accumulates token counters across turns.
type usage struct {
	input, output, cacheCreation, cacheRead int64
}

// emit sends a message unless the context is cancelled first.
func emit(ctx context.Context, out chan<- Message, msg Message) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// decodeInput converts a tool_use input payload into a generic map.
func decodeInput(raw json.RawMessage) map[string]any {
	var input map[string]any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &input)
	}
	if input == nil {
		input = map[string]any{}
	}
	return input
}

// marshalTurn encodes a model response as a {role, content} JSON object.
func marshalTurn(role string, content []anthropic.ContentBlockUnion) (json.RawMessage, error) {
	return json.Marshal(map[string]any{
		"role":    role,
		"content": content,
	})
}

// buildToolParams converts tool definitions into Messages API tool params.
func buildToolParams(defs []ToolDefinition) []anthropic.ToolUnionParam {
	params := make([]anthropic.ToolUnionParam, len(defs))
	for i, def := range defs {
		schema := anthropic.ToolInputSchemaParam{
			Properties: def.InputSchema,
			Required:   def.Required,
		}
		params[i] = anthropic.ToolUnionParamOfTool(schema, def.Name)
		if def.Description != "" {
			params[i].OfTool.Description = anthropic.String(def.Description)
		}
	}
	return params
}
