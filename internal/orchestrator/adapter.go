// ABOUTME: Adapts raw engine messages into wire events for subscribers
// ABOUTME: Drops internal message kinds that never reach clients

package orchestrator

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/2389/seance/internal/engine"
	"github.com/2389/seance/internal/event"
	"github.com/2389/seance/internal/history"
)

// adaptMessage converts one engine message to a wire event, or returns
// nil for kinds that clients never see. Dropped messages are logged at
// debug so a misbehaving engine is diagnosable.
func adaptMessage(msg engine.Message, logger *slog.Logger) event.Event {
	switch msg.Kind {
	case engine.KindSystem:
		if msg.Subtype == "init" && msg.Init != nil {
			return adaptInit(msg.Init)
		}
		logger.Debug("dropping system message", "subtype", msg.Subtype)
		return nil

	case engine.KindAssistant:
		if msg.Turn == nil {
			return nil
		}
		return &event.AssistantTurn{
			Type:            event.TypeAssistant,
			SessionID:       msg.Turn.SessionID,
			Message:         msg.Turn.Message,
			ParentToolUseID: msg.Turn.ParentToolUseID,
		}

	case engine.KindUser:
		if msg.Turn == nil {
			return nil
		}
		return &event.UserTurn{
			Type:            event.TypeUser,
			SessionID:       msg.Turn.SessionID,
			Message:         msg.Turn.Message,
			ParentToolUseID: msg.Turn.ParentToolUseID,
		}

	case engine.KindResult:
		if msg.Result == nil {
			return nil
		}
		return adaptResult(msg.Result)

	case engine.KindStreamEvent, engine.KindToolProgress, engine.KindAuthStatus:
		logger.Debug("dropping internal message", "kind", msg.Kind.String())
		return nil

	default:
		logger.Debug("dropping unknown message", "kind", msg.Kind.String())
		return nil
	}
}

func adaptInit(init *engine.InitInfo) *event.SystemInit {
	tools := init.Tools
	if tools == nil {
		tools = []string{}
	}
	servers := make([]event.MCPServer, 0, len(init.MCPServers))
	for _, s := range init.MCPServers {
		servers = append(servers, event.MCPServer{Name: s.Name, Status: s.Status})
	}
	return &event.SystemInit{
		Type:           event.TypeSystem,
		Subtype:        "init",
		SessionID:      init.SessionID,
		CWD:            init.CWD,
		Tools:          tools,
		MCPServers:     servers,
		Model:          init.Model,
		PermissionMode: init.PermissionMode,
		APIKeySource:   init.APIKeySource,
	}
}

func adaptResult(res *engine.ResultInfo) *event.Result {
	return &event.Result{
		Type:          event.TypeResult,
		Subtype:       res.Subtype,
		SessionID:     res.SessionID,
		IsError:       res.IsError,
		DurationMS:    res.DurationMS,
		DurationAPIMS: res.DurationAPIMS,
		NumTurns:      res.NumTurns,
		Result:        res.Result,
		Usage: event.Usage{
			InputTokens:              res.InputTokens,
			CacheCreationInputTokens: res.CacheCreation,
			CacheReadInputTokens:     res.CacheRead,
			OutputTokens:             res.OutputTokens,
			ServerToolUse:            event.ServerToolUse{WebSearchRequests: res.WebSearches},
		},
	}
}

// priorTurns converts inherited transcript entries into replayable
// conversation turns. Entries without readable text content are skipped;
// the model only needs the dialogue, not tool traffic.
func priorTurns(entries []history.Entry) []engine.PriorTurn {
	var turns []engine.PriorTurn
	for _, e := range entries {
		if e.Type != "user" && e.Type != "assistant" {
			continue
		}
		var msg struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(e.Message, &msg); err != nil || msg.Role == "" {
			continue
		}
		text := flattenContent(msg.Content)
		if text == "" {
			continue
		}
		turns = append(turns, engine.PriorTurn{Role: msg.Role, Text: text})
	}
	return turns
}

// flattenContent extracts the text of a message content field, which is
// either a plain string or an array of content blocks.
func flattenContent(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &blocks) != nil {
		return ""
	}

	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
