// Package engine abstracts the AI backend that drives a conversation run.
//
// # Overview
//
// An Engine starts runs and hands back a Process that streams raw engine
// messages until the run finishes. The orchestrator adapts these messages
// into wire events; the engine itself knows nothing about streaming or
// subscribers.
//
// # Engine and Process
//
// Engine is the single entry point:
//
//	proc, err := eng.Start(ctx, engine.RunConfig{
//	    Prompt:           "summarize the repo",
//	    WorkingDirectory: "/srv/project",
//	    Authorize:        arbiter,
//	})
//
// Process exposes the run:
//
//   - Messages(): channel of Message values, closed when the run ends
//   - Err(): terminal error once Messages is closed, nil on success
//   - Stop(): cancel the run
//
// # Messages
//
// Message is a tagged union keyed by Kind. A run begins with a KindSystem
// message carrying InitInfo, interleaves KindAssistant and KindUser turns,
// and ends with a KindResult message. Kinds the downstream pipeline does
// not surface (stream events, tool progress, auth status) still flow
// through so the adapter can log and drop them.
//
// # Authorization
//
// Before a tool executes, the engine calls the run's Authorizer with the
// tool name and input. The returned Decision either allows execution
// (optionally with updated input) or denies it with a message, which the
// engine reports back to the model as a failed tool result.
//
// # Implementations
//
// AnthropicEngine drives runs through the Anthropic Messages API with a
// bounded tool-use loop. ScriptedEngine replays a fixed Script and records
// the authorization decisions it was handed; tests and credential-free
// demo mode use it.
package engine
