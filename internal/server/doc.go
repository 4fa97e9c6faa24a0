// Package server wires the seance HTTP surface over the conversation
// orchestrator.
//
// # Overview
//
// The server package is the composition root of the seance daemon. New
// constructs every component from configuration: the SQLite session info
// store, the conversation history reader, the active-run registry, the
// permission tracker, the event broadcaster, the conversation engine, and
// the orchestrator that ties them together. Run starts the HTTP listener
// and blocks until the context is canceled or the listener fails.
//
// # HTTP API
//
// Routes are registered in api.go:
//
//   - POST /api/conversations/start - Start or resume a conversation
//   - POST /api/conversations/{id}/stop - Stop an active conversation
//   - GET /api/conversations - List conversations (history merged with active runs)
//   - GET /api/conversations/{sessionId} - Conversation detail with messages
//   - PUT /api/conversations/{sessionId}/rename - Set a custom name
//   - PUT /api/conversations/{sessionId}/update - Update name or archived flag
//   - POST /api/conversations/archive-all - Archive every known session
//   - GET /api/stream/{streamingId} - Subscribe to conversation events (SSE)
//   - GET /api/permissions - List permission requests
//   - POST /api/permissions/{id}/decision - Approve or deny a pending request
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check
//
// # SSE Streaming
//
// Conversation events are streamed as Server-Sent Events, one JSON object
// per data frame:
//
//	data: {"type":"connected","streaming_id":"..."}
//
//	data: {"type":"system_init","session_id":"...","cwd":"...}
//
//	data: {"type":"closed","streaming_id":"..."}
//
// A comment heartbeat (": heartbeat") is written every 30 seconds while at
// least one subscriber is attached.
//
// # Error Responses
//
// API errors are JSON objects with error and code fields, for example:
//
//	{"error": "workingDirectory is required", "code": "MISSING_WORKING_DIRECTORY"}
package server
