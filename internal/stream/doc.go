// Package stream fans run events out to live subscribers.
//
// # Overview
//
// Each run has a session of subscribers keyed by its streaming id. The
// Broadcaster delivers events to every subscriber in publish order,
// acknowledges new subscribers with a connected event, and prunes sinks
// whose writes fail. A session with at least one subscriber gets a
// keepalive comment every thirty seconds; the heartbeat starts with the
// first subscriber and stops with the last.
//
// # Sinks
//
// Subscribers implement Sink. SSESink is the HTTP implementation: it
// frames events as server-sent events data lines and heartbeats as SSE
// comments, flushing after every write. Tests substitute in-memory sinks.
//
// # Teardown
//
// CloseSession broadcasts a closed event, closes every sink, and forgets
// the session. The orchestrator calls it when a run ends for any reason,
// so subscribers always observe a terminal event before their connection
// drops.
package stream
