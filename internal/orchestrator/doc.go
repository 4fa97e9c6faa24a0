// Package orchestrator runs conversations end to end.
//
// # Overview
//
// The orchestrator sits between the HTTP surface and the engine. Starting
// a run allocates a streaming id, resolves the working directory (reading
// transcript history when resuming), launches the engine, and blocks the
// caller until the engine's init message arrives or the init timeout
// kills the run. From then on a background goroutine pumps engine
// messages through the event adapter to the broadcaster.
//
// # Lifecycle guarantee
//
// However a run ends (normal completion, engine failure, an explicit
// stop, or the init timeout), teardown executes exactly once: the
// registry entry is removed, pending permission requests are released,
// and subscribers receive a closed event before their streams shut.
// Cancellation is not reported as an error; engine failures are
// broadcast as an error event first.
//
// # Tool arbitration
//
// The orchestrator installs an Authorizer on every run. Read-only tools
// pass immediately; anything else files a permission request and parks
// the engine until an operator decides or the ceiling forces a denial.
package orchestrator
