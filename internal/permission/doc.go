// Package permission arbitrates tool use for active runs.
//
// # Overview
//
// When a run wants to execute a tool that is not auto-approved, it files a
// Request with the Tracker and blocks in Wait until an operator resolves
// it. Each request resolves exactly once; the first decision wins and
// later ones report failure instead of overwriting.
//
// # Lifecycle
//
//	req := tracker.Add(runID, "Bash", input)   // status: pending
//	d, err := tracker.Wait(ctx, req.ID)        // blocks
//	tracker.Resolve(req.ID, Decision{...})     // wakes the waiter
//
// Wait is bounded by a ceiling (an hour by default). When it expires the
// request is force-denied so a decision arriving afterwards has no effect.
// RemoveForRun tears down a run's requests and wakes pending waiters with
// ErrRunEnded.
package permission
