// ABOUTME: In-memory tracker for tool permission requests
// ABOUTME: Correlates pending requests with waiters and enforces the decision ceiling

package permission

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Request statuses. A request starts pending and resolves exactly once.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDenied   = "denied"
)

// DefaultCeiling bounds how long a run blocks on a single permission
// request before it is force-denied.
const DefaultCeiling = 60 * time.Minute

// TimeoutReason is the deny reason recorded when the ceiling expires.
const TimeoutReason = "Permission request timed out"

var (
	// ErrNotFound is returned when no request exists with the given id.
	ErrNotFound = errors.New("permission request not found")

	// ErrRunEnded is delivered to waiters when their run is cleaned up
	// before a decision arrives.
	ErrRunEnded = errors.New("conversation ended")
)

// Decision is the outcome of a permission request.
type Decision struct {
	Approved     bool
	UpdatedInput map[string]any
	DenyReason   string
}

// Request is a single tool permission request.
type Request struct {
	ID           string         `json:"id"`
	RunID        string         `json:"streamingId"`
	Tool         string         `json:"toolName"`
	Input        map[string]any `json:"input"`
	Status       string         `json:"status"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
	DenyReason   string         `json:"denyReason,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	ResolvedAt   *time.Time     `json:"resolvedAt,omitempty"`
}

type outcome struct {
	decision Decision
	err      error
}

// Tracker keeps permission requests in memory and wakes waiters when a
// decision lands. Requests never outlive their run; cleanup drops them.
type Tracker struct {
	logger  *slog.Logger
	ceiling time.Duration

	mu       sync.Mutex
	requests map[string]*Request
	order    []string
	waiters  map[string]chan outcome
}

// NewTracker creates a tracker with the default decision ceiling.
func NewTracker(logger *slog.Logger) *Tracker {
	return &Tracker{
		logger:   logger.With("component", "permission"),
		ceiling:  DefaultCeiling,
		requests: make(map[string]*Request),
		waiters:  make(map[string]chan outcome),
	}
}

// SetCeiling overrides the decision ceiling. Tests use short ceilings.
func (t *Tracker) SetCeiling(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ceiling = d
}

// Add registers a new pending request for a run and returns it.
func (t *Tracker) Add(runID, tool string, input map[string]any) Request {
	req := &Request{
		ID:        uuid.New().String(),
		RunID:     runID,
		Tool:      tool,
		Input:     input,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}

	t.mu.Lock()
	t.requests[req.ID] = req
	t.order = append(t.order, req.ID)
	t.mu.Unlock()

	t.logger.Info("permission requested", "request_id", req.ID, "run_id", runID, "tool", tool)
	return *req
}

// Get returns a copy of the request with the given id.
func (t *Tracker) Get(id string) (Request, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.requests[id]
	if !ok {
		return Request{}, false
	}
	return *req, true
}

// List returns requests in insertion order, optionally filtered by run id
// and status. Empty filters match everything.
func (t *Tracker) List(runID, status string) []Request {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Request, 0, len(t.order))
	for _, id := range t.order {
		req := t.requests[id]
		if req == nil {
			continue
		}
		if runID != "" && req.RunID != runID {
			continue
		}
		if status != "" && req.Status != status {
			continue
		}
		out = append(out, *req)
	}
	return out
}

// Resolve records a decision for a pending request and wakes its waiter.
// It returns false when the request does not exist or was already
// resolved; a request resolves at most once.
func (t *Tracker) Resolve(id string, decision Decision) bool {
	t.mu.Lock()
	req, ok := t.requests[id]
	if !ok || req.Status != StatusPending {
		t.mu.Unlock()
		return false
	}

	now := time.Now().UTC()
	req.ResolvedAt = &now
	if decision.Approved {
		req.Status = StatusApproved
		req.UpdatedInput = decision.UpdatedInput
	} else {
		req.Status = StatusDenied
		req.DenyReason = decision.DenyReason
	}

	waiter := t.waiters[id]
	delete(t.waiters, id)
	t.mu.Unlock()

	if waiter != nil {
		waiter <- outcome{decision: decision}
	}

	t.logger.Info("permission resolved", "request_id", id, "approved", decision.Approved)
	return true
}

// Wait blocks until the request resolves, the ceiling expires, or ctx is
// done. A request resolved before Wait is called returns immediately.
// Ceiling expiry force-denies the request so late decisions bounce.
func (t *Tracker) Wait(ctx context.Context, id string) (Decision, error) {
	t.mu.Lock()
	req, ok := t.requests[id]
	if !ok {
		t.mu.Unlock()
		return Decision{}, ErrNotFound
	}

	switch req.Status {
	case StatusApproved:
		updated := req.UpdatedInput
		t.mu.Unlock()
		return Decision{Approved: true, UpdatedInput: updated}, nil
	case StatusDenied:
		reason := req.DenyReason
		t.mu.Unlock()
		return Decision{DenyReason: reason}, nil
	}

	ch := make(chan outcome, 1)
	t.waiters[id] = ch
	ceiling := t.ceiling
	t.mu.Unlock()

	timer := time.NewTimer(ceiling)
	defer timer.Stop()

	select {
	case out := <-ch:
		return out.decision, out.err
	case <-timer.C:
		deny := Decision{DenyReason: TimeoutReason}
		t.Resolve(id, deny)
		// Resolve may have lost the race to a concurrent decision;
		// prefer whatever actually landed.
		select {
		case out := <-ch:
			return out.decision, out.err
		default:
			return deny, nil
		}
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.waiters, id)
		t.mu.Unlock()
		return Decision{}, ctx.Err()
	}
}

// RemoveForRun drops every request belonging to a run. Pending waiters are
// woken with ErrRunEnded so the run never deadlocks on teardown.
func (t *Tracker) RemoveForRun(runID string) {
	t.mu.Lock()
	var ended []chan outcome
	kept := t.order[:0]
	for _, id := range t.order {
		req := t.requests[id]
		if req == nil || req.RunID != runID {
			kept = append(kept, id)
			continue
		}
		if waiter, ok := t.waiters[id]; ok {
			ended = append(ended, waiter)
			delete(t.waiters, id)
		}
		delete(t.requests, id)
	}
	t.order = kept
	t.mu.Unlock()

	for _, waiter := range ended {
		waiter <- outcome{err: ErrRunEnded}
	}
}
