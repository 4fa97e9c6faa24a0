// ABOUTME: In-memory registry of active conversation runs
// ABOUTME: Maps run handles to session metadata while a run is live

package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/seance/internal/history"
)

// Conversation statuses reported to clients. A session is ongoing while
// its run is registered and completed once it deregisters. A run that has
// not yet reported a session id is ongoing with an empty session id.
const (
	StatusOngoing   = "ongoing"
	StatusCompleted = "completed"
)

// Session describes one active run. PriorMessages carries the transcript
// a resumed run inherited, so detail views can show it before the run
// itself reaches history.
type Session struct {
	StreamingID           string          `json:"streamingId"`
	SessionID             string          `json:"sessionId"`
	InitialPrompt         string          `json:"initialPrompt"`
	WorkingDirectory      string          `json:"workingDirectory"`
	Model                 string          `json:"model"`
	PermissionMode        string          `json:"permissionMode"`
	InheritedMessageCount int             `json:"inheritedMessageCount"`
	PriorMessages         []history.Entry `json:"priorMessages,omitempty"`
	StartedAt             time.Time       `json:"startedAt"`
}

// Registry tracks live runs. Everything here is ephemeral; persistent
// session facts live in the store.
type Registry struct {
	logger *slog.Logger

	mu        sync.RWMutex
	byRun     map[string]*Session
	bySession map[string]string
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger.With("component", "registry"),
		byRun:     make(map[string]*Session),
		bySession: make(map[string]string),
	}
}

// Register records an active run. Registering the same streaming id twice
// replaces the earlier entry.
func (r *Registry) Register(s Session) {
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now().UTC()
	}

	r.mu.Lock()
	if prev, ok := r.byRun[s.StreamingID]; ok && prev.SessionID != "" {
		delete(r.bySession, prev.SessionID)
	}
	r.byRun[s.StreamingID] = &s
	if s.SessionID != "" {
		r.bySession[s.SessionID] = s.StreamingID
	}
	r.mu.Unlock()

	r.logger.Info("session registered", "run_id", s.StreamingID, "session_id", s.SessionID)
}

// Deregister removes a run. It returns false when the run was not
// registered, so teardown paths stay idempotent.
func (r *Registry) Deregister(streamingID string) bool {
	r.mu.Lock()
	s, ok := r.byRun[streamingID]
	if ok {
		delete(r.byRun, streamingID)
		if s.SessionID != "" {
			delete(r.bySession, s.SessionID)
		}
	}
	r.mu.Unlock()

	if ok {
		r.logger.Info("session deregistered", "run_id", streamingID)
	}
	return ok
}

// Get returns the session for a run handle.
func (r *Registry) Get(streamingID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byRun[streamingID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Status reports a session's conversation status: ongoing while its run
// is registered, completed otherwise.
func (r *Registry) Status(sessionID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.bySession[sessionID]; ok {
		return StatusOngoing
	}
	return StatusCompleted
}

// StreamingID looks up the run handle for an active session.
func (r *Registry) StreamingID(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.bySession[sessionID]
	return id, ok
}

// List returns all active sessions, newest first.
func (r *Registry) List() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.byRun))
	for _, s := range r.byRun {
		out = append(out, *s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// NotIn returns active sessions whose session id is absent from known.
// Conversation listings use this to surface runs that have produced no
// history yet.
func (r *Registry) NotIn(known map[string]bool) []Session {
	var out []Session
	for _, s := range r.List() {
		if s.SessionID == "" || !known[s.SessionID] {
			out = append(out, s)
		}
	}
	return out
}
