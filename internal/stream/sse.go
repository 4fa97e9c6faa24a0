// ABOUTME: Server-sent events sink writing broadcaster events to an HTTP response
// ABOUTME: Serializes events as data frames and heartbeats as SSE comments

package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/2389/seance/internal/event"
)

// ErrSinkClosed is returned by writes to a closed sink.
var ErrSinkClosed = errors.New("stream: sink closed")

// SSESink frames events for one server-sent events response. Writes are
// serialized; the broadcaster may call Send from the run loop while the
// heartbeat fires on another goroutine.
type SSESink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flush   http.Flusher
	closed  bool
	onClose func()
}

// NewSSESink prepares a response for event streaming and returns the
// sink. onClose, if non-nil, runs once when the sink closes; handlers use
// it to release the request goroutine.
func NewSSESink(w http.ResponseWriter, onClose func()) (*SSESink, error) {
	flush, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("stream: response writer does not support flushing")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flush.Flush()

	return &SSESink{w: w, flush: flush, onClose: onClose}, nil
}

// Send writes one event as a data frame and flushes it.
func (s *SSESink) Send(ev event.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling %s event: %w", ev.EventType(), err)
	}
	return s.write(fmt.Sprintf("data: %s\n\n", payload))
}

// Comment writes an SSE comment line. Proxies and clients ignore it; it
// only keeps the connection warm.
func (s *SSESink) Comment(text string) error {
	return s.write(fmt.Sprintf(": %s\n\n", text))
}

func (s *SSESink) write(frame string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}
	if _, err := fmt.Fprint(s.w, frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	s.flush.Flush()
	return nil
}

// Close marks the sink closed and runs the close hook once.
func (s *SSESink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	hook := s.onClose
	s.onClose = nil
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
}
