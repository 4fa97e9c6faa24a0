// ABOUTME: Fan-out broadcaster delivering run events to attached subscribers
// ABOUTME: Manages per-run subscriber sets, heartbeats, and session teardown

package stream

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/seance/internal/event"
)

// HeartbeatInterval is how often idle-connection keepalive comments go
// out to every subscriber of a session.
const HeartbeatInterval = 30 * time.Second

// Sink receives events for one subscriber. Implementations are owned by
// the broadcaster once attached: a failed Send gets the sink removed and
// closed, and session teardown closes every sink.
type Sink interface {
	// Send delivers one event.
	Send(ev event.Event) error
	// Comment delivers a protocol comment (keepalive).
	Comment(text string) error
	// Close releases the sink. Called at most once by the broadcaster.
	Close()
}

type session struct {
	mu    sync.Mutex
	sinks map[string]Sink
	stop  chan struct{}
}

// Broadcaster fans run events out to subscribers keyed by run handle.
// Events for a run are delivered to each subscriber in publish order;
// broadcasting to a run with no subscribers is a no-op.
type Broadcaster struct {
	logger    *slog.Logger
	heartbeat time.Duration

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewBroadcaster creates a broadcaster with the default heartbeat cadence.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		logger:    logger.With("component", "broadcaster"),
		heartbeat: HeartbeatInterval,
		sessions:  make(map[string]*session),
	}
}

// SetHeartbeatInterval overrides the keepalive cadence. Tests use short
// intervals.
func (b *Broadcaster) SetHeartbeatInterval(d time.Duration) {
	b.heartbeat = d
}

// Attach registers a sink as a subscriber of runID and acknowledges it
// with a connected event. It returns a subscription id for Detach. The
// first subscriber of a run starts that run's heartbeat.
func (b *Broadcaster) Attach(runID string, sink Sink) string {
	subID := uuid.New().String()

	if err := sink.Send(event.NewConnected(runID)); err != nil {
		b.logger.Debug("subscriber rejected connected ack", "run_id", runID, "error", err)
		sink.Close()
		return subID
	}

	b.mu.Lock()
	sess, ok := b.sessions[runID]
	if !ok {
		sess = &session{
			sinks: make(map[string]Sink),
			stop:  make(chan struct{}),
		}
		b.sessions[runID] = sess
		go b.heartbeatLoop(runID, sess)
	}
	// Insert while still holding b.mu so a concurrent CloseSession or
	// last-subscriber Detach cannot retire the session in between,
	// stranding a sink on a session nothing will ever deliver to.
	sess.mu.Lock()
	sess.sinks[subID] = sink
	sess.mu.Unlock()
	b.mu.Unlock()

	b.logger.Debug("subscriber attached", "run_id", runID, "sub_id", subID)
	return subID
}

// Detach removes one subscriber and closes its sink. The last subscriber
// leaving stops the run's heartbeat.
func (b *Broadcaster) Detach(runID, subID string) {
	b.mu.Lock()
	sess, ok := b.sessions[runID]
	if !ok {
		b.mu.Unlock()
		return
	}

	sess.mu.Lock()
	sink, exists := sess.sinks[subID]
	if exists {
		delete(sess.sinks, subID)
	}
	empty := len(sess.sinks) == 0
	sess.mu.Unlock()

	if empty {
		delete(b.sessions, runID)
		close(sess.stop)
	}
	b.mu.Unlock()

	if exists {
		sink.Close()
		b.logger.Debug("subscriber detached", "run_id", runID, "sub_id", subID)
	}
}

// Broadcast delivers an event to every subscriber of runID in order.
// Sinks whose Send fails are removed and closed; the rest still receive
// the event.
func (b *Broadcaster) Broadcast(runID string, ev event.Event) {
	b.mu.RLock()
	sess, ok := b.sessions[runID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	var dead []string
	for subID, sink := range sess.sinks {
		if err := sink.Send(ev); err != nil {
			b.logger.Debug("removing dead subscriber", "run_id", runID, "sub_id", subID, "error", err)
			dead = append(dead, subID)
		}
	}
	for _, subID := range dead {
		sink := sess.sinks[subID]
		delete(sess.sinks, subID)
		sink.Close()
	}
	sess.mu.Unlock()
}

// CloseSession sends a closed event to every subscriber of runID, closes
// their sinks, and forgets the session. Closing an unknown session is a
// no-op.
func (b *Broadcaster) CloseSession(runID string) {
	b.mu.Lock()
	sess, ok := b.sessions[runID]
	if ok {
		delete(b.sessions, runID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	close(sess.stop)

	closed := event.NewClosed(runID)
	sess.mu.Lock()
	for subID, sink := range sess.sinks {
		if err := sink.Send(closed); err != nil {
			b.logger.Debug("subscriber missed closed event", "run_id", runID, "sub_id", subID, "error", err)
		}
		sink.Close()
		delete(sess.sinks, subID)
	}
	sess.mu.Unlock()

	b.logger.Debug("session closed", "run_id", runID)
}

// SubscriberCount reports how many sinks are attached to runID.
func (b *Broadcaster) SubscriberCount(runID string) int {
	b.mu.RLock()
	sess, ok := b.sessions[runID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return len(sess.sinks)
}

// Close tears down every session without emitting closed events.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	sessions := b.sessions
	b.sessions = make(map[string]*session)
	b.mu.Unlock()

	for _, sess := range sessions {
		close(sess.stop)
		sess.mu.Lock()
		for subID, sink := range sess.sinks {
			sink.Close()
			delete(sess.sinks, subID)
		}
		sess.mu.Unlock()
	}
}

func (b *Broadcaster) heartbeatLoop(runID string, sess *session) {
	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-sess.stop:
			return
		case <-ticker.C:
			sess.mu.Lock()
			var dead []string
			for subID, sink := range sess.sinks {
				if err := sink.Comment("heartbeat"); err != nil {
					dead = append(dead, subID)
				}
			}
			for _, subID := range dead {
				sink := sess.sinks[subID]
				delete(sess.sinks, subID)
				sink.Close()
			}
			sess.mu.Unlock()
		}
	}
}
