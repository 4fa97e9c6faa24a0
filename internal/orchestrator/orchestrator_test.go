// ABOUTME: Tests for run orchestration
// ABOUTME: Drives runs with a scripted engine and asserts lifecycle guarantees

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/seance/internal/engine"
	"github.com/2389/seance/internal/event"
	"github.com/2389/seance/internal/history"
	"github.com/2389/seance/internal/permission"
	"github.com/2389/seance/internal/registry"
	"github.com/2389/seance/internal/stream"
)

type fakeHistory struct {
	dirs map[string]string
}

func (f *fakeHistory) List(ctx context.Context) ([]history.Summary, error) { return nil, nil }

func (f *fakeHistory) Conversation(ctx context.Context, sessionID string) ([]history.Entry, error) {
	return nil, history.ErrNotFound
}

func (f *fakeHistory) WorkingDirectory(ctx context.Context, sessionID string) (string, error) {
	if dir, ok := f.dirs[sessionID]; ok {
		return dir, nil
	}
	return "", history.ErrNotFound
}

type memorySink struct {
	mu     sync.Mutex
	events []event.Event
	closed bool
}

func (m *memorySink) Send(ev event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memorySink) Comment(string) error { return nil }

func (m *memorySink) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

func (m *memorySink) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.EventType()
	}
	return out
}

type fixture struct {
	orch        *Orchestrator
	registry    *registry.Registry
	permissions *permission.Tracker
	broadcaster *stream.Broadcaster
	history     *fakeHistory
}

func newFixture(t *testing.T, eng engine.Engine, opts ...func(*Config)) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &fixture{
		registry:    registry.New(logger),
		permissions: permission.NewTracker(logger),
		broadcaster: stream.NewBroadcaster(logger),
		history:     &fakeHistory{dirs: map[string]string{}},
	}
	t.Cleanup(f.broadcaster.Close)

	cfg := Config{
		Engine:      eng,
		Registry:    f.registry,
		Permissions: f.permissions,
		Broadcaster: f.broadcaster,
		History:     f.history,
		Logger:      logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	f.orch = New(cfg)
	return f
}

func waitInactive(t *testing.T, f *fixture, runID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !f.orch.RunActive(runID)
	}, 5*time.Second, 5*time.Millisecond, "run never tore down")
}

func TestStartRunReturnsInit(t *testing.T) {
	eng := engine.NewScriptedEngine(engine.Script{})
	f := newFixture(t, eng)

	res, err := f.orch.StartRun(context.Background(), StartRequest{
		Prompt:           "hello",
		WorkingDirectory: t.TempDir(),
		Model:            "test-model",
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.StreamingID)
	require.NotNil(t, res.Init)
	assert.NotEmpty(t, res.Init.SessionID)
	assert.Equal(t, "test-model", res.Init.Model)

	// registered while live
	sess, ok := f.registry.Get(res.StreamingID)
	if ok {
		assert.Equal(t, res.Init.SessionID, sess.SessionID)
	}
	waitInactive(t, f, res.StreamingID)
	_, ok = f.registry.Get(res.StreamingID)
	assert.False(t, ok, "registry entry removed at teardown")
}

func TestRunTeardownClosesSubscribers(t *testing.T) {
	eng := engine.NewScriptedEngine(engine.Script{InitDelay: 20 * time.Millisecond, Steps: []engine.ScriptStep{
		{Delay: 50 * time.Millisecond, Message: &engine.Message{
			Kind: engine.KindResult, Result: &engine.ResultInfo{Subtype: "success"},
		}},
	}})
	f := newFixture(t, eng)

	res, err := f.orch.StartRun(context.Background(), StartRequest{Prompt: "go", WorkingDirectory: t.TempDir()})
	require.NoError(t, err)

	sink := &memorySink{}
	f.broadcaster.Attach(res.StreamingID, sink)

	waitInactive(t, f, res.StreamingID)

	types := sink.types()
	require.NotEmpty(t, types)
	assert.Equal(t, event.TypeConnected, types[0])
	assert.Contains(t, types, event.TypeResult)
	assert.Equal(t, event.TypeClosed, types[len(types)-1], "closed is always the final event")

	sink.mu.Lock()
	closed := sink.closed
	sink.mu.Unlock()
	assert.True(t, closed)
}

func TestStartRunResumeResolvesWorkdir(t *testing.T) {
	eng := engine.NewScriptedEngine(engine.Script{})
	f := newFixture(t, eng)
	f.history.dirs["old-session"] = "/srv/resumed"

	res, err := f.orch.StartRun(context.Background(), StartRequest{Prompt: "go", Resume: "old-session"})
	require.NoError(t, err)
	assert.Equal(t, "/srv/resumed", res.Init.CWD)
	assert.Equal(t, "old-session", res.Init.SessionID, "resumed runs keep their session id")
	waitInactive(t, f, res.StreamingID)
}

func TestStartRunResumeCarriesPriorMessages(t *testing.T) {
	eng := engine.NewScriptedEngine(engine.Script{Steps: []engine.ScriptStep{
		{Delay: 10 * time.Second},
	}})
	f := newFixture(t, eng)
	f.history.dirs["old-session"] = "/srv/resumed"

	prior := []history.Entry{
		{Type: "user", SessionID: "old-session", Message: json.RawMessage(`{"role":"user","content":"hello"}`)},
		{Type: "assistant", SessionID: "old-session", Message: json.RawMessage(`{"role":"assistant","content":[{"type":"text","text":"hi there"}]}`)},
	}

	res, err := f.orch.StartRun(context.Background(), StartRequest{Prompt: "go", Resume: "old-session", PriorMessages: prior})
	require.NoError(t, err)

	sess, ok := f.registry.Get(res.StreamingID)
	require.True(t, ok)
	assert.Equal(t, 2, sess.InheritedMessageCount)
	assert.Equal(t, prior, sess.PriorMessages)

	cfgs := eng.Configs()
	require.Len(t, cfgs, 1)
	assert.Equal(t, []engine.PriorTurn{
		{Role: "user", Text: "hello"},
		{Role: "assistant", Text: "hi there"},
	}, cfgs[0].PriorTurns)

	require.True(t, f.orch.StopRun(context.Background(), res.StreamingID))
	waitInactive(t, f, res.StreamingID)
}

func TestStartRunResumeUnknownSession(t *testing.T) {
	eng := engine.NewScriptedEngine(engine.Script{})
	f := newFixture(t, eng)

	_, err := f.orch.StartRun(context.Background(), StartRequest{Prompt: "go", Resume: "ghost"})
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestStartRunInitTimeout(t *testing.T) {
	eng := engine.NewScriptedEngine(engine.Script{OmitInit: true, Steps: []engine.ScriptStep{
		{Delay: 10 * time.Second},
	}})
	f := newFixture(t, eng, func(cfg *Config) {
		cfg.InitTimeout = 50 * time.Millisecond
	})

	start := time.Now()
	res, err := f.orch.StartRun(context.Background(), StartRequest{Prompt: "go", WorkingDirectory: t.TempDir()})
	require.ErrorIs(t, err, ErrInitTimeout)
	assert.Nil(t, res)
	assert.Less(t, time.Since(start), 5*time.Second)

	require.Eventually(t, func() bool {
		return len(f.orch.activeRuns()) == 0
	}, 5*time.Second, 5*time.Millisecond, "timed-out run is torn down")
}

func TestStopRun(t *testing.T) {
	eng := engine.NewScriptedEngine(engine.Script{Steps: []engine.ScriptStep{
		{Delay: 10 * time.Second},
	}})
	f := newFixture(t, eng)

	res, err := f.orch.StartRun(context.Background(), StartRequest{Prompt: "go", WorkingDirectory: t.TempDir()})
	require.NoError(t, err)

	sink := &memorySink{}
	f.broadcaster.Attach(res.StreamingID, sink)

	assert.True(t, f.orch.StopRun(context.Background(), res.StreamingID))
	waitInactive(t, f, res.StreamingID)
	assert.False(t, f.orch.StopRun(context.Background(), res.StreamingID), "second stop reports inactive")

	types := sink.types()
	assert.Equal(t, event.TypeClosed, types[len(types)-1])
	assert.NotContains(t, types, event.TypeError, "cancellation is not an error")
}

func TestEngineFailureBroadcastsError(t *testing.T) {
	boom := errors.New("backend exploded")
	eng := engine.NewScriptedEngine(engine.Script{
		Steps:    []engine.ScriptStep{{Delay: 50 * time.Millisecond}},
		FailWith: boom,
	})
	f := newFixture(t, eng)

	res, err := f.orch.StartRun(context.Background(), StartRequest{Prompt: "go", WorkingDirectory: t.TempDir()})
	require.NoError(t, err)

	sink := &memorySink{}
	f.broadcaster.Attach(res.StreamingID, sink)
	waitInactive(t, f, res.StreamingID)

	types := sink.types()
	require.GreaterOrEqual(t, len(types), 3)
	assert.Equal(t, event.TypeError, types[len(types)-2], "error precedes closed")
	assert.Equal(t, event.TypeClosed, types[len(types)-1])
}

func TestReadOnlyToolsSkipArbitration(t *testing.T) {
	eng := engine.NewScriptedEngine(engine.Script{Steps: []engine.ScriptStep{
		{ToolUse: &engine.ScriptToolUse{Tool: "Read", Input: map[string]any{"path": "a.go"}}},
		{ToolUse: &engine.ScriptToolUse{Tool: "Glob", Input: map[string]any{"pattern": "*"}}},
	}})
	f := newFixture(t, eng)

	res, err := f.orch.StartRun(context.Background(), StartRequest{Prompt: "go", WorkingDirectory: t.TempDir()})
	require.NoError(t, err)
	waitInactive(t, f, res.StreamingID)

	decisions := eng.Decisions()
	require.Len(t, decisions, 2)
	assert.True(t, decisions[0].Allow)
	assert.True(t, decisions[1].Allow)
	assert.Empty(t, f.permissions.List("", ""), "no requests filed for read-only tools")
}

func TestToolApprovalFlow(t *testing.T) {
	eng := engine.NewScriptedEngine(engine.Script{Steps: []engine.ScriptStep{
		{ToolUse: &engine.ScriptToolUse{Tool: "Bash", Input: map[string]any{"command": "make"}}},
	}})
	f := newFixture(t, eng)

	res, err := f.orch.StartRun(context.Background(), StartRequest{Prompt: "go", WorkingDirectory: t.TempDir()})
	require.NoError(t, err)

	var reqID string
	require.Eventually(t, func() bool {
		pending := f.permissions.List(res.StreamingID, permission.StatusPending)
		if len(pending) != 1 {
			return false
		}
		reqID = pending[0].ID
		return true
	}, 5*time.Second, 5*time.Millisecond, "tool use never filed a request")

	updated := map[string]any{"command": "make test"}
	require.True(t, f.permissions.Resolve(reqID, permission.Decision{Approved: true, UpdatedInput: updated}))
	waitInactive(t, f, res.StreamingID)

	decisions := eng.Decisions()
	require.Len(t, decisions, 1)
	assert.True(t, decisions[0].Allow)
	assert.Equal(t, updated, decisions[0].UpdatedInput)
}

func TestToolDenialFlow(t *testing.T) {
	eng := engine.NewScriptedEngine(engine.Script{Steps: []engine.ScriptStep{
		{ToolUse: &engine.ScriptToolUse{Tool: "Write", Input: map[string]any{"path": "x"}}},
	}})
	f := newFixture(t, eng)

	res, err := f.orch.StartRun(context.Background(), StartRequest{Prompt: "go", WorkingDirectory: t.TempDir()})
	require.NoError(t, err)

	var reqID string
	require.Eventually(t, func() bool {
		pending := f.permissions.List(res.StreamingID, permission.StatusPending)
		if len(pending) != 1 {
			return false
		}
		reqID = pending[0].ID
		return true
	}, 5*time.Second, 5*time.Millisecond)

	require.True(t, f.permissions.Resolve(reqID, permission.Decision{DenyReason: "not on my watch"}))
	waitInactive(t, f, res.StreamingID)

	decisions := eng.Decisions()
	require.Len(t, decisions, 1)
	assert.False(t, decisions[0].Allow)
	assert.Equal(t, "not on my watch", decisions[0].Message)
}

func TestStopRunReleasesPendingArbitration(t *testing.T) {
	eng := engine.NewScriptedEngine(engine.Script{Steps: []engine.ScriptStep{
		{ToolUse: &engine.ScriptToolUse{Tool: "Bash", Input: map[string]any{"command": "sleep"}}},
	}})
	f := newFixture(t, eng)

	res, err := f.orch.StartRun(context.Background(), StartRequest{Prompt: "go", WorkingDirectory: t.TempDir()})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.permissions.List(res.StreamingID, permission.StatusPending)) == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.True(t, f.orch.StopRun(context.Background(), res.StreamingID))
	waitInactive(t, f, res.StreamingID)
	assert.Empty(t, f.permissions.List(res.StreamingID, ""), "run teardown clears its requests")
}

func TestShutdownStopsAllRuns(t *testing.T) {
	eng := engine.NewScriptedEngine(engine.Script{Steps: []engine.ScriptStep{
		{Delay: 10 * time.Second},
	}})
	f := newFixture(t, eng)

	a, err := f.orch.StartRun(context.Background(), StartRequest{Prompt: "a", WorkingDirectory: t.TempDir()})
	require.NoError(t, err)
	b, err := f.orch.StartRun(context.Background(), StartRequest{Prompt: "b", WorkingDirectory: t.TempDir()})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f.orch.Shutdown(ctx)

	assert.False(t, f.orch.RunActive(a.StreamingID))
	assert.False(t, f.orch.RunActive(b.StreamingID))
}
