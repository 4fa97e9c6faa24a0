// ABOUTME: Coordinates conversation runs across engine, registry, permissions, and stream
// ABOUTME: Owns run lifecycle from start through guaranteed teardown

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/seance/internal/engine"
	"github.com/2389/seance/internal/event"
	"github.com/2389/seance/internal/gitutil"
	"github.com/2389/seance/internal/history"
	"github.com/2389/seance/internal/notify"
	"github.com/2389/seance/internal/permission"
	"github.com/2389/seance/internal/registry"
	"github.com/2389/seance/internal/store"
	"github.com/2389/seance/internal/stream"
)

// DefaultInitTimeout bounds how long a start request waits for the
// engine's init message before the run is killed.
const DefaultInitTimeout = 60 * time.Second

var (
	// ErrConversationNotFound is returned when a resume targets a
	// session with no stored transcript.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrInitTimeout is returned when the engine produces no init
	// message within the init timeout.
	ErrInitTimeout = errors.New("system initialization timed out")
)

// readOnlyTools are auto-approved without operator arbitration.
var readOnlyTools = map[string]bool{
	"Read": true,
	"Grep": true,
	"Glob": true,
	"LS":   true,
	"LSP":  true,
}

// StartRequest describes one run to launch. PriorMessages is the
// transcript a resumed run inherits; it seeds the engine's context and
// the registry entry.
type StartRequest struct {
	Prompt           string
	WorkingDirectory string
	Model            string
	SystemPrompt     string
	PermissionMode   string
	Resume           string
	PriorMessages    []history.Entry
	AllowedTools     []string
	DisallowedTools  []string
}

// StartResult is returned once a run has initialized.
type StartResult struct {
	StreamingID string
	Init        *event.SystemInit
}

// Config wires an Orchestrator's collaborators.
type Config struct {
	Engine      engine.Engine
	Registry    *registry.Registry
	Permissions *permission.Tracker
	Broadcaster *stream.Broadcaster
	History     history.Reader
	Store       *store.SQLiteStore
	Notifier    notify.Notifier
	Logger      *slog.Logger
	InitTimeout time.Duration
}

type run struct {
	cancel context.CancelFunc
	proc   engine.Process
	done   chan struct{}
}

// Orchestrator starts and stops runs and pumps their events to the
// broadcaster. Every run it starts is eventually torn down exactly once,
// no matter how it ends.
type Orchestrator struct {
	engine      engine.Engine
	registry    *registry.Registry
	permissions *permission.Tracker
	broadcaster *stream.Broadcaster
	history     history.Reader
	store       *store.SQLiteStore
	notifier    notify.Notifier
	logger      *slog.Logger
	initTimeout time.Duration

	mu   sync.Mutex
	runs map[string]*run
}

// New creates an orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	timeout := cfg.InitTimeout
	if timeout <= 0 {
		timeout = DefaultInitTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	return &Orchestrator{
		engine:      cfg.Engine,
		registry:    cfg.Registry,
		permissions: cfg.Permissions,
		broadcaster: cfg.Broadcaster,
		history:     cfg.History,
		store:       cfg.Store,
		notifier:    notifier,
		logger:      logger.With("component", "orchestrator"),
		initTimeout: timeout,
		runs:        make(map[string]*run),
	}
}

// StartRun launches a run and blocks until the engine reports init or
// the init timeout expires. The returned streaming id is the handle for
// streaming, stopping, and permission arbitration.
func (o *Orchestrator) StartRun(ctx context.Context, req StartRequest) (*StartResult, error) {
	streamingID := uuid.New().String()

	workdir, err := o.resolveWorkdir(ctx, req)
	if err != nil {
		return nil, err
	}

	// The run outlives the start request; only StopRun or run
	// completion cancels it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	proc, err := o.engine.Start(runCtx, engine.RunConfig{
		Prompt:           req.Prompt,
		WorkingDirectory: workdir,
		Model:            req.Model,
		SystemPrompt:     req.SystemPrompt,
		PermissionMode:   req.PermissionMode,
		Resume:           req.Resume,
		PriorTurns:       priorTurns(req.PriorMessages),
		AllowedTools:     req.AllowedTools,
		DisallowedTools:  req.DisallowedTools,
		Authorize:        o.authorizer(streamingID),
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("starting engine: %w", err)
	}

	r := &run{cancel: cancel, proc: proc, done: make(chan struct{})}
	o.mu.Lock()
	o.runs[streamingID] = r
	o.mu.Unlock()

	initCh := make(chan *event.SystemInit, 1)
	go o.consume(runCtx, streamingID, r, initCh)

	select {
	case init, ok := <-initCh:
		if !ok {
			if procErr := proc.Err(); procErr != nil {
				return nil, fmt.Errorf("run ended before initialization: %w", procErr)
			}
			return nil, errors.New("run ended before initialization")
		}
		o.onInit(runCtx, streamingID, req, workdir, init)
		return &StartResult{StreamingID: streamingID, Init: init}, nil

	case <-time.After(o.initTimeout):
		o.StopRun(ctx, streamingID)
		return nil, ErrInitTimeout

	case <-ctx.Done():
		o.StopRun(context.WithoutCancel(ctx), streamingID)
		return nil, ctx.Err()
	}
}

// StopRun cancels a run. It returns false when no such run is active, so
// repeated stops are harmless.
func (o *Orchestrator) StopRun(ctx context.Context, streamingID string) bool {
	o.mu.Lock()
	r, ok := o.runs[streamingID]
	o.mu.Unlock()
	if !ok {
		return false
	}

	r.proc.Stop()
	r.cancel()
	o.logger.Info("run stop requested", "run_id", streamingID)
	return true
}

// RunActive reports whether a run is still live.
func (o *Orchestrator) RunActive(streamingID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.runs[streamingID]
	return ok
}

func (o *Orchestrator) activeRuns() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.runs))
	for id := range o.runs {
		out = append(out, id)
	}
	return out
}

// Shutdown stops every active run and waits for their teardown.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	active := make(map[string]*run, len(o.runs))
	for id, r := range o.runs {
		active[id] = r
	}
	o.mu.Unlock()

	for id, r := range active {
		o.StopRun(ctx, id)
		select {
		case <-r.done:
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) resolveWorkdir(ctx context.Context, req StartRequest) (string, error) {
	workdir := req.WorkingDirectory
	if req.Resume != "" && workdir == "" {
		dir, err := o.history.WorkingDirectory(ctx, req.Resume)
		if errors.Is(err, history.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrConversationNotFound, req.Resume)
		}
		if err != nil {
			return "", fmt.Errorf("resolving resume directory: %w", err)
		}
		workdir = dir
	}
	if workdir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolving working directory: %w", err)
		}
		workdir = cwd
	}
	return workdir, nil
}

// onInit records everything that becomes known once the engine reports
// its session: registry entry, permission mode, git baseline, and the
// continuation link for resumed sessions.
func (o *Orchestrator) onInit(ctx context.Context, streamingID string, req StartRequest, workdir string, init *event.SystemInit) {
	o.registry.Register(registry.Session{
		StreamingID:           streamingID,
		SessionID:             init.SessionID,
		InitialPrompt:         req.Prompt,
		WorkingDirectory:      workdir,
		Model:                 init.Model,
		PermissionMode:        init.PermissionMode,
		InheritedMessageCount: len(req.PriorMessages),
		PriorMessages:         req.PriorMessages,
	})

	if o.store != nil {
		mode := init.PermissionMode
		if mode == "" {
			mode = store.DefaultPermissionMode
		}
		if err := o.store.SetPermissionMode(ctx, init.SessionID, mode); err != nil {
			o.logger.Warn("recording permission mode failed", "session_id", init.SessionID, "error", err)
		}
		if req.Resume != "" && req.Resume != init.SessionID {
			if err := o.store.SetContinuationSessionID(ctx, req.Resume, init.SessionID); err != nil {
				o.logger.Warn("recording continuation failed", "session_id", req.Resume, "error", err)
			}
		}
		if gitutil.IsRepository(ctx, workdir) {
			if head := gitutil.CurrentHead(ctx, workdir); head != "" {
				if err := o.store.SetInitialCommitHead(ctx, init.SessionID, head); err != nil {
					o.logger.Warn("recording git baseline failed", "session_id", init.SessionID, "error", err)
				}
			}
		}
	}

	o.notifier.RunStarted(ctx, streamingID, init.SessionID, workdir)
}

// consume pumps engine messages to the broadcaster until the run ends,
// then tears the run down.
func (o *Orchestrator) consume(ctx context.Context, streamingID string, r *run, initCh chan<- *event.SystemInit) {
	sentInit := false
	var sessionID string

	for msg := range r.proc.Messages() {
		ev := adaptMessage(msg, o.logger)
		if ev == nil {
			continue
		}
		if init, ok := ev.(*event.SystemInit); ok {
			sessionID = init.SessionID
			if !sentInit {
				sentInit = true
				initCh <- init
			}
		}
		o.broadcaster.Broadcast(streamingID, ev)
	}
	close(initCh)

	err := r.proc.Err()
	if err != nil && !errors.Is(err, context.Canceled) {
		o.broadcaster.Broadcast(streamingID, &event.ErrorEvent{
			Type:      event.TypeError,
			SessionID: sessionID,
			Error:     err.Error(),
		})
		o.logger.Error("run failed", "run_id", streamingID, "error", err)
	}

	o.teardown(streamingID, sessionID, err)
	close(r.done)
}

// teardown runs unconditionally when a run ends: success, failure, stop,
// and init timeout all pass through here exactly once.
func (o *Orchestrator) teardown(streamingID, sessionID string, err error) {
	o.mu.Lock()
	r, ok := o.runs[streamingID]
	if ok {
		delete(o.runs, streamingID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	r.cancel()

	o.registry.Deregister(streamingID)
	o.permissions.RemoveForRun(streamingID)
	o.broadcaster.CloseSession(streamingID)

	if errors.Is(err, context.Canceled) {
		err = nil
	}
	o.notifier.RunEnded(context.Background(), streamingID, sessionID, err)
	o.logger.Info("run torn down", "run_id", streamingID, "session_id", sessionID)
}

// authorizer builds the engine callback that routes tool use through
// permission arbitration. Read-only tools skip arbitration entirely.
func (o *Orchestrator) authorizer(streamingID string) engine.Authorizer {
	return func(ctx context.Context, tool string, input map[string]any) engine.Decision {
		if readOnlyTools[tool] {
			return engine.Decision{Allow: true}
		}

		req := o.permissions.Add(streamingID, tool, input)
		o.notifier.PermissionRequested(ctx, streamingID, req.ID, tool)

		decision, err := o.permissions.Wait(ctx, req.ID)
		if err != nil {
			return engine.Decision{Message: err.Error()}
		}
		if decision.Approved {
			return engine.Decision{Allow: true, UpdatedInput: decision.UpdatedInput}
		}
		reason := decision.DenyReason
		if reason == "" {
			reason = "Permission denied"
		}
		return engine.Decision{Message: reason}
	}
}
