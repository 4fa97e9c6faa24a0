// ABOUTME: Composition root wiring store, history, engine, and orchestrator behind HTTP
// ABOUTME: Owns server startup, health endpoints, and graceful shutdown

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/seance/internal/config"
	"github.com/2389/seance/internal/engine"
	"github.com/2389/seance/internal/history"
	"github.com/2389/seance/internal/notify"
	"github.com/2389/seance/internal/orchestrator"
	"github.com/2389/seance/internal/permission"
	"github.com/2389/seance/internal/registry"
	"github.com/2389/seance/internal/store"
	"github.com/2389/seance/internal/stream"
)

// Server hosts the conversation API.
type Server struct {
	config       *config.Config
	logger       *slog.Logger
	store        *store.SQLiteStore
	history      history.Reader
	registry     *registry.Registry
	permissions  *permission.Tracker
	broadcaster  *stream.Broadcaster
	orchestrator *orchestrator.Orchestrator
	httpServer   *http.Server
}

// New builds a fully wired server from cfg.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	sqlStore, err := store.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}

	reader, err := history.NewDirReader(cfg.History.ProjectsDir, logger)
	if err != nil {
		sqlStore.Close()
		return nil, fmt.Errorf("opening history reader: %w", err)
	}

	reg := registry.New(logger)
	perms := permission.NewTracker(logger)
	if cfg.Runs.PermissionCeiling > 0 {
		perms.SetCeiling(cfg.Runs.PermissionCeiling)
	}
	broadcaster := stream.NewBroadcaster(logger)
	if cfg.Runs.HeartbeatInterval > 0 {
		broadcaster.SetHeartbeatInterval(cfg.Runs.HeartbeatInterval)
	}

	eng, err := buildEngine(cfg, logger)
	if err != nil {
		sqlStore.Close()
		return nil, err
	}

	orch := orchestrator.New(orchestrator.Config{
		Engine:      eng,
		Registry:    reg,
		Permissions: perms,
		Broadcaster: broadcaster,
		History:     reader,
		Store:       sqlStore,
		Notifier:    notify.Multi{notify.NewLogNotifier(logger)},
		Logger:      logger,
		InitTimeout: cfg.Runs.InitTimeout,
	})

	s := &Server{
		config:       cfg,
		logger:       logger.With("component", "server"),
		store:        sqlStore,
		history:      reader,
		registry:     reg,
		permissions:  perms,
		broadcaster:  broadcaster,
		orchestrator: orch,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/ready", s.handleReady)
	s.registerAPIRoutes(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

func buildEngine(cfg *config.Config, logger *slog.Logger) (engine.Engine, error) {
	switch cfg.Engine.Kind {
	case "", config.EngineAnthropic:
		return engine.NewAnthropicEngine(engine.AnthropicOptions{
			APIKey:    cfg.Engine.APIKey,
			Model:     cfg.Engine.Model,
			MaxTokens: int64(cfg.Engine.MaxTokens),
			Logger:    logger,
		}), nil
	case config.EngineScripted:
		return engine.NewScriptedEngine(engine.EchoScript("seance scripted engine: no model configured")), nil
	default:
		return nil, fmt.Errorf("unknown engine kind %q", cfg.Engine.Kind)
	}
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case serverErr = <-errCh:
		s.logger.Error("http server failed", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown uses a fresh context since the run context is already
// cancelled by the time we get here.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops active runs, closes subscriber streams, and releases the
// listener and store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.orchestrator.Shutdown(ctx)
	s.broadcaster.Close()

	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	// Ready once the store answers; active runs are not required.
	if _, err := s.store.List(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "store unavailable: %v", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d active runs)", len(s.registry.List()))
}
