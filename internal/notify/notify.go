// ABOUTME: Notification hooks for run lifecycle and permission activity
// ABOUTME: Fan-out to multiple notifiers with a structured-log default

package notify

import (
	"context"
	"log/slog"
)

// Notifier observes run lifecycle moments. Implementations must not
// block; the orchestrator calls these inline on its run loop.
type Notifier interface {
	RunStarted(ctx context.Context, runID, sessionID, workingDirectory string)
	RunEnded(ctx context.Context, runID, sessionID string, err error)
	PermissionRequested(ctx context.Context, runID, requestID, tool string)
}

// LogNotifier writes notifications to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier backed by logger.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notify")}
}

func (n *LogNotifier) RunStarted(ctx context.Context, runID, sessionID, workingDirectory string) {
	n.logger.InfoContext(ctx, "run started",
		"run_id", runID, "session_id", sessionID, "working_directory", workingDirectory)
}

func (n *LogNotifier) RunEnded(ctx context.Context, runID, sessionID string, err error) {
	if err != nil {
		n.logger.WarnContext(ctx, "run ended with error",
			"run_id", runID, "session_id", sessionID, "error", err)
		return
	}
	n.logger.InfoContext(ctx, "run ended", "run_id", runID, "session_id", sessionID)
}

func (n *LogNotifier) PermissionRequested(ctx context.Context, runID, requestID, tool string) {
	n.logger.InfoContext(ctx, "permission requested",
		"run_id", runID, "request_id", requestID, "tool", tool)
}

// Multi fans notifications out to several notifiers in order.
type Multi []Notifier

func (m Multi) RunStarted(ctx context.Context, runID, sessionID, workingDirectory string) {
	for _, n := range m {
		n.RunStarted(ctx, runID, sessionID, workingDirectory)
	}
}

func (m Multi) RunEnded(ctx context.Context, runID, sessionID string, err error) {
	for _, n := range m {
		n.RunEnded(ctx, runID, sessionID, err)
	}
}

func (m Multi) PermissionRequested(ctx context.Context, runID, requestID, tool string) {
	for _, n := range m {
		n.PermissionRequested(ctx, runID, requestID, tool)
	}
}
