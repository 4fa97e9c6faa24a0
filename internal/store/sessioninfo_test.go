// ABOUTME: Tests for the session info store
// ABOUTME: Covers defaults, upserts, archiving, and listing order

package store

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "seance.db")

	s, err := NewSQLiteStore(dbPath, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestGetReturnsDefaultsForUnknownSession(t *testing.T) {
	s := newTestStore(t)

	info, err := s.Get(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if info.SessionID != "never-seen" {
		t.Errorf("SessionID = %q, want never-seen", info.SessionID)
	}
	if info.PermissionMode != DefaultPermissionMode {
		t.Errorf("PermissionMode = %q, want %q", info.PermissionMode, DefaultPermissionMode)
	}
	if info.Archived {
		t.Error("unknown session should not be archived")
	}
}

func TestSetPermissionMode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetPermissionMode(ctx, "sess-1", "acceptEdits"); err != nil {
		t.Fatalf("SetPermissionMode failed: %v", err)
	}

	info, err := s.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if info.PermissionMode != "acceptEdits" {
		t.Errorf("PermissionMode = %q, want acceptEdits", info.PermissionMode)
	}
	if info.CreatedAt.IsZero() || info.UpdatedAt.IsZero() {
		t.Error("timestamps not recorded")
	}
}

func TestUpsertPreservesOtherColumns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetPermissionMode(ctx, "sess-1", "plan"); err != nil {
		t.Fatalf("SetPermissionMode failed: %v", err)
	}
	if err := s.SetInitialCommitHead(ctx, "sess-1", "abc123"); err != nil {
		t.Fatalf("SetInitialCommitHead failed: %v", err)
	}
	if err := s.SetContinuationSessionID(ctx, "sess-1", "sess-2"); err != nil {
		t.Fatalf("SetContinuationSessionID failed: %v", err)
	}
	if err := s.SetCustomName(ctx, "sess-1", "payments refactor"); err != nil {
		t.Fatalf("SetCustomName failed: %v", err)
	}

	info, err := s.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if info.PermissionMode != "plan" {
		t.Errorf("PermissionMode = %q, want plan", info.PermissionMode)
	}
	if info.InitialCommitHead != "abc123" {
		t.Errorf("InitialCommitHead = %q, want abc123", info.InitialCommitHead)
	}
	if info.ContinuationSessionID != "sess-2" {
		t.Errorf("ContinuationSessionID = %q, want sess-2", info.ContinuationSessionID)
	}
	if info.CustomName != "payments refactor" {
		t.Errorf("CustomName = %q, want payments refactor", info.CustomName)
	}
}

func TestSetArchived(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetArchived(ctx, "sess-1", true); err != nil {
		t.Fatalf("SetArchived failed: %v", err)
	}
	info, _ := s.Get(ctx, "sess-1")
	if !info.Archived {
		t.Error("session should be archived")
	}

	if err := s.SetArchived(ctx, "sess-1", false); err != nil {
		t.Fatalf("SetArchived failed: %v", err)
	}
	info, _ = s.Get(ctx, "sess-1")
	if info.Archived {
		t.Error("session should be unarchived")
	}
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetCustomName(ctx, "sess-a", "first"); err != nil {
		t.Fatalf("SetCustomName failed: %v", err)
	}
	if err := s.SetCustomName(ctx, "sess-b", "second"); err != nil {
		t.Fatalf("SetCustomName failed: %v", err)
	}

	infos, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("List returned %d rows, want 2", len(infos))
	}
}
