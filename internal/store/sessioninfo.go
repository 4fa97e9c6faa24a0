// ABOUTME: SQLite-backed persistence for per-session facts using modernc.org/sqlite
// ABOUTME: Keeps permission modes, git baselines, continuations, and naming across restarts

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultPermissionMode is reported for sessions with no stored record.
const DefaultPermissionMode = "default"

// SessionInfo holds the facts about a session that must survive a server
// restart. Everything else about a run is ephemeral.
type SessionInfo struct {
	SessionID             string
	PermissionMode        string
	InitialCommitHead     string
	ContinuationSessionID string
	CustomName            string
	Archived              bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// SQLiteStore persists session info in a single SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path. Parent
// directories are created if needed; ":memory:" gives an ephemeral store.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL keeps readers unblocked while a run updates its session row
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("session store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS session_info (
			session_id TEXT PRIMARY KEY,
			permission_mode TEXT NOT NULL DEFAULT 'default',
			initial_commit_head TEXT NOT NULL DEFAULT '',
			continuation_session_id TEXT NOT NULL DEFAULT '',
			custom_name TEXT NOT NULL DEFAULT '',
			archived INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_session_info_archived ON session_info(archived);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get returns the stored info for a session. Sessions without a record
// get a default row back rather than an error; writes create the record.
func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (*SessionInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, permission_mode, initial_commit_head,
		       continuation_session_id, custom_name, archived,
		       created_at, updated_at
		FROM session_info WHERE session_id = ?`, sessionID)

	var info SessionInfo
	var archived int
	err := row.Scan(&info.SessionID, &info.PermissionMode, &info.InitialCommitHead,
		&info.ContinuationSessionID, &info.CustomName, &archived,
		&info.CreatedAt, &info.UpdatedAt)
	if err == sql.ErrNoRows {
		return &SessionInfo{SessionID: sessionID, PermissionMode: DefaultPermissionMode}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying session info: %w", err)
	}
	info.Archived = archived != 0
	return &info, nil
}

// List returns every stored record, most recently updated first.
func (s *SQLiteStore) List(ctx context.Context) ([]*SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, permission_mode, initial_commit_head,
		       continuation_session_id, custom_name, archived,
		       created_at, updated_at
		FROM session_info ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying session info: %w", err)
	}
	defer rows.Close()

	var out []*SessionInfo
	for rows.Next() {
		var info SessionInfo
		var archived int
		if err := rows.Scan(&info.SessionID, &info.PermissionMode, &info.InitialCommitHead,
			&info.ContinuationSessionID, &info.CustomName, &archived,
			&info.CreatedAt, &info.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning session info: %w", err)
		}
		info.Archived = archived != 0
		out = append(out, &info)
	}
	return out, rows.Err()
}

// SetPermissionMode records the permission mode a session runs under.
func (s *SQLiteStore) SetPermissionMode(ctx context.Context, sessionID, mode string) error {
	return s.upsert(ctx, sessionID, "permission_mode", mode)
}

// SetInitialCommitHead records the git HEAD captured when the session's
// first run started.
func (s *SQLiteStore) SetInitialCommitHead(ctx context.Context, sessionID, head string) error {
	return s.upsert(ctx, sessionID, "initial_commit_head", head)
}

// SetContinuationSessionID links a session to the session that resumed it.
func (s *SQLiteStore) SetContinuationSessionID(ctx context.Context, sessionID, continuation string) error {
	return s.upsert(ctx, sessionID, "continuation_session_id", continuation)
}

// SetCustomName stores an operator-assigned display name.
func (s *SQLiteStore) SetCustomName(ctx context.Context, sessionID, name string) error {
	return s.upsert(ctx, sessionID, "custom_name", name)
}

// SetArchived flags or unflags a session as archived.
func (s *SQLiteStore) SetArchived(ctx context.Context, sessionID string, archived bool) error {
	val := 0
	if archived {
		val = 1
	}
	return s.upsert(ctx, sessionID, "archived", val)
}

func (s *SQLiteStore) upsert(ctx context.Context, sessionID, column string, value any) error {
	now := time.Now().UTC()
	query := fmt.Sprintf(`
		INSERT INTO session_info (session_id, %s, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET %s = excluded.%s, updated_at = excluded.updated_at`,
		column, column, column)

	if _, err := s.db.ExecContext(ctx, query, sessionID, value, now, now); err != nil {
		return fmt.Errorf("updating %s: %w", column, err)
	}
	return nil
}
