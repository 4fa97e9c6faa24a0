// Package store provides persistent session metadata storage using SQLite.
//
// # Data Model
//
// The store keeps one row per session in the session_info table:
//
//   - SessionID: engine session identifier (primary key)
//   - PermissionMode: arbitration mode the session was started with
//   - InitialCommitHead: git HEAD of the working directory at session start
//   - ContinuationSessionID: new session id minted when an old one is resumed
//   - CustomName: user-assigned display name
//   - Archived: hides the session from default conversation listings
//
// Reads never fail on unknown sessions: Get returns a default row with
// PermissionMode set to "default", matching what a session without stored
// metadata behaves like. Writes upsert, so metadata can be attached to a
// session before or after its row exists.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//
// The schema is created on open, and the parent directory of the database
// file is created if missing. The path ":memory:" yields an in-memory
// database for tests.
package store
