// ABOUTME: Reads persisted conversation transcripts from the agent's project logs
// ABOUTME: Scans per-project JSONL files keyed by session id

package history

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned when no transcript exists for a session id.
var ErrNotFound = errors.New("history: conversation not found")

// Entry is one line of a transcript file. Message keeps the original
// payload so callers can pass it through unmodified.
type Entry struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	CWD       string          `json:"cwd,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
	Summary   string          `json:"summary,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
}

// Summary describes one stored conversation.
type Summary struct {
	SessionID        string    `json:"sessionId"`
	WorkingDirectory string    `json:"workingDirectory"`
	Summary          string    `json:"summary,omitempty"`
	MessageCount     int       `json:"messageCount"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Reader exposes stored conversations.
type Reader interface {
	// List returns summaries of every stored conversation, newest first.
	List(ctx context.Context) ([]Summary, error)
	// Conversation returns the full transcript of one session.
	Conversation(ctx context.Context, sessionID string) ([]Entry, error)
	// WorkingDirectory reports the directory a session ran in.
	WorkingDirectory(ctx context.Context, sessionID string) (string, error)
}

// DirReader reads transcripts from a projects directory, one subdirectory
// per project with one JSONL file per session.
type DirReader struct {
	root   string
	logger *slog.Logger
}

// NewDirReader creates a reader over root. An empty root resolves to the
// agent's default projects directory under the user's home.
func NewDirReader(root string, logger *slog.Logger) (*DirReader, error) {
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		root = filepath.Join(home, ".claude", "projects")
	}
	return &DirReader{root: root, logger: logger.With("component", "history")}, nil
}

// List walks every project directory and summarizes each session file.
// Unreadable or malformed files are skipped with a warning rather than
// failing the whole listing.
func (r *DirReader) List(ctx context.Context) ([]Summary, error) {
	var out []Summary

	err := r.walkSessions(func(path, sessionID string, info fs.FileInfo) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		sum, err := r.summarize(path, sessionID, info)
		if err != nil {
			r.logger.Warn("skipping unreadable transcript", "path", path, "error", err)
			return nil
		}
		out = append(out, sum)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Conversation parses the full transcript for a session.
func (r *DirReader) Conversation(ctx context.Context, sessionID string) ([]Entry, error) {
	path, err := r.find(sessionID)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening transcript: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := newLineScanner(f)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			r.logger.Warn("skipping malformed transcript line", "session_id", sessionID, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading transcript: %w", err)
	}
	return entries, nil
}

// WorkingDirectory reads the transcript head to recover the session's cwd.
func (r *DirReader) WorkingDirectory(ctx context.Context, sessionID string) (string, error) {
	entries, err := r.Conversation(ctx, sessionID)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.CWD != "" {
			return e.CWD, nil
		}
	}
	return "", fmt.Errorf("%w: no working directory recorded for %s", ErrNotFound, sessionID)
}

func (r *DirReader) find(sessionID string) (string, error) {
	var found string
	err := r.walkSessions(func(path, id string, _ fs.FileInfo) error {
		if id == sessionID {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return found, nil
}

func (r *DirReader) walkSessions(fn func(path, sessionID string, info fs.FileInfo) error) error {
	projects, err := os.ReadDir(r.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading projects directory: %w", err)
	}

	for _, project := range projects {
		if !project.IsDir() {
			continue
		}
		dir := filepath.Join(r.root, project.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			r.logger.Warn("skipping unreadable project", "dir", dir, "error", err)
			continue
		}
		for _, file := range files {
			if file.IsDir() || !strings.HasSuffix(file.Name(), ".jsonl") {
				continue
			}
			info, err := file.Info()
			if err != nil {
				continue
			}
			sessionID := strings.TrimSuffix(file.Name(), ".jsonl")
			if err := fn(filepath.Join(dir, file.Name()), sessionID, info); err != nil {
				if errors.Is(err, fs.SkipAll) {
					return nil
				}
				return err
			}
		}
	}
	return nil
}

func (r *DirReader) summarize(path, sessionID string, info fs.FileInfo) (Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return Summary{}, err
	}
	defer f.Close()

	sum := Summary{SessionID: sessionID, UpdatedAt: info.ModTime().UTC()}
	scanner := newLineScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		if sum.WorkingDirectory == "" && e.CWD != "" {
			sum.WorkingDirectory = e.CWD
		}
		if sum.Summary == "" && e.Summary != "" {
			sum.Summary = e.Summary
		}
		if e.Type == "user" || e.Type == "assistant" {
			sum.MessageCount++
		}
		if e.Timestamp.After(sum.UpdatedAt) {
			sum.UpdatedAt = e.Timestamp
		}
	}
	if err := scanner.Err(); err != nil {
		return Summary{}, err
	}
	return sum, nil
}

// newLineScanner builds a scanner sized for transcript lines, which can
// carry whole tool outputs.
func newLineScanner(f *os.File) *bufio.Scanner {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return scanner
}
