// ABOUTME: Tests for the transcript history reader
// ABOUTME: Builds JSONL fixtures in temp project directories

package history

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReader(t *testing.T) (*DirReader, string) {
	t.Helper()
	root := t.TempDir()
	r, err := NewDirReader(root, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return r, root
}

func writeTranscript(t *testing.T, root, project, sessionID string, lines ...string) {
	t.Helper()
	dir := filepath.Join(root, project)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	content := ""
	for _, line := range lines {
		content += line + "\n"
	}
	path := filepath.Join(dir, sessionID+".jsonl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestListEmptyRoot(t *testing.T) {
	r, _ := newTestReader(t)
	sums, err := r.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sums)
}

func TestListMissingRoot(t *testing.T) {
	r, err := NewDirReader(filepath.Join(t.TempDir(), "does-not-exist"),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	sums, err := r.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sums)
}

func TestListSummarizes(t *testing.T) {
	r, root := newTestReader(t)
	writeTranscript(t, root, "-srv-app", "sess-1",
		`{"type":"summary","summary":"fix the login flow"}`,
		`{"type":"user","cwd":"/srv/app","sessionId":"sess-1","message":{"role":"user"}}`,
		`{"type":"assistant","cwd":"/srv/app","message":{"role":"assistant"}}`,
	)
	writeTranscript(t, root, "-srv-other", "sess-2",
		`{"type":"user","cwd":"/srv/other","message":{"role":"user"}}`,
	)

	sums, err := r.List(context.Background())
	require.NoError(t, err)
	require.Len(t, sums, 2)

	byID := map[string]Summary{}
	for _, s := range sums {
		byID[s.SessionID] = s
	}
	s1 := byID["sess-1"]
	assert.Equal(t, "/srv/app", s1.WorkingDirectory)
	assert.Equal(t, "fix the login flow", s1.Summary)
	assert.Equal(t, 2, s1.MessageCount)
}

func TestListSkipsMalformedFiles(t *testing.T) {
	r, root := newTestReader(t)
	writeTranscript(t, root, "-srv-app", "good",
		`{"type":"user","cwd":"/srv/app"}`,
	)
	writeTranscript(t, root, "-srv-app", "ragged",
		`not json at all`,
		`{"type":"user","cwd":"/srv/app"}`,
	)

	sums, err := r.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, sums, 2, "malformed lines are skipped, not fatal")
}

func TestConversation(t *testing.T) {
	r, root := newTestReader(t)
	writeTranscript(t, root, "-srv-app", "sess-1",
		`{"type":"user","cwd":"/srv/app","message":{"role":"user","content":"hi"}}`,
		``,
		`{"type":"assistant","message":{"role":"assistant","content":"hello"}}`,
	)

	entries, err := r.Conversation(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "user", entries[0].Type)
	assert.JSONEq(t, `{"role":"assistant","content":"hello"}`, string(entries[1].Message))
}

func TestConversationNotFound(t *testing.T) {
	r, _ := newTestReader(t)
	_, err := r.Conversation(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWorkingDirectory(t *testing.T) {
	r, root := newTestReader(t)
	writeTranscript(t, root, "-srv-app", "sess-1",
		`{"type":"summary","summary":"no cwd here"}`,
		`{"type":"user","cwd":"/srv/app"}`,
	)

	dir, err := r.WorkingDirectory(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "/srv/app", dir)

	_, err = r.WorkingDirectory(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}
