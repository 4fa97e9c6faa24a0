// ABOUTME: HTTP API tests exercising the wired server over httptest
// ABOUTME: Covers validation codes, run lifecycle, streaming, and permission decisions

package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/seance/internal/config"
	"github.com/2389/seance/internal/permission"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	cfg := config.Default()
	cfg.Database.Path = ":memory:"
	cfg.Engine.Kind = config.EngineScripted
	cfg.History.ProjectsDir = t.TempDir()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(cfg, logger)
	require.NoError(t, err)

	ts := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.orchestrator.Shutdown(ctx)
		s.broadcaster.Close()
		s.store.Close()
	})
	return s, ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func writeHistoryFixture(t *testing.T, root, sessionID, cwd string) {
	t.Helper()
	dir := filepath.Join(root, "-srv-app")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	lines := fmt.Sprintf(`{"type":"summary","summary":"fixture conversation"}
{"type":"user","cwd":%q,"sessionId":%q,"message":{"role":"user","content":"hi"}}
{"type":"assistant","message":{"role":"assistant","content":"hello"}}
`, cwd, sessionID)
	require.NoError(t, os.WriteFile(filepath.Join(dir, sessionID+".jsonl"), []byte(lines), 0o644))
}

func TestHealthEndpoints(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartConversationValidation(t *testing.T) {
	_, ts := newTestServer(t)
	url := ts.URL + "/api/conversations/start"

	cases := []struct {
		name string
		body map[string]any
		code string
	}{
		{"missing working directory", map[string]any{"initialPrompt": "hi"}, "MISSING_WORKING_DIRECTORY"},
		{"missing prompt", map[string]any{"workingDirectory": "/tmp"}, "MISSING_INITIAL_PROMPT"},
		{"bad permission mode", map[string]any{
			"workingDirectory": "/tmp", "initialPrompt": "hi", "permissionMode": "yolo",
		}, "INVALID_PERMISSION_MODE"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, url, tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			body := decodeBody(t, resp)
			assert.Equal(t, tc.code, body["code"])
		})
	}
}

func TestStartConversationSuccess(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/conversations/start", map[string]any{
		"workingDirectory": t.TempDir(),
		"initialPrompt":    "summarize this repo",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)

	streamingID, _ := body["streamingId"].(string)
	require.NotEmpty(t, streamingID)
	assert.Equal(t, "/api/stream/"+streamingID, body["streamUrl"])
	assert.NotEmpty(t, body["sessionId"])
}

func TestStartConversationResumeUnknown(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/conversations/start", map[string]any{
		"initialPrompt":    "continue please",
		"resumedSessionId": "no-such-session",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "CONVERSATION_NOT_FOUND", body["code"])
}

func TestStopConversation(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/conversations/some-run/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, false, body["success"], "stopping an unknown run reports false")
}

func TestStreamDeliversConnectedEvent(t *testing.T) {
	_, ts := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stream/some-run", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "), "got %q", line)

	var ev map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev))
	assert.Equal(t, "connected", ev["type"])
	assert.Equal(t, "some-run", ev["streaming_id"])
}

func TestListConversationsMergesHistory(t *testing.T) {
	s, ts := newTestServer(t)
	writeHistoryFixture(t, s.config.History.ProjectsDir, "sess-hist", "/srv/app")

	resp, err := http.Get(ts.URL + "/api/conversations")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)

	convs, ok := body["conversations"].([]any)
	require.True(t, ok)
	require.Len(t, convs, 1)
	first := convs[0].(map[string]any)
	assert.Equal(t, "sess-hist", first["sessionId"])
	assert.Equal(t, "completed", first["status"])
	assert.Equal(t, "fixture conversation", first["summary"])
}

func TestListConversationsHidesArchived(t *testing.T) {
	s, ts := newTestServer(t)
	writeHistoryFixture(t, s.config.History.ProjectsDir, "sess-arch", "/srv/app")
	require.NoError(t, s.store.SetArchived(context.Background(), "sess-arch", true))

	body := decodeBody(t, mustGet(t, ts.URL+"/api/conversations"))
	assert.Empty(t, body["conversations"])

	body = decodeBody(t, mustGet(t, ts.URL+"/api/conversations?showArchived=true"))
	convs := body["conversations"].([]any)
	require.Len(t, convs, 1)
	assert.Equal(t, true, convs[0].(map[string]any)["archived"])
}

func mustGet(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return resp
}

func TestConversationDetail(t *testing.T) {
	s, ts := newTestServer(t)
	writeHistoryFixture(t, s.config.History.ProjectsDir, "sess-detail", "/srv/app")

	body := decodeBody(t, mustGet(t, ts.URL+"/api/conversations/sess-detail"))
	msgs := body["messages"].([]any)
	assert.Len(t, msgs, 3)
	assert.Equal(t, "/srv/app", body["projectPath"])
	assert.Equal(t, "completed", body["status"])

	resp, err := http.Get(ts.URL + "/api/conversations/ghost")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "CONVERSATION_NOT_FOUND", decodeBody(t, resp)["code"])
}

func TestRenameConversation(t *testing.T) {
	s, ts := newTestServer(t)
	writeHistoryFixture(t, s.config.History.ProjectsDir, "sess-name", "/srv/app")

	req, err := http.NewRequest(http.MethodPut,
		ts.URL+"/api/conversations/sess-name/rename",
		strings.NewReader(`{"customName":"payments work"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	info, err := s.store.Get(context.Background(), "sess-name")
	require.NoError(t, err)
	assert.Equal(t, "payments work", info.CustomName)
}

func TestPermissionListAndDecision(t *testing.T) {
	s, ts := newTestServer(t)

	req := s.permissions.Add("run-1", "Bash", map[string]any{"command": "ls"})

	body := decodeBody(t, mustGet(t, ts.URL+"/api/permissions?streamingId=run-1&status=pending"))
	perms := body["permissions"].([]any)
	require.Len(t, perms, 1)
	assert.Equal(t, "Bash", perms[0].(map[string]any)["toolName"])

	resp := postJSON(t, ts.URL+"/api/permissions/"+req.ID+"/decision", map[string]any{
		"action": "approve",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decodeBody(t, resp)["success"])

	got, ok := s.permissions.Get(req.ID)
	require.True(t, ok)
	assert.Equal(t, permission.StatusApproved, got.Status)

	// second decision bounces
	resp = postJSON(t, ts.URL+"/api/permissions/"+req.ID+"/decision", map[string]any{
		"action": "deny",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "PERMISSION_NOT_FOUND", decodeBody(t, resp)["code"])
}

func TestPermissionDecisionInvalidAction(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/permissions/whatever/decision", map[string]any{
		"action": "maybe",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_ACTION", decodeBody(t, resp)["code"])
}
