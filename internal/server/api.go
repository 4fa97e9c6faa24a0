// ABOUTME: HTTP API handlers for conversations, streaming, and permissions
// ABOUTME: Routes requests to the orchestrator and serializes JSON responses

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/2389/seance/internal/event"
	"github.com/2389/seance/internal/history"
	"github.com/2389/seance/internal/orchestrator"
	"github.com/2389/seance/internal/permission"
	"github.com/2389/seance/internal/registry"
	"github.com/2389/seance/internal/stream"
)

// validPermissionModes are the permission modes a run may request.
var validPermissionModes = map[string]bool{
	"default":           true,
	"acceptEdits":       true,
	"bypassPermissions": true,
	"plan":              true,
}

// StartConversationRequest is the JSON body for POST /api/conversations/start.
type StartConversationRequest struct {
	WorkingDirectory string   `json:"workingDirectory"`
	InitialPrompt    string   `json:"initialPrompt"`
	Model            string   `json:"model"`
	SystemPrompt     string   `json:"systemPrompt,omitempty"`
	PermissionMode   string   `json:"permissionMode,omitempty"`
	ResumedSessionID string   `json:"resumedSessionId,omitempty"`
	AllowedTools     []string `json:"allowedTools,omitempty"`
	DisallowedTools  []string `json:"disallowedTools,omitempty"`
}

// StartConversationResponse echoes the run's init facts to the caller.
type StartConversationResponse struct {
	StreamingID    string            `json:"streamingId"`
	StreamURL      string            `json:"streamUrl"`
	SessionID      string            `json:"sessionId"`
	CWD            string            `json:"cwd"`
	Tools          []string          `json:"tools"`
	MCPServers     []event.MCPServer `json:"mcpServers"`
	Model          string            `json:"model"`
	PermissionMode string            `json:"permissionMode"`
	APIKeySource   string            `json:"apiKeySource"`
}

// ConversationSummary is one element of the conversation listing.
type ConversationSummary struct {
	SessionID        string    `json:"sessionId"`
	WorkingDirectory string    `json:"workingDirectory"`
	Summary          string    `json:"summary,omitempty"`
	CustomName       string    `json:"customName,omitempty"`
	MessageCount     int       `json:"messageCount"`
	Status           string    `json:"status"`
	StreamingID      string    `json:"streamingId,omitempty"`
	Archived         bool      `json:"archived"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// PermissionDecisionRequest is the JSON body for a permission decision.
type PermissionDecisionRequest struct {
	Action        string         `json:"action"`
	ModifiedInput map[string]any `json:"modifiedInput,omitempty"`
	DenyReason    string         `json:"denyReason,omitempty"`
}

// SessionUpdateRequest carries mutable session facts.
type SessionUpdateRequest struct {
	CustomName     *string `json:"customName,omitempty"`
	PermissionMode *string `json:"permissionMode,omitempty"`
	Archived       *bool   `json:"archived,omitempty"`
}

func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/conversations", s.handleListConversations)
	mux.HandleFunc("/api/conversations/", s.handleConversationRoutes)
	mux.HandleFunc("/api/stream/", s.handleStream)
	mux.HandleFunc("/api/permissions", s.handleListPermissions)
	mux.HandleFunc("/api/permissions/", s.handlePermissionRoutes)
}

// handleConversationRoutes dispatches /api/conversations/ subpaths.
func (s *Server) handleConversationRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/conversations/"), "/")
	parts := strings.Split(rest, "/")

	switch {
	case rest == "start":
		s.handleStartConversation(w, r)
	case rest == "archive-all":
		s.handleArchiveAll(w, r)
	case len(parts) == 2 && parts[1] == "stop":
		s.handleStopConversation(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "rename":
		s.handleRenameConversation(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "update":
		s.handleUpdateConversation(w, r, parts[0])
	case len(parts) == 1 && parts[0] != "":
		s.handleConversationDetail(w, r, parts[0])
	default:
		s.sendJSONError(w, http.StatusNotFound, "NOT_FOUND", "unknown conversation route")
	}
}

// handleStartConversation handles POST /api/conversations/start.
// It blocks until the run initializes and returns the init facts.
func (s *Server) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req StartConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return
	}

	if req.WorkingDirectory == "" && req.ResumedSessionID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "MISSING_WORKING_DIRECTORY", "workingDirectory is required")
		return
	}
	if req.InitialPrompt == "" {
		s.sendJSONError(w, http.StatusBadRequest, "MISSING_INITIAL_PROMPT", "initialPrompt is required")
		return
	}
	if req.PermissionMode != "" && !validPermissionModes[req.PermissionMode] {
		s.sendJSONError(w, http.StatusBadRequest, "INVALID_PERMISSION_MODE",
			"permissionMode must be one of: acceptEdits, bypassPermissions, default, plan")
		return
	}

	permissionMode := req.PermissionMode
	var prior []history.Entry
	if req.ResumedSessionID != "" {
		if entries, err := s.history.Conversation(r.Context(), req.ResumedSessionID); err == nil {
			prior = entries
		}
		if permissionMode == "" {
			if info, err := s.store.Get(r.Context(), req.ResumedSessionID); err == nil {
				permissionMode = info.PermissionMode
			}
		}
	}

	result, err := s.orchestrator.StartRun(r.Context(), orchestrator.StartRequest{
		Prompt:           req.InitialPrompt,
		WorkingDirectory: req.WorkingDirectory,
		Model:            req.Model,
		SystemPrompt:     req.SystemPrompt,
		PermissionMode:   permissionMode,
		Resume:           req.ResumedSessionID,
		PriorMessages:    prior,
		AllowedTools:     req.AllowedTools,
		DisallowedTools:  req.DisallowedTools,
	})
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrConversationNotFound):
			s.sendJSONError(w, http.StatusNotFound, "CONVERSATION_NOT_FOUND", "Conversation not found")
		case errors.Is(err, orchestrator.ErrInitTimeout):
			s.sendJSONError(w, http.StatusInternalServerError, "SYSTEM_INIT_TIMEOUT",
				"engine did not initialize in time")
		default:
			s.logger.Error("starting conversation failed", "error", err)
			s.sendJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to start conversation")
		}
		return
	}

	init := result.Init
	s.sendJSON(w, http.StatusOK, StartConversationResponse{
		StreamingID:    result.StreamingID,
		StreamURL:      "/api/stream/" + result.StreamingID,
		SessionID:      init.SessionID,
		CWD:            init.CWD,
		Tools:          init.Tools,
		MCPServers:     init.MCPServers,
		Model:          init.Model,
		PermissionMode: init.PermissionMode,
		APIKeySource:   init.APIKeySource,
	})
}

// handleStopConversation handles POST /api/conversations/{streamingId}/stop.
func (s *Server) handleStopConversation(w http.ResponseWriter, r *http.Request, streamingID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	success := s.orchestrator.StopRun(r.Context(), streamingID)
	s.sendJSON(w, http.StatusOK, map[string]bool{"success": success})
}

// handleListConversations handles GET /api/conversations. Stored history
// is merged with active runs that have not reached history yet.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	showArchived := r.URL.Query().Get("showArchived") == "true"

	summaries, err := s.history.List(r.Context())
	if err != nil {
		s.logger.Error("listing history failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list conversations")
		return
	}

	known := make(map[string]bool, len(summaries))
	out := make([]ConversationSummary, 0, len(summaries))
	for _, sum := range summaries {
		known[sum.SessionID] = true

		conv := ConversationSummary{
			SessionID:        sum.SessionID,
			WorkingDirectory: sum.WorkingDirectory,
			Summary:          sum.Summary,
			MessageCount:     sum.MessageCount,
			Status:           s.registry.Status(sum.SessionID),
			UpdatedAt:        sum.UpdatedAt,
		}
		if info, err := s.store.Get(r.Context(), sum.SessionID); err == nil {
			conv.CustomName = info.CustomName
			conv.Archived = info.Archived
		}
		if conv.Archived && !showArchived {
			continue
		}
		if conv.Status == registry.StatusOngoing {
			if id, ok := s.registry.StreamingID(sum.SessionID); ok {
				conv.StreamingID = id
			}
		}
		out = append(out, conv)
	}

	for _, sess := range s.registry.NotIn(known) {
		out = append(out, ConversationSummary{
			SessionID:        sess.SessionID,
			WorkingDirectory: sess.WorkingDirectory,
			Summary:          sess.InitialPrompt,
			Status:           registry.StatusOngoing,
			StreamingID:      sess.StreamingID,
			UpdatedAt:        sess.StartedAt,
		})
	}

	s.sendJSON(w, http.StatusOK, map[string]any{
		"conversations": out,
		"total":         len(out),
	})
}

// handleConversationDetail handles GET /api/conversations/{sessionId}.
func (s *Server) handleConversationDetail(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	entries, err := s.history.Conversation(r.Context(), sessionID)
	if errors.Is(err, history.ErrNotFound) {
		// Active sessions may not have reached history yet.
		if streamingID, ok := s.registry.StreamingID(sessionID); ok {
			if sess, ok := s.registry.Get(streamingID); ok {
				messages := sess.PriorMessages
				if messages == nil {
					messages = []history.Entry{}
				}
				s.sendJSON(w, http.StatusOK, map[string]any{
					"messages":         messages,
					"projectPath":      sess.WorkingDirectory,
					"summary":          sess.InitialPrompt,
					"status":           registry.StatusOngoing,
					"streamingId":      streamingID,
					"inheritedUpTo":    sess.InheritedMessageCount,
					"workingDirectory": sess.WorkingDirectory,
				})
				return
			}
		}
		s.sendJSONError(w, http.StatusNotFound, "CONVERSATION_NOT_FOUND", "Conversation not found")
		return
	}
	if err != nil {
		s.logger.Error("fetching conversation failed", "session_id", sessionID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get conversation details")
		return
	}

	projectPath := ""
	summary := ""
	for _, e := range entries {
		if projectPath == "" && e.CWD != "" {
			projectPath = e.CWD
		}
		if summary == "" && e.Summary != "" {
			summary = e.Summary
		}
	}

	s.sendJSON(w, http.StatusOK, map[string]any{
		"messages":    entries,
		"projectPath": projectPath,
		"summary":     summary,
		"status":      s.registry.Status(sessionID),
	})
}

// handleRenameConversation handles PUT /api/conversations/{sessionId}/rename.
func (s *Server) handleRenameConversation(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		CustomName string `json:"customName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.CustomName) == "" {
		s.sendJSONError(w, http.StatusBadRequest, "MISSING_CUSTOM_NAME", "customName is required")
		return
	}
	if len(body.CustomName) > 200 {
		s.sendJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", "Custom name must be 200 characters or less")
		return
	}

	if err := s.store.SetCustomName(r.Context(), sessionID, strings.TrimSpace(body.CustomName)); err != nil {
		s.logger.Error("renaming session failed", "session_id", sessionID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to rename conversation")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"success": true, "sessionId": sessionID})
}

// handleUpdateConversation handles PUT /api/conversations/{sessionId}/update.
func (s *Server) handleUpdateConversation(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var updates SessionUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return
	}

	if updates.CustomName != nil && len(*updates.CustomName) > 200 {
		s.sendJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", "Custom name must be 200 characters or less")
		return
	}
	if updates.PermissionMode != nil && !validPermissionModes[*updates.PermissionMode] {
		s.sendJSONError(w, http.StatusBadRequest, "INVALID_PERMISSION_MODE",
			"permissionMode must be one of: acceptEdits, bypassPermissions, default, plan")
		return
	}

	updatedFields := map[string]any{}
	if updates.CustomName != nil {
		if err := s.store.SetCustomName(r.Context(), sessionID, strings.TrimSpace(*updates.CustomName)); err != nil {
			s.sendJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to update conversation")
			return
		}
		updatedFields["customName"] = *updates.CustomName
	}
	if updates.PermissionMode != nil {
		if err := s.store.SetPermissionMode(r.Context(), sessionID, *updates.PermissionMode); err != nil {
			s.sendJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to update conversation")
			return
		}
		updatedFields["permissionMode"] = *updates.PermissionMode
	}
	if updates.Archived != nil {
		if err := s.store.SetArchived(r.Context(), sessionID, *updates.Archived); err != nil {
			s.sendJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to update conversation")
			return
		}
		updatedFields["archived"] = *updates.Archived
	}

	s.sendJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"sessionId":     sessionID,
		"updatedFields": updatedFields,
	})
}

// handleArchiveAll handles POST /api/conversations/archive-all.
func (s *Server) handleArchiveAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	summaries, err := s.history.List(r.Context())
	if err != nil {
		s.sendJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to archive conversations")
		return
	}

	archived := 0
	for _, sum := range summaries {
		if s.registry.Status(sum.SessionID) == registry.StatusOngoing {
			continue
		}
		if err := s.store.SetArchived(r.Context(), sum.SessionID, true); err != nil {
			s.logger.Warn("archiving session failed", "session_id", sum.SessionID, "error", err)
			continue
		}
		archived++
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"success": true, "archivedCount": archived})
}

// handleStream handles GET /api/stream/{streamingId}. The connection is
// held open until the session closes or the client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	streamingID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/stream/"), "/")
	if streamingID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", "streamingId is required")
		return
	}

	done := make(chan struct{})
	sink, err := stream.NewSSESink(w, func() { close(done) })
	if err != nil {
		s.sendJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}

	subID := s.broadcaster.Attach(streamingID, sink)

	select {
	case <-done:
	case <-r.Context().Done():
		s.broadcaster.Detach(streamingID, subID)
	}
}

// handleListPermissions handles GET /api/permissions.
func (s *Server) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	streamingID := r.URL.Query().Get("streamingId")
	status := r.URL.Query().Get("status")
	s.sendJSON(w, http.StatusOK, map[string]any{
		"permissions": s.permissions.List(streamingID, status),
	})
}

// handlePermissionRoutes dispatches /api/permissions/{id}/decision.
func (s *Server) handlePermissionRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/permissions/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) == 2 && parts[1] == "decision" {
		s.handlePermissionDecision(w, r, parts[0])
		return
	}
	s.sendJSONError(w, http.StatusNotFound, "NOT_FOUND", "unknown permission route")
}

// handlePermissionDecision handles POST /api/permissions/{id}/decision.
func (s *Server) handlePermissionDecision(w http.ResponseWriter, r *http.Request, requestID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var body PermissionDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return
	}
	if body.Action != "approve" && body.Action != "deny" {
		s.sendJSONError(w, http.StatusBadRequest, "INVALID_ACTION", `Action must be either "approve" or "deny"`)
		return
	}

	req, ok := s.permissions.Get(requestID)
	if !ok || req.Status != permission.StatusPending {
		s.sendJSONError(w, http.StatusNotFound, "PERMISSION_NOT_FOUND", "Permission request not found or not pending")
		return
	}

	decision := permission.Decision{
		Approved:     body.Action == "approve",
		UpdatedInput: body.ModifiedInput,
		DenyReason:   body.DenyReason,
	}
	if !s.permissions.Resolve(requestID, decision) {
		// Lost a race with the ceiling or another decision.
		s.sendJSONError(w, http.StatusNotFound, "PERMISSION_NOT_FOUND", "Permission request not found or not pending")
		return
	}

	verb := "approved"
	if body.Action == "deny" {
		verb = "denied"
	}
	s.sendJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Permission " + verb + " successfully",
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Debug("writing response failed", "error", err)
	}
}

// sendJSONError writes a JSON error response with a machine-readable code.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}
