package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/localmem/memoryd/internal/hub"
	"github.com/localmem/memoryd/internal/storage"
)

type healthResponse struct {
	Version     string           `json:"version"`
	Initialized bool             `json:"initialized"`
	PID         int              `json:"pid"`
	UptimeMS    int64            `json:"uptime"`
	AI          healthAIResponse `json:"ai"`
}

type healthAIResponse struct {
	Provider        string           `json:"provider"`
	AuthMethod      string           `json:"authMethod"`
	LastInteraction *LastInteraction `json:"lastInteraction,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	settings := s.cfg.Current()

	authMethod := "none"
	switch settings.Provider {
	case "primary":
		if settings.AnthropicAPIKey != "" {
			authMethod = "api-key"
		}
	case "alternateA":
		if settings.OpenAIAPIKey != "" {
			authMethod = "api-key"
		}
	case "alternateB":
		authMethod = "cli-subprocess"
	}

	s.lastInteractionMu.Lock()
	last := s.lastInteraction
	s.lastInteractionMu.Unlock()

	writeJSON(w, http.StatusOK, healthResponse{
		Version:     s.version,
		Initialized: s.initialized(),
		PID:         s.pid,
		UptimeMS:    time.Since(s.startAt).Milliseconds(),
		AI: healthAIResponse{
			Provider:        settings.Provider,
			AuthMethod:      authMethod,
			LastInteraction: last,
		},
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !s.initialized() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "initializing"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// handleContextInject is mounted outside the initialization gate: a caller
// during the startup window gets 200 with an empty body rather than
// blocking, since injected context is advisory, not correctness-critical.
func (s *Server) handleContextInject(w http.ResponseWriter, r *http.Request) {
	if !s.initialized() {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		return
	}

	project := r.URL.Query().Get("project")
	settings := s.cfg.Current()
	if project == "" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		return
	}
	for _, excluded := range settings.ProjectExclusions {
		if excluded == project {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusOK)
			return
		}
	}

	until := time.Now().Unix()
	since := time.Now().Add(-30 * 24 * time.Hour).Unix()
	observations, err := s.store.ListObservationsByTimeWindow(project, since, until, settings.ContextInjectionLimit)
	if err != nil {
		s.log.Error("list observations for context injection", "project", project, "error", err)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		return
	}

	var sb strings.Builder
	for _, o := range observations {
		sb.WriteString("- ")
		sb.WriteString(o.Title)
		if o.Subtitle != nil && *o.Subtitle != "" {
			sb.WriteString(": ")
			sb.WriteString(*o.Subtitle)
		}
		sb.WriteString("\n")
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(sb.String()))
}

type sessionInitRequest struct {
	ContentSessionID string  `json:"contentSessionId"`
	Project          string  `json:"project"`
	Prompt           *string `json:"prompt"`
	CustomTitle      *string `json:"customTitle"`
}

type sessionInitResponse struct {
	SessionDbID     int64  `json:"sessionDbId,omitempty"`
	PromptNumber    int    `json:"promptNumber,omitempty"`
	Skipped         bool   `json:"skipped,omitempty"`
	Reason          string `json:"reason,omitempty"`
	ContextInjected bool   `json:"contextInjected,omitempty"`
}

func (s *Server) handleSessionInit(w http.ResponseWriter, r *http.Request) {
	var req sessionInitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ContentSessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "contentSessionId required"})
		return
	}

	var promptText *string
	if req.Prompt != nil {
		cleaned, allPrivate := stripPrivacy(*req.Prompt)
		if allPrivate {
			writeJSON(w, http.StatusOK, sessionInitResponse{Skipped: true, Reason: "private"})
			return
		}
		promptText = &cleaned
	}

	row, _, err := s.store.CreateOrGetSession(req.ContentSessionID, req.Project, promptText)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	promptNumber, err := s.store.IncrementPromptCounter(row.ID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	if promptText != nil {
		_, _ = s.store.SaveUserPrompt(&storage.UserPrompt{
			ContentSessionID: req.ContentSessionID,
			PromptNumber:     promptNumber,
			PromptText:       *promptText,
			CreatedAtEpoch:   time.Now().Unix(),
		})
	}

	if _, err := s.sess.InitializeSession(row.ID, promptText, promptNumber); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	s.h.Publish(hub.EventSessionStarted, &row.ID, map[string]any{"contentSessionId": req.ContentSessionID})
	writeJSON(w, http.StatusOK, sessionInitResponse{SessionDbID: row.ID, PromptNumber: promptNumber})
}

type sessionObservationRequest struct {
	ContentSessionID string  `json:"contentSessionId"`
	ToolName         string  `json:"tool_name"`
	ToolInput        *string `json:"tool_input"`
	ToolResponse     *string `json:"tool_response"`
	Cwd              *string `json:"cwd"`
}

func (s *Server) handleSessionObservations(w http.ResponseWriter, r *http.Request) {
	var req sessionObservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ContentSessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "contentSessionId required"})
		return
	}

	row, err := s.store.GetSessionByContentID(req.ContentSessionID)
	if err != nil || row == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown session"})
		return
	}

	settings := s.cfg.Current()
	for _, skip := range settings.SkipTools {
		if skip == req.ToolName {
			writeJSON(w, http.StatusOK, map[string]string{"status": "skipped", "reason": "tool excluded"})
			return
		}
	}
	if (req.Cwd != nil && strings.Contains(*req.Cwd, settings.DataDir)) ||
		(req.ToolInput != nil && strings.Contains(*req.ToolInput, settings.DataDir)) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "skipped", "reason": "own memory directory"})
		return
	}

	if req.ToolInput != nil {
		cleaned, allPrivate := stripPrivacy(*req.ToolInput)
		if allPrivate {
			writeJSON(w, http.StatusOK, map[string]string{"status": "skipped", "reason": "private"})
			return
		}
		req.ToolInput = &cleaned
	}

	toolName := req.ToolName
	if _, err := s.sess.QueueObservation(row.ID, &toolName, req.ToolInput, req.ToolResponse, req.Cwd, row.PromptCounter); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	s.gen.EnsureGeneratorRunning(row.ID, "observation-queued")
	s.h.Publish(hub.EventObservationQueued, &row.ID, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

type sessionSummarizeRequest struct {
	ContentSessionID    string  `json:"contentSessionId"`
	LastAssistantMessage *string `json:"last_assistant_message"`
}

func (s *Server) handleSessionSummarize(w http.ResponseWriter, r *http.Request) {
	var req sessionSummarizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ContentSessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "contentSessionId required"})
		return
	}

	row, err := s.store.GetSessionByContentID(req.ContentSessionID)
	if err != nil || row == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown session"})
		return
	}

	if req.LastAssistantMessage != nil {
		cleaned, allPrivate := stripPrivacy(*req.LastAssistantMessage)
		if allPrivate {
			writeJSON(w, http.StatusOK, map[string]string{"status": "skipped", "reason": "private"})
			return
		}
		req.LastAssistantMessage = &cleaned
	}

	if _, err := s.sess.QueueSummarize(row.ID, req.LastAssistantMessage, row.PromptCounter); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	s.gen.EnsureGeneratorRunning(row.ID, "summarize-queued")
	s.h.Publish(hub.EventSummarizeQueued, &row.ID, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

type sessionCompleteRequest struct {
	ContentSessionID string `json:"contentSessionId"`
}

func (s *Server) handleSessionComplete(w http.ResponseWriter, r *http.Request) {
	var req sessionCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ContentSessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "contentSessionId required"})
		return
	}

	row, err := s.store.GetSessionByContentID(req.ContentSessionID)
	if err != nil || row == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "skipped"})
		return
	}

	if _, ok := s.sess.Get(row.ID); ok {
		s.sess.DeleteSession(row.ID)
	}
	_ = s.store.MarkSessionCompleted(row.ID)

	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) handleObservationsBatch(w http.ResponseWriter, r *http.Request) {
	// Always returns an empty observation list; no storage lookup is made
	// here, since the external search manager owns ranking/indexing.
	writeJSON(w, http.StatusOK, map[string]any{"observations": []any{}})
}

func (s *Server) handleSearchPlaceholder(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"results": []any{}})
}

func (s *Server) handleAdminShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutting down"})
	if s.OnShutdownRequested != nil {
		go s.OnShutdownRequested()
	}
}
