package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/meridianhq/meridian/pkg/auth"
	"github.com/meridianhq/meridian/pkg/protocol"
	"github.com/meridianhq/meridian/pkg/session"
)

// historyWindow is the number of prior turns replayed to the model.
const historyWindow = 3

type chatRequest struct {
	// UserID is honored only when token validation is bypassed.
	UserID    string             `json:"user_id,omitempty"`
	SessionID string             `json:"session_id,omitempty"`
	Messages  []protocol.Message `json:"messages"`
}

type chatMetadata struct {
	TurnID     string    `json:"turn_id"`
	DurationMS int64     `json:"execution_time_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

type chatResponse struct {
	SessionID     string                   `json:"session_id"`
	Response      string                   `json:"response"`
	Success       bool                     `json:"success"`
	Rounds        int                      `json:"rounds"`
	ProvidersUsed []string                 `json:"providers_used"`
	Lineage       []protocol.LineageRecord `json:"lineage"`
	Metadata      chatMetadata             `json:"metadata"`
}

type feedbackRequest struct {
	TurnID  string `json:"turn_id"`
	Rating  int    `json:"rating"`
	Comment string `json:"comment,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	accessCtx := auth.GetAccess(r)
	if accessCtx == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if accessCtx.UserID == "" {
		accessCtx = &auth.AccessContext{UserID: req.UserID, Roles: accessCtx.Roles, Scopes: accessCtx.Scopes}
	}
	if accessCtx.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	question := lastUserMessage(req.Messages)
	if question == "" {
		writeError(w, http.StatusBadRequest, "messages must include a user message")
		return
	}

	sessionID := req.SessionID
	var history []protocol.Message
	if sessionID == "" {
		sessionID = uuid.NewString()
	} else {
		sess, err := s.store.LoadSession(r.Context(), sessionID, accessCtx.UserID)
		if err != nil {
			slog.Error("Failed to load session", "session", sessionID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to load session")
			return
		}
		if sess != nil {
			history = historyMessages(sess.Turns)
		}
	}

	surface := s.filter.Surface(s.registry.Tools(), accessCtx)

	result, err := s.planner.Run(r.Context(), history, question, accessCtx, surface)
	if err != nil {
		// Caller disconnected mid-turn. Nothing is persisted.
		slog.Warn("Turn abandoned", "session", sessionID, "error", err)
		return
	}

	turn := &session.Turn{
		TurnID:   uuid.NewString(),
		Question: question,
		Response: result.Response,
		Success:  result.Success,
		Metadata: result.Metadata(),
	}

	if err := s.store.AppendTurn(r.Context(), sessionID, accessCtx.UserID, turn); err != nil {
		if err == session.ErrSessionNotFound {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("Failed to persist turn", "session", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to persist turn")
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		SessionID:     sessionID,
		Response:      result.Response,
		Success:       result.Success,
		Rounds:        result.Rounds,
		ProvidersUsed: result.ProvidersUsed,
		Lineage:       result.Lineage,
		Metadata: chatMetadata{
			TurnID:     turn.TurnID,
			DurationMS: result.DurationMS,
			Timestamp:  time.Now().UTC(),
		},
	})
}

// lastUserMessage extracts the current input: the content of the most
// recent user message in the request.
func lastUserMessage(messages []protocol.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == protocol.RoleUser {
			return strings.TrimSpace(messages[i].Content)
		}
	}
	return ""
}

// historyMessages replays the most recent turns as alternating user
// and assistant messages.
func historyMessages(turns []session.Turn) []protocol.Message {
	if len(turns) > historyWindow {
		turns = turns[len(turns)-historyWindow:]
	}

	messages := make([]protocol.Message, 0, len(turns)*2)
	for _, turn := range turns {
		messages = append(messages,
			protocol.Message{Role: protocol.RoleUser, Content: turn.Question},
			protocol.Message{Role: protocol.RoleAssistant, Content: turn.Response},
		)
	}
	return messages
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	accessCtx := auth.GetAccess(r)
	surface := s.filter.Surface(s.registry.Tools(), accessCtx)
	writeJSON(w, http.StatusOK, map[string]any{"tools": surface.Tools()})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.registry.Providers()})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	accessCtx := auth.GetAccess(r)
	if accessCtx == nil || accessCtx.UserID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	summaries, err := s.store.ListSessions(r.Context(), accessCtx.UserID)
	if err != nil {
		slog.Error("Failed to list sessions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": summaries})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	accessCtx := auth.GetAccess(r)
	if accessCtx == nil || accessCtx.UserID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	sess, err := s.store.LoadSession(r.Context(), sessionID, accessCtx.UserID)
	if err != nil {
		slog.Error("Failed to load session", "session", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	accessCtx := auth.GetAccess(r)
	if accessCtx == nil || accessCtx.UserID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TurnID == "" {
		writeError(w, http.StatusBadRequest, "turn_id is required")
		return
	}
	if req.Rating < 1 || req.Rating > 5 {
		writeError(w, http.StatusBadRequest, "rating must be between 1 and 5")
		return
	}

	fb := &session.Feedback{
		TurnID:  req.TurnID,
		UserID:  accessCtx.UserID,
		Rating:  req.Rating,
		Comment: req.Comment,
	}
	if err := s.store.PutFeedback(r.Context(), fb); err != nil {
		if err == session.ErrTurnNotFound {
			writeError(w, http.StatusNotFound, "turn not found")
			return
		}
		slog.Error("Failed to save feedback", "turn", req.TurnID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save feedback")
		return
	}

	stored, err := s.store.GetFeedback(r.Context(), req.TurnID, accessCtx.UserID)
	if err != nil || stored == nil {
		writeJSON(w, http.StatusOK, fb)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Refresh(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, "tool discovery failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.registry.Providers()})
}
