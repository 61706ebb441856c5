// ABOUTME: HTTP API handlers for chat prompts, message history, live streams and sessions
// ABOUTME: Keeps the response shapes the chat frontend expects and maps service errors to status codes

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/ragchat-gateway/internal/conversation"
	"github.com/2389/ragchat-gateway/internal/dedupe"
	"github.com/2389/ragchat-gateway/internal/docstore"
	"github.com/2389/ragchat-gateway/internal/identity"
	"github.com/2389/ragchat-gateway/internal/ledger"
	"github.com/2389/ragchat-gateway/internal/sessions"
)

const (
	// maxRequestBody caps JSON request bodies.
	maxRequestBody = 1 << 20

	// maxMessageLimit matches the ledger's page ceiling.
	maxMessageLimit = 1000

	// streamKeepalive is how often an idle stream sends a comment line.
	streamKeepalive = 25 * time.Second

	// IdempotencyKeyHeader lets clients retry a prompt without recording it twice.
	IdempotencyKeyHeader = "Idempotency-Key"
)

// PromptRequest is the JSON request body for POST /api/chat/prompt.
type PromptRequest struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id"`
}

// PromptResponse is the JSON response for POST /api/chat/prompt.
type PromptResponse struct {
	UserPrompt         string                         `json:"userPrompt"`
	LLMResponse        string                         `json:"llm_response"`
	SessionID          string                         `json:"session_id"`
	UserMessageID      string                         `json:"user_message_id"`
	AssistantMessageID string                         `json:"assistant_message_id"`
	Context            []conversation.ContextDocument `json:"context,omitempty"`
}

// MessageResponse is one message in a history or stream payload.
// Type is "user" or "ai".
type MessageResponse struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Content     string `json:"content"`
	ContentHTML string `json:"content_html,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// SessionMessagesResponse is the JSON response for GET /api/chat/messages/{session_id}.
type SessionMessagesResponse struct {
	SessionID string            `json:"session_id"`
	Messages  []MessageResponse `json:"messages"`
	Count     int               `json:"count"`
}

// SessionListResponse is the JSON response for GET /api/users/{user_id}/sessions.
type SessionListResponse struct {
	Sessions []sessions.Summary `json:"sessions"`
}

// CreateSessionRequest is the JSON request body for POST /api/sessions.
type CreateSessionRequest struct {
	UserID string `json:"user_id"`
}

// handlePrompt handles POST /api/chat/prompt.
// The user message is recorded before the answer engine runs. With an
// Idempotency-Key header a retry of a finished request replays its response.
func (g *Gateway) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req PromptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	if _, ok := g.authorizeSession(w, r, req.SessionID); !ok {
		return
	}

	key := r.Header.Get(IdempotencyKeyHeader)
	if key != "" {
		key = "prompt:" + req.SessionID + ":" + key
		cached, status := g.dedupe.Begin(key)
		switch status {
		case dedupe.StatusDone:
			g.logger.Debug("replaying prompt response", "session_id", req.SessionID)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(cached)
			return
		case dedupe.StatusInFlight:
			g.sendJSONError(w, http.StatusConflict, "a request with this Idempotency-Key is in progress")
			return
		}
	}

	resp, err := g.conversation.Prompt(r.Context(), req.SessionID, req.Prompt)
	if err != nil {
		if key != "" {
			g.dedupe.Abandon(key)
		}
		g.sendPromptError(w, req.SessionID, err)
		return
	}

	body, err := json.Marshal(PromptResponse{
		UserPrompt:         resp.Prompt,
		LLMResponse:        resp.Answer,
		SessionID:          resp.SessionID,
		UserMessageID:      resp.UserMessageID,
		AssistantMessageID: resp.AssistantMessageID,
		Context:            resp.Context,
	})
	if err != nil {
		if key != "" {
			g.dedupe.Abandon(key)
		}
		g.logger.Error("failed to encode prompt response", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if key != "" {
		g.dedupe.Complete(key, body)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (g *Gateway) sendPromptError(w http.ResponseWriter, sessionID string, err error) {
	switch {
	case errors.Is(err, conversation.ErrEmptyPrompt):
		g.sendJSONError(w, http.StatusBadRequest, "prompt is required")
	case errors.Is(err, ledger.ErrSessionNotFound):
		g.sendJSONError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, conversation.ErrAnswererUnavailable):
		g.sendJSONError(w, http.StatusServiceUnavailable, "answer engine unavailable")
	case errors.Is(err, conversation.ErrAnswerFailed):
		g.sendJSONError(w, http.StatusBadGateway, "Error processing your request")
	default:
		g.logger.Error("failed to process prompt", "session_id", sessionID, "error", err)
		g.sendStoreError(w, err)
	}
}

// handleSessionMessages handles GET /api/chat/messages/{session_id}.
// Returns the oldest messages first, limited by ?limit=N (default from config,
// max 1000). ?render=html adds content_html. An unknown session has no messages.
func (g *Gateway) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")

	limit, err := parseLimit(r, g.config.Sessions.MessageLimit, maxMessageLimit)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := g.sessions.Get(r.Context(), sessionID)
	switch {
	case errors.Is(err, sessions.ErrNotFound), errors.Is(err, sessions.ErrEmptySessionID):
	case err != nil:
		g.logger.Error("failed to get session", "session_id", sessionID, "error", err)
		g.sendStoreError(w, err)
		return
	default:
		if !g.authorizeLoadedSession(w, r, sess) {
			return
		}
	}

	messages, err := g.ledger.List(r.Context(), sessionID, limit)
	if err != nil {
		g.logger.Error("failed to list messages", "session_id", sessionID, "error", err)
		g.sendStoreError(w, err)
		return
	}

	renderHTML := r.URL.Query().Get("render") == "html"
	response := SessionMessagesResponse{
		SessionID: sessionID,
		Messages:  make([]MessageResponse, len(messages)),
		Count:     len(messages),
	}
	for i := range messages {
		response.Messages[i] = g.messageResponse(&messages[i], renderHTML)
	}

	writeJSON(w, http.StatusOK, response)
}

// messageResponse converts a ledger message to its wire form.
func (g *Gateway) messageResponse(msg *ledger.Message, renderHTML bool) MessageResponse {
	resp := MessageResponse{
		ID:      msg.ID,
		Type:    wireType(msg.Role),
		Content: msg.Content,
	}
	if !msg.Timestamp.IsZero() {
		resp.Timestamp = msg.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	if renderHTML {
		resp.ContentHTML = g.renderMarkdown(msg.Content)
	}
	return resp
}

// wireType maps roles to the frontend's "user"/"ai" vocabulary.
func wireType(role ledger.Role) string {
	if role == ledger.RoleAssistant {
		return "ai"
	}
	return string(role)
}

// handleSessionStream handles GET /api/chat/stream/{session_id}.
// It streams every message recorded on the session as Server-Sent Events
// until the client disconnects or the gateway shuts down.
func (g *Gateway) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if _, ok := g.authorizeSession(w, r, sessionID); !ok {
		return
	}

	// Check streaming support before sending (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	events, _ := g.eventBroadcaster.Subscribe(ctx, sessionID)

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	g.writeSSEEvent(w, "ready", map[string]string{"session_id": sessionID})
	flusher.Flush()

	keepalive := time.NewTicker(streamKeepalive)
	defer keepalive.Stop()

	renderHTML := r.URL.Query().Get("render") == "html"
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case msg, ok := <-events:
			if !ok {
				return
			}
			g.writeSSEEvent(w, "message", g.messageResponse(msg, renderHTML))
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	_, _ = fmt.Fprintf(w, "event: %s\n", event)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// handleUserSessions handles GET /api/users/{user_id}/sessions.
// Anonymous ids get at most their one active session.
func (g *Gateway) handleUserSessions(w http.ResponseWriter, r *http.Request) {
	owner, err := identity.Parse(r.PathValue("user_id"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid user_id")
		return
	}
	if !g.authorizeOwner(w, r, owner) {
		return
	}

	limit, err := parseLimit(r, g.config.Sessions.ListLimit, sessions.MaxListLimit)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	summaries, err := g.sessions.ListForOwner(r.Context(), owner, limit)
	if err != nil {
		g.logger.Error("failed to list sessions", "owner", owner.ID(), "error", err)
		g.sendStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SessionListResponse{Sessions: summaries})
}

// handleCreateSession handles POST /api/sessions.
// Anonymous owners get their single session reset; registered owners get a new one.
func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	owner, err := identity.Parse(req.UserID)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if !g.authorizeOwner(w, r, owner) {
		return
	}

	sessionID, err := g.sessions.CreateSmart(r.Context(), owner)
	if err != nil {
		g.logger.Error("failed to create session", "owner", owner.ID(), "error", err)
		g.sendStoreError(w, err)
		return
	}

	g.logger.Debug("session ready", "session_id", sessionID, "owner_kind", owner.Kind().String())
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID})
}

// handleDeleteSession handles DELETE /api/sessions/{session_id}.
// Always answers "Session deleted"; "deleted" reports whether a record was removed.
func (g *Gateway) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")

	sess, err := g.sessions.Get(r.Context(), sessionID)
	switch {
	case errors.Is(err, sessions.ErrNotFound):
		writeJSON(w, http.StatusOK, map[string]any{"message": "Session deleted", "deleted": false})
		return
	case err != nil:
		g.logger.Error("failed to get session", "session_id", sessionID, "error", err)
		g.sendStoreError(w, err)
		return
	}
	if !g.authorizeLoadedSession(w, r, sess) {
		return
	}

	deleted := g.sessions.Delete(r.Context(), sessionID)
	writeJSON(w, http.StatusOK, map[string]any{"message": "Session deleted", "deleted": deleted})
}

// handleArchiveSession handles POST /api/sessions/{session_id}/archive.
// Archived sessions keep their messages but drop out of listings.
func (g *Gateway) handleArchiveSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if _, ok := g.authorizeSession(w, r, sessionID); !ok {
		return
	}

	err := g.sessions.Deactivate(r.Context(), sessionID)
	switch {
	case errors.Is(err, sessions.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	case err != nil:
		g.logger.Error("failed to archive session", "session_id", sessionID, "error", err)
		g.sendStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Session archived", "archived": true})
}

// handleAnonymous handles POST /api/anonymous.
// Mints a visitor id and its live session.
func (g *Gateway) handleAnonymous(w http.ResponseWriter, r *http.Request) {
	visitor := identity.NewAnonymous()
	sessionID, err := g.sessions.CreateOrReuseAnonymous(r.Context(), visitor)
	if err != nil {
		g.logger.Error("failed to create anonymous session", "error", err)
		g.sendStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"user_id":    visitor.ID(),
		"session_id": sessionID,
		"user_type":  "anonymous",
	})
}

// sendStoreError maps store failures to 503 and everything else to 500.
func (g *Gateway) sendStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, docstore.ErrUnavailable) {
		g.sendJSONError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
		return
	}
	g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a size-limited JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// parseLimit reads ?limit=N. Missing means def; values above max are clamped.
func parseLimit(r *http.Request, def, ceiling int) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return def, nil
	}
	parsed, err := strconv.Atoi(limitStr)
	if err != nil || parsed < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(parsed, ceiling), nil
}
