// ABOUTME: Tests for the chat and session HTTP handlers
// ABOUTME: Covers prompts, idempotent replays, history, ownership checks, deletes and live streams

package gateway

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/2389/ragchat-gateway/internal/docstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleRootAndHealth(t *testing.T) {
	gw := newTestGateway(t, nil)

	rec := doRequest(t, gw, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"message": "RAG Chatbot API", "status": "healthy"}, decodeBody(t, rec))

	rec = doRequest(t, gw, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"status": "healthy", "message": "Service is running"}, decodeBody(t, rec))

	rec = doRequest(t, gw, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, gw, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleAnonymous(t *testing.T) {
	gw := newTestGateway(t, nil)

	userID, sessionID := newVisitor(t, gw)
	assert.True(t, strings.HasPrefix(userID, "anon_"))
	assert.NotEmpty(t, sessionID)

	rec := doRequest(t, gw, http.MethodGet, "/api/users/"+userID+"/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list SessionListResponse
	require.NoError(t, jsonUnmarshal(rec, &list))
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, sessionID, list.Sessions[0].SessionID)
	assert.Equal(t, "New Chat", list.Sessions[0].Title)
}

func TestHandlePrompt_RecordsTurn(t *testing.T) {
	answerer := &stubAnswerer{reply: "Hello **there**"}
	gw := newTestGateway(t, answerer)
	_, sessionID := newVisitor(t, gw)

	rec := doRequest(t, gw, http.MethodPost, "/api/chat/prompt", PromptRequest{Prompt: "Hi, who are you?", SessionID: sessionID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp PromptResponse
	require.NoError(t, jsonUnmarshal(rec, &resp))
	assert.Equal(t, "Hi, who are you?", resp.UserPrompt)
	assert.Equal(t, "Hello **there**", resp.LLMResponse)
	assert.Equal(t, sessionID, resp.SessionID)
	assert.Len(t, resp.Context, 1)

	require.NotNil(t, answerer.last)
	require.Len(t, answerer.last.History, 1)
	assert.Equal(t, "Hi, who are you?", answerer.last.History[0].Content)

	rec = doRequest(t, gw, http.MethodGet, "/api/chat/messages/"+sessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs SessionMessagesResponse
	require.NoError(t, jsonUnmarshal(rec, &msgs))
	assert.Equal(t, sessionID, msgs.SessionID)
	require.Equal(t, 2, msgs.Count)
	assert.Equal(t, "user", msgs.Messages[0].Type)
	assert.Equal(t, resp.UserMessageID, msgs.Messages[0].ID)
	assert.Equal(t, "ai", msgs.Messages[1].Type)
	assert.Equal(t, "Hello **there**", msgs.Messages[1].Content)
	assert.Empty(t, msgs.Messages[1].ContentHTML)

	// The first user message titles the session
	sess, err := gw.sessions.Get(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, "Hi, who are you?", sess.Title)
	assert.Equal(t, int64(2), sess.MessageCount)
}

func TestHandlePrompt_Validation(t *testing.T) {
	gw := newTestGateway(t, &stubAnswerer{reply: "ok"})
	_, sessionID := newVisitor(t, gw)

	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{name: "invalid json", body: "not an object", wantStatus: http.StatusBadRequest},
		{name: "missing session", body: PromptRequest{Prompt: "hi"}, wantStatus: http.StatusBadRequest},
		{name: "blank prompt", body: PromptRequest{Prompt: "  ", SessionID: sessionID}, wantStatus: http.StatusBadRequest},
		{name: "unknown session", body: PromptRequest{Prompt: "hi", SessionID: "does-not-exist"}, wantStatus: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, gw, http.MethodPost, "/api/chat/prompt", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decodeBody(t, rec)["error"])
		})
	}
}

func TestHandlePrompt_NoAnswerEngine(t *testing.T) {
	gw := newTestGateway(t, nil)
	_, sessionID := newVisitor(t, gw)

	rec := doRequest(t, gw, http.MethodPost, "/api/chat/prompt", PromptRequest{Prompt: "hello", SessionID: sessionID})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// The prompt was recorded before the engine was asked
	msgs, err := gw.ledger.List(context.Background(), sessionID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
}

func TestHandlePrompt_AnswerEngineFails(t *testing.T) {
	gw := newTestGateway(t, &stubAnswerer{err: errors.New("vector index offline")})
	_, sessionID := newVisitor(t, gw)

	rec := doRequest(t, gw, http.MethodPost, "/api/chat/prompt", PromptRequest{Prompt: "hello", SessionID: sessionID})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "Error processing your request", decodeBody(t, rec)["error"])
}

func TestHandlePrompt_IdempotencyKeyReplays(t *testing.T) {
	answerer := &stubAnswerer{reply: "only once"}
	gw := newTestGateway(t, answerer)
	_, sessionID := newVisitor(t, gw)

	body := PromptRequest{Prompt: "hello", SessionID: sessionID}
	first := doRequest(t, gw, http.MethodPost, "/api/chat/prompt", body, withHeader(IdempotencyKeyHeader, "req-1"))
	require.Equal(t, http.StatusOK, first.Code)

	second := doRequest(t, gw, http.MethodPost, "/api/chat/prompt", body, withHeader(IdempotencyKeyHeader, "req-1"))
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, answerer.callCount())

	msgs, err := gw.ledger.List(context.Background(), sessionID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	// A different key is a new turn
	third := doRequest(t, gw, http.MethodPost, "/api/chat/prompt", body, withHeader(IdempotencyKeyHeader, "req-2"))
	require.Equal(t, http.StatusOK, third.Code)
	assert.Equal(t, 2, answerer.callCount())
}

func TestHandlePrompt_FailedRequestCanBeRetried(t *testing.T) {
	answerer := &stubAnswerer{err: errors.New("temporary")}
	gw := newTestGateway(t, answerer)
	_, sessionID := newVisitor(t, gw)

	body := PromptRequest{Prompt: "hello", SessionID: sessionID}
	rec := doRequest(t, gw, http.MethodPost, "/api/chat/prompt", body, withHeader(IdempotencyKeyHeader, "retry-me"))
	require.Equal(t, http.StatusBadGateway, rec.Code)

	answerer.mu.Lock()
	answerer.err = nil
	answerer.reply = "recovered"
	answerer.mu.Unlock()

	rec = doRequest(t, gw, http.MethodPost, "/api/chat/prompt", body, withHeader(IdempotencyKeyHeader, "retry-me"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, 2, answerer.callCount())
}

func TestHandleSessionMessages(t *testing.T) {
	gw := newTestGateway(t, &stubAnswerer{reply: "# Title\n\n<script>alert(1)</script>\n\n- item"})
	_, sessionID := newVisitor(t, gw)

	rec := doRequest(t, gw, http.MethodPost, "/api/chat/prompt", PromptRequest{Prompt: "render me", SessionID: sessionID})
	require.Equal(t, http.StatusOK, rec.Code)

	t.Run("render html", func(t *testing.T) {
		rec := doRequest(t, gw, http.MethodGet, "/api/chat/messages/"+sessionID+"?render=html", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var msgs SessionMessagesResponse
		require.NoError(t, jsonUnmarshal(rec, &msgs))
		require.Len(t, msgs.Messages, 2)
		html := msgs.Messages[1].ContentHTML
		assert.Contains(t, html, "<h1>Title</h1>")
		assert.Contains(t, html, "<li>item</li>")
		assert.NotContains(t, html, "<script>")
	})

	t.Run("limit", func(t *testing.T) {
		rec := doRequest(t, gw, http.MethodGet, "/api/chat/messages/"+sessionID+"?limit=1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var msgs SessionMessagesResponse
		require.NoError(t, jsonUnmarshal(rec, &msgs))
		require.Equal(t, 1, msgs.Count)
		assert.Equal(t, "user", msgs.Messages[0].Type)
	})

	t.Run("invalid limit", func(t *testing.T) {
		rec := doRequest(t, gw, http.MethodGet, "/api/chat/messages/"+sessionID+"?limit=zero", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown session is empty", func(t *testing.T) {
		rec := doRequest(t, gw, http.MethodGet, "/api/chat/messages/missing", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var msgs SessionMessagesResponse
		require.NoError(t, jsonUnmarshal(rec, &msgs))
		assert.Equal(t, 0, msgs.Count)
		assert.NotNil(t, msgs.Messages)
	})
}

func TestHandleCreateSession(t *testing.T) {
	gw := newTestGateway(t, &stubAnswerer{reply: "ok"})

	t.Run("anonymous reset keeps id", func(t *testing.T) {
		userID, sessionID := newVisitor(t, gw)
		rec := doRequest(t, gw, http.MethodPost, "/api/chat/prompt", PromptRequest{Prompt: "first", SessionID: sessionID})
		require.Equal(t, http.StatusOK, rec.Code)

		rec = doRequest(t, gw, http.MethodPost, "/api/sessions", CreateSessionRequest{UserID: userID})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, sessionID, decodeBody(t, rec)["session_id"])

		msgs, err := gw.ledger.List(context.Background(), sessionID, 0)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("registered gets a new session", func(t *testing.T) {
		userID, cookie := registerUser(t, gw, "creator@example.com", "")

		rec := doRequest(t, gw, http.MethodPost, "/api/sessions", CreateSessionRequest{UserID: userID}, withCookie(cookie))
		require.Equal(t, http.StatusOK, rec.Code)
		first := decodeBody(t, rec)["session_id"]

		rec = doRequest(t, gw, http.MethodPost, "/api/sessions", CreateSessionRequest{UserID: userID}, withCookie(cookie))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotEqual(t, first, decodeBody(t, rec)["session_id"])
	})

	t.Run("registered without token", func(t *testing.T) {
		rec := doRequest(t, gw, http.MethodPost, "/api/sessions", CreateSessionRequest{UserID: "some-user"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing user id", func(t *testing.T) {
		rec := doRequest(t, gw, http.MethodPost, "/api/sessions", CreateSessionRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRegisteredSessionsRequireOwner(t *testing.T) {
	gw := newTestGateway(t, &stubAnswerer{reply: "ok"})
	anonID, sessionID := newVisitor(t, gw)
	rec := doRequest(t, gw, http.MethodPost, "/api/chat/prompt", PromptRequest{Prompt: "before signup", SessionID: sessionID})
	require.Equal(t, http.StatusOK, rec.Code)

	ownerID, ownerCookie := registerUser(t, gw, "owner@example.com", anonID)
	_, otherCookie := registerUser(t, gw, "other@example.com", "")

	listPath := "/api/users/" + ownerID + "/sessions"
	msgPath := "/api/chat/messages/" + sessionID

	assert.Equal(t, http.StatusUnauthorized, doRequest(t, gw, http.MethodGet, listPath, nil).Code)
	assert.Equal(t, http.StatusForbidden, doRequest(t, gw, http.MethodGet, listPath, nil, withCookie(otherCookie)).Code)
	assert.Equal(t, http.StatusUnauthorized, doRequest(t, gw, http.MethodGet, msgPath, nil).Code)
	assert.Equal(t, http.StatusForbidden, doRequest(t, gw, http.MethodDelete, "/api/sessions/"+sessionID, nil, withCookie(otherCookie)).Code)

	rec = doRequest(t, gw, http.MethodGet, listPath, nil, withBearer(ownerCookie.Value))
	require.Equal(t, http.StatusOK, rec.Code)
	var list SessionListResponse
	require.NoError(t, jsonUnmarshal(rec, &list))
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, sessionID, list.Sessions[0].SessionID)

	rec = doRequest(t, gw, http.MethodGet, msgPath, nil, withCookie(ownerCookie))
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs SessionMessagesResponse
	require.NoError(t, jsonUnmarshal(rec, &msgs))
	assert.Equal(t, 2, msgs.Count)

	// The old anonymous id no longer lists the migrated session
	rec = doRequest(t, gw, http.MethodGet, "/api/users/"+anonID+"/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, jsonUnmarshal(rec, &list))
	assert.Empty(t, list.Sessions)
}

func TestHandleDeleteSession(t *testing.T) {
	gw := newTestGateway(t, &stubAnswerer{reply: "ok"})
	_, sessionID := newVisitor(t, gw)
	rec := doRequest(t, gw, http.MethodPost, "/api/chat/prompt", PromptRequest{Prompt: "bye", SessionID: sessionID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, gw, http.MethodDelete, "/api/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Session deleted", body["message"])
	assert.Equal(t, true, body["deleted"])

	msgs, err := gw.ledger.List(context.Background(), sessionID, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	rec = doRequest(t, gw, http.MethodDelete, "/api/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["deleted"])
}

func TestHandleArchiveSession(t *testing.T) {
	gw := newTestGateway(t, &stubAnswerer{reply: "ok"})
	userID, cookie := registerUser(t, gw, "archiver@example.com", "")

	rec := doRequest(t, gw, http.MethodPost, "/api/sessions", CreateSessionRequest{UserID: userID}, withCookie(cookie))
	require.Equal(t, http.StatusOK, rec.Code)
	sessionID, _ := decodeBody(t, rec)["session_id"].(string)
	require.NotEmpty(t, sessionID)

	archivePath := "/api/sessions/" + sessionID + "/archive"
	assert.Equal(t, http.StatusUnauthorized, doRequest(t, gw, http.MethodPost, archivePath, nil).Code)
	assert.Equal(t, http.StatusNotFound, doRequest(t, gw, http.MethodPost, "/api/sessions/missing/archive", nil, withCookie(cookie)).Code)

	rec = doRequest(t, gw, http.MethodPost, archivePath, nil, withCookie(cookie))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["archived"])

	sess, err := gw.sessions.Get(context.Background(), sessionID)
	require.NoError(t, err)
	assert.False(t, sess.IsActive)
}

// archiveStore intercepts session updates so archive can race a delete or an outage.
type archiveStore struct {
	docstore.Store
	onSessionUpdate func(ctx context.Context, filter docstore.Filter) error
}

func (s *archiveStore) UpdateOne(ctx context.Context, coll docstore.Collection, filter docstore.Filter, patch docstore.Patch) (docstore.UpdateResult, error) {
	if coll == docstore.Sessions && s.onSessionUpdate != nil {
		if err := s.onSessionUpdate(ctx, filter); err != nil {
			return docstore.UpdateResult{}, err
		}
	}
	return s.Store.UpdateOne(ctx, coll, filter, patch)
}

func TestHandleArchiveSession_ErrorsAfterLookup(t *testing.T) {
	tests := []struct {
		name      string
		onUpdate  func(store docstore.Store) func(ctx context.Context, filter docstore.Filter) error
		wantCode  int
		wantError string
	}{
		{
			name: "session deleted before update",
			onUpdate: func(store docstore.Store) func(ctx context.Context, filter docstore.Filter) error {
				return func(ctx context.Context, filter docstore.Filter) error {
					_, err := store.DeleteOne(ctx, docstore.Sessions, filter)
					return err
				}
			},
			wantCode:  http.StatusNotFound,
			wantError: "session not found",
		},
		{
			name: "store unavailable",
			onUpdate: func(docstore.Store) func(ctx context.Context, filter docstore.Filter) error {
				return func(context.Context, docstore.Filter) error {
					return docstore.ErrUnavailable
				}
			},
			wantCode:  http.StatusServiceUnavailable,
			wantError: "service temporarily unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := docstore.NewMemoryStore()
			store := &archiveStore{Store: mem}
			gw, err := NewWithStore(testConfig(), store, &stubAnswerer{reply: "ok"}, testLogger())
			require.NoError(t, err)
			t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

			userID, cookie := registerUser(t, gw, "racer@example.com", "")
			rec := doRequest(t, gw, http.MethodPost, "/api/sessions", CreateSessionRequest{UserID: userID}, withCookie(cookie))
			require.Equal(t, http.StatusOK, rec.Code)
			sessionID, _ := decodeBody(t, rec)["session_id"].(string)
			require.NotEmpty(t, sessionID)

			store.onSessionUpdate = tt.onUpdate(mem)
			rec = doRequest(t, gw, http.MethodPost, "/api/sessions/"+sessionID+"/archive", nil, withCookie(cookie))
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantError, decodeBody(t, rec)["error"])
		})
	}
}

func TestHandleSessionStream(t *testing.T) {
	gw := newTestGateway(t, &stubAnswerer{reply: "pong"})
	_, sessionID := newVisitor(t, gw)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/chat/stream/"+sessionID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 32)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	waitFor := func(prefix string) string {
		t.Helper()
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					t.Fatalf("stream closed before %q", prefix)
				}
				if strings.HasPrefix(line, prefix) {
					return line
				}
			case <-ctx.Done():
				t.Fatalf("timed out waiting for %q", prefix)
			}
		}
	}

	waitFor("event: ready")

	rec := doRequest(t, gw, http.MethodPost, "/api/chat/prompt", PromptRequest{Prompt: "ping", SessionID: sessionID})
	require.Equal(t, http.StatusOK, rec.Code)

	waitFor("event: message")
	first := waitFor("data: ")
	assert.Contains(t, first, `"content":"ping"`)
	assert.Contains(t, first, `"timestamp":"`)
	waitFor("event: message")
	data := waitFor("data: ")
	assert.Contains(t, data, `"content":"pong"`)
	assert.Contains(t, data, `"type":"ai"`)
	assert.Contains(t, data, `"timestamp":"`)
}

func TestHandleSessionStream_UnknownSession(t *testing.T) {
	gw := newTestGateway(t, nil)
	rec := doRequest(t, gw, http.MethodGet, "/api/chat/stream/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	gw := newTestGateway(t, nil)

	rec := doRequest(t, gw, http.MethodOptions, "/api/chat/prompt", nil,
		withHeader("Origin", "http://localhost:3000"),
		withHeader("Access-Control-Request-Method", "POST"),
		withHeader("Access-Control-Request-Headers", "content-type,idempotency-key"),
	)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "content-type,idempotency-key", rec.Header().Get("Access-Control-Allow-Headers"))

	rec = doRequest(t, gw, http.MethodGet, "/health", nil, withHeader("Origin", "https://evil.example"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
