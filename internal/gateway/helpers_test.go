// ABOUTME: Shared fixtures for gateway tests: config, stub answerer and request helpers
// ABOUTME: Gateways run on the in-memory store with a fast bcrypt cost

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/ragchat-gateway/internal/config"
	"github.com/2389/ragchat-gateway/internal/conversation"
	"github.com/2389/ragchat-gateway/internal/docstore"
)

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig creates a minimal config on the in-memory store.
func testConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		Server: config.ServerConfig{
			HTTPAddr:        "127.0.0.1:0",
			CORSOrigins:     []string{"http://localhost:3000"},
			ShutdownTimeout: 2 * time.Second,
		},
		Database: config.DatabaseConfig{Driver: config.DriverMemory},
		Auth: config.AuthConfig{
			JWTSecret:         "test-secret-key-for-jwt-signing",
			TokenTTL:          time.Hour,
			BcryptCost:        4,
			MinPasswordLength: 8,
		},
		Sessions: config.SessionsConfig{
			ListLimit:      10,
			MessageLimit:   50,
			HistoryLimit:   50,
			IdempotencyTTL: 5 * time.Minute,
		},
	}
}

// stubAnswerer answers every prompt with a fixed reply and counts calls.
type stubAnswerer struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
	last  *conversation.AnswerRequest
}

func (s *stubAnswerer) Answer(ctx context.Context, req *conversation.AnswerRequest) (*conversation.Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.last = req
	if s.err != nil {
		return nil, s.err
	}
	return &conversation.Answer{
		Text:    s.reply,
		Context: []conversation.ContextDocument{{Content: "source passage"}},
	}, nil
}

func (s *stubAnswerer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// newTestGateway builds a gateway on a fresh in-memory store. A nil answerer
// leaves the gateway without an answer engine.
func newTestGateway(t *testing.T, answerer conversation.Answerer) *Gateway {
	t.Helper()
	gw, err := NewWithStore(testConfig(), docstore.NewMemoryStore(), answerer, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return gw
}

// doRequest sends a request through the gateway handler. body is JSON-encoded
// unless it is nil; mods can add headers or cookies.
func doRequest(t *testing.T, gw *Gateway, method, path string, body any, mods ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, mod := range mods {
		mod(req)
	}
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

func withBearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func withCookie(c *http.Cookie) func(*http.Request) {
	return func(r *http.Request) { r.AddCookie(c) }
}

func withHeader(key, value string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set(key, value) }
}

// decodeBody decodes a JSON response into a generic map.
func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

// authCookie returns the auth_token cookie set on a response.
func authCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == "auth_token" {
			return c
		}
	}
	t.Fatal("auth_token cookie not set")
	return nil
}

// newVisitor creates an anonymous visitor and returns its user and session ids.
func newVisitor(t *testing.T, gw *Gateway) (string, string) {
	t.Helper()
	rec := doRequest(t, gw, http.MethodPost, "/api/anonymous", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	return body["user_id"].(string), body["session_id"].(string)
}

// registerUser signs up and returns the user id and auth cookie.
func registerUser(t *testing.T, gw *Gateway, email, anonID string) (string, *http.Cookie) {
	t.Helper()
	path := "/api/auth/register"
	if anonID != "" {
		path += "?anonymous_user_id=" + anonID
	}
	rec := doRequest(t, gw, http.MethodPost, path, RegisterRequest{Email: email, Password: "correct-horse", Name: "Test"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody(t, rec)["user_id"].(string), authCookie(t, rec)
}

func jsonUnmarshal(rec *httptest.ResponseRecorder, v any) error {
	return json.Unmarshal(rec.Body.Bytes(), v)
}
