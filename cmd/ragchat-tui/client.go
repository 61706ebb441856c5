// ABOUTME: HTTP calls the TUI makes against the gateway API
// ABOUTME: Tracks the current identity, token and session between commands

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/2389/ragchat-gateway/internal/auth"
)

type client struct {
	server string
	http   *http.Client

	token      string
	userID     string
	email      string
	registered bool
	sessionID  string
}

type userResponse struct {
	UserID           string `json:"user_id"`
	Email            string `json:"email"`
	Name             string `json:"name"`
	UserType         string `json:"user_type"`
	MigratedSessions *int64 `json:"migrated_sessions,omitempty"`
}

type anonymousResponse struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

type promptResponse struct {
	Answer    string            `json:"llm_response"`
	SessionID string            `json:"session_id"`
	Context   []json.RawMessage `json:"context"`
}

type sessionSummary struct {
	SessionID    string `json:"session_id"`
	Title        string `json:"title"`
	MessageCount int64  `json:"message_count"`
}

type historyMessage struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

// apiError carries the gateway's {"error": ...} message and status.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.Status)
	}
	return e.Message
}

func newClient(server, token string) *client {
	return &client{
		server: strings.TrimRight(server, "/"),
		http:   &http.Client{Timeout: 2 * time.Minute},
		token:  token,
	}
}

// start resolves who we are: the saved token if it still works, otherwise a fresh anonymous identity.
func (c *client) start(ctx context.Context, sessionID string) error {
	if c.token != "" {
		var me userResponse
		_, err := c.do(ctx, http.MethodGet, "/api/auth/me", nil, &me)
		var apiErr *apiError
		switch {
		case err == nil:
			c.userID, c.email, c.registered = me.UserID, me.Email, true
			c.sessionID = sessionID
			return nil
		case errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized:
			c.token = ""
		default:
			return err
		}
	}

	if err := c.startAnonymous(ctx); err != nil {
		return err
	}
	if sessionID != "" {
		c.sessionID = sessionID
	}
	return nil
}

func (c *client) startAnonymous(ctx context.Context) error {
	var anon anonymousResponse
	if _, err := c.do(ctx, http.MethodPost, "/api/anonymous", nil, &anon); err != nil {
		return fmt.Errorf("starting anonymous session: %w", err)
	}
	c.userID, c.email, c.registered = anon.UserID, "", false
	c.sessionID = anon.SessionID
	return nil
}

func (c *client) login(ctx context.Context, email, password string) error {
	var user userResponse
	resp, err := c.do(ctx, http.MethodPost, "/api/auth/login",
		map[string]string{"email": email, "password": password}, &user)
	if err != nil {
		return err
	}
	return c.adopt(resp, user)
}

// register creates an account. An anonymous visitor's sessions move to the new account.
func (c *client) register(ctx context.Context, email, password, name string) (int64, error) {
	path := "/api/auth/register"
	if !c.registered && c.userID != "" {
		path += "?anonymous_user_id=" + url.QueryEscape(c.userID)
	}

	var user userResponse
	resp, err := c.do(ctx, http.MethodPost, path,
		map[string]string{"email": email, "password": password, "name": name}, &user)
	if err != nil {
		return 0, err
	}
	if err := c.adopt(resp, user); err != nil {
		return 0, err
	}
	if user.MigratedSessions != nil {
		return *user.MigratedSessions, nil
	}
	return 0, nil
}

// adopt takes the token from the auth cookie the gateway sets and saves it.
func (c *client) adopt(resp *http.Response, user userResponse) error {
	var token string
	for _, cookie := range resp.Cookies() {
		if cookie.Name == auth.CookieName {
			token = cookie.Value
		}
	}
	if token == "" {
		return errors.New("server did not return a token")
	}

	c.token = token
	c.userID, c.email, c.registered = user.UserID, user.Email, true
	if err := saveToken(token); err != nil {
		return fmt.Errorf("saving token: %w", err)
	}
	return nil
}

func (c *client) logout(ctx context.Context) error {
	if _, err := c.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil); err != nil {
		return err
	}
	c.token = ""
	if err := saveToken(""); err != nil {
		return fmt.Errorf("clearing token: %w", err)
	}
	return c.startAnonymous(ctx)
}

func (c *client) newSession(ctx context.Context) error {
	var created struct {
		SessionID string `json:"session_id"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/api/sessions",
		map[string]string{"user_id": c.userID}, &created); err != nil {
		return err
	}
	c.sessionID = created.SessionID
	return nil
}

func (c *client) prompt(ctx context.Context, text string) (*promptResponse, error) {
	if c.sessionID == "" {
		if err := c.newSession(ctx); err != nil {
			return nil, err
		}
	}

	var resp promptResponse
	if _, err := c.do(ctx, http.MethodPost, "/api/chat/prompt",
		map[string]string{"prompt": text, "session_id": c.sessionID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *client) sessions(ctx context.Context) ([]sessionSummary, error) {
	var list struct {
		Sessions []sessionSummary `json:"sessions"`
	}
	path := "/api/users/" + url.PathEscape(c.userID) + "/sessions"
	if _, err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list.Sessions, nil
}

func (c *client) history(ctx context.Context) ([]historyMessage, error) {
	var resp struct {
		Messages []historyMessage `json:"messages"`
	}
	path := "/api/chat/messages/" + url.PathEscape(c.sessionID)
	if _, err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// do sends a JSON request and decodes a 2xx JSON reply into out.
func (c *client) do(ctx context.Context, method, path string, body, out any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.server+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Status: resp.StatusCode}
		var errResp map[string]string
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil {
			apiErr.Message = errResp["error"]
		}
		return resp, apiErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp, fmt.Errorf("parsing response: %w", err)
		}
	}
	return resp, nil
}
