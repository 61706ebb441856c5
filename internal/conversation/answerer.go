// ABOUTME: Answerer contract for the retrieval-augmented answer engine and its HTTP client
// ABOUTME: The engine receives the prompt plus chat history and returns an answer with context documents

package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/2389/ragchat-gateway/internal/ledger"
)

// ErrAnswererUnavailable is returned when no answer engine is configured.
var ErrAnswererUnavailable = errors.New("answer engine not configured")

// AnswerRequest is what the answer engine is asked.
type AnswerRequest struct {
	SessionID string
	Query     string
	History   []ledger.Message
}

// ContextDocument is one retrieved source passage.
type ContextDocument struct {
	Content  string         `json:"page_content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Answer is the engine's reply.
type Answer struct {
	Text    string
	Context []ContextDocument
}

// Answerer produces answers for prompts.
type Answerer interface {
	Answer(ctx context.Context, req *AnswerRequest) (*Answer, error)
}

// UnavailableAnswerer fails every request with ErrAnswererUnavailable.
type UnavailableAnswerer struct{}

func (UnavailableAnswerer) Answer(context.Context, *AnswerRequest) (*Answer, error) {
	return nil, ErrAnswererUnavailable
}

// HTTPAnswerer posts prompts to an answer engine over JSON/HTTP.
type HTTPAnswerer struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPAnswerer creates a client for the engine at endpoint.
func NewHTTPAnswerer(endpoint, apiKey string, timeout time.Duration) *HTTPAnswerer {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPAnswerer{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

type historyTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type answerRequestBody struct {
	Input       string        `json:"input"`
	SessionID   string        `json:"session_id"`
	ChatHistory []historyTurn `json:"chat_history"`
}

type answerResponseBody struct {
	Answer  string            `json:"answer"`
	Context []ContextDocument `json:"context"`
}

// Answer sends the prompt and history and decodes {"answer": ..., "context": [...]}.
func (a *HTTPAnswerer) Answer(ctx context.Context, req *AnswerRequest) (*Answer, error) {
	body := answerRequestBody{
		Input:       req.Query,
		SessionID:   req.SessionID,
		ChatHistory: make([]historyTurn, 0, len(req.History)),
	}
	for _, m := range req.History {
		body.ChatHistory = append(body.ChatHistory, historyTurn{Role: string(m.Role), Content: m.Content})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding answer request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building answer request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling answer engine: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("answer engine returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var out answerResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding answer: %w", err)
	}
	if out.Answer == "" {
		return nil, errors.New("answer engine returned an empty answer")
	}

	return &Answer{Text: out.Answer, Context: out.Context}, nil
}
