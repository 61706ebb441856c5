// ABOUTME: Conversation service running one chat turn: record the prompt, ask the answerer, record the answer
// ABOUTME: History is the source of truth; the user message is stored before the answer engine is called

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/ragchat-gateway/internal/ledger"
)

// DefaultHistoryLimit is how many prior messages are sent to the answerer.
const DefaultHistoryLimit = 50

var (
	// ErrEmptyPrompt is returned for blank prompts.
	ErrEmptyPrompt = errors.New("prompt is required")
	// ErrAnswerFailed wraps answerer failures after the prompt was recorded.
	ErrAnswerFailed = errors.New("answer generation failed")
)

// MessageLedger defines what the service needs from the message ledger
type MessageLedger interface {
	Record(ctx context.Context, sessionID string, role ledger.Role, content string) (*ledger.Message, error)
	Recent(ctx context.Context, sessionID string, n int) ([]ledger.Message, error)
}

// Service is the conversation layer that ensures every turn is persisted
// before and after the answer engine runs.
type Service struct {
	ledger       MessageLedger
	answerer     Answerer
	broadcaster  *EventBroadcaster
	historyLimit int
	logger       *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithHistoryLimit sets how many prior messages the answerer sees.
func WithHistoryLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

// WithBroadcaster publishes every recorded message to live subscribers.
func WithBroadcaster(b *EventBroadcaster) Option {
	return func(s *Service) { s.broadcaster = b }
}

// New creates a new conversation Service
func New(l MessageLedger, answerer Answerer, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if answerer == nil {
		answerer = UnavailableAnswerer{}
	}
	s := &Service{
		ledger:       l,
		answerer:     answerer,
		historyLimit: DefaultHistoryLimit,
		logger:       logger.With("component", "conversation"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PromptResponse is the result of a completed turn.
type PromptResponse struct {
	SessionID          string
	Prompt             string
	Answer             string
	Context            []ContextDocument
	UserMessageID      string
	AssistantMessageID string
}

// Prompt records the user message, asks the answerer with the recent history
// and records the answer.
//
// Key principle: Record first, then act. If the answerer fails, the prompt is
// still in the ledger and the error wraps ErrAnswerFailed.
func (s *Service) Prompt(ctx context.Context, sessionID, prompt string) (*PromptResponse, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}

	// 1. Record user message FIRST
	userMsg, err := s.ledger.Record(ctx, sessionID, ledger.RoleUser, prompt)
	if err != nil {
		return nil, fmt.Errorf("recording prompt: %w", err)
	}
	s.publish(userMsg)

	s.logger.Debug("user message recorded",
		"session_id", sessionID,
		"message_id", userMsg.ID)

	// 2. Load history, which now ends with the prompt
	history, err := s.ledger.Recent(ctx, sessionID, s.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	// 3. Ask the answer engine
	answer, err := s.answerer.Answer(ctx, &AnswerRequest{
		SessionID: sessionID,
		Query:     prompt,
		History:   history,
	})
	if err != nil {
		// Message is recorded, but the answerer failed
		s.logger.Error("answerer failed", "session_id", sessionID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrAnswerFailed, err)
	}

	// 4. Record the answer
	assistantMsg, err := s.ledger.Record(ctx, sessionID, ledger.RoleAssistant, answer.Text)
	if err != nil {
		return nil, fmt.Errorf("recording answer: %w", err)
	}
	s.publish(assistantMsg)

	s.logger.Info("turn completed",
		"session_id", sessionID,
		"history", len(history),
		"context_docs", len(answer.Context))

	return &PromptResponse{
		SessionID:          sessionID,
		Prompt:             prompt,
		Answer:             answer.Text,
		Context:            answer.Context,
		UserMessageID:      userMsg.ID,
		AssistantMessageID: assistantMsg.ID,
	}, nil
}

// publish sends a copy so subscribers never share the caller's message.
func (s *Service) publish(msg *ledger.Message) {
	if s.broadcaster == nil {
		return
	}
	published := *msg
	s.broadcaster.Publish(msg.SessionID, &published)
}
