// ABOUTME: Message ledger appending chat turns to a session and listing them in order
// ABOUTME: Keeps the session's updated_at and message_count in step with each append

package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/2389/ragchat-gateway/internal/docstore"
	"github.com/google/uuid"
)

const (
	// DefaultListLimit is used when List is called with a non-positive limit.
	DefaultListLimit = 50
	// MaxListLimit caps how many messages a single List returns.
	MaxListLimit = 1000
	// UntitledSession is the title every new session starts with.
	UntitledSession = "New Chat"

	titleRunes = 50
)

var (
	// ErrInvalidRole is returned for roles other than user and assistant.
	ErrInvalidRole = errors.New("invalid message role")
	// ErrSessionNotFound is returned when appending to a session that does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrEmptySessionID is returned when no session id is given.
	ErrEmptySessionID = errors.New("session_id is required")
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole accepts "user" and "assistant". The legacy "ai" role maps to assistant.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user":
		return RoleUser, nil
	case "assistant", "ai":
		return RoleAssistant, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// Message is one immutable turn in a session.
type Message struct {
	ID        string    `json:"message_id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Ledger appends and lists messages. It never holds locks across calls.
type Ledger struct {
	store  docstore.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Ledger. If logger is nil, slog.Default() is used.
func New(store docstore.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  store,
		logger: logger.With("component", "ledger"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Append stores a new message and bumps the parent session's counters.
// The insert and the session patch are separate atomic operations.
func (l *Ledger) Append(ctx context.Context, sessionID string, role Role, content string) (string, error) {
	msg, err := l.Record(ctx, sessionID, role, content)
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

// Record is Append returning the stored message, timestamp included.
func (l *Ledger) Record(ctx context.Context, sessionID string, role Role, content string) (*Message, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}
	if role != RoleUser && role != RoleAssistant {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	now := l.now()
	msg := &Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Timestamp: now,
	}

	if err := l.store.InsertOne(ctx, docstore.Messages, toDocument(msg)); err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	res, err := l.store.UpdateOne(ctx, docstore.Sessions, docstore.Filter{docstore.FieldSessionID: sessionID}, docstore.Patch{
		Set: map[string]any{docstore.FieldUpdatedAt: now},
		Inc: map[string]int64{docstore.FieldMessageCount: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("updating session counters: %w", err)
	}
	if res.Matched == 0 {
		if _, delErr := l.store.DeleteOne(ctx, docstore.Messages, docstore.Filter{docstore.FieldMessageID: msg.ID}); delErr != nil {
			l.logger.Warn("failed to remove message for missing session", "session_id", sessionID, "message_id", msg.ID, "error", delErr)
		}
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	if role == RoleUser {
		l.maybeTitle(ctx, sessionID, content)
	}

	l.logger.Debug("message appended", "session_id", sessionID, "message_id", msg.ID, "role", role)
	return msg, nil
}

// maybeTitle names an untitled session after its first user message.
// The filter on the default title makes it a no-op once a title exists.
func (l *Ledger) maybeTitle(ctx context.Context, sessionID, content string) {
	title := TitleFrom(content)
	if title == "" {
		return
	}
	_, err := l.store.UpdateOne(ctx, docstore.Sessions, docstore.Filter{
		docstore.FieldSessionID: sessionID,
		docstore.FieldTitle:     UntitledSession,
	}, docstore.Patch{
		Set: map[string]any{docstore.FieldTitle: title},
	})
	if err != nil {
		l.logger.Warn("failed to set session title", "session_id", sessionID, "error", err)
	}
}

// TitleFrom derives a session title from message content: the first line,
// trimmed and cut to 50 runes.
func TitleFrom(content string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(content), "\n")
	line = strings.TrimSpace(line)
	if utf8.RuneCountInString(line) <= titleRunes {
		return line
	}
	runes := []rune(line)
	return strings.TrimSpace(string(runes[:titleRunes]))
}

// List returns up to limit messages of a session in ascending timestamp order.
// Each call is a fresh query; an unknown session yields an empty slice.
func (l *Ledger) List(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	docs, err := l.store.FindMany(ctx, docstore.Messages, docstore.Filter{docstore.FieldSessionID: sessionID}, docstore.FindOptions{
		Sort:  []docstore.SortField{{Field: docstore.FieldTimestamp}},
		Limit: limit,
	})
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	messages := make([]Message, 0, len(docs))
	for _, doc := range docs {
		messages = append(messages, fromDocument(doc))
	}
	return messages, nil
}

// Recent returns the last n messages of a session, oldest first.
func (l *Ledger) Recent(ctx context.Context, sessionID string, n int) ([]Message, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}
	if n <= 0 {
		n = DefaultListLimit
	}
	if n > MaxListLimit {
		n = MaxListLimit
	}

	docs, err := l.store.FindMany(ctx, docstore.Messages, docstore.Filter{docstore.FieldSessionID: sessionID}, docstore.FindOptions{
		Sort:        []docstore.SortField{{Field: docstore.FieldTimestamp, Desc: true}},
		Limit:       n,
		NewestFirst: true,
	})
	if err != nil {
		return nil, fmt.Errorf("listing recent messages: %w", err)
	}

	messages := make([]Message, len(docs))
	for i, doc := range docs {
		messages[len(docs)-1-i] = fromDocument(doc)
	}
	return messages, nil
}

// Purge deletes every message of a session and returns how many were removed.
func (l *Ledger) Purge(ctx context.Context, sessionID string) (int64, error) {
	if sessionID == "" {
		return 0, ErrEmptySessionID
	}
	n, err := l.store.DeleteMany(ctx, docstore.Messages, docstore.Filter{docstore.FieldSessionID: sessionID})
	if err != nil {
		return 0, fmt.Errorf("deleting messages: %w", err)
	}
	return n, nil
}

// Recount recomputes message_count from the stored messages and writes it back.
func (l *Ledger) Recount(ctx context.Context, sessionID string) (int64, error) {
	if sessionID == "" {
		return 0, ErrEmptySessionID
	}
	docs, err := l.store.FindMany(ctx, docstore.Messages, docstore.Filter{docstore.FieldSessionID: sessionID}, docstore.FindOptions{})
	if err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	count := int64(len(docs))

	res, err := l.store.UpdateOne(ctx, docstore.Sessions, docstore.Filter{docstore.FieldSessionID: sessionID}, docstore.Patch{
		Set: map[string]any{docstore.FieldMessageCount: count},
	})
	if err != nil {
		return 0, fmt.Errorf("writing message count: %w", err)
	}
	if res.Matched == 0 {
		return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return count, nil
}

func toDocument(m *Message) docstore.Document {
	return docstore.Document{
		docstore.FieldMessageID: m.ID,
		docstore.FieldSessionID: m.SessionID,
		docstore.FieldRole:      string(m.Role),
		docstore.FieldContent:   m.Content,
		docstore.FieldTimestamp: m.Timestamp,
	}
}

func fromDocument(doc docstore.Document) Message {
	return Message{
		ID:        doc.String(docstore.FieldMessageID),
		SessionID: doc.String(docstore.FieldSessionID),
		Role:      Role(doc.String(docstore.FieldRole)),
		Content:   doc.String(docstore.FieldContent),
		Timestamp: doc.Time(docstore.FieldTimestamp),
	}
}
