// ABOUTME: Session registry owning session lifecycle for anonymous and registered identities
// ABOUTME: Anonymous identities keep one active session that is reset in place on "new chat"

package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/ragchat-gateway/internal/docstore"
	"github.com/2389/ragchat-gateway/internal/identity"
	"github.com/2389/ragchat-gateway/internal/ledger"
	"github.com/google/uuid"
)

const (
	// DefaultTitle is the title of a freshly created or reset session.
	DefaultTitle = ledger.UntitledSession
	// DefaultListLimit applies when ListForOwner is called with a non-positive limit.
	DefaultListLimit = 20
	// MaxListLimit caps ListForOwner results.
	MaxListLimit = 100
)

var (
	ErrNotFound       = errors.New("session not found")
	ErrInvalidOwner   = errors.New("invalid session owner")
	ErrNotAnonymous   = errors.New("operation requires an anonymous identity")
	ErrEmptySessionID = errors.New("session_id is required")
)

// Session is the persisted conversation record.
type Session struct {
	ID           string    `json:"session_id"`
	OwnerUserID  string    `json:"user_id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int64     `json:"message_count"`
	IsActive     bool      `json:"is_active"`
}

// Summary is the listing projection of a session.
type Summary struct {
	SessionID    string    `json:"session_id"`
	Title        string    `json:"title"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int64     `json:"message_count"`
}

// Registry creates, lists, resets and deletes sessions.
type Registry struct {
	store  docstore.Store
	ledger *ledger.Ledger
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry creates a Registry. If logger is nil, slog.Default() is used.
func NewRegistry(store docstore.Store, l *ledger.Ledger, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  store,
		ledger: l,
		logger: logger.With("component", "sessions"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts a new empty active session for owner.
func (r *Registry) Create(ctx context.Context, owner identity.Identity) (string, error) {
	if owner.IsZero() {
		return "", ErrInvalidOwner
	}

	now := r.now()
	s := &Session{
		ID:          uuid.New().String(),
		OwnerUserID: owner.ID(),
		Title:       DefaultTitle,
		CreatedAt:   now,
		UpdatedAt:   now,
		IsActive:    true,
	}
	if err := r.store.InsertOne(ctx, docstore.Sessions, toDocument(s)); err != nil {
		return "", fmt.Errorf("inserting session: %w", err)
	}

	r.logger.Info("session created", "session_id", s.ID, "owner", owner.ID(), "kind", owner.Kind())
	return s.ID, nil
}

// Get returns a session by id.
func (r *Registry) Get(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}
	doc, err := r.store.FindOne(ctx, docstore.Sessions, docstore.Filter{docstore.FieldSessionID: sessionID})
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	return fromDocument(doc), nil
}

// ListForOwner returns active sessions, most recently updated first. Anonymous
// owners see at most their single active session.
func (r *Registry) ListForOwner(ctx context.Context, owner identity.Identity, limit int) ([]Summary, error) {
	if owner.IsZero() {
		return nil, ErrInvalidOwner
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if owner.IsAnonymous() {
		limit = 1
	}

	docs, err := r.findActive(ctx, owner, limit)
	if err != nil {
		return nil, err
	}

	summaries := make([]Summary, 0, len(docs))
	for _, doc := range docs {
		s := fromDocument(doc)
		summaries = append(summaries, Summary{
			SessionID:    s.ID,
			Title:        s.Title,
			UpdatedAt:    s.UpdatedAt,
			MessageCount: s.MessageCount,
		})
	}
	return summaries, nil
}

func (r *Registry) findActive(ctx context.Context, owner identity.Identity, limit int) ([]docstore.Document, error) {
	docs, err := r.store.FindMany(ctx, docstore.Sessions, docstore.Filter{
		docstore.FieldOwnerUserID: owner.ID(),
		docstore.FieldIsActive:    true,
	}, docstore.FindOptions{
		Sort:  []docstore.SortField{{Field: docstore.FieldUpdatedAt, Desc: true}},
		Limit: limit,
	})
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return docs, nil
}

// Delete removes a session's messages and then the session itself. It returns
// true only when the session record existed and was removed. Failures are
// logged and reported as false.
func (r *Registry) Delete(ctx context.Context, sessionID string) bool {
	if sessionID == "" {
		return false
	}

	purged, err := r.ledger.Purge(ctx, sessionID)
	if err != nil {
		r.logger.Error("failed to delete session messages", "session_id", sessionID, "error", err)
		return false
	}

	n, err := r.store.DeleteOne(ctx, docstore.Sessions, docstore.Filter{docstore.FieldSessionID: sessionID})
	if err != nil {
		r.logger.Error("failed to delete session", "session_id", sessionID, "error", err)
		return false
	}

	if n > 0 {
		r.logger.Info("session deleted", "session_id", sessionID, "messages", purged)
	}
	return n > 0
}

// Deactivate marks a session inactive without deleting it. It returns
// ErrNotFound when no session matches.
func (r *Registry) Deactivate(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	res, err := r.store.UpdateOne(ctx, docstore.Sessions, docstore.Filter{docstore.FieldSessionID: sessionID}, docstore.Patch{
		Set: map[string]any{docstore.FieldIsActive: false, docstore.FieldUpdatedAt: r.now()},
	})
	if err != nil {
		return fmt.Errorf("deactivating session: %w", err)
	}
	if res.Matched == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return nil
}

// CreateOrReuseAnonymous returns the anonymous owner's active session, creating one if needed.
func (r *Registry) CreateOrReuseAnonymous(ctx context.Context, owner identity.Identity) (string, error) {
	if !owner.IsAnonymous() {
		return "", ErrNotAnonymous
	}

	docs, err := r.findActive(ctx, owner, 1)
	if err != nil {
		return "", err
	}
	if len(docs) > 0 {
		return docs[0].String(docstore.FieldSessionID), nil
	}
	return r.Create(ctx, owner)
}

// ResetAnonymousSession empties the anonymous owner's active session while
// keeping its id. Without an active session a new one is created.
func (r *Registry) ResetAnonymousSession(ctx context.Context, owner identity.Identity) (string, error) {
	if !owner.IsAnonymous() {
		return "", ErrNotAnonymous
	}

	docs, err := r.findActive(ctx, owner, 1)
	if err != nil {
		return "", err
	}
	if len(docs) == 0 {
		return r.Create(ctx, owner)
	}
	sessionID := docs[0].String(docstore.FieldSessionID)

	if _, err := r.ledger.Purge(ctx, sessionID); err != nil {
		return "", fmt.Errorf("clearing session: %w", err)
	}

	res, err := r.store.UpdateOne(ctx, docstore.Sessions, docstore.Filter{docstore.FieldSessionID: sessionID}, docstore.Patch{
		Set: map[string]any{
			docstore.FieldTitle:        DefaultTitle,
			docstore.FieldUpdatedAt:    r.now(),
			docstore.FieldMessageCount: int64(0),
		},
	})
	if err != nil {
		return "", fmt.Errorf("resetting session: %w", err)
	}
	if res.Matched == 0 {
		// Deleted between the lookup and the reset.
		return r.Create(ctx, owner)
	}

	r.logger.Info("anonymous session reset", "session_id", sessionID, "owner", owner.ID())
	return sessionID, nil
}

// CreateSmart starts a new chat: anonymous owners get their session reset,
// registered owners get a fresh session.
func (r *Registry) CreateSmart(ctx context.Context, owner identity.Identity) (string, error) {
	if owner.IsAnonymous() {
		return r.ResetAnonymousSession(ctx, owner)
	}
	return r.Create(ctx, owner)
}

func toDocument(s *Session) docstore.Document {
	return docstore.Document{
		docstore.FieldSessionID:    s.ID,
		docstore.FieldOwnerUserID:  s.OwnerUserID,
		docstore.FieldTitle:        s.Title,
		docstore.FieldCreatedAt:    s.CreatedAt,
		docstore.FieldUpdatedAt:    s.UpdatedAt,
		docstore.FieldMessageCount: s.MessageCount,
		docstore.FieldIsActive:     s.IsActive,
	}
}

func fromDocument(doc docstore.Document) *Session {
	return &Session{
		ID:           doc.String(docstore.FieldSessionID),
		OwnerUserID:  doc.String(docstore.FieldOwnerUserID),
		Title:        doc.String(docstore.FieldTitle),
		CreatedAt:    doc.Time(docstore.FieldCreatedAt),
		UpdatedAt:    doc.Time(docstore.FieldUpdatedAt),
		MessageCount: doc.Int(docstore.FieldMessageCount),
		IsActive:     doc.Bool(docstore.FieldIsActive),
	}
}
