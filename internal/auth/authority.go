// ABOUTME: Credential and token authority handling registration, login and current-user lookups
// ABOUTME: Registration can absorb an anonymous visitor's sessions into the new account

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/2389/ragchat-gateway/internal/docstore"
	"github.com/2389/ragchat-gateway/internal/identity"
	"github.com/2389/ragchat-gateway/internal/migrate"
	"github.com/google/uuid"
)

// DefaultMinPasswordLength applies when Options.MinPasswordLength is zero.
const DefaultMinPasswordLength = 8

var (
	ErrDuplicateEmail     = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidInput       = errors.New("invalid registration input")
	ErrUserNotFound       = errors.New("user not found")
)

// User is a registered account. PasswordHash never leaves this package in responses.
type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
	CreatedAt    time.Time
	LastActive   time.Time
}

// RegisterRequest carries the fields of a sign-up.
type RegisterRequest struct {
	Email           string
	Password        string
	Name            string
	AnonymousUserID string
}

// AuthResult is returned by Register and Login.
type AuthResult struct {
	UserID           string
	Email            string
	Name             string
	Token            string
	MigratedSessions int64
}

// Options tunes the authority.
type Options struct {
	MinPasswordLength int
}

// Authority registers users, checks credentials and issues tokens.
type Authority struct {
	store    docstore.Store
	hasher   *PasswordHasher
	tokens   *TokenIssuer
	migrator *migrate.Migrator
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

// NewAuthority wires an Authority. If logger is nil, slog.Default() is used.
func NewAuthority(store docstore.Store, hasher *PasswordHasher, tokens *TokenIssuer, migrator *migrate.Migrator, opts Options, logger *slog.Logger) *Authority {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MinPasswordLength <= 0 {
		opts.MinPasswordLength = DefaultMinPasswordLength
	}
	return &Authority{
		store:    store,
		hasher:   hasher,
		tokens:   tokens,
		migrator: migrator,
		opts:     opts,
		logger:   logger.With("component", "auth"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates an account, migrates the anonymous visitor's sessions when
// an anonymous id is given, and returns a token for the new user.
func (a *Authority) Register(ctx context.Context, req RegisterRequest) (*AuthResult, error) {
	email := NormalizeEmail(req.Email)
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return nil, fmt.Errorf("%w: invalid email", ErrInvalidInput)
	}
	if len(req.Password) < a.opts.MinPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, a.opts.MinPasswordLength)
	}

	var anon identity.Identity
	if req.AnonymousUserID != "" {
		parsed, err := identity.Parse(req.AnonymousUserID)
		if err != nil || !parsed.IsAnonymous() {
			return nil, fmt.Errorf("%w: anonymous_user_id must start with %q", ErrInvalidInput, identity.AnonymousPrefix)
		}
		anon = parsed
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name, _, _ = strings.Cut(email, "@")
	}

	if _, err := a.store.FindOne(ctx, docstore.Users, docstore.Filter{docstore.FieldEmail: email}); err == nil {
		return nil, ErrDuplicateEmail
	} else if !errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("looking up email: %w", err)
	}

	hash, err := a.hasher.Hash(req.Password)
	if err != nil {
		return nil, err
	}

	now := a.now()
	user := &User{
		ID:           uuid.New().String(),
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		CreatedAt:    now,
		LastActive:   now,
	}

	// The unique email index settles races between concurrent sign-ups.
	if err := a.store.InsertOne(ctx, docstore.Users, userToDocument(user)); err != nil {
		if errors.Is(err, docstore.ErrDuplicateKey) {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("inserting user: %w", err)
	}

	a.logger.Info("user registered", "user_id", user.ID)

	var migrated int64
	if !anon.IsZero() {
		migrated, err = a.migrator.Migrate(ctx, anon, identity.Registered(user.ID))
		if err != nil {
			// The account exists; sessions stay with the anonymous id and can be migrated later.
			a.logger.Error("failed to migrate anonymous sessions", "user_id", user.ID, "anonymous_user_id", anon.ID(), "error", err)
			migrated = 0
		}
	}

	token, err := a.tokens.Issue(user.ID, user.Email)
	if err != nil {
		return nil, err
	}

	return &AuthResult{
		UserID:           user.ID,
		Email:            user.Email,
		Name:             user.Name,
		Token:            token,
		MigratedSessions: migrated,
	}, nil
}

// Login checks credentials, records activity and issues a token. Unknown
// emails and wrong passwords produce the same error in the same time.
func (a *Authority) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	email = NormalizeEmail(email)

	doc, err := a.store.FindOne(ctx, docstore.Users, docstore.Filter{docstore.FieldEmail: email})
	if errors.Is(err, docstore.ErrNotFound) {
		a.hasher.SpendComparison(password)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	user := userFromDocument(doc)
	if user.PasswordHash == "" || !a.hasher.Matches(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}

	if _, err := a.store.UpdateOne(ctx, docstore.Users, docstore.Filter{docstore.FieldUserID: user.ID}, docstore.Patch{
		Set: map[string]any{docstore.FieldLastActive: a.now()},
	}); err != nil {
		a.logger.Warn("failed to update last_active", "user_id", user.ID, "error", err)
	}

	token, err := a.tokens.Issue(user.ID, user.Email)
	if err != nil {
		return nil, err
	}

	a.logger.Info("user logged in", "user_id", user.ID)
	return &AuthResult{
		UserID: user.ID,
		Email:  user.Email,
		Name:   user.Name,
		Token:  token,
	}, nil
}

// IssueToken signs a token for an existing user.
func (a *Authority) IssueToken(userID, email string) (string, error) {
	return a.tokens.Issue(userID, email)
}

// VerifyToken validates a token and returns its claims.
func (a *Authority) VerifyToken(token string) (*Claims, error) {
	return a.tokens.Verify(token)
}

// Verify lets the Authority act as a TokenVerifier for the HTTP middleware.
func (a *Authority) Verify(token string) (*Claims, error) {
	return a.tokens.Verify(token)
}

// TokenTTL returns the lifetime of issued tokens.
func (a *Authority) TokenTTL() time.Duration {
	return a.tokens.TTL()
}

// CurrentUser loads the user named by the verified AuthContext on ctx.
// No AuthContext, or one naming a user that no longer exists, is reported
// as ErrInvalidToken.
func (a *Authority) CurrentUser(ctx context.Context) (*User, error) {
	authCtx := FromContext(ctx)
	if authCtx == nil || authCtx.UserID == "" {
		return nil, ErrInvalidToken
	}
	user, err := a.GetUser(ctx, authCtx.UserID)
	if errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return user, err
}

// GetUser loads a user by id.
func (a *Authority) GetUser(ctx context.Context, userID string) (*User, error) {
	doc, err := a.store.FindOne(ctx, docstore.Users, docstore.Filter{docstore.FieldUserID: userID})
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}
	return userFromDocument(doc), nil
}

func userToDocument(u *User) docstore.Document {
	return docstore.Document{
		docstore.FieldUserID:       u.ID,
		docstore.FieldEmail:        u.Email,
		docstore.FieldName:         u.Name,
		docstore.FieldPasswordHash: u.PasswordHash,
		docstore.FieldCreatedAt:    u.CreatedAt,
		docstore.FieldLastActive:   u.LastActive,
	}
}

func userFromDocument(doc docstore.Document) *User {
	return &User{
		ID:           doc.String(docstore.FieldUserID),
		Email:        doc.String(docstore.FieldEmail),
		Name:         doc.String(docstore.FieldName),
		PasswordHash: doc.String(docstore.FieldPasswordHash),
		CreatedAt:    doc.Time(docstore.FieldCreatedAt),
		LastActive:   doc.Time(docstore.FieldLastActive),
	}
}

var _ TokenVerifier = (*Authority)(nil)
