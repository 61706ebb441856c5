// ABOUTME: Reparents every session of an anonymous identity onto a registered account
// ABOUTME: Runs inside a transaction when the store supports one, otherwise as a single batch update

package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/ragchat-gateway/internal/docstore"
	"github.com/2389/ragchat-gateway/internal/identity"
)

// ErrInvalidIdentity is returned unless the source is anonymous and the target registered.
var ErrInvalidIdentity = errors.New("migration requires an anonymous source and a registered target")

// Migrator moves session ownership between identities.
type Migrator struct {
	store  docstore.Store
	logger *slog.Logger
}

// New creates a Migrator. If logger is nil, slog.Default() is used.
func New(store docstore.Store, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{
		store:  store,
		logger: logger.With("component", "migrate"),
	}
}

// Migrate reassigns every session owned by from to to and returns how many
// sessions moved. Messages are keyed by session and are left untouched.
func (m *Migrator) Migrate(ctx context.Context, from, to identity.Identity) (int64, error) {
	if !from.IsAnonymous() || !to.IsRegistered() {
		return 0, fmt.Errorf("%w: %q -> %q", ErrInvalidIdentity, from.ID(), to.ID())
	}

	var moved int64
	reparent := func(ctx context.Context, s docstore.Store) error {
		res, err := s.UpdateMany(ctx, docstore.Sessions,
			docstore.Filter{docstore.FieldOwnerUserID: from.ID()},
			docstore.Patch{Set: map[string]any{docstore.FieldOwnerUserID: to.ID()}},
		)
		if err != nil {
			return fmt.Errorf("reparenting sessions: %w", err)
		}
		moved = res.Modified
		return nil
	}

	transactional := false
	if tx, ok := m.store.(docstore.Transactor); ok {
		err := tx.WithTransaction(ctx, reparent)
		switch {
		case err == nil:
			transactional = true
		case errors.Is(err, docstore.ErrTransactionsUnsupported):
			if err := reparent(ctx, m.store); err != nil {
				return 0, err
			}
		default:
			return 0, err
		}
	} else if err := reparent(ctx, m.store); err != nil {
		return 0, err
	}

	m.logger.Info("migrated anonymous sessions",
		"from", from.ID(),
		"to", to.ID(),
		"sessions", moved,
		"transactional", transactional,
	)
	return moved, nil
}
