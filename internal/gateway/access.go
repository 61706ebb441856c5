// ABOUTME: Ownership checks that decide whether a caller may act on a session or owner id
// ABOUTME: Anonymous owners are reachable by id; registered owners need a matching token

package gateway

import (
	"errors"
	"net/http"

	"github.com/2389/ragchat-gateway/internal/auth"
	"github.com/2389/ragchat-gateway/internal/identity"
	"github.com/2389/ragchat-gateway/internal/sessions"
)

// Access errors
var (
	// ErrNotAuthenticated means the owner is registered and no valid token was sent
	ErrNotAuthenticated = errors.New("authentication required")

	// ErrNotOwner means the token belongs to someone other than the owner
	ErrNotOwner = errors.New("not the owner of this resource")
)

// checkOwner decides whether the request may act for owner.
// Anonymous ids are bearer secrets: holding the id is enough.
func checkOwner(r *http.Request, owner identity.Identity) error {
	if owner.IsAnonymous() {
		return nil
	}
	authCtx := auth.FromContext(r.Context())
	if authCtx == nil {
		return ErrNotAuthenticated
	}
	if owner.IsZero() || authCtx.UserID != owner.ID() {
		return ErrNotOwner
	}
	return nil
}

// authorizeOwner writes 401 or 403 and returns false when checkOwner fails.
func (g *Gateway) authorizeOwner(w http.ResponseWriter, r *http.Request, owner identity.Identity) bool {
	switch err := checkOwner(r, owner); {
	case errors.Is(err, ErrNotAuthenticated):
		g.sendJSONError(w, http.StatusUnauthorized, "Not authenticated")
		return false
	case err != nil:
		g.sendJSONError(w, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

// authorizeLoadedSession checks access to an already loaded session.
func (g *Gateway) authorizeLoadedSession(w http.ResponseWriter, r *http.Request, sess *sessions.Session) bool {
	owner, err := identity.Parse(sess.OwnerUserID)
	if err != nil {
		g.logger.Warn("session has no valid owner", "session_id", sess.ID, "error", err)
		g.sendJSONError(w, http.StatusForbidden, "forbidden")
		return false
	}
	return g.authorizeOwner(w, r, owner)
}

// authorizeSession loads the session and checks access. It writes 404 for
// unknown sessions and the matching error for everything else.
func (g *Gateway) authorizeSession(w http.ResponseWriter, r *http.Request, sessionID string) (*sessions.Session, bool) {
	sess, err := g.sessions.Get(r.Context(), sessionID)
	switch {
	case errors.Is(err, sessions.ErrNotFound), errors.Is(err, sessions.ErrEmptySessionID):
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return nil, false
	case err != nil:
		g.logger.Error("failed to get session", "session_id", sessionID, "error", err)
		g.sendStoreError(w, err)
		return nil, false
	}
	if !g.authorizeLoadedSession(w, r, sess) {
		return nil, false
	}
	return sess, true
}
