// ABOUTME: HTTP handlers for registration, login, logout and the current user
// ABOUTME: Tokens travel in an HttpOnly auth_token cookie and are also accepted as Bearer headers

package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/2389/ragchat-gateway/internal/auth"
)

// RegisterRequest is the JSON request body for POST /api/auth/register.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// LoginRequest is the JSON request body for POST /api/auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// UserResponse is returned by register, login and me. The token is only in the cookie.
type UserResponse struct {
	UserID           string `json:"user_id"`
	Email            string `json:"email"`
	Name             string `json:"name"`
	UserType         string `json:"user_type"`
	MigratedSessions *int64 `json:"migrated_sessions,omitempty"`
}

// handleRegister handles POST /api/auth/register?anonymous_user_id=...
func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := g.authority.Register(r.Context(), auth.RegisterRequest{
		Email:           req.Email,
		Password:        req.Password,
		Name:            req.Name,
		AnonymousUserID: r.URL.Query().Get("anonymous_user_id"),
	})
	switch {
	case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, auth.ErrDuplicateEmail):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		g.logger.Error("registration failed", "error", err)
		g.sendStoreError(w, err)
		return
	}

	g.setAuthCookie(w, result.Token)
	migrated := result.MigratedSessions
	writeJSON(w, http.StatusOK, UserResponse{
		UserID:           result.UserID,
		Email:            result.Email,
		Name:             result.Name,
		UserType:         "registered",
		MigratedSessions: &migrated,
	})
}

// handleLogin handles POST /api/auth/login.
func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := g.authority.Login(r.Context(), req.Email, req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		g.sendJSONError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	case err != nil:
		g.logger.Error("login failed", "error", err)
		g.sendStoreError(w, err)
		return
	}

	g.setAuthCookie(w, result.Token)
	writeJSON(w, http.StatusOK, UserResponse{
		UserID:   result.UserID,
		Email:    result.Email,
		Name:     result.Name,
		UserType: "registered",
	})
}

// handleLogout handles POST /api/auth/logout by clearing the cookie.
func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   g.config.Auth.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

// handleMe handles GET /api/auth/me. It sits behind auth.HTTPAuthMiddleware,
// which answers missing and invalid tokens.
func (g *Gateway) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := g.authority.CurrentUser(r.Context())
	switch {
	case errors.Is(err, auth.ErrUserNotFound):
		g.sendJSONError(w, http.StatusUnauthorized, "User not found")
		return
	case errors.Is(err, auth.ErrInvalidToken):
		g.sendJSONError(w, http.StatusUnauthorized, "Invalid token")
		return
	case err != nil:
		g.logger.Error("failed to load current user", "error", err)
		g.sendStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, UserResponse{
		UserID:   user.ID,
		Email:    user.Email,
		Name:     user.Name,
		UserType: "registered",
	})
}

func (g *Gateway) setAuthCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(g.authority.TokenTTL().Seconds()),
		HttpOnly: true,
		Secure:   g.config.Auth.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
