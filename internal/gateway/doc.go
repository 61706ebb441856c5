// Package gateway orchestrates the ragchat-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of the server. It owns the
// document store, the message ledger, the session registry, the credential
// authority, the conversation service and the HTTP server. Everything is built
// once in New (or NewWithStore) and released in Shutdown.
//
// # HTTP API
//
// Chat and sessions (api.go):
//
//   - POST /api/anonymous - Mint an anonymous visitor id and its session
//   - POST /api/chat/prompt - Record a prompt, answer it, record the answer
//   - GET /api/chat/messages/{session_id} - Message history (?limit=, ?render=html)
//   - GET /api/chat/stream/{session_id} - Live messages as Server-Sent Events
//   - GET /api/users/{user_id}/sessions - Active sessions, newest first
//   - POST /api/sessions - New chat (anonymous visitors get their session reset)
//   - DELETE /api/sessions/{session_id} - Delete a session and its messages
//   - POST /api/sessions/{session_id}/archive - Hide a session from listings, keeping its messages
//
// Accounts (auth_api.go):
//
//   - POST /api/auth/register - Sign up, optionally adopting ?anonymous_user_id=
//   - POST /api/auth/login - Check credentials and set the auth_token cookie
//   - POST /api/auth/logout - Clear the cookie
//   - GET /api/auth/me - The signed-in user
//
// Health: GET /, GET /health and GET /health/ready (store ping).
//
// # Ownership
//
// Anonymous ids act as bearer secrets, so sessions owned by an anon_ id are
// reachable by anyone who knows the id or the session id. Sessions owned by
// a registered user need a token for that user, sent as a Bearer header or
// the auth_token cookie. Missing tokens get 401, tokens for someone else 403.
//
// # Idempotent Prompts
//
// A prompt carrying an Idempotency-Key header is processed once per session
// and key. A retry after success replays the stored response with an
// Idempotent-Replayed header; a retry while the first is running gets 409.
// Failed requests release the key so the client can try again.
//
// # Stream Events
//
//	event: ready
//	data: {"session_id": "..."}
//
//	event: message
//	data: {"id": "...", "type": "user", "content": "..."}
//
// # Listeners
//
// The server listens on server.http_addr, or on a Tailscale node when
// tailscale.enabled is set (plain HTTP, HTTPS with tailnet certs, or Funnel).
package gateway
