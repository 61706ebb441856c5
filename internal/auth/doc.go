// Package auth is the credential and token authority of the RAG chat gateway.
//
// # Accounts
//
// Users register with an email and password. Emails are trimmed and
// lower-cased before lookup so "Bob@Example.com" and "bob@example.com" are the
// same account. Passwords are stored as bcrypt hashes; plaintext is never
// persisted or logged.
//
// Registration may carry the visitor's anonymous id (prefixed "anon_"). When it
// does, every session that id owned is moved to the new account before the
// response is returned.
//
// # Tokens
//
// Successful registration and login return an HS256 JWT:
//
//	token, err := issuer.Issue(userID, email)
//	claims, err := issuer.Verify(token)
//
// Claims carry user_id, email, sub, iat and exp. The default lifetime is
// seven days. Tokens are stateless; logout only clears the client cookie.
//
// # HTTP
//
// Middleware accepts a bearer token in the Authorization header or the
// auth_token cookie and stores the verified identity in the request context:
//
//	authCtx := auth.FromContext(r.Context())
package auth
