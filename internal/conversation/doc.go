// Package conversation runs chat turns for the RAG chat gateway.
//
// # Record First, Then Act
//
// A prompt is appended to the message ledger before the answer engine is
// called. If the engine fails, the prompt stays in the session history and the
// caller gets an error wrapping ErrAnswerFailed. The answer is appended as an
// assistant message once it arrives.
//
// # Answer Engine
//
// The engine is anything implementing Answerer. HTTPAnswerer posts
//
//	{"input": "...", "session_id": "...", "chat_history": [{"role": "user", "content": "..."}]}
//
// and expects {"answer": "...", "context": [{"page_content": "...", "metadata": {...}}]}.
// Without a configured engine, UnavailableAnswerer makes every prompt fail
// with ErrAnswererUnavailable.
//
// # Live Updates
//
// EventBroadcaster fans recorded messages out to subscribers of a session so
// a second browser tab sees turns as they are recorded.
package conversation
