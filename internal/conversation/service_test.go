// ABOUTME: Tests for the conversation Service
// ABOUTME: Verifies record-first persistence, history handoff and answerer failure handling

package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/ragchat-gateway/internal/docstore"
	"github.com/2389/ragchat-gateway/internal/identity"
	"github.com/2389/ragchat-gateway/internal/ledger"
	"github.com/2389/ragchat-gateway/internal/sessions"
)

// mockAnswerer implements Answerer for testing
type mockAnswerer struct {
	answer  *Answer
	err     error
	lastReq *AnswerRequest
}

func (m *mockAnswerer) Answer(ctx context.Context, req *AnswerRequest) (*Answer, error) {
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	return m.answer, nil
}

func setupSession(t *testing.T) (*ledger.Ledger, string) {
	t.Helper()
	store := docstore.NewMemoryStore()
	l := ledger.New(store, nil)
	reg := sessions.NewRegistry(store, l, nil)
	sessionID, err := reg.Create(context.Background(), identity.NewAnonymous())
	require.NoError(t, err)
	return l, sessionID
}

func TestService_Prompt_RecordsBothMessages(t *testing.T) {
	l, sessionID := setupSession(t)
	answerer := &mockAnswerer{answer: &Answer{
		Text:    "Paris is the capital of France.",
		Context: []ContextDocument{{Content: "France facts"}},
	}}
	svc := New(l, answerer, nil)

	ctx := context.Background()
	resp, err := svc.Prompt(ctx, sessionID, "What is the capital of France?")
	require.NoError(t, err)

	assert.Equal(t, sessionID, resp.SessionID)
	assert.Equal(t, "What is the capital of France?", resp.Prompt)
	assert.Equal(t, "Paris is the capital of France.", resp.Answer)
	require.Len(t, resp.Context, 1)
	assert.NotEmpty(t, resp.UserMessageID)
	assert.NotEmpty(t, resp.AssistantMessageID)

	messages, err := l.List(ctx, sessionID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, ledger.RoleUser, messages[0].Role)
	assert.Equal(t, resp.UserMessageID, messages[0].ID)
	assert.Equal(t, ledger.RoleAssistant, messages[1].Role)
	assert.Equal(t, "Paris is the capital of France.", messages[1].Content)
}

func TestService_Prompt_PassesHistoryEndingWithPrompt(t *testing.T) {
	l, sessionID := setupSession(t)
	answerer := &mockAnswerer{answer: &Answer{Text: "ok"}}
	svc := New(l, answerer, nil, WithHistoryLimit(3))

	ctx := context.Background()
	for _, p := range []string{"one", "two", "three"} {
		_, err := svc.Prompt(ctx, sessionID, p)
		require.NoError(t, err)
	}

	require.NotNil(t, answerer.lastReq)
	assert.Equal(t, "three", answerer.lastReq.Query)
	assert.Equal(t, sessionID, answerer.lastReq.SessionID)
	require.Len(t, answerer.lastReq.History, 3)
	last := answerer.lastReq.History[2]
	assert.Equal(t, ledger.RoleUser, last.Role)
	assert.Equal(t, "three", last.Content)
	assert.Equal(t, ledger.RoleAssistant, answerer.lastReq.History[1].Role)
}

func TestService_Prompt_AnswererFailureKeepsPrompt(t *testing.T) {
	l, sessionID := setupSession(t)
	answerer := &mockAnswerer{err: errors.New("engine down")}
	svc := New(l, answerer, nil)

	ctx := context.Background()
	_, err := svc.Prompt(ctx, sessionID, "Hello?")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAnswerFailed)

	messages, err := l.List(ctx, sessionID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "Hello?", messages[0].Content)
}

func TestService_Prompt_NoAnswerer(t *testing.T) {
	l, sessionID := setupSession(t)
	svc := New(l, nil, nil)

	_, err := svc.Prompt(context.Background(), sessionID, "Hello?")
	assert.ErrorIs(t, err, ErrAnswererUnavailable)
	assert.ErrorIs(t, err, ErrAnswerFailed)
}

func TestService_Prompt_EmptyPrompt(t *testing.T) {
	l, sessionID := setupSession(t)
	answerer := &mockAnswerer{answer: &Answer{Text: "ok"}}
	svc := New(l, answerer, nil)

	_, err := svc.Prompt(context.Background(), sessionID, "   ")
	assert.ErrorIs(t, err, ErrEmptyPrompt)
	assert.Nil(t, answerer.lastReq)
}

func TestService_Prompt_UnknownSession(t *testing.T) {
	l, _ := setupSession(t)
	answerer := &mockAnswerer{answer: &Answer{Text: "ok"}}
	svc := New(l, answerer, nil)

	_, err := svc.Prompt(context.Background(), "missing", "Hi")
	assert.ErrorIs(t, err, ledger.ErrSessionNotFound)
	assert.Nil(t, answerer.lastReq)
}

func TestService_Prompt_PublishesToBroadcaster(t *testing.T) {
	l, sessionID := setupSession(t)
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), sessionID)
	svc := New(l, &mockAnswerer{answer: &Answer{Text: "pong"}}, nil, WithBroadcaster(b))

	_, err := svc.Prompt(context.Background(), sessionID, "ping")
	require.NoError(t, err)

	var got []*ledger.Message
	for len(got) < 2 {
		select {
		case msg := <-ch:
			got = append(got, msg)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for published messages")
		}
	}
	assert.Equal(t, ledger.RoleUser, got[0].Role)
	assert.Equal(t, "ping", got[0].Content)
	assert.Equal(t, ledger.RoleAssistant, got[1].Role)
	assert.Equal(t, "pong", got[1].Content)

	// Published messages carry the stored timestamps
	stored, err := l.List(context.Background(), sessionID, 0)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	for i := range got {
		assert.Equal(t, stored[i].ID, got[i].ID)
		assert.False(t, got[i].Timestamp.IsZero())
		assert.True(t, stored[i].Timestamp.Equal(got[i].Timestamp))
	}
}
