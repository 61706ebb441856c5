// ABOUTME: In-memory fan-out of recorded chat messages to live subscribers of a session
// ABOUTME: Lets other tabs or devices on the same session see new turns without polling

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/ragchat-gateway/internal/ledger"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// EventBroadcaster provides in-memory pub/sub for recorded messages keyed by session id.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *ledger.Message // sessionID -> subID -> ch
	logger      *slog.Logger
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default.
func NewEventBroadcaster(logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroadcaster{
		subscribers: make(map[string]map[string]chan *ledger.Message),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for messages on a session. The subscription is removed
// and its channel closed when ctx is cancelled.
func (b *EventBroadcaster) Subscribe(ctx context.Context, sessionID string) (<-chan *ledger.Message, string) {
	subID := uuid.New().String()
	ch := make(chan *ledger.Message, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[sessionID]; !ok {
		b.subscribers[sessionID] = make(map[string]chan *ledger.Message)
	}
	b.subscribers[sessionID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "session_id", sessionID, "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(sessionID, subID)
	}()

	return ch, subID
}

// Publish delivers msg to every subscriber of sessionID.
// Non-blocking: messages are dropped for subscribers whose channels are full.
func (b *EventBroadcaster) Publish(sessionID string, msg *ledger.Message) {
	// Sends are non-blocking, so holding the read lock keeps Unsubscribe from
	// closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[sessionID] {
		select {
		case ch <- msg:
		default:
			b.logger.Debug("dropped message for slow subscriber",
				"session_id", sessionID,
				"message_id", msg.ID)
		}
	}
}

// SubscriberCount returns the number of live subscribers for a session.
func (b *EventBroadcaster) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[sessionID])
}

// Unsubscribe removes a subscription and closes its channel.
func (b *EventBroadcaster) Unsubscribe(sessionID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[sessionID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, sessionID)
	}

	b.logger.Debug("subscriber removed", "session_id", sessionID, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sessionID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, sessionID)
	}

	b.logger.Debug("broadcaster closed")
}
