// Package transport defines the boundary between the sync engine and the
// realtime backend: the publish/subscribe channels, the request/response calls,
// and the tagged RemoteEvent variants validated before they enter the core.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/chatsync/internal/model"
)

var (
	// ErrUnavailable — бэкенд недоступен (subscribe/fetch/send не дошли до сервера).
	ErrUnavailable = errors.New("transport unavailable")
	// ErrUnauthorized — идентичность отклонена; для сессии это фатально, повторять нельзя.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidEvent — payload from the wire failed validation.
	ErrInvalidEvent = errors.New("invalid remote event")
)

// Unsubscribe tears down a subscription. Calling it more than once is a no-op.
type Unsubscribe func()

// Transport is the per-conversation realtime channel plus the request/response
// calls the engine needs. Callbacks may be invoked from any goroutine but are
// delivered in order per subscription.
type Transport interface {
	SubscribeInsert(ctx context.Context, conversationID string, onInsert func(Insert)) (Unsubscribe, error)
	SubscribePresence(ctx context.Context, conversationID string, onSync func(PresenceSync)) (Unsubscribe, error)
	SubscribeUpdate(ctx context.Context, conversationID string, onUpdate func(ReadUpdate)) (Unsubscribe, error)
	// SubscribeInserts is the aggregate feed across many conversations, used for unread counting.
	SubscribeInserts(ctx context.Context, conversationIDs []string, onInsert func(Insert)) (Unsubscribe, error)

	PublishPresence(ctx context.Context, conversationID string, sig model.TypingSignal) error
	Send(ctx context.Context, conversationID, senderID, text string) (model.Message, error)
	FetchHistory(ctx context.Context, conversationID string) ([]model.Message, error)
	MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error
}

// Directory is the conversation metadata side of the backend.
type Directory interface {
	FindOrCreateConversation(ctx context.Context, partyA, partyB string) (model.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]model.Conversation, error)
	// CountUnread counts messages in the conversation not sent by userID and
	// newer than since. AsOf is the newest message the count has seen; inserts
	// after AsOf are not included.
	CountUnread(ctx context.Context, conversationID, userID string, since time.Time) (model.UnreadCount, error)
}

// Backend is what a full client binding implements.
type Backend interface {
	Transport
	Directory
}
