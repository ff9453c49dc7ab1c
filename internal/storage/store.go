package storage

import (
	"context"
	"time"
)

// Bus — межинстансовая шина relay: события переписок, эфемерные typing-ключи
// и лимит отправки. Реализации: redis.Client (несколько relay за балансировщиком),
// memory.Client (один процесс, -dev без Redis).
type Bus interface {
	// Publish рассылает закодированный transport.Envelope всем подписчикам шины.
	Publish(ctx context.Context, conversationID string, payload []byte) error
	// Subscribe блокируется до отмены ctx, вызывая fn для каждого события по порядку.
	// ready (может быть nil) вызывается один раз, когда подписка установлена:
	// всё, что опубликовано после этого, дойдёт до fn.
	Subscribe(ctx context.Context, ready func(), fn func(conversationID string, payload []byte)) error
	// SetTyping ставит (typing=true) или снимает ключ набора с TTL аренды.
	SetTyping(ctx context.Context, conversationID, userID string, ttl time.Duration, typing bool) error
	TypingUsers(ctx context.Context, conversationID string) ([]string, error)
	// AllowSend — окно SendRateLimitMax сообщений за SendRateLimitWindow на пользователя.
	AllowSend(ctx context.Context, userID string) (bool, error)
	Close() error
}

const (
	SendRateLimitWindow = time.Minute
	SendRateLimitMax    = 120
)
