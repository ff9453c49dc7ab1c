package model

import "time"

// TypingSignal — эфемерный индикатор набора текста, не сохраняется в БД.
type TypingSignal struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	IsTyping       bool      `json:"is_typing"`
	At             time.Time `json:"at"`
}
