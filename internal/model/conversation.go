package model

import "time"

// Conversation — переписка двух участников. Роли симметричны: PartyA и PartyB
// различаются только порядком хранения (PartyA < PartyB лексически).
// Нулевое время в LastReadA/LastReadB означает «ещё не читал».
type Conversation struct {
	ID                 string    `json:"id"`
	PartyA             string    `json:"party_a"`
	PartyB             string    `json:"party_b"`
	LastReadA          time.Time `json:"last_read_a"`
	LastReadB          time.Time `json:"last_read_b"`
	LastMessagePreview string    `json:"last_message_preview,omitempty"`
	LastMessageAt      time.Time `json:"last_message_at"`
	CreatedAt          time.Time `json:"created_at"`
}

// OrderedPair returns the two parties in storage order.
func OrderedPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// PairKey is the order-independent identity of a two-party conversation.
func PairKey(a, b string) string {
	lo, hi := OrderedPair(a, b)
	return lo + "\x00" + hi
}

func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.PartyA == userID || c.PartyB == userID)
}

// Counterpart returns the other participant, or "" if userID is not a participant.
func (c *Conversation) Counterpart(userID string) string {
	switch userID {
	case c.PartyA:
		return c.PartyB
	case c.PartyB:
		return c.PartyA
	}
	return ""
}

// LastReadAt returns userID's read watermark (zero if unset or not a participant).
func (c *Conversation) LastReadAt(userID string) time.Time {
	switch userID {
	case c.PartyA:
		return c.LastReadA
	case c.PartyB:
		return c.LastReadB
	}
	return time.Time{}
}

// AdvanceRead moves userID's watermark to max(current, t).
// Reports false when t is not newer (the write is stale) or userID is not a participant.
func (c *Conversation) AdvanceRead(userID string, t time.Time) bool {
	var cur *time.Time
	switch userID {
	case c.PartyA:
		cur = &c.LastReadA
	case c.PartyB:
		cur = &c.LastReadB
	default:
		return false
	}
	if !t.After(*cur) {
		return false
	}
	*cur = t
	return true
}

// SortKey is LastMessageAt, or CreatedAt for conversations without messages.
func (c *Conversation) SortKey() time.Time {
	if c.LastMessageAt.IsZero() {
		return c.CreatedAt
	}
	return c.LastMessageAt
}

// UnreadCount — число непрочитанных на момент снимка. AsOf — created_at самого
// нового сообщения переписки в том же снимке (нулевое, если сообщений нет):
// всё, что новее AsOf, в Count не вошло.
type UnreadCount struct {
	Count int       `json:"count"`
	AsOf  time.Time `json:"as_of"`
}

// ConversationSummary — элемент списка переписок с числом непрочитанных (ответ relay).
type ConversationSummary struct {
	Conversation Conversation `json:"conversation"`
	UnreadCount  int          `json:"unread_count"`
}
