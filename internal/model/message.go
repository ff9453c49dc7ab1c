package model

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// MessageID is either a locally generated id (before the server confirmed the
// message) or the server-assigned id. The two spaces never compare equal, so a
// local id can't collide with a confirmed one even if the strings match.
type MessageID struct {
	value     string
	confirmed bool
}

// NewLocalID generates a fresh temporary id for an optimistic message.
func NewLocalID() MessageID {
	return MessageID{value: uuid.NewString()}
}

func LocalID(v string) MessageID     { return MessageID{value: v} }
func ConfirmedID(v string) MessageID { return MessageID{value: v, confirmed: true} }

func (id MessageID) IsZero() bool      { return id.value == "" }
func (id MessageID) IsConfirmed() bool { return id.confirmed && id.value != "" }
func (id MessageID) IsLocal() bool     { return !id.confirmed && id.value != "" }

// Value returns the raw id without its kind; compare MessageID values instead
// when the kind matters.
func (id MessageID) Value() string { return id.value }

func (id MessageID) String() string {
	if id.IsLocal() {
		return "local:" + id.value
	}
	return id.value
}

var errLocalIDOnWire = errors.New("model: local message id must not be serialized")

// MarshalJSON encodes confirmed ids as plain strings. Local ids never leave the process.
func (id MessageID) MarshalJSON() ([]byte, error) {
	if id.IsLocal() {
		return nil, errLocalIDOnWire
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON decodes a wire id; anything read off the wire is server-assigned.
func (id *MessageID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*id = ConfirmedID(s)
	return nil
}

type Message struct {
	ID             MessageID      `json:"id"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	Text           string         `json:"text"`
	CreatedAt      time.Time      `json:"created_at"`
	Status         DeliveryStatus `json:"status,omitempty"`

	// ClientKey stays the same when a local record is replaced by its confirmed
	// version, so UI anchors (scroll position, selection) survive reconciliation.
	ClientKey string `json:"-"`
	Attempts  int    `json:"-"`
	Err       error  `json:"-"`
}

// TimestampResolution — точность created_at в хранилище (TIMESTAMPTZ хранит микросекунды).
const TimestampResolution = time.Microsecond

// NextTimestamp returns the server timestamp for a new message: now at storage
// resolution, strictly after last. Timestamps inside a conversation therefore
// never repeat, and a value handed to clients equals what storage reads back.
func NextTimestamp(now, last time.Time) time.Time {
	at := now.UTC().Truncate(TimestampResolution)
	if !last.IsZero() && !at.After(last) {
		at = last.UTC().Truncate(TimestampResolution).Add(TimestampResolution)
	}
	return at
}

// Before orders messages by (CreatedAt, ID) ascending.
func (m *Message) Before(o *Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID.value < o.ID.value
}

// Preview returns text trimmed for conversation lists.
func (m *Message) Preview() string {
	r := []rune(m.Text)
	if len(r) > 120 {
		return string(r[:117]) + "..."
	}
	return m.Text
}
