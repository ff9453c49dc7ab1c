package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/chatsync/internal/model"
)

type EventType string

const (
	EventInsert     EventType = "insert"
	EventPresence   EventType = "presence"
	EventReadUpdate EventType = "read_update"
)

// Event is one of Insert, PresenceSync or ReadUpdate.
type Event interface {
	Type() EventType
	Conversation() string
}

// Insert — новое подтверждённое сервером сообщение.
type Insert struct {
	Message model.Message
}

// PresenceSync — сигнал набора текста от участника.
type PresenceSync struct {
	Signal model.TypingSignal
}

// ReadUpdate — участник сдвинул свою отметку прочтения.
type ReadUpdate struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	LastReadAt     time.Time `json:"last_read_at"`
}

func (e Insert) Type() EventType            { return EventInsert }
func (e Insert) Conversation() string       { return e.Message.ConversationID }
func (e PresenceSync) Type() EventType      { return EventPresence }
func (e PresenceSync) Conversation() string { return e.Signal.ConversationID }
func (e ReadUpdate) Type() EventType        { return EventReadUpdate }
func (e ReadUpdate) Conversation() string   { return e.ConversationID }

// Envelope is the wire frame carrying an Event.
type Envelope struct {
	Type           EventType       `json:"type"`
	ConversationID string          `json:"conversation_id"`
	Payload        json.RawMessage `json:"payload"`
}

// Encode wraps an event into its wire envelope.
func Encode(ev Event) ([]byte, error) {
	var payload any
	switch e := ev.(type) {
	case Insert:
		payload = e.Message
	case PresenceSync:
		payload = e.Signal
	case ReadUpdate:
		payload = e
	default:
		return nil, fmt.Errorf("transport.Encode: unsupported event %T", ev)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("transport.Encode: %w", err)
	}
	return json.Marshal(Envelope{Type: ev.Type(), ConversationID: ev.Conversation(), Payload: raw})
}

// Decode parses and validates a wire envelope. Anything that does not describe
// a well-formed event for the envelope's conversation is rejected with ErrInvalidEvent.
func Decode(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return DecodeEnvelope(env)
}

func DecodeEnvelope(env Envelope) (Event, error) {
	if env.ConversationID == "" {
		return nil, fmt.Errorf("%w: missing conversation_id", ErrInvalidEvent)
	}
	switch env.Type {
	case EventInsert:
		var m model.Message
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, fmt.Errorf("%w: insert: %v", ErrInvalidEvent, err)
		}
		if err := validateMessage(&m, env.ConversationID); err != nil {
			return nil, err
		}
		m.Status = model.StatusDelivered
		return Insert{Message: m}, nil
	case EventPresence:
		var s model.TypingSignal
		if err := json.Unmarshal(env.Payload, &s); err != nil {
			return nil, fmt.Errorf("%w: presence: %v", ErrInvalidEvent, err)
		}
		if s.UserID == "" || s.ConversationID != env.ConversationID {
			return nil, fmt.Errorf("%w: presence for %q", ErrInvalidEvent, env.ConversationID)
		}
		return PresenceSync{Signal: s}, nil
	case EventReadUpdate:
		var u ReadUpdate
		if err := json.Unmarshal(env.Payload, &u); err != nil {
			return nil, fmt.Errorf("%w: read_update: %v", ErrInvalidEvent, err)
		}
		if u.UserID == "" || u.LastReadAt.IsZero() || u.ConversationID != env.ConversationID {
			return nil, fmt.Errorf("%w: read_update for %q", ErrInvalidEvent, env.ConversationID)
		}
		return u, nil
	}
	return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, env.Type)
}

func validateMessage(m *model.Message, conversationID string) error {
	switch {
	case !m.ID.IsConfirmed():
		return fmt.Errorf("%w: message without id", ErrInvalidEvent)
	case m.ConversationID != conversationID:
		return fmt.Errorf("%w: message %s belongs to %q", ErrInvalidEvent, m.ID, m.ConversationID)
	case m.SenderID == "":
		return fmt.Errorf("%w: message %s without sender", ErrInvalidEvent, m.ID)
	case m.CreatedAt.IsZero():
		return fmt.Errorf("%w: message %s without timestamp", ErrInvalidEvent, m.ID)
	}
	return nil
}

// ValidateMessage checks a confirmed message returned by a request/response call.
func ValidateMessage(m model.Message, conversationID string) error {
	return validateMessage(&m, conversationID)
}
