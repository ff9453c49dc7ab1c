package ws

import (
	"encoding/json"

	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/transport"
)

type FrameType string

const (
	// client -> server
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FramePresence    FrameType = "presence"

	// server -> client
	FrameAck   FrameType = "ack"
	FrameError FrameType = "error"
	FrameEvent FrameType = "event"
)

// Коды ошибок во FrameError.
const (
	CodeBadRequest   = "bad_request"
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
	CodeInternal     = "internal"
	CodeLimit        = "limit"
)

// IncomingMessage is what the client sends to the server.
// SubID is chosen by the client and scopes events pushed back for that subscription.
type IncomingMessage struct {
	Type      FrameType `json:"type"`
	RequestID string    `json:"request_id,omitempty"`

	// subscribe / unsubscribe
	SubID string              `json:"sub_id,omitempty"`
	Kind  transport.EventType `json:"kind,omitempty"`
	// ConversationIDs пустой у insert-подписки означает все переписки пользователя.
	ConversationIDs []string `json:"conversation_ids,omitempty"`

	// presence
	ConversationID string              `json:"conversation_id,omitempty"`
	Signal         *model.TypingSignal `json:"signal,omitempty"`
}

// OutgoingMessage is what the server sends to the client.
// Event carries the encoded transport.Envelope as published on the bus, without re-encoding.
type OutgoingMessage struct {
	Type      FrameType       `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	SubID     string          `json:"sub_id,omitempty"`
	Code      string          `json:"code,omitempty"`
	Error     string          `json:"error,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
}

func ack(requestID string) OutgoingMessage {
	return OutgoingMessage{Type: FrameAck, RequestID: requestID}
}

func fail(requestID, code, msg string) OutgoingMessage {
	return OutgoingMessage{Type: FrameError, RequestID: requestID, Code: code, Error: msg}
}
