// Package receipt derives delivered/read status of the current user's messages
// from the counterpart's read watermark.
package receipt

import (
	"time"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/messagelog"
	"github.com/chatsync/internal/model"
)

// ComputeStatus returns the status the current user should see for m.
// Only own messages can become read; a failed send stays failed.
func ComputeStatus(m model.Message, selfID string, counterpartLastReadAt time.Time) model.DeliveryStatus {
	switch {
	case m.Status == model.StatusFailed:
		return model.StatusFailed
	case !m.ID.IsConfirmed():
		return model.StatusPending
	case m.SenderID == selfID && !counterpartLastReadAt.IsZero() && !counterpartLastReadAt.Before(m.CreatedAt):
		return model.StatusRead
	}
	return model.StatusDelivered
}

// LogResolver returns the message log of a conversation, or nil if none is loaded.
type LogResolver func(conversationID string) *messagelog.Log

// Tracker keeps the counterpart watermark per conversation and pushes status
// changes into the message logs. Not safe for concurrent use.
type Tracker struct {
	self       string
	logs       LogResolver
	watermarks map[string]time.Time
}

func NewTracker(self string, logs LogResolver) *Tracker {
	return &Tracker{self: self, logs: logs, watermarks: make(map[string]time.Time)}
}

func (t *Tracker) Watermark(conversationID string) time.Time {
	return t.watermarks[conversationID]
}

// OnCounterpartReadUpdate advances the watermark and marks every affected own
// message read. The walk goes newest to oldest and stops at the first message
// already read: everything older was covered by an earlier watermark.
// It returns how many messages changed; a watermark that does not move is a no-op.
func (t *Tracker) OnCounterpartReadUpdate(conversationID string, newLastReadAt time.Time) int {
	cur := t.watermarks[conversationID]
	if !newLastReadAt.After(cur) {
		logger.Debugf("receipt conv=%s: stale watermark %s dropped", conversationID, newLastReadAt.Format(time.RFC3339Nano))
		return 0
	}
	t.watermarks[conversationID] = newLastReadAt
	return t.apply(conversationID, newLastReadAt, true)
}

// Refresh recomputes statuses in the loaded log against the current watermark,
// e.g. after a historical fetch or live ingest.
func (t *Tracker) Refresh(conversationID string) int {
	return t.apply(conversationID, t.watermarks[conversationID], false)
}

func (t *Tracker) apply(conversationID string, watermark time.Time, stopAtRead bool) int {
	log := t.logs(conversationID)
	if log == nil {
		return 0
	}
	changed := 0
	log.WalkConfirmedBackward(func(m *model.Message) bool {
		if m.SenderID != t.self {
			return true
		}
		if stopAtRead && m.Status == model.StatusRead {
			return false
		}
		next := ComputeStatus(*m, t.self, watermark)
		if next != m.Status {
			m.Status = next
			changed++
		}
		return true
	})
	return changed
}

// Forget drops the watermark of a conversation.
func (t *Tracker) Forget(conversationID string) {
	delete(t.watermarks, conversationID)
}
