// Package messagelog keeps the ordered, deduplicated message sequence of one
// conversation: optimistic local inserts at the tail, confirmed messages sorted
// by (timestamp, id). A Log is not safe for concurrent use; the sync engine
// owns it from its event loop.
package messagelog

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
)

var (
	// ErrDuplicate — сообщение с таким подтверждённым id уже есть в логе. Не ошибка, ожидаемый исход дедупликации.
	ErrDuplicate      = errors.New("duplicate suppressed")
	ErrUnknownLocalID = errors.New("unknown local message id")
	ErrNotFailed      = errors.New("message is not in failed state")
	ErrWrongSender    = errors.New("message sender does not match the local record")
)

type Log struct {
	conversationID string

	// confirmed is sorted by (CreatedAt, ID); locals keeps insertion order.
	confirmed []model.Message
	locals    []model.Message
	ids       map[string]struct{}

	// floor — created_at новейшего подтверждённого на момент Append: эхо
	// этой отправки обязано быть новее.
	floor map[string]time.Time
	// adopted — local id -> confirmed id для отправок, чьё эхо пришло раньше ответа.
	adopted map[string]string
}

func New(conversationID string) *Log {
	return &Log{
		conversationID: conversationID,
		ids:            make(map[string]struct{}),
		floor:          make(map[string]time.Time),
		adopted:        make(map[string]string),
	}
}

func (l *Log) ConversationID() string { return l.conversationID }

func (l *Log) Len() int { return len(l.confirmed) + len(l.locals) }

// Append inserts an optimistic message with a fresh local id and pending status.
// The caller is responsible for starting the send and later calling Reconcile or Fail.
func (l *Log) Append(senderID, text string) model.Message {
	id := model.NewLocalID()
	m := model.Message{
		ID:             id,
		ConversationID: l.conversationID,
		SenderID:       senderID,
		Text:           text,
		Status:         model.StatusPending,
		ClientKey:      id.Value(),
	}
	if last, ok := l.Latest(); ok {
		l.floor[id.Value()] = last.CreatedAt
	}
	l.locals = append(l.locals, m)
	return m
}

// Ingest inserts a server-originated message unless one with the same confirmed
// id is already present. It reports whether the log changed.
//
// A message that is the echo of a pending local send (same sender and text,
// newer than anything confirmed when the local was appended) takes the local's
// place: the local record leaves the tail and the confirmed one keeps its
// ClientKey, so the row does not blink before the send response arrives.
func (l *Log) Ingest(m model.Message) (bool, error) {
	if !m.ID.IsConfirmed() {
		return false, fmt.Errorf("messagelog.Ingest: %s is not a confirmed id", m.ID)
	}
	if m.ConversationID != l.conversationID {
		return false, fmt.Errorf("messagelog.Ingest: message %s belongs to %s, log is %s", m.ID, m.ConversationID, l.conversationID)
	}
	if _, ok := l.ids[m.ID.Value()]; ok {
		logger.Debugf("messagelog %s: duplicate %s suppressed", l.conversationID, m.ID)
		return false, nil
	}
	if m.Status == "" || m.Status == model.StatusPending || m.Status == model.StatusFailed {
		m.Status = model.StatusDelivered
	}
	if idx := l.echoOf(m); idx >= 0 {
		local := l.locals[idx]
		l.locals = append(l.locals[:idx], l.locals[idx+1:]...)
		delete(l.floor, local.ID.Value())
		l.adopted[local.ID.Value()] = m.ID.Value()
		m.ClientKey = local.ClientKey
		m.Attempts = local.Attempts
		logger.Debugf("messagelog %s: echo %s adopted local %s", l.conversationID, m.ID, local.ID)
	}
	if m.ClientKey == "" {
		m.ClientKey = m.ID.Value()
	}
	m.Err = nil
	l.insertConfirmed(m)
	return true, nil
}

// echoOf returns the index of the oldest pending local m could be the echo of, or -1.
func (l *Log) echoOf(m model.Message) int {
	for i := range l.locals {
		loc := &l.locals[i]
		if loc.Status != model.StatusPending || loc.SenderID != m.SenderID || loc.Text != m.Text {
			continue
		}
		if !m.CreatedAt.After(l.floor[loc.ID.Value()]) {
			continue
		}
		return i
	}
	return -1
}

// IngestAll ingests a batch (e.g. historical fetch) and returns how many were new.
func (l *Log) IngestAll(msgs []model.Message) (int, error) {
	n := 0
	for _, m := range msgs {
		ok, err := l.Ingest(m)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (l *Log) insertConfirmed(m model.Message) {
	i := sort.Search(len(l.confirmed), func(i int) bool {
		return m.Before(&l.confirmed[i])
	})
	l.confirmed = append(l.confirmed, model.Message{})
	copy(l.confirmed[i+1:], l.confirmed[i:])
	l.confirmed[i] = m
	l.ids[m.ID.Value()] = struct{}{}
}

// Reconcile replaces the local record with its confirmed counterpart. The
// confirmed message keeps the local ClientKey so anchors survive, and moves
// from the tail into its sorted position.
//
// If the subscription echo already ingested the confirmed message, the local
// record is simply dropped. If the local id is unknown the confirmed message is
// still ingested (nothing is lost) and ErrUnknownLocalID is returned.
func (l *Log) Reconcile(localID model.MessageID, confirmed model.Message) (bool, error) {
	if !confirmed.ID.IsConfirmed() {
		return false, fmt.Errorf("messagelog.Reconcile: %s is not a confirmed id", confirmed.ID)
	}
	if cid, ok := l.adopted[localID.Value()]; ok {
		delete(l.adopted, localID.Value())
		if cid == confirmed.ID.Value() {
			return false, nil
		}
		// the echo matched another identical send; keep both
		return l.Ingest(confirmed)
	}
	idx := l.localIndex(localID)
	if idx < 0 {
		changed, err := l.Ingest(confirmed)
		if err != nil {
			return changed, err
		}
		return changed, fmt.Errorf("messagelog.Reconcile %s: %w", localID, ErrUnknownLocalID)
	}
	local := l.locals[idx]
	if local.SenderID != confirmed.SenderID {
		return false, fmt.Errorf("messagelog.Reconcile %s: %w", localID, ErrWrongSender)
	}
	l.locals = append(l.locals[:idx], l.locals[idx+1:]...)
	delete(l.floor, localID.Value())

	if _, dup := l.ids[confirmed.ID.Value()]; dup {
		// Echo won the race: keep the ingested record but hand it the local anchor.
		if i := l.confirmedIndex(confirmed.ID.Value()); i >= 0 {
			l.confirmed[i].ClientKey = local.ClientKey
		}
		logger.Debugf("messagelog %s: %s already ingested, local %s dropped", l.conversationID, confirmed.ID, localID)
		return true, nil
	}
	confirmed.ClientKey = local.ClientKey
	confirmed.Attempts = local.Attempts
	confirmed.Err = nil
	if confirmed.Status == "" || confirmed.Status == model.StatusPending || confirmed.Status == model.StatusFailed {
		confirmed.Status = model.StatusDelivered
	}
	l.insertConfirmed(confirmed)
	return true, nil
}

// MarkAttempt bumps the attempt counter of a pending local message.
func (l *Log) MarkAttempt(localID model.MessageID) (int, error) {
	idx := l.localIndex(localID)
	if idx < 0 {
		return 0, fmt.Errorf("messagelog.MarkAttempt %s: %w", localID, ErrUnknownLocalID)
	}
	l.locals[idx].Attempts++
	return l.locals[idx].Attempts, nil
}

// Fail marks a local message as failed. It stays in the log. A send whose echo
// was already adopted has reached the server, so nothing is marked.
func (l *Log) Fail(localID model.MessageID, cause error) error {
	if _, ok := l.adopted[localID.Value()]; ok {
		delete(l.adopted, localID.Value())
		return nil
	}
	idx := l.localIndex(localID)
	if idx < 0 {
		return fmt.Errorf("messagelog.Fail %s: %w", localID, ErrUnknownLocalID)
	}
	l.locals[idx].Status = model.StatusFailed
	l.locals[idx].Err = cause
	return nil
}

// Retry moves a failed local message back to pending and returns it.
func (l *Log) Retry(localID model.MessageID) (model.Message, error) {
	idx := l.localIndex(localID)
	if idx < 0 {
		return model.Message{}, fmt.Errorf("messagelog.Retry %s: %w", localID, ErrUnknownLocalID)
	}
	if l.locals[idx].Status != model.StatusFailed {
		return model.Message{}, fmt.Errorf("messagelog.Retry %s: %w", localID, ErrNotFailed)
	}
	l.locals[idx].Status = model.StatusPending
	l.locals[idx].Err = nil
	return l.locals[idx], nil
}

// Local returns the local record for id.
func (l *Log) Local(localID model.MessageID) (model.Message, bool) {
	idx := l.localIndex(localID)
	if idx < 0 {
		return model.Message{}, false
	}
	return l.locals[idx], true
}

// Contains reports whether a confirmed message with this id is in the log.
func (l *Log) Contains(id string) bool {
	_, ok := l.ids[id]
	return ok
}

// Pending returns local messages still awaiting confirmation.
func (l *Log) Pending() []model.Message {
	var out []model.Message
	for _, m := range l.locals {
		if m.Status == model.StatusPending {
			out = append(out, m)
		}
	}
	return out
}

// Failed returns local messages whose send gave up.
func (l *Log) Failed() []model.Message {
	var out []model.Message
	for _, m := range l.locals {
		if m.Status == model.StatusFailed {
			out = append(out, m)
		}
	}
	return out
}

// Messages returns a copy of the log in display order.
func (l *Log) Messages() []model.Message {
	out := make([]model.Message, 0, l.Len())
	out = append(out, l.confirmed...)
	return append(out, l.locals...)
}

// Latest returns the newest confirmed message.
func (l *Log) Latest() (model.Message, bool) {
	if len(l.confirmed) == 0 {
		return model.Message{}, false
	}
	return l.confirmed[len(l.confirmed)-1], true
}

// WalkConfirmedBackward visits confirmed messages newest first until fn returns false.
// fn may change the Status of the visited message; nothing else.
func (l *Log) WalkConfirmedBackward(fn func(m *model.Message) bool) {
	for i := len(l.confirmed) - 1; i >= 0; i-- {
		before := l.confirmed[i]
		cont := fn(&l.confirmed[i])
		status := l.confirmed[i].Status
		l.confirmed[i] = before
		l.confirmed[i].Status = status
		if !cont {
			return
		}
	}
}

func (l *Log) localIndex(id model.MessageID) int {
	if !id.IsLocal() {
		return -1
	}
	for i := range l.locals {
		if l.locals[i].ID == id {
			return i
		}
	}
	return -1
}

func (l *Log) confirmedIndex(id string) int {
	for i := len(l.confirmed) - 1; i >= 0; i-- {
		if l.confirmed[i].ID.Value() == id {
			return i
		}
	}
	return -1
}
