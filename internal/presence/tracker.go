// Package presence отслеживает эфемерные сигналы набора текста.
//
// Входящие сигналы хранятся как аренды (lease) с моментом истечения; Observe
// отфильтровывает истёкшие аренды при чтении, поэтому «печатает…» гаснет через
// TTL даже если собеседник так и не прислал stop (упал, потерял сеть).
// Исходящий сигнал: не больше одного «всплеска» на переписку: повторный
// SetTyping(true) продлевает текущий всплеск, а не создаёт второй.
package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/raulk/clock"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
)

// DefaultTTL — сколько живёт сигнал «печатает» без обновления.
const DefaultTTL = 3 * time.Second

const publishTimeout = 5 * time.Second

var ErrForeignSignal = errors.New("presence: can only set typing for the current user")

// Publisher sends a typing signal outward.
type Publisher func(ctx context.Context, conversationID string, sig model.TypingSignal) error

type lease struct {
	typing  bool
	at      time.Time
	expires time.Time
}

type burst struct {
	timer         *clock.Timer
	lastPublished time.Time
}

type Tracker struct {
	mu      sync.Mutex
	self    string
	clk     clock.Clock
	ttl     time.Duration
	publish Publisher

	leases map[string]map[string]lease
	bursts map[string]*burst
}

func NewTracker(self string, publish Publisher, clk clock.Clock, ttl time.Duration) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		self:    self,
		clk:     clk,
		ttl:     ttl,
		publish: publish,
		leases:  make(map[string]map[string]lease),
		bursts:  make(map[string]*burst),
	}
}

// SetTyping publishes the current user's typing state for a conversation.
// A true signal schedules an automatic stop after the TTL; refreshing within
// the TTL extends the same burst and republishes at most every TTL/3.
func (t *Tracker) SetTyping(ctx context.Context, conversationID, userID string, isTyping bool) error {
	sig, err := t.Begin(conversationID, userID, isTyping)
	if err != nil || sig == nil {
		return err
	}
	return t.Publish(ctx, *sig)
}

// Begin is the state half of SetTyping: it starts, extends or stops the burst
// and returns the signal to publish, or nil when nothing has to go out. The
// caller that owns the conversation view runs Begin while the view is open,
// so Clear on close always sees the burst.
func (t *Tracker) Begin(conversationID, userID string, isTyping bool) (*model.TypingSignal, error) {
	if userID != t.self {
		return nil, ErrForeignSignal
	}
	now := t.clk.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	b, active := t.bursts[conversationID]
	if !isTyping {
		if !active {
			return nil, nil
		}
		b.timer.Stop()
		delete(t.bursts, conversationID)
		return t.signal(conversationID, false, now), nil
	}

	if active {
		b.timer.Stop()
	} else {
		b = &burst{}
		t.bursts[conversationID] = b
	}
	cur := b
	b.timer = t.clk.AfterFunc(t.ttl, func() { t.expireBurst(conversationID, cur) })
	if active && now.Sub(b.lastPublished) < t.ttl/3 {
		return nil, nil
	}
	b.lastPublished = now
	return t.signal(conversationID, true, now), nil
}

// Publish sends a signal produced by Begin.
func (t *Tracker) Publish(ctx context.Context, sig model.TypingSignal) error {
	if t.publish == nil {
		return nil
	}
	return t.publish(ctx, sig.ConversationID, sig)
}

func (t *Tracker) signal(conversationID string, typing bool, at time.Time) *model.TypingSignal {
	return &model.TypingSignal{
		ConversationID: conversationID,
		UserID:         t.self,
		IsTyping:       typing,
		At:             at.UTC(),
	}
}

func (t *Tracker) expireBurst(conversationID string, b *burst) {
	t.mu.Lock()
	if t.bursts[conversationID] != b {
		// superseded by a newer burst or already stopped
		t.mu.Unlock()
		return
	}
	delete(t.bursts, conversationID)
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := t.Publish(ctx, *t.signal(conversationID, false, t.clk.Now())); err != nil {
		logger.Errorf("presence auto-stop conv=%s: %v", conversationID, err)
	}
}

// Typing reports whether an outgoing burst is active for the conversation.
func (t *Tracker) Typing(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.bursts[conversationID]
	return ok
}

// Receive applies a remote signal. Signals from the current user and signals
// older than the one already held for that user are dropped.
func (t *Tracker) Receive(sig model.TypingSignal) bool {
	if sig.UserID == "" || sig.UserID == t.self {
		return false
	}
	now := t.clk.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	users := t.leases[sig.ConversationID]
	if users == nil {
		users = make(map[string]lease)
		t.leases[sig.ConversationID] = users
	}
	if cur, ok := users[sig.UserID]; ok && !sig.At.IsZero() && sig.At.Before(cur.at) {
		logger.Debugf("presence conv=%s user=%s: stale signal dropped", sig.ConversationID, sig.UserID)
		return false
	}
	at := sig.At
	if at.IsZero() {
		at = now
	}
	// The lease is measured from local receipt time so sender clock skew can't
	// make a signal expire early or linger.
	users[sig.UserID] = lease{typing: sig.IsTyping, at: at, expires: now.Add(t.ttl)}
	return true
}

// Observe returns the state of every other participant seen in the conversation.
// An expired true lease is reported as not typing.
func (t *Tracker) Observe(conversationID string) []model.TypingSignal {
	now := t.clk.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	users := t.leases[conversationID]
	out := make([]model.TypingSignal, 0, len(users))
	for uid, l := range users {
		typing := l.typing && now.Before(l.expires)
		out = append(out, model.TypingSignal{
			ConversationID: conversationID,
			UserID:         uid,
			IsTyping:       typing,
			At:             l.at,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// TypingUsers returns ids of other participants currently typing.
func (t *Tracker) TypingUsers(conversationID string) []string {
	var ids []string
	for _, s := range t.Observe(conversationID) {
		if s.IsTyping {
			ids = append(ids, s.UserID)
		}
	}
	return ids
}

// Clear drops all state for a conversation and cancels the outgoing burst timer
// without publishing, so nothing fires into a torn-down view.
func (t *Tracker) Clear(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.bursts[conversationID]; ok {
		b.timer.Stop()
		delete(t.bursts, conversationID)
	}
	delete(t.leases, conversationID)
}

// Stop clears every conversation.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, b := range t.bursts {
		b.timer.Stop()
		delete(t.bursts, id)
	}
	t.leases = make(map[string]map[string]lease)
}
