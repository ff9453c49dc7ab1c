// Package unread maintains the total number of unread incoming messages across
// all of the current user's conversations.
//
// The total is a projection: count of messages with sender != self and
// created_at > self's lastReadAt, summed over conversations. Each conversation
// is counted on the backend against a snapshot (UnreadCount.AsOf) and then
// maintained incrementally from the insert feed. Feed messages newer than the
// snapshot are added on top of the count, older ones are already in it. Until
// a baseline succeeds the total is unknown (ErrUnknown), never zero.
package unread

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
)

var ErrUnknown = errors.New("unread total unknown")

const initConcurrency = 8

// Counter counts unread messages for one conversation on the backend.
type Counter interface {
	CountUnread(ctx context.Context, conversationID, userID string, since time.Time) (model.UnreadCount, error)
}

// Notifier receives the notification side effect for an incoming message that
// arrives while its conversation is not being viewed.
type Notifier interface {
	NotifyUnread(m model.Message, total int)
}

// MarkReadFunc persists the current user's read marker.
type MarkReadFunc func(conversationID string, at time.Time)

type convState struct {
	since  time.Time // self lastReadAt the count is relative to
	count  int
	newest time.Time
	// seen — входящие из ленты, ещё не покрытые снимком: id -> created_at.
	seen map[string]time.Time

	counted bool
	asOf    time.Time // snapshot of the last applied backend count
	failed  bool
}

// Aggregator is not safe for concurrent use; Total may be read from any goroutine.
type Aggregator struct {
	self     string
	notifier Notifier
	markRead MarkReadFunc

	convs     map[string]*convState
	viewing   string
	baselined bool

	mu    sync.RWMutex
	total int
	err   error
}

func New(self string, notifier Notifier, markRead MarkReadFunc) *Aggregator {
	return &Aggregator{
		self:     self,
		notifier: notifier,
		markRead: markRead,
		convs:    make(map[string]*convState),
		err:      ErrUnknown,
	}
}

// Initialize computes the baseline from the backend counts. On failure the
// total stays unknown and the error (wrapping ErrUnknown) is returned.
func (a *Aggregator) Initialize(ctx context.Context, convs []model.Conversation, counter Counter) (int, error) {
	counts, err := Count(ctx, a.self, convs, counter)
	return a.Apply(convs, counts, err)
}

// Count queries the per-conversation unread counts concurrently. It does not
// touch aggregator state, so it can run off the owner's goroutine.
func Count(ctx context.Context, self string, convs []model.Conversation, counter Counter) ([]model.UnreadCount, error) {
	defer logger.DeferLogDuration("unread.Count", time.Now())()
	counts := make([]model.UnreadCount, len(convs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(initConcurrency)
	for i := range convs {
		i := i
		c := convs[i]
		g.Go(func() error {
			uc, err := counter.CountUnread(gctx, c.ID, self, c.LastReadAt(self))
			if err != nil {
				return fmt.Errorf("count conv=%s: %w", c.ID, err)
			}
			if uc.Count < 0 {
				uc.Count = 0
			}
			counts[i] = uc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return counts, nil
}

// Apply merges counts produced by Count. It may run any number of times: a
// conversation takes a count only if its snapshot is newer than the one it
// already has, so a stale count finishing late changes nothing. Feed messages
// newer than the snapshot are added on top.
//
// A non-nil countErr marks conversations that were never counted as failed;
// the total stays unknown until a later Apply counts them.
func (a *Aggregator) Apply(convs []model.Conversation, counts []model.UnreadCount, countErr error) (int, error) {
	if countErr == nil && len(counts) != len(convs) {
		countErr = fmt.Errorf("got %d counts for %d conversations", len(counts), len(convs))
	}
	if countErr != nil {
		failed := 0
		for _, c := range convs {
			if st := a.state(c.ID); !st.counted {
				st.failed = true
				failed++
			}
		}
		total, err := a.recompute(countErr)
		if err != nil {
			return total, fmt.Errorf("unread.Apply: %w", err)
		}
		logger.Debugf("unread: recount failed, %d conversations keep their counts: %v", len(convs)-failed, countErr)
		return total, nil
	}

	for i, c := range convs {
		a.applyOne(c, counts[i])
	}
	if !a.baselined {
		a.baselined = a.allCounted()
	}
	total, err := a.recompute(nil)
	if err != nil {
		return total, fmt.Errorf("unread.Apply: %w", err)
	}
	return total, nil
}

func (a *Aggregator) applyOne(c model.Conversation, uc model.UnreadCount) {
	st := a.state(c.ID)
	countedSince := c.LastReadAt(a.self)
	if countedSince.After(st.since) {
		st.since = countedSince
	}
	st.failed = false
	if st.counted && !uc.AsOf.After(st.asOf) {
		return
	}
	n := uc.Count
	if st.since.After(countedSince) && !st.since.Before(uc.AsOf) {
		// прочитано локально уже после снимка
		n = 0
	}
	floor := uc.AsOf
	if st.since.After(floor) {
		floor = st.since
	}
	for id, at := range st.seen {
		if at.After(floor) {
			n++
		} else {
			delete(st.seen, id)
		}
	}
	if c.ID == a.viewing {
		n = 0
	}
	st.count = n
	st.counted = true
	st.asOf = uc.AsOf
	if uc.AsOf.After(st.newest) {
		st.newest = uc.AsOf
	}
}

// allCounted reports whether every tracked conversation has a backend count.
func (a *Aggregator) allCounted() bool {
	for _, st := range a.convs {
		if !st.counted {
			return false
		}
	}
	return true
}

// recompute re-sums the per-conversation counts. The total is known once
// every conversation tracked at that point has been counted, and stays known
// while no conversation is left failed.
func (a *Aggregator) recompute(cause error) (int, error) {
	total := 0
	failed := false
	for _, st := range a.convs {
		total += st.count
		failed = failed || st.failed
	}
	var err error
	switch {
	case !a.baselined && cause != nil:
		err = fmt.Errorf("%w: %v", ErrUnknown, cause)
	case !a.baselined:
		err = ErrUnknown
	case failed && cause != nil:
		err = fmt.Errorf("%w: %v", ErrUnknown, cause)
	case failed:
		err = fmt.Errorf("%w: some conversations were never counted", ErrUnknown)
	}
	a.setTotal(total, err)
	if err != nil {
		return 0, err
	}
	return total, nil
}

// Track registers a conversation ahead of its first count. Until the count
// applies it is maintained from the feed alone.
func (a *Aggregator) Track(c model.Conversation) {
	st := a.state(c.ID)
	if since := c.LastReadAt(a.self); since.After(st.since) {
		st.since = since
	}
}

// OnIncomingMessage counts a message from the aggregate feed. Own messages,
// duplicates and messages not newer than the read marker are ignored. If the
// user is viewing the conversation the message counts as read immediately.
// It reports whether the total changed.
func (a *Aggregator) OnIncomingMessage(m model.Message, viewing bool) bool {
	if m.SenderID == a.self {
		return false
	}
	st := a.state(m.ConversationID)
	id := m.ID.Value()
	if _, dup := st.seen[id]; dup {
		return false
	}
	if !m.CreatedAt.After(st.since) {
		return false
	}
	if st.counted && !m.CreatedAt.After(st.asOf) {
		// уже вошло в снимок
		return false
	}
	st.seen[id] = m.CreatedAt
	if m.CreatedAt.After(st.newest) {
		st.newest = m.CreatedAt
	}

	if viewing {
		st.since = m.CreatedAt
		if a.markRead != nil {
			a.markRead(m.ConversationID, m.CreatedAt)
		}
		return false
	}

	st.count++
	total, known := a.bump(1)
	if a.notifier != nil {
		if !known {
			total = -1
		}
		a.notifier.NotifyUnread(m, total)
	}
	return true
}

// OnConversationOpened zeroes the conversation's contribution and persists the read marker.
// at is the timestamp of the newest message in the conversation (zero if unknown).
func (a *Aggregator) OnConversationOpened(conversationID string, at time.Time) int {
	a.viewing = conversationID
	st := a.state(conversationID)
	removed := st.count
	st.count = 0
	if at.After(st.newest) {
		st.newest = at
	}
	if st.newest.After(st.since) {
		st.since = st.newest
		if a.markRead != nil {
			a.markRead(conversationID, st.newest)
		}
	}
	if removed > 0 {
		a.bump(-removed)
	}
	return removed
}

// OnConversationClosed re-arms counting for the conversation.
func (a *Aggregator) OnConversationClosed(conversationID string) {
	if a.viewing == conversationID {
		a.viewing = ""
	}
}

// OnReadAdvanced handles the current user's read marker moving elsewhere (another
// device). The contribution is cleared when the marker covers the newest seen message.
func (a *Aggregator) OnReadAdvanced(conversationID string, at time.Time) {
	st := a.state(conversationID)
	if !at.After(st.since) {
		return
	}
	st.since = at
	if st.count > 0 && !at.Before(st.newest) {
		removed := st.count
		st.count = 0
		a.bump(-removed)
	}
}

// Viewing returns the conversation currently open ("" if none).
func (a *Aggregator) Viewing() string { return a.viewing }

// Contribution returns the unread count attributed to one conversation.
func (a *Aggregator) Contribution(conversationID string) int {
	if st, ok := a.convs[conversationID]; ok {
		return st.count
	}
	return 0
}

// Total returns the unread total, or ErrUnknown if no baseline has succeeded
// or some conversation has never been counted.
func (a *Aggregator) Total() (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.err != nil {
		return 0, a.err
	}
	return a.total, nil
}

func (a *Aggregator) Err() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.err
}

func (a *Aggregator) state(conversationID string) *convState {
	st, ok := a.convs[conversationID]
	if !ok {
		st = &convState{seen: make(map[string]time.Time)}
		a.convs[conversationID] = st
	}
	return st
}

func (a *Aggregator) bump(delta int) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total += delta
	if a.total < 0 {
		a.total = 0
	}
	return a.total, a.err == nil
}

func (a *Aggregator) setTotal(total int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total = total
	a.err = err
}
