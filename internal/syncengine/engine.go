// Package syncengine orchestrates the conversation view: it owns the message
// logs, subscription lifecycle, presence, receipts and the unread total, and
// routes every transport event into them.
//
// All mutable state is owned by a single event loop (Run). Transport callbacks
// and finished background work post closures onto the loop instead of touching
// state directly, so events for one conversation are applied in arrival order.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/chatsync/internal/conversation"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/messagelog"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/presence"
	"github.com/chatsync/internal/receipt"
	"github.com/chatsync/internal/transport"
	"github.com/chatsync/internal/unread"
)

var (
	ErrNoConversation   = errors.New("no such conversation")
	ErrNoActiveView     = errors.New("no conversation is open")
	ErrEmptyMessage     = errors.New("message text is empty")
	ErrIdentityMismatch = errors.New("confirmed message sender does not match current user")
	ErrViewClosed       = errors.New("conversation view closed before it went live")
	ErrClosed           = errors.New("engine stopped")
)

const opsBuffer = 256

// Identity supplies the authenticated user id.
type Identity interface {
	UserID() string
}

// StaticIdentity is an Identity with a fixed id.
type StaticIdentity string

func (s StaticIdentity) UserID() string { return string(s) }

type Engine struct {
	self string
	tr   transport.Transport
	dir  transport.Directory
	opts Options

	store    *conversation.Store
	presence *presence.Tracker
	receipts *receipt.Tracker
	unread   *unread.Aggregator

	ops     chan func()
	done    chan struct{}
	runCtx  context.Context
	stopRun context.CancelFunc
	fatal   error

	// owned by the loop
	logs       map[string]*messagelog.Log
	active     *session
	gen        uint64
	aggGen     uint64
	aggIDs     string
	aggLive    bool
	aggWaiters []func(error)
	aggUnsub   transport.Unsubscribe

	errMu     sync.Mutex
	lastError error
}

func New(b transport.Backend, id Identity, opts Options) (*Engine, error) {
	if id == nil || id.UserID() == "" {
		return nil, fmt.Errorf("syncengine.New: %w", transport.ErrUnauthorized)
	}
	opts = opts.withDefaults()
	self := id.UserID()
	e := &Engine{
		self: self,
		tr:   b,
		dir:  b,
		opts: opts,
		ops:  make(chan func(), opsBuffer),
		done: make(chan struct{}),
		logs: make(map[string]*messagelog.Log),
	}
	e.store = conversation.NewStore(b, opts.Clock)
	e.presence = presence.NewTracker(self, b.PublishPresence, opts.Clock, opts.TypingTTL)
	e.receipts = receipt.NewTracker(self, func(convID string) *messagelog.Log { return e.logs[convID] })
	e.unread = unread.New(self, opts.Notifier, e.persistRead)
	return e, nil
}

func (e *Engine) Self() string { return e.self }

// Run drives the event loop until ctx is cancelled or the session hits a fatal
// error (identity rejected). It returns nil on a clean shutdown.
func (e *Engine) Run(ctx context.Context) error {
	e.runCtx, e.stopRun = context.WithCancel(ctx)
	defer close(e.done)
	defer e.stopRun()

	logger.Infof("syncengine: started for user=%s", e.self)
	go e.bootstrap(e.runCtx)

	for {
		select {
		case <-e.runCtx.Done():
			e.shutdown()
			if e.fatal != nil {
				return e.fatal
			}
			return nil
		case fn := <-e.ops:
			fn()
		}
	}
}

// Done is closed after Run returns.
func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) shutdown() {
	if e.active != nil {
		e.closeActive()
	}
	if e.aggUnsub != nil {
		e.aggUnsub()
		e.aggUnsub = nil
	}
	e.presence.Stop()
	// drain closures posted by callbacks so nothing waits on a dead loop
	for {
		select {
		case fn := <-e.ops:
			fn()
		default:
			logger.Infof("syncengine: stopped for user=%s", e.self)
			return
		}
	}
}

func (e *Engine) post(fn func()) bool {
	select {
	case <-e.done:
		return false
	default:
	}
	select {
	case e.ops <- fn:
		return true
	case <-e.done:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (e *Engine) call(ctx context.Context, fn func()) error {
	ch := make(chan struct{})
	if !e.post(func() { fn(); close(ch) }) {
		return ErrClosed
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrClosed
	}
}

func (e *Engine) changed() {
	if e.opts.OnChange != nil {
		e.opts.OnChange()
	}
}

func (e *Engine) fail(err error) {
	if errors.Is(err, transport.ErrUnauthorized) && e.fatal == nil {
		logger.Errorf("syncengine: identity rejected, stopping session: %v", err)
		e.fatal = err
		e.stopRun()
	}
}

// bootstrap loads the conversation list and the unread baseline.
func (e *Engine) bootstrap(ctx context.Context) {
	if err := e.syncConversations(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Errorf("syncengine: bootstrap: %v", err)
		e.post(func() {
			e.setError(err)
			e.fail(err)
			e.changed()
		})
	}
}

// Refresh re-reads the conversation list (e.g. a counterpart started a new
// conversation or the connection came back), widens the aggregate
// subscription and recounts unread. It returns once the recount is applied.
func (e *Engine) Refresh(ctx context.Context) error {
	if err := e.syncConversations(ctx); err != nil {
		return fmt.Errorf("syncengine.Refresh: %w", err)
	}
	return nil
}

// syncConversations lists the conversations, makes sure the aggregate feed
// covers them and only then counts unread, so every insert is either inside
// the count snapshot or delivered by the feed.
func (e *Engine) syncConversations(ctx context.Context) error {
	var convs []model.Conversation
	err := e.retry(ctx, e.subscribePolicy(), func() error {
		var err error
		convs, err = e.dir.ListConversations(ctx, e.self)
		return err
	})
	if err != nil {
		e.post(func() { e.unread.Apply(nil, nil, err) })
		return fmt.Errorf("list conversations: %w", err)
	}
	for i := range convs {
		convs[i] = e.store.Put(convs[i])
	}
	if err := e.watch(ctx, convs); err != nil {
		return err
	}
	return e.recount(ctx, convs)
}

// watch registers convs with the aggregator and waits until the aggregate
// feed covering them is live.
func (e *Engine) watch(ctx context.Context, convs []model.Conversation) error {
	live := make(chan error, 1)
	err := e.call(ctx, func() {
		for _, c := range convs {
			e.unread.Track(c)
		}
		e.refreshAggregate(func(err error) { live <- err })
		e.changed()
	})
	if err != nil {
		return err
	}
	select {
	case err := <-live:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrClosed
	}
}

// recount queries unread counts for convs with retries and merges them on the loop.
func (e *Engine) recount(ctx context.Context, convs []model.Conversation) error {
	if len(convs) == 0 {
		return e.call(ctx, func() {
			e.unread.Apply(nil, nil, nil)
			e.changed()
		})
	}
	var counts []model.UnreadCount
	countErr := e.retry(ctx, e.subscribePolicy(), func() error {
		var err error
		counts, err = unread.Count(ctx, e.self, convs, e.dir)
		return err
	})
	var applyErr error
	err := e.call(ctx, func() {
		total, err := e.unread.Apply(convs, counts, countErr)
		switch {
		case countErr != nil:
			logger.Errorf("syncengine: count unread: %v", countErr)
			e.setError(countErr)
			applyErr = err
		case err != nil:
			logger.Errorf("syncengine: unread total: %v", err)
			e.setError(err)
			applyErr = err
		default:
			logger.Debugf("syncengine: unread total %d after counting %d conversations", total, len(convs))
		}
		e.changed()
	})
	if err != nil {
		return err
	}
	if countErr != nil {
		return fmt.Errorf("count unread: %w", countErr)
	}
	return applyErr
}

// refreshAggregate (re)subscribes the session-wide insert feed when the set
// of known conversations changed. At most one aggregate subscription is kept.
// onLive, if set, runs on the loop once a subscription covering every known
// conversation is live, or with the error if subscribing gave up.
func (e *Engine) refreshAggregate(onLive func(error)) {
	ids := e.store.IDsForUser(e.self)
	if len(ids) == 0 {
		if onLive != nil {
			onLive(nil)
		}
		return
	}
	key := strings.Join(ids, ",")
	if key == e.aggIDs {
		switch {
		case onLive == nil:
		case e.aggLive:
			onLive(nil)
		default:
			e.aggWaiters = append(e.aggWaiters, onLive)
		}
		return
	}
	e.aggIDs = key
	e.aggLive = false
	if onLive != nil {
		e.aggWaiters = append(e.aggWaiters, onLive)
	}
	e.aggGen++
	gen := e.aggGen
	ctx := e.runCtx

	go func() {
		var unsub transport.Unsubscribe
		err := e.retry(ctx, e.subscribePolicy(), func() error {
			var err error
			unsub, err = e.tr.SubscribeInserts(ctx, ids, func(ev transport.Insert) {
				e.post(func() { e.onAggregateInsert(ev) })
			})
			return err
		})
		ok := e.post(func() {
			if err != nil {
				if gen != e.aggGen {
					return
				}
				logger.Errorf("syncengine: aggregate subscribe: %v", err)
				e.setError(err)
				e.aggIDs = ""
				e.releaseAggregate(err)
				e.fail(err)
				return
			}
			if gen != e.aggGen {
				unsub()
				return
			}
			if e.aggUnsub != nil {
				e.aggUnsub()
			}
			e.aggUnsub = unsub
			e.aggLive = true
			e.releaseAggregate(nil)
			logger.Debugf("syncengine: aggregate feed over %d conversations", len(ids))
		})
		if !ok && unsub != nil {
			unsub()
		}
	}()
}

func (e *Engine) releaseAggregate(err error) {
	waiters := e.aggWaiters
	e.aggWaiters = nil
	for _, w := range waiters {
		w(err)
	}
}

func (e *Engine) onAggregateInsert(ev transport.Insert) {
	m := ev.Message
	e.store.Touch(m)
	viewing := e.active != nil && e.active.conversationID == m.ConversationID
	if e.unread.OnIncomingMessage(m, viewing) {
		e.changed()
	}
}

// persistRead is the unread aggregator's markRead hook. The local watermark
// moves first; the backend write is fire-and-forget.
func (e *Engine) persistRead(conversationID string, at time.Time) {
	advanced, err := e.store.MarkRead(conversationID, e.self, at)
	if err != nil {
		logger.Errorf("syncengine: mark read conv=%s: %v", conversationID, err)
		return
	}
	if !advanced {
		return
	}
	ctx, timeout := e.runCtx, e.opts.FetchTimeout
	go func() {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := e.tr.MarkRead(ctx, conversationID, e.self, at); err != nil {
			logger.Errorf("syncengine: persist read conv=%s: %v", conversationID, err)
		}
	}()
}

// StartConversation finds or creates the 1:1 conversation with peerID.
func (e *Engine) StartConversation(ctx context.Context, peerID string) (model.Conversation, error) {
	c, err := e.store.FindOrCreate(ctx, e.self, peerID)
	if err != nil {
		return model.Conversation{}, err
	}
	if err := e.watch(ctx, []model.Conversation{c}); err != nil {
		return c, err
	}
	// a conversation that already had messages starts from a backend count
	if err := e.recount(ctx, []model.Conversation{c}); err != nil {
		logger.Errorf("syncengine: start conversation %s: %v", c.ID, err)
	}
	return c, nil
}

// Conversations returns the cached list, most recent first.
func (e *Engine) Conversations() []model.Conversation {
	return e.store.ListForUser(e.self)
}

// Summaries returns the cached list with per-conversation unread counts.
func (e *Engine) Summaries(ctx context.Context) ([]model.ConversationSummary, error) {
	convs := e.store.ListForUser(e.self)
	out := make([]model.ConversationSummary, len(convs))
	err := e.call(ctx, func() {
		for i, c := range convs {
			out[i] = model.ConversationSummary{Conversation: c, UnreadCount: e.unread.Contribution(c.ID)}
		}
	})
	return out, err
}

// OpenConversation makes conversationID the active view and blocks until it is
// live (history loaded, buffered events replayed) or the open fails. Any other
// open view is closed first; opening the active view again is a no-op.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) error {
	errc := make(chan error, 1)
	if !e.post(func() { e.open(conversationID, errc) }) {
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrClosed
	}
}

func (e *Engine) open(conversationID string, errc chan error) {
	c, ok := e.store.Get(conversationID)
	if !ok {
		errc <- fmt.Errorf("syncengine.OpenConversation %s: %w", conversationID, ErrNoConversation)
		return
	}
	if s := e.active; s != nil && s.conversationID == conversationID {
		switch s.state {
		case Live:
			errc <- nil
			return
		case Subscribing:
			s.waiters = append(s.waiters, errc)
			return
		}
	}
	if e.active != nil {
		e.closeActive()
	}

	e.gen++
	fctx, cancel := context.WithCancel(e.runCtx)
	s := &session{
		conversationID: conversationID,
		gen:            e.gen,
		state:          Subscribing,
		cancel:         cancel,
		waiters:        []chan error{errc},
	}
	e.active = s
	e.logFor(conversationID)
	e.unread.Track(c)
	if at := c.LastReadAt(c.Counterpart(e.self)); !at.IsZero() {
		e.receipts.OnCounterpartReadUpdate(conversationID, at)
	}
	logger.Debugf("syncengine: conv=%s gen=%d subscribing", conversationID, s.gen)
	e.changed()
	go e.subscribe(fctx, s.gen, conversationID)
}

// subscribe registers the three per-conversation channels, then fetches history.
func (e *Engine) subscribe(ctx context.Context, gen uint64, conversationID string) {
	deliver := func(ev transport.Event) {
		e.post(func() { e.onLiveEvent(gen, ev) })
	}

	var unsubs []transport.Unsubscribe
	err := e.retry(ctx, e.subscribePolicy(), func() error {
		got, err := e.subscribeAll(ctx, conversationID, deliver)
		if err != nil {
			return err
		}
		unsubs = got
		return nil
	})
	if err != nil {
		e.post(func() { e.openFailed(gen, err) })
		return
	}
	if !e.post(func() { e.subscribed(gen, unsubs) }) {
		for _, u := range unsubs {
			u()
		}
		return
	}

	var history []model.Message
	err = e.retry(ctx, e.subscribePolicy(), func() error {
		fctx, cancel := context.WithTimeout(ctx, e.opts.FetchTimeout)
		defer cancel()
		var err error
		history, err = e.tr.FetchHistory(fctx, conversationID)
		return err
	})
	e.post(func() { e.historyLoaded(gen, history, err) })
}

func (e *Engine) subscribeAll(ctx context.Context, conversationID string, deliver func(transport.Event)) ([]transport.Unsubscribe, error) {
	var unsubs []transport.Unsubscribe
	rollback := func(err error) ([]transport.Unsubscribe, error) {
		for _, u := range unsubs {
			u()
		}
		return nil, err
	}
	u, err := e.tr.SubscribeInsert(ctx, conversationID, func(ev transport.Insert) { deliver(ev) })
	if err != nil {
		return rollback(err)
	}
	unsubs = append(unsubs, u)
	u, err = e.tr.SubscribePresence(ctx, conversationID, func(ev transport.PresenceSync) { deliver(ev) })
	if err != nil {
		return rollback(err)
	}
	unsubs = append(unsubs, u)
	u, err = e.tr.SubscribeUpdate(ctx, conversationID, func(ev transport.ReadUpdate) { deliver(ev) })
	if err != nil {
		return rollback(err)
	}
	return append(unsubs, u), nil
}

func (e *Engine) current(gen uint64) *session {
	if e.active == nil || e.active.gen != gen {
		return nil
	}
	return e.active
}

func (e *Engine) subscribed(gen uint64, unsubs []transport.Unsubscribe) {
	s := e.current(gen)
	if s == nil || s.state != Subscribing {
		for _, u := range unsubs {
			u()
		}
		return
	}
	s.unsubs = unsubs
}

func (e *Engine) openFailed(gen uint64, err error) {
	s := e.current(gen)
	if s == nil {
		logger.Debugf("syncengine: gen=%d open failure discarded: %v", gen, err)
		return
	}
	logger.Errorf("syncengine: conv=%s open failed: %v", s.conversationID, err)
	e.setError(err)
	s.teardown()
	e.presence.Clear(s.conversationID)
	e.unread.OnConversationClosed(s.conversationID)
	e.active = nil
	s.state = Idle
	s.release(fmt.Errorf("syncengine.OpenConversation %s: %w", s.conversationID, err))
	e.fail(err)
	e.changed()
}

func (e *Engine) historyLoaded(gen uint64, history []model.Message, err error) {
	s := e.current(gen)
	if s == nil || s.state != Subscribing {
		logger.Debugf("syncengine: gen=%d late history discarded", gen)
		return
	}
	if err != nil {
		e.openFailed(gen, err)
		return
	}
	log := e.logFor(s.conversationID)
	valid := make([]model.Message, 0, len(history))
	for _, m := range history {
		if verr := transport.ValidateMessage(m, s.conversationID); verr != nil {
			logger.Errorf("syncengine: conv=%s history: %v", s.conversationID, verr)
			continue
		}
		valid = append(valid, m)
	}
	n, ierr := log.IngestAll(valid)
	if ierr != nil {
		logger.Errorf("syncengine: conv=%s ingest history: %v", s.conversationID, ierr)
	}

	buffered := s.buffer
	s.buffer = nil
	s.state = Live
	for _, ev := range buffered {
		e.apply(ev)
	}
	e.receipts.Refresh(s.conversationID)

	var newest time.Time
	if m, ok := log.Latest(); ok {
		newest = m.CreatedAt
		e.store.Touch(m)
	}
	e.unread.OnConversationOpened(s.conversationID, newest)
	logger.Debugf("syncengine: conv=%s gen=%d live, %d fetched, %d replayed", s.conversationID, gen, n, len(buffered))
	s.release(nil)
	e.changed()
}

func (e *Engine) onLiveEvent(gen uint64, ev transport.Event) {
	s := e.current(gen)
	if s == nil {
		return
	}
	switch s.state {
	case Subscribing:
		s.buffer = append(s.buffer, ev)
	case Live:
		e.apply(ev)
		e.changed()
	}
}

// apply routes one live event for the active conversation.
func (e *Engine) apply(ev transport.Event) {
	switch ev := ev.(type) {
	case transport.Insert:
		m := ev.Message
		log := e.logFor(m.ConversationID)
		changed, err := log.Ingest(m)
		if err != nil {
			logger.Errorf("syncengine: ingest: %v", err)
			return
		}
		if !changed {
			return
		}
		e.store.Touch(m)
		if m.SenderID == e.self {
			e.receipts.Refresh(m.ConversationID)
		} else {
			e.unread.OnIncomingMessage(m, true)
		}
	case transport.PresenceSync:
		e.presence.Receive(ev.Signal)
	case transport.ReadUpdate:
		e.onReadUpdate(ev)
	}
}

func (e *Engine) onReadUpdate(u transport.ReadUpdate) {
	if _, err := e.store.MarkRead(u.ConversationID, u.UserID, u.LastReadAt); err != nil {
		logger.Errorf("syncengine: read update conv=%s: %v", u.ConversationID, err)
		return
	}
	if u.UserID == e.self {
		e.unread.OnReadAdvanced(u.ConversationID, u.LastReadAt)
		return
	}
	e.receipts.OnCounterpartReadUpdate(u.ConversationID, u.LastReadAt)
}

// CloseConversation tears down the active view. Closing when nothing (or a
// different conversation) is open is a no-op.
func (e *Engine) CloseConversation(ctx context.Context, conversationID string) error {
	return e.call(ctx, func() {
		if e.active != nil && e.active.conversationID == conversationID {
			e.closeActive()
			e.changed()
		}
	})
}

func (e *Engine) closeActive() {
	s := e.active
	s.state = Unsubscribing
	s.teardown()
	e.presence.Clear(s.conversationID)
	e.unread.OnConversationClosed(s.conversationID)
	s.release(fmt.Errorf("syncengine.OpenConversation %s: %w", s.conversationID, ErrViewClosed))
	s.state = Idle
	e.active = nil
	logger.Debugf("syncengine: conv=%s gen=%d closed", s.conversationID, s.gen)
}

// State returns the lifecycle state of a conversation view.
func (e *Engine) State(ctx context.Context, conversationID string) (State, error) {
	st := Idle
	err := e.call(ctx, func() {
		if e.active != nil && e.active.conversationID == conversationID {
			st = e.active.state
		}
	})
	return st, err
}

// Active returns the id of the open conversation ("" if none).
func (e *Engine) Active(ctx context.Context) (string, error) {
	var id string
	err := e.call(ctx, func() {
		if e.active != nil {
			id = e.active.conversationID
		}
	})
	return id, err
}

// SendText appends an optimistic message to the active conversation and
// returns it immediately with a local id and pending status. The send runs in
// the background with retries; the record is later reconciled or marked failed.
func (e *Engine) SendText(ctx context.Context, text string) (model.Message, error) {
	if strings.TrimSpace(text) == "" {
		return model.Message{}, ErrEmptyMessage
	}
	var (
		out model.Message
		err error
	)
	cerr := e.call(ctx, func() {
		if e.active == nil {
			err = ErrNoActiveView
			return
		}
		out = e.logFor(e.active.conversationID).Append(e.self, text)
		e.startSend(out)
		e.changed()
	})
	if cerr != nil {
		return model.Message{}, cerr
	}
	return out, err
}

// RetryMessage re-sends a failed local message.
func (e *Engine) RetryMessage(ctx context.Context, localID model.MessageID) error {
	var err error
	cerr := e.call(ctx, func() {
		for _, log := range e.logs {
			if _, ok := log.Local(localID); !ok {
				continue
			}
			var m model.Message
			m, err = log.Retry(localID)
			if err == nil {
				e.startSend(m)
				e.changed()
			}
			return
		}
		err = fmt.Errorf("syncengine.RetryMessage %s: %w", localID, messagelog.ErrUnknownLocalID)
	})
	if cerr != nil {
		return cerr
	}
	return err
}

func (e *Engine) startSend(m model.Message) {
	ctx := e.runCtx
	convID, localID, text := m.ConversationID, m.ID, m.Text
	policy := backoff.WithContext(newBackOff(e.opts.SendRetryBase, e.opts.SendRetryMax, e.opts.SendMaxAttempts), ctx)

	go func() {
		var confirmed model.Message
		err := backoff.Retry(func() error {
			e.post(func() {
				if log := e.logs[convID]; log != nil {
					log.MarkAttempt(localID)
				}
			})
			sctx, cancel := context.WithTimeout(ctx, e.opts.FetchTimeout)
			defer cancel()
			got, err := e.tr.Send(sctx, convID, e.self, text)
			if err != nil {
				if errors.Is(err, transport.ErrUnauthorized) {
					return backoff.Permanent(err)
				}
				logger.Debugf("syncengine: send %s failed, will retry: %v", localID, err)
				return err
			}
			confirmed = got
			return nil
		}, policy)
		e.post(func() { e.sendDone(convID, localID, confirmed, err) })
	}()
}

func (e *Engine) sendDone(convID string, localID model.MessageID, confirmed model.Message, err error) {
	log := e.logs[convID]
	if log == nil {
		return
	}
	defer e.changed()
	if err == nil && confirmed.SenderID != e.self {
		err = fmt.Errorf("%w: got %q", ErrIdentityMismatch, confirmed.SenderID)
	}
	if err == nil {
		err = transport.ValidateMessage(confirmed, convID)
	}
	if err != nil && !errors.Is(err, ErrIdentityMismatch) {
		if _, present := log.Local(localID); !present && log.Fail(localID, err) == nil {
			// эхо уже заняло место этой отправки
			logger.Debugf("syncengine: send %s conv=%s errored after its echo arrived: %v", localID, convID, err)
			return
		}
	}
	if err != nil {
		logger.Errorf("syncengine: send %s conv=%s failed: %v", localID, convID, err)
		e.setError(err)
		if ferr := log.Fail(localID, err); ferr != nil {
			logger.Errorf("syncengine: %v", ferr)
		}
		e.fail(err)
		return
	}
	if _, rerr := log.Reconcile(localID, confirmed); rerr != nil {
		logger.Errorf("syncengine: %v", rerr)
	}
	e.store.Touch(confirmed)
	e.receipts.Refresh(convID)
}

// SetTyping publishes the current user's typing state in the active conversation.
// The burst is armed on the loop while the view is open; only the publish runs
// outside it.
func (e *Engine) SetTyping(ctx context.Context, isTyping bool) error {
	var (
		sig *model.TypingSignal
		err error
	)
	cerr := e.call(ctx, func() {
		if e.active == nil {
			err = ErrNoActiveView
			return
		}
		sig, err = e.presence.Begin(e.active.conversationID, e.self, isTyping)
	})
	if cerr != nil {
		return cerr
	}
	if err != nil || sig == nil {
		return err
	}
	return e.presence.Publish(ctx, *sig)
}

// TypingUsers returns the other participants currently typing in the active conversation.
func (e *Engine) TypingUsers(ctx context.Context) ([]string, error) {
	convID, err := e.Active(ctx)
	if err != nil || convID == "" {
		return nil, err
	}
	return e.presence.TypingUsers(convID), nil
}

// Messages returns the active conversation's log in display order.
func (e *Engine) Messages(ctx context.Context) ([]model.Message, error) {
	var out []model.Message
	err := e.call(ctx, func() {
		if e.active != nil {
			out = e.logFor(e.active.conversationID).Messages()
		}
	})
	return out, err
}

// UnreadTotal returns the unread total or unread.ErrUnknown before the baseline.
func (e *Engine) UnreadTotal() (int, error) {
	return e.unread.Total()
}

// LastError returns the most recent error surfaced to the view.
func (e *Engine) LastError() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.lastError
}

func (e *Engine) setError(err error) {
	e.errMu.Lock()
	e.lastError = err
	e.errMu.Unlock()
}

func (e *Engine) logFor(conversationID string) *messagelog.Log {
	log, ok := e.logs[conversationID]
	if !ok {
		log = messagelog.New(conversationID)
		e.logs[conversationID] = log
	}
	return log
}

func (e *Engine) subscribePolicy() backoff.BackOff {
	return newBackOff(e.opts.SubscribeRetryBase, defaultSendRetryMax, e.opts.SubscribeMaxAttempts)
}

// retry runs op under policy. Unauthorized is never retried.
func (e *Engine) retry(ctx context.Context, policy backoff.BackOff, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if errors.Is(err, transport.ErrUnauthorized) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}
