// Package memory is an in-process transport.Backend. It backs the engine tests
// and the client's -offline mode: one Backend is shared by every simulated user.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/raulk/clock"

	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/transport"
)

const allConversations = "*"

type subscriber struct {
	id    uint64
	kind  transport.EventType
	convs map[string]struct{}
	mb    *transport.Mailbox
	fn    func(transport.Event)
}

type Backend struct {
	mu  sync.Mutex
	clk clock.Clock

	convs    map[string]*model.Conversation
	pairs    map[string]string
	messages map[string][]model.Message
	lastAt   map[string]time.Time
	seq      uint64

	subs   map[uint64]*subscriber
	nextID uint64

	offline        bool
	failSubscribes int
	failSends      int
	failCounts     int
	held           chan struct{}
	authorized     map[string]bool
}

func New(clk clock.Clock) *Backend {
	if clk == nil {
		clk = clock.New()
	}
	return &Backend{
		clk:      clk,
		convs:    make(map[string]*model.Conversation),
		pairs:    make(map[string]string),
		messages: make(map[string][]model.Message),
		lastAt:   make(map[string]time.Time),
		subs:     make(map[uint64]*subscriber),
	}
}

// SetOffline makes every call fail with transport.ErrUnavailable until cleared.
// Existing subscriptions stay registered but receive nothing.
func (b *Backend) SetOffline(offline bool) {
	b.mu.Lock()
	b.offline = offline
	b.mu.Unlock()
}

// FailSubscribes makes the next n subscribe calls fail with ErrUnavailable.
func (b *Backend) FailSubscribes(n int) {
	b.mu.Lock()
	b.failSubscribes = n
	b.mu.Unlock()
}

// FailSends makes the next n Send calls fail with ErrUnavailable.
func (b *Backend) FailSends(n int) {
	b.mu.Lock()
	b.failSends = n
	b.mu.Unlock()
}

// FailCounts makes the next n CountUnread calls fail with ErrUnavailable.
func (b *Backend) FailCounts(n int) {
	b.mu.Lock()
	b.failCounts = n
	b.mu.Unlock()
}

// HoldSends blocks Send until the returned release func is called.
func (b *Backend) HoldSends() (release func()) {
	ch := make(chan struct{})
	b.mu.Lock()
	b.held = ch
	b.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if b.held == ch {
				b.held = nil
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Restrict limits access to the listed users; anyone else gets ErrUnauthorized.
func (b *Backend) Restrict(userIDs ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.authorized = make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		b.authorized[id] = true
	}
}

// Subscriptions returns how many live subscriptions of the kind cover the conversation.
func (b *Backend) Subscriptions(kind transport.EventType, conversationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.subs {
		if s.kind != kind {
			continue
		}
		if _, ok := s.convs[conversationID]; ok {
			n++
		}
	}
	return n
}

// Messages returns the stored history of a conversation.
func (b *Backend) Messages(conversationID string) []model.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.Message(nil), b.messages[conversationID]...)
}

func (b *Backend) check(userID string) error {
	if b.offline {
		return transport.ErrUnavailable
	}
	if userID != "" && b.authorized != nil && !b.authorized[userID] {
		return transport.ErrUnauthorized
	}
	return nil
}

func (b *Backend) FindOrCreateConversation(ctx context.Context, partyA, partyB string) (model.Conversation, error) {
	if partyA == partyB {
		return model.Conversation{}, fmt.Errorf("memory.FindOrCreateConversation: same party %q", partyA)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(partyA); err != nil {
		return model.Conversation{}, err
	}
	key := model.PairKey(partyA, partyB)
	if id, ok := b.pairs[key]; ok {
		return *b.convs[id], nil
	}
	lo, hi := model.OrderedPair(partyA, partyB)
	b.seq++
	c := &model.Conversation{
		ID:        fmt.Sprintf("c%06d", b.seq),
		PartyA:    lo,
		PartyB:    hi,
		CreatedAt: b.clk.Now().UTC(),
	}
	b.convs[c.ID] = c
	b.pairs[key] = c.ID
	return *c, nil
}

func (b *Backend) ListConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(userID); err != nil {
		return nil, err
	}
	var out []model.Conversation
	for _, c := range b.convs {
		if c.HasParticipant(userID) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *Backend) CountUnread(ctx context.Context, conversationID, userID string, since time.Time) (model.UnreadCount, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(userID); err != nil {
		return model.UnreadCount{}, err
	}
	if b.failCounts > 0 {
		b.failCounts--
		return model.UnreadCount{}, transport.ErrUnavailable
	}
	var out model.UnreadCount
	for _, m := range b.messages[conversationID] {
		if m.SenderID != userID && m.CreatedAt.After(since) {
			out.Count++
		}
		if m.CreatedAt.After(out.AsOf) {
			out.AsOf = m.CreatedAt
		}
	}
	return out, nil
}

func (b *Backend) FetchHistory(ctx context.Context, conversationID string) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(""); err != nil {
		return nil, err
	}
	if _, ok := b.convs[conversationID]; !ok {
		return nil, fmt.Errorf("memory.FetchHistory %s: no such conversation", conversationID)
	}
	return append([]model.Message(nil), b.messages[conversationID]...), nil
}

// Send stores the message with a microsecond server timestamp that strictly
// increases within the conversation, then fans the insert out.
func (b *Backend) Send(ctx context.Context, conversationID, senderID, text string) (model.Message, error) {
	b.mu.Lock()
	held := b.held
	b.mu.Unlock()
	if held != nil {
		select {
		case <-held:
		case <-ctx.Done():
			return model.Message{}, fmt.Errorf("%w: %v", transport.ErrUnavailable, ctx.Err())
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(senderID); err != nil {
		return model.Message{}, err
	}
	if b.failSends > 0 {
		b.failSends--
		return model.Message{}, transport.ErrUnavailable
	}
	c, ok := b.convs[conversationID]
	if !ok {
		return model.Message{}, fmt.Errorf("memory.Send %s: no such conversation", conversationID)
	}
	if !c.HasParticipant(senderID) {
		return model.Message{}, transport.ErrUnauthorized
	}

	at := model.NextTimestamp(b.clk.Now(), b.lastAt[conversationID])
	b.lastAt[conversationID] = at
	b.seq++
	m := model.Message{
		ID:             model.ConfirmedID(fmt.Sprintf("m%08d", b.seq)),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		CreatedAt:      at,
		Status:         model.StatusDelivered,
	}
	b.messages[conversationID] = append(b.messages[conversationID], m)
	c.LastMessageAt = at
	c.LastMessagePreview = m.Preview()
	b.fanout(transport.EventInsert, conversationID, transport.Insert{Message: m})
	return m, nil
}

// MarkRead applies max(current, at) and broadcasts the new watermark if it moved.
func (b *Backend) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(userID); err != nil {
		return err
	}
	c, ok := b.convs[conversationID]
	if !ok {
		return fmt.Errorf("memory.MarkRead %s: no such conversation", conversationID)
	}
	if !c.HasParticipant(userID) {
		return transport.ErrUnauthorized
	}
	if !c.AdvanceRead(userID, at.UTC()) {
		return nil
	}
	b.fanout(transport.EventReadUpdate, conversationID, transport.ReadUpdate{
		ConversationID: conversationID,
		UserID:         userID,
		LastReadAt:     c.LastReadAt(userID),
	})
	return nil
}

func (b *Backend) PublishPresence(ctx context.Context, conversationID string, sig model.TypingSignal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(sig.UserID); err != nil {
		return err
	}
	b.fanout(transport.EventPresence, conversationID, transport.PresenceSync{Signal: sig})
	return nil
}

func (b *Backend) SubscribeInsert(ctx context.Context, conversationID string, onInsert func(transport.Insert)) (transport.Unsubscribe, error) {
	return b.subscribe(ctx, transport.EventInsert, []string{conversationID}, func(ev transport.Event) {
		onInsert(ev.(transport.Insert))
	})
}

func (b *Backend) SubscribePresence(ctx context.Context, conversationID string, onSync func(transport.PresenceSync)) (transport.Unsubscribe, error) {
	return b.subscribe(ctx, transport.EventPresence, []string{conversationID}, func(ev transport.Event) {
		onSync(ev.(transport.PresenceSync))
	})
}

func (b *Backend) SubscribeUpdate(ctx context.Context, conversationID string, onUpdate func(transport.ReadUpdate)) (transport.Unsubscribe, error) {
	return b.subscribe(ctx, transport.EventReadUpdate, []string{conversationID}, func(ev transport.Event) {
		onUpdate(ev.(transport.ReadUpdate))
	})
}

func (b *Backend) SubscribeInserts(ctx context.Context, conversationIDs []string, onInsert func(transport.Insert)) (transport.Unsubscribe, error) {
	if len(conversationIDs) == 0 {
		conversationIDs = []string{allConversations}
	}
	return b.subscribe(ctx, transport.EventInsert, conversationIDs, func(ev transport.Event) {
		onInsert(ev.(transport.Insert))
	})
}

func (b *Backend) subscribe(ctx context.Context, kind transport.EventType, convs []string, fn func(transport.Event)) (transport.Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(""); err != nil {
		return nil, err
	}
	if b.failSubscribes > 0 {
		b.failSubscribes--
		return nil, transport.ErrUnavailable
	}
	b.nextID++
	s := &subscriber{
		id:    b.nextID,
		kind:  kind,
		convs: make(map[string]struct{}, len(convs)),
		mb:    transport.NewMailbox(),
		fn:    fn,
	}
	for _, id := range convs {
		s.convs[id] = struct{}{}
	}
	b.subs[s.id] = s

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s.id)
			b.mu.Unlock()
			s.mb.Close()
		})
	}, nil
}

// fanout must be called with b.mu held.
func (b *Backend) fanout(kind transport.EventType, conversationID string, ev transport.Event) {
	if b.offline {
		return
	}
	for _, s := range b.subs {
		if s.kind != kind {
			continue
		}
		_, one := s.convs[conversationID]
		_, all := s.convs[allConversations]
		if !one && !all {
			continue
		}
		fn := s.fn
		s.mb.Push(func() { fn(ev) })
	}
}
