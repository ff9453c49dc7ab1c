package syncengine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/transport"
	"github.com/chatsync/internal/transport/memory"
	"github.com/chatsync/internal/unread"
)

const waitTimeout = 3 * time.Second

func fastOptions() Options {
	return Options{
		SendMaxAttempts:      3,
		SendRetryBase:        2 * time.Millisecond,
		SendRetryMax:         10 * time.Millisecond,
		SubscribeMaxAttempts: 3,
		SubscribeRetryBase:   2 * time.Millisecond,
		FetchTimeout:         time.Second,
	}
}

type running struct {
	*Engine
	errc   chan error
	cancel context.CancelFunc
}

func start(t *testing.T, b transport.Backend, self string, opts Options) *running {
	t.Helper()
	e, err := New(b, StaticIdentity(self), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{Engine: e, errc: make(chan error, 1), cancel: cancel}
	go func() { r.errc <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-r.errc:
		case <-time.After(waitTimeout):
			t.Errorf("engine for %s did not stop", self)
		}
	})
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func messages(t *testing.T, e *running) []model.Message {
	t.Helper()
	msgs, err := e.Messages(context.Background())
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	return msgs
}

func mustConversation(t *testing.T, b *memory.Backend, a, c string) model.Conversation {
	t.Helper()
	conv, err := b.FindOrCreateConversation(context.Background(), a, c)
	if err != nil {
		t.Fatalf("FindOrCreateConversation: %v", err)
	}
	return conv
}

func mustSend(t *testing.T, b *memory.Backend, convID, sender, text string) model.Message {
	t.Helper()
	m, err := b.Send(context.Background(), convID, sender, text)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	return m
}

func openLive(t *testing.T, e *running, convID string) {
	t.Helper()
	waitFor(t, "conversation list", func() bool {
		for _, c := range e.Conversations() {
			if c.ID == convID {
				return true
			}
		}
		return false
	})
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := e.OpenConversation(ctx, convID); err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
}

func TestNewRejectsEmptyIdentity(t *testing.T) {
	_, err := New(memory.New(nil), StaticIdentity(""), Options{})
	if !errors.Is(err, transport.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestOfflineSendStaysPendingThenDelivers(t *testing.T) {
	b := memory.New(nil)
	conv := mustConversation(t, b, "alice", "bob")
	opts := fastOptions()
	opts.SendMaxAttempts = 1000
	alice := start(t, b, "alice", opts)
	openLive(t, alice, conv.ID)

	b.SetOffline(true)
	m, err := alice.SendText(context.Background(), "hello")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if !m.ID.IsLocal() || m.Status != model.StatusPending {
		t.Fatalf("expected local pending message, got %s %s", m.ID, m.Status)
	}

	time.Sleep(30 * time.Millisecond)
	msgs := messages(t, alice)
	if len(msgs) != 1 || msgs[0].ID != m.ID || msgs[0].Status != model.StatusPending {
		t.Fatalf("pending message must stay visible while offline, got %+v", msgs)
	}

	b.SetOffline(false)
	waitFor(t, "delivery", func() bool {
		msgs := messages(t, alice)
		return len(msgs) == 1 && msgs[0].ID.IsConfirmed() && msgs[0].Status == model.StatusDelivered
	})
	msgs = messages(t, alice)
	if msgs[0].ClientKey != m.ID.Value() {
		t.Errorf("client key changed: %q -> %q", m.ID.Value(), msgs[0].ClientKey)
	}
	if got := b.Messages(conv.ID); len(got) != 1 {
		t.Errorf("backend stored %d messages, want 1", len(got))
	}
}

func TestSendFailsAfterRetriesAndCanBeRetried(t *testing.T) {
	b := memory.New(nil)
	conv := mustConversation(t, b, "alice", "bob")
	opts := fastOptions()
	opts.SendMaxAttempts = 2
	alice := start(t, b, "alice", opts)
	openLive(t, alice, conv.ID)

	b.FailSends(2)
	m, err := alice.SendText(context.Background(), "will fail")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	waitFor(t, "failed status", func() bool {
		msgs := messages(t, alice)
		return len(msgs) == 1 && msgs[0].Status == model.StatusFailed
	})
	if msgs := messages(t, alice); msgs[0].Attempts != 2 {
		t.Errorf("attempts = %d, want 2", msgs[0].Attempts)
	}

	if err := alice.RetryMessage(context.Background(), m.ID); err != nil {
		t.Fatalf("RetryMessage: %v", err)
	}
	waitFor(t, "delivery after retry", func() bool {
		msgs := messages(t, alice)
		return len(msgs) == 1 && msgs[0].Status == model.StatusDelivered
	})
}

func TestRetryMessageRejectsPending(t *testing.T) {
	b := memory.New(nil)
	conv := mustConversation(t, b, "alice", "bob")
	alice := start(t, b, "alice", fastOptions())
	openLive(t, alice, conv.ID)

	release := b.HoldSends()
	defer release()
	m, err := alice.SendText(context.Background(), "held")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := alice.RetryMessage(context.Background(), m.ID); err == nil {
		t.Fatal("retrying a pending message should fail")
	}
}

func TestSendWithoutOpenView(t *testing.T) {
	b := memory.New(nil)
	alice := start(t, b, "alice", fastOptions())
	if _, err := alice.SendText(context.Background(), "hi"); !errors.Is(err, ErrNoActiveView) {
		t.Fatalf("expected ErrNoActiveView, got %v", err)
	}
	if _, err := alice.SendText(context.Background(), "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
}

// gatedBackend holds FetchHistory until the gate is closed.
type gatedBackend struct {
	*memory.Backend
	gate chan struct{}
}

func (g *gatedBackend) FetchHistory(ctx context.Context, conversationID string) ([]model.Message, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.Backend.FetchHistory(ctx, conversationID)
}

func TestEventsDuringSubscribeAreReplayedOnce(t *testing.T) {
	b := memory.New(nil)
	conv := mustConversation(t, b, "alice", "bob")
	first := mustSend(t, b, conv.ID, "bob", "before open")

	g := &gatedBackend{Backend: b, gate: make(chan struct{})}
	alice := start(t, g, "alice", fastOptions())
	waitFor(t, "conversation list", func() bool { return len(alice.Conversations()) == 1 })

	opened := make(chan error, 1)
	go func() { opened <- alice.OpenConversation(context.Background(), conv.ID) }()

	waitFor(t, "subscriptions", func() bool {
		return b.Subscriptions(transport.EventReadUpdate, conv.ID) == 1
	})
	st, err := alice.State(context.Background(), conv.ID)
	if err != nil || st != Subscribing {
		t.Fatalf("state = %v (%v), want subscribing", st, err)
	}
	// lands in both the live buffer and the fetched history
	second := mustSend(t, b, conv.ID, "bob", "during subscribe")
	time.Sleep(10 * time.Millisecond)
	close(g.gate)

	if err := <-opened; err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	msgs := messages(t, alice)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2: %+v", len(msgs), msgs)
	}
	if msgs[0].ID != first.ID || msgs[1].ID != second.ID {
		t.Errorf("order = %s, %s", msgs[0].ID, msgs[1].ID)
	}
	if st, _ := alice.State(context.Background(), conv.ID); st != Live {
		t.Errorf("state = %v, want live", st)
	}
}

func TestOpenCloseReopenKeepsOneSubscription(t *testing.T) {
	b := memory.New(nil)
	conv := mustConversation(t, b, "alice", "bob")
	other := mustConversation(t, b, "alice", "carol")
	alice := start(t, b, "alice", fastOptions())
	openLive(t, alice, conv.ID)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := alice.CloseConversation(ctx, conv.ID); err != nil {
			t.Fatalf("CloseConversation: %v", err)
		}
		if err := alice.OpenConversation(ctx, conv.ID); err != nil {
			t.Fatalf("OpenConversation: %v", err)
		}
	}
	if err := alice.OpenConversation(ctx, conv.ID); err != nil {
		t.Fatalf("re-open active view: %v", err)
	}
	if n := b.Subscriptions(transport.EventPresence, conv.ID); n != 1 {
		t.Fatalf("presence subscriptions = %d, want 1", n)
	}

	if err := alice.OpenConversation(ctx, other.ID); err != nil {
		t.Fatalf("open other: %v", err)
	}
	if n := b.Subscriptions(transport.EventPresence, conv.ID); n != 0 {
		t.Errorf("switching views left %d presence subscriptions on the old one", n)
	}
	if st, _ := alice.State(ctx, conv.ID); st != Idle {
		t.Errorf("old view state = %v, want idle", st)
	}
	if err := alice.CloseConversation(ctx, conv.ID); err != nil {
		t.Errorf("closing an idle view should be a no-op, got %v", err)
	}
}

func TestOpenUnknownConversation(t *testing.T) {
	alice := start(t, memory.New(nil), "alice", fastOptions())
	err := alice.OpenConversation(context.Background(), "nope")
	if !errors.Is(err, ErrNoConversation) {
		t.Fatalf("expected ErrNoConversation, got %v", err)
	}
}

func TestOpenFailsWhenSubscribeKeepsFailing(t *testing.T) {
	b := memory.New(nil)
	conv := mustConversation(t, b, "alice", "bob")
	alice := start(t, b, "alice", fastOptions())
	waitFor(t, "conversation list", func() bool { return len(alice.Conversations()) == 1 })

	b.FailSubscribes(100)
	err := alice.OpenConversation(context.Background(), conv.ID)
	if !errors.Is(err, transport.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if !errors.Is(alice.LastError(), transport.ErrUnavailable) {
		t.Errorf("LastError = %v", alice.LastError())
	}
	b.FailSubscribes(0)
	if err := alice.OpenConversation(context.Background(), conv.ID); err != nil {
		t.Fatalf("open after recovery: %v", err)
	}
}

func TestUnreadTotalAcrossConversations(t *testing.T) {
	b := memory.New(nil)
	withBob := mustConversation(t, b, "alice", "bob")
	withCarol := mustConversation(t, b, "alice", "carol")
	for _, text := range []string{"one", "two", "three"} {
		mustSend(t, b, withBob.ID, "bob", text)
	}

	alice := start(t, b, "alice", fastOptions())
	waitFor(t, "baseline", func() bool {
		n, err := alice.UnreadTotal()
		return err == nil && n == 3
	})

	openLive(t, alice, withBob.ID)
	if n, err := alice.UnreadTotal(); err != nil || n != 0 {
		t.Fatalf("after open: %d, %v; want 0", n, err)
	}
	waitFor(t, "read marker persisted", func() bool {
		at := conversationReadAt(b, withBob.ID, "alice")
		if at.IsZero() {
			return false
		}
		uc, err := b.CountUnread(context.Background(), withBob.ID, "alice", at)
		return err == nil && uc.Count == 0
	})

	waitFor(t, "aggregate feed", func() bool {
		return b.Subscriptions(transport.EventInsert, withCarol.ID) == 1
	})
	mustSend(t, b, withCarol.ID, "carol", "hey")
	waitFor(t, "unread from carol", func() bool {
		n, err := alice.UnreadTotal()
		return err == nil && n == 1
	})

	mustSend(t, b, withBob.ID, "bob", "four")
	waitFor(t, "message in open view", func() bool { return len(messages(t, alice)) == 4 })
	time.Sleep(10 * time.Millisecond)
	if n, _ := alice.UnreadTotal(); n != 1 {
		t.Errorf("message in the viewed conversation changed total to %d", n)
	}
}

func conversationReadAt(b *memory.Backend, convID, userID string) time.Time {
	convs, err := b.ListConversations(context.Background(), userID)
	if err != nil {
		return time.Time{}
	}
	for _, c := range convs {
		if c.ID == convID {
			return c.LastReadAt(userID)
		}
	}
	return time.Time{}
}

type failingCounter struct {
	*memory.Backend
}

func (failingCounter) CountUnread(context.Context, string, string, time.Time) (model.UnreadCount, error) {
	return model.UnreadCount{}, transport.ErrUnavailable
}

func TestUnreadUnknownWhenBaselineFails(t *testing.T) {
	b := memory.New(nil)
	mustConversation(t, b, "alice", "bob")
	alice := start(t, failingCounter{b}, "alice", fastOptions())

	waitFor(t, "baseline error", func() bool { return alice.LastError() != nil })
	n, err := alice.UnreadTotal()
	if !errors.Is(err, unread.ErrUnknown) {
		t.Fatalf("expected ErrUnknown, got %d, %v", n, err)
	}
}

func TestUnreadRecoversWhenCountingComesBack(t *testing.T) {
	b := memory.New(nil)
	conv := mustConversation(t, b, "alice", "bob")
	mustSend(t, b, conv.ID, "bob", "one")
	mustSend(t, b, conv.ID, "bob", "two")
	b.FailCounts(1000)

	alice := start(t, b, "alice", fastOptions())
	waitFor(t, "count error", func() bool { return errors.Is(alice.LastError(), transport.ErrUnavailable) })
	if _, err := alice.UnreadTotal(); !errors.Is(err, unread.ErrUnknown) {
		t.Fatalf("expected ErrUnknown while counting fails, got %v", err)
	}

	b.FailCounts(0)
	if err := alice.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if n, err := alice.UnreadTotal(); err != nil || n != 2 {
		t.Fatalf("after recovery: %d, %v; want 2", n, err)
	}
}

func TestCountIsRetried(t *testing.T) {
	b := memory.New(nil)
	conv := mustConversation(t, b, "alice", "bob")
	mustSend(t, b, conv.ID, "bob", "one")
	b.FailCounts(2)

	alice := start(t, b, "alice", fastOptions())
	waitFor(t, "baseline", func() bool {
		n, err := alice.UnreadTotal()
		return err == nil && n == 1
	})
}

func TestRefreshCountsConversationStartedByCounterpart(t *testing.T) {
	b := memory.New(nil)
	alice := start(t, b, "alice", fastOptions())
	waitFor(t, "empty baseline", func() bool {
		n, err := alice.UnreadTotal()
		return err == nil && n == 0
	})

	conv := mustConversation(t, b, "carol", "alice")
	mustSend(t, b, conv.ID, "carol", "one")
	mustSend(t, b, conv.ID, "carol", "two")

	if err := alice.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if n, err := alice.UnreadTotal(); err != nil || n != 2 {
		t.Fatalf("after refresh: %d, %v; want 2", n, err)
	}

	mustSend(t, b, conv.ID, "carol", "three")
	waitFor(t, "feed after refresh", func() bool {
		n, err := alice.UnreadTotal()
		return err == nil && n == 3
	})
	// a second refresh with nothing new must not count anything twice
	if err := alice.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if n, _ := alice.UnreadTotal(); n != 3 {
		t.Fatalf("after second refresh: %d, want 3", n)
	}
}

// lossyBackend never delivers "lost ..." messages on the aggregate feed, like
// a link that dropped while they were sent.
type lossyBackend struct {
	*memory.Backend
	dropped atomic.Int32
}

func (l *lossyBackend) SubscribeInserts(ctx context.Context, ids []string, fn func(transport.Insert)) (transport.Unsubscribe, error) {
	return l.Backend.SubscribeInserts(ctx, ids, func(ev transport.Insert) {
		if strings.HasPrefix(ev.Message.Text, "lost") {
			l.dropped.Add(1)
			return
		}
		fn(ev)
	})
}

func TestRefreshRecountsMessagesMissedByFeed(t *testing.T) {
	b := memory.New(nil)
	conv := mustConversation(t, b, "alice", "bob")
	lossy := &lossyBackend{Backend: b}
	alice := start(t, lossy, "alice", fastOptions())
	waitFor(t, "aggregate feed", func() bool {
		_, err := alice.UnreadTotal()
		return err == nil && b.Subscriptions(transport.EventInsert, conv.ID) == 1
	})

	mustSend(t, b, conv.ID, "bob", "lost one")
	mustSend(t, b, conv.ID, "bob", "lost two")
	waitFor(t, "dropped deliveries", func() bool { return lossy.dropped.Load() == 2 })
	if n, _ := alice.UnreadTotal(); n != 0 {
		t.Fatalf("muted feed still counted %d", n)
	}

	if err := alice.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if n, err := alice.UnreadTotal(); err != nil || n != 2 {
		t.Fatalf("after refresh: %d, %v; want 2", n, err)
	}
	mustSend(t, b, conv.ID, "bob", "live")
	waitFor(t, "live message", func() bool {
		n, err := alice.UnreadTotal()
		return err == nil && n == 3
	})
}

func TestSummariesCarryPerConversationUnread(t *testing.T) {
	b := memory.New(nil)
	withBob := mustConversation(t, b, "alice", "bob")
	withCarol := mustConversation(t, b, "alice", "carol")
	mustSend(t, b, withBob.ID, "bob", "one")
	mustSend(t, b, withCarol.ID, "carol", "one")
	mustSend(t, b, withCarol.ID, "carol", "two")

	alice := start(t, b, "alice", fastOptions())
	waitFor(t, "baseline", func() bool {
		n, err := alice.UnreadTotal()
		return err == nil && n == 3
	})
	sums, err := alice.Summaries(context.Background())
	if err != nil {
		t.Fatalf("Summaries: %v", err)
	}
	got := map[string]int{}
	for _, s := range sums {
		got[s.Conversation.ID] = s.UnreadCount
	}
	if len(sums) != 2 || got[withBob.ID] != 1 || got[withCarol.ID] != 2 {
		t.Fatalf("summaries = %+v", sums)
	}
	if sums[0].Conversation.ID != withCarol.ID {
		t.Errorf("most recent conversation first, got %s", sums[0].Conversation.ID)
	}
}

func TestReadReceiptsReachSender(t *testing.T) {
	b := memory.New(nil)
	conv := mustConversation(t, b, "alice", "bob")
	alice := start(t, b, "alice", fastOptions())
	openLive(t, alice, conv.ID)

	for _, text := range []string{"one", "two"} {
		if _, err := alice.SendText(context.Background(), text); err != nil {
			t.Fatalf("SendText: %v", err)
		}
	}
	waitFor(t, "delivery", func() bool {
		msgs := messages(t, alice)
		return len(msgs) == 2 && msgs[0].Status == model.StatusDelivered && msgs[1].Status == model.StatusDelivered
	})

	bob := start(t, b, "bob", fastOptions())
	openLive(t, bob, conv.ID)

	waitFor(t, "read receipts", func() bool {
		msgs := messages(t, alice)
		return len(msgs) == 2 && msgs[0].Status == model.StatusRead && msgs[1].Status == model.StatusRead
	})
}

func TestTypingIsVisibleToCounterpartAndExpires(t *testing.T) {
	b := memory.New(nil)
	conv := mustConversation(t, b, "alice", "bob")
	opts := fastOptions()
	opts.TypingTTL = 150 * time.Millisecond
	alice := start(t, b, "alice", opts)
	bob := start(t, b, "bob", opts)
	openLive(t, alice, conv.ID)
	openLive(t, bob, conv.ID)

	if err := alice.SetTyping(context.Background(), true); err != nil {
		t.Fatalf("SetTyping: %v", err)
	}
	waitFor(t, "bob sees alice typing", func() bool {
		users, _ := bob.TypingUsers(context.Background())
		return len(users) == 1 && users[0] == "alice"
	})
	if users, _ := alice.TypingUsers(context.Background()); len(users) != 0 {
		t.Errorf("own typing signal must not be shown, got %v", users)
	}
	waitFor(t, "typing expires", func() bool {
		users, _ := bob.TypingUsers(context.Background())
		return len(users) == 0
	})
}

func TestTypingBurstDoesNotOutliveView(t *testing.T) {
	b := memory.New(nil)
	conv := mustConversation(t, b, "alice", "bob")
	alice := start(t, b, "alice", fastOptions())
	openLive(t, alice, conv.ID)
	ctx := context.Background()

	stop := make(chan struct{})
	typed := make(chan struct{})
	go func() {
		defer close(typed)
		for {
			select {
			case <-stop:
				return
			default:
			}
			alice.SetTyping(ctx, true)
		}
	}()
	time.Sleep(5 * time.Millisecond)
	if err := alice.CloseConversation(ctx, conv.ID); err != nil {
		t.Fatalf("CloseConversation: %v", err)
	}
	close(stop)
	<-typed

	if alice.presence.Typing(conv.ID) {
		t.Fatal("typing burst armed for a closed view")
	}
	if err := alice.SetTyping(ctx, true); !errors.Is(err, ErrNoActiveView) {
		t.Fatalf("SetTyping after close = %v, want ErrNoActiveView", err)
	}
}

func TestUnauthorizedStopsSession(t *testing.T) {
	b := memory.New(nil)
	mustConversation(t, b, "alice", "bob")
	b.Restrict("bob")

	e, err := New(b, StaticIdentity("alice"), fastOptions())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()
	select {
	case err := <-done:
		if !errors.Is(err, transport.ErrUnauthorized) {
			t.Fatalf("Run returned %v, want ErrUnauthorized", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("session kept running with a rejected identity")
	}
}

// impostorBackend confirms and echoes every send as someone else.
type impostorBackend struct {
	*memory.Backend
}

func (i impostorBackend) Send(ctx context.Context, conversationID, senderID, text string) (model.Message, error) {
	m, err := i.Backend.Send(ctx, conversationID, senderID, text)
	m.SenderID = "mallory"
	return m, err
}

func (i impostorBackend) SubscribeInsert(ctx context.Context, conversationID string, fn func(transport.Insert)) (transport.Unsubscribe, error) {
	return i.Backend.SubscribeInsert(ctx, conversationID, func(ev transport.Insert) {
		ev.Message.SenderID = "mallory"
		fn(ev)
	})
}

func TestIdentityMismatchFailsMessage(t *testing.T) {
	b := memory.New(nil)
	conv := mustConversation(t, b, "alice", "bob")
	alice := start(t, impostorBackend{b}, "alice", fastOptions())
	openLive(t, alice, conv.ID)

	m, err := alice.SendText(context.Background(), "hi")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	waitFor(t, "failed send", func() bool {
		for _, got := range messages(t, alice) {
			if got.ID == m.ID && got.Status == model.StatusFailed {
				return true
			}
		}
		return false
	})
	if !errors.Is(alice.LastError(), ErrIdentityMismatch) {
		t.Errorf("LastError = %v", alice.LastError())
	}
}

type countingNotifier struct {
	mu     sync.Mutex
	totals []int
}

func (n *countingNotifier) NotifyUnread(_ model.Message, total int) {
	n.mu.Lock()
	n.totals = append(n.totals, total)
	n.mu.Unlock()
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.totals)
}

func TestNotifierSkipsViewedConversation(t *testing.T) {
	b := memory.New(nil)
	conv := mustConversation(t, b, "alice", "bob")
	other := mustConversation(t, b, "alice", "carol")
	notifier := &countingNotifier{}
	opts := fastOptions()
	opts.Notifier = notifier
	alice := start(t, b, "alice", opts)
	openLive(t, alice, conv.ID)
	waitFor(t, "aggregate feed", func() bool {
		return b.Subscriptions(transport.EventInsert, other.ID) == 1
	})

	mustSend(t, b, conv.ID, "bob", "seen")
	mustSend(t, b, other.ID, "carol", "not seen")
	waitFor(t, "notification", func() bool { return notifier.count() == 1 })
	time.Sleep(10 * time.Millisecond)
	if n := notifier.count(); n != 1 {
		t.Errorf("got %d notifications, want 1", n)
	}
}
