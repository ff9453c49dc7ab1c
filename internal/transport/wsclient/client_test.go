package wsclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chatsync/internal/handler"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/repository/memrepo"
	"github.com/chatsync/internal/storage/memory"
	"github.com/chatsync/internal/syncengine"
	"github.com/chatsync/internal/transport"
	"github.com/chatsync/internal/ws"
)

const waitTimeout = 3 * time.Second

type relay struct {
	srv   *httptest.Server
	store *memrepo.Store
	hub   *ws.Hub
}

func startRelay(t *testing.T) *relay {
	t.Helper()
	store := memrepo.New()
	bus := memory.New()
	hub := ws.NewHub(store, bus, 100, 3*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	<-hub.Ready()
	srv := httptest.NewServer(handler.NewRouter(handler.RouterDeps{
		Conversations: store,
		Messages:      store,
		Hub:           hub,
		Bus:           bus,
	}))
	t.Cleanup(func() {
		srv.CloseClientConnections()
		srv.Close()
		cancel()
		<-done
	})
	return &relay{srv: srv, store: store, hub: hub}
}

func (r *relay) client(t *testing.T, user string) *Client {
	t.Helper()
	c, err := New(Options{RelayURL: r.srv.URL, UserID: user, RequestTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Options{RelayURL: "http://localhost:1"}); !errors.Is(err, transport.ErrUnauthorized) {
		t.Fatalf("empty user err = %v", err)
	}
	if _, err := New(Options{RelayURL: "ftp://x", UserID: "a"}); err == nil {
		t.Fatal("ftp scheme accepted")
	}
}

func TestRequestResponseRoundTrip(t *testing.T) {
	r := startRelay(t)
	alice := r.client(t, "alice")
	bob := r.client(t, "bob")
	ctx := context.Background()

	conv, err := alice.FindOrCreateConversation(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	same, err := bob.FindOrCreateConversation(ctx, "alice", "bob")
	if err != nil || same.ID != conv.ID {
		t.Fatalf("bob got %s (err %v), want %s", same.ID, err, conv.ID)
	}

	m, err := alice.Send(ctx, conv.ID, "alice", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if err := transport.ValidateMessage(m, conv.ID); err != nil {
		t.Fatalf("confirmed message invalid: %v", err)
	}

	history, err := bob.FetchHistory(ctx, conv.ID)
	if err != nil || len(history) != 1 || history[0].ID != m.ID {
		t.Fatalf("history = %+v, err %v", history, err)
	}
	uc, err := bob.CountUnread(ctx, conv.ID, "bob", time.Time{})
	if err != nil || uc.Count != 1 || !uc.AsOf.Equal(m.CreatedAt) {
		t.Fatalf("unread = %+v, err %v", uc, err)
	}
	if err := bob.MarkRead(ctx, conv.ID, "bob", m.CreatedAt); err != nil {
		t.Fatal(err)
	}
	list, err := bob.ListConversations(ctx, "bob")
	if err != nil || len(list) != 1 || !list[0].LastReadAt("bob").Equal(m.CreatedAt) {
		t.Fatalf("list = %+v, err %v", list, err)
	}

	if _, err := alice.Send(ctx, conv.ID, "bob", "spoof"); err == nil {
		t.Fatal("send on behalf of another user accepted")
	}
}

func TestSubscriptionsDeliverEvents(t *testing.T) {
	r := startRelay(t)
	alice := r.client(t, "alice")
	bob := r.client(t, "bob")
	ctx := context.Background()
	conv, _ := alice.FindOrCreateConversation(ctx, "alice", "bob")

	var mu sync.Mutex
	var inserts []transport.Insert
	var presence []transport.PresenceSync
	var reads []transport.ReadUpdate
	if _, err := bob.SubscribeInsert(ctx, conv.ID, func(ev transport.Insert) {
		mu.Lock()
		inserts = append(inserts, ev)
		mu.Unlock()
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := bob.SubscribePresence(ctx, conv.ID, func(ev transport.PresenceSync) {
		mu.Lock()
		presence = append(presence, ev)
		mu.Unlock()
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := alice.SubscribeUpdate(ctx, conv.ID, func(ev transport.ReadUpdate) {
		mu.Lock()
		reads = append(reads, ev)
		mu.Unlock()
	}); err != nil {
		t.Fatal(err)
	}

	for _, text := range []string{"1", "2", "3"} {
		if _, err := alice.Send(ctx, conv.ID, "alice", text); err != nil {
			t.Fatal(err)
		}
	}
	sig := model.TypingSignal{ConversationID: conv.ID, UserID: "alice", IsTyping: true, At: time.Now().UTC()}
	if err := alice.PublishPresence(ctx, conv.ID, sig); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "three inserts and a presence signal", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(inserts) == 3 && len(presence) == 1
	})
	mu.Lock()
	for i, want := range []string{"1", "2", "3"} {
		if inserts[i].Message.Text != want {
			t.Errorf("insert %d = %q, want %q", i, inserts[i].Message.Text, want)
		}
	}
	last := inserts[2].Message
	mu.Unlock()

	if err := bob.MarkRead(ctx, conv.ID, "bob", last.CreatedAt); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "read update", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reads) == 1 && reads[0].UserID == "bob"
	})
}

func TestSubscribeForeignConversationRejected(t *testing.T) {
	r := startRelay(t)
	alice := r.client(t, "alice")
	mallory := r.client(t, "mallory")
	ctx := context.Background()
	conv, _ := alice.FindOrCreateConversation(ctx, "alice", "bob")

	_, err := mallory.SubscribeInsert(ctx, conv.ID, func(transport.Insert) {})
	if err == nil {
		t.Fatal("outsider subscribed")
	}
	if errors.Is(err, transport.ErrUnauthorized) || errors.Is(err, transport.ErrUnavailable) {
		t.Fatalf("forbidden must not be fatal or retryable: %v", err)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r := startRelay(t)
	alice := r.client(t, "alice")
	bob := r.client(t, "bob")
	ctx := context.Background()
	conv, _ := alice.FindOrCreateConversation(ctx, "alice", "bob")

	var got atomic.Int32
	unsub, err := bob.SubscribeInsert(ctx, conv.ID, func(transport.Insert) { got.Add(1) })
	if err != nil {
		t.Fatal(err)
	}
	alice.Send(ctx, conv.ID, "alice", "before")
	waitFor(t, "first insert", func() bool { return got.Load() == 1 })

	unsub()
	unsub()
	alice.Send(ctx, conv.ID, "alice", "after")
	time.Sleep(100 * time.Millisecond)
	if got.Load() != 1 {
		t.Fatalf("delivered %d inserts after unsubscribe", got.Load())
	}
}

func TestBreakerOpensOnRepeatedFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := New(Options{RelayURL: srv.URL, UserID: "alice", BreakerMaxFailures: 2, BreakerTimeout: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := c.FetchHistory(ctx, "c1"); !errors.Is(err, transport.ErrUnavailable) {
			t.Fatalf("call %d err = %v", i, err)
		}
	}
	if hits.Load() != 2 {
		t.Fatalf("relay hit %d times, breaker should have opened after 2", hits.Load())
	}
}

func TestUnauthorizedIsMapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	c, _ := New(Options{RelayURL: srv.URL, UserID: "alice"})
	defer c.Close()
	if _, err := c.ListConversations(context.Background(), "alice"); !errors.Is(err, transport.ErrUnauthorized) {
		t.Fatalf("err = %v", err)
	}
}

func (r *relay) engine(t *testing.T, user string) *syncengine.Engine {
	t.Helper()
	opts := syncengine.Options{
		SendRetryBase:      5 * time.Millisecond,
		SubscribeRetryBase: 5 * time.Millisecond,
		FetchTimeout:       2 * time.Second,
	}
	e, err := syncengine.New(r.client(t, user), syncengine.StaticIdentity(user), opts)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return e
}

// Два движка поверх настоящего relay: сообщение, прочтение и набор текста доходят до собеседника.
func TestEnginesOverRelay(t *testing.T) {
	r := startRelay(t)
	alice := r.engine(t, "alice")
	bob := r.engine(t, "bob")
	ctx := context.Background()

	conv, err := alice.StartConversation(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if err := alice.OpenConversation(ctx, conv.ID); err != nil {
		t.Fatal(err)
	}
	if err := bob.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if err := bob.OpenConversation(ctx, conv.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := alice.SendText(ctx, "hi bob"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "bob to see the message", func() bool {
		msgs, _ := bob.Messages(ctx)
		return len(msgs) == 1 && msgs[0].Text == "hi bob" && msgs[0].ID.IsConfirmed()
	})
	waitFor(t, "alice's copy to be read by bob", func() bool {
		msgs, _ := alice.Messages(ctx)
		return len(msgs) == 1 && msgs[0].Status == model.StatusRead
	})

	if err := bob.SetTyping(ctx, true); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "alice to see bob typing", func() bool {
		users, _ := alice.TypingUsers(ctx)
		return len(users) == 1 && users[0] == "bob"
	})
}

// Переписку начал собеседник и успел написать: Refresh досчитывает
// непрочитанные по истории, а открытие переписки по сохранённым меткам
// времени отмечает прочитанными все сообщения у отправителя.
func TestUnreadAndReceiptsFromStoredHistory(t *testing.T) {
	r := startRelay(t)
	alice := r.engine(t, "alice")
	ctx := context.Background()
	waitFor(t, "alice's baseline", func() bool {
		n, err := alice.UnreadTotal()
		return err == nil && n == 0
	})

	carol := r.engine(t, "carol")
	conv, err := carol.StartConversation(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if err := carol.OpenConversation(ctx, conv.ID); err != nil {
		t.Fatal(err)
	}
	for _, text := range []string{"one", "two"} {
		if _, err := carol.SendText(ctx, text); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "carol's sends to confirm", func() bool {
		msgs, _ := carol.Messages(ctx)
		return len(msgs) == 2 && msgs[0].ID.IsConfirmed() && msgs[1].ID.IsConfirmed()
	})

	if err := alice.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if n, err := alice.UnreadTotal(); err != nil || n != 2 {
		t.Fatalf("unread after refresh = %d, %v; want 2", n, err)
	}

	if err := alice.OpenConversation(ctx, conv.ID); err != nil {
		t.Fatal(err)
	}
	if n, err := alice.UnreadTotal(); err != nil || n != 0 {
		t.Fatalf("unread after open = %d, %v; want 0", n, err)
	}
	waitFor(t, "both of carol's messages to read as read", func() bool {
		msgs, _ := carol.Messages(ctx)
		return len(msgs) == 2 && msgs[0].Status == model.StatusRead && msgs[1].Status == model.StatusRead
	})
	stored, err := r.store.GetByID(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	uc, err := r.store.UnreadCount(ctx, conv.ID, "alice", stored.LastReadAt("alice"))
	if err != nil || uc.Count != 0 {
		t.Fatalf("stored unread after open = %+v, %v", uc, err)
	}
}
