package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/raulk/clock"

	"github.com/chatsync/internal/model"
)

type recorder struct {
	mu   sync.Mutex
	sent []model.TypingSignal
}

func (r *recorder) publish(_ context.Context, _ string, sig model.TypingSignal) error {
	r.mu.Lock()
	r.sent = append(r.sent, sig)
	r.mu.Unlock()
	return nil
}

func (r *recorder) signals() []model.TypingSignal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.TypingSignal(nil), r.sent...)
}

func TestLeaseExpiresWithoutStop(t *testing.T) {
	clk := clock.NewMock()
	tr := NewTracker("alice", nil, clk, DefaultTTL)

	tr.Receive(model.TypingSignal{ConversationID: "c1", UserID: "bob", IsTyping: true, At: clk.Now()})
	if got := tr.TypingUsers("c1"); len(got) != 1 || got[0] != "bob" {
		t.Fatalf("TypingUsers = %v", got)
	}

	clk.Add(2900 * time.Millisecond)
	if got := tr.TypingUsers("c1"); len(got) != 1 {
		t.Fatalf("lease expired early at 2.9s: %v", got)
	}

	clk.Add(200 * time.Millisecond)
	if got := tr.TypingUsers("c1"); len(got) != 0 {
		t.Fatalf("lease still active at 3.1s: %v", got)
	}
	obs := tr.Observe("c1")
	if len(obs) != 1 || obs[0].IsTyping {
		t.Errorf("Observe = %+v, want bob not typing", obs)
	}
}

func TestOwnSignalIgnored(t *testing.T) {
	clk := clock.NewMock()
	tr := NewTracker("alice", nil, clk, DefaultTTL)
	if tr.Receive(model.TypingSignal{ConversationID: "c1", UserID: "alice", IsTyping: true, At: clk.Now()}) {
		t.Fatal("own signal accepted")
	}
	if got := tr.TypingUsers("c1"); len(got) != 0 {
		t.Errorf("TypingUsers = %v", got)
	}
}

func TestStaleSignalDropped(t *testing.T) {
	clk := clock.NewMock()
	tr := NewTracker("alice", nil, clk, DefaultTTL)
	t0 := clk.Now()
	tr.Receive(model.TypingSignal{ConversationID: "c1", UserID: "bob", IsTyping: true, At: t0.Add(time.Second)})
	if tr.Receive(model.TypingSignal{ConversationID: "c1", UserID: "bob", IsTyping: false, At: t0}) {
		t.Fatal("older stop signal accepted")
	}
	if got := tr.TypingUsers("c1"); len(got) != 1 {
		t.Errorf("stale stop cleared typing: %v", got)
	}
}

func TestSetTypingForeignUser(t *testing.T) {
	tr := NewTracker("alice", nil, clock.NewMock(), DefaultTTL)
	if err := tr.SetTyping(context.Background(), "c1", "bob", true); !errors.Is(err, ErrForeignSignal) {
		t.Fatalf("expected ErrForeignSignal, got %v", err)
	}
}

func TestBurstIsThrottledAndStoppedOnce(t *testing.T) {
	clk := clock.NewMock()
	rec := &recorder{}
	tr := NewTracker("alice", rec.publish, clk, DefaultTTL)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := tr.SetTyping(ctx, "c1", "alice", true); err != nil {
			t.Fatalf("SetTyping: %v", err)
		}
		clk.Add(100 * time.Millisecond)
	}
	if n := len(rec.signals()); n != 1 {
		t.Fatalf("published %d times within TTL/3, want 1", n)
	}

	clk.Add(DefaultTTL / 3)
	tr.SetTyping(ctx, "c1", "alice", true)
	if n := len(rec.signals()); n != 2 {
		t.Fatalf("refresh after TTL/3 published %d total, want 2", n)
	}

	tr.SetTyping(ctx, "c1", "alice", false)
	tr.SetTyping(ctx, "c1", "alice", false)
	sent := rec.signals()
	if len(sent) != 3 || sent[2].IsTyping {
		t.Fatalf("stop not published exactly once: %+v", sent)
	}
	if tr.Typing("c1") {
		t.Error("burst still active after stop")
	}
}

func TestBurstAutoStops(t *testing.T) {
	clk := clock.NewMock()
	rec := &recorder{}
	tr := NewTracker("alice", rec.publish, clk, DefaultTTL)
	if err := tr.SetTyping(context.Background(), "c1", "alice", true); err != nil {
		t.Fatalf("SetTyping: %v", err)
	}

	clk.Add(DefaultTTL + time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	for tr.Typing("c1") && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	for len(rec.signals()) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	sent := rec.signals()
	if len(sent) != 2 || sent[1].IsTyping {
		t.Fatalf("auto-stop not published: %+v", sent)
	}
}

func TestClearDoesNotPublish(t *testing.T) {
	clk := clock.NewMock()
	rec := &recorder{}
	tr := NewTracker("alice", rec.publish, clk, DefaultTTL)
	tr.SetTyping(context.Background(), "c1", "alice", true)
	tr.Receive(model.TypingSignal{ConversationID: "c1", UserID: "bob", IsTyping: true, At: clk.Now()})

	tr.Clear("c1")
	clk.Add(2 * DefaultTTL)
	time.Sleep(5 * time.Millisecond)
	if n := len(rec.signals()); n != 1 {
		t.Errorf("published %d signals, want only the initial one", n)
	}
	if got := tr.Observe("c1"); len(got) != 0 {
		t.Errorf("leases survived Clear: %+v", got)
	}
}

func TestBeginArmsBurstWithoutPublishing(t *testing.T) {
	clk := clock.NewMock()
	rec := &recorder{}
	tr := NewTracker("alice", rec.publish, clk, DefaultTTL)

	sig, err := tr.Begin("c1", "alice", true)
	if err != nil || sig == nil || !sig.IsTyping || sig.UserID != "alice" {
		t.Fatalf("Begin = %+v, %v", sig, err)
	}
	if !tr.Typing("c1") {
		t.Fatal("burst not armed")
	}
	if n := len(rec.signals()); n != 0 {
		t.Fatalf("Begin published %d signals", n)
	}
	if again, _ := tr.Begin("c1", "alice", true); again != nil {
		t.Errorf("refresh inside the throttle window returned %+v", again)
	}

	// the view closes before the signal goes out
	tr.Clear("c1")
	clk.Add(2 * DefaultTTL)
	time.Sleep(5 * time.Millisecond)
	if tr.Typing("c1") || len(rec.signals()) != 0 {
		t.Fatalf("cleared burst still alive: typing=%v sent=%+v", tr.Typing("c1"), rec.signals())
	}
	if stop, _ := tr.Begin("c1", "alice", false); stop != nil {
		t.Errorf("stop without a burst returned %+v", stop)
	}
}
