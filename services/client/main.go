// Command client — терминальный клиент переписки один-на-один поверх relay.
//
//	client -user alice -peer bob
//
// Строка ввода отправляется как сообщение. Команды: /typing, /list, /retry <id>, /quit.
// С -offline relay не нужен: собеседник имитируется в памяти и отвечает эхом.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/syncengine"
	"github.com/chatsync/internal/transport"
	"github.com/chatsync/internal/transport/memory"
	"github.com/chatsync/internal/transport/wsclient"
	"github.com/chatsync/internal/unread"
)

func main() {
	logger.SetPrefix("client")
	user := flag.String("user", os.Getenv("CHAT_USER"), "own user id")
	peer := flag.String("peer", "", "user id to talk to")
	offline := flag.Bool("offline", false, "simulate the relay and the peer in process")
	flag.Parse()

	if *user == "" || *peer == "" || *user == *peer {
		fmt.Fprintln(os.Stderr, "usage: client -user <id> -peer <id> [-offline]")
		os.Exit(2)
	}

	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var engine atomic.Pointer[syncengine.Engine]
	var active atomic.Value // string

	var backend transport.Backend
	if *offline {
		mb := memory.New(nil)
		go echoPeer(ctx, mb, *peer)
		backend = mb
	} else {
		wc, err := wsclient.New(wsclient.Options{
			RelayURL:           cfg.Client.RelayURL,
			UserID:             *user,
			RequestTimeout:     cfg.Client.RequestTimeout,
			BreakerMaxFailures: uint32(cfg.Client.BreakerMaxFailures),
			BreakerTimeout:     cfg.Client.BreakerTimeout,
			OnReconnect: func() {
				e := engine.Load()
				if e == nil {
					return
				}
				// События, пропущенные в разрыв, возвращаются перечитыванием истории.
				go resync(ctx, e, activeID(&active))
			},
		})
		if err != nil {
			logger.Errorf("relay client: %v", err)
			os.Exit(1)
		}
		defer wc.Close()
		backend = wc
	}

	changes := make(chan struct{}, 1)
	e, err := syncengine.New(backend, syncengine.StaticIdentity(*user), syncengine.Options{
		SendMaxAttempts:      cfg.Sync.SendMaxAttempts,
		SendRetryBase:        cfg.Sync.SendRetryBase,
		SendRetryMax:         cfg.Sync.SendRetryMax,
		SubscribeMaxAttempts: cfg.Sync.SubscribeMaxAttempts,
		SubscribeRetryBase:   cfg.Sync.SubscribeRetryBase,
		TypingTTL:            cfg.Sync.TypingTTL,
		FetchTimeout:         cfg.Sync.FetchTimeout,
		Notifier:             bellNotifier{},
		OnChange: func() {
			select {
			case changes <- struct{}{}:
			default:
			}
		},
	})
	if err != nil {
		logger.Errorf("engine: %v", err)
		os.Exit(1)
	}
	engine.Store(e)

	runErr := make(chan error, 1)
	go func() { runErr <- e.Run(ctx) }()

	conv, err := e.StartConversation(ctx, *peer)
	if err != nil {
		logger.Errorf("start conversation with %s: %v", *peer, err)
		os.Exit(1)
	}
	if err := e.OpenConversation(ctx, conv.ID); err != nil {
		logger.Errorf("open conversation %s: %v", conv.ID, err)
		os.Exit(1)
	}
	active.Store(conv.ID)
	fmt.Printf("conversation %s with %s\n", conv.ID, *peer)

	view := newView(*user)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.Done():
				return
			case <-changes:
				view.render(ctx, e)
			}
		}
	}()

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-runErr:
			if err != nil {
				logger.Errorf("session ended: %v", err)
			}
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if !handleLine(ctx, e, strings.TrimSpace(line)) {
				break loop
			}
		}
	}

	stop()
	<-e.Done()
	wg.Wait()
	logger.Flush(2 * time.Second)
}

func activeID(v *atomic.Value) string {
	s, _ := v.Load().(string)
	return s
}

// handleLine returns false when the user asked to quit.
func handleLine(ctx context.Context, e *syncengine.Engine, line string) bool {
	switch {
	case line == "":
		return true
	case line == "/quit":
		return false
	case line == "/typing":
		if err := e.SetTyping(ctx, true); err != nil {
			fmt.Printf("! typing: %v\n", err)
		}
	case line == "/list":
		sums, err := e.Summaries(ctx)
		if err != nil {
			fmt.Printf("! list: %v\n", err)
			return true
		}
		for _, s := range sums {
			fmt.Printf("  %s %-10s %3d  %s\n", s.Conversation.ID, s.Conversation.Counterpart(e.Self()), s.UnreadCount, short(s.Conversation.LastMessagePreview))
		}
	case strings.HasPrefix(line, "/retry "):
		id := strings.TrimPrefix(strings.TrimSpace(strings.TrimPrefix(line, "/retry ")), "local:")
		if err := e.RetryMessage(ctx, model.LocalID(id)); err != nil {
			fmt.Printf("! retry %s: %v\n", id, err)
		}
	default:
		if _, err := e.SendText(ctx, line); err != nil {
			fmt.Printf("! send: %v\n", err)
		}
	}
	return true
}

func resync(ctx context.Context, e *syncengine.Engine, conversationID string) {
	if err := e.Refresh(ctx); err != nil {
		logger.Errorf("resync: refresh: %v", err)
	}
	if conversationID == "" {
		return
	}
	if err := e.CloseConversation(ctx, conversationID); err != nil && !errors.Is(err, syncengine.ErrClosed) {
		logger.Errorf("resync: close %s: %v", conversationID, err)
	}
	if err := e.OpenConversation(ctx, conversationID); err != nil {
		logger.Errorf("resync: reopen %s: %v", conversationID, err)
	}
}

// view печатает изменения ленты: новые сообщения и смену их статуса.
type view struct {
	self     string
	statuses map[string]model.DeliveryStatus
	typing   string
	unread   int
}

func newView(self string) *view {
	return &view{self: self, statuses: make(map[string]model.DeliveryStatus), unread: -1}
}

func (v *view) render(ctx context.Context, e *syncengine.Engine) {
	msgs, err := e.Messages(ctx)
	if err != nil {
		return
	}
	for _, m := range msgs {
		key := m.ClientKey
		if key == "" {
			key = m.ID.String()
		}
		prev, seen := v.statuses[key]
		v.statuses[key] = m.Status
		switch {
		case !seen:
			fmt.Printf("%s %-10s %s%s\n", m.CreatedAt.Local().Format("15:04:05"), m.SenderID+":", m.Text, v.suffix(m))
		case prev != m.Status && m.SenderID == v.self:
			fmt.Printf("         %s -> %s%s\n", short(m.Text), m.Status, v.retryHint(m))
		}
	}

	if users, err := e.TypingUsers(ctx); err == nil {
		typing := strings.Join(users, ", ")
		if typing != v.typing && typing != "" {
			fmt.Printf("         %s is typing...\n", typing)
		}
		v.typing = typing
	}

	if total, err := e.UnreadTotal(); err == nil && total != v.unread {
		if total > 0 {
			fmt.Printf("         unread elsewhere: %d\n", total)
		}
		v.unread = total
	} else if errors.Is(err, unread.ErrUnknown) {
		v.unread = -1
	}
	if err := e.LastError(); err != nil {
		logger.Debugf("last error: %v", err)
	}
}

func (v *view) suffix(m model.Message) string {
	if m.SenderID != v.self {
		return ""
	}
	return " [" + string(m.Status) + "]" + v.retryHint(m)
}

func (v *view) retryHint(m model.Message) string {
	if m.Status != model.StatusFailed {
		return ""
	}
	return " (/retry " + m.ID.Value() + ")"
}

func short(s string) string {
	r := []rune(s)
	if len(r) > 24 {
		return string(r[:21]) + "..."
	}
	return s
}

type bellNotifier struct{}

func (bellNotifier) NotifyUnread(m model.Message, total int) {
	fmt.Printf("\a* %s: %s (unread %d)\n", m.SenderID, short(m.Text), total)
}

// echoPeer отвечает на каждое входящее сообщение собеседника в офлайн-режиме.
func echoPeer(ctx context.Context, b *memory.Backend, peer string) {
	unsub, err := b.SubscribeInserts(ctx, nil, func(ev transport.Insert) {
		m := ev.Message
		if m.SenderID == peer {
			return
		}
		go func() {
			time.Sleep(300 * time.Millisecond)
			if err := b.MarkRead(ctx, m.ConversationID, peer, m.CreatedAt); err != nil {
				logger.Errorf("echo peer mark read: %v", err)
			}
			if _, err := b.Send(ctx, m.ConversationID, peer, "echo: "+m.Text); err != nil {
				logger.Errorf("echo peer: %v", err)
			}
		}()
	})
	if err != nil {
		logger.Errorf("echo peer subscribe: %v", err)
		return
	}
	<-ctx.Done()
	unsub()
}
