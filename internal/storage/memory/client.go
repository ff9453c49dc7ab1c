package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/storage"
)

// subscriberBuffer — сколько событий может отстать подписчик, прежде чем новые начнут отбрасываться.
const subscriberBuffer = 1024

type event struct {
	conversationID string
	payload        []byte
}

type Client struct {
	mu     sync.RWMutex
	subs   map[chan event]struct{}
	typing map[string]map[string]time.Time
	limit  map[string][]time.Time
	now    func() time.Time
}

func New() *Client {
	return &Client{
		subs:   make(map[chan event]struct{}),
		typing: make(map[string]map[string]time.Time),
		limit:  make(map[string][]time.Time),
		now:    time.Now,
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) Publish(ctx context.Context, conversationID string, payload []byte) error {
	ev := event{conversationID: conversationID, payload: append([]byte(nil), payload...)}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for ch := range c.subs {
		select {
		case ch <- ev:
		default:
			logger.Errorf("memory bus: subscriber lagging, dropped event for %s", conversationID)
		}
	}
	return nil
}

func (c *Client) Subscribe(ctx context.Context, ready func(), fn func(conversationID string, payload []byte)) error {
	ch := make(chan event, subscriberBuffer)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()
	if ready != nil {
		ready()
	}
	defer func() {
		c.mu.Lock()
		delete(c.subs, ch)
		c.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-ch:
			fn(ev.conversationID, ev.payload)
		}
	}
}

func (c *Client) SetTyping(ctx context.Context, conversationID, userID string, ttl time.Duration, typing bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	users := c.typing[conversationID]
	if !typing {
		delete(users, userID)
		return nil
	}
	if users == nil {
		users = make(map[string]time.Time)
		c.typing[conversationID] = users
	}
	users[userID] = c.now().Add(ttl)
	return nil
}

func (c *Client) TypingUsers(ctx context.Context, conversationID string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var out []string
	for u, exp := range c.typing[conversationID] {
		if now.After(exp) {
			delete(c.typing[conversationID], u)
			continue
		}
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

// AllowSend — скользящее окно по времени отправок.
func (c *Client) AllowSend(ctx context.Context, userID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	cut := now.Add(-storage.SendRateLimitWindow)
	var kept []time.Time
	for _, t := range c.limit[userID] {
		if t.After(cut) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= storage.SendRateLimitMax {
		c.limit[userID] = kept
		return false, nil
	}
	c.limit[userID] = append(kept, now)
	return true, nil
}

var _ storage.Bus = (*Client)(nil)
