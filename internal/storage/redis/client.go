package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/storage"
)

const (
	convChannelPrefix = "conv:"
	typingKeyPrefix   = "typing:"
	sendLimitPrefix   = "send_limit:"
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// Publish отправляет событие в канал conv:{id}.
func (c *Client) Publish(ctx context.Context, conversationID string, payload []byte) error {
	if err := c.cli.Publish(ctx, convChannelPrefix+conversationID, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", conversationID, err)
	}
	return nil
}

// Subscribe слушает conv:* через PSUBSCRIBE. Redis pub/sub не буферизует:
// события, опубликованные пока подписки нет, теряются; клиент догоняет через FetchHistory.
func (c *Client) Subscribe(ctx context.Context, ready func(), fn func(conversationID string, payload []byte)) error {
	ps := c.cli.PSubscribe(ctx, convChannelPrefix+"*")
	defer ps.Close()
	// Receive ждёт подтверждения psubscribe от сервера.
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("redis psubscribe: %w", err)
	}
	if ready != nil {
		ready()
	}
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis psubscribe: channel closed")
			}
			fn(strings.TrimPrefix(msg.Channel, convChannelPrefix), []byte(msg.Payload))
		}
	}
}

func typingKey(conversationID, userID string) string {
	return typingKeyPrefix + conversationID + ":" + userID
}

// SetTyping — ключ typing:{conv}:{user} живёт ttl; снятие набора удаляет его сразу.
func (c *Client) SetTyping(ctx context.Context, conversationID, userID string, ttl time.Duration, typing bool) error {
	if !typing {
		return c.cli.Del(ctx, typingKey(conversationID, userID)).Err()
	}
	return c.cli.Set(ctx, typingKey(conversationID, userID), "1", ttl).Err()
}

func (c *Client) TypingUsers(ctx context.Context, conversationID string) ([]string, error) {
	prefix := typingKeyPrefix + conversationID + ":"
	var users []string
	iter := c.cli.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		users = append(users, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis typing scan %s: %w", conversationID, err)
	}
	return users, nil
}

// AllowSend: INCR send_limit:{user}, окно выставляется первым инкрементом.
func (c *Client) AllowSend(ctx context.Context, userID string) (bool, error) {
	key := sendLimitPrefix + userID
	n, err := c.cli.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if n == 1 {
		if err := c.cli.Expire(ctx, key, storage.SendRateLimitWindow).Err(); err != nil {
			logger.Errorf("redis expire %s: %v", key, err)
		}
	}
	return n <= int64(storage.SendRateLimitMax), nil
}

// FlushDB очищает текущую БД Redis (сброс typing-ключей и лимитов при перезапуске dev-окружения).
func (c *Client) FlushDB(ctx context.Context) error {
	return c.cli.FlushDB(ctx).Err()
}

var _ storage.Bus = (*Client)(nil)
