package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/transport"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 8192
	defaultSendBuffer     = 256
)

// ClientLimits — параметры одного соединения. Нулевые поля берут значения по умолчанию.
type ClientLimits struct {
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
}

func (l ClientLimits) withDefaults() ClientLimits {
	if l.SendBuffer <= 0 {
		l.SendBuffer = defaultSendBuffer
	}
	if l.WriteWait <= 0 {
		l.WriteWait = defaultWriteWait
	}
	if l.PongWait <= 0 {
		l.PongWait = defaultPongWait
	}
	if l.MaxMessageSize <= 0 {
		l.MaxMessageSize = defaultMaxMessageSize
	}
	return l
}

func (l ClientLimits) pingPeriod() time.Duration { return (l.PongWait * 9) / 10 }

// bufPool pools bytes.Buffer for JSON encoding in the hot-path (writePump).
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// subscription — одна подписка соединения: тип событий и набор переписок (или все переписки пользователя).
type subscription struct {
	kind  transport.EventType
	convs map[string]struct{}
	all   bool
}

type matchedSub struct {
	id  string
	all bool
}

// Client represents a single WebSocket connection.
// Lifecycle: NewClient -> Start(ctx, cancel) -> [ReadPump, WritePump] -> Close -> Wait.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan OutgoingMessage
	userID string
	limits ClientLimits

	subMu sync.Mutex
	subs  map[string]*subscription

	// done is used as a non-blocking guard in sendToClient.
	done chan struct{}
	// cancel cancels the context passed to Start, triggering pump shutdown.
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string, limits ClientLimits) *Client {
	limits = limits.withDefaults()
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan OutgoingMessage, limits.SendBuffer),
		userID: userID,
		limits: limits,
		subs:   make(map[string]*subscription),
		done:   make(chan struct{}),
	}
}

// addSub регистрирует подписку; повторный sub_id заменяет прежнюю.
func (c *Client) addSub(id string, s *subscription) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if _, exists := c.subs[id]; !exists && len(c.subs) >= maxSubscriptionsPerClient {
		return false
	}
	c.subs[id] = s
	return true
}

func (c *Client) removeSub(id string) {
	c.subMu.Lock()
	delete(c.subs, id)
	c.subMu.Unlock()
}

func (c *Client) matching(kind transport.EventType, conversationID string) []matchedSub {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	var out []matchedSub
	for id, s := range c.subs {
		if s.kind != kind {
			continue
		}
		if s.all {
			out = append(out, matchedSub{id: id, all: true})
			continue
		}
		if _, ok := s.convs[conversationID]; ok {
			out = append(out, matchedSub{id: id})
		}
	}
	return out
}

// Start launches ReadPump and WritePump goroutines with controlled lifecycle.
// ctx controls pump lifetime; cancel is stored for Close().
func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Wait blocks until both pump goroutines have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close signals the client to stop. Safe to call multiple times from any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		// Force both pumps to unblock (ReadMessage / WriteMessage will error).
		c.conn.Close()
	})
}

// readPump reads frames from the WebSocket connection.
// Exits on read error (triggered by conn.Close from Close() or WritePump exit).
func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.limits.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.limits.PongWait)); err != nil {
		logger.Errorf("ws set read deadline user=%s: %v", c.userID, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.limits.PongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error user=%s: %v", c.userID, err)
			}
			return
		}

		var msg IncomingMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Errorf("ws unmarshal error user=%s: %v", c.userID, err)
			c.hub.sendToClient(c, fail("", CodeBadRequest, "malformed frame"))
			continue
		}

		c.hub.HandleMessage(ctx, c, msg)
	}
}

// writePump writes frames to the WebSocket connection.
// Exits on ctx cancellation, write error, or connection close.
func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.limits.pingPeriod())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			if err := c.conn.WriteMessage(websocket.CloseMessage, nil); err != nil {
				logger.Debugf("ws close message user=%s: %v", c.userID, err)
			}
			return
		case msg := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.limits.WriteWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.userID, err)
				return
			}
			buf := bufPool.Get().(*bytes.Buffer)
			buf.Reset()
			enc := json.NewEncoder(buf)
			if err := enc.Encode(msg); err != nil {
				bufPool.Put(buf)
				logger.Errorf("ws marshal error user=%s: %v", c.userID, err)
				continue
			}
			data := buf.Bytes()
			// json.Encoder appends '\n'; trim it for WebSocket text messages.
			if len(data) > 0 && data[len(data)-1] == '\n' {
				data = data[:len(data)-1]
			}
			writeErr := c.conn.WriteMessage(websocket.TextMessage, data)
			bufPool.Put(buf)
			if writeErr != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.limits.WriteWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.userID, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
