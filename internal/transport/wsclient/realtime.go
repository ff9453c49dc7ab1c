package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/transport"
	"github.com/chatsync/internal/ws"
)

func (c *Client) SubscribeInsert(ctx context.Context, conversationID string, onInsert func(transport.Insert)) (transport.Unsubscribe, error) {
	return c.subscribe(ctx, transport.EventInsert, []string{conversationID}, func(ev transport.Event) {
		if ins, ok := ev.(transport.Insert); ok {
			onInsert(ins)
		}
	})
}

func (c *Client) SubscribePresence(ctx context.Context, conversationID string, onSync func(transport.PresenceSync)) (transport.Unsubscribe, error) {
	return c.subscribe(ctx, transport.EventPresence, []string{conversationID}, func(ev transport.Event) {
		if p, ok := ev.(transport.PresenceSync); ok {
			onSync(p)
		}
	})
}

func (c *Client) SubscribeUpdate(ctx context.Context, conversationID string, onUpdate func(transport.ReadUpdate)) (transport.Unsubscribe, error) {
	return c.subscribe(ctx, transport.EventReadUpdate, []string{conversationID}, func(ev transport.Event) {
		if u, ok := ev.(transport.ReadUpdate); ok {
			onUpdate(u)
		}
	})
}

func (c *Client) SubscribeInserts(ctx context.Context, conversationIDs []string, onInsert func(transport.Insert)) (transport.Unsubscribe, error) {
	return c.subscribe(ctx, transport.EventInsert, conversationIDs, func(ev transport.Event) {
		if ins, ok := ev.(transport.Insert); ok {
			onInsert(ins)
		}
	})
}

func (c *Client) PublishPresence(ctx context.Context, conversationID string, sig model.TypingSignal) error {
	if err := c.checkSelf(sig.UserID); err != nil {
		return err
	}
	_, err := c.request(ctx, ws.IncomingMessage{
		Type:           ws.FramePresence,
		ConversationID: conversationID,
		Signal:         &sig,
	})
	return err
}

func (c *Client) nextID(prefix string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return prefix + strconv.FormatUint(c.seq, 10)
}

// subscribe регистрирует подписку до отправки фрейма: relay начинает слать
// события только после регистрации у себя, а она предшествует ack.
func (c *Client) subscribe(ctx context.Context, kind transport.EventType, ids []string, fn func(transport.Event)) (transport.Unsubscribe, error) {
	id := c.nextID("s")
	s := &subscription{
		frame: ws.IncomingMessage{Type: ws.FrameSubscribe, SubID: id, Kind: kind, ConversationIDs: ids},
		mb:    transport.NewMailbox(),
		fn:    fn,
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.mb.Close()
		return nil, fmt.Errorf("%w: client closed", transport.ErrUnavailable)
	}
	c.subs[id] = s
	c.mu.Unlock()

	if _, err := c.request(ctx, s.frame); err != nil {
		c.dropSub(id)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if !c.dropSub(id) {
				return
			}
			c.mu.Lock()
			connected := c.conn != nil
			c.mu.Unlock()
			if !connected {
				return
			}
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				ctx, cancel := context.WithTimeout(c.ctx, c.opts.RequestTimeout)
				defer cancel()
				if _, err := c.request(ctx, ws.IncomingMessage{Type: ws.FrameUnsubscribe, SubID: id}); err != nil {
					logger.Debugf("wsclient: unsubscribe %s: %v", id, err)
				}
			}()
		})
	}, nil
}

func (c *Client) dropSub(id string) bool {
	c.mu.Lock()
	s, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		s.mb.Close()
	}
	return ok
}

// request отправляет фрейм и ждёт ack или error с тем же request_id.
func (c *Client) request(ctx context.Context, frame ws.IncomingMessage) (ws.OutgoingMessage, error) {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return ws.OutgoingMessage{}, err
	}
	frame.RequestID = c.nextID("r")
	ch := make(chan ws.OutgoingMessage, 1)
	c.mu.Lock()
	c.pending[frame.RequestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, frame.RequestID)
		c.mu.Unlock()
	}()

	if err := c.write(conn, frame); err != nil {
		conn.Close()
		return ws.OutgoingMessage{}, fmt.Errorf("%w: write %s: %v", transport.ErrUnavailable, frame.Type, err)
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case reply, ok := <-ch:
		if !ok {
			return ws.OutgoingMessage{}, fmt.Errorf("%w: connection lost", transport.ErrUnavailable)
		}
		if reply.Type == ws.FrameError {
			return reply, frameError(reply)
		}
		return reply, nil
	case <-ctx.Done():
		return ws.OutgoingMessage{}, fmt.Errorf("%w: %v", transport.ErrUnavailable, ctx.Err())
	case <-timer.C:
		return ws.OutgoingMessage{}, fmt.Errorf("%w: %s timed out", transport.ErrUnavailable, frame.Type)
	}
}

func frameError(reply ws.OutgoingMessage) error {
	switch reply.Code {
	case ws.CodeUnauthorized:
		return transport.ErrUnauthorized
	case ws.CodeInternal, ws.CodeLimit:
		return fmt.Errorf("%w: %s", transport.ErrUnavailable, reply.Error)
	}
	return fmt.Errorf("relay: %s: %s", reply.Code, reply.Error)
}

func (c *Client) write(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}

// ensureConn возвращает текущее соединение или устанавливает новое.
func (c *Client) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%w: client closed", transport.ErrUnavailable)
	}
	if conn != nil {
		return conn, nil
	}

	c.dialMu.Lock()
	defer c.dialMu.Unlock()
	c.mu.Lock()
	conn = c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialWait)
	defer cancel()
	header := http.Header{}
	c.setHeaders(header)
	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, c.wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, transport.ErrUnauthorized
		}
		return nil, fmt.Errorf("%w: dial %s: %v", transport.ErrUnavailable, c.wsURL, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return nil, fmt.Errorf("%w: client closed", transport.ErrUnavailable)
	}
	c.conn = conn
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(conn)
	logger.Debugf("wsclient: connected %s as %s", c.wsURL, c.opts.UserID)
	return conn, nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	defer c.connLost(conn)

	extend := func() error { return conn.SetReadDeadline(time.Now().Add(pongWait)) }
	if err := extend(); err != nil {
		return
	}
	conn.SetPingHandler(func(data string) error {
		if err := extend(); err != nil {
			return err
		}
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("wsclient read: %v", err)
			}
			return
		}
		var msg ws.OutgoingMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Errorf("wsclient: malformed frame: %v", err)
			continue
		}
		switch msg.Type {
		case ws.FrameAck, ws.FrameError:
			c.mu.Lock()
			ch := c.pending[msg.RequestID]
			c.mu.Unlock()
			if ch != nil {
				select {
				case ch <- msg:
				default:
				}
			} else if msg.Type == ws.FrameError {
				logger.Errorf("wsclient: relay error %s: %s", msg.Code, msg.Error)
			}
		case ws.FrameEvent:
			c.deliver(msg)
		}
	}
}

// deliver валидирует событие на границе и ставит его в очередь подписки.
func (c *Client) deliver(msg ws.OutgoingMessage) {
	c.mu.Lock()
	s := c.subs[msg.SubID]
	c.mu.Unlock()
	if s == nil {
		return
	}
	var env transport.Envelope
	if err := json.Unmarshal(msg.Event, &env); err != nil {
		logger.Errorf("wsclient: %v: %v", transport.ErrInvalidEvent, err)
		return
	}
	ev, err := transport.DecodeEnvelope(env)
	if err != nil {
		logger.Errorf("wsclient: dropped event for %s: %v", env.ConversationID, err)
		return
	}
	fn := s.fn
	s.mb.Push(func() { fn(ev) })
}

func (c *Client) connLost(conn *websocket.Conn) {
	conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	resume := !c.closed && len(c.subs) > 0 && !c.reconnecting
	if resume {
		c.reconnecting = true
	}
	c.mu.Unlock()

	if resume {
		c.wg.Add(1)
		go c.reconnect()
	}
}

// reconnect восстанавливает соединение и все подписки с экспоненциальной паузой.
func (c *Client) reconnect() {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	op := func() error {
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.RequestTimeout)
		defer cancel()
		if _, err := c.ensureConn(ctx); err != nil {
			if errors.Is(err, transport.ErrUnauthorized) {
				return backoff.Permanent(err)
			}
			return err
		}
		c.mu.Lock()
		frames := make([]ws.IncomingMessage, 0, len(c.subs))
		for _, s := range c.subs {
			frames = append(frames, s.frame)
		}
		c.mu.Unlock()
		for _, f := range frames {
			if _, err := c.request(ctx, f); err != nil {
				if errors.Is(err, transport.ErrUnavailable) {
					return err
				}
				logger.Errorf("wsclient: resubscribe %s: %v", f.SubID, err)
			}
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Errorf("wsclient: reconnect failed, retry in %v: %v", wait, err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, c.ctx), notify); err != nil {
		if c.ctx.Err() == nil {
			logger.Errorf("wsclient: giving up reconnect: %v", err)
		}
		return
	}
	logger.Infof("wsclient: reconnected, %d subscriptions restored", c.subscriptionCount())
	if c.opts.OnReconnect != nil {
		c.opts.OnReconnect()
	}
}

func (c *Client) subscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}
