package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/repository"
	"github.com/chatsync/internal/storage"
	"github.com/chatsync/internal/transport"
)

// Conversations — то, что хабу нужно от хранилища переписок.
type Conversations interface {
	GetByID(ctx context.Context, id string) (*model.Conversation, error)
}

// maxSubscriptionsPerClient ограничивает число подписок на одно соединение.
const maxSubscriptionsPerClient = 256

// Hub держит WebSocket-клиентов и раздаёт им события с шины. Все события,
// включая порождённые этим инстансом, приходят через storage.Bus: с Redis
// одна и та же переписка обслуживается любым числом relay.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{}
	total    int
	maxConns int

	convs     Conversations
	bus       storage.Bus
	typingTTL time.Duration

	// parties кеширует участников переписки: состав пары не меняется.
	partiesMu sync.RWMutex
	parties   map[string][2]string

	unregister chan *Client
	done       chan struct{}
	ready      chan struct{}
	readyOnce  sync.Once
}

func NewHub(convs Conversations, bus storage.Bus, maxConns int, typingTTL time.Duration) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	if typingTTL <= 0 {
		typingTTL = 3 * time.Second
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		convs:      convs,
		bus:        bus,
		typingTTL:  typingTTL,
		parties:    make(map[string][2]string),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
		ready:      make(chan struct{}),
	}
}

// Ready закрывается, когда хаб впервые подписался на шину.
func (h *Hub) Ready() <-chan struct{} { return h.ready }

// Run обслуживает отключение клиентов и подписку на шину до отмены ctx.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.consumeBus(ctx)
	}()
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			wg.Wait()
			return
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// consumeBus переподписывается на шину, если подписка оборвалась (рестарт Redis).
func (h *Hub) consumeBus(ctx context.Context) {
	for {
		err := h.bus.Subscribe(ctx, func() { h.readyOnce.Do(func() { close(h.ready) }) }, h.dispatch)
		if ctx.Err() != nil {
			return
		}
		logger.Errorf("ws bus subscription dropped: %v", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	// Close connections outside the lock (network I/O).
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.total >= h.maxConns {
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return false
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	return true
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	if len(clients) == 0 {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()
}

// Connections returns the number of registered clients.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

// HandleMessage dispatches incoming WebSocket frames. Вызывается из readPump
// клиента, поэтому ответы на фреймы одного соединения идут в порядке запросов.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	switch msg.Type {
	case FrameSubscribe:
		h.handleSubscribe(ctx, c, msg)
	case FrameUnsubscribe:
		c.removeSub(msg.SubID)
		h.sendToClient(c, ack(msg.RequestID))
	case FramePresence:
		h.handlePresence(ctx, c, msg)
	default:
		h.sendToClient(c, fail(msg.RequestID, CodeBadRequest, "unknown frame type"))
	}
}

func (h *Hub) handleSubscribe(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleSubscribe", time.Now())()
	if msg.SubID == "" {
		h.sendToClient(c, fail(msg.RequestID, CodeBadRequest, "sub_id required"))
		return
	}
	switch msg.Kind {
	case transport.EventInsert:
	case transport.EventPresence, transport.EventReadUpdate:
		if len(msg.ConversationIDs) == 0 {
			h.sendToClient(c, fail(msg.RequestID, CodeBadRequest, "conversation_ids required"))
			return
		}
	default:
		h.sendToClient(c, fail(msg.RequestID, CodeBadRequest, "unknown kind"))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	sub := &subscription{kind: msg.Kind, all: len(msg.ConversationIDs) == 0}
	if !sub.all {
		sub.convs = make(map[string]struct{}, len(msg.ConversationIDs))
		for _, id := range msg.ConversationIDs {
			ok, err := h.isParticipant(ctx, id, c.userID)
			if err != nil {
				logger.Errorf("ws subscribe check conv=%s user=%s: %v", id, c.userID, err)
				h.sendToClient(c, fail(msg.RequestID, CodeInternal, "internal error"))
				return
			}
			if !ok {
				h.sendToClient(c, fail(msg.RequestID, CodeForbidden, "not a participant of "+id))
				return
			}
			sub.convs[id] = struct{}{}
		}
	}
	if !c.addSub(msg.SubID, sub) {
		h.sendToClient(c, fail(msg.RequestID, CodeLimit, "too many subscriptions"))
		return
	}
	// Подписка зарегистрирована до ack: всё, что опубликовано после ack, дойдёт.
	h.sendToClient(c, ack(msg.RequestID))
}

func (h *Hub) handlePresence(ctx context.Context, c *Client, msg IncomingMessage) {
	if msg.ConversationID == "" || msg.Signal == nil {
		h.sendToClient(c, fail(msg.RequestID, CodeBadRequest, "conversation_id and signal required"))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	ok, err := h.isParticipant(ctx, msg.ConversationID, c.userID)
	if err != nil {
		logger.Errorf("ws presence check conv=%s user=%s: %v", msg.ConversationID, c.userID, err)
		h.sendToClient(c, fail(msg.RequestID, CodeInternal, "internal error"))
		return
	}
	if !ok {
		h.sendToClient(c, fail(msg.RequestID, CodeForbidden, "not a participant"))
		return
	}

	// Отправитель и переписка берутся из соединения и фрейма, не из сигнала.
	sig := *msg.Signal
	sig.UserID = c.userID
	sig.ConversationID = msg.ConversationID
	if sig.At.IsZero() {
		sig.At = time.Now().UTC()
	}
	if err := h.bus.SetTyping(ctx, sig.ConversationID, sig.UserID, h.typingTTL, sig.IsTyping); err != nil {
		logger.Errorf("ws set typing conv=%s user=%s: %v", sig.ConversationID, sig.UserID, err)
	}
	if err := h.Publish(ctx, transport.PresenceSync{Signal: sig}); err != nil {
		logger.Errorf("ws publish presence conv=%s: %v", sig.ConversationID, err)
		h.sendToClient(c, fail(msg.RequestID, CodeInternal, "publish failed"))
		return
	}
	h.sendToClient(c, ack(msg.RequestID))
}

// Publish кодирует событие и отправляет его в шину; клиентам оно придёт из dispatch.
func (h *Hub) Publish(ctx context.Context, ev transport.Event) error {
	defer logger.DeferLogDuration("ws.Publish", time.Now())()
	payload, err := transport.Encode(ev)
	if err != nil {
		return err
	}
	return h.bus.Publish(ctx, ev.Conversation(), payload)
}

// dispatch раздаёт событие с шины всем подходящим подпискам.
func (h *Hub) dispatch(conversationID string, payload []byte) {
	var env transport.Envelope
	if err := json.Unmarshal(payload, &env); err != nil || env.ConversationID != conversationID {
		logger.Errorf("ws bus: malformed envelope for %s", conversationID)
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, 8)
	for _, clients := range h.clients {
		for c := range clients {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	var parties [2]string
	var partiesLoaded bool
	for _, c := range targets {
		for _, m := range c.matching(env.Type, conversationID) {
			if m.all {
				if !partiesLoaded {
					p, err := h.participants(context.Background(), conversationID)
					if err != nil {
						logger.Errorf("ws bus: participants %s: %v", conversationID, err)
						return
					}
					parties, partiesLoaded = p, true
				}
				if parties[0] != c.userID && parties[1] != c.userID {
					continue
				}
			}
			h.sendToClient(c, OutgoingMessage{Type: FrameEvent, SubID: m.id, Event: payload})
		}
	}
}

func (h *Hub) participants(ctx context.Context, conversationID string) ([2]string, error) {
	h.partiesMu.RLock()
	p, ok := h.parties[conversationID]
	h.partiesMu.RUnlock()
	if ok {
		return p, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	conv, err := h.convs.GetByID(ctx, conversationID)
	if err != nil {
		return p, err
	}
	p = [2]string{conv.PartyA, conv.PartyB}
	h.partiesMu.Lock()
	h.parties[conversationID] = p
	h.partiesMu.Unlock()
	return p, nil
}

func (h *Hub) isParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	p, err := h.participants(ctx, conversationID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p[0] == userID || p[1] == userID, nil
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

// Register добавляет клиента синхронно: до запуска помп, чтобы событие,
// опубликованное после ack подписки, не разминулось с регистрацией.
func (h *Hub) Register(c *Client) bool {
	select {
	case <-h.done:
		c.Close()
		return false
	default:
	}
	return h.addClient(c)
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
