// Package wsclient is the transport.Backend that talks to the relay:
// request/response calls over HTTP behind a circuit breaker, realtime
// subscriptions multiplexed over one WebSocket with automatic resubscription.
package wsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/middleware"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/transport"
	"github.com/chatsync/internal/ws"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 75 * time.Second
	dialWait   = 10 * time.Second
	maxErrBody = 512
)

type Options struct {
	// RelayURL — http(s)://host:port релея; WebSocket идёт на тот же хост, путь /ws.
	RelayURL string
	UserID   string
	// Header добавляется к каждому запросу (например X-Internal-Secret шлюза).
	Header http.Header

	HTTPClient     *http.Client
	RequestTimeout time.Duration

	BreakerMaxFailures uint32
	BreakerTimeout     time.Duration

	// OnReconnect вызывается после того, как WebSocket переподключился и все
	// подписки восстановлены. События, пришедшие в разрыв, потеряны: владелец
	// должен перечитать историю.
	OnReconnect func()
}

type subscription struct {
	frame ws.IncomingMessage
	mb    *transport.Mailbox
	fn    func(transport.Event)
}

type Client struct {
	opts    Options
	baseURL string
	wsURL   string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	dialMu  sync.Mutex
	writeMu sync.Mutex

	mu           sync.Mutex
	conn         *websocket.Conn
	subs         map[string]*subscription
	pending      map[string]chan ws.OutgoingMessage
	seq          uint64
	reconnecting bool
	closed       bool
}

func New(opts Options) (*Client, error) {
	if opts.UserID == "" {
		return nil, transport.ErrUnauthorized
	}
	u, err := url.Parse(strings.TrimRight(opts.RelayURL, "/"))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("wsclient: bad relay url %q", opts.RelayURL)
	}
	wsu := *u
	switch u.Scheme {
	case "http":
		wsu.Scheme = "ws"
	case "https":
		wsu.Scheme = "wss"
	default:
		return nil, fmt.Errorf("wsclient: unsupported scheme %q", u.Scheme)
	}
	wsu.Path = strings.TrimRight(u.Path, "/") + "/ws"

	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.BreakerMaxFailures == 0 {
		opts.BreakerMaxFailures = 5
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 10 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.RequestTimeout}
	}

	maxFailures := opts.BreakerMaxFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "relay-" + u.Host,
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// Only transport failures trip the breaker; 4xx answers mean the relay is up.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, transport.ErrUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Infof("wsclient: breaker %s %s -> %s", name, from, to)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:    opts,
		baseURL: u.String(),
		wsURL:   wsu.String(),
		http:    hc,
		cb:      cb,
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[string]*subscription),
		pending: make(map[string]chan ws.OutgoingMessage),
	}, nil
}

// Close drops every subscription and the WebSocket. The client is unusable afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	subs := c.subs
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()

	c.cancel()
	for _, s := range subs {
		s.mb.Close()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.wg.Wait()
	return err
}

// --- request/response over HTTP ---

type relayError struct {
	Status int
	Msg    string
}

func (e *relayError) Error() string {
	return fmt.Sprintf("relay: %d %s", e.Status, e.Msg)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	_, err := c.cb.Execute(func() (any, error) {
		return nil, c.roundTrip(ctx, method, path, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("wsclient %s %s: %w", method, path, err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("wsclient %s %s: %w", method, path, err)
	}
	c.setHeaders(req.Header)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", transport.ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return transport.ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s %s: %s", transport.ErrUnavailable, method, path, resp.Status)
	case resp.StatusCode >= 400:
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &relayError{Status: resp.StatusCode, Msg: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s %s: decode: %v", transport.ErrUnavailable, method, path, err)
	}
	return nil
}

func (c *Client) setHeaders(h http.Header) {
	for k, vs := range c.opts.Header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	h.Set(middleware.UserIDHeader, c.opts.UserID)
}

func (c *Client) checkSelf(userID string) error {
	if userID != c.opts.UserID {
		return fmt.Errorf("wsclient: acting as %q but connected as %q", userID, c.opts.UserID)
	}
	return nil
}

func convPath(id string, tail string) string {
	return "/api/conversations/" + url.PathEscape(id) + tail
}

func (c *Client) FindOrCreateConversation(ctx context.Context, partyA, partyB string) (model.Conversation, error) {
	peer := partyB
	switch c.opts.UserID {
	case partyA:
	case partyB:
		peer = partyA
	default:
		return model.Conversation{}, c.checkSelf(partyA)
	}
	var conv model.Conversation
	err := c.do(ctx, http.MethodPost, "/api/conversations/", map[string]string{"peer_id": peer}, &conv)
	return conv, err
}

func (c *Client) ListConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	if err := c.checkSelf(userID); err != nil {
		return nil, err
	}
	var list []model.Conversation
	err := c.do(ctx, http.MethodGet, "/api/conversations/", nil, &list)
	return list, err
}

func (c *Client) CountUnread(ctx context.Context, conversationID, userID string, since time.Time) (model.UnreadCount, error) {
	if err := c.checkSelf(userID); err != nil {
		return model.UnreadCount{}, err
	}
	var resp model.UnreadCount
	err := c.do(ctx, http.MethodPost, convPath(conversationID, "/unread"), map[string]time.Time{"since": since}, &resp)
	return resp, err
}

func (c *Client) FetchHistory(ctx context.Context, conversationID string) ([]model.Message, error) {
	var msgs []model.Message
	err := c.do(ctx, http.MethodGet, convPath(conversationID, "/messages"), nil, &msgs)
	return msgs, err
}

func (c *Client) Send(ctx context.Context, conversationID, senderID, text string) (model.Message, error) {
	if err := c.checkSelf(senderID); err != nil {
		return model.Message{}, err
	}
	var m model.Message
	err := c.do(ctx, http.MethodPost, convPath(conversationID, "/messages"), map[string]string{"text": text}, &m)
	return m, err
}

func (c *Client) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	if err := c.checkSelf(userID); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, convPath(conversationID, "/read"), map[string]time.Time{"at": at}, nil)
}

var _ transport.Backend = (*Client)(nil)
