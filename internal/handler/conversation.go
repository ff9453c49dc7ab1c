package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/middleware"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/repository"
	"github.com/chatsync/internal/storage"
	"github.com/chatsync/internal/transport"
)

// ConversationStore — хранилище переписок (repository.ConversationRepository).
type ConversationStore interface {
	FindOrCreate(ctx context.Context, userA, userB string) (*model.Conversation, error)
	GetForUser(ctx context.Context, id, userID string) (*model.Conversation, error)
	ListForUser(ctx context.Context, userID string) ([]model.Conversation, error)
	MarkRead(ctx context.Context, id, userID string, at time.Time) (bool, error)
	UnreadCount(ctx context.Context, id, userID string, since time.Time) (model.UnreadCount, error)
}

// MessageStore — хранилище сообщений (repository.MessageRepository).
type MessageStore interface {
	Create(ctx context.Context, conversationID, senderID, text string) (*model.Message, error)
	History(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
}

// Publisher рассылает события подписчикам (ws.Hub).
type Publisher interface {
	Publish(ctx context.Context, ev transport.Event) error
}

const (
	maxTextLen      = 4000
	maxHistoryLimit = 1000
)

type ConversationHandler struct {
	convs ConversationStore
	msgs  MessageStore
	pub   Publisher
	bus   storage.Bus
}

func NewConversationHandler(convs ConversationStore, msgs MessageStore, pub Publisher, bus storage.Bus) *ConversationHandler {
	return &ConversationHandler{convs: convs, msgs: msgs, pub: pub, bus: bus}
}

// Routes монтируется под /api/conversations.
func (h *ConversationHandler) Routes(r chi.Router) {
	r.Post("/", h.FindOrCreate)
	r.Get("/", h.List)
	r.Get("/summaries", h.Summaries)
	r.Route("/{conversationId}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Get("/messages", h.History)
		r.Post("/messages", h.Send)
		r.Post("/read", h.MarkRead)
		r.Post("/unread", h.Unread)
		r.Get("/typing", h.Typing)
	})
}

type findOrCreateRequest struct {
	PeerID string `json:"peer_id"`
}

type sendRequest struct {
	Text string `json:"text"`
}

type readRequest struct {
	At time.Time `json:"at"`
}

type unreadRequest struct {
	Since time.Time `json:"since"`
}

type typingResponse struct {
	UserIDs []string `json:"user_ids"`
}

// writeRepoError переводит ошибки хранилища в HTTP-статусы.
func writeRepoError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, repository.ErrNotParticipant):
		writeError(w, http.StatusForbidden, "not a participant")
	case errors.Is(err, repository.ErrSelf):
		writeError(w, http.StatusBadRequest, "cannot create conversation with yourself")
	default:
		logger.Errorf("%s: %v", op, err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *ConversationHandler) FindOrCreate(w http.ResponseWriter, r *http.Request) {
	var req findOrCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	req.PeerID = strings.TrimSpace(req.PeerID)
	if req.PeerID == "" {
		writeError(w, http.StatusBadRequest, "peer_id required")
		return
	}
	userID := middleware.GetUserID(r.Context())
	conv, err := h.convs.FindOrCreate(r.Context(), userID, req.PeerID)
	if err != nil {
		writeRepoError(w, "conversation.FindOrCreate", err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.convs.ListForUser(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeRepoError(w, "conversation.List", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Summaries — список переписок с числом непрочитанных, посчитанным параллельно.
func (h *ConversationHandler) Summaries(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	list, err := h.convs.ListForUser(r.Context(), userID)
	if err != nil {
		writeRepoError(w, "conversation.Summaries", err)
		return
	}
	out := make([]model.ConversationSummary, len(list))
	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(8)
	for i := range list {
		i := i
		out[i].Conversation = list[i]
		g.Go(func() error {
			uc, err := h.convs.UnreadCount(ctx, list[i].ID, userID, list[i].LastReadAt(userID))
			if err != nil {
				return err
			}
			out[i].UnreadCount = uc.Count
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		writeRepoError(w, "conversation.Summaries", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	conv, err := h.convs.GetForUser(r.Context(), chi.URLParam(r, "conversationId"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeRepoError(w, "conversation.Get", err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *ConversationHandler) History(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "conversationId")
	if _, err := h.convs.GetForUser(r.Context(), convID, middleware.GetUserID(r.Context())); err != nil {
		writeRepoError(w, "conversation.History", err)
		return
	}
	limit := queryInt(r, "limit", 0)
	if limit < 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	msgs, err := h.msgs.History(r.Context(), convID, limit)
	if err != nil {
		writeRepoError(w, "conversation.History", err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *ConversationHandler) Send(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "conversationId")
	userID := middleware.GetUserID(r.Context())
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text required")
		return
	}
	if len([]rune(req.Text)) > maxTextLen {
		writeError(w, http.StatusRequestEntityTooLarge, "text too long")
		return
	}
	allowed, err := h.bus.AllowSend(r.Context(), userID)
	if err != nil {
		// При недоступной шине лимит не проверяем, сообщение не теряем.
		logger.Errorf("conversation.Send rate limit user=%s: %v", middleware.MaskID(userID), err)
		allowed = true
	}
	if !allowed {
		writeError(w, http.StatusTooManyRequests, "too many messages")
		return
	}

	msg, err := h.msgs.Create(r.Context(), convID, userID, req.Text)
	if err != nil {
		writeRepoError(w, "conversation.Send", err)
		return
	}
	if err := h.pub.Publish(r.Context(), transport.Insert{Message: *msg}); err != nil {
		// Сообщение уже сохранено; подписчики догонят его через историю.
		logger.Errorf("conversation.Send publish conv=%s: %v", convID, err)
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "conversationId")
	userID := middleware.GetUserID(r.Context())
	var req readRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.At.IsZero() {
		writeError(w, http.StatusBadRequest, "at required")
		return
	}
	// created_at хранится с точностью до микросекунды, водяной знак тоже.
	req.At = req.At.UTC().Truncate(model.TimestampResolution)
	moved, err := h.convs.MarkRead(r.Context(), convID, userID, req.At)
	if err != nil {
		writeRepoError(w, "conversation.MarkRead", err)
		return
	}
	if moved {
		ev := transport.ReadUpdate{ConversationID: convID, UserID: userID, LastReadAt: req.At.UTC()}
		if err := h.pub.Publish(r.Context(), ev); err != nil {
			logger.Errorf("conversation.MarkRead publish conv=%s: %v", convID, err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ConversationHandler) Unread(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "conversationId")
	userID := middleware.GetUserID(r.Context())
	var req unreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if _, err := h.convs.GetForUser(r.Context(), convID, userID); err != nil {
		writeRepoError(w, "conversation.Unread", err)
		return
	}
	uc, err := h.convs.UnreadCount(r.Context(), convID, userID, req.Since)
	if err != nil {
		writeRepoError(w, "conversation.Unread", err)
		return
	}
	writeJSON(w, http.StatusOK, uc)
}

func (h *ConversationHandler) Typing(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "conversationId")
	userID := middleware.GetUserID(r.Context())
	if _, err := h.convs.GetForUser(r.Context(), convID, userID); err != nil {
		writeRepoError(w, "conversation.Typing", err)
		return
	}
	users, err := h.bus.TypingUsers(r.Context(), convID)
	if err != nil {
		writeRepoError(w, "conversation.Typing", err)
		return
	}
	others := make([]string, 0, len(users))
	for _, u := range users {
		if u != userID {
			others = append(others, u)
		}
	}
	writeJSON(w, http.StatusOK, typingResponse{UserIDs: others})
}

var (
	_ ConversationStore = (*repository.ConversationRepository)(nil)
	_ MessageStore      = (*repository.MessageRepository)(nil)
)
