// Package memrepo — хранилище relay в памяти процесса с теми же контрактами,
// что у repository.ConversationRepository и repository.MessageRepository.
// Используется в relay -memory и в тестах HTTP/WebSocket слоя.
package memrepo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/repository"
)

type Store struct {
	mu       sync.Mutex
	convs    map[string]*model.Conversation
	pairs    map[string]string
	messages map[string][]model.Message
	now      func() time.Time
}

func New() *Store {
	return &Store{
		convs:    make(map[string]*model.Conversation),
		pairs:    make(map[string]string),
		messages: make(map[string][]model.Message),
		now:      time.Now,
	}
}

func (s *Store) FindOrCreate(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	if userA == userB {
		return nil, repository.ErrSelf
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := model.PairKey(userA, userB)
	if id, ok := s.pairs[key]; ok {
		c := *s.convs[id]
		return &c, nil
	}
	lo, hi := model.OrderedPair(userA, userB)
	c := &model.Conversation{ID: uuid.NewString(), PartyA: lo, PartyB: hi, CreatedAt: s.now().UTC()}
	s.convs[c.ID] = c
	s.pairs[key] = c.ID
	out := *c
	return &out, nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *c
	return &out, nil
}

func (s *Store) GetForUser(ctx context.Context, id, userID string) (*model.Conversation, error) {
	c, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(userID) {
		return nil, repository.ErrNotParticipant
	}
	return c, nil
}

func (s *Store) ListForUser(ctx context.Context, userID string) ([]model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Conversation, 0, 16)
	for _, c := range s.convs {
		if c.HasParticipant(userID) {
			out = append(out, *c)
		}
	}
	// Как ORDER BY last_message_at DESC NULLS LAST, created_at DESC, id.
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.LastMessageAt.IsZero() != b.LastMessageAt.IsZero() {
			return !a.LastMessageAt.IsZero()
		}
		if !a.LastMessageAt.Equal(b.LastMessageAt) {
			return a.LastMessageAt.After(b.LastMessageAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out, nil
}

func (s *Store) MarkRead(ctx context.Context, id, userID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if !c.HasParticipant(userID) {
		return false, repository.ErrNotParticipant
	}
	return c.AdvanceRead(userID, at.UTC()), nil
}

func (s *Store) UnreadCount(ctx context.Context, id, userID string, since time.Time) (model.UnreadCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out model.UnreadCount
	for _, m := range s.messages[id] {
		if m.SenderID != userID && m.CreatedAt.After(since) {
			out.Count++
		}
		if m.CreatedAt.After(out.AsOf) {
			out.AsOf = m.CreatedAt
		}
	}
	return out, nil
}

// Create — created_at внутри переписки строго растёт и хранится с точностью
// до микросекунды, как в MessageRepository.Create.
func (s *Store) Create(ctx context.Context, conversationID, senderID, text string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !c.HasParticipant(senderID) {
		return nil, repository.ErrNotParticipant
	}
	at := model.NextTimestamp(s.now(), c.LastMessageAt)
	m := model.Message{
		ID:             model.ConfirmedID(uuid.NewString()),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		CreatedAt:      at,
		Status:         model.StatusDelivered,
	}
	s.messages[conversationID] = append(s.messages[conversationID], m)
	c.LastMessageAt = at
	c.LastMessagePreview = m.Preview()
	return &m, nil
}

func (s *Store) History(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := append([]model.Message(nil), s.messages[conversationID]...)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Before(&msgs[j]) })
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}
