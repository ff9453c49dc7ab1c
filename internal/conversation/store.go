// Package conversation хранит локальный кеш метаданных переписок текущего пользователя:
// участники, отметки прочтения, превью последнего сообщения.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raulk/clock"
	"golang.org/x/sync/singleflight"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
)

var (
	ErrNotFound         = errors.New("conversation not found")
	ErrSelfConversation = errors.New("cannot create conversation with yourself")
	ErrNotParticipant   = errors.New("user is not a participant")
)

// Creator creates (or returns the existing) conversation for a pair on the backend.
// A nil Creator makes the store mint conversations locally.
type Creator interface {
	FindOrCreateConversation(ctx context.Context, partyA, partyB string) (model.Conversation, error)
}

// Store is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	byID   map[string]*model.Conversation
	byPair map[string]string

	creator Creator
	group   singleflight.Group
	clk     clock.Clock
}

func NewStore(creator Creator, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		byID:    make(map[string]*model.Conversation),
		byPair:  make(map[string]string),
		creator: creator,
		clk:     clk,
	}
}

// FindOrCreate returns the conversation for the pair, creating it at most once.
// Concurrent calls for the same pair share one lookup and get the same id.
func (s *Store) FindOrCreate(ctx context.Context, partyA, partyB string) (model.Conversation, error) {
	if partyA == "" || partyB == "" {
		return model.Conversation{}, fmt.Errorf("conversation.FindOrCreate: empty party")
	}
	if partyA == partyB {
		return model.Conversation{}, ErrSelfConversation
	}
	key := model.PairKey(partyA, partyB)
	if c, ok := s.byPairKey(key); ok {
		return c, nil
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		if c, ok := s.byPairKey(key); ok {
			return c, nil
		}
		c, err := s.create(ctx, partyA, partyB)
		if err != nil {
			return model.Conversation{}, err
		}
		return s.Put(c), nil
	})
	if err != nil {
		return model.Conversation{}, fmt.Errorf("conversation.FindOrCreate: %w", err)
	}
	return v.(model.Conversation), nil
}

func (s *Store) create(ctx context.Context, partyA, partyB string) (model.Conversation, error) {
	if s.creator != nil {
		return s.creator.FindOrCreateConversation(ctx, partyA, partyB)
	}
	lo, hi := model.OrderedPair(partyA, partyB)
	return model.Conversation{
		ID:        uuid.NewString(),
		PartyA:    lo,
		PartyB:    hi,
		CreatedAt: s.clk.Now().UTC(),
	}, nil
}

func (s *Store) byPairKey(key string) (model.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPair[key]
	if !ok {
		return model.Conversation{}, false
	}
	return *s.byID[id], true
}

// Put merges a conversation fetched from the backend into the cache and returns the merged value.
// Read watermarks and the last-message fields only move forward.
func (s *Store) Put(c model.Conversation) model.Conversation {
	lo, hi := model.OrderedPair(c.PartyA, c.PartyB)
	if lo != c.PartyA {
		c.PartyA, c.PartyB = lo, hi
		c.LastReadA, c.LastReadB = c.LastReadB, c.LastReadA
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[c.ID]
	if !ok {
		cp := c
		s.byID[c.ID] = &cp
		s.byPair[model.PairKey(c.PartyA, c.PartyB)] = c.ID
		return cp
	}
	cur.AdvanceRead(cur.PartyA, c.LastReadA)
	cur.AdvanceRead(cur.PartyB, c.LastReadB)
	if c.LastMessageAt.After(cur.LastMessageAt) {
		cur.LastMessageAt = c.LastMessageAt
		cur.LastMessagePreview = c.LastMessagePreview
	}
	if cur.CreatedAt.IsZero() {
		cur.CreatedAt = c.CreatedAt
	}
	return *cur
}

func (s *Store) Get(id string) (model.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return model.Conversation{}, false
	}
	return *c, true
}

// IDsForUser returns the ids of every cached conversation userID takes part in.
func (s *Store) IDsForUser(userID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.byID))
	for id, c := range s.byID {
		if c.HasParticipant(userID) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ListForUser returns userID's conversations, most recent message first.
// Conversations without messages go last, newest created first.
func (s *Store) ListForUser(userID string) []model.Conversation {
	s.mu.RLock()
	out := make([]model.Conversation, 0, len(s.byID))
	for _, c := range s.byID {
		if c.HasParticipant(userID) {
			out = append(out, *c)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := &out[i], &out[j]
		aHas, bHas := !a.LastMessageAt.IsZero(), !b.LastMessageAt.IsZero()
		if aHas != bHas {
			return aHas
		}
		ka, kb := a.SortKey(), b.SortKey()
		if !ka.Equal(kb) {
			return ka.After(kb)
		}
		return a.ID < b.ID
	})
	return out
}

// MarkRead sets userID's lastReadAt to max(current, at). It reports whether the
// watermark moved; a timestamp that is not newer is a silent no-op.
func (s *Store) MarkRead(conversationID, userID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[conversationID]
	if !ok {
		return false, ErrNotFound
	}
	if !c.HasParticipant(userID) {
		return false, ErrNotParticipant
	}
	if !c.AdvanceRead(userID, at) {
		logger.Debugf("conversation %s: stale read marker for %s at %s dropped", conversationID, userID, at.Format(time.RFC3339Nano))
		return false, nil
	}
	return true, nil
}

// Touch records m as the latest message if it is newer than the cached one.
func (s *Store) Touch(m model.Message) {
	if m.CreatedAt.IsZero() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[m.ConversationID]
	if !ok || !m.CreatedAt.After(c.LastMessageAt) {
		return
	}
	c.LastMessageAt = m.CreatedAt
	c.LastMessagePreview = m.Preview()
}
