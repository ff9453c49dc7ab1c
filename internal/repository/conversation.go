package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrNotParticipant = errors.New("not a participant")
	ErrSelf           = errors.New("conversation with yourself")
)

// conversationCols — порядок соответствует scanConversation.
const conversationCols = `id, party_a, party_b, last_read_a, last_read_b, last_message_preview, last_message_at, created_at`

type ConversationRepository struct {
	pool *pgxpool.Pool
}

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

// scanConversation сканирует строку; NULL в отметках прочтения и last_message_at становится нулевым временем.
func scanConversation(s interface{ Scan(dest ...any) error }, c *model.Conversation) error {
	var readA, readB, lastAt *time.Time
	if err := s.Scan(&c.ID, &c.PartyA, &c.PartyB, &readA, &readB, &c.LastMessagePreview, &lastAt, &c.CreatedAt); err != nil {
		return err
	}
	c.LastReadA = derefTime(readA)
	c.LastReadB = derefTime(readB)
	c.LastMessageAt = derefTime(lastAt)
	return nil
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

// FindOrCreate возвращает переписку пары, создавая её при отсутствии. Одна
// команда INSERT ... ON CONFLICT: параллельные вызовы для одной пары получают один id.
func (r *ConversationRepository) FindOrCreate(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conversation.FindOrCreate", time.Now())()
	if userA == userB {
		return nil, ErrSelf
	}
	lo, hi := model.OrderedPair(userA, userB)
	c := &model.Conversation{}
	err := scanConversation(r.pool.QueryRow(ctx,
		`INSERT INTO conversations (id, party_a, party_b, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (party_a, party_b) DO UPDATE SET party_a = EXCLUDED.party_a
		 RETURNING `+conversationCols,
		uuid.NewString(), lo, hi, time.Now().UTC(),
	), c)
	if err != nil {
		return nil, fmt.Errorf("conversationRepo.FindOrCreate: %w", err)
	}
	return c, nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conversation.GetByID", time.Now())()
	c := &model.Conversation{}
	err := scanConversation(r.pool.QueryRow(ctx,
		`SELECT `+conversationCols+` FROM conversations WHERE id = $1`, id,
	), c)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conversationRepo.GetByID: %w", err)
	}
	return c, nil
}

// GetForUser возвращает переписку, если userID в ней участвует.
func (r *ConversationRepository) GetForUser(ctx context.Context, id, userID string) (*model.Conversation, error) {
	c, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return c, nil
}

func (r *ConversationRepository) IsParticipant(ctx context.Context, id, userID string) (bool, error) {
	defer logger.DeferLogDuration("conversation.IsParticipant", time.Now())()
	var ok bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE id = $1 AND (party_a = $2 OR party_b = $2))`,
		id, userID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("conversationRepo.IsParticipant: %w", err)
	}
	return ok, nil
}

// ListForUser: сначала переписки с сообщениями (свежие выше), затем пустые по дате создания.
func (r *ConversationRepository) ListForUser(ctx context.Context, userID string) ([]model.Conversation, error) {
	defer logger.DeferLogDuration("conversation.ListForUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+conversationCols+`
		 FROM conversations
		 WHERE party_a = $1 OR party_b = $1
		 ORDER BY last_message_at DESC NULLS LAST, created_at DESC, id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("conversationRepo.ListForUser query: %w", err)
	}
	defer rows.Close()

	list := make([]model.Conversation, 0, 16)
	for rows.Next() {
		var c model.Conversation
		if err := scanConversation(rows, &c); err != nil {
			return nil, fmt.Errorf("conversationRepo.ListForUser scan: %w", err)
		}
		list = append(list, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversationRepo.ListForUser rows: %w", err)
	}
	return list, nil
}

// MarkRead сдвигает отметку прочтения userID вперёд. Возвращает false без ошибки,
// если at не новее сохранённой: устаревшая запись молча отбрасывается.
func (r *ConversationRepository) MarkRead(ctx context.Context, id, userID string, at time.Time) (bool, error) {
	defer logger.DeferLogDuration("conversation.MarkRead", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE conversations SET
		   last_read_a = CASE WHEN party_a = $2 THEN $3 ELSE last_read_a END,
		   last_read_b = CASE WHEN party_b = $2 THEN $3 ELSE last_read_b END
		 WHERE id = $1 AND (
		   (party_a = $2 AND (last_read_a IS NULL OR last_read_a < $3)) OR
		   (party_b = $2 AND (last_read_b IS NULL OR last_read_b < $3)))`,
		id, userID, at.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("conversationRepo.MarkRead: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	ok, err := r.IsParticipant(ctx, id, userID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrNotParticipant
	}
	logger.Debugf("conversationRepo.MarkRead conv=%s user=%s: stale %s dropped", id, userID, at.Format(time.RFC3339Nano))
	return false, nil
}

// UnreadCount считает сообщения собеседника новее since. Счёт и AsOf берутся
// одним запросом, то есть из одного снимка.
func (r *ConversationRepository) UnreadCount(ctx context.Context, id, userID string, since time.Time) (model.UnreadCount, error) {
	defer logger.DeferLogDuration("conversation.UnreadCount", time.Now())()
	var (
		out  model.UnreadCount
		asOf *time.Time
	)
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE sender_id <> $2 AND created_at > $3), MAX(created_at)
		 FROM messages WHERE conversation_id = $1`,
		id, userID, since.UTC(),
	).Scan(&out.Count, &asOf)
	if err != nil {
		return model.UnreadCount{}, fmt.Errorf("conversationRepo.UnreadCount: %w", err)
	}
	out.AsOf = derefTime(asOf)
	return out, nil
}
