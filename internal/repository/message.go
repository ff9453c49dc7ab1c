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

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

// Create сохраняет сообщение и двигает last_message_* переписки в одной транзакции.
// Строка переписки блокируется, поэтому created_at внутри переписки не убывает
// даже если часы сервера прыгнули назад.
func (r *MessageRepository) Create(ctx context.Context, conversationID, senderID, text string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Create begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var partyA, partyB string
	var lastAt *time.Time
	err = tx.QueryRow(ctx,
		`SELECT party_a, party_b, last_message_at FROM conversations WHERE id = $1 FOR UPDATE`,
		conversationID,
	).Scan(&partyA, &partyB, &lastAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Create lock: %w", err)
	}
	if senderID != partyA && senderID != partyB {
		return nil, ErrNotParticipant
	}

	var last time.Time
	if lastAt != nil {
		last = *lastAt
	}
	now := model.NextTimestamp(time.Now(), last)
	m := &model.Message{
		ID:             model.ConfirmedID(uuid.NewString()),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		CreatedAt:      now,
		Status:         model.StatusDelivered,
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, text, created_at) VALUES ($1, $2, $3, $4, $5)`,
		m.ID.Value(), m.ConversationID, m.SenderID, m.Text, m.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("msgRepo.Create insert: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE conversations SET last_message_at = $2, last_message_preview = $3 WHERE id = $1`,
		conversationID, m.CreatedAt, m.Preview(),
	); err != nil {
		return nil, fmt.Errorf("msgRepo.Create touch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("msgRepo.Create commit: %w", err)
	}
	return m, nil
}

// History возвращает сообщения переписки по возрастанию (created_at, id).
// limit > 0 отдаёт только последние limit сообщений.
func (r *MessageRepository) History(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.History", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, conversation_id, sender_id, text, created_at FROM (
		   SELECT id, conversation_id, sender_id, text, created_at
		   FROM messages
		   WHERE conversation_id = $1
		   ORDER BY created_at DESC, id DESC
		   LIMIT NULLIF($2, 0)
		 ) recent
		 ORDER BY created_at, id`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.History query: %w", err)
	}
	defer rows.Close()

	msgs := make([]model.Message, 0, 64)
	for rows.Next() {
		var (
			m  model.Message
			id string
		)
		if err := rows.Scan(&id, &m.ConversationID, &m.SenderID, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("msgRepo.History scan: %w", err)
		}
		m.ID = model.ConfirmedID(id)
		m.CreatedAt = m.CreatedAt.UTC()
		m.Status = model.StatusDelivered
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.History rows: %w", err)
	}
	return msgs, nil
}
