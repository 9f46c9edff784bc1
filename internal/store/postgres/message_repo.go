package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"chatsync/internal/domain"
)

const defaultPageSize = 50

func (g *Gateway) InsertMessage(ctx context.Context, conversationID, senderID, content string) (*domain.Message, error) {
	sealed, err := g.cipher.Seal(content)
	if err != nil {
		return nil, fmt.Errorf("seal content: %w", err)
	}

	m := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
	}
	err = g.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
			UPDATE conversations SET updated_at = NOW() WHERE id = $1 RETURNING updated_at
		`, conversationID).Scan(&m.CreatedAt); err != nil {
			return err
		}
		m.CreatedAt = m.CreatedAt.UTC()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, sender_id, content, created_at, is_edited)
			VALUES ($1, $2, $3, $4, $5, FALSE)
		`, m.ID, m.ConversationID, m.SenderID, sealed, m.CreatedAt); err != nil {
			return err
		}

		participantIDs, err := participantIDsTx(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		return notifyTx(ctx, tx, domain.NotificationsForMessage(m, participantIDs))
	})
	if err != nil {
		return nil, classify("insert message", err)
	}
	return m, nil
}

func (g *Gateway) FetchMessage(ctx context.Context, id string) (*domain.Message, error) {
	row := g.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, content, created_at, is_edited
		FROM messages WHERE id = $1
	`, id)
	m, err := g.scanMessage(row)
	if err != nil {
		return nil, classify("get message", err)
	}
	return m, nil
}

// FetchMessages returns one page of history in ascending order.
func (g *Gateway) FetchMessages(ctx context.Context, conversationID string, page domain.Page) ([]*domain.Message, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	var before sql.NullTime
	if !page.Before.IsZero() {
		before = sql.NullTime{Time: page.Before, Valid: true}
	}

	rows, err := g.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, content, created_at, is_edited
		FROM messages
		WHERE conversation_id = $1
		  AND ($2::timestamptz IS NULL
		       OR created_at < $2
		       OR (created_at = $2 AND id COLLATE "C" < $3))
		ORDER BY created_at DESC, id COLLATE "C" DESC
		LIMIT $4
	`, conversationID, before, page.BeforeID, limit)
	if err != nil {
		return nil, classify("list messages", err)
	}
	defer rows.Close()

	res := []*domain.Message{}
	for rows.Next() {
		m, err := g.scanMessage(rows)
		if err != nil {
			return nil, classify("scan message", err)
		}
		res = append(res, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list messages", err)
	}

	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return res, nil
}

func (g *Gateway) scanMessage(s scanner) (*domain.Message, error) {
	var m domain.Message
	if err := s.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.CreatedAt, &m.IsEdited); err != nil {
		return nil, err
	}
	m.CreatedAt = m.CreatedAt.UTC()

	plain, err := g.cipher.Open(m.Content)
	if err != nil {
		return nil, fmt.Errorf("open message %s: %w", m.ID, err)
	}
	m.Content = plain
	return &m, nil
}
