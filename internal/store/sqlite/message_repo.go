package sqlite

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

	now := g.stamp()
	m := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      fromNanos(now),
	}

	var participantIDs []string
	err = g.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("conversation %s: %w", conversationID, domain.ErrNotFound)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, sender_id, content, created_at, is_edited)
			VALUES (?, ?, ?, ?, ?, 0)
		`, m.ID, m.ConversationID, m.SenderID, sealed, now); err != nil {
			return err
		}

		participantIDs, err = participantIDsTx(ctx, tx, conversationID)
		return err
	})
	if err != nil {
		return nil, classify("insert message", err)
	}

	g.publish(ctx, domain.NotificationsForMessage(m, participantIDs))
	return m, nil
}

func (g *Gateway) FetchMessage(ctx context.Context, id string) (*domain.Message, error) {
	row := g.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, content, created_at, is_edited
		FROM messages WHERE id = ?
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
	var before int64
	if !page.Before.IsZero() {
		before = page.Before.UTC().UnixNano()
	}

	rows, err := g.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, content, created_at, is_edited
		FROM messages
		WHERE conversation_id = ?
		  AND (? = 0 OR created_at < ? OR (created_at = ? AND id < ?))
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, conversationID, before, before, before, page.BeforeID, limit)
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

	// Reverse to chronological order (DB returns DESC)
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return res, nil
}

func (g *Gateway) scanMessage(s scanner) (*domain.Message, error) {
	var (
		m         domain.Message
		createdAt int64
		edited    int
	)
	if err := s.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &createdAt, &edited); err != nil {
		return nil, err
	}
	m.CreatedAt = fromNanos(createdAt)
	m.IsEdited = edited != 0

	plain, err := g.cipher.Open(m.Content)
	if err != nil {
		return nil, fmt.Errorf("open message %s: %w", m.ID, err)
	}
	m.Content = plain
	return &m, nil
}
