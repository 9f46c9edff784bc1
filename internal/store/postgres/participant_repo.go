package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"chatsync/internal/domain"
)

func (g *Gateway) FetchParticipants(ctx context.Context, conversationID string) ([]domain.Participant, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT conversation_id, user_id, joined_at, last_read_at
		FROM conversation_participants
		WHERE conversation_id = $1
		ORDER BY user_id ASC
	`, conversationID)
	if err != nil {
		return nil, classify("list participants", err)
	}
	defer rows.Close()

	res := []domain.Participant{}
	for rows.Next() {
		var (
			p        domain.Participant
			lastRead sql.NullTime
		)
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.JoinedAt, &lastRead); err != nil {
			return nil, classify("scan participant", err)
		}
		p.JoinedAt = p.JoinedAt.UTC()
		p.LastReadAt = nullTime(lastRead)
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list participants", err)
	}

	if len(res) == 0 {
		var exists int
		err := g.db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = $1`, conversationID).Scan(&exists)
		if err != nil {
			return nil, classify("get conversation", err)
		}
	}
	return res, nil
}

func (g *Gateway) InsertParticipants(ctx context.Context, conversationID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	err := g.withTx(ctx, func(tx *sql.Tx) error {
		// Row lock serializes concurrent joins so the direct cap holds.
		var kind string
		if err := tx.QueryRowContext(ctx, `
			SELECT kind FROM conversations WHERE id = $1 FOR UPDATE
		`, conversationID).Scan(&kind); err != nil {
			return err
		}

		for _, uid := range userIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO conversation_participants (conversation_id, user_id, joined_at)
				VALUES ($1, $2, NOW())
			`, conversationID, uid); err != nil {
				return err
			}
		}

		if domain.ConversationKind(kind) == domain.KindDirect {
			var n int
			if err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM conversation_participants WHERE conversation_id = $1
			`, conversationID).Scan(&n); err != nil {
				return err
			}
			if n > 2 {
				return fmt.Errorf("%w: direct conversation %s would have %d members", domain.ErrValidation, conversationID, n)
			}
		}
		return notifyTx(ctx, tx, domain.NotificationsForMembership(conversationID, userIDs))
	})
	return classify("insert participants", err)
}

func (g *Gateway) MarkRead(ctx context.Context, conversationID, userID string) error {
	err := g.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE conversation_participants
			SET last_read_at = NOW()
			WHERE conversation_id = $1 AND user_id = $2
		`, conversationID, userID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s is not a participant of %s", domain.ErrNotFound, userID, conversationID)
		}
		return notifyTx(ctx, tx, map[domain.Topic]domain.Notification{
			domain.ConversationsTopic(userID): {Operation: domain.OpUpdate, Entity: domain.EntityConversation, ID: conversationID},
		})
	})
	return classify("mark as read", err)
}

func participantIDsTx(ctx context.Context, tx *sql.Tx, conversationID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT user_id FROM conversation_participants WHERE conversation_id = $1 ORDER BY user_id
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
