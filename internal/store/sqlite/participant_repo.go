package sqlite

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
		WHERE conversation_id = ?
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
			joinedAt int64
			lastRead sql.NullInt64
		)
		if err := rows.Scan(&p.ConversationID, &p.UserID, &joinedAt, &lastRead); err != nil {
			return nil, classify("scan participant", err)
		}
		p.JoinedAt = fromNanos(joinedAt)
		if lastRead.Valid {
			t := fromNanos(lastRead.Int64)
			p.LastReadAt = &t
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list participants", err)
	}

	if len(res) == 0 {
		var exists int
		err := g.db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, conversationID).Scan(&exists)
		if err != nil {
			return nil, classify("get conversation", err)
		}
	}
	return res, nil
}

// InsertParticipants adds users to a conversation. A direct conversation never
// grows beyond two members.
func (g *Gateway) InsertParticipants(ctx context.Context, conversationID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	err := g.withTx(ctx, func(tx *sql.Tx) error {
		var kind string
		if err := tx.QueryRowContext(ctx, `SELECT kind FROM conversations WHERE id = ?`, conversationID).Scan(&kind); err != nil {
			return err
		}

		now := g.stamp()
		for _, uid := range userIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO conversation_participants (conversation_id, user_id, joined_at)
				VALUES (?, ?, ?)
			`, conversationID, uid, now); err != nil {
				return err
			}
		}

		if domain.ConversationKind(kind) == domain.KindDirect {
			var n int
			if err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM conversation_participants WHERE conversation_id = ?
			`, conversationID).Scan(&n); err != nil {
				return err
			}
			if n > 2 {
				return fmt.Errorf("%w: direct conversation %s would have %d members", domain.ErrValidation, conversationID, n)
			}
		}
		return nil
	})
	if err != nil {
		return classify("insert participants", err)
	}

	g.publish(ctx, domain.NotificationsForMembership(conversationID, userIDs))
	return nil
}

func (g *Gateway) MarkRead(ctx context.Context, conversationID, userID string) error {
	res, err := g.db.ExecContext(ctx, `
		UPDATE conversation_participants
		SET last_read_at = ?
		WHERE conversation_id = ? AND user_id = ?
	`, g.stamp(), conversationID, userID)
	if err != nil {
		return classify("mark as read", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("mark as read", err)
	}
	if n == 0 {
		return fmt.Errorf("mark as read: %w: %s is not a participant of %s", domain.ErrNotFound, userID, conversationID)
	}

	g.publish(ctx, map[domain.Topic]domain.Notification{
		domain.ConversationsTopic(userID): {Operation: domain.OpUpdate, Entity: domain.EntityConversation, ID: conversationID},
	})
	return nil
}

func participantIDsTx(ctx context.Context, tx *sql.Tx, conversationID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT user_id FROM conversation_participants WHERE conversation_id = ? ORDER BY user_id
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
