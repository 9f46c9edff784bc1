package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"chatsync/internal/domain"
	"chatsync/internal/store/shape"
)

// conversationColumns selects a conversation together with its participants
// and latest message as JSON aggregates; shape.Relations normalizes them.
const conversationColumns = `
	c.id, c.kind, COALESCE(c.pair_key, ''), c.created_at, c.updated_at,
	(SELECT json_group_array(json_object(
			'conversation_id', p.conversation_id,
			'user_id', p.user_id,
			'joined_at', p.joined_at,
			'last_read_at', p.last_read_at))
	   FROM conversation_participants p
	  WHERE p.conversation_id = c.id),
	(SELECT json_object(
			'id', m.id,
			'conversation_id', m.conversation_id,
			'sender_id', m.sender_id,
			'content', m.content,
			'created_at', m.created_at,
			'is_edited', m.is_edited)
	   FROM messages m
	  WHERE m.conversation_id = c.id
	  ORDER BY m.created_at DESC, m.id DESC
	  LIMIT 1)`

type scanner interface {
	Scan(dest ...any) error
}

func (g *Gateway) scanConversation(s scanner) (*domain.Conversation, error) {
	var (
		c                    domain.Conversation
		kind                 string
		createdAt, updatedAt int64
		participants, last   sql.NullString
	)
	if err := s.Scan(&c.ID, &kind, &c.PairKey, &createdAt, &updatedAt, &participants, &last); err != nil {
		return nil, err
	}
	c.Kind = domain.ConversationKind(kind)
	c.CreatedAt = fromNanos(createdAt)
	c.UpdatedAt = fromNanos(updatedAt)

	if err := shape.Relations(&c, []byte(participants.String), []byte(last.String)); err != nil {
		return nil, err
	}
	if c.LastMessage != nil {
		plain, err := g.cipher.Open(c.LastMessage.Content)
		if err != nil {
			return nil, fmt.Errorf("open last message %s: %w", c.LastMessage.ID, err)
		}
		c.LastMessage.Content = plain
	}
	return &c, nil
}

func (g *Gateway) FetchConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	row := g.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations c WHERE c.id = ?`, id)
	c, err := g.scanConversation(row)
	if err != nil {
		return nil, classify("get conversation", err)
	}
	return c, nil
}

func (g *Gateway) FetchConversationsForUser(ctx context.Context, userID string) ([]*domain.Conversation, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations c
		JOIN conversation_participants cp ON cp.conversation_id = c.id
		WHERE cp.user_id = ?
		ORDER BY c.updated_at DESC, c.id ASC
	`, userID)
	if err != nil {
		return nil, classify("list conversations", err)
	}
	defer rows.Close()

	res := []*domain.Conversation{}
	for rows.Next() {
		c, err := g.scanConversation(rows)
		if err != nil {
			return nil, classify("scan conversation", err)
		}
		res = append(res, c)
	}
	return res, classify("list conversations", rows.Err())
}

func (g *Gateway) FindDirectConversation(ctx context.Context, pairKey string) (*domain.Conversation, error) {
	row := g.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations c
		WHERE c.pair_key = ? AND c.kind = 'direct'
	`, pairKey)
	c, err := g.scanConversation(row)
	if err != nil {
		return nil, classify("find direct conversation", err)
	}
	return c, nil
}

func (g *Gateway) InsertConversation(ctx context.Context, kind domain.ConversationKind, pairKey string) (*domain.Conversation, error) {
	if kind != domain.KindDirect && kind != domain.KindGroup {
		return nil, fmt.Errorf("insert conversation: %w: unknown kind %q", domain.ErrValidation, kind)
	}
	if kind == domain.KindDirect && pairKey == "" {
		return nil, fmt.Errorf("insert conversation: %w: direct conversation needs a pair key", domain.ErrValidation)
	}

	now := g.stamp()
	c := &domain.Conversation{
		ID:           uuid.NewString(),
		Kind:         kind,
		PairKey:      pairKey,
		Participants: []domain.Participant{},
		CreatedAt:    fromNanos(now),
		UpdatedAt:    fromNanos(now),
	}
	var key sql.NullString
	if pairKey != "" {
		key = sql.NullString{String: pairKey, Valid: true}
	}
	if _, err := g.db.ExecContext(ctx, `
		INSERT INTO conversations (id, kind, pair_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, c.ID, string(kind), key, now, now); err != nil {
		return nil, classify("insert conversation", err)
	}
	return c, nil
}

func (g *Gateway) UpsertDirectConversation(ctx context.Context, pairKey string, userIDs [2]string) (*domain.Conversation, error) {
	want, err := domain.PairKey(userIDs[0], userIDs[1])
	if err != nil {
		return nil, err
	}
	if want != pairKey {
		return nil, fmt.Errorf("upsert direct conversation: %w: pair key %q does not match users", domain.ErrValidation, pairKey)
	}

	var (
		id    = uuid.NewString()
		added []string
	)
	err = g.withTx(ctx, func(tx *sql.Tx) error {
		added = added[:0]
		now := g.stamp()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (id, kind, pair_key, created_at, updated_at)
			VALUES (?, 'direct', ?, ?, ?)
			ON CONFLICT(pair_key) DO NOTHING
		`, id, pairKey, now, now)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			if err := tx.QueryRowContext(ctx, `SELECT id FROM conversations WHERE pair_key = ?`, pairKey).Scan(&id); err != nil {
				return err
			}
		}
		// Existing rows may be missing members; those are added here too.
		for _, uid := range userIDs {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO conversation_participants (conversation_id, user_id, joined_at)
				VALUES (?, ?, ?)
				ON CONFLICT(conversation_id, user_id) DO NOTHING
			`, id, uid, now)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err != nil {
				return err
			} else if n == 1 {
				added = append(added, uid)
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify("upsert direct conversation", err)
	}

	if len(added) > 0 {
		g.publish(ctx, domain.NotificationsForMembership(id, added))
	}
	return g.FetchConversation(ctx, id)
}

func (g *Gateway) DeleteConversation(ctx context.Context, id string) error {
	res, err := g.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return classify("delete conversation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("delete conversation", err)
	}
	if n == 0 {
		return fmt.Errorf("delete conversation %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
