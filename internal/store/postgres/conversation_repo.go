package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"chatsync/internal/domain"
	"chatsync/internal/store/shape"
)

const conversationColumns = `
	c.id, c.kind, COALESCE(c.pair_key, ''), c.created_at, c.updated_at,
	(SELECT json_agg(json_build_object(
			'conversation_id', p.conversation_id,
			'user_id', p.user_id,
			'joined_at', p.joined_at,
			'last_read_at', p.last_read_at))
	   FROM conversation_participants p
	  WHERE p.conversation_id = c.id),
	(SELECT row_to_json(m)
	   FROM (SELECT id, conversation_id, sender_id, content, created_at, is_edited
	           FROM messages
	          WHERE conversation_id = c.id
	          ORDER BY created_at DESC, id COLLATE "C" DESC
	          LIMIT 1) m)`

type scanner interface {
	Scan(dest ...any) error
}

func (g *Gateway) scanConversation(s scanner) (*domain.Conversation, error) {
	var (
		c                  domain.Conversation
		kind               string
		participants, last sql.NullString
	)
	if err := s.Scan(&c.ID, &kind, &c.PairKey, &c.CreatedAt, &c.UpdatedAt, &participants, &last); err != nil {
		return nil, err
	}
	c.Kind = domain.ConversationKind(kind)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()

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
	row := g.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations c WHERE c.id = $1`, id)
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
		WHERE cp.user_id = $1
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
		WHERE c.pair_key = $1 AND c.kind = 'direct'
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

	c := &domain.Conversation{
		ID:           uuid.NewString(),
		Kind:         kind,
		PairKey:      pairKey,
		Participants: []domain.Participant{},
	}
	var key sql.NullString
	if pairKey != "" {
		key = sql.NullString{String: pairKey, Valid: true}
	}
	err := g.db.QueryRowContext(ctx, `
		INSERT INTO conversations (id, kind, pair_key, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		RETURNING created_at, updated_at
	`, c.ID, string(kind), key).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, classify("insert conversation", err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

// UpsertDirectConversation relies on the unique pair_key index: the insert is
// a no-op when the pair already has a row, and both callers then read the
// same id back.
func (g *Gateway) UpsertDirectConversation(ctx context.Context, pairKey string, userIDs [2]string) (*domain.Conversation, error) {
	want, err := domain.PairKey(userIDs[0], userIDs[1])
	if err != nil {
		return nil, err
	}
	if want != pairKey {
		return nil, fmt.Errorf("upsert direct conversation: %w: pair key %q does not match users", domain.ErrValidation, pairKey)
	}

	var id string
	err = g.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO conversations (id, kind, pair_key, created_at, updated_at)
			VALUES ($1, 'direct', $2, NOW(), NOW())
			ON CONFLICT (pair_key) DO NOTHING
			RETURNING id
		`, uuid.NewString(), pairKey).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			// Lost the race or the pair already existed. A fresh statement
			// sees the committed winner.
			err = tx.QueryRowContext(ctx, `SELECT id FROM conversations WHERE pair_key = $1`, pairKey).Scan(&id)
		}
		if err != nil {
			return err
		}

		// Existing rows may be missing members; those are added here too.
		var added []string
		for _, uid := range userIDs {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO conversation_participants (conversation_id, user_id, joined_at)
				VALUES ($1, $2, NOW())
				ON CONFLICT (conversation_id, user_id) DO NOTHING
			`, id, uid)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err != nil {
				return err
			} else if n == 1 {
				added = append(added, uid)
			}
		}

		if len(added) == 0 {
			return nil
		}
		return notifyTx(ctx, tx, domain.NotificationsForMembership(id, added))
	})
	if err != nil {
		return nil, classify("upsert direct conversation", err)
	}
	return g.FetchConversation(ctx, id)
}

func (g *Gateway) DeleteConversation(ctx context.Context, id string) error {
	res, err := g.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id)
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
