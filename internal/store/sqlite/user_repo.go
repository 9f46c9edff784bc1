package sqlite

import (
	"context"

	"chatsync/internal/domain"
)

func (g *Gateway) FetchUser(ctx context.Context, userID string) (*domain.User, error) {
	var (
		u         domain.User
		createdAt int64
	)
	err := g.db.QueryRowContext(ctx, `
		SELECT id, username, created_at FROM users WHERE id = ?
	`, userID).Scan(&u.ID, &u.Username, &createdAt)
	if err != nil {
		return nil, classify("get user", err)
	}
	u.CreatedAt = fromNanos(createdAt)
	return &u, nil
}

// SaveUser mirrors a profile owned by the identity provider into the local
// users table.
func (g *Gateway) SaveUser(ctx context.Context, u *domain.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = fromNanos(g.stamp())
	}
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO users (id, username, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET username = excluded.username
	`, u.ID, u.Username, u.CreatedAt.UTC().UnixNano())
	return classify("save user", err)
}
