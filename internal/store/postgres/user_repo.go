package postgres

import (
	"context"

	"chatsync/internal/domain"
)

func (g *Gateway) FetchUser(ctx context.Context, userID string) (*domain.User, error) {
	u := &domain.User{}
	err := g.db.QueryRowContext(ctx, `
		SELECT id, username, created_at FROM users WHERE id = $1
	`, userID).Scan(&u.ID, &u.Username, &u.CreatedAt)
	if err != nil {
		return nil, classify("get user", err)
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

// SaveUser mirrors a profile owned by the identity provider into the local
// users table.
func (g *Gateway) SaveUser(ctx context.Context, u *domain.User) error {
	err := g.db.QueryRowContext(ctx, `
		INSERT INTO users (id, username, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username
		RETURNING created_at
	`, u.ID, u.Username).Scan(&u.CreatedAt)
	return classify("save user", err)
}
