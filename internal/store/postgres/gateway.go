package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"chatsync/internal/domain"
)

// Cipher seals message content at rest.
type Cipher interface {
	Seal(plain string) (string, error)
	Open(sealed string) (string, error)
}

// Gateway implements domain.Gateway on PostgreSQL. Notifications are sent
// with pg_notify inside the mutating transaction, so listeners only see
// committed changes.
type Gateway struct {
	db     *sql.DB
	cipher Cipher
}

var _ domain.Gateway = (*Gateway)(nil)

func NewGateway(db *sql.DB, cipher Cipher) *Gateway {
	return &Gateway{db: db, cipher: cipher}
}

func (g *Gateway) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// channelName maps a topic onto a NOTIFY channel. Identifiers are capped at
// 63 bytes and topics carry arbitrary ids, so the name is a fixed-length
// digest. Each LISTEN connection serves exactly one topic.
func channelName(topic domain.Topic) string {
	sum := sha256.Sum256([]byte(topic))
	return "t_" + hex.EncodeToString(sum[:])[:40]
}

func notifyTx(ctx context.Context, tx *sql.Tx, notes map[domain.Topic]domain.Notification) error {
	for topic, n := range notes {
		payload, err := json.Marshal(n)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channelName(topic), string(payload)); err != nil {
			return fmt.Errorf("notify %s: %w", topic, err)
		}
	}
	return nil
}

// classify wraps err with the domain sentinel matching the driver failure.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if domain.Kind(err) != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%s: %w: %w", op, domain.ErrConflict, err)
		case "23503":
			return fmt.Errorf("%s: %w: %w", op, domain.ErrNotFound, err)
		case "23514", "22P02", "22001":
			return fmt.Errorf("%s: %w: %w", op, domain.ErrValidation, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrTransient, err)
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
