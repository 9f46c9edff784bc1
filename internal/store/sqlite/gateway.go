package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"chatsync/internal/domain"
)

// Cipher seals message content at rest.
type Cipher interface {
	Seal(plain string) (string, error)
	Open(sealed string) (string, error)
}

// Gateway implements domain.Gateway on SQLite. Change notifications are
// handed to the Publisher once the owning transaction has committed.
type Gateway struct {
	db     *sql.DB
	cipher Cipher
	pub    domain.Publisher
	now    func() time.Time
}

var _ domain.Gateway = (*Gateway)(nil)

type Option func(*Gateway)

// WithClock overrides the clock used for created_at/updated_at columns.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

func NewGateway(db *sql.DB, cipher Cipher, pub domain.Publisher, opts ...Option) *Gateway {
	g := &Gateway{
		db:     db,
		cipher: cipher,
		pub:    pub,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
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

func (g *Gateway) publish(ctx context.Context, notes map[domain.Topic]domain.Notification) {
	if g.pub == nil {
		return
	}
	for topic, n := range notes {
		g.pub.Publish(ctx, topic, n)
	}
}

func (g *Gateway) stamp() int64 {
	return g.now().UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
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

	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%s: %w: %w", op, domain.ErrConflict, err)
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return fmt.Errorf("%s: %w: %w", op, domain.ErrNotFound, err)
		case sqlite3.SQLITE_CONSTRAINT_CHECK:
			return fmt.Errorf("%s: %w: %w", op, domain.ErrValidation, err)
		}
		if se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
			return fmt.Errorf("%s: %w: %w", op, domain.ErrConflict, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrTransient, err)
}
