package postgres

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open opens a PostgreSQL database using the pgx stdlib driver.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate runs idempotent DDL migrations on PostgreSQL.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id         TEXT        PRIMARY KEY,
			username   VARCHAR(50) UNIQUE NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		// pair_key is NULL for groups and for direct rows created before
		// the column existed.
		`CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT        PRIMARY KEY,
			kind       VARCHAR(10) NOT NULL CHECK (kind IN ('direct', 'group')),
			pair_key   TEXT        UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id TEXT        NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			user_id         TEXT        NOT NULL,
			joined_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_read_at    TIMESTAMPTZ,
			PRIMARY KEY (conversation_id, user_id)
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id              TEXT        PRIMARY KEY,
			conversation_id TEXT        NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender_id       TEXT        NOT NULL,
			content         TEXT        NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			is_edited       BOOLEAN     NOT NULL DEFAULT FALSE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_conv_participants_user ON conversation_participants(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at DESC, id DESC)`,

		`ALTER TABLE conversations ADD COLUMN IF NOT EXISTS pair_key TEXT`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_pair_key ON conversations(pair_key)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}
