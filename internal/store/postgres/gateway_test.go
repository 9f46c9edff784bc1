package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"chatsync/internal/domain"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"NoRows", sql.ErrNoRows, domain.ErrNotFound},
		{"UniqueViolation", &pgconn.PgError{Code: "23505"}, domain.ErrConflict},
		{"ForeignKeyViolation", &pgconn.PgError{Code: "23503"}, domain.ErrNotFound},
		{"CheckViolation", &pgconn.PgError{Code: "23514"}, domain.ErrValidation},
		{"SerializationFailure", &pgconn.PgError{Code: "40001"}, domain.ErrTransient},
		{"Wrapped", fmt.Errorf("exec: %w", &pgconn.PgError{Code: "23505"}), domain.ErrConflict},
		{"AlreadyClassified", fmt.Errorf("x: %w", domain.ErrValidation), domain.ErrValidation},
		{"Unknown", errors.New("connection reset"), domain.ErrTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("op", tt.err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.want, domain.Kind(err))
		})
	}

	assert.NoError(t, classify("op", nil))
}

func TestChannelName(t *testing.T) {
	long := domain.MessagesTopic(strings.Repeat("c", 200))
	name := channelName(long)
	assert.Less(t, len(name), 64, "postgres identifiers are capped at 63 bytes")
	assert.Equal(t, name, channelName(long))
	assert.Equal(t, len(name), len(channelName(domain.MessagesTopic("c1"))))

	assert.NotEqual(t, channelName(domain.MessagesTopic("alice")), channelName(domain.ConversationsTopic("alice")))
	assert.NotEqual(t, channelName(domain.MessagesTopic("c1")), channelName(domain.MessagesTopic("c2")))
	assert.Regexp(t, `^t_[0-9a-f]{40}$`, name)
}
