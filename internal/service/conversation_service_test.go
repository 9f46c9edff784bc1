package service_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatsync/internal/domain"
	"chatsync/internal/domain/domaintest"
	"chatsync/internal/security"
	"chatsync/internal/service"
	"chatsync/internal/store/sqlite"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func direct(id, key string, users ...string) *domain.Conversation {
	c := &domain.Conversation{ID: id, Kind: domain.KindDirect, PairKey: key}
	for _, u := range users {
		c.Participants = append(c.Participants, domain.Participant{ConversationID: id, UserID: u})
	}
	return c
}

func TestGetOrCreateDirectConversationValidation(t *testing.T) {
	gw := new(domaintest.MockGateway)
	svc := service.NewConversationService(gw, discardLogger(), true)
	ctx := context.Background()

	cases := []struct{ requester, other string }{
		{"", "bob"},
		{"alice", ""},
		{"alice", "alice"},
		{"al|ice", "bob"},
	}
	for _, tc := range cases {
		_, err := svc.GetOrCreateDirectConversation(ctx, tc.requester, tc.other)
		assert.ErrorIs(t, err, domain.ErrValidation, "%q/%q", tc.requester, tc.other)
	}
	gw.AssertNotCalled(t, "FindDirectConversation", mock.Anything, mock.Anything)
	gw.AssertNotCalled(t, "FetchConversationsForUser", mock.Anything, mock.Anything)
}

func TestGetOrCreateDirectConversationExisting(t *testing.T) {
	ctx := context.Background()

	t.Run("ByPairKey", func(t *testing.T) {
		gw := new(domaintest.MockGateway)
		svc := service.NewConversationService(gw, discardLogger(), true)
		existing := direct("c1", "alice|bob", "alice", "bob")
		gw.On("FindDirectConversation", mock.Anything, "alice|bob").Return(existing, nil)

		got, err := svc.GetOrCreateDirectConversation(ctx, "bob", "alice")
		require.NoError(t, err)
		assert.Equal(t, "c1", got.ID)
		gw.AssertNotCalled(t, "UpsertDirectConversation", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("LegacyScan", func(t *testing.T) {
		gw := new(domaintest.MockGateway)
		svc := service.NewConversationService(gw, discardLogger(), true)
		gw.On("FindDirectConversation", mock.Anything, "alice|bob").Return(nil, domain.ErrNotFound)
		gw.On("FetchConversationsForUser", mock.Anything, "alice").Return([]*domain.Conversation{
			{ID: "g1", Kind: domain.KindGroup},
			direct("legacy-carol", "", "alice", "carol"),
			direct("legacy-bob", "", "alice", "bob"),
		}, nil)
		gw.On("FetchParticipants", mock.Anything, "legacy-carol").
			Return(direct("legacy-carol", "", "alice", "carol").Participants, nil)
		gw.On("FetchParticipants", mock.Anything, "legacy-bob").
			Return(direct("legacy-bob", "", "alice", "bob").Participants, nil)

		got, err := svc.GetOrCreateDirectConversation(ctx, "alice", "bob")
		require.NoError(t, err)
		assert.Equal(t, "legacy-bob", got.ID)
		gw.AssertNotCalled(t, "FetchParticipants", mock.Anything, "g1")
		gw.AssertNotCalled(t, "UpsertDirectConversation", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("RepairsMissingParticipants", func(t *testing.T) {
		gw := new(domaintest.MockGateway)
		svc := service.NewConversationService(gw, discardLogger(), false)
		gw.On("FindDirectConversation", mock.Anything, "alice|bob").Return(direct("c1", "alice|bob", "alice"), nil)
		gw.On("UpsertDirectConversation", mock.Anything, "alice|bob", [2]string{"bob", "alice"}).
			Return(direct("c1", "alice|bob", "alice", "bob"), nil)

		got, err := svc.GetOrCreateDirectConversation(ctx, "bob", "alice")
		require.NoError(t, err)
		assert.Equal(t, "c1", got.ID)
		assert.Len(t, got.Participants, 2)
		gw.AssertNotCalled(t, "InsertConversation", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("LookupFailure", func(t *testing.T) {
		gw := new(domaintest.MockGateway)
		svc := service.NewConversationService(gw, discardLogger(), true)
		gw.On("FindDirectConversation", mock.Anything, "alice|bob").Return(nil, domain.ErrTransient)

		_, err := svc.GetOrCreateDirectConversation(ctx, "alice", "bob")
		assert.ErrorIs(t, err, domain.ErrTransient)
	})
}

func TestGetOrCreateDirectConversationAtomic(t *testing.T) {
	gw := new(domaintest.MockGateway)
	svc := service.NewConversationService(gw, discardLogger(), true)
	ctx := context.Background()

	created := direct("c1", "alice|bob", "alice", "bob")
	gw.On("FindDirectConversation", mock.Anything, "alice|bob").Return(nil, domain.ErrNotFound)
	gw.On("FetchConversationsForUser", mock.Anything, "alice").Return([]*domain.Conversation{}, nil)
	gw.On("UpsertDirectConversation", mock.Anything, "alice|bob", [2]string{"alice", "bob"}).Return(created, nil)

	got, err := svc.GetOrCreateDirectConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, created, got)
	gw.AssertNotCalled(t, "InsertConversation", mock.Anything, mock.Anything, mock.Anything)
}

func TestGetOrCreateDirectConversationFallback(t *testing.T) {
	ctx := context.Background()

	setup := func() (*domaintest.MockGateway, *service.ConversationService) {
		gw := new(domaintest.MockGateway)
		svc := service.NewConversationService(gw, discardLogger(), false)
		gw.On("FindDirectConversation", mock.Anything, "alice|bob").Return(nil, domain.ErrNotFound).Once()
		gw.On("FetchConversationsForUser", mock.Anything, "alice").Return([]*domain.Conversation{}, nil)
		return gw, svc
	}

	t.Run("Success", func(t *testing.T) {
		gw, svc := setup()
		gw.On("InsertConversation", mock.Anything, domain.KindDirect, "alice|bob").
			Return(direct("c1", "alice|bob"), nil)
		gw.On("InsertParticipants", mock.Anything, "c1", []string{"alice"}).Return(nil)
		gw.On("InsertParticipants", mock.Anything, "c1", []string{"bob"}).Return(nil)
		gw.On("FetchConversation", mock.Anything, "c1").Return(direct("c1", "alice|bob", "alice", "bob"), nil)

		got, err := svc.GetOrCreateDirectConversation(ctx, "alice", "bob")
		require.NoError(t, err)
		assert.Equal(t, []string{"alice", "bob"}, got.ParticipantIDs())
		gw.AssertExpectations(t)
	})

	t.Run("LostRace", func(t *testing.T) {
		gw, svc := setup()
		winner := direct("c9", "alice|bob", "alice", "bob")
		gw.On("InsertConversation", mock.Anything, domain.KindDirect, "alice|bob").Return(nil, domain.ErrConflict)
		gw.On("FindDirectConversation", mock.Anything, "alice|bob").Return(winner, nil).Once()

		got, err := svc.GetOrCreateDirectConversation(ctx, "alice", "bob")
		require.NoError(t, err)
		assert.Equal(t, "c9", got.ID)
		gw.AssertNotCalled(t, "InsertParticipants", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("LostRaceToIncompleteRow", func(t *testing.T) {
		gw, svc := setup()
		gw.On("InsertConversation", mock.Anything, domain.KindDirect, "alice|bob").Return(nil, domain.ErrConflict)
		gw.On("FindDirectConversation", mock.Anything, "alice|bob").Return(direct("c9", "alice|bob"), nil).Once()
		gw.On("UpsertDirectConversation", mock.Anything, "alice|bob", [2]string{"alice", "bob"}).
			Return(direct("c9", "alice|bob", "alice", "bob"), nil)

		got, err := svc.GetOrCreateDirectConversation(ctx, "alice", "bob")
		require.NoError(t, err)
		assert.Equal(t, []string{"alice", "bob"}, got.ParticipantIDs())
	})

	t.Run("MemberAlreadyAdded", func(t *testing.T) {
		gw, svc := setup()
		gw.On("InsertConversation", mock.Anything, domain.KindDirect, "alice|bob").
			Return(direct("c1", "alice|bob"), nil)
		gw.On("InsertParticipants", mock.Anything, "c1", []string{"alice"}).Return(nil)
		gw.On("InsertParticipants", mock.Anything, "c1", []string{"bob"}).Return(domain.ErrConflict)
		gw.On("FetchConversation", mock.Anything, "c1").Return(direct("c1", "alice|bob", "alice", "bob"), nil)

		got, err := svc.GetOrCreateDirectConversation(ctx, "alice", "bob")
		require.NoError(t, err)
		assert.Len(t, got.Participants, 2)
		gw.AssertNotCalled(t, "DeleteConversation", mock.Anything, mock.Anything)
	})

	t.Run("Compensation", func(t *testing.T) {
		gw, svc := setup()
		cause := errors.New("participant insert failed")
		gw.On("InsertConversation", mock.Anything, domain.KindDirect, "alice|bob").
			Return(direct("c1", "alice|bob"), nil)
		gw.On("InsertParticipants", mock.Anything, "c1", []string{"alice"}).Return(nil).Maybe()
		gw.On("InsertParticipants", mock.Anything, "c1", []string{"bob"}).Return(cause)
		gw.On("DeleteConversation", mock.Anything, "c1").Return(nil).Once()

		_, err := svc.GetOrCreateDirectConversation(ctx, "alice", "bob")
		assert.ErrorIs(t, err, cause)
		gw.AssertCalled(t, "DeleteConversation", mock.Anything, "c1")
		gw.AssertNotCalled(t, "FetchConversation", mock.Anything, mock.Anything)
	})

	t.Run("CompensationFailureKeepsCause", func(t *testing.T) {
		gw, svc := setup()
		gw.On("InsertConversation", mock.Anything, domain.KindDirect, "alice|bob").
			Return(direct("c1", "alice|bob"), nil)
		gw.On("InsertParticipants", mock.Anything, "c1", mock.Anything).Return(domain.ErrTransient)
		gw.On("DeleteConversation", mock.Anything, "c1").Return(domain.ErrNotFound)

		_, err := svc.GetOrCreateDirectConversation(ctx, "alice", "bob")
		assert.ErrorIs(t, err, domain.ErrTransient)
		assert.NotErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestGetConversationMembership(t *testing.T) {
	gw := new(domaintest.MockGateway)
	svc := service.NewConversationService(gw, discardLogger(), true)
	ctx := context.Background()

	gw.On("FetchConversation", mock.Anything, "c1").Return(direct("c1", "alice|bob", "alice", "bob"), nil)

	got, err := svc.GetConversation(ctx, "c1", "bob")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ID)

	_, err = svc.GetConversation(ctx, "c1", "mallory")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func newStoreGateway(t *testing.T) *sqlite.Gateway {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlite.Migrate(db))
	return sqlite.NewGateway(db, security.Plaintext{}, nil)
}

func TestGetOrCreateDirectConversationConverges(t *testing.T) {
	for _, mode := range []struct {
		name   string
		atomic bool
	}{{"Atomic", true}, {"Fallback", false}} {
		t.Run(mode.name, func(t *testing.T) {
			gw := newStoreGateway(t)
			svc := service.NewConversationService(gw, discardLogger(), mode.atomic)
			ctx := context.Background()

			const callers = 6
			var (
				wg  sync.WaitGroup
				ids = make([]string, callers)
			)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					a, b := "alice", "bob"
					if i%2 == 1 {
						a, b = b, a
					}
					c, err := svc.GetOrCreateDirectConversation(ctx, a, b)
					if assert.NoError(t, err) {
						ids[i] = c.ID
						assert.ElementsMatch(t, []string{"alice", "bob"}, c.ParticipantIDs())
					}
				}(i)
			}
			wg.Wait()

			for _, id := range ids {
				assert.Equal(t, ids[0], id)
			}

			list, err := gw.FetchConversationsForUser(ctx, "alice")
			require.NoError(t, err)
			require.Len(t, list, 1)
			ps, err := gw.FetchParticipants(ctx, list[0].ID)
			require.NoError(t, err)
			assert.Len(t, ps, 2)

			again, err := svc.GetOrCreateDirectConversation(ctx, "bob", "alice")
			require.NoError(t, err)
			assert.Equal(t, ids[0], again.ID)
		})
	}
}

func TestGetOrCreateDirectConversationRepairsOrphanRow(t *testing.T) {
	gw := newStoreGateway(t)
	svc := service.NewConversationService(gw, discardLogger(), false)
	ctx := context.Background()

	// A creator that died before adding members leaves a bare pair-keyed row.
	orphan, err := gw.InsertConversation(ctx, domain.KindDirect, "alice|bob")
	require.NoError(t, err)

	got, err := svc.GetOrCreateDirectConversation(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, orphan.ID, got.ID)
	assert.ElementsMatch(t, []string{"alice", "bob"}, got.ParticipantIDs())

	ps, err := gw.FetchParticipants(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Len(t, ps, 2)
}
