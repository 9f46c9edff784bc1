package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatsync/internal/cache"
	"chatsync/internal/domain"
	"chatsync/internal/domain/domaintest"
)

func newCachedGateway() (*cache.CachedGateway, *domaintest.MockGateway, *cache.Cache) {
	gw := new(domaintest.MockGateway)
	c := cache.New()
	return cache.NewCachedGateway(gw, c, time.Minute, time.Hour), gw, c
}

func members(cid string, ids ...string) []domain.Participant {
	ps := make([]domain.Participant, len(ids))
	for i, id := range ids {
		ps[i] = domain.Participant{ConversationID: cid, UserID: id}
	}
	return ps
}

func TestCachedGatewayReadThrough(t *testing.T) {
	cg, gw, _ := newCachedGateway()
	ctx := context.Background()

	gw.On("FetchConversationsForUser", mock.Anything, "alice").
		Return([]*domain.Conversation{{ID: "c1"}}, nil).Once()
	gw.On("FetchUser", mock.Anything, "alice").Return(&domain.User{ID: "alice"}, nil).Once()

	for i := 0; i < 3; i++ {
		list, err := cg.FetchConversationsForUser(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, list, 1)
		list[0].ID = "mutated"

		u, err := cg.FetchUser(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "alice", u.ID)
	}
	gw.AssertExpectations(t)

	list, _ := cg.FetchConversationsForUser(ctx, "alice")
	assert.Equal(t, "c1", list[0].ID, "callers get copies")
}

func TestCachedGatewayHydrationPassesThrough(t *testing.T) {
	cg, gw, c := newCachedGateway()
	ctx := context.Background()

	gw.On("FetchMessage", mock.Anything, "m1").Return(&domain.Message{ID: "m1"}, nil).Twice()
	gw.On("FetchConversation", mock.Anything, "c1").Return(&domain.Conversation{ID: "c1"}, nil).Twice()

	for i := 0; i < 2; i++ {
		_, err := cg.FetchMessage(ctx, "m1")
		require.NoError(t, err)
		_, err = cg.FetchConversation(ctx, "c1")
		require.NoError(t, err)
	}
	gw.AssertExpectations(t)
	assert.Equal(t, 0, c.Len())
}

func TestCachedGatewayInsertMessageInvalidates(t *testing.T) {
	cg, gw, c := newCachedGateway()
	ctx := context.Background()
	page := domain.Page{Limit: 50}

	gw.On("FetchMessages", mock.Anything, "c1", page).Return([]*domain.Message{}, nil).Twice()
	gw.On("FetchConversationsForUser", mock.Anything, "bob").Return([]*domain.Conversation{}, nil).Twice()
	gw.On("FetchConversationsForUser", mock.Anything, "carol").Return([]*domain.Conversation{}, nil).Once()
	gw.On("FetchParticipants", mock.Anything, "c1").Return(members("c1", "alice", "bob"), nil).Once()
	gw.On("InsertMessage", mock.Anything, "c1", "alice", "hi").Return(&domain.Message{ID: "m1"}, nil).Once()

	_, _ = cg.FetchMessages(ctx, "c1", page)
	_, _ = cg.FetchConversationsForUser(ctx, "bob")
	_, _ = cg.FetchConversationsForUser(ctx, "carol")

	_, err := cg.InsertMessage(ctx, "c1", "alice", "hi")
	require.NoError(t, err)

	_, _ = cg.FetchMessages(ctx, "c1", page)
	_, _ = cg.FetchConversationsForUser(ctx, "bob")
	_, _ = cg.FetchConversationsForUser(ctx, "carol")
	gw.AssertExpectations(t)

	_, ok := c.Get("participants:c1")
	assert.True(t, ok, "participant lookup is reused")
}

func TestCachedGatewayFailedMutationKeepsEntries(t *testing.T) {
	cg, gw, _ := newCachedGateway()
	ctx := context.Background()

	gw.On("FetchConversationsForUser", mock.Anything, "alice").Return([]*domain.Conversation{}, nil).Once()
	gw.On("MarkRead", mock.Anything, "c1", "alice").Return(domain.ErrNotFound).Once()

	_, _ = cg.FetchConversationsForUser(ctx, "alice")
	assert.ErrorIs(t, cg.MarkRead(ctx, "c1", "alice"), domain.ErrNotFound)
	_, _ = cg.FetchConversationsForUser(ctx, "alice")
	gw.AssertExpectations(t)
}

func TestCachedGatewayMembershipChanges(t *testing.T) {
	cg, gw, c := newCachedGateway()
	ctx := context.Background()

	c.Set("conversations:alice", []*domain.Conversation{}, time.Minute)
	c.Set("conversations:bob", []*domain.Conversation{}, time.Minute)
	c.Set("conversations:carol", []*domain.Conversation{}, time.Minute)
	c.Set("participants:c1", members("c1"), time.Hour)

	gw.On("UpsertDirectConversation", mock.Anything, "alice|bob", [2]string{"alice", "bob"}).
		Return(&domain.Conversation{ID: "c1", Participants: members("c1", "alice", "bob")}, nil)

	_, err := cg.UpsertDirectConversation(ctx, "alice|bob", [2]string{"alice", "bob"})
	require.NoError(t, err)

	_, ok := c.Get("conversations:alice")
	assert.False(t, ok)
	_, ok = c.Get("conversations:bob")
	assert.False(t, ok)
	_, ok = c.Get("participants:c1")
	assert.False(t, ok)
	_, ok = c.Get("conversations:carol")
	assert.True(t, ok)

	gw.On("DeleteConversation", mock.Anything, "c1").Return(nil)
	require.NoError(t, cg.DeleteConversation(ctx, "c1"))
	_, ok = c.Get("conversations:carol")
	assert.False(t, ok, "delete drops every conversation list")
}
