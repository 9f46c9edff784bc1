package service_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatsync/internal/domain"
	"chatsync/internal/domain/domaintest"
	"chatsync/internal/service"
)

func TestSendMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		gw := new(domaintest.MockGateway)
		svc := service.NewMessageService(gw, 10, 50)
		gw.On("FetchParticipants", mock.Anything, "c1").
			Return(direct("c1", "alice|bob", "alice", "bob").Participants, nil)
		gw.On("InsertMessage", mock.Anything, "c1", "alice", "héllo").
			Return(&domain.Message{ID: "m1", Content: "héllo"}, nil)

		m, err := svc.SendMessage(ctx, "c1", "alice", "héllo")
		require.NoError(t, err)
		assert.Equal(t, "m1", m.ID)
	})

	t.Run("ValidationNeverReachesStore", func(t *testing.T) {
		gw := new(domaintest.MockGateway)
		svc := service.NewMessageService(gw, 10, 50)

		for _, content := range []string{"", "   \n\t", strings.Repeat("é", 11)} {
			_, err := svc.SendMessage(ctx, "c1", "alice", content)
			assert.ErrorIs(t, err, domain.ErrValidation)
		}
		_, err := svc.SendMessage(ctx, "", "alice", "hi")
		assert.ErrorIs(t, err, domain.ErrValidation)

		gw.AssertNotCalled(t, "FetchParticipants", mock.Anything, mock.Anything)
		gw.AssertNotCalled(t, "InsertMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("MaxLengthCountsRunes", func(t *testing.T) {
		gw := new(domaintest.MockGateway)
		svc := service.NewMessageService(gw, 10, 50)
		content := strings.Repeat("é", 10)
		gw.On("FetchParticipants", mock.Anything, "c1").
			Return(direct("c1", "", "alice", "bob").Participants, nil)
		gw.On("InsertMessage", mock.Anything, "c1", "alice", content).Return(&domain.Message{ID: "m1"}, nil)

		_, err := svc.SendMessage(ctx, "c1", "alice", content)
		assert.NoError(t, err)
	})

	t.Run("NotParticipant", func(t *testing.T) {
		gw := new(domaintest.MockGateway)
		svc := service.NewMessageService(gw, 10, 50)
		gw.On("FetchParticipants", mock.Anything, "c1").
			Return(direct("c1", "alice|bob", "alice", "bob").Participants, nil)

		_, err := svc.SendMessage(ctx, "c1", "mallory", "hi")
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
		gw.AssertNotCalled(t, "InsertMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("UnknownConversation", func(t *testing.T) {
		gw := new(domaintest.MockGateway)
		svc := service.NewMessageService(gw, 10, 50)
		gw.On("FetchParticipants", mock.Anything, "nope").Return(nil, domain.ErrNotFound)

		_, err := svc.SendMessage(ctx, "nope", "alice", "hi")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestGetMessagesClampsLimit(t *testing.T) {
	gw := new(domaintest.MockGateway)
	svc := service.NewMessageService(gw, 0, 20)
	ctx := context.Background()
	before := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	gw.On("FetchMessages", mock.Anything, "c1", domain.Page{Limit: 20}).Return([]*domain.Message{}, nil).Twice()
	gw.On("FetchMessages", mock.Anything, "c1", domain.Page{Before: before, Limit: 5}).Return([]*domain.Message{}, nil).Once()

	_, err := svc.GetMessages(ctx, "c1", domain.Page{})
	require.NoError(t, err)
	_, err = svc.GetMessages(ctx, "c1", domain.Page{Limit: 500})
	require.NoError(t, err)
	_, err = svc.GetMessages(ctx, "c1", domain.Page{Before: before, Limit: 5})
	require.NoError(t, err)

	gw.AssertExpectations(t)
	assert.Equal(t, service.DefaultMaxMessageLength, svc.MaxMessageLength)
}
