// Package domaintest provides testify mocks for the domain contracts.
package domaintest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chatsync/internal/domain"
)

// MockGateway mocks domain.Gateway.
type MockGateway struct {
	mock.Mock
}

var _ domain.Gateway = (*MockGateway)(nil)

func (m *MockGateway) FetchUser(ctx context.Context, userID string) (*domain.User, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

func (m *MockGateway) FetchConversationsForUser(ctx context.Context, userID string) ([]*domain.Conversation, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Conversation), args.Error(1)
}

func (m *MockGateway) FetchConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Conversation), args.Error(1)
}

func (m *MockGateway) FetchParticipants(ctx context.Context, conversationID string) ([]domain.Participant, error) {
	args := m.Called(ctx, conversationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Participant), args.Error(1)
}

func (m *MockGateway) FetchMessages(ctx context.Context, conversationID string, page domain.Page) ([]*domain.Message, error) {
	args := m.Called(ctx, conversationID, page)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Message), args.Error(1)
}

func (m *MockGateway) FetchMessage(ctx context.Context, id string) (*domain.Message, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Message), args.Error(1)
}

func (m *MockGateway) InsertMessage(ctx context.Context, conversationID, senderID, content string) (*domain.Message, error) {
	args := m.Called(ctx, conversationID, senderID, content)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Message), args.Error(1)
}

func (m *MockGateway) InsertConversation(ctx context.Context, kind domain.ConversationKind, pairKey string) (*domain.Conversation, error) {
	args := m.Called(ctx, kind, pairKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Conversation), args.Error(1)
}

func (m *MockGateway) InsertParticipants(ctx context.Context, conversationID string, userIDs []string) error {
	args := m.Called(ctx, conversationID, userIDs)
	return args.Error(0)
}

func (m *MockGateway) DeleteConversation(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockGateway) FindDirectConversation(ctx context.Context, pairKey string) (*domain.Conversation, error) {
	args := m.Called(ctx, pairKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Conversation), args.Error(1)
}

func (m *MockGateway) UpsertDirectConversation(ctx context.Context, pairKey string, userIDs [2]string) (*domain.Conversation, error) {
	args := m.Called(ctx, pairKey, userIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Conversation), args.Error(1)
}

func (m *MockGateway) MarkRead(ctx context.Context, conversationID, userID string) error {
	args := m.Called(ctx, conversationID, userID)
	return args.Error(0)
}
