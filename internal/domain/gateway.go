package domain

import (
	"context"
)

// Gateway is the typed contract over the backing store. Every operation is
// single shot: no retries are attempted here. Results are normalized domain
// objects and errors wrap one of the sentinels in errors.go.
type Gateway interface {
	FetchUser(ctx context.Context, userID string) (*User, error)
	FetchConversationsForUser(ctx context.Context, userID string) ([]*Conversation, error)
	FetchConversation(ctx context.Context, id string) (*Conversation, error)
	FetchParticipants(ctx context.Context, conversationID string) ([]Participant, error)
	FetchMessages(ctx context.Context, conversationID string, page Page) ([]*Message, error)
	FetchMessage(ctx context.Context, id string) (*Message, error)

	InsertMessage(ctx context.Context, conversationID, senderID, content string) (*Message, error)
	InsertConversation(ctx context.Context, kind ConversationKind, pairKey string) (*Conversation, error)
	InsertParticipants(ctx context.Context, conversationID string, userIDs []string) error
	// DeleteConversation exists for compensation only.
	DeleteConversation(ctx context.Context, id string) error

	// FindDirectConversation looks a direct conversation up by its pair key.
	FindDirectConversation(ctx context.Context, pairKey string) (*Conversation, error)
	// UpsertDirectConversation atomically creates the conversation identified
	// by pairKey together with both participant rows, or returns the existing
	// one. Concurrent callers converge on the same row.
	UpsertDirectConversation(ctx context.Context, pairKey string, userIDs [2]string) (*Conversation, error)

	MarkRead(ctx context.Context, conversationID, userID string) error
}

// Hydrator is the subset of the Gateway used to resolve change notifications
// into full records.
type Hydrator interface {
	FetchConversation(ctx context.Context, id string) (*Conversation, error)
	FetchMessage(ctx context.Context, id string) (*Message, error)
}
