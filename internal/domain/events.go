package domain

import (
	"context"
	"strings"
)

// Topic names a stream of push notifications.
type Topic string

const (
	messagesTopicPrefix      = "messages:"
	conversationsTopicPrefix = "conversations:"
)

// MessagesTopic carries inserts into one conversation.
func MessagesTopic(conversationID string) Topic {
	return Topic(messagesTopicPrefix + conversationID)
}

// ConversationsTopic carries changes to any conversation a user belongs to.
func ConversationsTopic(userID string) Topic {
	return Topic(conversationsTopicPrefix + userID)
}

// IsMessages reports whether t is a per-conversation message topic.
func (t Topic) IsMessages() bool {
	return strings.HasPrefix(string(t), messagesTopicPrefix)
}

// IsConversations reports whether t is a per-user conversation topic.
func (t Topic) IsConversations() bool {
	return strings.HasPrefix(string(t), conversationsTopicPrefix)
}

type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
)

type Entity string

const (
	EntityMessage      Entity = "message"
	EntityConversation Entity = "conversation"
)

// Notification is the raw, minimal change record carried by the push feed.
type Notification struct {
	Operation Operation `json:"operation"`
	Entity    Entity    `json:"entity"`
	ID        string    `json:"id"`
}

// Publisher emits change notifications after a mutation is committed.
type Publisher interface {
	Publish(ctx context.Context, topic Topic, n Notification)
}

// NotificationsForMessage lists the notifications produced by inserting a
// message into a conversation with the given members.
func NotificationsForMessage(m *Message, participantIDs []string) map[Topic]Notification {
	out := make(map[Topic]Notification, len(participantIDs)+1)
	out[MessagesTopic(m.ConversationID)] = Notification{Operation: OpInsert, Entity: EntityMessage, ID: m.ID}
	for _, uid := range participantIDs {
		out[ConversationsTopic(uid)] = Notification{Operation: OpUpdate, Entity: EntityConversation, ID: m.ConversationID}
	}
	return out
}

// NotificationsForMembership lists the notifications produced by adding users
// to a conversation.
func NotificationsForMembership(conversationID string, userIDs []string) map[Topic]Notification {
	out := make(map[Topic]Notification, len(userIDs))
	for _, uid := range userIDs {
		out[ConversationsTopic(uid)] = Notification{Operation: OpInsert, Entity: EntityConversation, ID: conversationID}
	}
	return out
}
