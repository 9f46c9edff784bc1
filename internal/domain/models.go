package domain

import (
	"fmt"
	"time"
)

// ConversationKind distinguishes 1:1 conversations from groups.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// User is the read-only profile view needed by this layer.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation represents a chat conversation (direct or group), hydrated
// with its participants and the most recent message.
type Conversation struct {
	ID           string           `json:"id"`
	Kind         ConversationKind `json:"kind"`
	PairKey      string           `json:"pair_key,omitempty"`
	Participants []Participant    `json:"participants"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	LastMessage  *Message         `json:"last_message,omitempty"`
}

// ParticipantIDs returns the user ids of the conversation members.
func (c *Conversation) ParticipantIDs() []string {
	ids := make([]string, len(c.Participants))
	for i, p := range c.Participants {
		ids[i] = p.UserID
	}
	return ids
}

// HasParticipant reports whether userID is a member of the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// Participant represents the membership of a user in a conversation.
type Participant struct {
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	JoinedAt       time.Time  `json:"joined_at"`
	LastReadAt     *time.Time `json:"last_read_at,omitempty"`
}

// Message represents a single chat message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	IsEdited       bool      `json:"is_edited"`
}

// Before reports whether m sorts before other in a conversation timeline.
// Ties on created_at are broken by id so the order is total.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// Page selects a window of a conversation's history. A zero Before means the
// newest page. The cursor is the (Before, BeforeID) position of the oldest
// message already seen, in the same order as Message.Before; an empty
// BeforeID excludes every message stamped at Before.
type Page struct {
	Before   time.Time
	BeforeID string
	Limit    int
}

func (p Page) String() string {
	if p.Before.IsZero() {
		return fmt.Sprintf("latest:%d", p.Limit)
	}
	return fmt.Sprintf("%d:%s:%d", p.Before.UnixNano(), p.BeforeID, p.Limit)
}
