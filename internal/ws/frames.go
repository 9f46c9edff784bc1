package ws

import (
	"chatsync/internal/domain"
	"chatsync/internal/httpserver"
	"chatsync/internal/viewmodel"
)

const (
	FrameConversations = "conversations"
	FrameConversation  = "conversation"
	FrameHistory       = "history"
	FrameMessage       = "message"
	FrameUnread        = "unread"
	FrameError         = "error"
)

type clientFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	OtherUserID    string `json:"other_user_id"`
}

// Frame is a server to client event.
type Frame struct {
	Type           string                 `json:"type"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	Conversations  []*domain.Conversation `json:"conversations,omitempty"`
	Conversation   *domain.Conversation   `json:"conversation,omitempty"`
	Unread         map[string]int         `json:"unread,omitempty"`
	Messages       []*domain.Message      `json:"messages,omitempty"`
	Message        *domain.Message        `json:"message,omitempty"`
	Count          *int                   `json:"count,omitempty"`
	Error          string                 `json:"error,omitempty"`
	Status         int                    `json:"status,omitempty"`
}

// frameFor renders a view change from the session's current state.
func frameFor(s *viewmodel.Session, ch viewmodel.Change) Frame {
	switch ch.Kind {
	case viewmodel.ChangeConversations:
		convs := s.Conversations()
		unread := make(map[string]int, len(convs))
		for _, c := range convs {
			unread[c.ID] = s.Unread(c.ID)
		}
		return Frame{Type: FrameConversations, Conversations: convs, Unread: unread}

	case viewmodel.ChangeMessage:
		if ch.Message != nil {
			return Frame{Type: FrameMessage, ConversationID: ch.ConversationID, Message: ch.Message}
		}
		return Frame{Type: FrameHistory, ConversationID: ch.ConversationID, Messages: s.Messages(ch.ConversationID)}

	default:
		n := s.Unread(ch.ConversationID)
		return Frame{Type: FrameUnread, ConversationID: ch.ConversationID, Count: &n}
	}
}

func errorFrame(conversationID string, err error) Frame {
	return Frame{
		Type:           FrameError,
		ConversationID: conversationID,
		Error:          err.Error(),
		Status:         httpserver.StatusFor(err),
	}
}
