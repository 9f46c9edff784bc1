package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"chatsync/internal/domain"
)

const (
	DefaultMaxMessageLength = 5000
	DefaultPageSize         = 50
)

type MessageService struct {
	gw domain.Gateway

	MaxMessageLength int
	PageSize         int
}

func NewMessageService(gw domain.Gateway, maxLength, pageSize int) *MessageService {
	if maxLength <= 0 {
		maxLength = DefaultMaxMessageLength
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &MessageService{gw: gw, MaxMessageLength: maxLength, PageSize: pageSize}
}

// SendMessage validates content before touching the store. The sender must
// be a participant of the conversation.
func (s *MessageService) SendMessage(
	ctx context.Context,
	conversationID string,
	senderID string,
	content string,
) (*domain.Message, error) {
	if err := validate.Var(conversationID, "required"); err != nil {
		return nil, fmt.Errorf("%w: conversation id: %w", domain.ErrValidation, err)
	}
	if err := validate.Var(strings.TrimSpace(content), "required"); err != nil {
		return nil, fmt.Errorf("%w: message content is blank", domain.ErrValidation)
	}
	if err := validate.Var(content, fmt.Sprintf("max=%d", s.MaxMessageLength)); err != nil {
		return nil, fmt.Errorf("%w: message content exceeds %d characters", domain.ErrValidation, s.MaxMessageLength)
	}

	ps, err := s.gw.FetchParticipants(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("check participant: %w", err)
	}
	isParticipant := lo.ContainsBy(ps, func(p domain.Participant) bool { return p.UserID == senderID })
	if !isParticipant {
		return nil, fmt.Errorf("%w: %s is not a participant in this conversation", domain.ErrUnauthorized, senderID)
	}

	return s.gw.InsertMessage(ctx, conversationID, senderID, content)
}

// GetMessages returns one ascending page of history. The limit is clamped to
// PageSize.
func (s *MessageService) GetMessages(
	ctx context.Context,
	conversationID string,
	page domain.Page,
) ([]*domain.Message, error) {
	if page.Limit <= 0 || page.Limit > s.PageSize {
		page.Limit = s.PageSize
	}
	return s.gw.FetchMessages(ctx, conversationID, page)
}
