package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"chatsync/internal/domain"
)

var validate = validator.New()

type directRequest struct {
	RequesterID string `validate:"required"`
	OtherID     string `validate:"required,nefield=RequesterID"`
}

type ConversationService struct {
	gw  domain.Gateway
	log *slog.Logger

	// atomic selects the single-transaction upsert. When false, creation
	// falls back to insert + participants + compensating delete.
	atomic bool
}

func NewConversationService(gw domain.Gateway, log *slog.Logger, atomic bool) *ConversationService {
	return &ConversationService{gw: gw, log: log, atomic: atomic}
}

// GetOrCreateDirectConversation returns the unique direct conversation
// between requesterID and otherID, creating it on first use. Concurrent calls
// for the same pair, in either argument order, return the same conversation.
func (s *ConversationService) GetOrCreateDirectConversation(
	ctx context.Context,
	requesterID string,
	otherID string,
) (*domain.Conversation, error) {
	if err := validate.Struct(directRequest{RequesterID: requesterID, OtherID: otherID}); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	key, err := domain.PairKey(requesterID, otherID)
	if err != nil {
		return nil, err
	}

	conv, err := s.gw.FindDirectConversation(ctx, key)
	if err == nil {
		return s.complete(ctx, conv, key, requesterID, otherID)
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("find direct conversation: %w", err)
	}

	conv, err = s.findLegacyDirect(ctx, requesterID, otherID)
	if err != nil {
		return nil, err
	}
	if conv != nil {
		return conv, nil
	}

	if s.atomic {
		return s.gw.UpsertDirectConversation(ctx, key, [2]string{requesterID, otherID})
	}
	return s.createDirect(ctx, key, requesterID, otherID)
}

// findLegacyDirect scans the requester's conversations for a direct row
// without a pair key whose members are exactly the two users.
func (s *ConversationService) findLegacyDirect(ctx context.Context, requesterID, otherID string) (*domain.Conversation, error) {
	list, err := s.gw.FetchConversationsForUser(ctx, requesterID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	for _, c := range list {
		if c.Kind != domain.KindDirect || c.PairKey != "" {
			continue
		}
		ps, err := s.gw.FetchParticipants(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("participants of %s: %w", c.ID, err)
		}
		if len(ps) != 2 {
			continue
		}
		ids := map[string]bool{ps[0].UserID: true, ps[1].UserID: true}
		if ids[requesterID] && ids[otherID] {
			return c, nil
		}
	}
	return nil, nil
}

func (s *ConversationService) createDirect(ctx context.Context, key, requesterID, otherID string) (*domain.Conversation, error) {
	conv, err := s.gw.InsertConversation(ctx, domain.KindDirect, key)
	if errors.Is(err, domain.ErrConflict) {
		// Another caller created the pair first.
		winner, err := s.gw.FindDirectConversation(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("find direct conversation: %w", err)
		}
		return s.complete(ctx, winner, key, requesterID, otherID)
	}
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, uid := range []string{requesterID, otherID} {
		g.Go(func() error {
			err := s.gw.InsertParticipants(gctx, conv.ID, []string{uid})
			if errors.Is(err, domain.ErrConflict) {
				// A concurrent caller already repaired the membership.
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		if derr := s.gw.DeleteConversation(context.WithoutCancel(ctx), conv.ID); derr != nil {
			s.log.Error("compensating delete failed",
				"conversation_id", conv.ID, "err", derr, "cause", err)
		}
		return nil, fmt.Errorf("add participants: %w", err)
	}

	return s.gw.FetchConversation(ctx, conv.ID)
}

// complete returns conv when both users are members. A pair-keyed row with
// missing members (a creator still adding them, or a failed compensation) is
// repaired through the idempotent upsert.
func (s *ConversationService) complete(
	ctx context.Context,
	conv *domain.Conversation,
	key, requesterID, otherID string,
) (*domain.Conversation, error) {
	if conv.HasParticipant(requesterID) && conv.HasParticipant(otherID) {
		return conv, nil
	}
	s.log.Warn("direct conversation is missing participants, repairing",
		"conversation_id", conv.ID, "participants", len(conv.Participants))
	return s.gw.UpsertDirectConversation(ctx, key, [2]string{requesterID, otherID})
}

func (s *ConversationService) GetUserConversations(ctx context.Context, userID string) ([]*domain.Conversation, error) {
	return s.gw.FetchConversationsForUser(ctx, userID)
}

// GetConversation returns the conversation if userID participates in it.
func (s *ConversationService) GetConversation(
	ctx context.Context,
	conversationID string,
	userID string,
) (*domain.Conversation, error) {
	conv, err := s.gw.FetchConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, domain.ErrNotFound)
	}
	return conv, nil
}

func (s *ConversationService) MarkAsRead(
	ctx context.Context,
	conversationID string,
	userID string,
) error {
	return s.gw.MarkRead(ctx, conversationID, userID)
}
