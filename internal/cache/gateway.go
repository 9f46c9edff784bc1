package cache

import (
	"context"
	"time"

	"github.com/samber/lo"

	"chatsync/internal/domain"
)

const (
	DefaultListTTL   = 30 * time.Second
	DefaultLookupTTL = 5 * time.Minute
)

func userKey(id string) string           { return "user:" + id }
func conversationsKey(uid string) string { return "conversations:" + uid }
func participantsKey(cid string) string  { return "participants:" + cid }
func messagesPrefix(cid string) string   { return "messages:" + cid + ":" }

func messagesKey(cid string, page domain.Page) string {
	return messagesPrefix(cid) + page.String()
}

// CachedGateway decorates a Gateway with read-through caching of list and
// lookup reads. Hydration reads always reach the store. Every mutation drops
// the entries it may have made stale.
type CachedGateway struct {
	next      domain.Gateway
	cache     *Cache
	listTTL   time.Duration
	lookupTTL time.Duration
}

var _ domain.Gateway = (*CachedGateway)(nil)

func NewCachedGateway(next domain.Gateway, c *Cache, listTTL, lookupTTL time.Duration) *CachedGateway {
	if listTTL <= 0 {
		listTTL = DefaultListTTL
	}
	if lookupTTL <= 0 {
		lookupTTL = DefaultLookupTTL
	}
	return &CachedGateway{next: next, cache: c, listTTL: listTTL, lookupTTL: lookupTTL}
}

func (g *CachedGateway) FetchUser(ctx context.Context, userID string) (*domain.User, error) {
	u, err := GetOrFetch(ctx, g.cache, userKey(userID), g.lookupTTL, func(ctx context.Context) (*domain.User, error) {
		return g.next.FetchUser(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	cp := *u
	return &cp, nil
}

func (g *CachedGateway) FetchConversationsForUser(ctx context.Context, userID string) ([]*domain.Conversation, error) {
	list, err := GetOrFetch(ctx, g.cache, conversationsKey(userID), g.listTTL, func(ctx context.Context) ([]*domain.Conversation, error) {
		return g.next.FetchConversationsForUser(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return lo.Map(list, func(c *domain.Conversation, _ int) *domain.Conversation {
		return cloneConversation(c)
	}), nil
}

func (g *CachedGateway) FetchParticipants(ctx context.Context, conversationID string) ([]domain.Participant, error) {
	ps, err := GetOrFetch(ctx, g.cache, participantsKey(conversationID), g.lookupTTL, func(ctx context.Context) ([]domain.Participant, error) {
		return g.next.FetchParticipants(ctx, conversationID)
	})
	if err != nil {
		return nil, err
	}
	return append([]domain.Participant{}, ps...), nil
}

func (g *CachedGateway) FetchMessages(ctx context.Context, conversationID string, page domain.Page) ([]*domain.Message, error) {
	msgs, err := GetOrFetch(ctx, g.cache, messagesKey(conversationID, page), g.listTTL, func(ctx context.Context) ([]*domain.Message, error) {
		return g.next.FetchMessages(ctx, conversationID, page)
	})
	if err != nil {
		return nil, err
	}
	return lo.Map(msgs, func(m *domain.Message, _ int) *domain.Message {
		cp := *m
		return &cp
	}), nil
}

func (g *CachedGateway) FetchConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	return g.next.FetchConversation(ctx, id)
}

func (g *CachedGateway) FetchMessage(ctx context.Context, id string) (*domain.Message, error) {
	return g.next.FetchMessage(ctx, id)
}

func (g *CachedGateway) FindDirectConversation(ctx context.Context, pairKey string) (*domain.Conversation, error) {
	return g.next.FindDirectConversation(ctx, pairKey)
}

func (g *CachedGateway) InsertMessage(ctx context.Context, conversationID, senderID, content string) (*domain.Message, error) {
	m, err := g.next.InsertMessage(ctx, conversationID, senderID, content)
	if err != nil {
		return nil, err
	}
	g.cache.Invalidate(messagesPrefix(conversationID))
	g.dropMemberLists(ctx, conversationID)
	return m, nil
}

func (g *CachedGateway) InsertConversation(ctx context.Context, kind domain.ConversationKind, pairKey string) (*domain.Conversation, error) {
	return g.next.InsertConversation(ctx, kind, pairKey)
}

func (g *CachedGateway) InsertParticipants(ctx context.Context, conversationID string, userIDs []string) error {
	if err := g.next.InsertParticipants(ctx, conversationID, userIDs); err != nil {
		return err
	}
	g.cache.Delete(participantsKey(conversationID))
	for _, uid := range userIDs {
		g.cache.Delete(conversationsKey(uid))
	}
	g.dropMemberLists(ctx, conversationID)
	return nil
}

func (g *CachedGateway) UpsertDirectConversation(ctx context.Context, pairKey string, userIDs [2]string) (*domain.Conversation, error) {
	c, err := g.next.UpsertDirectConversation(ctx, pairKey, userIDs)
	if err != nil {
		return nil, err
	}
	g.cache.Delete(participantsKey(c.ID))
	for _, uid := range lo.Uniq(append(userIDs[:], c.ParticipantIDs()...)) {
		g.cache.Delete(conversationsKey(uid))
	}
	return c, nil
}

func (g *CachedGateway) DeleteConversation(ctx context.Context, id string) error {
	if err := g.next.DeleteConversation(ctx, id); err != nil {
		return err
	}
	g.cache.Invalidate("conversations:")
	g.cache.Delete(participantsKey(id))
	g.cache.Invalidate(messagesPrefix(id))
	return nil
}

func (g *CachedGateway) MarkRead(ctx context.Context, conversationID, userID string) error {
	if err := g.next.MarkRead(ctx, conversationID, userID); err != nil {
		return err
	}
	g.cache.Delete(conversationsKey(userID))
	g.cache.Delete(participantsKey(conversationID))
	return nil
}

// dropMemberLists removes the conversation list of every member. When the
// member set cannot be read, all lists go.
func (g *CachedGateway) dropMemberLists(ctx context.Context, conversationID string) {
	ps, err := g.FetchParticipants(ctx, conversationID)
	if err != nil {
		g.cache.Invalidate("conversations:")
		return
	}
	for _, p := range ps {
		g.cache.Delete(conversationsKey(p.UserID))
	}
}

func cloneConversation(c *domain.Conversation) *domain.Conversation {
	cp := *c
	cp.Participants = append([]domain.Participant{}, c.Participants...)
	if c.LastMessage != nil {
		m := *c.LastMessage
		cp.LastMessage = &m
	}
	return &cp
}
