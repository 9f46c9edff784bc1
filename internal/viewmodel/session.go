// Package viewmodel keeps one user's ordered, deduplicated and unread-aware
// view of conversations and messages in sync with the realtime feed.
package viewmodel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/samber/lo"

	"chatsync/internal/domain"
)

type ConversationSource interface {
	GetUserConversations(ctx context.Context, userID string) ([]*domain.Conversation, error)
	MarkAsRead(ctx context.Context, conversationID, userID string) error
}

type MessageSource interface {
	GetMessages(ctx context.Context, conversationID string, page domain.Page) ([]*domain.Message, error)
	SendMessage(ctx context.Context, conversationID, senderID, content string) (*domain.Message, error)
}

type Subscriber interface {
	SubscribeToMessages(ctx context.Context, conversationID string, onMessage func(*domain.Message)) (func(), error)
	SubscribeToConversationUpdates(ctx context.Context, userID string, onConversation func(*domain.Conversation)) (func(), error)
}

// LoadState tracks the message history of one conversation.
type LoadState int

const (
	Unloaded LoadState = iota
	Loading
	Active
)

func (s LoadState) String() string {
	switch s {
	case Loading:
		return "loading"
	case Active:
		return "active"
	default:
		return "unloaded"
	}
}

type ChangeKind string

const (
	ChangeConversations ChangeKind = "conversations"
	ChangeMessage       ChangeKind = "message"
	ChangeUnread        ChangeKind = "unread"
)

// Change describes one observable change of the view.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	Message        *domain.Message
	Unread         int
}

type Option func(*Session)

// WithOnChange registers fn to be told about every change. fn runs outside
// the session lock and may call the accessors.
func WithOnChange(fn func(Change)) Option {
	return func(s *Session) { s.onChange = fn }
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Session) { s.log = log }
}

// Session is the view of one connected user.
type Session struct {
	userID   string
	convs    ConversationSource
	msgs     MessageSource
	sub      Subscriber
	log      *slog.Logger
	onChange func(Change)

	mu            sync.Mutex
	conversations []*domain.Conversation
	messages      map[string][]*domain.Message
	seen          map[string]map[string]struct{}
	unread        map[string]int
	states        map[string]LoadState
	active        string
	unsubs        map[string]func()
	closed        bool
}

func NewSession(userID string, convs ConversationSource, msgs MessageSource, sub Subscriber, opts ...Option) *Session {
	s := &Session{
		userID:   userID,
		convs:    convs,
		msgs:     msgs,
		sub:      sub,
		log:      slog.Default(),
		onChange: func(Change) {},
		messages: make(map[string][]*domain.Message),
		seen:     make(map[string]map[string]struct{}),
		unread:   make(map[string]int),
		states:   make(map[string]LoadState),
		unsubs:   make(map[string]func()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) UserID() string {
	return s.userID
}

// Start loads the conversation list and subscribes to the user's
// conversation updates and to the messages of every listed conversation.
func (s *Session) Start(ctx context.Context) error {
	list, err := s.convs.GetUserConversations(ctx, s.userID)
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}

	s.mu.Lock()
	s.conversations = lo.Map(list, func(c *domain.Conversation, _ int) *domain.Conversation {
		return cloneConversation(c)
	})
	sortConversations(s.conversations)
	s.mu.Unlock()

	unsub, err := s.sub.SubscribeToConversationUpdates(ctx, s.userID, s.ApplyConversation)
	if err != nil {
		return fmt.Errorf("subscribe conversation updates: %w", err)
	}
	if !s.keep(string(domain.ConversationsTopic(s.userID)), unsub) {
		return nil
	}

	for _, c := range list {
		if err := s.subscribeMessages(ctx, c.ID); err != nil {
			return err
		}
	}
	s.onChange(Change{Kind: ChangeConversations})
	return nil
}

// Close drops every subscription. Later events are ignored.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubs := lo.Values(s.unsubs)
	s.unsubs = make(map[string]func())
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// keep records unsub under key, or releases it when the session is closed or
// already holds that subscription.
func (s *Session) keep(key string, unsub func()) bool {
	s.mu.Lock()
	_, dup := s.unsubs[key]
	closed := s.closed
	if closed || dup {
		s.mu.Unlock()
		unsub()
		return !closed
	}
	s.unsubs[key] = unsub
	s.mu.Unlock()
	return true
}

func (s *Session) subscribeMessages(ctx context.Context, conversationID string) error {
	key := string(domain.MessagesTopic(conversationID))

	s.mu.Lock()
	_, ok := s.unsubs[key]
	closed := s.closed
	s.mu.Unlock()
	if ok || closed {
		return nil
	}

	unsub, err := s.sub.SubscribeToMessages(ctx, conversationID, s.ApplyMessage)
	if err != nil {
		return fmt.Errorf("subscribe messages of %s: %w", conversationID, err)
	}
	s.keep(key, unsub)
	return nil
}

// Select makes conversationID the active conversation: its unread counter
// resets, its history loads on first selection and it is marked as read.
func (s *Session) Select(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if _, _, ok := s.findConversation(conversationID); !ok {
		s.mu.Unlock()
		return fmt.Errorf("conversation %s: %w", conversationID, domain.ErrNotFound)
	}
	s.active = conversationID
	s.unread[conversationID] = 0
	load := s.states[conversationID] == Unloaded
	if load {
		s.states[conversationID] = Loading
	}
	s.mu.Unlock()

	s.onChange(Change{Kind: ChangeUnread, ConversationID: conversationID})

	if load {
		page, err := s.msgs.GetMessages(ctx, conversationID, domain.Page{})
		if err != nil {
			s.mu.Lock()
			s.states[conversationID] = Unloaded
			s.mu.Unlock()
			return fmt.Errorf("load messages of %s: %w", conversationID, err)
		}

		s.mu.Lock()
		for _, m := range page {
			s.insertMessage(m)
		}
		s.states[conversationID] = Active
		s.mu.Unlock()
		s.onChange(Change{Kind: ChangeMessage, ConversationID: conversationID})
	}

	if err := s.convs.MarkAsRead(ctx, conversationID, s.userID); err != nil {
		return fmt.Errorf("mark %s as read: %w", conversationID, err)
	}
	return nil
}

// Send stores a message and applies it to the view right away. The echo
// from the feed is discarded by id.
func (s *Session) Send(ctx context.Context, conversationID, content string) (*domain.Message, error) {
	m, err := s.msgs.SendMessage(ctx, conversationID, s.userID, content)
	if err != nil {
		return nil, err
	}
	s.ApplyMessage(m)
	return m, nil
}

// ApplyMessage merges one message into the view. Replays are no-ops.
func (s *Session) ApplyMessage(m *domain.Message) {
	s.mu.Lock()
	if s.closed || !s.insertMessage(m) {
		s.mu.Unlock()
		return
	}

	changes := []Change{{Kind: ChangeMessage, ConversationID: m.ConversationID, Message: copyMessage(m)}}

	if i, c, ok := s.findConversation(m.ConversationID); ok {
		if c.LastMessage == nil || c.LastMessage.Before(m) {
			next := cloneConversation(c)
			next.LastMessage = copyMessage(m)
			if m.CreatedAt.After(next.UpdatedAt) {
				next.UpdatedAt = m.CreatedAt
			}
			s.conversations[i] = next
			sortConversations(s.conversations)
			changes = append(changes, Change{Kind: ChangeConversations, ConversationID: m.ConversationID})
		}
	}

	if m.ConversationID != s.active && m.SenderID != s.userID {
		s.unread[m.ConversationID]++
		changes = append(changes, Change{Kind: ChangeUnread, ConversationID: m.ConversationID, Unread: s.unread[m.ConversationID]})
	}
	s.mu.Unlock()

	for _, ch := range changes {
		s.onChange(ch)
	}
}

// ApplyConversation upserts a conversation. A newer last message already in
// the view is kept. New conversations get a message subscription.
func (s *Session) ApplyConversation(c *domain.Conversation) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	next := cloneConversation(c)
	i, cur, ok := s.findConversation(c.ID)
	if ok {
		if cur.LastMessage != nil && (next.LastMessage == nil || next.LastMessage.Before(cur.LastMessage)) {
			next.LastMessage = copyMessage(cur.LastMessage)
		}
		s.conversations[i] = next
	} else {
		s.conversations = append(s.conversations, next)
	}
	sortConversations(s.conversations)
	s.mu.Unlock()

	if !ok {
		if err := s.subscribeMessages(context.Background(), c.ID); err != nil {
			s.log.Warn("subscribe new conversation", "user_id", s.userID, "conversation_id", c.ID, "err", err)
		}
	}
	s.onChange(Change{Kind: ChangeConversations, ConversationID: c.ID})
}

// insertMessage must be called with s.mu held. It reports whether m was new.
func (s *Session) insertMessage(m *domain.Message) bool {
	ids, ok := s.seen[m.ConversationID]
	if !ok {
		ids = make(map[string]struct{})
		s.seen[m.ConversationID] = ids
	}
	if _, dup := ids[m.ID]; dup {
		return false
	}
	ids[m.ID] = struct{}{}

	cp := copyMessage(m)
	list := s.messages[m.ConversationID]
	at := sort.Search(len(list), func(i int) bool { return cp.Before(list[i]) })
	list = append(list, nil)
	copy(list[at+1:], list[at:])
	list[at] = cp
	s.messages[m.ConversationID] = list
	return true
}

func (s *Session) findConversation(id string) (int, *domain.Conversation, bool) {
	c, i, ok := lo.FindIndexOf(s.conversations, func(c *domain.Conversation) bool { return c.ID == id })
	return i, c, ok
}

func (s *Session) Conversations() []*domain.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Map(s.conversations, func(c *domain.Conversation, _ int) *domain.Conversation {
		return cloneConversation(c)
	})
}

func (s *Session) Messages(conversationID string) []*domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Map(s.messages[conversationID], func(m *domain.Message, _ int) *domain.Message {
		return copyMessage(m)
	})
}

func (s *Session) Unread(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread[conversationID]
}

func (s *Session) State(conversationID string) LoadState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[conversationID]
}

func (s *Session) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// sortConversations orders conversations with a last message by its
// created_at, newest first. Conversations without one follow in their
// existing relative order.
func sortConversations(list []*domain.Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i].LastMessage, list[j].LastMessage
		if a == nil {
			return false
		}
		if b == nil {
			return true
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
}

func copyMessage(m *domain.Message) *domain.Message {
	cp := *m
	return &cp
}

func cloneConversation(c *domain.Conversation) *domain.Conversation {
	cp := *c
	cp.Participants = append([]domain.Participant(nil), c.Participants...)
	if c.LastMessage != nil {
		cp.LastMessage = copyMessage(c.LastMessage)
	}
	return &cp
}
