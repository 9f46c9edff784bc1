package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"chatsync/internal/domain"
)

const (
	defaultHydrateTimeout = 5 * time.Second
	reopenTimeout         = 10 * time.Second
)

// Event is a hydrated notification. Exactly one of Message or Conversation
// is set. Listeners share the record and must not modify it.
type Event struct {
	Topic        domain.Topic
	Notification domain.Notification
	Message      *domain.Message
	Conversation *domain.Conversation
}

type Listener func(Event)

// Multiplexer keeps at most one underlying feed channel per topic and fans
// hydrated events out to every local listener of that topic.
type Multiplexer struct {
	feed           Feed
	hydrator       domain.Hydrator
	log            *slog.Logger
	hydrateTimeout time.Duration

	mu      sync.Mutex
	handles map[domain.Topic]*handle
	nextID  uint64
	closed  bool
	pumps   sync.WaitGroup
}

type handle struct {
	topic     domain.Topic
	ch        Channel
	listeners []listenerEntry
	closed    bool

	// ready is closed once the feed channel is open or failed to open. err is
	// set before that.
	ready chan struct{}
	err   error
}

type listenerEntry struct {
	id uint64
	fn Listener
}

type MultiplexerOption func(*Multiplexer)

// WithHydrateTimeout bounds every Gateway call made to hydrate a notification.
func WithHydrateTimeout(d time.Duration) MultiplexerOption {
	return func(m *Multiplexer) {
		if d > 0 {
			m.hydrateTimeout = d
		}
	}
}

func NewMultiplexer(feed Feed, hydrator domain.Hydrator, log *slog.Logger, opts ...MultiplexerOption) *Multiplexer {
	m := &Multiplexer{
		feed:           feed,
		hydrator:       hydrator,
		log:            log,
		hydrateTimeout: defaultHydrateTimeout,
		handles:        make(map[domain.Topic]*handle),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe registers fn on topic and returns its unsubscribe function.
// Only the first subscriber of a topic opens a feed channel; later ones wait
// for that open without holding the multiplexer lock. Unsubscribe is
// idempotent; the last one closes the channel before returning.
func (m *Multiplexer) Subscribe(ctx context.Context, topic domain.Topic, fn Listener) (func(), error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		h, ok := m.handles[topic]
		if !ok {
			h = &handle{topic: topic, ready: make(chan struct{})}
			m.handles[topic] = h
		}
		m.mu.Unlock()

		opener := !ok
		if opener {
			m.open(ctx, h)
		} else {
			select {
			case <-h.ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if h.err != nil {
			if opener {
				return nil, h.err
			}
			continue
		}

		m.mu.Lock()
		if h.closed {
			// Released between the open and now; start over.
			m.mu.Unlock()
			continue
		}
		m.nextID++
		id := m.nextID
		h.listeners = append(h.listeners, listenerEntry{id: id, fn: fn})
		m.mu.Unlock()

		var once sync.Once
		return func() {
			once.Do(func() { m.unsubscribe(topic, id) })
		}, nil
	}
}

// SubscribeToMessages delivers every message inserted into a conversation.
func (m *Multiplexer) SubscribeToMessages(ctx context.Context, conversationID string, onMessage func(*domain.Message)) (func(), error) {
	return m.Subscribe(ctx, domain.MessagesTopic(conversationID), func(ev Event) {
		if ev.Message != nil {
			onMessage(ev.Message)
		}
	})
}

// SubscribeToConversationUpdates delivers every change to a conversation the
// user belongs to.
func (m *Multiplexer) SubscribeToConversationUpdates(ctx context.Context, userID string, onConversation func(*domain.Conversation)) (func(), error) {
	return m.Subscribe(ctx, domain.ConversationsTopic(userID), func(ev Event) {
		if ev.Conversation != nil {
			onConversation(ev.Conversation)
		}
	})
}

// RefCount returns the number of listeners on topic.
func (m *Multiplexer) RefCount(topic domain.Topic) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.handles[topic]; ok {
		return len(h.listeners)
	}
	return 0
}

// Close tears down every handle and waits for the delivery goroutines.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true

	var toClose []*handle
	for topic, h := range m.handles {
		if h.release() != nil {
			toClose = append(toClose, h)
		}
		delete(m.handles, topic)
	}
	m.mu.Unlock()

	var firstErr error
	for _, h := range toClose {
		if err := m.closeChannel(h.topic, h.ch); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.pumps.Wait()
	return firstErr
}

// open subscribes to the feed for a pending handle. m.mu must not be held.
func (m *Multiplexer) open(ctx context.Context, h *handle) {
	defer close(h.ready)

	ch, err := m.feed.Subscribe(ctx, h.topic)

	m.mu.Lock()
	if err != nil {
		h.err = fmt.Errorf("subscribe %s: %w", h.topic, err)
		h.closed = true
		h.listeners = nil
		if m.handles[h.topic] == h {
			delete(m.handles, h.topic)
		}
		m.mu.Unlock()
		return
	}
	if h.closed {
		// Close, or the last unsubscribe, ran while the feed was opening.
		m.mu.Unlock()
		_ = m.closeChannel(h.topic, ch)
		return
	}
	h.ch = ch
	openChannels.Inc()
	m.pumps.Add(1)
	go m.pump(h)
	m.mu.Unlock()
}

// unsubscribe removes listener id from whichever handle currently serves
// topic. Listener ids are unique, so a stale id is a no-op.
func (m *Multiplexer) unsubscribe(topic domain.Topic, id uint64) {
	match := func(l listenerEntry) bool { return l.id == id }

	m.mu.Lock()
	h, ok := m.handles[topic]
	if !ok || !slices.ContainsFunc(h.listeners, match) {
		m.mu.Unlock()
		return
	}
	h.listeners = slices.DeleteFunc(h.listeners, match)
	if len(h.listeners) > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.handles, topic)
	ch := h.release()
	m.mu.Unlock()

	_ = m.closeChannel(topic, ch)
}

// release marks h closed and returns its channel, nil while still opening.
// The caller holds m.mu and closes the channel after unlocking.
func (h *handle) release() Channel {
	h.closed = true
	h.listeners = nil
	if h.ch != nil {
		openChannels.Dec()
	}
	return h.ch
}

func (m *Multiplexer) closeChannel(topic domain.Topic, ch Channel) error {
	if ch == nil {
		return nil
	}
	err := ch.Close()
	if err != nil {
		m.log.Warn("close feed channel", "topic", topic, "err", err)
	}
	return err
}

func (m *Multiplexer) pump(h *handle) {
	defer m.pumps.Done()

	for n := range h.ch.Notifications() {
		ev, err := m.hydrate(h.topic, n)
		if err != nil {
			droppedHydrations.Inc()
			m.log.Warn("hydration failed, event dropped",
				"topic", h.topic, "entity", n.Entity, "id", n.ID, "err", err)
			continue
		}

		m.mu.Lock()
		if h.closed {
			m.mu.Unlock()
			continue
		}
		listeners := slices.Clone(h.listeners)
		m.mu.Unlock()

		for _, l := range listeners {
			l.fn(ev)
		}
		deliveredEvents.WithLabelValues(string(n.Entity)).Inc()
	}

	m.reopen(h)
}

// reopen replaces a handle whose channel the feed ended on its own, such as
// a dropped LISTEN connection. Its listeners move to a fresh channel.
func (m *Multiplexer) reopen(h *handle) {
	m.mu.Lock()
	if h.closed {
		m.mu.Unlock()
		return
	}
	listeners := h.listeners
	if m.handles[h.topic] == h {
		delete(m.handles, h.topic)
	}
	ended := h.release()

	var next *handle
	if len(listeners) > 0 {
		next = &handle{topic: h.topic, listeners: listeners, ready: make(chan struct{})}
		m.handles[h.topic] = next
	}
	m.mu.Unlock()

	_ = m.closeChannel(h.topic, ended)
	if next == nil {
		m.log.Info("feed channel ended", "topic", h.topic)
		return
	}

	feedReopens.Inc()
	m.log.Warn("feed channel ended, reopening", "topic", h.topic, "listeners", len(listeners))
	ctx, cancel := context.WithTimeout(context.Background(), reopenTimeout)
	defer cancel()
	m.open(ctx, next)
	if next.err != nil {
		m.log.Error("reopen feed channel failed, listeners dropped", "topic", h.topic, "err", next.err)
	}
}

func (m *Multiplexer) hydrate(topic domain.Topic, n domain.Notification) (Event, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.hydrateTimeout)
	defer cancel()

	ev := Event{Topic: topic, Notification: n}
	switch n.Entity {
	case domain.EntityMessage:
		msg, err := m.hydrator.FetchMessage(ctx, n.ID)
		if err != nil {
			return ev, err
		}
		ev.Message = msg
	case domain.EntityConversation:
		c, err := m.hydrator.FetchConversation(ctx, n.ID)
		if err != nil {
			return ev, err
		}
		ev.Conversation = c
	default:
		return ev, fmt.Errorf("%w: unknown entity %q", domain.ErrValidation, n.Entity)
	}
	return ev, nil
}
