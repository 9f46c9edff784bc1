package realtime

import (
	"context"
	"log/slog"
	"sync"

	"chatsync/internal/domain"
)

const defaultBuffer = 64

// Broker is an in-process change feed. Stores publish into it after commit
// and the Multiplexer subscribes to it. Publishing never blocks: a channel
// whose buffer is full loses the notification.
type Broker struct {
	log    *slog.Logger
	buffer int

	mu     sync.RWMutex
	subs   map[domain.Topic]map[*brokerChannel]struct{}
	closed bool
}

var (
	_ Feed             = (*Broker)(nil)
	_ domain.Publisher = (*Broker)(nil)
)

func NewBroker(log *slog.Logger, buffer int) *Broker {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Broker{
		log:    log,
		buffer: buffer,
		subs:   make(map[domain.Topic]map[*brokerChannel]struct{}),
	}
}

func (b *Broker) Subscribe(_ context.Context, topic domain.Topic) (Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	ch := &brokerChannel{
		broker: b,
		topic:  topic,
		out:    make(chan domain.Notification, b.buffer),
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*brokerChannel]struct{})
	}
	b.subs[topic][ch] = struct{}{}
	return ch, nil
}

func (b *Broker) Publish(_ context.Context, topic domain.Topic, n domain.Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs[topic] {
		select {
		case ch.out <- n:
		default:
			feedOverflows.Inc()
			b.log.Warn("feed buffer full, notification lost", "topic", topic, "id", n.ID)
		}
	}
}

// Subscribers returns the number of open channels on topic.
func (b *Broker) Subscribers(topic domain.Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close closes every open channel. Later subscriptions fail with ErrClosed.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for topic, chans := range b.subs {
		for ch := range chans {
			close(ch.out)
		}
		delete(b.subs, topic)
	}
}

func (b *Broker) remove(ch *brokerChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()

	chans, ok := b.subs[ch.topic]
	if !ok {
		return
	}
	if _, ok := chans[ch]; !ok {
		return
	}
	delete(chans, ch)
	close(ch.out)
	if len(chans) == 0 {
		delete(b.subs, ch.topic)
	}
}

type brokerChannel struct {
	broker *Broker
	topic  domain.Topic
	out    chan domain.Notification
}

func (c *brokerChannel) Notifications() <-chan domain.Notification {
	return c.out
}

func (c *brokerChannel) Close() error {
	c.broker.remove(c)
	return nil
}
