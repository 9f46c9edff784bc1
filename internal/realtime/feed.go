// Package realtime shares push subscriptions among local listeners and turns
// raw change notifications into hydrated records.
package realtime

import (
	"context"
	"errors"

	"chatsync/internal/domain"
)

// ErrClosed is returned by a Multiplexer or Broker after Close.
var ErrClosed = errors.New("realtime: closed")

// Channel is one open subscription on a change feed.
type Channel interface {
	// Notifications is closed once the channel is closed or the feed fails.
	Notifications() <-chan domain.Notification
	Close() error
}

// Feed opens push subscriptions for a topic.
type Feed interface {
	Subscribe(ctx context.Context, topic domain.Topic) (Channel, error)
}
