package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"chatsync/internal/domain"
	"chatsync/internal/realtime"
)

const unlistenTimeout = 5 * time.Second

// ListenFeed is a realtime.Feed over PostgreSQL LISTEN/NOTIFY. Every channel
// holds its own connection because a connection waiting for notifications
// cannot serve anything else.
type ListenFeed struct {
	dsn    string
	log    *slog.Logger
	buffer int
}

var _ realtime.Feed = (*ListenFeed)(nil)

func NewListenFeed(dsn string, log *slog.Logger, buffer int) *ListenFeed {
	if buffer <= 0 {
		buffer = 64
	}
	return &ListenFeed{dsn: dsn, log: log, buffer: buffer}
}

func (f *ListenFeed) Subscribe(ctx context.Context, topic domain.Topic) (realtime.Channel, error) {
	conn, err := pgx.Connect(ctx, f.dsn)
	if err != nil {
		return nil, classify("listen connect", err)
	}

	ident := pgx.Identifier{channelName(topic)}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+ident); err != nil {
		conn.Close(ctx)
		return nil, classify(fmt.Sprintf("listen %s", topic), err)
	}

	wctx, cancel := context.WithCancel(context.Background())
	ch := &listenChannel{
		conn:   conn,
		topic:  topic,
		ident:  ident,
		log:    f.log,
		out:    make(chan domain.Notification, f.buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go ch.run(wctx)
	return ch, nil
}

type listenChannel struct {
	conn  *pgx.Conn
	topic domain.Topic
	ident string
	log   *slog.Logger

	out    chan domain.Notification
	cancel context.CancelFunc
	done   chan struct{}

	once     sync.Once
	closeErr error
}

func (c *listenChannel) Notifications() <-chan domain.Notification {
	return c.out
}

func (c *listenChannel) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.out)

	for {
		pn, err := c.conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Error("wait for notification", "topic", c.topic, "err", err)
			}
			return
		}

		var n domain.Notification
		if err := json.Unmarshal([]byte(pn.Payload), &n); err != nil {
			c.log.Warn("malformed notification payload", "topic", c.topic, "payload", pn.Payload, "err", err)
			continue
		}

		select {
		case c.out <- n:
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the wait loop, unlistens and closes the connection.
func (c *listenChannel) Close() error {
	c.once.Do(func() {
		c.cancel()
		<-c.done

		ctx, cancel := context.WithTimeout(context.Background(), unlistenTimeout)
		defer cancel()

		if !c.conn.IsClosed() {
			if _, err := c.conn.Exec(ctx, "UNLISTEN "+c.ident); err != nil {
				c.log.Debug("unlisten", "topic", c.topic, "err", err)
			}
		}
		c.closeErr = c.conn.Close(ctx)
	})
	return c.closeErr
}
