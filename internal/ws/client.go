package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 64
	// How long a producer waits on a full send buffer before the client is
	// dropped as too slow. Bursts of change frames must fit inside it.
	sendTimeout = 250 * time.Millisecond
)

// Client is one websocket connection. All writes go through writeLoop.
type Client struct {
	userID string
	conn   *websocket.Conn
	log    *slog.Logger

	send      chan Frame
	done      chan struct{}
	stopOnce  sync.Once
	closeCode int
}

func newClient(conn *websocket.Conn, userID string, log *slog.Logger) *Client {
	return &Client{
		userID:    userID,
		conn:      conn,
		log:       log,
		send:      make(chan Frame, sendBuffer),
		done:      make(chan struct{}),
		closeCode: websocket.CloseNormalClosure,
	}
}

func (c *Client) UserID() string {
	return c.userID
}

// queue hands f to the writer. It reports false when the client is gone or
// could not keep up, in which case the connection is being closed.
func (c *Client) queue(f Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- f:
		return true
	case <-c.done:
		return false
	case <-time.After(sendTimeout):
		c.log.Warn("ws send buffer full, dropping connection", "user_id", c.userID)
		c.stop(websocket.ClosePolicyViolation)
		return false
	}
}

// Shutdown closes the connection with a going-away frame.
func (c *Client) Shutdown() {
	c.stop(websocket.CloseGoingAway)
}

func (c *Client) stop(code int) {
	c.stopOnce.Do(func() {
		c.closeCode = code
		close(c.done)
	})
}

// writeLoop serializes frames and pings onto the connection. It owns closing
// the connection, which in turn ends the read loop.
func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(f); err != nil {
				c.log.Debug("ws write failed", "user_id", c.userID, "err", err)
				c.stop(websocket.CloseAbnormalClosure)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.stop(websocket.CloseAbnormalClosure)
				return
			}
		case <-c.done:
			c.drain()
			msg := websocket.FormatCloseMessage(c.closeCode, "")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

// drain flushes frames already queued when the client stops normally.
func (c *Client) drain() {
	if c.closeCode != websocket.CloseNormalClosure && c.closeCode != websocket.CloseGoingAway {
		return
	}
	for {
		select {
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(f); err != nil {
				return
			}
		default:
			return
		}
	}
}
