package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"chatsync/internal/domain"
	"chatsync/internal/httpserver"
	"chatsync/internal/viewmodel"
)

// Conversations is what a connection needs from the conversation service.
type Conversations interface {
	viewmodel.ConversationSource
	GetOrCreateDirectConversation(ctx context.Context, requesterID, otherID string) (*domain.Conversation, error)
}

type Deps struct {
	Hub            *Hub
	Auth           httpserver.Authenticator
	Conversations  Conversations
	Messages       viewmodel.MessageSource
	Subscriber     viewmodel.Subscriber
	AllowedOrigins []string
	Log            *slog.Logger
}

func normalizeAllowedOrigins(origins []string) map[string]struct{} {
	res := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		o := strings.TrimSpace(strings.ToLower(origin))
		if o != "" {
			res[o] = struct{}{}
		}
	}
	return res
}

func makeCheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := normalizeAllowedOrigins(allowedOrigins)
	if len(allowed) == 0 {
		return func(r *http.Request) bool {
			return false
		}
	}

	return func(r *http.Request) bool {
		origin := strings.TrimSpace(strings.ToLower(r.Header.Get("Origin")))
		if origin == "" {
			return false
		}
		if _, ok := allowed[origin]; ok {
			return true
		}

		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		normalized := strings.ToLower(fmt.Sprintf("%s://%s", u.Scheme, u.Host))
		_, ok := allowed[normalized]
		return ok
	}
}

// MakeHandler returns an HTTP handler for the /ws endpoint.
// It authenticates via bearer token (Authorization header or
// Sec-WebSocket-Protocol), keeps a view session for the user and dispatches
// client frames:
//   - select       -> make a conversation active, load history, mark read
//   - send         -> store a message and echo it into the view
//   - open_direct  -> get or create the direct conversation with another user
//
// The server pushes conversations, history, message, unread and error frames.
func MakeHandler(d Deps) http.HandlerFunc {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	checkOrigin := makeCheckOrigin(d.AllowedOrigins)
	upgrader := websocket.Upgrader{
		CheckOrigin: checkOrigin,
		Subprotocols: []string{
			"bearer",
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if !checkOrigin(r) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		user, err := d.Auth.Authenticate(r)
		if err != nil {
			http.Error(w, err.Error(), httpserver.StatusFor(err))
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("ws upgrade failed", "user_id", user.ID, "err", err)
			return
		}

		client := newClient(conn, user.ID, log)
		d.Hub.Register(client)
		go client.writeLoop()

		ctx, cancel := context.WithCancel(r.Context())
		defer func() {
			cancel()
			client.stop(websocket.CloseNormalClosure)
			d.Hub.Unregister(client)
		}()

		var session *viewmodel.Session
		session = viewmodel.NewSession(user.ID, d.Conversations, d.Messages, d.Subscriber,
			viewmodel.WithLogger(log),
			viewmodel.WithOnChange(func(ch viewmodel.Change) {
				client.queue(frameFor(session, ch))
			}),
		)
		defer session.Close()

		if err := session.Start(ctx); err != nil {
			log.Error("ws session start failed", "user_id", user.ID, "err", err)
			client.queue(errorFrame("", err))
			return
		}
		log.Info("ws connected", "user_id", user.ID)

		conn.SetReadLimit(maxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})

		for {
			var in clientFrame
			if err := conn.ReadJSON(&in); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn("ws read failed", "user_id", user.ID, "err", err)
				}
				break
			}
			dispatch(ctx, d, session, client, in)
		}
		log.Info("ws disconnected", "user_id", user.ID)
	}
}

func dispatch(ctx context.Context, d Deps, session *viewmodel.Session, client *Client, in clientFrame) {
	switch in.Type {
	case "select":
		if err := session.Select(ctx, in.ConversationID); err != nil {
			client.queue(errorFrame(in.ConversationID, err))
		}

	case "send":
		if _, err := session.Send(ctx, in.ConversationID, in.Content); err != nil {
			client.queue(errorFrame(in.ConversationID, err))
		}

	case "open_direct":
		conv, err := d.Conversations.GetOrCreateDirectConversation(ctx, session.UserID(), in.OtherUserID)
		if err != nil {
			client.queue(errorFrame("", err))
			return
		}
		session.ApplyConversation(conv)
		client.queue(Frame{Type: FrameConversation, ConversationID: conv.ID, Conversation: conv})

	default:
		client.queue(errorFrame("", fmt.Errorf("%w: unknown event type %q", domain.ErrValidation, in.Type)))
	}
}
