package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatsync/internal/security"
	"chatsync/internal/service"
)

// Deps are the collaborators the router dispatches to.
type Deps struct {
	CORSOrigins   []string
	Auth          Authenticator
	Users         security.UserLookup
	Conversations *service.ConversationService
	Messages      *service.MessageService
	// WebSocket serves /ws. It is mounted outside the request timeout.
	WebSocket http.Handler
}

// NewRouter constructs the main HTTP router and wires routes and middleware.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(instrument)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	r.Handle("/metrics", promhttp.Handler())

	if d.WebSocket != nil {
		r.Handle("/ws", d.WebSocket)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(AuthMiddleware(d.Auth))

		r.Get("/me", handleMe())
		r.Get("/users/{userID}", handleGetUser(d.Users))

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/direct", handleOpenDirectConversation(d.Conversations))
			r.Get("/", handleListConversations(d.Conversations))
			r.Get("/{conversationID}", handleGetConversation(d.Conversations))
			r.Post("/{conversationID}/read", handleMarkConversationRead(d.Conversations))
			r.Get("/{conversationID}/messages", handleListMessages(d.Conversations, d.Messages))
			r.Post("/{conversationID}/messages", handleCreateMessage(d.Messages))
		})
	})

	return r
}

// writeJSON is a small helper to send JSON responses.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}
