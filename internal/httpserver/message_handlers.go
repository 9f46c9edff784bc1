package httpserver

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"chatsync/internal/domain"
	"chatsync/internal/service"
)

type messageCreateRequest struct {
	Content string `json:"content"`
}

func handleCreateMessage(msgSvc *service.MessageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req messageCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		msg, err := msgSvc.SendMessage(r.Context(), chi.URLParam(r, "conversationID"), CurrentUser(r).ID, req.Content)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	}
}

// handleListMessages serves one page of history. The caller must be a
// participant; ?before takes RFC 3339 or unix nanoseconds.
func handleListMessages(convSvc *service.ConversationService, msgSvc *service.MessageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convID := chi.URLParam(r, "conversationID")
		page, err := parsePage(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if _, err := convSvc.GetConversation(r.Context(), convID, CurrentUser(r).ID); err != nil {
			writeError(w, r, err)
			return
		}

		msgs, err := msgSvc.GetMessages(r.Context(), convID, page)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

func parsePage(r *http.Request) (domain.Page, error) {
	var page domain.Page
	q := r.URL.Query()

	if s := q.Get("before"); s != "" {
		if ns, err := strconv.ParseInt(s, 10, 64); err == nil {
			page.Before = time.Unix(0, ns).UTC()
		} else if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			page.Before = ts
		} else {
			return page, fmt.Errorf("%w: invalid before cursor %q", domain.ErrValidation, s)
		}
		page.BeforeID = q.Get("before_id")
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return page, fmt.Errorf("%w: invalid limit %q", domain.ErrValidation, s)
		}
		page.Limit = n
	}
	return page, nil
}
