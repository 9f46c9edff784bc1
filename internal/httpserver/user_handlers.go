package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"chatsync/internal/security"
)

func handleMe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, CurrentUser(r))
	}
}

func handleGetUser(users security.UserLookup) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := users.FetchUser(r.Context(), chi.URLParam(r, "userID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	}
}
