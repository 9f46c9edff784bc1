package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/domain"
	"chatsync/internal/httpserver"
	"chatsync/internal/security"
	"chatsync/internal/service"
	"chatsync/internal/store/sqlite"
)

type testServer struct {
	*httptest.Server
	tokens *security.TokenService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlite.Migrate(db))

	gw := sqlite.NewGateway(db, security.Plaintext{}, nil)
	for _, id := range []string{"alice", "bob", "carol"} {
		require.NoError(t, gw.SaveUser(context.Background(), &domain.User{ID: id, Username: id}))
	}

	tokens := security.NewTokenService("secret", time.Hour)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := httpserver.NewRouter(httpserver.Deps{
		Auth:          security.NewAuthenticator(tokens, gw),
		Users:         gw,
		Conversations: service.NewConversationService(gw, log, true),
		Messages:      service.NewMessageService(gw, 100, 50),
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, tokens: tokens}
}

// do sends a request as userID, or anonymously when userID is empty, and
// decodes the JSON answer into out when out is non-nil.
func (s *testServer) do(t *testing.T, userID, method, path string, body, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, rd)
	require.NoError(t, err)
	if userID != "" {
		tok, err := s.tokens.Issue(userID)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t)

	var health map[string]string
	assert.Equal(t, http.StatusOK, srv.do(t, "", "GET", "/health", nil, &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, http.StatusOK, srv.do(t, "", "GET", "/metrics", nil, nil))
}

func TestAPIRequiresToken(t *testing.T) {
	srv := newTestServer(t)

	assert.Equal(t, http.StatusUnauthorized, srv.do(t, "", "GET", "/api/conversations", nil, nil))
	assert.Equal(t, http.StatusUnauthorized, srv.do(t, "mallory", "GET", "/api/me", nil, nil))

	var me domain.User
	assert.Equal(t, http.StatusOK, srv.do(t, "alice", "GET", "/api/me", nil, &me))
	assert.Equal(t, "alice", me.ID)
}

func TestConversationFlow(t *testing.T) {
	srv := newTestServer(t)

	var conv domain.Conversation
	status := srv.do(t, "alice", "POST", "/api/conversations/direct", map[string]string{"other_user_id": "bob"}, &conv)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "alice|bob", conv.PairKey)
	assert.ElementsMatch(t, []string{"alice", "bob"}, conv.ParticipantIDs())

	var again domain.Conversation
	srv.do(t, "bob", "POST", "/api/conversations/direct", map[string]string{"other_user_id": "alice"}, &again)
	assert.Equal(t, conv.ID, again.ID)

	var msg domain.Message
	status = srv.do(t, "bob", "POST", "/api/conversations/"+conv.ID+"/messages", map[string]string{"content": "hi alice"}, &msg)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "bob", msg.SenderID)

	var list []*domain.Conversation
	require.Equal(t, http.StatusOK, srv.do(t, "alice", "GET", "/api/conversations", nil, &list))
	require.Len(t, list, 1)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, msg.ID, list[0].LastMessage.ID)

	var history []*domain.Message
	require.Equal(t, http.StatusOK, srv.do(t, "alice", "GET", "/api/conversations/"+conv.ID+"/messages", nil, &history))
	require.Len(t, history, 1)
	assert.Equal(t, "hi alice", history[0].Content)

	before := fmt.Sprintf("?before=%d", msg.CreatedAt.UnixNano())
	history = nil
	require.Equal(t, http.StatusOK, srv.do(t, "alice", "GET", "/api/conversations/"+conv.ID+"/messages"+before, nil, &history))
	assert.Empty(t, history)

	history = nil
	require.Equal(t, http.StatusOK, srv.do(t, "alice", "GET", "/api/conversations/"+conv.ID+"/messages"+before+"&before_id=~", nil, &history))
	require.Len(t, history, 1, "before_id admits messages at the cursor instant that sort below it")
	assert.Equal(t, msg.ID, history[0].ID)

	assert.Equal(t, http.StatusOK, srv.do(t, "alice", "POST", "/api/conversations/"+conv.ID+"/read", nil, nil))
}

func TestErrorStatuses(t *testing.T) {
	srv := newTestServer(t)

	var conv domain.Conversation
	require.Equal(t, http.StatusOK, srv.do(t, "alice", "POST", "/api/conversations/direct", map[string]string{"other_user_id": "bob"}, &conv))

	cases := []struct {
		name   string
		user   string
		method string
		path   string
		body   any
		want   int
	}{
		{"SelfConversation", "alice", "POST", "/api/conversations/direct", map[string]string{"other_user_id": "alice"}, http.StatusBadRequest},
		{"OutsiderReadsConversation", "carol", "GET", "/api/conversations/" + conv.ID, nil, http.StatusNotFound},
		{"OutsiderReadsHistory", "carol", "GET", "/api/conversations/" + conv.ID + "/messages", nil, http.StatusNotFound},
		{"OutsiderSends", "carol", "POST", "/api/conversations/" + conv.ID + "/messages", map[string]string{"content": "hey"}, http.StatusUnauthorized},
		{"EmptyContent", "alice", "POST", "/api/conversations/" + conv.ID + "/messages", map[string]string{"content": "  "}, http.StatusBadRequest},
		{"BadCursor", "alice", "GET", "/api/conversations/" + conv.ID + "/messages?before=yesterday", nil, http.StatusBadRequest},
		{"UnknownConversation", "alice", "GET", "/api/conversations/nope", nil, http.StatusNotFound},
		{"UnknownUser", "alice", "GET", "/api/users/nope", nil, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, srv.do(t, tc.user, tc.method, tc.path, tc.body, nil))
		})
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrValidation, http.StatusBadRequest},
		{domain.ErrUnauthorized, http.StatusUnauthorized},
		{fmt.Errorf("x: %w", domain.ErrNotFound), http.StatusNotFound},
		{domain.ErrConflict, http.StatusConflict},
		{fmt.Errorf("db: %w", domain.ErrTransient), http.StatusServiceUnavailable},
		{fmt.Errorf("something else entirely"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, httpserver.StatusFor(tc.err), tc.err.Error())
	}
}
