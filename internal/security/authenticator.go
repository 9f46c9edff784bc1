package security

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"chatsync/internal/domain"
)

type UserLookup interface {
	FetchUser(ctx context.Context, userID string) (*domain.User, error)
}

// Authenticator resolves the user behind a request's bearer token.
type Authenticator struct {
	tokens *TokenService
	users  UserLookup
}

func NewAuthenticator(tokens *TokenService, users UserLookup) *Authenticator {
	return &Authenticator{tokens: tokens, users: users}
}

// Authenticate returns the user the request's token was issued for. Every
// failure wraps domain.ErrUnauthorized except backend failures, which keep
// their own kind.
func (a *Authenticator) Authenticate(r *http.Request) (*domain.User, error) {
	tokenStr, err := BearerToken(r)
	if err != nil {
		return nil, err
	}
	sub, err := a.tokens.Subject(tokenStr)
	if err != nil {
		return nil, err
	}
	user, err := a.users.FetchUser(r.Context(), sub)
	if err != nil {
		if domain.Kind(err) == domain.ErrNotFound {
			return nil, fmt.Errorf("%w: unknown user", domain.ErrUnauthorized)
		}
		return nil, err
	}
	return user, nil
}

// BearerToken reads the token from the Authorization header or, for browser
// websockets, from a "bearer, <token>" Sec-WebSocket-Protocol header.
func BearerToken(r *http.Request) (string, error) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		if token := strings.TrimSpace(authHeader[len("Bearer "):]); token != "" {
			return token, nil
		}
	}

	if protocolHeader := r.Header.Get("Sec-WebSocket-Protocol"); protocolHeader != "" {
		parts := strings.Split(protocolHeader, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) >= 2 && strings.EqualFold(parts[0], "bearer") && parts[1] != "" {
			return parts[1], nil
		}
	}

	return "", fmt.Errorf("%w: missing bearer token", domain.ErrUnauthorized)
}
