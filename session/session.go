package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

var ErrNotAuthenticated = errors.New("not authenticated")

// TokenSource yields the current access token. The absence of a usable token
// is a precondition failure, never retried.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticSource holds a token set by the UI shell after login. JWT tokens are
// parsed (unverified; verification is the server's job) so an expired token
// fails fast locally instead of producing a doomed network round-trip.
// Opaque non-JWT tokens pass through untouched.
type StaticSource struct {
	mu    sync.Mutex
	token string
	now   func() time.Time
}

func NewStaticSource() *StaticSource {
	return &StaticSource{now: time.Now}
}

func (s *StaticSource) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = strings.TrimSpace(token)
}

func (s *StaticSource) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
}

func (s *StaticSource) Token(_ context.Context) (string, error) {
	s.mu.Lock()
	token := s.token
	now := s.now().UTC()
	s.mu.Unlock()

	if token == "" {
		return "", ErrNotAuthenticated
	}

	expiresAt, ok := jwtExpiry(token)
	if ok && !expiresAt.After(now) {
		return "", ErrNotAuthenticated
	}

	return token, nil
}

func jwtExpiry(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
