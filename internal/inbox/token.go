package inbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var ErrNoCredentials = errors.New("no usable token and no login configured")

// ParseTokenClaims reads subject and expiry from a JWT without verifying the
// signature; the server remains the authority on validity.
func ParseTokenClaims(token string) (string, time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	subject, _ := claims["sub"].(string)
	exp, ok := claims["exp"].(float64)
	if !ok {
		return subject, time.Time{}, errors.New("token has no exp claim")
	}
	return subject, time.Unix(int64(exp), 0), nil
}

type TokenSourceOptions struct {
	// Login obtains a fresh token when there is none or the current one can
	// no longer be refreshed.
	Login func(ctx context.Context) (TokenResponse, error)
	// Persist is called with every new token. It must not block for long.
	Persist func(token string)
}

// JWTTokenSource is a TokenProvider backed by the server's refresh endpoint.
type JWTTokenSource struct {
	api  API
	opts TokenSourceOptions
	now  func() time.Time

	mu        sync.Mutex
	token     string
	subject   string
	expiresAt time.Time
}

// NewJWTTokenSource starts from token, which may be empty when Login is set.
func NewJWTTokenSource(token string, api API, opts TokenSourceOptions) (*JWTTokenSource, error) {
	s := &JWTTokenSource{api: api, opts: opts, now: time.Now}
	token = strings.TrimSpace(token)
	if token == "" {
		if opts.Login == nil {
			return nil, ErrNoCredentials
		}
		return s, nil
	}
	if err := s.set(token); err != nil {
		if opts.Login == nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *JWTTokenSource) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *JWTTokenSource) Subject() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subject
}

func (s *JWTTokenSource) Remaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		return 0
	}
	return s.expiresAt.Sub(s.now())
}

// Refresh exchanges the current token for a new one, falling back to Login
// when the token is missing, expired or rejected.
func (s *JWTTokenSource) Refresh(ctx context.Context) error {
	current := s.Token()
	if current != "" && s.Remaining() > 0 {
		resp, err := s.api.Refresh(ctx, current)
		if err == nil {
			return s.accept(resp.Token)
		}
		if !IsUnauthorized(err) || s.opts.Login == nil {
			return err
		}
	}
	if s.opts.Login == nil {
		return ErrNoCredentials
	}
	resp, err := s.opts.Login(ctx)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	return s.accept(resp.Token)
}

func (s *JWTTokenSource) accept(token string) error {
	if err := s.set(token); err != nil {
		return err
	}
	if s.opts.Persist != nil {
		s.opts.Persist(token)
	}
	return nil
}

func (s *JWTTokenSource) set(token string) error {
	subject, expiresAt, err := ParseTokenClaims(token)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.token = token
	s.subject = subject
	s.expiresAt = expiresAt
	s.mu.Unlock()
	return nil
}
