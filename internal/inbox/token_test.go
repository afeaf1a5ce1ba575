package inbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func signToken(t *testing.T, subject string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  subject,
		"role": "member",
		"exp":  exp.Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestParseTokenClaims(t *testing.T) {
	exp := time.Now().Add(10 * time.Minute).Truncate(time.Second)
	subject, expiresAt, err := ParseTokenClaims(signToken(t, "user-1", exp))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "user-1" || !expiresAt.Equal(exp) {
		t.Fatalf("expected user-1 expiring %s, got %s expiring %s", exp, subject, expiresAt)
	}
	if _, _, err := ParseTokenClaims("garbage"); err == nil {
		t.Fatalf("expected error for malformed token")
	}
}

func TestTokenSourceRefreshesThroughAPI(t *testing.T) {
	current := signToken(t, "user-1", time.Now().Add(2*time.Minute))
	next := signToken(t, "user-1", time.Now().Add(15*time.Minute))
	api := newFakeAPI()
	api.refreshResp = TokenResponse{Token: next}
	var persisted []string

	source, err := NewJWTTokenSource(current, api, TokenSourceOptions{
		Persist: func(token string) { persisted = append(persisted, token) },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if source.Remaining() > 3*time.Minute {
		t.Fatalf("expected short remaining validity, got %s", source.Remaining())
	}

	if err := source.Refresh(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if source.Token() != next || source.Subject() != "user-1" {
		t.Fatalf("expected refreshed token for user-1")
	}
	if len(persisted) != 1 || persisted[0] != next {
		t.Fatalf("expected new token persisted, got %d writes", len(persisted))
	}
}

func TestTokenSourceFallsBackToLogin(t *testing.T) {
	current := signToken(t, "user-1", time.Now().Add(time.Minute))
	fresh := signToken(t, "user-1", time.Now().Add(15*time.Minute))
	api := newFakeAPI()
	api.refreshErr = &HTTPError{StatusCode: 401, Message: "invalid token"}
	logins := 0

	source, err := NewJWTTokenSource(current, api, TokenSourceOptions{
		Login: func(context.Context) (TokenResponse, error) {
			logins++
			return TokenResponse{Token: fresh}, nil
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := source.Refresh(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logins != 1 || source.Token() != fresh {
		t.Fatalf("expected login fallback, got %d logins", logins)
	}
}

func TestTokenSourceLogsInWhenExpired(t *testing.T) {
	expired := signToken(t, "user-1", time.Now().Add(-time.Minute))
	fresh := signToken(t, "user-1", time.Now().Add(15*time.Minute))
	api := newFakeAPI()

	source, err := NewJWTTokenSource(expired, api, TokenSourceOptions{
		Login: func(context.Context) (TokenResponse, error) { return TokenResponse{Token: fresh}, nil },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := source.Refresh(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.refreshCalls != 0 {
		t.Fatalf("expected expired token not to be sent for refresh, got %d calls", api.refreshCalls)
	}
}

func TestTokenSourceWithoutCredentials(t *testing.T) {
	if _, err := NewJWTTokenSource("", newFakeAPI(), TokenSourceOptions{}); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}

	source, err := NewJWTTokenSource("", newFakeAPI(), TokenSourceOptions{
		Login: func(context.Context) (TokenResponse, error) {
			return TokenResponse{}, &HTTPError{StatusCode: 401}
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if source.Remaining() != 0 {
		t.Fatalf("expected no validity without a token")
	}
	if err := source.Refresh(context.Background()); !IsUnauthorized(err) {
		t.Fatalf("expected login failure to surface, got %v", err)
	}
}
