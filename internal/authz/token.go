package authz

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stanstork/beacon/internal/models"
)

const DefaultTokenTTL = 15 * time.Minute

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	UserID    string
	Role      models.UserRole
	ExpiresAt time.Time
}

// TokenIssuer signs and verifies the HS256 access tokens used by every client.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (t *TokenIssuer) Issue(userID string, role models.UserRole) (string, time.Time, error) {
	expiresAt := t.now().Add(t.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  userID,
		"role": string(role),
		"iat":  t.now().Unix(),
		"exp":  expiresAt.Unix(),
	})
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

func (t *TokenIssuer) Verify(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !claims.VerifyExpiresAt(t.now().Unix(), true) {
		return Claims{}, fmt.Errorf("%w: token expired", ErrInvalidToken)
	}
	userID, _ := claims["sub"].(string)
	if userID == "" {
		return Claims{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	role := models.UserRole(fmt.Sprint(claims["role"]))
	if !models.IsValidRole(role) {
		return Claims{}, fmt.Errorf("%w: unknown role", ErrInvalidToken)
	}
	var expiresAt time.Time
	if exp, ok := claims["exp"].(float64); ok {
		expiresAt = time.Unix(int64(exp), 0)
	}
	return Claims{UserID: userID, Role: role, ExpiresAt: expiresAt}, nil
}
