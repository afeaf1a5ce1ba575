package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/beacon/internal/authz"
	"github.com/stanstork/beacon/internal/models"
	"github.com/stanstork/beacon/internal/repository"
)

type AuthHandler struct {
	userRepository repository.UserRepository
	tokens         *authz.TokenIssuer
	logger         zerolog.Logger
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func NewAuthHandler(users repository.UserRepository, tokens *authz.TokenIssuer, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		userRepository: users,
		tokens:         tokens,
		logger:         logger.With().Str("handler", "auth").Logger(),
	}
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	user, err := h.userRepository.AuthenticateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "Authentication failed")
			return
		}
		h.logger.Error().Err(err).Msg("failed to authenticate user")
		writeError(w, http.StatusInternalServerError, "Authentication failed")
		return
	}

	h.issue(w, user.ID, user.Role)
}

// Refresh re-issues a token for a caller still holding a valid one. The user
// is reloaded so removed accounts and role changes take effect.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing user context")
		return
	}
	user, err := h.userRepository.GetUserByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "Unknown user")
			return
		}
		h.logger.Error().Err(err).Str("user_id", userID).Msg("failed to load user for refresh")
		writeError(w, http.StatusInternalServerError, "Failed to refresh token")
		return
	}

	h.issue(w, user.ID, user.Role)
}

func (h *AuthHandler) issue(w http.ResponseWriter, userID string, role models.UserRole) {
	token, expiresAt, err := h.tokens.Issue(userID, role)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to sign token")
		writeError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: expiresAt})
}

// JWTMiddleware authenticates the bearer token. Websocket clients that cannot
// set headers may pass it as the access_token query parameter instead.
func (h *AuthHandler) JWTMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		claims, err := h.tokens.Verify(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		ctx := authz.WithIdentity(r.Context(), claims.UserID, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			return "", false
		}
		return strings.TrimSpace(parts[1]), true
	}
	if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
		return token, true
	}
	return "", false
}
