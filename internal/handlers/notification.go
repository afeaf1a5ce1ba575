package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stanstork/beacon/internal/authz"
	"github.com/stanstork/beacon/internal/models"
	"github.com/stanstork/beacon/internal/notification"
	"github.com/stanstork/beacon/internal/realtime"
	"github.com/stanstork/beacon/internal/repository"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	defaultPingInterval = 30 * time.Second
	streamWriteTimeout  = 5 * time.Second
)

type NotificationHandler struct {
	service        notification.Service
	hub            *realtime.Hub
	pingInterval   time.Duration
	originPatterns []string
	logger         zerolog.Logger
}

type createNotificationRequest struct {
	OwnerUserID string `json:"owner_user_id"`
	Kind        string `json:"kind"`
	Title       string `json:"title"`
	Message     string `json:"message"`
	RelatedID   string `json:"related_id"`
	RelatedType string `json:"related_type"`
}

func NewNotificationHandler(service notification.Service, hub *realtime.Hub, pingInterval time.Duration, originPatterns []string, logger zerolog.Logger) *NotificationHandler {
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	return &NotificationHandler{
		service:        service,
		hub:            hub,
		pingInterval:   pingInterval,
		originPatterns: originPatterns,
		logger:         logger.With().Str("handler", "notification").Logger(),
	}
}

func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing user context")
		return
	}

	limit := repository.DefaultListLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	notifications, err := h.service.List(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("failed to list notifications")
		writeError(w, http.StatusInternalServerError, "Failed to list notifications")
		return
	}
	if notifications == nil {
		notifications = []models.Notification{}
	}

	unread, err := h.service.UnreadCount(r.Context(), userID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("failed to count unread notifications")
		writeError(w, http.StatusInternalServerError, "Failed to list notifications")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": notifications,
		"unread_count":  unread,
	})
}

func (h *NotificationHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing user context")
		return
	}
	count, err := h.service.UnreadCount(r.Context(), userID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("failed to count unread notifications")
		writeError(w, http.StatusInternalServerError, "Failed to count notifications")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"unread_count": count})
}

func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing user context")
		return
	}
	notifID, ok := notificationIDFromRequest(w, r)
	if !ok {
		return
	}

	notif, err := h.service.MarkRead(r.Context(), userID, notifID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Notification not found")
			return
		}
		h.logger.Error().Err(err).Str("notification_id", notifID).Msg("failed to mark notification as read")
		writeError(w, http.StatusInternalServerError, "Failed to update notification")
		return
	}

	writeJSON(w, http.StatusOK, notif)
}

func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing user context")
		return
	}
	updated, err := h.service.MarkAllRead(r.Context(), userID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("failed to mark all notifications as read")
		writeError(w, http.StatusInternalServerError, "Failed to update notifications")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": updated})
}

func (h *NotificationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing user context")
		return
	}
	notifID, ok := notificationIDFromRequest(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), userID, notifID); err != nil {
		h.logger.Error().Err(err).Str("notification_id", notifID).Msg("failed to delete notification")
		writeError(w, http.StatusInternalServerError, "Failed to delete notification")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Create is the Event Writer for trusted out-of-process producers.
func (h *NotificationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	kind, err := models.ParseNotificationKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	notif, err := h.service.Create(r.Context(), notification.Event{
		OwnerUserID: req.OwnerUserID,
		Kind:        kind,
		Title:       req.Title,
		Message:     req.Message,
		RelatedID:   req.RelatedID,
		RelatedType: req.RelatedType,
	})
	if err != nil {
		if errors.Is(err, notification.ErrOwnerRequired) || errors.Is(err, notification.ErrUnknownKind) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error().Err(err).Str("owner_user_id", req.OwnerUserID).Msg("failed to create notification")
		writeError(w, http.StatusInternalServerError, "Failed to create notification")
		return
	}
	writeJSON(w, http.StatusCreated, notif)
}

// Stream upgrades to a websocket and forwards every change for the caller's
// inbox as a JSON frame until the client goes away.
func (h *NotificationHandler) Stream(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing user context")
		return
	}
	if h.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "Push channel unavailable")
		return
	}

	sub, err := h.hub.Subscribe(userID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Push channel unavailable")
		return
	}
	defer sub.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Warn().Err(err).Str("user_id", userID).Msg("websocket upgrade failed")
		return
	}
	defer conn.CloseNow()

	logger := h.logger.With().Str("user_id", userID).Logger()
	logger.Debug().Msg("stream opened")

	// Frames from the client are not expected; CloseRead still services pongs.
	ctx := conn.CloseRead(r.Context())

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("stream closed by client")
			return
		case <-sub.Done():
			_ = conn.Close(websocket.StatusTryAgainLater, "subscription ended")
			return
		case change := <-sub.C:
			if err := writeFrame(ctx, conn, change); err != nil {
				logger.Debug().Err(err).Msg("stream write failed")
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				logger.Debug().Err(err).Msg("stream ping failed")
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, change models.NotificationChange) error {
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, change)
}

func notificationIDFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := strings.TrimSpace(mux.Vars(r)["notificationID"])
	if raw == "" {
		writeError(w, http.StatusBadRequest, "Notification ID is required")
		return "", false
	}
	if _, err := uuid.Parse(raw); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid notification ID")
		return "", false
	}
	return raw, true
}
