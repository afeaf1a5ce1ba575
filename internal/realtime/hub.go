package realtime

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/stanstork/beacon/internal/models"
)

const defaultSubscriberBuffer = 32

var ErrHubClosed = errors.New("realtime hub closed")

// Hub fans committed notification changes out to the live subscriptions of
// their owner. A change is only ever delivered to subscriptions of the user
// named in owner_user_id.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	closed bool
	logger zerolog.Logger
}

type Subscription struct {
	UserID string
	C      <-chan models.NotificationChange

	ch   chan models.NotificationChange
	done chan struct{}
	once sync.Once
	hub  *Hub
}

func NewHub(buffer int, logger zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		logger: logger.With().Str("component", "realtime_hub").Logger(),
	}
}

func (h *Hub) Subscribe(userID string) (*Subscription, error) {
	userID = strings.TrimSpace(userID)
	ch := make(chan models.NotificationChange, h.buffer)
	sub := &Subscription{
		UserID: userID,
		C:      ch,
		ch:     ch,
		done:   make(chan struct{}),
		hub:    h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[*Subscription]struct{})
	}
	h.subs[userID][sub] = struct{}{}
	h.logger.Debug().Str("user_id", userID).Int("subscribers", len(h.subs[userID])).Msg("subscriber attached")
	return sub, nil
}

// Done is closed when the subscription ends, either by Close or because the
// hub dropped it for falling behind.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(s)
}

// Notify lets the hub act as an in-process notifier for the notification service.
func (h *Hub) Notify(_ context.Context, change models.NotificationChange) error {
	return h.Publish(change)
}

// Publish delivers change to every subscription of its owner without blocking.
// Subscribers whose buffer is full are dropped; they recover by polling.
func (h *Hub) Publish(change models.NotificationChange) error {
	owner := strings.TrimSpace(change.Notification.OwnerUserID)
	if owner == "" {
		return errors.New("change has no owner")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	for sub := range h.subs[owner] {
		select {
		case sub.ch <- change:
		default:
			h.logger.Warn().
				Str("user_id", owner).
				Str("notification_id", change.Notification.ID).
				Msg("dropping slow subscriber")
			h.removeLocked(sub)
		}
	}
	return nil
}

func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[strings.TrimSpace(userID)])
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, set := range h.subs {
		for sub := range set {
			h.removeLocked(sub)
		}
	}
}

func (h *Hub) String() string {
	return "RealtimeHub"
}

func (h *Hub) removeLocked(sub *Subscription) {
	sub.once.Do(func() {
		close(sub.done)
	})
	set := h.subs[sub.UserID]
	if set == nil {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.UserID)
	}
}
