package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/stanstork/beacon/internal/models"
	"github.com/stanstork/beacon/internal/repository"
)

const (
	// Channel is the NOTIFY channel the notifications trigger writes to.
	Channel              = "beacon_notifications"
	listenerPingInterval = 90 * time.Second
	loadTimeout          = 5 * time.Second
)

// RowLoader fetches the row a change reference points at.
type RowLoader interface {
	GetForOwner(ctx context.Context, ownerUserID, notificationID string) (models.Notification, error)
}

// Listener relays Postgres NOTIFY references emitted by the notifications
// trigger into a Hub, loading each row first. It covers writes made by any
// process, not just this one.
type Listener struct {
	dsn    string
	rows   RowLoader
	hub    *Hub
	logger zerolog.Logger
}

func NewListener(dsn string, rows RowLoader, hub *Hub, logger zerolog.Logger) *Listener {
	return &Listener{
		dsn:    dsn,
		rows:   rows,
		hub:    hub,
		logger: logger.With().Str("component", "pg_listener").Str("channel", Channel).Logger(),
	}
}

// Run blocks until ctx is done. pq reconnects on its own; notifications sent
// while disconnected are lost, which clients cover with their poll loop.
func (l *Listener) Run(ctx context.Context) error {
	listener := pq.NewListener(l.dsn, time.Second, time.Minute, l.reportEvent)
	defer listener.Close()

	if err := listener.Listen(Channel); err != nil {
		return fmt.Errorf("listen %s: %w", Channel, err)
	}
	l.logger.Info().Msg("Listening for notification changes")

	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Msg("Listener stopped")
			return nil
		case n := <-listener.Notify:
			if n == nil {
				// nil is sent after a reconnect
				continue
			}
			l.handle(ctx, n.Extra)
		case <-ticker.C:
			go func() {
				if err := listener.Ping(); err != nil {
					l.logger.Warn().Err(err).Msg("listener ping failed")
				}
			}()
		}
	}
}

func (l *Listener) handle(ctx context.Context, payload string) {
	ref, err := models.ParseChangeRef([]byte(payload))
	if err != nil {
		l.logger.Warn().Err(err).Msg("discarding malformed change payload")
		return
	}

	loadCtx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()
	row, err := l.rows.GetForOwner(loadCtx, ref.OwnerUserID, ref.ID)
	if errors.Is(err, repository.ErrNotFound) {
		l.logger.Debug().Str("notification_id", ref.ID).Msg("changed row is gone")
		return
	}
	if err != nil {
		l.logger.Warn().Err(err).Str("notification_id", ref.ID).Msg("failed to load changed row")
		return
	}
	row, err = row.Normalize()
	if err != nil {
		l.logger.Warn().Err(err).Str("notification_id", ref.ID).Msg("discarding invalid row")
		return
	}

	if err := l.hub.Publish(models.NotificationChange{Type: ref.Type, Notification: row}); err != nil {
		l.logger.Warn().Err(err).Str("notification_id", ref.ID).Msg("failed to publish change")
	}
}

func (l *Listener) reportEvent(event pq.ListenerEventType, err error) {
	switch event {
	case pq.ListenerEventConnected:
		l.logger.Debug().Msg("listener connected")
	case pq.ListenerEventDisconnected:
		l.logger.Warn().Err(err).Msg("listener disconnected")
	case pq.ListenerEventReconnected:
		l.logger.Info().Msg("listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		l.logger.Warn().Err(err).Msg("listener connection attempt failed")
	}
}
