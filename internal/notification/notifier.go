package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/stanstork/beacon/internal/models"
)

var (
	ErrOwnerRequired = errors.New("owner user id is required")
	ErrUnknownKind   = errors.New("unknown notification kind")
)

// PersistenceError reports a failed read or write against the notification store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("notification store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Notifier receives every committed change so it can be pushed to live subscribers.
type Notifier interface {
	Notify(ctx context.Context, change models.NotificationChange) error
}

func logNotifyError(logger zerolog.Logger, err error, channel string, notif models.Notification) {
	if err == nil {
		return
	}
	logger.Warn().
		Err(err).
		Str("notification_id", notif.ID).
		Str("kind", string(notif.Kind)).
		Str("channel", channel).
		Msg("failed to deliver notification")
}
