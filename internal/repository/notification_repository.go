package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stanstork/beacon/internal/models"
)

// ErrNotFound is returned when a row does not exist or is not visible to the caller.
var ErrNotFound = errors.New("not found")

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

type NotificationRepository interface {
	Create(ctx context.Context, params CreateNotificationParams) (models.Notification, error)
	ListForOwner(ctx context.Context, ownerUserID string, limit int) ([]models.Notification, error)
	GetForOwner(ctx context.Context, ownerUserID, notificationID string) (models.Notification, error)
	CountUnread(ctx context.Context, ownerUserID string) (int64, error)
	MarkRead(ctx context.Context, ownerUserID, notificationID string) (models.Notification, error)
	MarkAllRead(ctx context.Context, ownerUserID string) ([]models.Notification, error)
	Delete(ctx context.Context, ownerUserID, notificationID string) (bool, error)
	Purge(ctx context.Context, readBefore, unreadBefore time.Time) (int64, error)
}

type notificationRepository struct {
	db *sql.DB
}

type CreateNotificationParams struct {
	OwnerUserID string
	Kind        models.NotificationKind
	Title       string
	Message     string
	RelatedID   *string
	RelatedType *string
}

func NewNotificationRepository(db *sql.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

const notificationColumns = `id, owner_user_id, title, message, kind, related_id, related_type, is_read, read_at, created_at`

// Create inserts a row into any user's inbox. Callers are trusted; no
// ownership check is made against the request identity.
func (r *notificationRepository) Create(ctx context.Context, params CreateNotificationParams) (models.Notification, error) {
	query := `
		INSERT INTO beacon.notifications (id, owner_user_id, title, message, kind, related_id, related_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + notificationColumns

	row := r.db.QueryRowContext(ctx, query,
		uuid.NewString(),
		strings.TrimSpace(params.OwnerUserID),
		params.Title,
		params.Message,
		string(params.Kind),
		nullableString(params.RelatedID),
		nullableString(params.RelatedType),
	)
	notif, err := scanNotification(row)
	if err != nil {
		return models.Notification{}, errors.Wrap(err, "insert notification")
	}
	return notif, nil
}

func (r *notificationRepository) ListForOwner(ctx context.Context, ownerUserID string, limit int) ([]models.Notification, error) {
	limit = ClampLimit(limit)

	query := `
		SELECT ` + notificationColumns + `
		FROM beacon.notifications
		WHERE owner_user_id = $1
		ORDER BY created_at DESC, id ASC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, strings.TrimSpace(ownerUserID), limit)
	if err != nil {
		return nil, errors.Wrap(err, "list notifications")
	}
	defer rows.Close()

	notifications := make([]models.Notification, 0)
	for rows.Next() {
		notif, err := scanNotification(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan notification")
		}
		notifications = append(notifications, notif)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate notifications")
	}
	return notifications, nil
}

func (r *notificationRepository) GetForOwner(ctx context.Context, ownerUserID, notificationID string) (models.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM beacon.notifications WHERE id = $1 AND owner_user_id = $2`

	row := r.db.QueryRowContext(ctx, query, strings.TrimSpace(notificationID), strings.TrimSpace(ownerUserID))
	notif, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Notification{}, ErrNotFound
		}
		return models.Notification{}, errors.Wrap(err, "get notification")
	}
	return notif, nil
}

func (r *notificationRepository) CountUnread(ctx context.Context, ownerUserID string) (int64, error) {
	const query = `SELECT COUNT(*) FROM beacon.notifications WHERE owner_user_id = $1 AND NOT is_read`
	var count int64
	if err := r.db.QueryRowContext(ctx, query, strings.TrimSpace(ownerUserID)).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "count unread notifications")
	}
	return count, nil
}

// MarkRead is idempotent: re-marking keeps the original read_at.
func (r *notificationRepository) MarkRead(ctx context.Context, ownerUserID, notificationID string) (models.Notification, error) {
	query := `
		UPDATE beacon.notifications
		SET is_read = TRUE, read_at = COALESCE(read_at, NOW())
		WHERE id = $1 AND owner_user_id = $2
		RETURNING ` + notificationColumns

	row := r.db.QueryRowContext(ctx, query, strings.TrimSpace(notificationID), strings.TrimSpace(ownerUserID))
	notif, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Notification{}, ErrNotFound
		}
		return models.Notification{}, errors.Wrap(err, "mark notification read")
	}
	return notif, nil
}

func (r *notificationRepository) MarkAllRead(ctx context.Context, ownerUserID string) ([]models.Notification, error) {
	query := `
		UPDATE beacon.notifications
		SET is_read = TRUE, read_at = NOW()
		WHERE owner_user_id = $1 AND NOT is_read
		RETURNING ` + notificationColumns

	rows, err := r.db.QueryContext(ctx, query, strings.TrimSpace(ownerUserID))
	if err != nil {
		return nil, errors.Wrap(err, "mark all notifications read")
	}
	defer rows.Close()

	updated := make([]models.Notification, 0)
	for rows.Next() {
		notif, err := scanNotification(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan notification")
		}
		updated = append(updated, notif)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate notifications")
	}
	return updated, nil
}

// Delete reports whether a row was removed. Deleting an absent row is not an error.
func (r *notificationRepository) Delete(ctx context.Context, ownerUserID, notificationID string) (bool, error) {
	const query = `DELETE FROM beacon.notifications WHERE id = $1 AND owner_user_id = $2`
	res, err := r.db.ExecContext(ctx, query, strings.TrimSpace(notificationID), strings.TrimSpace(ownerUserID))
	if err != nil {
		return false, errors.Wrap(err, "delete notification")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "delete notification")
	}
	return affected > 0, nil
}

// Purge removes read rows created before readBefore and any row created before unreadBefore.
func (r *notificationRepository) Purge(ctx context.Context, readBefore, unreadBefore time.Time) (int64, error) {
	const query = `
		DELETE FROM beacon.notifications
		WHERE (is_read AND created_at < $1) OR created_at < $2
	`
	res, err := r.db.ExecContext(ctx, query, readBefore, unreadBefore)
	if err != nil {
		return 0, errors.Wrap(err, "purge notifications")
	}
	return res.RowsAffected()
}

// ClampLimit applies the list defaults shared by the repository and handlers.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

func nullableString(value *string) interface{} {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}

func scanNotification(scanner interface {
	Scan(dest ...interface{}) error
}) (models.Notification, error) {
	var (
		notif       models.Notification
		kind        string
		relatedID   sql.NullString
		relatedType sql.NullString
		readAt      sql.NullTime
	)

	if err := scanner.Scan(
		&notif.ID,
		&notif.OwnerUserID,
		&notif.Title,
		&notif.Message,
		&kind,
		&relatedID,
		&relatedType,
		&notif.IsRead,
		&readAt,
		&notif.CreatedAt,
	); err != nil {
		return models.Notification{}, err
	}

	notif.Kind = models.NotificationKind(kind)
	if relatedID.Valid {
		val := relatedID.String
		notif.RelatedID = &val
	}
	if relatedType.Valid {
		val := relatedType.String
		notif.RelatedType = &val
	}
	if readAt.Valid {
		t := readAt.Time
		notif.ReadAt = &t
	}

	return notif, nil
}
