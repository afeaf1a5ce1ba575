package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type NotificationKind string

const (
	NotificationKindTaskAssigned  NotificationKind = "task_assigned"
	NotificationKindProjectUpdate NotificationKind = "project_update"
	NotificationKindSnagAssigned  NotificationKind = "snag_assigned"
	NotificationKindSnagResolved  NotificationKind = "snag_resolved"
	NotificationKindSnagVerified  NotificationKind = "snag_verified"
	NotificationKindLeaveRequest  NotificationKind = "leave_request"
	NotificationKindLeaveDecision NotificationKind = "leave_decision"
	NotificationKindGeneral       NotificationKind = "general"
)

var notificationKinds = map[NotificationKind]string{
	NotificationKindTaskAssigned:  "Task assigned",
	NotificationKindProjectUpdate: "Project update",
	NotificationKindSnagAssigned:  "Snag assigned",
	NotificationKindSnagResolved:  "Snag resolved",
	NotificationKindSnagVerified:  "Snag verified",
	NotificationKindLeaveRequest:  "Leave request",
	NotificationKindLeaveDecision: "Leave decision",
	NotificationKindGeneral:       "Notification",
}

// IsValid reports whether k is one of the known notification kinds.
func (k NotificationKind) IsValid() bool {
	_, ok := notificationKinds[k]
	return ok
}

// Label is the default title used when a notification is created without one.
func (k NotificationKind) Label() string {
	if label, ok := notificationKinds[k]; ok {
		return label
	}
	return notificationKinds[NotificationKindGeneral]
}

// ParseNotificationKind normalizes raw and rejects anything outside the closed set.
// The legacy hyphenated spelling ("task-assigned") is accepted.
func ParseNotificationKind(raw string) (NotificationKind, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_")
	kind := NotificationKind(normalized)
	if !kind.IsValid() {
		return "", fmt.Errorf("unknown notification kind %q", raw)
	}
	return kind, nil
}

// Notification is a single event addressed to exactly one user.
type Notification struct {
	ID          string           `json:"id" db:"id"`
	OwnerUserID string           `json:"owner_user_id" db:"owner_user_id"`
	Title       string           `json:"title" db:"title"`
	Message     string           `json:"message" db:"message"`
	Kind        NotificationKind `json:"kind" db:"kind"`
	RelatedID   *string          `json:"related_id,omitempty" db:"related_id"`
	RelatedType *string          `json:"related_type,omitempty" db:"related_type"`
	IsRead      bool             `json:"is_read" db:"is_read"`
	ReadAt      *time.Time       `json:"read_at,omitempty" db:"read_at"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
}

// Validate checks the invariants every row must satisfy before it is trusted
// by a reader: a stable id, a single owner and a known kind.
func (n Notification) Validate() error {
	if strings.TrimSpace(n.ID) == "" {
		return fmt.Errorf("notification id is required")
	}
	if strings.TrimSpace(n.OwnerUserID) == "" {
		return fmt.Errorf("notification %s has no owner", n.ID)
	}
	if !n.Kind.IsValid() {
		return fmt.Errorf("notification %s has unknown kind %q", n.ID, n.Kind)
	}
	if n.CreatedAt.IsZero() {
		return fmt.Errorf("notification %s has no created_at", n.ID)
	}
	return nil
}

// Normalize canonicalizes the kind and validates the row.
func (n Notification) Normalize() (Notification, error) {
	kind, err := ParseNotificationKind(string(n.Kind))
	if err != nil {
		return Notification{}, err
	}
	n.Kind = kind
	if err := n.Validate(); err != nil {
		return Notification{}, err
	}
	return n, nil
}

type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
)

// NotificationChange is the frame carried on the push channel.
type NotificationChange struct {
	Type         ChangeType   `json:"type"`
	Notification Notification `json:"notification"`
}

// ParseChange decodes a push frame and rejects anything that is not a
// well-formed row of a known kind.
func ParseChange(payload []byte) (NotificationChange, error) {
	var change NotificationChange
	if err := json.Unmarshal(payload, &change); err != nil {
		return NotificationChange{}, fmt.Errorf("decode change: %w", err)
	}
	switch change.Type {
	case ChangeInsert, ChangeUpdate:
	default:
		return NotificationChange{}, fmt.Errorf("unsupported change type %q", change.Type)
	}
	notif, err := change.Notification.Normalize()
	if err != nil {
		return NotificationChange{}, err
	}
	change.Notification = notif
	return change, nil
}

// ChangeRef is the payload emitted by the database trigger. It names the row
// without carrying it.
type ChangeRef struct {
	Type        ChangeType `json:"type"`
	ID          string     `json:"id"`
	OwnerUserID string     `json:"owner_user_id"`
}

func ParseChangeRef(payload []byte) (ChangeRef, error) {
	var ref ChangeRef
	if err := json.Unmarshal(payload, &ref); err != nil {
		return ChangeRef{}, fmt.Errorf("decode change reference: %w", err)
	}
	switch ref.Type {
	case ChangeInsert, ChangeUpdate:
	default:
		return ChangeRef{}, fmt.Errorf("unsupported change type %q", ref.Type)
	}
	if ref.ID == "" || ref.OwnerUserID == "" {
		return ChangeRef{}, errors.New("change reference needs id and owner_user_id")
	}
	return ref, nil
}
