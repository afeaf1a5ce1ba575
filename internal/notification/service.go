package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/beacon/internal/models"
	"github.com/stanstork/beacon/internal/repository"
)

// dispatchTimeout bounds a best-effort notification so it never holds up the caller.
const dispatchTimeout = 2 * time.Second

type Event struct {
	OwnerUserID string
	Kind        models.NotificationKind
	Title       string
	Message     string
	RelatedID   string
	RelatedType string
}

type Service interface {
	Create(ctx context.Context, evt Event) (models.Notification, error)
	Dispatch(ctx context.Context, op string, fn func(ctx context.Context) error)

	NotifyTaskAssigned(ctx context.Context, ownerUserID, taskID, taskTitle, projectName string) error
	NotifyProjectUpdate(ctx context.Context, ownerUserID, projectID, projectName, summary string) error
	NotifySnagAssigned(ctx context.Context, ownerUserID, snagID, snagTitle, location string) error
	NotifySnagResolved(ctx context.Context, ownerUserID, snagID, snagTitle, resolvedBy string) error
	NotifySnagVerified(ctx context.Context, ownerUserID, snagID, snagTitle string) error
	NotifyLeaveRequest(ctx context.Context, approverUserID, leaveID, requester, period string) error
	NotifyLeaveDecision(ctx context.Context, ownerUserID, leaveID string, approved bool, period string) error
	NotifyGeneral(ctx context.Context, ownerUserID, title, message string) error

	List(ctx context.Context, ownerUserID string, limit int) ([]models.Notification, error)
	UnreadCount(ctx context.Context, ownerUserID string) (int64, error)
	MarkRead(ctx context.Context, ownerUserID, notificationID string) (models.Notification, error)
	MarkAllRead(ctx context.Context, ownerUserID string) (int, error)
	Delete(ctx context.Context, ownerUserID, notificationID string) error
}

type service struct {
	repo      repository.NotificationRepository
	logger    zerolog.Logger
	notifiers []Notifier
}

func NewService(repo repository.NotificationRepository, logger zerolog.Logger, notifiers ...Notifier) Service {
	active := make([]Notifier, 0, len(notifiers))
	for _, notifier := range notifiers {
		if notifier != nil {
			active = append(active, notifier)
		}
	}
	return &service{
		repo:      repo,
		logger:    logger.With().Str("component", "notification_service").Logger(),
		notifiers: active,
	}
}

// Create writes a notification into the owner's inbox regardless of who is calling.
func (s *service) Create(ctx context.Context, evt Event) (models.Notification, error) {
	owner := strings.TrimSpace(evt.OwnerUserID)
	if owner == "" {
		return models.Notification{}, ErrOwnerRequired
	}
	if !evt.Kind.IsValid() {
		return models.Notification{}, fmt.Errorf("%w: %q", ErrUnknownKind, evt.Kind)
	}
	title := strings.TrimSpace(evt.Title)
	if title == "" {
		title = evt.Kind.Label()
	}
	params := repository.CreateNotificationParams{
		OwnerUserID: owner,
		Kind:        evt.Kind,
		Title:       title,
		Message:     strings.TrimSpace(evt.Message),
	}
	if rid := strings.TrimSpace(evt.RelatedID); rid != "" {
		params.RelatedID = &rid
	}
	if rtype := strings.TrimSpace(evt.RelatedType); rtype != "" {
		params.RelatedType = &rtype
	}

	notif, err := s.repo.Create(ctx, params)
	if err != nil {
		s.logger.Error().Err(err).Str("kind", string(evt.Kind)).Str("owner_user_id", owner).Msg("failed to persist notification")
		return models.Notification{}, &PersistenceError{Op: "create", Err: err}
	}
	s.broadcast(ctx, models.NotificationChange{Type: models.ChangeInsert, Notification: notif})
	return notif, nil
}

// Dispatch runs fn as a side effect of a business operation. Failures are
// logged and never returned, so the triggering action always completes.
func (s *service) Dispatch(ctx context.Context, op string, fn func(ctx context.Context) error) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatchTimeout)
	defer cancel()
	if err := fn(dctx); err != nil {
		s.logger.Warn().Err(err).Str("op", op).Msg("notification side effect failed")
	}
}

func (s *service) NotifyTaskAssigned(ctx context.Context, ownerUserID, taskID, taskTitle, projectName string) error {
	name := fallbackName(taskTitle, taskID)
	message := fmt.Sprintf("You have been assigned to %q.", name)
	if project := strings.TrimSpace(projectName); project != "" {
		message = fmt.Sprintf("You have been assigned to %q in project %s.", name, project)
	}
	_, err := s.Create(ctx, Event{
		OwnerUserID: ownerUserID,
		Kind:        models.NotificationKindTaskAssigned,
		Title:       "New task assigned",
		Message:     message,
		RelatedID:   taskID,
		RelatedType: "task",
	})
	return err
}

func (s *service) NotifyProjectUpdate(ctx context.Context, ownerUserID, projectID, projectName, summary string) error {
	name := fallbackName(projectName, projectID)
	summary = strings.TrimSpace(summary)
	if summary == "" {
		summary = "The project has been updated."
	}
	_, err := s.Create(ctx, Event{
		OwnerUserID: ownerUserID,
		Kind:        models.NotificationKindProjectUpdate,
		Title:       fmt.Sprintf("Project update: %s", name),
		Message:     summary,
		RelatedID:   projectID,
		RelatedType: "project",
	})
	return err
}

func (s *service) NotifySnagAssigned(ctx context.Context, ownerUserID, snagID, snagTitle, location string) error {
	name := fallbackName(snagTitle, snagID)
	message := fmt.Sprintf("Snag %q has been assigned to you.", name)
	if loc := strings.TrimSpace(location); loc != "" {
		message = fmt.Sprintf("Snag %q at %s has been assigned to you.", name, loc)
	}
	_, err := s.Create(ctx, Event{
		OwnerUserID: ownerUserID,
		Kind:        models.NotificationKindSnagAssigned,
		Title:       "Snag assigned",
		Message:     message,
		RelatedID:   snagID,
		RelatedType: "snag",
	})
	return err
}

func (s *service) NotifySnagResolved(ctx context.Context, ownerUserID, snagID, snagTitle, resolvedBy string) error {
	name := fallbackName(snagTitle, snagID)
	by := fallbackName(resolvedBy, "the assignee")
	_, err := s.Create(ctx, Event{
		OwnerUserID: ownerUserID,
		Kind:        models.NotificationKindSnagResolved,
		Title:       "Snag resolved",
		Message:     fmt.Sprintf("Snag %q was resolved by %s and is awaiting verification.", name, by),
		RelatedID:   snagID,
		RelatedType: "snag",
	})
	return err
}

func (s *service) NotifySnagVerified(ctx context.Context, ownerUserID, snagID, snagTitle string) error {
	name := fallbackName(snagTitle, snagID)
	_, err := s.Create(ctx, Event{
		OwnerUserID: ownerUserID,
		Kind:        models.NotificationKindSnagVerified,
		Title:       "Snag verified",
		Message:     fmt.Sprintf("Your fix for snag %q has been verified.", name),
		RelatedID:   snagID,
		RelatedType: "snag",
	})
	return err
}

func (s *service) NotifyLeaveRequest(ctx context.Context, approverUserID, leaveID, requester, period string) error {
	who := fallbackName(requester, "A team member")
	message := fmt.Sprintf("%s requested leave.", who)
	if p := strings.TrimSpace(period); p != "" {
		message = fmt.Sprintf("%s requested leave for %s.", who, p)
	}
	_, err := s.Create(ctx, Event{
		OwnerUserID: approverUserID,
		Kind:        models.NotificationKindLeaveRequest,
		Title:       "Leave request awaiting approval",
		Message:     message,
		RelatedID:   leaveID,
		RelatedType: "leave",
	})
	return err
}

func (s *service) NotifyLeaveDecision(ctx context.Context, ownerUserID, leaveID string, approved bool, period string) error {
	decision := "rejected"
	if approved {
		decision = "approved"
	}
	message := fmt.Sprintf("Your leave request was %s.", decision)
	if p := strings.TrimSpace(period); p != "" {
		message = fmt.Sprintf("Your leave request for %s was %s.", p, decision)
	}
	_, err := s.Create(ctx, Event{
		OwnerUserID: ownerUserID,
		Kind:        models.NotificationKindLeaveDecision,
		Title:       fmt.Sprintf("Leave %s", decision),
		Message:     message,
		RelatedID:   leaveID,
		RelatedType: "leave",
	})
	return err
}

func (s *service) NotifyGeneral(ctx context.Context, ownerUserID, title, message string) error {
	_, err := s.Create(ctx, Event{
		OwnerUserID: ownerUserID,
		Kind:        models.NotificationKindGeneral,
		Title:       title,
		Message:     message,
	})
	return err
}

func (s *service) List(ctx context.Context, ownerUserID string, limit int) ([]models.Notification, error) {
	list, err := s.repo.ListForOwner(ctx, ownerUserID, limit)
	if err != nil {
		return nil, &PersistenceError{Op: "list", Err: err}
	}
	return list, nil
}

func (s *service) UnreadCount(ctx context.Context, ownerUserID string) (int64, error) {
	count, err := s.repo.CountUnread(ctx, ownerUserID)
	if err != nil {
		return 0, &PersistenceError{Op: "count_unread", Err: err}
	}
	return count, nil
}

func (s *service) MarkRead(ctx context.Context, ownerUserID, notificationID string) (models.Notification, error) {
	notif, err := s.repo.MarkRead(ctx, ownerUserID, notificationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return models.Notification{}, err
		}
		return models.Notification{}, &PersistenceError{Op: "mark_read", Err: err}
	}
	s.broadcast(ctx, models.NotificationChange{Type: models.ChangeUpdate, Notification: notif})
	return notif, nil
}

func (s *service) MarkAllRead(ctx context.Context, ownerUserID string) (int, error) {
	updated, err := s.repo.MarkAllRead(ctx, ownerUserID)
	if err != nil {
		return 0, &PersistenceError{Op: "mark_all_read", Err: err}
	}
	for _, notif := range updated {
		s.broadcast(ctx, models.NotificationChange{Type: models.ChangeUpdate, Notification: notif})
	}
	return len(updated), nil
}

// Delete succeeds whether or not the row still exists.
func (s *service) Delete(ctx context.Context, ownerUserID, notificationID string) error {
	removed, err := s.repo.Delete(ctx, ownerUserID, notificationID)
	if err != nil {
		return &PersistenceError{Op: "delete", Err: err}
	}
	if !removed {
		s.logger.Debug().Str("notification_id", notificationID).Msg("delete of absent notification ignored")
	}
	return nil
}

func (s *service) broadcast(ctx context.Context, change models.NotificationChange) {
	for _, notifier := range s.notifiers {
		if err := notifier.Notify(ctx, change); err != nil {
			logNotifyError(s.logger, err, notifierChannelName(notifier), change.Notification)
		}
	}
}

func fallbackName(name, fallback string) string {
	if trimmed := strings.TrimSpace(name); trimmed != "" {
		return trimmed
	}
	return fallback
}

func notifierChannelName(n Notifier) string {
	type named interface {
		String() string
	}
	if v, ok := n.(named); ok {
		return v.String()
	}
	return fmt.Sprintf("%T", n)
}
