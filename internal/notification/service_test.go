package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/beacon/internal/models"
	"github.com/stanstork/beacon/internal/repository"
)

type fakeRepo struct {
	mu        sync.Mutex
	rows      map[string]models.Notification
	counter   int
	createErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rows: map[string]models.Notification{}}
}

func (r *fakeRepo) Create(_ context.Context, params repository.CreateNotificationParams) (models.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return models.Notification{}, r.createErr
	}
	r.counter++
	notif := models.Notification{
		ID:          fmt.Sprintf("n_%d", r.counter),
		OwnerUserID: params.OwnerUserID,
		Title:       params.Title,
		Message:     params.Message,
		Kind:        params.Kind,
		RelatedID:   params.RelatedID,
		RelatedType: params.RelatedType,
		CreatedAt:   time.Now(),
	}
	r.rows[notif.ID] = notif
	return notif, nil
}

func (r *fakeRepo) ListForOwner(_ context.Context, owner string, _ int) ([]models.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Notification
	for _, n := range r.rows {
		if n.OwnerUserID == owner {
			out = append(out, n)
		}
	}
	return out, nil
}

func (r *fakeRepo) GetForOwner(_ context.Context, owner, id string) (models.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.rows[id]
	if !ok || n.OwnerUserID != owner {
		return models.Notification{}, repository.ErrNotFound
	}
	return n, nil
}

func (r *fakeRepo) CountUnread(_ context.Context, owner string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, n := range r.rows {
		if n.OwnerUserID == owner && !n.IsRead {
			count++
		}
	}
	return count, nil
}

func (r *fakeRepo) MarkRead(_ context.Context, owner, id string) (models.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.rows[id]
	if !ok || n.OwnerUserID != owner {
		return models.Notification{}, repository.ErrNotFound
	}
	n.IsRead = true
	r.rows[id] = n
	return n, nil
}

func (r *fakeRepo) MarkAllRead(_ context.Context, owner string) ([]models.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var updated []models.Notification
	for id, n := range r.rows {
		if n.OwnerUserID == owner && !n.IsRead {
			n.IsRead = true
			r.rows[id] = n
			updated = append(updated, n)
		}
	}
	return updated, nil
}

func (r *fakeRepo) Delete(_ context.Context, owner, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.rows[id]
	if !ok || n.OwnerUserID != owner {
		return false, nil
	}
	delete(r.rows, id)
	return true, nil
}

func (r *fakeRepo) Purge(context.Context, time.Time, time.Time) (int64, error) {
	return 0, nil
}

type recordingNotifier struct {
	changes []models.NotificationChange
	err     error
}

func (n *recordingNotifier) Notify(_ context.Context, change models.NotificationChange) error {
	n.changes = append(n.changes, change)
	return n.err
}

func TestCreateWritesIntoAnotherUsersInbox(t *testing.T) {
	repo := newFakeRepo()
	notifier := &recordingNotifier{}
	svc := NewService(repo, zerolog.Nop(), notifier)

	notif, err := svc.Create(context.Background(), Event{
		OwnerUserID: " user_b ",
		Kind:        models.NotificationKindGeneral,
		Message:     "  hello  ",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if notif.OwnerUserID != "user_b" {
		t.Fatalf("expected trimmed owner user_b, got %q", notif.OwnerUserID)
	}
	if notif.Title != models.NotificationKindGeneral.Label() {
		t.Fatalf("expected default title, got %q", notif.Title)
	}
	if notif.Message != "hello" {
		t.Fatalf("expected trimmed message, got %q", notif.Message)
	}
	if len(notifier.changes) != 1 || notifier.changes[0].Type != models.ChangeInsert {
		t.Fatalf("expected one INSERT change, got %+v", notifier.changes)
	}
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	svc := NewService(newFakeRepo(), zerolog.Nop())
	if _, err := svc.Create(context.Background(), Event{Kind: models.NotificationKindGeneral}); !errors.Is(err, ErrOwnerRequired) {
		t.Fatalf("expected ErrOwnerRequired, got %v", err)
	}
	if _, err := svc.Create(context.Background(), Event{OwnerUserID: "u", Kind: "bogus"}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestCreateWrapsPersistenceFailure(t *testing.T) {
	repo := newFakeRepo()
	repo.createErr = errors.New("connection refused")
	svc := NewService(repo, zerolog.Nop())

	_, err := svc.Create(context.Background(), Event{OwnerUserID: "u", Kind: models.NotificationKindGeneral})
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PersistenceError, got %T %v", err, err)
	}
	if perr.Op != "create" {
		t.Fatalf("expected op create, got %s", perr.Op)
	}
}

func TestNotifierFailureDoesNotFailCreate(t *testing.T) {
	notifier := &recordingNotifier{err: errors.New("hub closed")}
	svc := NewService(newFakeRepo(), zerolog.Nop(), notifier, nil)

	if _, err := svc.Create(context.Background(), Event{OwnerUserID: "u", Kind: models.NotificationKindGeneral}); err != nil {
		t.Fatalf("expected notifier failure to be swallowed, got %v", err)
	}
}

func TestTemplatesFillTitleMessageAndRelation(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, zerolog.Nop())
	ctx := context.Background()

	if err := svc.NotifyTaskAssigned(ctx, "u1", "task_9", "Pour slab", "Harbour View"); err != nil {
		t.Fatalf("task assigned: %v", err)
	}
	if err := svc.NotifySnagResolved(ctx, "u1", "snag_3", "", ""); err != nil {
		t.Fatalf("snag resolved: %v", err)
	}
	if err := svc.NotifyLeaveDecision(ctx, "u1", "leave_1", true, "3-5 March"); err != nil {
		t.Fatalf("leave decision: %v", err)
	}

	byKind := map[models.NotificationKind]models.Notification{}
	for _, n := range repo.rows {
		byKind[n.Kind] = n
	}

	task := byKind[models.NotificationKindTaskAssigned]
	if !strings.Contains(task.Message, "Pour slab") || !strings.Contains(task.Message, "Harbour View") {
		t.Fatalf("unexpected task message %q", task.Message)
	}
	if task.RelatedID == nil || *task.RelatedID != "task_9" || task.RelatedType == nil || *task.RelatedType != "task" {
		t.Fatalf("expected task relation, got %+v / %+v", task.RelatedID, task.RelatedType)
	}

	snag := byKind[models.NotificationKindSnagResolved]
	if !strings.Contains(snag.Message, "snag_3") || !strings.Contains(snag.Message, "the assignee") {
		t.Fatalf("expected fallbacks in snag message, got %q", snag.Message)
	}

	leave := byKind[models.NotificationKindLeaveDecision]
	if leave.Title != "Leave approved" {
		t.Fatalf("expected title 'Leave approved', got %q", leave.Title)
	}
}

func TestDispatchSwallowsErrors(t *testing.T) {
	repo := newFakeRepo()
	repo.createErr = errors.New("insert rejected")
	svc := NewService(repo, zerolog.Nop())

	called := false
	svc.Dispatch(context.Background(), "task_assigned", func(ctx context.Context) error {
		called = true
		if _, ok := ctx.Deadline(); !ok {
			t.Fatalf("expected dispatch context to carry a deadline")
		}
		return svc.NotifyTaskAssigned(ctx, "u1", "t1", "Task", "")
	})
	if !called {
		t.Fatalf("expected dispatch to run the side effect")
	}
}

func TestDispatchSurvivesCancelledParent(t *testing.T) {
	svc := NewService(newFakeRepo(), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ctxErr error
	svc.Dispatch(ctx, "general", func(ctx context.Context) error {
		ctxErr = ctx.Err()
		return nil
	})
	if ctxErr != nil {
		t.Fatalf("expected dispatch context to outlive the request, got %v", ctxErr)
	}
}

func TestMutationsAreIdempotent(t *testing.T) {
	repo := newFakeRepo()
	notifier := &recordingNotifier{}
	svc := NewService(repo, zerolog.Nop(), notifier)
	ctx := context.Background()

	n, err := svc.Create(ctx, Event{OwnerUserID: "u1", Kind: models.NotificationKindGeneral})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.MarkRead(ctx, "u1", n.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if _, err := svc.MarkRead(ctx, "u1", n.ID); err != nil {
		t.Fatalf("second mark read should succeed, got %v", err)
	}
	updated, err := svc.MarkAllRead(ctx, "u1")
	if err != nil {
		t.Fatalf("mark all read: %v", err)
	}
	if updated != 0 {
		t.Fatalf("expected nothing left to mark, got %d", updated)
	}
	if err := svc.Delete(ctx, "u1", n.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := svc.Delete(ctx, "u1", n.ID); err != nil {
		t.Fatalf("second delete should be a no-op, got %v", err)
	}
	if _, err := svc.MarkRead(ctx, "u1", n.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
