package inbox

import (
	"testing"
	"time"

	"github.com/stanstork/beacon/internal/models"
)

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore() (*Store, *clock) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewStore(10 * time.Second)
	s.now = c.now
	return s, c
}

func ids(items []models.Notification) []string {
	out := make([]string, 0, len(items))
	for _, n := range items {
		out = append(out, n.ID)
	}
	return out
}

func TestMergeIsOrderIndependent(t *testing.T) {
	a := notif("a", time.Minute)
	b := notif("b", 2*time.Minute)
	readA := a
	readA.IsRead = true

	pushFirst, _ := newTestStore()
	pushFirst.MergePush(readA)
	pushFirst.MergePoll([]models.Notification{a, b})

	pollFirst, _ := newTestStore()
	pollFirst.MergePoll([]models.Notification{a, b})
	pollFirst.MergePush(readA)

	left, right := pushFirst.View(), pollFirst.View()
	if Fingerprint(left.Items) != Fingerprint(right.Items) {
		t.Fatalf("expected same view for both orders, got %v and %v", left.Items, right.Items)
	}
	if left.UnreadCount != 1 {
		t.Fatalf("expected unread 1, got %d", left.UnreadCount)
	}
}

func TestMergePushIsIdempotent(t *testing.T) {
	s, _ := newTestStore()
	n := notif("a", time.Minute)
	s.MergePush(n)
	s.MergePush(n)
	s.MergePoll([]models.Notification{n})

	view := s.View()
	if len(view.Items) != 1 || view.UnreadCount != 1 {
		t.Fatalf("expected one unread row, got %d rows and %d unread", len(view.Items), view.UnreadCount)
	}
}

func TestStaleUnreadDoesNotUndoLocalRead(t *testing.T) {
	s, c := newTestStore()
	n := notif("a", time.Minute)
	s.MergePoll([]models.Notification{n})
	if !s.ApplyRead("a").Changed() {
		t.Fatalf("expected read to change state")
	}

	s.MergePush(n)
	c.advance(time.Minute)
	s.MergePoll([]models.Notification{n})

	if got := s.UnreadCount(); got != 0 {
		t.Fatalf("expected unread 0 after stale deliveries, got %d", got)
	}
	if s.ApplyRead("a").Changed() {
		t.Fatalf("expected second read to be a no-op")
	}
}

func TestDeletedRowNotResurrectedWithinGrace(t *testing.T) {
	s, c := newTestStore()
	n := notif("a", time.Minute)
	s.MergePoll([]models.Notification{n})
	if !s.ApplyDelete("a").Changed() {
		t.Fatalf("expected delete to remove the row")
	}
	if s.ApplyDelete("a").Changed() {
		t.Fatalf("expected repeated delete to report nothing removed")
	}

	s.MergePush(n)
	s.MergePoll([]models.Notification{n})
	if s.Has("a") {
		t.Fatalf("expected deleted row to stay deleted within grace")
	}

	c.advance(11 * time.Second)
	s.MergePoll([]models.Notification{n})
	if !s.Has("a") {
		t.Fatalf("expected server state to win after grace")
	}
}

func TestPollRemovesUnlistedRowsAfterGrace(t *testing.T) {
	s, c := newTestStore()
	a := notif("a", time.Minute)
	pushed := notif("pushed", 0)
	s.MergePoll([]models.Notification{a, notif("gone", time.Hour)})
	s.MergePush(pushed)

	s.MergePoll([]models.Notification{a})
	if s.Has("gone") {
		t.Fatalf("expected unlisted row to be removed")
	}
	if !s.Has("pushed") {
		t.Fatalf("expected fresh push to survive a poll that raced it")
	}

	c.advance(15 * time.Second)
	s.MergePoll([]models.Notification{a})
	if s.Has("pushed") {
		t.Fatalf("expected push to be dropped once the grace window passed")
	}
}

func TestViewOrderAndUnreadCount(t *testing.T) {
	s, _ := newTestStore()
	at := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	b := models.Notification{ID: "b", OwnerUserID: "user-1", Kind: models.NotificationKindGeneral, CreatedAt: at}
	a := models.Notification{ID: "a", OwnerUserID: "user-1", Kind: models.NotificationKindGeneral, CreatedAt: at}
	newest := models.Notification{ID: "z", OwnerUserID: "user-1", Kind: models.NotificationKindGeneral, CreatedAt: at.Add(time.Minute), IsRead: true}
	s.MergePoll([]models.Notification{b, newest, a})

	view := s.View()
	got := ids(view.Items)
	want := []string{"z", "a", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
	if view.UnreadCount != 2 {
		t.Fatalf("expected unread 2, got %d", view.UnreadCount)
	}
}

func TestRevertUndoesOnlyTheMutation(t *testing.T) {
	s, _ := newTestStore()
	s.MergePoll([]models.Notification{notif("a", time.Minute), notif("b", time.Minute)})

	readAll := s.ApplyReadAll()
	del := s.ApplyDelete("b")
	s.MergePush(notif("c", 0))
	if s.UnreadCount() != 1 {
		t.Fatalf("expected only c unread, got %d", s.UnreadCount())
	}

	if !s.Revert(del) || !s.Revert(readAll) {
		t.Fatalf("expected both reverts to change the view")
	}
	if s.UnreadCount() != 3 || !s.Has("b") || !s.Has("c") {
		t.Fatalf("expected a, b and c unread, got unread %d has b %v has c %v", s.UnreadCount(), s.Has("b"), s.Has("c"))
	}
	if s.Revert(readAll) {
		t.Fatalf("expected a second revert to be a no-op")
	}
}

func TestRevertKeepsReadConfirmedElsewhere(t *testing.T) {
	s, _ := newTestStore()
	a := notif("a", time.Minute)
	s.MergePoll([]models.Notification{a})
	undo := s.ApplyRead("a")

	confirmed := a
	confirmed.IsRead = true
	readAt := time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC)
	confirmed.ReadAt = &readAt
	s.MergePush(confirmed)

	if s.Revert(undo) {
		t.Fatalf("expected revert to leave a read confirmed by the server")
	}
	if s.UnreadCount() != 0 {
		t.Fatalf("expected unread 0, got %d", s.UnreadCount())
	}
}

func TestRevertIgnoredAfterReset(t *testing.T) {
	s, _ := newTestStore()
	s.MergePoll([]models.Notification{notif("a", time.Minute)})
	undo := s.ApplyDelete("a")
	s.Reset()

	if s.Revert(undo) {
		t.Fatalf("expected revert after reset to be ignored")
	}
	if s.Has("a") {
		t.Fatalf("expected reset store to stay empty")
	}
}

func TestFingerprintTracksReadState(t *testing.T) {
	n := notif("a", time.Minute)
	before := Fingerprint([]models.Notification{n})
	n.IsRead = true
	after := Fingerprint([]models.Notification{n})
	if before == after {
		t.Fatalf("expected fingerprint to change with is_read")
	}
	n.Title = "edited"
	if Fingerprint([]models.Notification{n}) != after {
		t.Fatalf("expected fingerprint to ignore display fields")
	}
}
