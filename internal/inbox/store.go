package inbox

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stanstork/beacon/internal/models"
)

const DefaultMutationGrace = 10 * time.Second

// View is an ordered copy of the inbox with its derived unread count.
type View struct {
	Items       []models.Notification
	UnreadCount int
}

// Undo records what one optimistic mutation changed so it can be reverted
// without disturbing rows merged while the request was in flight.
type Undo struct {
	gen   uint64
	reads map[string]*time.Time

	deleteID     string
	deleted      *models.Notification
	tombstone    time.Time
	prevDelete   time.Time
	hadDelete    bool
	prevPushedAt time.Time
	hadPushedAt  bool
}

// Changed reports whether the local mutation altered the visible set.
func (u Undo) Changed() bool {
	return len(u.reads) > 0 || u.deleted != nil
}

// Store holds the reconciled inbox of one session. Push and poll deliveries
// go through the same merge rule so the result does not depend on which
// channel delivered first:
//
//   - rows are upserted by id and is_read never goes back to false, so a
//     local read survives any stale delivery;
//   - a row deleted locally is not resurrected within the grace window;
//   - a poll is an authoritative snapshot and removes ids it does not list,
//     except rows that arrived by push within the grace window.
type Store struct {
	mu          sync.Mutex
	items       map[string]models.Notification
	localDelete map[string]time.Time
	pushedAt    map[string]time.Time
	grace       time.Duration
	now         func() time.Time
	// gen advances on Reset so undo records from a discarded session are ignored.
	gen uint64
}

func NewStore(grace time.Duration) *Store {
	if grace <= 0 {
		grace = DefaultMutationGrace
	}
	s := &Store{grace: grace, now: time.Now}
	s.resetLocked()
	return s
}

// MergePush folds a single pushed row into the store. Push never removes rows.
func (s *Store) MergePush(n models.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.mergeLocked(n, now) {
		s.pushedAt[n.ID] = now
	}
}

// MergePoll folds a full fetched set into the store and drops ids the server
// no longer lists.
func (s *Store) MergePoll(rows []models.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	listed := make(map[string]struct{}, len(rows))
	for _, n := range rows {
		listed[n.ID] = struct{}{}
		s.mergeLocked(n, now)
	}
	for id := range s.items {
		if _, ok := listed[id]; ok {
			continue
		}
		if s.withinGrace(s.pushedAt, id, now) {
			continue
		}
		delete(s.items, id)
		delete(s.pushedAt, id)
	}
	s.expireLocked(now)
}

// mergeLocked applies the merge rule for one row and reports whether it was kept.
func (s *Store) mergeLocked(in models.Notification, now time.Time) bool {
	if _, ok := s.localDelete[in.ID]; ok {
		if s.withinGrace(s.localDelete, in.ID, now) {
			return false
		}
		delete(s.localDelete, in.ID)
	}

	cur, exists := s.items[in.ID]
	if exists && cur.IsRead && !in.IsRead {
		in.IsRead = true
		in.ReadAt = cur.ReadAt
	}
	s.items[in.ID] = in
	return true
}

// ApplyRead marks id read locally.
func (s *Store) ApplyRead(id string) Undo {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := Undo{gen: s.gen}
	s.markReadLocked(&u, id, s.now())
	return u
}

// ApplyReadAll marks every row read locally.
func (s *Store) ApplyReadAll() Undo {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	u := Undo{gen: s.gen}
	for id := range s.items {
		s.markReadLocked(&u, id, now)
	}
	return u
}

// ApplyDelete removes id locally and leaves a tombstone for the grace window.
func (s *Store) ApplyDelete(id string) Undo {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	u := Undo{gen: s.gen, deleteID: id, tombstone: now}
	u.prevDelete, u.hadDelete = s.localDelete[id]
	u.prevPushedAt, u.hadPushedAt = s.pushedAt[id]
	if n, ok := s.items[id]; ok {
		u.deleted = &n
	}
	s.localDelete[id] = now
	delete(s.items, id)
	delete(s.pushedAt, id)
	return u
}

func (s *Store) markReadLocked(u *Undo, id string, now time.Time) {
	n, ok := s.items[id]
	if !ok || n.IsRead {
		return
	}
	readAt := now
	n.IsRead = true
	n.ReadAt = &readAt
	s.items[id] = n
	if u.reads == nil {
		u.reads = make(map[string]*time.Time)
	}
	u.reads[id] = n.ReadAt
}

// Revert undoes a mutation's own changes and reports whether the view
// changed. A read that was since confirmed by another delivery stays read,
// a row that came back through a merge is left alone, and records from
// before the last Reset are ignored.
func (s *Store) Revert(u Undo) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.gen != s.gen {
		return false
	}
	changed := false
	for id, readAt := range u.reads {
		n, ok := s.items[id]
		if !ok || !n.IsRead || n.ReadAt != readAt {
			continue
		}
		n.IsRead = false
		n.ReadAt = nil
		s.items[id] = n
		changed = true
	}
	if u.deleteID == "" {
		return changed
	}
	id := u.deleteID
	if at, ok := s.localDelete[id]; ok && at.Equal(u.tombstone) {
		if u.hadDelete {
			s.localDelete[id] = u.prevDelete
		} else {
			delete(s.localDelete, id)
		}
	}
	if u.deleted != nil {
		if _, ok := s.items[id]; !ok {
			s.items[id] = *u.deleted
			if u.hadPushedAt {
				s.pushedAt[id] = u.prevPushedAt
			}
			changed = true
		}
	}
	return changed
}

func (s *Store) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[id]
	return ok
}

// UnreadCount is derived from the current set on every call.
func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unreadLocked()
}

func (s *Store) unreadLocked() int {
	count := 0
	for _, n := range s.items {
		if !n.IsRead {
			count++
		}
	}
	return count
}

func (s *Store) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]models.Notification, 0, len(s.items))
	for _, n := range s.items {
		items = append(items, n)
	}
	SortNotifications(items)
	return View{Items: items, UnreadCount: s.unreadLocked()}
}

func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Store) resetLocked() {
	s.gen++
	s.items = make(map[string]models.Notification)
	s.localDelete = make(map[string]time.Time)
	s.pushedAt = make(map[string]time.Time)
}

func (s *Store) withinGrace(marks map[string]time.Time, id string, now time.Time) bool {
	at, ok := marks[id]
	return ok && now.Sub(at) < s.grace
}

func (s *Store) expireLocked(now time.Time) {
	for _, marks := range []map[string]time.Time{s.localDelete, s.pushedAt} {
		for id, at := range marks {
			if now.Sub(at) >= s.grace {
				delete(marks, id)
			}
		}
	}
}

// SortNotifications orders newest first, ties broken by id ascending. The
// server lists rows in the same order.
func SortNotifications(items []models.Notification) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}

// Fingerprint hashes the ordered (id, is_read) pairs of a set.
func Fingerprint(items []models.Notification) string {
	var b strings.Builder
	for _, n := range items {
		b.WriteString(n.ID)
		b.WriteByte(':')
		b.WriteString(strconv.FormatBool(n.IsRead))
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
