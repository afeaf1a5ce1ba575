package inbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stanstork/beacon/internal/models"
)

// fakeAPI keeps a server-side inbox in memory and applies mutations to it.
type fakeAPI struct {
	mu   sync.Mutex
	rows map[string]models.Notification

	listErr     error
	markReadErr error
	markAllErr  error
	deleteErr   error
	refreshErr  error
	refreshResp TokenResponse

	// markReadEntered and markReadRelease, when set, hold MarkRead until the test releases it.
	markReadEntered chan struct{}
	markReadRelease chan struct{}

	listCalls     int
	markReadCalls int
	markAllCalls  int
	deleteCalls   int
	refreshCalls  int
	tokens        []string
	streamURL     string
}

func newFakeAPI(rows ...models.Notification) *fakeAPI {
	api := &fakeAPI{rows: map[string]models.Notification{}}
	for _, n := range rows {
		api.rows[n.ID] = n
	}
	return api
}

func (a *fakeAPI) put(n models.Notification) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rows[n.ID] = n
}

func (a *fakeAPI) remove(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.rows, id)
}

func (a *fakeAPI) setListErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listErr = err
}

func (a *fakeAPI) List(_ context.Context, token string, _ int) (ListResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listCalls++
	a.tokens = append(a.tokens, token)
	if a.listErr != nil {
		return ListResponse{}, a.listErr
	}
	out := make([]models.Notification, 0, len(a.rows))
	unread := 0
	for _, n := range a.rows {
		out = append(out, n)
		if !n.IsRead {
			unread++
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return ListResponse{Notifications: out, UnreadCount: unread}, nil
}

func (a *fakeAPI) MarkRead(_ context.Context, token, id string) error {
	a.mu.Lock()
	entered, release := a.markReadEntered, a.markReadRelease
	a.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.markReadCalls++
	a.tokens = append(a.tokens, token)
	if a.markReadErr != nil {
		return a.markReadErr
	}
	n, ok := a.rows[id]
	if !ok {
		return &HTTPError{StatusCode: 404, Message: "notification not found"}
	}
	n.IsRead = true
	a.rows[id] = n
	return nil
}

func (a *fakeAPI) MarkAllRead(_ context.Context, token string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.markAllCalls++
	a.tokens = append(a.tokens, token)
	if a.markAllErr != nil {
		return 0, a.markAllErr
	}
	updated := 0
	for id, n := range a.rows {
		if !n.IsRead {
			n.IsRead = true
			a.rows[id] = n
			updated++
		}
	}
	return updated, nil
}

func (a *fakeAPI) Delete(_ context.Context, token, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deleteCalls++
	a.tokens = append(a.tokens, token)
	if a.deleteErr != nil {
		return a.deleteErr
	}
	if _, ok := a.rows[id]; !ok {
		return &HTTPError{StatusCode: 404, Message: "notification not found"}
	}
	delete(a.rows, id)
	return nil
}

func (a *fakeAPI) Login(context.Context, string, string) (TokenResponse, error) {
	return TokenResponse{}, &HTTPError{StatusCode: 401, Message: "invalid credentials"}
}

func (a *fakeAPI) Refresh(_ context.Context, token string) (TokenResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshCalls++
	a.tokens = append(a.tokens, token)
	if a.refreshErr != nil {
		return TokenResponse{}, a.refreshErr
	}
	return a.refreshResp, nil
}

func (a *fakeAPI) StreamURL() string {
	return a.streamURL
}

func (a *fakeAPI) calls() (list, markRead, markAll, del int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listCalls, a.markReadCalls, a.markAllCalls, a.deleteCalls
}

// fakeTokens is a TokenProvider whose validity is set by the test.
type fakeTokens struct {
	mu           sync.Mutex
	token        string
	remaining    time.Duration
	refreshErr   error
	refreshCalls int
	started      chan struct{}
	release      chan struct{}
}

func newFakeTokens(remaining time.Duration) *fakeTokens {
	return &fakeTokens{token: "tok-0", remaining: remaining}
}

func (f *fakeTokens) Token() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeTokens) Remaining() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remaining
}

func (f *fakeTokens) Refresh(ctx context.Context) error {
	f.mu.Lock()
	f.refreshCalls++
	started, release := f.started, f.release
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refreshErr != nil {
		return f.refreshErr
	}
	f.token = "tok-refreshed"
	f.remaining = time.Hour
	return nil
}

func (f *fakeTokens) setRefreshErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshErr = err
}

func (f *fakeTokens) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

func notif(id string, age time.Duration) models.Notification {
	return models.Notification{
		ID:          id,
		OwnerUserID: "user-1",
		Title:       "Task assigned",
		Message:     "You have been assigned " + id,
		Kind:        models.NotificationKindTaskAssigned,
		CreatedAt:   time.Now().Add(-age).UTC().Truncate(time.Millisecond),
	}
}
