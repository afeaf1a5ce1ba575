package inbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/beacon/internal/models"
)

var (
	ErrSessionClosed  = errors.New("inbox session closed")
	ErrSessionStarted = errors.New("inbox session already started")
)

// Status is what the UI shows next to the inbox.
type Status struct {
	Push      ChannelState
	Degraded  bool
	LastError string
	LastPoll  time.Time
}

type Options struct {
	API    API
	Tokens TokenProvider
	// UserID is taken from the token subject when empty.
	UserID string

	Poll            PollerOptions
	Guard           GuardOptions
	FreshnessWindow time.Duration
	MutationGrace   time.Duration
	PushBackoffBase time.Duration
	PushBackoffMax  time.Duration
	DisablePush     bool
	PlayerFactory   PlayerFactory

	// Callbacks run synchronously on the session goroutines and never after
	// Close returns. They must not call Close.
	OnUpdate  func(View)
	OnStatus  func(Status)
	OnArrival func(models.Notification, SoundDecision)

	Logger zerolog.Logger
}

// Session is one signed-in inbox: a push subscriber and a poll loop feeding
// a single store, plus the mutation gateway and sound gate around it.
type Session struct {
	opts      Options
	logger    zerolog.Logger
	store     *Store
	gate      *SoundGate
	guard     *CredentialGuard
	poller    *Poller
	mutations *Mutations

	mu         sync.Mutex
	userID     string
	status     Status
	started    bool
	closing    bool
	cancel     context.CancelFunc
	subscriber *Subscriber
	wg         sync.WaitGroup

	cbMu   sync.RWMutex
	closed bool
}

func NewSession(opts Options) (*Session, error) {
	if opts.API == nil {
		return nil, errors.New("inbox api is required")
	}
	if opts.Tokens == nil {
		return nil, errors.New("token provider is required")
	}
	logger := opts.Logger.With().Str("component", "inbox_session").Logger()

	s := &Session{
		opts:   opts,
		logger: logger,
		userID: opts.UserID,
		store:  NewStore(opts.MutationGrace),
		gate:   NewSoundGate(opts.FreshnessWindow, opts.PlayerFactory, opts.Logger),
		guard:  NewCredentialGuard(opts.Tokens, opts.Guard, opts.Logger),
		status: Status{Push: ChannelIdle},
	}
	s.guard.onStatus = s.handleCredentialStatus
	s.poller = NewPoller(opts.API, s.guard, opts.Poll, opts.Logger)
	s.poller.onCycle = s.handlePoll
	s.poller.onError = s.handlePollError
	s.mutations = NewMutations(opts.API, s.guard, s.store, s.publish, opts.Logger)
	return s, nil
}

// Start launches the poll loop and, unless disabled, the push subscriber.
// Close during the initial credential check cancels it and nothing is
// started.
func (s *Session) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		cancel()
		return ErrSessionClosed
	}
	if s.started {
		s.mu.Unlock()
		cancel()
		return ErrSessionStarted
	}
	s.started = true
	s.cancel = cancel
	s.mu.Unlock()

	resolveErr := s.resolveUser(runCtx)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if resolveErr != nil {
		s.mu.Unlock()
		cancel()
		return resolveErr
	}
	if !s.opts.DisablePush {
		s.subscriber = NewSubscriber(SubscriberOptions{
			URL:         s.opts.API.StreamURL(),
			UserID:      s.userID,
			BackoffBase: s.opts.PushBackoffBase,
			BackoffMax:  s.opts.PushBackoffMax,
		}, s.guard, s.opts.Logger)
		s.subscriber.onChange = s.handlePush
		s.subscriber.onState = s.handleChannelState
	}
	subscriber := s.subscriber
	userID := s.userID
	s.wg.Add(1)
	if subscriber != nil {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.poller.Run(runCtx)
	}()
	if subscriber != nil {
		go func() {
			defer s.wg.Done()
			subscriber.Run(runCtx)
		}()
	}
	s.logger.Info().Str("user_id", userID).Bool("push", subscriber != nil).Msg("inbox session started")
	return nil
}

// SyncOnce runs a single poll cycle in the calling goroutine.
func (s *Session) SyncOnce(ctx context.Context) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	if err := s.resolveUser(ctx); err != nil {
		return err
	}
	if _, err := s.poller.Cycle(ctx); err != nil {
		s.handlePollError(err)
		return err
	}
	return nil
}

// Close stops both producers and discards the session state. No callback
// fires after it returns.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	cancel := s.cancel
	subscriber := s.subscriber
	s.mu.Unlock()

	s.cbMu.Lock()
	s.closed = true
	s.cbMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if subscriber != nil {
		subscriber.Close()
	}
	s.wg.Wait()
	s.store.Reset()
	s.gate.Reset()
	s.logger.Info().Msg("inbox session closed")
}

func (s *Session) MarkRead(ctx context.Context, id string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.mutations.MarkRead(ctx, id)
}

func (s *Session) MarkAllRead(ctx context.Context) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.mutations.MarkAllRead(ctx)
}

func (s *Session) Delete(ctx context.Context, id string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.mutations.Delete(ctx, id)
}

// Unlock records the user gesture that enables sound.
func (s *Session) Unlock() {
	s.gate.Unlock()
}

// Retry asks for an immediate poll, e.g. from a "notifications may be
// delayed" banner.
func (s *Session) Retry() {
	s.poller.Trigger()
}

func (s *Session) View() View {
	return s.store.View()
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) resolveUser(ctx context.Context) error {
	s.mu.Lock()
	known := s.userID != ""
	s.mu.Unlock()
	if known {
		return nil
	}
	token, err := s.guard.Ensure(ctx)
	if err != nil {
		return err
	}
	subject, _, err := ParseTokenClaims(token)
	if err != nil {
		return err
	}
	if subject == "" {
		return errors.New("token has no subject")
	}
	s.mu.Lock()
	s.userID = subject
	s.mu.Unlock()
	return nil
}

func (s *Session) handlePush(change models.NotificationChange) {
	s.store.MergePush(change.Notification)
	s.evaluate([]models.Notification{change.Notification})
	s.publish()
}

func (s *Session) handlePoll(result PollResult) {
	s.mu.Lock()
	s.status.LastPoll = result.At
	hadError := s.status.LastError != "" && !s.status.Degraded
	if hadError {
		s.status.LastError = ""
	}
	userID := s.userID
	status := s.status
	s.mu.Unlock()

	if hadError {
		s.emit(func() {
			if s.opts.OnStatus != nil {
				s.opts.OnStatus(status)
			}
		})
	}
	if !result.Changed {
		return
	}

	rows := result.Rows
	if userID != "" {
		rows = make([]models.Notification, 0, len(result.Rows))
		for _, n := range result.Rows {
			if n.OwnerUserID != userID {
				s.logger.Warn().Str("notification_id", n.ID).Msg("dropping polled row for another user")
				continue
			}
			rows = append(rows, n)
		}
	}
	s.store.MergePoll(rows)
	s.evaluate(rows)
	s.publish()
}

func (s *Session) handlePollError(err error) {
	s.mu.Lock()
	s.status.LastError = err.Error()
	status := s.status
	s.mu.Unlock()
	s.emit(func() {
		if s.opts.OnStatus != nil {
			s.opts.OnStatus(status)
		}
	})
}

func (s *Session) handleChannelState(state ChannelState, _ error) {
	s.mu.Lock()
	s.status.Push = state
	status := s.status
	s.mu.Unlock()
	s.emit(func() {
		if s.opts.OnStatus != nil {
			s.opts.OnStatus(status)
		}
	})
}

func (s *Session) handleCredentialStatus(degraded bool, err error) {
	s.mu.Lock()
	s.status.Degraded = degraded
	if err != nil {
		s.status.LastError = err.Error()
	} else {
		s.status.LastError = ""
	}
	status := s.status
	s.mu.Unlock()
	s.emit(func() {
		if s.opts.OnStatus != nil {
			s.opts.OnStatus(status)
		}
	})
}

// evaluate runs the sound gate over rows that survived the merge.
func (s *Session) evaluate(rows []models.Notification) {
	for _, n := range rows {
		if !s.store.Has(n.ID) {
			continue
		}
		decision := s.gate.Observe(n)
		if decision == SoundSkippedDuplicate {
			continue
		}
		s.emit(func() {
			if s.opts.OnArrival != nil {
				s.opts.OnArrival(n, decision)
			}
		})
	}
}

// publish aligns the poll fingerprint with the store and notifies the UI.
func (s *Session) publish() {
	view := s.store.View()
	s.poller.Observe(view.Items)
	s.emit(func() {
		if s.opts.OnUpdate != nil {
			s.opts.OnUpdate(view)
		}
	})
}

func (s *Session) emit(fn func()) {
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()
	if s.closed {
		return
	}
	fn()
}

func (s *Session) isClosed() bool {
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()
	return s.closed
}
