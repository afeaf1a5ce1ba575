package inbox

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/beacon/internal/models"
	"nhooyr.io/websocket"
)

const (
	DefaultPushBackoffBase = time.Second
	DefaultPushBackoffMax  = 30 * time.Second
)

type ChannelState int

const (
	ChannelIdle ChannelState = iota
	ChannelConnecting
	ChannelSubscribed
	ChannelErrored
	ChannelClosed
	ChannelStopped
)

func (s ChannelState) String() string {
	switch s {
	case ChannelIdle:
		return "idle"
	case ChannelConnecting:
		return "connecting"
	case ChannelSubscribed:
		return "subscribed"
	case ChannelErrored:
		return "errored"
	case ChannelClosed:
		return "closed"
	case ChannelStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type SubscriberOptions struct {
	URL         string
	UserID      string
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Subscriber keeps one websocket open to the push endpoint and reconnects
// with exponential backoff until its context ends. Delivery is at most once
// per connection; the poller covers anything missed in between.
type Subscriber struct {
	opts     SubscriberOptions
	guard    *CredentialGuard
	logger   zerolog.Logger
	onChange func(models.NotificationChange)
	onState  func(ChannelState, error)

	mu    sync.Mutex
	state ChannelState
	conn  *websocket.Conn
}

func NewSubscriber(opts SubscriberOptions, guard *CredentialGuard, logger zerolog.Logger) *Subscriber {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultPushBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = DefaultPushBackoffMax
	}
	return &Subscriber{
		opts:   opts,
		guard:  guard,
		logger: logger.With().Str("component", "subscriber").Logger(),
		state:  ChannelIdle,
	}
}

func (s *Subscriber) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			s.setState(ChannelStopped, nil)
			return
		}
		s.setState(ChannelConnecting, nil)
		err := s.connectAndRead(ctx, &attempt)
		if ctx.Err() != nil {
			s.setState(ChannelStopped, nil)
			return
		}

		state := ChannelErrored
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			state = ChannelClosed
		}
		chErr := &ChannelError{State: state, Err: err}
		s.setState(state, chErr)

		attempt++
		delay := backoffDelay(s.opts.BackoffBase, s.opts.BackoffMax, attempt)
		s.logger.Debug().Err(err).Dur("retry_in", delay).Msg("push channel down")
		if waitErr := waitWithContext(ctx, delay); waitErr != nil {
			s.setState(ChannelStopped, nil)
			return
		}
	}
}

func (s *Subscriber) connectAndRead(ctx context.Context, attempt *int) error {
	token, err := s.guard.Ensure(ctx)
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.Dial(ctx, s.opts.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.CloseNow()
	}()

	*attempt = 0
	s.setState(ChannelSubscribed, nil)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		change, err := models.ParseChange(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("dropping malformed push frame")
			continue
		}
		if change.Notification.OwnerUserID != s.opts.UserID {
			s.logger.Warn().
				Str("notification_id", change.Notification.ID).
				Str("owner_user_id", change.Notification.OwnerUserID).
				Msg("dropping push frame for another user")
			continue
		}
		if s.onChange != nil {
			s.onChange(change)
		}
	}
}

// Close drops the current connection. Run still needs its context cancelled
// to stop reconnecting.
func (s *Subscriber) Close() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.CloseNow()
	}
}

func (s *Subscriber) State() ChannelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscriber) setState(state ChannelState, err error) {
	s.mu.Lock()
	if s.state == state && err == nil {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()

	if s.onState != nil {
		s.onState(state, err)
	}
}
