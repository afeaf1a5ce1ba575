package inbox

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultRefreshThreshold = 5 * time.Minute
	DefaultRefreshAttempts  = 3
	defaultRefreshBaseDelay = 500 * time.Millisecond
	defaultRefreshMaxDelay  = 4 * time.Second
)

// TokenProvider owns the session credential.
type TokenProvider interface {
	Token() string
	Remaining() time.Duration
	Refresh(ctx context.Context) error
}

type GuardOptions struct {
	Threshold time.Duration
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// CredentialGuard makes sure a usable token exists before any remote call.
// Concurrent callers that find the token near expiry share one refresh.
type CredentialGuard struct {
	provider TokenProvider
	opts     GuardOptions
	logger   zerolog.Logger
	onStatus func(degraded bool, err error)

	mu       sync.Mutex
	inflight *refreshCall
	degraded bool
	lastErr  error
}

type refreshCall struct {
	done chan struct{}
	err  error
}

func NewCredentialGuard(provider TokenProvider, opts GuardOptions, logger zerolog.Logger) *CredentialGuard {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultRefreshThreshold
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultRefreshAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultRefreshBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultRefreshMaxDelay
	}
	return &CredentialGuard{
		provider: provider,
		opts:     opts,
		logger:   logger.With().Str("component", "credential_guard").Logger(),
	}
}

// Ensure returns a token with at least Threshold validity left, refreshing
// first when needed. Exhausted retries yield *CredentialError and mark the
// guard degraded until a later refresh succeeds.
func (g *CredentialGuard) Ensure(ctx context.Context) (string, error) {
	if g.provider.Remaining() >= g.opts.Threshold {
		return g.provider.Token(), nil
	}

	g.mu.Lock()
	call := g.inflight
	leader := call == nil
	if leader {
		call = &refreshCall{done: make(chan struct{})}
		g.inflight = call
	}
	g.mu.Unlock()

	if leader {
		call.err = g.refresh(ctx)
		g.finish(call)
	} else {
		select {
		case <-call.done:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if call.err != nil {
		return "", call.err
	}
	return g.provider.Token(), nil
}

func (g *CredentialGuard) refresh(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= g.opts.Attempts; attempt++ {
		err := g.provider.Refresh(ctx)
		if err == nil {
			if attempt > 1 {
				g.logger.Info().Int("attempt", attempt).Msg("credential refreshed after retry")
			}
			return nil
		}
		lastErr = err
		g.logger.Warn().Err(err).Int("attempt", attempt).Msg("credential refresh failed")
		if attempt == g.opts.Attempts {
			break
		}
		if waitErr := waitWithContext(ctx, backoffDelay(g.opts.BaseDelay, g.opts.MaxDelay, attempt)); waitErr != nil {
			return &CredentialError{Attempts: attempt, Err: waitErr}
		}
	}
	return &CredentialError{Attempts: g.opts.Attempts, Err: lastErr}
}

func (g *CredentialGuard) finish(call *refreshCall) {
	g.mu.Lock()
	g.inflight = nil
	changed := g.degraded != (call.err != nil)
	g.degraded = call.err != nil
	g.lastErr = call.err
	onStatus := g.onStatus
	g.mu.Unlock()
	close(call.done)

	if changed && onStatus != nil {
		onStatus(call.err != nil, call.err)
	}
}

func (g *CredentialGuard) Degraded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.degraded
}

func (g *CredentialGuard) LastError() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastErr
}
