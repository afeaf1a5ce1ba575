package inbox

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/beacon/internal/models"
)

const (
	DefaultPollBaseInterval     = 60 * time.Second
	DefaultPollMaxInterval      = 120 * time.Second
	DefaultPollBackoffThreshold = 5
	DefaultPollLimit            = 50
)

type PollerOptions struct {
	BaseInterval     time.Duration
	MaxInterval      time.Duration
	BackoffThreshold int
	Jitter           float64
	Limit            int
}

func (o *PollerOptions) applyDefaults() {
	if o.BaseInterval <= 0 {
		o.BaseInterval = DefaultPollBaseInterval
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = DefaultPollMaxInterval
	}
	if o.MaxInterval < o.BaseInterval {
		o.MaxInterval = o.BaseInterval
	}
	if o.BackoffThreshold <= 0 {
		o.BackoffThreshold = DefaultPollBackoffThreshold
	}
	if o.Limit <= 0 {
		o.Limit = DefaultPollLimit
	}
	o.Jitter = clampJitterRatio(o.Jitter)
}

// PollResult describes one completed cycle.
type PollResult struct {
	Changed bool
	Rows    []models.Notification
	At      time.Time
}

// Poller fetches the full inbox on an adaptive timer and reports a cycle as
// changed only when the fingerprint of the fetched set differs from the last
// one seen.
type Poller struct {
	api     API
	guard   *CredentialGuard
	opts    PollerOptions
	logger  zerolog.Logger
	onCycle func(PollResult)
	onError func(error)
	now     func() time.Time

	mu          sync.Mutex
	fingerprint string
	noChange    int
	interval    time.Duration
	rng         *rand.Rand

	trigger chan struct{}
}

func NewPoller(api API, guard *CredentialGuard, opts PollerOptions, logger zerolog.Logger) *Poller {
	opts.applyDefaults()
	return &Poller{
		api:      api,
		guard:    guard,
		opts:     opts,
		logger:   logger.With().Str("component", "poller").Logger(),
		now:      time.Now,
		interval: opts.BaseInterval,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		trigger:  make(chan struct{}, 1),
	}
}

// Run polls immediately and then on the adaptive timer until ctx is done.
// Failed cycles are reported and retried on the next tick.
func (p *Poller) Run(ctx context.Context) {
	p.runCycle(ctx)

	timer := time.NewTimer(p.NextDelay())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			p.runCycle(ctx)
			timer.Reset(p.NextDelay())
		case <-timer.C:
			p.runCycle(ctx)
			timer.Reset(p.NextDelay())
		}
	}
}

func (p *Poller) runCycle(ctx context.Context) {
	if _, err := p.Cycle(ctx); err != nil && ctx.Err() == nil {
		p.logger.Warn().Err(err).Msg("poll cycle failed")
		if p.onError != nil {
			p.onError(err)
		}
	}
}

// Cycle runs a single poll: ensure credentials, fetch, fingerprint, compare.
// onCycle sees every successful cycle; Changed tells whether the set moved.
func (p *Poller) Cycle(ctx context.Context) (PollResult, error) {
	token, err := p.guard.Ensure(ctx)
	if err != nil {
		return PollResult{}, err
	}
	resp, err := p.api.List(ctx, token, p.opts.Limit)
	if err != nil {
		return PollResult{}, err
	}

	rows := make([]models.Notification, 0, len(resp.Notifications))
	for _, n := range resp.Notifications {
		normalized, err := n.Normalize()
		if err != nil {
			p.logger.Warn().Err(err).Msg("dropping invalid polled row")
			continue
		}
		rows = append(rows, normalized)
	}
	SortNotifications(rows)
	fp := Fingerprint(rows)

	result := PollResult{Rows: rows, At: p.now()}
	p.mu.Lock()
	if fp == p.fingerprint {
		p.noChange++
		if p.noChange >= p.opts.BackoffThreshold {
			p.interval *= 2
			if p.interval > p.opts.MaxInterval {
				p.interval = p.opts.MaxInterval
			}
		}
	} else {
		p.fingerprint = fp
		p.noChange = 0
		p.interval = p.opts.BaseInterval
		result.Changed = true
	}
	p.mu.Unlock()

	if p.onCycle != nil {
		p.onCycle(result)
	}
	return result, nil
}

// Observe aligns the stored fingerprint with a locally changed view so the
// next poll of the same server state is not treated as a change.
func (p *Poller) Observe(items []models.Notification) {
	fp := Fingerprint(items)
	p.mu.Lock()
	p.fingerprint = fp
	p.mu.Unlock()
}

// Trigger requests an immediate cycle. Extra requests while one is pending are dropped.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Interval is the un-jittered delay before the next cycle.
func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

func (p *Poller) NoChangeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.noChange
}

func (p *Poller) NextDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return jitteredIntervalWithSample(p.interval, p.opts.Jitter, p.rng.Float64())
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
