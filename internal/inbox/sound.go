package inbox

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/beacon/internal/models"
)

const DefaultFreshnessWindow = 5 * time.Minute

type SoundDecision int

const (
	SoundPlayed SoundDecision = iota
	SoundSkippedLocked
	SoundSkippedStale
	SoundSkippedDuplicate
	SoundSkippedRead
	SoundFailed
)

func (d SoundDecision) String() string {
	switch d {
	case SoundPlayed:
		return "played"
	case SoundSkippedLocked:
		return "skipped_locked"
	case SoundSkippedStale:
		return "skipped_stale"
	case SoundSkippedDuplicate:
		return "skipped_duplicate"
	case SoundSkippedRead:
		return "skipped_read"
	case SoundFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type Player interface {
	Play() error
}

type PlayerFactory func() (Player, error)

// SoundGate decides whether a newly observed notification may play the alert.
// A row sounds at most once per session, only while fresh, and only after the
// user has interacted with the client.
type SoundGate struct {
	window  time.Duration
	factory PlayerFactory
	logger  zerolog.Logger
	now     func() time.Time

	mu          sync.Mutex
	unlocked    bool
	built       bool
	player      Player
	seen        map[string]struct{}
	sounded     map[string]struct{}
	lastSounded string
}

func NewSoundGate(window time.Duration, factory PlayerFactory, logger zerolog.Logger) *SoundGate {
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	return &SoundGate{
		window:  window,
		factory: factory,
		logger:  logger.With().Str("component", "sound_gate").Logger(),
		now:     time.Now,
		seen:    make(map[string]struct{}),
		sounded: make(map[string]struct{}),
	}
}

// Unlock records the first user gesture. The player is built on the first
// call only and reused afterwards.
func (g *SoundGate) Unlock() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unlocked = true
	if g.built {
		return
	}
	g.built = true
	if g.factory == nil {
		return
	}
	player, err := g.factory()
	if err != nil {
		g.logger.Warn().Err(err).Msg("audio player unavailable")
		return
	}
	g.player = player
}

// Observe evaluates n at its first observation. Later deliveries of the same
// id are duplicates whatever the first decision was.
func (g *SoundGate) Observe(n models.Notification) SoundDecision {
	g.mu.Lock()
	if _, ok := g.seen[n.ID]; ok {
		g.mu.Unlock()
		return SoundSkippedDuplicate
	}
	g.seen[n.ID] = struct{}{}

	switch {
	case n.IsRead:
		g.mu.Unlock()
		return SoundSkippedRead
	case g.now().Sub(n.CreatedAt) > g.window:
		g.mu.Unlock()
		return SoundSkippedStale
	case !g.unlocked:
		g.mu.Unlock()
		return SoundSkippedLocked
	}

	g.sounded[n.ID] = struct{}{}
	g.lastSounded = n.ID
	player := g.player
	g.mu.Unlock()

	if player == nil {
		g.logger.Debug().Str("notification_id", n.ID).Msg("no audio player, skipping sound")
		return SoundFailed
	}
	if err := player.Play(); err != nil {
		g.logger.Warn().Err(err).Str("notification_id", n.ID).Msg("failed to play notification sound")
		return SoundFailed
	}
	return SoundPlayed
}

func (g *SoundGate) LastSounded() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastSounded
}

func (g *SoundGate) Sounded(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.sounded[id]
	return ok
}

// Reset forgets everything observed in the session. The player is kept.
func (g *SoundGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen = make(map[string]struct{})
	g.sounded = make(map[string]struct{})
	g.lastSounded = ""
}
