package worker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/beacon/internal/repository"
)

const (
	DefaultSweepInterval = time.Hour
	DefaultReadAfter     = 30 * 24 * time.Hour
	DefaultUnreadAfter   = 90 * 24 * time.Hour
)

type WorkerConfig struct {
	Repo        repository.NotificationRepository
	Interval    time.Duration
	ReadAfter   time.Duration
	UnreadAfter time.Duration
	Logger      zerolog.Logger
}

// Worker periodically purges notifications past their retention age.
type Worker struct {
	cfg WorkerConfig
	now func() time.Time
}

func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Repo == nil {
		return nil, errors.New("notification repository is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.ReadAfter <= 0 {
		cfg.ReadAfter = DefaultReadAfter
	}
	if cfg.UnreadAfter <= 0 {
		cfg.UnreadAfter = DefaultUnreadAfter
	}
	if cfg.UnreadAfter < cfg.ReadAfter {
		return nil, errors.Errorf("unread retention %s is shorter than read retention %s", cfg.UnreadAfter, cfg.ReadAfter)
	}
	cfg.Logger = cfg.Logger.With().Str("component", "retention_worker").Logger()
	return &Worker{cfg: cfg, now: time.Now}, nil
}

func (w *Worker) Start(ctx context.Context) error {
	w.cfg.Logger.Info().Dur("interval", w.cfg.Interval).Msg("Worker started, sweeping expired notifications...")
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.cfg.Logger.Info().Msg("Worker stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				// Log the error, the next tick retries
				w.cfg.Logger.Error().Err(err).Msg("retention sweep failed")
			}
		}
	}
}

// Sweep removes read rows older than ReadAfter and any row older than UnreadAfter.
func (w *Worker) Sweep(ctx context.Context) (int64, error) {
	now := w.now()
	removed, err := w.cfg.Repo.Purge(ctx, now.Add(-w.cfg.ReadAfter), now.Add(-w.cfg.UnreadAfter))
	if err != nil {
		return 0, errors.Wrap(err, "purge notifications")
	}
	if removed > 0 {
		w.cfg.Logger.Info().Int64("removed", removed).Msg("purged expired notifications")
	}
	return removed, nil
}
