package background

import (
	"context"
	"log/slog"
	"time"

	"github.com/tgrange/bastion/internal/auth"
)

// Sweeper periodically purges expired attempt-tracker entries so the
// in-memory maps stay bounded. Sweeps run on a fixed interval independent of
// request traffic and never block login processing.
type Sweeper struct {
	tracker  auth.AttemptTracker
	logger   *slog.Logger
	interval time.Duration
	stopCh   chan struct{}
}

// NewSweeper creates a sweeper for the given tracker.
func NewSweeper(tracker auth.AttemptTracker, logger *slog.Logger, interval time.Duration) *Sweeper {
	return &Sweeper{
		tracker:  tracker,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic sweep loop. It returns when Stop is called or
// the context is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tracker.Sweep()
			s.logger.Debug("attempt tracker swept")
		case <-s.stopCh:
			s.logger.Info("sweeper stopped")
			return
		case <-ctx.Done():
			s.logger.Info("sweeper context cancelled")
			return
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	close(s.stopCh)
}
