package eventlog

import (
	"context"
	"log/slog"
	"time"
)

// TerminalRunSource lists runs eligible for event retention sweeps.
type TerminalRunSource interface {
	// TerminalRunsBefore returns ids of runs that reached a terminal status
	// before the cutoff.
	TerminalRunsBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Sweeper periodically purges event logs of runs that have been terminal for
// longer than the retention window. Run records themselves are kept; only
// their replayable logs are reclaimed.
type Sweeper struct {
	log      Log
	source   TerminalRunSource
	maxAge   time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a retention sweeper. A zero interval defaults to one
// minute; a zero maxAge disables sweeping entirely.
func NewSweeper(log Log, source TerminalRunSource, maxAge, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{log: log, source: source, maxAge: maxAge, interval: interval, logger: logger}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s.maxAge <= 0 {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one retention pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.maxAge)
	runIDs, err := s.source.TerminalRunsBefore(ctx, cutoff)
	if err != nil {
		s.logger.Warn("retention sweep: listing terminal runs failed", "error", err)
		return
	}

	purged := 0
	for _, runID := range runIDs {
		if err := s.log.Purge(ctx, runID); err != nil {
			s.logger.Warn("retention sweep: purge failed", "run_id", runID, "error", err)
			continue
		}
		purged++
	}
	if purged > 0 {
		s.logger.Info("retention sweep purged event logs", "runs", purged, "cutoff", cutoff)
	}
}
