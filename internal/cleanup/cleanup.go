// Package cleanup implements Component L: a ticker-driven scheduler that
// periodically removes inactive pair registrations, with a manual trigger
// for out-of-band invocation (e.g. from an admin route). Repurposed from
// the lineage's ticker-driven health-probe shape, rebuilt here around
// pair-registry cleanup instead of provider health checks.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/marketfeed/quoteproxy/internal/pairs"
)

// Scheduler periodically calls pairs.Registry.CleanupInactivePairs.
type Scheduler struct {
	registry        *pairs.Registry
	log              *slog.Logger
	interval         time.Duration
	inactiveTimeout  time.Duration
	enabled          bool
}

func New(registry *pairs.Registry, log *slog.Logger, enabled bool, interval, inactiveTimeout time.Duration) *Scheduler {
	return &Scheduler{registry: registry, log: log, enabled: enabled, interval: interval, inactiveTimeout: inactiveTimeout}
}

// Run blocks, ticking at interval, until ctx is cancelled. No-op if disabled.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.enabled {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Trigger()
		}
	}
}

// Trigger runs one cleanup pass immediately, returning the count removed.
// Exposed for manual invocation outside the ticker cadence.
func (s *Scheduler) Trigger() int {
	n := s.registry.CleanupInactivePairs(s.inactiveTimeout)
	if n > 0 {
		s.log.Info("cleaned up inactive pair registrations", slog.Int("count", n))
	}
	return n
}
