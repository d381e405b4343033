/*
scheduler.go - Automated period scheduler

PURPOSE:
  Makes sure the billing period of the current month exists (created and
  seeded) without waiting for the first payment of the month, and marks
  every snapshot stale when the calendar month rolls over.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start, then on every tick
  - Idempotent: EnsurePeriodExists is a cache/lookup hit after the first run

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewPeriodScheduler(engine, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - dues/period.go: PeriodRegistry
  - dues/snapshot.go: SnapshotCache.InvalidateAll
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/dues-engine/dues"
)

// PeriodScheduler keeps the current period in place.
type PeriodScheduler struct {
	Registry      *dues.PeriodRegistry
	Snapshots     dues.BulkInvalidator
	CheckInterval time.Duration
	Enabled       bool
	Clock         dues.Clock

	log       *zap.Logger
	lastMonth string
	ticker    *time.Ticker
	stop      chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
}

// NewPeriodScheduler creates a scheduler over the engine registry and snapshots.
func NewPeriodScheduler(engine *dues.Engine, log *zap.Logger) *PeriodScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &PeriodScheduler{
		Registry:      engine.Registry,
		Snapshots:     engine.Snapshots,
		CheckInterval: time.Hour,
		Enabled:       true,
		log:           log.Named("scheduler"),
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (s *PeriodScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)

	go s.run()

	s.log.Info("started", zap.Duration("interval", s.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight check.
func (s *PeriodScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.log.Info("stopped")
	}
}

func (s *PeriodScheduler) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.RunNow(context.Background())

	for {
		select {
		case <-s.ticker.C:
			s.RunNow(context.Background())
		case <-s.stop:
			return
		}
	}
}

// RunNow performs one check.
func (s *PeriodScheduler) RunNow(ctx context.Context) {
	now := time.Now()
	if s.Clock != nil {
		now = s.Clock()
	}

	period, err := s.Registry.EnsurePeriodExists(ctx, now.Year(), now.Month())
	if err != nil {
		s.log.Error("ensure current period failed", zap.Error(err))
		return
	}

	month := period.StartDate.Format("2006-01")
	if s.lastMonth != "" && s.lastMonth != month && s.Snapshots != nil {
		if err := s.Snapshots.InvalidateAll(ctx); err != nil {
			s.log.Warn("snapshot invalidation after month rollover failed", zap.Error(err))
		}
	}
	s.lastMonth = month
	s.log.Debug("current period ensured", zap.Int64("period_id", period.ID), zap.String("month", month))
}
