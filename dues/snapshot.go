/*
snapshot.go - SnapshotCache, denormalized house status with a fixed TTL

PURPOSE:
  Serves HouseBalanceStatus from stored snapshots and recomputes through
  BalanceStatusCalculator only when a snapshot is missing, stale, or older
  than the TTL.

INVALIDATION:
  Explicit only. Mutating components call InvalidateByHouseID (and friends),
  which mark snapshots stale without recomputing. Writes the cache did not
  observe are never inferred.

CONCURRENCY:
  GetAllForSummary recomputes in parallel with a bounded errgroup. The cache
  holds no lock; two recomputes of the same house race harmlessly and the last
  upsert wins.

SEE ALSO:
  - status.go: BalanceStatusCalculator
*/
package dues

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultSnapshotTTL         = 24 * time.Hour
	DefaultSnapshotConcurrency = 8
)

// HouseStatusSnapshot is the stored, possibly stale, status of one house.
type HouseStatusSnapshot struct {
	HouseID            int64
	Status             HouseStatus
	TotalDebt          decimal.Decimal
	CreditBalance      decimal.Decimal
	TotalUnpaidPeriods int
	EnrichedData       *HouseBalanceStatus
	IsStale            bool
	CalculatedAt       time.Time
	InvalidatedAt      *time.Time
}

// Fresh reports whether the snapshot can be served at now.
func (s HouseStatusSnapshot) Fresh(now time.Time, ttl time.Duration) bool {
	return !s.IsStale && s.EnrichedData != nil && now.Sub(s.CalculatedAt) < ttl
}

// StatusCalculator computes a house status from scratch.
type StatusCalculator interface {
	Calculate(ctx context.Context, houseID int64, house *House) (*HouseBalanceStatus, error)
}

type SnapshotCache struct {
	snapshots   SnapshotStore
	calculator  StatusCalculator
	ttl         time.Duration
	concurrency int
	log         *zap.Logger
	clock       Clock
}

// SnapshotConfig tunes the cache. Zero values take the defaults.
type SnapshotConfig struct {
	TTL         time.Duration
	Concurrency int
}

func NewSnapshotCache(snapshots SnapshotStore, calculator StatusCalculator, cfg SnapshotConfig, opts ...Option) *SnapshotCache {
	o := buildOptions("snapshot_cache", opts)
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultSnapshotTTL
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultSnapshotConcurrency
	}
	return &SnapshotCache{
		snapshots:   snapshots,
		calculator:  calculator,
		ttl:         cfg.TTL,
		concurrency: cfg.Concurrency,
		log:         o.logger,
		clock:       o.clock,
	}
}

// =============================================================================
// READS
// =============================================================================

// GetOrCalculate serves one house from its snapshot or recomputes it.
func (c *SnapshotCache) GetOrCalculate(ctx context.Context, houseID int64, house *House) (*HouseBalanceStatus, error) {
	snap, err := c.snapshots.FindByHouseID(ctx, houseID)
	if err != nil {
		return nil, fmt.Errorf("find snapshot for house %d: %w", houseID, err)
	}
	if snap != nil && snap.Fresh(c.clock.now(), c.ttl) {
		return snap.EnrichedData, nil
	}

	status, err := c.calculator.Calculate(ctx, houseID, house)
	if err != nil {
		return nil, err
	}
	if err := c.snapshots.Upsert(ctx, c.snapshotOf(status)); err != nil {
		c.log.Warn("snapshot upsert failed", zap.Int64("house_id", houseID), zap.Error(err))
	}
	return status, nil
}

// GetAllForSummary returns one status per house, in the order of houses.
func (c *SnapshotCache) GetAllForSummary(ctx context.Context, houses []House) ([]*HouseBalanceStatus, error) {
	all, err := c.snapshots.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	byHouse := make(map[int64]HouseStatusSnapshot, len(all))
	for _, s := range all {
		byHouse[s.HouseID] = s
	}

	now := c.clock.now()
	out := make([]*HouseBalanceStatus, len(houses))
	var stale []int
	for i, h := range houses {
		if s, ok := byHouse[h.ID]; ok && s.Fresh(now, c.ttl) {
			out[i] = s.EnrichedData
			continue
		}
		stale = append(stale, i)
	}
	if len(stale) == 0 {
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, i := range stale {
		house := houses[i]
		g.Go(func() error {
			status, err := c.calculator.Calculate(gctx, house.ID, &house)
			if err != nil {
				return fmt.Errorf("calculate house %d: %w", house.ID, err)
			}
			out[i] = status
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, i := range stale {
		if err := c.snapshots.Upsert(ctx, c.snapshotOf(out[i])); err != nil {
			c.log.Warn("snapshot upsert failed", zap.Int64("house_id", houses[i].ID), zap.Error(err))
		}
	}
	c.log.Debug("summary computed",
		zap.Int("houses", len(houses)), zap.Int("recalculated", len(stale)))
	return out, nil
}

func (c *SnapshotCache) snapshotOf(s *HouseBalanceStatus) HouseStatusSnapshot {
	return HouseStatusSnapshot{
		HouseID:            s.HouseID,
		Status:             s.Status,
		TotalDebt:          s.TotalDebt,
		CreditBalance:      s.CreditBalance,
		TotalUnpaidPeriods: len(s.UnpaidPeriods),
		EnrichedData:       s,
		CalculatedAt:       c.clock.now(),
	}
}

// =============================================================================
// INVALIDATION
// =============================================================================

func (c *SnapshotCache) InvalidateByHouseID(ctx context.Context, houseID int64) error {
	if err := c.snapshots.InvalidateByHouseID(ctx, houseID, c.clock.now()); err != nil {
		return fmt.Errorf("invalidate snapshot for house %d: %w", houseID, err)
	}
	return nil
}

func (c *SnapshotCache) InvalidateByHouseIDs(ctx context.Context, houseIDs []int64) error {
	if len(houseIDs) == 0 {
		return nil
	}
	if err := c.snapshots.InvalidateByHouseIDs(ctx, houseIDs, c.clock.now()); err != nil {
		return fmt.Errorf("invalidate %d snapshots: %w", len(houseIDs), err)
	}
	return nil
}

func (c *SnapshotCache) InvalidateAll(ctx context.Context) error {
	if err := c.snapshots.InvalidateAll(ctx, c.clock.now()); err != nil {
		return fmt.Errorf("invalidate all snapshots: %w", err)
	}
	c.log.Info("all snapshots invalidated")
	return nil
}
