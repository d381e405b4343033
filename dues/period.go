package dues

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// PERIOD CONFIG RESOLVER
// =============================================================================

// SelectActiveConfig picks the config with the latest EffectiveFrom <= date among
// active configs whose EffectiveUntil is open or >= date. Stores without a query
// language use it directly.
func SelectActiveConfig(configs []PeriodConfig, date time.Time) *PeriodConfig {
	var best *PeriodConfig
	for i := range configs {
		c := configs[i]
		if !c.CoversDate(date) {
			continue
		}
		if best == nil || c.EffectiveFrom.After(best.EffectiveFrom) ||
			(c.EffectiveFrom.Equal(best.EffectiveFrom) && c.ID > best.ID) {
			best = &c
		}
	}
	return best
}

// PeriodConfigResolver resolves the time-versioned defaults active for a date.
type PeriodConfigResolver struct {
	configs PeriodConfigStore
}

func NewPeriodConfigResolver(configs PeriodConfigStore) *PeriodConfigResolver {
	return &PeriodConfigResolver{configs: configs}
}

// FindActiveForDate returns nil, nil when nothing covers the date.
func (r *PeriodConfigResolver) FindActiveForDate(ctx context.Context, date time.Time) (*PeriodConfig, error) {
	cfg, err := r.configs.FindActiveForDate(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("find active period config for %s: %w", date.Format("2006-01-02"), err)
	}
	return cfg, nil
}

// ForPeriod resolves the config active at the period start.
func (r *PeriodConfigResolver) ForPeriod(ctx context.Context, p Period) (*PeriodConfig, error) {
	return r.FindActiveForDate(ctx, p.StartDate)
}

// =============================================================================
// PERIOD CACHE
// =============================================================================

// PeriodCache is the in-process lookup cache owned by one PeriodRegistry.
type PeriodCache struct {
	mu      sync.RWMutex
	periods map[string]Period
}

func NewPeriodCache() *PeriodCache {
	return &PeriodCache{periods: make(map[string]Period)}
}

func (c *PeriodCache) Get(year int, month time.Month) (Period, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.periods[periodKey(year, month)]
	return p, ok
}

func (c *PeriodCache) Set(p Period) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.periods[periodKey(p.Year, p.Month)] = p
}

func (c *PeriodCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.periods = make(map[string]Period)
}

func (c *PeriodCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.periods)
}

// =============================================================================
// PERIOD REGISTRY
// =============================================================================

// ChargeSeeder writes the default per-house charges of a newly created period.
type ChargeSeeder interface {
	SeedPeriod(ctx context.Context, period Period, cfg *PeriodConfig) (int64, error)
}

// PeriodRegistry lazily creates calendar periods.
type PeriodRegistry struct {
	store    Store
	resolver *PeriodConfigResolver
	seeder      ChargeSeeder
	invalidator BulkInvalidator
	cache       *PeriodCache
	log         *zap.Logger
}

// NewPeriodRegistry wires a registry. A nil seeder uses the default ChargeSchedule
// seeding; a nil invalidator leaves snapshots alone when a period is created.
func NewPeriodRegistry(store Store, seeder ChargeSeeder, invalidator BulkInvalidator, opts ...Option) *PeriodRegistry {
	o := buildOptions("period_registry", opts)
	if seeder == nil {
		seeder = NewChargeSchedule(store.Charges())
	}
	return &PeriodRegistry{
		store:       store,
		resolver:    NewPeriodConfigResolver(store.PeriodConfigs()),
		seeder:      seeder,
		invalidator: invalidator,
		cache:       NewPeriodCache(),
		log:         o.logger,
	}
}

func (r *PeriodRegistry) Cache() *PeriodCache { return r.cache }

// ClearCache drops every cached period.
func (r *PeriodRegistry) ClearCache() { r.cache.Clear() }

// EnsurePeriodExists returns the (year, month) period, creating it and seeding its
// charges on first use.
func (r *PeriodRegistry) EnsurePeriodExists(ctx context.Context, year int, month time.Month) (*Period, error) {
	if !validMonth(month) {
		return nil, validationError("ensure_period", "month %d out of range", int(month))
	}
	if p, ok := r.cache.Get(year, month); ok {
		return &p, nil
	}

	existing, err := r.store.Periods().FindByYearAndMonth(ctx, year, month)
	if err != nil {
		return nil, fmt.Errorf("find period %d-%02d: %w", year, month, err)
	}
	if existing != nil {
		r.cache.Set(*existing)
		return existing, nil
	}

	start := StartOfMonth(year, month)
	cfg, err := r.resolver.FindActiveForDate(ctx, start)
	if err != nil {
		return nil, err
	}

	p := Period{
		Year:      year,
		Month:     month,
		StartDate: start,
		EndDate:   EndOfMonth(year, month),
	}
	if cfg != nil {
		p.PeriodConfigID = &cfg.ID
		_, p.WaterActive = cfg.DefaultFor(ConceptWater)
		_, p.ExtraordinaryFeeActive = cfg.DefaultFor(ConceptExtraordinaryFee)
	}

	created, err := r.store.Periods().Create(ctx, p)
	if err != nil {
		if IsConflict(err) {
			// Lost a creation race; the row is there now.
			return r.reload(ctx, year, month)
		}
		return nil, fmt.Errorf("create period %d-%02d: %w", year, month, err)
	}
	r.log.Info("period created",
		zap.Int64("period_id", created.ID), zap.Int("year", year), zap.Int("month", int(month)))

	if n, err := r.seeder.SeedPeriod(ctx, *created, cfg); err != nil {
		r.log.Warn("seeding period charges failed",
			zap.Int64("period_id", created.ID), zap.Error(err))
	} else {
		r.log.Debug("period charges seeded", zap.Int64("period_id", created.ID), zap.Int64("rows", n))
	}

	// A new month adds debt to every house.
	if r.invalidator != nil {
		if err := r.invalidator.InvalidateAll(ctx); err != nil {
			r.log.Warn("invalidating snapshots after period creation failed",
				zap.Int64("period_id", created.ID), zap.Error(err))
		}
	}

	r.cache.Set(*created)
	return created, nil
}

func (r *PeriodRegistry) reload(ctx context.Context, year int, month time.Month) (*Period, error) {
	p, err := r.store.Periods().FindByYearAndMonth(ctx, year, month)
	if err != nil {
		return nil, fmt.Errorf("reload period %d-%02d: %w", year, month, err)
	}
	if p == nil {
		return nil, notFoundError("ensure_period", "period %d-%02d vanished after conflict", year, month)
	}
	r.cache.Set(*p)
	return p, nil
}

// sortPeriods orders ascending by (year, month) in place.
func sortPeriods(periods []Period) {
	sort.SliceStable(periods, func(i, j int) bool { return periods[i].Before(periods[j]) })
}
