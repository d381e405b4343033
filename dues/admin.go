package dues

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// ADMINISTRATIVE CHARGE UPDATES
// =============================================================================

// YearMonth addresses one period by calendar position.
type YearMonth struct {
	Year  int
	Month time.Month
}

func (ym YearMonth) before(o YearMonth) bool {
	if ym.Year != o.Year {
		return ym.Year < o.Year
	}
	return ym.Month < o.Month
}

func (ym YearMonth) String() string { return fmt.Sprintf("%d-%02d", ym.Year, int(ym.Month)) }

type BatchChargeUpdate struct {
	From    YearMonth
	To      YearMonth
	Concept ConceptType
	Amount  decimal.Decimal
	Remove  bool // delete the concept rows instead of writing Amount
}

type BatchChargeResult struct {
	PeriodsAffected int
	RowsAffected    int64
}

type PeriodConceptsUpdate struct {
	PeriodID               int64
	WaterActive            *bool
	ExtraordinaryFeeActive *bool
}

// ChargeAdmin applies administrative changes to expected amounts.
// Every successful change invalidates all snapshots (best effort).
type ChargeAdmin struct {
	store       Store
	invalidator BulkInvalidator
	log         *zap.Logger
}

func NewChargeAdmin(store Store, invalidator BulkInvalidator, opts ...Option) *ChargeAdmin {
	o := buildOptions("charge_admin", opts)
	return &ChargeAdmin{store: store, invalidator: invalidator, log: o.logger}
}

// BatchUpdatePeriodCharges writes (or removes) one concept for every house in
// every existing period of [From, To].
func (a *ChargeAdmin) BatchUpdatePeriodCharges(ctx context.Context, u BatchChargeUpdate) (*BatchChargeResult, error) {
	const op = "batch_update_period_charges"
	if !validMonth(u.From.Month) || !validMonth(u.To.Month) {
		return nil, validationError(op, "month out of range in %s..%s", u.From, u.To)
	}
	if u.To.before(u.From) {
		return nil, validationError(op, "range end %s precedes start %s", u.To, u.From)
	}
	if !u.Concept.Valid() {
		return nil, validationError(op, "unknown concept %q", u.Concept)
	}
	if !u.Remove && u.Amount.IsNegative() {
		return nil, validationError(op, "amount must be >= 0, got %s", u.Amount)
	}

	result := &BatchChargeResult{}
	err := a.store.WithTx(ctx, func(tx Stores) error {
		periods, err := tx.Periods().FindAll(ctx)
		if err != nil {
			return fmt.Errorf("load periods: %w", err)
		}
		var ids []int64
		for _, p := range periods {
			ym := YearMonth{p.Year, p.Month}
			if ym.before(u.From) || u.To.before(ym) {
				continue
			}
			ids = append(ids, p.ID)
		}
		result.PeriodsAffected = len(ids)
		if len(ids) == 0 {
			return nil
		}
		if u.Remove {
			result.RowsAffected, err = tx.Charges().DeleteByPeriodsAndConcept(ctx, ids, u.Concept)
		} else {
			result.RowsAffected, err = tx.Charges().UpsertBatchForPeriods(ctx, ids, u.Concept, Round2(u.Amount), SourceBatchUpdate)
		}
		if err != nil {
			return fmt.Errorf("write %s charges: %w", u.Concept, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.log.Info("period charges updated",
		zap.String("from", u.From.String()), zap.String("to", u.To.String()),
		zap.String("concept", string(u.Concept)), zap.Bool("remove", u.Remove),
		zap.Int("periods", result.PeriodsAffected), zap.Int64("rows", result.RowsAffected))
	a.invalidateAll(ctx)
	return result, nil
}

// UpdatePeriodConcepts switches water or extraordinary fee on or off for a period.
func (a *ChargeAdmin) UpdatePeriodConcepts(ctx context.Context, u PeriodConceptsUpdate) (*Period, error) {
	const op = "update_period_concepts"
	if u.WaterActive == nil && u.ExtraordinaryFeeActive == nil {
		return nil, validationError(op, "at least one concept flag is required")
	}
	if u.PeriodID <= 0 {
		return nil, validationError(op, "period id is required")
	}

	var updated *Period
	err := a.store.WithTx(ctx, func(tx Stores) error {
		p, err := tx.Periods().FindByID(ctx, u.PeriodID)
		if err != nil {
			return fmt.Errorf("find period %d: %w", u.PeriodID, err)
		}
		if p == nil {
			return notFoundError(op, "period %d", u.PeriodID)
		}
		cfg, err := tx.PeriodConfigs().FindActiveForDate(ctx, p.StartDate)
		if err != nil {
			return fmt.Errorf("find config for period %d: %w", p.ID, err)
		}

		next := *p
		if u.WaterActive != nil {
			next.WaterActive = *u.WaterActive
		}
		if u.ExtraordinaryFeeActive != nil {
			next.ExtraordinaryFeeActive = *u.ExtraordinaryFeeActive
		}
		if err := tx.Periods().UpdateFlags(ctx, p.ID, next.WaterActive, next.ExtraordinaryFeeActive); err != nil {
			return fmt.Errorf("update period %d flags: %w", p.ID, err)
		}

		for _, c := range []ConceptType{ConceptWater, ConceptExtraordinaryFee} {
			was, now := p.ConceptActive(c), next.ConceptActive(c)
			if was == now {
				continue
			}
			if !now {
				if _, err := tx.Charges().DeleteByPeriodsAndConcept(ctx, []int64{p.ID}, c); err != nil {
					return fmt.Errorf("delete %s charges: %w", c, err)
				}
				continue
			}
			if cfg == nil {
				continue
			}
			if def, ok := cfg.DefaultFor(c); ok {
				if _, err := tx.Charges().UpsertBatchForPeriods(ctx, []int64{p.ID}, c, def, SourcePeriodConfig); err != nil {
					return fmt.Errorf("seed %s charges: %w", c, err)
				}
			}
		}
		updated = &next
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.log.Info("period concepts updated",
		zap.Int64("period_id", updated.ID),
		zap.Bool("water_active", updated.WaterActive),
		zap.Bool("extraordinary_fee_active", updated.ExtraordinaryFeeActive))
	a.invalidateAll(ctx)
	return updated, nil
}

func (a *ChargeAdmin) invalidateAll(ctx context.Context) {
	if a.invalidator == nil {
		return
	}
	if err := a.invalidator.InvalidateAll(ctx); err != nil {
		a.log.Warn("snapshot invalidation failed", zap.Error(err))
	}
}
