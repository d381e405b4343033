package dues

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CHARGE SCHEDULE - Expected amounts per (house, period, concept)
// =============================================================================

// OverrideResolver returns the per-house amount for a concept, or defaultAmount
// when the house has no charge row for it.
type OverrideResolver interface {
	GetApplicableAmount(ctx context.Context, houseID, periodID int64, concept ConceptType, defaultAmount decimal.Decimal) (decimal.Decimal, error)
}

// ResolvedCharge is one concept a house owes in a period.
type ResolvedCharge struct {
	Concept  ConceptType
	Expected decimal.Decimal
	ChargeID int64 // zero when the amount came from the config default
}

// ChargeSchedule resolves expected amounts. HousePeriodCharge rows win; the
// PeriodConfig default fills in concepts without a row.
type ChargeSchedule struct {
	charges HousePeriodChargeStore
}

func NewChargeSchedule(charges HousePeriodChargeStore) *ChargeSchedule {
	return &ChargeSchedule{charges: charges}
}

func (s *ChargeSchedule) GetApplicableAmount(ctx context.Context, houseID, periodID int64, concept ConceptType, defaultAmount decimal.Decimal) (decimal.Decimal, error) {
	rows, err := s.charges.FindByHouseAndPeriod(ctx, houseID, periodID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("load charges for house %d period %d: %w", houseID, periodID, err)
	}
	for _, r := range rows {
		if r.ConceptType == concept {
			return r.ExpectedAmount, nil
		}
	}
	return defaultAmount, nil
}

// ConceptsFor lists the concepts owed in priority order. A concept is owed when
// the house has a row for it, or when cfg specifies a default and the period has
// the concept active. Non-positive amounts are dropped.
func (s *ChargeSchedule) ConceptsFor(ctx context.Context, houseID int64, period Period, cfg *PeriodConfig) ([]ResolvedCharge, error) {
	rows, err := s.charges.FindByHouseAndPeriod(ctx, houseID, period.ID)
	if err != nil {
		return nil, fmt.Errorf("load charges for house %d period %d: %w", houseID, period.ID, err)
	}
	byConcept := make(map[ConceptType]HousePeriodCharge, len(rows))
	for _, r := range rows {
		byConcept[r.ConceptType] = r
	}

	var out []ResolvedCharge
	for _, c := range ConceptPriority {
		rc := ResolvedCharge{Concept: c}
		if row, ok := byConcept[c]; ok {
			rc.Expected, rc.ChargeID = row.ExpectedAmount, row.ID
		} else if cfg != nil {
			def, specified := cfg.DefaultFor(c)
			if !specified || !period.ConceptActive(c) {
				continue
			}
			rc.Expected = def
		} else {
			continue
		}
		if !rc.Expected.IsPositive() {
			continue
		}
		out = append(out, rc)
	}
	return out, nil
}

// SeedPeriod writes the config defaults of every active concept for every house.
func (s *ChargeSchedule) SeedPeriod(ctx context.Context, period Period, cfg *PeriodConfig) (int64, error) {
	if cfg == nil {
		return 0, nil
	}
	var total int64
	for _, c := range ConceptPriority {
		def, specified := cfg.DefaultFor(c)
		if !specified || !period.ConceptActive(c) {
			continue
		}
		n, err := s.charges.UpsertBatchForPeriods(ctx, []int64{period.ID}, c, def, SourcePeriodConfig)
		if err != nil {
			return total, fmt.Errorf("seed %s for period %d: %w", c, period.ID, err)
		}
		total += n
	}
	return total, nil
}

// =============================================================================
// PAID AMOUNTS
// =============================================================================

// paidByConcept sums allocations per concept.
func paidByConcept(allocs []RecordAllocation) map[ConceptType]decimal.Decimal {
	paid := make(map[ConceptType]decimal.Decimal)
	for _, a := range allocs {
		paid[a.ConceptType] = paid[a.ConceptType].Add(a.AllocatedAmount)
	}
	return paid
}
