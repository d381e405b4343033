/*
credit.go - CreditApplicator, retroactive credit sweep

PURPOSE:
  Spends a house's positive credit balance on outstanding MAINTENANCE
  charges, oldest period first, across the whole history of the house.

RULES:
  - Sweeps cover MAINTENANCE only; water and extraordinary fees are left to
    payments
  - Each covered period gets one credit-sweep allocation (Origin credit_sweep)
  - COMPLETE when the applied amount closes the pending amount, else PARTIAL
  - credit_after <= credit_before, always

TRANSACTION:
  All allocation inserts and the final credit update share one session.
  Errors roll back and propagate; only the allocator cascade swallows them.

SEE ALSO:
  - allocator.go: Triggers the sweep after a payment leaves credit
*/
package dues

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type CreditApplicationResult struct {
	HouseID                 int64
	CreditBefore            decimal.Decimal
	CreditAfter             decimal.Decimal
	TotalApplied            decimal.Decimal
	AllocationsCreated      []RecordAllocation
	PeriodsCovered          int
	PeriodsPartiallyCovered int
}

type CreditApplicator struct {
	store       Store
	invalidator Invalidator
	log         *zap.Logger
	clock       Clock
}

// NewCreditApplicator wires an applicator. invalidator may be nil.
func NewCreditApplicator(store Store, invalidator Invalidator, opts ...Option) *CreditApplicator {
	o := buildOptions("credit_applicator", opts)
	return &CreditApplicator{store: store, invalidator: invalidator, log: o.logger, clock: o.clock}
}

// ApplyCredit sweeps the house credit across unpaid maintenance, oldest first.
func (c *CreditApplicator) ApplyCredit(ctx context.Context, houseID int64) (*CreditApplicationResult, error) {
	if houseID <= 0 {
		return nil, validationError("apply_credit", "house id is required")
	}

	balance, err := c.store.Balances().GetOrCreate(ctx, houseID)
	if err != nil {
		return nil, fmt.Errorf("load house balance: %w", err)
	}
	if !balance.CreditBalance.IsPositive() {
		return &CreditApplicationResult{
			HouseID:      houseID,
			CreditBefore: balance.CreditBalance,
			CreditAfter:  balance.CreditBalance,
			TotalApplied: decimal.Zero,
		}, nil
	}

	now := c.clock.now()
	var result *CreditApplicationResult
	err = c.store.WithTx(ctx, func(tx Stores) error {
		// Re-read inside the session; the fast path above was not isolated.
		current, err := tx.Balances().GetOrCreate(ctx, houseID)
		if err != nil {
			return fmt.Errorf("load house balance: %w", err)
		}
		result = &CreditApplicationResult{
			HouseID:      houseID,
			CreditBefore: current.CreditBalance,
			TotalApplied: decimal.Zero,
		}

		periods, err := tx.Periods().FindAll(ctx)
		if err != nil {
			return fmt.Errorf("load periods: %w", err)
		}
		sortPeriods(periods)

		schedule := NewChargeSchedule(tx.Charges())
		remaining := current.CreditBalance
		for _, p := range periods {
			if !remaining.IsPositive() {
				break
			}
			cfg, err := tx.PeriodConfigs().FindActiveForDate(ctx, p.StartDate)
			if err != nil {
				return fmt.Errorf("find config for period %d: %w", p.ID, err)
			}
			if cfg == nil {
				continue
			}
			expected, err := schedule.GetApplicableAmount(ctx, houseID, p.ID, ConceptMaintenance, cfg.DefaultMaintenanceAmount)
			if err != nil {
				return err
			}
			allocs, err := tx.Allocations().FindByHouseAndPeriod(ctx, houseID, p.ID)
			if err != nil {
				return fmt.Errorf("load allocations for period %d: %w", p.ID, err)
			}
			paid := paidByConcept(allocs)[ConceptMaintenance]
			pending := Round2(nonNegative(expected.Sub(paid)))
			if !pending.IsPositive() {
				continue
			}

			applied := decimal.Min(remaining, pending)
			status := PaymentPartial
			if reaches(applied, pending) {
				status = PaymentComplete
			}
			created, err := tx.Allocations().Create(ctx, RecordAllocation{
				Origin:          CreditSweepOrigin(),
				HouseID:         houseID,
				PeriodID:        p.ID,
				ConceptType:     ConceptMaintenance,
				AllocatedAmount: applied,
				ExpectedAmount:  expected,
				PaymentStatus:   status,
				CreatedAt:       now,
			})
			if err != nil {
				return fmt.Errorf("create credit allocation for period %d: %w", p.ID, err)
			}
			result.AllocationsCreated = append(result.AllocationsCreated, *created)
			if status == PaymentComplete {
				result.PeriodsCovered++
			} else {
				result.PeriodsPartiallyCovered++
			}
			result.TotalApplied = result.TotalApplied.Add(applied)
			remaining = Round2(remaining.Sub(applied))
		}

		remaining = nonNegative(remaining)
		if _, err := tx.Balances().Update(ctx, houseID, BalanceUpdate{CreditBalance: &remaining}); err != nil {
			return fmt.Errorf("update credit balance: %w", err)
		}
		result.CreditAfter = remaining
		result.TotalApplied = Round2(result.TotalApplied)
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.log.Info("credit applied",
		zap.Int64("house_id", houseID),
		zap.String("credit_before", result.CreditBefore.String()),
		zap.String("credit_after", result.CreditAfter.String()),
		zap.Int("periods_covered", result.PeriodsCovered),
		zap.Int("periods_partial", result.PeriodsPartiallyCovered))

	if c.invalidator != nil && len(result.AllocationsCreated) > 0 {
		if err := c.invalidator.InvalidateByHouseID(ctx, houseID); err != nil {
			c.log.Warn("snapshot invalidation failed", zap.Int64("house_id", houseID), zap.Error(err))
		}
	}
	return result, nil
}
