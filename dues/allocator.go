/*
allocator.go - PaymentAllocator, the primary entry point

PURPOSE:
  Distributes one incoming payment across the concepts a house owes in a
  period and moves any surplus into the house balance.

ALGORITHM (greedy, priority ordered, single pass):
  0. Load the record; unknown ones are NotFound, allocated ones a Conflict
  1. Resolve the period (explicit id, or the current month)
  2. List owed concepts: MAINTENANCE, WATER, EXTRAORDINARY_FEE
  3. For each concept: allocated = min(remaining, pending); stop at zero
  4. Surplus: reduce debit, accumulate cents, add the rest to credit
  5. Credit > 0: cascade into CreditApplicator (best effort)

TRANSACTION BOUNDARY:
  Steps 1-4 run in one WithTx session. The cascade runs after commit in its
  own session; its failure is logged and never undoes the payment.

SEE ALSO:
  - credit.go: CreditApplicator
  - schedule.go: Concept and expected amount resolution
*/
package dues

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// INPUT / OUTPUT
// =============================================================================

type AllocatePaymentInput struct {
	RecordID int64
	HouseID  int64
	Amount   decimal.Decimal
	PeriodID *int64 // nil: current month
}

type AllocatePaymentResult struct {
	RecordID         int64
	HouseID          int64
	PeriodID         int64
	TotalDistributed decimal.Decimal // assigned to concepts
	Allocations      []RecordAllocation
	BalanceApplied   decimal.Decimal // surplus moved into the house balance
	RemainingAmount  decimal.Decimal // left unapplied
	BalanceAfter     HouseBalance
	// CreditApplication is set when the cascade ran and succeeded.
	CreditApplication *CreditApplicationResult
}

// CreditSweeper is the cascade target. CreditApplicator implements it.
type CreditSweeper interface {
	ApplyCredit(ctx context.Context, houseID int64) (*CreditApplicationResult, error)
}

// Invalidator receives explicit "house changed" signals. SnapshotCache implements it.
type Invalidator interface {
	InvalidateByHouseID(ctx context.Context, houseID int64) error
}

// =============================================================================
// PAYMENT ALLOCATOR
// =============================================================================

type PaymentAllocator struct {
	store       Store
	sweeper     CreditSweeper
	invalidator Invalidator
	log         *zap.Logger
	clock       Clock
}

// NewPaymentAllocator wires an allocator. sweeper and invalidator may be nil.
func NewPaymentAllocator(store Store, sweeper CreditSweeper, invalidator Invalidator, opts ...Option) *PaymentAllocator {
	o := buildOptions("payment_allocator", opts)
	return &PaymentAllocator{
		store:       store,
		sweeper:     sweeper,
		invalidator: invalidator,
		log:         o.logger,
		clock:       o.clock,
	}
}

// AllocatePayment distributes in.Amount for in.HouseID.
func (a *PaymentAllocator) AllocatePayment(ctx context.Context, in AllocatePaymentInput) (*AllocatePaymentResult, error) {
	const op = "allocate_payment"
	if !in.Amount.IsPositive() {
		return nil, validationError(op, "amount must be positive, got %s", in.Amount)
	}
	if in.HouseID <= 0 {
		return nil, validationError(op, "house id is required")
	}
	if in.RecordID <= 0 {
		return nil, validationError(op, "record id is required")
	}

	now := a.clock.now()
	result := &AllocatePaymentResult{RecordID: in.RecordID, HouseID: in.HouseID}

	err := a.store.WithTx(ctx, func(tx Stores) error {
		if err := checkRecordOpen(ctx, tx, in); err != nil {
			return err
		}

		period, err := a.resolvePeriod(ctx, tx, in.PeriodID)
		if err != nil {
			return err
		}
		result.PeriodID = period.ID

		cfg, err := tx.PeriodConfigs().FindActiveForDate(ctx, now)
		if err != nil {
			return fmt.Errorf("find active period config: %w", err)
		}
		if cfg == nil {
			return notFoundError(op, "no active period config for %s", now.Format("2006-01-02"))
		}

		concepts, err := NewChargeSchedule(tx.Charges()).ConceptsFor(ctx, in.HouseID, *period, cfg)
		if err != nil {
			return err
		}
		existing, err := tx.Allocations().FindByHouseAndPeriod(ctx, in.HouseID, period.ID)
		if err != nil {
			return fmt.Errorf("load allocations: %w", err)
		}

		draft, remaining := distribute(in.Amount, concepts, paidByConcept(existing))
		for _, d := range draft {
			d.Origin = PaymentOrigin(in.RecordID)
			d.HouseID = in.HouseID
			d.PeriodID = period.ID
			d.CreatedAt = now
			created, err := tx.Allocations().Create(ctx, d)
			if err != nil {
				return fmt.Errorf("create allocation for %s: %w", d.ConceptType, err)
			}
			result.Allocations = append(result.Allocations, *created)
		}
		result.TotalDistributed = in.Amount.Sub(remaining)

		balance, err := tx.Balances().GetOrCreate(ctx, in.HouseID)
		if err != nil {
			return fmt.Errorf("load house balance: %w", err)
		}
		if remaining.IsPositive() {
			next := ApplyRemainder(*balance, remaining)
			balance, err = tx.Balances().Update(ctx, in.HouseID, BalanceUpdate{
				AccumulatedCents: decPtr(next.AccumulatedCents),
				CreditBalance:    decPtr(next.CreditBalance),
				DebitBalance:     decPtr(next.DebitBalance),
			})
			if err != nil {
				return fmt.Errorf("update house balance: %w", err)
			}
			result.BalanceApplied = remaining
		}
		result.BalanceAfter = *balance
		result.RemainingAmount = in.Amount.Sub(result.TotalDistributed).Sub(result.BalanceApplied)

		if err := tx.Records().MarkAllocated(ctx, in.RecordID, now); err != nil {
			return fmt.Errorf("mark record %d allocated: %w", in.RecordID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.log.Info("payment allocated",
		zap.Int64("record_id", in.RecordID),
		zap.Int64("house_id", in.HouseID),
		zap.Int64("period_id", result.PeriodID),
		zap.String("amount", in.Amount.String()),
		zap.String("distributed", result.TotalDistributed.String()),
		zap.String("to_balance", result.BalanceApplied.String()),
		zap.Int("allocations", len(result.Allocations)))

	a.invalidate(ctx, in.HouseID)
	if result.BalanceAfter.CreditBalance.IsPositive() {
		result.CreditApplication = a.cascadeCredit(ctx, in.HouseID)
	}
	return result, nil
}

// checkRecordOpen requires an existing, unallocated record of in.HouseID.
func checkRecordOpen(ctx context.Context, tx Stores, in AllocatePaymentInput) error {
	const op = "allocate_payment"
	rec, err := tx.Records().FindByID(ctx, in.RecordID)
	if err != nil {
		return fmt.Errorf("find payment record %d: %w", in.RecordID, err)
	}
	if rec == nil {
		return notFoundError(op, "payment record %d", in.RecordID)
	}
	if rec.HouseID != in.HouseID {
		return validationError(op, "payment record %d belongs to house %d, not %d", rec.ID, rec.HouseID, in.HouseID)
	}
	if rec.AllocatedAt != nil {
		return ConflictError(op, fmt.Sprintf("payment record %d already allocated", rec.ID), nil)
	}
	allocs, err := tx.Allocations().FindByRecordID(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("load allocations of record %d: %w", rec.ID, err)
	}
	if len(allocs) > 0 {
		return ConflictError(op, fmt.Sprintf("payment record %d already has %d allocations", rec.ID, len(allocs)), nil)
	}
	return nil
}

func (a *PaymentAllocator) resolvePeriod(ctx context.Context, tx Stores, periodID *int64) (*Period, error) {
	if periodID != nil {
		p, err := tx.Periods().FindByID(ctx, *periodID)
		if err != nil {
			return nil, fmt.Errorf("find period %d: %w", *periodID, err)
		}
		if p == nil {
			return nil, notFoundError("allocate_payment", "period %d", *periodID)
		}
		return p, nil
	}
	now := a.clock.now()
	p, err := tx.Periods().FindByYearAndMonth(ctx, now.Year(), now.Month())
	if err != nil {
		return nil, fmt.Errorf("find current period: %w", err)
	}
	if p == nil {
		return nil, notFoundError("allocate_payment", "no period for %d-%02d", now.Year(), now.Month())
	}
	return p, nil
}

// cascadeCredit fires the credit sweep, awaits it, and logs and discards any error.
// It never fails the payment that triggered it.
func (a *PaymentAllocator) cascadeCredit(ctx context.Context, houseID int64) *CreditApplicationResult {
	if a.sweeper == nil {
		return nil
	}
	res, err := a.sweeper.ApplyCredit(ctx, houseID)
	if err != nil {
		a.log.Warn("credit cascade failed, payment allocation kept",
			zap.Int64("house_id", houseID), zap.Error(err))
		return nil
	}
	return res
}

func (a *PaymentAllocator) invalidate(ctx context.Context, houseID int64) {
	if a.invalidator == nil {
		return
	}
	if err := a.invalidator.InvalidateByHouseID(ctx, houseID); err != nil {
		a.log.Warn("snapshot invalidation failed", zap.Int64("house_id", houseID), zap.Error(err))
	}
}

// =============================================================================
// DISTRIBUTION
// =============================================================================

// distribute walks concepts in order, allocating min(remaining, pending) to each.
// It returns draft allocations (no ids/origin) and the amount left over.
func distribute(amount decimal.Decimal, concepts []ResolvedCharge, paid map[ConceptType]decimal.Decimal) ([]RecordAllocation, decimal.Decimal) {
	remaining := amount
	var out []RecordAllocation
	for _, c := range concepts {
		if !remaining.IsPositive() {
			break
		}
		already := paid[c.Concept]
		pending := Round2(nonNegative(c.Expected.Sub(already)))
		if !pending.IsPositive() {
			continue
		}
		allocated := decimal.Min(remaining, pending)
		status := PaymentPartial
		if reaches(already.Add(allocated), c.Expected) {
			status = PaymentComplete
		}
		out = append(out, RecordAllocation{
			ConceptType:     c.Concept,
			ConceptID:       c.ChargeID,
			AllocatedAmount: allocated,
			ExpectedAmount:  c.Expected,
			PaymentStatus:   status,
		})
		remaining = remaining.Sub(allocated)
	}
	return out, remaining
}

// ApplyRemainder folds a surplus into the balance: debit first, then the
// fractional part into AccumulatedCents (whole units overflow into credit), then
// the integer part straight into credit. Fields are rounded to cents.
func ApplyRemainder(b HouseBalance, amount decimal.Decimal) HouseBalance {
	remaining := amount
	if b.DebitBalance.IsPositive() && remaining.IsPositive() {
		paid := decimal.Min(remaining, b.DebitBalance)
		b.DebitBalance = b.DebitBalance.Sub(paid)
		remaining = remaining.Sub(paid)
	}

	whole := remaining.Floor()
	fraction := remaining.Sub(whole)

	cents := b.AccumulatedCents.Add(fraction)
	credit := b.CreditBalance
	if cents.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		overflow := cents.Floor()
		credit = credit.Add(overflow)
		cents = cents.Sub(overflow)
	}
	credit = credit.Add(whole)

	cents = Round2(cents)
	if cents.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		credit = credit.Add(decimal.NewFromInt(1))
		cents = cents.Sub(decimal.NewFromInt(1))
	}

	b.AccumulatedCents = nonNegative(cents)
	b.CreditBalance = nonNegative(Round2(credit))
	b.DebitBalance = nonNegative(Round2(b.DebitBalance))
	return b
}
