/*
backfill.go - Backfiller, historical replay of confirmed payments

PURPOSE:
  Derives missing allocations from confirmed payment records, and rebuilds
  the whole ledger from scratch when allocation rules change.

BACKFILL:
  1. Find confirmed records without allocations, oldest transaction first
  2. Per record: re-check idempotency, ensure its period, allocate
  3. Continue on error; every record gets a result entry

REPROCESS:
  Wipe all allocations, reset all balances, clear allocation marks (one
  session), backfill everything, invalidate all snapshots.

LOCKING:
  Both operations hold the batch lock for their whole run. A held lock
  fails the call with ErrConflict.

SEE ALSO:
  - allocator.go: PaymentAllocator, invoked per record
  - lock/: BatchLocker implementations
*/
package dues

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BatchLockKey guards Backfill and Reprocess.
const BatchLockKey = "dues:batch"

// BatchLocker serializes batch operations across processes.
// Acquire returns an ErrConflict error when the key is held elsewhere.
type BatchLocker interface {
	Acquire(ctx context.Context, key string) (release func(context.Context) error, err error)
}

// PaymentAllocatorAPI is the allocation entry point the backfill replays through.
type PaymentAllocatorAPI interface {
	AllocatePayment(ctx context.Context, in AllocatePaymentInput) (*AllocatePaymentResult, error)
}

// BulkInvalidator marks every snapshot stale.
type BulkInvalidator interface {
	InvalidateAll(ctx context.Context) error
}

// =============================================================================
// RESULTS
// =============================================================================

type RecordOutcome string

const (
	OutcomeProcessed RecordOutcome = "processed"
	OutcomeSkipped   RecordOutcome = "skipped"
	OutcomeFailed    RecordOutcome = "failed"
)

type RecordResult struct {
	RecordID         int64
	HouseID          int64
	Outcome          RecordOutcome
	Allocations      int
	TotalDistributed decimal.Decimal
	Error            string
}

type BackfillResult struct {
	RunID             string
	TotalRecordsFound int
	Processed         int
	Skipped           int
	Failed            int
	Results           []RecordResult
}

type ReprocessResult struct {
	AllocationsDeleted int64
	BalancesReset      int64
	MarksCleared       int64
	Backfill           *BackfillResult
}

// =============================================================================
// BACKFILLER
// =============================================================================

type Backfiller struct {
	store       Store
	registry    *PeriodRegistry
	allocator   PaymentAllocatorAPI
	invalidator BulkInvalidator
	locker      BatchLocker
	log         *zap.Logger
	clock       Clock
}

// NewBackfiller wires a backfiller. invalidator and locker may be nil.
func NewBackfiller(store Store, registry *PeriodRegistry, allocator PaymentAllocatorAPI, invalidator BulkInvalidator, locker BatchLocker, opts ...Option) *Backfiller {
	o := buildOptions("backfill", opts)
	return &Backfiller{
		store:       store,
		registry:    registry,
		allocator:   allocator,
		invalidator: invalidator,
		locker:      locker,
		log:         o.logger,
		clock:       o.clock,
	}
}

// Backfill allocates every confirmed, unallocated record. houseNumber nil means all houses.
func (b *Backfiller) Backfill(ctx context.Context, houseNumber *int) (*BackfillResult, error) {
	release, err := b.lock(ctx, "backfill")
	if err != nil {
		return nil, err
	}
	defer release()
	return b.backfill(ctx, houseNumber)
}

// Reprocess rebuilds the allocation ledger and every balance from the payment history.
func (b *Backfiller) Reprocess(ctx context.Context) (*ReprocessResult, error) {
	release, err := b.lock(ctx, "reprocess")
	if err != nil {
		return nil, err
	}
	defer release()

	result := &ReprocessResult{}
	err = b.store.WithTx(ctx, func(tx Stores) error {
		var err error
		if result.AllocationsDeleted, err = tx.Allocations().DeleteAll(ctx); err != nil {
			return fmt.Errorf("delete allocations: %w", err)
		}
		if result.BalancesReset, err = tx.Balances().ResetAll(ctx); err != nil {
			return fmt.Errorf("reset balances: %w", err)
		}
		if result.MarksCleared, err = tx.Records().ClearAllocationMarks(ctx); err != nil {
			return fmt.Errorf("clear allocation marks: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.log.Info("ledger wiped",
		zap.Int64("allocations_deleted", result.AllocationsDeleted),
		zap.Int64("balances_reset", result.BalancesReset))

	result.Backfill, err = b.backfill(ctx, nil)
	if err != nil {
		return nil, err
	}

	if b.invalidator != nil {
		if err := b.invalidator.InvalidateAll(ctx); err != nil {
			b.log.Warn("snapshot invalidation failed after reprocess", zap.Error(err))
		}
	}
	return result, nil
}

func (b *Backfiller) backfill(ctx context.Context, houseNumber *int) (*BackfillResult, error) {
	result := &BackfillResult{RunID: uuid.NewString(), Results: []RecordResult{}}
	log := b.log.With(zap.String("run_id", result.RunID))

	var houseID *int64
	if houseNumber != nil {
		house, err := b.store.Houses().FindByNumber(ctx, *houseNumber)
		if err != nil {
			return nil, fmt.Errorf("find house %d: %w", *houseNumber, err)
		}
		if house == nil {
			return nil, notFoundError("backfill", "house number %d", *houseNumber)
		}
		houseID = &house.ID
	}

	// Allocation runs in current-period mode, so the current month must exist.
	now := b.clock.now()
	if _, err := b.registry.EnsurePeriodExists(ctx, now.Year(), now.Month()); err != nil {
		return nil, err
	}

	records, err := b.store.Records().FindUnallocatedConfirmed(ctx, houseID)
	if err != nil {
		return nil, fmt.Errorf("find unallocated records: %w", err)
	}
	result.TotalRecordsFound = len(records)
	log.Info("backfill started", zap.Int("records", len(records)))

	for _, rec := range records {
		rr := b.processRecord(ctx, rec)
		switch rr.Outcome {
		case OutcomeProcessed:
			result.Processed++
		case OutcomeSkipped:
			result.Skipped++
		case OutcomeFailed:
			result.Failed++
			log.Warn("record allocation failed",
				zap.Int64("record_id", rec.ID), zap.Int64("house_id", rec.HouseID), zap.String("error", rr.Error))
		}
		result.Results = append(result.Results, rr)
	}

	log.Info("backfill finished",
		zap.Int("total", result.TotalRecordsFound),
		zap.Int("processed", result.Processed),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed))
	return result, nil
}

func (b *Backfiller) processRecord(ctx context.Context, rec PaymentRecord) RecordResult {
	rr := RecordResult{RecordID: rec.ID, HouseID: rec.HouseID, TotalDistributed: decimal.Zero}
	fail := func(err error) RecordResult {
		rr.Outcome = OutcomeFailed
		rr.Error = err.Error()
		return rr
	}

	// The finder query and this loop are not atomic.
	existing, err := b.store.Allocations().FindByRecordID(ctx, rec.ID)
	if err != nil {
		return fail(err)
	}
	if len(existing) > 0 {
		rr.Outcome = OutcomeSkipped
		return rr
	}

	date := rec.TransactionDate
	if _, err := b.registry.EnsurePeriodExists(ctx, date.Year(), date.Month()); err != nil {
		return fail(err)
	}

	res, err := b.allocator.AllocatePayment(ctx, AllocatePaymentInput{
		RecordID: rec.ID,
		HouseID:  rec.HouseID,
		Amount:   rec.Amount,
	})
	if err != nil {
		return fail(err)
	}
	rr.Outcome = OutcomeProcessed
	rr.Allocations = len(res.Allocations)
	rr.TotalDistributed = res.TotalDistributed
	return rr
}

func (b *Backfiller) lock(ctx context.Context, op string) (func(), error) {
	if b.locker == nil {
		return func() {}, nil
	}
	release, err := b.locker.Acquire(ctx, BatchLockKey)
	if err != nil {
		if IsConflict(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%s: acquire batch lock: %w", op, err)
	}
	return func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			b.log.Warn("batch lock release failed", zap.String("op", op), zap.Error(err))
		}
	}, nil
}
