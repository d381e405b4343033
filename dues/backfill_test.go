package dues_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/lock"
)

func TestBackfill(t *testing.T) {
	// GIVEN: Three confirmed records and one unconfirmed
	f := newFixture(t, march15, dues.EngineConfig{Locker: lock.NewLocalLocker()})
	f.config("800", "50", "")
	a, b := f.house(1), f.house(2)
	f.record(a.ID, "850", march15.AddDate(0, 0, -3), true)
	f.record(a.ID, "100", march15.AddDate(0, 0, -1), true)
	f.record(b.ID, "400", march15.AddDate(0, 0, -2), true)
	f.record(b.ID, "999", march15, false)

	// WHEN: Backfill runs over every house
	first, err := f.engine.Backfiller.Backfill(f.ctx, nil)
	require.NoError(t, err)

	// THEN: Every confirmed record is processed oldest first
	assert.NotEmpty(t, first.RunID)
	assert.Equal(t, 3, first.TotalRecordsFound)
	assert.Equal(t, 3, first.Processed)
	assert.Zero(t, first.Failed)
	require.Len(t, first.Results, 3)
	assert.Equal(t, a.ID, first.Results[0].HouseID)
	assert.Equal(t, b.ID, first.Results[1].HouseID)
	decEqual(t, "850", first.Results[0].TotalDistributed)
	assert.True(t, first.Results[2].TotalDistributed.IsZero(), "second payment of house 1 only feeds the balance")
	decEqual(t, "100", f.balance(a.ID).CreditBalance)

	// AND: A second run finds nothing to do
	second, err := f.engine.Backfiller.Backfill(f.ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, second.TotalRecordsFound)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestBackfill_HouseFilter(t *testing.T) {
	f := newFixture(t, march15, dues.EngineConfig{})
	f.config("800", "", "")
	a, b := f.house(1), f.house(2)
	f.record(a.ID, "800", march15, true)
	f.record(b.ID, "800", march15, true)

	t.Run("only the named house", func(t *testing.T) {
		n := 2
		res, err := f.engine.Backfiller.Backfill(f.ctx, &n)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Processed)
		assert.Equal(t, b.ID, res.Results[0].HouseID)
	})

	t.Run("unknown house number", func(t *testing.T) {
		n := 77
		_, err := f.engine.Backfiller.Backfill(f.ctx, &n)
		assert.True(t, dues.IsNotFound(err))
	})
}

func TestBackfill_FailuresDoNotStopTheRun(t *testing.T) {
	// GIVEN: No config, so every allocation fails
	f := newFixture(t, march15, dues.EngineConfig{})
	h := f.house(1)
	f.record(h.ID, "800", march15, true)
	f.record(h.ID, "800", march15, true)

	res, err := f.engine.Backfiller.Backfill(f.ctx, nil)

	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)
	assert.Zero(t, res.Processed)
	assert.NotEmpty(t, res.Results[0].Error)
}

type conflictLocker struct{}

func (conflictLocker) Acquire(context.Context, string) (func(context.Context) error, error) {
	return nil, dues.ConflictError("acquire", "held", nil)
}

type brokenLocker struct{}

func (brokenLocker) Acquire(context.Context, string) (func(context.Context) error, error) {
	return nil, errors.New("redis: connection refused")
}

func TestBackfill_Lock(t *testing.T) {
	f := newFixture(t, march15, dues.EngineConfig{})

	t.Run("held lock is a conflict", func(t *testing.T) {
		bf := dues.NewBackfiller(f.mem, f.engine.Registry, f.engine.Allocator, nil, conflictLocker{})
		_, err := bf.Backfill(f.ctx, nil)
		assert.True(t, dues.IsConflict(err))

		_, err = bf.Reprocess(f.ctx)
		assert.True(t, dues.IsConflict(err))
	})

	t.Run("locker failure is not a conflict", func(t *testing.T) {
		bf := dues.NewBackfiller(f.mem, f.engine.Registry, f.engine.Allocator, nil, brokenLocker{})
		_, err := bf.Backfill(f.ctx, nil)
		require.Error(t, err)
		assert.False(t, dues.IsConflict(err))
	})

	t.Run("lock is released after the run", func(t *testing.T) {
		locker := lock.NewLocalLocker()
		bf := dues.NewBackfiller(f.mem, f.engine.Registry, f.engine.Allocator, nil, locker)
		_, err := bf.Backfill(f.ctx, nil)
		require.NoError(t, err)

		release, err := locker.Acquire(f.ctx, dues.BatchLockKey)
		require.NoError(t, err)
		require.NoError(t, release(f.ctx))
	})
}

// ledger is the comparable derived state of one house.
type ledger struct {
	credit, cents, debit string
	paid                 map[dues.ConceptType]string
}

func snapshotLedger(f *fixture, houseID int64, periods []dues.Period) ledger {
	b := f.balance(houseID)
	l := ledger{
		credit: b.CreditBalance.String(),
		cents:  b.AccumulatedCents.String(),
		debit:  b.DebitBalance.String(),
		paid:   map[dues.ConceptType]string{},
	}
	totals := map[dues.ConceptType]decimal.Decimal{}
	for _, p := range periods {
		for c, v := range f.paid(houseID, p.ID) {
			totals[c] = totals[c].Add(v)
		}
	}
	for c, v := range totals {
		l.paid[c] = v.String()
	}
	return l
}

func TestReprocess_MatchesAFreshReplay(t *testing.T) {
	// GIVEN: Two unpaid months and payments allocated through the live path
	f := newFixture(t, march15, dues.EngineConfig{})
	f.config("800", "50", "")
	h := f.house(1)
	feb := f.period(2025, 2)
	mar := f.period(2025, 3)
	periods := []dues.Period{feb, mar}

	f.allocate(f.record(h.ID, "1200.30", march15.AddDate(0, 0, -5), true))
	f.allocate(f.record(h.ID, "600.90", march15.AddDate(0, 0, -1), true))
	before := snapshotLedger(f, h.ID, periods)

	// WHEN: The whole ledger is rebuilt
	res, err := f.engine.Backfiller.Reprocess(f.ctx)
	require.NoError(t, err)

	// THEN: It reports what it wiped and replays both records
	assert.Positive(t, res.AllocationsDeleted)
	assert.Equal(t, int64(1), res.BalancesReset)
	assert.Equal(t, int64(2), res.MarksCleared)
	require.NotNil(t, res.Backfill)
	assert.Equal(t, 2, res.Backfill.Processed)

	// AND: The derived state equals the original
	assert.Equal(t, before, snapshotLedger(f, h.ID, periods))
}

func TestReprocess_Idempotent(t *testing.T) {
	f := newFixture(t, march15, dues.EngineConfig{})
	f.config("800", "", "")
	h := f.house(1)
	f.period(2025, 3)
	f.record(h.ID, "1000", march15, true)

	_, err := f.engine.Backfiller.Reprocess(f.ctx)
	require.NoError(t, err)
	first := f.balance(h.ID)

	f.now = f.now.Add(time.Minute)
	_, err = f.engine.Backfiller.Reprocess(f.ctx)
	require.NoError(t, err)
	second := f.balance(h.ID)

	assert.True(t, first.CreditBalance.Equal(second.CreditBalance))
	decEqual(t, "200", second.CreditBalance)
}
