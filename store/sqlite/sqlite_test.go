package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/lock"
	"github.com/warp/dues-engine/store/sqlite"
)

var testNow = time.Date(2025, time.March, 15, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func seedConfig(t *testing.T, st *sqlite.Store) dues.PeriodConfig {
	t.Helper()
	cfg, err := st.PeriodConfigs().Create(context.Background(), dues.PeriodConfig{
		DefaultMaintenanceAmount: d("800"),
		DefaultWaterAmount:       decimal.NewNullDecimal(d("50")),
		PaymentDueDay:            10,
		EffectiveFrom:            time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
		IsActive:                 true,
	})
	require.NoError(t, err)
	return *cfg
}

func TestStore_PeriodConfigs(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	until := time.Date(2025, time.June, 30, 0, 0, 0, 0, time.UTC)

	older := seedConfig(t, st)
	newer, err := st.PeriodConfigs().Create(ctx, dues.PeriodConfig{
		DefaultMaintenanceAmount: d("900"),
		LatePaymentPenaltyAmount: decimal.NewNullDecimal(d("75.5")),
		PaymentDueDay:            5,
		EffectiveFrom:            time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC),
		EffectiveUntil:           &until,
		IsActive:                 true,
	})
	require.NoError(t, err)

	t.Run("latest effective config wins", func(t *testing.T) {
		got, err := st.PeriodConfigs().FindActiveForDate(ctx, time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, newer.ID, got.ID)
		assert.True(t, got.LatePaymentPenaltyAmount.Valid)
		assert.True(t, d("75.5").Equal(got.LatePaymentPenaltyAmount.Decimal))
		assert.False(t, got.DefaultWaterAmount.Valid)
		require.NotNil(t, got.EffectiveUntil)
		assert.True(t, until.Equal(*got.EffectiveUntil))
	})

	t.Run("expired config falls back", func(t *testing.T) {
		got, err := st.PeriodConfigs().FindActiveForDate(ctx, time.Date(2025, time.July, 1, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, older.ID, got.ID)
	})

	t.Run("nothing before the first config", func(t *testing.T) {
		got, err := st.PeriodConfigs().FindActiveForDate(ctx, time.Date(2024, time.December, 31, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestStore_UniqueViolationsAreConflicts(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	_, err := st.Periods().Create(ctx, dues.Period{Year: 2025, Month: time.March, StartDate: testNow, EndDate: testNow})
	require.NoError(t, err)
	_, err = st.Periods().Create(ctx, dues.Period{Year: 2025, Month: time.March, StartDate: testNow, EndDate: testNow})
	assert.True(t, dues.IsConflict(err), "got %v", err)

	p := dues.Penalty{HouseID: 1, PeriodID: 1, Amount: d("100"), CreatedAt: testNow}
	_, err = st.Penalties().Create(ctx, p)
	require.NoError(t, err)
	_, err = st.Penalties().Create(ctx, p)
	assert.True(t, dues.IsConflict(err), "got %v", err)
}

func TestStore_WithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	err := st.WithTx(ctx, func(tx dues.Stores) error {
		if _, err := tx.Houses().Save(ctx, dues.House{Number: 1}); err != nil {
			return err
		}
		return dues.ConflictError("test", "forced", nil)
	})
	require.True(t, dues.IsConflict(err))

	h, err := st.Houses().FindByNumber(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestStore_EngineEndToEnd(t *testing.T) {
	// GIVEN: An engine over a migrated SQLite database
	ctx := context.Background()
	st := newTestStore(t)
	seedConfig(t, st)
	engine := dues.NewEngine(st, dues.EngineConfig{Locker: lock.NewLocalLocker()}, dues.WithClock(dues.FixedClock(testNow)))

	house, err := st.Houses().Save(ctx, dues.House{Number: 12, OwnerName: "Rivera"})
	require.NoError(t, err)
	feb, err := engine.Registry.EnsurePeriodExists(ctx, 2025, time.February)
	require.NoError(t, err)
	mar, err := engine.Registry.EnsurePeriodExists(ctx, 2025, time.March)
	require.NoError(t, err)

	charges, err := st.Charges().FindByHouseAndPeriod(ctx, house.ID, mar.ID)
	require.NoError(t, err)
	assert.Len(t, charges, 2, "maintenance and water are seeded")

	// WHEN: A payment covering March plus part of February is allocated
	rec, err := st.Records().Create(ctx, dues.PaymentRecord{
		HouseID: house.ID, Amount: d("1250.50"), TransactionDate: testNow, Confirmed: true,
	})
	require.NoError(t, err)
	res, err := engine.Allocator.AllocatePayment(ctx, dues.AllocatePaymentInput{
		RecordID: rec.ID, HouseID: house.ID, Amount: rec.Amount,
	})
	require.NoError(t, err)

	// THEN: March is covered, the surplus lands in the balance and sweeps into February
	assert.True(t, d("850").Equal(res.TotalDistributed))
	assert.True(t, d("400.50").Equal(res.BalanceApplied))
	require.NotNil(t, res.CreditApplication)
	assert.True(t, d("400").Equal(res.CreditApplication.TotalApplied))

	b, err := st.Balances().GetOrCreate(ctx, house.ID)
	require.NoError(t, err)
	assert.True(t, b.CreditBalance.IsZero())
	assert.True(t, d("0.50").Equal(b.AccumulatedCents))

	allocs, err := st.Allocations().FindByHouseAndPeriod(ctx, house.ID, feb.ID)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.True(t, allocs[0].Origin.IsCreditSweep())
	assert.Equal(t, dues.PaymentPartial, allocs[0].PaymentStatus)

	stored, err := st.Records().FindByID(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.AllocatedAt)

	// AND: The status survives a snapshot round trip
	status, err := engine.Snapshots.GetOrCalculate(ctx, house.ID, house)
	require.NoError(t, err)
	assert.Equal(t, dues.StatusMorosa, status.Status)

	cached, err := engine.Snapshots.GetOrCalculate(ctx, house.ID, house)
	require.NoError(t, err)
	assert.True(t, status.TotalDebt.Equal(cached.TotalDebt))
	assert.Equal(t, status.HouseNumber, cached.HouseNumber)

	// AND: Reprocess rebuilds the same ledger
	rp, err := engine.Backfiller.Reprocess(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rp.MarksCleared)
	assert.Equal(t, 1, rp.Backfill.Processed)

	b, err = st.Balances().GetOrCreate(ctx, house.ID)
	require.NoError(t, err)
	assert.True(t, d("0.50").Equal(b.AccumulatedCents))

	allocs, err = st.Allocations().FindByHouseAndPeriod(ctx, house.ID, feb.ID)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.True(t, d("400").Equal(allocs[0].AllocatedAmount))
}

func TestStore_BatchCharges(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedConfig(t, st)
	engine := dues.NewEngine(st, dues.EngineConfig{}, dues.WithClock(dues.FixedClock(testNow)))

	for n := 1; n <= 3; n++ {
		_, err := st.Houses().Save(ctx, dues.House{Number: n})
		require.NoError(t, err)
	}
	_, err := engine.Registry.EnsurePeriodExists(ctx, 2025, time.March)
	require.NoError(t, err)

	res, err := engine.Admin.BatchUpdatePeriodCharges(ctx, dues.BatchChargeUpdate{
		From:    dues.YearMonth{Year: 2025, Month: time.March},
		To:      dues.YearMonth{Year: 2025, Month: time.March},
		Concept: dues.ConceptExtraordinaryFee,
		Amount:  d("120"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.RowsAffected)

	res, err = engine.Admin.BatchUpdatePeriodCharges(ctx, dues.BatchChargeUpdate{
		From:    dues.YearMonth{Year: 2025, Month: time.March},
		To:      dues.YearMonth{Year: 2025, Month: time.March},
		Concept: dues.ConceptExtraordinaryFee,
		Amount:  d("150"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.RowsAffected, "upsert updates in place")

	res, err = engine.Admin.BatchUpdatePeriodCharges(ctx, dues.BatchChargeUpdate{
		From:    dues.YearMonth{Year: 2025, Month: time.March},
		To:      dues.YearMonth{Year: 2025, Month: time.March},
		Concept: dues.ConceptExtraordinaryFee,
		Remove:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.RowsAffected)
}
