package dues_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/dues/store"
)

// March 15th: past the default due day of the current month.
var march15 = time.Date(2025, time.March, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	t      *testing.T
	ctx    context.Context
	mem    *store.Memory
	engine *dues.Engine
	now    time.Time
}

// newFixture wires an engine over a memory store whose clock reads f.now.
func newFixture(t *testing.T, now time.Time, cfg dues.EngineConfig) *fixture {
	t.Helper()
	f := &fixture{t: t, ctx: context.Background(), mem: store.NewMemory(), now: now}
	f.engine = dues.NewEngine(f.mem, cfg, dues.WithClock(f.clock))
	return f
}

func (f *fixture) clock() time.Time { return f.now }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func nullDec(s string) decimal.NullDecimal {
	if s == "" {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(dec(s))
}

// config stores an active config effective from Jan 1st 2025.
func (f *fixture) config(maintenance, water, extraordinary string) dues.PeriodConfig {
	f.t.Helper()
	cfg, err := f.mem.PeriodConfigs().Create(f.ctx, dues.PeriodConfig{
		DefaultMaintenanceAmount:      dec(maintenance),
		DefaultWaterAmount:            nullDec(water),
		DefaultExtraordinaryFeeAmount: nullDec(extraordinary),
		PaymentDueDay:                 10,
		EffectiveFrom:                 time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
		IsActive:                      true,
	})
	require.NoError(f.t, err)
	return *cfg
}

func (f *fixture) house(number int) dues.House {
	f.t.Helper()
	h, err := f.mem.Houses().Save(f.ctx, dues.House{Number: number, OwnerName: "Owner"})
	require.NoError(f.t, err)
	return *h
}

func (f *fixture) period(year int, month time.Month) dues.Period {
	f.t.Helper()
	p, err := f.engine.Registry.EnsurePeriodExists(f.ctx, year, month)
	require.NoError(f.t, err)
	return *p
}

func (f *fixture) record(houseID int64, amount string, date time.Time, confirmed bool) dues.PaymentRecord {
	f.t.Helper()
	rec, err := f.mem.Records().Create(f.ctx, dues.PaymentRecord{
		HouseID:         houseID,
		Amount:          dec(amount),
		TransactionDate: date,
		Confirmed:       confirmed,
	})
	require.NoError(f.t, err)
	return *rec
}

func (f *fixture) allocate(rec dues.PaymentRecord) *dues.AllocatePaymentResult {
	f.t.Helper()
	res, err := f.engine.Allocator.AllocatePayment(f.ctx, dues.AllocatePaymentInput{
		RecordID: rec.ID,
		HouseID:  rec.HouseID,
		Amount:   rec.Amount,
	})
	require.NoError(f.t, err)
	return res
}

func (f *fixture) balance(houseID int64) dues.HouseBalance {
	f.t.Helper()
	b, err := f.mem.Balances().GetOrCreate(f.ctx, houseID)
	require.NoError(f.t, err)
	return *b
}

// paid sums the allocations of a house in a period per concept.
func (f *fixture) paid(houseID, periodID int64) map[dues.ConceptType]decimal.Decimal {
	f.t.Helper()
	allocs, err := f.mem.Allocations().FindByHouseAndPeriod(f.ctx, houseID, periodID)
	require.NoError(f.t, err)
	out := make(map[dues.ConceptType]decimal.Decimal)
	for _, a := range allocs {
		out[a.ConceptType] = out[a.ConceptType].Add(a.AllocatedAmount)
	}
	return out
}

// decEqual asserts decimal equality with a readable failure.
func decEqual(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s, got %s %v", want, got, msgAndArgs)
}
