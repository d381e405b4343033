package dues_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dues-engine/dues"
)

func TestAllocatePayment_PriorityOrder(t *testing.T) {
	// GIVEN: Maintenance 800 and water 100 owed in March
	f := newFixture(t, march15, dues.EngineConfig{})
	f.config("800", "100", "")
	h := f.house(1)
	p := f.period(2025, 3)

	// WHEN: 850 arrives
	res := f.allocate(f.record(h.ID, "850", march15, true))

	// THEN: Maintenance is covered first, water gets the rest
	require.Len(t, res.Allocations, 2)
	assert.Equal(t, dues.ConceptMaintenance, res.Allocations[0].ConceptType)
	decEqual(t, "800", res.Allocations[0].AllocatedAmount)
	assert.Equal(t, dues.PaymentComplete, res.Allocations[0].PaymentStatus)
	assert.Equal(t, dues.ConceptWater, res.Allocations[1].ConceptType)
	decEqual(t, "50", res.Allocations[1].AllocatedAmount)
	decEqual(t, "100", res.Allocations[1].ExpectedAmount)
	assert.Equal(t, dues.PaymentPartial, res.Allocations[1].PaymentStatus)

	decEqual(t, "850", res.TotalDistributed)
	assert.True(t, res.BalanceApplied.IsZero())
	assert.True(t, res.RemainingAmount.IsZero())
	assert.Equal(t, p.ID, res.PeriodID)
	assert.Nil(t, res.CreditApplication)
}

func TestAllocatePayment_SecondPaymentFillsPending(t *testing.T) {
	// GIVEN: A period already half paid
	f := newFixture(t, march15, dues.EngineConfig{})
	f.config("800", "100", "")
	h := f.house(1)
	p := f.period(2025, 3)
	f.allocate(f.record(h.ID, "850", march15, true))

	// WHEN: Another 50 arrives
	res := f.allocate(f.record(h.ID, "50", march15, true))

	// THEN: Only the water pending is allocated
	require.Len(t, res.Allocations, 1)
	assert.Equal(t, dues.ConceptWater, res.Allocations[0].ConceptType)
	decEqual(t, "50", res.Allocations[0].AllocatedAmount)
	assert.Equal(t, dues.PaymentComplete, res.Allocations[0].PaymentStatus)

	paid := f.paid(h.ID, p.ID)
	decEqual(t, "800", paid[dues.ConceptMaintenance])
	decEqual(t, "100", paid[dues.ConceptWater])
}

func TestAllocatePayment_SurplusGoesToBalance(t *testing.T) {
	// GIVEN: 800 + 50 owed and a 25.40 debit on the balance
	f := newFixture(t, march15, dues.EngineConfig{})
	f.config("800", "50", "")
	h := f.house(1)
	f.period(2025, 3)
	f.mem.SetBalance(dues.HouseBalance{HouseID: h.ID, DebitBalance: dec("25.40")})

	// WHEN: 1000.75 arrives
	res := f.allocate(f.record(h.ID, "1000.75", march15, true))

	// THEN: 150.75 surplus clears the debit, 0.35 goes to cents, 125 to credit
	decEqual(t, "850", res.TotalDistributed)
	decEqual(t, "150.75", res.BalanceApplied)
	assert.True(t, res.RemainingAmount.IsZero())

	b := f.balance(h.ID)
	assert.True(t, b.DebitBalance.IsZero())
	decEqual(t, "0.35", b.AccumulatedCents)
	decEqual(t, "125", b.CreditBalance)

	// AND: The cascade ran but found nothing unpaid
	require.NotNil(t, res.CreditApplication)
	assert.True(t, res.CreditApplication.TotalApplied.IsZero())
}

func TestAllocatePayment_CascadeCoversOlderMaintenance(t *testing.T) {
	// GIVEN: January and February unpaid, March current
	f := newFixture(t, march15, dues.EngineConfig{})
	f.config("800", "", "")
	h := f.house(1)
	jan := f.period(2025, 1)
	feb := f.period(2025, 2)
	f.period(2025, 3)

	// WHEN: 2000 arrives for March
	res := f.allocate(f.record(h.ID, "2000", march15, true))

	// THEN: March takes 800; the 1200 credit covers January and half of February
	require.NotNil(t, res.CreditApplication)
	decEqual(t, "1200", res.CreditApplication.CreditBefore)
	decEqual(t, "1200", res.CreditApplication.TotalApplied)
	assert.Equal(t, 1, res.CreditApplication.PeriodsCovered)
	assert.Equal(t, 1, res.CreditApplication.PeriodsPartiallyCovered)
	assert.True(t, res.CreditApplication.CreditAfter.IsZero())

	decEqual(t, "800", f.paid(h.ID, jan.ID)[dues.ConceptMaintenance])
	decEqual(t, "400", f.paid(h.ID, feb.ID)[dues.ConceptMaintenance])
	assert.True(t, f.balance(h.ID).CreditBalance.IsZero())
}

func TestAllocatePayment_MarksRecordAllocated(t *testing.T) {
	f := newFixture(t, march15, dues.EngineConfig{})
	f.config("800", "", "")
	h := f.house(1)
	f.period(2025, 3)
	rec := f.record(h.ID, "800", march15, true)

	f.allocate(rec)

	stored, err := f.mem.Records().FindByID(f.ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.AllocatedAt)
	assert.True(t, stored.AllocatedAt.Equal(march15))
}

func TestAllocatePayment_Errors(t *testing.T) {
	f := newFixture(t, march15, dues.EngineConfig{})
	h := f.house(1)
	rec := f.record(h.ID, "5", march15, true)
	alloc := f.engine.Allocator

	tests := []struct {
		name  string
		in    dues.AllocatePaymentInput
		check func(error) bool
	}{
		{"zero amount", dues.AllocatePaymentInput{RecordID: rec.ID, HouseID: h.ID, Amount: decimal.Zero}, dues.IsValidation},
		{"negative amount", dues.AllocatePaymentInput{RecordID: rec.ID, HouseID: h.ID, Amount: dec("-5")}, dues.IsValidation},
		{"missing house", dues.AllocatePaymentInput{RecordID: rec.ID, Amount: dec("5")}, dues.IsValidation},
		{"missing record", dues.AllocatePaymentInput{HouseID: h.ID, Amount: dec("5")}, dues.IsValidation},
		{"unknown record", dues.AllocatePaymentInput{RecordID: 999, HouseID: h.ID, Amount: dec("5")}, dues.IsNotFound},
		{"record of another house", dues.AllocatePaymentInput{RecordID: rec.ID, HouseID: h.ID + 1, Amount: dec("5")}, dues.IsValidation},
		{"no current period", dues.AllocatePaymentInput{RecordID: rec.ID, HouseID: h.ID, Amount: dec("5")}, dues.IsNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := alloc.AllocatePayment(f.ctx, tt.in)
			require.Error(t, err)
			assert.True(t, tt.check(err), err.Error())
		})
	}

	t.Run("period without config today", func(t *testing.T) {
		f.period(2025, 3)
		_, err := alloc.AllocatePayment(f.ctx, dues.AllocatePaymentInput{RecordID: rec.ID, HouseID: h.ID, Amount: dec("5")})
		require.Error(t, err)
		assert.True(t, dues.IsNotFound(err), err.Error())
	})
}

func TestAllocatePayment_RecordAllocatedOnce(t *testing.T) {
	// GIVEN: A record already allocated with a surplus
	f := newFixture(t, march15, dues.EngineConfig{})
	f.config("800", "", "")
	h := f.house(1)
	mar := f.period(2025, 3)
	rec := f.record(h.ID, "1000", march15, true)
	f.allocate(rec)

	// WHEN: The same record is allocated again
	_, err := f.engine.Allocator.AllocatePayment(f.ctx, dues.AllocatePaymentInput{
		RecordID: rec.ID, HouseID: h.ID, Amount: rec.Amount,
	})

	// THEN: It is a conflict and the ledger is untouched
	require.Error(t, err)
	assert.True(t, dues.IsConflict(err), err.Error())
	decEqual(t, "800", f.paid(h.ID, mar.ID)[dues.ConceptMaintenance])
	decEqual(t, "200", f.balance(h.ID).CreditBalance)

	allocs, err := f.mem.Allocations().FindByRecordID(f.ctx, rec.ID)
	require.NoError(t, err)
	assert.Len(t, allocs, 1)

	t.Run("allocation rows without a mark also conflict", func(t *testing.T) {
		other := f.record(h.ID, "50", march15, true)
		_, err := f.mem.Allocations().Create(f.ctx, dues.RecordAllocation{
			Origin: dues.PaymentOrigin(other.ID), HouseID: h.ID, PeriodID: mar.ID,
			ConceptType: dues.ConceptMaintenance, AllocatedAmount: dec("50"),
		})
		require.NoError(t, err)

		_, err = f.engine.Allocator.AllocatePayment(f.ctx, dues.AllocatePaymentInput{
			RecordID: other.ID, HouseID: h.ID, Amount: other.Amount,
		})
		assert.True(t, dues.IsConflict(err), "got %v", err)
	})
}

type failingSweeper struct{ calls int }

func (s *failingSweeper) ApplyCredit(context.Context, int64) (*dues.CreditApplicationResult, error) {
	s.calls++
	return nil, errors.New("sweep exploded")
}

func TestAllocatePayment_CascadeFailureKeepsPayment(t *testing.T) {
	// GIVEN: An allocator whose credit sweep always fails
	f := newFixture(t, march15, dues.EngineConfig{})
	f.config("800", "", "")
	h := f.house(1)
	f.period(2025, 3)
	sweeper := &failingSweeper{}
	alloc := dues.NewPaymentAllocator(f.mem, sweeper, nil, dues.WithClock(f.clock))

	// WHEN: A surplus payment arrives
	rec := f.record(h.ID, "1000", march15, true)
	res, err := alloc.AllocatePayment(f.ctx, dues.AllocatePaymentInput{RecordID: rec.ID, HouseID: h.ID, Amount: rec.Amount})

	// THEN: The payment stands and the credit is kept
	require.NoError(t, err)
	assert.Equal(t, 1, sweeper.calls)
	assert.Nil(t, res.CreditApplication)
	decEqual(t, "200", f.balance(h.ID).CreditBalance)
}

func TestAllocatePayment_RollsBackOnFailure(t *testing.T) {
	// GIVEN: A current period but no config in force
	f := newFixture(t, march15, dues.EngineConfig{})
	h := f.house(1)
	f.period(2025, 3)

	rec := f.record(h.ID, "100", march15, true)

	// WHEN: Allocation fails after the period lookup
	_, err := f.engine.Allocator.AllocatePayment(f.ctx, dues.AllocatePaymentInput{RecordID: rec.ID, HouseID: h.ID, Amount: rec.Amount})
	require.Error(t, err)

	// THEN: No allocation was written and the record stays open
	allocs, err := f.mem.Allocations().FindByRecordID(f.ctx, rec.ID)
	require.NoError(t, err)
	assert.Empty(t, allocs)

	stored, err := f.mem.Records().FindByID(f.ctx, rec.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.AllocatedAt)
}

func TestApplyRemainder(t *testing.T) {
	tests := []struct {
		name                 string
		before               dues.HouseBalance
		amount               string
		cents, credit, debit string
	}{
		{
			name:   "whole amount to credit",
			amount: "150",
			cents:  "0", credit: "150", debit: "0",
		},
		{
			name:   "fraction to cents",
			amount: "150.40",
			cents:  "0.40", credit: "150", debit: "0",
		},
		{
			name:   "cents overflow into credit",
			before: dues.HouseBalance{AccumulatedCents: dec("0.70")},
			amount: "0.45",
			cents:  "0.15", credit: "1", debit: "0",
		},
		{
			name:   "debit first",
			before: dues.HouseBalance{DebitBalance: dec("100")},
			amount: "60.50",
			cents:  "0", credit: "0", debit: "39.50",
		},
		{
			name:   "debit cleared, rest split",
			before: dues.HouseBalance{DebitBalance: dec("10.25"), CreditBalance: dec("5")},
			amount: "20.50",
			cents:  "0.25", credit: "15", debit: "0",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := dues.ApplyRemainder(tt.before, dec(tt.amount))
			decEqual(t, tt.cents, got.AccumulatedCents, "cents")
			decEqual(t, tt.credit, got.CreditBalance, "credit")
			decEqual(t, tt.debit, got.DebitBalance, "debit")
			assert.True(t, got.AccumulatedCents.LessThan(decimal.NewFromInt(1)))
		})
	}
}
