package dues_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dues-engine/dues"
)

func TestApplyCredit(t *testing.T) {
	t.Run("covers one period and keeps the rest", func(t *testing.T) {
		// GIVEN: February maintenance unpaid and 5000 of credit
		f := newFixture(t, march15, dues.EngineConfig{})
		f.config("800", "50", "")
		h := f.house(1)
		feb := f.period(2025, 2)
		f.mem.SetBalance(dues.HouseBalance{HouseID: h.ID, CreditBalance: dec("5000")})

		// WHEN: Credit is applied
		res, err := f.engine.Credit.ApplyCredit(f.ctx, h.ID)

		// THEN: Only maintenance is swept
		require.NoError(t, err)
		decEqual(t, "5000", res.CreditBefore)
		decEqual(t, "800", res.TotalApplied)
		decEqual(t, "4200", res.CreditAfter)
		assert.Equal(t, 1, res.PeriodsCovered)
		assert.Equal(t, 0, res.PeriodsPartiallyCovered)

		require.Len(t, res.AllocationsCreated, 1)
		a := res.AllocationsCreated[0]
		assert.True(t, a.Origin.IsCreditSweep())
		assert.Equal(t, feb.ID, a.PeriodID)
		assert.Equal(t, dues.ConceptMaintenance, a.ConceptType)

		paid := f.paid(h.ID, feb.ID)
		assert.True(t, paid[dues.ConceptWater].IsZero())
		decEqual(t, "4200", f.balance(h.ID).CreditBalance)
	})

	t.Run("oldest first with a partial tail", func(t *testing.T) {
		f := newFixture(t, march15, dues.EngineConfig{})
		f.config("800", "", "")
		h := f.house(1)
		jan := f.period(2025, 1)
		feb := f.period(2025, 2)
		f.mem.SetBalance(dues.HouseBalance{HouseID: h.ID, CreditBalance: dec("1000")})

		res, err := f.engine.Credit.ApplyCredit(f.ctx, h.ID)

		require.NoError(t, err)
		assert.Equal(t, 1, res.PeriodsCovered)
		assert.Equal(t, 1, res.PeriodsPartiallyCovered)
		assert.True(t, res.CreditAfter.IsZero())
		decEqual(t, "800", f.paid(h.ID, jan.ID)[dues.ConceptMaintenance])
		decEqual(t, "200", f.paid(h.ID, feb.ID)[dues.ConceptMaintenance])
		assert.Equal(t, dues.PaymentPartial, res.AllocationsCreated[1].PaymentStatus)
	})

	t.Run("no credit is a no-op", func(t *testing.T) {
		f := newFixture(t, march15, dues.EngineConfig{})
		f.config("800", "", "")
		h := f.house(1)
		f.period(2025, 2)

		res, err := f.engine.Credit.ApplyCredit(f.ctx, h.ID)

		require.NoError(t, err)
		assert.True(t, res.TotalApplied.IsZero())
		assert.Empty(t, res.AllocationsCreated)
	})

	t.Run("periods without a config are skipped", func(t *testing.T) {
		f := newFixture(t, march15, dues.EngineConfig{})
		h := f.house(1)
		f.period(2024, 12) // before any config
		f.mem.SetBalance(dues.HouseBalance{HouseID: h.ID, CreditBalance: dec("300")})

		res, err := f.engine.Credit.ApplyCredit(f.ctx, h.ID)

		require.NoError(t, err)
		assert.Empty(t, res.AllocationsCreated)
		decEqual(t, "300", res.CreditAfter)
	})

	t.Run("house id is required", func(t *testing.T) {
		f := newFixture(t, march15, dues.EngineConfig{})
		_, err := f.engine.Credit.ApplyCredit(f.ctx, 0)
		assert.True(t, dues.IsValidation(err))
	})
}
