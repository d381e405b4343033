package api

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/dues/store"
)

type countingInvalidator struct{ calls atomic.Int32 }

func (c *countingInvalidator) InvalidateAll(context.Context) error {
	c.calls.Add(1)
	return nil
}

func TestPeriodScheduler_RunNow(t *testing.T) {
	// GIVEN: An empty store and a clock we can move
	mem := store.NewMemory()
	engine := dues.NewEngine(mem, dues.EngineConfig{})
	inv := &countingInvalidator{}

	now := time.Date(2025, time.January, 31, 23, 0, 0, 0, time.UTC)
	s := NewPeriodScheduler(engine, nil)
	s.Snapshots = inv
	s.Clock = func() time.Time { return now }

	// WHEN: The scheduler runs twice in January
	s.RunNow(context.Background())
	s.RunNow(context.Background())

	// THEN: One period exists and nothing was invalidated
	periods, err := mem.Periods().FindAll(context.Background())
	require.NoError(t, err)
	require.Len(t, periods, 1)
	assert.Equal(t, time.January, periods[0].Month)
	assert.Equal(t, int32(0), inv.calls.Load())

	// WHEN: The month rolls over
	now = now.Add(2 * time.Hour)
	s.RunNow(context.Background())

	// THEN: February is created and every snapshot is marked stale
	periods, err = mem.Periods().FindAll(context.Background())
	require.NoError(t, err)
	require.Len(t, periods, 2)
	assert.Equal(t, time.February, periods[1].Month)
	assert.Equal(t, int32(1), inv.calls.Load())
}

func TestPeriodScheduler_StartStop(t *testing.T) {
	engine := dues.NewEngine(store.NewMemory(), dues.EngineConfig{})

	t.Run("disabled never starts", func(t *testing.T) {
		s := NewPeriodScheduler(engine, nil)
		s.Enabled = false
		s.Start()
		s.Stop()
		assert.Nil(t, s.ticker)
	})

	t.Run("runs immediately and stops cleanly", func(t *testing.T) {
		s := NewPeriodScheduler(engine, nil)
		s.CheckInterval = time.Hour
		s.Start()
		require.Eventually(t, func() bool {
			periods, err := engine.Store.Periods().FindAll(context.Background())
			return err == nil && len(periods) == 1
		}, time.Second, 10*time.Millisecond)
		s.Stop()
		assert.Nil(t, s.ticker)
	})
}
