package dues_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dues-engine/dues"
)

// stubCalculator returns AL_DIA statuses and counts calls per house.
type stubCalculator struct {
	mu    sync.Mutex
	calls map[int64]int
	fail  int64
}

func newStubCalculator() *stubCalculator { return &stubCalculator{calls: make(map[int64]int)} }

func (s *stubCalculator) Calculate(_ context.Context, houseID int64, house *dues.House) (*dues.HouseBalanceStatus, error) {
	s.mu.Lock()
	s.calls[houseID]++
	s.mu.Unlock()
	if houseID == s.fail {
		return nil, errors.New("calculation failed")
	}
	// Higher ids finish first so ordering has to come from the input slice.
	time.Sleep(time.Duration(10-houseID) * time.Millisecond)
	st := &dues.HouseBalanceStatus{HouseID: houseID, Status: dues.StatusAlDia}
	if house != nil {
		st.HouseNumber = house.Number
	}
	return st, nil
}

func (s *stubCalculator) count(houseID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[houseID]
}

func TestSnapshotCache_GetOrCalculate(t *testing.T) {
	f := newFixture(t, march15, dues.EngineConfig{})
	calc := newStubCalculator()
	cache := dues.NewSnapshotCache(f.mem.Snapshots(), calc, dues.SnapshotConfig{TTL: time.Hour}, dues.WithClock(f.clock))

	t.Run("miss then hit", func(t *testing.T) {
		_, err := cache.GetOrCalculate(f.ctx, 1, nil)
		require.NoError(t, err)
		_, err = cache.GetOrCalculate(f.ctx, 1, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, calc.count(1))
	})

	t.Run("invalidation forces a recompute", func(t *testing.T) {
		require.NoError(t, cache.InvalidateByHouseID(f.ctx, 1))

		snap, err := f.mem.Snapshots().FindByHouseID(f.ctx, 1)
		require.NoError(t, err)
		assert.True(t, snap.IsStale)
		require.NotNil(t, snap.InvalidatedAt)

		_, err = cache.GetOrCalculate(f.ctx, 1, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, calc.count(1))
	})

	t.Run("ttl expiry forces a recompute", func(t *testing.T) {
		f.now = f.now.Add(time.Hour)
		_, err := cache.GetOrCalculate(f.ctx, 1, nil)
		require.NoError(t, err)
		assert.Equal(t, 3, calc.count(1))
	})

	t.Run("snapshot summary fields", func(t *testing.T) {
		snap, err := f.mem.Snapshots().FindByHouseID(f.ctx, 1)
		require.NoError(t, err)
		assert.False(t, snap.IsStale)
		assert.Equal(t, dues.StatusAlDia, snap.Status)
		assert.True(t, snap.CalculatedAt.Equal(f.now))
	})
}

func TestSnapshotCache_GetAllForSummary(t *testing.T) {
	f := newFixture(t, march15, dues.EngineConfig{})
	calc := newStubCalculator()
	cache := dues.NewSnapshotCache(f.mem.Snapshots(), calc, dues.SnapshotConfig{Concurrency: 2}, dues.WithClock(f.clock))

	houses := []dues.House{{ID: 1, Number: 10}, {ID: 2, Number: 20}, {ID: 3, Number: 30}, {ID: 4, Number: 40}, {ID: 5, Number: 50}}

	t.Run("recomputes in parallel and keeps input order", func(t *testing.T) {
		out, err := cache.GetAllForSummary(f.ctx, houses)
		require.NoError(t, err)
		require.Len(t, out, len(houses))
		for i, h := range houses {
			assert.Equal(t, h.ID, out[i].HouseID)
			assert.Equal(t, h.Number, out[i].HouseNumber)
		}
	})

	t.Run("fresh snapshots are served", func(t *testing.T) {
		require.NoError(t, cache.InvalidateByHouseIDs(f.ctx, []int64{2, 4}))

		out, err := cache.GetAllForSummary(f.ctx, houses)
		require.NoError(t, err)
		require.Len(t, out, len(houses))
		assert.Equal(t, 1, calc.count(1))
		assert.Equal(t, 2, calc.count(2))
		assert.Equal(t, 1, calc.count(3))
		assert.Equal(t, 2, calc.count(4))
	})

	t.Run("invalidate all", func(t *testing.T) {
		require.NoError(t, cache.InvalidateAll(f.ctx))
		all, err := f.mem.Snapshots().FindAll(f.ctx)
		require.NoError(t, err)
		require.Len(t, all, len(houses))
		for _, s := range all {
			assert.True(t, s.IsStale)
		}
	})

	t.Run("a failing house fails the summary", func(t *testing.T) {
		calc.fail = 3
		_, err := cache.GetAllForSummary(f.ctx, houses)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "house 3")
	})
}

func TestSnapshotCache_WithRealCalculator(t *testing.T) {
	// GIVEN: A cached status
	f := newFixture(t, march15, dues.EngineConfig{})
	f.config("800", "", "")
	h := f.house(1)
	f.period(2025, 3)

	before, err := f.engine.Snapshots.GetOrCalculate(f.ctx, h.ID, &h)
	require.NoError(t, err)
	require.Equal(t, dues.StatusMorosa, before.Status)

	// WHEN: A payment is allocated
	f.allocate(f.record(h.ID, "800", march15, true))

	// THEN: The allocator invalidated the snapshot and the new status is served
	after, err := f.engine.Snapshots.GetOrCalculate(f.ctx, h.ID, &h)
	require.NoError(t, err)
	assert.Equal(t, dues.StatusAlDia, after.Status)
}

// failingUpserts rejects every write and never holds a snapshot.
type failingUpserts struct{ dues.SnapshotStore }

func (failingUpserts) FindByHouseID(context.Context, int64) (*dues.HouseStatusSnapshot, error) {
	return nil, nil
}

func (failingUpserts) Upsert(context.Context, dues.HouseStatusSnapshot) error {
	return errors.New("database is locked")
}

func TestSnapshotCache_UpsertFailureStillServes(t *testing.T) {
	f := newFixture(t, march15, dues.EngineConfig{})
	calc := newStubCalculator()
	cache := dues.NewSnapshotCache(failingUpserts{f.mem.Snapshots()}, calc, dues.SnapshotConfig{}, dues.WithClock(f.clock))

	status, err := cache.GetOrCalculate(f.ctx, 1, &dues.House{ID: 1, Number: 10})

	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, dues.StatusAlDia, status.Status)
	assert.Equal(t, 10, status.HouseNumber)
	assert.Equal(t, 1, calc.count(1))
}
