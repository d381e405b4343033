// Package store provides an in-memory dues.Store.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/dues-engine/dues"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu   sync.Mutex
	data *memData
}

type memData struct {
	nextID      int64
	periods     map[int64]dues.Period
	configs     map[int64]dues.PeriodConfig
	charges     map[int64]dues.HousePeriodCharge
	allocations []dues.RecordAllocation
	balances    map[int64]dues.HouseBalance
	penalties   map[int64]dues.Penalty
	snapshots   map[int64]dues.HouseStatusSnapshot
	houses      map[int64]dues.House
	records     map[int64]dues.PaymentRecord
}

func newMemData() *memData {
	return &memData{
		periods:   make(map[int64]dues.Period),
		configs:   make(map[int64]dues.PeriodConfig),
		charges:   make(map[int64]dues.HousePeriodCharge),
		balances:  make(map[int64]dues.HouseBalance),
		penalties: make(map[int64]dues.Penalty),
		snapshots: make(map[int64]dues.HouseStatusSnapshot),
		houses:    make(map[int64]dues.House),
		records:   make(map[int64]dues.PaymentRecord),
	}
}

func (d *memData) id() int64 {
	d.nextID++
	return d.nextID
}

func (d *memData) clone() *memData {
	c := &memData{
		nextID:      d.nextID,
		periods:     cloneMap(d.periods),
		configs:     cloneMap(d.configs),
		charges:     cloneMap(d.charges),
		allocations: append([]dues.RecordAllocation(nil), d.allocations...),
		balances:    cloneMap(d.balances),
		penalties:   cloneMap(d.penalties),
		snapshots:   cloneMap(d.snapshots),
		houses:      cloneMap(d.houses),
		records:     cloneMap(d.records),
	}
	return c
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func NewMemory() *Memory {
	return &Memory{data: newMemData()}
}

// enter takes the store lock unless the caller already holds it (tx views).
func (m *Memory) enter(locked bool) func() {
	if locked {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(dues.Stores) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	if err := fn(view{m: m, locked: true}); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

func (m *Memory) root() view { return view{m: m} }

func (m *Memory) Periods() dues.PeriodStore { return m.root().Periods() }
func (m *Memory) PeriodConfigs() dues.PeriodConfigStore { return m.root().PeriodConfigs() }
func (m *Memory) Charges() dues.HousePeriodChargeStore { return m.root().Charges() }
func (m *Memory) Allocations() dues.AllocationStore { return m.root().Allocations() }
func (m *Memory) Balances() dues.HouseBalanceStore { return m.root().Balances() }
func (m *Memory) Penalties() dues.PenaltyStore { return m.root().Penalties() }
func (m *Memory) Snapshots() dues.SnapshotStore { return m.root().Snapshots() }
func (m *Memory) Houses() dues.HouseStore { return m.root().Houses() }
func (m *Memory) Records() dues.PaymentRecordStore { return m.root().Records() }

// =============================================================================
// SEEDING HELPERS (tests and dev bootstrap)
// =============================================================================

// SetBalance overwrites a house balance.
func (m *Memory) SetBalance(b dues.HouseBalance) {
	defer m.enter(false)()
	m.data.balances[b.HouseID] = b
}

// =============================================================================
// VIEW - Table stores over the shared data
// =============================================================================

type view struct {
	m      *Memory
	locked bool
}

func (v view) Periods() dues.PeriodStore { return periods(v) }
func (v view) PeriodConfigs() dues.PeriodConfigStore { return configs(v) }
func (v view) Charges() dues.HousePeriodChargeStore { return charges(v) }
func (v view) Allocations() dues.AllocationStore { return allocations(v) }
func (v view) Balances() dues.HouseBalanceStore { return balances(v) }
func (v view) Penalties() dues.PenaltyStore { return penalties(v) }
func (v view) Snapshots() dues.SnapshotStore { return snapshots(v) }
func (v view) Houses() dues.HouseStore { return houses(v) }
func (v view) Records() dues.PaymentRecordStore { return records(v) }

func (v view) lock() func() { return v.m.enter(v.locked) }
func (v view) d() *memData { return v.m.data }

// -----------------------------------------------------------------------------
// periods
// -----------------------------------------------------------------------------

type periods view

func (s periods) FindByID(_ context.Context, id int64) (*dues.Period, error) {
	defer view(s).lock()()
	p, ok := view(s).d().periods[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s periods) FindByYearAndMonth(_ context.Context, year int, month time.Month) (*dues.Period, error) {
	defer view(s).lock()()
	for _, p := range view(s).d().periods {
		if p.Year == year && p.Month == month {
			return &p, nil
		}
	}
	return nil, nil
}

func (s periods) FindAll(_ context.Context) ([]dues.Period, error) {
	defer view(s).lock()()
	out := make([]dues.Period, 0, len(view(s).d().periods))
	for _, p := range view(s).d().periods {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (s periods) Create(_ context.Context, p dues.Period) (*dues.Period, error) {
	defer view(s).lock()()
	d := view(s).d()
	for _, e := range d.periods {
		if e.Year == p.Year && e.Month == p.Month {
			return nil, dues.ConflictError("create_period", fmt.Sprintf("%d-%02d exists", p.Year, int(p.Month)), nil)
		}
	}
	p.ID = d.id()
	d.periods[p.ID] = p
	return &p, nil
}

func (s periods) UpdateFlags(_ context.Context, id int64, waterActive, extraordinaryFeeActive bool) error {
	defer view(s).lock()()
	d := view(s).d()
	p, ok := d.periods[id]
	if !ok {
		return nil
	}
	p.WaterActive, p.ExtraordinaryFeeActive = waterActive, extraordinaryFeeActive
	d.periods[id] = p
	return nil
}

// -----------------------------------------------------------------------------
// period configs
// -----------------------------------------------------------------------------

type configs view

func (s configs) FindActiveForDate(_ context.Context, date time.Time) (*dues.PeriodConfig, error) {
	defer view(s).lock()()
	all := make([]dues.PeriodConfig, 0, len(view(s).d().configs))
	for _, c := range view(s).d().configs {
		all = append(all, c)
	}
	return dues.SelectActiveConfig(all, date), nil
}

func (s configs) FindByID(_ context.Context, id int64) (*dues.PeriodConfig, error) {
	defer view(s).lock()()
	c, ok := view(s).d().configs[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s configs) Create(_ context.Context, c dues.PeriodConfig) (*dues.PeriodConfig, error) {
	defer view(s).lock()()
	d := view(s).d()
	c.ID = d.id()
	d.configs[c.ID] = c
	return &c, nil
}

// -----------------------------------------------------------------------------
// house period charges
// -----------------------------------------------------------------------------

type charges view

func (s charges) FindByHouseAndPeriod(_ context.Context, houseID, periodID int64) ([]dues.HousePeriodCharge, error) {
	defer view(s).lock()()
	var out []dues.HousePeriodCharge
	for _, c := range view(s).d().charges {
		if c.HouseID == houseID && c.PeriodID == periodID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s charges) UpsertBatchForPeriods(_ context.Context, periodIDs []int64, concept dues.ConceptType, amount decimal.Decimal, source dues.ChargeSource) (int64, error) {
	defer view(s).lock()()
	d := view(s).d()

	type slot struct{ house, period int64 }
	existing := make(map[slot]int64)
	for id, c := range d.charges {
		if c.ConceptType == concept {
			existing[slot{c.HouseID, c.PeriodID}] = id
		}
	}

	var n int64
	for _, pid := range periodIDs {
		for hid := range d.houses {
			if id, ok := existing[slot{hid, pid}]; ok {
				c := d.charges[id]
				c.ExpectedAmount, c.Source = amount, source
				d.charges[id] = c
			} else {
				id := d.id()
				d.charges[id] = dues.HousePeriodCharge{
					ID: id, HouseID: hid, PeriodID: pid,
					ConceptType: concept, ExpectedAmount: amount, Source: source,
				}
			}
			n++
		}
	}
	return n, nil
}

func (s charges) DeleteByPeriodsAndConcept(_ context.Context, periodIDs []int64, concept dues.ConceptType) (int64, error) {
	defer view(s).lock()()
	d := view(s).d()
	in := make(map[int64]bool, len(periodIDs))
	for _, id := range periodIDs {
		in[id] = true
	}
	var n int64
	for id, c := range d.charges {
		if c.ConceptType == concept && in[c.PeriodID] {
			delete(d.charges, id)
			n++
		}
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// allocations
// -----------------------------------------------------------------------------

type allocations view

func (s allocations) Create(_ context.Context, a dues.RecordAllocation) (*dues.RecordAllocation, error) {
	defer view(s).lock()()
	d := view(s).d()
	a.ID = d.id()
	d.allocations = append(d.allocations, a)
	return &a, nil
}

func (s allocations) FindByHouseAndPeriod(_ context.Context, houseID, periodID int64) ([]dues.RecordAllocation, error) {
	defer view(s).lock()()
	var out []dues.RecordAllocation
	for _, a := range view(s).d().allocations {
		if a.HouseID == houseID && a.PeriodID == periodID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s allocations) FindByRecordID(_ context.Context, recordID int64) ([]dues.RecordAllocation, error) {
	defer view(s).lock()()
	var out []dues.RecordAllocation
	for _, a := range view(s).d().allocations {
		if !a.Origin.IsCreditSweep() && a.Origin.RecordID == recordID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s allocations) DeleteAll(_ context.Context) (int64, error) {
	defer view(s).lock()()
	d := view(s).d()
	n := int64(len(d.allocations))
	d.allocations = nil
	return n, nil
}

// -----------------------------------------------------------------------------
// house balances
// -----------------------------------------------------------------------------

type balances view

func (s balances) GetOrCreate(_ context.Context, houseID int64) (*dues.HouseBalance, error) {
	defer view(s).lock()()
	d := view(s).d()
	b, ok := d.balances[houseID]
	if !ok {
		b = zeroBalance(houseID)
		d.balances[houseID] = b
	}
	return &b, nil
}

func (s balances) Update(_ context.Context, houseID int64, u dues.BalanceUpdate) (*dues.HouseBalance, error) {
	defer view(s).lock()()
	d := view(s).d()
	b, ok := d.balances[houseID]
	if !ok {
		b = zeroBalance(houseID)
	}
	if u.AccumulatedCents != nil {
		b.AccumulatedCents = *u.AccumulatedCents
	}
	if u.CreditBalance != nil {
		b.CreditBalance = *u.CreditBalance
	}
	if u.DebitBalance != nil {
		b.DebitBalance = *u.DebitBalance
	}
	b.UpdatedAt = time.Now().UTC()
	d.balances[houseID] = b
	return &b, nil
}

func (s balances) ResetAll(_ context.Context) (int64, error) {
	defer view(s).lock()()
	d := view(s).d()
	for id := range d.balances {
		d.balances[id] = zeroBalance(id)
	}
	return int64(len(d.balances)), nil
}

func zeroBalance(houseID int64) dues.HouseBalance {
	return dues.HouseBalance{
		HouseID:          houseID,
		AccumulatedCents: decimal.Zero,
		CreditBalance:    decimal.Zero,
		DebitBalance:     decimal.Zero,
		UpdatedAt:        time.Now().UTC(),
	}
}

// -----------------------------------------------------------------------------
// penalties
// -----------------------------------------------------------------------------

type penalties view

func (s penalties) FindByHouseAndPeriod(_ context.Context, houseID, periodID int64) (*dues.Penalty, error) {
	defer view(s).lock()()
	for _, p := range view(s).d().penalties {
		if p.HouseID == houseID && p.PeriodID == periodID {
			return &p, nil
		}
	}
	return nil, nil
}

func (s penalties) Create(_ context.Context, p dues.Penalty) (*dues.Penalty, error) {
	defer view(s).lock()()
	d := view(s).d()
	for _, e := range d.penalties {
		if e.HouseID == p.HouseID && e.PeriodID == p.PeriodID {
			return nil, dues.ConflictError("create_penalty",
				fmt.Sprintf("house %d period %d", p.HouseID, p.PeriodID), nil)
		}
	}
	p.ID = d.id()
	d.penalties[p.ID] = p
	return &p, nil
}

// -----------------------------------------------------------------------------
// snapshots
// -----------------------------------------------------------------------------

type snapshots view

func (s snapshots) FindByHouseID(_ context.Context, houseID int64) (*dues.HouseStatusSnapshot, error) {
	defer view(s).lock()()
	snap, ok := view(s).d().snapshots[houseID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (s snapshots) FindAll(_ context.Context) ([]dues.HouseStatusSnapshot, error) {
	defer view(s).lock()()
	out := make([]dues.HouseStatusSnapshot, 0, len(view(s).d().snapshots))
	for _, snap := range view(s).d().snapshots {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HouseID < out[j].HouseID })
	return out, nil
}

func (s snapshots) Upsert(_ context.Context, snap dues.HouseStatusSnapshot) error {
	defer view(s).lock()()
	view(s).d().snapshots[snap.HouseID] = snap
	return nil
}

func (s snapshots) InvalidateByHouseID(_ context.Context, houseID int64, at time.Time) error {
	defer view(s).lock()()
	view(s).d().invalidate(houseID, at)
	return nil
}

func (s snapshots) InvalidateByHouseIDs(_ context.Context, houseIDs []int64, at time.Time) error {
	defer view(s).lock()()
	for _, id := range houseIDs {
		view(s).d().invalidate(id, at)
	}
	return nil
}

func (s snapshots) InvalidateAll(_ context.Context, at time.Time) error {
	defer view(s).lock()()
	d := view(s).d()
	for id := range d.snapshots {
		d.invalidate(id, at)
	}
	return nil
}

func (d *memData) invalidate(houseID int64, at time.Time) {
	snap, ok := d.snapshots[houseID]
	if !ok {
		return
	}
	snap.IsStale = true
	snap.InvalidatedAt = &at
	d.snapshots[houseID] = snap
}

// -----------------------------------------------------------------------------
// houses
// -----------------------------------------------------------------------------

type houses view

func (s houses) FindByID(_ context.Context, id int64) (*dues.House, error) {
	defer view(s).lock()()
	h, ok := view(s).d().houses[id]
	if !ok {
		return nil, nil
	}
	return &h, nil
}

func (s houses) FindByNumber(_ context.Context, number int) (*dues.House, error) {
	defer view(s).lock()()
	for _, h := range view(s).d().houses {
		if h.Number == number {
			return &h, nil
		}
	}
	return nil, nil
}

func (s houses) FindAll(_ context.Context) ([]dues.House, error) {
	defer view(s).lock()()
	out := make([]dues.House, 0, len(view(s).d().houses))
	for _, h := range view(s).d().houses {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (s houses) Save(_ context.Context, h dues.House) (*dues.House, error) {
	defer view(s).lock()()
	d := view(s).d()
	for id, e := range d.houses {
		if e.Number == h.Number {
			e.OwnerName = h.OwnerName
			d.houses[id] = e
			return &e, nil
		}
	}
	h.ID = d.id()
	d.houses[h.ID] = h
	return &h, nil
}

// -----------------------------------------------------------------------------
// payment records
// -----------------------------------------------------------------------------

type records view

func (s records) Create(_ context.Context, r dues.PaymentRecord) (*dues.PaymentRecord, error) {
	defer view(s).lock()()
	d := view(s).d()
	r.ID = d.id()
	d.records[r.ID] = r
	return &r, nil
}

func (s records) FindByID(_ context.Context, id int64) (*dues.PaymentRecord, error) {
	defer view(s).lock()()
	r, ok := view(s).d().records[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s records) FindUnallocatedConfirmed(_ context.Context, houseID *int64) ([]dues.PaymentRecord, error) {
	defer view(s).lock()()
	d := view(s).d()
	allocated := make(map[int64]bool)
	for _, a := range d.allocations {
		if !a.Origin.IsCreditSweep() {
			allocated[a.Origin.RecordID] = true
		}
	}
	var out []dues.PaymentRecord
	for _, r := range d.records {
		if !r.Confirmed || r.AllocatedAt != nil || allocated[r.ID] {
			continue
		}
		if houseID != nil && r.HouseID != *houseID {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TransactionDate.Equal(out[j].TransactionDate) {
			return out[i].TransactionDate.Before(out[j].TransactionDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s records) MarkAllocated(_ context.Context, recordID int64, at time.Time) error {
	defer view(s).lock()()
	d := view(s).d()
	r, ok := d.records[recordID]
	if !ok {
		return nil
	}
	r.AllocatedAt = &at
	d.records[recordID] = r
	return nil
}

func (s records) ClearAllocationMarks(_ context.Context) (int64, error) {
	defer view(s).lock()()
	d := view(s).d()
	var n int64
	for id, r := range d.records {
		if r.AllocatedAt != nil {
			r.AllocatedAt = nil
			d.records[id] = r
			n++
		}
	}
	return n, nil
}

var _ dues.Store = (*Memory)(nil)
