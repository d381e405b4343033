package dues

import (
	"github.com/shopspring/decimal"
)

// EngineConfig carries the tunables of a fully wired Engine.
type EngineConfig struct {
	PenaltyAmount decimal.Decimal // non-positive: DefaultPenaltyAmount
	Snapshot      SnapshotConfig
	Locker        BatchLocker // nil: no batch locking
}

// Engine is every component wired against one Store.
type Engine struct {
	Store      Store
	Registry   *PeriodRegistry
	Penalties  *PenaltyGenerator
	Calculator *BalanceStatusCalculator
	Snapshots  *SnapshotCache
	Credit     *CreditApplicator
	Allocator  *PaymentAllocator
	Admin      *ChargeAdmin
	Backfiller *Backfiller
}

// NewEngine wires the components; the same options reach each of them.
func NewEngine(store Store, cfg EngineConfig, opts ...Option) *Engine {
	e := &Engine{Store: store}
	e.Penalties = NewPenaltyGenerator(store, cfg.PenaltyAmount, opts...)
	e.Calculator = NewBalanceStatusCalculator(store, e.Penalties, opts...)
	e.Snapshots = NewSnapshotCache(store.Snapshots(), e.Calculator, cfg.Snapshot, opts...)
	e.Registry = NewPeriodRegistry(store, nil, e.Snapshots, opts...)
	e.Credit = NewCreditApplicator(store, e.Snapshots, opts...)
	e.Allocator = NewPaymentAllocator(store, e.Credit, e.Snapshots, opts...)
	e.Admin = NewChargeAdmin(store, e.Snapshots, opts...)
	e.Backfiller = NewBackfiller(store, e.Registry, e.Allocator, e.Snapshots, cfg.Locker, opts...)
	return e
}
