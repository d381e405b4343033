/*
store.go - Persistence interfaces consumed by the engine

PURPOSE:
  Defines the narrow collaborator contracts between the dues engine and the
  relational store. Each component receives a Store in its constructor and
  never reaches for storage any other way.

KEY INTERFACES:
  Stores: Accessors for every table-level store
  Store:  Stores + WithTx (scoped transactional session)

TRANSACTIONS:
  WithTx acquires a session, hands fn a Stores bound to it, commits when fn
  returns nil and rolls back otherwise. The session is always released.
  Code inside fn must only use the Stores it was given.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite via database/sql
  - dues/store/memory.go: In-memory for tests and development

SEE ALSO:
  - allocator.go, credit.go: The two transactional operations
*/
package dues

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TABLE STORES
// =============================================================================

type PeriodStore interface {
	FindByID(ctx context.Context, id int64) (*Period, error)
	FindByYearAndMonth(ctx context.Context, year int, month time.Month) (*Period, error)
	// FindAll returns every period ascending by (year, month).
	FindAll(ctx context.Context) ([]Period, error)
	Create(ctx context.Context, p Period) (*Period, error)
	UpdateFlags(ctx context.Context, id int64, waterActive, extraordinaryFeeActive bool) error
}

type PeriodConfigStore interface {
	// FindActiveForDate returns nil when no config covers the date.
	FindActiveForDate(ctx context.Context, date time.Time) (*PeriodConfig, error)
	FindByID(ctx context.Context, id int64) (*PeriodConfig, error)
	Create(ctx context.Context, c PeriodConfig) (*PeriodConfig, error)
}

type HousePeriodChargeStore interface {
	FindByHouseAndPeriod(ctx context.Context, houseID, periodID int64) ([]HousePeriodCharge, error)
	// UpsertBatchForPeriods writes the concept amount for every house in every period.
	UpsertBatchForPeriods(ctx context.Context, periodIDs []int64, concept ConceptType, amount decimal.Decimal, source ChargeSource) (int64, error)
	DeleteByPeriodsAndConcept(ctx context.Context, periodIDs []int64, concept ConceptType) (int64, error)
}

type AllocationStore interface {
	Create(ctx context.Context, a RecordAllocation) (*RecordAllocation, error)
	FindByHouseAndPeriod(ctx context.Context, houseID, periodID int64) ([]RecordAllocation, error)
	FindByRecordID(ctx context.Context, recordID int64) ([]RecordAllocation, error)
	DeleteAll(ctx context.Context) (int64, error)
}

type HouseBalanceStore interface {
	GetOrCreate(ctx context.Context, houseID int64) (*HouseBalance, error)
	Update(ctx context.Context, houseID int64, u BalanceUpdate) (*HouseBalance, error)
	ResetAll(ctx context.Context) (int64, error)
}

type PenaltyStore interface {
	FindByHouseAndPeriod(ctx context.Context, houseID, periodID int64) (*Penalty, error)
	// Create returns an ErrConflict error when (house, period) already has a penalty.
	Create(ctx context.Context, p Penalty) (*Penalty, error)
}

type SnapshotStore interface {
	FindByHouseID(ctx context.Context, houseID int64) (*HouseStatusSnapshot, error)
	FindAll(ctx context.Context) ([]HouseStatusSnapshot, error)
	Upsert(ctx context.Context, s HouseStatusSnapshot) error
	InvalidateByHouseID(ctx context.Context, houseID int64, at time.Time) error
	InvalidateByHouseIDs(ctx context.Context, houseIDs []int64, at time.Time) error
	InvalidateAll(ctx context.Context, at time.Time) error
}

type HouseStore interface {
	FindByID(ctx context.Context, id int64) (*House, error)
	FindByNumber(ctx context.Context, number int) (*House, error)
	FindAll(ctx context.Context) ([]House, error)
	// Save inserts a house, or updates the owner of an existing number.
	Save(ctx context.Context, h House) (*House, error)
}

type PaymentRecordStore interface {
	Create(ctx context.Context, rec PaymentRecord) (*PaymentRecord, error)
	FindByID(ctx context.Context, id int64) (*PaymentRecord, error)
	// FindUnallocatedConfirmed returns confirmed records with no allocation and no
	// allocation mark, ascending by transaction date. houseID nil means all houses.
	FindUnallocatedConfirmed(ctx context.Context, houseID *int64) ([]PaymentRecord, error)
	// MarkAllocated is a no-op for unknown record ids.
	MarkAllocated(ctx context.Context, recordID int64, at time.Time) error
	ClearAllocationMarks(ctx context.Context) (int64, error)
}

// =============================================================================
// AGGREGATE STORE
// =============================================================================

// Stores groups the table stores bound to one session.
type Stores interface {
	Periods() PeriodStore
	PeriodConfigs() PeriodConfigStore
	Charges() HousePeriodChargeStore
	Allocations() AllocationStore
	Balances() HouseBalanceStore
	Penalties() PenaltyStore
	Snapshots() SnapshotStore
	Houses() HouseStore
	Records() PaymentRecordStore
}

// Store is the entry point handed to every component.
type Store interface {
	Stores

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back and the error returned unchanged.
	WithTx(ctx context.Context, fn func(tx Stores) error) error
}
