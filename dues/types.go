/*
Package dues provides the payment allocation and balance ledger engine for
condominium dues.

PURPOSE:
  Turns an incoming payment into per-concept allocations, keeps one running
  balance per house (debit, credit, sub-unit remainder), sweeps surplus credit
  into unpaid periods, derives a cached house status view and can rebuild its
  own derived state from the confirmed payment records.

KEY CONCEPTS IN THIS FILE (types.go):
  - Concept: billable category (maintenance, water, extraordinary fee)
  - Period / PeriodConfig: monthly billing cycle and its time-versioned defaults
  - HousePeriodCharge: per-house expected amount overriding the defaults
  - RecordAllocation: immutable fact "this much of this payment went here"
  - HouseBalance: running account per house
  - Penalty: late-payment fact, unique per (house, period)

DESIGN PRINCIPLES:
  1. Append-only: allocations are never edited, only wiped by Reprocess
  2. Precision: decimal.Decimal everywhere, rounded to 2 places at rest
  3. Explicit origin: an allocation is either from a payment or a credit sweep

SEE ALSO:
  - store.go: Persistence interfaces
  - allocator.go: PaymentAllocator (primary entry point)
  - status.go: BalanceStatusCalculator
*/
package dues

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CONCEPTS
// =============================================================================

type ConceptType string

const (
	ConceptMaintenance      ConceptType = "MAINTENANCE"
	ConceptWater            ConceptType = "WATER"
	ConceptExtraordinaryFee ConceptType = "EXTRAORDINARY_FEE"
)

// ConceptPriority is the fixed order in which a payment covers concepts.
var ConceptPriority = []ConceptType{ConceptMaintenance, ConceptWater, ConceptExtraordinaryFee}

func (c ConceptType) Valid() bool {
	switch c {
	case ConceptMaintenance, ConceptWater, ConceptExtraordinaryFee:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentComplete PaymentStatus = "COMPLETE"
	PaymentPartial  PaymentStatus = "PARTIAL"
)

type ChargeSource string

const (
	SourcePeriodConfig ChargeSource = "PERIOD_CONFIG"
	SourceBatchUpdate  ChargeSource = "BATCH_UPDATE"
	SourceManual       ChargeSource = "MANUAL"
)

// =============================================================================
// PERIODS
// =============================================================================

// Period is one calendar month. Only the two *Active flags change after creation.
type Period struct {
	ID                     int64
	Year                   int
	Month                  time.Month
	StartDate              time.Time
	EndDate                time.Time
	PeriodConfigID         *int64
	WaterActive            bool
	ExtraordinaryFeeActive bool
}

// Before orders periods by (year, month).
func (p Period) Before(o Period) bool {
	if p.Year != o.Year {
		return p.Year < o.Year
	}
	return p.Month < o.Month
}

func (p Period) IsMonth(t time.Time) bool {
	return p.Year == t.Year() && p.Month == t.Month()
}

// ConceptActive reports whether the period charges the concept at all.
func (p Period) ConceptActive(c ConceptType) bool {
	switch c {
	case ConceptWater:
		return p.WaterActive
	case ConceptExtraordinaryFee:
		return p.ExtraordinaryFeeActive
	}
	return true
}

// PeriodConfig holds the default amounts active between EffectiveFrom and EffectiveUntil.
type PeriodConfig struct {
	ID                            int64
	DefaultMaintenanceAmount      decimal.Decimal
	DefaultWaterAmount            decimal.NullDecimal
	DefaultExtraordinaryFeeAmount decimal.NullDecimal
	PaymentDueDay                 int
	LatePaymentPenaltyAmount      decimal.NullDecimal
	EffectiveFrom                 time.Time
	EffectiveUntil                *time.Time
	IsActive                      bool
}

// DefaultFor returns the configured default for a concept and whether it is specified.
func (c PeriodConfig) DefaultFor(concept ConceptType) (decimal.Decimal, bool) {
	switch concept {
	case ConceptMaintenance:
		return c.DefaultMaintenanceAmount, true
	case ConceptWater:
		return c.DefaultWaterAmount.Decimal, c.DefaultWaterAmount.Valid
	case ConceptExtraordinaryFee:
		return c.DefaultExtraordinaryFeeAmount.Decimal, c.DefaultExtraordinaryFeeAmount.Valid
	}
	return decimal.Zero, false
}

// CoversDate reports whether the config is eligible for the given date.
func (c PeriodConfig) CoversDate(date time.Time) bool {
	if !c.IsActive || c.EffectiveFrom.After(date) {
		return false
	}
	return c.EffectiveUntil == nil || !c.EffectiveUntil.Before(date)
}

// Validate checks a config before it is stored.
func (c PeriodConfig) Validate() error {
	const op = "create_period_config"
	if c.DefaultMaintenanceAmount.IsNegative() {
		return validationError(op, "default maintenance amount must not be negative")
	}
	for _, opt := range []decimal.NullDecimal{c.DefaultWaterAmount, c.DefaultExtraordinaryFeeAmount, c.LatePaymentPenaltyAmount} {
		if opt.Valid && opt.Decimal.IsNegative() {
			return validationError(op, "amounts must not be negative, got %s", opt.Decimal)
		}
	}
	if c.PaymentDueDay < 1 || c.PaymentDueDay > 31 {
		return validationError(op, "payment due day must be within 1..31, got %d", c.PaymentDueDay)
	}
	if c.EffectiveFrom.IsZero() {
		return validationError(op, "effective from is required")
	}
	if c.EffectiveUntil != nil && c.EffectiveUntil.Before(c.EffectiveFrom) {
		return validationError(op, "effective until precedes effective from")
	}
	return nil
}

// HousePeriodCharge is the authoritative expected amount for one concept.
type HousePeriodCharge struct {
	ID             int64
	HouseID        int64
	PeriodID       int64
	ConceptType    ConceptType
	ExpectedAmount decimal.Decimal
	Source         ChargeSource
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

type OriginKind string

const (
	OriginPayment     OriginKind = "payment"
	OriginCreditSweep OriginKind = "credit_sweep"
)

// Origin says where the money of an allocation came from.
// RecordID is only meaningful for OriginPayment.
type Origin struct {
	Kind     OriginKind
	RecordID int64
}

func PaymentOrigin(recordID int64) Origin { return Origin{Kind: OriginPayment, RecordID: recordID} }
func CreditSweepOrigin() Origin            { return Origin{Kind: OriginCreditSweep} }

func (o Origin) IsCreditSweep() bool { return o.Kind == OriginCreditSweep }

// RecordAllocation is an append-only fact.
type RecordAllocation struct {
	ID              int64
	Origin          Origin
	HouseID         int64
	PeriodID        int64
	ConceptType     ConceptType
	ConceptID       int64 // charge row covered; zero for config defaults and sweeps
	AllocatedAmount decimal.Decimal
	ExpectedAmount  decimal.Decimal
	PaymentStatus   PaymentStatus
	CreatedAt       time.Time
}

// =============================================================================
// BALANCES AND PENALTIES
// =============================================================================

// HouseBalance is the running account of one house.
// All fields are non-negative and AccumulatedCents < 1 at rest.
type HouseBalance struct {
	HouseID          int64
	AccumulatedCents decimal.Decimal
	CreditBalance    decimal.Decimal
	DebitBalance     decimal.Decimal
	UpdatedAt        time.Time
}

// BalanceUpdate is a partial update; nil fields are left untouched.
type BalanceUpdate struct {
	AccumulatedCents *decimal.Decimal
	CreditBalance    *decimal.Decimal
	DebitBalance     *decimal.Decimal
}

type Penalty struct {
	ID          int64
	HouseID     int64
	PeriodID    int64
	Amount      decimal.Decimal
	Description string
	CreatedAt   time.Time
}

// =============================================================================
// HOUSES AND PAYMENT RECORDS (read-mostly collaborators)
// =============================================================================

type House struct {
	ID        int64
	Number    int
	OwnerName string
}

func (h House) Validate() error {
	if h.Number <= 0 {
		return validationError("save_house", "house number must be positive, got %d", h.Number)
	}
	return nil
}

// PaymentRecord is a confirmed payment already matched to a house upstream.
type PaymentRecord struct {
	ID              int64
	HouseID         int64
	Amount          decimal.Decimal
	TransactionDate time.Time
	Confirmed       bool
	AllocatedAt     *time.Time
}

func (r PaymentRecord) Validate() error {
	const op = "create_payment_record"
	if r.HouseID <= 0 {
		return validationError(op, "house id is required")
	}
	if !r.Amount.IsPositive() {
		return validationError(op, "amount must be positive, got %s", r.Amount)
	}
	if r.TransactionDate.IsZero() {
		return validationError(op, "transaction date is required")
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// Round2 rounds to cents.
func Round2(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

// nonNegative clamps tiny negative results of subtraction to zero.
func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// reaches reports whether paid covers expected once both are rounded to cents.
func reaches(paid, expected decimal.Decimal) bool {
	return Round2(paid).GreaterThanOrEqual(Round2(expected))
}

func decPtr(d decimal.Decimal) *decimal.Decimal { return &d }
