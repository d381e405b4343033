/*
status.go - BalanceStatusCalculator, the enriched house standing

PURPOSE:
  Derives, from periods, charges, allocations, penalties and the house
  balance, the full view of where a house stands: per-period detail, paid and
  unpaid partitions, totals and an overall classification.

CLASSIFICATION (strict priority):
  1. SALDO_A_FAVOR: credit > 0 and no unpaid periods
  2. MOROSA:        any unpaid period is overdue
  3. AL_DIA:        otherwise

SIDE EFFECTS:
  Overdue periods trigger PenaltyGenerator, which is idempotent. Nothing else
  is written.

SEE ALSO:
  - snapshot.go: SnapshotCache in front of this calculator
  - penalty.go: PenaltyGenerator
*/
package dues

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultDueDay applies to periods without an active config.
const DefaultDueDay = 10

const noPeriodsMessage = "Sin periodos registrados"

type HouseStatus string

const (
	StatusAlDia       HouseStatus = "AL_DIA"
	StatusMorosa      HouseStatus = "MOROSA"
	StatusSaldoAFavor HouseStatus = "SALDO_A_FAVOR"
)

type PeriodStatus string

const (
	PeriodPaid    PeriodStatus = "PAID"
	PeriodPartial PeriodStatus = "PARTIAL"
	PeriodUnpaid  PeriodStatus = "UNPAID"
)

// =============================================================================
// OUTPUT
// =============================================================================

type ConceptDetail struct {
	Concept  ConceptType     `json:"concept"`
	Expected decimal.Decimal `json:"expected"`
	Paid     decimal.Decimal `json:"paid"`
	Pending  decimal.Decimal `json:"pending"`
}

type PeriodPaymentDetail struct {
	PeriodID      int64           `json:"period_id"`
	Year          int             `json:"year"`
	Month         int             `json:"month"`
	DueDate       time.Time       `json:"due_date"`
	Concepts      []ConceptDetail `json:"concepts"`
	ExpectedTotal decimal.Decimal `json:"expected_total"`
	PaidTotal     decimal.Decimal `json:"paid_total"`
	PendingTotal  decimal.Decimal `json:"pending_total"`
	IsOverdue     bool            `json:"is_overdue"`
	PenaltyAmount decimal.Decimal `json:"penalty_amount"`
	Status        PeriodStatus    `json:"status"`
}

type HouseBalanceStatus struct {
	HouseID          int64                 `json:"house_id"`
	HouseNumber      int                   `json:"house_number"`
	Status           HouseStatus           `json:"status"`
	Message          string                `json:"message,omitempty"`
	CreditBalance    decimal.Decimal       `json:"credit_balance"`
	DebitBalance     decimal.Decimal       `json:"debit_balance"`
	AccumulatedCents decimal.Decimal       `json:"accumulated_cents"`
	TotalDebt        decimal.Decimal       `json:"total_debt"`
	TotalExpected    decimal.Decimal       `json:"total_expected"`
	TotalPaid        decimal.Decimal       `json:"total_paid"`
	TotalPending     decimal.Decimal       `json:"total_pending"`
	TotalPenalties   decimal.Decimal       `json:"total_penalties"`
	UnpaidPeriods    []PeriodPaymentDetail `json:"unpaid_periods"`
	PaidPeriods      []PeriodPaymentDetail `json:"paid_periods"`
	CurrentPeriod    *PeriodPaymentDetail  `json:"current_period,omitempty"`
	NextDueDate      *time.Time            `json:"next_due_date,omitempty"`
	CalculatedAt     time.Time             `json:"calculated_at"`
}

// =============================================================================
// CALCULATOR
// =============================================================================

type BalanceStatusCalculator struct {
	store     Store
	penalties *PenaltyGenerator
	log       *zap.Logger
	clock     Clock
}

func NewBalanceStatusCalculator(store Store, penalties *PenaltyGenerator, opts ...Option) *BalanceStatusCalculator {
	o := buildOptions("balance_status", opts)
	return &BalanceStatusCalculator{store: store, penalties: penalties, log: o.logger, clock: o.clock}
}

// Calculate derives the status of one house. house may be nil when only the id is known.
func (c *BalanceStatusCalculator) Calculate(ctx context.Context, houseID int64, house *House) (*HouseBalanceStatus, error) {
	now := c.clock.now()
	status := &HouseBalanceStatus{
		HouseID:        houseID,
		Status:         StatusAlDia,
		TotalDebt:      decimal.Zero,
		TotalExpected:  decimal.Zero,
		TotalPaid:      decimal.Zero,
		TotalPending:   decimal.Zero,
		TotalPenalties: decimal.Zero,
		UnpaidPeriods:  []PeriodPaymentDetail{},
		PaidPeriods:    []PeriodPaymentDetail{},
		CalculatedAt:   now,
	}
	if house != nil {
		status.HouseNumber = house.Number
	}

	balance, err := c.store.Balances().GetOrCreate(ctx, houseID)
	if err != nil {
		return nil, fmt.Errorf("load house balance: %w", err)
	}
	status.CreditBalance = balance.CreditBalance
	status.DebitBalance = balance.DebitBalance
	status.AccumulatedCents = balance.AccumulatedCents

	periods, err := c.store.Periods().FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load periods: %w", err)
	}
	if len(periods) == 0 {
		status.Message = noPeriodsMessage
		return status, nil
	}
	sortPeriods(periods)

	schedule := NewChargeSchedule(c.store.Charges())
	for _, p := range periods {
		detail, err := c.periodDetail(ctx, schedule, houseID, p, now)
		if err != nil {
			return nil, err
		}
		status.TotalExpected = status.TotalExpected.Add(detail.ExpectedTotal)
		status.TotalPaid = status.TotalPaid.Add(detail.PaidTotal)
		status.TotalPending = status.TotalPending.Add(detail.PendingTotal)
		status.TotalPenalties = status.TotalPenalties.Add(detail.PenaltyAmount)

		if detail.Status == PeriodPaid {
			status.PaidPeriods = append(status.PaidPeriods, detail)
		} else {
			status.UnpaidPeriods = append(status.UnpaidPeriods, detail)
		}
		if p.IsMonth(now) {
			d := detail
			status.CurrentPeriod = &d
		}
	}

	status.TotalExpected = Round2(status.TotalExpected)
	status.TotalPaid = Round2(status.TotalPaid)
	status.TotalPending = Round2(status.TotalPending)
	status.TotalPenalties = Round2(status.TotalPenalties)
	status.TotalDebt = Round2(status.TotalPending.Add(status.TotalPenalties))
	status.Status = classify(status.CreditBalance, status.UnpaidPeriods)

	cfg, err := c.store.PeriodConfigs().FindActiveForDate(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("find active config: %w", err)
	}
	if cfg != nil {
		next := NextDueDate(now, cfg.PaymentDueDay)
		status.NextDueDate = &next
	}
	return status, nil
}

func (c *BalanceStatusCalculator) periodDetail(ctx context.Context, schedule *ChargeSchedule, houseID int64, p Period, now time.Time) (PeriodPaymentDetail, error) {
	detail := PeriodPaymentDetail{
		PeriodID:      p.ID,
		Year:          p.Year,
		Month:         int(p.Month),
		ExpectedTotal: decimal.Zero,
		PaidTotal:     decimal.Zero,
		PenaltyAmount: decimal.Zero,
	}

	cfg, err := c.store.PeriodConfigs().FindActiveForDate(ctx, p.StartDate)
	if err != nil {
		return detail, fmt.Errorf("find config for period %d: %w", p.ID, err)
	}
	concepts, err := schedule.ConceptsFor(ctx, houseID, p, cfg)
	if err != nil {
		return detail, err
	}
	allocs, err := c.store.Allocations().FindByHouseAndPeriod(ctx, houseID, p.ID)
	if err != nil {
		return detail, fmt.Errorf("load allocations for period %d: %w", p.ID, err)
	}
	paid := paidByConcept(allocs)

	for _, rc := range concepts {
		cd := ConceptDetail{
			Concept:  rc.Concept,
			Expected: rc.Expected,
			Paid:     Round2(paid[rc.Concept]),
		}
		cd.Pending = Round2(nonNegative(cd.Expected.Sub(cd.Paid)))
		detail.Concepts = append(detail.Concepts, cd)
		detail.ExpectedTotal = detail.ExpectedTotal.Add(rc.Expected)
		detail.PaidTotal = detail.PaidTotal.Add(cd.Paid)
	}
	detail.ExpectedTotal = Round2(detail.ExpectedTotal)
	detail.PaidTotal = Round2(detail.PaidTotal)
	detail.PendingTotal = Round2(nonNegative(detail.ExpectedTotal.Sub(detail.PaidTotal)))

	dueDay := DefaultDueDay
	if cfg != nil && cfg.PaymentDueDay > 0 {
		dueDay = cfg.PaymentDueDay
	}
	detail.DueDate = DueDate(p.Year, p.Month, dueDay)
	detail.IsOverdue = now.After(detail.DueDate) && detail.PendingTotal.IsPositive()

	if detail.IsOverdue {
		detail.PenaltyAmount = c.penaltyFor(ctx, houseID, p, cfg)
	}

	switch {
	case !detail.PendingTotal.IsPositive():
		detail.Status = PeriodPaid
	case detail.PaidTotal.IsPositive():
		detail.Status = PeriodPartial
	default:
		detail.Status = PeriodUnpaid
	}
	return detail, nil
}

// penaltyFor generates (or finds) the period penalty. Failures fall back to the
// configured amount; the status view is never blocked by penalty bookkeeping.
func (c *BalanceStatusCalculator) penaltyFor(ctx context.Context, houseID int64, p Period, cfg *PeriodConfig) decimal.Decimal {
	if c.penalties == nil {
		return decimal.Zero
	}
	fallback := c.penalties.AmountFor(cfg)

	created, err := c.penalties.Generate(ctx, houseID, p.ID, p.StartDate)
	if err != nil {
		c.log.Warn("penalty generation failed",
			zap.Int64("house_id", houseID), zap.Int64("period_id", p.ID), zap.Error(err))
		return fallback
	}
	if created != nil {
		return created.Amount
	}
	existing, err := c.store.Penalties().FindByHouseAndPeriod(ctx, houseID, p.ID)
	if err != nil || existing == nil {
		return fallback
	}
	return existing.Amount
}

func classify(credit decimal.Decimal, unpaid []PeriodPaymentDetail) HouseStatus {
	if credit.IsPositive() && len(unpaid) == 0 {
		return StatusSaldoAFavor
	}
	for _, d := range unpaid {
		if d.IsOverdue {
			return StatusMorosa
		}
	}
	return StatusAlDia
}
