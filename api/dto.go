/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the dues domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Houses:
    HouseDTO, CreateHouseRequest
    (status views reuse dues.HouseBalanceStatus, which carries its own tags)

  Payments:
    CreatePaymentRecordRequest, PaymentRecordDTO
    AllocatePaymentRequest, AllocatePaymentResponse, AllocationDTO, BalanceDTO

  Credit:
    CreditApplicationDTO

  Periods:
    PeriodDTO, EnsurePeriodRequest, CreatePeriodConfigRequest, PeriodConfigDTO
    UpdatePeriodConceptsRequest

  Admin:
    BatchChargeRequest, BackfillResponse, ReprocessResponse, InvalidateRequest

MONEY:
  Amounts are decimal.Decimal and serialize as JSON strings ("850.00").
  Requests accept either a string or a number.

VALIDATION:
  Validation is done by the dues components, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - dues/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/dues-engine/dues"
)

// =============================================================================
// HOUSES
// =============================================================================

type HouseDTO struct {
	ID        int64  `json:"id"`
	Number    int    `json:"number"`
	OwnerName string `json:"owner_name"`
}

type CreateHouseRequest struct {
	Number    int    `json:"number"`
	OwnerName string `json:"owner_name"`
}

// HouseSummaryResponse is the dashboard view of every house.
type HouseSummaryResponse struct {
	Houses []*dues.HouseBalanceStatus `json:"houses"`
	Count  int                        `json:"count"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

type CreatePaymentRecordRequest struct {
	HouseID         int64           `json:"house_id"`
	Amount          decimal.Decimal `json:"amount"`
	TransactionDate string          `json:"transaction_date"` // YYYY-MM-DD
	Confirmed       bool            `json:"confirmed"`
}

type PaymentRecordDTO struct {
	ID              int64           `json:"id"`
	HouseID         int64           `json:"house_id"`
	Amount          decimal.Decimal `json:"amount"`
	TransactionDate string          `json:"transaction_date"`
	Confirmed       bool            `json:"confirmed"`
	AllocatedAt     *string         `json:"allocated_at,omitempty"`
}

type AllocatePaymentRequest struct {
	RecordID int64           `json:"record_id"`
	HouseID  int64           `json:"house_id"`
	Amount   decimal.Decimal `json:"amount"`
	PeriodID *int64          `json:"period_id,omitempty"`
}

type AllocationDTO struct {
	ID              int64           `json:"id"`
	Origin          string          `json:"origin"`
	RecordID        *int64          `json:"record_id,omitempty"`
	HouseID         int64           `json:"house_id"`
	PeriodID        int64           `json:"period_id"`
	ConceptType     string          `json:"concept_type"`
	ConceptID       int64           `json:"concept_id,omitempty"`
	AllocatedAmount decimal.Decimal `json:"allocated_amount"`
	ExpectedAmount  decimal.Decimal `json:"expected_amount"`
	PaymentStatus   string          `json:"payment_status"`
	CreatedAt       string          `json:"created_at"`
}

type BalanceDTO struct {
	HouseID          int64           `json:"house_id"`
	AccumulatedCents decimal.Decimal `json:"accumulated_cents"`
	CreditBalance    decimal.Decimal `json:"credit_balance"`
	DebitBalance     decimal.Decimal `json:"debit_balance"`
	UpdatedAt        string          `json:"updated_at"`
}

type AllocatePaymentResponse struct {
	RecordID          int64                 `json:"record_id"`
	HouseID           int64                 `json:"house_id"`
	PeriodID          int64                 `json:"period_id"`
	TotalDistributed  decimal.Decimal       `json:"total_distributed"`
	BalanceApplied    decimal.Decimal       `json:"balance_applied"`
	RemainingAmount   decimal.Decimal       `json:"remaining_amount"`
	Allocations       []AllocationDTO       `json:"allocations"`
	BalanceAfter      BalanceDTO            `json:"balance_after"`
	CreditApplication *CreditApplicationDTO `json:"credit_application,omitempty"`
}

// =============================================================================
// CREDIT
// =============================================================================

type CreditApplicationDTO struct {
	HouseID                 int64           `json:"house_id"`
	CreditBefore            decimal.Decimal `json:"credit_before"`
	CreditAfter             decimal.Decimal `json:"credit_after"`
	TotalApplied            decimal.Decimal `json:"total_applied"`
	PeriodsCovered          int             `json:"periods_covered"`
	PeriodsPartiallyCovered int             `json:"periods_partially_covered"`
	Allocations             []AllocationDTO `json:"allocations"`
}

// =============================================================================
// PERIODS
// =============================================================================

type PeriodDTO struct {
	ID                     int64  `json:"id"`
	Year                   int    `json:"year"`
	Month                  int    `json:"month"`
	StartDate              string `json:"start_date"`
	EndDate                string `json:"end_date"`
	PeriodConfigID         *int64 `json:"period_config_id,omitempty"`
	WaterActive            bool   `json:"water_active"`
	ExtraordinaryFeeActive bool   `json:"extraordinary_fee_active"`
}

type EnsurePeriodRequest struct {
	Year  int `json:"year"`
	Month int `json:"month"`
}

type CreatePeriodConfigRequest struct {
	DefaultMaintenanceAmount      decimal.Decimal     `json:"default_maintenance_amount"`
	DefaultWaterAmount            decimal.NullDecimal `json:"default_water_amount"`
	DefaultExtraordinaryFeeAmount decimal.NullDecimal `json:"default_extraordinary_fee_amount"`
	PaymentDueDay                 int                 `json:"payment_due_day"`
	LatePaymentPenaltyAmount      decimal.NullDecimal `json:"late_payment_penalty_amount"`
	EffectiveFrom                 string              `json:"effective_from"`            // YYYY-MM-DD
	EffectiveUntil                *string             `json:"effective_until,omitempty"` // YYYY-MM-DD
}

type PeriodConfigDTO struct {
	ID                            int64               `json:"id"`
	DefaultMaintenanceAmount      decimal.Decimal     `json:"default_maintenance_amount"`
	DefaultWaterAmount            decimal.NullDecimal `json:"default_water_amount"`
	DefaultExtraordinaryFeeAmount decimal.NullDecimal `json:"default_extraordinary_fee_amount"`
	PaymentDueDay                 int                 `json:"payment_due_day"`
	LatePaymentPenaltyAmount      decimal.NullDecimal `json:"late_payment_penalty_amount"`
	EffectiveFrom                 string              `json:"effective_from"`
	EffectiveUntil                *string             `json:"effective_until,omitempty"`
	IsActive                      bool                `json:"is_active"`
}

type UpdatePeriodConceptsRequest struct {
	WaterActive            *bool `json:"water_active,omitempty"`
	ExtraordinaryFeeActive *bool `json:"extraordinary_fee_active,omitempty"`
}

// =============================================================================
// ADMIN
// =============================================================================

type BatchChargeRequest struct {
	FromYear  int             `json:"from_year"`
	FromMonth int             `json:"from_month"`
	ToYear    int             `json:"to_year"`
	ToMonth   int             `json:"to_month"`
	Concept   string          `json:"concept"`
	Amount    decimal.Decimal `json:"amount"`
	Remove    bool            `json:"remove"`
}

type BatchChargeResponse struct {
	PeriodsAffected int   `json:"periods_affected"`
	RowsAffected    int64 `json:"rows_affected"`
}

type RecordResultDTO struct {
	RecordID         int64           `json:"record_id"`
	HouseID          int64           `json:"house_id"`
	Outcome          string          `json:"outcome"`
	Allocations      int             `json:"allocations"`
	TotalDistributed decimal.Decimal `json:"total_distributed"`
	Error            string          `json:"error,omitempty"`
}

type BackfillResponse struct {
	RunID             string            `json:"run_id"`
	TotalRecordsFound int               `json:"total_records_found"`
	Processed         int               `json:"processed"`
	Skipped           int               `json:"skipped"`
	Failed            int               `json:"failed"`
	Results           []RecordResultDTO `json:"results"`
}

type ReprocessResponse struct {
	AllocationsDeleted int64             `json:"allocations_deleted"`
	BalancesReset      int64             `json:"balances_reset"`
	MarksCleared       int64             `json:"marks_cleared"`
	Backfill           *BackfillResponse `json:"backfill,omitempty"`
}

// InvalidateRequest names the houses to mark stale; empty means all.
type InvalidateRequest struct {
	HouseIDs []int64 `json:"house_ids"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// ERRORS
// =============================================================================

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

const dateLayout = "2006-01-02"

func toHouseDTO(h dues.House) HouseDTO {
	return HouseDTO{ID: h.ID, Number: h.Number, OwnerName: h.OwnerName}
}

func toRecordDTO(rec dues.PaymentRecord) PaymentRecordDTO {
	dto := PaymentRecordDTO{
		ID:              rec.ID,
		HouseID:         rec.HouseID,
		Amount:          rec.Amount,
		TransactionDate: rec.TransactionDate.Format(dateLayout),
		Confirmed:       rec.Confirmed,
	}
	if rec.AllocatedAt != nil {
		s := rec.AllocatedAt.Format(time.RFC3339)
		dto.AllocatedAt = &s
	}
	return dto
}

func toAllocationDTOs(allocs []dues.RecordAllocation) []AllocationDTO {
	dtos := make([]AllocationDTO, len(allocs))
	for i, a := range allocs {
		dtos[i] = AllocationDTO{
			ID:              a.ID,
			Origin:          string(a.Origin.Kind),
			HouseID:         a.HouseID,
			PeriodID:        a.PeriodID,
			ConceptType:     string(a.ConceptType),
			ConceptID:       a.ConceptID,
			AllocatedAmount: a.AllocatedAmount,
			ExpectedAmount:  a.ExpectedAmount,
			PaymentStatus:   string(a.PaymentStatus),
			CreatedAt:       a.CreatedAt.Format(time.RFC3339),
		}
		if !a.Origin.IsCreditSweep() {
			id := a.Origin.RecordID
			dtos[i].RecordID = &id
		}
	}
	return dtos
}

func toBalanceDTO(b dues.HouseBalance) BalanceDTO {
	return BalanceDTO{
		HouseID:          b.HouseID,
		AccumulatedCents: b.AccumulatedCents,
		CreditBalance:    b.CreditBalance,
		DebitBalance:     b.DebitBalance,
		UpdatedAt:        b.UpdatedAt.Format(time.RFC3339),
	}
}

func toCreditDTO(c *dues.CreditApplicationResult) *CreditApplicationDTO {
	if c == nil {
		return nil
	}
	return &CreditApplicationDTO{
		HouseID:                 c.HouseID,
		CreditBefore:            c.CreditBefore,
		CreditAfter:             c.CreditAfter,
		TotalApplied:            c.TotalApplied,
		PeriodsCovered:          c.PeriodsCovered,
		PeriodsPartiallyCovered: c.PeriodsPartiallyCovered,
		Allocations:             toAllocationDTOs(c.AllocationsCreated),
	}
}

func toAllocateResponse(r *dues.AllocatePaymentResult) AllocatePaymentResponse {
	return AllocatePaymentResponse{
		RecordID:          r.RecordID,
		HouseID:           r.HouseID,
		PeriodID:          r.PeriodID,
		TotalDistributed:  r.TotalDistributed,
		BalanceApplied:    r.BalanceApplied,
		RemainingAmount:   r.RemainingAmount,
		Allocations:       toAllocationDTOs(r.Allocations),
		BalanceAfter:      toBalanceDTO(r.BalanceAfter),
		CreditApplication: toCreditDTO(r.CreditApplication),
	}
}

func toPeriodDTO(p dues.Period) PeriodDTO {
	return PeriodDTO{
		ID:                     p.ID,
		Year:                   p.Year,
		Month:                  int(p.Month),
		StartDate:              p.StartDate.Format(dateLayout),
		EndDate:                p.EndDate.Format(dateLayout),
		PeriodConfigID:         p.PeriodConfigID,
		WaterActive:            p.WaterActive,
		ExtraordinaryFeeActive: p.ExtraordinaryFeeActive,
	}
}

func toPeriodConfigDTO(c dues.PeriodConfig) PeriodConfigDTO {
	dto := PeriodConfigDTO{
		ID:                            c.ID,
		DefaultMaintenanceAmount:      c.DefaultMaintenanceAmount,
		DefaultWaterAmount:            c.DefaultWaterAmount,
		DefaultExtraordinaryFeeAmount: c.DefaultExtraordinaryFeeAmount,
		PaymentDueDay:                 c.PaymentDueDay,
		LatePaymentPenaltyAmount:      c.LatePaymentPenaltyAmount,
		EffectiveFrom:                 c.EffectiveFrom.Format(dateLayout),
		IsActive:                      c.IsActive,
	}
	if c.EffectiveUntil != nil {
		s := c.EffectiveUntil.Format(dateLayout)
		dto.EffectiveUntil = &s
	}
	return dto
}

func toBackfillResponse(r *dues.BackfillResult) *BackfillResponse {
	if r == nil {
		return nil
	}
	resp := &BackfillResponse{
		RunID:             r.RunID,
		TotalRecordsFound: r.TotalRecordsFound,
		Processed:         r.Processed,
		Skipped:           r.Skipped,
		Failed:            r.Failed,
		Results:           make([]RecordResultDTO, len(r.Results)),
	}
	for i, rr := range r.Results {
		resp.Results[i] = RecordResultDTO{
			RecordID:         rr.RecordID,
			HouseID:          rr.HouseID,
			Outcome:          string(rr.Outcome),
			Allocations:      rr.Allocations,
			TotalDistributed: rr.TotalDistributed,
			Error:            rr.Error,
		}
	}
	return resp
}
