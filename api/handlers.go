/*
handlers.go - HTTP API handlers for the dues ledger engine

PURPOSE:
  Exposes the dues engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the dues components.

ENDPOINTS:
  Houses:
    GET    /api/houses                      List houses
    POST   /api/houses                      Create or rename a house
    GET    /api/houses/summary              Status of every house (snapshot cached)
    GET    /api/houses/{id}/status          Status of one house (snapshot cached)
    POST   /api/houses/{id}/credit/apply    Sweep credit into unpaid maintenance

  Payments:
    POST   /api/payments/records            Register a matched payment record
    POST   /api/payments/allocate           Allocate a payment to the period concepts

  Periods:
    GET    /api/periods                     List periods
    POST   /api/periods                     Ensure a (year, month) period exists
    PATCH  /api/periods/{id}/concepts       Toggle water / extraordinary fee
    POST   /api/period-configs              Create a period config

  Admin:
    PUT    /api/admin/charges               Batch update expected amounts
    POST   /api/admin/backfill              Allocate unallocated records (?house_number=)
    POST   /api/admin/reprocess             Rebuild every derived table
    POST   /api/admin/snapshots/invalidate  Mark snapshots stale

  Scenarios:
    GET    /api/scenarios                   List demo scenarios
    POST   /api/scenarios/load              Load a demo scenario

ARCHITECTURE:
  Handler holds the wired dues.Engine and a logger. Every business rule
  lives in the dues package; handlers only parse, delegate and serialize.

ERROR HANDLING:
  Errors are returned as JSON with a status derived from the dues error kind:
  - 400: dues.ErrValidation, malformed body or path
  - 404: dues.ErrNotFound
  - 409: dues.ErrConflict (batch lock held, duplicates)
  - 500: anything else, logged with the request id

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/warp/dues-engine/dues"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *dues.Engine
	Clock  dues.Clock // nil: time.Now in UTC
	log    *zap.Logger
}

// NewHandler creates a handler over a wired engine. log may be nil.
func NewHandler(engine *dues.Engine, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Engine: engine, log: log.Named("api")}
}

func (h *Handler) now() time.Time {
	if h.Clock != nil {
		return h.Clock()
	}
	return time.Now().UTC()
}

// =============================================================================
// HOUSE HANDLERS
// =============================================================================

// ListHouses returns all houses ordered by number.
func (h *Handler) ListHouses(w http.ResponseWriter, r *http.Request) {
	houses, err := h.Engine.Store.Houses().FindAll(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "Failed to list houses", err)
		return
	}

	dtos := make([]HouseDTO, len(houses))
	for i, house := range houses {
		dtos[i] = toHouseDTO(house)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateHouse creates a house, or renames the owner of an existing number.
func (h *Handler) CreateHouse(w http.ResponseWriter, r *http.Request) {
	var req CreateHouseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	house := dues.House{Number: req.Number, OwnerName: req.OwnerName}
	if err := house.Validate(); err != nil {
		h.writeDomainError(w, r, "Invalid house", err)
		return
	}
	saved, err := h.Engine.Store.Houses().Save(r.Context(), house)
	if err != nil {
		h.writeDomainError(w, r, "Failed to save house", err)
		return
	}

	writeJSON(w, http.StatusCreated, toHouseDTO(*saved))
}

// GetHouseStatus returns the status view of one house.
func (h *Handler) GetHouseStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	house, err := h.Engine.Store.Houses().FindByID(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get house", err)
		return
	}
	if house == nil {
		writeError(w, http.StatusNotFound, "House not found", nil)
		return
	}

	status, err := h.Engine.Snapshots.GetOrCalculate(r.Context(), house.ID, house)
	if err != nil {
		h.writeDomainError(w, r, "Failed to calculate house status", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// GetHouseSummary returns the status view of every house.
func (h *Handler) GetHouseSummary(w http.ResponseWriter, r *http.Request) {
	houses, err := h.Engine.Store.Houses().FindAll(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "Failed to list houses", err)
		return
	}

	statuses, err := h.Engine.Snapshots.GetAllForSummary(r.Context(), houses)
	if err != nil {
		h.writeDomainError(w, r, "Failed to build summary", err)
		return
	}
	writeJSON(w, http.StatusOK, HouseSummaryResponse{Houses: statuses, Count: len(statuses)})
}

// ApplyCredit sweeps the house credit into its unpaid maintenance.
func (h *Handler) ApplyCredit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	result, err := h.Engine.Credit.ApplyCredit(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to apply credit", err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditDTO(result))
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// CreatePaymentRecord registers a payment already matched to a house.
func (h *Handler) CreatePaymentRecord(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	date, err := time.Parse(dateLayout, req.TransactionDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid transaction_date format (use YYYY-MM-DD)", err)
		return
	}

	rec := dues.PaymentRecord{
		HouseID:         req.HouseID,
		Amount:          req.Amount,
		TransactionDate: date,
		Confirmed:       req.Confirmed,
	}
	if err := rec.Validate(); err != nil {
		h.writeDomainError(w, r, "Invalid payment record", err)
		return
	}

	house, err := h.Engine.Store.Houses().FindByID(r.Context(), rec.HouseID)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get house", err)
		return
	}
	if house == nil {
		writeError(w, http.StatusNotFound, "House not found", nil)
		return
	}

	created, err := h.Engine.Store.Records().Create(r.Context(), rec)
	if err != nil {
		h.writeDomainError(w, r, "Failed to create payment record", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRecordDTO(*created))
}

// AllocatePayment distributes a payment over the concepts of a period.
func (h *Handler) AllocatePayment(w http.ResponseWriter, r *http.Request) {
	var req AllocatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.Engine.Allocator.AllocatePayment(r.Context(), dues.AllocatePaymentInput{
		RecordID: req.RecordID,
		HouseID:  req.HouseID,
		Amount:   req.Amount,
		PeriodID: req.PeriodID,
	})
	if err != nil {
		h.writeDomainError(w, r, "Failed to allocate payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocateResponse(result))
}

// =============================================================================
// PERIOD HANDLERS
// =============================================================================

// ListPeriods returns every period ascending by (year, month).
func (h *Handler) ListPeriods(w http.ResponseWriter, r *http.Request) {
	periods, err := h.Engine.Store.Periods().FindAll(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "Failed to list periods", err)
		return
	}

	dtos := make([]PeriodDTO, len(periods))
	for i, p := range periods {
		dtos[i] = toPeriodDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// EnsurePeriod returns the requested period, creating and seeding it on first use.
func (h *Handler) EnsurePeriod(w http.ResponseWriter, r *http.Request) {
	var req EnsurePeriodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	period, err := h.Engine.Registry.EnsurePeriodExists(r.Context(), req.Year, time.Month(req.Month))
	if err != nil {
		h.writeDomainError(w, r, "Failed to ensure period", err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodDTO(*period))
}

// UpdatePeriodConcepts toggles the optional concepts of one period.
func (h *Handler) UpdatePeriodConcepts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req UpdatePeriodConceptsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	period, err := h.Engine.Admin.UpdatePeriodConcepts(r.Context(), dues.PeriodConceptsUpdate{
		PeriodID:               id,
		WaterActive:            req.WaterActive,
		ExtraordinaryFeeActive: req.ExtraordinaryFeeActive,
	})
	if err != nil {
		h.writeDomainError(w, r, "Failed to update period concepts", err)
		return
	}
	// Cached copies still carry the old flags.
	h.Engine.Registry.ClearCache()

	writeJSON(w, http.StatusOK, toPeriodDTO(*period))
}

// CreatePeriodConfig stores a new time-versioned set of defaults.
func (h *Handler) CreatePeriodConfig(w http.ResponseWriter, r *http.Request) {
	var req CreatePeriodConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	from, err := time.Parse(dateLayout, req.EffectiveFrom)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid effective_from format (use YYYY-MM-DD)", err)
		return
	}
	cfg := dues.PeriodConfig{
		DefaultMaintenanceAmount:      req.DefaultMaintenanceAmount,
		DefaultWaterAmount:            req.DefaultWaterAmount,
		DefaultExtraordinaryFeeAmount: req.DefaultExtraordinaryFeeAmount,
		PaymentDueDay:                 req.PaymentDueDay,
		LatePaymentPenaltyAmount:      req.LatePaymentPenaltyAmount,
		EffectiveFrom:                 from,
		IsActive:                      true,
	}
	if req.EffectiveUntil != nil {
		until, err := time.Parse(dateLayout, *req.EffectiveUntil)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid effective_until format (use YYYY-MM-DD)", err)
			return
		}
		cfg.EffectiveUntil = &until
	}
	if err := cfg.Validate(); err != nil {
		h.writeDomainError(w, r, "Invalid period config", err)
		return
	}

	created, err := h.Engine.Store.PeriodConfigs().Create(r.Context(), cfg)
	if err != nil {
		h.writeDomainError(w, r, "Failed to create period config", err)
		return
	}
	// Cached statuses were derived from the previous configs.
	if err := h.Engine.Snapshots.InvalidateAll(r.Context()); err != nil {
		h.log.Warn("invalidating snapshots after config creation failed",
			zap.Int64("period_config_id", created.ID), zap.Error(err))
	}
	writeJSON(w, http.StatusCreated, toPeriodConfigDTO(*created))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// BatchUpdateCharges rewrites or removes one concept across a month range.
func (h *Handler) BatchUpdateCharges(w http.ResponseWriter, r *http.Request) {
	var req BatchChargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.Engine.Admin.BatchUpdatePeriodCharges(r.Context(), dues.BatchChargeUpdate{
		From:    dues.YearMonth{Year: req.FromYear, Month: time.Month(req.FromMonth)},
		To:      dues.YearMonth{Year: req.ToYear, Month: time.Month(req.ToMonth)},
		Concept: dues.ConceptType(req.Concept),
		Amount:  req.Amount,
		Remove:  req.Remove,
	})
	if err != nil {
		h.writeDomainError(w, r, "Failed to update charges", err)
		return
	}
	writeJSON(w, http.StatusOK, BatchChargeResponse{
		PeriodsAffected: result.PeriodsAffected,
		RowsAffected:    result.RowsAffected,
	})
}

// TriggerBackfill allocates every confirmed record that has no allocation yet.
func (h *Handler) TriggerBackfill(w http.ResponseWriter, r *http.Request) {
	var houseNumber *int
	if raw := r.URL.Query().Get("house_number"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid house_number", err)
			return
		}
		houseNumber = &n
	}

	result, err := h.Engine.Backfiller.Backfill(r.Context(), houseNumber)
	if err != nil {
		h.writeDomainError(w, r, "Backfill failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toBackfillResponse(result))
}

// TriggerReprocess wipes derived state and replays every confirmed record.
func (h *Handler) TriggerReprocess(w http.ResponseWriter, r *http.Request) {
	result, err := h.Engine.Backfiller.Reprocess(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "Reprocess failed", err)
		return
	}
	writeJSON(w, http.StatusOK, ReprocessResponse{
		AllocationsDeleted: result.AllocationsDeleted,
		BalancesReset:      result.BalancesReset,
		MarksCleared:       result.MarksCleared,
		Backfill:           toBackfillResponse(result.Backfill),
	})
}

// InvalidateSnapshots marks the named snapshots stale, or all of them.
func (h *Handler) InvalidateSnapshots(w http.ResponseWriter, r *http.Request) {
	var req InvalidateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	var err error
	if len(req.HouseIDs) == 0 {
		err = h.Engine.Snapshots.InvalidateAll(r.Context())
	} else {
		err = h.Engine.Snapshots.InvalidateByHouseIDs(r.Context(), req.HouseIDs)
	}
	if err != nil {
		h.writeDomainError(w, r, "Failed to invalidate snapshots", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps the dues error kind to a status; untagged errors are 500.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error(message,
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch dues.KindOf(err) {
	case dues.ErrValidation:
		return http.StatusBadRequest
	case dues.ErrNotFound:
		return http.StatusNotFound
	case dues.ErrConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// pathID parses the {id} URL parameter, writing a 400 when it is not a positive integer.
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid id", err)
		return 0, false
	}
	return id, true
}
