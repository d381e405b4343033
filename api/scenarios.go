/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate an empty database with
	realistic data for demos. Each scenario creates a period config, houses
	and payment records, then runs a backfill so allocations, balances and
	credit sweeps are produced by the real engine.

AVAILABLE SCENARIOS:

	small-condo: Five houses in the current month (paid, partial, surplus, none, unconfirmed)
	delinquent:  Three overdue months, one house catching up through credit

HOW SCENARIOS WORK:
 1. Refuse to load when houses already exist (409)
 2. Create the period config
 3. Create houses
 4. Ensure the periods the scenario needs
 5. Create payment records
 6. Run Backfill

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "small-condo"}

SEE ALSO:
  - handlers.go: Handler
  - dues/backfill.go: Backfiller
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/dues-engine/dues"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "small-condo",
		Name:        "Small Condo",
		Description: "Five houses paying the current month in full, in part, in surplus, not at all and unconfirmed",
	},
	{
		ID:          "delinquent",
		Name:        "Delinquent Houses",
		Description: "Three overdue months; one house pays a lump sum that sweeps into old maintenance",
	},
}

type scenarioLoader func(ctx context.Context, h *Handler, now time.Time) error

var scenarioLoaders = map[string]scenarioLoader{
	"small-condo": loadSmallCondoScenario,
	"delinquent":  loadDelinquentScenario,
}

// ListScenarios returns the available demo scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario loads a scenario into an empty database.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	houses, err := h.Engine.Store.Houses().FindAll(ctx)
	if err != nil {
		h.writeDomainError(w, r, "Failed to list houses", err)
		return
	}
	if len(houses) > 0 {
		writeError(w, http.StatusConflict, "Scenarios load into an empty database only", nil)
		return
	}

	if err := load(ctx, h, h.now()); err != nil {
		h.writeDomainError(w, r, "Failed to load scenario", err)
		return
	}

	result, err := h.Engine.Backfiller.Backfill(ctx, nil)
	if err != nil {
		h.writeDomainError(w, r, "Scenario backfill failed", err)
		return
	}

	h.log.Info("scenario loaded", zap.String("scenario", req.ScenarioID))
	writeJSON(w, http.StatusOK, map[string]any{
		"scenario_id": req.ScenarioID,
		"backfill":    toBackfillResponse(result),
	})
}

// =============================================================================
// LOADERS
// =============================================================================

func loadSmallCondoScenario(ctx context.Context, h *Handler, now time.Time) error {
	if err := createDemoConfig(ctx, h, now.AddDate(-1, 0, 0)); err != nil {
		return err
	}
	ids, err := createDemoHouses(ctx, h, "Ana Torres", "Luis Perez", "Marta Diaz", "Jorge Ruiz", "Sofia Vega")
	if err != nil {
		return err
	}
	if _, err := h.Engine.Registry.EnsurePeriodExists(ctx, now.Year(), now.Month()); err != nil {
		return err
	}

	payments := []struct {
		house     int64
		amount    string
		confirmed bool
	}{
		{ids[0], "850", true},
		{ids[1], "400", true},
		{ids[2], "2000", true},
		{ids[4], "850", false},
	}
	for _, p := range payments {
		if err := createDemoRecord(ctx, h, p.house, p.amount, now, p.confirmed); err != nil {
			return err
		}
	}
	return nil
}

func loadDelinquentScenario(ctx context.Context, h *Handler, now time.Time) error {
	current := dues.StartOfMonth(now.Year(), now.Month())
	if err := createDemoConfig(ctx, h, current.AddDate(0, -6, 0)); err != nil {
		return err
	}
	ids, err := createDemoHouses(ctx, h, "Carmen Rios", "Pedro Lara", "Elena Mora")
	if err != nil {
		return err
	}
	for back := 3; back >= 0; back-- {
		m := current.AddDate(0, -back, 0)
		if _, err := h.Engine.Registry.EnsurePeriodExists(ctx, m.Year(), m.Month()); err != nil {
			return err
		}
	}

	// 850 covers the current month; the rest becomes credit for the three old months.
	if err := createDemoRecord(ctx, h, ids[0], "3400", now, true); err != nil {
		return err
	}
	return createDemoRecord(ctx, h, ids[1], "850", now, true)
}

// =============================================================================
// HELPERS
// =============================================================================

func createDemoConfig(ctx context.Context, h *Handler, from time.Time) error {
	cfg := dues.PeriodConfig{
		DefaultMaintenanceAmount: decimal.NewFromInt(800),
		DefaultWaterAmount:       decimal.NewNullDecimal(decimal.NewFromInt(50)),
		PaymentDueDay:            10,
		LatePaymentPenaltyAmount: decimal.NewNullDecimal(decimal.NewFromInt(100)),
		EffectiveFrom:            dues.StartOfMonth(from.Year(), from.Month()),
		IsActive:                 true,
	}
	if _, err := h.Engine.Store.PeriodConfigs().Create(ctx, cfg); err != nil {
		return fmt.Errorf("create demo config: %w", err)
	}
	return nil
}

func createDemoHouses(ctx context.Context, h *Handler, owners ...string) ([]int64, error) {
	ids := make([]int64, len(owners))
	for i, owner := range owners {
		house, err := h.Engine.Store.Houses().Save(ctx, dues.House{Number: i + 1, OwnerName: owner})
		if err != nil {
			return nil, fmt.Errorf("create demo house %d: %w", i+1, err)
		}
		ids[i] = house.ID
	}
	return ids, nil
}

func createDemoRecord(ctx context.Context, h *Handler, houseID int64, amount string, date time.Time, confirmed bool) error {
	_, err := h.Engine.Store.Records().Create(ctx, dues.PaymentRecord{
		HouseID:         houseID,
		Amount:          decimal.RequireFromString(amount),
		TransactionDate: date,
		Confirmed:       confirmed,
	})
	if err != nil {
		return fmt.Errorf("create demo record for house %d: %w", houseID, err)
	}
	return nil
}
