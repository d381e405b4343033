package dues

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultPenaltyAmount applies when no config, or no penalty amount on it, is found.
var DefaultPenaltyAmount = decimal.NewFromInt(100)

// PenaltyGenerator creates at most one late-payment penalty per (house, period).
//
// Idempotency is two-layered: a read-before-insert check, and the storage
// uniqueness constraint for concurrent generators. Both paths return nil, nil.
type PenaltyGenerator struct {
	store         Store
	defaultAmount decimal.Decimal
	log           *zap.Logger
	clock         Clock
}

func NewPenaltyGenerator(store Store, defaultAmount decimal.Decimal, opts ...Option) *PenaltyGenerator {
	o := buildOptions("penalty_generator", opts)
	if !defaultAmount.IsPositive() {
		defaultAmount = DefaultPenaltyAmount
	}
	return &PenaltyGenerator{store: store, defaultAmount: defaultAmount, log: o.logger, clock: o.clock}
}

// Generate returns the created penalty, or nil when one already exists.
func (g *PenaltyGenerator) Generate(ctx context.Context, houseID, periodID int64, periodStart time.Time) (*Penalty, error) {
	existing, err := g.store.Penalties().FindByHouseAndPeriod(ctx, houseID, periodID)
	if err != nil {
		return nil, fmt.Errorf("find penalty: %w", err)
	}
	if existing != nil {
		return nil, nil
	}

	cfg, err := g.store.PeriodConfigs().FindActiveForDate(ctx, periodStart)
	if err != nil {
		return nil, fmt.Errorf("find config for penalty: %w", err)
	}
	amount := g.AmountFor(cfg)

	created, err := g.store.Penalties().Create(ctx, Penalty{
		HouseID:     houseID,
		PeriodID:    periodID,
		Amount:      amount,
		Description: fmt.Sprintf("Recargo por pago tardío %s", periodStart.Format("2006-01")),
		CreatedAt:   g.clock.now(),
	})
	if err != nil {
		if IsConflict(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("create penalty: %w", err)
	}
	g.log.Info("late payment penalty created",
		zap.Int64("house_id", houseID), zap.Int64("period_id", periodID),
		zap.String("amount", amount.String()))
	return created, nil
}

// AmountFor is the penalty amount a config charges.
func (g *PenaltyGenerator) AmountFor(cfg *PeriodConfig) decimal.Decimal {
	if cfg != nil && cfg.LatePaymentPenaltyAmount.Valid {
		return cfg.LatePaymentPenaltyAmount.Decimal
	}
	return g.defaultAmount
}
