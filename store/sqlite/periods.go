package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/dues-engine/dues"
)

// =============================================================================
// PERIODS
// =============================================================================

type periodRepo session

const periodColumns = `id, year, month, start_date, end_date, period_config_id, water_active, extraordinary_fee_active`

func (r periodRepo) FindByID(ctx context.Context, id int64) (*dues.Period, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+periodColumns+` FROM periods WHERE id = ?`, id)
	return scanPeriod(row)
}

func (r periodRepo) FindByYearAndMonth(ctx context.Context, year int, month time.Month) (*dues.Period, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+periodColumns+` FROM periods WHERE year = ? AND month = ?`, year, int(month))
	return scanPeriod(row)
}

func (r periodRepo) FindAll(ctx context.Context) ([]dues.Period, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+periodColumns+` FROM periods ORDER BY year, month`)
	if err != nil {
		return nil, fmt.Errorf("query periods: %w", err)
	}
	defer rows.Close()

	var out []dues.Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (r periodRepo) Create(ctx context.Context, p dues.Period) (*dues.Period, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO periods (year, month, start_date, end_date, period_config_id, water_active, extraordinary_fee_active)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.Year, int(p.Month), formatTime(p.StartDate), formatTime(p.EndDate),
		nullInt64(p.PeriodConfigID), boolInt(p.WaterActive), boolInt(p.ExtraordinaryFeeActive),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, dues.ConflictError("create_period", fmt.Sprintf("%d-%02d exists", p.Year, int(p.Month)), err)
		}
		return nil, fmt.Errorf("insert period: %w", err)
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("period id: %w", err)
	}
	return &p, nil
}

func (r periodRepo) UpdateFlags(ctx context.Context, id int64, waterActive, extraordinaryFeeActive bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE periods SET water_active = ?, extraordinary_fee_active = ? WHERE id = ?`,
		boolInt(waterActive), boolInt(extraordinaryFeeActive), id)
	if err != nil {
		return fmt.Errorf("update period flags: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPeriod(s scanner) (*dues.Period, error) {
	var (
		p            dues.Period
		month        int
		start, end   string
		configID     sql.NullInt64
		water, extra int
	)
	err := s.Scan(&p.ID, &p.Year, &month, &start, &end, &configID, &water, &extra)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan period: %w", err)
	}
	p.Month = time.Month(month)
	if p.StartDate, err = parseTime(start); err != nil {
		return nil, err
	}
	if p.EndDate, err = parseTime(end); err != nil {
		return nil, err
	}
	if configID.Valid {
		id := configID.Int64
		p.PeriodConfigID = &id
	}
	p.WaterActive, p.ExtraordinaryFeeActive = water != 0, extra != 0
	return &p, nil
}

// =============================================================================
// PERIOD CONFIGS
// =============================================================================

type configRepo session

const configColumns = `id, default_maintenance_amount, default_water_amount, default_extraordinary_fee_amount,
	payment_due_day, late_payment_penalty_amount, effective_from, effective_until, is_active`

func (r configRepo) FindActiveForDate(ctx context.Context, date time.Time) (*dues.PeriodConfig, error) {
	d := formatTime(date)
	row := r.db.QueryRowContext(ctx, `
		SELECT `+configColumns+` FROM period_configs
		WHERE is_active = 1
		  AND effective_from <= ?
		  AND (effective_until IS NULL OR effective_until >= ?)
		ORDER BY effective_from DESC, id DESC
		LIMIT 1`, d, d)
	return scanConfig(row)
}

func (r configRepo) FindByID(ctx context.Context, id int64) (*dues.PeriodConfig, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+configColumns+` FROM period_configs WHERE id = ?`, id)
	return scanConfig(row)
}

func (r configRepo) Create(ctx context.Context, c dues.PeriodConfig) (*dues.PeriodConfig, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO period_configs (default_maintenance_amount, default_water_amount, default_extraordinary_fee_amount,
			payment_due_day, late_payment_penalty_amount, effective_from, effective_until, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.DefaultMaintenanceAmount, c.DefaultWaterAmount, c.DefaultExtraordinaryFeeAmount,
		c.PaymentDueDay, c.LatePaymentPenaltyAmount, formatTime(c.EffectiveFrom), nullTime(c.EffectiveUntil),
		boolInt(c.IsActive),
	)
	if err != nil {
		return nil, fmt.Errorf("insert period config: %w", err)
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("period config id: %w", err)
	}
	return &c, nil
}

func scanConfig(s scanner) (*dues.PeriodConfig, error) {
	var (
		c        dues.PeriodConfig
		from     string
		until    sql.NullString
		isActive int
	)
	err := s.Scan(&c.ID, &c.DefaultMaintenanceAmount, &c.DefaultWaterAmount, &c.DefaultExtraordinaryFeeAmount,
		&c.PaymentDueDay, &c.LatePaymentPenaltyAmount, &from, &until, &isActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan period config: %w", err)
	}
	if c.EffectiveFrom, err = parseTime(from); err != nil {
		return nil, err
	}
	if c.EffectiveUntil, err = parseNullTime(until); err != nil {
		return nil, err
	}
	c.IsActive = isActive != 0
	return &c, nil
}

// =============================================================================
// HOUSE PERIOD CHARGES
// =============================================================================

type chargeRepo session

func (r chargeRepo) FindByHouseAndPeriod(ctx context.Context, houseID, periodID int64) ([]dues.HousePeriodCharge, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, house_id, period_id, concept_type, expected_amount, source
		FROM house_period_charges
		WHERE house_id = ? AND period_id = ?
		ORDER BY id`, houseID, periodID)
	if err != nil {
		return nil, fmt.Errorf("query charges: %w", err)
	}
	defer rows.Close()

	var out []dues.HousePeriodCharge
	for rows.Next() {
		var (
			c       dues.HousePeriodCharge
			concept string
			source  string
		)
		if err := rows.Scan(&c.ID, &c.HouseID, &c.PeriodID, &concept, &c.ExpectedAmount, &source); err != nil {
			return nil, fmt.Errorf("scan charge: %w", err)
		}
		c.ConceptType, c.Source = dues.ConceptType(concept), dues.ChargeSource(source)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r chargeRepo) UpsertBatchForPeriods(ctx context.Context, periodIDs []int64, concept dues.ConceptType, amount decimal.Decimal, source dues.ChargeSource) (int64, error) {
	var total int64
	for _, pid := range periodIDs {
		// WHERE true disambiguates the upsert clause after SELECT.
		res, err := r.db.ExecContext(ctx, `
			INSERT INTO house_period_charges (house_id, period_id, concept_type, expected_amount, source)
			SELECT h.id, ?, ?, ?, ? FROM houses h WHERE true
			ON CONFLICT (house_id, period_id, concept_type)
			DO UPDATE SET expected_amount = excluded.expected_amount, source = excluded.source`,
			pid, string(concept), amount, string(source))
		if err != nil {
			return total, fmt.Errorf("upsert %s charges for period %d: %w", concept, pid, err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (r chargeRepo) DeleteByPeriodsAndConcept(ctx context.Context, periodIDs []int64, concept dues.ConceptType) (int64, error) {
	if len(periodIDs) == 0 {
		return 0, nil
	}
	marks, args := inClause(periodIDs)
	args = append([]any{string(concept)}, args...)
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM house_period_charges WHERE concept_type = ? AND period_id IN (`+marks+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete %s charges: %w", concept, err)
	}
	return rowsAffected(res)
}
