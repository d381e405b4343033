package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/dues-engine/dues"
)

// =============================================================================
// RECORD ALLOCATIONS (append-only)
// =============================================================================

type allocationRepo session

const allocationColumns = `id, record_id, house_id, period_id, concept_type, concept_id,
	allocated_amount, expected_amount, payment_status, created_at`

func (r allocationRepo) Create(ctx context.Context, a dues.RecordAllocation) (*dues.RecordAllocation, error) {
	var recordID sql.NullInt64
	if !a.Origin.IsCreditSweep() {
		recordID = sql.NullInt64{Int64: a.Origin.RecordID, Valid: true}
	}
	var conceptID sql.NullInt64
	if a.ConceptID != 0 {
		conceptID = sql.NullInt64{Int64: a.ConceptID, Valid: true}
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO record_allocations (record_id, house_id, period_id, concept_type, concept_id,
			allocated_amount, expected_amount, payment_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		recordID, a.HouseID, a.PeriodID, string(a.ConceptType), conceptID,
		a.AllocatedAmount, a.ExpectedAmount, string(a.PaymentStatus), formatTime(a.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert allocation: %w", err)
	}
	if a.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("allocation id: %w", err)
	}
	return &a, nil
}

func (r allocationRepo) FindByHouseAndPeriod(ctx context.Context, houseID, periodID int64) ([]dues.RecordAllocation, error) {
	return r.query(ctx, `SELECT `+allocationColumns+` FROM record_allocations
		WHERE house_id = ? AND period_id = ? ORDER BY id`, houseID, periodID)
}

func (r allocationRepo) FindByRecordID(ctx context.Context, recordID int64) ([]dues.RecordAllocation, error) {
	return r.query(ctx, `SELECT `+allocationColumns+` FROM record_allocations
		WHERE record_id = ? ORDER BY id`, recordID)
}

func (r allocationRepo) DeleteAll(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM record_allocations`)
	if err != nil {
		return 0, fmt.Errorf("delete allocations: %w", err)
	}
	return rowsAffected(res)
}

func (r allocationRepo) query(ctx context.Context, query string, args ...any) ([]dues.RecordAllocation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}
	defer rows.Close()

	var out []dues.RecordAllocation
	for rows.Next() {
		var (
			a               dues.RecordAllocation
			recordID        sql.NullInt64
			conceptID       sql.NullInt64
			concept, status string
			createdAt       string
		)
		if err := rows.Scan(&a.ID, &recordID, &a.HouseID, &a.PeriodID, &concept, &conceptID,
			&a.AllocatedAmount, &a.ExpectedAmount, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		if recordID.Valid {
			a.Origin = dues.PaymentOrigin(recordID.Int64)
		} else {
			a.Origin = dues.CreditSweepOrigin()
		}
		a.ConceptID = conceptID.Int64
		a.ConceptType, a.PaymentStatus = dues.ConceptType(concept), dues.PaymentStatus(status)
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// HOUSE BALANCES
// =============================================================================

type balanceRepo session

func (r balanceRepo) GetOrCreate(ctx context.Context, houseID int64) (*dues.HouseBalance, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO house_balances (house_id, accumulated_cents, credit_balance, debit_balance, updated_at)
		VALUES (?, '0', '0', '0', ?)
		ON CONFLICT (house_id) DO NOTHING`, houseID, formatTime(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("ensure house balance: %w", err)
	}
	return r.find(ctx, houseID)
}

func (r balanceRepo) Update(ctx context.Context, houseID int64, u dues.BalanceUpdate) (*dues.HouseBalance, error) {
	current, err := r.GetOrCreate(ctx, houseID)
	if err != nil {
		return nil, err
	}
	next := *current
	if u.AccumulatedCents != nil {
		next.AccumulatedCents = *u.AccumulatedCents
	}
	if u.CreditBalance != nil {
		next.CreditBalance = *u.CreditBalance
	}
	if u.DebitBalance != nil {
		next.DebitBalance = *u.DebitBalance
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE house_balances
		SET accumulated_cents = ?, credit_balance = ?, debit_balance = ?, updated_at = ?
		WHERE house_id = ?`,
		next.AccumulatedCents, next.CreditBalance, next.DebitBalance, formatTime(time.Now()), houseID)
	if err != nil {
		return nil, fmt.Errorf("update house balance: %w", err)
	}
	return r.find(ctx, houseID)
}

func (r balanceRepo) ResetAll(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE house_balances
		SET accumulated_cents = '0', credit_balance = '0', debit_balance = '0', updated_at = ?`,
		formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("reset balances: %w", err)
	}
	return rowsAffected(res)
}

func (r balanceRepo) find(ctx context.Context, houseID int64) (*dues.HouseBalance, error) {
	var (
		b         dues.HouseBalance
		updatedAt string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT house_id, accumulated_cents, credit_balance, debit_balance, updated_at
		FROM house_balances WHERE house_id = ?`, houseID).
		Scan(&b.HouseID, &b.AccumulatedCents, &b.CreditBalance, &b.DebitBalance, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("load house balance: %w", err)
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

// =============================================================================
// PENALTIES
// =============================================================================

type penaltyRepo session

func (r penaltyRepo) FindByHouseAndPeriod(ctx context.Context, houseID, periodID int64) (*dues.Penalty, error) {
	var (
		p         dues.Penalty
		createdAt string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, house_id, period_id, amount, description, created_at
		FROM house_period_penalties WHERE house_id = ? AND period_id = ?`, houseID, periodID).
		Scan(&p.ID, &p.HouseID, &p.PeriodID, &p.Amount, &p.Description, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load penalty: %w", err)
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r penaltyRepo) Create(ctx context.Context, p dues.Penalty) (*dues.Penalty, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO house_period_penalties (house_id, period_id, amount, description, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.HouseID, p.PeriodID, p.Amount, p.Description, formatTime(p.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, dues.ConflictError("create_penalty",
				fmt.Sprintf("house %d period %d", p.HouseID, p.PeriodID), err)
		}
		return nil, fmt.Errorf("insert penalty: %w", err)
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("penalty id: %w", err)
	}
	return &p, nil
}
