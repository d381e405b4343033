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
// HOUSES
// =============================================================================

type houseRepo session

func (r houseRepo) FindByID(ctx context.Context, id int64) (*dues.House, error) {
	return scanHouse(r.db.QueryRowContext(ctx, `SELECT id, number, owner_name FROM houses WHERE id = ?`, id))
}

func (r houseRepo) FindByNumber(ctx context.Context, number int) (*dues.House, error) {
	return scanHouse(r.db.QueryRowContext(ctx, `SELECT id, number, owner_name FROM houses WHERE number = ?`, number))
}

func (r houseRepo) FindAll(ctx context.Context) ([]dues.House, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, number, owner_name FROM houses ORDER BY number`)
	if err != nil {
		return nil, fmt.Errorf("query houses: %w", err)
	}
	defer rows.Close()

	var out []dues.House
	for rows.Next() {
		h, err := scanHouse(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

func scanHouse(s scanner) (*dues.House, error) {
	var h dues.House
	err := s.Scan(&h.ID, &h.Number, &h.OwnerName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan house: %w", err)
	}
	return &h, nil
}

func (r houseRepo) Save(ctx context.Context, h dues.House) (*dues.House, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO houses (number, owner_name) VALUES (?, ?)
		ON CONFLICT (number) DO UPDATE SET owner_name = excluded.owner_name`,
		h.Number, h.OwnerName)
	if err != nil {
		return nil, fmt.Errorf("save house %d: %w", h.Number, err)
	}
	return r.FindByNumber(ctx, h.Number)
}

// =============================================================================
// PAYMENT RECORDS
// =============================================================================

type recordRepo session

const recordColumns = `id, house_id, amount, transaction_date, confirmed, allocated_at`

func (r recordRepo) FindByID(ctx context.Context, id int64) (*dues.PaymentRecord, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM payment_records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (r recordRepo) FindUnallocatedConfirmed(ctx context.Context, houseID *int64) ([]dues.PaymentRecord, error) {
	query := `
		SELECT pr.id, pr.house_id, pr.amount, pr.transaction_date, pr.confirmed, pr.allocated_at
		FROM payment_records pr
		LEFT JOIN record_allocations ra ON ra.record_id = pr.id
		WHERE pr.confirmed = 1
		  AND pr.allocated_at IS NULL
		  AND ra.id IS NULL`
	var args []any
	if houseID != nil {
		query += ` AND pr.house_id = ?`
		args = append(args, *houseID)
	}
	query += ` GROUP BY pr.id ORDER BY pr.transaction_date, pr.id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query unallocated records: %w", err)
	}
	defer rows.Close()

	var out []dues.PaymentRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (r recordRepo) MarkAllocated(ctx context.Context, recordID int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE payment_records SET allocated_at = ? WHERE id = ?`, formatTime(at), recordID)
	if err != nil {
		return fmt.Errorf("mark record allocated: %w", err)
	}
	return nil
}

func (r recordRepo) ClearAllocationMarks(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE payment_records SET allocated_at = NULL WHERE allocated_at IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("clear allocation marks: %w", err)
	}
	return rowsAffected(res)
}

func (r recordRepo) Create(ctx context.Context, rec dues.PaymentRecord) (*dues.PaymentRecord, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_records (house_id, amount, transaction_date, confirmed, allocated_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.HouseID, rec.Amount, formatTime(rec.TransactionDate), boolInt(rec.Confirmed), nullTime(rec.AllocatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert payment record: %w", err)
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("payment record id: %w", err)
	}
	return &rec, nil
}

// scanRecord passes sql.ErrNoRows through unwrapped.
func scanRecord(s scanner) (*dues.PaymentRecord, error) {
	var (
		rec         dues.PaymentRecord
		txDate      string
		confirmed   int
		allocatedAt sql.NullString
	)
	err := s.Scan(&rec.ID, &rec.HouseID, &rec.Amount, &txDate, &confirmed, &allocatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan payment record: %w", err)
	}
	if rec.TransactionDate, err = parseTime(txDate); err != nil {
		return nil, err
	}
	if rec.AllocatedAt, err = parseNullTime(allocatedAt); err != nil {
		return nil, err
	}
	rec.Confirmed = confirmed != 0
	return &rec, nil
}
