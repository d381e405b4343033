package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/warp/dues-engine/dues"
)

// =============================================================================
// HOUSE STATUS SNAPSHOTS
// =============================================================================

type snapshotRepo session

const snapshotColumns = `house_id, status, total_debt, credit_balance, total_unpaid_periods,
	enriched_data, is_stale, calculated_at, invalidated_at`

func (r snapshotRepo) FindByHouseID(ctx context.Context, houseID int64) (*dues.HouseStatusSnapshot, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM house_status_snapshots WHERE house_id = ?`, houseID)
	return scanSnapshot(row)
}

func (r snapshotRepo) FindAll(ctx context.Context) ([]dues.HouseStatusSnapshot, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+snapshotColumns+` FROM house_status_snapshots ORDER BY house_id`)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []dues.HouseStatusSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r snapshotRepo) Upsert(ctx context.Context, s dues.HouseStatusSnapshot) error {
	var enriched sql.NullString
	if s.EnrichedData != nil {
		data, err := json.Marshal(s.EnrichedData)
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}
		enriched = sql.NullString{String: string(data), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO house_status_snapshots (`+snapshotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (house_id) DO UPDATE SET
			status = excluded.status,
			total_debt = excluded.total_debt,
			credit_balance = excluded.credit_balance,
			total_unpaid_periods = excluded.total_unpaid_periods,
			enriched_data = excluded.enriched_data,
			is_stale = excluded.is_stale,
			calculated_at = excluded.calculated_at,
			invalidated_at = excluded.invalidated_at`,
		s.HouseID, string(s.Status), s.TotalDebt, s.CreditBalance, s.TotalUnpaidPeriods,
		enriched, boolInt(s.IsStale), formatTime(s.CalculatedAt), nullTime(s.InvalidatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

func (r snapshotRepo) InvalidateByHouseID(ctx context.Context, houseID int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE house_status_snapshots SET is_stale = 1, invalidated_at = ? WHERE house_id = ?`,
		formatTime(at), houseID)
	if err != nil {
		return fmt.Errorf("invalidate snapshot: %w", err)
	}
	return nil
}

func (r snapshotRepo) InvalidateByHouseIDs(ctx context.Context, houseIDs []int64, at time.Time) error {
	if len(houseIDs) == 0 {
		return nil
	}
	marks, args := inClause(houseIDs)
	args = append([]any{formatTime(at)}, args...)
	_, err := r.db.ExecContext(ctx,
		`UPDATE house_status_snapshots SET is_stale = 1, invalidated_at = ? WHERE house_id IN (`+marks+`)`, args...)
	if err != nil {
		return fmt.Errorf("invalidate snapshots: %w", err)
	}
	return nil
}

func (r snapshotRepo) InvalidateAll(ctx context.Context, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE house_status_snapshots SET is_stale = 1, invalidated_at = ?`, formatTime(at))
	if err != nil {
		return fmt.Errorf("invalidate all snapshots: %w", err)
	}
	return nil
}

func scanSnapshot(sc scanner) (*dues.HouseStatusSnapshot, error) {
	var (
		s            dues.HouseStatusSnapshot
		status       string
		enriched     sql.NullString
		stale        int
		calculatedAt string
		invalidated  sql.NullString
	)
	err := sc.Scan(&s.HouseID, &status, &s.TotalDebt, &s.CreditBalance, &s.TotalUnpaidPeriods,
		&enriched, &stale, &calculatedAt, &invalidated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	s.Status, s.IsStale = dues.HouseStatus(status), stale != 0
	if enriched.Valid {
		var data dues.HouseBalanceStatus
		if err := json.Unmarshal([]byte(enriched.String), &data); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot for house %d: %w", s.HouseID, err)
		}
		s.EnrichedData = &data
	}
	if s.CalculatedAt, err = parseTime(calculatedAt); err != nil {
		return nil, err
	}
	if s.InvalidatedAt, err = parseNullTime(invalidated); err != nil {
		return nil, err
	}
	return &s, nil
}
