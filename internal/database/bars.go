package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/trogers1052/market-data-ingestor/internal/errs"
	"github.com/trogers1052/market-data-ingestor/internal/models"
)

const insertBarSQL = `
	INSERT INTO bars (instrument_id, "timestamp", open, high, low, close, volume, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (instrument_id, "timestamp") DO NOTHING
`

const barColumns = `instrument_id, "timestamp", open, high, low, close, volume, created_at`

// UpsertBatch inserts bars for one instrument in a single transaction and
// returns how many rows were new. Existing timestamps are left untouched.
// A row rejected by an integrity constraint is rolled back to its savepoint,
// logged and skipped; the rest of the batch still commits.
func (db *DB) UpsertBatch(ctx context.Context, instrumentID int64, bars []models.Bar) (int, error) {
	const op = "database.UpsertBatch"
	if len(bars) == 0 {
		return 0, nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeError(op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertBarSQL)
	if err != nil {
		return 0, storeError(op, fmt.Errorf("failed to prepare statement: %w", err))
	}
	defer stmt.Close()

	now := time.Now().UTC()
	inserted := 0
	for _, b := range bars {
		if _, err := tx.ExecContext(ctx, "SAVEPOINT bar_row"); err != nil {
			return 0, storeError(op, fmt.Errorf("failed to create savepoint: %w", err))
		}

		result, err := stmt.ExecContext(ctx,
			instrumentID, b.Timestamp.UTC(), b.Open, b.High, b.Low, b.Close, b.Volume, now,
		)
		if err != nil {
			if !isRowRejection(err) {
				return 0, storeError(op, fmt.Errorf("failed to insert bar at %s: %w", b.Timestamp.Format(time.RFC3339), err))
			}
			if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT bar_row"); rbErr != nil {
				return 0, storeError(op, fmt.Errorf("failed to roll back savepoint: %w", rbErr))
			}
			db.logger.Warn("bar rejected by database",
				"kind", errs.KindOf(storeError(op, err)),
				"instrument_id", instrumentID,
				"timestamp", b.Timestamp,
				"error", err,
			)
			continue
		}

		if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT bar_row"); err != nil {
			return 0, storeError(op, fmt.Errorf("failed to release savepoint: %w", err))
		}
		n, _ := result.RowsAffected()
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, storeError(op, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return inserted, nil
}

// ReadRange returns bars with start <= timestamp <= end in ascending order.
// pageSize is clamped to models.MaxPageSize.
func (db *DB) ReadRange(ctx context.Context, instrumentID int64, start, end time.Time, offset, pageSize int) ([]models.Bar, error) {
	const op = "database.ReadRange"
	if offset < 0 {
		offset = 0
	}
	query := `
		SELECT ` + barColumns + `
		FROM bars
		WHERE instrument_id = $1 AND "timestamp" >= $2 AND "timestamp" <= $3
		ORDER BY "timestamp" ASC
		LIMIT $4 OFFSET $5
	`
	rows, err := db.conn.QueryContext(ctx, query,
		instrumentID, start.UTC(), end.UTC(), models.ClampPageSize(pageSize), offset,
	)
	if err != nil {
		return nil, storeError(op, fmt.Errorf("failed to read bars: %w", err))
	}
	defer rows.Close()

	bars := []models.Bar{}
	for rows.Next() {
		b, err := scanBar(rows)
		if err != nil {
			return nil, storeError(op, fmt.Errorf("failed to scan bar: %w", err))
		}
		bars = append(bars, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(op, err)
	}
	return bars, nil
}

// Latest returns the most recent bar for an instrument
func (db *DB) Latest(ctx context.Context, instrumentID int64) (*models.Bar, error) {
	const op = "database.Latest"
	query := `
		SELECT ` + barColumns + `
		FROM bars
		WHERE instrument_id = $1
		ORDER BY "timestamp" DESC
		LIMIT 1
	`
	b, err := scanBar(db.conn.QueryRowContext(ctx, query, instrumentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Errorf(errs.NotFound, op, "no bars for instrument %d", instrumentID)
	}
	if err != nil {
		return nil, storeError(op, fmt.Errorf("failed to get latest bar: %w", err))
	}
	return b, nil
}

// CountBars returns how many bars are stored for an instrument
func (db *DB) CountBars(ctx context.Context, instrumentID int64) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM bars WHERE instrument_id = $1`, instrumentID).Scan(&n)
	if err != nil {
		return 0, storeError("database.CountBars", fmt.Errorf("failed to count bars: %w", err))
	}
	return n, nil
}

func scanBar(row rowScanner) (*models.Bar, error) {
	var b models.Bar
	err := row.Scan(&b.InstrumentID, &b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	b.Timestamp = b.Timestamp.UTC()
	b.CreatedAt = b.CreatedAt.UTC()
	return &b, nil
}
