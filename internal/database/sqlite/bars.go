package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/market-data-ingestor/internal/errs"
	"github.com/trogers1052/market-data-ingestor/internal/models"
)

const barColumns = `instrument_id, timestamp, open, high, low, close, volume, created_at`

// UpsertBatch inserts bars for one instrument in a single transaction and
// returns how many rows were new. Existing timestamps are never overwritten.
func (s *Store) UpsertBatch(ctx context.Context, instrumentID int64, bars []models.Bar) (int, error) {
	const op = "sqlite.UpsertBatch"
	if len(bars) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeError(op, fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bars (instrument_id, timestamp, open, high, low, close, volume, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (instrument_id, timestamp) DO NOTHING`)
	if err != nil {
		return 0, storeError(op, fmt.Errorf("prepare: %w", err))
	}
	defer stmt.Close()

	now := time.Now().UTC().Unix()
	inserted := 0
	for _, b := range bars {
		if _, err := tx.ExecContext(ctx, "SAVEPOINT bar_row"); err != nil {
			return 0, storeError(op, err)
		}
		res, err := stmt.ExecContext(ctx,
			instrumentID, b.Timestamp.UTC().Unix(),
			b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(),
			b.Volume, now,
		)
		if err != nil {
			if !isConstraintViolation(err) {
				return 0, storeError(op, fmt.Errorf("insert bar at %s: %w", b.Timestamp.Format(time.RFC3339), err))
			}
			if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT bar_row"); rbErr != nil {
				return 0, storeError(op, rbErr)
			}
			s.logger.Warn("bar rejected by constraint",
				"kind", errs.ConstraintViolation,
				"instrument_id", instrumentID,
				"timestamp", b.Timestamp,
				"error", err,
			)
			continue
		}
		if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT bar_row"); err != nil {
			return 0, storeError(op, err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, storeError(op, fmt.Errorf("commit: %w", err))
	}
	return inserted, nil
}

// ReadRange returns bars with start <= timestamp <= end in ascending order.
// pageSize is clamped to models.MaxPageSize.
func (s *Store) ReadRange(ctx context.Context, instrumentID int64, start, end time.Time, offset, pageSize int) ([]models.Bar, error) {
	const op = "sqlite.ReadRange"
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+barColumns+`
		FROM bars
		WHERE instrument_id = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC
		LIMIT ? OFFSET ?`,
		instrumentID, start.UTC().Unix(), end.UTC().Unix(), models.ClampPageSize(pageSize), offset,
	)
	if err != nil {
		return nil, storeError(op, err)
	}
	defer rows.Close()

	bars := []models.Bar{}
	for rows.Next() {
		b, err := scanBar(rows)
		if err != nil {
			return nil, storeError(op, err)
		}
		bars = append(bars, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(op, err)
	}
	return bars, nil
}

// Latest returns the most recent bar for an instrument
func (s *Store) Latest(ctx context.Context, instrumentID int64) (*models.Bar, error) {
	const op = "sqlite.Latest"
	row := s.db.QueryRowContext(ctx, `
		SELECT `+barColumns+`
		FROM bars
		WHERE instrument_id = ?
		ORDER BY timestamp DESC
		LIMIT 1`, instrumentID)

	b, err := scanBar(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Errorf(errs.NotFound, op, "no bars for instrument %d", instrumentID)
	}
	if err != nil {
		return nil, storeError(op, err)
	}
	return b, nil
}

// CountBars returns how many bars are stored for an instrument
func (s *Store) CountBars(ctx context.Context, instrumentID int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bars WHERE instrument_id = ?`, instrumentID).Scan(&n); err != nil {
		return 0, storeError("sqlite.CountBars", err)
	}
	return n, nil
}

func scanBar(row rowScanner) (*models.Bar, error) {
	var (
		b           models.Bar
		ts, created int64
		o, h, l, c  string
	)
	if err := row.Scan(&b.InstrumentID, &ts, &o, &h, &l, &c, &b.Volume, &created); err != nil {
		return nil, err
	}

	var err error
	if b.Open, err = decimal.NewFromString(o); err != nil {
		return nil, fmt.Errorf("parse open: %w", err)
	}
	if b.High, err = decimal.NewFromString(h); err != nil {
		return nil, fmt.Errorf("parse high: %w", err)
	}
	if b.Low, err = decimal.NewFromString(l); err != nil {
		return nil, fmt.Errorf("parse low: %w", err)
	}
	if b.Close, err = decimal.NewFromString(c); err != nil {
		return nil, fmt.Errorf("parse close: %w", err)
	}
	b.Timestamp = time.Unix(ts, 0).UTC()
	b.CreatedAt = time.Unix(created, 0).UTC()
	return &b, nil
}
