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

const instrumentColumns = `id, symbol, name, asset_type, exchange, is_active, created_at, updated_at`

// CreateInstrument inserts an instrument, or refreshes it when the symbol exists
func (db *DB) CreateInstrument(ctx context.Context, inst *models.Instrument) error {
	if inst.AssetType == "" {
		inst.AssetType = models.AssetTypeEquity
	}
	query := `
		INSERT INTO instruments (symbol, name, asset_type, exchange, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (symbol) DO UPDATE SET
			name = EXCLUDED.name,
			asset_type = EXCLUDED.asset_type,
			exchange = EXCLUDED.exchange,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at
	`
	now := time.Now().UTC()
	err := db.conn.QueryRowContext(ctx, query,
		inst.Symbol, inst.Name, inst.AssetType, inst.Exchange, inst.Active, now, now,
	).Scan(&inst.ID, &inst.CreatedAt)
	if err != nil {
		return storeError("database.CreateInstrument", fmt.Errorf("failed to create instrument %s: %w", inst.Symbol, err))
	}
	inst.UpdatedAt = now
	return nil
}

// GetInstrumentBySymbol retrieves an instrument by its ticker symbol
func (db *DB) GetInstrumentBySymbol(ctx context.Context, symbol string) (*models.Instrument, error) {
	const op = "database.GetInstrumentBySymbol"
	query := `SELECT ` + instrumentColumns + ` FROM instruments WHERE symbol = $1`

	inst, err := scanInstrument(db.conn.QueryRowContext(ctx, query, symbol))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Errorf(errs.NotFound, op, "instrument not found: %s", symbol)
	}
	if err != nil {
		return nil, storeError(op, fmt.Errorf("failed to get instrument: %w", err))
	}
	return inst, nil
}

// GetActiveInstruments returns every instrument flagged active, ordered by symbol
func (db *DB) GetActiveInstruments(ctx context.Context) ([]models.Instrument, error) {
	const op = "database.GetActiveInstruments"
	query := `SELECT ` + instrumentColumns + ` FROM instruments WHERE is_active ORDER BY symbol`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, storeError(op, fmt.Errorf("failed to get active instruments: %w", err))
	}
	defer rows.Close()

	var instruments []models.Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, storeError(op, fmt.Errorf("failed to scan instrument: %w", err))
		}
		instruments = append(instruments, *inst)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(op, err)
	}
	return instruments, nil
}

// SetInstrumentActive flips the active flag the scheduler polls
func (db *DB) SetInstrumentActive(ctx context.Context, symbol string, active bool) error {
	const op = "database.SetInstrumentActive"
	query := `UPDATE instruments SET is_active = $2, updated_at = $3 WHERE symbol = $1`

	result, err := db.conn.ExecContext(ctx, query, symbol, active, time.Now().UTC())
	if err != nil {
		return storeError(op, fmt.Errorf("failed to update instrument: %w", err))
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return errs.Errorf(errs.NotFound, op, "instrument not found: %s", symbol)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstrument(row rowScanner) (*models.Instrument, error) {
	var inst models.Instrument
	err := row.Scan(
		&inst.ID, &inst.Symbol, &inst.Name, &inst.AssetType, &inst.Exchange,
		&inst.Active, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}
