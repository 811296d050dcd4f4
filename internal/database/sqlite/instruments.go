package sqlite

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
func (s *Store) CreateInstrument(ctx context.Context, inst *models.Instrument) error {
	if inst.AssetType == "" {
		inst.AssetType = models.AssetTypeEquity
	}
	now := time.Now().UTC().Truncate(time.Second)
	var created int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO instruments (symbol, name, asset_type, exchange, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol) DO UPDATE SET
			name = excluded.name,
			asset_type = excluded.asset_type,
			exchange = excluded.exchange,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
		RETURNING id, created_at`,
		inst.Symbol, inst.Name, string(inst.AssetType), inst.Exchange, inst.Active, now.Unix(), now.Unix(),
	).Scan(&inst.ID, &created)
	if err != nil {
		return storeError("sqlite.CreateInstrument", fmt.Errorf("create instrument %s: %w", inst.Symbol, err))
	}
	inst.CreatedAt = time.Unix(created, 0).UTC()
	inst.UpdatedAt = now
	return nil
}

// GetInstrumentBySymbol retrieves an instrument by its ticker symbol
func (s *Store) GetInstrumentBySymbol(ctx context.Context, symbol string) (*models.Instrument, error) {
	const op = "sqlite.GetInstrumentBySymbol"
	row := s.db.QueryRowContext(ctx, `SELECT `+instrumentColumns+` FROM instruments WHERE symbol = ?`, symbol)

	inst, err := scanInstrument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Errorf(errs.NotFound, op, "instrument not found: %s", symbol)
	}
	if err != nil {
		return nil, storeError(op, err)
	}
	return inst, nil
}

// GetActiveInstruments returns every instrument flagged active, ordered by symbol
func (s *Store) GetActiveInstruments(ctx context.Context) ([]models.Instrument, error) {
	const op = "sqlite.GetActiveInstruments"
	rows, err := s.db.QueryContext(ctx, `SELECT `+instrumentColumns+` FROM instruments WHERE is_active = 1 ORDER BY symbol`)
	if err != nil {
		return nil, storeError(op, err)
	}
	defer rows.Close()

	var out []models.Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, storeError(op, err)
		}
		out = append(out, *inst)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(op, err)
	}
	return out, nil
}

// SetInstrumentActive flips the active flag the scheduler polls
func (s *Store) SetInstrumentActive(ctx context.Context, symbol string, active bool) error {
	const op = "sqlite.SetInstrumentActive"
	res, err := s.db.ExecContext(ctx,
		`UPDATE instruments SET is_active = ?, updated_at = ? WHERE symbol = ?`,
		active, time.Now().UTC().Unix(), symbol,
	)
	if err != nil {
		return storeError(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Errorf(errs.NotFound, op, "instrument not found: %s", symbol)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstrument(row rowScanner) (*models.Instrument, error) {
	var (
		inst             models.Instrument
		assetType        string
		created, updated int64
	)
	err := row.Scan(&inst.ID, &inst.Symbol, &inst.Name, &assetType, &inst.Exchange, &inst.Active, &created, &updated)
	if err != nil {
		return nil, err
	}
	inst.AssetType = models.AssetType(assetType)
	inst.CreatedAt = time.Unix(created, 0).UTC()
	inst.UpdatedAt = time.Unix(updated, 0).UTC()
	return &inst, nil
}
