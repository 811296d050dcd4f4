package ingest

import (
	"context"
	"time"

	"github.com/trogers1052/market-data-ingestor/internal/models"
)

// BarStore persists canonical bars. UpsertBatch is atomic per batch and never
// overwrites an existing (instrument, timestamp) row.
type BarStore interface {
	UpsertBatch(ctx context.Context, instrumentID int64, bars []models.Bar) (int, error)
	ReadRange(ctx context.Context, instrumentID int64, start, end time.Time, offset, pageSize int) ([]models.Bar, error)
	Latest(ctx context.Context, instrumentID int64) (*models.Bar, error)
}

// InstrumentReader is the read-only view of instruments the core needs
type InstrumentReader interface {
	GetInstrumentBySymbol(ctx context.Context, symbol string) (*models.Instrument, error)
	GetActiveInstruments(ctx context.Context) ([]models.Instrument, error)
}

// Store is implemented by every storage backend
type Store interface {
	BarStore
	InstrumentReader
	Ping(ctx context.Context) error
	Close() error
}
