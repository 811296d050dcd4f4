package provider

import (
	"context"
	"log/slog"
	"time"

	"github.com/trogers1052/market-data-ingestor/internal/logging"
	"github.com/trogers1052/market-data-ingestor/internal/models"
)

// Archiver stores raw provider payloads for audit and replay
type Archiver interface {
	Save(provider, symbol string, fetchedAt time.Time, bars []models.RawBar) error
}

type archivingClient struct {
	Client
	archiver Archiver
	logger   *slog.Logger
}

// WithArchive wraps c so every successful fetch is also archived. Archive
// failures are logged and never fail the fetch.
func WithArchive(c Client, archiver Archiver, logger *slog.Logger) Client {
	if archiver == nil {
		return c
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &archivingClient{Client: c, archiver: archiver, logger: logger}
}

func (a *archivingClient) Fetch(ctx context.Context, symbol string, period models.Period) ([]models.RawBar, error) {
	bars, err := a.Client.Fetch(ctx, symbol, period)
	if err != nil || len(bars) == 0 {
		return bars, err
	}
	if err := a.archiver.Save(a.Client.Name(), symbol, time.Now().UTC(), bars); err != nil {
		a.logger.Warn("raw archive failed", "provider", a.Client.Name(), "symbol", symbol, "error", err)
	}
	return bars, nil
}
