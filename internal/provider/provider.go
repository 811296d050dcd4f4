// Package provider fetches raw OHLCV records from external market data APIs.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/trogers1052/market-data-ingestor/internal/config"
	"github.com/trogers1052/market-data-ingestor/internal/errs"
	"github.com/trogers1052/market-data-ingestor/internal/models"
	"github.com/trogers1052/market-data-ingestor/internal/ratelimit"
)

// Client fetches raw bars for one symbol over a period. Implementations hold
// no per-call state and are safe for concurrent use.
type Client interface {
	Name() string
	Fetch(ctx context.Context, symbol string, period models.Period) ([]models.RawBar, error)
}

// Options are shared by every provider implementation
type Options struct {
	BaseURL     string
	APIKey      string
	Interval    string
	Timeout     time.Duration
	MaxLookback models.Period
	Limiter     ratelimit.Limiter
	HTTPClient  *http.Client
}

// New builds the client named in cfg
func New(cfg config.ProviderConfig, maxLookback models.Period, limiter ratelimit.Limiter) (Client, error) {
	opts := Options{
		BaseURL:     cfg.BaseURL,
		APIKey:      cfg.APIKey,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		MaxLookback: maxLookback,
		Limiter:     limiter,
	}
	switch cfg.Name {
	case "yahoo":
		return NewYahoo(opts), nil
	case "polygon":
		p, err := NewPolygon(opts)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Name)
	}
}

// window validates period and resolves it against now
func window(op string, period models.Period, now time.Time, maxLookback models.Period) (time.Time, time.Time, error) {
	if err := period.Validate(now, maxLookback); err != nil {
		return time.Time{}, time.Time{}, errs.E(errs.InvalidRequest, op, err)
	}
	start, end := period.Window(now)
	return start, end, nil
}
