package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/market-data-ingestor/internal/errs"
	"github.com/trogers1052/market-data-ingestor/internal/models"
)

const (
	polygonBaseURL = "https://api.polygon.io"

	// Max 50k results per request
	polygonMaxLimit = 50000

	// next_url hops followed per fetch
	polygonMaxPages = 20
)

// Polygon fetches aggregates from the Polygon.io REST API
type Polygon struct {
	baseURL     string
	apiKey      string
	multiplier  int
	timespan    string
	maxLookback models.Period
	http        *transport
}

// NewPolygon creates a Polygon aggregates client. An API key is required.
func NewPolygon(opts Options) (*Polygon, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("polygon: api key is required")
	}
	mult, span, err := polygonInterval(opts.Interval)
	if err != nil {
		return nil, err
	}
	base := opts.BaseURL
	if base == "" {
		base = polygonBaseURL
	}
	return &Polygon{
		baseURL:     strings.TrimRight(base, "/"),
		apiKey:      opts.APIKey,
		multiplier:  mult,
		timespan:    span,
		maxLookback: opts.MaxLookback,
		http:        newTransport(opts),
	}, nil
}

func (p *Polygon) Name() string { return "polygon" }

// polygonInterval maps "1m", "5m", "1h", "1d", "1wk", "1mo" to multiplier and timespan
func polygonInterval(interval string) (int, string, error) {
	if interval == "" {
		return 1, "day", nil
	}
	units := []struct{ suffix, span string }{
		{"mo", "month"}, {"wk", "week"}, {"m", "minute"}, {"h", "hour"}, {"d", "day"},
	}
	for _, u := range units {
		num, ok := strings.CutSuffix(interval, u.suffix)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(num)
		if err != nil || n <= 0 {
			break
		}
		return n, u.span, nil
	}
	return 0, "", fmt.Errorf("polygon: unsupported interval %q", interval)
}

// polygonBar is one aggregate in a Polygon response
type polygonBar struct {
	Timestamp int64               `json:"t"` // Unix milliseconds
	Open      decimal.NullDecimal `json:"o"`
	High      decimal.NullDecimal `json:"h"`
	Low       decimal.NullDecimal `json:"l"`
	Close     decimal.NullDecimal `json:"c"`
	Volume    decimal.NullDecimal `json:"v"`
}

// polygonAggregates is the Polygon aggregates response with next_url
type polygonAggregates struct {
	Ticker       string       `json:"ticker"`
	ResultsCount int          `json:"resultsCount"`
	Results      []polygonBar `json:"results"`
	Status       string       `json:"status"`
	Error        string       `json:"error"`
	NextURL      string       `json:"next_url,omitempty"`
}

// Fetch returns every aggregate Polygon reports for symbol within period,
// following next_url pagination.
func (p *Polygon) Fetch(ctx context.Context, symbol string, period models.Period) ([]models.RawBar, error) {
	const op = "polygon.Fetch"
	start, end, err := window(op, period, p.http.now(), p.maxLookback)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("adjusted", "true")
	q.Set("sort", "asc")
	q.Set("limit", strconv.Itoa(polygonMaxLimit))
	next := fmt.Sprintf("%s/v2/aggs/ticker/%s/range/%d/%s/%d/%d?%s",
		p.baseURL, url.PathEscape(symbol), p.multiplier, p.timespan,
		start.UnixMilli(), end.UnixMilli(), q.Encode())

	var bars []models.RawBar
	for page := 0; next != "" && page < polygonMaxPages; page++ {
		body, err := p.http.get(ctx, op, p.withKey(next))
		if err != nil {
			return nil, err
		}

		var resp polygonAggregates
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, errs.E(errs.MalformedResponse, op, fmt.Errorf("decode: %w", err))
		}
		switch resp.Status {
		case "OK", "DELAYED":
		default:
			return nil, errs.Errorf(errs.MalformedResponse, op, "status %q: %s", resp.Status, resp.Error)
		}

		if bars == nil {
			bars = make([]models.RawBar, 0, len(resp.Results))
		}
		for _, r := range resp.Results {
			bars = append(bars, models.RawBar{
				Time:   time.UnixMilli(r.Timestamp).UTC(),
				Open:   r.Open,
				High:   r.High,
				Low:    r.Low,
				Close:  r.Close,
				Volume: r.Volume,
			})
		}
		next = resp.NextURL
	}
	if bars == nil {
		bars = []models.RawBar{}
	}
	return bars, nil
}

// withKey adds the API key to a request URL; next_url values come back without it
func (p *Polygon) withKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("apiKey", p.apiKey)
	u.RawQuery = q.Encode()
	return u.String()
}
