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

const yahooBaseURL = "https://query1.finance.yahoo.com"

// Yahoo fetches bars from the Yahoo Finance chart API. No credential needed.
type Yahoo struct {
	baseURL     string
	interval    string
	maxLookback models.Period
	http        *transport
}

// NewYahoo creates a Yahoo Finance client
func NewYahoo(opts Options) *Yahoo {
	base := opts.BaseURL
	if base == "" {
		base = yahooBaseURL
	}
	interval := opts.Interval
	if interval == "" {
		interval = "1d"
	}
	return &Yahoo{
		baseURL:     strings.TrimRight(base, "/"),
		interval:    interval,
		maxLookback: opts.MaxLookback,
		http:        newTransport(opts),
	}
}

func (y *Yahoo) Name() string { return "yahoo" }

// yahooChart is the response structure from the chart API
type yahooChart struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol string `json:"symbol"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []decimal.NullDecimal `json:"open"`
					High   []decimal.NullDecimal `json:"high"`
					Low    []decimal.NullDecimal `json:"low"`
					Close  []decimal.NullDecimal `json:"close"`
					Volume []decimal.NullDecimal `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Fetch returns the raw bars Yahoo reports for symbol within period
func (y *Yahoo) Fetch(ctx context.Context, symbol string, period models.Period) ([]models.RawBar, error) {
	const op = "yahoo.Fetch"
	start, end, err := window(op, period, y.http.now(), y.maxLookback)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("period1", strconv.FormatInt(start.Unix(), 10))
	q.Set("period2", strconv.FormatInt(end.Unix(), 10))
	q.Set("interval", y.interval)
	q.Set("includePrePost", "false")
	u := fmt.Sprintf("%s/v8/finance/chart/%s?%s", y.baseURL, url.PathEscape(symbol), q.Encode())

	body, err := y.http.get(ctx, op, u)
	if err != nil {
		return nil, err
	}
	return parseYahooChart(op, body)
}

func parseYahooChart(op string, body []byte) ([]models.RawBar, error) {
	var chart yahooChart
	if err := json.Unmarshal(body, &chart); err != nil {
		return nil, errs.E(errs.MalformedResponse, op, fmt.Errorf("decode: %w", err))
	}
	if e := chart.Chart.Error; e != nil {
		if strings.EqualFold(e.Code, "Not Found") {
			return nil, errs.Errorf(errs.NotFound, op, "%s", e.Description)
		}
		return nil, errs.Errorf(errs.MalformedResponse, op, "api error %s: %s", e.Code, e.Description)
	}
	if len(chart.Chart.Result) == 0 {
		return nil, errs.Errorf(errs.MalformedResponse, op, "no result in response")
	}

	result := chart.Chart.Result[0]
	n := len(result.Timestamp)
	if n == 0 {
		return []models.RawBar{}, nil
	}
	if len(result.Indicators.Quote) == 0 {
		return nil, errs.Errorf(errs.MalformedResponse, op, "%d timestamps without quotes", n)
	}

	quote := result.Indicators.Quote[0]
	for name, series := range map[string][]decimal.NullDecimal{
		"open": quote.Open, "high": quote.High, "low": quote.Low, "close": quote.Close,
	} {
		if len(series) != n {
			return nil, errs.Errorf(errs.MalformedResponse, op, "%s has %d values for %d timestamps", name, len(series), n)
		}
	}
	if len(quote.Volume) != 0 && len(quote.Volume) != n {
		return nil, errs.Errorf(errs.MalformedResponse, op, "volume has %d values for %d timestamps", len(quote.Volume), n)
	}

	bars := make([]models.RawBar, 0, n)
	for i, ts := range result.Timestamp {
		bar := models.RawBar{
			Time:  time.Unix(ts, 0).UTC(),
			Open:  quote.Open[i],
			High:  quote.High[i],
			Low:   quote.Low[i],
			Close: quote.Close[i],
		}
		if len(quote.Volume) == n {
			bar.Volume = quote.Volume[i]
		}
		bars = append(bars, bar)
	}
	return bars, nil
}
