package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trogers1052/market-data-ingestor/internal/config"
	"github.com/trogers1052/market-data-ingestor/internal/errs"
	"github.com/trogers1052/market-data-ingestor/internal/models"
)

const yahooAAPL = `{"chart":{"result":[{"meta":{"symbol":"AAPL"},
"timestamp":[1704983400,1705069800,1705415400],
"indicators":{"quote":[{
 "open":[186.06,186.06,182.16],
 "high":[187.05,186.74,184.26],
 "low":[183.62,185.19,180.93],
 "close":[185.92,185.59,null],
 "volume":[49128400,40444700,65603000]}]}}],"error":null}}`

type countingLimiter struct {
	calls atomic.Int32
}

func (c *countingLimiter) Wait(ctx context.Context) error {
	c.calls.Add(1)
	return ctx.Err()
}

func newTestYahoo(t *testing.T, h http.HandlerFunc) (*Yahoo, *countingLimiter) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	limiter := &countingLimiter{}
	y := NewYahoo(Options{BaseURL: srv.URL, MaxLookback: models.LookbackPeriod(1, models.UnitMonth), Limiter: limiter})
	return y, limiter
}

func TestYahooFetch(t *testing.T) {
	ctx := context.Background()
	fiveDays := models.LookbackPeriod(5, models.UnitDay)

	t.Run("parses chart response", func(t *testing.T) {
		requests := make(chan *url.URL, 1)
		y, limiter := newTestYahoo(t, func(w http.ResponseWriter, r *http.Request) {
			requests <- r.URL
			w.Write([]byte(yahooAAPL))
		})

		bars, err := y.Fetch(ctx, "AAPL", fiveDays)
		require.NoError(t, err)
		require.Len(t, bars, 3)

		u := <-requests
		gotPath, gotQuery := u.Path, u.Query()

		assert.Equal(t, "/v8/finance/chart/AAPL", gotPath)
		assert.Equal(t, "1d", gotQuery["interval"][0])
		assert.NotEmpty(t, gotQuery["period1"])
		assert.NotEmpty(t, gotQuery["period2"])
		assert.Equal(t, int32(1), limiter.calls.Load())

		assert.Equal(t, time.Unix(1704983400, 0).UTC(), bars[0].Time)
		assert.Equal(t, "186.06", bars[0].Open.Decimal.String())
		assert.Equal(t, "49128400", bars[0].Volume.Decimal.String())
		assert.False(t, bars[2].Close.Valid, "null close survives as invalid")
	})

	t.Run("empty result is not an error", func(t *testing.T) {
		y, _ := newTestYahoo(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"chart":{"result":[{"meta":{"symbol":"AAPL"},"indicators":{"quote":[{}]}}],"error":null}}`))
		})

		bars, err := y.Fetch(ctx, "AAPL", fiveDays)
		require.NoError(t, err)
		assert.Empty(t, bars)
	})

	statusTests := []struct {
		name   string
		status int
		body   string
		want   errs.Kind
	}{
		{"rate limited", http.StatusTooManyRequests, `{}`, errs.RateLimited},
		{"unauthorized", http.StatusUnauthorized, `{}`, errs.Unauthenticated},
		{"forbidden", http.StatusForbidden, `{}`, errs.Unauthenticated},
		{"not found", http.StatusNotFound, `{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found, symbol may be delisted"}}}`, errs.NotFound},
		{"bad request", http.StatusBadRequest, `{}`, errs.MalformedResponse},
		{"server error", http.StatusInternalServerError, `oops`, errs.Unavailable},
		{"bad gateway", http.StatusBadGateway, `oops`, errs.Unavailable},
		{"undecodable body", http.StatusOK, `<html>`, errs.MalformedResponse},
		{"api error in body", http.StatusOK, `{"chart":{"result":null,"error":{"code":"Bad Request","description":"Invalid interval"}}}`, errs.MalformedResponse},
		{"not found in body", http.StatusOK, `{"chart":{"result":null,"error":{"code":"Not Found","description":"delisted"}}}`, errs.NotFound},
		{"mismatched series", http.StatusOK, `{"chart":{"result":[{"timestamp":[1,2],"indicators":{"quote":[{"open":[1],"high":[1,2],"low":[1,2],"close":[1,2]}]}}]}}`, errs.MalformedResponse},
		{"timestamps without quotes", http.StatusOK, `{"chart":{"result":[{"timestamp":[1,2],"indicators":{"quote":[]}}]}}`, errs.MalformedResponse},
	}
	for _, tt := range statusTests {
		t.Run(tt.name, func(t *testing.T) {
			y, _ := newTestYahoo(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := y.Fetch(ctx, "AAPL", fiveDays)
			require.Error(t, err)
			assert.Equal(t, tt.want, errs.KindOf(err))
		})
	}

	t.Run("rate limited carries retry after", func(t *testing.T) {
		y, _ := newTestYahoo(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
		})

		_, err := y.Fetch(ctx, "AAPL", fiveDays)
		assert.True(t, errs.Is(err, errs.RateLimited))
		assert.Equal(t, 7*time.Second, errs.RetryAfterOf(err))
	})

	t.Run("rejects unbounded and over-long periods without a request", func(t *testing.T) {
		var hits atomic.Int32
		y, _ := newTestYahoo(t, func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
		})

		_, err := y.Fetch(ctx, "AAPL", models.Period{})
		assert.True(t, errs.Is(err, errs.InvalidRequest))

		_, err = y.Fetch(ctx, "AAPL", models.LookbackPeriod(2, models.UnitYear))
		assert.True(t, errs.Is(err, errs.InvalidRequest))
		assert.Zero(t, hits.Load())
	})

	t.Run("one month lookback fits a 31 day month", func(t *testing.T) {
		requests := make(chan *url.URL, 2)
		y, _ := newTestYahoo(t, func(w http.ResponseWriter, r *http.Request) {
			requests <- r.URL
			w.Write([]byte(yahooAAPL))
		})
		now := time.Date(2026, 4, 18, 15, 0, 0, 0, time.UTC)
		y.http.now = func() time.Time { return now }

		_, err := y.Fetch(ctx, "AAPL", models.LookbackPeriod(1, models.UnitMonth))
		require.NoError(t, err)
		u := <-requests
		assert.Equal(t, strconv.FormatInt(time.Date(2026, 3, 18, 15, 0, 0, 0, time.UTC).Unix(), 10), u.Query().Get("period1"))

		march, err := models.ParsePeriod("2026-03-01..2026-03-31")
		require.NoError(t, err)
		_, err = y.Fetch(ctx, "AAPL", march)
		require.NoError(t, err)
		<-requests
	})

	t.Run("retries once after a dropped connection", func(t *testing.T) {
		var hits atomic.Int32
		y, _ := newTestYahoo(t, func(w http.ResponseWriter, r *http.Request) {
			if hits.Add(1) == 1 {
				conn, _, err := w.(http.Hijacker).Hijack()
				require.NoError(t, err)
				conn.Close()
				return
			}
			w.Write([]byte(yahooAAPL))
		})

		bars, err := y.Fetch(ctx, "AAPL", fiveDays)
		require.NoError(t, err)
		assert.Len(t, bars, 3)
		assert.GreaterOrEqual(t, hits.Load(), int32(2))
	})

	t.Run("unreachable host is network transient", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		y := NewYahoo(Options{BaseURL: srv.URL, MaxLookback: models.LookbackPeriod(1, models.UnitMonth)})

		_, err := y.Fetch(ctx, "AAPL", fiveDays)
		assert.True(t, errs.Is(err, errs.NetworkTransient))
		assert.True(t, errs.Retryable(err))
	})

	t.Run("cancelled context", func(t *testing.T) {
		y, _ := newTestYahoo(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(yahooAAPL))
		})
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := y.Fetch(cctx, "AAPL", fiveDays)
		assert.True(t, errs.Is(err, errs.Cancelled))
	})
}

func TestPolygonFetch(t *testing.T) {
	ctx := context.Background()
	var (
		srvURL string
		mu     sync.Mutex
		keys   []string
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.URL.Query().Get("apiKey"))
		mu.Unlock()
		if r.URL.Query().Get("cursor") == "" {
			assert.Contains(t, r.URL.Path, "/v2/aggs/ticker/AAPL/range/1/day/")
			w.Write([]byte(`{"ticker":"AAPL","status":"OK","resultsCount":2,
				"results":[{"t":1704949200000,"o":186.06,"h":187.05,"l":183.62,"c":185.92,"v":4.91284e+07},
				           {"t":1705035600000,"o":186.06,"h":186.74,"l":185.19,"c":185.59,"v":40444700}],
				"next_url":"` + srvURL + `/v2/aggs/ticker/AAPL/range/1/day/1/2?cursor=abc"}`))
			return
		}
		w.Write([]byte(`{"ticker":"AAPL","status":"DELAYED","resultsCount":1,
			"results":[{"t":1705381200000,"o":182.16,"h":184.26,"l":180.93,"c":183.63,"v":65603000}]}`))
	}))
	defer srv.Close()
	srvURL = srv.URL

	p, err := NewPolygon(Options{BaseURL: srv.URL, APIKey: "secret", MaxLookback: models.LookbackPeriod(1, models.UnitMonth)})
	require.NoError(t, err)

	bars, err := p.Fetch(ctx, "AAPL", models.LookbackPeriod(1, models.UnitWeek))
	require.NoError(t, err)
	require.Len(t, bars, 3)
	mu.Lock()
	assert.Equal(t, []string{"secret", "secret"}, keys)
	mu.Unlock()
	assert.Equal(t, time.UnixMilli(1704949200000).UTC(), bars[0].Time)
	assert.Equal(t, "49128400", bars[0].Volume.Decimal.String())
}

func TestPolygonErrors(t *testing.T) {
	_, err := NewPolygon(Options{})
	assert.Error(t, err, "api key required")

	_, err = NewPolygon(Options{APIKey: "k", Interval: "fortnightly"})
	assert.Error(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ERROR","error":"Unknown API Key"}`))
	}))
	defer srv.Close()

	p, err := NewPolygon(Options{BaseURL: srv.URL, APIKey: "k"})
	require.NoError(t, err)
	_, err = p.Fetch(context.Background(), "AAPL", models.LookbackPeriod(1, models.UnitDay))
	assert.True(t, errs.Is(err, errs.MalformedResponse))
}

func TestPolygonInterval(t *testing.T) {
	tests := []struct {
		in   string
		mult int
		span string
	}{
		{"", 1, "day"},
		{"1d", 1, "day"},
		{"5m", 5, "minute"},
		{"1h", 1, "hour"},
		{"1wk", 1, "week"},
		{"1mo", 1, "month"},
	}
	for _, tt := range tests {
		mult, span, err := polygonInterval(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.mult, mult, tt.in)
		assert.Equal(t, tt.span, span, tt.in)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 30*time.Second, parseRetryAfter("30", now))
	assert.Equal(t, 90*time.Second, parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
	assert.Zero(t, parseRetryAfter("", now))
	assert.Zero(t, parseRetryAfter("-5", now))
	assert.Zero(t, parseRetryAfter("soon", now))
	assert.Zero(t, parseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
}

func TestNew(t *testing.T) {
	c, err := New(config.ProviderConfig{Name: "yahoo"}, models.LookbackPeriod(1, models.UnitMonth), nil)
	require.NoError(t, err)
	assert.Equal(t, "yahoo", c.Name())

	c, err = New(config.ProviderConfig{Name: "polygon", APIKey: "k"}, models.LookbackPeriod(1, models.UnitMonth), nil)
	require.NoError(t, err)
	assert.Equal(t, "polygon", c.Name())

	_, err = New(config.ProviderConfig{Name: "bloomberg"}, models.LookbackPeriod(1, models.UnitMonth), nil)
	assert.Error(t, err)
}

type memArchive struct {
	saved int
	err   error
}

func (m *memArchive) Save(provider, symbol string, fetchedAt time.Time, bars []models.RawBar) error {
	m.saved += len(bars)
	return m.err
}

func TestWithArchive(t *testing.T) {
	y, _ := newTestYahoo(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(yahooAAPL))
	})

	archive := &memArchive{err: errors.New("disk full")}
	c := WithArchive(y, archive, nil)

	bars, err := c.Fetch(context.Background(), "AAPL", models.LookbackPeriod(5, models.UnitDay))
	require.NoError(t, err, "archive failure must not fail the fetch")
	assert.Len(t, bars, 3)
	assert.Equal(t, 3, archive.saved)
	assert.Equal(t, "yahoo", c.Name())
}
