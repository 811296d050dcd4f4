package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trogers1052/market-data-ingestor/internal/config"
	"github.com/trogers1052/market-data-ingestor/internal/database/sqlite"
	"github.com/trogers1052/market-data-ingestor/internal/errs"
	"github.com/trogers1052/market-data-ingestor/internal/logging"
	"github.com/trogers1052/market-data-ingestor/internal/models"
)

// MockClient is a provider.Client driven by a function
type MockClient struct {
	calls atomic.Int32
	fetch func(ctx context.Context, call int) ([]models.RawBar, error)
}

func (m *MockClient) Name() string { return "mock" }

func (m *MockClient) Fetch(ctx context.Context, symbol string, period models.Period) ([]models.RawBar, error) {
	return m.fetch(ctx, int(m.calls.Add(1)))
}

// MockBarStore keeps bars in memory with the same uniqueness rule as the real stores
type MockBarStore struct {
	mu          sync.Mutex
	rows        map[int64]map[int64]models.Bar
	unavailable int
	writes      int
	onWrite     func(ctx context.Context)
}

func NewMockBarStore() *MockBarStore {
	return &MockBarStore{rows: map[int64]map[int64]models.Bar{}}
}

func (m *MockBarStore) UpsertBatch(ctx context.Context, instrumentID int64, bars []models.Bar) (int, error) {
	if m.onWrite != nil {
		m.onWrite(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.unavailable > 0 {
		m.unavailable--
		return 0, errs.Errorf(errs.StoreUnavailable, "mock.UpsertBatch", "connection refused")
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	if m.rows[instrumentID] == nil {
		m.rows[instrumentID] = map[int64]models.Bar{}
	}
	inserted := 0
	for _, b := range bars {
		if _, ok := m.rows[instrumentID][b.Timestamp.Unix()]; ok {
			continue
		}
		m.rows[instrumentID][b.Timestamp.Unix()] = b
		inserted++
	}
	return inserted, nil
}

func (m *MockBarStore) ReadRange(ctx context.Context, instrumentID int64, start, end time.Time, offset, pageSize int) ([]models.Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Bar
	for _, b := range m.rows[instrumentID] {
		if !b.Timestamp.Before(start) && !b.Timestamp.After(end) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MockBarStore) Latest(ctx context.Context, instrumentID int64) (*models.Bar, error) {
	bars, _ := m.ReadRange(ctx, instrumentID, time.Time{}, time.Now().AddDate(100, 0, 0), 0, 0)
	if len(bars) == 0 {
		return nil, errs.Errorf(errs.NotFound, "mock.Latest", "no bars")
	}
	return &bars[len(bars)-1], nil
}

func (m *MockBarStore) count(instrumentID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows[instrumentID])
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []models.Outcome
	err      error
}

func (r *recordingObserver) OnRunComplete(ctx context.Context, out models.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, out)
	return r.err
}

func testOptions() Options {
	return Options{
		FetchAttempts:   4,
		BackoffInitial:  time.Millisecond,
		BackoffMax:      5 * time.Millisecond,
		StoreRetryDelay: time.Millisecond,
	}
}

func aaplDaily() []models.RawBar {
	day := time.Date(2024, 1, 8, 14, 30, 0, 0, time.UTC)
	closes := []string{"185.56", "185.14", "186.19", "185.59", "185.92"}
	bars := make([]models.RawBar, 0, len(closes))
	for i, c := range closes {
		cl := decimal.RequireFromString(c)
		bars = append(bars, models.RawBar{
			Time:   day.AddDate(0, 0, i),
			Open:   decimal.NewNullDecimal(cl.Sub(decimal.NewFromInt(1))),
			High:   decimal.NewNullDecimal(cl.Add(decimal.NewFromInt(2))),
			Low:    decimal.NewNullDecimal(cl.Sub(decimal.NewFromInt(2))),
			Close:  decimal.NewNullDecimal(cl),
			Volume: decimal.NewNullDecimal(decimal.NewFromInt(int64(40000000 + i))),
		})
	}
	return bars
}

func staticClient(raw []models.RawBar) *MockClient {
	return &MockClient{fetch: func(ctx context.Context, call int) ([]models.RawBar, error) {
		return raw, nil
	}}
}

var (
	aapl     = models.Instrument{ID: 1, Symbol: "AAPL", AssetType: models.AssetTypeEquity, Active: true}
	fiveDays = models.LookbackPeriod(5, models.UnitDay)
)

func TestRunAAPLScenario(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "bars.db"))
	require.NoError(t, err)
	defer store.Close()

	inst := models.Instrument{Symbol: "AAPL", AssetType: models.AssetTypeEquity, Active: true}
	require.NoError(t, store.CreateInstrument(context.Background(), &inst))

	o := New(staticClient(aaplDaily()), store, testOptions(), nil)

	first := o.Run(context.Background(), inst, fiveDays)
	require.NoError(t, first.Err)
	assert.Equal(t, models.RunSucceeded, first.Status)
	assert.Equal(t, 5, first.Fetched)
	assert.Equal(t, 5, first.Inserted)
	assert.Equal(t, 0, first.Skipped)

	second := o.Run(context.Background(), inst, fiveDays)
	require.NoError(t, second.Err)
	assert.Equal(t, models.RunPartiallySucceeded, second.Status)
	assert.Equal(t, 5, second.Fetched)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 5, second.Skipped)

	count, err := store.CountBars(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, count)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestRunConcurrentConverges(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "bars.db"))
	require.NoError(t, err)
	defer store.Close()

	inst := models.Instrument{Symbol: "AAPL", Active: true}
	require.NoError(t, store.CreateInstrument(context.Background(), &inst))
	o := New(staticClient(aaplDaily()), store, testOptions(), nil)

	var (
		wg       sync.WaitGroup
		inserted atomic.Int64
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := o.Run(context.Background(), inst, fiveDays)
			assert.True(t, out.Status.OK())
			inserted.Add(int64(out.Inserted))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(5), inserted.Load())
	count, err := store.CountBars(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestRunDataQuality(t *testing.T) {
	raw := aaplDaily()
	raw[2].High = decimal.NewNullDecimal(decimal.NewFromInt(1)) // below low

	store := NewMockBarStore()
	out := New(staticClient(raw), store, testOptions(), nil).Run(context.Background(), aapl, fiveDays)

	assert.Equal(t, models.RunPartiallySucceeded, out.Status)
	assert.Equal(t, 5, out.Fetched)
	assert.Equal(t, 4, out.Inserted)
	assert.Equal(t, 1, out.Skipped)
	assert.Equal(t, 1, out.Invalid)
	assert.NoError(t, out.Err)
}

func TestRunZeroValidRecords(t *testing.T) {
	raw := aaplDaily()
	for i := range raw {
		raw[i].Close = decimal.NullDecimal{}
	}

	store := NewMockBarStore()
	out := New(staticClient(raw), store, testOptions(), nil).Run(context.Background(), aapl, fiveDays)

	assert.Equal(t, models.RunPartiallySucceeded, out.Status)
	assert.Equal(t, 5, out.Fetched)
	assert.Equal(t, 0, out.Inserted)
	assert.Equal(t, 5, out.Skipped)
	assert.Zero(t, store.writes, "no write for an empty batch")
}

func TestRunFetchRetries(t *testing.T) {
	t.Run("retryable errors are retried", func(t *testing.T) {
		client := &MockClient{fetch: func(ctx context.Context, call int) ([]models.RawBar, error) {
			if call < 3 {
				return nil, errs.Errorf(errs.Unavailable, "mock", "503")
			}
			return aaplDaily(), nil
		}}

		out := New(client, NewMockBarStore(), testOptions(), nil).Run(context.Background(), aapl, fiveDays)
		assert.Equal(t, models.RunSucceeded, out.Status)
		assert.Equal(t, 3, out.Attempts)
	})

	t.Run("exhausted retries fail with the provider kind", func(t *testing.T) {
		client := &MockClient{fetch: func(ctx context.Context, call int) ([]models.RawBar, error) {
			return nil, errs.Errorf(errs.RateLimited, "mock", "429")
		}}

		out := New(client, NewMockBarStore(), testOptions(), nil).Run(context.Background(), aapl, fiveDays)
		assert.Equal(t, models.RunFailed, out.Status)
		assert.Equal(t, errs.RateLimited, errs.KindOf(out.Err))
		assert.Equal(t, 4, out.Attempts)
		assert.Equal(t, models.StateFetching, out.FailedStage)
	})

	t.Run("non-retryable errors fail immediately", func(t *testing.T) {
		for _, kind := range []errs.Kind{errs.Unauthenticated, errs.MalformedResponse, errs.NotFound, errs.InvalidRequest} {
			client := &MockClient{fetch: func(ctx context.Context, call int) ([]models.RawBar, error) {
				return nil, errs.Errorf(kind, "mock", "nope")
			}}

			out := New(client, NewMockBarStore(), testOptions(), nil).Run(context.Background(), aapl, fiveDays)
			assert.Equal(t, models.RunFailed, out.Status, kind)
			assert.Equal(t, kind, errs.KindOf(out.Err))
			assert.Equal(t, 1, out.Attempts, kind)
		}
	})

	t.Run("cancelled while backing off", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		client := &MockClient{fetch: func(_ context.Context, call int) ([]models.RawBar, error) {
			cancel()
			return nil, errs.Errorf(errs.NetworkTransient, "mock", "reset")
		}}
		opts := testOptions()
		opts.BackoffInitial = time.Second

		out := New(client, NewMockBarStore(), opts, nil).Run(ctx, aapl, fiveDays)
		assert.Equal(t, models.RunCancelled, out.Status)
		assert.True(t, errs.Is(out.Err, errs.Cancelled))
	})
}

func TestRetryAfterFloor(t *testing.T) {
	hinted := &errs.Error{Kind: errs.RateLimited, RetryAfter: 250 * time.Millisecond}
	var lastErr error = hinted

	b := newFetchBackOff(testOptions(), &lastErr)
	assert.GreaterOrEqual(t, b.NextBackOff(), 250*time.Millisecond)

	hinted.RetryAfter = time.Hour
	assert.Equal(t, maxRetryAfter, b.NextBackOff())

	lastErr = errors.New("plain")
	assert.Less(t, b.NextBackOff(), 250*time.Millisecond)
}

func TestRunStoreRetry(t *testing.T) {
	t.Run("one unavailable write is retried", func(t *testing.T) {
		store := NewMockBarStore()
		store.unavailable = 1

		out := New(staticClient(aaplDaily()), store, testOptions(), nil).Run(context.Background(), aapl, fiveDays)
		assert.Equal(t, models.RunSucceeded, out.Status)
		assert.Equal(t, 2, store.writes)
		assert.Equal(t, 5, store.count(aapl.ID))
	})

	t.Run("second failure fails the run", func(t *testing.T) {
		store := NewMockBarStore()
		store.unavailable = 2

		out := New(staticClient(aaplDaily()), store, testOptions(), nil).Run(context.Background(), aapl, fiveDays)
		assert.Equal(t, models.RunFailed, out.Status)
		assert.Equal(t, errs.StoreUnavailable, errs.KindOf(out.Err))
		assert.Equal(t, models.StatePersisting, out.FailedStage)
		assert.Equal(t, 2, store.writes)
		assert.Zero(t, store.count(aapl.ID))
	})
}

func TestRunCancellation(t *testing.T) {
	t.Run("cancelled before the write starts", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		client := &MockClient{fetch: func(_ context.Context, call int) ([]models.RawBar, error) {
			cancel()
			return aaplDaily(), nil
		}}
		store := NewMockBarStore()

		out := New(client, store, testOptions(), nil).Run(ctx, aapl, fiveDays)
		assert.Equal(t, models.RunCancelled, out.Status)
		assert.Equal(t, models.StatePersisting, out.FailedStage)
		assert.Zero(t, store.writes)
	})

	t.Run("cancellation during the write does not interrupt it", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		store := NewMockBarStore()
		store.onWrite = func(wctx context.Context) {
			cancel()
			assert.NoError(t, wctx.Err())
		}

		out := New(staticClient(aaplDaily()), store, testOptions(), nil).Run(ctx, aapl, fiveDays)
		assert.Equal(t, models.RunSucceeded, out.Status)
		assert.Equal(t, 5, store.count(aapl.ID))
	})
}

func TestRunObserversAndLog(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(&buf, "info", "json")
	obs := &recordingObserver{err: errors.New("broker down")}

	out := New(staticClient(aaplDaily()), NewMockBarStore(), testOptions(), logger, obs).Run(context.Background(), aapl, fiveDays)
	assert.Equal(t, models.RunSucceeded, out.Status, "observer failure does not change the outcome")

	require.Len(t, obs.outcomes, 1)
	assert.Equal(t, out.RunID, obs.outcomes[0].RunID)

	var records []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		if rec["msg"] == "ingestion run completed" {
			records = append(records, rec)
		}
	}
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "AAPL", rec["symbol"])
	assert.Equal(t, out.RunID, rec["run_id"])
	assert.Equal(t, float64(5), rec["fetched"])
	assert.Equal(t, float64(5), rec["inserted"])
	assert.Equal(t, float64(0), rec["skipped"])
	assert.Equal(t, "succeeded", rec["status"])
	assert.Contains(t, rec, "duration_ms")
}

func TestOptionsFromConfigDefaults(t *testing.T) {
	opts := OptionsFromConfig(config.IngestConfig{FetchAttempts: 2})
	assert.Equal(t, 2, opts.FetchAttempts)
	assert.Equal(t, DefaultOptions().BackoffMax, opts.BackoffMax)
}
