// Package ingest runs one fetch, transform and persist cycle per instrument.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/trogers1052/market-data-ingestor/internal/config"
	"github.com/trogers1052/market-data-ingestor/internal/errs"
	"github.com/trogers1052/market-data-ingestor/internal/logging"
	"github.com/trogers1052/market-data-ingestor/internal/models"
	"github.com/trogers1052/market-data-ingestor/internal/provider"
	"github.com/trogers1052/market-data-ingestor/internal/transform"
)

// RunObserver is notified of every completed run
type RunObserver interface {
	OnRunComplete(ctx context.Context, outcome models.Outcome) error
}

// Options tune retries for one orchestrator
type Options struct {
	FetchAttempts   int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	StoreRetryDelay time.Duration
}

// DefaultOptions returns the production retry settings
func DefaultOptions() Options {
	return Options{
		FetchAttempts:   4,
		BackoffInitial:  500 * time.Millisecond,
		BackoffMax:      30 * time.Second,
		StoreRetryDelay: 2 * time.Second,
	}
}

// OptionsFromConfig maps ingest configuration onto Options
func OptionsFromConfig(cfg config.IngestConfig) Options {
	opts := DefaultOptions()
	if cfg.FetchAttempts > 0 {
		opts.FetchAttempts = cfg.FetchAttempts
	}
	if cfg.BackoffInitial > 0 {
		opts.BackoffInitial = cfg.BackoffInitial
	}
	if cfg.BackoffMax > 0 {
		opts.BackoffMax = cfg.BackoffMax
	}
	if cfg.StoreRetryDelay > 0 {
		opts.StoreRetryDelay = cfg.StoreRetryDelay
	}
	return opts
}

// Orchestrator drives runs. It keeps no per-run state, so one instance
// serves any number of concurrent runs.
type Orchestrator struct {
	client    provider.Client
	bars      BarStore
	opts      Options
	logger    *slog.Logger
	observers []RunObserver
	now       func() time.Time
}

// New creates an orchestrator
func New(client provider.Client, bars BarStore, opts Options, logger *slog.Logger, observers ...RunObserver) *Orchestrator {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Orchestrator{
		client:    client,
		bars:      bars,
		opts:      opts,
		logger:    logger.With("component", "orchestrator"),
		observers: observers,
		now:       time.Now,
	}
}

// run carries the state of one Run call
type run struct {
	outcome models.Outcome
	state   models.RunState
	logger  *slog.Logger
}

func (r *run) transition(to models.RunState) {
	r.logger.Debug("run state", "from", r.state, "to", to)
	r.state = to
}

// Run ingests period for inst and returns the outcome. It never returns
// without an outcome and never panics on provider or store failures.
func (o *Orchestrator) Run(ctx context.Context, inst models.Instrument, period models.Period) models.Outcome {
	started := o.now()
	r := &run{
		outcome: models.Outcome{
			RunID:        uuid.NewString(),
			InstrumentID: inst.ID,
			Symbol:       inst.Symbol,
			Period:       period.String(),
			StartedAt:    started.UTC(),
		},
		state: models.StatePending,
	}
	r.logger = o.logger.With("run_id", r.outcome.RunID, "symbol", inst.Symbol)
	r.outcome.WindowStart, r.outcome.WindowEnd = period.Window(started)

	o.execute(ctx, r, inst, period)

	r.outcome.Duration = o.now().Sub(started)
	o.report(ctx, r)
	return r.outcome
}

func (o *Orchestrator) execute(ctx context.Context, r *run, inst models.Instrument, period models.Period) {
	r.transition(models.StateFetching)
	raw, err := o.fetch(ctx, r, inst.Symbol, period)
	if err != nil {
		o.fail(r, err)
		return
	}
	r.outcome.Fetched = len(raw)

	r.transition(models.StateTransforming)
	bars, report, rejected := transform.NormalizeWithRejections(raw, inst.ID)
	r.outcome.Invalid = report.Dropped
	for _, rej := range rejected {
		r.logger.Debug("record dropped", "kind", errs.DataQuality, "reason", rej.Reason, "time", rej.Time)
	}

	r.transition(models.StatePersisting)
	inserted, err := o.persist(ctx, r, inst.ID, bars)
	if err != nil {
		o.fail(r, err)
		return
	}
	r.outcome.Inserted = inserted
	r.outcome.Skipped = r.outcome.Fetched - inserted

	if r.outcome.Skipped == 0 {
		r.outcome.Status = models.RunSucceeded
	} else {
		r.outcome.Status = models.RunPartiallySucceeded
	}
}

// fetch calls the provider, retrying retryable failures with exponential backoff
func (o *Orchestrator) fetch(ctx context.Context, r *run, symbol string, period models.Period) ([]models.RawBar, error) {
	var lastErr error
	policy := backoff.WithContext(newFetchBackOff(o.opts, &lastErr), ctx)

	operation := func() ([]models.RawBar, error) {
		r.outcome.Attempts++
		raw, err := o.client.Fetch(ctx, symbol, period)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if !errs.Retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Debug("fetch retry",
			"attempt", r.outcome.Attempts,
			"kind", errs.KindOf(err),
			"wait", wait,
			"error", err,
		)
	}

	raw, err := backoff.RetryNotifyWithData(operation, policy, notify)
	if err != nil {
		var classified *errs.Error
		if !errors.As(err, &classified) {
			// backoff returns the bare context error when cancelled while waiting
			return nil, errs.E(errs.KindOf(err), "ingest.fetch", err)
		}
		return nil, err
	}
	return raw, nil
}

// persist writes bars. The write runs detached from ctx so a caller timeout
// cannot interrupt a batch; cancellation is only honoured before a write starts.
func (o *Orchestrator) persist(ctx context.Context, r *run, instrumentID int64, bars []models.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, errs.E(errs.Cancelled, "ingest.persist", err)
	}

	inserted, err := o.bars.UpsertBatch(context.WithoutCancel(ctx), instrumentID, bars)
	if err == nil || !errs.Is(err, errs.StoreUnavailable) {
		return inserted, err
	}

	r.logger.Warn("store unavailable, retrying batch", "delay", o.opts.StoreRetryDelay, "error", err)
	timer := time.NewTimer(o.opts.StoreRetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return 0, errs.E(errs.Cancelled, "ingest.persist", ctx.Err())
	case <-timer.C:
	}

	return o.bars.UpsertBatch(context.WithoutCancel(ctx), instrumentID, bars)
}

func (o *Orchestrator) fail(r *run, err error) {
	r.outcome.Err = err
	r.outcome.FailedStage = r.state
	if errs.Is(err, errs.Cancelled) {
		r.outcome.Status = models.RunCancelled
	} else {
		r.outcome.Status = models.RunFailed
	}
}

// report emits the run's log record and notifies observers
func (o *Orchestrator) report(ctx context.Context, r *run) {
	out := r.outcome
	attrs := []any{
		"fetched", out.Fetched,
		"inserted", out.Inserted,
		"skipped", out.Skipped,
		"invalid", out.Invalid,
		"status", out.Status,
		"attempts", out.Attempts,
		"duration_ms", out.Duration.Milliseconds(),
		"period", out.Period,
	}
	level := slog.LevelInfo
	if out.Err != nil {
		attrs = append(attrs, "error_kind", errs.KindOf(out.Err), "failed_stage", out.FailedStage, "error", out.Err)
		if out.Status == models.RunFailed {
			level = slog.LevelWarn
		}
	}
	r.logger.Log(ctx, level, "ingestion run completed", attrs...)

	for _, obs := range o.observers {
		if err := obs.OnRunComplete(context.WithoutCancel(ctx), out); err != nil {
			r.logger.Warn("run observer failed", "error", err)
		}
	}
}
