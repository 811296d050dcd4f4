// Package scheduler launches ingestion runs on an interval and on demand,
// bounding how many run at once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"github.com/trogers1052/market-data-ingestor/internal/config"
	"github.com/trogers1052/market-data-ingestor/internal/errs"
	"github.com/trogers1052/market-data-ingestor/internal/ingest"
	"github.com/trogers1052/market-data-ingestor/internal/logging"
	"github.com/trogers1052/market-data-ingestor/internal/models"
)

// ErrStopped is returned for work submitted after Stop
var ErrStopped = errors.New("scheduler stopped")

// Runner executes one ingestion run
type Runner interface {
	Run(ctx context.Context, inst models.Instrument, period models.Period) models.Outcome
}

// Config controls the scheduler
type Config struct {
	Interval      time.Duration
	Workers       int
	Period        models.Period
	MaxLookback   models.Period
	ShutdownGrace time.Duration
	RunOnStart    bool
}

// ConfigFrom maps service configuration onto scheduler Config
func ConfigFrom(cfg config.SchedulerConfig) (Config, error) {
	period, err := models.ParsePeriod(cfg.Period)
	if err != nil {
		return Config{}, fmt.Errorf("scheduler period: %w", err)
	}
	return Config{
		Interval:      cfg.Interval,
		Workers:       cfg.Workers,
		Period:        period,
		MaxLookback:   cfg.MaxLookback,
		ShutdownGrace: cfg.ShutdownGrace,
		RunOnStart:    cfg.RunOnStart,
	}, nil
}

// Scheduler owns the cron loop and the worker bound. Every run, scheduled or
// manual, holds one semaphore slot for its whole duration.
type Scheduler struct {
	cfg         Config
	instruments ingest.InstrumentReader
	runner      Runner
	logger      *slog.Logger
	cron        *cron.Cron
	sem         *semaphore.Weighted

	// runCtx is cancelled once the shutdown grace period has elapsed
	runCtx     context.Context
	cancelRuns context.CancelFunc

	mu       sync.Mutex
	started  bool
	stopped  bool
	inflight sync.WaitGroup

	now func() time.Time
}

// New creates a stopped scheduler
func New(cfg Config, instruments ingest.InstrumentReader, runner Runner, logger *slog.Logger) (*Scheduler, error) {
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if cfg.Period.IsZero() {
		return nil, fmt.Errorf("scheduled period is required")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.With("component", "scheduler")

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))
	runCtx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cfg:         cfg,
		instruments: instruments,
		runner:      runner,
		logger:      logger,
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		sem:        semaphore.NewWeighted(int64(cfg.Workers)),
		runCtx:     runCtx,
		cancelRuns: cancel,
		now:        time.Now,
	}, nil
}

// Start registers the interval job and starts the cron loop
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return nil
	}

	schedule := "@every " + s.cfg.Interval.String()
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return fmt.Errorf("register ingestion job: %w", err)
	}
	s.cron.Start()
	s.started = true

	s.logger.Info("scheduler started",
		"interval", s.cfg.Interval,
		"workers", s.cfg.Workers,
		"period", s.cfg.Period.String(),
	)
	if s.cfg.RunOnStart {
		go s.tick()
	}
	return nil
}

func (s *Scheduler) tick() {
	if _, err := s.RunAll(s.runCtx); err != nil && !errors.Is(err, ErrStopped) {
		s.logger.Error("scheduled ingestion failed", "error", err)
	}
}

// RunAll runs the scheduled period for every active instrument and waits for
// all of them. One run failing never stops the others.
func (s *Scheduler) RunAll(ctx context.Context) ([]models.Outcome, error) {
	instruments, err := s.instruments.GetActiveInstruments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active instruments: %w", err)
	}

	started := s.now()
	results := make([]<-chan models.Outcome, 0, len(instruments))
	var dispatchErr error
	for _, inst := range instruments {
		ch, err := s.dispatch(ctx, inst, s.cfg.Period)
		if err != nil {
			dispatchErr = err
			break
		}
		results = append(results, ch)
	}

	outcomes := make([]models.Outcome, 0, len(results))
	counts := map[models.RunStatus]int{}
	for _, ch := range results {
		out := <-ch
		counts[out.Status]++
		outcomes = append(outcomes, out)
	}

	s.logger.Info("scheduled ingestion finished",
		"instruments", len(instruments),
		"dispatched", len(outcomes),
		"succeeded", counts[models.RunSucceeded],
		"partially_succeeded", counts[models.RunPartiallySucceeded],
		"failed", counts[models.RunFailed],
		"cancelled", counts[models.RunCancelled],
		"duration_ms", s.now().Sub(started).Milliseconds(),
	)
	return outcomes, dispatchErr
}

// Trigger runs period for symbol now, through the same worker bound as
// scheduled runs, and waits for the outcome.
func (s *Scheduler) Trigger(ctx context.Context, symbol string, period models.Period) (models.Outcome, error) {
	const op = "scheduler.Trigger"
	if s.isStopped() {
		return models.Outcome{}, ErrStopped
	}

	sym, err := models.NormalizeSymbol(symbol)
	if err != nil {
		return models.Outcome{}, errs.E(errs.InvalidRequest, op, err)
	}
	if err := period.Validate(s.now(), s.cfg.MaxLookback); err != nil {
		return models.Outcome{}, errs.E(errs.InvalidRequest, op, err)
	}

	inst, err := s.instruments.GetInstrumentBySymbol(ctx, sym)
	if err != nil {
		return models.Outcome{}, err
	}

	ch, err := s.dispatch(ctx, *inst, period)
	if err != nil {
		return models.Outcome{}, err
	}
	return <-ch, nil
}

// dispatch waits for a worker slot and starts the run in its own goroutine
func (s *Scheduler) dispatch(ctx context.Context, inst models.Instrument, period models.Period) (<-chan models.Outcome, error) {
	if !s.track() {
		return nil, ErrStopped
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.inflight.Done()
		return nil, errs.E(errs.Cancelled, "scheduler.dispatch", err)
	}

	ch := make(chan models.Outcome, 1)
	go func() {
		defer s.inflight.Done()
		defer s.sem.Release(1)

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(s.runCtx, cancel)
		defer stop()

		ch <- s.safeRun(runCtx, inst, period)
	}()
	return ch, nil
}

// safeRun turns a panicking run into a failed outcome
func (s *Scheduler) safeRun(ctx context.Context, inst models.Instrument, period models.Period) (out models.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("ingestion run panicked", "symbol", inst.Symbol, "panic", r)
			out = models.Outcome{
				InstrumentID: inst.ID,
				Symbol:       inst.Symbol,
				Period:       period.String(),
				Status:       models.RunFailed,
				Err:          errs.Errorf(errs.Unknown, "scheduler.run", "panic: %v", r),
			}
		}
	}()
	return s.runner.Run(ctx, inst, period)
}

func (s *Scheduler) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *Scheduler) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Stop stops the interval job and rejects new work. In-flight runs get the
// shutdown grace period to finish; after that their contexts are cancelled,
// so they abandon before starting another batch write. Stop returns once
// every run has returned or ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	cronDone := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		<-cronDone.Done()
		close(done)
	}()

	grace := time.NewTimer(s.cfg.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-done:
		s.cancelRuns()
		s.logger.Info("scheduler stopped")
		return nil
	case <-grace.C:
		s.logger.Warn("shutdown grace period elapsed, abandoning pending runs", "grace", s.cfg.ShutdownGrace)
	case <-ctx.Done():
	}

	s.cancelRuns()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
