package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trogers1052/market-data-ingestor/internal/api"
	"github.com/trogers1052/market-data-ingestor/internal/archive"
	"github.com/trogers1052/market-data-ingestor/internal/config"
	"github.com/trogers1052/market-data-ingestor/internal/database"
	"github.com/trogers1052/market-data-ingestor/internal/database/sqlite"
	"github.com/trogers1052/market-data-ingestor/internal/ingest"
	"github.com/trogers1052/market-data-ingestor/internal/kafka"
	"github.com/trogers1052/market-data-ingestor/internal/logging"
	"github.com/trogers1052/market-data-ingestor/internal/models"
	"github.com/trogers1052/market-data-ingestor/internal/provider"
	"github.com/trogers1052/market-data-ingestor/internal/ratelimit"
	"github.com/trogers1052/market-data-ingestor/internal/scheduler"
)

func main() {
	cfgPath := "configs/config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		cfgPath = v
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("ingestor exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	limiter, closeLimiter, err := newLimiter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLimiter()

	client, err := provider.New(cfg.Provider, cfg.Scheduler.MaxLookback, limiter)
	if err != nil {
		return fmt.Errorf("init provider: %w", err)
	}
	if cfg.Archive.Dir != "" {
		client = provider.WithArchive(client, archive.NewParquet(cfg.Archive.Dir), logger)
		logger.Info("archiving raw provider payloads", "dir", cfg.Archive.Dir)
	}
	logger.Info("data provider ready", "provider", client.Name(), "interval", cfg.Provider.Interval)

	var observers []ingest.RunObserver
	var producer *kafka.Producer
	if cfg.KafkaEnabled() {
		producer = kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.RunsTopic)
		defer producer.Close()
		observers = append(observers, producer)
	}

	orch := ingest.New(client, store, ingest.OptionsFromConfig(cfg.Ingest), logger, observers...)

	schedCfg, err := scheduler.ConfigFrom(cfg.Scheduler)
	if err != nil {
		return err
	}
	sched, err := scheduler.New(schedCfg, store, orch, logger)
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	if cfg.Scheduler.Enabled {
		if err := sched.Start(); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	} else {
		logger.Info("interval scheduling disabled, serving on-demand runs only")
	}

	consumerDone := make(chan struct{})
	if cfg.KafkaEnabled() {
		backfill, err := models.ParsePeriod(cfg.Ingest.BackfillPeriod)
		if err != nil {
			return fmt.Errorf("backfill period: %w", err)
		}
		consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.InstrumentsTopic, cfg.Kafka.GroupID, sched, backfill, logger)
		go func() {
			defer close(consumerDone)
			if err := consumer.Start(ctx); err != nil {
				logger.Error("kafka consumer stopped", "error", err)
			}
			consumer.Close()
		}()
	} else {
		close(consumerDone)
		logger.Info("kafka disabled, no brokers configured")
	}

	handler := api.NewHandler(store, sched, cfg.Server.TriggerTimeout, logger)
	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:           api.SetupRoutes(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping")
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server failed", "error", err)
		}
		stop()
	}

	shutdown(sched, srv, cfg.Scheduler.ShutdownGrace, consumerDone, logger)
	logger.Info("ingestor stopped")
	return nil
}

// httpShutdownTimeout bounds srv.Shutdown once the scheduler has drained.
// stopMargin is what Stop gets past the grace period to see cancelled runs out.
var (
	httpShutdownTimeout = 10 * time.Second
	stopMargin          = 5 * time.Second
)

type stopper interface {
	Stop(ctx context.Context) error
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// shutdown stops the scheduler before the HTTP server: cron stops, new work
// is rejected and in-flight runs, triggered ones included, drain within
// grace. Only then is the server shut down, on its own deadline.
func shutdown(sched stopper, srv shutdowner, grace time.Duration, consumerDone <-chan struct{}, logger *slog.Logger) {
	schedCtx, cancel := context.WithTimeout(context.Background(), grace+stopMargin)
	if err := sched.Stop(schedCtx); err != nil {
		logger.Warn("scheduler shutdown", "error", err)
	}
	cancel()

	httpCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		logger.Warn("http server shutdown", "error", err)
	}
	<-consumerDone
}

func openStore(cfg *config.Config, logger *slog.Logger) (ingest.Store, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		s, err := sqlite.Open(cfg.Database.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		s.SetLogger(logger)
		logger.Info("using sqlite store", "path", cfg.Database.SQLitePath)
		return s, nil
	default:
		db, err := database.New(cfg.Database.ConnectionString())
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		db.SetLogger(logger)
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("using postgres store", "max_open_conns", cfg.Database.MaxOpenConns)
		return db, nil
	}
}

// newLimiter returns a Redis-backed limiter shared across replicas when Redis
// is configured, otherwise an in-process one.
func newLimiter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ratelimit.Limiter, func(), error) {
	if cfg.Redis.Addr == "" {
		return ratelimit.NewLocal(cfg.Provider.RequestsPerMinute), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	limiter := ratelimit.NewRedis(client, "ratelimit:"+cfg.Provider.Name, cfg.Provider.RequestsPerMinute, time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := limiter.Ping(pingCtx); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info("using redis rate limiter", "addr", cfg.Redis.Addr, "requests_per_minute", cfg.Provider.RequestsPerMinute)
	return limiter, func() { client.Close() }, nil
}
