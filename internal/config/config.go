package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/trogers1052/market-data-ingestor/internal/models"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Provider  ProviderConfig  `yaml:"provider"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           string        `yaml:"port"`
	Host           string        `yaml:"host"`
	TriggerTimeout time.Duration `yaml:"trigger_timeout"`
}

// DatabaseConfig holds bar store configuration
type DatabaseConfig struct {
	Driver       string `yaml:"driver"` // postgres | sqlite
	URL          string `yaml:"url"`
	Host         string `yaml:"host"`
	Port         string `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	DBName       string `yaml:"name"`
	SSLMode      string `yaml:"sslmode"`
	SQLitePath   string `yaml:"sqlite_path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// ProviderConfig holds market data provider configuration
type ProviderConfig struct {
	Name              string        `yaml:"name"` // yahoo | polygon
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	Interval          string        `yaml:"interval"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
}

// SchedulerConfig holds periodic ingestion configuration
type SchedulerConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Interval       time.Duration `yaml:"interval"`
	Workers        int           `yaml:"workers"`
	Period         string        `yaml:"period"`
	MaxLookbackRaw string        `yaml:"max_lookback"`
	MaxLookback    models.Period `yaml:"-"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
	RunOnStart     bool          `yaml:"run_on_start"`
}

// IngestConfig holds per-run retry configuration
type IngestConfig struct {
	FetchAttempts   int           `yaml:"fetch_attempts"`
	BackoffInitial  time.Duration `yaml:"backoff_initial"`
	BackoffMax      time.Duration `yaml:"backoff_max"`
	StoreRetryDelay time.Duration `yaml:"store_retry_delay"`
	BackfillPeriod  string        `yaml:"backfill_period"`
}

// KafkaConfig holds Kafka configuration. Kafka is disabled without brokers.
type KafkaConfig struct {
	Brokers          []string `yaml:"brokers"`
	RunsTopic        string   `yaml:"runs_topic"`
	InstrumentsTopic string   `yaml:"instruments_topic"`
	GroupID          string   `yaml:"group_id"`
}

// RedisConfig holds the shared rate limiter backend. Empty Addr keeps limits in-process.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ArchiveConfig enables Parquet archiving of raw provider payloads when Dir is set
type ArchiveConfig struct {
	Dir string `yaml:"dir"`
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           "8080",
			Host:           "0.0.0.0",
			TriggerTimeout: 2 * time.Minute,
		},
		Database: DatabaseConfig{
			Driver:     "postgres",
			Host:       "localhost",
			Port:       "5432",
			User:       "postgres",
			Password:   "postgres",
			DBName:     "market_data",
			SSLMode:    "disable",
			SQLitePath: "data/market_data.db",
		},
		Provider: ProviderConfig{
			Name:              "yahoo",
			Interval:          "1d",
			Timeout:           10 * time.Second,
			RequestsPerMinute: 60,
		},
		Scheduler: SchedulerConfig{
			Enabled:        true,
			Interval:       30 * time.Minute,
			Workers:        4,
			Period:         "5d",
			MaxLookbackRaw: "1mo",
			ShutdownGrace:  30 * time.Second,
		},
		Ingest: IngestConfig{
			FetchAttempts:   4,
			BackoffInitial:  500 * time.Millisecond,
			BackoffMax:      30 * time.Second,
			StoreRetryDelay: 2 * time.Second,
			BackfillPeriod:  "1mo",
		},
		Kafka: KafkaConfig{
			RunsTopic:        "ingestion-runs",
			InstrumentsTopic: "instrument-events",
			GroupID:          "market-data-ingestor",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from an optional .env file, an optional YAML file
// at path, then environment variables. Later layers win.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	lookback, err := models.ParseLookback(cfg.Scheduler.MaxLookbackRaw)
	if err != nil {
		return nil, fmt.Errorf("invalid scheduler.max_lookback: %w", err)
	}
	cfg.Scheduler.MaxLookback = lookback

	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = cfg.Scheduler.Workers + 2
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Server.Port = getEnv("SERVER_PORT", c.Server.Port)
	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)

	c.Database.Driver = getEnv("DB_DRIVER", c.Database.Driver)
	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnv("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.DBName = getEnv("DB_NAME", c.Database.DBName)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)
	c.Database.SQLitePath = getEnv("SQLITE_PATH", c.Database.SQLitePath)

	c.Provider.Name = getEnv("PROVIDER", c.Provider.Name)
	c.Provider.BaseURL = getEnv("PROVIDER_BASE_URL", c.Provider.BaseURL)
	c.Provider.APIKey = getEnv("PROVIDER_API_KEY", c.Provider.APIKey)
	c.Provider.Interval = getEnv("PROVIDER_INTERVAL", c.Provider.Interval)

	c.Scheduler.Period = getEnv("INGESTION_PERIOD", c.Scheduler.Period)
	c.Scheduler.MaxLookbackRaw = getEnv("INGESTION_MAX_LOOKBACK", c.Scheduler.MaxLookbackRaw)
	c.Ingest.BackfillPeriod = getEnv("BACKFILL_PERIOD", c.Ingest.BackfillPeriod)

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	c.Kafka.RunsTopic = getEnv("KAFKA_RUNS_TOPIC", c.Kafka.RunsTopic)
	c.Kafka.InstrumentsTopic = getEnv("KAFKA_INSTRUMENTS_TOPIC", c.Kafka.InstrumentsTopic)
	c.Kafka.GroupID = getEnv("KAFKA_GROUP_ID", c.Kafka.GroupID)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Archive.Dir = getEnv("ARCHIVE_DIR", c.Archive.Dir)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)

	var err error
	ints := []struct {
		key string
		dst *int
	}{
		{"DB_MAX_OPEN_CONNS", &c.Database.MaxOpenConns},
		{"PROVIDER_REQUESTS_PER_MINUTE", &c.Provider.RequestsPerMinute},
		{"INGESTION_WORKERS", &c.Scheduler.Workers},
		{"FETCH_ATTEMPTS", &c.Ingest.FetchAttempts},
		{"REDIS_DB", &c.Redis.DB},
	}
	for _, e := range ints {
		if *e.dst, err = getEnvInt(e.key, *e.dst); err != nil {
			return err
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"TRIGGER_TIMEOUT", &c.Server.TriggerTimeout},
		{"PROVIDER_TIMEOUT", &c.Provider.Timeout},
		{"INGESTION_INTERVAL", &c.Scheduler.Interval},
		{"SHUTDOWN_GRACE", &c.Scheduler.ShutdownGrace},
		{"BACKOFF_INITIAL", &c.Ingest.BackoffInitial},
		{"BACKOFF_MAX", &c.Ingest.BackoffMax},
		{"STORE_RETRY_DELAY", &c.Ingest.StoreRetryDelay},
	}
	for _, e := range durations {
		if *e.dst, err = getEnvDuration(e.key, *e.dst); err != nil {
			return err
		}
	}

	if c.Scheduler.Enabled, err = getEnvBool("SCHEDULER_ENABLED", c.Scheduler.Enabled); err != nil {
		return err
	}
	if c.Scheduler.RunOnStart, err = getEnvBool("RUN_ON_START", c.Scheduler.RunOnStart); err != nil {
		return err
	}
	return nil
}

// Validate checks that the configuration can start the service
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("database.sqlite_path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unsupported database.driver %q (use: postgres, sqlite)", c.Database.Driver)
	}
	switch c.Provider.Name {
	case "yahoo":
	case "polygon":
		if c.Provider.APIKey == "" {
			return fmt.Errorf("provider.api_key is required for polygon")
		}
	default:
		return fmt.Errorf("unsupported provider.name %q (use: yahoo, polygon)", c.Provider.Name)
	}
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler.workers must be at least 1")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive")
	}
	if c.Scheduler.MaxLookback.IsZero() || c.Scheduler.MaxLookback.IsRange() {
		return fmt.Errorf("scheduler.max_lookback must be a positive lookback")
	}
	if c.Database.MaxOpenConns < c.Scheduler.Workers {
		return fmt.Errorf("database.max_open_conns (%d) must be at least scheduler.workers (%d)",
			c.Database.MaxOpenConns, c.Scheduler.Workers)
	}
	if c.Ingest.FetchAttempts < 1 {
		return fmt.Errorf("ingest.fetch_attempts must be at least 1")
	}
	scheduled, err := models.ParsePeriod(c.Scheduler.Period)
	if err != nil {
		return fmt.Errorf("invalid scheduler.period: %w", err)
	}
	if err := fitsLookback(scheduled, c.Scheduler.MaxLookback); err != nil {
		return fmt.Errorf("invalid scheduler.period: %w", err)
	}
	backfill, err := models.ParsePeriod(c.Ingest.BackfillPeriod)
	if err != nil {
		return fmt.Errorf("invalid ingest.backfill_period: %w", err)
	}
	if err := fitsLookback(backfill, c.Scheduler.MaxLookback); err != nil {
		return fmt.Errorf("invalid ingest.backfill_period: %w", err)
	}
	return nil
}

// fitsLookback checks a relative period against limit mid-month and at month
// end across a leap and a common year, so a configured period cannot start
// failing in a longer month.
func fitsLookback(p, limit models.Period) error {
	if p.IsRange() {
		return nil
	}
	for _, year := range []int{2023, 2024} {
		for month := time.January; month <= time.December; month++ {
			for _, end := range []time.Time{
				time.Date(year, month, 15, 12, 0, 0, 0, time.UTC),
				time.Date(year, month+1, 0, 12, 0, 0, 0, time.UTC),
			} {
				if err := p.Validate(end, limit); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// ConnectionString returns the PostgreSQL connection string
func (d *DatabaseConfig) ConnectionString() string {
	if d.URL != "" {
		return d.URL
	}
	return "postgres://" + d.User + ":" + d.Password + "@" + d.Host + ":" + d.Port + "/" + d.DBName + "?sslmode=" + d.SSLMode
}

// KafkaEnabled reports whether brokers are configured
func (c *Config) KafkaEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return d, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return b, nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
