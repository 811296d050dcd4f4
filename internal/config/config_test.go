package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trogers1052/market-data-ingestor/internal/models"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "yahoo", cfg.Provider.Name)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, 4, cfg.Scheduler.Workers)
	assert.Equal(t, 6, cfg.Database.MaxOpenConns)
	assert.Equal(t, models.LookbackPeriod(1, models.UnitMonth), cfg.Scheduler.MaxLookback)
	assert.False(t, cfg.KafkaEnabled())
	require.NoError(t, cfg.Validate())
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
database:
  driver: sqlite
  sqlite_path: /tmp/bars.db
scheduler:
  interval: 5m
  workers: 2
  max_lookback: 744h
kafka:
  brokers: [broker-1:9092]
log:
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	t.Setenv("INGESTION_WORKERS", "8")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092")
	t.Setenv("RUN_ON_START", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/tmp/bars.db", cfg.Database.SQLitePath)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, 8, cfg.Scheduler.Workers, "env overrides yaml")
	assert.Equal(t, models.LookbackPeriod(744, models.UnitHour), cfg.Scheduler.MaxLookback)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Scheduler.RunOnStart)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.KafkaEnabled())
	require.NoError(t, cfg.Validate())
}

func TestMaxLookbackResolvesPerCall(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	// the same loaded config must accept a full month whatever month it is checked in
	for _, now := range []time.Time{
		time.Date(2026, 2, 18, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 18, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 4, 18, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 5, 31, 9, 0, 0, 0, time.UTC),
	} {
		t.Run(now.Format("2006-01-02"), func(t *testing.T) {
			for _, raw := range []string{cfg.Scheduler.Period, cfg.Ingest.BackfillPeriod, "1mo"} {
				p, err := models.ParsePeriod(raw)
				require.NoError(t, err)
				assert.NoError(t, p.Validate(now, cfg.Scheduler.MaxLookback), raw)
			}
		})
	}

	march, err := models.ParsePeriod("2026-03-01..2026-03-31")
	require.NoError(t, err)
	assert.NoError(t, march.Validate(time.Date(2026, 2, 18, 9, 0, 0, 0, time.UTC), cfg.Scheduler.MaxLookback))
}

func TestLoadRejectsRangeLookback(t *testing.T) {
	t.Setenv("INGESTION_MAX_LOOKBACK", "2026-01-01..2026-02-01")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("INGESTION_INTERVAL", "soon")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Scheduler.MaxLookback = models.LookbackPeriod(1, models.UnitMonth)
		cfg.Database.MaxOpenConns = 6
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"unknown provider", func(c *Config) { c.Provider.Name = "bloomberg" }},
		{"polygon without key", func(c *Config) { c.Provider.Name = "polygon" }},
		{"zero workers", func(c *Config) { c.Scheduler.Workers = 0 }},
		{"zero interval", func(c *Config) { c.Scheduler.Interval = 0 }},
		{"pool smaller than workers", func(c *Config) { c.Database.MaxOpenConns = 2 }},
		{"unbounded period", func(c *Config) { c.Scheduler.Period = "max" }},
		{"bad backfill", func(c *Config) { c.Ingest.BackfillPeriod = "forever" }},
		{"no fetch attempts", func(c *Config) { c.Ingest.FetchAttempts = 0 }},
		{"no max lookback", func(c *Config) { c.Scheduler.MaxLookback = models.Period{} }},
		{"backfill longer than max lookback", func(c *Config) { c.Ingest.BackfillPeriod = "31d" }},
		{"hour max lookback below a month", func(c *Config) { c.Scheduler.MaxLookback = models.LookbackPeriod(720, models.UnitHour) }},
	}

	require.NoError(t, valid().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConnectionString(t *testing.T) {
	d := DatabaseConfig{User: "u", Password: "p", Host: "h", Port: "5432", DBName: "db", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@h:5432/db?sslmode=disable", d.ConnectionString())

	d.URL = "postgres://override/db"
	assert.Equal(t, "postgres://override/db", d.ConnectionString())
}
