package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestApplyEnvDefaultsFlagsWin(t *testing.T) {
	t.Setenv("POLYCOPY_STORAGE_PATH", "/env/polycopy.db")
	t.Setenv("POLYCOPY_POLL_INTERVAL", "7s")
	t.Setenv("POLYCOPY_FEED_RPS", "2.5")
	t.Setenv("POLYCOPY_LOG_GROUPS", "worker, registry")
	t.Setenv("POLYCOPY_VENUE", "hyperliquid")
	t.Setenv("POLYCOPY_HYPERLIQUID_COINS", "token-eth=eth, token-btc=BTC")

	cfg := DefaultConfig()
	fs := NewConfigFlagSet(&cfg)
	require.NoError(t, fs.Parse([]string{"--venue", "paper", "--log-sql"}))
	require.NoError(t, ApplyEnvDefaults(fs, &cfg))

	require.Equal(t, "/env/polycopy.db", cfg.StoragePath)
	require.Equal(t, 7*time.Second, cfg.DefaultPoll)
	require.InDelta(t, 2.5, cfg.Feed.RequestsPerSecond, 1e-9)
	require.Equal(t, []string{"worker", "registry"}, cfg.LogGroups)
	require.Equal(t, VenuePaper, cfg.Venue, "flag overrides env")
	require.True(t, cfg.LogSQL)
	require.Equal(t, map[string]string{"token-eth": "ETH", "token-btc": "BTC"}, cfg.Coins)
	require.NoError(t, ValidateConfig(cfg))
}

func TestApplyEnvDefaultsReportsMalformedValues(t *testing.T) {
	t.Setenv("POLYCOPY_FEED_ATTEMPTS", "three")
	t.Setenv("POLYCOPY_HYPERLIQUID_COINS", "token-eth")

	cfg := DefaultConfig()
	fs := NewConfigFlagSet(&cfg)
	require.NoError(t, fs.Parse(nil))

	err := ApplyEnvDefaults(fs, &cfg)
	require.ErrorContains(t, err, "POLYCOPY_FEED_ATTEMPTS")
	require.ErrorContains(t, err, "asset=COIN")
	require.Equal(t, 3, cfg.Feed.Attempts)
}

func TestValidateConfig(t *testing.T) {
	require.NoError(t, ValidateConfig(DefaultConfig()))

	cases := []struct {
		name   string
		mutate func(*AppConfig)
		want   string
	}{
		{"venue", func(c *AppConfig) { c.Venue = "binance" }, "venue must be"},
		{"storage", func(c *AppConfig) { c.StoragePath = " " }, "storage-path"},
		{"page size", func(c *AppConfig) { c.Feed.PageSize = 0 }, "feed-page-size"},
		{"attempts", func(c *AppConfig) { c.Feed.Attempts = 0 }, "feed-attempts"},
		{"poll default", func(c *AppConfig) { c.DefaultPoll = time.Hour }, "poll-interval must be within"},
		{"poll bounds", func(c *AppConfig) { c.MinPoll = time.Minute; c.MaxPoll = time.Second }, "poll-interval-min"},
		{"log level", func(c *AppConfig) { c.LogLevel = "chatty" }, "log-level"},
		{"store level", func(c *AppConfig) { c.LogStoreLevel = "chatty" }, "log-store-level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			require.ErrorContains(t, ValidateConfig(cfg), tc.want)
		})
	}
}

func TestTaskLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	level, enabled := TaskLogLevel(cfg)
	require.True(t, enabled)
	require.Equal(t, slog.LevelInfo, level)

	cfg.LogStoreLevel = "OFF"
	_, enabled = TaskLogLevel(cfg)
	require.False(t, enabled)

	cfg.LogStoreLevel = "warn"
	level, enabled = TaskLogLevel(cfg)
	require.True(t, enabled)
	require.Equal(t, slog.LevelWarn, level)
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "polycopy.env")
	require.NoError(t, os.WriteFile(path, []byte("POLYCOPY_TEST_HTTP_LISTEN=:9999\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("POLYCOPY_TEST_HTTP_LISTEN") })

	cfg := DefaultConfig()
	fs := NewConfigFlagSet(&cfg)
	require.NoError(t, fs.Parse([]string{"--env-file", path}))
	require.NoError(t, LoadEnvFile(fs, &cfg))
	require.Equal(t, ":9999", os.Getenv("POLYCOPY_TEST_HTTP_LISTEN"))

	missing := DefaultConfig()
	missing.EnvFile = filepath.Join(dir, "absent.env")
	fs = NewConfigFlagSet(&missing)
	require.NoError(t, fs.Parse(nil))
	require.NoError(t, LoadEnvFile(fs, &missing), "missing default env file is ignored")

	require.NoError(t, fs.Parse([]string{"--env-file", filepath.Join(dir, "absent.env")}))
	require.Error(t, LoadEnvFile(fs, &missing))
}

func TestLogHandlerHonoursGroups(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.LogGroups = []string{"worker"}

	logger := slog.New(getLogHandler(cfg, &buf))
	logger.WithGroup("feed").Info("filtered")
	logger.WithGroup("worker").Info("kept")

	require.NotContains(t, buf.String(), "filtered")
	require.Contains(t, buf.String(), "kept")
}
