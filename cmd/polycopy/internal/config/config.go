package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sonirico/go-hyperliquid"
	"github.com/spf13/pflag"

	"github.com/recomma/polycopy/feed"
	"github.com/recomma/polycopy/hl"
	rlog "github.com/recomma/polycopy/log"
	"github.com/recomma/polycopy/registry"
)

const (
	VenuePaper       = "paper"
	VenueHyperliquid = "hyperliquid"

	// LogStoreOff disables the task log sink.
	LogStoreOff = "off"
)

type FeedConfig struct {
	BaseURL           string
	PageSize          int
	Timeout           time.Duration
	Attempts          int
	RetryBaseDelay    time.Duration
	RequestsPerSecond float64
}

type AppConfig struct {
	Feed        FeedConfig
	Hyperliquid hl.ClientConfig
	// Coins maps feed asset ids to Hyperliquid coins.
	Coins map[string]string

	coinsRaw string

	Venue           string
	EnvFile         string
	StoragePath     string
	HTTPListen      string
	PublicOrigin    string
	DefaultPoll     time.Duration
	MinPoll         time.Duration
	MaxPoll         time.Duration
	ShutdownTimeout time.Duration

	LogLevel      string
	LogFormatJSON bool
	LogGroups     []string
	LogSQL        bool
	LogStoreLevel string
}

func DefaultConfig() AppConfig {
	return AppConfig{
		Feed: FeedConfig{
			BaseURL:        feed.DefaultBaseURL,
			PageSize:       feed.DefaultPageSize,
			Timeout:        10 * time.Second,
			Attempts:       3,
			RetryBaseDelay: time.Second,
		},
		Hyperliquid:     hl.ClientConfig{BaseURL: hyperliquid.TestnetAPIURL},
		Venue:           VenuePaper,
		EnvFile:         ".env",
		StoragePath:     "polycopy.sqlite3",
		HTTPListen:      ":8080",
		DefaultPoll:     registry.DefaultPollInterval,
		MinPoll:         registry.MinPollInterval,
		MaxPoll:         registry.MaxPollInterval,
		ShutdownTimeout: 30 * time.Second,
		LogLevel:        "info",
		LogStoreLevel:   "info",
	}
}

// NewConfigFlagSet declares the flags against the provided struct but does not parse.
func NewConfigFlagSet(cfg *AppConfig) *pflag.FlagSet {
	fs := pflag.NewFlagSet("polycopy", pflag.ContinueOnError)
	fs.SortFlags = false

	fs.StringVar(&cfg.Feed.BaseURL, "feed-url", cfg.Feed.BaseURL, "Activity feed base URL (env: POLYCOPY_FEED_URL)")
	fs.IntVar(&cfg.Feed.PageSize, "feed-page-size", cfg.Feed.PageSize, "Trades requested per poll (env: POLYCOPY_FEED_PAGE_SIZE)")
	fs.DurationVar(&cfg.Feed.Timeout, "feed-timeout", cfg.Feed.Timeout, "Per request timeout (env: POLYCOPY_FEED_TIMEOUT)")
	fs.IntVar(&cfg.Feed.Attempts, "feed-attempts", cfg.Feed.Attempts, "Attempts per fetch before the worker backs off (env: POLYCOPY_FEED_ATTEMPTS)")
	fs.DurationVar(&cfg.Feed.RetryBaseDelay, "feed-retry-delay", cfg.Feed.RetryBaseDelay, "Delay before the first retry, doubled per attempt (env: POLYCOPY_FEED_RETRY_DELAY)")
	fs.Float64Var(&cfg.Feed.RequestsPerSecond, "feed-rps", cfg.Feed.RequestsPerSecond, "Feed requests per second across all tasks, 0 for unlimited (env: POLYCOPY_FEED_RPS)")

	fs.StringVar(&cfg.Venue, "venue", cfg.Venue, "Execution venue for copy trading: paper or hyperliquid (env: POLYCOPY_VENUE)")
	fs.StringVar(&cfg.Hyperliquid.BaseURL, "hyperliquid-api-url", cfg.Hyperliquid.BaseURL, "Hyperliquid API base URL (env: HYPERLIQUID_API_URL)")
	fs.StringVar(&cfg.coinsRaw, "hyperliquid-coins", cfg.coinsRaw, "Comma separated asset=COIN mapping (env: POLYCOPY_HYPERLIQUID_COINS)")

	fs.StringVar(&cfg.EnvFile, "env-file", cfg.EnvFile, "Dotenv file loaded before environment fallback (env: POLYCOPY_ENV_FILE)")
	fs.StringVar(&cfg.StoragePath, "storage-path", cfg.StoragePath, "SQLite storage path (env: POLYCOPY_STORAGE_PATH)")
	fs.StringVar(&cfg.HTTPListen, "http-listen", cfg.HTTPListen, "HTTP listen address (env: POLYCOPY_HTTP_LISTEN)")
	fs.StringVar(&cfg.PublicOrigin, "public-origin", cfg.PublicOrigin, "Comma separated origins allowed by CORS (env: POLYCOPY_PUBLIC_ORIGIN)")
	fs.DurationVar(&cfg.DefaultPoll, "poll-interval", cfg.DefaultPoll, "Default poll interval (env: POLYCOPY_POLL_INTERVAL)")
	fs.DurationVar(&cfg.MinPoll, "poll-interval-min", cfg.MinPoll, "Shortest poll interval a task may request (env: POLYCOPY_POLL_INTERVAL_MIN)")
	fs.DurationVar(&cfg.MaxPoll, "poll-interval-max", cfg.MaxPoll, "Longest poll interval a task may request (env: POLYCOPY_POLL_INTERVAL_MAX)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Time allowed for workers to exit on shutdown (env: POLYCOPY_SHUTDOWN_TIMEOUT)")

	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (env: POLYCOPY_LOG_LEVEL)")
	fs.BoolVar(&cfg.LogFormatJSON, "log-json", cfg.LogFormatJSON, "Emit logs as JSON (env: POLYCOPY_LOG_JSON)")
	fs.StringSliceVar(&cfg.LogGroups, "log-groups", cfg.LogGroups, "Only emit logs of these groups, e.g. worker,registry (env: POLYCOPY_LOG_GROUPS)")
	fs.BoolVar(&cfg.LogSQL, "log-sql", cfg.LogSQL, "Trace SQL statements at debug level (env: POLYCOPY_LOG_SQL)")
	fs.StringVar(&cfg.LogStoreLevel, "log-store-level", cfg.LogStoreLevel, "Minimum level of task logs kept in storage, or off (env: POLYCOPY_LOG_STORE_LEVEL)")

	return fs
}

// LoadEnvFile loads cfg.EnvFile into the process environment without
// overriding variables that are already set. A missing default file is not
// an error.
func LoadEnvFile(fs *pflag.FlagSet, cfg *AppConfig) error {
	path := cfg.EnvFile
	explicit := fs.Changed("env-file")
	if !explicit {
		if v, ok := os.LookupEnv("POLYCOPY_ENV_FILE"); ok && v != "" {
			path = v
			explicit = true
		}
	}
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading env file %q: %w", path, err)
	}
	return nil
}

// ApplyEnvDefaults inspects flags that were not set and pulls from env.
func ApplyEnvDefaults(fs *pflag.FlagSet, cfg *AppConfig) error {
	flagSet := map[string]struct{}{}
	fs.Visit(func(f *pflag.Flag) { flagSet[f.Name] = struct{}{} })

	var errs []error
	lookup := func(name, envKey string) (string, bool) {
		if _, ok := flagSet[name]; ok {
			return "", false
		}
		v, ok := os.LookupEnv(envKey)
		if !ok || strings.TrimSpace(v) == "" {
			return "", false
		}
		return strings.TrimSpace(v), true
	}
	setString := func(name, envKey string, target *string) {
		if v, ok := lookup(name, envKey); ok {
			*target = v
		}
	}
	setInt := func(name, envKey string, target *int) {
		if v, ok := lookup(name, envKey); ok {
			parsed, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", envKey, err))
				return
			}
			*target = parsed
		}
	}
	setFloat := func(name, envKey string, target *float64) {
		if v, ok := lookup(name, envKey); ok {
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", envKey, err))
				return
			}
			*target = parsed
		}
	}
	setBool := func(name, envKey string, target *bool) {
		if v, ok := lookup(name, envKey); ok {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", envKey, err))
				return
			}
			*target = parsed
		}
	}
	setDuration := func(name, envKey string, target *time.Duration) {
		if v, ok := lookup(name, envKey); ok {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", envKey, err))
				return
			}
			*target = parsed
		}
	}
	setList := func(name, envKey string, target *[]string) {
		if v, ok := lookup(name, envKey); ok {
			*target = splitList(v)
		}
	}

	setString("feed-url", "POLYCOPY_FEED_URL", &cfg.Feed.BaseURL)
	setInt("feed-page-size", "POLYCOPY_FEED_PAGE_SIZE", &cfg.Feed.PageSize)
	setDuration("feed-timeout", "POLYCOPY_FEED_TIMEOUT", &cfg.Feed.Timeout)
	setInt("feed-attempts", "POLYCOPY_FEED_ATTEMPTS", &cfg.Feed.Attempts)
	setDuration("feed-retry-delay", "POLYCOPY_FEED_RETRY_DELAY", &cfg.Feed.RetryBaseDelay)
	setFloat("feed-rps", "POLYCOPY_FEED_RPS", &cfg.Feed.RequestsPerSecond)

	setString("venue", "POLYCOPY_VENUE", &cfg.Venue)
	setString("hyperliquid-api-url", "HYPERLIQUID_API_URL", &cfg.Hyperliquid.BaseURL)
	setString("hyperliquid-coins", "POLYCOPY_HYPERLIQUID_COINS", &cfg.coinsRaw)

	setString("storage-path", "POLYCOPY_STORAGE_PATH", &cfg.StoragePath)
	setString("http-listen", "POLYCOPY_HTTP_LISTEN", &cfg.HTTPListen)
	setString("public-origin", "POLYCOPY_PUBLIC_ORIGIN", &cfg.PublicOrigin)
	setDuration("poll-interval", "POLYCOPY_POLL_INTERVAL", &cfg.DefaultPoll)
	setDuration("poll-interval-min", "POLYCOPY_POLL_INTERVAL_MIN", &cfg.MinPoll)
	setDuration("poll-interval-max", "POLYCOPY_POLL_INTERVAL_MAX", &cfg.MaxPoll)
	setDuration("shutdown-timeout", "POLYCOPY_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)

	setString("log-level", "POLYCOPY_LOG_LEVEL", &cfg.LogLevel)
	setBool("log-json", "POLYCOPY_LOG_JSON", &cfg.LogFormatJSON)
	setList("log-groups", "POLYCOPY_LOG_GROUPS", &cfg.LogGroups)
	setBool("log-sql", "POLYCOPY_LOG_SQL", &cfg.LogSQL)
	setString("log-store-level", "POLYCOPY_LOG_STORE_LEVEL", &cfg.LogStoreLevel)

	coins, err := parseCoins(cfg.coinsRaw)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Coins = coins

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseCoins reads "asset=COIN,asset2=COIN2".
func parseCoins(raw string) (map[string]string, error) {
	coins := map[string]string{}
	for _, pair := range splitList(raw) {
		asset, coin, ok := strings.Cut(pair, "=")
		asset, coin = strings.TrimSpace(asset), strings.TrimSpace(coin)
		if !ok || asset == "" || coin == "" {
			return nil, fmt.Errorf("invalid hyperliquid coin mapping %q, want asset=COIN", pair)
		}
		coins[asset] = strings.ToUpper(coin)
	}
	return coins, nil
}

func ValidateConfig(cfg AppConfig) error {
	var problems []string
	switch cfg.Venue {
	case VenuePaper, VenueHyperliquid:
	default:
		problems = append(problems, fmt.Sprintf("venue must be %s or %s, got %q", VenuePaper, VenueHyperliquid, cfg.Venue))
	}
	if strings.TrimSpace(cfg.StoragePath) == "" {
		problems = append(problems, "storage-path is required")
	}
	if cfg.Feed.PageSize < 1 || cfg.Feed.PageSize > feed.MaxPageSize {
		problems = append(problems, fmt.Sprintf("feed-page-size must be between 1 and %d", feed.MaxPageSize))
	}
	if cfg.Feed.Attempts < 1 {
		problems = append(problems, "feed-attempts must be at least 1")
	}
	if cfg.Feed.Timeout <= 0 {
		problems = append(problems, "feed-timeout must be positive")
	}
	if cfg.MinPoll <= 0 || cfg.MinPoll > cfg.MaxPoll {
		problems = append(problems, "poll-interval-min must be positive and not above poll-interval-max")
	} else if cfg.DefaultPoll < cfg.MinPoll || cfg.DefaultPoll > cfg.MaxPoll {
		problems = append(problems, fmt.Sprintf("poll-interval must be within [%s, %s]", cfg.MinPoll, cfg.MaxPoll))
	}
	if _, err := parseLevel(cfg.LogLevel); err != nil {
		problems = append(problems, fmt.Sprintf("log-level: %v", err))
	}
	if _, _, err := taskLogLevel(cfg.LogStoreLevel); err != nil {
		problems = append(problems, fmt.Sprintf("log-store-level: %v", err))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, err
	}
	return level, nil
}

func taskLogLevel(s string) (slog.Level, bool, error) {
	if strings.EqualFold(strings.TrimSpace(s), LogStoreOff) {
		return 0, false, nil
	}
	level, err := parseLevel(s)
	return level, err == nil, err
}

// TaskLogLevel returns the minimum level persisted by the task log sink and
// whether the sink is enabled.
func TaskLogLevel(cfg AppConfig) (slog.Level, bool) {
	level, enabled, err := taskLogLevel(cfg.LogStoreLevel)
	if err != nil {
		return slog.LevelInfo, true
	}
	return level, enabled
}

// GetLogHandler returns the console handler, restricted to cfg.LogGroups
// when set.
func GetLogHandler(cfg AppConfig) slog.Handler {
	return getLogHandler(cfg, os.Stderr)
}

func getLogHandler(cfg AppConfig, w io.Writer) slog.Handler {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		log.Printf("unknown log level %q, defaulting to info", cfg.LogLevel)
	}

	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.LogFormatJSON {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}

	return rlog.NewGroupFilterHandler(handler, cfg.LogGroups)
}
