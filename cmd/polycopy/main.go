package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/recomma/polycopy/cmd/polycopy/internal/config"
	"github.com/recomma/polycopy/feed"
	"github.com/recomma/polycopy/hl"
	"github.com/recomma/polycopy/internal/api"
	rlog "github.com/recomma/polycopy/log"
	"github.com/recomma/polycopy/pkg/tasklog"
	"github.com/recomma/polycopy/registry"
	"github.com/recomma/polycopy/replicator"
	"github.com/recomma/polycopy/storage"
)

func fatal(msg string, err error) {
	slog.Error(msg, slog.String("error", err.Error()))
	os.Exit(1)
}

func main() {
	cfg := config.DefaultConfig()
	fs := config.NewConfigFlagSet(&cfg)

	if err := fs.Parse(os.Args[1:]); err != nil {
		fatal("parsing flags failed", err)
	}

	if err := config.LoadEnvFile(fs, &cfg); err != nil {
		fatal("invalid env file", err)
	}

	if err := config.ApplyEnvDefaults(fs, &cfg); err != nil {
		fatal("invalid parameters", err)
	}

	if err := config.ValidateConfig(cfg); err != nil {
		fatal("invalid configuration", err)
	}

	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	console := config.GetLogHandler(cfg)
	logger := slog.New(console)
	slog.SetDefault(logger)

	var storeOpts []storage.Option
	if cfg.LogSQL {
		storeOpts = append(storeOpts, storage.WithLogger(logger))
	}
	store, err := storage.New(cfg.StoragePath, storeOpts...)
	if err != nil {
		fatal("storage init failed", err)
	}
	defer store.Close()

	var taskLogs *tasklog.Handler
	if level, enabled := config.TaskLogLevel(cfg); enabled {
		taskLogs, err = tasklog.NewHandler(
			tasklog.WithInsertFunc(store.TaskLogInsertFunc()),
			tasklog.WithMinLevel(level),
		)
		if err != nil {
			fatal("task log init failed", err)
		}
		logger = slog.New(rlog.NewMultiHandler(console, taskLogs))
		slog.SetDefault(logger)
	}
	log.SetOutput(slog.NewLogLogger(logger.Handler(), slog.LevelDebug).Writer())

	appCtx = rlog.ContextWithLogger(appCtx, logger)

	fetcher := feed.NewClient(cfg.Feed.BaseURL,
		feed.WithLogger(logger),
		feed.WithTimeout(cfg.Feed.Timeout),
		feed.WithRetry(cfg.Feed.Attempts, cfg.Feed.RetryBaseDelay, 30*time.Second),
		feed.WithRateLimit(cfg.Feed.RequestsPerSecond, 1),
	)

	var executors replicator.ExecutorFactory
	switch cfg.Venue {
	case config.VenueHyperliquid:
		executors = hl.NewExecutorFactory(hl.FactoryConfig{
			BaseURL: cfg.Hyperliquid.BaseURL,
			Coins:   cfg.Coins,
			Gate:    hl.NewRateGate(0),
			Logger:  logger,
		})
	default:
		executors = replicator.PaperFactory(logger)
	}

	reg := registry.New(registry.Config{
		Store:       store,
		Fetcher:     fetcher,
		Activities:  store,
		Replicator:  replicator.New(store, replicator.WithLogger(logger)),
		Executors:   executors,
		PageSize:    cfg.Feed.PageSize,
		DefaultPoll: cfg.DefaultPoll,
		MinPoll:     cfg.MinPoll,
		MaxPoll:     cfg.MaxPoll,
		Logger:      logger,
	})

	resumed, err := reg.Restore(appCtx)
	if err != nil {
		fatal("restore tasks failed", err)
	}

	apiHandler := api.NewHandler(reg, store,
		api.WithLogger(logger),
		api.WithFetcher(fetcher),
	)
	apiSrv := &http.Server{
		Addr:              cfg.HTTPListen,
		Handler:           api.NewServer(apiHandler, api.AllowedOrigins(cfg.HTTPListen, cfg.PublicOrigin)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Service ready",
		slog.String("venue", cfg.Venue),
		slog.String("feed", cfg.Feed.BaseURL),
		slog.Int("resumed", resumed),
	)

	g, gctx := errgroup.WithContext(appCtx)
	g.Go(func() error {
		logger.Info("HTTP API listening", slog.String("addr", apiSrv.Addr), slog.String("public_origin", cfg.PublicOrigin))
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := apiSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown", slog.String("error", err.Error()))
		}
		if err := reg.Shutdown(shutdownCtx); err != nil {
			logger.Warn("workers did not exit in time", slog.String("error", err.Error()))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("service stopped with error", slog.String("error", err.Error()))
	}

	if taskLogs != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := taskLogs.Close(flushCtx); err != nil {
			logger.Warn("task log flush incomplete", slog.String("error", err.Error()))
		}
		cancel()
	}
	logger.Info("Bye")
}
