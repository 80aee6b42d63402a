package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/xeet991fx/mrmorris-build-sub005/internal/agents"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/api"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/config"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/dryrun"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/execution"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/monitor"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/storage"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := monitor.NewMetrics()

	repo, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("failed to open database")
	}
	defer repo.Close()

	registry, err := agents.LoadDir(cfg.Agents.Dir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.Agents.Dir).Msg("failed to load agents")
	}

	estimator := dryrun.NewEstimator(cfg.CostTable(), cfg.Estimator.HighUsageCredits)
	if cfg.Estimator.LargeFanOut > 0 {
		estimator.LargeFanOut = cfg.Estimator.LargeFanOut
	}

	// Reports are applied in the background, in arrival order
	writer := storage.NewReportWriter(repo, cfg.Ingest.BufferSize)
	broker := api.NewBroker(metrics)

	server := api.NewServer(cfg, api.Deps{
		Repo:      repo,
		Writer:    writer,
		Broker:    broker,
		Agents:    registry,
		Estimator: estimator,
		Metrics:   metrics,
		KeepAlive: cfg.Server.StreamKeepAlive,
	})
	writer.OnApplied = server.Handlers().Applied
	writer.OnFailed = func(_ execution.Record, _ error) {
		metrics.RecordError("apply")
	}
	writer.Start()
	defer writer.Flush(cfg.Ingest.FlushTimeout)

	log.Info().
		Str("addr", cfg.Address()).
		Str("db_driver", cfg.Database.Driver).
		Int("agents", registry.Len()).
		Msg("server starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
