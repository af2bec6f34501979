package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/buildingvitals/tieredstore/internal/backfill"
	"github.com/buildingvitals/tieredstore/internal/cold"
	"github.com/buildingvitals/tieredstore/internal/config"
	"github.com/buildingvitals/tieredstore/internal/hot"
	"github.com/buildingvitals/tieredstore/internal/ingest"
	"github.com/buildingvitals/tieredstore/internal/meta"
	"github.com/buildingvitals/tieredstore/internal/metrics"
	"github.com/buildingvitals/tieredstore/internal/query"
	"github.com/buildingvitals/tieredstore/internal/router"
	"github.com/buildingvitals/tieredstore/internal/serve"
	"github.com/buildingvitals/tieredstore/pkg/aceflight"
	"github.com/buildingvitals/tieredstore/pkg/s3util"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tieredstore %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("fatal error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Hot tier
	pool, err := pgxpool.New(ctx, cfg.Hot.DSN)
	if err != nil {
		return fmt.Errorf("connecting to hot tier: %w", err)
	}
	defer pool.Close()

	hotStore := hot.NewStore(pool, cfg.Hot, logger.Named("hot"))
	if err := hotStore.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensuring hot tier schema: %w", err)
	}

	// Cold tier
	s3Client, err := s3util.NewClient(ctx, cfg.Cold)
	if err != nil {
		return fmt.Errorf("creating S3 client: %w", err)
	}
	coldStore := cold.NewStore(s3Client.S3, cfg.Cold.Bucket, cfg.Cold, logger.Named("cold"))

	// Metadata store
	metaStore, err := meta.NewStore(cfg.Metadata.Path, cfg.Metadata.NoSync, logger.Named("meta"))
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	defer metaStore.Close()

	// Core services
	rtr := router.New(cfg.Router)
	engine := query.NewEngine(rtr, hotStore, coldStore, logger.Named("query"))
	ingestSvc := ingest.NewService(hotStore, coldStore, cfg.Router, logger.Named("ingest"))
	bfMgr := backfill.NewManager(metaStore, cfg.Backfill, logger.Named("backfill"))

	var bfRunner serve.BackfillRunner
	var siteSource serve.SiteLister
	if cfg.Source.APIKey != "" {
		source := aceflight.NewClient(cfg.Source, logger.Named("source"))
		bfRunner = backfill.NewRunner(bfMgr, source, coldStore, metaStore, cfg.Backfill, logger.Named("backfill"))
		siteSource = source
	} else {
		logger.Warn("no source API key configured; backfill run and site listing endpoints disabled")
	}

	g, gctx := errgroup.WithContext(ctx)

	// HTTP API
	if cfg.API.Enabled {
		g.Go(func() error {
			return serve.RunHTTP(gctx, cfg.API, ingestSvc, engine, bfMgr, bfRunner, siteSource, logger.Named("api"))
		})
	}

	// Metrics server
	if cfg.Observability.Metrics.Enabled {
		g.Go(func() error { return metrics.RunServer(gctx, cfg.Observability.Metrics) })
	}

	// Health server
	if cfg.Observability.Health.Enabled {
		checker := metrics.NewHealthChecker(map[string]metrics.Pinger{
			"hot":  hotStore,
			"cold": coldStore,
			"meta": metaStore,
		})
		g.Go(func() error {
			return metrics.RunHealthServer(gctx, cfg.Observability.Health, checker)
		})
	}

	logger.Info("tieredstore started",
		zap.String("version", version),
		zap.String("bucket", cfg.Cold.Bucket),
		zap.Int("hot_window_days", cfg.Router.HotWindowDays),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level.SetLevel(zap.DebugLevel)
	case "info":
		zapCfg.Level.SetLevel(zap.InfoLevel)
	case "warn":
		zapCfg.Level.SetLevel(zap.WarnLevel)
	case "error":
		zapCfg.Level.SetLevel(zap.ErrorLevel)
	}

	return zapCfg.Build()
}
