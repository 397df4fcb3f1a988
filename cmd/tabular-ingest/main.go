package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/datalith/tabular-ingest/internal/catalog"
	"github.com/datalith/tabular-ingest/internal/checkpoint"
	"github.com/datalith/tabular-ingest/internal/config"
	"github.com/datalith/tabular-ingest/internal/delegate"
	"github.com/datalith/tabular-ingest/internal/intake"
	"github.com/datalith/tabular-ingest/internal/logging"
	"github.com/datalith/tabular-ingest/internal/metrics"
	"github.com/datalith/tabular-ingest/internal/ratelimit"
	"github.com/datalith/tabular-ingest/internal/service"
	"github.com/datalith/tabular-ingest/internal/storage"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	log := logging.Component("main")
	log.Info("tabular-ingest starting", "version", service.Version, "git_sha", service.GitSHA)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if cfg.Metrics.Enabled {
		metrics.Init("tabular_ingest")
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	src, err := intake.New(ctx, cfg.Intake)
	if err != nil {
		log.Error("failed to create intake source", "error", err)
		os.Exit(1)
	}
	defer src.Close()

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		log.Error("failed to create result store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	cat, err := catalog.New(ctx, cfg.Catalog)
	if err != nil {
		log.Error("failed to connect catalog", "error", err)
		os.Exit(1)
	}
	defer cat.Close()

	cp, err := checkpoint.NewManager(checkpoint.Config{
		Enabled: cfg.Checkpoint.Enabled,
		Dir:     cfg.Checkpoint.Dir,
	})
	if err != nil {
		log.Error("failed to create checkpoint manager", "error", err)
		os.Exit(1)
	}

	limiter, err := buildLimiter(cfg)
	if err != nil {
		log.Error("failed to create rate limiter", "error", err)
		os.Exit(1)
	}
	defer limiter.Close()

	deps := service.Deps{
		Source:     src,
		Store:      store,
		Catalog:    cat,
		Checkpoint: cp,
		Limiter:    limiter,
	}
	if cfg.Delegate.Enabled {
		deps.Remote = delegate.NewClient(cfg.Delegate.Endpoint, cfg.Delegate.Timeout())
	}

	svc := service.New(cfg, deps)
	if err := svc.Run(ctx); err != nil {
		log.Error("service failed", "error", err)
		os.Exit(1)
	}

	log.Info("tabular-ingest stopped cleanly")
	time.Sleep(100 * time.Millisecond)
}

// buildLimiter constructs the configured admission limiter.
func buildLimiter(cfg config.Config) (ratelimit.Limiter, error) {
	rlCfg := ratelimit.Config{
		MaxRequests: cfg.Limiter.MaxRequests,
		Window:      cfg.Limiter.Window(),
	}

	switch cfg.Limiter.Backend {
	case "shared":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Limiter.RedisAddr,
			Password: cfg.Limiter.RedisPassword,
			DB:       cfg.Limiter.RedisDB,
		})
		return ratelimit.NewShared(rlCfg, ratelimit.NewRedisStore(client), cfg.Limiter.KeyPrefix), nil
	default:
		return ratelimit.NewLocal(rlCfg), nil
	}
}
