package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/dunamismax/cutout/internal/api"
	"github.com/dunamismax/cutout/internal/app"
	"github.com/dunamismax/cutout/internal/cache"
	"github.com/dunamismax/cutout/internal/config"
	"github.com/dunamismax/cutout/internal/logger"
	"github.com/dunamismax/cutout/internal/pipeline"
	"github.com/dunamismax/cutout/internal/queue"
	"github.com/dunamismax/cutout/internal/ratelimit"
	"github.com/dunamismax/cutout/internal/storage"
	"github.com/dunamismax/cutout/internal/store"
	"github.com/dunamismax/cutout/internal/telemetry"
)

var version = "dev"

func main() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "cutout-api",
		Short:        "Serve the background removal HTTP API",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, v)
		},
	}

	cmd.Flags().Int("port", 4000, "HTTP listen port")
	cmd.Flags().StringP("config", "c", "", "path to a config file")
	_ = v.BindPFlag("API_PORT", cmd.Flags().Lookup("port"))
	_ = v.BindPFlag(config.KeyConfigFile, cmd.Flags().Lookup("config"))
	return cmd
}

func run(ctx context.Context, v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry.TraceConfig("cutout-api"), log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	if err := pipeline.Startup(); err != nil {
		return fmt.Errorf("start image runtime: %w", err)
	}
	defer pipeline.Shutdown()

	reg := app.NewRegistry()

	var objects *storage.Client
	if cfg.Jobs.Enabled || cfg.Archive.Backend == config.ArchiveObject {
		if objects, err = app.NewStorage(ctx, cfg.Storage); err != nil {
			return err
		}
	}
	emitter, err := app.NewArchiveEmitter(cfg.Archive, objects)
	if err != nil {
		return err
	}
	processor, results, err := app.NewProcessor(cfg, log, reg, emitter)
	if err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}

	opts := api.Options{
		MaxUploadBytes: cfg.API.MaxUploadBytes,
		AllowedOrigins: cfg.API.AllowedOrigins,
		Registry:       reg,
	}

	if cfg.RateLimit.Enabled {
		redisClient := app.NewRedisClient(cfg.Queue)
		defer func() { _ = redisClient.Close() }()

		limiter, err := ratelimit.NewRedisFixedWindow(redisClient, cfg.RateLimit.Requests, cfg.RateLimit.Window, cfg.RateLimit.KeyPrefix)
		if err != nil {
			return fmt.Errorf("init rate limiter: %w", err)
		}
		opts.RateLimiter = limiter
	}

	if cfg.Jobs.Enabled {
		jobStore, err := store.Open(ctx, cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("open job store: %w", err)
		}
		defer func() { _ = jobStore.Close() }()

		queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
		defer func() {
			if err := queueClient.Close(); err != nil {
				log.Warn("queue client close failed", zap.Error(err))
			}
		}()

		opts.Queue = queueClient
		opts.Storage = objects
		opts.JobStore = jobStore
	}

	if cfg.API.StatsSchedule != "" {
		scheduler, err := startStatsReporter(cfg.API.StatsSchedule, results, log)
		if err != nil {
			return err
		}
		defer scheduler.Stop()
	}

	server := api.NewServer(log, processor, opts)
	httpServer := &http.Server{
		Addr:              cfg.API.Addr(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening",
			zap.String("addr", httpServer.Addr),
			zap.Bool("jobs", cfg.Jobs.Enabled),
			zap.Bool("rate_limit", cfg.RateLimit.Enabled),
			zap.String("archive", cfg.Archive.Backend),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", zap.Error(err))
	}
	return nil
}

// startStatsReporter logs cache statistics on schedule.
func startStatsReporter(schedule string, results *cache.Cache, log *zap.Logger) (*cron.Cron, error) {
	scheduler := cron.New()
	_, err := scheduler.AddFunc(schedule, func() {
		stats := results.Stats()
		log.Info("cache stats",
			zap.Int("entries", stats.Entries),
			zap.Int("capacity", stats.Capacity),
			zap.Int64("hits", stats.Hits),
			zap.Int64("misses", stats.Misses),
			zap.Int64("evictions", stats.Evictions),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("schedule cache stats: %w", err)
	}
	scheduler.Start()
	return scheduler, nil
}
