// Package app builds the components shared by the api and worker binaries
// from configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dunamismax/cutout/internal/cache"
	"github.com/dunamismax/cutout/internal/config"
	"github.com/dunamismax/cutout/internal/pipeline"
	"github.com/dunamismax/cutout/internal/storage"
)

// NewRegistry returns a registry carrying the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// NewProcessor wires the resampler, extractor and result cache selected by
// cfg. emitter may be nil.
func NewProcessor(cfg config.Config, logger *zap.Logger, reg prometheus.Registerer, emitter pipeline.Emitter) (*pipeline.Processor, *cache.Cache, error) {
	resampler, err := pipeline.NewResampler(cfg.Pipeline.Resampler)
	if err != nil {
		return nil, nil, err
	}
	extractor, err := pipeline.NewExtractor(cfg.Extractor.Options(cfg.Pipeline.Threads))
	if err != nil {
		return nil, nil, err
	}
	results := cache.New(cfg.Pipeline.CacheCapacity)

	options := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(pipeline.NewMetrics(reg)),
	}
	if emitter != nil {
		options = append(options, pipeline.WithEmitter(emitter))
	}

	processor, err := pipeline.NewProcessor(extractor, resampler, results, cfg.Pipeline.ProcessorOptions(), options...)
	if err != nil {
		return nil, nil, err
	}

	if reg != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "cutout_cache_entries",
			Help: "Results currently held in the cache.",
		}, func() float64 {
			return float64(results.Len())
		}))
	}

	logger.Info("pipeline ready",
		zap.String("resampler", resampler.Name()),
		zap.String("extractor", extractor.Name()),
		zap.Int("workers", cfg.Pipeline.Workers),
		zap.Int("cache_capacity", results.Capacity()),
	)
	return processor, results, nil
}

// NewStorage connects to the object store and creates the bucket if needed.
func NewStorage(ctx context.Context, cfg config.StorageConfig) (*storage.Client, error) {
	client, err := storage.NewClient(cfg.ClientConfig())
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	if err := client.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// NewArchiveEmitter returns the archive sink for cfg, or nil when archiving is
// off. objects is only consulted for the object backend.
func NewArchiveEmitter(cfg config.ArchiveConfig, objects *storage.Client) (pipeline.Emitter, error) {
	switch cfg.Backend {
	case config.ArchiveNone, "":
		return nil, nil
	case config.ArchiveLocal:
		return pipeline.LocalFileEmitter{OutputDir: cfg.Dir}, nil
	case config.ArchiveObject:
		if objects == nil {
			return nil, errors.New("object archive requires a storage client")
		}
		return pipeline.ObjectStoreEmitter{Storage: objects, OutputPrefix: cfg.Prefix}, nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
}

// NewRedisClient connects to the redis instance that also backs the queue.
func NewRedisClient(cfg config.QueueConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}
