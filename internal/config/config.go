package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/dunamismax/cutout/internal/pipeline"
	"github.com/dunamismax/cutout/internal/storage"
	"github.com/dunamismax/cutout/internal/telemetry"
	"github.com/dunamismax/cutout/internal/webhook"
)

// KeyConfigFile names an optional config file (yaml, json or toml) read on
// top of the defaults. Environment variables still take precedence.
const KeyConfigFile = "CONFIG_FILE"

const (
	ArchiveNone   = "none"
	ArchiveLocal  = "local"
	ArchiveObject = "object"
)

type Config struct {
	API       APIConfig
	Pipeline  PipelineConfig
	Extractor ExtractorConfig
	Archive   ArchiveConfig
	Jobs      JobsConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	RateLimit RateLimitConfig
	Webhook   WebhookConfig
	Telemetry TelemetryConfig
	Log       LogConfig
}

type APIConfig struct {
	Port            int
	MaxUploadBytes  int64
	AllowedOrigins  []string
	StatsSchedule   string
	ShutdownTimeout time.Duration
}

func (a APIConfig) Addr() string {
	return fmt.Sprintf(":%d", a.Port)
}

type PipelineConfig struct {
	MaxDimension  int
	Workers       int
	Threads       int
	CacheCapacity int
	Resampler     string
}

func (p PipelineConfig) ProcessorOptions() pipeline.Options {
	return pipeline.Options{
		MaxDimension: p.MaxDimension,
		Workers:      p.Workers,
		Threads:      p.Threads,
	}
}

type ExtractorConfig struct {
	Backend         string
	RembgURL        string
	RembgModel      string
	Timeout         time.Duration
	Tolerance       float64
	Softness        float64
	PostProcessMask bool
}

// Options keeps the fast profile: alpha matting is always off.
func (e ExtractorConfig) Options(threads int) pipeline.ExtractorOptions {
	return pipeline.ExtractorOptions{
		Backend:         e.Backend,
		RembgURL:        e.RembgURL,
		RembgModel:      e.RembgModel,
		Timeout:         e.Timeout,
		Tolerance:       e.Tolerance,
		Softness:        e.Softness,
		AlphaMatting:    false,
		PostProcessMask: e.PostProcessMask,
		Threads:         threads,
	}
}

type ArchiveConfig struct {
	Backend string
	Dir     string
	Prefix  string
}

type JobsConfig struct {
	Enabled bool
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency   int
	MaxActiveJobs int
	MetricsAddr   string
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func (s StorageConfig) ClientConfig() storage.Config {
	return storage.Config{
		Endpoint: s.Endpoint,
		Access:   s.AccessKey,
		Secret:   s.SecretKey,
		Bucket:   s.Bucket,
		UseSSL:   s.UseSSL,
	}
}

type DatabaseConfig struct {
	DSN string
}

type RateLimitConfig struct {
	Enabled   bool
	Requests  int
	Window    time.Duration
	KeyPrefix string
}

type WebhookConfig struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (w WebhookConfig) ClientConfig() webhook.Config {
	return webhook.Config{
		SigningSecret:  w.SigningSecret,
		Timeout:        w.Timeout,
		MaxAttempts:    w.MaxAttempts,
		InitialBackoff: w.InitialBackoff,
		MaxBackoff:     w.MaxBackoff,
	}
}

type TelemetryConfig struct {
	ServiceName  string
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
	SampleRatio  float64
}

func (t TelemetryConfig) TraceConfig(serviceName string) telemetry.TraceConfig {
	if strings.TrimSpace(t.ServiceName) != "" {
		serviceName = t.ServiceName
	}
	return telemetry.TraceConfig{
		ServiceName:  serviceName,
		Exporter:     t.Exporter,
		OTLPEndpoint: t.OTLPEndpoint,
		OTLPInsecure: t.OTLPInsecure,
		SampleRatio:  t.SampleRatio,
	}
}

type LogConfig struct {
	Level  string
	Format string
}

// SetDefaults registers every key with its default value. Registering keys up
// front lets AutomaticEnv and config files override them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("API_PORT", 4000)
	v.SetDefault("API_MAX_UPLOAD_BYTES", 32<<20)
	v.SetDefault("API_ALLOWED_ORIGINS", []string{"*"})
	v.SetDefault("API_STATS_SCHEDULE", "@every 5m")
	v.SetDefault("API_SHUTDOWN_TIMEOUT", 10*time.Second)

	v.SetDefault("PIPELINE_MAX_DIMENSION", pipeline.DefaultMaxDimension)
	v.SetDefault("PIPELINE_WORKERS", pipeline.DefaultWorkers)
	v.SetDefault("PIPELINE_THREADS", pipeline.DefaultThreads)
	v.SetDefault("PIPELINE_CACHE_CAPACITY", 20)
	v.SetDefault("PIPELINE_RESAMPLER", pipeline.ResamplerLanczos)

	v.SetDefault("EXTRACTOR_BACKEND", pipeline.ExtractorChromaKey)
	v.SetDefault("EXTRACTOR_REMBG_URL", "")
	v.SetDefault("EXTRACTOR_REMBG_MODEL", "u2net")
	v.SetDefault("EXTRACTOR_TIMEOUT", 60*time.Second)
	v.SetDefault("EXTRACTOR_TOLERANCE", 40.0)
	v.SetDefault("EXTRACTOR_SOFTNESS", 60.0)
	v.SetDefault("EXTRACTOR_POST_PROCESS_MASK", true)

	v.SetDefault("ARCHIVE_BACKEND", ArchiveNone)
	v.SetDefault("ARCHIVE_DIR", "./processed")
	v.SetDefault("ARCHIVE_PREFIX", "archive")

	v.SetDefault("JOBS_ENABLED", false)

	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("ASYNC_QUEUE", "default")

	v.SetDefault("WORKER_CONCURRENCY", max(2, runtime.NumCPU()))
	v.SetDefault("WORKER_MAX_ACTIVE_JOBS", max(1, runtime.NumCPU()/2))
	v.SetDefault("WORKER_METRICS_ADDR", ":9091")

	v.SetDefault("MINIO_ENDPOINT", "localhost:9000")
	v.SetDefault("MINIO_ACCESS_KEY", "minioadmin")
	v.SetDefault("MINIO_SECRET_KEY", "minioadmin")
	v.SetDefault("MINIO_BUCKET", "cutout")
	v.SetDefault("MINIO_USE_SSL", false)

	v.SetDefault("DATABASE_DSN", "memory")

	v.SetDefault("RATE_LIMIT_ENABLED", false)
	v.SetDefault("RATE_LIMIT_REQUESTS", 30)
	v.SetDefault("RATE_LIMIT_WINDOW", time.Minute)
	v.SetDefault("RATE_LIMIT_KEY_PREFIX", "cutout:ratelimit")

	v.SetDefault("WEBHOOK_SIGNING_SECRET", "")
	v.SetDefault("WEBHOOK_TIMEOUT", 10*time.Second)
	v.SetDefault("WEBHOOK_MAX_ATTEMPTS", 3)
	v.SetDefault("WEBHOOK_INITIAL_BACKOFF", time.Second)
	v.SetDefault("WEBHOOK_MAX_BACKOFF", 10*time.Second)

	v.SetDefault("OTEL_SERVICE_NAME", "")
	v.SetDefault("TRACE_EXPORTER", "none")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", true)
	v.SetDefault("TRACE_SAMPLE_RATIO", 1.0)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

// Load reads configuration from defaults, an optional config file and the
// environment, in increasing order of precedence. Flags bound to v with
// BindPFlag win over all three.
func Load(v *viper.Viper) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)
	v.AutomaticEnv()

	if file := strings.TrimSpace(v.GetString(KeyConfigFile)); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	cfg := Config{
		API: APIConfig{
			Port:            v.GetInt("API_PORT"),
			MaxUploadBytes:  v.GetInt64("API_MAX_UPLOAD_BYTES"),
			AllowedOrigins:  splitList(v.GetStringSlice("API_ALLOWED_ORIGINS")),
			StatsSchedule:   strings.TrimSpace(v.GetString("API_STATS_SCHEDULE")),
			ShutdownTimeout: v.GetDuration("API_SHUTDOWN_TIMEOUT"),
		},
		Pipeline: PipelineConfig{
			MaxDimension:  v.GetInt("PIPELINE_MAX_DIMENSION"),
			Workers:       v.GetInt("PIPELINE_WORKERS"),
			Threads:       v.GetInt("PIPELINE_THREADS"),
			CacheCapacity: v.GetInt("PIPELINE_CACHE_CAPACITY"),
			Resampler:     strings.ToLower(strings.TrimSpace(v.GetString("PIPELINE_RESAMPLER"))),
		},
		Extractor: ExtractorConfig{
			Backend:         strings.ToLower(strings.TrimSpace(v.GetString("EXTRACTOR_BACKEND"))),
			RembgURL:        strings.TrimSpace(v.GetString("EXTRACTOR_REMBG_URL")),
			RembgModel:      v.GetString("EXTRACTOR_REMBG_MODEL"),
			Timeout:         v.GetDuration("EXTRACTOR_TIMEOUT"),
			Tolerance:       v.GetFloat64("EXTRACTOR_TOLERANCE"),
			Softness:        v.GetFloat64("EXTRACTOR_SOFTNESS"),
			PostProcessMask: v.GetBool("EXTRACTOR_POST_PROCESS_MASK"),
		},
		Archive: ArchiveConfig{
			Backend: strings.ToLower(strings.TrimSpace(v.GetString("ARCHIVE_BACKEND"))),
			Dir:     v.GetString("ARCHIVE_DIR"),
			Prefix:  v.GetString("ARCHIVE_PREFIX"),
		},
		Jobs: JobsConfig{
			Enabled: v.GetBool("JOBS_ENABLED"),
		},
		Queue: QueueConfig{
			RedisAddr:     v.GetString("REDIS_ADDR"),
			RedisPassword: v.GetString("REDIS_PASSWORD"),
			RedisDB:       v.GetInt("REDIS_DB"),
			Name:          v.GetString("ASYNC_QUEUE"),
		},
		Worker: WorkerConfig{
			Concurrency:   v.GetInt("WORKER_CONCURRENCY"),
			MaxActiveJobs: v.GetInt("WORKER_MAX_ACTIVE_JOBS"),
			MetricsAddr:   v.GetString("WORKER_METRICS_ADDR"),
		},
		Storage: StorageConfig{
			Endpoint:  v.GetString("MINIO_ENDPOINT"),
			AccessKey: v.GetString("MINIO_ACCESS_KEY"),
			SecretKey: v.GetString("MINIO_SECRET_KEY"),
			Bucket:    v.GetString("MINIO_BUCKET"),
			UseSSL:    v.GetBool("MINIO_USE_SSL"),
		},
		Database: DatabaseConfig{
			DSN: strings.TrimSpace(v.GetString("DATABASE_DSN")),
		},
		RateLimit: RateLimitConfig{
			Enabled:   v.GetBool("RATE_LIMIT_ENABLED"),
			Requests:  v.GetInt("RATE_LIMIT_REQUESTS"),
			Window:    v.GetDuration("RATE_LIMIT_WINDOW"),
			KeyPrefix: v.GetString("RATE_LIMIT_KEY_PREFIX"),
		},
		Webhook: WebhookConfig{
			SigningSecret:  v.GetString("WEBHOOK_SIGNING_SECRET"),
			Timeout:        v.GetDuration("WEBHOOK_TIMEOUT"),
			MaxAttempts:    v.GetInt("WEBHOOK_MAX_ATTEMPTS"),
			InitialBackoff: v.GetDuration("WEBHOOK_INITIAL_BACKOFF"),
			MaxBackoff:     v.GetDuration("WEBHOOK_MAX_BACKOFF"),
		},
		Telemetry: TelemetryConfig{
			ServiceName:  v.GetString("OTEL_SERVICE_NAME"),
			Exporter:     strings.ToLower(strings.TrimSpace(v.GetString("TRACE_EXPORTER"))),
			OTLPEndpoint: v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
			OTLPInsecure: v.GetBool("OTEL_EXPORTER_OTLP_INSECURE"),
			SampleRatio:  v.GetFloat64("TRACE_SAMPLE_RATIO"),
		},
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("API_PORT must be between 1 and 65535, got %d", c.API.Port))
	}
	if c.API.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("API_MAX_UPLOAD_BYTES must be positive"))
	}
	if c.API.StatsSchedule != "" {
		if _, err := cron.ParseStandard(c.API.StatsSchedule); err != nil {
			errs = append(errs, fmt.Errorf("API_STATS_SCHEDULE is invalid: %w", err))
		}
	}
	if c.Pipeline.MaxDimension <= 0 {
		errs = append(errs, errors.New("PIPELINE_MAX_DIMENSION must be positive"))
	}
	if c.Pipeline.Workers <= 0 {
		errs = append(errs, errors.New("PIPELINE_WORKERS must be positive"))
	}
	if c.Pipeline.Threads <= 0 {
		errs = append(errs, errors.New("PIPELINE_THREADS must be positive"))
	}
	if c.Pipeline.CacheCapacity <= 0 {
		errs = append(errs, errors.New("PIPELINE_CACHE_CAPACITY must be positive"))
	}
	switch c.Pipeline.Resampler {
	case pipeline.ResamplerLanczos, pipeline.ResamplerNfnt, pipeline.ResamplerVips:
	default:
		errs = append(errs, fmt.Errorf("PIPELINE_RESAMPLER %q is not supported", c.Pipeline.Resampler))
	}
	switch c.Extractor.Backend {
	case pipeline.ExtractorChromaKey:
	case pipeline.ExtractorRembg:
		if c.Extractor.RembgURL == "" {
			errs = append(errs, errors.New("EXTRACTOR_REMBG_URL is required for the rembg backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("EXTRACTOR_BACKEND %q is not supported", c.Extractor.Backend))
	}
	switch c.Archive.Backend {
	case ArchiveNone, ArchiveObject:
	case ArchiveLocal:
		if strings.TrimSpace(c.Archive.Dir) == "" {
			errs = append(errs, errors.New("ARCHIVE_DIR is required for the local archive"))
		}
	default:
		errs = append(errs, fmt.Errorf("ARCHIVE_BACKEND %q is not supported", c.Archive.Backend))
	}
	if c.RateLimit.Enabled && (c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0) {
		errs = append(errs, errors.New("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be positive"))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, errors.New("TRACE_SAMPLE_RATIO must be within [0, 1]"))
	}

	return errors.Join(errs...)
}

// splitList accepts both list values and a single comma separated string, as
// environment variables arrive.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
