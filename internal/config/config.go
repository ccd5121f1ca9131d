package config

import (
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
)

type Config struct {
	API         APIConfig
	Queue       QueueConfig
	Worker      WorkerConfig
	Storage     StorageConfig
	Database    DatabaseConfig
	Postprocess PostprocessConfig
	RateLimit   RateLimitConfig
	Tracing     TracingConfig
	Webhook     WebhookConfig
	Retention   RetentionConfig
}

type APIConfig struct {
	Addr       string
	PresignTTL time.Duration
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
	MaxRetry      int
	// TaskTimeout is granted per requested variant.
	TaskTimeout   time.Duration
	TaskRetention time.Duration
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency    int
	MaxActiveJobs  int
	LocalOutputDir string
	MetricsAddr    string
	OutputPrefix   string
}

type StorageConfig struct {
	Endpoint       string
	AccessKey      string
	SecretKey      string
	Bucket         string
	UseSSL         bool
	MaxObjectBytes int64
}

type DatabaseConfig struct {
	// DSN selects the postgres job and usage stores. Empty keeps everything in memory.
	DSN string
}

// PostprocessConfig carries the tunables of background removal and budget
// compression.
type PostprocessConfig struct {
	Backend           string
	WhiteThreshold    int
	Softness          int
	Mode              string
	MaxStartWidth     int
	MinWidth          int
	Decay             float64
	PaletteColors     int
	PaletteIterations int
	Resampler         string
	Workers           int
	MaxUploadBytes    int64
}

type RateLimitConfig struct {
	Enabled       bool
	Capacity      int
	Window        time.Duration
	UserIDHeader  string
	KeyPrefix     string
	BytesPerToken int64
}

type TracingConfig struct {
	Environment  string
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
	SampleRatio  float64
}

type WebhookConfig struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type RetentionConfig struct {
	Enabled  bool
	Schedule string
	TTL      time.Duration
}

func Load() Config {
	defaultWorkerSlots := max(1, runtime.NumCPU()/2)

	return Config{
		API: APIConfig{
			Addr:       env("IMAGE_CREATOR_API_ADDR", ":8080"),
			PresignTTL: envDuration("PRESIGN_TTL", 15*time.Minute),
		},
		Queue: QueueConfig{
			RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			Name:          env("ASYNC_QUEUE", "default"),
			MaxRetry:      envInt("QUEUE_MAX_RETRY", 5),
			TaskTimeout:   envDuration("QUEUE_TASK_TIMEOUT", time.Minute),
			TaskRetention: envDuration("QUEUE_TASK_RETENTION", 24*time.Hour),
		},
		Worker: WorkerConfig{
			Concurrency:    envInt("WORKER_CONCURRENCY", max(2, runtime.NumCPU())),
			MaxActiveJobs:  envInt("WORKER_MAX_ACTIVE_JOBS", defaultWorkerSlots),
			LocalOutputDir: env("WORKER_LOCAL_OUTPUT_DIR", "./.image-creator-output"),
			MetricsAddr:    env("WORKER_METRICS_ADDR", ":9091"),
			OutputPrefix:   env("WORKER_OUTPUT_PREFIX", "outputs"),
		},
		Storage: StorageConfig{
			Endpoint:       env("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey:      env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey:      env("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:         env("MINIO_BUCKET", "image-creator-jobs"),
			UseSSL:         envBool("MINIO_USE_SSL", false),
			MaxObjectBytes: int64(envInt("MINIO_MAX_OBJECT_BYTES", 64<<20)),
		},
		Database: DatabaseConfig{
			DSN: env("POSTGRES_DSN", ""),
		},
		Postprocess: PostprocessConfig{
			Backend:           env("POSTPROCESS_BACKEND", ""),
			WhiteThreshold:    envInt("POSTPROCESS_WHITE_THRESHOLD", 248),
			Softness:          envInt("POSTPROCESS_SOFTNESS", 6),
			Mode:              env("POSTPROCESS_MODE", "flood_fill"),
			MaxStartWidth:     envInt("POSTPROCESS_MAX_START_WIDTH", 1400),
			MinWidth:          envInt("POSTPROCESS_MIN_WIDTH", 256),
			Decay:             envFloat("POSTPROCESS_DECAY", 0.85),
			PaletteColors:     envInt("POSTPROCESS_PALETTE_COLORS", 256),
			PaletteIterations: envInt("POSTPROCESS_PALETTE_ITERATIONS", 4),
			Resampler:         env("POSTPROCESS_RESAMPLER", "lanczos"),
			Workers:           envInt("POSTPROCESS_WORKERS", runtime.NumCPU()),
			MaxUploadBytes:    int64(envInt("POSTPROCESS_MAX_UPLOAD_BYTES", 20<<20)),
		},
		RateLimit: RateLimitConfig{
			Enabled:       envBool("RATE_LIMIT_ENABLED", false),
			Capacity:      envInt("RATE_LIMIT_CAPACITY", 60),
			Window:        envDuration("RATE_LIMIT_WINDOW", time.Minute),
			UserIDHeader:  env("RATE_LIMIT_USER_ID_HEADER", "X-User-ID"),
			KeyPrefix:     env("RATE_LIMIT_KEY_PREFIX", "image-creator:ratelimit"),
			BytesPerToken: int64(envInt("RATE_LIMIT_BYTES_PER_TOKEN", 1<<20)),
		},
		Tracing: TracingConfig{
			Environment:  env("TRACING_ENVIRONMENT", "development"),
			Exporter:     env("TRACING_EXPORTER", "none"),
			OTLPEndpoint: env("TRACING_OTLP_ENDPOINT", ""),
			OTLPInsecure: envBool("TRACING_OTLP_INSECURE", true),
			SampleRatio:  envFloat("TRACING_SAMPLE_RATIO", 1),
		},
		Webhook: WebhookConfig{
			SigningSecret:  env("WEBHOOK_SIGNING_SECRET", ""),
			Timeout:        envDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			MaxAttempts:    envInt("WEBHOOK_MAX_ATTEMPTS", 3),
			InitialBackoff: envDuration("WEBHOOK_INITIAL_BACKOFF", time.Second),
			MaxBackoff:     envDuration("WEBHOOK_MAX_BACKOFF", 10*time.Second),
		},
		Retention: RetentionConfig{
			Enabled:  envBool("RETENTION_ENABLED", true),
			Schedule: env("RETENTION_SCHEDULE", "@hourly"),
			TTL:      envDuration("RETENTION_TTL", 24*time.Hour),
		},
	}
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloat(key string, fallback float64) float64 {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
