package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// MaxRetriesLimit keeps the longest retry backoff within a few decades at a 1s base.
const MaxRetriesLimit = 32

type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"prod"`
	APIAddr     string `env:"API_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":2113"`

	StoreBackend  string `env:"STORE_BACKEND" envDefault:"redis"`
	PostgresDSN   string `env:"POSTGRES_DSN"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	WorkerConcurrency    int           `env:"WORKER_CONCURRENCY" envDefault:"1"`
	MaxRetries           int           `env:"MAX_RETRIES" envDefault:"3"`
	BackoffBase          time.Duration `env:"BACKOFF_BASE" envDefault:"1s"`
	ClaimBlockTimeout    time.Duration `env:"CLAIM_BLOCK_TIMEOUT" envDefault:"1s"`
	IdleBackoff          time.Duration `env:"IDLE_BACKOFF" envDefault:"250ms"`
	MaxDeferredScan      int           `env:"MAX_DEFERRED_SCAN" envDefault:"64"`
	OutageBackoffInitial time.Duration `env:"OUTAGE_BACKOFF_INITIAL" envDefault:"500ms"`
	OutageBackoffMax     time.Duration `env:"OUTAGE_BACKOFF_MAX" envDefault:"30s"`

	ReaperEnabled  bool          `env:"REAPER_ENABLED" envDefault:"false"`
	ReaperSchedule string        `env:"REAPER_SCHEDULE" envDefault:"@every 30s"`
	ClaimTimeout   time.Duration `env:"CLAIM_TIMEOUT" envDefault:"5m"`
	ReaperBatch    int           `env:"REAPER_BATCH" envDefault:"100"`

	EmailLatency     time.Duration `env:"EMAIL_LATENCY" envDefault:"2s"`
	EmailFailureRate float64       `env:"EMAIL_FAILURE_RATE" envDefault:"0.2"`
}

// Load reads the process environment.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, errors.Wrap(err, "parse environment")
	}
	return c, c.validate()
}

// LoadFrom reads vars instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, env.Options{Environment: vars}); err != nil {
		return Config{}, errors.Wrap(err, "parse environment")
	}
	return c, c.validate()
}

func (c Config) validate() error {
	switch c.StoreBackend {
	case BackendRedis:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return errors.New("POSTGRES_DSN is required when STORE_BACKEND=postgres")
		}
	default:
		return errors.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.MaxRetries < 1 || c.MaxRetries > MaxRetriesLimit {
		return errors.Errorf("MAX_RETRIES must be within [1,%d], got %d", MaxRetriesLimit, c.MaxRetries)
	}
	if c.BackoffBase <= 0 {
		return errors.Errorf("BACKOFF_BASE must be positive, got %s", c.BackoffBase)
	}
	if c.WorkerConcurrency < 1 {
		return errors.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.WorkerConcurrency)
	}
	if c.EmailFailureRate < 0 || c.EmailFailureRate > 1 {
		return errors.Errorf("EMAIL_FAILURE_RATE must be within [0,1], got %v", c.EmailFailureRate)
	}
	if _, err := cron.ParseStandard(c.ReaperSchedule); err != nil {
		return errors.Wrapf(err, "REAPER_SCHEDULE %q", c.ReaperSchedule)
	}
	return nil
}

func (c Config) Dev() bool { return c.AppEnv == "dev" }
