package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
	"github.com/kursadbilgin/webhook-dispatcher/internal/domain"
)

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL string `env:"RABBITMQ_URL,required=true"`
	RedisURL    string `env:"REDIS_URL,required=true"`
	APIPort     int    `env:"API_PORT,default=8080"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`
	LogFormat   string `env:"LOG_FORMAT,default=json"`

	DBMaxOpenConns int `env:"DB_MAX_OPEN_CONNS,default=25"`
	DBMaxIdleConns int `env:"DB_MAX_IDLE_CONNS,default=5"`

	RouterConcurrency    int  `env:"ROUTER_CONCURRENCY,default=10"`
	DefaultRetryCount    int  `env:"DEFAULT_RETRY_COUNT,default=3"`
	DefaultTimeoutMS     int  `env:"DEFAULT_TIMEOUT_MS,default=10000"`
	BackoffBaseMS        int  `env:"BACKOFF_BASE_MS,default=1000"`
	BackoffMaxMS         int  `env:"BACKOFF_MAX_MS,default=10000"`
	FastFailClientErrors bool `env:"FAST_FAIL_CLIENT_ERRORS,default=false"`
	EndpointRateLimit    int  `env:"ENDPOINT_RATE_LIMIT_PER_SEC,default=0"`
	EventDedupTTLSec     int  `env:"EVENT_DEDUP_TTL_SEC,default=86400"`

	WorkerConcurrency     int `env:"WORKER_CONCURRENCY,default=4"`
	WorkerHTTPPort        int `env:"WORKER_HTTP_PORT,default=9091"`
	WorkerPrefetch        int `env:"WORKER_PREFETCH,default=8"`
	StaleSweepIntervalSec int `env:"STALE_SWEEP_INTERVAL_SEC,default=60"`
	StaleDeliveryAfterSec int `env:"STALE_DELIVERY_AFTER_SEC,default=3600"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("LOG_FORMAT must be json or console")
	}
	if c.RouterConcurrency < 1 {
		return fmt.Errorf("ROUTER_CONCURRENCY must be >= 1")
	}
	if c.DefaultRetryCount < 0 {
		return fmt.Errorf("DEFAULT_RETRY_COUNT must be >= 0")
	}
	if c.DefaultTimeoutMS <= 0 {
		return fmt.Errorf("DEFAULT_TIMEOUT_MS must be > 0")
	}
	if c.BackoffBaseMS <= 0 || c.BackoffMaxMS < c.BackoffBaseMS {
		return fmt.Errorf("BACKOFF_BASE_MS must be > 0 and <= BACKOFF_MAX_MS")
	}
	if c.EndpointRateLimit < 0 {
		return fmt.Errorf("ENDPOINT_RATE_LIMIT_PER_SEC must be >= 0")
	}
	// A row still in flight must never look abandoned to the sweeper.
	if worst := c.WorstCaseDeliveryDuration(); c.StaleDeliveryAfter() <= worst {
		return fmt.Errorf("STALE_DELIVERY_AFTER_SEC must exceed the longest possible delivery (%s)", worst)
	}
	return nil
}

// WorstCaseDeliveryDuration bounds one delivery at the endpoint limits: every
// attempt runs to the maximum timeout and every retry waits its full backoff.
func (c *Config) WorstCaseDeliveryDuration() time.Duration {
	attempts := domain.MaxRetryCount + 1
	total := time.Duration(attempts) * time.Duration(domain.MaxTimeoutMS) * time.Millisecond

	delay := c.BackoffBase()
	for i := 1; i < attempts; i++ {
		total += min(delay, c.BackoffMax())
		delay *= 2
	}
	return total
}

func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMS) * time.Millisecond
}

func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMS) * time.Millisecond
}

func (c *Config) EventDedupTTL() time.Duration {
	return time.Duration(c.EventDedupTTLSec) * time.Second
}

func (c *Config) StaleSweepInterval() time.Duration {
	return time.Duration(c.StaleSweepIntervalSec) * time.Second
}

func (c *Config) StaleDeliveryAfter() time.Duration {
	return time.Duration(c.StaleDeliveryAfterSec) * time.Second
}
