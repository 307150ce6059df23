package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	Env      string `env:"ENV" envDefault:"development"`

	// StoreBackend is "postgres" or "memory". The memory store assumes a
	// single process.
	StoreBackend string `env:"STORE_BACKEND" envDefault:"postgres"`

	// Database
	DBHost     string `env:"DB_HOST" envDefault:"localhost"`
	DBPort     int    `env:"DB_PORT" envDefault:"5432"`
	DBUser     string `env:"DB_USER" envDefault:"herald"`
	DBPassword string `env:"DB_PASSWORD"`
	DBName     string `env:"DB_NAME" envDefault:"herald"`
	DBSSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`
	DBMaxConns int32  `env:"DB_MAX_CONNS" envDefault:"25"`

	// Redis config
	RedisEnabled  bool   `env:"REDIS_ENABLED" envDefault:"true"`
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// HTTP rate limiting, per recipient or client IP
	RateLimit       int           `env:"RATE_LIMIT" envDefault:"100"`
	RateLimitIP     int           `env:"RATE_LIMIT_IP"` // 0 uses RATE_LIMIT
	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`

	// AWS Services. Empty sender settings fall back to logging deliveries.
	AWSRegion    string `env:"AWS_REGION" envDefault:"us-east-1"`
	AWSEndpoint  string `env:"AWS_ENDPOINT_URL"`
	SESFromEmail string `env:"SES_FROM_EMAIL"`
	SNSRegion    string `env:"SNS_REGION"`
	SNSEnabled   bool   `env:"SNS_ENABLED" envDefault:"false"`

	// Event ingestion: "none", "sqs" or "amqp"
	EventSource   string        `env:"EVENT_SOURCE" envDefault:"none"`
	SQSRegion     string        `env:"SQS_REGION"`
	SQSQueueURL   string        `env:"SQS_QUEUE_URL"`
	SQSWaitTime   time.Duration `env:"SQS_WAIT_TIME" envDefault:"20s"`
	SQSRetryDelay time.Duration `env:"SQS_RETRY_DELAY" envDefault:"30s"`
	AMQPURL       string        `env:"AMQP_URL"`
	AMQPExchange  string        `env:"AMQP_EXCHANGE" envDefault:"herald.events"`
	AMQPQueue     string        `env:"AMQP_QUEUE" envDefault:"herald.notifications"`
	AMQPPrefetch  int           `env:"AMQP_PREFETCH" envDefault:"10"`

	// Queue processor
	WorkerPollInterval  time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"5s"`
	WorkerBatchSize     int           `env:"WORKER_BATCH_SIZE" envDefault:"50"`
	WorkerConcurrency   int           `env:"WORKER_CONCURRENCY" envDefault:"10"`
	SendTimeout         time.Duration `env:"SEND_TIMEOUT" envDefault:"30s"`
	MaxAttempts         int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	FailFastUnavailable bool          `env:"FAIL_FAST_UNAVAILABLE" envDefault:"false"`

	// Circuit breakers around the email, push and sms providers
	BreakerMaxFailures int           `env:"BREAKER_MAX_FAILURES" envDefault:"5"`
	BreakerTimeout     time.Duration `env:"BREAKER_TIMEOUT" envDefault:"30s"`

	// Analytics and retention
	AnalyticsInterval   time.Duration `env:"ANALYTICS_INTERVAL" envDefault:"15m"`
	AnalyticsTimezone   string        `env:"ANALYTICS_TIMEZONE" envDefault:"UTC"`
	RetentionInterval   time.Duration `env:"RETENTION_INTERVAL" envDefault:"1h"`
	NotificationHorizon time.Duration `env:"NOTIFICATION_RETENTION" envDefault:"2160h"`
	QueueHorizon        time.Duration `env:"QUEUE_RETENTION" envDefault:"720h"`
	ClaimLease          time.Duration `env:"CLAIM_LEASE" envDefault:"10m"`
}

// Load reads configuration from environment variables with sensible
// defaults. A .env file in the working directory is loaded first if present.
func Load() (*Config, error) {
	// The .env file is optional.
	_ = godotenv.Load()

	return Parse()
}

// Parse reads configuration from the environment only.
func Parse() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.SQSRegion == "" {
		cfg.SQSRegion = cfg.AWSRegion
	}
	if cfg.SNSRegion == "" {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that have no safe fallback.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreBackend {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("invalid STORE_BACKEND %q", c.StoreBackend))
	}

	switch c.EventSource {
	case "none":
	case "sqs":
		if c.SQSQueueURL == "" {
			errs = append(errs, errors.New("SQS_QUEUE_URL is required when EVENT_SOURCE=sqs"))
		}
	case "amqp":
		if c.AMQPURL == "" {
			errs = append(errs, errors.New("AMQP_URL is required when EVENT_SOURCE=amqp"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid EVENT_SOURCE %q", c.EventSource))
	}

	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts))
	}
	if c.WorkerBatchSize < 1 || c.WorkerConcurrency < 1 {
		errs = append(errs, errors.New("WORKER_BATCH_SIZE and WORKER_CONCURRENCY must be positive"))
	}
	if _, err := time.LoadLocation(c.AnalyticsTimezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid ANALYTICS_TIMEZONE: %w", err))
	}

	return errors.Join(errs...)
}

// Location returns the timezone analytics days are counted in.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.AnalyticsTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
