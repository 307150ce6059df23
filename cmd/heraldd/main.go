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

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/herald/internal/analytics"
	"github.com/lalithlochan/herald/internal/api"
	"github.com/lalithlochan/herald/internal/circuitbreaker"
	"github.com/lalithlochan/herald/internal/config"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/ingest"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/notify"
	"github.com/lalithlochan/herald/internal/observ"
	"github.com/lalithlochan/herald/internal/redis"
	"github.com/lalithlochan/herald/internal/retention"
	"github.com/lalithlochan/herald/internal/scheduler"
	"github.com/lalithlochan/herald/internal/worker"
)

const version = "v0.3.0"

// store is everything the pipeline persists. Both db.Repository and
// db.MemoryStore satisfy it.
type store interface {
	notify.Store
	scheduler.Store
	worker.Repository
	worker.Contacts
	analytics.Store
	retention.Store
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting herald",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.StoreBackend),
		zap.String("event_source", cfg.EventSource),
		zap.String("version", version),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	health := make(map[string]api.HealthChecker)

	var st store
	var database *db.DB
	switch cfg.StoreBackend {
	case "memory":
		logger.Warn("using in-memory store, data is lost on restart")
		st = db.NewMemoryStore()
	default:
		database, err = db.New(ctx, db.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
			MaxConns: cfg.DBMaxConns,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()

		logger.Info("database connection established",
			zap.String("host", cfg.DBHost),
			zap.Int("port", cfg.DBPort),
			zap.String("database", cfg.DBName),
		)
		st = db.NewRepository(database, logger)
		health["database"] = database.Health
	}

	// Redis backs idempotency, rate limiting and in-app fan-out. Without it
	// the API still works and in-app deliveries are only stored.
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient, err = redis.New(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, idempotency and live stream disabled",
				zap.Error(err),
				zap.String("host", cfg.RedisHost),
			)
			redisClient = nil
		} else {
			defer redisClient.Close()
			health["redis"] = redisClient.Ping
		}
	}

	var (
		idempotency *redis.IdempotencyService
		rateLimiter *redis.RateLimiter
		notifier    *redis.Notifier
	)
	if redisClient != nil {
		idempotency = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:       cfg.RateLimit,
			Window:      cfg.RateLimitWindow,
			ScopeLimits: map[redis.Scope]int{redis.ScopeIP: cfg.RateLimitIP},
		})
		notifier = redis.NewNotifier(redisClient, logger)
	}

	sender, err := buildSenders(ctx, cfg, st, notifier, logger)
	if err != nil {
		return err
	}

	sched := scheduler.New(st, logger, scheduler.WithMaxAttempts(cfg.MaxAttempts))
	service := notify.NewService(st, sched, logger, notify.WithLocation(cfg.Location()))

	w := worker.New(st, sender, worker.Config{
		PollInterval:        cfg.WorkerPollInterval,
		BatchSize:           cfg.WorkerBatchSize,
		Concurrency:         cfg.WorkerConcurrency,
		SendTimeout:         cfg.SendTimeout,
		FailFastUnavailable: cfg.FailFastUnavailable,
	}, logger)

	aggregator := analytics.New(st, analytics.Config{
		Interval: cfg.AnalyticsInterval,
		Location: cfg.Location(),
	}, logger)

	sweeper := retention.New(st, retention.Config{
		Interval:            cfg.RetentionInterval,
		NotificationHorizon: cfg.NotificationHorizon,
		QueueHorizon:        cfg.QueueHorizon,
		ClaimLease:          cfg.ClaimLease,
	}, logger)

	source, err := buildSource(ctx, cfg, ingest.NewHandler(service, logger), logger)
	if err != nil {
		return err
	}

	handler := api.NewHandler(logger, service, aggregator,
		api.WithIdempotency(idempotency),
		api.WithNotifier(notifier),
	)

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Port),
		Handler: api.NewRouter(api.RouterConfig{
			Handler: handler,
			Limiter: rateLimiter,
			Logger:  logger,
			Health:  health,
		}),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logger.Info("server stopped gracefully")
		return nil
	})

	g.Go(func() error {
		w.Start(gctx)
		return nil
	})
	g.Go(func() error {
		aggregator.Start(gctx)
		return nil
	})
	g.Go(func() error {
		sweeper.Start(gctx)
		return nil
	})
	if source != nil {
		g.Go(func() error {
			defer source.Close()
			return source.Run(gctx)
		})
	}

	g.Go(func() error {
		reportConnections(gctx, database, redisClient)
		return nil
	})

	logger.Info("background workers started",
		zap.Duration("poll_interval", cfg.WorkerPollInterval),
		zap.Int("max_attempts", cfg.MaxAttempts),
	)

	return g.Wait()
}

// buildSenders assembles the channel adapters. Email, push and sms go
// through a circuit breaker per provider; providers that are not configured
// are replaced by a sender that only logs.
func buildSenders(ctx context.Context, cfg *config.Config, contacts worker.Contacts, notifier *redis.Notifier, logger *zap.Logger) (worker.Sender, error) {
	var senders []worker.Sender

	if notifier != nil {
		senders = append(senders, worker.NewInAppSender(notifier, logger))
	} else {
		senders = append(senders, worker.NewLogSender(logger, nil, db.ChannelInApp))
	}

	breaker := func(name string) *circuitbreaker.CircuitBreaker {
		bc := circuitbreaker.DefaultConfig(name)
		bc.MaxFailures = cfg.BreakerMaxFailures
		bc.RecoveryTimeout = cfg.BreakerTimeout
		bc.OnStateChange = func(name string, _, to circuitbreaker.State) {
			metrics.SetBreakerState(name, int(to))
		}
		return circuitbreaker.New(bc, logger)
	}

	if cfg.SESFromEmail != "" {
		ses, err := worker.NewSESSender(ctx, worker.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
			Endpoint:  cfg.AWSEndpoint,
		}, contacts, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES email sender: %w", err)
		}
		senders = append(senders, circuitbreaker.NewProtectedSender(ses, breaker("ses"), logger, worker.ErrChannelUnavailable))
	} else {
		logger.Warn("SES_FROM_EMAIL not set, email deliveries are logged only")
		senders = append(senders, worker.NewLogSender(logger, contacts, db.ChannelEmail))
	}

	if cfg.SNSEnabled {
		sns, err := worker.NewSNSSender(ctx, worker.SNSConfig{
			Region:   cfg.SNSRegion,
			Endpoint: cfg.AWSEndpoint,
		}, contacts, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SNS sender: %w", err)
		}
		senders = append(senders, circuitbreaker.NewProtectedSender(sns, breaker("sns"), logger, worker.ErrChannelUnavailable))
	} else {
		logger.Warn("SNS disabled, push and sms deliveries are logged only")
		senders = append(senders, worker.NewLogSender(logger, contacts, db.ChannelPush, db.ChannelSMS))
	}

	logger.Info("initialized multi-channel notification system",
		zap.Bool("in_app_live", notifier != nil),
		zap.Bool("email_enabled", cfg.SESFromEmail != ""),
		zap.Bool("sns_enabled", cfg.SNSEnabled),
	)

	return worker.NewMultiSender(logger, senders...), nil
}

// eventSource is an external feed of notification requests.
type eventSource interface {
	Run(ctx context.Context) error
	Close() error
}

func buildSource(ctx context.Context, cfg *config.Config, handler *ingest.Handler, logger *zap.Logger) (eventSource, error) {
	switch cfg.EventSource {
	case "sqs":
		src, err := ingest.NewSQSSource(ctx, ingest.SQSConfig{
			Region:     cfg.SQSRegion,
			QueueURL:   cfg.SQSQueueURL,
			Endpoint:   cfg.AWSEndpoint,
			WaitTime:   cfg.SQSWaitTime,
			RetryDelay: cfg.SQSRetryDelay,
		}, handler, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create sqs source: %w", err)
		}
		return src, nil
	case "amqp":
		src, err := ingest.NewAMQPSource(ctx, ingest.AMQPConfig{
			URL:      cfg.AMQPURL,
			Exchange: cfg.AMQPExchange,
			Queue:    cfg.AMQPQueue,
			Prefetch: cfg.AMQPPrefetch,
		}, handler, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create amqp source: %w", err)
		}
		return src, nil
	default:
		return nil, nil
	}
}

// reportConnections updates the connection gauges every 15 seconds.
func reportConnections(ctx context.Context, database *db.DB, redisClient *redis.Client) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		if database != nil {
			metrics.SetDBConnections(database.AcquiredConns())
		}
		if redisClient != nil {
			metrics.SetRedisConnections(redisClient.TotalConns())
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
