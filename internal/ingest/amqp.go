package ingest

import (
	"context"
	"fmt"
	"math"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQPConfig holds RabbitMQ settings.
type AMQPConfig struct {
	URL      string
	Exchange string
	Queue    string
	Prefetch int
	// HandleTimeout bounds the processing of one delivery.
	HandleTimeout time.Duration
	// DialAttempts is how many times to try connecting before giving up.
	DialAttempts int
}

// AMQPSource consumes notification requests from a topic exchange bound
// with RoutingKey.
type AMQPSource struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	config  AMQPConfig
	handler *Handler
	logger  *zap.Logger
}

func withAMQPDefaults(cfg AMQPConfig) AMQPConfig {
	if cfg.Exchange == "" {
		cfg.Exchange = "herald.events"
	}
	if cfg.Queue == "" {
		cfg.Queue = "herald.notifications"
	}
	if cfg.Prefetch == 0 {
		cfg.Prefetch = 10
	}
	if cfg.HandleTimeout == 0 {
		cfg.HandleTimeout = 10 * time.Second
	}
	if cfg.DialAttempts == 0 {
		cfg.DialAttempts = 5
	}
	return cfg
}

// NewAMQPSource connects, declares the exchange and queue, and binds them.
func NewAMQPSource(ctx context.Context, cfg AMQPConfig, handler *Handler, logger *zap.Logger) (*AMQPSource, error) {
	cfg = withAMQPDefaults(cfg)

	conn, err := dialWithRetry(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	if err := setupTopology(ch, cfg); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info("amqp source initialized",
		zap.String("exchange", cfg.Exchange),
		zap.String("queue", cfg.Queue),
	)

	return &AMQPSource{
		conn:    conn,
		ch:      ch,
		config:  cfg,
		handler: handler,
		logger:  logger,
	}, nil
}

func setupTopology(ch *amqp.Channel, cfg AMQPConfig) error {
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	q, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

// dialWithRetry connects with exponential backoff capped at a minute.
func dialWithRetry(ctx context.Context, cfg AMQPConfig, logger *zap.Logger) (*amqp.Connection, error) {
	var lastErr error
	for attempt := 1; attempt <= cfg.DialAttempts; attempt++ {
		conn, err := amqp.Dial(cfg.URL)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		sleep := min(time.Second*time.Duration(math.Pow(2, float64(attempt-1))), time.Minute)
		logger.Warn("amqp dial failed",
			zap.Int("attempt", attempt),
			zap.Duration("sleep", sleep),
			zap.Error(err),
		)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("amqp dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", cfg.DialAttempts, lastErr)
}

// Run consumes until ctx is cancelled or the broker closes the channel.
func (s *AMQPSource) Run(ctx context.Context) error {
	deliveries, err := s.ch.ConsumeWithContext(ctx, s.config.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}
	s.logger.Info("amqp source started", zap.String("queue", s.config.Queue))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("amqp source stopping")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("amqp delivery channel closed")
			}
			s.process(ctx, d)
		}
	}
}

// process acks handled deliveries and requeues failed ones.
func (s *AMQPSource) process(ctx context.Context, d amqp.Delivery) {
	if d.RoutingKey != RoutingKey {
		s.logger.Warn("no handler for routing key", zap.String("routing_key", d.RoutingKey))
		_ = d.Nack(false, false)
		return
	}

	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.HandleTimeout)
	err := s.handler.Handle(hctx, "amqp", d.Body)
	cancel()

	if err != nil {
		s.logger.Warn("event processing failed, requeueing",
			zap.String("message_id", d.MessageId),
			zap.Error(err),
		)
		if nackErr := d.Nack(false, true); nackErr != nil {
			s.logger.Error("amqp nack failed", zap.Error(nackErr))
		}
		return
	}
	if ackErr := d.Ack(false); ackErr != nil {
		s.logger.Error("amqp ack failed", zap.Error(ackErr))
	}
}

func (s *AMQPSource) Close() error {
	_ = s.ch.Close()
	return s.conn.Close()
}
