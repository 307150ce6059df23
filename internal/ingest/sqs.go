package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/metrics"
)

// sqsAPI is the part of the SQS client the source and producer use.
type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSConfig holds SQS configuration.
type SQSConfig struct {
	Region   string
	QueueURL string
	// Endpoint overrides the SQS endpoint (LocalStack).
	Endpoint string
	// WaitTime is the long poll duration, at most 20s.
	WaitTime time.Duration
	// VisibilityTimeout hides a received message from other consumers.
	VisibilityTimeout time.Duration
	// RetryDelay is how long a message that failed to process stays hidden
	// before it is redelivered.
	RetryDelay time.Duration
}

func newSQSClient(ctx context.Context, cfg SQSConfig) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// SQSSource long-polls an SQS queue and hands each message to a Handler.
type SQSSource struct {
	client  sqsAPI
	config  SQSConfig
	handler *Handler
	logger  *zap.Logger
}

func NewSQSSource(ctx context.Context, cfg SQSConfig, handler *Handler, logger *zap.Logger) (*SQSSource, error) {
	client, err := newSQSClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs source initialized",
		zap.String("queue_url", cfg.QueueURL),
	)
	return newSQSSource(client, cfg, handler, logger), nil
}

func newSQSSource(client sqsAPI, cfg SQSConfig, handler *Handler, logger *zap.Logger) *SQSSource {
	if cfg.WaitTime == 0 {
		cfg.WaitTime = 20 * time.Second
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = 60 * time.Second
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	return &SQSSource{
		client:  client,
		config:  cfg,
		handler: handler,
		logger:  logger,
	}
}

// Run polls until ctx is cancelled.
func (s *SQSSource) Run(ctx context.Context) error {
	s.logger.Info("sqs source started")
	for {
		if ctx.Err() != nil {
			s.logger.Info("sqs source stopping")
			return nil
		}

		n, err := s.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			s.logger.Error("sqs poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		if n > 0 {
			s.logger.Debug("sqs batch processed", zap.Int("messages", n))
		}
	}
}

// Close is a no-op; the SQS client holds no connection.
func (s *SQSSource) Close() error {
	return nil
}

// Poll receives one batch and processes it. Handled messages are deleted;
// failed ones are made visible again after RetryDelay.
func (s *SQSSource) Poll(ctx context.Context) (int, error) {
	result, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(s.config.QueueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     int32(s.config.WaitTime / time.Second),
		VisibilityTimeout:   int32(s.config.VisibilityTimeout / time.Second),
	})
	if err != nil {
		return 0, fmt.Errorf("sqs receive failed: %w", err)
	}

	metrics.SetIngestInFlight(len(result.Messages))
	defer metrics.SetIngestInFlight(0)

	for _, msg := range result.Messages {
		s.process(context.WithoutCancel(ctx), msg)
	}
	return len(result.Messages), nil
}

func (s *SQSSource) process(ctx context.Context, msg types.Message) {
	log := s.logger.With(zap.String("message_id", aws.ToString(msg.MessageId)))

	if err := s.handler.Handle(ctx, "sqs", []byte(aws.ToString(msg.Body))); err != nil {
		log.Warn("event processing failed, will retry", zap.Error(err))
		_, err := s.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
			QueueUrl:          aws.String(s.config.QueueURL),
			ReceiptHandle:     msg.ReceiptHandle,
			VisibilityTimeout: int32(s.config.RetryDelay / time.Second),
		})
		if err != nil {
			log.Error("sqs change visibility failed", zap.Error(err))
		}
		return
	}

	_, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(s.config.QueueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		// The event will be redelivered and create a duplicate notification.
		log.Error("sqs delete failed", zap.Error(err))
	}
}
