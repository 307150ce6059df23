package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Producer publishes notification requests to the ingest queue. Domain
// modules use it instead of calling the service directly.
type Producer struct {
	client   sqsAPI
	queueURL string
	logger   *zap.Logger
}

func NewProducer(ctx context.Context, cfg SQSConfig, logger *zap.Logger) (*Producer, error) {
	client, err := newSQSClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Producer{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// Publish sends one event. An empty EventID is filled in.
// Returns the SQS message ID for tracking.
func (p *Producer) Publish(ctx context.Context, ev Event) (string, error) {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	result, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(ev.EventID),
			},
			"type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(ev.Type)),
			},
		},
	})
	if err != nil {
		p.logger.Error("failed to send event to sqs",
			zap.Error(err),
			zap.String("event_id", ev.EventID),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// PublishBatch sends events one by one, skipping failures, and returns the
// IDs of the messages that were sent.
func (p *Producer) PublishBatch(ctx context.Context, events []Event) []string {
	messageIDs := make([]string, 0, len(events))
	for _, ev := range events {
		msgID, err := p.Publish(ctx, ev)
		if err != nil {
			p.logger.Warn("failed to publish event", zap.Error(err))
			continue
		}
		messageIDs = append(messageIDs, msgID)
	}
	return messageIDs
}
