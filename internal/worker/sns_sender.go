package worker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// snsAPI is the part of the SNS client the sender uses.
type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSender delivers the push and sms channels through AWS SNS. Push
// tokens are SNS platform endpoint ARNs.
type SNSSender struct {
	client   snsAPI
	contacts Contacts
	logger   *zap.Logger
}

type SNSConfig struct {
	Region string
	// Endpoint overrides the SNS endpoint (LocalStack).
	Endpoint string
}

// NewSNSSender creates a new SNS sender for push and SMS notifications
func NewSNSSender(ctx context.Context, cfg SNSConfig, contacts Contacts, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &SNSSender{
		client:   client,
		contacts: contacts,
		logger:   logger,
	}, nil
}

// Send publishes the notification to the recipient's device or phone.
func (s *SNSSender) Send(ctx context.Context, channel db.Channel, notif *db.Notification) error {
	if !s.SupportsChannel(channel) {
		return fmt.Errorf("SNS sender only supports push and sms, got: %s", channel)
	}

	pref, err := lookupContact(ctx, s.contacts, notif.RecipientID)
	if err != nil {
		return err
	}

	input := &sns.PublishInput{
		MessageAttributes: map[string]types.MessageAttributeValue{
			"notification_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(notif.ID.String()),
			},
			"type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(notif.Type)),
			},
		},
	}

	addr, err := contactAddress(pref, channel)
	if err != nil {
		return err
	}

	switch channel {
	case db.ChannelPush:
		input.TargetArn = aws.String(addr)
		input.Subject = aws.String(notif.Title)
		input.Message = aws.String(notif.Message)
	case db.ChannelSMS:
		input.PhoneNumber = aws.String(addr)
		input.Message = aws.String(notif.Title + ": " + notif.Message)
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("notification sent via SNS",
		zap.String("id", notif.ID.String()),
		zap.String("channel", string(channel)),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

// SupportsChannel checks if this sender supports the channel
func (s *SNSSender) SupportsChannel(channel db.Channel) bool {
	return channel == db.ChannelPush || channel == db.ChannelSMS
}
