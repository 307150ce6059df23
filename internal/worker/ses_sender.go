package worker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// sesAPI is the part of the SES client the sender uses.
type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESSender delivers the email channel through AWS SES.
type SESSender struct {
	client   sesAPI
	from     string
	contacts Contacts
	logger   *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
	// Endpoint overrides the SES endpoint (LocalStack).
	Endpoint string
}

func NewSESSender(ctx context.Context, cfg SESConfig, contacts Contacts, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}

	client := ses.NewFromConfig(awsCfg, func(o *ses.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &SESSender{
		client:   client,
		from:     cfg.FromEmail,
		contacts: contacts,
		logger:   logger,
	}, nil
}

// Send emails the notification to the address in the recipient's preferences.
func (s *SESSender) Send(ctx context.Context, channel db.Channel, notif *db.Notification) error {
	if channel != db.ChannelEmail {
		return fmt.Errorf("SES sender only supports email, got: %s", channel)
	}

	pref, err := lookupContact(ctx, s.contacts, notif.RecipientID)
	if err != nil {
		return err
	}
	to, err := contactAddress(pref, channel)
	if err != nil {
		return err
	}

	body := notif.Message
	if notif.ActionRef != "" {
		body += "\n\n" + notif.ActionRef
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(notif.Title),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
		Tags: []types.MessageTag{
			{Name: aws.String("notification_type"), Value: aws.String(string(notif.Type))},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Info("email sent via SES",
		zap.String("id", notif.ID.String()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

// SupportsChannel checks if this sender supports the email channel
func (s *SESSender) SupportsChannel(channel db.Channel) bool {
	return channel == db.ChannelEmail
}
