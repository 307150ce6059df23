package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// ErrChannelUnavailable means the recipient has no contact data for the
// channel (no email address, push token or phone number). Retrying cannot
// succeed until the recipient updates their preferences.
var ErrChannelUnavailable = errors.New("channel unavailable")

// Sender delivers a notification on one or more channels.
// Implementations: in-app (Redis), email (SES), push and sms (SNS).
type Sender interface {
	Send(ctx context.Context, channel db.Channel, notif *db.Notification) error
	SupportsChannel(channel db.Channel) bool
}

// Contacts looks up the delivery addresses a recipient has on file.
type Contacts interface {
	GetPreference(ctx context.Context, recipientID uuid.UUID) (*db.Preference, error)
}

func lookupContact(ctx context.Context, contacts Contacts, recipientID uuid.UUID) (*db.Preference, error) {
	pref, err := contacts.GetPreference(ctx, recipientID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: recipient %s has no preferences", ErrChannelUnavailable, recipientID)
	}
	if err != nil {
		return nil, fmt.Errorf("load contact details: %w", err)
	}
	return pref, nil
}

// contactAddress returns the recipient's address for channel: email
// address, SNS endpoint ARN or phone number. in_app needs none.
func contactAddress(pref *db.Preference, channel db.Channel) (string, error) {
	var addr, what string
	switch channel {
	case db.ChannelEmail:
		addr, what = pref.Email, "email address"
	case db.ChannelPush:
		addr, what = pref.PushToken, "push token"
	case db.ChannelSMS:
		addr, what = pref.Phone, "phone number"
	default:
		return "", nil
	}
	if addr == "" {
		return "", fmt.Errorf("%w: recipient %s has no %s", ErrChannelUnavailable, pref.RecipientID, what)
	}
	return addr, nil
}

// MultiSender routes a delivery to the first sender that supports its channel.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router that uses multiple underlying senders
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send routes the notification to the appropriate sender based on channel
func (m *MultiSender) Send(ctx context.Context, channel db.Channel, notif *db.Notification) error {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			m.logger.Debug("routing notification to sender",
				zap.String("channel", string(channel)),
				zap.String("notification_id", notif.ID.String()),
			)
			return sender.Send(ctx, channel, notif)
		}
	}

	return fmt.Errorf("no sender found for channel: %s", channel)
}

// SupportsChannel checks if any underlying sender supports the channel
func (m *MultiSender) SupportsChannel(channel db.Channel) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogSender logs deliveries instead of performing them (for development).
// It still requires the contact data a real provider would need, so a
// recipient without an email address is never marked delivered on email.
type LogSender struct {
	logger   *zap.Logger
	contacts Contacts
	channels []db.Channel
}

// NewLogSender creates a LogSender for channels, or for email, push and sms
// when none are given. contacts may be nil when only in_app is logged.
func NewLogSender(logger *zap.Logger, contacts Contacts, channels ...db.Channel) *LogSender {
	if len(channels) == 0 {
		channels = []db.Channel{db.ChannelEmail, db.ChannelPush, db.ChannelSMS}
	}
	return &LogSender{logger: logger, contacts: contacts, channels: channels}
}

func (s *LogSender) Send(ctx context.Context, channel db.Channel, notif *db.Notification) error {
	var addr string
	if channel != db.ChannelInApp && s.contacts != nil {
		pref, err := lookupContact(ctx, s.contacts, notif.RecipientID)
		if err != nil {
			return err
		}
		if addr, err = contactAddress(pref, channel); err != nil {
			return err
		}
	}

	s.logger.Info("logging notification (development mode)",
		zap.String("id", notif.ID.String()),
		zap.String("channel", string(channel)),
		zap.String("recipient_id", notif.RecipientID.String()),
		zap.String("address", addr),
		zap.String("title", notif.Title),
		zap.Any("payload", notif.Payload),
	)
	return nil
}

func (s *LogSender) SupportsChannel(channel db.Channel) bool {
	return slices.Contains(s.channels, channel)
}

// InAppPublisher pushes a notification to a recipient's live connections.
type InAppPublisher interface {
	PublishInApp(ctx context.Context, notif *db.Notification) error
}

// InAppSender handles the in_app channel. The notification is already
// stored and visible, so delivery always succeeds; live connections are
// told about it on a best-effort basis.
type InAppSender struct {
	publisher InAppPublisher
	logger    *zap.Logger
}

// NewInAppSender creates an in-app sender. publisher may be nil.
func NewInAppSender(publisher InAppPublisher, logger *zap.Logger) *InAppSender {
	return &InAppSender{publisher: publisher, logger: logger}
}

func (s *InAppSender) Send(ctx context.Context, channel db.Channel, notif *db.Notification) error {
	if s.publisher == nil {
		return nil
	}
	if err := s.publisher.PublishInApp(ctx, notif); err != nil {
		s.logger.Warn("failed to publish in-app notification",
			zap.String("notification_id", notif.ID.String()),
			zap.Error(err),
		)
	}
	return nil
}

func (s *InAppSender) SupportsChannel(channel db.Channel) bool {
	return channel == db.ChannelInApp
}
