package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// Notifier fans in-app notifications out to live connections over Redis
// pub/sub, one channel per recipient.
type Notifier struct {
	client *Client
	logger *zap.Logger
}

func NewNotifier(client *Client, logger *zap.Logger) *Notifier {
	return &Notifier{client: client, logger: logger}
}

func inAppChannel(recipientID uuid.UUID) string {
	return "herald:inapp:" + recipientID.String()
}

// PublishInApp publishes the notification as JSON on the recipient's channel.
// Nobody listening is not an error.
func (n *Notifier) PublishInApp(ctx context.Context, notif *db.Notification) error {
	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	receivers, err := n.client.rdb.Publish(ctx, inAppChannel(notif.RecipientID), data).Result()
	if err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}

	n.logger.Debug("in-app notification published",
		zap.String("notification_id", notif.ID.String()),
		zap.Int64("receivers", receivers),
	)
	return nil
}

// Subscription is a live feed of one recipient's in-app notifications.
type Subscription struct {
	pubsub *redis.PubSub
}

// Subscribe opens a feed for recipientID. The subscription is confirmed by
// Redis before Subscribe returns.
func (n *Notifier) Subscribe(ctx context.Context, recipientID uuid.UUID) (*Subscription, error) {
	ps := n.client.rdb.Subscribe(ctx, inAppChannel(recipientID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe failed: %w", err)
	}
	return &Subscription{pubsub: ps}, nil
}

// Next blocks until the next notification payload arrives or ctx is done.
func (s *Subscription) Next(ctx context.Context) ([]byte, error) {
	msg, err := s.pubsub.ReceiveMessage(ctx)
	if err != nil {
		return nil, err
	}
	return []byte(msg.Payload), nil
}

func (s *Subscription) Close() error {
	return s.pubsub.Close()
}
