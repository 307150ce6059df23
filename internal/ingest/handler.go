// Package ingest feeds notification requests published by domain modules
// on a message queue into the notification service.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/notify"
)

// RoutingKey is the AMQP routing key notification requests are published with.
const RoutingKey = "notification.create"

// Event is the message body: a notification request plus tracing fields.
type Event struct {
	notify.Request
	EventID string `json:"event_id,omitempty"`
	Source  string `json:"source,omitempty"`
}

// Creator is the inbound entry point events are handed to.
type Creator interface {
	CreateNotification(ctx context.Context, req notify.Request) (uuid.UUID, error)
}

// Handler decodes events and creates their notifications.
type Handler struct {
	creator Creator
	logger  *zap.Logger
}

func NewHandler(creator Creator, logger *zap.Logger) *Handler {
	return &Handler{creator: creator, logger: logger}
}

// Handle processes one message body. A nil return means the message is
// done with and should be acknowledged: malformed and invalid events are
// dropped because redelivery cannot fix them. Any other error means the
// message should be redelivered.
func (h *Handler) Handle(ctx context.Context, source string, body []byte) error {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		h.logger.Warn("dropping malformed event",
			zap.String("source", source),
			zap.Error(err),
		)
		metrics.RecordIngest(source, "malformed")
		return nil
	}

	log := h.logger.With(
		zap.String("source", source),
		zap.String("event_id", ev.EventID),
		zap.String("origin", ev.Source),
		zap.String("recipient_id", ev.RecipientID.String()),
	)

	id, err := h.creator.CreateNotification(ctx, ev.Request)
	switch {
	case notify.IsValidation(err):
		log.Warn("dropping invalid event", zap.Error(err))
		metrics.RecordIngest(source, "rejected")
		return nil
	case err != nil:
		metrics.RecordIngest(source, "error")
		return fmt.Errorf("create notification: %w", err)
	}

	log.Debug("event ingested", zap.String("notification_id", id.String()))
	metrics.RecordIngest(source, "created")
	return nil
}
