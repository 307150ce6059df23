package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// Sender mirrors the worker.Sender interface to avoid circular imports.
type Sender interface {
	Send(ctx context.Context, channel db.Channel, notif *db.Notification) error
	SupportsChannel(channel db.Channel) bool
}

// ProtectedSender wraps a provider-backed Sender (SES, SNS) with a breaker,
// so deliveries fail fast while the provider is down.
type ProtectedSender struct {
	sender  Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
	ignored []error
}

// NewProtectedSender wraps sender. Errors matching any of ignored are
// returned as-is and do not count for or against the provider; use it for
// errors raised before the provider is called.
func NewProtectedSender(sender Sender, breaker *CircuitBreaker, logger *zap.Logger, ignored ...error) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
		ignored: ignored,
	}
}

// Send returns an error wrapping ErrCircuitOpen without calling the
// provider while the circuit is open.
func (p *ProtectedSender) Send(ctx context.Context, channel db.Channel, notif *db.Notification) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected delivery",
			zap.String("breaker", p.breaker.Name()),
			zap.String("notification_id", notif.ID.String()),
			zap.String("channel", string(channel)),
		)
		return fmt.Errorf("%w: %s", ErrCircuitOpen, p.breaker.Name())
	}

	err := p.sender.Send(ctx, channel, notif)
	switch {
	case err == nil:
		p.breaker.RecordSuccess()
	case p.isIgnored(err):
		p.breaker.Cancel()
	case ctx.Err() != nil && errors.Is(err, ctx.Err()) && !errors.Is(ctx.Err(), context.DeadlineExceeded):
		// Shutdown, not the provider's fault.
		p.breaker.Cancel()
	default:
		p.breaker.RecordFailure(err)
	}
	return err
}

func (p *ProtectedSender) isIgnored(err error) bool {
	for _, target := range p.ignored {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (p *ProtectedSender) SupportsChannel(channel db.Channel) bool {
	return p.sender.SupportsChannel(channel)
}

func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
