package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/metrics"
)

// Repository is the queue and notification persistence the worker needs.
type Repository interface {
	ClaimDueEntries(ctx context.Context, now time.Time, limit int) ([]*db.QueueEntry, error)
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	CompleteEntry(ctx context.Context, id uuid.UUID, now time.Time) error
	RetryEntry(ctx context.Context, id uuid.UUID, errMsg string, now time.Time) error
	FailEntry(ctx context.Context, id uuid.UUID, errMsg string, now time.Time) error
	SkipEntry(ctx context.Context, id uuid.UUID, reason string, now time.Time) error
	MarkDelivered(ctx context.Context, id uuid.UUID, channel db.Channel, now time.Time) error
}

// Worker is the queue processor. Each pass claims due entries and
// dispatches every one independently through its channel's sender.
type Worker struct {
	repo   Repository
	sender Sender
	config Config
	logger *zap.Logger
	now    func() time.Time
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	// Concurrency bounds the deliveries in flight within one pass.
	Concurrency int
	// SendTimeout bounds each sender call; a timeout counts as a failure.
	SendTimeout time.Duration
	// FailFastUnavailable fails an entry on ErrChannelUnavailable instead
	// of spending the remaining attempts on it.
	FailFastUnavailable bool
}

// Result summarizes one processing pass.
type Result struct {
	Claimed   int
	Completed int
	Retried   int
	Failed    int
	Skipped   int
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeRetried
	outcomeFailed
	outcomeSkipped
)

func New(repo Repository, sender Sender, cfg Config, logger *zap.Logger) *Worker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 10
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 30 * time.Second
	}

	return &Worker{
		repo:   repo,
		sender: sender,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return
		case <-ticker.C:
			res, err := w.ProcessDue(ctx, w.now())
			if err != nil {
				w.logger.Error("failed to process due entries", zap.Error(err))
				continue
			}
			if res.Claimed > 0 {
				w.logger.Info("processed due entries",
					zap.Int("claimed", res.Claimed),
					zap.Int("completed", res.Completed),
					zap.Int("retried", res.Retried),
					zap.Int("failed", res.Failed),
					zap.Int("skipped", res.Skipped),
				)
			}
		}
	}
}

// ProcessDue claims up to BatchSize entries due at now and runs each to a
// terminal per-attempt outcome. Claimed entries are finished even if ctx
// is cancelled mid-pass.
func (w *Worker) ProcessDue(ctx context.Context, now time.Time) (Result, error) {
	entries, err := w.repo.ClaimDueEntries(ctx, now, w.config.BatchSize)
	if err != nil {
		return Result{}, fmt.Errorf("claim due entries: %w", err)
	}
	metrics.RecordClaimed(len(entries))

	res := Result{Claimed: len(entries)}
	if len(entries) == 0 {
		return res, nil
	}

	// Deliveries outlive shutdown; only SendTimeout bounds them.
	runCtx := context.WithoutCancel(ctx)

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(w.config.Concurrency)
	for _, entry := range entries {
		g.Go(func() error {
			o := w.processEntry(runCtx, entry, now)
			mu.Lock()
			defer mu.Unlock()
			switch o {
			case outcomeCompleted:
				res.Completed++
			case outcomeRetried:
				res.Retried++
			case outcomeFailed:
				res.Failed++
			case outcomeSkipped:
				res.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()

	return res, nil
}

func (w *Worker) processEntry(ctx context.Context, entry *db.QueueEntry, now time.Time) outcome {
	log := w.logger.With(
		zap.String("entry_id", entry.ID.String()),
		zap.String("notification_id", entry.NotificationID.String()),
		zap.String("channel", string(entry.Channel)),
		zap.Int("attempt", entry.Attempts),
	)

	notif, err := w.repo.GetNotification(ctx, entry.NotificationID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		log.Info("skipping orphaned queue entry")
		return w.skip(ctx, entry, now, log, "orphaned")
	case err != nil:
		return w.handleFailure(ctx, entry, now, log, fmt.Errorf("load notification: %w", err))
	case notif.IsExpired(now):
		log.Info("skipping expired notification")
		return w.skip(ctx, entry, now, log, "expired")
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.config.SendTimeout)
	err = w.sender.Send(sendCtx, entry.Channel, notif)
	cancel()
	if err != nil {
		return w.handleFailure(ctx, entry, now, log, err)
	}

	if err := w.repo.CompleteEntry(ctx, entry.ID, now); err != nil {
		log.Error("failed to complete queue entry", zap.Error(err))
	}
	if err := w.repo.MarkDelivered(ctx, notif.ID, entry.Channel, now); err != nil {
		// Deleted after dispatch; the entry is already complete.
		log.Warn("failed to mark notification delivered", zap.Error(err))
	}

	metrics.RecordDelivery(string(entry.Channel), "completed")
	metrics.RecordDeliveryLatency(string(entry.Channel), w.now().Sub(entry.ScheduledFor))
	log.Debug("notification delivered")
	return outcomeCompleted
}

func (w *Worker) skip(ctx context.Context, entry *db.QueueEntry, now time.Time, log *zap.Logger, reason string) outcome {
	if err := w.repo.SkipEntry(ctx, entry.ID, reason, now); err != nil {
		log.Error("failed to close skipped queue entry", zap.Error(err))
	}
	metrics.RecordDelivery(string(entry.Channel), reason)
	return outcomeSkipped
}

// handleFailure records a failed attempt. The notification itself is never
// touched; other channels of the same notification are unaffected.
func (w *Worker) handleFailure(ctx context.Context, entry *db.QueueEntry, now time.Time, log *zap.Logger, sendErr error) outcome {
	errMsg := sendErr.Error()

	exhausted := entry.Attempts >= entry.MaxAttempts
	unavailable := w.config.FailFastUnavailable && errors.Is(sendErr, ErrChannelUnavailable)

	if exhausted || unavailable {
		if err := w.repo.FailEntry(ctx, entry.ID, errMsg, now); err != nil {
			log.Error("failed to mark queue entry failed", zap.Error(err))
		}
		log.Warn("delivery failed permanently", zap.Error(sendErr))
		metrics.RecordDelivery(string(entry.Channel), "failed")
		return outcomeFailed
	}

	if err := w.repo.RetryEntry(ctx, entry.ID, errMsg, now); err != nil {
		log.Error("failed to return queue entry to pending", zap.Error(err))
	}
	log.Info("delivery failed, will retry", zap.Error(sendErr))
	metrics.RecordDelivery(string(entry.Channel), "retry")
	return outcomeRetried
}
