package retention

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/metrics"
)

// Store is the persistence the sweeper cleans.
type Store interface {
	PurgeReadNotifications(ctx context.Context, before time.Time) (int, error)
	PurgeQueueEntries(ctx context.Context, before time.Time) (int, error)
	ReleaseStaleClaims(ctx context.Context, before, now time.Time) (released, failed int, err error)
}

type Config struct {
	Interval time.Duration
	// NotificationHorizon is how long a read notification is kept after it was read.
	NotificationHorizon time.Duration
	// QueueHorizon is how long a queue entry is kept after it was created,
	// whatever its status. It is independent of the notification horizon.
	QueueHorizon time.Duration
	// ClaimLease is how long an entry may stay in processing before it is
	// considered abandoned by a crashed processor.
	ClaimLease time.Duration
}

// Sweeper purges old data and recovers abandoned claims.
type Sweeper struct {
	store  Store
	config Config
	logger *zap.Logger
	now    func() time.Time
}

// Result reports what one pass removed or recovered.
type Result struct {
	Notifications int
	QueueEntries  int
	Released      int
	Failed        int
}

func New(store Store, cfg Config, logger *zap.Logger) *Sweeper {
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	if cfg.NotificationHorizon == 0 {
		cfg.NotificationHorizon = 90 * 24 * time.Hour
	}
	if cfg.QueueHorizon == 0 {
		cfg.QueueHorizon = 30 * 24 * time.Hour
	}
	if cfg.ClaimLease == 0 {
		cfg.ClaimLease = 10 * time.Minute
	}
	return &Sweeper{
		store:  store,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retention sweeper stopping")
			return
		case <-ticker.C:
			res, err := s.Run(ctx, s.now())
			if err != nil {
				s.logger.Error("retention pass failed", zap.Error(err))
				continue
			}
			if res != (Result{}) {
				s.logger.Info("retention pass complete",
					zap.Int("notifications_purged", res.Notifications),
					zap.Int("queue_entries_purged", res.QueueEntries),
					zap.Int("claims_released", res.Released),
					zap.Int("claims_failed", res.Failed),
				)
			}
		}
	}
}

// Run performs one pass: stale claim recovery, then both purges.
func (s *Sweeper) Run(ctx context.Context, now time.Time) (Result, error) {
	var res Result
	var err error

	res.Released, res.Failed, err = s.store.ReleaseStaleClaims(ctx, now.Add(-s.config.ClaimLease), now)
	if err != nil {
		return res, fmt.Errorf("release stale claims: %w", err)
	}
	metrics.RecordRetention("claims_released", res.Released)
	metrics.RecordRetention("claims_failed", res.Failed)

	res.Notifications, err = s.store.PurgeReadNotifications(ctx, now.Add(-s.config.NotificationHorizon))
	if err != nil {
		return res, fmt.Errorf("purge read notifications: %w", err)
	}
	metrics.RecordRetention("notifications", res.Notifications)

	res.QueueEntries, err = s.store.PurgeQueueEntries(ctx, now.Add(-s.config.QueueHorizon))
	if err != nil {
		return res, fmt.Errorf("purge queue entries: %w", err)
	}
	metrics.RecordRetention("queue_entries", res.QueueEntries)

	return res, nil
}
