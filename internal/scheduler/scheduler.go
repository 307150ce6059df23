// Package scheduler turns a new notification into queue entries, applying
// the recipient's preferences and email batching frequency.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// digestHour is the local hour at which daily and weekly digests go out.
const digestHour = 9

// Store is the persistence the scheduler needs.
type Store interface {
	GetOrCreatePreference(ctx context.Context, recipientID uuid.UUID, now time.Time) (*db.Preference, error)
	CreateQueueEntries(ctx context.Context, entries []*db.QueueEntry) error
}

// Scheduler decides which channels a notification goes out on and when.
type Scheduler struct {
	store       Store
	logger      *zap.Logger
	now         func() time.Time
	maxAttempts int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithMaxAttempts sets the retry budget given to new queue entries.
func WithMaxAttempts(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// New creates a scheduler.
func New(store Store, logger *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:       store,
		logger:      logger,
		now:         time.Now,
		maxAttempts: db.DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule creates one pending queue entry per requested channel the
// recipient accepts, and returns them. A notification no channel accepts
// yields no entries and no error.
func (s *Scheduler) Schedule(ctx context.Context, n *db.Notification, channels []db.Channel) ([]*db.QueueEntry, error) {
	now := s.now()

	pref, err := s.store.GetOrCreatePreference(ctx, n.RecipientID, now)
	if err != nil {
		return nil, fmt.Errorf("load preference: %w", err)
	}

	var entries []*db.QueueEntry
	seen := make(map[db.Channel]bool, len(channels))
	for _, channel := range channels {
		if seen[channel] {
			continue
		}
		seen[channel] = true

		if !ShouldReceive(pref, n.Type, channel, now) {
			s.logger.Debug("channel filtered by preference",
				zap.String("notification_id", n.ID.String()),
				zap.String("channel", string(channel)),
			)
			continue
		}

		batch, at := BatchTime(pref, channel, now)
		entries = append(entries, &db.QueueEntry{
			ID:             uuid.New(),
			NotificationID: n.ID,
			Channel:        channel,
			BatchType:      batch,
			Status:         db.QueuePending,
			ScheduledFor:   at,
			MaxAttempts:    s.maxAttempts,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	if len(entries) == 0 {
		s.logger.Info("notification has no eligible channels",
			zap.String("notification_id", n.ID.String()),
			zap.String("recipient_id", n.RecipientID.String()),
		)
		return nil, nil
	}

	if err := s.store.CreateQueueEntries(ctx, entries); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	s.logger.Debug("notification scheduled",
		zap.String("notification_id", n.ID.String()),
		zap.Int("entries", len(entries)),
	)
	return entries, nil
}

// ShouldReceive reports whether the recipient accepts a notification of
// type t on channel at now. Push and sms are suppressed during quiet hours.
func ShouldReceive(pref *db.Preference, t db.Type, channel db.Channel, now time.Time) bool {
	if !pref.TypeEnabled(t) || !pref.ChannelEnabled(channel) {
		return false
	}
	if channel.Interruptive() && pref.InQuietHours(now) {
		return false
	}
	return true
}

// BatchTime returns the batch type and delivery time for channel. Only
// email is batched; every other channel goes out immediately.
func BatchTime(pref *db.Preference, channel db.Channel, now time.Time) (db.BatchType, time.Time) {
	if channel != db.ChannelEmail {
		return db.BatchImmediate, now
	}

	local := now.In(pref.Location())
	switch pref.EmailFrequency {
	case db.FrequencyHourly:
		return db.BatchHourly, NextHour(local)
	case db.FrequencyDaily:
		return db.BatchDaily, NextDailyDigest(local)
	case db.FrequencyWeekly:
		return db.BatchWeekly, NextWeeklyDigest(local)
	default:
		return db.BatchImmediate, now
	}
}

// NextHour returns the start of the next wall-clock hour after t, in t's
// location. The step is taken in absolute time at t's UTC offset, so it is
// never more than an hour away across a DST change.
func NextHour(t time.Time) time.Time {
	_, offset := t.Zone()
	shift := time.Duration(offset) * time.Second
	return t.Add(shift).Truncate(time.Hour).Add(time.Hour - shift).In(t.Location())
}

// NextDailyDigest returns 09:00 on the calendar day after t, in t's location.
func NextDailyDigest(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, digestHour, 0, 0, 0, t.Location())
}

// NextWeeklyDigest returns 09:00 on the next Monday strictly after t's
// calendar day, in t's location. On a Monday it is the following Monday.
func NextWeeklyDigest(t time.Time) time.Time {
	days := (8 - int(t.Weekday())) % 7
	if days == 0 {
		days = 7
	}
	y, m, d := t.Date()
	return time.Date(y, m, d+days, digestHour, 0, 0, 0, t.Location())
}
