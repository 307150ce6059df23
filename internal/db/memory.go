package db

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process implementation of every store the pipeline
// uses. Claims are atomic under the store mutex, so several processors in
// one process never dispatch the same entry; across processes it assumes a
// single writer.
type MemoryStore struct {
	mu            sync.Mutex
	notifications map[uuid.UUID]*Notification
	preferences   map[uuid.UUID]*Preference
	queue         map[uuid.UUID]*QueueEntry
	buckets       map[bucketID]*AnalyticsBucket
	seq           int64
}

type bucketID struct {
	date    time.Time
	typ     Type
	channel Channel
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		notifications: make(map[uuid.UUID]*Notification),
		preferences:   make(map[uuid.UUID]*Preference),
		queue:         make(map[uuid.UUID]*QueueEntry),
		buckets:       make(map[bucketID]*AnalyticsBucket),
	}
}

func (s *MemoryStore) CreateNotification(_ context.Context, n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.notifications[n.ID]; ok {
		return fmt.Errorf("notification %s already exists", n.ID)
	}
	s.notifications[n.ID] = cloneNotification(n)
	return nil
}

func (s *MemoryStore) GetNotification(_ context.Context, id uuid.UUID) (*Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return cloneNotification(n), nil
}

func (s *MemoryStore) ListNotifications(_ context.Context, recipientID uuid.UUID, opts ListOptions, now time.Time) (*NotificationPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	page := &NotificationPage{}
	var matched []*Notification
	for _, n := range s.notifications {
		if n.RecipientID != recipientID || n.IsExpired(now) {
			continue
		}
		if !n.IsRead {
			page.Unread++
		}
		if opts.OnlyUnread && n.IsRead {
			continue
		}
		if len(opts.Types) > 0 && !slices.Contains(opts.Types, n.Type) {
			continue
		}
		matched = append(matched, n)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})
	page.Total = len(matched)

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	start := min(max(opts.Offset, 0), len(matched))
	end := min(start+limit, len(matched))
	for _, n := range matched[start:end] {
		page.Notifications = append(page.Notifications, cloneNotification(n))
	}
	return page, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, recipientID, id uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok || n.RecipientID != recipientID {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	n.MarkRead(now)
	return nil
}

func (s *MemoryStore) MarkAllRead(_ context.Context, recipientID uuid.UUID, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, n := range s.notifications {
		if n.RecipientID == recipientID && n.MarkRead(now) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) MarkDelivered(_ context.Context, id uuid.UUID, channel Channel, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	n.MarkDelivered(channel, now)
	return nil
}

func (s *MemoryStore) DeleteNotification(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.notifications[id]; !ok {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	delete(s.notifications, id)
	return nil
}

func (s *MemoryStore) PurgeReadNotifications(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, n := range s.notifications {
		if n.IsRead && n.ReadAt != nil && n.ReadAt.Before(before) {
			delete(s.notifications, id)
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) GetPreference(_ context.Context, recipientID uuid.UUID) (*Preference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.preferences[recipientID]
	if !ok {
		return nil, fmt.Errorf("preference %s: %w", recipientID, ErrNotFound)
	}
	return clonePreference(p), nil
}

func (s *MemoryStore) GetOrCreatePreference(_ context.Context, recipientID uuid.UUID, now time.Time) (*Preference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.preferences[recipientID]
	if !ok {
		p = DefaultPreference(recipientID, now)
		s.preferences[recipientID] = p
	}
	return clonePreference(p), nil
}

func (s *MemoryStore) UpdatePreference(_ context.Context, pref *Preference) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.preferences[pref.RecipientID]
	if !ok {
		return fmt.Errorf("preference %s: %w", pref.RecipientID, ErrNotFound)
	}
	p := clonePreference(pref)
	p.CreatedAt = existing.CreatedAt
	s.preferences[pref.RecipientID] = p
	return nil
}

func (s *MemoryStore) CreateQueueEntries(_ context.Context, entries []*QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if _, ok := s.queue[e.ID]; ok {
			return fmt.Errorf("queue entry %s already exists", e.ID)
		}
	}
	for _, e := range entries {
		s.seq++
		e.Seq = s.seq
		s.queue[e.ID] = cloneEntry(e)
	}
	return nil
}

func (s *MemoryStore) ClaimDueEntries(_ context.Context, now time.Time, limit int) ([]*QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*QueueEntry
	for _, e := range s.queue {
		if e.Status == QueuePending && !e.ScheduledFor.After(now) && e.Attempts < e.MaxAttempts {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ScheduledFor.Equal(due[j].ScheduledFor) {
			return due[i].ScheduledFor.Before(due[j].ScheduledFor)
		}
		return due[i].Seq < due[j].Seq
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*QueueEntry, 0, len(due))
	for _, e := range due {
		claimedAt := now
		e.Status = QueueProcessing
		e.Attempts++
		e.ClaimedAt = &claimedAt
		e.UpdatedAt = now
		claimed = append(claimed, cloneEntry(e))
	}
	return claimed, nil
}

func (s *MemoryStore) CompleteEntry(_ context.Context, id uuid.UUID, now time.Time) error {
	return s.finishEntry(id, func(e *QueueEntry) {
		processed := now
		e.Status = QueueCompleted
		e.ErrorMessage = nil
		e.ProcessedAt = &processed
		e.UpdatedAt = now
	})
}

func (s *MemoryStore) RetryEntry(_ context.Context, id uuid.UUID, errMsg string, now time.Time) error {
	return s.finishEntry(id, func(e *QueueEntry) {
		e.Status = QueuePending
		e.ErrorMessage = &errMsg
		e.UpdatedAt = now
	})
}

func (s *MemoryStore) FailEntry(_ context.Context, id uuid.UUID, errMsg string, now time.Time) error {
	return s.finishEntry(id, func(e *QueueEntry) {
		processed := now
		e.Status = QueueFailed
		e.ErrorMessage = &errMsg
		e.ProcessedAt = &processed
		e.UpdatedAt = now
	})
}

func (s *MemoryStore) SkipEntry(_ context.Context, id uuid.UUID, reason string, now time.Time) error {
	return s.finishEntry(id, func(e *QueueEntry) {
		processed := now
		e.Status = QueueSkipped
		e.ErrorMessage = &reason
		e.ProcessedAt = &processed
		e.UpdatedAt = now
	})
}

func (s *MemoryStore) finishEntry(id uuid.UUID, apply func(*QueueEntry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.queue[id]
	if !ok || e.Status != QueueProcessing {
		return fmt.Errorf("claimed queue entry %s: %w", id, ErrNotFound)
	}
	apply(e)
	return nil
}

func (s *MemoryStore) ReleaseStaleClaims(_ context.Context, before, now time.Time) (released, failed int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := "claim lease expired"
	for _, e := range s.queue {
		if e.Status != QueueProcessing || e.ClaimedAt == nil || !e.ClaimedAt.Before(before) {
			continue
		}
		e.ErrorMessage = &msg
		e.UpdatedAt = now
		if e.Attempts >= e.MaxAttempts {
			processed := now
			e.Status = QueueFailed
			e.ProcessedAt = &processed
			failed++
			continue
		}
		e.Status = QueuePending
		released++
	}
	return released, failed, nil
}

func (s *MemoryStore) PurgeQueueEntries(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, e := range s.queue {
		if e.CreatedAt.Before(before) {
			delete(s.queue, id)
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) ListQueueEntries(_ context.Context, notificationID uuid.UUID) ([]*QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []*QueueEntry
	for _, e := range s.queue {
		if e.NotificationID == notificationID {
			entries = append(entries, cloneEntry(e))
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, nil
}

func (s *MemoryStore) DeliveryStats(_ context.Context, from, to time.Time) ([]DeliveryStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKey := make(map[BucketKey]*DeliveryStat)
	for _, e := range s.queue {
		if e.Status != QueueCompleted && e.Status != QueueFailed {
			continue
		}
		if e.ProcessedAt == nil || e.ProcessedAt.Before(from) || !e.ProcessedAt.Before(to) {
			continue
		}
		n, ok := s.notifications[e.NotificationID]
		if !ok {
			continue
		}
		key := BucketKey{Type: n.Type, Channel: e.Channel}
		stat, ok := byKey[key]
		if !ok {
			stat = &DeliveryStat{Type: n.Type, Channel: e.Channel}
			byKey[key] = stat
		}
		switch e.Status {
		case QueueCompleted:
			stat.Delivered++
		case QueueFailed:
			stat.Failed++
		}
	}

	stats := make([]DeliveryStat, 0, len(byKey))
	for _, st := range byKey {
		stats = append(stats, *st)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Type != stats[j].Type {
			return stats[i].Type < stats[j].Type
		}
		return stats[i].Channel < stats[j].Channel
	})
	return stats, nil
}

func (s *MemoryStore) ReadCounts(_ context.Context, from, to time.Time) (map[Type]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[Type]int)
	for _, n := range s.notifications {
		if n.IsRead && !n.CreatedAt.Before(from) && n.CreatedAt.Before(to) {
			counts[n.Type]++
		}
	}
	return counts, nil
}

func (s *MemoryStore) UpsertBuckets(_ context.Context, buckets []*AnalyticsBucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range buckets {
		id := bucketID{date: DateOf(b.Date), typ: b.Type, channel: b.Channel}
		if existing, ok := s.buckets[id]; ok {
			b.TotalClicked = existing.TotalClicked
		} else {
			b.TotalClicked = 0
		}
		b.ComputeRates()
		stored := *b
		stored.Date = id.date
		s.buckets[id] = &stored
	}
	return nil
}

func (s *MemoryStore) RecordClick(_ context.Context, day time.Time, t Type, channel Channel, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := bucketID{date: DateOf(day), typ: t, channel: channel}
	b, ok := s.buckets[id]
	if !ok {
		b = &AnalyticsBucket{Date: id.date, Type: t, Channel: channel}
		s.buckets[id] = b
	}
	b.TotalClicked++
	b.ComputeRates()
	b.UpdatedAt = now
	return nil
}

func (s *MemoryStore) ListBuckets(_ context.Context, from, to time.Time) ([]*AnalyticsBucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from, to = DateOf(from), DateOf(to)
	var out []*AnalyticsBucket
	for id, b := range s.buckets {
		if id.date.Before(from) || id.date.After(to) {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		switch {
		case !out[i].Date.Equal(out[j].Date):
			return out[i].Date.Before(out[j].Date)
		case out[i].Type != out[j].Type:
			return out[i].Type < out[j].Type
		default:
			return out[i].Channel < out[j].Channel
		}
	})
	return out, nil
}

func cloneNotification(n *Notification) *Notification {
	cp := *n
	cp.Payload = maps.Clone(n.Payload)
	cp.DeliveryMethodsUsed = slices.Clone(n.DeliveryMethodsUsed)
	if n.ReadAt != nil {
		t := *n.ReadAt
		cp.ReadAt = &t
	}
	if n.ExpiresAt != nil {
		t := *n.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}

func clonePreference(p *Preference) *Preference {
	cp := *p
	cp.TypeSettings = maps.Clone(p.TypeSettings)
	return &cp
}

func cloneEntry(e *QueueEntry) *QueueEntry {
	cp := *e
	if e.ErrorMessage != nil {
		msg := *e.ErrorMessage
		cp.ErrorMessage = &msg
	}
	if e.ProcessedAt != nil {
		t := *e.ProcessedAt
		cp.ProcessedAt = &t
	}
	if e.ClaimedAt != nil {
		t := *e.ClaimedAt
		cp.ClaimedAt = &t
	}
	return &cp
}
