package analytics

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

var day = time.Date(2024, 6, 5, 0, 0, 0, 0, time.UTC)

type seeder struct {
	t     *testing.T
	store *db.MemoryStore
}

// notification stores a notification created at, optionally read.
func (s seeder) notification(typ db.Type, at time.Time, read bool) *db.Notification {
	s.t.Helper()
	n := &db.Notification{
		ID:          uuid.New(),
		RecipientID: uuid.New(),
		Title:       "t",
		Message:     "m",
		Type:        typ,
		Priority:    db.PriorityMedium,
		Status:      db.StatusPending,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
	if read {
		n.MarkRead(at.Add(time.Minute))
	}
	if err := s.store.CreateNotification(context.Background(), n); err != nil {
		s.t.Fatal(err)
	}
	return n
}

// outcome stores a queue entry of n that finished with status at processed.
func (s seeder) outcome(n *db.Notification, channel db.Channel, status db.QueueStatus, processed time.Time) {
	s.t.Helper()
	e := &db.QueueEntry{
		ID:             uuid.New(),
		NotificationID: n.ID,
		Channel:        channel,
		BatchType:      db.BatchImmediate,
		Status:         status,
		ScheduledFor:   n.CreatedAt,
		Attempts:       1,
		MaxAttempts:    db.DefaultMaxAttempts,
		CreatedAt:      n.CreatedAt,
		UpdatedAt:      processed,
	}
	if status == db.QueueCompleted || status == db.QueueFailed || status == db.QueueSkipped {
		e.ProcessedAt = &processed
	}
	if err := s.store.CreateQueueEntries(context.Background(), []*db.QueueEntry{e}); err != nil {
		s.t.Fatal(err)
	}
}

func bucketsByKey(t *testing.T, store *db.MemoryStore, from, to time.Time) map[db.BucketKey]*db.AnalyticsBucket {
	t.Helper()
	buckets, err := store.ListBuckets(context.Background(), from, to)
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[db.BucketKey]*db.AnalyticsBucket, len(buckets))
	for _, b := range buckets {
		out[db.BucketKey{Type: b.Type, Channel: b.Channel}] = b
	}
	return out
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestRollupCountsDay(t *testing.T) {
	store := db.NewMemoryStore()
	s := seeder{t, store}
	agg := New(store, Config{}, zap.NewNop())

	noon := day.Add(12 * time.Hour)
	read := s.notification(db.TypeOrderUpdate, noon, true)
	unread := s.notification(db.TypeOrderUpdate, noon, false)
	s.outcome(read, db.ChannelEmail, db.QueueCompleted, noon.Add(time.Minute))
	s.outcome(unread, db.ChannelEmail, db.QueueCompleted, noon.Add(time.Minute))
	s.outcome(read, db.ChannelPush, db.QueueFailed, noon.Add(time.Minute))
	s.outcome(unread, db.ChannelPush, db.QueueCompleted, noon.Add(time.Minute))

	// Outside the day or not terminal: ignored.
	s.outcome(unread, db.ChannelSMS, db.QueueCompleted, day.Add(-time.Second))
	s.outcome(unread, db.ChannelSMS, db.QueuePending, noon)

	n, err := agg.Rollup(context.Background(), noon)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("buckets written = %d, want 2", n)
	}

	got := bucketsByKey(t, store, day, day)
	email := got[db.BucketKey{Type: db.TypeOrderUpdate, Channel: db.ChannelEmail}]
	if email == nil {
		t.Fatal("missing email bucket")
	}
	if email.TotalSent != 2 || email.TotalDelivered != 2 || email.TotalFailed != 0 || email.TotalRead != 1 {
		t.Errorf("email bucket = %+v", email)
	}
	if !approx(email.DeliveryRate, 100) || !approx(email.ReadRate, 50) || email.ClickRate != 0 {
		t.Errorf("email rates = %v/%v/%v", email.DeliveryRate, email.ReadRate, email.ClickRate)
	}

	push := got[db.BucketKey{Type: db.TypeOrderUpdate, Channel: db.ChannelPush}]
	if push == nil {
		t.Fatal("missing push bucket")
	}
	if push.TotalSent != 2 || push.TotalDelivered != 1 || push.TotalFailed != 1 {
		t.Errorf("push bucket = %+v", push)
	}
	if !approx(push.DeliveryRate, 50) || !approx(push.ReadRate, 100) {
		t.Errorf("push rates = %v/%v", push.DeliveryRate, push.ReadRate)
	}
	if _, ok := got[db.BucketKey{Type: db.TypeOrderUpdate, Channel: db.ChannelSMS}]; ok {
		t.Error("sms outcomes fall outside the day")
	}
}

func TestRollupIgnoresSkippedEntries(t *testing.T) {
	store := db.NewMemoryStore()
	s := seeder{t, store}
	agg := New(store, Config{}, zap.NewNop())

	noon := day.Add(12 * time.Hour)
	sent := s.notification(db.TypePayment, noon, false)
	expired := s.notification(db.TypePayment, noon, false)
	s.outcome(sent, db.ChannelEmail, db.QueueCompleted, noon.Add(time.Minute))
	s.outcome(expired, db.ChannelEmail, db.QueueSkipped, noon.Add(time.Minute))
	s.outcome(expired, db.ChannelSMS, db.QueueSkipped, noon.Add(time.Minute))

	n, err := agg.Rollup(context.Background(), noon)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("buckets written = %d, want 1", n)
	}

	got := bucketsByKey(t, store, day, day)
	email := got[db.BucketKey{Type: db.TypePayment, Channel: db.ChannelEmail}]
	if email == nil {
		t.Fatal("missing email bucket")
	}
	if email.TotalSent != 1 || email.TotalDelivered != 1 || email.TotalFailed != 0 {
		t.Errorf("email bucket = %+v, skipped entries must not count as sent", email)
	}
	if _, ok := got[db.BucketKey{Type: db.TypePayment, Channel: db.ChannelSMS}]; ok {
		t.Error("a channel with only skipped entries must not get a bucket")
	}
}

func TestRollupIdempotent(t *testing.T) {
	store := db.NewMemoryStore()
	s := seeder{t, store}
	agg := New(store, Config{}, zap.NewNop())

	noon := day.Add(12 * time.Hour)
	n := s.notification(db.TypePayment, noon, true)
	s.outcome(n, db.ChannelInApp, db.QueueCompleted, noon)

	ctx := context.Background()
	if _, err := agg.Rollup(ctx, noon); err != nil {
		t.Fatal(err)
	}
	first := *bucketsByKey(t, store, day, day)[db.BucketKey{Type: db.TypePayment, Channel: db.ChannelInApp}]

	if _, err := agg.Rollup(ctx, noon); err != nil {
		t.Fatal(err)
	}
	second := *bucketsByKey(t, store, day, day)[db.BucketKey{Type: db.TypePayment, Channel: db.ChannelInApp}]

	first.UpdatedAt, second.UpdatedAt = time.Time{}, time.Time{}
	if first != second {
		t.Errorf("rerun changed bucket:\n first  %+v\n second %+v", first, second)
	}
	if second.TotalSent != 1 {
		t.Errorf("total_sent = %d, rerun must overwrite not accumulate", second.TotalSent)
	}
}

func TestRollupKeepsClicks(t *testing.T) {
	store := db.NewMemoryStore()
	s := seeder{t, store}
	agg := New(store, Config{}, zap.NewNop())
	ctx := context.Background()

	noon := day.Add(12 * time.Hour)
	n := s.notification(db.TypePromotional, noon, true)
	s.outcome(n, db.ChannelEmail, db.QueueCompleted, noon)

	if err := store.RecordClick(ctx, day, db.TypePromotional, db.ChannelEmail, noon); err != nil {
		t.Fatal(err)
	}
	if _, err := agg.Rollup(ctx, noon); err != nil {
		t.Fatal(err)
	}

	b := bucketsByKey(t, store, day, day)[db.BucketKey{Type: db.TypePromotional, Channel: db.ChannelEmail}]
	if b.TotalClicked != 1 || !approx(b.ClickRate, 100) {
		t.Errorf("bucket = %+v, want the recorded click kept", b)
	}
}

func TestRollupEmptyDay(t *testing.T) {
	agg := New(db.NewMemoryStore(), Config{}, zap.NewNop())

	n, err := agg.Rollup(context.Background(), day)
	if err != nil || n != 0 {
		t.Errorf("Rollup(empty) = %d, %v", n, err)
	}
}

func TestRollupUsesLocation(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skip("tzdata unavailable")
	}

	store := db.NewMemoryStore()
	s := seeder{t, store}
	agg := New(store, Config{Location: tokyo}, zap.NewNop())

	// 2024-06-05 20:00 UTC is already 2024-06-06 in Tokyo.
	at := day.Add(20 * time.Hour)
	n := s.notification(db.TypeShipping, at, false)
	s.outcome(n, db.ChannelPush, db.QueueCompleted, at)

	if _, err := agg.Rollup(context.Background(), at); err != nil {
		t.Fatal(err)
	}

	next := day.AddDate(0, 0, 1)
	if got := bucketsByKey(t, store, next, next); len(got) != 1 {
		t.Errorf("buckets on %s = %d, want 1", next.Format(time.DateOnly), len(got))
	}
	if got := bucketsByKey(t, store, day, day); len(got) != 0 {
		t.Errorf("buckets on %s = %d, want 0", day.Format(time.DateOnly), len(got))
	}
}

type failingStore struct {
	*db.MemoryStore
}

func (failingStore) DeliveryStats(context.Context, time.Time, time.Time) ([]db.DeliveryStat, error) {
	return nil, errors.New("connection reset")
}

func TestRollupStoreError(t *testing.T) {
	agg := New(failingStore{db.NewMemoryStore()}, Config{}, zap.NewNop())

	if _, err := agg.Rollup(context.Background(), day); err == nil {
		t.Fatal("expected store error")
	}
}

func TestReport(t *testing.T) {
	store := db.NewMemoryStore()
	ctx := context.Background()
	day2 := day.AddDate(0, 0, 1)

	err := store.UpsertBuckets(ctx, []*db.AnalyticsBucket{
		{Date: day, Type: db.TypeOrderUpdate, Channel: db.ChannelEmail, TotalSent: 4, TotalDelivered: 4, TotalRead: 2},
		{Date: day, Type: db.TypeOrderUpdate, Channel: db.ChannelPush, TotalSent: 4, TotalDelivered: 2, TotalFailed: 2, TotalRead: 2},
		{Date: day2, Type: db.TypePayment, Channel: db.ChannelEmail, TotalSent: 2, TotalDelivered: 2, TotalRead: 1},
		// Outside the range.
		{Date: day.AddDate(0, 0, 5), Type: db.TypePayment, Channel: db.ChannelEmail, TotalSent: 100},
	})
	if err != nil {
		t.Fatal(err)
	}

	agg := New(store, Config{}, zap.NewNop())
	report, err := agg.Report(ctx, day, day2)
	if err != nil {
		t.Fatal(err)
	}

	if report.From != "2024-06-05" || report.To != "2024-06-06" {
		t.Errorf("range = %s..%s", report.From, report.To)
	}

	totals := report.Totals
	if totals.TotalSent != 10 || totals.TotalDelivered != 8 || totals.TotalFailed != 2 {
		t.Errorf("totals = %+v", totals)
	}
	// order_update reads appear on both channels but count once.
	if totals.TotalRead != 3 {
		t.Errorf("total read = %d, want 3", totals.TotalRead)
	}
	if !approx(totals.DeliveryRate, 80) {
		t.Errorf("delivery rate = %v, want 80", totals.DeliveryRate)
	}

	if got := report.ByType[db.TypeOrderUpdate]; got.TotalSent != 8 || got.TotalRead != 2 {
		t.Errorf("order_update = %+v", got)
	}
	if got := report.ByChannel[db.ChannelEmail]; got.TotalSent != 6 || got.TotalRead != 3 {
		t.Errorf("email = %+v", got)
	}
	if got := report.ByChannel[db.ChannelPush]; got.TotalFailed != 2 || !approx(got.DeliveryRate, 50) {
		t.Errorf("push = %+v", got)
	}

	if len(report.Daily) != 2 {
		t.Fatalf("daily points = %d, want 2", len(report.Daily))
	}
	if report.Daily[0].Date != "2024-06-05" || report.Daily[0].TotalSent != 8 || report.Daily[0].TotalRead != 2 {
		t.Errorf("first day = %+v", report.Daily[0])
	}
	if report.Daily[1].Date != "2024-06-06" || report.Daily[1].TotalSent != 2 {
		t.Errorf("second day = %+v", report.Daily[1])
	}
}

func TestReportInvalidRange(t *testing.T) {
	agg := New(db.NewMemoryStore(), Config{}, zap.NewNop())

	if _, err := agg.Report(context.Background(), day, day.AddDate(0, 0, -1)); err == nil {
		t.Error("expected an error when to precedes from")
	}
}

func TestReportEmpty(t *testing.T) {
	agg := New(db.NewMemoryStore(), Config{}, zap.NewNop())

	report, err := agg.Report(context.Background(), day, day)
	if err != nil {
		t.Fatal(err)
	}
	if report.Totals.TotalSent != 0 || report.Totals.DeliveryRate != 0 || len(report.Daily) != 0 {
		t.Errorf("report = %+v", report)
	}
}
