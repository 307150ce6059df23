package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

var now = time.Date(2024, 6, 5, 12, 0, 0, 0, time.UTC)

func addNotification(t *testing.T, store *db.MemoryStore, created time.Time, readAt *time.Time) *db.Notification {
	t.Helper()
	n := &db.Notification{
		ID:          uuid.New(),
		RecipientID: uuid.New(),
		Title:       "t",
		Message:     "m",
		Type:        db.TypeAccount,
		Priority:    db.PriorityMedium,
		Status:      db.StatusPending,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
	if readAt != nil {
		n.MarkRead(*readAt)
	}
	if err := store.CreateNotification(context.Background(), n); err != nil {
		t.Fatal(err)
	}
	return n
}

func addEntry(t *testing.T, store *db.MemoryStore, notificationID uuid.UUID, created time.Time, status db.QueueStatus) *db.QueueEntry {
	t.Helper()
	e := &db.QueueEntry{
		ID:             uuid.New(),
		NotificationID: notificationID,
		Channel:        db.ChannelEmail,
		BatchType:      db.BatchImmediate,
		Status:         status,
		ScheduledFor:   created,
		MaxAttempts:    db.DefaultMaxAttempts,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
	if err := store.CreateQueueEntries(context.Background(), []*db.QueueEntry{e}); err != nil {
		t.Fatal(err)
	}
	return e
}

func ago(d time.Duration) *time.Time {
	t := now.Add(-d)
	return &t
}

const day = 24 * time.Hour

func TestRunPurgesByHorizon(t *testing.T) {
	store := db.NewMemoryStore()
	ctx := context.Background()

	oldRead := addNotification(t, store, now.Add(-100*day), ago(91*day))
	recentRead := addNotification(t, store, now.Add(-100*day), ago(89*day))
	oldUnread := addNotification(t, store, now.Add(-200*day), nil)

	oldEntry := addEntry(t, store, oldUnread.ID, now.Add(-31*day), db.QueuePending)
	recentEntry := addEntry(t, store, oldUnread.ID, now.Add(-29*day), db.QueueFailed)

	sweeper := New(store, Config{}, zap.NewNop())
	res, err := sweeper.Run(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if res.Notifications != 1 || res.QueueEntries != 1 {
		t.Fatalf("result = %+v, want one of each purged", res)
	}

	if _, err := store.GetNotification(ctx, oldRead.ID); !errors.Is(err, db.ErrNotFound) {
		t.Error("read notification past the horizon should be purged")
	}
	if _, err := store.GetNotification(ctx, recentRead.ID); err != nil {
		t.Error("recently read notification should be kept")
	}
	if _, err := store.GetNotification(ctx, oldUnread.ID); err != nil {
		t.Error("unread notifications are never purged")
	}

	entries, err := store.ListQueueEntries(ctx, oldUnread.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ID != recentEntry.ID {
		t.Errorf("entries = %v, want only %s (purged %s)", entries, recentEntry.ID, oldEntry.ID)
	}
}

func TestRunPurgesEntriesOfDeletedNotifications(t *testing.T) {
	store := db.NewMemoryStore()
	orphan := addEntry(t, store, uuid.New(), now.Add(-45*day), db.QueueCompleted)

	res, err := New(store, Config{}, zap.NewNop()).Run(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if res.QueueEntries != 1 {
		t.Fatalf("purged %d entries, want the orphan %s", res.QueueEntries, orphan.ID)
	}
}

func TestRunReleasesStaleClaims(t *testing.T) {
	store := db.NewMemoryStore()
	ctx := context.Background()
	n := addNotification(t, store, now.Add(-time.Hour), nil)

	fresh := addEntry(t, store, n.ID, now.Add(-time.Hour), db.QueuePending)
	exhausted := &db.QueueEntry{
		ID:             uuid.New(),
		NotificationID: n.ID,
		Channel:        db.ChannelPush,
		BatchType:      db.BatchImmediate,
		Status:         db.QueuePending,
		ScheduledFor:   now.Add(-time.Hour),
		Attempts:       db.DefaultMaxAttempts - 1,
		MaxAttempts:    db.DefaultMaxAttempts,
		CreatedAt:      now.Add(-time.Hour),
		UpdatedAt:      now.Add(-time.Hour),
	}
	if err := store.CreateQueueEntries(ctx, []*db.QueueEntry{exhausted}); err != nil {
		t.Fatal(err)
	}

	// Both claimed 20 minutes ago by a processor that never finished.
	claimed, err := store.ClaimDueEntries(ctx, now.Add(-20*time.Minute), 10)
	if err != nil || len(claimed) != 2 {
		t.Fatalf("claimed %d entries, err %v", len(claimed), err)
	}

	sweeper := New(store, Config{ClaimLease: 10 * time.Minute}, zap.NewNop())
	res, err := sweeper.Run(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if res.Released != 1 || res.Failed != 1 {
		t.Fatalf("result = %+v, want one released and one failed", res)
	}

	entries, _ := store.ListQueueEntries(ctx, n.ID)
	for _, e := range entries {
		switch e.ID {
		case fresh.ID:
			if e.Status != db.QueuePending {
				t.Errorf("fresh entry status = %s, want pending", e.Status)
			}
		case exhausted.ID:
			if e.Status != db.QueueFailed || e.Attempts != e.MaxAttempts || e.ProcessedAt == nil {
				t.Errorf("exhausted entry = %+v, want failed at max attempts", e)
			}
		}
	}
}

func TestRunKeepsLiveClaims(t *testing.T) {
	store := db.NewMemoryStore()
	ctx := context.Background()
	n := addNotification(t, store, now.Add(-time.Hour), nil)
	addEntry(t, store, n.ID, now.Add(-time.Hour), db.QueuePending)

	if _, err := store.ClaimDueEntries(ctx, now.Add(-time.Minute), 10); err != nil {
		t.Fatal(err)
	}

	res, err := New(store, Config{}, zap.NewNop()).Run(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if res.Released != 0 || res.Failed != 0 {
		t.Errorf("result = %+v, a claim inside its lease must be left alone", res)
	}
}

type failingStore struct {
	*db.MemoryStore
}

func (failingStore) PurgeReadNotifications(context.Context, time.Time) (int, error) {
	return 0, errors.New("connection reset")
}

func TestRunStoreError(t *testing.T) {
	_, err := New(failingStore{db.NewMemoryStore()}, Config{}, zap.NewNop()).Run(context.Background(), now)
	if err == nil {
		t.Fatal("expected store error")
	}
}
