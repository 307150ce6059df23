package db

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const queueColumns = `
	id, seq, notification_id, channel, batch_type, status, scheduled_for,
	attempts, max_attempts, error_message, processed_at, claimed_at,
	created_at, updated_at`

// CreateQueueEntries inserts entries in order so that seq follows
// insertion order.
func (r *Repository) CreateQueueEntries(ctx context.Context, entries []*QueueEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			INSERT INTO notification_queue (
				id, notification_id, channel, batch_type, status, scheduled_for,
				attempts, max_attempts, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
			RETURNING seq
		`,
			e.ID,
			e.NotificationID,
			string(e.Channel),
			string(e.BatchType),
			string(e.Status),
			e.ScheduledFor,
			e.Attempts,
			e.MaxAttempts,
			e.CreatedAt,
		).QueryRow(func(row pgx.Row) error {
			return row.Scan(&e.Seq)
		})
	}

	if err := r.db.Pool().SendBatch(ctx, batch).Close(); err != nil {
		r.logger.Error("failed to create queue entries",
			zap.Error(err),
			zap.String("notification_id", entries[0].NotificationID.String()),
		)
		return fmt.Errorf("insert queue entries: %w", err)
	}

	return nil
}

// ClaimDueEntries atomically moves up to limit due entries to processing and
// counts the attempt. SKIP LOCKED lets concurrent processors claim disjoint
// sets without waiting on each other.
func (r *Repository) ClaimDueEntries(ctx context.Context, now time.Time, limit int) ([]*QueueEntry, error) {
	query := `
		UPDATE notification_queue q
		SET status = 'processing', attempts = q.attempts + 1, claimed_at = $1, updated_at = $1
		FROM (
			SELECT id FROM notification_queue
			WHERE status = 'pending' AND scheduled_for <= $1 AND attempts < max_attempts
			ORDER BY scheduled_for, seq
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		) due
		WHERE q.id = due.id
		RETURNING q.id, q.seq, q.notification_id, q.channel, q.batch_type, q.status,
			q.scheduled_for, q.attempts, q.max_attempts, q.error_message, q.processed_at,
			q.claimed_at, q.created_at, q.updated_at
	`

	rows, err := r.db.Pool().Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due entries: %w", err)
	}
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	// RETURNING order is unspecified.
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].ScheduledFor.Equal(entries[j].ScheduledFor) {
			return entries[i].ScheduledFor.Before(entries[j].ScheduledFor)
		}
		return entries[i].Seq < entries[j].Seq
	})

	return entries, nil
}

// CompleteEntry marks a claimed entry delivered.
func (r *Repository) CompleteEntry(ctx context.Context, id uuid.UUID, now time.Time) error {
	return r.finishEntry(ctx, `
		UPDATE notification_queue
		SET status = 'completed', error_message = NULL, processed_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'processing'
	`, id, now)
}

// RetryEntry returns a claimed entry to pending for a later pass.
func (r *Repository) RetryEntry(ctx context.Context, id uuid.UUID, errMsg string, now time.Time) error {
	return r.finishEntry(ctx, `
		UPDATE notification_queue
		SET status = 'pending', error_message = $3, updated_at = $2
		WHERE id = $1 AND status = 'processing'
	`, id, now, errMsg)
}

// FailEntry marks a claimed entry terminally failed.
func (r *Repository) FailEntry(ctx context.Context, id uuid.UUID, errMsg string, now time.Time) error {
	return r.finishEntry(ctx, `
		UPDATE notification_queue
		SET status = 'failed', error_message = $3, processed_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'processing'
	`, id, now, errMsg)
}

// SkipEntry closes a claimed entry without dispatching it. reason is kept
// in error_message.
func (r *Repository) SkipEntry(ctx context.Context, id uuid.UUID, reason string, now time.Time) error {
	return r.finishEntry(ctx, `
		UPDATE notification_queue
		SET status = 'skipped', error_message = $3, processed_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'processing'
	`, id, now, reason)
}

func (r *Repository) finishEntry(ctx context.Context, query string, id uuid.UUID, args ...any) error {
	result, err := r.db.Pool().Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("update queue entry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("claimed queue entry %s: %w", id, ErrNotFound)
	}
	return nil
}

// ReleaseStaleClaims returns entries claimed before cutoff to pending, or
// fails them when their attempts are exhausted.
func (r *Repository) ReleaseStaleClaims(ctx context.Context, before, now time.Time) (released, failed int, err error) {
	rows, err := r.db.Pool().Query(ctx, `
		UPDATE notification_queue
		SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
			processed_at = CASE WHEN attempts >= max_attempts THEN $2 ELSE processed_at END,
			error_message = 'claim lease expired',
			updated_at = $2
		WHERE status = 'processing' AND claimed_at < $1
		RETURNING status
	`, before, now)
	if err != nil {
		return 0, 0, fmt.Errorf("release stale claims: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return 0, 0, fmt.Errorf("scan released status: %w", err)
		}
		if status == string(QueueFailed) {
			failed++
		} else {
			released++
		}
	}
	return released, failed, rows.Err()
}

// PurgeQueueEntries deletes entries created before cutoff, whatever their status.
func (r *Repository) PurgeQueueEntries(ctx context.Context, before time.Time) (int, error) {
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM notification_queue WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge queue entries: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// ListQueueEntries returns the entries of one notification in insertion order.
func (r *Repository) ListQueueEntries(ctx context.Context, notificationID uuid.UUID) ([]*QueueEntry, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT `+queueColumns+` FROM notification_queue WHERE notification_id = $1 ORDER BY seq`,
		notificationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query queue entries: %w", err)
	}
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanQueueEntry(row pgx.Row) (*QueueEntry, error) {
	var e QueueEntry
	err := row.Scan(
		&e.ID,
		&e.Seq,
		&e.NotificationID,
		&e.Channel,
		&e.BatchType,
		&e.Status,
		&e.ScheduledFor,
		&e.Attempts,
		&e.MaxAttempts,
		&e.ErrorMessage,
		&e.ProcessedAt,
		&e.ClaimedAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
