package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository is the PostgreSQL implementation of every store the pipeline uses.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new notification repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const notificationColumns = `
	id, recipient_id, title, message, type, priority, payload, action_ref,
	status, is_read, read_at, delivery_methods_used, expires_at,
	created_at, updated_at`

// CreateNotification inserts a new notification into the database
func (r *Repository) CreateNotification(ctx context.Context, notif *Notification) error {
	payload, err := json.Marshal(notif.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	query := `
		INSERT INTO notifications (
			id, recipient_id, title, message, type, priority, payload, action_ref,
			status, is_read, read_at, delivery_methods_used, expires_at,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)
	`

	_, err = r.db.Pool().Exec(
		ctx,
		query,
		notif.ID,
		notif.RecipientID,
		notif.Title,
		notif.Message,
		string(notif.Type),
		string(notif.Priority),
		payload,
		notif.ActionRef,
		string(notif.Status),
		notif.IsRead,
		notif.ReadAt,
		channelStrings(notif.DeliveryMethodsUsed),
		notif.ExpiresAt,
		notif.CreatedAt,
		notif.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Debug("notification created",
		zap.String("notification_id", notif.ID.String()),
		zap.String("recipient_id", notif.RecipientID.String()),
		zap.String("type", string(notif.Type)),
	)

	return nil
}

// GetNotification retrieves a notification by ID
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	notif, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}

	return notif, nil
}

// ListNotifications returns a page of a recipient's unexpired notifications,
// newest first, with total and unread counts.
func (r *Repository) ListNotifications(ctx context.Context, recipientID uuid.UUID, opts ListOptions, now time.Time) (*NotificationPage, error) {
	types := make([]string, len(opts.Types))
	for i, t := range opts.Types {
		types[i] = string(t)
	}

	filter := `
		WHERE recipient_id = $1
		  AND (expires_at IS NULL OR expires_at > $2)
		  AND ($3::bool = FALSE OR NOT is_read)
		  AND (cardinality($4::text[]) = 0 OR type = ANY($4::text[]))
	`

	page := &NotificationPage{}
	err := r.db.Pool().QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE NOT is_read)
		FROM notifications `+filter,
		recipientID, now, opts.OnlyUnread, types,
	).Scan(&page.Total, &page.Unread)
	if err != nil {
		return nil, fmt.Errorf("count notifications: %w", err)
	}

	// The unread badge ignores the type filter.
	if len(opts.Types) > 0 || opts.OnlyUnread {
		err = r.db.Pool().QueryRow(ctx, `
			SELECT COUNT(*) FROM notifications
			WHERE recipient_id = $1
			  AND (expires_at IS NULL OR expires_at > $2)
			  AND NOT is_read
		`, recipientID, now).Scan(&page.Unread)
		if err != nil {
			return nil, fmt.Errorf("count unread notifications: %w", err)
		}
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.db.Pool().Query(ctx,
		`SELECT `+notificationColumns+` FROM notifications `+filter+`
		ORDER BY created_at DESC, id
		LIMIT $5 OFFSET $6`,
		recipientID, now, opts.OnlyUnread, types, limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		notif, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		page.Notifications = append(page.Notifications, notif)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return page, nil
}

// MarkRead marks one of the recipient's notifications as read. Marking an
// already-read notification is a no-op.
func (r *Repository) MarkRead(ctx context.Context, recipientID, id uuid.UUID, now time.Time) error {
	query := `
		UPDATE notifications
		SET is_read = TRUE, read_at = GREATEST($3, created_at), status = 'read', updated_at = $3
		WHERE id = $1 AND recipient_id = $2 AND NOT is_read
	`

	result, err := r.db.Pool().Exec(ctx, query, id, recipientID, now)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	err = r.db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM notifications WHERE id = $1 AND recipient_id = $2)`,
		id, recipientID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check notification: %w", err)
	}
	if !exists {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkAllRead marks every unread notification of a recipient as read.
func (r *Repository) MarkAllRead(ctx context.Context, recipientID uuid.UUID, now time.Time) (int, error) {
	query := `
		UPDATE notifications
		SET is_read = TRUE, read_at = GREATEST($2, created_at), status = 'read', updated_at = $2
		WHERE recipient_id = $1 AND NOT is_read
	`

	result, err := r.db.Pool().Exec(ctx, query, recipientID, now)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// MarkDelivered records a successful dispatch on channel. A read
// notification is never downgraded to delivered.
func (r *Repository) MarkDelivered(ctx context.Context, id uuid.UUID, channel Channel, now time.Time) error {
	query := `
		UPDATE notifications
		SET delivery_methods_used = CASE
				WHEN $2 = ANY(delivery_methods_used) THEN delivery_methods_used
				ELSE array_append(delivery_methods_used, $2)
			END,
			status = CASE WHEN status = 'read' THEN status ELSE 'delivered' END,
			updated_at = $3
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id, string(channel), now)
	if err != nil {
		return fmt.Errorf("mark notification delivered: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteNotification removes a notification. Queue entries that reference
// it are left in place and become orphans.
func (r *Repository) DeleteNotification(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM notifications WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return nil
}

// PurgeReadNotifications deletes read notifications whose read_at is before cutoff.
func (r *Repository) PurgeReadNotifications(ctx context.Context, before time.Time) (int, error) {
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM notifications WHERE is_read AND read_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge read notifications: %w", err)
	}
	return int(result.RowsAffected()), nil
}

func scanNotification(row pgx.Row) (*Notification, error) {
	var (
		notif   Notification
		payload []byte
		methods []string
	)
	err := row.Scan(
		&notif.ID,
		&notif.RecipientID,
		&notif.Title,
		&notif.Message,
		&notif.Type,
		&notif.Priority,
		&payload,
		&notif.ActionRef,
		&notif.Status,
		&notif.IsRead,
		&notif.ReadAt,
		&methods,
		&notif.ExpiresAt,
		&notif.CreatedAt,
		&notif.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &notif.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	notif.DeliveryMethodsUsed = make([]Channel, len(methods))
	for i, m := range methods {
		notif.DeliveryMethodsUsed[i] = Channel(m)
	}
	return &notif, nil
}

func channelStrings(channels []Channel) []string {
	out := make([]string, len(channels))
	for i, c := range channels {
		out[i] = string(c)
	}
	return out
}
