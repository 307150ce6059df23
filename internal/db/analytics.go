package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ComputeRates derives the percentage rates from the bucket counters.
// Every rate is zero when its denominator is zero.
func (b *AnalyticsBucket) ComputeRates() {
	b.DeliveryRate = percent(b.TotalDelivered, b.TotalSent)
	b.ReadRate = percent(b.TotalRead, b.TotalDelivered)
	b.ClickRate = percent(b.TotalClicked, b.TotalRead)
}

// DateOf truncates t to its calendar date, expressed as midnight UTC.
func DateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func percent(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d) * 100
}

// DeliveryStats counts terminal queue outcomes processed in [from, to),
// grouped by notification type and channel. Entries whose notification no
// longer exists are not counted.
func (r *Repository) DeliveryStats(ctx context.Context, from, to time.Time) ([]DeliveryStat, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT n.type, q.channel,
			COUNT(*) FILTER (WHERE q.status = 'completed'),
			COUNT(*) FILTER (WHERE q.status = 'failed')
		FROM notification_queue q
		JOIN notifications n ON n.id = q.notification_id
		WHERE q.status IN ('completed', 'failed')
		  AND q.processed_at >= $1 AND q.processed_at < $2
		GROUP BY n.type, q.channel
		ORDER BY n.type, q.channel
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query delivery stats: %w", err)
	}
	defer rows.Close()

	var stats []DeliveryStat
	for rows.Next() {
		var s DeliveryStat
		if err := rows.Scan(&s.Type, &s.Channel, &s.Delivered, &s.Failed); err != nil {
			return nil, fmt.Errorf("scan delivery stat: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// ReadCounts counts notifications created in [from, to) that have been read, per type.
func (r *Repository) ReadCounts(ctx context.Context, from, to time.Time) (map[Type]int, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT type, COUNT(*)
		FROM notifications
		WHERE is_read AND created_at >= $1 AND created_at < $2
		GROUP BY type
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query read counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[Type]int)
	for rows.Next() {
		var (
			t Type
			n int
		)
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("scan read count: %w", err)
		}
		counts[t] = n
	}
	return counts, rows.Err()
}

// UpsertBuckets overwrites the computed counters of each bucket. Clicks are
// recorded separately, so the stored total_clicked is kept and the click
// rate is recomputed from it.
func (r *Repository) UpsertBuckets(ctx context.Context, buckets []*AnalyticsBucket) error {
	if len(buckets) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, b := range buckets {
		batch.Queue(`
			INSERT INTO notification_analytics (
				date, type, channel, total_sent, total_delivered, total_read,
				total_failed, delivery_rate, read_rate, click_rate, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10)
			ON CONFLICT (date, type, channel) DO UPDATE SET
				total_sent = EXCLUDED.total_sent,
				total_delivered = EXCLUDED.total_delivered,
				total_read = EXCLUDED.total_read,
				total_failed = EXCLUDED.total_failed,
				delivery_rate = EXCLUDED.delivery_rate,
				read_rate = EXCLUDED.read_rate,
				click_rate = CASE WHEN EXCLUDED.total_read = 0 THEN 0
					ELSE notification_analytics.total_clicked::float8 / EXCLUDED.total_read * 100 END,
				updated_at = EXCLUDED.updated_at
			RETURNING total_clicked, click_rate
		`,
			DateOf(b.Date),
			string(b.Type),
			string(b.Channel),
			b.TotalSent,
			b.TotalDelivered,
			b.TotalRead,
			b.TotalFailed,
			b.DeliveryRate,
			b.ReadRate,
			b.UpdatedAt,
		).QueryRow(func(row pgx.Row) error {
			return row.Scan(&b.TotalClicked, &b.ClickRate)
		})
	}

	if err := r.db.Pool().SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert analytics buckets: %w", err)
	}
	return nil
}

// RecordClick counts one click against the bucket of the notification's
// creation day.
func (r *Repository) RecordClick(ctx context.Context, day time.Time, t Type, channel Channel, now time.Time) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO notification_analytics (date, type, channel, total_clicked, updated_at)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (date, type, channel) DO UPDATE SET
			total_clicked = notification_analytics.total_clicked + 1,
			click_rate = CASE WHEN notification_analytics.total_read = 0 THEN 0
				ELSE (notification_analytics.total_clicked + 1)::float8 / notification_analytics.total_read * 100 END,
			updated_at = EXCLUDED.updated_at
	`, DateOf(day), string(t), string(channel), now)
	if err != nil {
		return fmt.Errorf("record click: %w", err)
	}
	return nil
}

// ListBuckets returns buckets with from <= date <= to, oldest first.
func (r *Repository) ListBuckets(ctx context.Context, from, to time.Time) ([]*AnalyticsBucket, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT date, type, channel, total_sent, total_delivered, total_read,
			total_clicked, total_failed, delivery_rate, read_rate, click_rate, updated_at
		FROM notification_analytics
		WHERE date >= $1 AND date <= $2
		ORDER BY date, type, channel
	`, DateOf(from), DateOf(to))
	if err != nil {
		return nil, fmt.Errorf("query analytics buckets: %w", err)
	}
	defer rows.Close()

	var buckets []*AnalyticsBucket
	for rows.Next() {
		var b AnalyticsBucket
		err := rows.Scan(
			&b.Date,
			&b.Type,
			&b.Channel,
			&b.TotalSent,
			&b.TotalDelivered,
			&b.TotalRead,
			&b.TotalClicked,
			&b.TotalFailed,
			&b.DeliveryRate,
			&b.ReadRate,
			&b.ClickRate,
			&b.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan analytics bucket: %w", err)
		}
		buckets = append(buckets, &b)
	}
	return buckets, rows.Err()
}
