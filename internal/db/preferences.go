package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const preferenceColumns = `
	recipient_id, email, email_enabled, email_frequency, sms_enabled, phone,
	push_enabled, push_token, in_app_enabled, type_settings, quiet_hours_enabled,
	quiet_hours_start, quiet_hours_end, timezone, created_at, updated_at`

// GetPreference loads a recipient's preference record.
func (r *Repository) GetPreference(ctx context.Context, recipientID uuid.UUID) (*Preference, error) {
	pref, err := scanPreference(r.db.Pool().QueryRow(ctx,
		`SELECT `+preferenceColumns+` FROM notification_preferences WHERE recipient_id = $1`,
		recipientID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("preference %s: %w", recipientID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query preference: %w", err)
	}
	return pref, nil
}

// GetOrCreatePreference loads a recipient's preference, creating the
// first-contact defaults when none exists. Concurrent first contacts
// converge on a single row.
func (r *Repository) GetOrCreatePreference(ctx context.Context, recipientID uuid.UUID, now time.Time) (*Preference, error) {
	def := DefaultPreference(recipientID, now)
	types, err := json.Marshal(def.TypeSettings)
	if err != nil {
		return nil, fmt.Errorf("encode type settings: %w", err)
	}

	_, err = r.db.Pool().Exec(ctx, `
		INSERT INTO notification_preferences (
			recipient_id, email_enabled, email_frequency, sms_enabled, push_enabled,
			in_app_enabled, type_settings, quiet_hours_enabled, quiet_hours_start,
			quiet_hours_end, timezone, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		ON CONFLICT (recipient_id) DO NOTHING
	`,
		def.RecipientID,
		def.EmailEnabled,
		string(def.EmailFrequency),
		def.SMSEnabled,
		def.PushEnabled,
		def.InAppEnabled,
		types,
		def.QuietHoursEnabled,
		int(def.QuietHoursStart),
		int(def.QuietHoursEnd),
		def.Timezone,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert default preference: %w", err)
	}

	return r.GetPreference(ctx, recipientID)
}

// UpdatePreference overwrites a recipient's preference record.
func (r *Repository) UpdatePreference(ctx context.Context, pref *Preference) error {
	types, err := json.Marshal(pref.TypeSettings)
	if err != nil {
		return fmt.Errorf("encode type settings: %w", err)
	}

	result, err := r.db.Pool().Exec(ctx, `
		UPDATE notification_preferences
		SET email = $2, email_enabled = $3, email_frequency = $4, sms_enabled = $5,
			phone = $6, push_enabled = $7, push_token = $8, in_app_enabled = $9,
			type_settings = $10, quiet_hours_enabled = $11, quiet_hours_start = $12,
			quiet_hours_end = $13, timezone = $14, updated_at = $15
		WHERE recipient_id = $1
	`,
		pref.RecipientID,
		pref.Email,
		pref.EmailEnabled,
		string(pref.EmailFrequency),
		pref.SMSEnabled,
		pref.Phone,
		pref.PushEnabled,
		pref.PushToken,
		pref.InAppEnabled,
		types,
		pref.QuietHoursEnabled,
		int(pref.QuietHoursStart),
		int(pref.QuietHoursEnd),
		pref.Timezone,
		pref.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update preference: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("preference %s: %w", pref.RecipientID, ErrNotFound)
	}
	return nil
}

func scanPreference(row pgx.Row) (*Preference, error) {
	var (
		pref       Preference
		types      []byte
		start, end int
	)
	err := row.Scan(
		&pref.RecipientID,
		&pref.Email,
		&pref.EmailEnabled,
		&pref.EmailFrequency,
		&pref.SMSEnabled,
		&pref.Phone,
		&pref.PushEnabled,
		&pref.PushToken,
		&pref.InAppEnabled,
		&types,
		&pref.QuietHoursEnabled,
		&start,
		&end,
		&pref.Timezone,
		&pref.CreatedAt,
		&pref.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	pref.QuietHoursStart = ClockTime(start)
	pref.QuietHoursEnd = ClockTime(end)
	pref.TypeSettings = make(map[Type]bool)
	if len(types) > 0 {
		if err := json.Unmarshal(types, &pref.TypeSettings); err != nil {
			return nil, fmt.Errorf("decode type settings: %w", err)
		}
	}
	return &pref, nil
}
