// Package notify is the inbound entry point of the pipeline. Domain modules
// create notifications here; recipients read and manage them here.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// ValidationError reports a request the pipeline refuses to accept.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Store is the persistence the service needs.
type Store interface {
	CreateNotification(ctx context.Context, n *db.Notification) error
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	DeleteNotification(ctx context.Context, id uuid.UUID) error
	ListNotifications(ctx context.Context, recipientID uuid.UUID, opts db.ListOptions, now time.Time) (*db.NotificationPage, error)
	MarkRead(ctx context.Context, recipientID, id uuid.UUID, now time.Time) error
	MarkAllRead(ctx context.Context, recipientID uuid.UUID, now time.Time) (int, error)
	GetOrCreatePreference(ctx context.Context, recipientID uuid.UUID, now time.Time) (*db.Preference, error)
	UpdatePreference(ctx context.Context, pref *db.Preference) error
	RecordClick(ctx context.Context, day time.Time, t db.Type, channel db.Channel, now time.Time) error
}

// Scheduler turns a stored notification into queue entries.
type Scheduler interface {
	Schedule(ctx context.Context, n *db.Notification, channels []db.Channel) ([]*db.QueueEntry, error)
}

// Request is a notification a domain module wants delivered.
type Request struct {
	RecipientID uuid.UUID    `json:"recipient_id"`
	Title       string       `json:"title"`
	Message     string       `json:"message"`
	Type        db.Type      `json:"type"`
	Priority    db.Priority  `json:"priority,omitempty"`
	Payload     db.Payload   `json:"payload,omitempty"`
	ActionRef   string       `json:"action_ref,omitempty"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
	Channels    []db.Channel `json:"delivery_methods,omitempty"`
}

// Service implements notification creation and the recipient-facing operations.
type Service struct {
	store     Store
	scheduler Scheduler
	logger    *zap.Logger
	now       func() time.Time
	location  *time.Location
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLocation sets the timezone analytics days are counted in.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.location = loc
		}
	}
}

// NewService creates a notification service.
func NewService(store Store, scheduler Scheduler, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:     store,
		scheduler: scheduler,
		logger:    logger,
		now:       time.Now,
		location:  time.UTC,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateNotification validates and stores a notification, then schedules
// its delivery. Invalid requests return a *ValidationError and nothing is
// stored or enqueued.
func (s *Service) CreateNotification(ctx context.Context, req Request) (uuid.UUID, error) {
	now := s.now()

	if err := validateRequest(&req, now); err != nil {
		return uuid.Nil, err
	}

	n := &db.Notification{
		ID:                  uuid.New(),
		RecipientID:         req.RecipientID,
		Title:               req.Title,
		Message:             req.Message,
		Type:                req.Type,
		Priority:            req.Priority,
		Payload:             req.Payload,
		ActionRef:           req.ActionRef,
		Status:              db.StatusPending,
		DeliveryMethodsUsed: []db.Channel{},
		ExpiresAt:           req.ExpiresAt,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := s.store.CreateNotification(ctx, n); err != nil {
		return uuid.Nil, fmt.Errorf("store notification: %w", err)
	}

	if _, err := s.scheduler.Schedule(ctx, n, req.Channels); err != nil {
		// A failed request leaves nothing behind.
		if delErr := s.store.DeleteNotification(ctx, n.ID); delErr != nil {
			s.logger.Error("failed to remove unscheduled notification",
				zap.String("notification_id", n.ID.String()),
				zap.Error(delErr),
			)
		}
		return uuid.Nil, fmt.Errorf("schedule notification: %w", err)
	}

	s.logger.Info("notification created",
		zap.String("notification_id", n.ID.String()),
		zap.String("recipient_id", n.RecipientID.String()),
		zap.String("type", string(n.Type)),
	)

	return n.ID, nil
}

func validateRequest(req *Request, now time.Time) error {
	if req.RecipientID == uuid.Nil {
		return invalid("recipient_id", "required")
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		return invalid("title", "required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return invalid("message", "required")
	}
	if !req.Type.Valid() {
		return invalid("type", "unknown type %q", req.Type)
	}
	if req.Priority == "" {
		req.Priority = db.PriorityMedium
	}
	if !req.Priority.Valid() {
		return invalid("priority", "unknown priority %q", req.Priority)
	}
	if req.Payload != nil {
		if _, err := json.Marshal(req.Payload); err != nil {
			return invalid("payload", "not serializable: %v", err)
		}
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return invalid("expires_at", "must be in the future")
	}
	if len(req.Channels) == 0 {
		req.Channels = []db.Channel{db.ChannelInApp}
	}
	for _, c := range req.Channels {
		if !c.Valid() {
			return invalid("delivery_methods", "unknown channel %q", c)
		}
	}
	return nil
}

// List returns a page of the recipient's unexpired notifications.
func (s *Service) List(ctx context.Context, recipientID uuid.UUID, opts db.ListOptions) (*db.NotificationPage, error) {
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	for _, t := range opts.Types {
		if !t.Valid() {
			return nil, invalid("type", "unknown type %q", t)
		}
	}
	return s.store.ListNotifications(ctx, recipientID, opts, s.now())
}

// MarkRead marks one notification read. It is idempotent.
func (s *Service) MarkRead(ctx context.Context, recipientID, id uuid.UUID) error {
	return s.store.MarkRead(ctx, recipientID, id, s.now())
}

// MarkAllRead marks every unread notification of the recipient read.
func (s *Service) MarkAllRead(ctx context.Context, recipientID uuid.UUID) (int, error) {
	return s.store.MarkAllRead(ctx, recipientID, s.now())
}

// RecordClick counts a click on a delivered notification.
func (s *Service) RecordClick(ctx context.Context, id uuid.UUID, channel db.Channel) error {
	if channel == "" {
		channel = db.ChannelInApp
	}
	if !channel.Valid() {
		return invalid("channel", "unknown channel %q", channel)
	}
	n, err := s.store.GetNotification(ctx, id)
	if err != nil {
		return err
	}
	return s.store.RecordClick(ctx, n.CreatedAt.In(s.location), n.Type, channel, s.now())
}

// PreferenceUpdate changes the fields that are set and leaves the rest.
type PreferenceUpdate struct {
	Email             *string          `json:"email,omitempty"`
	EmailEnabled      *bool            `json:"email_enabled,omitempty"`
	EmailFrequency    *db.Frequency    `json:"email_frequency,omitempty"`
	SMSEnabled        *bool            `json:"sms_enabled,omitempty"`
	Phone             *string          `json:"phone,omitempty"`
	PushEnabled       *bool            `json:"push_enabled,omitempty"`
	PushToken         *string          `json:"push_token,omitempty"`
	InAppEnabled      *bool            `json:"in_app_enabled,omitempty"`
	TypeSettings      map[db.Type]bool `json:"type_settings,omitempty"`
	QuietHoursEnabled *bool            `json:"quiet_hours_enabled,omitempty"`
	QuietHoursStart   *db.ClockTime    `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd     *db.ClockTime    `json:"quiet_hours_end,omitempty"`
	Timezone          *string          `json:"timezone,omitempty"`
}

// GetPreferences returns the recipient's preferences, creating defaults on first contact.
func (s *Service) GetPreferences(ctx context.Context, recipientID uuid.UUID) (*db.Preference, error) {
	return s.store.GetOrCreatePreference(ctx, recipientID, s.now())
}

// UpdatePreferences applies upd to the recipient's preferences.
func (s *Service) UpdatePreferences(ctx context.Context, recipientID uuid.UUID, upd PreferenceUpdate) (*db.Preference, error) {
	if err := validateUpdate(upd); err != nil {
		return nil, err
	}

	now := s.now()
	pref, err := s.store.GetOrCreatePreference(ctx, recipientID, now)
	if err != nil {
		return nil, err
	}

	setString(&pref.Email, upd.Email)
	setBool(&pref.EmailEnabled, upd.EmailEnabled)
	if upd.EmailFrequency != nil {
		pref.EmailFrequency = *upd.EmailFrequency
	}
	setBool(&pref.SMSEnabled, upd.SMSEnabled)
	setString(&pref.Phone, upd.Phone)
	setBool(&pref.PushEnabled, upd.PushEnabled)
	setString(&pref.PushToken, upd.PushToken)
	setBool(&pref.InAppEnabled, upd.InAppEnabled)
	for t, on := range upd.TypeSettings {
		pref.TypeSettings[t] = on
	}
	setBool(&pref.QuietHoursEnabled, upd.QuietHoursEnabled)
	if upd.QuietHoursStart != nil {
		pref.QuietHoursStart = *upd.QuietHoursStart
	}
	if upd.QuietHoursEnd != nil {
		pref.QuietHoursEnd = *upd.QuietHoursEnd
	}
	setString(&pref.Timezone, upd.Timezone)
	pref.UpdatedAt = now

	if err := s.store.UpdatePreference(ctx, pref); err != nil {
		return nil, err
	}
	return pref, nil
}

func validateUpdate(upd PreferenceUpdate) error {
	if upd.EmailFrequency != nil && !upd.EmailFrequency.Valid() {
		return invalid("email_frequency", "unknown frequency %q", *upd.EmailFrequency)
	}
	for t := range upd.TypeSettings {
		if !t.Valid() {
			return invalid("type_settings", "unknown type %q", t)
		}
	}
	for field, c := range map[string]*db.ClockTime{
		"quiet_hours_start": upd.QuietHoursStart,
		"quiet_hours_end":   upd.QuietHoursEnd,
	} {
		if c != nil && (*c < 0 || *c >= 24*60) {
			return invalid(field, "out of range")
		}
	}
	if upd.Timezone != nil {
		if _, err := time.LoadLocation(*upd.Timezone); err != nil || *upd.Timezone == "" {
			return invalid("timezone", "unknown timezone %q", *upd.Timezone)
		}
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
