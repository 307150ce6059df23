package db

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Type is the business category of a notification
type Type string

const (
	TypeOrderUpdate Type = "order_update"
	TypePayment     Type = "payment"
	TypeShipping    Type = "shipping"
	TypeLoyalty     Type = "loyalty"
	TypeStockAlert  Type = "stock_alert"
	TypePromotional Type = "promotional"
	TypeAccount     Type = "account"
	TypeSystem      Type = "system"
)

// AllTypes lists every known notification type.
var AllTypes = []Type{
	TypeOrderUpdate,
	TypePayment,
	TypeShipping,
	TypeLoyalty,
	TypeStockAlert,
	TypePromotional,
	TypeAccount,
	TypeSystem,
}

func (t Type) Valid() bool {
	return slices.Contains(AllTypes, t)
}

// Priority constants
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Status is the lifecycle state of a notification
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// Channel is a delivery mechanism
type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
	ChannelSMS   Channel = "sms"
)

// AllChannels lists every known delivery channel.
var AllChannels = []Channel{ChannelInApp, ChannelEmail, ChannelPush, ChannelSMS}

func (c Channel) Valid() bool {
	return slices.Contains(AllChannels, c)
}

// Interruptive reports whether quiet hours suppress the channel.
func (c Channel) Interruptive() bool {
	return c == ChannelPush || c == ChannelSMS
}

// Payload is opaque to the pipeline; only templates and UIs interpret it.
type Payload map[string]any

// Notification represents a notification record
type Notification struct {
	ID                  uuid.UUID  `json:"id"`
	RecipientID         uuid.UUID  `json:"recipient_id"`
	Title               string     `json:"title"`
	Message             string     `json:"message"`
	Type                Type       `json:"type"`
	Priority            Priority   `json:"priority"`
	Payload             Payload    `json:"payload,omitempty"`
	ActionRef           string     `json:"action_ref,omitempty"`
	Status              Status     `json:"status"`
	IsRead              bool       `json:"is_read"`
	ReadAt              *time.Time `json:"read_at,omitempty"`
	DeliveryMethodsUsed []Channel  `json:"delivery_methods_used"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// IsExpired reports whether the notification has expired at now.
func (n *Notification) IsExpired(now time.Time) bool {
	return n.ExpiresAt != nil && !now.Before(*n.ExpiresAt)
}

// MarkRead applies the read transition. read_at is clamped to created_at so
// that clock skew between writers can never produce read_at < created_at.
func (n *Notification) MarkRead(now time.Time) bool {
	if n.IsRead {
		return false
	}
	if now.Before(n.CreatedAt) {
		now = n.CreatedAt
	}
	n.IsRead = true
	n.ReadAt = &now
	n.Status = StatusRead
	n.UpdatedAt = now
	return true
}

// MarkDelivered records a successful dispatch on channel. A read
// notification keeps its status.
func (n *Notification) MarkDelivered(channel Channel, now time.Time) {
	if !slices.Contains(n.DeliveryMethodsUsed, channel) {
		n.DeliveryMethodsUsed = append(n.DeliveryMethodsUsed, channel)
	}
	if n.Status != StatusRead {
		n.Status = StatusDelivered
	}
	n.UpdatedAt = now
}

// Frequency is the email batching frequency
type Frequency string

const (
	FrequencyImmediate Frequency = "immediate"
	FrequencyHourly    Frequency = "hourly"
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
	FrequencyNever     Frequency = "never"
)

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyImmediate, FrequencyHourly, FrequencyDaily, FrequencyWeekly, FrequencyNever:
		return true
	}
	return false
}

// ClockTime is a time of day in minutes since midnight.
type ClockTime int

// ParseClockTime parses "HH:MM" in 24h format.
func ParseClockTime(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: want HH:MM", s)
	}
	return ClockTime(t.Hour()*60 + t.Minute()), nil
}

// ClockOf returns the time of day of t in t's location.
func ClockOf(t time.Time) ClockTime {
	return ClockTime(t.Hour()*60 + t.Minute())
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

func (c ClockTime) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ClockTime) UnmarshalText(b []byte) error {
	v, err := ParseClockTime(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Preference holds per-recipient delivery settings
type Preference struct {
	RecipientID       uuid.UUID     `json:"recipient_id"`
	Email             string        `json:"email"`
	EmailEnabled      bool          `json:"email_enabled"`
	EmailFrequency    Frequency     `json:"email_frequency"`
	SMSEnabled        bool          `json:"sms_enabled"`
	Phone             string        `json:"phone"`
	PushEnabled       bool          `json:"push_enabled"`
	PushToken         string        `json:"push_token"`
	InAppEnabled      bool          `json:"in_app_enabled"`
	TypeSettings      map[Type]bool `json:"type_settings"`
	QuietHoursEnabled bool          `json:"quiet_hours_enabled"`
	QuietHoursStart   ClockTime     `json:"quiet_hours_start"`
	QuietHoursEnd     ClockTime     `json:"quiet_hours_end"`
	Timezone          string        `json:"timezone"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// DefaultPreference returns the settings a recipient gets on first contact:
// every channel on, every type on except promotional, quiet hours off.
func DefaultPreference(recipientID uuid.UUID, now time.Time) *Preference {
	types := make(map[Type]bool, len(AllTypes))
	for _, t := range AllTypes {
		types[t] = t != TypePromotional
	}
	return &Preference{
		RecipientID:     recipientID,
		EmailEnabled:    true,
		EmailFrequency:  FrequencyImmediate,
		SMSEnabled:      true,
		PushEnabled:     true,
		InAppEnabled:    true,
		TypeSettings:    types,
		QuietHoursStart: 22 * 60,
		QuietHoursEnd:   8 * 60,
		Timezone:        "UTC",
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// TypeEnabled reports whether the recipient accepts notifications of t.
// Types missing from the map fall back to the first-contact default.
func (p *Preference) TypeEnabled(t Type) bool {
	if v, ok := p.TypeSettings[t]; ok {
		return v
	}
	return t != TypePromotional
}

// ChannelEnabled reports whether the channel itself is switched on.
func (p *Preference) ChannelEnabled(c Channel) bool {
	switch c {
	case ChannelInApp:
		return p.InAppEnabled
	case ChannelEmail:
		return p.EmailEnabled && p.EmailFrequency != FrequencyNever
	case ChannelPush:
		return p.PushEnabled
	case ChannelSMS:
		return p.SMSEnabled
	}
	return false
}

// Location resolves the preference timezone, falling back to UTC.
func (p *Preference) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// InQuietHours reports whether t falls inside the recipient's quiet window.
// The window is [start, end) and wraps midnight when start > end.
func (p *Preference) InQuietHours(t time.Time) bool {
	if !p.QuietHoursEnabled {
		return false
	}
	now := ClockOf(t.In(p.Location()))
	start, end := p.QuietHoursStart, p.QuietHoursEnd
	switch {
	case start == end:
		return false
	case start < end:
		return now >= start && now < end
	default:
		return now >= start || now < end
	}
}

// BatchType is the grouping strategy of a queue entry
type BatchType string

const (
	BatchImmediate BatchType = "immediate"
	BatchHourly    BatchType = "hourly"
	BatchDaily     BatchType = "daily"
	BatchWeekly    BatchType = "weekly"
)

// QueueStatus constants
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
	// QueueSkipped entries were never dispatched (orphaned or expired) and
	// are left out of delivery analytics.
	QueueSkipped QueueStatus = "skipped"
)

// DefaultMaxAttempts is the retry budget of a queue entry.
const DefaultMaxAttempts = 3

// QueueEntry is one (notification, channel) delivery record and the unit of retry.
type QueueEntry struct {
	ID             uuid.UUID   `json:"id"`
	Seq            int64       `json:"seq"`
	NotificationID uuid.UUID   `json:"notification_id"`
	Channel        Channel     `json:"channel"`
	BatchType      BatchType   `json:"batch_type"`
	Status         QueueStatus `json:"status"`
	ScheduledFor   time.Time   `json:"scheduled_for"`
	Attempts       int         `json:"attempts"`
	MaxAttempts    int         `json:"max_attempts"`
	ErrorMessage   *string     `json:"error_message,omitempty"`
	ProcessedAt    *time.Time  `json:"processed_at,omitempty"`
	ClaimedAt      *time.Time  `json:"claimed_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// AnalyticsBucket is the daily aggregate for one (type, channel) pair.
type AnalyticsBucket struct {
	Date           time.Time `json:"date"`
	Type           Type      `json:"type"`
	Channel        Channel   `json:"channel"`
	TotalSent      int       `json:"total_sent"`
	TotalDelivered int       `json:"total_delivered"`
	TotalRead      int       `json:"total_read"`
	TotalClicked   int       `json:"total_clicked"`
	TotalFailed    int       `json:"total_failed"`
	DeliveryRate   float64   `json:"delivery_rate"`
	ReadRate       float64   `json:"read_rate"`
	ClickRate      float64   `json:"click_rate"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// BucketKey identifies an analytics bucket within a day.
type BucketKey struct {
	Type    Type
	Channel Channel
}

// DeliveryStat is the terminal outcome count for one (type, channel) in a window.
type DeliveryStat struct {
	Type      Type
	Channel   Channel
	Delivered int
	Failed    int
}

// ListOptions filters and paginates a recipient's notifications.
type ListOptions struct {
	Limit      int
	Offset     int
	OnlyUnread bool
	Types      []Type
}

// NotificationPage is one page of a recipient's notifications.
type NotificationPage struct {
	Notifications []*Notification `json:"data"`
	Total         int             `json:"total"`
	Unread        int             `json:"unread"`
}
