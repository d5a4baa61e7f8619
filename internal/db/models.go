package db

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/courier/internal/metadata"
)

// ErrNotFound is returned by every lookup that matches no row.
var ErrNotFound = errors.New("not found")

// Channel is a delivery mechanism.
type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelInApp, ChannelEmail, ChannelPush:
		return true
	}
	return false
}

// Queued reports whether deliveries on c go through the queue.
func (c Channel) Queued() bool {
	return c == ChannelEmail || c == ChannelPush
}

// QueueStatus is the state of a queue entry.
type QueueStatus string

const (
	StatusPending    QueueStatus = "pending"
	StatusProcessing QueueStatus = "processing"
	StatusCompleted  QueueStatus = "completed"
	StatusFailed     QueueStatus = "failed"
)

// Delivery log outcomes
const (
	DeliverySent   = "sent"
	DeliveryFailed = "failed"
)

// Device types
const (
	DeviceIOS     = "ios"
	DeviceAndroid = "android"
	DeviceWeb     = "web"
)

// Template is a reusable, parameterized message definition.
type Template struct {
	Key             string    `json:"template_key"`
	Name            string    `json:"name"`
	Description     *string   `json:"description,omitempty"`
	SubjectTemplate string    `json:"subject_template"`
	BodyTemplate    string    `json:"body_template"`
	HTMLTemplate    *string   `json:"html_template,omitempty"`
	Variables       []string  `json:"variables"`
	DefaultChannels []Channel `json:"default_channels"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Notification is the canonical record of one message to one user.
type Notification struct {
	ID                uuid.UUID    `json:"id"`
	UserID            uuid.UUID    `json:"user_id"`
	Title             string       `json:"title"`
	Content           string       `json:"content"`
	HTMLContent       *string      `json:"html_content,omitempty"`
	Type              string       `json:"notification_type"`
	TemplateKey       *string      `json:"template_key,omitempty"`
	RelatedEntityType *string      `json:"related_entity_type,omitempty"`
	RelatedEntityID   *string      `json:"related_entity_id,omitempty"`
	Metadata          metadata.Map `json:"metadata"`
	IsRead            bool         `json:"is_read"`
	ReadAt            *time.Time   `json:"read_at,omitempty"`
	ChannelsSent      []Channel    `json:"channels_sent"`
	CreatedAt         time.Time    `json:"created_at"`
	ExpiresAt         *time.Time   `json:"expires_at,omitempty"`
}

// IsExpired reports whether the notification's validity window has passed.
func (n *Notification) IsExpired(now time.Time) bool {
	return n.ExpiresAt != nil && !n.ExpiresAt.After(now)
}

// Preference is a per-user, per-type channel switchboard.
type Preference struct {
	UserID           uuid.UUID `json:"user_id"`
	NotificationType string    `json:"notification_type"`
	InAppEnabled     bool      `json:"in_app_enabled"`
	EmailEnabled     bool      `json:"email_enabled"`
	PushEnabled      bool      `json:"push_enabled"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// QueueEntry is the unit of delivery work for one (notification, channel) pair.
type QueueEntry struct {
	ID             uuid.UUID   `json:"id"`
	NotificationID uuid.UUID   `json:"notification_id"`
	Channel        Channel     `json:"channel"`
	Status         QueueStatus `json:"status"`
	Attempts       int         `json:"attempts"`
	MaxAttempts    int         `json:"max_attempts"`
	Priority       int         `json:"priority"`
	ScheduledFor   time.Time   `json:"scheduled_for"`
	LastAttemptAt  *time.Time  `json:"last_attempt_at,omitempty"`
	ErrorMessage   *string     `json:"error_message,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	ProcessedAt    *time.Time  `json:"processed_at,omitempty"`
}

// DeliveryLog records the outcome of one send attempt. Rows are append-only.
type DeliveryLog struct {
	ID                uuid.UUID    `json:"id"`
	NotificationID    uuid.UUID    `json:"notification_id"`
	QueueEntryID      *uuid.UUID   `json:"queue_entry_id,omitempty"`
	Channel           Channel      `json:"channel"`
	Status            string       `json:"status"`
	SentAt            time.Time    `json:"sent_at"`
	ProviderMessageID *string      `json:"provider_message_id,omitempty"`
	ErrorMessage      *string      `json:"error_message,omitempty"`
	ProviderResponse  metadata.Map `json:"provider_response,omitempty"`
}

// Device is a push destination registered by a user.
type Device struct {
	ID          uuid.UUID `json:"id"`
	UserID      uuid.UUID `json:"user_id"`
	DeviceToken string    `json:"device_token"`
	DeviceType  string    `json:"device_type"`
	DeviceName  *string   `json:"device_name,omitempty"`
	IsActive    bool      `json:"is_active"`
	LastUsedAt  time.Time `json:"last_used_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// DeviceStats summarizes the device registry.
type DeviceStats struct {
	Total  int64            `json:"total"`
	Active int64            `json:"active"`
	ByType map[string]int64 `json:"by_type"`
}

// QueueStats counts queue entries by status.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Total      int64 `json:"total"`
}

// NotificationFilter narrows ListNotifications.
type NotificationFilter struct {
	UnreadOnly bool
	Type       string
	Limit      int
	Offset     int
}

// QueueFilter narrows ListQueueEntries. Zero fields match everything.
type QueueFilter struct {
	Status  QueueStatus
	Channel Channel
	Limit   int
	Offset  int
}

// Attempt is the outcome of one worker attempt on a claimed entry, written
// atomically by RecordAttempt.
type Attempt struct {
	EntryID        uuid.UUID
	NotificationID uuid.UUID
	Channel        Channel
	Status         QueueStatus
	Attempts       int
	ScheduledFor   time.Time
	ErrorMessage   *string
	AttemptedAt    time.Time
	Logs           []*DeliveryLog
}

// SweepResult reports what a retention pass removed or repaired.
type SweepResult struct {
	QueueEntriesDeleted  int64 `json:"queue_entries_deleted"`
	LogsDeleted          int64 `json:"logs_deleted"`
	NotificationsDeleted int64 `json:"notifications_deleted"`
	DevicesDeactivated   int64 `json:"devices_deactivated"`
	ClaimsRecovered      int64 `json:"claims_recovered"`
}
