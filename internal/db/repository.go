package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/metadata"
)

// Repository handles database operations for the delivery pipeline
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const notificationColumns = `
	id, user_id, title, content, html_content, notification_type, template_key,
	related_entity_type, related_entity_id, metadata, is_read, read_at,
	channels_sent, created_at, expires_at`

func scanNotification(row rowScanner) (*Notification, error) {
	var (
		n        Notification
		channels []string
	)
	err := row.Scan(
		&n.ID,
		&n.UserID,
		&n.Title,
		&n.Content,
		&n.HTMLContent,
		&n.Type,
		&n.TemplateKey,
		&n.RelatedEntityType,
		&n.RelatedEntityID,
		&n.Metadata,
		&n.IsRead,
		&n.ReadAt,
		&channels,
		&n.CreatedAt,
		&n.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	n.ChannelsSent = toChannels(channels)
	return &n, nil
}

// CreateNotificationWithEntries inserts a notification and its queue entries
// in one transaction. Either every row is visible or none is.
func (r *Repository) CreateNotificationWithEntries(ctx context.Context, notif *Notification, entries []*QueueEntry) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	md := notif.Metadata
	if md == nil {
		md = metadata.Map{}
	}

	insertNotification := `
		INSERT INTO notifications (
			id, user_id, title, content, html_content, notification_type,
			template_key, related_entity_type, related_entity_id, metadata,
			channels_sent, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at
	`

	err = tx.QueryRow(ctx, insertNotification,
		notif.ID,
		notif.UserID,
		notif.Title,
		notif.Content,
		notif.HTMLContent,
		notif.Type,
		notif.TemplateKey,
		notif.RelatedEntityType,
		notif.RelatedEntityID,
		md,
		fromChannels(notif.ChannelsSent),
		notif.ExpiresAt,
	).Scan(&notif.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}

	insertEntry := `
		INSERT INTO notification_queue (
			id, notification_id, channel, status, attempts, max_attempts,
			priority, scheduled_for
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`

	for _, e := range entries {
		err = tx.QueryRow(ctx, insertEntry,
			e.ID,
			e.NotificationID,
			e.Channel,
			e.Status,
			e.Attempts,
			e.MaxAttempts,
			e.Priority,
			e.ScheduledFor,
		).Scan(&e.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert queue entry (%s): %w", e.Channel, err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Debug("notification persisted",
		zap.String("notification_id", notif.ID.String()),
		zap.String("user_id", notif.UserID.String()),
		zap.Int("queue_entries", len(entries)),
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

// ListNotifications returns a user's unexpired notifications, newest first.
func (r *Repository) ListNotifications(ctx context.Context, userID uuid.UUID, filter NotificationFilter, now time.Time) ([]*Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE user_id = $1
		  AND (expires_at IS NULL OR expires_at > $2)
		  AND ($3 = FALSE OR is_read = FALSE)
		  AND ($4 = '' OR notification_type = $4)
		ORDER BY created_at DESC
		LIMIT $5 OFFSET $6
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, now, filter.UnreadOnly, filter.Type, filter.Limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	notifications := make([]*Notification, 0)
	for rows.Next() {
		notif, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, notif)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// MarkRead marks one of the user's notifications as read.
func (r *Repository) MarkRead(ctx context.Context, id, userID uuid.UUID, at time.Time) error {
	query := `
		UPDATE notifications
		SET is_read = TRUE, read_at = COALESCE(read_at, $3)
		WHERE id = $1 AND user_id = $2
	`

	result, err := r.db.Pool().Exec(ctx, query, id, userID, at)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkAllRead marks every unread notification of the user as read.
func (r *Repository) MarkAllRead(ctx context.Context, userID uuid.UUID, at time.Time) (int64, error) {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE notifications SET is_read = TRUE, read_at = $2 WHERE user_id = $1 AND is_read = FALSE`,
		userID, at,
	)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return result.RowsAffected(), nil
}

// UnreadCount counts unread, unexpired notifications for a user.
func (r *Repository) UnreadCount(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error) {
	var count int64
	err := r.db.Pool().QueryRow(ctx, `
		SELECT COUNT(*) FROM notifications
		WHERE user_id = $1 AND is_read = FALSE
		  AND (expires_at IS NULL OR expires_at > $2)
	`, userID, now).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// ListDeliveryLogs returns the delivery history of a notification in order.
func (r *Repository) ListDeliveryLogs(ctx context.Context, notificationID uuid.UUID) ([]*DeliveryLog, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, notification_id, queue_entry_id, channel, status, sent_at,
		       provider_message_id, error_message, provider_response
		FROM notification_logs
		WHERE notification_id = $1
		ORDER BY sent_at ASC
	`, notificationID)
	if err != nil {
		return nil, fmt.Errorf("query delivery logs: %w", err)
	}
	defer rows.Close()

	logs := make([]*DeliveryLog, 0)
	for rows.Next() {
		var l DeliveryLog
		if err := rows.Scan(
			&l.ID,
			&l.NotificationID,
			&l.QueueEntryID,
			&l.Channel,
			&l.Status,
			&l.SentAt,
			&l.ProviderMessageID,
			&l.ErrorMessage,
			&l.ProviderResponse,
		); err != nil {
			return nil, fmt.Errorf("scan delivery log: %w", err)
		}
		logs = append(logs, &l)
	}

	return logs, rows.Err()
}

func toChannels(in []string) []Channel {
	out := make([]Channel, 0, len(in))
	for _, s := range in {
		out = append(out, Channel(s))
	}
	return out
}

func fromChannels(in []Channel) []string {
	out := make([]string, 0, len(in))
	for _, c := range in {
		out = append(out, string(c))
	}
	return out
}
