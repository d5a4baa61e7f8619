package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const queueColumns = `
	id, notification_id, channel, status, attempts, max_attempts, priority,
	scheduled_for, last_attempt_at, error_message, created_at, processed_at`

func scanQueueEntry(row rowScanner) (*QueueEntry, error) {
	var e QueueEntry
	err := row.Scan(
		&e.ID,
		&e.NotificationID,
		&e.Channel,
		&e.Status,
		&e.Attempts,
		&e.MaxAttempts,
		&e.Priority,
		&e.ScheduledFor,
		&e.LastAttemptAt,
		&e.ErrorMessage,
		&e.CreatedAt,
		&e.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *Repository) queryEntries(ctx context.Context, query string, args ...any) ([]*QueueEntry, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query queue entries: %w", err)
	}
	defer rows.Close()

	entries := make([]*QueueEntry, 0)
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
	return entries, nil
}

// ListClaimable returns pending entries due at now, most urgent first.
func (r *Repository) ListClaimable(ctx context.Context, now time.Time, limit int) ([]*QueueEntry, error) {
	return r.queryEntries(ctx, `
		SELECT `+queueColumns+`
		FROM notification_queue
		WHERE status = 'pending' AND scheduled_for <= $1
		ORDER BY priority DESC, scheduled_for ASC
		LIMIT $2
	`, now, limit)
}

// ClaimEntry moves a due pending entry to processing and returns the row as
// claimed. A nil entry means it was no longer pending or not yet due again:
// another worker won the race, possibly several attempts ago.
func (r *Repository) ClaimEntry(ctx context.Context, id uuid.UUID, now time.Time) (*QueueEntry, error) {
	e, err := scanQueueEntry(r.db.Pool().QueryRow(ctx, `
		UPDATE notification_queue
		SET status = 'processing', last_attempt_at = $2
		WHERE id = $1 AND status = 'pending' AND scheduled_for <= $2
		RETURNING `+queueColumns, id, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim queue entry: %w", err)
	}
	return e, nil
}

// RecordAttempt appends the attempt's delivery logs and applies the decided
// transition to a processing entry in one transaction. A completed attempt
// also adds the channel to the notification's channels_sent.
func (r *Repository) RecordAttempt(ctx context.Context, a *Attempt) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var processedAt *time.Time
	if a.Status == StatusCompleted || a.Status == StatusFailed {
		processedAt = &a.AttemptedAt
	}

	result, err := tx.Exec(ctx, `
		UPDATE notification_queue
		SET status = $2, attempts = $3, scheduled_for = $4, error_message = $5,
		    last_attempt_at = $6, processed_at = $7
		WHERE id = $1 AND status = 'processing'
	`, a.EntryID, a.Status, a.Attempts, a.ScheduledFor, a.ErrorMessage, a.AttemptedAt, processedAt)
	if err != nil {
		return fmt.Errorf("update queue entry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("processing entry %s: %w", a.EntryID, ErrNotFound)
	}

	for _, l := range a.Logs {
		_, err = tx.Exec(ctx, `
			INSERT INTO notification_logs (
				id, notification_id, queue_entry_id, channel, status, sent_at,
				provider_message_id, error_message, provider_response
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`,
			l.ID,
			l.NotificationID,
			l.QueueEntryID,
			l.Channel,
			l.Status,
			l.SentAt,
			l.ProviderMessageID,
			l.ErrorMessage,
			l.ProviderResponse,
		)
		if err != nil {
			return fmt.Errorf("insert delivery log: %w", err)
		}
	}

	if a.Status == StatusCompleted {
		_, err = tx.Exec(ctx, `
			UPDATE notifications
			SET channels_sent = array_append(channels_sent, $2)
			WHERE id = $1 AND NOT ($2 = ANY(channels_sent))
		`, a.NotificationID, string(a.Channel))
		if err != nil {
			return fmt.Errorf("record channel sent: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// FailEntry terminates a processing entry without an adapter call, used when
// the notification expired or disappeared before delivery.
func (r *Repository) FailEntry(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE notification_queue
		SET status = 'failed', error_message = $2, processed_at = $3
		WHERE id = $1 AND status = 'processing'
	`, id, reason, at)
	if err != nil {
		return fmt.Errorf("fail queue entry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("processing entry %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetQueueEntry retrieves a queue entry by ID
func (r *Repository) GetQueueEntry(ctx context.Context, id uuid.UUID) (*QueueEntry, error) {
	e, err := scanQueueEntry(r.db.Pool().QueryRow(ctx,
		`SELECT `+queueColumns+` FROM notification_queue WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("queue entry %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query queue entry: %w", err)
	}
	return e, nil
}

// ListQueueEntries lists entries matching the filter, newest first.
func (r *Repository) ListQueueEntries(ctx context.Context, filter QueueFilter) ([]*QueueEntry, error) {
	return r.queryEntries(ctx, `
		SELECT `+queueColumns+`
		FROM notification_queue
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR channel = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, string(filter.Status), string(filter.Channel), filter.Limit, filter.Offset)
}

// ListEntriesByNotification returns every queue entry of one notification.
func (r *Repository) ListEntriesByNotification(ctx context.Context, notificationID uuid.UUID) ([]*QueueEntry, error) {
	return r.queryEntries(ctx, `
		SELECT `+queueColumns+`
		FROM notification_queue
		WHERE notification_id = $1
		ORDER BY created_at ASC
	`, notificationID)
}

// QueueStats counts entries by status.
func (r *Repository) QueueStats(ctx context.Context) (*QueueStats, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT status, COUNT(*) FROM notification_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query queue stats: %w", err)
	}
	defer rows.Close()

	stats := &QueueStats{}
	for rows.Next() {
		var (
			status QueueStatus
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		switch status {
		case StatusPending:
			stats.Pending = count
		case StatusProcessing:
			stats.Processing = count
		case StatusCompleted:
			stats.Completed = count
		case StatusFailed:
			stats.Failed = count
		}
		stats.Total += count
	}

	return stats, rows.Err()
}

// RequeueEntry creates a fresh pending entry for the notification and channel
// of a failed entry. The failed entry itself is left untouched.
func (r *Repository) RequeueEntry(ctx context.Context, id uuid.UUID, now time.Time) (*QueueEntry, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	failed, err := scanQueueEntry(tx.QueryRow(ctx,
		`SELECT `+queueColumns+` FROM notification_queue WHERE id = $1 FOR SHARE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("queue entry %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query queue entry: %w", err)
	}
	if failed.Status != StatusFailed {
		return nil, fmt.Errorf("queue entry %s is %s: %w", id, failed.Status, ErrNotRequeueable)
	}

	fresh := &QueueEntry{
		ID:             uuid.New(),
		NotificationID: failed.NotificationID,
		Channel:        failed.Channel,
		Status:         StatusPending,
		Attempts:       0,
		MaxAttempts:    failed.MaxAttempts,
		Priority:       failed.Priority,
		ScheduledFor:   now,
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO notification_queue (
			id, notification_id, channel, status, attempts, max_attempts,
			priority, scheduled_for
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`,
		fresh.ID,
		fresh.NotificationID,
		fresh.Channel,
		fresh.Status,
		fresh.Attempts,
		fresh.MaxAttempts,
		fresh.Priority,
		fresh.ScheduledFor,
	).Scan(&fresh.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert queue entry: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("queue entry requeued",
		zap.String("failed_entry_id", id.String()),
		zap.String("entry_id", fresh.ID.String()),
		zap.String("channel", string(fresh.Channel)),
	)

	return fresh, nil
}

// ErrNotRequeueable is returned when requeueing an entry that has not failed.
var ErrNotRequeueable = errors.New("only failed entries can be requeued")
