package db

import (
	"context"
	"fmt"
	"time"
)

// DeleteProcessedEntries removes completed and failed queue entries processed
// before the cutoff.
func (r *Repository) DeleteProcessedEntries(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.Pool().Exec(ctx, `
		DELETE FROM notification_queue
		WHERE status IN ('completed', 'failed') AND COALESCE(processed_at, created_at) < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("delete processed entries: %w", err)
	}
	return result.RowsAffected(), nil
}

// DeleteDeliveryLogs removes delivery logs written before the cutoff.
func (r *Repository) DeleteDeliveryLogs(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM notification_logs WHERE sent_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete delivery logs: %w", err)
	}
	return result.RowsAffected(), nil
}

// DeleteOldNotifications removes notifications created before the cutoff or
// already expired at now. Queue entries and logs cascade.
func (r *Repository) DeleteOldNotifications(ctx context.Context, before, now time.Time) (int64, error) {
	result, err := r.db.Pool().Exec(ctx, `
		DELETE FROM notifications
		WHERE created_at < $1 OR (expires_at IS NOT NULL AND expires_at <= $2)
	`, before, now)
	if err != nil {
		return 0, fmt.Errorf("delete old notifications: %w", err)
	}
	return result.RowsAffected(), nil
}

// RecoverStaleClaims returns entries stuck in processing since before the
// cutoff to pending, e.g. after a worker crashed mid-attempt.
func (r *Repository) RecoverStaleClaims(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE notification_queue
		SET status = 'pending'
		WHERE status = 'processing' AND last_attempt_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("recover stale claims: %w", err)
	}
	return result.RowsAffected(), nil
}
