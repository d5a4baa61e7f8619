package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const deviceColumns = `
	id, user_id, device_token, device_type, device_name, is_active,
	last_used_at, created_at`

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	err := row.Scan(
		&d.ID,
		&d.UserID,
		&d.DeviceToken,
		&d.DeviceType,
		&d.DeviceName,
		&d.IsActive,
		&d.LastUsedAt,
		&d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// UpsertDevice registers a token for a user. An existing (user, token) row is
// reactivated and its type, name and last_used_at refreshed.
func (r *Repository) UpsertDevice(ctx context.Context, d *Device) (*Device, error) {
	saved, err := scanDevice(r.db.Pool().QueryRow(ctx, `
		INSERT INTO user_devices (
			id, user_id, device_token, device_type, device_name, is_active, last_used_at
		) VALUES ($1, $2, $3, $4, $5, TRUE, $6)
		ON CONFLICT (user_id, device_token) DO UPDATE
		SET is_active = TRUE,
		    device_type = EXCLUDED.device_type,
		    device_name = COALESCE(EXCLUDED.device_name, user_devices.device_name),
		    last_used_at = EXCLUDED.last_used_at
		RETURNING `+deviceColumns,
		d.ID, d.UserID, d.DeviceToken, d.DeviceType, d.DeviceName, d.LastUsedAt,
	))
	if err != nil {
		return nil, fmt.Errorf("upsert device: %w", err)
	}
	return saved, nil
}

// DeactivateDevice marks a registration inactive. The row is kept.
func (r *Repository) DeactivateDevice(ctx context.Context, userID uuid.UUID, token string) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE user_devices SET is_active = FALSE WHERE user_id = $1 AND device_token = $2`,
		userID, token,
	)
	if err != nil {
		return fmt.Errorf("deactivate device: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("device: %w", ErrNotFound)
	}
	return nil
}

// ListDevices lists a user's registrations, most recently used first.
func (r *Repository) ListDevices(ctx context.Context, userID uuid.UUID, activeOnly bool) ([]*Device, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+deviceColumns+`
		FROM user_devices
		WHERE user_id = $1 AND ($2 = FALSE OR is_active = TRUE)
		ORDER BY last_used_at DESC
	`, userID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	devices := make([]*Device, 0)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// DeactivateStaleDevices deactivates active devices unused since before.
func (r *Repository) DeactivateStaleDevices(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE user_devices SET is_active = FALSE WHERE is_active = TRUE AND last_used_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("deactivate stale devices: %w", err)
	}
	return result.RowsAffected(), nil
}

// DeviceStats summarizes registrations.
func (r *Repository) DeviceStats(ctx context.Context) (*DeviceStats, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT device_type, COUNT(*), COUNT(*) FILTER (WHERE is_active)
		FROM user_devices
		GROUP BY device_type
	`)
	if err != nil {
		return nil, fmt.Errorf("query device stats: %w", err)
	}
	defer rows.Close()

	stats := &DeviceStats{ByType: map[string]int64{}}
	for rows.Next() {
		var (
			deviceType    string
			total, active int64
		)
		if err := rows.Scan(&deviceType, &total, &active); err != nil {
			return nil, fmt.Errorf("scan device stats: %w", err)
		}
		stats.ByType[deviceType] = total
		stats.Total += total
		stats.Active += active
	}
	return stats, rows.Err()
}
