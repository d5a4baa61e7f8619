package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const preferenceColumns = `
	user_id, notification_type, in_app_enabled, email_enabled, push_enabled,
	created_at, updated_at`

func scanPreference(row rowScanner) (*Preference, error) {
	var p Preference
	err := row.Scan(
		&p.UserID,
		&p.NotificationType,
		&p.InAppEnabled,
		&p.EmailEnabled,
		&p.PushEnabled,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPreference returns ErrNotFound when the user never stored a preference
// for the type.
func (r *Repository) GetPreference(ctx context.Context, userID uuid.UUID, notificationType string) (*Preference, error) {
	p, err := scanPreference(r.db.Pool().QueryRow(ctx, `
		SELECT `+preferenceColumns+`
		FROM notification_preferences
		WHERE user_id = $1 AND notification_type = $2
	`, userID, notificationType))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query preference: %w", err)
	}
	return p, nil
}

// ListPreferences returns every stored preference of a user.
func (r *Repository) ListPreferences(ctx context.Context, userID uuid.UUID) ([]*Preference, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+preferenceColumns+`
		FROM notification_preferences
		WHERE user_id = $1
		ORDER BY notification_type
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}
	defer rows.Close()

	prefs := make([]*Preference, 0)
	for rows.Next() {
		p, err := scanPreference(rows)
		if err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		prefs = append(prefs, p)
	}
	return prefs, rows.Err()
}

// UpsertPreference inserts or replaces the flags for (user, type).
func (r *Repository) UpsertPreference(ctx context.Context, p *Preference) error {
	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO notification_preferences (
			user_id, notification_type, in_app_enabled, email_enabled, push_enabled
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, notification_type) DO UPDATE
		SET in_app_enabled = EXCLUDED.in_app_enabled,
		    email_enabled = EXCLUDED.email_enabled,
		    push_enabled = EXCLUDED.push_enabled,
		    updated_at = NOW()
		RETURNING created_at, updated_at
	`, p.UserID, p.NotificationType, p.InAppEnabled, p.EmailEnabled, p.PushEnabled).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert preference: %w", err)
	}
	return nil
}

// DeletePreference removes the row so the defaults apply again.
func (r *Repository) DeletePreference(ctx context.Context, userID uuid.UUID, notificationType string) error {
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM notification_preferences WHERE user_id = $1 AND notification_type = $2`,
		userID, notificationType,
	)
	if err != nil {
		return fmt.Errorf("delete preference: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
