package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const templateColumns = `
	template_key, name, description, subject_template, body_template,
	html_template, variables, default_channels, is_active, created_at, updated_at`

func scanTemplate(row rowScanner) (*Template, error) {
	var (
		t        Template
		channels []string
	)
	err := row.Scan(
		&t.Key,
		&t.Name,
		&t.Description,
		&t.SubjectTemplate,
		&t.BodyTemplate,
		&t.HTMLTemplate,
		&t.Variables,
		&channels,
		&t.IsActive,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.DefaultChannels = toChannels(channels)
	return &t, nil
}

// GetTemplate retrieves a template by key, active or not.
func (r *Repository) GetTemplate(ctx context.Context, key string) (*Template, error) {
	t, err := scanTemplate(r.db.Pool().QueryRow(ctx,
		`SELECT `+templateColumns+` FROM notification_templates WHERE template_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("template %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query template: %w", err)
	}
	return t, nil
}

// ListTemplates lists templates ordered by key.
func (r *Repository) ListTemplates(ctx context.Context, activeOnly bool) ([]*Template, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+templateColumns+`
		FROM notification_templates
		WHERE $1 = FALSE OR is_active = TRUE
		ORDER BY template_key
	`, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	templates := make([]*Template, 0)
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// SetTemplateActive flips a template's active flag.
func (r *Repository) SetTemplateActive(ctx context.Context, key string, active bool) (*Template, error) {
	t, err := scanTemplate(r.db.Pool().QueryRow(ctx, `
		UPDATE notification_templates
		SET is_active = $2, updated_at = NOW()
		WHERE template_key = $1
		RETURNING `+templateColumns, key, active))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("template %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("update template: %w", err)
	}
	return t, nil
}
