// Package template renders stored notification templates.
//
// Placeholders use the {{name}} form. Every required variable must be
// supplied with a non-empty value before anything is interpolated. Optional
// placeholders that were not supplied stay in the output verbatim.
package template

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/lalithlochan/courier/internal/db"
)

var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrTemplateInactive = errors.New("template inactive")
	ErrMissingVariable  = errors.New("missing template variable")
)

// MissingVariableError lists every required variable that was absent or empty.
type MissingVariableError struct {
	TemplateKey string
	Names       []string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("template %q: missing required variables: %s", e.TemplateKey, strings.Join(e.Names, ", "))
}

func (e *MissingVariableError) Is(target error) bool {
	return target == ErrMissingVariable
}

// Store is the read side of the template table.
type Store interface {
	GetTemplate(ctx context.Context, key string) (*db.Template, error)
}

// Rendered is the output of a successful render.
type Rendered struct {
	TemplateKey     string
	Subject         string
	Body            string
	HTML            *string
	DefaultChannels []db.Channel
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

type Renderer struct {
	store Store
}

func NewRenderer(store Store) *Renderer {
	return &Renderer{store: store}
}

// Render looks up key and interpolates vars into its subject, body and html.
func (r *Renderer) Render(ctx context.Context, key string, vars map[string]string) (*Rendered, error) {
	tmpl, err := r.store.GetTemplate(ctx, key)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("load template %s: %w", key, err)
	}

	if !tmpl.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrTemplateInactive, key)
	}

	if missing := MissingVariables(tmpl, vars); len(missing) > 0 {
		return nil, &MissingVariableError{TemplateKey: key, Names: missing}
	}

	out := &Rendered{
		TemplateKey:     tmpl.Key,
		Subject:         Interpolate(tmpl.SubjectTemplate, vars),
		Body:            Interpolate(tmpl.BodyTemplate, vars),
		DefaultChannels: append([]db.Channel(nil), tmpl.DefaultChannels...),
	}
	if tmpl.HTMLTemplate != nil {
		html := Interpolate(*tmpl.HTMLTemplate, vars)
		out.HTML = &html
	}

	return out, nil
}

// MissingVariables returns the sorted required variables of tmpl that are
// absent or empty in vars.
func MissingVariables(tmpl *db.Template, vars map[string]string) []string {
	var missing []string
	for _, name := range tmpl.Variables {
		if strings.TrimSpace(vars[name]) == "" {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// Interpolate replaces each {{name}} whose name is in vars. Unknown
// placeholders are kept as written.
func Interpolate(pattern string, vars map[string]string) string {
	return placeholder.ReplaceAllStringFunc(pattern, func(match string) string {
		name := placeholder.FindStringSubmatch(match)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return match
	})
}

// placeholders lists the distinct variable names referenced by pattern.
func placeholders(pattern string) []string {
	seen := map[string]bool{}
	var names []string
	for _, m := range placeholder.FindAllStringSubmatch(pattern, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}
