package preference

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

// Channels says which channels a user accepts for one notification type.
type Channels struct {
	InApp bool `json:"in_app"`
	Email bool `json:"email"`
	Push  bool `json:"push"`
}

// Defaults apply whenever no preference row exists.
var Defaults = Channels{InApp: true, Email: true, Push: false}

// Enabled reports whether ch is switched on.
func (c Channels) Enabled(ch db.Channel) bool {
	switch ch {
	case db.ChannelInApp:
		return c.InApp
	case db.ChannelEmail:
		return c.Email
	case db.ChannelPush:
		return c.Push
	}
	return false
}

// List returns the enabled channels in a stable order.
func (c Channels) List() []db.Channel {
	var out []db.Channel
	for _, ch := range []db.Channel{db.ChannelInApp, db.ChannelEmail, db.ChannelPush} {
		if c.Enabled(ch) {
			out = append(out, ch)
		}
	}
	return out
}

type Store interface {
	GetPreference(ctx context.Context, userID uuid.UUID, notificationType string) (*db.Preference, error)
	ListPreferences(ctx context.Context, userID uuid.UUID) ([]*db.Preference, error)
	UpsertPreference(ctx context.Context, p *db.Preference) error
	DeletePreference(ctx context.Context, userID uuid.UUID, notificationType string) error
}

// Service resolves and edits per-user channel preferences.
type Service struct {
	store  Store
	logger *zap.Logger
}

func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Resolve returns the stored flags for (user, type), or Defaults when the
// user never saved any.
func (s *Service) Resolve(ctx context.Context, userID uuid.UUID, notificationType string) (Channels, error) {
	p, err := s.store.GetPreference(ctx, userID, notificationType)
	if errors.Is(err, db.ErrNotFound) {
		return Defaults, nil
	}
	if err != nil {
		return Channels{}, fmt.Errorf("resolve preference: %w", err)
	}
	return Channels{InApp: p.InAppEnabled, Email: p.EmailEnabled, Push: p.PushEnabled}, nil
}

// Update holds a partial change; nil fields keep their current value.
type Update struct {
	InApp *bool `json:"in_app,omitempty"`
	Email *bool `json:"email,omitempty"`
	Push  *bool `json:"push,omitempty"`
}

// Update applies u on top of the resolved flags and stores the result.
func (s *Service) Update(ctx context.Context, userID uuid.UUID, notificationType string, u Update) (*db.Preference, error) {
	if notificationType == "" {
		return nil, errors.New("notification type is required")
	}

	current, err := s.Resolve(ctx, userID, notificationType)
	if err != nil {
		return nil, err
	}
	if u.InApp != nil {
		current.InApp = *u.InApp
	}
	if u.Email != nil {
		current.Email = *u.Email
	}
	if u.Push != nil {
		current.Push = *u.Push
	}

	p := &db.Preference{
		UserID:           userID,
		NotificationType: notificationType,
		InAppEnabled:     current.InApp,
		EmailEnabled:     current.Email,
		PushEnabled:      current.Push,
	}
	if err := s.store.UpsertPreference(ctx, p); err != nil {
		return nil, fmt.Errorf("save preference: %w", err)
	}

	s.logger.Info("preference updated",
		zap.String("user_id", userID.String()),
		zap.String("notification_type", notificationType),
		zap.Bool("in_app", p.InAppEnabled),
		zap.Bool("email", p.EmailEnabled),
		zap.Bool("push", p.PushEnabled),
	)
	return p, nil
}

// Reset drops the stored row so the defaults apply again. Resetting a type
// that was never customised is not an error.
func (s *Service) Reset(ctx context.Context, userID uuid.UUID, notificationType string) error {
	err := s.store.DeletePreference(ctx, userID, notificationType)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("reset preference: %w", err)
	}
	return nil
}

// List returns every customised preference of a user.
func (s *Service) List(ctx context.Context, userID uuid.UUID) ([]*db.Preference, error) {
	return s.store.ListPreferences(ctx, userID)
}
