package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
)

var (
	ErrInvalidDeviceType = errors.New("device type must be ios, android or web")
	ErrInvalidToken      = errors.New("device token is required")
)

// DefaultStaleAfter is how long a device may go unused before a sweep
// deactivates it.
const DefaultStaleAfter = 90 * 24 * time.Hour

type Store interface {
	UpsertDevice(ctx context.Context, d *db.Device) (*db.Device, error)
	DeactivateDevice(ctx context.Context, userID uuid.UUID, token string) error
	ListDevices(ctx context.Context, userID uuid.UUID, activeOnly bool) ([]*db.Device, error)
	DeactivateStaleDevices(ctx context.Context, before time.Time) (int64, error)
	DeviceStats(ctx context.Context) (*db.DeviceStats, error)
}

// Registry tracks push destinations per user.
type Registry struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewRegistry(store Store, logger *zap.Logger) *Registry {
	return &Registry{store: store, logger: logger, now: time.Now}
}

// Register upserts (user, token). A known token is re-activated and its
// last_used_at refreshed.
func (r *Registry) Register(ctx context.Context, userID uuid.UUID, token, deviceType string, name *string) (*db.Device, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	switch deviceType {
	case db.DeviceIOS, db.DeviceAndroid, db.DeviceWeb:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidDeviceType, deviceType)
	}

	d, err := r.store.UpsertDevice(ctx, &db.Device{
		ID:          uuid.New(),
		UserID:      userID,
		DeviceToken: token,
		DeviceType:  deviceType,
		DeviceName:  name,
		IsActive:    true,
		LastUsedAt:  r.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("register device: %w", err)
	}

	r.logger.Info("device registered",
		zap.String("user_id", userID.String()),
		zap.String("device_type", deviceType),
	)
	return d, nil
}

// Deactivate marks (user, token) inactive. Unknown pairs give db.ErrNotFound.
func (r *Registry) Deactivate(ctx context.Context, userID uuid.UUID, token string) error {
	if err := r.store.DeactivateDevice(ctx, userID, token); err != nil {
		return err
	}
	r.logger.Info("device deactivated", zap.String("user_id", userID.String()))
	return nil
}

// ListActive returns the tokens push should target.
func (r *Registry) ListActive(ctx context.Context, userID uuid.UUID) ([]string, error) {
	devices, err := r.store.ListDevices(ctx, userID, true)
	if err != nil {
		return nil, err
	}
	tokens := make([]string, 0, len(devices))
	for _, d := range devices {
		tokens = append(tokens, d.DeviceToken)
	}
	return tokens, nil
}

func (r *Registry) List(ctx context.Context, userID uuid.UUID, includeInactive bool) ([]*db.Device, error) {
	return r.store.ListDevices(ctx, userID, !includeInactive)
}

// DeactivateStale turns off devices unused for longer than olderThan.
func (r *Registry) DeactivateStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = DefaultStaleAfter
	}
	n, err := r.store.DeactivateStaleDevices(ctx, r.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("deactivate stale devices: %w", err)
	}
	if n > 0 {
		metrics.RecordDevicesDeactivated("stale", int(n))
		r.logger.Info("stale devices deactivated", zap.Int64("count", n))
	}
	return n, nil
}

func (r *Registry) Stats(ctx context.Context) (*db.DeviceStats, error) {
	return r.store.DeviceStats(ctx)
}
