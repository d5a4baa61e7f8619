package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
)

type Store interface {
	DeleteProcessedEntries(ctx context.Context, before time.Time) (int64, error)
	DeleteDeliveryLogs(ctx context.Context, before time.Time) (int64, error)
	DeleteOldNotifications(ctx context.Context, before, now time.Time) (int64, error)
	DeactivateStaleDevices(ctx context.Context, before time.Time) (int64, error)
	RecoverStaleClaims(ctx context.Context, before time.Time) (int64, error)
}

// Config holds retention windows. A zero window disables that step.
type Config struct {
	Interval              time.Duration
	EntryRetention        time.Duration
	LogRetention          time.Duration
	NotificationRetention time.Duration
	DeviceStaleAfter      time.Duration
	StaleClaimAfter       time.Duration
}

var DefaultConfig = Config{
	Interval:              time.Hour,
	EntryRetention:        30 * 24 * time.Hour,
	LogRetention:          90 * 24 * time.Hour,
	NotificationRetention: 90 * 24 * time.Hour,
	DeviceStaleAfter:      90 * 24 * time.Hour,
	StaleClaimAfter:       15 * time.Minute,
}

// Janitor periodically prunes old rows and recovers entries left in
// processing by a crashed worker.
type Janitor struct {
	store  Store
	config Config
	logger *zap.Logger
	now    func() time.Time
}

func NewJanitor(store Store, cfg Config, logger *zap.Logger) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig.Interval
	}
	return &Janitor{store: store, config: cfg, logger: logger, now: time.Now}
}

// Run sweeps once immediately and then on every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	j.logger.Info("retention janitor started", zap.Duration("interval", j.config.Interval))

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
			j.logger.Error("retention sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			j.logger.Info("retention janitor stopping")
			return
		case <-ticker.C:
		}
	}
}

// Sweep runs every enabled step. A failing step does not stop the others;
// their errors are joined.
func (j *Janitor) Sweep(ctx context.Context) (db.SweepResult, error) {
	now := j.now()
	var res db.SweepResult
	var errs []error

	step := func(kind string, window time.Duration, fn func(before time.Time) (int64, error), into *int64) {
		if window <= 0 {
			return
		}
		n, err := fn(now.Add(-window))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
			return
		}
		*into = n
		metrics.RecordRetention(kind, n)
	}

	step("claims_recovered", j.config.StaleClaimAfter, func(before time.Time) (int64, error) {
		return j.store.RecoverStaleClaims(ctx, before)
	}, &res.ClaimsRecovered)
	step("queue_entries", j.config.EntryRetention, func(before time.Time) (int64, error) {
		return j.store.DeleteProcessedEntries(ctx, before)
	}, &res.QueueEntriesDeleted)
	step("delivery_logs", j.config.LogRetention, func(before time.Time) (int64, error) {
		return j.store.DeleteDeliveryLogs(ctx, before)
	}, &res.LogsDeleted)
	step("notifications", j.config.NotificationRetention, func(before time.Time) (int64, error) {
		return j.store.DeleteOldNotifications(ctx, before, now)
	}, &res.NotificationsDeleted)
	step("devices", j.config.DeviceStaleAfter, func(before time.Time) (int64, error) {
		return j.store.DeactivateStaleDevices(ctx, before)
	}, &res.DevicesDeactivated)

	if res.DevicesDeactivated > 0 {
		metrics.RecordDevicesDeactivated("stale", int(res.DevicesDeactivated))
	}

	j.logger.Info("retention sweep finished",
		zap.Int64("claims_recovered", res.ClaimsRecovered),
		zap.Int64("queue_entries_deleted", res.QueueEntriesDeleted),
		zap.Int64("logs_deleted", res.LogsDeleted),
		zap.Int64("notifications_deleted", res.NotificationsDeleted),
		zap.Int64("devices_deactivated", res.DevicesDeactivated),
	)
	return res, errors.Join(errs...)
}
