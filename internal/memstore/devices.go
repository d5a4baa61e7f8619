package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/courier/internal/db"
)

func (s *Store) UpsertDevice(ctx context.Context, d *db.Device) (*db.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := deviceKey{d.UserID, d.DeviceToken}
	if existing, ok := s.devices[key]; ok {
		existing.IsActive = true
		existing.DeviceType = d.DeviceType
		if d.DeviceName != nil {
			existing.DeviceName = d.DeviceName
		}
		existing.LastUsedAt = d.LastUsedAt
		c := *existing
		return &c, nil
	}

	c := *d
	c.IsActive = true
	c.CreatedAt = d.LastUsedAt
	s.devices[key] = &c
	out := c
	return &out, nil
}

func (s *Store) DeactivateDevice(ctx context.Context, userID uuid.UUID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceKey{userID, token}]
	if !ok {
		return fmt.Errorf("device: %w", db.ErrNotFound)
	}
	d.IsActive = false
	return nil
}

func (s *Store) ListDevices(ctx context.Context, userID uuid.UUID, activeOnly bool) ([]*db.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*db.Device, 0)
	for k, d := range s.devices {
		if k.user != userID || (activeOnly && !d.IsActive) {
			continue
		}
		c := *d
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUsedAt.After(out[j].LastUsedAt) })
	return out, nil
}

func (s *Store) DeactivateStaleDevices(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, d := range s.devices {
		if d.IsActive && d.LastUsedAt.Before(before) {
			d.IsActive = false
			n++
		}
	}
	return n, nil
}

func (s *Store) DeviceStats(ctx context.Context) (*db.DeviceStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &db.DeviceStats{ByType: map[string]int64{}}
	for _, d := range s.devices {
		stats.Total++
		stats.ByType[d.DeviceType]++
		if d.IsActive {
			stats.Active++
		}
	}
	return stats, nil
}
