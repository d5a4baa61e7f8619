package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/queue"
)

func (s *Store) ListClaimable(ctx context.Context, now time.Time, limit int) ([]*db.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*db.QueueEntry, 0)
	for _, e := range s.entries {
		if e.Status == db.StatusPending && !e.ScheduledFor.After(now) {
			out = append(out, copyEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ScheduledFor.Before(out[j].ScheduledFor)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ClaimEntry(ctx context.Context, id uuid.UUID, now time.Time) (*db.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.Status != db.StatusPending || e.ScheduledFor.After(now) {
		return nil, nil
	}
	e.Status = db.StatusProcessing
	e.LastAttemptAt = &now
	return copyEntry(e), nil
}

func (s *Store) RecordAttempt(ctx context.Context, a *db.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[a.EntryID]
	if !ok || e.Status != db.StatusProcessing {
		return fmt.Errorf("processing entry %s: %w", a.EntryID, db.ErrNotFound)
	}
	if !queue.CanTransition(e.Status, a.Status) {
		return fmt.Errorf("entry %s: illegal transition %s -> %s", a.EntryID, e.Status, a.Status)
	}
	if a.Attempts > e.MaxAttempts {
		return fmt.Errorf("entry %s: attempts %d exceed max %d", a.EntryID, a.Attempts, e.MaxAttempts)
	}

	e.Status = a.Status
	e.Attempts = a.Attempts
	e.ScheduledFor = a.ScheduledFor
	e.ErrorMessage = a.ErrorMessage
	at := a.AttemptedAt
	e.LastAttemptAt = &at
	if a.Status == db.StatusCompleted || a.Status == db.StatusFailed {
		e.ProcessedAt = &at
	}

	for _, l := range a.Logs {
		c := *l
		s.logs = append(s.logs, &c)
	}

	if a.Status == db.StatusCompleted {
		if n, ok := s.notifications[a.NotificationID]; ok && !slices.Contains(n.ChannelsSent, a.Channel) {
			n.ChannelsSent = append(n.ChannelsSent, a.Channel)
		}
	}
	return nil
}

func (s *Store) FailEntry(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || !queue.CanTransition(e.Status, db.StatusFailed) {
		return fmt.Errorf("processing entry %s: %w", id, db.ErrNotFound)
	}
	e.Status = db.StatusFailed
	e.ErrorMessage = &reason
	e.ProcessedAt = &at
	return nil
}

func (s *Store) GetQueueEntry(ctx context.Context, id uuid.UUID) (*db.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("queue entry %s: %w", id, db.ErrNotFound)
	}
	return copyEntry(e), nil
}

func (s *Store) ListQueueEntries(ctx context.Context, filter db.QueueFilter) ([]*db.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*db.QueueEntry, 0)
	for _, e := range s.entries {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.Channel != "" && e.Channel != filter.Channel {
			continue
		}
		out = append(out, copyEntry(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, filter.Limit, filter.Offset), nil
}

func (s *Store) ListEntriesByNotification(ctx context.Context, notificationID uuid.UUID) ([]*db.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*db.QueueEntry, 0)
	for _, e := range s.entries {
		if e.NotificationID == notificationID {
			out = append(out, copyEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListDeliveryLogs(ctx context.Context, notificationID uuid.UUID) ([]*db.DeliveryLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*db.DeliveryLog, 0)
	for _, l := range s.logs {
		if l.NotificationID == notificationID {
			c := *l
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *Store) QueueStats(ctx context.Context) (*db.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &db.QueueStats{}
	for _, e := range s.entries {
		switch e.Status {
		case db.StatusPending:
			stats.Pending++
		case db.StatusProcessing:
			stats.Processing++
		case db.StatusCompleted:
			stats.Completed++
		case db.StatusFailed:
			stats.Failed++
		}
		stats.Total++
	}
	return stats, nil
}

func (s *Store) RequeueEntry(ctx context.Context, id uuid.UUID, now time.Time) (*db.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	failed, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("queue entry %s: %w", id, db.ErrNotFound)
	}
	if failed.Status != db.StatusFailed {
		return nil, fmt.Errorf("queue entry %s is %s: %w", id, failed.Status, db.ErrNotRequeueable)
	}
	fresh := &db.QueueEntry{
		ID:             uuid.New(),
		NotificationID: failed.NotificationID,
		Channel:        failed.Channel,
		Status:         db.StatusPending,
		MaxAttempts:    failed.MaxAttempts,
		Priority:       failed.Priority,
		ScheduledFor:   now,
		CreatedAt:      now,
	}
	s.entries[fresh.ID] = copyEntry(fresh)
	return fresh, nil
}

// SetScheduledFor moves an entry's due time, letting tests skip backoff.
func (s *Store) SetScheduledFor(id uuid.UUID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		e.ScheduledFor = at
	}
}

func (s *Store) DeleteProcessedEntries(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.entries {
		if !queue.IsTerminal(e.Status) {
			continue
		}
		at := e.CreatedAt
		if e.ProcessedAt != nil {
			at = *e.ProcessedAt
		}
		if at.Before(before) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteDeliveryLogs(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.logs)
	s.logs = slices.DeleteFunc(s.logs, func(l *db.DeliveryLog) bool { return l.SentAt.Before(before) })
	return int64(n - len(s.logs)), nil
}

func (s *Store) DeleteOldNotifications(ctx context.Context, before, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, notif := range s.notifications {
		if notif.CreatedAt.Before(before) || notif.IsExpired(now) {
			s.deleteNotificationLocked(id)
			n++
		}
	}
	return n, nil
}

func (s *Store) RecoverStaleClaims(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.entries {
		if e.Status == db.StatusProcessing && e.LastAttemptAt != nil && e.LastAttemptAt.Before(before) {
			e.Status = db.StatusPending
			n++
		}
	}
	return n, nil
}
