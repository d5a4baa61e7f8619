// Package memstore is an in-process implementation of the repository
// contracts. It keeps the conditional claim semantics of the Postgres store
// and backs local development and the pipeline tests.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/courier/internal/db"
)

type prefKey struct {
	user uuid.UUID
	typ  string
}

type deviceKey struct {
	user  uuid.UUID
	token string
}

// Store holds every entity in maps guarded by one mutex.
type Store struct {
	mu            sync.Mutex
	templates     map[string]*db.Template
	notifications map[uuid.UUID]*db.Notification
	preferences   map[prefKey]*db.Preference
	entries       map[uuid.UUID]*db.QueueEntry
	logs          []*db.DeliveryLog
	devices       map[deviceKey]*db.Device

	// FailNextCreate makes the next CreateNotificationWithEntries fail
	// without writing anything.
	FailNextCreate error
}

func New() *Store {
	return &Store{
		templates:     make(map[string]*db.Template),
		notifications: make(map[uuid.UUID]*db.Notification),
		preferences:   make(map[prefKey]*db.Preference),
		entries:       make(map[uuid.UUID]*db.QueueEntry),
		devices:       make(map[deviceKey]*db.Device),
	}
}

func copyNotification(n *db.Notification) *db.Notification {
	c := *n
	c.ChannelsSent = slices.Clone(n.ChannelsSent)
	return &c
}

func copyEntry(e *db.QueueEntry) *db.QueueEntry {
	c := *e
	return &c
}

// PutTemplate stores or replaces a template.
func (s *Store) PutTemplate(t *db.Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *t
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
		c.UpdatedAt = c.CreatedAt
	}
	s.templates[t.Key] = &c
}

func (s *Store) GetTemplate(ctx context.Context, key string) (*db.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[key]
	if !ok {
		return nil, fmt.Errorf("template %q: %w", key, db.ErrNotFound)
	}
	c := *t
	return &c, nil
}

func (s *Store) ListTemplates(ctx context.Context, activeOnly bool) ([]*db.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*db.Template, 0, len(s.templates))
	for _, t := range s.templates {
		if activeOnly && !t.IsActive {
			continue
		}
		c := *t
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) SetTemplateActive(ctx context.Context, key string, active bool) (*db.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[key]
	if !ok {
		return nil, fmt.Errorf("template %q: %w", key, db.ErrNotFound)
	}
	t.IsActive = active
	t.UpdatedAt = time.Now()
	c := *t
	return &c, nil
}

func (s *Store) CreateNotificationWithEntries(ctx context.Context, notif *db.Notification, entries []*db.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.FailNextCreate; err != nil {
		s.FailNextCreate = nil
		return err
	}
	if _, exists := s.notifications[notif.ID]; exists {
		return fmt.Errorf("notification %s already exists", notif.ID)
	}
	for _, e := range entries {
		if e.Attempts > e.MaxAttempts || !e.Channel.Queued() {
			return fmt.Errorf("invalid queue entry %s", e.ID)
		}
	}

	now := time.Now()
	notif.CreatedAt = now
	s.notifications[notif.ID] = copyNotification(notif)
	for _, e := range entries {
		e.CreatedAt = now
		s.entries[e.ID] = copyEntry(e)
	}
	return nil
}

func (s *Store) GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return nil, fmt.Errorf("notification %s: %w", id, db.ErrNotFound)
	}
	return copyNotification(n), nil
}

// DeleteNotification removes a notification and cascades to its entries and
// logs, as the foreign keys do in Postgres.
func (s *Store) DeleteNotification(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteNotificationLocked(id)
}

func (s *Store) deleteNotificationLocked(id uuid.UUID) {
	delete(s.notifications, id)
	for eid, e := range s.entries {
		if e.NotificationID == id {
			delete(s.entries, eid)
		}
	}
	s.logs = slices.DeleteFunc(s.logs, func(l *db.DeliveryLog) bool { return l.NotificationID == id })
}

func (s *Store) ListNotifications(ctx context.Context, userID uuid.UUID, filter db.NotificationFilter, now time.Time) ([]*db.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*db.Notification, 0)
	for _, n := range s.notifications {
		if n.UserID != userID || n.IsExpired(now) {
			continue
		}
		if filter.UnreadOnly && n.IsRead {
			continue
		}
		if filter.Type != "" && n.Type != filter.Type {
			continue
		}
		out = append(out, copyNotification(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, filter.Limit, filter.Offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return items[:0]
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (s *Store) MarkRead(ctx context.Context, id, userID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok || n.UserID != userID {
		return fmt.Errorf("notification %s: %w", id, db.ErrNotFound)
	}
	if !n.IsRead {
		n.IsRead = true
		n.ReadAt = &at
	}
	return nil
}

func (s *Store) MarkAllRead(ctx context.Context, userID uuid.UUID, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, n := range s.notifications {
		if n.UserID == userID && !n.IsRead {
			n.IsRead = true
			n.ReadAt = &at
			count++
		}
	}
	return count, nil
}

func (s *Store) UnreadCount(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, n := range s.notifications {
		if n.UserID == userID && !n.IsRead && !n.IsExpired(now) {
			count++
		}
	}
	return count, nil
}

func (s *Store) GetPreference(ctx context.Context, userID uuid.UUID, notificationType string) (*db.Preference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.preferences[prefKey{userID, notificationType}]
	if !ok {
		return nil, db.ErrNotFound
	}
	c := *p
	return &c, nil
}

func (s *Store) ListPreferences(ctx context.Context, userID uuid.UUID) ([]*db.Preference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*db.Preference, 0)
	for k, p := range s.preferences {
		if k.user == userID {
			c := *p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NotificationType < out[j].NotificationType })
	return out, nil
}

func (s *Store) UpsertPreference(ctx context.Context, p *db.Preference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	key := prefKey{p.UserID, p.NotificationType}
	if existing, ok := s.preferences[key]; ok {
		p.CreatedAt = existing.CreatedAt
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	c := *p
	s.preferences[key] = &c
	return nil
}

func (s *Store) DeletePreference(ctx context.Context, userID uuid.UUID, notificationType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := prefKey{userID, notificationType}
	if _, ok := s.preferences[key]; !ok {
		return db.ErrNotFound
	}
	delete(s.preferences, key)
	return nil
}
