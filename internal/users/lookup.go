// Package users resolves recipient contact details from the user
// datastore, which lives outside the notification database.
package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ErrUserNotFound means the user datastore has no such user.
var ErrUserNotFound = errors.New("user not found")

type Contact struct {
	UserID      uuid.UUID `json:"user_id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
}

type Lookup interface {
	Contact(ctx context.Context, userID uuid.UUID) (*Contact, error)
}

// PostgresLookup reads contacts from a users table in a separate database.
type PostgresLookup struct {
	pool  *pgxpool.Pool
	query string
}

// NewPostgresLookup expects table to have id, email and display_name
// columns. The table name may be schema-qualified.
func NewPostgresLookup(pool *pgxpool.Pool, table string) *PostgresLookup {
	ident := pgx.Identifier(splitQualified(table)).Sanitize()
	return &PostgresLookup{
		pool:  pool,
		query: fmt.Sprintf(`SELECT id, email, COALESCE(display_name, '') FROM %s WHERE id = $1`, ident),
	}
}

func (l *PostgresLookup) Contact(ctx context.Context, userID uuid.UUID) (*Contact, error) {
	var c Contact
	err := l.pool.QueryRow(ctx, l.query, userID).Scan(&c.UserID, &c.Email, &c.DisplayName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user %s: %w", userID, err)
	}
	return &c, nil
}

func splitQualified(table string) []string {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return []string{schema, name}
	}
	return []string{table}
}

// Cache is the byte store CachedLookup keeps contacts in.
type Cache interface {
	Get(ctx context.Context, userID string) ([]byte, error)
	Set(ctx context.Context, userID string, payload []byte) error
}

// CachedLookup fronts another Lookup with a cache. Cache failures fall
// through to the underlying lookup; misses for unknown users are not cached.
type CachedLookup struct {
	next   Lookup
	cache  Cache
	logger *zap.Logger
}

func NewCachedLookup(next Lookup, cache Cache, logger *zap.Logger) *CachedLookup {
	return &CachedLookup{next: next, cache: cache, logger: logger}
}

func (l *CachedLookup) Contact(ctx context.Context, userID uuid.UUID) (*Contact, error) {
	key := userID.String()

	raw, err := l.cache.Get(ctx, key)
	if err != nil {
		l.logger.Warn("contact cache read failed", zap.String("user_id", key), zap.Error(err))
	}
	if raw != nil {
		var c Contact
		if err := json.Unmarshal(raw, &c); err == nil {
			return &c, nil
		}
		l.logger.Warn("discarding corrupt cached contact", zap.String("user_id", key))
	}

	c, err := l.next.Contact(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(c); err == nil {
		if err := l.cache.Set(ctx, key, data); err != nil {
			l.logger.Warn("contact cache write failed", zap.String("user_id", key), zap.Error(err))
		}
	}
	return c, nil
}

// StaticLookup serves a fixed set of contacts.
type StaticLookup struct {
	mu       sync.RWMutex
	contacts map[uuid.UUID]Contact
}

func NewStaticLookup(contacts ...Contact) *StaticLookup {
	s := &StaticLookup{contacts: make(map[uuid.UUID]Contact, len(contacts))}
	for _, c := range contacts {
		s.contacts[c.UserID] = c
	}
	return s
}

func (s *StaticLookup) Put(c Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.UserID] = c
}

func (s *StaticLookup) Contact(ctx context.Context, userID uuid.UUID) (*Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &c, nil
}
