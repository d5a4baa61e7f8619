package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/courier/internal/db"
)

func seedEntry(t *testing.T, s *Store, scheduledFor time.Time) *db.QueueEntry {
	t.Helper()
	notif := &db.Notification{ID: uuid.New(), UserID: uuid.New(), Title: "t", Content: "c", Type: "digest"}
	entry := &db.QueueEntry{
		ID:             uuid.New(),
		NotificationID: notif.ID,
		Channel:        db.ChannelEmail,
		Status:         db.StatusPending,
		Attempts:       1,
		MaxAttempts:    3,
		ScheduledFor:   scheduledFor,
	}
	if err := s.CreateNotificationWithEntries(context.Background(), notif, []*db.QueueEntry{entry}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return entry
}

func TestClaimEntry(t *testing.T) {
	now := time.Now()
	ctx := context.Background()

	tests := []struct {
		name         string
		scheduledFor time.Time
		claimAt      time.Time
		wantClaimed  bool
	}{
		{"due", now.Add(-time.Minute), now, true},
		{"due exactly now", now, now, true},
		{"still backing off", now.Add(5 * time.Minute), now, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			e := seedEntry(t, s, tt.scheduledFor)

			claimed, err := s.ClaimEntry(ctx, e.ID, tt.claimAt)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if (claimed != nil) != tt.wantClaimed {
				t.Fatalf("claimed = %v, want %v", claimed != nil, tt.wantClaimed)
			}
			if !tt.wantClaimed {
				return
			}
			if claimed.Status != db.StatusProcessing || claimed.Attempts != 1 {
				t.Errorf("claim should return the current row, got %s/%d", claimed.Status, claimed.Attempts)
			}
			if again, _ := s.ClaimEntry(ctx, e.ID, tt.claimAt); again != nil {
				t.Error("second claim should lose")
			}
		})
	}
}

func TestRecordAttempt_RejectsIllegalTransitions(t *testing.T) {
	now := time.Now()
	ctx := context.Background()
	s := New()
	e := seedEntry(t, s, now.Add(-time.Minute))

	if _, err := s.ClaimEntry(ctx, e.ID, now); err != nil {
		t.Fatalf("claim: %v", err)
	}

	for _, status := range []db.QueueStatus{db.StatusProcessing, db.QueueStatus("stuck")} {
		err := s.RecordAttempt(ctx, &db.Attempt{
			EntryID:     e.ID,
			Status:      status,
			Attempts:    2,
			AttemptedAt: now,
		})
		if err == nil {
			t.Errorf("processing -> %s should be rejected", status)
		}
	}

	if err := s.RecordAttempt(ctx, &db.Attempt{EntryID: e.ID, Status: db.StatusCompleted, Attempts: 2, AttemptedAt: now}); err != nil {
		t.Fatalf("processing -> completed: %v", err)
	}
	if err := s.FailEntry(ctx, e.ID, "late", now); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("completed entry must not be failed, got %v", err)
	}
}

func TestFailEntry_RequiresClaim(t *testing.T) {
	s := New()
	e := seedEntry(t, s, time.Now())

	if err := s.FailEntry(context.Background(), e.ID, "expired", time.Now()); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("pending entry must not be failed directly, got %v", err)
	}
}
