// Package queue holds the delivery queue state machine. It is pure: the
// worker asks Decide what to write and the repository writes it.
package queue

import (
	"time"

	"github.com/lalithlochan/courier/internal/db"
)

var transitions = map[db.QueueStatus][]db.QueueStatus{
	db.StatusPending:    {db.StatusProcessing},
	db.StatusProcessing: {db.StatusCompleted, db.StatusPending, db.StatusFailed},
}

// CanTransition reports whether the graph allows from -> to.
// Completed and failed are terminal.
func CanTransition(from, to db.QueueStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s db.QueueStatus) bool {
	return s == db.StatusCompleted || s == db.StatusFailed
}

// Backoff computes retry delays as Base * 3^(attempts-1), capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff is 5m, 15m, 45m ... up to 6h.
var DefaultBackoff = Backoff{Base: 5 * time.Minute, Max: 6 * time.Hour}

// Delay returns the wait before the next attempt, given the attempt count
// after the failed attempt was recorded.
func (b Backoff) Delay(attempts int) time.Duration {
	if b.Base <= 0 {
		b = DefaultBackoff
	}
	if attempts < 1 {
		attempts = 1
	}
	d := b.Base
	for i := 1; i < attempts; i++ {
		d *= 3
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Outcome is what happened when the adapter ran.
type Outcome struct {
	Err       error
	Permanent bool
}

// Succeeded reports whether the attempt delivered.
func (o Outcome) Succeeded() bool { return o.Err == nil }

// Transition is the state a processing entry moves to after an attempt.
type Transition struct {
	Status       db.QueueStatus
	Attempts     int
	ScheduledFor time.Time
	ErrorMessage *string
}

// Decide computes the next state of a processing entry. The attempt counter
// always advances by one; a transient failure below the limit goes back to
// pending after the backoff delay.
func Decide(entry *db.QueueEntry, outcome Outcome, now time.Time, backoff Backoff) Transition {
	attempts := entry.Attempts + 1
	if entry.MaxAttempts > 0 && attempts > entry.MaxAttempts {
		attempts = entry.MaxAttempts
	}

	if outcome.Succeeded() {
		return Transition{
			Status:       db.StatusCompleted,
			Attempts:     attempts,
			ScheduledFor: entry.ScheduledFor,
		}
	}

	msg := outcome.Err.Error()
	if outcome.Permanent || attempts >= entry.MaxAttempts {
		return Transition{
			Status:       db.StatusFailed,
			Attempts:     attempts,
			ScheduledFor: entry.ScheduledFor,
			ErrorMessage: &msg,
		}
	}

	return Transition{
		Status:       db.StatusPending,
		Attempts:     attempts,
		ScheduledFor: now.Add(backoff.Delay(attempts)),
		ErrorMessage: &msg,
	}
}
