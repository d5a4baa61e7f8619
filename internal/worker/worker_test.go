package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/channel"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/device"
	"github.com/lalithlochan/courier/internal/memstore"
	"github.com/lalithlochan/courier/internal/sqs"
	"github.com/lalithlochan/courier/internal/users"
)

type fakeEmail struct {
	calls atomic.Int64
	err   error
	block bool
}

func (f *fakeEmail) Name() string { return "fake" }

func (f *fakeEmail) SendEmail(ctx context.Context, msg channel.EmailMessage) (string, error) {
	n := f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("msg-%d", n), nil
}

type fakePush struct {
	mu       sync.Mutex
	byToken  map[string]channel.TokenResult
	requests [][]string
}

func (f *fakePush) Name() string { return "fakepush" }

func (f *fakePush) SendPush(ctx context.Context, msg channel.PushMessage) ([]channel.TokenResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, msg.Tokens)
	f.mu.Unlock()

	out := make([]channel.TokenResult, len(msg.Tokens))
	for i, t := range msg.Tokens {
		r, ok := f.byToken[t]
		if !ok {
			r = channel.TokenResult{MessageID: "push-" + t}
		}
		r.Token = t
		out[i] = r
	}
	return out, nil
}

type recordingEvents struct {
	mu     sync.Mutex
	events []sqs.DeliveryEvent
}

func (r *recordingEvents) PublishDelivery(ctx context.Context, ev sqs.DeliveryEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

type fixture struct {
	store    *memstore.Store
	registry *device.Registry
	contacts *users.StaticLookup
	email    *fakeEmail
	push     *fakePush
	events   *recordingEvents
	now      time.Time
	user     uuid.UUID
}

func newFixture() *fixture {
	store := memstore.New()
	user := uuid.New()
	return &fixture{
		store:    store,
		registry: device.NewRegistry(store, zap.NewNop()),
		contacts: users.NewStaticLookup(users.Contact{UserID: user, Email: "ana@example.com"}),
		email:    &fakeEmail{},
		push:     &fakePush{byToken: map[string]channel.TokenResult{}},
		events:   &recordingEvents{},
		now:      time.Now(),
		user:     user,
	}
}

func (f *fixture) worker(cfg Config) *Worker {
	return New(f.store, Senders{Email: f.email, Push: f.push}, f.registry, f.contacts, cfg, zap.NewNop(),
		WithEvents(f.events),
		WithClock(func() time.Time { return f.now }),
	)
}

func (f *fixture) enqueue(t *testing.T, ch db.Channel, priority int, expiresAt *time.Time) *db.QueueEntry {
	t.Helper()
	notif := &db.Notification{
		ID:        uuid.New(),
		UserID:    f.user,
		Title:     "Weekly digest",
		Content:   "Here is what you missed",
		Type:      "digest",
		ExpiresAt: expiresAt,
	}
	entry := &db.QueueEntry{
		ID:             uuid.New(),
		NotificationID: notif.ID,
		Channel:        ch,
		Status:         db.StatusPending,
		MaxAttempts:    3,
		Priority:       priority,
		ScheduledFor:   f.now.Add(-time.Second),
	}
	if err := f.store.CreateNotificationWithEntries(context.Background(), notif, []*db.QueueEntry{entry}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return entry
}

func (f *fixture) entry(t *testing.T, id uuid.UUID) *db.QueueEntry {
	t.Helper()
	e, err := f.store.GetQueueEntry(context.Background(), id)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	return e
}

func (f *fixture) logs(t *testing.T, notificationID uuid.UUID) []*db.DeliveryLog {
	t.Helper()
	logs, err := f.store.ListDeliveryLogs(context.Background(), notificationID)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	return logs
}

func TestRunOnce_EmailDelivered(t *testing.T) {
	f := newFixture()
	e := f.enqueue(t, db.ChannelEmail, 0, nil)

	n, err := f.worker(Config{}).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 processed, got %d", n)
	}

	got := f.entry(t, e.ID)
	if got.Status != db.StatusCompleted || got.Attempts != 1 || got.ProcessedAt == nil {
		t.Errorf("unexpected entry: %+v", got)
	}

	logs := f.logs(t, e.NotificationID)
	if len(logs) != 1 {
		t.Fatalf("expected 1 log, got %d", len(logs))
	}
	if logs[0].Status != db.DeliverySent || logs[0].ProviderMessageID == nil || *logs[0].ProviderMessageID != "msg-1" {
		t.Errorf("unexpected log: %+v", logs[0])
	}
	if p, _ := logs[0].ProviderResponse["provider"].AsString(); p != "fake" {
		t.Errorf("expected provider fake, got %q", p)
	}

	notif, _ := f.store.GetNotification(context.Background(), e.NotificationID)
	if len(notif.ChannelsSent) != 1 || notif.ChannelsSent[0] != db.ChannelEmail {
		t.Errorf("expected email in channels_sent, got %v", notif.ChannelsSent)
	}

	if len(f.events.events) != 1 || f.events.events[0].Status != string(db.StatusCompleted) {
		t.Errorf("unexpected events: %+v", f.events.events)
	}
}

func TestRunOnce_TransientFailureRetriesUntilFailed(t *testing.T) {
	f := newFixture()
	f.email.err = errors.New("connection reset")
	e := f.enqueue(t, db.ChannelEmail, 0, nil)
	w := f.worker(Config{})

	for attempt := 1; attempt <= 3; attempt++ {
		if _, err := w.RunOnce(context.Background()); err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}
		got := f.entry(t, e.ID)
		if got.Attempts != attempt {
			t.Fatalf("attempt %d: expected attempts %d, got %d", attempt, attempt, got.Attempts)
		}
		if attempt < 3 {
			if got.Status != db.StatusPending {
				t.Fatalf("attempt %d: expected pending, got %s", attempt, got.Status)
			}
			if !got.ScheduledFor.After(f.now) {
				t.Errorf("attempt %d: expected backoff, scheduled_for %v", attempt, got.ScheduledFor)
			}
			// Not claimable until the backoff elapses.
			if n, _ := w.RunOnce(context.Background()); n != 0 {
				t.Fatalf("attempt %d: entry claimed before backoff elapsed", attempt)
			}
			f.store.SetScheduledFor(e.ID, f.now)
			continue
		}
		if got.Status != db.StatusFailed {
			t.Errorf("expected failed after max attempts, got %s", got.Status)
		}
		if got.ErrorMessage == nil || !strings.Contains(*got.ErrorMessage, "connection reset") {
			t.Errorf("unexpected error message: %v", got.ErrorMessage)
		}
	}

	if n := len(f.logs(t, e.NotificationID)); n != 3 {
		t.Errorf("expected 3 delivery logs, got %d", n)
	}
	if calls := f.email.calls.Load(); calls != 3 {
		t.Errorf("expected 3 sends, got %d", calls)
	}
}

func TestRunOnce_PermanentFailureSkipsRetries(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
	}{
		{
			name:  "provider rejects",
			setup: func(f *fixture) { f.email.err = channel.Permanent(errors.New("address rejected")) },
		},
		{
			name:  "unknown recipient",
			setup: func(f *fixture) { f.contacts = users.NewStaticLookup() },
		},
		{
			name:  "no email address",
			setup: func(f *fixture) { f.contacts = users.NewStaticLookup(users.Contact{UserID: f.user}) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			tt.setup(f)
			e := f.enqueue(t, db.ChannelEmail, 0, nil)

			if _, err := f.worker(Config{}).RunOnce(context.Background()); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			got := f.entry(t, e.ID)
			if got.Status != db.StatusFailed || got.Attempts != 1 {
				t.Errorf("expected failed after 1 attempt, got %s/%d", got.Status, got.Attempts)
			}
			logs := f.logs(t, e.NotificationID)
			if len(logs) != 1 || logs[0].Status != db.DeliveryFailed {
				t.Errorf("expected one failed log, got %+v", logs)
			}
		})
	}
}

func TestRunOnce_SendTimeoutIsTransient(t *testing.T) {
	f := newFixture()
	f.email.block = true
	e := f.enqueue(t, db.ChannelEmail, 0, nil)

	if _, err := f.worker(Config{SendTimeout: 20 * time.Millisecond}).RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := f.entry(t, e.ID)
	if got.Status != db.StatusPending || got.Attempts != 1 {
		t.Errorf("expected pending retry, got %s/%d", got.Status, got.Attempts)
	}
	if got.ErrorMessage == nil || !strings.Contains(*got.ErrorMessage, "timed out") {
		t.Errorf("expected timeout message, got %v", got.ErrorMessage)
	}
}

func TestRunOnce_ExpiredNotification(t *testing.T) {
	f := newFixture()
	expired := f.now.Add(-time.Minute)
	e := f.enqueue(t, db.ChannelEmail, 0, &expired)

	if _, err := f.worker(Config{}).RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := f.entry(t, e.ID)
	if got.Status != db.StatusFailed || got.Attempts != 0 {
		t.Errorf("expected failed with no attempts, got %s/%d", got.Status, got.Attempts)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "notification expired" {
		t.Errorf("unexpected error message: %v", got.ErrorMessage)
	}
	if f.email.calls.Load() != 0 {
		t.Error("provider should not be called for an expired notification")
	}
	if n := len(f.logs(t, e.NotificationID)); n != 0 {
		t.Errorf("expected no delivery logs, got %d", n)
	}
}

// missingNotifications simulates a notification removed between enqueue
// and delivery.
type missingNotifications struct {
	*memstore.Store
}

func (m missingNotifications) GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	return nil, db.ErrNotFound
}

func TestRunOnce_NotificationMissing(t *testing.T) {
	f := newFixture()
	e := f.enqueue(t, db.ChannelEmail, 0, nil)
	w := New(missingNotifications{f.store}, Senders{Email: f.email}, f.registry, f.contacts, Config{}, zap.NewNop(),
		WithClock(func() time.Time { return f.now }))

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := f.entry(t, e.ID)
	if got.Status != db.StatusFailed || got.Attempts != 0 {
		t.Errorf("expected failed with no attempts, got %s/%d", got.Status, got.Attempts)
	}
	if f.email.calls.Load() != 0 {
		t.Error("provider should not be called")
	}
}

func TestRunOnce_PushPartialSuccess(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	for _, tok := range []string{"good", "gone", "flaky"} {
		if _, err := f.registry.Register(ctx, f.user, tok, db.DeviceAndroid, nil); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	f.push.byToken["gone"] = channel.TokenResult{Err: errors.New("unregistered"), Invalid: true}
	f.push.byToken["flaky"] = channel.TokenResult{Err: errors.New("unavailable")}
	e := f.enqueue(t, db.ChannelPush, 0, nil)

	if _, err := f.worker(Config{}).RunOnce(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := f.entry(t, e.ID)
	if got.Status != db.StatusCompleted {
		t.Errorf("one accepted token should complete the entry, got %s", got.Status)
	}

	logs := f.logs(t, e.NotificationID)
	if len(logs) != 3 {
		t.Fatalf("expected one log per token, got %d", len(logs))
	}
	statuses := map[string]string{}
	for _, l := range logs {
		tok, _ := l.ProviderResponse["device_token"].AsString()
		statuses[tok] = l.Status
	}
	want := map[string]string{"good": db.DeliverySent, "gone": db.DeliveryFailed, "flaky": db.DeliveryFailed}
	for tok, status := range want {
		if statuses[tok] != status {
			t.Errorf("token %s: expected %s, got %s", tok, status, statuses[tok])
		}
	}

	active, _ := f.registry.ListActive(ctx, f.user)
	if len(active) != 2 {
		t.Errorf("expected invalid token deactivated, active=%v", active)
	}
	for _, tok := range active {
		if tok == "gone" {
			t.Error("invalid token still active")
		}
	}
}

func TestRunOnce_PushAllFailed(t *testing.T) {
	tests := []struct {
		name       string
		results    map[string]channel.TokenResult
		wantStatus db.QueueStatus
	}{
		{
			name: "all invalid is permanent",
			results: map[string]channel.TokenResult{
				"a": {Err: errors.New("unregistered"), Invalid: true},
				"b": {Err: errors.New("unregistered"), Invalid: true},
			},
			wantStatus: db.StatusFailed,
		},
		{
			name: "any transient retries",
			results: map[string]channel.TokenResult{
				"a": {Err: errors.New("unregistered"), Invalid: true},
				"b": {Err: errors.New("quota exceeded")},
			},
			wantStatus: db.StatusPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			ctx := context.Background()
			for tok := range tt.results {
				if _, err := f.registry.Register(ctx, f.user, tok, db.DeviceIOS, nil); err != nil {
					t.Fatalf("register: %v", err)
				}
			}
			f.push.byToken = tt.results
			e := f.enqueue(t, db.ChannelPush, 0, nil)

			if _, err := f.worker(Config{}).RunOnce(ctx); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got := f.entry(t, e.ID)
			if got.Status != tt.wantStatus || got.Attempts != 1 {
				t.Errorf("expected %s after 1 attempt, got %s/%d", tt.wantStatus, got.Status, got.Attempts)
			}
		})
	}
}

func TestRunOnce_PushWithoutDevices(t *testing.T) {
	f := newFixture()
	e := f.enqueue(t, db.ChannelPush, 0, nil)

	if _, err := f.worker(Config{}).RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := f.entry(t, e.ID)
	if got.Status != db.StatusFailed || got.Attempts != 1 {
		t.Errorf("expected permanent failure, got %s/%d", got.Status, got.Attempts)
	}
	if len(f.push.requests) != 0 {
		t.Error("provider should not be called without devices")
	}
}

func TestRunOnce_PriorityOrder(t *testing.T) {
	f := newFixture()
	low := f.enqueue(t, db.ChannelEmail, 0, nil)
	high := f.enqueue(t, db.ChannelEmail, 10, nil)
	w := f.worker(Config{BatchSize: 1, Concurrency: 1})

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.entry(t, high.ID); got.Status != db.StatusCompleted {
		t.Errorf("high priority entry should go first, got %s", got.Status)
	}
	if got := f.entry(t, low.ID); got.Status != db.StatusPending {
		t.Errorf("low priority entry should still be pending, got %s", got.Status)
	}
}

func TestRunOnce_ConcurrentWorkersDeliverOnce(t *testing.T) {
	f := newFixture()
	const entries = 40
	ids := make([]uuid.UUID, entries)
	for i := range ids {
		ids[i] = f.enqueue(t, db.ChannelEmail, 0, nil).ID
	}

	var processed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		w := f.worker(Config{BatchSize: entries, Concurrency: 4})
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := w.RunOnce(context.Background())
			if err != nil {
				t.Errorf("run once: %v", err)
			}
			processed.Add(int64(n))
		}()
	}
	wg.Wait()

	if got := processed.Load(); got != entries {
		t.Errorf("expected %d entries processed in total, got %d", entries, got)
	}
	if calls := f.email.calls.Load(); calls != entries {
		t.Errorf("expected exactly %d sends, got %d", entries, calls)
	}
	for _, id := range ids {
		if got := f.entry(t, id); got.Status != db.StatusCompleted || got.Attempts != 1 {
			t.Errorf("entry %s: %s/%d", id, got.Status, got.Attempts)
		}
	}
}

func TestProcess_StaleListingDoesNotResend(t *testing.T) {
	f := newFixture()
	f.email.err = errors.New("connection reset")
	e := f.enqueue(t, db.ChannelEmail, 0, nil)
	ctx := context.Background()

	listed, err := f.store.ListClaimable(ctx, f.now, 10)
	if err != nil || len(listed) != 1 {
		t.Fatalf("list claimable: %v, %d entries", err, len(listed))
	}

	// Another worker attempts the entry between our listing and our claim.
	if n, err := f.worker(Config{}).RunOnce(ctx); err != nil || n != 1 {
		t.Fatalf("first worker: n=%d err=%v", n, err)
	}
	after := f.entry(t, e.ID)
	if after.Status != db.StatusPending || after.Attempts != 1 || !after.ScheduledFor.After(f.now) {
		t.Fatalf("expected pending retry in the future, got %+v", after)
	}

	w := f.worker(Config{})
	if w.process(ctx, listed[0]) {
		t.Fatal("claim inside the backoff window should be lost")
	}
	if got := f.email.calls.Load(); got != 1 {
		t.Errorf("expected 1 send, got %d", got)
	}

	f.now = after.ScheduledFor.Add(time.Second)
	if !w.process(ctx, listed[0]) {
		t.Fatal("claim after the backoff should succeed")
	}
	got := f.entry(t, e.ID)
	if got.Attempts != 2 {
		t.Errorf("attempts must advance from the claimed row, got %d", got.Attempts)
	}
	if f.email.calls.Load() != 2 {
		t.Errorf("expected 2 sends, got %d", f.email.calls.Load())
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture()
	wake := make(chan struct{}, 1)
	w := f.worker(Config{PollInterval: time.Hour, Wake: wake})

	done := make(chan struct{})
	go func() {
		w.Start(context.Background())
		close(done)
	}()

	e := f.enqueue(t, db.ChannelEmail, 0, nil)
	wake <- struct{}{}

	deadline := time.Now().Add(2 * time.Second)
	for f.entry(t, e.ID).Status != db.StatusCompleted {
		if time.Now().After(deadline) {
			t.Fatal("entry not delivered after wake-up")
		}
		time.Sleep(5 * time.Millisecond)
	}

	w.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
