package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lalithlochan/courier/internal/channel"
)

type mockEmail struct {
	err   error
	calls int
}

func (m *mockEmail) Name() string { return "mock-email" }

func (m *mockEmail) SendEmail(ctx context.Context, msg channel.EmailMessage) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	return "msg-1", nil
}

type mockPush struct {
	results []channel.TokenResult
	err     error
	calls   int
}

func (m *mockPush) Name() string { return "mock-push" }

func (m *mockPush) SendPush(ctx context.Context, msg channel.PushMessage) ([]channel.TokenResult, error) {
	m.calls++
	return m.results, m.err
}

var testEmail = channel.EmailMessage{To: "ana@example.com", Subject: "hi", Body: "hello"}

func TestProtectedEmailSender_PassesThrough(t *testing.T) {
	mock := &mockEmail{}
	ps := NewProtectedEmailSender(mock, New(Config{Name: "ses"}, testLogger()), testLogger())

	id, err := ps.SendEmail(context.Background(), testEmail)
	if err != nil || id != "msg-1" {
		t.Fatalf("unexpected result: %q %v", id, err)
	}
	if ps.Name() != "mock-email" {
		t.Errorf("name = %s", ps.Name())
	}
}

func TestProtectedEmailSender_FailFastWhenOpen(t *testing.T) {
	mock := &mockEmail{err: errors.New("throttled")}
	ps := NewProtectedEmailSender(mock, New(Config{Name: "ses", Threshold: 2}, testLogger()), testLogger())

	ps.SendEmail(context.Background(), testEmail)
	ps.SendEmail(context.Background(), testEmail)
	mock.calls = 0

	_, err := ps.SendEmail(context.Background(), testEmail)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got: %v", err)
	}
	if channel.IsPermanent(err) {
		t.Error("open circuit must be a transient failure")
	}
	if mock.calls != 0 {
		t.Fatalf("sender called %d times when circuit open", mock.calls)
	}
}

func TestProtectedEmailSender_PermanentErrorsDoNotTrip(t *testing.T) {
	mock := &mockEmail{err: channel.Permanent(errors.New("address rejected"))}
	cb := New(Config{Name: "ses", Threshold: 2}, testLogger())
	ps := NewProtectedEmailSender(mock, cb, testLogger())

	for i := 0; i < 5; i++ {
		if _, err := ps.SendEmail(context.Background(), testEmail); !channel.IsPermanent(err) {
			t.Fatalf("expected the permanent error back, got %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
	if mock.calls != 5 {
		t.Errorf("calls = %d", mock.calls)
	}
}

func TestProtectedPushSender_Health(t *testing.T) {
	tests := []struct {
		name     string
		results  []channel.TokenResult
		err      error
		wantOpen bool
	}{
		{"partial success", []channel.TokenResult{{Token: "a", MessageID: "m"}, {Token: "b", Err: errors.New("unavailable")}}, nil, false},
		{"only invalid tokens", []channel.TokenResult{{Token: "a", Err: errors.New("unregistered"), Invalid: true}}, nil, false},
		{"all transient", []channel.TokenResult{{Token: "a", Err: errors.New("unavailable")}}, nil, true},
		{"request error", nil, errors.New("connection refused"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockPush{results: tt.results, err: tt.err}
			cb := New(Config{Name: "fcm", Threshold: 1}, testLogger())
			ps := NewProtectedPushSender(mock, cb, testLogger())

			ps.SendPush(context.Background(), channel.PushMessage{Tokens: []string{"a", "b"}})
			if got := cb.State() == StateOpen; got != tt.wantOpen {
				t.Errorf("open = %v, want %v", got, tt.wantOpen)
			}
		})
	}
}

func TestProtectedEmailSender_FullLifecycle(t *testing.T) {
	mock := &mockEmail{}
	cb := New(Config{Name: "lifecycle", Threshold: 3, Cooldown: time.Minute}, testLogger())
	clock := withClock(cb)
	ps := NewProtectedEmailSender(mock, cb, testLogger())
	ctx := context.Background()

	if _, err := ps.SendEmail(ctx, testEmail); err != nil {
		t.Fatalf("healthy: %v", err)
	}

	mock.err = errors.New("SES down")
	for i := 0; i < 3; i++ {
		ps.SendEmail(ctx, testEmail)
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	mock.calls = 0
	if _, err := ps.SendEmail(ctx, testEmail); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected fail fast, got %v", err)
	}
	if mock.calls != 0 {
		t.Fatal("sender should not be called while open")
	}

	clock.advance(time.Minute)
	mock.err = nil
	if _, err := ps.SendEmail(ctx, testEmail); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after probe, got %s", cb.State())
	}
}
