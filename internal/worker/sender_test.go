package worker

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/channel"
)

func TestLogSender_SendEmail(t *testing.T) {
	sender := NewLogSender(zap.NewNop())

	id, err := sender.SendEmail(context.Background(), channel.EmailMessage{To: "ana@example.com", Subject: "s", Body: "b"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.HasPrefix(id, "log-") {
		t.Errorf("unexpected message id %q", id)
	}
}

func TestLogSender_SendEmailWithoutRecipient(t *testing.T) {
	sender := NewLogSender(zap.NewNop())
	if _, err := sender.SendEmail(context.Background(), channel.EmailMessage{}); !channel.IsPermanent(err) {
		t.Errorf("expected permanent error, got %v", err)
	}
}

func TestLogSender_SendPush(t *testing.T) {
	sender := NewLogSender(zap.NewNop())

	results, err := sender.SendPush(context.Background(), channel.PushMessage{Tokens: []string{"a", "b"}, Title: "t"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for i, r := range results {
		if r.Err != nil || r.MessageID == "" || r.Token != []string{"a", "b"}[i] {
			t.Errorf("unexpected result %d: %+v", i, r)
		}
	}
}
