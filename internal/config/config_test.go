package config

import (
	"strings"
	"testing"
	"time"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/dispatch"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := loadFrom(map[string]string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 8080 || cfg.Store != "postgres" || cfg.EmailProvider != ProviderLog {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.WorkerPollInterval != 5*time.Second || cfg.WorkerBatchSize != 10 {
		t.Errorf("unexpected worker defaults: %s / %d", cfg.WorkerPollInterval, cfg.WorkerBatchSize)
	}
	if cfg.RetryBaseDelay != 5*time.Minute || cfg.RetryMaxDelay != 6*time.Hour {
		t.Errorf("unexpected retry defaults: %s / %s", cfg.RetryBaseDelay, cfg.RetryMaxDelay)
	}
	if cfg.RetentionStaleClaims != 15*time.Minute {
		t.Errorf("unexpected stale claim timeout: %s", cfg.RetentionStaleClaims)
	}
	if got := cfg.SNSPushRegion(); got != "us-east-1" {
		t.Errorf("SNS region should default to AWS_REGION, got %q", got)
	}
}

func TestLoad_Policies(t *testing.T) {
	cfg, err := loadFrom(map[string]string{
		"DEFAULT_MAX_ATTEMPTS": "4",
		"DELIVERY_POLICIES":    "security_alert:5/10, marketing:1",
		"CHANNEL_POLICIES":     "push:2/1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p := cfg.Policies()
	tests := []struct {
		typ  string
		ch   db.Channel
		want dispatch.Policy
	}{
		{"security_alert", db.ChannelEmail, dispatch.Policy{MaxAttempts: 5, Priority: 10}},
		{"marketing", db.ChannelPush, dispatch.Policy{MaxAttempts: 1}},
		{"digest", db.ChannelPush, dispatch.Policy{MaxAttempts: 2, Priority: 1}},
		{"digest", db.ChannelEmail, dispatch.Policy{MaxAttempts: 4}},
	}
	for _, tt := range tests {
		if got := p.For(tt.typ, tt.ch); got != tt.want {
			t.Errorf("For(%s, %s) = %+v, want %+v", tt.typ, tt.ch, got, tt.want)
		}
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		environ map[string]string
		wantErr string
	}{
		{"bad port", map[string]string{"PORT": "70000"}, "PORT"},
		{"unknown store", map[string]string{"STORE": "sqlite"}, "STORE"},
		{"unknown email provider", map[string]string{"EMAIL_PROVIDER": "smtp"}, "EMAIL_PROVIDER"},
		{"postmark without token", map[string]string{"EMAIL_PROVIDER": "postmark"}, "POSTMARK_SERVER_TOKEN"},
		{"fcm without credentials", map[string]string{"PUSH_PROVIDER": "fcm"}, "FIREBASE_CREDENTIALS_FILE"},
		{"zero concurrency", map[string]string{"WORKER_CONCURRENCY": "0"}, "WORKER_CONCURRENCY"},
		{"max below base", map[string]string{"RETRY_BASE_DELAY": "1h", "RETRY_MAX_DELAY": "1m"}, "retry delays"},
		{"malformed policy", map[string]string{"DELIVERY_POLICIES": "alert"}, "key:max/priority"},
		{"zero max attempts", map[string]string{"DELIVERY_POLICIES": "alert:0"}, "positive integer"},
		{"in_app channel policy", map[string]string{"CHANNEL_POLICIES": "in_app:3"}, "not a queued channel"},
		{"bad duration", map[string]string{"WORKER_POLL_INTERVAL": "soon"}, "parse environment"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadFrom(tt.environ)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDBConfig(t *testing.T) {
	cfg, err := loadFrom(map[string]string{"DB_URL": "postgres://u@db/courier"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dsn := cfg.DBConfig().DSN(); dsn != "postgres://u@db/courier" {
		t.Errorf("DB_URL should win, got %q", dsn)
	}
}
