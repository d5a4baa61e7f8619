package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/dispatch"
)

// Email and push provider names.
const (
	ProviderLog      = "log"
	ProviderSES      = "ses"
	ProviderPostmark = "postmark"
	ProviderFCM      = "fcm"
	ProviderSNS      = "sns"
)

type Config struct {
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	Env      string `env:"ENV" envDefault:"development"`

	// Store selects the queue backend: "postgres" or "memory" (local only).
	Store string `env:"STORE" envDefault:"postgres"`

	// Database
	DBURL      string `env:"DB_URL"`
	DBHost     string `env:"DB_HOST" envDefault:"localhost"`
	DBPort     int    `env:"DB_PORT" envDefault:"5432"`
	DBUser     string `env:"DB_USER" envDefault:"postgres"`
	DBPassword string `env:"DB_PASSWORD"`
	DBName     string `env:"DB_NAME" envDefault:"courier"`
	DBSSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`
	DBMaxConns int32  `env:"DB_MAX_CONNS" envDefault:"25"`

	// Users datastore, read-only. Empty URL serves contacts from memory.
	UsersDBURL string `env:"USERS_DB_URL"`
	UsersTable string `env:"USERS_TABLE" envDefault:"users"`

	// Redis. Empty host disables idempotency, rate limiting and wake-ups.
	RedisHost     string        `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int           `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	ContactTTL    time.Duration `env:"CONTACT_CACHE_TTL" envDefault:"10m"`

	// AWS
	AWSRegion         string `env:"AWS_REGION" envDefault:"us-east-1"`
	SESFromEmail      string `env:"SES_FROM_EMAIL" envDefault:"noreply@courier.local"`
	SNSRegion         string `env:"SNS_REGION"`
	SQSEventsQueueURL string `env:"SQS_EVENTS_QUEUE_URL"`

	// Providers
	EmailProvider           string `env:"EMAIL_PROVIDER" envDefault:"log"`
	PostmarkServerToken     string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken    string `env:"POSTMARK_ACCOUNT_TOKEN"`
	PostmarkFromEmail       string `env:"POSTMARK_FROM_EMAIL"`
	PushProvider            string `env:"PUSH_PROVIDER" envDefault:"log"`
	FirebaseCredentialsFile string `env:"FIREBASE_CREDENTIALS_FILE"`
	WebpushIcon             string `env:"WEBPUSH_ICON"`

	// Worker
	WorkerEnabled      bool          `env:"WORKER_ENABLED" envDefault:"true"`
	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"5s"`
	WorkerBatchSize    int           `env:"WORKER_BATCH_SIZE" envDefault:"10"`
	WorkerConcurrency  int           `env:"WORKER_CONCURRENCY" envDefault:"4"`
	WorkerSendTimeout  time.Duration `env:"WORKER_SEND_TIMEOUT" envDefault:"30s"`
	RetryBaseDelay     time.Duration `env:"RETRY_BASE_DELAY" envDefault:"5m"`
	RetryMaxDelay      time.Duration `env:"RETRY_MAX_DELAY" envDefault:"6h"`

	// Delivery policies, "key:max/priority" pairs separated by commas.
	DefaultMaxAttempts int       `env:"DEFAULT_MAX_ATTEMPTS" envDefault:"3"`
	DeliveryPolicies   PolicyMap `env:"DELIVERY_POLICIES"`
	ChannelPolicies    PolicyMap `env:"CHANNEL_POLICIES"`

	// Retention
	RetentionEnabled       bool          `env:"RETENTION_ENABLED" envDefault:"true"`
	RetentionInterval      time.Duration `env:"RETENTION_INTERVAL" envDefault:"1h"`
	RetentionEntries       time.Duration `env:"RETENTION_QUEUE_ENTRIES" envDefault:"720h"`
	RetentionLogs          time.Duration `env:"RETENTION_DELIVERY_LOGS" envDefault:"2160h"`
	RetentionNotifications time.Duration `env:"RETENTION_NOTIFICATIONS" envDefault:"2160h"`
	RetentionStaleDevices  time.Duration `env:"RETENTION_STALE_DEVICES" envDefault:"2160h"`
	RetentionStaleClaims   time.Duration `env:"RETENTION_STALE_CLAIMS" envDefault:"15m"`

	// Rate limiting
	RateLimitEnabled bool          `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	RateLimit        int           `env:"RATE_LIMIT_REQUESTS" envDefault:"100"`
	RateLimitWindow  time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`

	IdempotencyTTL time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`

	// Circuit breaker, one per provider
	BreakerMaxFailures     int           `env:"BREAKER_MAX_FAILURES" envDefault:"5"`
	BreakerRecoveryTimeout time.Duration `env:"BREAKER_RECOVERY_TIMEOUT" envDefault:"30s"`
}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	// A missing .env is fine.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFrom parses a fixed environment; used by tests.
func loadFrom(environ map[string]string) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field rules env tags cannot express.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", c.Port)
	}
	switch c.Store {
	case "postgres", "memory":
	default:
		return fmt.Errorf("invalid STORE: %q", c.Store)
	}

	switch c.EmailProvider {
	case ProviderLog, ProviderSES:
	case ProviderPostmark:
		if c.PostmarkServerToken == "" {
			return fmt.Errorf("invalid EMAIL_PROVIDER: postmark requires POSTMARK_SERVER_TOKEN")
		}
	default:
		return fmt.Errorf("invalid EMAIL_PROVIDER: %q", c.EmailProvider)
	}

	switch c.PushProvider {
	case ProviderLog, ProviderSNS:
	case ProviderFCM:
		if c.FirebaseCredentialsFile == "" {
			return fmt.Errorf("invalid PUSH_PROVIDER: fcm requires FIREBASE_CREDENTIALS_FILE")
		}
	default:
		return fmt.Errorf("invalid PUSH_PROVIDER: %q", c.PushProvider)
	}

	if c.WorkerBatchSize <= 0 {
		return fmt.Errorf("invalid WORKER_BATCH_SIZE: %d", c.WorkerBatchSize)
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("invalid WORKER_CONCURRENCY: %d", c.WorkerConcurrency)
	}
	if c.WorkerPollInterval <= 0 || c.WorkerSendTimeout <= 0 {
		return fmt.Errorf("invalid worker timing: poll %s, send timeout %s", c.WorkerPollInterval, c.WorkerSendTimeout)
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("invalid retry delays: base %s, max %s", c.RetryBaseDelay, c.RetryMaxDelay)
	}
	if c.DefaultMaxAttempts < 1 {
		return fmt.Errorf("invalid DEFAULT_MAX_ATTEMPTS: %d", c.DefaultMaxAttempts)
	}
	for key := range c.ChannelPolicies {
		if ch := db.Channel(key); !ch.Queued() {
			return fmt.Errorf("invalid CHANNEL_POLICIES: %q is not a queued channel", key)
		}
	}
	if c.RateLimitEnabled && (c.RateLimit <= 0 || c.RateLimitWindow <= 0) {
		return fmt.Errorf("invalid rate limit: %d per %s", c.RateLimit, c.RateLimitWindow)
	}
	return nil
}

// DBConfig returns the queue database settings.
func (c *Config) DBConfig() db.Config {
	return db.Config{
		URL:      c.DBURL,
		Host:     c.DBHost,
		Port:     c.DBPort,
		User:     c.DBUser,
		Password: c.DBPassword,
		Database: c.DBName,
		SSLMode:  c.DBSSLMode,
		MaxConns: c.DBMaxConns,
		AppName:  "courier",
	}
}

// Policies assembles the dispatcher's delivery policies.
func (c *Config) Policies() dispatch.Policies {
	p := dispatch.Policies{
		Default: dispatch.Policy{MaxAttempts: c.DefaultMaxAttempts},
		ByType:  map[string]dispatch.Policy(c.DeliveryPolicies),
	}
	if len(c.ChannelPolicies) > 0 {
		p.ByChannel = make(map[db.Channel]dispatch.Policy, len(c.ChannelPolicies))
		for k, v := range c.ChannelPolicies {
			p.ByChannel[db.Channel(k)] = v
		}
	}
	return p
}

// SNSPushRegion defaults to AWS_REGION.
func (c *Config) SNSPushRegion() string {
	if c.SNSRegion != "" {
		return c.SNSRegion
	}
	return c.AWSRegion
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// PolicyMap parses "key:max/priority,key:max" into delivery policies.
// Priority is optional and defaults to 0.
type PolicyMap map[string]dispatch.Policy

func (m *PolicyMap) UnmarshalText(text []byte) error {
	out := PolicyMap{}
	for _, item := range strings.Split(string(text), ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		key, value, ok := strings.Cut(item, ":")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return fmt.Errorf("policy %q: want key:max/priority", item)
		}

		maxStr, prioStr, hasPrio := strings.Cut(value, "/")
		maxAttempts, err := strconv.Atoi(strings.TrimSpace(maxStr))
		if err != nil || maxAttempts < 1 {
			return fmt.Errorf("policy %q: max attempts must be a positive integer", item)
		}
		p := dispatch.Policy{MaxAttempts: maxAttempts}
		if hasPrio {
			if p.Priority, err = strconv.Atoi(strings.TrimSpace(prioStr)); err != nil {
				return fmt.Errorf("policy %q: invalid priority: %w", item, err)
			}
		}
		out[key] = p
	}
	*m = out
	return nil
}
