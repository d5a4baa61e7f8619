// Package app wires configuration into the running pipeline. Both binaries
// build the same graph; they differ only in what they start.
package app

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/api"
	"github.com/lalithlochan/courier/internal/channel"
	"github.com/lalithlochan/courier/internal/circuitbreaker"
	"github.com/lalithlochan/courier/internal/config"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/device"
	"github.com/lalithlochan/courier/internal/dispatch"
	"github.com/lalithlochan/courier/internal/memstore"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/preference"
	"github.com/lalithlochan/courier/internal/queue"
	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/retention"
	"github.com/lalithlochan/courier/internal/sqs"
	"github.com/lalithlochan/courier/internal/template"
	"github.com/lalithlochan/courier/internal/users"
	"github.com/lalithlochan/courier/internal/worker"
)

// Store is everything the pipeline needs from persistence. Both
// db.Repository and memstore.Store satisfy it.
type Store interface {
	api.Store
	dispatch.Repository
	worker.Repository
	preference.Store
	device.Store
	retention.Store
	template.Store
}

type App struct {
	Config      *config.Config
	Logger      *zap.Logger
	Store       Store
	Dispatcher  *dispatch.Dispatcher
	Preferences *preference.Service
	Devices     *device.Registry
	Idempotency *redis.IdempotencyService // nil without Redis
	RateLimiter *redis.RateLimiter        // nil without Redis

	database *db.DB
	redis    *redis.Client
	waker    *redis.Waker
	closers  []func()
}

// New connects to every configured backend. Redis is optional: when it is
// unreachable the pipeline runs without idempotency, rate limiting and
// wake-ups.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	switch cfg.Store {
	case "memory":
		logger.Warn("using in-memory store, data is lost on exit")
		a.Store = memstore.New()
	default:
		database, err := db.New(ctx, cfg.DBConfig(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.database = database
		a.closers = append(a.closers, database.Close)
		a.Store = db.NewRepository(database, logger)
	}

	if cfg.RedisHost != "" {
		client, err := redis.New(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, idempotency and rate limiting disabled",
				zap.Error(err),
				zap.String("host", cfg.RedisHost),
			)
		} else {
			a.redis = client
			a.closers = append(a.closers, func() { _ = client.Close() })
			a.Idempotency = redis.NewIdempotencyService(client, logger, cfg.IdempotencyTTL)
			a.waker = redis.NewWaker(client, logger)
			if cfg.RateLimitEnabled {
				a.RateLimiter = redis.NewRateLimiter(client, logger, redis.RateLimitConfig{
					Limit:  cfg.RateLimit,
					Window: cfg.RateLimitWindow,
				})
			}
		}
	}

	a.Preferences = preference.NewService(a.Store, logger)
	a.Devices = device.NewRegistry(a.Store, logger)

	var opts []dispatch.Option
	if a.waker != nil {
		opts = append(opts, dispatch.WithSignaler(a.waker))
	}
	a.Dispatcher = dispatch.New(a.Store, template.NewRenderer(a.Store), a.Preferences, cfg.Policies(), logger, opts...)

	return a, nil
}

// Health pings the database when there is one.
func (a *App) Health(ctx context.Context) error {
	if a.database == nil {
		return nil
	}
	metrics.SetDBConnections(int(a.database.Stats()))
	return a.database.Health(ctx)
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// RunBackground starts the delivery worker and the retention janitor as
// enabled by config. The returned function stops both and waits for
// in-flight deliveries to be recorded.
func (a *App) RunBackground(ctx context.Context) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	var w *worker.Worker

	if a.Config.WorkerEnabled {
		var err error
		w, err = a.newWorker(ctx)
		if err != nil {
			cancel()
			return nil, err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Start(ctx)
		}()
	}

	if a.Config.RetentionEnabled {
		j := retention.NewJanitor(a.Store, retention.Config{
			Interval:              a.Config.RetentionInterval,
			EntryRetention:        a.Config.RetentionEntries,
			LogRetention:          a.Config.RetentionLogs,
			NotificationRetention: a.Config.RetentionNotifications,
			DeviceStaleAfter:      a.Config.RetentionStaleDevices,
			StaleClaimAfter:       a.Config.RetentionStaleClaims,
		}, a.Logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			j.Run(ctx)
		}()
	}

	return func() {
		if w != nil {
			w.Stop()
		}
		cancel()
		wg.Wait()
	}, nil
}

func (a *App) newWorker(ctx context.Context) (*worker.Worker, error) {
	cfg := a.Config
	senders, err := a.senders(ctx)
	if err != nil {
		return nil, err
	}

	contacts, err := a.contacts(ctx)
	if err != nil {
		return nil, err
	}

	wcfg := worker.Config{
		PollInterval: cfg.WorkerPollInterval,
		BatchSize:    cfg.WorkerBatchSize,
		Concurrency:  cfg.WorkerConcurrency,
		SendTimeout:  cfg.WorkerSendTimeout,
		Backoff:      queue.Backoff{Base: cfg.RetryBaseDelay, Max: cfg.RetryMaxDelay},
	}
	if a.waker != nil {
		wcfg.Wake = a.waker.Listen(ctx)
	}

	var opts []worker.Option
	if cfg.SQSEventsQueueURL != "" {
		pub, err := sqs.NewPublisher(ctx, sqs.Config{Region: cfg.AWSRegion, QueueURL: cfg.SQSEventsQueueURL}, a.Logger)
		if err != nil {
			a.Logger.Warn("sqs publisher unavailable, delivery events disabled", zap.Error(err))
		} else {
			opts = append(opts, worker.WithEvents(pub))
		}
	}

	a.Logger.Info("delivery worker configured",
		zap.String("email_provider", senders.Email.Name()),
		zap.String("push_provider", senders.Push.Name()),
		zap.Bool("wake_enabled", wcfg.Wake != nil),
		zap.Bool("events_enabled", len(opts) > 0),
	)
	return worker.New(a.Store, senders, a.Devices, contacts, wcfg, a.Logger, opts...), nil
}

// senders builds one provider per channel, each behind its own breaker.
func (a *App) senders(ctx context.Context) (worker.Senders, error) {
	cfg := a.Config
	logSender := worker.NewLogSender(a.Logger)

	var email channel.EmailSender = logSender
	switch cfg.EmailProvider {
	case config.ProviderSES:
		s, err := worker.NewSESSender(ctx, worker.SESConfig{Region: cfg.AWSRegion, FromEmail: cfg.SESFromEmail}, a.Logger)
		if err != nil {
			return worker.Senders{}, fmt.Errorf("failed to create SES email sender: %w", err)
		}
		email = s
	case config.ProviderPostmark:
		from := cfg.PostmarkFromEmail
		if from == "" {
			from = cfg.SESFromEmail
		}
		s, err := worker.NewPostmarkSender(worker.PostmarkConfig{
			ServerToken:  cfg.PostmarkServerToken,
			AccountToken: cfg.PostmarkAccountToken,
			FromEmail:    from,
		}, a.Logger)
		if err != nil {
			return worker.Senders{}, fmt.Errorf("failed to create Postmark email sender: %w", err)
		}
		email = s
	}

	var push channel.PushSender = logSender
	switch cfg.PushProvider {
	case config.ProviderFCM:
		s, err := worker.NewFCMSender(ctx, worker.FCMConfig{
			CredentialsFile: cfg.FirebaseCredentialsFile,
			WebpushIcon:     cfg.WebpushIcon,
		}, a.Logger)
		if err != nil {
			return worker.Senders{}, fmt.Errorf("failed to create FCM push sender: %w", err)
		}
		push = s
	case config.ProviderSNS:
		s, err := worker.NewSNSPushSender(ctx, worker.SNSConfig{Region: cfg.SNSPushRegion()}, a.Logger)
		if err != nil {
			return worker.Senders{}, fmt.Errorf("failed to create SNS push sender: %w", err)
		}
		push = s
	}

	return worker.Senders{
		Email: circuitbreaker.NewProtectedEmailSender(email, a.breaker(email.Name()), a.Logger),
		Push:  circuitbreaker.NewProtectedPushSender(push, a.breaker(push.Name()), a.Logger),
	}, nil
}

func (a *App) breaker(provider string) *circuitbreaker.CircuitBreaker {
	cfg := circuitbreaker.DefaultConfig(provider)
	cfg.Threshold = a.Config.BreakerMaxFailures
	cfg.Cooldown = a.Config.BreakerRecoveryTimeout
	return circuitbreaker.New(cfg, a.Logger)
}

// contacts resolves recipient addresses from the users datastore, cached in
// Redis when available. Without USERS_DB_URL nobody has an address, so
// every email fails permanently.
func (a *App) contacts(ctx context.Context) (users.Lookup, error) {
	cfg := a.Config
	if cfg.UsersDBURL == "" {
		a.Logger.Warn("USERS_DB_URL not set, email recipients cannot be resolved")
		return users.NewStaticLookup(), nil
	}

	usersDB, err := db.New(ctx, db.Config{URL: cfg.UsersDBURL, MaxConns: 5, AppName: "courier-users"}, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to users database: %w", err)
	}
	a.closers = append(a.closers, usersDB.Close)

	var lookup users.Lookup = users.NewPostgresLookup(usersDB.Pool(), cfg.UsersTable)
	if a.redis != nil {
		lookup = users.NewCachedLookup(lookup, redis.NewContactCache(a.redis, a.Logger, cfg.ContactTTL), a.Logger)
	}
	return lookup, nil
}
