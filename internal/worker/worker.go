package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/courier/internal/channel"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metadata"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/queue"
	"github.com/lalithlochan/courier/internal/sqs"
	"github.com/lalithlochan/courier/internal/users"
)

const (
	reasonExpired  = "notification expired"
	reasonNotFound = "notification not found"
)

type Repository interface {
	ListClaimable(ctx context.Context, now time.Time, limit int) ([]*db.QueueEntry, error)
	ClaimEntry(ctx context.Context, id uuid.UUID, now time.Time) (*db.QueueEntry, error)
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	RecordAttempt(ctx context.Context, a *db.Attempt) error
	FailEntry(ctx context.Context, id uuid.UUID, reason string, at time.Time) error
}

// Devices is the part of the device registry the worker needs.
type Devices interface {
	ListActive(ctx context.Context, userID uuid.UUID) ([]string, error)
	Deactivate(ctx context.Context, userID uuid.UUID, token string) error
}

type EventPublisher interface {
	PublishDelivery(ctx context.Context, ev sqs.DeliveryEvent) error
}

// Senders holds one provider per queued channel. A nil sender makes every
// attempt on that channel fail transiently.
type Senders struct {
	Email channel.EmailSender
	Push  channel.PushSender
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
	SendTimeout  time.Duration
	Backoff      queue.Backoff

	// Wake, when set, cuts the idle wait short.
	Wake <-chan struct{}
}

type Worker struct {
	repo     Repository
	senders  Senders
	devices  Devices
	contacts users.Lookup
	events   EventPublisher
	config   Config
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

type Option func(*Worker)

func WithEvents(p EventPublisher) Option {
	return func(w *Worker) { w.events = p }
}

func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

func New(repo Repository, senders Senders, devices Devices, contacts users.Lookup, cfg Config, logger *zap.Logger, opts ...Option) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = queue.DefaultBackoff
	}

	w := &Worker{
		repo:     repo,
		senders:  senders,
		devices:  devices,
		contacts: contacts,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start runs poll cycles until ctx is done or Stop is called. A full batch
// starts the next cycle immediately; otherwise the loop waits for the poll
// interval or a wake-up.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true
	done := w.done
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		close(done)
	}()

	w.logger.Info("worker started",
		zap.Duration("poll_interval", w.config.PollInterval),
		zap.Int("batch_size", w.config.BatchSize),
		zap.Int("concurrency", w.config.Concurrency),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()
	wake := w.config.Wake

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return
		case <-timer.C:
		case _, ok := <-wake:
			if !ok {
				// Subscription gone; fall back to polling.
				wake = nil
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		found, _, err := w.cycle(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("poll cycle failed", zap.Error(err))
		}

		if err == nil && found >= w.config.BatchSize {
			timer.Reset(0)
		} else {
			timer.Reset(w.config.PollInterval)
		}
	}
}

// Stop cancels the loop and waits for in-flight entries to be recorded.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done, running := w.cancel, w.done, w.running
	w.mu.Unlock()

	if !running {
		return
	}
	cancel()
	<-done
}

// RunOnce runs a single poll cycle and returns how many entries this worker
// claimed and processed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	_, processed, err := w.cycle(ctx)
	return processed, err
}

// cycle returns the number of claimable entries found and the number this
// worker processed.
func (w *Worker) cycle(ctx context.Context) (int, int, error) {
	entries, err := w.repo.ListClaimable(ctx, w.now(), w.config.BatchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("list claimable entries: %w", err)
	}
	if len(entries) == 0 {
		return 0, 0, nil
	}

	var processed atomic.Int64
	var g errgroup.Group
	g.SetLimit(w.config.Concurrency)
	for _, entry := range entries {
		g.Go(func() error {
			if w.process(ctx, entry) {
				processed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(entries), int(processed.Load()), nil
}

// process claims and attempts one listed entry. It returns false when the
// claim was lost or failed. The listed row may be stale; everything after
// the claim works from the row the claim returned.
func (w *Worker) process(ctx context.Context, listed *db.QueueEntry) bool {
	if ctx.Err() != nil {
		return false
	}

	entry, err := w.repo.ClaimEntry(ctx, listed.ID, w.now())
	if err != nil {
		w.logger.Error("failed to claim entry", zap.String("entry_id", listed.ID.String()), zap.Error(err))
		return false
	}
	if entry == nil {
		metrics.RecordClaimConflict()
		w.logger.Debug("entry claimed by another worker", zap.String("entry_id", listed.ID.String()))
		return false
	}

	// Once claimed, the attempt runs to completion even if the worker is
	// stopping, so the entry never stays in processing.
	ctx = context.WithoutCancel(ctx)

	notif, err := w.repo.GetNotification(ctx, entry.NotificationID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		w.fail(ctx, entry, nil, reasonNotFound)
		return true
	case err != nil:
		w.record(ctx, entry, nil, attemptResult{err: fmt.Errorf("load notification: %w", err)})
		return true
	}

	if notif.IsExpired(w.now()) {
		metrics.RecordExpired(string(entry.Channel))
		w.fail(ctx, entry, notif, reasonExpired)
		return true
	}

	var res attemptResult
	switch entry.Channel {
	case db.ChannelEmail:
		res = w.deliverEmail(ctx, entry, notif)
	case db.ChannelPush:
		res = w.deliverPush(ctx, entry, notif)
	default:
		res = attemptResult{err: channel.Permanent(fmt.Errorf("unsupported channel %q", entry.Channel))}
	}

	w.record(ctx, entry, notif, res)
	w.deactivate(ctx, notif.UserID, res.invalidTokens)
	return true
}

type attemptResult struct {
	err           error
	logs          []*db.DeliveryLog
	messageID     string
	invalidTokens []string
}

func (w *Worker) record(ctx context.Context, entry *db.QueueEntry, notif *db.Notification, res attemptResult) {
	now := w.now()
	outcome := queue.Outcome{Err: res.err, Permanent: channel.IsPermanent(res.err)}
	tr := queue.Decide(entry, outcome, now, w.config.Backoff)
	if !queue.CanTransition(entry.Status, tr.Status) {
		w.logger.Error("refusing illegal queue transition",
			zap.String("entry_id", entry.ID.String()),
			zap.String("from", string(entry.Status)),
			zap.String("to", string(tr.Status)),
		)
		return
	}

	err := w.repo.RecordAttempt(ctx, &db.Attempt{
		EntryID:        entry.ID,
		NotificationID: entry.NotificationID,
		Channel:        entry.Channel,
		Status:         tr.Status,
		Attempts:       tr.Attempts,
		ScheduledFor:   tr.ScheduledFor,
		ErrorMessage:   tr.ErrorMessage,
		AttemptedAt:    now,
		Logs:           res.logs,
	})
	if err != nil {
		w.logger.Error("failed to record attempt",
			zap.String("entry_id", entry.ID.String()),
			zap.String("channel", string(entry.Channel)),
			zap.Error(err),
		)
		return
	}

	metrics.RecordDelivery(string(entry.Channel), string(tr.Status))
	fields := []zap.Field{
		zap.String("entry_id", entry.ID.String()),
		zap.String("notification_id", entry.NotificationID.String()),
		zap.String("channel", string(entry.Channel)),
		zap.String("status", string(tr.Status)),
		zap.Int("attempts", tr.Attempts),
	}
	switch tr.Status {
	case db.StatusCompleted:
		if notif != nil {
			metrics.RecordDeliveryLatency(string(entry.Channel), now.Sub(notif.CreatedAt))
		}
		w.logger.Info("delivery succeeded", fields...)
	case db.StatusPending:
		w.logger.Warn("delivery failed, will retry",
			append(fields, zap.Time("scheduled_for", tr.ScheduledFor), zap.Error(res.err))...)
	case db.StatusFailed:
		if outcome.Permanent {
			metrics.RecordPermanentFailure(string(entry.Channel))
		}
		w.logger.Error("delivery failed permanently",
			append(fields, zap.Bool("permanent", outcome.Permanent), zap.Error(res.err))...)
	}

	ev := w.event(entry, notif, tr.Status, tr.Attempts, now)
	ev.ProviderMessageID = res.messageID
	if tr.ErrorMessage != nil {
		ev.Error = *tr.ErrorMessage
	}
	w.publish(ctx, ev)
}

// fail moves a claimed entry straight to failed without calling a provider
// or writing a delivery log. Attempts are left as they were.
func (w *Worker) fail(ctx context.Context, entry *db.QueueEntry, notif *db.Notification, reason string) {
	now := w.now()
	if err := w.repo.FailEntry(ctx, entry.ID, reason, now); err != nil {
		w.logger.Error("failed to fail entry", zap.String("entry_id", entry.ID.String()), zap.Error(err))
		return
	}
	metrics.RecordDelivery(string(entry.Channel), string(db.StatusFailed))
	w.logger.Info("entry failed without delivery",
		zap.String("entry_id", entry.ID.String()),
		zap.String("channel", string(entry.Channel)),
		zap.String("reason", reason),
	)

	ev := w.event(entry, notif, db.StatusFailed, entry.Attempts, now)
	ev.Error = reason
	w.publish(ctx, ev)
}

func (w *Worker) deliverEmail(ctx context.Context, entry *db.QueueEntry, notif *db.Notification) attemptResult {
	provider := "none"
	if w.senders.Email != nil {
		provider = w.senders.Email.Name()
	}

	contact, err := w.contacts.Contact(ctx, notif.UserID)
	switch {
	case errors.Is(err, users.ErrUserNotFound):
		err = channel.Permanent(fmt.Errorf("recipient %s: %w", notif.UserID, err))
	case err != nil:
		err = fmt.Errorf("lookup recipient: %w", err)
	case strings.TrimSpace(contact.Email) == "":
		err = channel.Permanent(fmt.Errorf("recipient %s has no email address", notif.UserID))
	case w.senders.Email == nil:
		err = errors.New("no email provider configured")
	}
	if err != nil {
		return attemptResult{err: err, logs: []*db.DeliveryLog{w.logRow(entry, provider, "", "", err)}}
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.config.SendTimeout)
	defer cancel()

	id, err := w.senders.Email.SendEmail(sendCtx, channel.EmailMessage{
		To:      contact.Email,
		Subject: notif.Title,
		Body:    notif.Content,
		HTML:    notif.HTMLContent,
		Tag:     notif.Type,
	})
	err = timeoutError(sendCtx, err)

	return attemptResult{
		err:       err,
		messageID: id,
		logs:      []*db.DeliveryLog{w.logRow(entry, provider, "", id, err)},
	}
}

func (w *Worker) deliverPush(ctx context.Context, entry *db.QueueEntry, notif *db.Notification) attemptResult {
	provider := "none"
	if w.senders.Push != nil {
		provider = w.senders.Push.Name()
	}

	tokens, err := w.devices.ListActive(ctx, notif.UserID)
	switch {
	case err != nil:
		err = fmt.Errorf("list devices: %w", err)
	case len(tokens) == 0:
		err = channel.Permanent(fmt.Errorf("user %s has no active devices", notif.UserID))
	case w.senders.Push == nil:
		err = errors.New("no push provider configured")
	}
	if err != nil {
		return attemptResult{err: err, logs: []*db.DeliveryLog{w.logRow(entry, provider, "", "", err)}}
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.config.SendTimeout)
	defer cancel()

	results, err := w.senders.Push.SendPush(sendCtx, channel.PushMessage{
		Tokens: tokens,
		Title:  notif.Title,
		Body:   notif.Content,
		Data:   pushData(notif),
	})
	if err = timeoutError(sendCtx, err); err != nil {
		logs := make([]*db.DeliveryLog, len(tokens))
		for i, t := range tokens {
			logs[i] = w.logRow(entry, provider, t, "", err)
		}
		return attemptResult{err: err, logs: logs}
	}

	return w.pushOutcome(entry, provider, results)
}

// pushOutcome applies the multi-device policy: one accepted token is
// enough. With none accepted the failure is permanent only when no token
// failed for a transient reason.
func (w *Worker) pushOutcome(entry *db.QueueEntry, provider string, results []channel.TokenResult) attemptResult {
	res := attemptResult{logs: make([]*db.DeliveryLog, 0, len(results))}

	var firstErr error
	failed, permanent := 0, 0
	for _, r := range results {
		res.logs = append(res.logs, w.logRow(entry, provider, r.Token, r.MessageID, r.Err))
		if r.Err == nil {
			if res.messageID == "" {
				res.messageID = r.MessageID
			}
			continue
		}
		failed++
		if firstErr == nil {
			firstErr = r.Err
		}
		if r.Invalid {
			res.invalidTokens = append(res.invalidTokens, r.Token)
		}
		if r.Invalid || channel.IsPermanent(r.Err) {
			permanent++
		}
	}

	if len(results) == 0 {
		res.err = errors.New("push provider returned no results")
		return res
	}
	if failed < len(results) {
		return res
	}

	err := fmt.Errorf("push failed on all %d devices: %w", failed, firstErr)
	if permanent == failed {
		err = channel.Permanent(err)
	}
	res.err = err
	return res
}

func (w *Worker) deactivate(ctx context.Context, userID uuid.UUID, tokens []string) {
	n := 0
	for _, t := range tokens {
		if err := w.devices.Deactivate(ctx, userID, t); err != nil {
			if !errors.Is(err, db.ErrNotFound) {
				w.logger.Warn("failed to deactivate device", zap.String("user_id", userID.String()), zap.Error(err))
			}
			continue
		}
		n++
	}
	if n > 0 {
		metrics.RecordDevicesDeactivated("invalid_token", n)
	}
}

func (w *Worker) logRow(entry *db.QueueEntry, provider, token, messageID string, err error) *db.DeliveryLog {
	entryID := entry.ID
	row := &db.DeliveryLog{
		ID:               uuid.New(),
		NotificationID:   entry.NotificationID,
		QueueEntryID:     &entryID,
		Channel:          entry.Channel,
		Status:           db.DeliverySent,
		SentAt:           w.now(),
		ProviderResponse: metadata.Map{"provider": metadata.String(provider)},
	}
	if token != "" {
		row.ProviderResponse["device_token"] = metadata.String(token)
	}
	if messageID != "" {
		row.ProviderMessageID = &messageID
	}
	if err != nil {
		msg := err.Error()
		row.Status = db.DeliveryFailed
		row.ErrorMessage = &msg
		row.ProviderResponse["permanent"] = metadata.Bool(channel.IsPermanent(err))
	}
	return row
}

func (w *Worker) event(entry *db.QueueEntry, notif *db.Notification, status db.QueueStatus, attempts int, at time.Time) sqs.DeliveryEvent {
	ev := sqs.DeliveryEvent{
		NotificationID: entry.NotificationID.String(),
		EntryID:        entry.ID.String(),
		Channel:        string(entry.Channel),
		Status:         string(status),
		Attempts:       attempts,
		OccurredAt:     at,
	}
	if notif != nil {
		ev.UserID = notif.UserID.String()
		ev.NotificationType = notif.Type
	}
	return ev
}

func (w *Worker) publish(ctx context.Context, ev sqs.DeliveryEvent) {
	if w.events == nil {
		return
	}
	if err := w.events.PublishDelivery(ctx, ev); err != nil {
		w.logger.Warn("failed to publish delivery event",
			zap.String("entry_id", ev.EntryID),
			zap.Error(err),
		)
	}
}

// pushData is the string map sent alongside a push: the flattened metadata
// plus identifiers the client app uses to deep-link.
func pushData(n *db.Notification) map[string]string {
	data := n.Metadata.Flatten()
	if data == nil {
		data = map[string]string{}
	}
	data["notification_id"] = n.ID.String()
	data["notification_type"] = n.Type
	if n.RelatedEntityType != nil {
		data["related_entity_type"] = *n.RelatedEntityType
	}
	if n.RelatedEntityID != nil {
		data["related_entity_id"] = *n.RelatedEntityID
	}
	return data
}

func timeoutError(ctx context.Context, err error) error {
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("send timed out: %w", err)
	}
	return err
}
