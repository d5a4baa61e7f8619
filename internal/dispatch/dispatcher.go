package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metadata"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/preference"
	"github.com/lalithlochan/courier/internal/template"
)

// ErrInvalidRequest wraps every validation failure.
var ErrInvalidRequest = errors.New("invalid request")

// DefaultChannels are used when a literal create names no channels.
var DefaultChannels = []db.Channel{db.ChannelInApp, db.ChannelEmail}

type Repository interface {
	CreateNotificationWithEntries(ctx context.Context, notif *db.Notification, entries []*db.QueueEntry) error
	RequeueEntry(ctx context.Context, id uuid.UUID, now time.Time) (*db.QueueEntry, error)
}

type Renderer interface {
	Render(ctx context.Context, key string, vars map[string]string) (*template.Rendered, error)
}

type PreferenceResolver interface {
	Resolve(ctx context.Context, userID uuid.UUID, notificationType string) (preference.Channels, error)
}

// Signaler nudges idle workers after new entries are committed.
type Signaler interface {
	Signal(ctx context.Context) error
}

type CreateParams struct {
	UserID            uuid.UUID
	Title             string
	Content           string
	HTMLContent       *string
	Type              string
	Channels          []db.Channel
	RelatedEntityType *string
	RelatedEntityID   *string
	Metadata          metadata.Map
	ExpiresAt         *time.Time
	ScheduledFor      *time.Time
}

type TemplateParams struct {
	UserID            uuid.UUID
	TemplateKey       string
	Variables         map[string]string
	Type              string
	Channels          []db.Channel
	RelatedEntityType *string
	RelatedEntityID   *string
	Metadata          metadata.Map
	ExpiresAt         *time.Time
	ScheduledFor      *time.Time
}

// Result is what Create committed.
type Result struct {
	Notification *db.Notification `json:"notification"`
	Entries      []*db.QueueEntry `json:"queue_entries"`
}

type Dispatcher struct {
	repo     Repository
	renderer Renderer
	prefs    PreferenceResolver
	policies Policies
	signaler Signaler
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Dispatcher)

func WithSignaler(s Signaler) Option {
	return func(d *Dispatcher) { d.signaler = s }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func New(repo Repository, renderer Renderer, prefs PreferenceResolver, policies Policies, logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		repo:     repo,
		renderer: renderer,
		prefs:    prefs,
		policies: policies,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// CreateFromTemplate renders the template and creates the result as a
// literal notification. Template errors are returned untouched.
func (d *Dispatcher) CreateFromTemplate(ctx context.Context, p TemplateParams) (*Result, error) {
	if p.UserID == uuid.Nil {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	if p.TemplateKey == "" {
		return nil, fmt.Errorf("%w: template_key is required", ErrInvalidRequest)
	}

	rendered, err := d.renderer.Render(ctx, p.TemplateKey, p.Variables)
	if err != nil {
		return nil, err
	}

	typ := p.Type
	if typ == "" {
		typ = p.TemplateKey
	}
	channels := p.Channels
	if len(channels) == 0 {
		channels = rendered.DefaultChannels
	}

	key := p.TemplateKey
	return d.create(ctx, CreateParams{
		UserID:            p.UserID,
		Title:             rendered.Subject,
		Content:           rendered.Body,
		HTMLContent:       rendered.HTML,
		Type:              typ,
		Channels:          channels,
		RelatedEntityType: p.RelatedEntityType,
		RelatedEntityID:   p.RelatedEntityID,
		Metadata:          p.Metadata,
		ExpiresAt:         p.ExpiresAt,
		ScheduledFor:      p.ScheduledFor,
	}, &key)
}

// Create stores a notification and queues one entry per eligible
// out-of-band channel, all in one transaction.
func (d *Dispatcher) Create(ctx context.Context, p CreateParams) (*Result, error) {
	if len(p.Channels) == 0 {
		p.Channels = DefaultChannels
	}
	return d.create(ctx, p, nil)
}

func (d *Dispatcher) create(ctx context.Context, p CreateParams, templateKey *string) (*Result, error) {
	if err := validate(p); err != nil {
		return nil, err
	}

	enabled, err := d.prefs.Resolve(ctx, p.UserID, p.Type)
	if err != nil {
		return nil, err
	}

	now := d.now()
	eligible := eligibleChannels(p.Channels, enabled)

	meta := p.Metadata
	if meta == nil {
		meta = metadata.Map{}
	}

	notif := &db.Notification{
		ID:                uuid.New(),
		UserID:            p.UserID,
		Title:             p.Title,
		Content:           p.Content,
		HTMLContent:       p.HTMLContent,
		Type:              p.Type,
		TemplateKey:       templateKey,
		RelatedEntityType: p.RelatedEntityType,
		RelatedEntityID:   p.RelatedEntityID,
		Metadata:          meta,
		ChannelsSent:      []db.Channel{},
		CreatedAt:         now,
		ExpiresAt:         p.ExpiresAt,
	}

	scheduled := now
	if p.ScheduledFor != nil {
		scheduled = *p.ScheduledFor
	}

	var entries []*db.QueueEntry
	for _, ch := range eligible {
		if !ch.Queued() {
			notif.ChannelsSent = append(notif.ChannelsSent, ch)
			continue
		}
		pol := d.policies.For(p.Type, ch)
		entries = append(entries, &db.QueueEntry{
			ID:             uuid.New(),
			NotificationID: notif.ID,
			Channel:        ch,
			Status:         db.StatusPending,
			MaxAttempts:    pol.MaxAttempts,
			Priority:       pol.Priority,
			ScheduledFor:   scheduled,
			CreatedAt:      now,
		})
	}

	if err := d.repo.CreateNotificationWithEntries(ctx, notif, entries); err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}

	source := "literal"
	if templateKey != nil {
		source = "template"
	}
	metrics.RecordDispatched(p.Type, source)
	for _, e := range entries {
		metrics.RecordEnqueued(string(e.Channel))
	}

	d.logger.Info("notification created",
		zap.String("notification_id", notif.ID.String()),
		zap.String("user_id", notif.UserID.String()),
		zap.String("type", notif.Type),
		zap.Int("queue_entries", len(entries)),
		zap.Strings("eligible", channelStrings(eligible)),
	)

	if len(entries) > 0 {
		d.signal(ctx)
	}

	if entries == nil {
		entries = []*db.QueueEntry{}
	}
	return &Result{Notification: notif, Entries: entries}, nil
}

// Requeue gives a failed entry a fresh pending sibling with a full retry
// budget. The failed entry itself is left as it was.
func (d *Dispatcher) Requeue(ctx context.Context, entryID uuid.UUID) (*db.QueueEntry, error) {
	entry, err := d.repo.RequeueEntry(ctx, entryID, d.now())
	if err != nil {
		return nil, err
	}
	metrics.RecordEnqueued(string(entry.Channel))
	d.logger.Info("queue entry requeued",
		zap.String("entry_id", entryID.String()),
		zap.String("new_entry_id", entry.ID.String()),
		zap.String("channel", string(entry.Channel)),
	)
	d.signal(ctx)
	return entry, nil
}

func (d *Dispatcher) signal(ctx context.Context) {
	if d.signaler == nil {
		return
	}
	if err := d.signaler.Signal(ctx); err != nil {
		d.logger.Warn("failed to signal workers", zap.Error(err))
	}
}

func validate(p CreateParams) error {
	var problems []string
	if p.UserID == uuid.Nil {
		problems = append(problems, "user_id is required")
	}
	if strings.TrimSpace(p.Title) == "" {
		problems = append(problems, "title is required")
	}
	if strings.TrimSpace(p.Content) == "" {
		problems = append(problems, "content is required")
	}
	if strings.TrimSpace(p.Type) == "" {
		problems = append(problems, "notification type is required")
	}
	for _, ch := range p.Channels {
		if !ch.Valid() {
			problems = append(problems, fmt.Sprintf("unknown channel %q", ch))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, "; "))
	}
	return nil
}

// eligibleChannels keeps the requested channels the user has enabled,
// deduplicated, in request order.
func eligibleChannels(requested []db.Channel, enabled preference.Channels) []db.Channel {
	out := make([]db.Channel, 0, len(requested))
	for _, ch := range requested {
		if enabled.Enabled(ch) && !slices.Contains(out, ch) {
			out = append(out, ch)
		}
	}
	return out
}

func channelStrings(chs []db.Channel) []string {
	out := make([]string, len(chs))
	for i, ch := range chs {
		out[i] = string(ch)
	}
	return out
}
