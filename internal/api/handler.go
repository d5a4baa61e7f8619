package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/device"
	"github.com/lalithlochan/courier/internal/dispatch"
	"github.com/lalithlochan/courier/internal/preference"
	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/template"
)

const (
	defaultLimit = 20
	maxLimit     = 100
)

// Store is the read and admin side of the repository.
type Store interface {
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	ListNotifications(ctx context.Context, userID uuid.UUID, filter db.NotificationFilter, now time.Time) ([]*db.Notification, error)
	MarkRead(ctx context.Context, id, userID uuid.UUID, at time.Time) error
	MarkAllRead(ctx context.Context, userID uuid.UUID, at time.Time) (int64, error)
	UnreadCount(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error)
	ListEntriesByNotification(ctx context.Context, notificationID uuid.UUID) ([]*db.QueueEntry, error)
	ListDeliveryLogs(ctx context.Context, notificationID uuid.UUID) ([]*db.DeliveryLog, error)

	ListTemplates(ctx context.Context, activeOnly bool) ([]*db.Template, error)
	GetTemplate(ctx context.Context, key string) (*db.Template, error)
	SetTemplateActive(ctx context.Context, key string, active bool) (*db.Template, error)

	QueueStats(ctx context.Context) (*db.QueueStats, error)
	ListQueueEntries(ctx context.Context, filter db.QueueFilter) ([]*db.QueueEntry, error)
}

type Dispatcher interface {
	Create(ctx context.Context, p dispatch.CreateParams) (*dispatch.Result, error)
	CreateFromTemplate(ctx context.Context, p dispatch.TemplateParams) (*dispatch.Result, error)
	Requeue(ctx context.Context, entryID uuid.UUID) (*db.QueueEntry, error)
}

type Preferences interface {
	List(ctx context.Context, userID uuid.UUID) ([]*db.Preference, error)
	Update(ctx context.Context, userID uuid.UUID, notificationType string, u preference.Update) (*db.Preference, error)
	Reset(ctx context.Context, userID uuid.UUID, notificationType string) error
}

type Devices interface {
	Register(ctx context.Context, userID uuid.UUID, token, deviceType string, name *string) (*db.Device, error)
	Deactivate(ctx context.Context, userID uuid.UUID, token string) error
	List(ctx context.Context, userID uuid.UUID, includeInactive bool) ([]*db.Device, error)
	DeactivateStale(ctx context.Context, olderThan time.Duration) (int64, error)
	Stats(ctx context.Context) (*db.DeviceStats, error)
}

// Idempotency replays completed creates for a repeated Idempotency-Key.
type Idempotency interface {
	CheckOrReserve(ctx context.Context, scope, key string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, scope, key string, result *redis.IdempotencyResult) error
	Release(ctx context.Context, scope, key string) error
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	store       Store
	dispatcher  Dispatcher
	prefs       Preferences
	devices     Devices
	idempotency Idempotency // nil if Redis not configured
	middlewares []func(http.Handler) http.Handler
	now         func() time.Time
}

type Option func(*Handler)

func WithIdempotency(i Idempotency) Option {
	return func(h *Handler) { h.idempotency = i }
}

// WithMiddleware wraps every /v1 route. It runs after chi has matched the
// route, so path parameters such as {userID} are visible to it.
func WithMiddleware(mw ...func(http.Handler) http.Handler) Option {
	return func(h *Handler) { h.middlewares = append(h.middlewares, mw...) }
}

func NewHandler(logger *zap.Logger, store Store, dispatcher Dispatcher, prefs Preferences, devices Devices, opts ...Option) *Handler {
	h := &Handler{
		logger:     logger,
		store:      store,
		dispatcher: dispatcher,
		prefs:      prefs,
		devices:    devices,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts every /v1 endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.middlewares...)

		r.Post("/notifications", h.CreateNotification)
		r.Get("/notifications", h.ListNotifications)
		r.Get("/notifications/{id}", h.GetNotification)
		r.Get("/notifications/{id}/deliveries", h.GetDeliveries)
		r.Post("/notifications/{id}/read", h.MarkRead)

		r.Get("/templates", h.ListTemplates)
		r.Get("/templates/{key}", h.GetTemplate)
		r.Patch("/templates/{key}/active", h.SetTemplateActive)

		r.Get("/queue/stats", h.QueueStats)
		r.Get("/queue", h.ListQueue)
		r.Post("/queue/{id}/requeue", h.Requeue)

		r.Get("/devices/stats", h.DeviceStats)
		r.Post("/devices/deactivate-stale", h.DeactivateStaleDevices)
	})

	r.Route("/users/{userID}", func(r chi.Router) {
		r.Use(h.middlewares...)

		r.Get("/unread-count", h.UnreadCount)
		r.Post("/read-all", h.MarkAllRead)

		r.Get("/preferences", h.ListPreferences)
		r.Put("/preferences/{type}", h.UpdatePreference)
		r.Delete("/preferences/{type}", h.ResetPreference)

		r.Get("/devices", h.ListDevices)
		r.Post("/devices", h.RegisterDevice)
		r.Delete("/devices/{token}", h.DeactivateDevice)
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// writeDomainError maps service errors to problem responses. Anything
// unrecognised is logged and reported as a 500 without detail.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error, op string) {
	var missing *template.MissingVariableError
	switch {
	case errors.Is(err, dispatch.ErrInvalidRequest):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request", err.Error())
	case errors.As(err, &missing):
		h.writeError(w, http.StatusUnprocessableEntity, "missing_variables", "Missing template variables", err.Error())
	case errors.Is(err, template.ErrTemplateNotFound):
		h.writeError(w, http.StatusNotFound, "template_not_found", "Template not found", err.Error())
	case errors.Is(err, template.ErrTemplateInactive):
		h.writeError(w, http.StatusUnprocessableEntity, "template_inactive", "Template is inactive", err.Error())
	case errors.Is(err, device.ErrInvalidDeviceType), errors.Is(err, device.ErrInvalidToken):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid device", err.Error())
	case errors.Is(err, db.ErrNotRequeueable):
		h.writeError(w, http.StatusConflict, "not_requeueable", "Entry cannot be requeued", err.Error())
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Resource not found", "")
	default:
		h.logger.Error("request failed", zap.String("op", op), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to "+op, "")
	}
}

func (h *Handler) uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) uuidQuery(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing "+name, name+" query parameter is required")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// pagination parses limit and offset, silently clamping bad values.
func pagination(r *http.Request) (limit, offset int) {
	limit = defaultLimit
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= maxLimit {
		limit = l
	}
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		offset = o
	}
	return limit, offset
}

func boolQuery(r *http.Request, name string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return b
}
