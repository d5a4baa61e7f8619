package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/dispatch"
	"github.com/lalithlochan/courier/internal/metadata"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/redis"
)

// CreateNotificationRequest is the body of POST /v1/notifications. When
// template_key is set, title/content/html_content are ignored and rendered
// from the template instead.
type CreateNotificationRequest struct {
	UserID            string            `json:"user_id"`
	Title             string            `json:"title"`
	Content           string            `json:"content"`
	HTMLContent       *string           `json:"html_content,omitempty"`
	Type              string            `json:"notification_type"`
	Channels          []db.Channel      `json:"channels,omitempty"`
	TemplateKey       string            `json:"template_key,omitempty"`
	Variables         map[string]string `json:"variables,omitempty"`
	RelatedEntityType *string           `json:"related_entity_type,omitempty"`
	RelatedEntityID   *string           `json:"related_entity_id,omitempty"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
	ExpiresAt         *time.Time        `json:"expires_at,omitempty"`
	ScheduledFor      *time.Time        `json:"scheduled_for,omitempty"`
}

// CreateNotification handles POST /v1/notifications
// Supports idempotency via the Idempotency-Key header, scoped to user_id.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "user_id must be a valid UUID")
		return
	}

	meta, err := metadata.FromMap(req.Metadata)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid metadata", err.Error())
		return
	}

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	scope := userID.String()
	reserved := false

	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, scope, idempotencyKey)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		case cached != nil:
			metrics.RecordIdempotencyHit()
			h.replay(w, cached)
			return
		default:
			reserved = true
		}
	}

	var res *dispatch.Result
	source := "literal"
	if req.TemplateKey != "" {
		source = "template"
		res, err = h.dispatcher.CreateFromTemplate(ctx, dispatch.TemplateParams{
			UserID:            userID,
			TemplateKey:       req.TemplateKey,
			Variables:         req.Variables,
			Type:              req.Type,
			Channels:          req.Channels,
			RelatedEntityType: req.RelatedEntityType,
			RelatedEntityID:   req.RelatedEntityID,
			Metadata:          meta,
			ExpiresAt:         req.ExpiresAt,
			ScheduledFor:      req.ScheduledFor,
		})
	} else {
		res, err = h.dispatcher.Create(ctx, dispatch.CreateParams{
			UserID:            userID,
			Title:             req.Title,
			Content:           req.Content,
			HTMLContent:       req.HTMLContent,
			Type:              req.Type,
			Channels:          req.Channels,
			RelatedEntityType: req.RelatedEntityType,
			RelatedEntityID:   req.RelatedEntityID,
			Metadata:          meta,
			ExpiresAt:         req.ExpiresAt,
			ScheduledFor:      req.ScheduledFor,
		})
	}
	if err != nil {
		if reserved {
			if rerr := h.idempotency.Release(ctx, scope, idempotencyKey); rerr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(rerr))
			}
		}
		h.writeDomainError(w, err, "create notification")
		return
	}

	body, err := json.Marshal(res)
	if err != nil {
		h.writeDomainError(w, err, "encode notification")
		return
	}

	if reserved {
		result := &redis.IdempotencyResult{
			NotificationID: res.Notification.ID.String(),
			StatusCode:     http.StatusCreated,
			Body:           body,
		}
		if err := h.idempotency.Store(ctx, scope, idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.logger.Info("notification created",
		zap.String("notification_id", res.Notification.ID.String()),
		zap.String("user_id", scope),
		zap.String("source", source),
		zap.Int("queued", len(res.Entries)),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
}

func (h *Handler) replay(w http.ResponseWriter, cached *redis.IdempotencyResult) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Idempotency-Replayed", "true")
	status := cached.StatusCode
	if status == 0 {
		status = http.StatusCreated
	}
	w.WriteHeader(status)
	if len(cached.Body) > 0 {
		_, _ = w.Write(cached.Body)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"id": cached.NotificationID})
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}

	notif, err := h.store.GetNotification(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err, "get notification")
		return
	}
	h.writeJSON(w, http.StatusOK, notif)
}

// ListNotifications handles GET /v1/notifications?user_id=&unread=&type=&limit=&offset=
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.uuidQuery(w, r, "user_id")
	if !ok {
		return
	}
	limit, offset := pagination(r)

	list, err := h.store.ListNotifications(r.Context(), userID, db.NotificationFilter{
		UnreadOnly: boolQuery(r, "unread"),
		Type:       r.URL.Query().Get("type"),
		Limit:      limit,
		Offset:     offset,
	}, h.now())
	if err != nil {
		h.writeDomainError(w, err, "list notifications")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":   list,
		"limit":  limit,
		"offset": offset,
		"count":  len(list),
	})
}

// GetDeliveries handles GET /v1/notifications/{id}/deliveries
func (h *Handler) GetDeliveries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}

	if _, err := h.store.GetNotification(ctx, id); err != nil {
		h.writeDomainError(w, err, "get notification")
		return
	}
	entries, err := h.store.ListEntriesByNotification(ctx, id)
	if err != nil {
		h.writeDomainError(w, err, "list queue entries")
		return
	}
	logs, err := h.store.ListDeliveryLogs(ctx, id)
	if err != nil {
		h.writeDomainError(w, err, "list delivery logs")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"notification_id": id,
		"queue_entries":   entries,
		"delivery_logs":   logs,
	})
}

// MarkRead handles POST /v1/notifications/{id}/read?user_id=
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	userID, ok := h.uuidQuery(w, r, "user_id")
	if !ok {
		return
	}

	if err := h.store.MarkRead(r.Context(), id, userID, h.now()); err != nil {
		h.writeDomainError(w, err, "mark notification read")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"id": id, "is_read": true})
}

// UnreadCount handles GET /v1/users/{userID}/unread-count
func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.uuidParam(w, r, "userID")
	if !ok {
		return
	}

	n, err := h.store.UnreadCount(r.Context(), userID, h.now())
	if err != nil {
		h.writeDomainError(w, err, "count unread notifications")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "unread_count": n})
}

// MarkAllRead handles POST /v1/users/{userID}/read-all
func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.uuidParam(w, r, "userID")
	if !ok {
		return
	}

	n, err := h.store.MarkAllRead(r.Context(), userID, h.now())
	if err != nil {
		h.writeDomainError(w, err, "mark notifications read")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "marked_read": n})
}
