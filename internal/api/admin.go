package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/device"
)

// ListTemplates handles GET /v1/templates?all=
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.store.ListTemplates(r.Context(), !boolQuery(r, "all"))
	if err != nil {
		h.writeDomainError(w, err, "list templates")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"data": templates, "count": len(templates)})
}

// GetTemplate handles GET /v1/templates/{key}
func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := h.store.GetTemplate(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		h.writeDomainError(w, err, "get template")
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

// SetTemplateActive handles PATCH /v1/templates/{key}/active
func (h *Handler) SetTemplateActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IsActive *bool `json:"is_active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.IsActive == nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing is_active", "is_active is required")
		return
	}

	t, err := h.store.SetTemplateActive(r.Context(), chi.URLParam(r, "key"), *req.IsActive)
	if err != nil {
		h.writeDomainError(w, err, "update template")
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

// QueueStats handles GET /v1/queue/stats
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.QueueStats(r.Context())
	if err != nil {
		h.writeDomainError(w, err, "get queue stats")
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// ListQueue handles GET /v1/queue?status=&channel=&limit=&offset=
func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := db.QueueFilter{
		Status:  db.QueueStatus(q.Get("status")),
		Channel: db.Channel(q.Get("channel")),
	}
	switch filter.Status {
	case "", db.StatusPending, db.StatusProcessing, db.StatusCompleted, db.StatusFailed:
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
			"status must be one of: pending, processing, completed, failed")
		return
	}
	if filter.Channel != "" && !filter.Channel.Queued() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", "channel must be email or push")
		return
	}
	filter.Limit, filter.Offset = pagination(r)

	entries, err := h.store.ListQueueEntries(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, err, "list queue entries")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":   entries,
		"limit":  filter.Limit,
		"offset": filter.Offset,
		"count":  len(entries),
	})
}

// Requeue handles POST /v1/queue/{id}/requeue
func (h *Handler) Requeue(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}

	entry, err := h.dispatcher.Requeue(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err, "requeue entry")
		return
	}
	h.writeJSON(w, http.StatusCreated, entry)
}

// DeviceStats handles GET /v1/devices/stats
func (h *Handler) DeviceStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.devices.Stats(r.Context())
	if err != nil {
		h.writeDomainError(w, err, "get device stats")
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// DeactivateStaleDevices handles POST /v1/devices/deactivate-stale?days=
func (h *Handler) DeactivateStaleDevices(w http.ResponseWriter, r *http.Request) {
	olderThan := device.DefaultStaleAfter
	if raw := r.URL.Query().Get("days"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid days", "days must be a positive integer")
			return
		}
		olderThan = time.Duration(days) * 24 * time.Hour
	}

	n, err := h.devices.DeactivateStale(r.Context(), olderThan)
	if err != nil {
		h.writeDomainError(w, err, "deactivate stale devices")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"deactivated": n})
}
