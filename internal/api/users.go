package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/lalithlochan/courier/internal/preference"
)

// ListPreferences handles GET /v1/users/{userID}/preferences
func (h *Handler) ListPreferences(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.uuidParam(w, r, "userID")
	if !ok {
		return
	}

	prefs, err := h.prefs.List(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, err, "list preferences")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"data": prefs, "count": len(prefs)})
}

// UpdatePreference handles PUT /v1/users/{userID}/preferences/{type}.
// Omitted channels keep their current value.
func (h *Handler) UpdatePreference(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.uuidParam(w, r, "userID")
	if !ok {
		return
	}
	notificationType := strings.TrimSpace(chi.URLParam(r, "type"))
	if notificationType == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing notification type", "")
		return
	}

	var req preference.Update
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	p, err := h.prefs.Update(r.Context(), userID, notificationType, req)
	if err != nil {
		h.writeDomainError(w, err, "update preference")
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

// ResetPreference handles DELETE /v1/users/{userID}/preferences/{type}
func (h *Handler) ResetPreference(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.uuidParam(w, r, "userID")
	if !ok {
		return
	}

	if err := h.prefs.Reset(r.Context(), userID, chi.URLParam(r, "type")); err != nil {
		h.writeDomainError(w, err, "reset preference")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type RegisterDeviceRequest struct {
	DeviceToken string  `json:"device_token"`
	DeviceType  string  `json:"device_type"`
	DeviceName  *string `json:"device_name,omitempty"`
}

// RegisterDevice handles POST /v1/users/{userID}/devices
func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.uuidParam(w, r, "userID")
	if !ok {
		return
	}

	var req RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	d, err := h.devices.Register(r.Context(), userID, req.DeviceToken, req.DeviceType, req.DeviceName)
	if err != nil {
		h.writeDomainError(w, err, "register device")
		return
	}
	h.writeJSON(w, http.StatusCreated, d)
}

// ListDevices handles GET /v1/users/{userID}/devices?all=
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.uuidParam(w, r, "userID")
	if !ok {
		return
	}

	devices, err := h.devices.List(r.Context(), userID, boolQuery(r, "all"))
	if err != nil {
		h.writeDomainError(w, err, "list devices")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"data": devices, "count": len(devices)})
}

// DeactivateDevice handles DELETE /v1/users/{userID}/devices/{token}
func (h *Handler) DeactivateDevice(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.uuidParam(w, r, "userID")
	if !ok {
		return
	}

	if err := h.devices.Deactivate(r.Context(), userID, chi.URLParam(r, "token")); err != nil {
		h.writeDomainError(w, err, "deactivate device")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
