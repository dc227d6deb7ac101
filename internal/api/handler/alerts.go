package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/modplast83/Modern-MPS--sub001/internal/alerts"
	"github.com/modplast83/Modern-MPS--sub001/internal/api/respond"
	"github.com/modplast83/Modern-MPS--sub001/internal/cache"
	"github.com/modplast83/Modern-MPS--sub001/internal/store"
)

const (
	maxBodyBytes     = 1 << 20
	defaultListLimit = 50
	maxListLimit     = 500
)

type resolveRequest struct {
	Notes string `json:"notes"`
}

// SubmitAlert accepts one raw condition event.
// @Summary Submit alert event
// @Description Folds the event into the active alert with the same fingerprint, creating it if none exists. New and escalated alerts notify their target audience.
// @Tags alerts
// @Accept json
// @Produce json
// @Param event body alerts.Event true "Condition event"
// @Success 201 {object} alerts.SubmitResult "Alert created"
// @Success 200 {object} alerts.SubmitResult "Occurrence folded into an active alert"
// @Failure 400 {object} respond.ErrorResponse
// @Router /api/alerts [post]
func (h *Handler) SubmitAlert(w http.ResponseWriter, r *http.Request) {
	var ev alerts.Event
	if !decodeBody(w, r, &ev) {
		return
	}
	res, err := h.Ingest.Submit(r.Context(), ev)
	if err != nil {
		h.writeServiceError(w, err, "Alert")
		return
	}
	h.Cache.InvalidatePrefix(cache.PrefixAlerts)

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	respond.WriteJSONObject(w, status, res)
}

// GetAlert returns one alert.
// @Summary Get alert
// @Tags alerts
// @Produce json
// @Param id path string true "Alert ID"
// @Success 200 {object} store.Alert
// @Failure 404 {object} respond.ErrorResponse
// @Router /api/alerts/{id} [get]
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	a, err := h.Ingest.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err, "Alert")
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, a)
}

// ResolveAlert closes an active alert.
// @Summary Resolve alert
// @Description Marks an active alert resolved by the caller. Resolving an already closed alert returns it unchanged.
// @Tags alerts
// @Accept json
// @Produce json
// @Param id path string true "Alert ID"
// @Param body body resolveRequest false "Resolution notes"
// @Success 200 {object} store.Alert
// @Failure 404 {object} respond.ErrorResponse
// @Router /api/alerts/{id}/resolve [post]
func (h *Handler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	a, err := h.Ingest.Resolve(r.Context(), chi.URLParam(r, "id"), uid, req.Notes)
	if err != nil {
		h.writeServiceError(w, err, "Alert")
		return
	}
	h.Cache.InvalidatePrefix(cache.PrefixAlerts)
	respond.WriteJSONObject(w, http.StatusOK, a)
}

// DismissAlert closes an active alert without resolution.
// @Summary Dismiss alert
// @Tags alerts
// @Produce json
// @Param id path string true "Alert ID"
// @Success 200 {object} store.Alert
// @Failure 404 {object} respond.ErrorResponse
// @Router /api/alerts/{id}/dismiss [post]
func (h *Handler) DismissAlert(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	a, err := h.Ingest.Dismiss(r.Context(), chi.URLParam(r, "id"), uid)
	if err != nil {
		h.writeServiceError(w, err, "Alert")
		return
	}
	h.Cache.InvalidatePrefix(cache.PrefixAlerts)
	respond.WriteJSONObject(w, http.StatusOK, a)
}

// ListAlerts returns alerts, most recent occurrence first.
// @Summary List alerts
// @Tags alerts
// @Produce json
// @Param status query string false "Alert status" Enums(active, resolved, dismissed)
// @Param type query string false "Alert type"
// @Param severity query string false "Severity" Enums(low, medium, high, critical)
// @Param limit query int false "Maximum rows (default 50, max 500)"
// @Success 200 {array} store.Alert
// @Failure 400 {object} respond.ErrorResponse
// @Router /api/alerts [get]
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.AlertFilter{
		Status: store.AlertStatus(q.Get("status")),
		Type:   q.Get("type"),
	}
	switch f.Status {
	case "", store.AlertActive, store.AlertResolved, store.AlertDismissed:
	default:
		respond.WriteError(w, http.StatusBadRequest, "VALIDATION_ERROR", "status must be active, resolved or dismissed")
		return
	}
	if s := q.Get("severity"); s != "" {
		sev, err := store.ParseSeverity(s)
		if err != nil {
			respond.WriteError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
		f.Severity = sev
	}
	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}
	f.Limit = limit

	cacheKey := fmt.Sprintf("%slist:%s:%s:%s:%d", cache.PrefixAlerts, f.Status, f.Type, f.Severity, f.Limit)
	h.cached(w, r, cacheKey, cache.TTLAlertList, func() (any, error) {
		list, err := h.Ingest.List(r.Context(), f)
		if list == nil {
			list = []store.Alert{}
		}
		return list, err
	})
}

// AlertStats returns alert counts for dashboards.
// @Summary Alert statistics
// @Description Counts by status, active counts by severity and type. Cached briefly with ETag support.
// @Tags alerts
// @Produce json
// @Success 200 {object} store.AlertStats
// @Success 304 "Not modified"
// @Router /api/alerts/stats [get]
func (h *Handler) AlertStats(w http.ResponseWriter, r *http.Request) {
	h.cached(w, r, cache.PrefixAlerts+"stats", cache.TTLAlertStats, func() (any, error) {
		return h.Ingest.Stats(r.Context())
	})
}

// cached serves key from the cache, or loads, encodes and stores it.
func (h *Handler) cached(w http.ResponseWriter, r *http.Request, key string, ttl time.Duration, load func() (any, error)) {
	if data, etag, ok := h.Cache.Get(key); ok {
		if cache.CheckETagMatch(r.Header.Get("If-None-Match"), etag) {
			respond.WriteNotModified(w, etag)
			return
		}
		respond.WriteJSON(w, data, etag, ttl, true)
		return
	}

	v, err := load()
	if err != nil {
		h.writeServiceError(w, err, "Alerts")
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		h.writeServiceError(w, fmt.Errorf("encode response: %w", err), "Alerts")
		return
	}
	etag := h.Cache.Set(key, data, ttl)
	if cache.CheckETagMatch(r.Header.Get("If-None-Match"), etag) {
		respond.WriteNotModified(w, etag)
		return
	}
	respond.WriteJSON(w, data, etag, ttl, false)
}

// --------------------------------------------------------------------------
// Request helpers
// --------------------------------------------------------------------------

// decodeBody reads a JSON body into v or writes 400.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		respond.WriteErrorDetail(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be valid JSON", err.Error())
		return false
	}
	return true
}

// decodeOptionalBody is decodeBody for endpoints whose body may be empty.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		respond.WriteErrorDetail(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be valid JSON", err.Error())
		return false
	}
	return true
}

func parseLimit(w http.ResponseWriter, v string) (int, bool) {
	if v == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		respond.WriteError(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a positive integer")
		return 0, false
	}
	return min(n, maxListLimit), true
}
