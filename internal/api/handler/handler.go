// Package handler provides HTTP handlers for all API endpoints.
// Handlers call the engine components directly; there is no service layer
// between them and the alert, notification and webhook packages.
package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/modplast83/Modern-MPS--sub001/internal/alerts"
	"github.com/modplast83/Modern-MPS--sub001/internal/api/respond"
	"github.com/modplast83/Modern-MPS--sub001/internal/cache"
	"github.com/modplast83/Modern-MPS--sub001/internal/config"
	"github.com/modplast83/Modern-MPS--sub001/internal/dispatch"
	"github.com/modplast83/Modern-MPS--sub001/internal/metrics"
	"github.com/modplast83/Modern-MPS--sub001/internal/notifications"
	"github.com/modplast83/Modern-MPS--sub001/internal/push"
	"github.com/modplast83/Modern-MPS--sub001/internal/store"
	"github.com/modplast83/Modern-MPS--sub001/internal/webhook"
)

// Deps are the components the handlers serve.
type Deps struct {
	Store      store.Store
	Ingest     *alerts.Ingest
	Router     *notifications.Router
	Hub        *push.Hub
	Reconciler *webhook.Reconciler
	// Dispatcher is nil when no provider is configured.
	Dispatcher *dispatch.Dispatcher
	Cache      *cache.Cache
	Metrics    *metrics.Collector
	Config     *config.Config
	Logger     *slog.Logger
	// UserID extracts the authenticated user set by the auth middleware.
	UserID func(*http.Request) (string, bool)
}

// Handler holds shared dependencies for all endpoint handlers.
type Handler struct {
	Deps
}

// New creates a Handler with shared dependencies.
func New(d Deps) *Handler {
	if d.Cache == nil {
		d.Cache = cache.New(false)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Handler{Deps: d}
}

// Root serves API info at /.
// @Summary API root info
// @Description Returns API name, version and status.
// @Tags meta
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router / [get]
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"name":    "MPS Alerts & Notifications API",
		"version": "1.0.0",
		"status":  "running",
		"docs":    "/docs",
	})
}

// HealthCheck returns basic health status.
// @Summary Health check
// @Description Returns basic health status and timestamp.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /health [get]
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HealthCheckDB verifies store connectivity.
// @Summary Database health check
// @Description Verifies connectivity of the configured store.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]interface{}
// @Router /health/db [get]
func (h *Handler) HealthCheckDB(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		h.Logger.Warn("Store health check failed", "error", err)
		respond.WriteJSONObject(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "unhealthy",
			"database":  "disconnected",
			"driver":    h.Config.StoreDriver,
			"error":     "Database connection check failed",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"database":  "connected",
		"driver":    h.Config.StoreDriver,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HealthCheckPush returns push hub statistics and provider circuit state.
// @Summary Push and delivery health
// @Description Returns live push connection counts and any open provider circuits.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /health/push [get]
func (h *Handler) HealthCheckPush(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	resp := map[string]interface{}{
		"push":      h.Hub.Stats(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.Dispatcher != nil {
		open := h.Dispatcher.OpenCircuits()
		if len(open) > 0 {
			status = "degraded"
		}
		resp["provider"] = h.Dispatcher.Provider()
		resp["open_circuits"] = open
	} else {
		resp["provider"] = nil
	}
	resp["status"] = status
	respond.WriteJSONObject(w, http.StatusOK, resp)
}

// HealthCheckMetrics returns this instance's service counters.
// @Summary Service counters
// @Description Returns alert, dispatch and webhook counters plus cache statistics.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /health/metrics [get]
func (h *Handler) HealthCheckMetrics(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"metrics":   h.Metrics.Snapshot(),
		"cache":     h.Cache.Stats(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// --------------------------------------------------------------------------
// Shared helpers
// --------------------------------------------------------------------------

// writeServiceError maps component errors onto the error envelope.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, what string) {
	var (
		alertErr  *alerts.ValidationError
		notifyErr *notifications.ValidationError
	)
	switch {
	case errors.As(err, &alertErr):
		respond.WriteErrorDetail(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request", alertErr.Error())
	case errors.As(err, &notifyErr):
		respond.WriteErrorDetail(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request", notifyErr.Error())
	case errors.Is(err, store.ErrNotFound):
		respond.WriteError(w, http.StatusNotFound, "NOT_FOUND", what+" not found")
	default:
		h.Logger.Error("Request failed", "what", what, "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
	}
}

// requireUser returns the authenticated user or writes 401.
func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.UserID != nil {
		if uid, ok := h.UserID(r); ok {
			return uid, true
		}
	}
	respond.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
	return "", false
}
