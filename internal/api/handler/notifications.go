package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/modplast83/Modern-MPS--sub001/internal/api/respond"
	"github.com/modplast83/Modern-MPS--sub001/internal/notifications"
	"github.com/modplast83/Modern-MPS--sub001/internal/store"
)

// Channels selects the surfaces of a system notification. In-app delivery
// always happens, so in_app may be omitted or true but not false; WhatsApp
// adds the external channel.
type Channels struct {
	InApp    *bool `json:"in_app,omitempty"`
	WhatsApp bool  `json:"whatsapp"`
}

type systemNotificationRequest struct {
	Title            string         `json:"title"`
	Message          string         `json:"message"`
	TitleLocalized   string         `json:"title_localized"`
	MessageLocalized string         `json:"message_localized"`
	Type             string         `json:"type"`
	Priority         store.Priority `json:"priority"`
	RecipientType    string         `json:"recipient_type"`
	RecipientID      string         `json:"recipient_id"`
	Channels         Channels       `json:"channels"`
}

type whatsAppRequest struct {
	Title       string         `json:"title"`
	Message     string         `json:"message"`
	PhoneNumber string         `json:"phone_number"`
	RecipientID string         `json:"recipient_id"`
	Priority    store.Priority `json:"priority"`
}

type createdResponse struct {
	Success       bool                 `json:"success"`
	Count         int                  `json:"count"`
	Notifications []store.Notification `json:"notifications"`
}

// CreateSystemNotification fans a notification out to a user, a role or
// everyone.
// @Summary Create system notification
// @Description Resolves the recipients once and stores one row per user. Rows are pushed to live connections; with channels.whatsapp, users with a phone number also get a WhatsApp message.
// @Tags notifications
// @Accept json
// @Produce json
// @Param body body systemNotificationRequest true "Notification"
// @Success 201 {object} createdResponse
// @Failure 400 {object} respond.ErrorResponse
// @Router /api/notifications/system [post]
func (h *Handler) CreateSystemNotification(w http.ResponseWriter, r *http.Request) {
	var req systemNotificationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Channels.InApp != nil && !*req.Channels.InApp {
		respond.WriteError(w, http.StatusBadRequest, "VALIDATION_ERROR", "channels.in_app cannot be disabled")
		return
	}
	kind, err := notifications.ParseRecipientKind(req.RecipientType)
	if err != nil {
		h.writeServiceError(w, err, "Notification")
		return
	}

	created, err := h.Router.Create(r.Context(), notifications.Request{
		Title:            req.Title,
		Message:          req.Message,
		TitleLocalized:   req.TitleLocalized,
		MessageLocalized: req.MessageLocalized,
		Type:             req.Type,
		Priority:         req.Priority,
		Recipients:       []notifications.Recipient{{Kind: kind, ID: req.RecipientID}},
		External:         req.Channels.WhatsApp,
	})
	if err != nil {
		h.writeServiceError(w, err, "Notification")
		return
	}
	if created == nil {
		created = []store.Notification{}
	}
	respond.WriteJSONObject(w, http.StatusCreated, createdResponse{
		Success:       true,
		Count:         len(created),
		Notifications: created,
	})
}

// SendWhatsApp sends one message to a phone number.
// @Summary Send WhatsApp message
// @Description Stores an external notification and queues it for delivery. The response returns as soon as the row is stored; delivery progress arrives through the push stream.
// @Tags notifications
// @Accept json
// @Produce json
// @Param body body whatsAppRequest true "Message"
// @Success 202 {object} store.Notification
// @Failure 400 {object} respond.ErrorResponse
// @Failure 503 {object} respond.ErrorResponse
// @Router /api/notifications/whatsapp [post]
func (h *Handler) SendWhatsApp(w http.ResponseWriter, r *http.Request) {
	if h.Dispatcher == nil {
		respond.WriteError(w, http.StatusServiceUnavailable, "PROVIDER_NOT_CONFIGURED", "WhatsApp delivery is not configured")
		return
	}
	var req whatsAppRequest
	if !decodeBody(w, r, &req) {
		return
	}
	n, err := h.Router.SendDirect(r.Context(), notifications.DirectRequest{
		Title:       req.Title,
		Message:     req.Message,
		Phone:       req.PhoneNumber,
		RecipientID: req.RecipientID,
		Priority:    req.Priority,
	})
	if err != nil {
		h.writeServiceError(w, err, "Notification")
		return
	}
	respond.WriteJSONObject(w, http.StatusAccepted, n)
}

// ListUserNotifications returns the caller's notifications, newest first.
// @Summary List my notifications
// @Tags notifications
// @Produce json
// @Param unread_only query bool false "Only unread rows"
// @Param limit query int false "Maximum rows (default 50, max 500)"
// @Success 200 {array} store.Notification
// @Failure 401 {object} respond.ErrorResponse
// @Router /api/notifications/user [get]
func (h *Handler) ListUserNotifications(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	unreadOnly, ok := parseFlag(w, "unread_only", q.Get("unread_only"))
	if !ok {
		return
	}
	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}
	rows, err := h.Router.ListForUser(r.Context(), uid, unreadOnly, limit)
	if err != nil {
		h.writeServiceError(w, err, "Notifications")
		return
	}
	if rows == nil {
		rows = []store.Notification{}
	}
	respond.WriteJSONObject(w, http.StatusOK, rows)
}

// MarkRead marks one of the caller's notifications read.
// @Summary Mark notification read
// @Tags notifications
// @Produce json
// @Param id path string true "Notification ID"
// @Success 200 {object} store.Notification
// @Failure 404 {object} respond.ErrorResponse
// @Router /api/notifications/mark-read/{id} [patch]
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	n, err := h.Router.MarkRead(r.Context(), uid, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err, "Notification")
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, n)
}

// MarkAllRead marks every unread notification of the caller read.
// @Summary Mark all notifications read
// @Tags notifications
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /api/notifications/mark-all-read [patch]
func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	count, err := h.Router.MarkAllRead(r.Context(), uid)
	if err != nil {
		h.writeServiceError(w, err, "Notifications")
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"updated": count,
	})
}

// DeleteNotification removes one of the caller's notifications.
// @Summary Delete notification
// @Tags notifications
// @Produce json
// @Param id path string true "Notification ID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} respond.ErrorResponse
// @Router /api/notifications/{id} [delete]
func (h *Handler) DeleteNotification(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	if err := h.Router.Delete(r.Context(), uid, chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, err, "Notification")
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{"success": true})
}

// parseFlag reads an optional boolean query parameter. Absent means false.
func parseFlag(w http.ResponseWriter, name, v string) (bool, bool) {
	if v == "" {
		return false, true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		respond.WriteError(w, http.StatusBadRequest, "VALIDATION_ERROR", name+" must be true or false")
		return false, false
	}
	return b, true
}
