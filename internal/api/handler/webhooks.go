package handler

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/modplast83/Modern-MPS--sub001/internal/api/respond"
	"github.com/modplast83/Modern-MPS--sub001/internal/provider"
	"github.com/modplast83/Modern-MPS--sub001/internal/webhook"
)

// VerifyWebhook answers a provider's subscription handshake.
// @Summary Webhook verification
// @Description Echoes hub.challenge when hub.mode is subscribe and hub.verify_token matches.
// @Tags webhooks
// @Produce plain
// @Param provider path string true "Provider" Enums(meta, twilio)
// @Param hub.mode query string true "Must be subscribe"
// @Param hub.verify_token query string true "Configured verify token"
// @Param hub.challenge query string true "Challenge to echo"
// @Success 200 {string} string "Challenge"
// @Failure 403 {object} respond.ErrorResponse
// @Router /api/webhooks/{provider} [get]
func (h *Handler) VerifyWebhook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	challenge, err := h.Reconciler.Handshake(name, r.URL.Query())
	switch {
	case errors.Is(err, webhook.ErrUnknownProvider):
		respond.WriteError(w, http.StatusNotFound, "NOT_FOUND", "Unknown webhook provider")
		return
	case err != nil:
		respond.WriteError(w, http.StatusForbidden, "FORBIDDEN", "Verification failed")
		return
	}
	h.Logger.Info("Webhook verified", "provider", name)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, challenge)
}

// ReceiveWebhook applies a provider delivery callback.
// @Summary Webhook callback
// @Description Authenticates the callback signature, applies delivery status updates and records inbound messages. Unknown message ids are acknowledged and skipped, except recent ones whose send may still be recording, which get a 503 so the provider retries.
// @Tags webhooks
// @Accept json
// @Accept x-www-form-urlencoded
// @Produce json
// @Param provider path string true "Provider" Enums(meta, twilio)
// @Success 200 {object} webhook.Result
// @Failure 400 {object} respond.ErrorResponse
// @Failure 401 {object} respond.ErrorResponse
// @Failure 503 {object} respond.ErrorResponse
// @Router /api/webhooks/{provider} [post]
func (h *Handler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	if !h.Reconciler.Handles(name) {
		respond.WriteError(w, http.StatusNotFound, "NOT_FOUND", "Unknown webhook provider")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_BODY", "Could not read request body")
		return
	}

	req := provider.WebhookRequest{
		Body:        body,
		ContentType: r.Header.Get("Content-Type"),
		Header:      r.Header,
		URL:         h.publicURL(r),
	}
	if mt, _, _ := mime.ParseMediaType(req.ContentType); mt == "application/x-www-form-urlencoded" {
		form, err := url.ParseQuery(string(body))
		if err != nil {
			respond.WriteError(w, http.StatusBadRequest, "INVALID_BODY", "Malformed form body")
			return
		}
		req.Form = form
	}

	res, err := h.Reconciler.Ingest(r.Context(), name, req)
	switch {
	case errors.Is(err, webhook.ErrUnauthorized):
		respond.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
		return
	case errors.Is(err, webhook.ErrRetryLater):
		h.Logger.Info("Webhook references unrecorded message, asking for retry", "provider", name, "unknown", res.Unknown)
		w.Header().Set("Retry-After", "30")
		respond.WriteError(w, http.StatusServiceUnavailable, "RETRY_LATER", "Message not yet recorded")
		return
	case errors.Is(err, webhook.ErrMalformed):
		h.Logger.Warn("Malformed webhook payload", "provider", name, "error", err)
		respond.WriteError(w, http.StatusBadRequest, "INVALID_BODY", "Malformed payload")
		return
	case err != nil:
		// A 5xx makes the provider retry; status application is idempotent.
		h.Logger.Error("Webhook processing failed", "provider", name, "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, res)
}

// publicURL rebuilds the URL the provider called. PUBLIC_BASE_URL wins over
// forwarded headers because proxies differ in what they forward.
func (h *Handler) publicURL(r *http.Request) string {
	if h.Config != nil && h.Config.PublicBaseURL != "" {
		return h.Config.PublicBaseURL + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = strings.TrimSpace(strings.Split(p, ",")[0])
	}
	host := r.Host
	if fh := r.Header.Get("X-Forwarded-Host"); fh != "" {
		host = strings.TrimSpace(strings.Split(fh, ",")[0])
	}
	return scheme + "://" + host + r.URL.RequestURI()
}
