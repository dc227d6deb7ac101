// Package meta integrates the WhatsApp Business Cloud API.
//
// Outbound messages are JSON POSTs to /{version}/{phone-number-id}/messages
// with bearer auth. Callbacks arrive as JSON signed with X-Hub-Signature-256.
// Rate limiting is handled via a token bucket limiter.
package meta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/modplast83/Modern-MPS--sub001/internal/provider"
)

// Name is the provider name stored on notification rows.
const Name = "meta"

// Graph error codes that signal throttling or a temporary outage. Meta
// reports them with 4xx statuses, so the status alone would misclassify them.
var transientCodes = map[int]bool{
	1:      true, // unknown API error
	2:      true, // service temporarily unavailable
	4:      true, // application request limit
	80007:  true, // WABA rate limit
	130429: true, // throughput limit
	131000: true, // something went wrong
	131016: true, // service unavailable
	131048: true, // spam rate limit
	131056: true, // pair rate limit
}

// Client sends WhatsApp messages through the Cloud API.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	apiVersion    string
	phoneNumberID string
	accessToken   string
	limiter       *rate.Limiter
	logger        *slog.Logger
}

var _ provider.Client = (*Client)(nil)

// NewClient creates a Cloud API client limited to ratePerSecond sends.
func NewClient(baseURL, apiVersion, phoneNumberID, accessToken string, ratePerSecond int, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if ratePerSecond <= 0 {
		ratePerSecond = 20
	}
	return &Client{
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		baseURL:       baseURL,
		apiVersion:    apiVersion,
		phoneNumberID: phoneNumberID,
		accessToken:   accessToken,
		limiter:       rate.NewLimiter(rate.Limit(ratePerSecond), ratePerSecond),
		logger:        logger,
	}
}

func (c *Client) Name() string { return Name }

type sendRequest struct {
	MessagingProduct string `json:"messaging_product"`
	RecipientType    string `json:"recipient_type"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		PreviewURL bool   `json:"preview_url"`
		Body       string `json:"body"`
	} `json:"text"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type errorResponse struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		ErrorData    struct {
			Details string `json:"details"`
		} `json:"error_data"`
	} `json:"error"`
}

// Send posts a text message and returns its wamid.
func (c *Client) Send(ctx context.Context, m provider.Message) (string, error) {
	if m.To == "" {
		return "", provider.Invalid(Name, "destination is required")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", provider.Transport(Name, fmt.Errorf("rate limit wait: %w", err))
	}

	var payload sendRequest
	payload.MessagingProduct = "whatsapp"
	payload.RecipientType = "individual"
	payload.To = normalizeNumber(m.To)
	payload.Type = "text"
	payload.Text.Body = m.Text()

	body, err := json.Marshal(payload)
	if err != nil {
		return "", provider.Invalid(Name, fmt.Sprintf("encode message: %v", err))
	}

	u := fmt.Sprintf("%s/%s/%s/messages", c.baseURL, c.apiVersion, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return "", provider.Invalid(Name, fmt.Sprintf("create request: %v", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", provider.Transport(Name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", provider.Transport(Name, fmt.Errorf("read response body: %w", err))
	}

	if resp.StatusCode >= 300 {
		return "", classify(resp.StatusCode, respBody)
	}

	var result sendResponse
	if err := json.Unmarshal(respBody, &result); err != nil || len(result.Messages) == 0 || result.Messages[0].ID == "" {
		return "", &provider.Error{Provider: Name, StatusCode: resp.StatusCode, Message: "response without message id: " + truncate(respBody, 200)}
	}

	c.logger.Debug("Meta message accepted", "notification_id", m.NotificationID, "wamid", result.Messages[0].ID)
	return result.Messages[0].ID, nil
}

func classify(status int, body []byte) *provider.Error {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Error.Code == 0 {
		return provider.FromStatus(Name, status, "", truncate(body, 200))
	}
	msg := er.Error.Message
	if er.Error.ErrorData.Details != "" {
		msg += ": " + er.Error.ErrorData.Details
	}
	pe := provider.FromStatus(Name, status, strconv.Itoa(er.Error.Code), msg)
	if transientCodes[er.Error.Code] {
		pe.Permanent = false
	}
	return pe
}

// normalizeNumber strips the leading plus; the Cloud API wants bare digits.
func normalizeNumber(n string) string {
	if len(n) > 0 && n[0] == '+' {
		return n[1:]
	}
	return n
}

// truncate returns a truncated string representation for error messages.
func truncate(b []byte, maxLen int) string {
	if len(b) <= maxLen {
		return string(b)
	}
	return string(b[:maxLen]) + "..."
}
