// Package twilio integrates WhatsApp through the Twilio Messaging API.
//
// Outbound messages are form POSTs to /2010-04-01/Accounts/{sid}/Messages.json
// with basic auth. Status callbacks and inbound messages arrive form-encoded
// and are signed with X-Twilio-Signature.
package twilio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/modplast83/Modern-MPS--sub001/internal/provider"
)

// Name is the provider name stored on notification rows.
const Name = "twilio"

// Client sends WhatsApp messages through Twilio.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	accountSID     string
	authToken      string
	from           string
	statusCallback string
	limiter        *rate.Limiter
	logger         *slog.Logger
}

var _ provider.Client = (*Client)(nil)

// NewClient creates a Twilio client. statusCallback, when set, is passed on
// every message so delivery updates reach the webhook.
func NewClient(baseURL, accountSID, authToken, from, statusCallback string, ratePerSecond int, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if ratePerSecond <= 0 {
		ratePerSecond = 20
	}
	return &Client{
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		baseURL:        baseURL,
		accountSID:     accountSID,
		authToken:      authToken,
		from:           whatsappAddress(from),
		statusCallback: statusCallback,
		limiter:        rate.NewLimiter(rate.Limit(ratePerSecond), ratePerSecond),
		logger:         logger,
	}
}

func (c *Client) Name() string { return Name }

type messageResponse struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type errorResponse struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

// Send creates a message and returns its SID.
func (c *Client) Send(ctx context.Context, m provider.Message) (string, error) {
	if m.To == "" {
		return "", provider.Invalid(Name, "destination is required")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", provider.Transport(Name, fmt.Errorf("rate limit wait: %w", err))
	}

	form := url.Values{
		"To":   {whatsappAddress(m.To)},
		"From": {c.from},
		"Body": {m.Text()},
	}
	if c.statusCallback != "" {
		form.Set("StatusCallback", c.statusCallback)
	}

	u := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.baseURL, c.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return "", provider.Invalid(Name, fmt.Sprintf("create request: %v", err))
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", provider.Transport(Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", provider.Transport(Name, fmt.Errorf("read response body: %w", err))
	}

	if resp.StatusCode >= 300 {
		var er errorResponse
		if err := json.Unmarshal(body, &er); err != nil || er.Code == 0 {
			return "", provider.FromStatus(Name, resp.StatusCode, "", truncate(body, 200))
		}
		return "", provider.FromStatus(Name, resp.StatusCode, strconv.Itoa(er.Code), er.Message)
	}

	var result messageResponse
	if err := json.Unmarshal(body, &result); err != nil || result.SID == "" {
		return "", &provider.Error{Provider: Name, StatusCode: resp.StatusCode, Message: "response without sid: " + truncate(body, 200)}
	}

	c.logger.Debug("Twilio message accepted", "notification_id", m.NotificationID, "sid", result.SID)
	return result.SID, nil
}

// whatsappAddress prefixes a number with the whatsapp: channel.
func whatsappAddress(n string) string {
	if n == "" || strings.HasPrefix(n, "whatsapp:") {
		return n
	}
	if !strings.HasPrefix(n, "+") {
		n = "+" + n
	}
	return "whatsapp:" + n
}

// truncate returns a truncated string representation for error messages.
func truncate(b []byte, maxLen int) string {
	if len(b) <= maxLen {
		return string(b)
	}
	return string(b[:maxLen]) + "..."
}
