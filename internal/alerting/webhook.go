package alerting

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"mdmd.sh/internal/merrors"
)

const webhookTimeout = 10 * time.Second

// Embed colors in Discord's integer RGB encoding.
const (
	colorCritical = 0xe74c3c
	colorWarning  = 0xf1c40f
	colorRecovery = 0x2ecc71
)

// Message is one webhook delivery, Discord-compatible.
type Message struct {
	Content string  `json:"content,omitempty"`
	Embeds  []Embed `json:"embeds,omitempty"`
}

// Embed is a Discord rich embed.
type Embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

// EmbedField is one name/value pair inside an embed.
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Sender delivers alert messages. The engine depends on this, not the
// HTTP client, so tests substitute a recorder.
type Sender interface {
	Send(ctx context.Context, url string, msg *Message) error
}

// WebhookSender posts Discord-compatible JSON with an HMAC signature
// header. A circuit breaker sheds deliveries while the endpoint is down.
type WebhookSender struct {
	defaultURL string
	secret     []byte
	client     *http.Client
	breaker    *merrors.CircuitBreaker
	logger     *slog.Logger
}

// NewWebhookSender wires the sender. secret signs every request body
// into the X-MDMD-Signature header.
func NewWebhookSender(defaultURL, secret string) *WebhookSender {
	return &WebhookSender{
		defaultURL: defaultURL,
		secret:     []byte(secret),
		client:     &http.Client{Timeout: webhookTimeout},
		breaker:    merrors.NewCircuitBreaker(merrors.DefaultCircuitBreakerConfig()),
		logger:     slog.Default().With("component", "alert-webhook"),
	}
}

// Send posts one message. An empty url falls back to the configured
// default; no default configured means delivery is disabled.
func (s *WebhookSender) Send(ctx context.Context, url string, msg *Message) error {
	if url == "" {
		url = s.defaultURL
	}
	if url == "" {
		return merrors.New(merrors.ErrCodeUnavailable, "no webhook url configured")
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "encoding webhook payload")
	}

	return s.breaker.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return merrors.Wrap(err, merrors.ErrCodeInternal, "building webhook request")
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-MDMD-Signature", s.signature(body))

		resp, err := s.client.Do(req)
		if err != nil {
			return merrors.Wrap(err, merrors.ErrCodeUnavailable, "webhook unreachable")
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return merrors.Newf(merrors.ErrCodeUnavailable, "webhook returned %d", resp.StatusCode)
		}
		return nil
	})
}

func (s *WebhookSender) signature(body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func severityColor(severity string, recovery bool) int {
	if recovery {
		return colorRecovery
	}
	if severity == SeverityWarning {
		return colorWarning
	}
	return colorCritical
}

func dashboardLink(baseURL, deviceID string) string {
	if baseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/devices/%s", baseURL, deviceID)
}
