package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WebhookConfig configures the generic webhook transport. When Secret is
// set, each request carries an X-Orion-Signature header with the
// hex-encoded HMAC-SHA256 of the body.
type WebhookConfig struct {
	URL    string
	Secret string
}

// WebhookTransport POSTs notifications as JSON to a configured endpoint.
type WebhookTransport struct {
	cfg    WebhookConfig
	client *http.Client
	logger *zap.Logger
}

func NewWebhookTransport(cfg WebhookConfig, logger *zap.Logger) *WebhookTransport {
	return &WebhookTransport{
		cfg:    cfg,
		client: &http.Client{Timeout: defaultSendTimeout},
		logger: logger,
	}
}

func (t *WebhookTransport) Name() string { return "webhook" }

type webhookPayload struct {
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

func (t *WebhookTransport) Send(ctx context.Context, msg Message) error {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	body, err := json.Marshal(webhookPayload{
		Subject:   msg.Subject,
		Body:      msg.Body,
		Severity:  string(msg.Severity),
		Timestamp: ts,
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.cfg.Secret != "" {
		req.Header.Set("X-Orion-Signature", computeHMAC(t.cfg.Secret, body))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post %s: %w", t.cfg.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook: %s returned HTTP %d", t.cfg.URL, resp.StatusCode)
	}
	return nil
}

// computeHMAC generates a hex-encoded HMAC-SHA256 of the body using the
// given secret.
func computeHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
