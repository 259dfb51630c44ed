package channels

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hazyhaar/adsbalert/horosafe"
)

// WebhookConfig is the per-channel JSON config for generic outbound webhooks.
type WebhookConfig struct {
	// URL receives one JSON POST per message.
	URL string `json:"url"`
	// Secret, when set, signs the body with HMAC-SHA256 in X-Signature-256
	// ("sha256=<hex>", GitHub style). At least horosafe.MinSecretLen bytes.
	Secret string `json:"secret,omitempty"`
	// Headers are added to every request (e.g. an Authorization token).
	Headers map[string]string `json:"headers,omitempty"`
}

// WebhookPayload is the JSON body POSTed by the webhook channel.
type WebhookPayload struct {
	ID        string            `json:"id"`
	Recipient string            `json:"recipient,omitempty"`
	Text      string            `json:"text"`
	PhotoURL  string            `json:"photo_url,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// WebhookFactory returns a ChannelFactory for generic HTTP notification
// endpoints.
//
// Config example:
//
//	{"url": "https://notify.example.org/hook", "secret": "<32+ byte hmac key>"}
func WebhookFactory() ChannelFactory {
	return func(name string, config json.RawMessage) (Channel, error) {
		var cfg WebhookConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("webhook: parse config: %w", err)
		}
		if cfg.URL == "" {
			return nil, fmt.Errorf("webhook: url is required")
		}
		if cfg.Secret != "" {
			if err := horosafe.ValidateSecret(cfg.Secret); err != nil {
				return nil, fmt.Errorf("webhook %s: %w", name, err)
			}
		}
		return newWebhookChannel(name, cfg, http.DefaultClient), nil
	}
}

// webhookChannel implements Channel for generic HTTP webhooks.
type webhookChannel struct {
	name   string
	config WebhookConfig
	client *http.Client

	mu     sync.Mutex
	closed bool
	status ChannelStatus
}

func newWebhookChannel(name string, cfg WebhookConfig, client *http.Client) *webhookChannel {
	return &webhookChannel{
		name:   name,
		config: cfg,
		client: client,
		status: ChannelStatus{
			Connected: true,
			Platform:  "webhook",
			AuthState: "configured",
		},
	}
}

// sign returns the X-Signature-256 header value for body.
func (c *webhookChannel) sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(c.config.Secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a X-Signature-256 header against body using secret.
// Receivers written in Go can use it to authenticate our POSTs.
func VerifySignature(secret string, body []byte, signature string) bool {
	const prefix = "sha256="
	if len(signature) > len(prefix) && signature[:len(prefix)] == prefix {
		signature = signature[len(prefix):]
	}
	decoded, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), decoded)
}

func (c *webhookChannel) Send(ctx context.Context, msg Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return &ErrSendFailed{Channel: c.name, Platform: "webhook",
			Cause: fmt.Errorf("channel closed")}
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	body, err := json.Marshal(WebhookPayload{
		ID:        msg.ID,
		Recipient: msg.RecipientID,
		Text:      msg.Text,
		PhotoURL:  msg.Photo(),
		Metadata:  msg.Metadata,
		Timestamp: ts.UTC(),
	})
	if err != nil {
		return &ErrSendFailed{Channel: c.name, Platform: "webhook",
			Cause: fmt.Errorf("marshal payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return &ErrSendFailed{Channel: c.name, Platform: "webhook",
			Cause: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
	if c.config.Secret != "" {
		req.Header.Set("X-Signature-256", c.sign(body))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.setError(err)
		return &ErrSendFailed{Channel: c.name, Platform: "webhook",
			Cause: fmt.Errorf("POST: %w", err)}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode >= 300 {
		err := httpFailure(c.name, "webhook", resp.StatusCode, fmt.Errorf("endpoint answered: %s", bytes.TrimSpace(respBody)))
		c.setError(err)
		return err
	}

	c.mu.Lock()
	c.status.Error = ""
	c.status.LastMessage = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *webhookChannel) setError(err error) {
	c.mu.Lock()
	c.status.Error = err.Error()
	c.mu.Unlock()
}

func (c *webhookChannel) Status() ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *webhookChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.status.Connected = false
	c.status.AuthState = "stopped"
	return nil
}
