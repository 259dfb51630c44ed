package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
)

const discordContentMax = 2000

// DiscordConfig is the per-channel JSON config for Discord webhooks.
type DiscordConfig struct {
	// WebhookURL is the channel webhook (Server Settings → Integrations).
	WebhookURL string `json:"webhook_url"`
	// Username overrides the webhook's display name.
	Username string `json:"username,omitempty"`
}

// DiscordFactory returns a ChannelFactory for Discord channel webhooks.
// Discord renders Markdown, so the HTML text is converted before sending;
// the photo becomes an embed image.
//
// Config example:
//
//	{"webhook_url": "https://discord.com/api/webhooks/123/abc"}
func DiscordFactory() ChannelFactory {
	return func(name string, config json.RawMessage) (Channel, error) {
		var cfg DiscordConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("discord: parse config: %w", err)
		}
		if cfg.WebhookURL == "" {
			return nil, fmt.Errorf("discord: webhook_url is required")
		}
		return newDiscordChannel(name, cfg, http.DefaultClient), nil
	}
}

// discordChannel implements Channel for Discord webhooks.
type discordChannel struct {
	name   string
	config DiscordConfig
	client *http.Client
	md     *converter.Converter

	mu     sync.Mutex
	closed bool
	status ChannelStatus
}

func newDiscordChannel(name string, cfg DiscordConfig, client *http.Client) *discordChannel {
	return &discordChannel{
		name:   name,
		config: cfg,
		client: client,
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		),
		status: ChannelStatus{
			Connected: true,
			Platform:  "discord",
			AuthState: "configured",
		},
	}
}

type discordEmbed struct {
	Image *discordImage `json:"image,omitempty"`
}

type discordImage struct {
	URL string `json:"url"`
}

type discordPayload struct {
	Content  string         `json:"content"`
	Username string         `json:"username,omitempty"`
	Embeds   []discordEmbed `json:"embeds,omitempty"`
}

// markdown converts the HTML text, keeping line breaks.
func (c *discordChannel) markdown(html string) string {
	src := strings.ReplaceAll(html, "\n", "<br>\n")
	out, err := c.md.ConvertString(src)
	if err != nil || strings.TrimSpace(out) == "" {
		return html
	}
	return strings.TrimSpace(out)
}

func (c *discordChannel) Send(ctx context.Context, msg Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return &ErrSendFailed{Channel: c.name, Platform: "discord",
			Cause: fmt.Errorf("channel closed")}
	}

	content := c.markdown(msg.Text)
	if utf8.RuneCountInString(content) > discordContentMax {
		content = string([]rune(content)[:discordContentMax-1]) + "…"
	}
	payload := discordPayload{Content: content, Username: c.config.Username}
	if photo := msg.Photo(); photo != "" {
		payload.Embeds = []discordEmbed{{Image: &discordImage{URL: photo}}}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return &ErrSendFailed{Channel: c.name, Platform: "discord",
			Cause: fmt.Errorf("marshal payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return &ErrSendFailed{Channel: c.name, Platform: "discord",
			Cause: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.setError(err)
		return &ErrSendFailed{Channel: c.name, Platform: "discord",
			Cause: fmt.Errorf("execute webhook: %w", redactURLError(err))}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode >= 300 {
		err := httpFailure(c.name, "discord", resp.StatusCode, fmt.Errorf("execute webhook: %s", bytes.TrimSpace(respBody)))
		c.setError(err)
		return err
	}

	c.mu.Lock()
	c.status.Error = ""
	c.status.LastMessage = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *discordChannel) setError(err error) {
	c.mu.Lock()
	c.status.Error = err.Error()
	c.mu.Unlock()
}

func (c *discordChannel) Status() ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *discordChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.status.Connected = false
	c.status.AuthState = "disconnected"
	return nil
}
