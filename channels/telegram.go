package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Telegram limits.
const (
	telegramCaptionMax = 1024
	telegramTextMax    = 4096
)

// TelegramConfig is the per-channel JSON config for Telegram connections.
type TelegramConfig struct {
	// BotToken is the Telegram bot API token (from @BotFather).
	BotToken string `json:"bot_token"`
	// APIBase overrides https://api.telegram.org (tests, local Bot API server).
	APIBase string `json:"api_base,omitempty"`
	// DisablePreview turns off link previews on text messages. Default true.
	DisablePreview *bool `json:"disable_web_page_preview,omitempty"`
}

// TelegramFactory returns a ChannelFactory for the Telegram Bot API.
//
// Config example:
//
//	{"bot_token": "123456:ABC-DEF"}
func TelegramFactory() ChannelFactory {
	return func(name string, config json.RawMessage) (Channel, error) {
		var cfg TelegramConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("telegram: parse config: %w", err)
		}
		if cfg.BotToken == "" {
			return nil, fmt.Errorf("telegram: bot_token is required")
		}
		if cfg.APIBase == "" {
			cfg.APIBase = "https://api.telegram.org"
		}
		cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
		return newTelegramChannel(name, cfg, http.DefaultClient), nil
	}
}

// telegramChannel implements Channel for the Telegram Bot API.
type telegramChannel struct {
	name   string
	config TelegramConfig
	client *http.Client

	mu     sync.Mutex
	closed bool
	status ChannelStatus
}

func newTelegramChannel(name string, cfg TelegramConfig, client *http.Client) *telegramChannel {
	return &telegramChannel{
		name:   name,
		config: cfg,
		client: client,
		status: ChannelStatus{
			Connected: true,
			Platform:  "telegram",
			AuthState: "token_valid",
		},
	}
}

// telegramResponse is the envelope every Bot API method returns.
type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

func (c *telegramChannel) Send(ctx context.Context, msg Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return &ErrSendFailed{Channel: c.name, Platform: "telegram",
			Cause: fmt.Errorf("channel closed")}
	}
	if msg.RecipientID == "" {
		return &ErrSendFailed{Channel: c.name, Platform: "telegram",
			Cause: fmt.Errorf("recipient chat_id is required")}
	}

	var err error
	if photo := msg.Photo(); photo != "" {
		err = c.sendPhoto(ctx, msg.RecipientID, photo, msg.Text)
	} else {
		err = c.sendMessage(ctx, msg.RecipientID, msg.Text)
	}

	c.mu.Lock()
	if err != nil {
		c.status.Error = err.Error()
	} else {
		c.status.Error = ""
		c.status.LastMessage = time.Now()
	}
	c.mu.Unlock()
	return err
}

// sendPhoto posts the photo with the caption. Captions over the Bot API
// limit are cut at a line boundary and the full text follows as a message;
// when only that message fails the error is an *ErrPhotoSent.
func (c *telegramChannel) sendPhoto(ctx context.Context, chatID, photo, caption string) error {
	short, overflow := splitCaption(caption, telegramCaptionMax)
	err := c.call(ctx, "sendPhoto", url.Values{
		"chat_id":    {chatID},
		"photo":      {photo},
		"caption":    {short},
		"parse_mode": {"HTML"},
	})
	if err != nil || !overflow {
		return err
	}
	if err := c.sendMessage(ctx, chatID, caption); err != nil {
		return &ErrPhotoSent{Cause: err}
	}
	return nil
}

func (c *telegramChannel) sendMessage(ctx context.Context, chatID, text string) error {
	preview := "true"
	if c.config.DisablePreview != nil && !*c.config.DisablePreview {
		preview = "false"
	}
	text, _ = splitCaption(text, telegramTextMax)
	return c.call(ctx, "sendMessage", url.Values{
		"chat_id":                  {chatID},
		"text":                     {text},
		"parse_mode":               {"HTML"},
		"disable_web_page_preview": {preview},
	})
}

func (c *telegramChannel) call(ctx context.Context, method string, form url.Values) error {
	endpoint := c.config.APIBase + "/bot" + c.config.BotToken + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return &ErrSendFailed{Channel: c.name, Platform: "telegram",
			Cause: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		// The URL embeds the bot token; keep it out of logs.
		return &ErrSendFailed{Channel: c.name, Platform: "telegram",
			Cause: fmt.Errorf("%s: %w", method, redactURLError(err))}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var tr telegramResponse
	_ = json.Unmarshal(body, &tr)
	if resp.StatusCode >= 300 || !tr.OK {
		desc := tr.Description
		if desc == "" {
			desc = strings.TrimSpace(string(body))
		}
		return httpFailure(c.name, "telegram", resp.StatusCode, fmt.Errorf("%s: %s", method, desc))
	}
	return nil
}

func (c *telegramChannel) Status() ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *telegramChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.status.Connected = false
	c.status.AuthState = "disconnected"
	return nil
}

// splitCaption returns s unchanged when it fits in max runes. Otherwise it
// returns the longest prefix ending at a newline that fits with an ellipsis
// line, and overflow=true. Cutting at newlines keeps HTML tags balanced
// because every caption line closes its own tags.
func splitCaption(s string, max int) (string, bool) {
	if utf8.RuneCountInString(s) <= max {
		return s, false
	}
	limit := max - 2
	cut := 0
	runes := 0
	for i, r := range s {
		if runes >= limit {
			break
		}
		if r == '\n' {
			cut = i
		}
		runes++
	}
	if cut == 0 {
		// No line boundary in range: hard cut on a rune boundary.
		cut = len(string([]rune(s)[:limit]))
	}
	return s[:cut] + "\n…", true
}

// redactURLError strips the request URL (which carries the bot token) from
// transport errors.
func redactURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return fmt.Errorf("%s: %w", ue.Op, ue.Err)
	}
	return err
}
