// Package channels provides outbound messaging connectors (Telegram, Discord
// webhooks, generic JSON webhooks) used to deliver aircraft alerts.
//
// Each connector is built from a platform name and a per-channel JSON config
// by a ChannelFactory registered on a Dispatcher:
//
//	d := channels.NewDispatcher(channels.WithLogger(logger))
//	d.RegisterPlatform("telegram", channels.TelegramFactory())
//	d.RegisterPlatform("webhook", channels.WebhookFactory())
//	d.RegisterPlatform("discord", channels.DiscordFactory())
//	err := d.Open("tg_main", "telegram", json.RawMessage(`{"bot_token":"..."}`))
//	err = d.Send(ctx, channels.Message{ChannelName: "tg_main", RecipientID: "-1001", Text: "<b>hi</b>"})
//
// Message.Text is HTML restricted to the subset Telegram accepts (b, i,
// code, a). Connectors for platforms without HTML convert it.
package channels

import (
	"context"
	"encoding/json"
	"time"
)

// Message is a platform-normalized outbound message.
type Message struct {
	ID          string            `json:"id"`
	ChannelName string            `json:"channel"`      // e.g. "tg_main", "ops_webhook"
	Platform    string            `json:"platform"`     // "telegram", "discord", "webhook"
	RecipientID string            `json:"recipient_id"` // chat id; ignored by single-target webhooks
	Text        string            `json:"text"`         // HTML body
	Attachments []Attachment      `json:"attachments,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Attachment is a media file referenced by URL.
type Attachment struct {
	Type     string `json:"type"` // "image"
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// Photo returns the URL of the first image attachment, or "".
func (m Message) Photo() string {
	for _, a := range m.Attachments {
		if a.Type == "image" && a.URL != "" {
			return a.URL
		}
	}
	return ""
}

// ChannelStatus describes the last known state of a connector.
type ChannelStatus struct {
	Connected   bool      `json:"connected"`
	Platform    string    `json:"platform"`
	AuthState   string    `json:"auth_state"`
	LastMessage time.Time `json:"last_message"`
	Error       string    `json:"error,omitempty"`
}

// Channel is an outbound connection to a messaging platform.
type Channel interface {
	// Send delivers one message. A message with an image attachment is sent
	// as a photo with Text as its caption; otherwise as plain text.
	Send(ctx context.Context, msg Message) error

	// Status returns the current connection status.
	Status() ChannelStatus

	// Close releases resources. Send fails after Close.
	Close() error
}

// ChannelFactory creates a Channel from a name and JSON config.
type ChannelFactory func(name string, config json.RawMessage) (Channel, error)
