// Package discord delivers bridged channel messages to Discord, via a bot
// session or per-bridge webhooks.
package discord

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"flock/pkg/channel"
	"flock/pkg/logx"
)

// Sink sends bridged messages into Discord channels.
type Sink struct {
	session *discordgo.Session
	logger  *logx.Logger
}

// New creates a Discord sink from a bot token. The session is opened
// lazily by Start.
func New(token string) (*Sink, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return &Sink{session: session, logger: logx.NewLogger("discord")}, nil
}

// Start opens the gateway connection.
func (s *Sink) Start() error {
	if err := s.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	s.logger.Info("🤖 Discord session open")
	return nil
}

// Stop closes the gateway connection.
func (s *Sink) Stop() error {
	return s.session.Close()
}

// OnMessage registers a handler for inbound Discord messages. Bot-authored
// messages are filtered out before the handler runs.
func (s *Sink) OnMessage(handler func(event channel.InboundEvent, bctx channel.BridgeContext)) {
	s.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		handler(
			channel.InboundEvent{From: m.Author.Username, Content: m.Content},
			channel.BridgeContext{Platform: "discord", ConversationID: m.ChannelID},
		)
	})
}

// SendExternal posts message to the Discord channel. When the bridge has a
// webhook the display name is carried natively; otherwise the name is
// prefixed into the message body.
func (s *Sink) SendExternal(ctx context.Context, platform, externalChannelID, message string, opts channel.SendOptions) error {
	if platform != "discord" {
		return fmt.Errorf("discord sink cannot send to platform %q", platform)
	}

	if opts.WebhookURL != "" {
		webhookID, token, err := parseWebhookURL(opts.WebhookURL)
		if err != nil {
			return err
		}
		_, err = s.session.WebhookExecute(webhookID, token, true, &discordgo.WebhookParams{
			Content:  message,
			Username: opts.DisplayName,
		}, discordgo.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("discord webhook send: %w", err)
		}
		return nil
	}

	content := message
	if opts.DisplayName != "" {
		content = fmt.Sprintf("**%s**: %s", opts.DisplayName, message)
	}
	if _, err := s.session.ChannelMessageSend(externalChannelID, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord send to %s: %w", externalChannelID, err)
	}
	return nil
}

// parseWebhookURL extracts the webhook ID and token from a Discord webhook
// URL (…/api/webhooks/{id}/{token}).
func parseWebhookURL(url string) (id, token string, err error) {
	const marker = "/webhooks/"
	idx := strings.Index(url, marker)
	if idx < 0 {
		return "", "", fmt.Errorf("not a discord webhook url: %s", url)
	}
	parts := strings.Split(strings.Trim(url[idx+len(marker):], "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed discord webhook url: %s", url)
	}
	return parts[0], parts[1], nil
}
