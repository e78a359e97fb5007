// Package slack delivers bridged channel messages to Slack through
// incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"flock/pkg/channel"
	"flock/pkg/logx"
)

// Sink sends bridged messages to Slack incoming webhooks. The webhook URL
// is configured per bridge; a default may be set for bridges without one.
type Sink struct {
	defaultWebhook string
	client         *http.Client
	logger         *logx.Logger
}

// New creates a Slack sink. defaultWebhook may be empty.
func New(defaultWebhook string) *Sink {
	return &Sink{
		defaultWebhook: defaultWebhook,
		client:         &http.Client{Timeout: 15 * time.Second},
		logger:         logx.NewLogger("slack"),
	}
}

type webhookPayload struct {
	Text     string `json:"text"`
	Username string `json:"username,omitempty"`
	Channel  string `json:"channel,omitempty"`
}

// SendExternal posts message to the Slack conversation via webhook.
func (s *Sink) SendExternal(ctx context.Context, platform, externalChannelID, message string, opts channel.SendOptions) error {
	if platform != "slack" {
		return fmt.Errorf("slack sink cannot send to platform %q", platform)
	}

	webhook := opts.WebhookURL
	if webhook == "" {
		webhook = s.defaultWebhook
	}
	if webhook == "" {
		return fmt.Errorf("no webhook configured for slack channel %s", externalChannelID)
	}

	body, err := json.Marshal(webhookPayload{
		Text:     message,
		Username: opts.DisplayName,
		Channel:  externalChannelID,
	})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack webhook send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("slack webhook returned %s: %s", resp.Status, string(detail))
	}
	return nil
}
