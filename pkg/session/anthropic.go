package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultClaudeModel = "claude-sonnet-4-20250514"

// AnthropicSender sends session prompts through the Anthropic API.
type AnthropicSender struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewAnthropicSender builds the provider. Empty model selects the default.
func NewAnthropicSender(apiKey, model string) *AnthropicSender {
	if model == "" {
		model = defaultClaudeModel
	}
	return &AnthropicSender{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     anthropic.Model(model),
		maxTokens: 4096,
	}
}

func (s *AnthropicSender) SessionSend(ctx context.Context, agentID, text string) (string, error) {
	resp, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     s.model,
		MaxTokens: s.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(text)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic send for %s: %w", agentID, err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return "", fmt.Errorf("empty response from anthropic for %s", agentID)
	}

	var reply strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			reply.WriteString(block.AsText().Text)
		}
	}
	if reply.Len() == 0 {
		return "", fmt.Errorf("no text content in anthropic response for %s", agentID)
	}
	return reply.String(), nil
}
