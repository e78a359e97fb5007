package session

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
)

const defaultOpenAIModel = "gpt-5"

// OpenAISender sends session prompts through the OpenAI Responses API.
type OpenAISender struct {
	client openai.Client
	model  string
}

// NewOpenAISender builds the provider. Empty model selects the default.
func NewOpenAISender(apiKey, model string) *OpenAISender {
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAISender{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (s *OpenAISender) SessionSend(ctx context.Context, agentID, text string) (string, error) {
	resp, err := s.client.Responses.New(ctx, responses.ResponseNewParams{
		Model:           s.model,
		MaxOutputTokens: openai.Int(4096),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(text)},
	})
	if err != nil {
		return "", fmt.Errorf("openai send for %s: %w", agentID, err)
	}
	if resp == nil {
		return "", fmt.Errorf("empty response from openai for %s", agentID)
	}

	reply := resp.OutputText()
	if reply == "" {
		return "", fmt.Errorf("no text content in openai response for %s", agentID)
	}
	return reply, nil
}
