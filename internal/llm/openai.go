package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const defaultMaxTokens = 2048

// OpenAI adapts one OpenAI chat model to the Client port. The API key is
// checked at first Generate, not at construction, so a keyless deployment
// starts fine and only analysis calls report the missing credential.
type OpenAI struct {
	apiKey    string
	model     string
	maxTokens int
	client    *openai.Client
}

func NewOpenAI(apiKey, model string, maxTokens int) *OpenAI {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &OpenAI{apiKey: apiKey, model: model, maxTokens: maxTokens}
}

func (c *OpenAI) Model() string { return c.model }

func (c *OpenAI) Generate(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return "", fmt.Errorf("%s: missing api key: %w", c.model, ErrModelUnavailable)
	}
	if c.client == nil {
		c.client = openai.NewClient(c.apiKey)
	}
	ccr := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.User},
		},
	}
	if req.JSONOnly {
		ccr.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	// Reasoning models (o1/o3/o4/gpt-5*) take MaxCompletionTokens instead of MaxTokens.
	if strings.HasPrefix(c.model, "o1") || strings.HasPrefix(c.model, "o3") || strings.HasPrefix(c.model, "o4") || strings.HasPrefix(c.model, "gpt-5") {
		ccr.MaxCompletionTokens = c.maxTokens
	} else {
		ccr.MaxTokens = c.maxTokens
	}
	resp, err := c.client.CreateChatCompletion(ctx, ccr)
	if err != nil {
		return "", fmt.Errorf("%s: chat completion: %w", c.model, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s: empty completion", c.model)
	}
	return resp.Choices[0].Message.Content, nil
}
