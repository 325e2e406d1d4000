package generate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"tinytest/internal/logging"
)

const systemPrompt = "You write pytest unit tests. Reply with Python code only."

// OpenAI calls any OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAI creates a chat-completions generator. An empty baseURL uses the
// public OpenAI endpoint.
func NewOpenAI(apiKey, baseURL, model string, timeout time.Duration) (*OpenAI, error) {
	if apiKey == "" && baseURL == "" {
		return nil, fmt.Errorf("openai provider needs an API key or a base URL")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAI{
		client:  openai.NewClientWithConfig(cfg),
		model:   model,
		timeout: timeout,
	}, nil
}

func (o *OpenAI) Name() string { return "openai:" + o.model }

// Generate sends one chat completion request.
func (o *OpenAI) Generate(ctx context.Context, prompt string) (Generation, error) {
	timer := logging.StartTimer(logging.CategoryGenerate, "openai chat "+o.model)
	defer timer.Stop()

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Generation{}, fmt.Errorf("openai API call failed: %w", err)
	}
	elapsed := time.Since(start)

	if len(resp.Choices) == 0 {
		return Generation{}, fmt.Errorf("%s returned no choices: %w", o.Name(), ErrEmptyResponse)
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return Generation{}, fmt.Errorf("%s: %w", o.Name(), ErrEmptyResponse)
	}

	logging.Generate("%s answered in %s (finish=%s, %d tokens)",
		o.Name(), elapsed.Round(time.Millisecond), resp.Choices[0].FinishReason, resp.Usage.TotalTokens)
	return Generation{Text: text, Elapsed: elapsed, Tokens: resp.Usage.TotalTokens}, nil
}
