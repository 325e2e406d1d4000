package generate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"tinytest/internal/logging"
)

// Gemini calls the Gemini API through the genai SDK.
type Gemini struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// NewGemini creates a Gemini generator.
func NewGemini(ctx context.Context, apiKey, model string, timeout time.Duration) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini provider needs an API key (GEMINI_API_KEY)")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &Gemini{client: client, model: model, timeout: timeout}, nil
}

func (g *Gemini) Name() string { return "gemini:" + g.model }

// Generate sends one GenerateContent request.
func (g *Gemini) Generate(ctx context.Context, prompt string) (Generation, error) {
	timer := logging.StartTimer(logging.CategoryGenerate, "gemini generate "+g.model)
	defer timer.Stop()

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
	}

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), config)
	if err != nil {
		return Generation{}, fmt.Errorf("gemini API call failed: %w", err)
	}
	elapsed := time.Since(start)

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return Generation{}, fmt.Errorf("%s: %w", g.Name(), ErrEmptyResponse)
	}

	tokens := 0
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	logging.Generate("%s answered in %s (%d tokens)", g.Name(), elapsed.Round(time.Millisecond), tokens)
	return Generation{Text: text, Elapsed: elapsed, Tokens: tokens}, nil
}
