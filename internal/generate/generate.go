// Package generate talks to code-generation models. Every provider returns
// raw model text plus timing and token metadata; Cleaning reduces that text
// to plausible Python test source.
package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tinytest/internal/config"
	"tinytest/internal/logging"
	"tinytest/internal/tactile"
)

// ErrEmptyResponse is returned when a provider answers with no text.
var ErrEmptyResponse = errors.New("model returned an empty response")

// Generation is one model response.
type Generation struct {
	Text    string
	Elapsed time.Duration
	Tokens  int // 0 when the provider does not report usage
}

// Generator produces text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (Generation, error)
	Name() string
}

// CommandError reports a model CLI that ran but failed.
type CommandError struct {
	Binary   string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = "no stderr"
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Binary, e.ExitCode, msg)
}

// New builds the generator selected by the config, wrapped in Cleaning.
// The executor is only used by the CLI provider; nil selects a DirectExecutor.
func New(ctx context.Context, cfg config.LLMConfig, timeout time.Duration, executor tactile.Executor) (Generator, error) {
	var (
		g   Generator
		err error
	)
	switch cfg.Provider {
	case "", "ollama":
		g = NewOllamaCLI(cfg.Model, timeout, executor)
	case "ollama-http":
		g = NewOllamaHTTP(cfg.BaseURL, cfg.Model, timeout)
	case "openai":
		g, err = NewOpenAI(cfg.APIKey, cfg.BaseURL, cfg.Model, timeout)
	case "gemini":
		g, err = NewGemini(ctx, cfg.APIKey, cfg.Model, timeout)
	default:
		return nil, fmt.Errorf("unknown provider %q (valid: %s)", cfg.Provider, strings.Join(config.ValidProviders, ", "))
	}
	if err != nil {
		return nil, err
	}
	logging.Generate("Generator ready: %s", g.Name())
	return NewCleaning(g), nil
}

// =============================================================================
// OUTPUT CLEANING
// =============================================================================

// Cleaning decorates a Generator with CleanOutput.
type Cleaning struct {
	inner Generator
}

// NewCleaning wraps g.
func NewCleaning(g Generator) *Cleaning {
	return &Cleaning{inner: g}
}

func (c *Cleaning) Name() string { return c.inner.Name() }

// Generate calls the inner generator and cleans the text. A response that
// cleans down to nothing is reported as ErrEmptyResponse.
func (c *Cleaning) Generate(ctx context.Context, prompt string) (Generation, error) {
	gen, err := c.inner.Generate(ctx, prompt)
	if err != nil {
		return gen, err
	}
	raw := len(gen.Text)
	gen.Text = CleanOutput(gen.Text)
	if strings.TrimSpace(gen.Text) == "" {
		return gen, fmt.Errorf("%s: %w", c.inner.Name(), ErrEmptyResponse)
	}
	logging.GenerateDebug("Cleaned output: %d -> %d bytes", raw, len(gen.Text))
	return gen, nil
}

// CleanOutput strips markdown fences, drops prose before the first
// import/def line and cuts trailing prose after the last line that starts
// with "assert " or "def test_". The result ends with a single newline.
func CleanOutput(text string) string {
	text = strings.TrimSpace(text)

	var kept []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			continue
		}
		if len(kept) == 0 && !startsCode(trimmed) {
			continue
		}
		kept = append(kept, line)
	}

	last := len(kept) - 1
	for i := len(kept) - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(kept[i])
		if strings.HasPrefix(trimmed, "assert ") || strings.HasPrefix(trimmed, "def test_") {
			last = i
			break
		}
	}

	return strings.Join(kept[:last+1], "\n") + "\n"
}

func startsCode(line string) bool {
	return strings.HasPrefix(line, "from ") ||
		strings.HasPrefix(line, "import ") ||
		strings.HasPrefix(line, "def ")
}
