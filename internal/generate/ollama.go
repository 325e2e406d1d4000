package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tinytest/internal/logging"
	"tinytest/internal/tactile"
)

// =============================================================================
// OLLAMA CLI
// =============================================================================

// OllamaCLI runs `ollama run <model>` with the prompt on stdin.
type OllamaCLI struct {
	binary   string
	model    string
	timeout  time.Duration
	executor tactile.Executor
}

// NewOllamaCLI creates a CLI-backed generator. A nil executor uses a
// DirectExecutor.
func NewOllamaCLI(model string, timeout time.Duration, executor tactile.Executor) *OllamaCLI {
	if executor == nil {
		executor = tactile.NewDirectExecutor()
	}
	return &OllamaCLI{binary: "ollama", model: model, timeout: timeout, executor: executor}
}

func (o *OllamaCLI) Name() string { return "ollama:" + o.model }

// Generate runs the model once. Token usage is not reported by the CLI.
func (o *OllamaCLI) Generate(ctx context.Context, prompt string) (Generation, error) {
	timer := logging.StartTimer(logging.CategoryGenerate, "ollama run "+o.model)
	defer timer.Stop()

	cmd := tactile.Command{
		Binary:    o.binary,
		Arguments: []string{"run", o.model},
		Stdin:     prompt,
	}
	if o.timeout > 0 {
		cmd.Limits = &tactile.ResourceLimits{TimeoutMs: o.timeout.Milliseconds()}
	}

	start := time.Now()
	result, err := o.executor.Execute(ctx, cmd)
	elapsed := time.Since(start)
	if err != nil {
		return Generation{}, fmt.Errorf("ollama run rejected: %w", err)
	}
	if result.IsError() {
		return Generation{}, fmt.Errorf("failed to start %s: %s", o.binary, result.Error)
	}
	if result.Killed {
		return Generation{}, fmt.Errorf("ollama run %s killed: %s", o.model, result.KillReason)
	}
	if result.ExitCode != 0 {
		return Generation{}, &CommandError{Binary: o.binary, ExitCode: result.ExitCode, Stderr: result.Stderr}
	}

	text := strings.TrimSpace(result.Stdout)
	if text == "" {
		return Generation{}, fmt.Errorf("%s: %w", o.Name(), ErrEmptyResponse)
	}
	logging.Generate("%s answered in %s (%d bytes)", o.Name(), elapsed.Round(time.Millisecond), len(text))
	return Generation{Text: text, Elapsed: elapsed}, nil
}

// =============================================================================
// OLLAMA HTTP
// =============================================================================

// OllamaHTTP calls the Ollama server's /api/generate endpoint.
type OllamaHTTP struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewOllamaHTTP creates an HTTP-backed generator.
func NewOllamaHTTP(endpoint, model string, timeout time.Duration) *OllamaHTTP {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "http://" + endpoint
	}
	return &OllamaHTTP{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		client:   &http.Client{Timeout: timeout},
	}
}

func (o *OllamaHTTP) Name() string { return "ollama-http:" + o.model }

// Generate sends a non-streaming generate request.
func (o *OllamaHTTP) Generate(ctx context.Context, prompt string) (Generation, error) {
	timer := logging.StartTimer(logging.CategoryGenerate, "ollama generate "+o.model)
	defer timer.Stop()

	body, err := json.Marshal(ollamaGenerateRequest{Model: o.model, Prompt: prompt, Stream: false})
	if err != nil {
		return Generation{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return Generation{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return Generation{}, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Generation{}, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Generation{}, fmt.Errorf("failed to decode response: %w", err)
	}
	elapsed := time.Since(start)

	text := strings.TrimSpace(result.Response)
	if text == "" {
		return Generation{}, fmt.Errorf("%s: %w", o.Name(), ErrEmptyResponse)
	}
	tokens := result.PromptEvalCount + result.EvalCount
	logging.Generate("%s answered in %s (%d tokens)", o.Name(), elapsed.Round(time.Millisecond), tokens)
	return Generation{Text: text, Elapsed: elapsed, Tokens: tokens}, nil
}

// =============================================================================
// OLLAMA API TYPES
// =============================================================================

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}
