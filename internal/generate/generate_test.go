package generate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tinytest/internal/config"
	"tinytest/internal/tactile"
)

func TestCleanOutput(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "fenced block with prose",
			in: "Here are your tests:\n```python\nimport pytest\nfrom m import f\n\ndef test_f():\n    assert f(1) == 2\n```\nThese tests cover the basics.",
			want: "import pytest\nfrom m import f\n\ndef test_f():\n    assert f(1) == 2\n",
		},
		{
			name: "already clean",
			in:   "from m import f\n\ndef test_f():\n    assert f(1) == 2\n",
			want: "from m import f\n\ndef test_f():\n    assert f(1) == 2\n",
		},
		{
			name: "no assert or test def keeps everything after first code line",
			in:   "Sure!\ndef helper():\n    return 1\n",
			want: "def helper():\n    return 1\n",
		},
		{
			name: "only prose",
			in:   "I cannot help with that.",
			want: "\n",
		},
		{
			name: "trailing prose after last assert",
			in:   "def test_a():\n    x = 1\n    assert x == 1\nExplanation: the test checks x.\nMore words.",
			want: "def test_a():\n    x = 1\n    assert x == 1\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, CleanOutput(tt.in)); diff != "" {
				t.Errorf("CleanOutput mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// fakeGenerator returns canned responses in order.
type fakeGenerator struct {
	responses []Generation
	err       error
	calls     int
}

func (f *fakeGenerator) Name() string { return "fake" }

func (f *fakeGenerator) Generate(ctx context.Context, prompt string) (Generation, error) {
	defer func() { f.calls++ }()
	if f.err != nil {
		return Generation{}, f.err
	}
	return f.responses[f.calls%len(f.responses)], nil
}

func TestCleaning(t *testing.T) {
	inner := &fakeGenerator{responses: []Generation{{Text: "```\ndef test_x():\n    assert True\n```", Tokens: 12}}}
	g := NewCleaning(inner)

	gen, err := g.Generate(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "def test_x():\n    assert True\n", gen.Text)
	assert.Equal(t, 12, gen.Tokens)
	assert.Equal(t, "fake", g.Name())
}

func TestCleaning_EmptyAfterCleaning(t *testing.T) {
	g := NewCleaning(&fakeGenerator{responses: []Generation{{Text: "no code here"}}})
	_, err := g.Generate(context.Background(), "p")
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestCleaning_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	g := NewCleaning(&fakeGenerator{err: boom})
	_, err := g.Generate(context.Background(), "p")
	assert.ErrorIs(t, err, boom)
}

// mockExecutor implements tactile.Executor for testing.
type mockExecutor struct {
	result  *tactile.ExecutionResult
	err     error
	History []tactile.Command
}

func (m *mockExecutor) Execute(ctx context.Context, cmd tactile.Command) (*tactile.ExecutionResult, error) {
	m.History = append(m.History, cmd)
	return m.result, m.err
}

func (m *mockExecutor) Validate(cmd tactile.Command) error { return nil }

func TestOllamaCLI_Generate(t *testing.T) {
	mock := &mockExecutor{result: &tactile.ExecutionResult{
		Success: true, Stdout: "  def test_a():\n    assert 1\n  ",
	}}
	g := NewOllamaCLI("phi3", time.Minute, mock)

	gen, err := g.Generate(context.Background(), "write tests")
	require.NoError(t, err)
	assert.Equal(t, "def test_a():\n    assert 1", gen.Text)
	assert.Equal(t, 0, gen.Tokens)

	require.Len(t, mock.History, 1)
	cmd := mock.History[0]
	assert.Equal(t, "ollama", cmd.Binary)
	assert.Equal(t, []string{"run", "phi3"}, cmd.Arguments)
	assert.Equal(t, "write tests", cmd.Stdin)
	assert.Equal(t, int64(60000), cmd.Limits.TimeoutMs)
	assert.Equal(t, "ollama:phi3", g.Name())
}

func TestOllamaCLI_NonZeroExit(t *testing.T) {
	mock := &mockExecutor{result: &tactile.ExecutionResult{
		Success: true, ExitCode: 1, Stderr: "model not found\n",
	}}
	g := NewOllamaCLI("nope", 0, mock)

	_, err := g.Generate(context.Background(), "p")
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 1, cmdErr.ExitCode)
	assert.Contains(t, cmdErr.Error(), "model not found")
}

func TestOllamaCLI_StartFailureAndTimeout(t *testing.T) {
	g := NewOllamaCLI("m", 0, &mockExecutor{result: &tactile.ExecutionResult{Success: false, Error: "not found"}})
	_, err := g.Generate(context.Background(), "p")
	assert.Error(t, err)

	g = NewOllamaCLI("m", 0, &mockExecutor{result: &tactile.ExecutionResult{Success: true, Killed: true, TimedOut: true, KillReason: "timeout after 1s"}})
	_, err = g.Generate(context.Background(), "p")
	assert.ErrorContains(t, err, "timeout")

	g = NewOllamaCLI("m", 0, &mockExecutor{result: &tactile.ExecutionResult{Success: true, Stdout: "   "}})
	_, err = g.Generate(context.Background(), "p")
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestOllamaHTTP_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		var req ollamaGenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "phi3", req.Model)
		assert.Equal(t, "prompt text", req.Prompt)
		assert.False(t, req.Stream)

		_ = json.NewEncoder(w).Encode(ollamaGenerateResponse{
			Response: "def test_a():\n    assert 1\n", Done: true, PromptEvalCount: 30, EvalCount: 12,
		})
	}))
	defer server.Close()

	g := NewOllamaHTTP(server.URL+"/", "phi3", 5*time.Second)
	gen, err := g.Generate(context.Background(), "prompt text")
	require.NoError(t, err)
	assert.Equal(t, "def test_a():\n    assert 1", gen.Text)
	assert.Equal(t, 42, gen.Tokens)
}

func TestOllamaHTTP_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model 'x' not found", http.StatusNotFound)
	}))
	defer server.Close()

	_, err := NewOllamaHTTP(server.URL, "x", time.Second).Generate(context.Background(), "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestOllamaHTTP_NormalizesEndpoint(t *testing.T) {
	g := NewOllamaHTTP("localhost:11434", "m", time.Second)
	assert.Equal(t, "http://localhost:11434", g.endpoint)
}

func TestOpenAI_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "write tests")

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-test",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "def test_a():\n    assert 1"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 7, "total_tokens": 17}
		}`)
	}))
	defer server.Close()

	g, err := NewOpenAI("sk-test", server.URL, "gpt-test", 5*time.Second)
	require.NoError(t, err)

	gen, err := g.Generate(context.Background(), "write tests")
	require.NoError(t, err)
	assert.Equal(t, "def test_a():\n    assert 1", gen.Text)
	assert.Equal(t, 17, gen.Tokens)
}

func TestOpenAI_NoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"x","object":"chat.completion","choices":[],"usage":{}}`)
	}))
	defer server.Close()

	g, err := NewOpenAI("k", server.URL, "m", time.Second)
	require.NoError(t, err)
	_, err = g.Generate(context.Background(), "p")
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestNew_Providers(t *testing.T) {
	ctx := context.Background()

	g, err := New(ctx, config.LLMConfig{Provider: "ollama", Model: "phi3"}, time.Second, &mockExecutor{})
	require.NoError(t, err)
	assert.Equal(t, "ollama:phi3", g.Name())

	g, err = New(ctx, config.LLMConfig{Provider: "ollama-http", Model: "phi3"}, time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, "ollama-http:phi3", g.Name())

	g, err = New(ctx, config.LLMConfig{Provider: "openai", Model: "m", APIKey: "k"}, time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, "openai:m", g.Name())

	_, err = New(ctx, config.LLMConfig{Provider: "openai"}, time.Second, nil)
	assert.Error(t, err, "openai without key or base URL")

	_, err = New(ctx, config.LLMConfig{Provider: "gemini"}, time.Second, nil)
	assert.Error(t, err, "gemini without key")

	_, err = New(ctx, config.LLMConfig{Provider: "bogus"}, time.Second, nil)
	assert.ErrorContains(t, err, "unknown provider")
}
