package coverage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tinytest/internal/tactile"
)

// mockExecutor implements tactile.Executor for testing.
type mockExecutor struct {
	ExecuteFunc func(ctx context.Context, cmd tactile.Command) (*tactile.ExecutionResult, error)
	History     []tactile.Command
}

func (m *mockExecutor) Execute(ctx context.Context, cmd tactile.Command) (*tactile.ExecutionResult, error) {
	m.History = append(m.History, cmd)
	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, cmd)
	}
	return &tactile.ExecutionResult{Success: true}, nil
}

func (m *mockExecutor) Validate(cmd tactile.Command) error { return nil }

const reportText = `Name             Stmts   Miss  Cover   Missing
----------------------------------------------
src/module_001.py    4      1    75%   7
----------------------------------------------
TOTAL                4      1    75%
`

func dirs(t *testing.T) (string, string, string) {
	t.Helper()
	root := t.TempDir()
	tests := filepath.Join(root, "tests")
	src := filepath.Join(root, "src")
	require.NoError(t, os.MkdirAll(tests, 0755))
	require.NoError(t, os.MkdirAll(src, 0755))
	return tests, src, filepath.Join(root, "out", "coverage.txt")
}

func TestRun_WritesReport(t *testing.T) {
	tests, src, output := dirs(t)
	mock := &mockExecutor{ExecuteFunc: func(_ context.Context, cmd tactile.Command) (*tactile.ExecutionResult, error) {
		if cmd.Arguments[2] == "report" {
			return &tactile.ExecutionResult{Success: true, Stdout: reportText, Combined: reportText}, nil
		}
		return &tactile.ExecutionResult{Success: true, ExitCode: 1, Combined: "1 failed, 3 passed"}, nil
	}}

	res, err := NewRunner(Config{Python: "py"}, mock).Run(context.Background(), tests, src, output)
	require.NoError(t, err)

	require.Len(t, mock.History, 2)
	absSrc, _ := filepath.Abs(src)
	assert.Equal(t, []string{"-m", "coverage", "run", "--source=" + absSrc, "-m", "pytest", "-q", tests}, mock.History[0].Arguments)
	assert.Equal(t, []string{"-m", "coverage", "report", "-m"}, mock.History[1].Arguments)
	assert.Contains(t, mock.History[0].Environment, "PYTHONPATH="+absSrc)
	assert.Equal(t, mock.History[0].Environment, mock.History[1].Environment, "both steps share the data file")

	assert.False(t, res.TestsPassed)
	assert.Equal(t, reportText, res.Report)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, reportText, string(data))
}

func TestRun_MissingDirectory(t *testing.T) {
	_, src, output := dirs(t)
	mock := &mockExecutor{}

	_, err := NewRunner(DefaultConfig(), mock).Run(context.Background(), filepath.Join(src, "nope"), src, output)
	assert.Error(t, err)
	assert.Empty(t, mock.History)
}

func TestRun_StartFailure(t *testing.T) {
	tests, src, output := dirs(t)
	mock := &mockExecutor{ExecuteFunc: func(context.Context, tactile.Command) (*tactile.ExecutionResult, error) {
		return &tactile.ExecutionResult{Success: false, Error: "exec: \"py\": executable file not found"}, nil
	}}

	_, err := NewRunner(Config{Python: "py"}, mock).Run(context.Background(), tests, src, output)
	assert.ErrorContains(t, err, "failed to start py")
}

func TestRun_ReportFailure(t *testing.T) {
	tests, src, output := dirs(t)
	mock := &mockExecutor{ExecuteFunc: func(_ context.Context, cmd tactile.Command) (*tactile.ExecutionResult, error) {
		if cmd.Arguments[2] == "report" {
			return &tactile.ExecutionResult{Success: true, ExitCode: 1, Combined: "No data to report."}, nil
		}
		return &tactile.ExecutionResult{Success: true}, nil
	}}

	_, err := NewRunner(Config{Python: "py"}, mock).Run(context.Background(), tests, src, output)
	assert.ErrorContains(t, err, "No data to report.")
}
