package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tinytest/internal/tactile"
	"tinytest/internal/types"
)

func iteration(status types.Status, kind types.FailureKind, tokens int) types.Iteration {
	return types.Iteration{
		Outcome:        types.OutcomeRecord{Status: status, FailureKind: kind},
		GenerationTime: 2 * time.Second,
		Tokens:         tokens,
	}
}

func TestIterationRecorded(t *testing.T) {
	m := New()
	rec := &types.RunRecord{ModuleID: "module_001"}

	m.IterationRecorded(rec, iteration(types.StatusFailed, types.FailureAssertion, 120))
	m.IterationRecorded(rec, iteration(types.StatusFailed, types.FailureAssertion, 80))
	m.IterationRecorded(rec, iteration(types.StatusPassed, types.FailureNone, 0))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.IterationsTotal.WithLabelValues("failed", "assertion")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IterationsTotal.WithLabelValues("passed", "none")))
	assert.Equal(t, 200.0, testutil.ToFloat64(m.GenerationTokensTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(m.GenerationSeconds))
}

func TestRunFinished(t *testing.T) {
	m := New()
	m.RunFinished(types.RunRecord{FinalStatus: types.StatusPassed})
	m.RunFinished(types.RunRecord{FinalStatus: types.StatusError})
	m.RunFinished(types.RunRecord{FinalStatus: types.StatusPassed})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("passed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("error")))
}

func TestObserveProcess(t *testing.T) {
	m := New()
	cmd := tactile.Command{Binary: "/usr/bin/python3"}

	m.ObserveProcess(tactile.AuditEvent{Type: tactile.AuditEventStart, Command: cmd})
	assert.Equal(t, 0, testutil.CollectAndCount(m.ProcessSeconds))

	m.ObserveProcess(tactile.AuditEvent{
		Type:    tactile.AuditEventComplete,
		Command: cmd,
		Result: &tactile.ExecutionResult{
			Duration:      300 * time.Millisecond,
			ResourceUsage: &tactile.ResourceUsage{UserTimeMs: 1200, SystemTimeMs: 300},
		},
	})
	assert.Equal(t, 1, testutil.CollectAndCount(m.ProcessSeconds, "tinytest_process_seconds"))
	assert.InDelta(t, 1.5, testutil.ToFloat64(m.ProcessCPUSecondsTotal.WithLabelValues("python3")), 1e-9)
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.RunFinished(types.RunRecord{FinalStatus: types.StatusFailed})

	path := filepath.Join(t.TempDir(), "out", "metrics.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `tinytest_runs_total{final_status="failed"} 1`)

	assert.NoError(t, m.WriteTextfile(""), "empty path disables export")
}
