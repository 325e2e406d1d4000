// Package metrics records batch-level Prometheus metrics for a pipeline run:
// iteration outcomes, final run statuses, generation latency, token usage and
// child-process durations. Metrics live in a private registry and are written
// to a node-exporter textfile when the batch ends.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"tinytest/internal/logging"
	"tinytest/internal/tactile"
	"tinytest/internal/types"
)

const namespace = "tinytest"

// Metrics holds the collectors of one batch.
type Metrics struct {
	registry *prometheus.Registry

	// IterationsTotal counts classified iterations.
	// Labels: status, failure_kind
	IterationsTotal *prometheus.CounterVec

	// RunsTotal counts finished module runs.
	// Labels: final_status
	RunsTotal *prometheus.CounterVec

	// GenerationSeconds measures model latency per iteration.
	GenerationSeconds prometheus.Histogram

	// GenerationTokensTotal counts tokens reported by the generator.
	GenerationTokensTotal prometheus.Counter

	// ProcessSeconds measures child processes run through tactile.
	// Labels: binary, result (complete, killed, error)
	ProcessSeconds *prometheus.HistogramVec

	// ProcessCPUSecondsTotal sums user+system CPU of child processes.
	// Labels: binary
	ProcessCPUSecondsTotal *prometheus.CounterVec
}

// New creates the collectors in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		IterationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "iterations_total",
				Help:      "Classified iterations by status and failure kind",
			},
			[]string{"status", "failure_kind"},
		),
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Finished module runs by final status",
			},
			[]string{"final_status"},
		),
		GenerationSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "generation_seconds",
				Help:      "Time spent waiting for the model per iteration",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),
		GenerationTokensTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generation_tokens_total",
				Help:      "Tokens reported by the generator",
			},
		),
		ProcessSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "process_seconds",
				Help:      "Wall time of child processes",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"binary", "result"},
		),
		ProcessCPUSecondsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "process_cpu_seconds_total",
				Help:      "CPU time of child processes",
			},
			[]string{"binary"},
		),
	}
}

// Registry exposes the underlying registry, e.g. for tests or an HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// IterationRecorded counts one iteration. It satisfies repair.Observer.
func (m *Metrics) IterationRecorded(_ *types.RunRecord, it types.Iteration) {
	m.IterationsTotal.WithLabelValues(string(it.Outcome.Status), string(it.Outcome.FailureKind)).Inc()
	m.GenerationSeconds.Observe(it.GenerationTime.Seconds())
	if it.Tokens > 0 {
		m.GenerationTokensTotal.Add(float64(it.Tokens))
	}
}

// RunFinished counts a finished module run.
func (m *Metrics) RunFinished(rec types.RunRecord) {
	m.RunsTotal.WithLabelValues(string(rec.FinalStatus)).Inc()
}

// ObserveProcess is a tactile audit callback. Start events are ignored.
func (m *Metrics) ObserveProcess(ev tactile.AuditEvent) {
	if ev.Type == tactile.AuditEventStart || ev.Result == nil {
		return
	}
	binary := filepath.Base(ev.Command.Binary)
	m.ProcessSeconds.WithLabelValues(binary, string(ev.Type)).Observe(ev.Result.Duration.Seconds())
	if ru := ev.Result.ResourceUsage; ru != nil {
		m.ProcessCPUSecondsTotal.WithLabelValues(binary).Add(float64(ru.TotalCPUTimeMs()) / 1000)
	}
}

// WriteTextfile writes all metrics in the text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	logging.Pipeline("Metrics written to %s", path)
	return nil
}
