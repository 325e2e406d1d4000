// Package report aggregates persisted run metadata into batch statistics and
// renders them as tables or JSON.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"tinytest/internal/logging"
	"tinytest/internal/store"
	"tinytest/internal/types"
)

// Tally is a total/passed/failed breakdown. Anything that did not pass
// counts as failed.
type Tally struct {
	Total  int `json:"total"`
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

// Rate is the pass percentage.
func (t Tally) Rate() float64 {
	if t.Total == 0 {
		return 0
	}
	return float64(t.Passed) / float64(t.Total) * 100
}

func (t *Tally) add(passed bool) {
	t.Total++
	if passed {
		t.Passed++
	} else {
		t.Failed++
	}
}

// ModuleSummary is one row of the per-module listing.
type ModuleSummary struct {
	RunID            string            `json:"run_id"`
	ModuleID         string            `json:"module_id"`
	Model            string            `json:"model"`
	PromptID         string            `json:"prompt_id"`
	FinalStatus      types.Status      `json:"final_status"`
	FinalFailureKind types.FailureKind `json:"final_failure_kind"`
	Iterations       int               `json:"iterations"`
	Tokens           int               `json:"tokens"`
	Path             string            `json:"path"`
}

// Stats are the aggregated statistics of a set of runs.
type Stats struct {
	TotalModules  int                       `json:"total_modules"`
	Passed        int                       `json:"passed"`
	Failed        int                       `json:"failed"`
	Compiled      int                       `json:"compiled"`
	Ran           int                       `json:"ran"`
	Errored       int                       `json:"error"`
	TotalTokens   int                       `json:"total_tokens"`
	ByStatus      map[types.Status]int      `json:"by_status"`
	ByFailureKind map[types.FailureKind]int `json:"by_failure_kind"`
	ByModel       map[string]*Tally         `json:"by_model"`
	ByPrompt      map[string]*Tally         `json:"by_prompt"`
	Modules       []ModuleSummary           `json:"modules"`
}

// Summarize aggregates metadata records. Records are listed in input order.
func Summarize(records []store.Metadata) *Stats {
	s := &Stats{
		ByStatus:      make(map[types.Status]int),
		ByFailureKind: make(map[types.FailureKind]int),
		ByModel:       make(map[string]*Tally),
		ByPrompt:      make(map[string]*Tally),
		Modules:       make([]ModuleSummary, 0, len(records)),
	}

	for _, m := range records {
		s.TotalModules++
		s.ByStatus[m.FinalStatus]++
		switch m.FinalStatus {
		case types.StatusPassed:
			s.Passed++
		case types.StatusFailed:
			s.Failed++
		case types.StatusCompiled:
			s.Compiled++
		case types.StatusRan:
			s.Ran++
		case types.StatusError:
			s.Errored++
		}
		if m.FinalFailureKind != "" && m.FinalFailureKind != types.FailureNone {
			s.ByFailureKind[m.FinalFailureKind]++
		}

		passed := m.FinalStatus == types.StatusPassed
		tally(s.ByModel, orUnknown(m.Model)).add(passed)
		tally(s.ByPrompt, orUnknown(m.PromptID)).add(passed)

		tokens := m.TotalTokens()
		s.TotalTokens += tokens
		s.Modules = append(s.Modules, ModuleSummary{
			RunID:            m.RunID,
			ModuleID:         orUnknown(m.ModuleID),
			Model:            orUnknown(m.Model),
			PromptID:         orUnknown(m.PromptID),
			FinalStatus:      m.FinalStatus,
			FinalFailureKind: m.FinalFailureKind,
			Iterations:       len(m.Iterations),
			Tokens:           tokens,
			Path:             m.Path,
		})
	}

	logging.Report("Summarized %d runs: %d passed, %d failed", s.TotalModules, s.Passed, s.TotalModules-s.Passed)
	return s
}

func tally(m map[string]*Tally, key string) *Tally {
	t, ok := m[key]
	if !ok {
		t = &Tally{}
		m[key] = t
	}
	return t
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func percent(n, total int) string {
	if total == 0 {
		return "0.0%"
	}
	return fmt.Sprintf("%.1f%%", float64(n)/float64(total)*100)
}

// =============================================================================
// RENDERING
// =============================================================================

// Render writes the status, failure kind, model and prompt tables.
func (s *Stats) Render(w io.Writer) {
	fmt.Fprintf(w, "Total modules: %d (tokens: %d)\n\n", s.TotalModules, s.TotalTokens)

	status := newTable(w, "Final status")
	status.AppendHeader(table.Row{"Status", "Count", "Share"})
	for _, row := range []struct {
		name  types.Status
		count int
	}{
		{types.StatusPassed, s.Passed},
		{types.StatusFailed, s.Failed},
		{types.StatusCompiled, s.Compiled},
		{types.StatusRan, s.Ran},
		{types.StatusError, s.Errored},
	} {
		status.AppendRow(table.Row{row.name, row.count, percent(row.count, s.TotalModules)})
	}
	status.Render()

	if len(s.ByFailureKind) > 0 {
		fmt.Fprintln(w)
		kinds := newTable(w, "Failure kinds")
		kinds.AppendHeader(table.Row{"Failure kind", "Count"})
		for _, k := range sortedKinds(s.ByFailureKind) {
			kinds.AppendRow(table.Row{k, s.ByFailureKind[k]})
		}
		kinds.Render()
	}

	renderTallies(w, "By model", "Model", s.ByModel)
	renderTallies(w, "By prompt template", "Template", s.ByPrompt)
}

func renderTallies(w io.Writer, title, column string, m map[string]*Tally) {
	if len(m) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw := newTable(w, title)
	tw.AppendHeader(table.Row{column, "Passed", "Total", "Rate"})
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		t := m[k]
		tw.AppendRow(table.Row{k, t.Passed, t.Total, fmt.Sprintf("%.1f%%", t.Rate())})
	}
	tw.Render()
}

// RenderModules lists the modules whose final status is status.
func (s *Stats) RenderModules(w io.Writer, status types.Status) {
	tw := newTable(w, fmt.Sprintf("Modules with %s status", status))
	tw.AppendHeader(table.Row{"Module", "Model", "Template", "Failure kind", "Iterations", "Path"})
	for _, m := range s.Modules {
		if m.FinalStatus != status {
			continue
		}
		tw.AppendRow(table.Row{m.ModuleID, m.Model, m.PromptID, m.FinalFailureKind, m.Iterations, m.Path})
	}
	tw.Render()
}

func newTable(w io.Writer, title string) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetTitle(title)
	tw.SetStyle(table.StyleLight)
	tw.Style().Title.Align = text.AlignLeft
	return tw
}

// sortedKinds orders failure kinds by descending count, then by name.
func sortedKinds(m map[types.FailureKind]int) []types.FailureKind {
	keys := make([]types.FailureKind, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if m[keys[i]] != m[keys[j]] {
			return m[keys[i]] > m[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}

// WriteJSON writes the detailed statistics to path.
func (s *Stats) WriteJSON(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write stats: %w", err)
	}
	logging.Report("Detailed stats saved to %s", path)
	return nil
}
