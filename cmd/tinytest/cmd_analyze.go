package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tinytest/internal/report"
	"tinytest/internal/store"
	"tinytest/internal/types"
)

var (
	analyzeRunsDir    string
	analyzeOutput     string
	analyzeListPassed bool
	analyzeListFailed bool
	analyzeFromIndex  bool
	analyzeModel      string
	analyzeTemplate   string
)

// analyzeCmd summarizes persisted runs
var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Summarize results across runs",
	Long: `Reads every metadata.json under the runs directory (or the SQLite run
index with --from-index) and prints pass rates by final status, failure kind,
model and prompt template.`,
	RunE: runAnalyze,
}

func init() {
	f := analyzeCmd.Flags()
	f.StringVar(&analyzeRunsDir, "runs-dir", "", "Directory containing run results (default from config)")
	f.StringVar(&analyzeOutput, "output", "", "Write detailed stats as JSON to this file")
	f.BoolVar(&analyzeListPassed, "list-passed", false, "List all modules with passed status")
	f.BoolVar(&analyzeListFailed, "list-failed", false, "List all modules with failed status")
	f.BoolVar(&analyzeFromIndex, "from-index", false, "Read runs from the SQLite index instead of scanning")
	f.StringVar(&analyzeModel, "model", "", "Only include runs of this model (index only)")
	f.StringVar(&analyzeTemplate, "template", "", "Only include runs of this template (index only)")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	records, err := loadRecords()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(out, "No metadata files found.")
		return nil
	}

	stats := report.Summarize(records)
	stats.Render(out)

	if analyzeListPassed {
		fmt.Fprintln(out)
		stats.RenderModules(out, types.StatusPassed)
	}
	if analyzeListFailed {
		fmt.Fprintln(out)
		stats.RenderModules(out, types.StatusFailed)
	}
	if analyzeOutput != "" {
		if err := stats.WriteJSON(analyzeOutput); err != nil {
			return err
		}
		fmt.Fprintf(out, "\nDetailed stats saved to: %s\n", analyzeOutput)
	}
	return nil
}

func loadRecords() ([]store.Metadata, error) {
	if analyzeFromIndex {
		idx, err := store.OpenIndex(inWorkspace(cfg.Storage.DatabasePath))
		if err != nil {
			return nil, err
		}
		defer idx.Close()
		return idx.LoadRuns(store.RunFilter{Model: analyzeModel, PromptID: analyzeTemplate})
	}

	dir := analyzeRunsDir
	if dir == "" {
		dir = inWorkspace(cfg.Storage.RunsDir)
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("runs directory not found: %s", dir)
	}
	records, err := store.ScanMetadata(dir)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].Path < records[j].Path })
	logger.Debug("Scanned runs", zap.String("dir", dir), zap.Int("records", len(records)))
	return records, nil
}
