package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tinytest/internal/config"
	"tinytest/internal/store"
	"tinytest/internal/types"
)

// setup resets the globals a command expects after PersistentPreRunE.
func setup(t *testing.T) (*cobra.Command, *bytes.Buffer) {
	t.Helper()
	logger = zap.NewNop()
	cfg = config.DefaultConfig()
	workspace = t.TempDir()
	t.Cleanup(func() { workspace = "" })

	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	return cmd, &buf
}

func TestApplyRunFlags(t *testing.T) {
	c := config.DefaultConfig()
	cmd := &cobra.Command{}
	var o runFlags
	cmd.Flags().StringVar(&o.model, "model", "", "")
	cmd.Flags().StringVar(&o.template, "template", "", "")
	cmd.Flags().IntVar(&o.maxRetries, "max-retries", 2, "")
	cmd.Flags().IntVar(&o.workers, "workers", 1, "")

	if err := cmd.Flags().Set("model", "llama3:8b"); err != nil {
		t.Fatal(err)
	}
	if err := cmd.Flags().Set("max-retries", "0"); err != nil {
		t.Fatal(err)
	}
	applyRunFlags(cmd, c, o)

	if c.LLM.Model != "llama3:8b" {
		t.Errorf("model = %q", c.LLM.Model)
	}
	if c.Pipeline.MaxRetries != 0 {
		t.Errorf("max retries = %d, want 0", c.Pipeline.MaxRetries)
	}
	if c.Pipeline.Template != "few_shot" {
		t.Errorf("unset flag should keep config template, got %q", c.Pipeline.Template)
	}
	if c.Pipeline.Workers != 1 {
		t.Errorf("workers = %d", c.Pipeline.Workers)
	}
}

func TestRunAnalyze(t *testing.T) {
	cmd, buf := setup(t)

	runs := filepath.Join(workspace, "runs")
	for i, status := range []types.Status{types.StatusPassed, types.StatusFailed} {
		dir := filepath.Join(runs, "20250301_093000_phi3_few_shot", []string{"module_001", "module_002"}[i])
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		md := store.Metadata{ModuleID: filepath.Base(dir), Model: "phi3", PromptID: "few_shot", FinalStatus: status, FinalFailureKind: types.FailureAssertion}
		if err := store.WriteMetadata(dir, md); err != nil {
			t.Fatal(err)
		}
	}

	analyzeRunsDir = runs
	analyzeListFailed = true
	analyzeOutput = filepath.Join(workspace, "stats.json")
	t.Cleanup(func() { analyzeRunsDir, analyzeListFailed, analyzeOutput = "", false, "" })

	if err := runAnalyze(cmd, nil); err != nil {
		t.Fatalf("runAnalyze failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"Total modules: 2", "phi3", "module_002", "Detailed stats saved"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if _, err := os.Stat(analyzeOutput); err != nil {
		t.Errorf("stats file not written: %v", err)
	}
}

func TestRunAnalyze_MissingRunsDir(t *testing.T) {
	cmd, _ := setup(t)
	analyzeRunsDir = filepath.Join(workspace, "nope")
	t.Cleanup(func() { analyzeRunsDir = "" })

	if err := runAnalyze(cmd, nil); err == nil {
		t.Fatal("expected error for missing runs dir")
	}
}

func TestRunDatasetExtract(t *testing.T) {
	cmd, buf := setup(t)
	jsonl := filepath.Join(workspace, "HumanEval.jsonl")
	line := `{"task_id": "HumanEval/0", "prompt": "def f():\n", "canonical_solution": "    return 1\n"}` + "\n"
	if err := os.WriteFile(jsonl, []byte(line), 0644); err != nil {
		t.Fatal(err)
	}
	datasetOut = "modules"
	t.Cleanup(func() { datasetOut = "data/modules" })

	if err := runDatasetExtract(cmd, []string{jsonl}); err != nil {
		t.Fatalf("runDatasetExtract failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(workspace, "modules", "module_001.py")); err != nil {
		t.Errorf("module not written: %v", err)
	}
	if !strings.Contains(buf.String(), "Extracted 1 modules") {
		t.Errorf("unexpected output: %s", buf.String())
	}
}

func TestRunConsolidate(t *testing.T) {
	cmd, buf := setup(t)
	dir := filepath.Join(workspace, "runs", "20250301_093000_phi3_few_shot", "module_001")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	md := store.Metadata{ModuleID: "module_001", FinalStatus: types.StatusPassed}
	if err := store.WriteMetadata(dir, md); err != nil {
		t.Fatal(err)
	}
	src := "def test_a():\n    assert True\n"
	if err := os.WriteFile(filepath.Join(dir, "module_001_test_raw.py"), []byte(src), 0644); err != nil {
		t.Fatal(err)
	}
	consolidateOut = "consolidated"
	t.Cleanup(func() { consolidateOut = "tests/consolidated" })

	if err := runConsolidate(cmd, []string{filepath.Join("runs", "20250301_093000_phi3_few_shot")}); err != nil {
		t.Fatalf("runConsolidate failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(workspace, "consolidated", "module_001_test.py"))
	if err != nil {
		t.Fatalf("consolidated file not written: %v", err)
	}
	if string(data) != src {
		t.Errorf("single artifact should be copied unchanged, got %q", data)
	}
	if !strings.Contains(buf.String(), "Consolidated 1 module(s), skipped 0") {
		t.Errorf("unexpected output: %s", buf.String())
	}
}

func TestRunTemplates(t *testing.T) {
	cmd, buf := setup(t)
	if err := runTemplates(cmd, nil); err != nil {
		t.Fatalf("runTemplates failed: %v", err)
	}
	for _, id := range []string{"few_shot", "structured", "zero_shot", "auto_repair"} {
		if !strings.Contains(buf.String(), id) {
			t.Errorf("template %s not listed", id)
		}
	}
}

func TestRunPipeline_NoModules(t *testing.T) {
	cmd, _ := setup(t)
	cmd.Flags().AddFlagSet(runCmd.Flags())
	cfg.Pipeline.ModulesDir = "empty"
	if err := os.MkdirAll(filepath.Join(workspace, "empty"), 0755); err != nil {
		t.Fatal(err)
	}

	err := runPipeline(cmd, nil)
	if err == nil || !strings.Contains(err.Error(), "no modules found") {
		t.Fatalf("expected no modules error, got %v", err)
	}
}

func TestCommandTree(t *testing.T) {
	want := map[string]bool{"run": false, "analyze": false, "consolidate": false, "dataset": false, "coverage": false, "templates": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("command %q not registered", name)
		}
	}
}
