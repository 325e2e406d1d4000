package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tinytest/internal/config"
	"tinytest/internal/dataset"
	"tinytest/internal/generate"
	"tinytest/internal/metrics"
	"tinytest/internal/pipeline"
	"tinytest/internal/prompt"
	"tinytest/internal/repair"
	"tinytest/internal/sandbox"
	"tinytest/internal/store"
	"tinytest/internal/tactile"
)

// runFlags are the per-invocation overrides of the pipeline config.
type runFlags struct {
	model      string
	provider   string
	template   string
	modulesDir string
	maxRetries int
	rangeSpec  string
	workers    int
	noHints    bool
	noIndex    bool
}

var runOpts runFlags

// runCmd runs the generation and repair pipeline over a module range
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Generate and repair pytest suites for a range of modules",
	Long: `Runs the full pipeline for each module_NNN.py in the modules directory:
  1. Generate a test file from the selected prompt template
  2. Run it with pytest and classify the outcome
  3. On failure, send the failing tests and the pytest log back for repair
  4. Stop when the suite passes or the retry budget is spent

Every artifact, transcript and metadata.json is written under
<runs_dir>/<timestamp>_<model>_<template>/<module_id>/.

Example:
  tinytest run --model phi3 --template few_shot --range 1-20`,
	RunE: runPipeline,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runOpts.model, "model", "", "Model name (default from config)")
	f.StringVar(&runOpts.provider, "provider", "", "Generator provider: ollama, ollama-http, openai, gemini")
	f.StringVar(&runOpts.template, "template", "", "Generation prompt template id")
	f.StringVar(&runOpts.modulesDir, "modules-dir", "", "Directory of module_NNN.py files")
	f.IntVar(&runOpts.maxRetries, "max-retries", 2, "Repair attempts after the initial generation")
	f.StringVar(&runOpts.rangeSpec, "range", "", "Module index range, e.g. 1-20, 5- or -10")
	f.IntVar(&runOpts.workers, "workers", 1, "Modules processed concurrently")
	f.BoolVar(&runOpts.noHints, "no-hints", false, "Do not append the function signature hint to prompts")
	f.BoolVar(&runOpts.noIndex, "no-index", false, "Do not record runs in the SQLite index")
}

// applyRunFlags overrides config values with the flags the user set.
func applyRunFlags(cmd *cobra.Command, c *config.Config, o runFlags) {
	flags := cmd.Flags()
	if flags.Changed("model") {
		c.LLM.Model = o.model
	}
	if flags.Changed("provider") {
		c.LLM.Provider = o.provider
	}
	if flags.Changed("template") {
		c.Pipeline.Template = o.template
	}
	if flags.Changed("modules-dir") {
		c.Pipeline.ModulesDir = o.modulesDir
	}
	if flags.Changed("max-retries") {
		c.Pipeline.MaxRetries = o.maxRetries
	}
	if flags.Changed("workers") {
		c.Pipeline.Workers = o.workers
	}
}

func runPipeline(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	applyRunFlags(cmd, cfg, runOpts)
	if err := cfg.Validate(); err != nil {
		return err
	}

	rng, err := dataset.ParseRange(runOpts.rangeSpec)
	if err != nil {
		return err
	}

	registry, err := prompt.Load(inWorkspace(cfg.Pipeline.TemplatesFile))
	if err != nil {
		return err
	}
	builder, err := prompt.NewBuilder(registry, cfg.Pipeline.Template, !runOpts.noHints)
	if err != nil {
		return err
	}

	modules, err := dataset.Discover(inWorkspace(cfg.Pipeline.ModulesDir), rng)
	if err != nil {
		return err
	}
	if len(modules) == 0 {
		return fmt.Errorf("no modules found in %s for range %s", cfg.Pipeline.ModulesDir, rng)
	}

	m := metrics.New()

	execConfig := tactile.DefaultExecutorConfig()
	execConfig.MaxOutputBytes = cfg.Execution.MaxOutputBytes
	execConfig.AuditCallback = m.ObserveProcess
	executor := tactile.NewDirectExecutorWithConfig(execConfig)

	generator, err := generate.New(ctx, cfg.LLM, cfg.GetLLMTimeout(), executor)
	if err != nil {
		return fmt.Errorf("failed to create generator: %w", err)
	}

	pytestExec := sandbox.NewPytestExecutor(sandbox.Config{
		Python:       cfg.Execution.Python,
		Timeout:      cfg.GetExecutionTimeout(),
		KeepWorkDirs: cfg.Execution.KeepWorkDirs,
	}, executor)

	orch, err := repair.New(repair.Config{
		MaxRetries: cfg.Pipeline.MaxRetries,
		Model:      cfg.LLM.Model,
		PromptID:   builder.TemplateID(),
	}, generator, pytestExec, builder, repair.WithObserver(m))
	if err != nil {
		return err
	}

	opts := []pipeline.Option{pipeline.WithMetrics(m)}
	if !runOpts.noIndex && cfg.Storage.DatabasePath != "" {
		idx, err := store.OpenIndex(inWorkspace(cfg.Storage.DatabasePath))
		if err != nil {
			return err
		}
		defer idx.Close()
		opts = append(opts, pipeline.WithIndex(idx))
	}

	runner, err := pipeline.NewRunner(pipeline.Config{
		OutputRoot:  inWorkspace(cfg.Storage.RunsDir),
		Model:       cfg.LLM.Model,
		Template:    builder.TemplateID(),
		Workers:     cfg.Pipeline.Workers,
		MetricsFile: inWorkspace(cfg.Storage.MetricsFile),
	}, orch, opts...)
	if err != nil {
		return err
	}

	logger.Info("Starting pipeline",
		zap.String("model", cfg.LLM.Model),
		zap.String("provider", cfg.LLM.Provider),
		zap.String("template", builder.TemplateID()),
		zap.Int("modules", len(modules)),
		zap.Int("max_retries", cfg.Pipeline.MaxRetries))

	batch, err := runner.Run(ctx, modules)
	if batch == nil {
		return err
	}
	printBatch(cmd, batch)
	if err != nil {
		return fmt.Errorf("batch finished with persistence errors: %w", err)
	}
	return nil
}

func printBatch(cmd *cobra.Command, batch *pipeline.Batch) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, titleStyle.Render("Run "+batch.RunID))
	for _, rec := range batch.Records {
		line := fmt.Sprintf("  %-12s %s", rec.ModuleID, statusText(rec.FinalStatus))
		if rec.FinalFailureKind != "" && !rec.Passed() {
			line += mutedStyle.Render(fmt.Sprintf(" (%s, %d iteration(s))", rec.FinalFailureKind, len(rec.Iterations)))
		}
		if rec.Error != "" {
			line += " " + mutedStyle.Render(rec.Error)
		}
		fmt.Fprintln(out, line)
	}
	fmt.Fprintf(out, "\n%d/%d passed. Results in %s\n", batch.Passed(), len(batch.Records), batch.Dir)
}
