package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tinytest/internal/coverage"
	"tinytest/internal/tactile"
)

var (
	coverageTestsDir  string
	coverageSourceDir string
	coverageOutput    string
)

// coverageCmd measures consolidated tests with coverage.py
var coverageCmd = &cobra.Command{
	Use:   "coverage",
	Short: "Run coverage.py for consolidated tests over the module sources",
	RunE:  runCoverage,
}

func init() {
	f := coverageCmd.Flags()
	f.StringVar(&coverageTestsDir, "tests", "tests/consolidated", "Directory of consolidated tests")
	f.StringVar(&coverageSourceDir, "src", "data/modules", "Directory of module sources to measure")
	f.StringVar(&coverageOutput, "output", "coverage/coverage_report.txt", "Report output file")
}

func runCoverage(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := coverage.NewRunner(coverage.Config{
		Python:  cfg.Execution.Python,
		Timeout: coverage.DefaultConfig().Timeout,
	}, tactile.NewDirectExecutor())

	res, err := runner.Run(ctx, inWorkspace(coverageTestsDir), inWorkspace(coverageSourceDir), inWorkspace(coverageOutput))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !res.TestsPassed {
		fmt.Fprintln(out, failStyle.Render("Some consolidated tests failed under coverage"))
	}
	fmt.Fprint(out, res.Report)
	fmt.Fprintf(out, "\nCoverage report saved to: %s\n", coverageOutput)
	return nil
}
