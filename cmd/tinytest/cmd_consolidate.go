package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tinytest/internal/consolidate"
)

var consolidateOut string

// consolidateCmd merges passing artifacts into one test file per module
var consolidateCmd = &cobra.Command{
	Use:   "consolidate <run-dir>",
	Short: "Merge the artifacts of passing modules into one test file each",
	Long: `For every module in the run directory whose final status is passed,
merges the raw and repaired test files into <out>/<module_id>_test.py:
imports are deduplicated and each test function keeps its latest version.`,
	Args: cobra.ExactArgs(1),
	RunE: runConsolidate,
}

func init() {
	consolidateCmd.Flags().StringVar(&consolidateOut, "out", "tests/consolidated", "Output directory")
}

func runConsolidate(cmd *cobra.Command, args []string) error {
	res, err := consolidate.Run(context.Background(), inWorkspace(args[0]), inWorkspace(consolidateOut))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, path := range res.Written {
		fmt.Fprintf(out, "%s %s\n", passStyle.Render("wrote"), path)
	}
	dirs := make([]string, 0, len(res.Skipped))
	for dir := range res.Skipped {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	for _, dir := range dirs {
		logger.Debug("Skipped module", zap.String("dir", dir), zap.String("reason", res.Skipped[dir]))
	}
	fmt.Fprintf(out, "\nConsolidated %d module(s), skipped %d\n", len(res.Written), len(res.Skipped))
	return nil
}
