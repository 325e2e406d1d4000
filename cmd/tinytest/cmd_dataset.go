package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"tinytest/internal/dataset"
)

var (
	datasetOut      string
	metadataModules string
	metadataOut     string
)

// datasetCmd groups dataset preparation commands
var datasetCmd = &cobra.Command{
	Use:   "dataset",
	Short: "Prepare the modules under test",
}

var datasetExtractCmd = &cobra.Command{
	Use:   "extract <HumanEval.jsonl>",
	Short: "Write module_NNN.py files from a HumanEval JSONL file",
	Long: `Each line's prompt and canonical_solution become module_NNN.py, where NNN
is the 1-based line number. Lines that are not valid JSON are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runDatasetExtract,
}

var datasetMetadataCmd = &cobra.Command{
	Use:   "metadata",
	Short: "Write structural metadata (functions, imports) for every module",
	RunE:  runDatasetMetadata,
}

func init() {
	datasetExtractCmd.Flags().StringVar(&datasetOut, "out", "data/modules", "Output directory")
	datasetMetadataCmd.Flags().StringVar(&metadataModules, "modules-dir", "data/modules", "Directory of modules")
	datasetMetadataCmd.Flags().StringVar(&metadataOut, "out", "data/metadata", "Output directory")

	datasetCmd.AddCommand(datasetExtractCmd)
	datasetCmd.AddCommand(datasetMetadataCmd)
}

func runDatasetExtract(cmd *cobra.Command, args []string) error {
	res, err := dataset.ExtractHumanEval(inWorkspace(args[0]), inWorkspace(datasetOut))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Extracted %d modules into %s", len(res.Written), datasetOut)
	if len(res.Skipped) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), " (%s)", failStyle.Render(fmt.Sprintf("%d invalid lines skipped", len(res.Skipped))))
	}
	fmt.Fprintln(cmd.OutOrStdout())
	return nil
}

func runDatasetMetadata(cmd *cobra.Command, args []string) error {
	res, err := dataset.WriteMetadata(context.Background(), inWorkspace(metadataModules), inWorkspace(metadataOut))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for path, ferr := range res.Failed {
		fmt.Fprintf(out, "%s %s: %v\n", failStyle.Render("skipped"), path, ferr)
	}
	fmt.Fprintf(out, "Wrote metadata for %d modules into %s\n", len(res.Written), metadataOut)
	return nil
}
