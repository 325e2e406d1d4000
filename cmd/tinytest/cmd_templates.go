package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"tinytest/internal/prompt"
)

// templatesCmd lists the prompt templates
var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List the available prompt templates",
	RunE:  runTemplates,
}

func runTemplates(cmd *cobra.Command, args []string) error {
	registry, err := prompt.Load(inWorkspace(cfg.Pipeline.TemplatesFile))
	if err != nil {
		return err
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(cmd.OutOrStdout())
	tw.AppendHeader(table.Row{"ID", "Kind", "Placeholders", "Description"})
	for _, id := range registry.IDs() {
		t, err := registry.Get(id)
		if err != nil {
			return err
		}
		tw.AppendRow(table.Row{t.ID, t.Kind, fmt.Sprint(t.Placeholders), t.Description})
	}
	tw.Render()
	return nil
}
