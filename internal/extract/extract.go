// Package extract slices a failing test artifact down to the test functions
// named in its transcript, so a repair prompt carries only what failed.
package extract

import (
	"context"
	"strings"

	"tinytest/internal/logging"
	"tinytest/internal/pyast"
	"tinytest/internal/pytest"
	"tinytest/internal/types"
)

// Result reports what FailingSubset kept.
type Result struct {
	Source   string
	Names    []string // failing names found in the transcript
	Kept     []string // test functions retained, in source order
	FellOpen bool     // true when the full source was returned unchanged
	Reason   string   // why extraction fell open
}

// FailingSubset returns the artifact reduced to its imports and the test
// functions the transcript reports as failing. It never fabricates code: the
// output is a subset of the input's top-level statements, each reproduced by
// its exact source span. When no failing names are found, the source does not
// parse, or no named function exists in it, the full source is returned.
func FailingSubset(artifact types.TestArtifact, transcript types.Transcript) string {
	return Extract(context.Background(), artifact, transcript).Source
}

// Extract is FailingSubset with diagnostics.
func Extract(ctx context.Context, artifact types.TestArtifact, transcript types.Transcript) Result {
	timer := logging.StartTimer(logging.CategoryExtract, "FailingSubset")
	defer timer.Stop()

	names := pytest.FailingNames(transcript.Output)
	if len(names) == 0 {
		logging.ExtractDebug("%s#%d: no failing names in transcript, returning full source", artifact.ModuleID, artifact.Sequence)
		return Result{Source: artifact.Source, FellOpen: true, Reason: "no failing test names"}
	}

	file, err := pyast.Parse(ctx, artifact.Source)
	if err != nil {
		logging.ExtractDebug("%s#%d: %v, returning full source", artifact.ModuleID, artifact.Sequence, err)
		return Result{Source: artifact.Source, Names: names, FellOpen: true, Reason: err.Error()}
	}

	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	var parts, kept []string
	for _, stmt := range file.Statements {
		switch stmt.Kind {
		case pyast.StatementImport:
			parts = append(parts, stmt.Import.Text)
		case pyast.StatementFunction:
			if stmt.Function.IsTest() && wanted[stmt.Function.Name] {
				parts = append(parts, stmt.Function.Text)
				kept = append(kept, stmt.Function.Name)
			}
		}
	}

	if len(kept) == 0 {
		logging.ExtractDebug("%s#%d: failing names %v not defined at top level, returning full source",
			artifact.ModuleID, artifact.Sequence, names)
		return Result{Source: artifact.Source, Names: names, FellOpen: true, Reason: "failing tests not found in source"}
	}

	out := strings.TrimRight(strings.Join(parts, "\n\n"), " \t\r\n") + "\n"
	logging.Extract("%s#%d: kept %d/%d test functions %v",
		artifact.ModuleID, artifact.Sequence, len(kept), len(file.TestFunctions()), kept)
	return Result{Source: out, Names: names, Kept: kept}
}
