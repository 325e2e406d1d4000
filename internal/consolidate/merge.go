// Package consolidate merges the test artifacts of one module into a single
// canonical test file.
package consolidate

import (
	"context"
	"sort"
	"strings"

	"tinytest/internal/logging"
	"tinytest/internal/pyast"
	"tinytest/internal/types"
)

// Merge consolidates artifacts given oldest first (ascending sequence).
//
// Imports are deduplicated by canonical form, first occurrence wins, in
// first-seen order. Test functions are keyed by name and the last artifact to
// define a name wins. The output is the imports, a blank line, then one block
// per test name sorted lexicographically, each the exact source span from its
// owning artifact, separated by blank lines. Artifacts that fail to parse are
// skipped with a warning. A single artifact is returned unchanged.
func Merge(artifacts []types.TestArtifact) string {
	return MergeContext(context.Background(), artifacts)
}

// MergeContext is Merge with a caller-supplied context for parsing.
func MergeContext(ctx context.Context, artifacts []types.TestArtifact) string {
	if len(artifacts) == 0 {
		return ""
	}
	if len(artifacts) == 1 {
		return artifacts[0].Source
	}

	timer := logging.StartTimer(logging.CategoryConsolidate, "Merge")
	defer timer.Stop()

	var imports []string
	seen := make(map[string]bool)
	functions := make(map[string]string)

	for _, a := range artifacts {
		file, err := pyast.Parse(ctx, a.Source)
		if err != nil {
			logging.ConsolidateWarn("%s: skipping %s artifact #%d: %v", a.ModuleID, a.Kind, a.Sequence, err)
			continue
		}
		for _, imp := range file.Imports {
			if seen[imp.Canonical] {
				continue
			}
			seen[imp.Canonical] = true
			imports = append(imports, imp.Canonical)
		}
		for _, c := range file.Classes {
			logging.ConsolidateDebug("%s: dropping class %s (line %d) of artifact #%d, only top-level test functions are merged",
				a.ModuleID, c.Name, c.Line, a.Sequence)
		}
		for _, fn := range file.TestFunctions() {
			if _, ok := functions[fn.Name]; ok {
				logging.ConsolidateDebug("%s: %s superseded by artifact #%d", a.ModuleID, fn.Name, a.Sequence)
			}
			functions[fn.Name] = fn.Text
		}
	}

	names := make([]string, 0, len(functions))
	for name := range functions {
		names = append(names, name)
	}
	sort.Strings(names)

	var lines []string
	lines = append(lines, imports...)
	if len(lines) > 0 {
		lines = append(lines, "")
	}
	for _, name := range names {
		lines = append(lines, functions[name], "")
	}

	return strings.TrimSpace(strings.Join(lines, "\n")) + "\n"
}
