package consolidate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"tinytest/internal/logging"
	"tinytest/internal/store"
	"tinytest/internal/types"
)

// BatchResult summarizes a batch consolidation.
type BatchResult struct {
	Written []string          // consolidated test files
	Skipped map[string]string // module dir -> reason
}

// Run consolidates every module in runDir whose final status is passed into
// outDir/<module_id>_test.py, alongside an empty __init__.py. Failures for one
// module are recorded in Skipped and never stop the batch.
func Run(ctx context.Context, runDir, outDir string) (*BatchResult, error) {
	timer := logging.StartTimer(logging.CategoryConsolidate, "Run")
	defer timer.StopWithInfo()

	dirs, err := store.ModuleDirs(runDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	initFile := filepath.Join(outDir, "__init__.py")
	if _, err := os.Stat(initFile); os.IsNotExist(err) {
		if err := os.WriteFile(initFile, nil, 0644); err != nil {
			return nil, fmt.Errorf("failed to write __init__.py: %w", err)
		}
	}

	res := &BatchResult{Skipped: make(map[string]string)}
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		path, reason := consolidateModule(ctx, dir, outDir)
		if reason != "" {
			res.Skipped[dir] = reason
			logging.ConsolidateDebug("Skipped %s: %s", dir, reason)
			continue
		}
		res.Written = append(res.Written, path)
	}

	logging.Consolidate("Consolidated %d module(s) from %s into %s (%d skipped)",
		len(res.Written), runDir, outDir, len(res.Skipped))
	return res, nil
}

func consolidateModule(ctx context.Context, dir, outDir string) (string, string) {
	meta, err := store.ReadMetadata(dir)
	if err != nil {
		logging.ConsolidateWarn("%v", err)
		return "", err.Error()
	}
	if meta.FinalStatus != types.StatusPassed {
		return "", fmt.Sprintf("final status %s", meta.FinalStatus)
	}
	moduleID := meta.ModuleID
	if moduleID == "" {
		moduleID = filepath.Base(dir)
	}

	files := store.ArtifactFiles(dir, moduleID)
	if len(files) == 0 {
		logging.ConsolidateWarn("No test files found in %s", dir)
		return "", "no test files"
	}

	hasRaw := filepath.Base(files[0]) == moduleID+"_test_raw.py"
	artifacts := make([]types.TestArtifact, 0, len(files))
	for i, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return "", fmt.Sprintf("read %s: %v", filepath.Base(f), err)
		}
		a := types.TestArtifact{ModuleID: moduleID, Kind: types.KindRepair, Sequence: i, Source: string(data)}
		if hasRaw && i == 0 {
			a.Kind = types.KindInitial
		} else if !hasRaw {
			a.Sequence = i + 1
		}
		artifacts = append(artifacts, a)
	}

	out := filepath.Join(outDir, moduleID+"_test.py")
	if err := os.WriteFile(out, []byte(MergeContext(ctx, artifacts)), 0644); err != nil {
		return "", fmt.Sprintf("write: %v", err)
	}
	logging.Consolidate("Created consolidated test file: %s (%d file(s))", out, len(files))
	return out, ""
}
