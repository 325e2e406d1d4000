package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"tinytest/internal/logging"
	"tinytest/internal/pyast"
)

// MetadataResult reports what WriteMetadata produced.
type MetadataResult struct {
	Written []string
	Failed  map[string]error // module path -> parse or write error
}

// WriteMetadata analyzes every *.py file in modulesDir and writes
// <stem>.json with its structural metadata into outDir. A module that fails
// to parse is recorded and skipped.
func WriteMetadata(ctx context.Context, modulesDir, outDir string) (*MetadataResult, error) {
	timer := logging.StartTimer(logging.CategoryDataset, "WriteMetadata")
	defer timer.Stop()

	paths, err := filepath.Glob(filepath.Join(modulesDir, "*.py"))
	if err != nil {
		return nil, fmt.Errorf("failed to list modules: %w", err)
	}
	sort.Strings(paths)

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create metadata dir: %w", err)
	}

	res := &MetadataResult{Failed: make(map[string]error)}
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		out, err := writeModuleMetadata(ctx, path, outDir)
		if err != nil {
			logging.DatasetWarn("Failed to extract metadata from %s: %v", path, err)
			res.Failed[path] = err
			continue
		}
		res.Written = append(res.Written, out)
	}

	logging.Dataset("Wrote metadata for %d modules (%d failed) into %s", len(res.Written), len(res.Failed), outDir)
	return res, nil
}

func writeModuleMetadata(ctx context.Context, path, outDir string) (string, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	info, err := pyast.Analyze(ctx, string(src))
	if err != nil {
		return "", err
	}
	info.ModuleName = filepath.Base(path)
	info.Path = path

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return "", err
	}
	out := filepath.Join(outDir, strings.TrimSuffix(filepath.Base(path), ".py")+".json")
	if err := os.WriteFile(out, data, 0644); err != nil {
		return "", err
	}
	return out, nil
}

// ReadMetadata loads <stem>.json from a metadata directory.
func ReadMetadata(dir, moduleID string) (*pyast.ModuleInfo, error) {
	data, err := os.ReadFile(filepath.Join(dir, moduleID+".json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata for %s: %w", moduleID, err)
	}
	var info pyast.ModuleInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse metadata for %s: %w", moduleID, err)
	}
	return &info, nil
}
