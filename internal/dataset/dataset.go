// Package dataset turns a HumanEval-style JSONL file into a directory of
// module_NNN.py files and loads those modules back for a pipeline run.
package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"tinytest/internal/logging"
	"tinytest/internal/types"
)

// ModulePrefix is the file name prefix of extracted modules.
const ModulePrefix = "module_"

// task is one HumanEval record. Only the fields needed to rebuild the module
// are decoded.
type task struct {
	TaskID            string `json:"task_id"`
	Prompt            string `json:"prompt"`
	CanonicalSolution string `json:"canonical_solution"`
}

// ExtractResult reports what ExtractHumanEval wrote.
type ExtractResult struct {
	Written []string // paths, in line order
	Skipped []int    // 1-based line numbers that could not be decoded
}

// ModuleID returns the module id for a 1-based dataset line.
func ModuleID(index int) string {
	return fmt.Sprintf("%s%03d", ModulePrefix, index)
}

// ExtractHumanEval writes module_001.py, module_002.py, ... from the prompt
// and canonical_solution of each line. Numbering follows line numbers, so a
// skipped line leaves a gap.
func ExtractHumanEval(jsonlPath, outDir string) (*ExtractResult, error) {
	timer := logging.StartTimer(logging.CategoryDataset, "ExtractHumanEval")
	defer timer.Stop()

	f, err := os.Open(jsonlPath)
	if err != nil {
		return nil, fmt.Errorf("dataset file not found: %w", err)
	}
	defer f.Close()

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create modules dir: %w", err)
	}

	res := &ExtractResult{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		var t task
		if err := json.Unmarshal(scanner.Bytes(), &t); err != nil {
			logging.DatasetWarn("Skipping invalid JSON line %d: %v", line, err)
			res.Skipped = append(res.Skipped, line)
			continue
		}

		path := filepath.Join(outDir, ModuleID(line)+".py")
		if err := os.WriteFile(path, []byte(t.Prompt+t.CanonicalSolution), 0644); err != nil {
			return res, fmt.Errorf("failed to write %s: %w", path, err)
		}
		logging.Dataset("Created %s (%s)", path, t.TaskID)
		res.Written = append(res.Written, path)
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("failed to read %s: %w", jsonlPath, err)
	}

	logging.Dataset("Extracted %d modules (%d lines skipped) into %s", len(res.Written), len(res.Skipped), outDir)
	return res, nil
}

// =============================================================================
// DISCOVERY
// =============================================================================

// Range selects modules by numeric suffix. Zero bounds are open.
type Range struct {
	Start int
	End   int
}

// Contains reports whether index is inside the range.
func (r Range) Contains(index int) bool {
	return (r.Start == 0 || index >= r.Start) && (r.End == 0 || index <= r.End)
}

// All reports whether the range is unbounded.
func (r Range) All() bool { return r.Start == 0 && r.End == 0 }

func (r Range) String() string {
	if r.All() {
		return "all"
	}
	s, e := "", ""
	if r.Start > 0 {
		s = strconv.Itoa(r.Start)
	}
	if r.End > 0 {
		e = strconv.Itoa(r.End)
	}
	return s + "-" + e
}

// ParseRange parses "1-20", "5-", "-10", "7" or "" (everything).
func ParseRange(s string) (Range, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Range{}, nil
	}

	start, end, hasDash := strings.Cut(s, "-")
	var r Range
	var err error
	if start != "" {
		if r.Start, err = strconv.Atoi(start); err != nil || r.Start < 1 {
			return Range{}, fmt.Errorf("range must be like '1-20' (start-end), got %q", s)
		}
	}
	if !hasDash {
		r.End = r.Start
		return r, nil
	}
	if end != "" {
		if r.End, err = strconv.Atoi(end); err != nil || r.End < 1 {
			return Range{}, fmt.Errorf("range must be like '1-20' (start-end), got %q", s)
		}
	}
	if r.Start > 0 && r.End > 0 && r.End < r.Start {
		return Range{}, fmt.Errorf("range end %d is before start %d", r.End, r.Start)
	}
	return r, nil
}

// Discover loads module_*.py files from dir, sorted by name and filtered by
// range. Files whose suffix is not a number are only included for an
// unbounded range.
func Discover(dir string, r Range) ([]types.Module, error) {
	paths, err := filepath.Glob(filepath.Join(dir, ModulePrefix+"*.py"))
	if err != nil {
		return nil, fmt.Errorf("failed to list modules: %w", err)
	}
	sort.Strings(paths)

	var modules []types.Module
	for _, path := range paths {
		stem := strings.TrimSuffix(filepath.Base(path), ".py")
		if !r.All() {
			idx, err := strconv.Atoi(strings.TrimPrefix(stem, ModulePrefix))
			if err != nil || !r.Contains(idx) {
				continue
			}
		}

		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		modules = append(modules, types.Module{
			ID:     stem,
			Name:   stem,
			Path:   path,
			Source: string(src),
		})
	}

	logging.Dataset("Discovered %d modules in %s (range %s)", len(modules), dir, r)
	return modules, nil
}
