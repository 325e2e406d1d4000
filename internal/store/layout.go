package store

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"tinytest/internal/diff"
	"tinytest/internal/logging"
	"tinytest/internal/types"
)

// File names inside a module run directory.
const (
	MetadataFile      = "metadata.json"
	InitialLogFile    = "pytest_log.txt"
	runTimestampFmt   = "20060102_150405"
	artifactRawSuffix = "_test_raw.py"
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Run is one pipeline invocation's output directory:
// <root>/<timestamp>_<model>_<template>/<module_id>/.
type Run struct {
	Dir string
}

// NewRun creates the run directory. The timestamp comes from the caller so
// naming stays deterministic under test.
func NewRun(root, model, template string, now time.Time) (*Run, error) {
	name := fmt.Sprintf("%s_%s_%s", now.Format(runTimestampFmt), SafeName(model), SafeName(template))
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	logging.Store("Run directory: %s", dir)
	return &Run{Dir: dir}, nil
}

// SafeName makes a model or template id usable in a path ("llama3:8b" -> "llama3_8b").
func SafeName(s string) string {
	s = unsafeNameChars.ReplaceAllString(s, "_")
	if s == "" {
		return "unnamed"
	}
	return s
}

// ModuleDir creates and returns the directory for one module.
func (r *Run) ModuleDir(moduleID string) (string, error) {
	dir := filepath.Join(r.Dir, moduleID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create module directory: %w", err)
	}
	return dir, nil
}

// ArtifactFile names an artifact: <id>_test_raw.py or <id>_test_repaired_<k>.py.
func ArtifactFile(moduleID string, a types.TestArtifact) string {
	if a.Kind == types.KindRepair {
		return fmt.Sprintf("%s_test_repaired_%d.py", moduleID, a.Sequence)
	}
	return moduleID + artifactRawSuffix
}

// TranscriptFile names a transcript: pytest_log.txt or pytest_log_retry_<k>.txt.
func TranscriptFile(index int) string {
	if index == 0 {
		return InitialLogFile
	}
	return fmt.Sprintf("pytest_log_retry_%d.txt", index)
}

// WriteIteration writes the iteration's artifact and transcript into dir.
func WriteIteration(dir, moduleID string, it types.Iteration) error {
	artifact := filepath.Join(dir, ArtifactFile(moduleID, it.Artifact))
	if err := os.WriteFile(artifact, []byte(it.Artifact.Source), 0644); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	log := filepath.Join(dir, TranscriptFile(it.Index))
	if err := os.WriteFile(log, []byte(it.Transcript.Output), 0644); err != nil {
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	logging.StoreDebug("Wrote %s and %s", filepath.Base(artifact), filepath.Base(log))
	return nil
}

// ArtifactFiles lists a module's artifact files oldest first: the raw file,
// then repaired_1, repaired_2, ... up to the first gap.
func ArtifactFiles(dir, moduleID string) []string {
	var files []string
	raw := filepath.Join(dir, moduleID+artifactRawSuffix)
	if fileExists(raw) {
		files = append(files, raw)
	}
	for k := 1; ; k++ {
		p := filepath.Join(dir, fmt.Sprintf("%s_test_repaired_%d.py", moduleID, k))
		if !fileExists(p) {
			break
		}
		files = append(files, p)
	}
	return files
}

// ModuleDirs lists the subdirectories of a run directory that hold a
// metadata.json, sorted by name.
func ModuleDirs(runDir string) ([]string, error) {
	entries, err := os.ReadDir(runDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read run directory: %w", err)
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		dir := filepath.Join(runDir, e.Name())
		if fileExists(filepath.Join(dir, MetadataFile)) {
			dirs = append(dirs, dir)
		}
	}
	return dirs, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// DiffFile names the diff of repair k against the artifact it replaced.
func DiffFile(moduleID string, k int) string {
	return fmt.Sprintf("%s_repair_%d.diff", moduleID, k)
}

// WriteRepairDiff writes the unified diff between two successive artifacts.
// Identical artifacts produce no file; the returned name is empty then.
func WriteRepairDiff(dir, moduleID string, prev, cur types.TestArtifact) (string, error) {
	d := diff.Compute(ArtifactFile(moduleID, prev), ArtifactFile(moduleID, cur), prev.Source, cur.Source, diff.DefaultContext)
	if d.Empty() {
		return "", nil
	}
	name := DiffFile(moduleID, cur.Sequence)
	if err := os.WriteFile(filepath.Join(dir, name), []byte(d.Unified()), 0644); err != nil {
		return "", fmt.Errorf("failed to write diff: %w", err)
	}
	logging.StoreDebug("Wrote %s (+%d/-%d)", name, d.Added, d.Removed)
	return name, nil
}
