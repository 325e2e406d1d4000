package store

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"tinytest/internal/logging"
	"tinytest/internal/types"
)

// IterationSummary is the persisted view of one iteration.
type IterationSummary struct {
	Index       int                `json:"index"`
	Kind        types.ArtifactKind `json:"kind"`
	Status      types.Status       `json:"status"`
	FailureKind types.FailureKind  `json:"failure_kind"`
	types.Counts
	Time     float64 `json:"time"` // generation seconds
	Tokens   int     `json:"tokens"`
	TestFile string  `json:"test_file"`
	LogFile  string  `json:"log_file"`
}

// Metadata is the persisted RunRecord (metadata.json), the input of batch
// analysis and consolidation.
type Metadata struct {
	RunID            string             `json:"run_id"`
	ModuleID         string             `json:"module_id"`
	Model            string             `json:"model"`
	PromptID         string             `json:"prompt_id"`
	Iterations       []IterationSummary `json:"iterations"`
	FinalStatus      types.Status       `json:"final_status"`
	FinalFailureKind types.FailureKind  `json:"final_failure_kind"`
	Error            string             `json:"error,omitempty"`
	Elapsed          float64            `json:"elapsed"`
	StartedAt        time.Time          `json:"started_at"`
	Path             string             `json:"path,omitempty"`
}

// NewMetadata summarizes a RunRecord for persistence.
func NewMetadata(rec types.RunRecord) Metadata {
	m := Metadata{
		RunID:            rec.RunID,
		ModuleID:         rec.ModuleID,
		Model:            rec.Model,
		PromptID:         rec.PromptID,
		Iterations:       make([]IterationSummary, 0, len(rec.Iterations)),
		FinalStatus:      rec.FinalStatus,
		FinalFailureKind: rec.FinalFailureKind,
		Error:            rec.Error,
		Elapsed:          rec.Elapsed.Seconds(),
		StartedAt:        rec.StartedAt,
	}
	for _, it := range rec.Iterations {
		m.Iterations = append(m.Iterations, IterationSummary{
			Index:       it.Index,
			Kind:        it.Artifact.Kind,
			Status:      it.Outcome.Status,
			FailureKind: it.Outcome.FailureKind,
			Counts:      it.Outcome.Counts,
			Time:        it.GenerationTime.Seconds(),
			Tokens:      it.Tokens,
			TestFile:    ArtifactFile(rec.ModuleID, it.Artifact),
			LogFile:     TranscriptFile(it.Index),
		})
	}
	return m
}

// TotalTokens sums token usage over all iterations.
func (m Metadata) TotalTokens() int {
	total := 0
	for _, it := range m.Iterations {
		total += it.Tokens
	}
	return total
}

// WriteMetadata writes metadata.json into dir.
func WriteMetadata(dir string, m Metadata) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, MetadataFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// ReadMetadata reads dir/metadata.json.
func ReadMetadata(dir string) (Metadata, error) {
	var m Metadata
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return m, fmt.Errorf("failed to read metadata: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("failed to parse metadata in %s: %w", dir, err)
	}
	if m.Path == "" {
		m.Path = dir
	}
	return m, nil
}

// ScanMetadata reads every metadata.json below root. Unreadable files are
// logged and skipped.
func ScanMetadata(root string) ([]Metadata, error) {
	var out []Metadata
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != MetadataFile {
			return nil
		}
		m, err := ReadMetadata(filepath.Dir(path))
		if err != nil {
			logging.StoreWarn("Skipping %s: %v", path, err)
			return nil
		}
		out = append(out, m)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
