// Package outcome classifies a test execution into a status, a failure kind
// and result counts.
package outcome

import (
	"regexp"
	"strings"

	"tinytest/internal/logging"
	"tinytest/internal/pyast"
	"tinytest/internal/pytest"
	"tinytest/internal/types"
)

// Classifier turns an executed artifact into an OutcomeRecord. Implementations
// must be pure and total: malformed input degrades to a conservative outcome.
type Classifier interface {
	Classify(transcript types.Transcript, artifact types.TestArtifact) types.OutcomeRecord
}

// MarkerClassifier classifies by textual markers in pytest output. The
// artifact's syntax is checked first and always wins.
type MarkerClassifier struct{}

// NewMarkerClassifier returns the default classifier.
func NewMarkerClassifier() *MarkerClassifier {
	return &MarkerClassifier{}
}

var (
	importMarkers = []string{"importerror", "modulenotfounderror", "import error"}

	// FAILED test_x.py::test_y / ERROR test_x.py::test_y
	failingLineRegex = regexp.MustCompile(`(?m)^(FAILED|ERROR)\s`)

	// E       assert 2 == 3
	assertExplanationRegex = regexp.MustCompile(`(?m)^E\s+assert\s`)

	// FAILED test_x.py::test_y - assert 2 == 3
	assertSummaryRegex = regexp.MustCompile(`(?m)^FAILED\s+\S+\s+-\s+(assert\s|AssertionError)`)

	// .F.. [100%] progress lines and -v PASSED tokens
	passedTokenRegex = regexp.MustCompile(`\bPASSED\b`)
)

// Classify implements Classifier. Rules, first match wins:
//  1. artifact does not parse            -> failed/syntax, zero counts
//  2. import/module resolution failure   -> ran/import
//  3. passing markers, no failing ones   -> passed/none
//  4. failing markers with assertion     -> failed/assertion
//     failing markers without assertion  -> failed/none
//  5. evidence the runner executed       -> ran/none
//  6. otherwise                          -> compiled/none
func (c *MarkerClassifier) Classify(transcript types.Transcript, artifact types.TestArtifact) types.OutcomeRecord {
	if !pyast.Valid(artifact.Source) {
		logging.ClassifierDebug("%s#%d: artifact does not parse", artifact.ModuleID, artifact.Sequence)
		return types.OutcomeRecord{Status: types.StatusFailed, FailureKind: types.FailureSyntax}
	}

	out := transcript.Output
	counts := pytest.ParseCounts(out)
	record := types.OutcomeRecord{Counts: counts}

	switch {
	case hasImportError(out):
		record.Status, record.FailureKind = types.StatusRan, types.FailureImport
	case hasPassing(out, counts) && !hasFailing(out, counts):
		record.Status, record.FailureKind = types.StatusPassed, types.FailureNone
	case hasFailing(out, counts):
		record.Status = types.StatusFailed
		if hasAssertion(out) {
			record.FailureKind = types.FailureAssertion
		} else {
			record.FailureKind = types.FailureNone
		}
	case ranEvidence(out):
		record.Status, record.FailureKind = types.StatusRan, types.FailureNone
	default:
		record.Status, record.FailureKind = types.StatusCompiled, types.FailureNone
	}

	logging.ClassifierDebug("%s#%d: %s", artifact.ModuleID, artifact.Sequence, record)
	return record
}

// Classify runs the default MarkerClassifier.
func Classify(transcript types.Transcript, artifact types.TestArtifact) types.OutcomeRecord {
	return NewMarkerClassifier().Classify(transcript, artifact)
}

// ParseCounts is re-exported for callers that only hold a transcript.
func ParseCounts(output string) types.Counts {
	return pytest.ParseCounts(output)
}

func hasImportError(out string) bool {
	lower := strings.ToLower(out)
	for _, m := range importMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func hasPassing(out string, counts types.Counts) bool {
	return counts.Passed > 0 || passedTokenRegex.MatchString(out)
}

func hasFailing(out string, counts types.Counts) bool {
	return counts.Failed > 0 || counts.Errored > 0 || failingLineRegex.MatchString(out)
}

func hasAssertion(out string) bool {
	return strings.Contains(out, "AssertionError") ||
		assertExplanationRegex.MatchString(out) ||
		assertSummaryRegex.MatchString(out)
}

func ranEvidence(out string) bool {
	lower := strings.ToLower(out)
	return strings.Contains(lower, "collected") ||
		strings.Contains(lower, "no tests ran") ||
		strings.Contains(lower, "test")
}
