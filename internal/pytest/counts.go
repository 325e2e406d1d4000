package pytest

import (
	"regexp"
	"strconv"
	"strings"

	"tinytest/internal/types"
)

var (
	passedCountRegex = regexp.MustCompile(`(\d+)[ \t]+passed`)
	failedCountRegex = regexp.MustCompile(`(\d+)[ \t]+failed`)
	errorCountRegex  = regexp.MustCompile(`(\d+)[ \t]+errors?\b`)
)

// collectionErrorMarkers short-circuit counting to a single error.
var collectionErrorMarkers = []string{
	"errors during collection",
	"error collecting",
	"interrupted: 1 error",
}

// noTestsMarkers indicate the runner collected nothing.
var noTestsMarkers = []string{
	"collected 0 items",
	"no tests collected",
	"no tests ran",
}

// ParseCounts extracts pass/fail/error tallies from a transcript.
//
// A collection-level error yields {errored:1, total:1} and is checked before
// the no-tests markers, since pytest prints "no tests ran" alongside it.
// Otherwise the first integer before each of "passed", "failed" and "error"
// is taken, absent tokens count as zero, and total is their sum.
func ParseCounts(output string) types.Counts {
	lower := strings.ToLower(output)

	for _, marker := range collectionErrorMarkers {
		if strings.Contains(lower, marker) {
			return types.Counts{Errored: 1, Total: 1}
		}
	}
	for _, marker := range noTestsMarkers {
		if strings.Contains(lower, marker) {
			return types.Counts{}
		}
	}

	c := types.Counts{
		Passed:  firstInt(passedCountRegex, lower),
		Failed:  firstInt(failedCountRegex, lower),
		Errored: firstInt(errorCountRegex, lower),
	}
	c.Total = c.Passed + c.Failed + c.Errored
	return c
}

func firstInt(re *regexp.Regexp, s string) int {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}
