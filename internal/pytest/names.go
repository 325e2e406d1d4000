package pytest

import (
	"regexp"
	"strings"
)

var (
	identifierRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	tracebackStart  = "Traceback (most recent call last)"
)

// FailingNames returns the names of failing test functions referenced by the
// transcript, in order of first appearance. Sources, unioned:
//   - failure block headers and FAILED/ERROR short-summary lines
//   - verbose "path::name FAILED" result lines
//   - test_ definitions echoed inside failure blocks or Python tracebacks,
//     and test_ frames of Python tracebacks
//
// Parametrize suffixes and class qualifiers are stripped; only names starting
// with "test" are kept.
func FailingNames(output string) []string {
	var names []string
	add := func(name string) {
		name = StripParams(strings.TrimSpace(name))
		if i := strings.LastIndex(name, "::"); i >= 0 {
			name = name[i+2:]
		}
		if i := strings.LastIndex(name, "."); i >= 0 {
			name = name[i+1:]
		}
		if !strings.HasPrefix(name, "test") || !identifierRegex.MatchString(name) {
			return
		}
		names = appendUnique(names, name)
	}

	for _, f := range ParseFailures(output) {
		if f.Collection {
			continue
		}
		add(f.Name)
		for _, def := range f.EchoedTestDef {
			add(def)
		}
	}

	inTraceback := false
	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimRight(raw, "\r")

		if m := verboseResultRegex.FindStringSubmatch(line); len(m) > 2 {
			add(m[2])
			continue
		}
		if m := shortSummaryRegex.FindStringSubmatch(line); len(m) > 3 {
			add(m[3])
			continue
		}
		if m := shortSummarySimpleRegex.FindStringSubmatch(line); len(m) > 3 {
			add(m[3])
			continue
		}

		switch {
		case strings.HasPrefix(line, tracebackStart):
			inTraceback = true
			continue
		case inTraceback && line != "" && line[0] != ' ' && line[0] != '\t':
			// the exception line closes a Python traceback
			inTraceback = false
			continue
		}
		if !inTraceback {
			continue
		}
		if m := testDefRegex.FindStringSubmatch(line); len(m) > 1 {
			add(m[1])
		}
		if m := pythonTracebackRegex.FindStringSubmatch(line); len(m) > 3 {
			fn := strings.TrimSpace(m[3])
			if strings.HasPrefix(fn, "test_") {
				add(fn)
			}
		}
	}

	return names
}
