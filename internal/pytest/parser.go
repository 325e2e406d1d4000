// Package pytest turns pytest transcripts into structured data: failure
// blocks, failing test names and result counts. Parsing is best-effort text
// matching; garbled or truncated input yields partial results, never errors.
package pytest

import (
	"regexp"
	"strconv"
	"strings"

	"tinytest/internal/logging"
)

// =============================================================================
// PYTEST OUTPUT PARSER
// =============================================================================
// State machine over pytest -q / -v output. Extracts:
// - failing test names and file paths
// - error types and messages
// - traceback frames and the assert line pytest points at
// - test function definitions echoed inside failure blocks

// parserState represents the current parsing context.
type parserState int

const (
	stateIdle         parserState = iota
	stateFailures                 // FAILURES / ERRORS section
	stateTestBlock                // individual ____ name ____ block
	stateShortSummary             // short test summary info
	stateResults                  // final counts line
)

var (
	// Section headers: ===== SECTION NAME =====
	sectionHeaderRegex = regexp.MustCompile(`^={3,}\s*(.+?)\s*={3,}$`)

	// Failure block header: __________ TestClass.test_method __________
	testBlockHeaderRegex = regexp.MustCompile(`^_{3,}\s*(.+?)\s*_{3,}$`)

	// Python traceback: File "path/to/file.py", line 123, in function
	pythonTracebackRegex = regexp.MustCompile(`^\s+File "(.+)", line (\d+), in (.+)`)

	// Location line: path/to/file.py:123: ErrorType
	tracebackLocationRegex = regexp.MustCompile(`^([^\s].+\.py):(\d+):\s*(\w+(?:Error|Exception|Warning)?)`)

	// Assert context: >       assert result == expected
	assertionContextRegex = regexp.MustCompile(`^>\s+(.+)$`)

	// E-line error: E       AssertionError: message
	errorLineRegex = regexp.MustCompile(`^E\s+(\w+(?:Error|Exception)):?\s*(.*)$`)

	// E-line comparison: E       assert 5 == 10
	assertComparisonRegex = regexp.MustCompile(`^E\s+assert\s+(.+?)\s*(==|!=|<=|>=|<|>|not in|in|is not|is)\s+(.+)$`)

	// Short summary: FAILED tests/test_file.py::TestClass::test_method - ErrorType: msg
	shortSummaryRegex = regexp.MustCompile(`^(FAILED|ERROR)\s+(.+?)::(\S+?)\s+-\s+(.*)$`)

	// Simple short summary: FAILED tests/test_file.py::test_func
	shortSummarySimpleRegex = regexp.MustCompile(`^(FAILED|ERROR)\s+(.+?)::(\S+)\s*$`)

	// Verbose result: tests/test_file.py::test_func FAILED [ 50%]
	verboseResultRegex = regexp.MustCompile(`^(\S+?)::(\S+)\s+(FAILED|ERROR)\b`)

	// Definition echoed in a traceback: def test_func(...):
	testDefRegex = regexp.MustCompile(`^\s*(?:>\s*)?(?:async\s+)?def\s+(test_\w+)\s*\(`)

	// Leading error type of a summary message: AssertionError: msg / assert 1 == 2
	summaryErrorTypeRegex = regexp.MustCompile(`^(\w+(?:Error|Exception)):?\s*(.*)$`)
)

// Failure is one failed or errored test with its diagnostic context.
type Failure struct {
	File     string // test_module.py
	Class    string // TestClass, if any
	Name     string // test_method, parametrize suffix stripped
	FullName string // as pytest printed it

	ErrorType    string // AssertionError, TypeError, ...
	ErrorMessage string

	Traceback     []Frame
	AssertLine    string // the ">" line pytest points at
	Expected      string // right side of a failed comparison
	Actual        string // left side of a failed comparison
	IsAssertion   bool
	Collection    bool // "ERROR collecting <file>" block, no test name
	ShortSummary  string
	EchoedTestDef []string // test_ definitions shown inside the block
	Raw           string
}

// Frame is a single traceback frame.
type Frame struct {
	File       string
	Line       int
	Function   string
	IsTestFile bool
}

// Parser parses pytest output into failures.
type Parser struct {
	state    parserState
	current  *Failure
	rawLines []string
	failures []Failure
}

// NewParser creates a new parser instance.
func NewParser() *Parser {
	return &Parser{state: stateIdle}
}

// ParseFailures is a convenience wrapper around NewParser().Parse.
func ParseFailures(output string) []Failure {
	return NewParser().Parse(output)
}

// Parse parses pytest output and returns all failures.
func (p *Parser) Parse(output string) []Failure {
	timer := logging.StartTimer(logging.CategoryClassifier, "ParsePytestOutput")
	defer timer.Stop()

	for _, line := range strings.Split(output, "\n") {
		p.processLine(strings.TrimRight(line, "\r"))
	}
	p.finalizeCurrent()

	logging.ClassifierDebug("Parsed %d pytest failures", len(p.failures))
	return p.failures
}

func (p *Parser) processLine(line string) {
	if m := sectionHeaderRegex.FindStringSubmatch(line); len(m) > 1 {
		p.handleSectionChange(m[1])
		return
	}

	if m := testBlockHeaderRegex.FindStringSubmatch(line); len(m) > 1 && p.state != stateIdle {
		p.finalizeCurrent()
		p.startBlock(m[1])
		p.state = stateTestBlock
		return
	}

	switch p.state {
	case stateTestBlock:
		p.handleBlockLine(line)
	case stateShortSummary:
		p.handleShortSummary(line)
	}

	if p.current != nil {
		p.rawLines = append(p.rawLines, line)
	}
}

func (p *Parser) handleSectionChange(section string) {
	lower := strings.ToLower(section)

	switch {
	case strings.Contains(lower, "failures"), strings.Contains(lower, "errors"):
		p.finalizeCurrent()
		p.state = stateFailures
	case strings.Contains(lower, "short test summary"):
		p.finalizeCurrent()
		p.state = stateShortSummary
	case strings.Contains(lower, "passed"), strings.Contains(lower, "failed"),
		strings.Contains(lower, "error"), strings.Contains(lower, "no tests ran"):
		p.finalizeCurrent()
		p.state = stateResults
	default:
		p.finalizeCurrent()
		p.state = stateIdle
	}
}

// startBlock handles "TestClass.test_method", "test_fn[param]" and
// "ERROR at setup of test_fn".
func (p *Parser) startBlock(header string) {
	header = strings.TrimSpace(header)
	for _, prefix := range []string{"ERROR at setup of ", "ERROR at teardown of ", "ERROR at call of "} {
		header = strings.TrimPrefix(header, prefix)
	}

	if file, ok := strings.CutPrefix(header, "ERROR collecting "); ok {
		p.current = &Failure{FullName: header, File: file, Collection: true}
		p.rawLines = nil
		return
	}

	f := &Failure{FullName: header}
	parts := strings.Split(header, ".")
	if len(parts) >= 2 {
		f.Class = parts[0]
	}
	f.Name = StripParams(parts[len(parts)-1])

	p.current = f
	p.rawLines = nil
}

func (p *Parser) handleBlockLine(line string) {
	if p.current == nil {
		return
	}

	if m := testDefRegex.FindStringSubmatch(line); len(m) > 1 {
		p.current.EchoedTestDef = appendUnique(p.current.EchoedTestDef, m[1])
	}

	if m := pythonTracebackRegex.FindStringSubmatch(line); len(m) > 3 {
		n, _ := strconv.Atoi(m[2])
		p.current.Traceback = append(p.current.Traceback, Frame{
			File:       m[1],
			Line:       n,
			Function:   strings.TrimSpace(m[3]),
			IsTestFile: isTestFile(m[1]),
		})
		return
	}

	if m := assertionContextRegex.FindStringSubmatch(line); len(m) > 1 {
		p.current.AssertLine = strings.TrimSpace(m[1])
		return
	}

	if strings.HasPrefix(line, "E ") {
		p.handleErrorLine(line)
		return
	}

	if m := tracebackLocationRegex.FindStringSubmatch(line); len(m) > 3 {
		n, _ := strconv.Atoi(m[2])
		if p.current.File == "" && isTestFile(m[1]) {
			p.current.File = m[1]
		}
		if p.current.ErrorType == "" {
			p.current.ErrorType = m[3]
		}
		p.current.Traceback = append(p.current.Traceback, Frame{File: m[1], Line: n, IsTestFile: isTestFile(m[1])})
	}
}

func (p *Parser) handleErrorLine(line string) {
	if m := errorLineRegex.FindStringSubmatch(line); len(m) > 2 {
		if p.current.ErrorType == "" {
			p.current.ErrorType = m[1]
		}
		if p.current.ErrorMessage == "" {
			p.current.ErrorMessage = strings.TrimSpace(m[2])
		}
		if m[1] == "AssertionError" {
			p.current.IsAssertion = true
		}
	}

	if m := assertComparisonRegex.FindStringSubmatch(line); len(m) > 3 {
		p.current.IsAssertion = true
		if p.current.Actual == "" {
			p.current.Actual = strings.TrimSpace(m[1])
			p.current.Expected = strings.TrimSpace(m[3])
		}
	} else if strings.HasPrefix(strings.TrimSpace(strings.TrimPrefix(line, "E")), "assert ") {
		p.current.IsAssertion = true
	}
}

func (p *Parser) handleShortSummary(line string) {
	var file, name, message string
	if m := shortSummaryRegex.FindStringSubmatch(line); len(m) > 4 {
		file, name, message = m[2], m[3], m[4]
	} else if m := shortSummarySimpleRegex.FindStringSubmatch(line); len(m) > 3 {
		file, name = m[2], m[3]
	} else {
		return
	}

	errType, errMsg := "", message
	if m := summaryErrorTypeRegex.FindStringSubmatch(message); len(m) > 2 {
		errType, errMsg = m[1], m[2]
	}
	isAssert := errType == "AssertionError" || strings.HasPrefix(message, "assert ")

	parts := strings.Split(name, "::")
	short := StripParams(parts[len(parts)-1])
	class := ""
	if len(parts) >= 2 {
		class = parts[0]
	}

	for i := range p.failures {
		f := &p.failures[i]
		if f.Name == short && (f.Class == "" || class == "" || f.Class == class) && f.ShortSummary == "" {
			f.ShortSummary = line
			f.File = file
			if f.ErrorType == "" {
				f.ErrorType = errType
			}
			if f.ErrorMessage == "" {
				f.ErrorMessage = errMsg
			}
			f.IsAssertion = f.IsAssertion || isAssert
			return
		}
	}

	p.failures = append(p.failures, Failure{
		File:         file,
		Class:        class,
		Name:         short,
		FullName:     strings.Join(parts, "."),
		ErrorType:    errType,
		ErrorMessage: errMsg,
		IsAssertion:  isAssert,
		ShortSummary: line,
	})
}

func (p *Parser) finalizeCurrent() {
	if p.current == nil {
		return
	}
	p.current.Raw = strings.Join(p.rawLines, "\n")
	p.failures = append(p.failures, *p.current)
	p.current = nil
	p.rawLines = nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// StripParams removes a parametrize suffix: test_x[1-2] -> test_x.
func StripParams(name string) string {
	if i := strings.Index(name, "["); i > 0 {
		return name[:i]
	}
	return name
}

// isTestFile determines if a file path is a test file.
func isTestFile(path string) bool {
	path = strings.ReplaceAll(path, "\\", "/")
	filename := path[strings.LastIndex(path, "/")+1:]
	if strings.HasPrefix(filename, "test_") ||
		strings.HasSuffix(filename, "_test.py") ||
		filename == "conftest.py" {
		return true
	}
	return strings.Contains(path, "/tests/") || strings.Contains(path, "/test/")
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}
