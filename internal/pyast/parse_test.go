package pyast

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTests = `import pytest
from math_utils import add, sub as minus
import os.path

HELPER = 3

def helper():
    return HELPER

def test_add():
    assert add(1, 2) == 3

@pytest.mark.parametrize("a,b", [(1, 2)])
def test_sub(a, b):
    # negative
    assert minus(a, b) == -1


async def test_async_thing():
    assert True

class TestGrouped:
    def test_method(self):
        assert True
`

func TestParse_TopLevelStructure(t *testing.T) {
	f, err := Parse(context.Background(), sampleTests)
	require.NoError(t, err)

	require.Len(t, f.Imports, 3)
	assert.Equal(t, "import pytest", f.Imports[0].Canonical)
	assert.Equal(t, "from math_utils import add, sub as minus", f.Imports[1].Canonical)
	assert.Equal(t, "import os.path", f.Imports[2].Canonical)
	assert.Equal(t, 2, f.Imports[1].Line)

	names := []string{}
	for _, fn := range f.Functions {
		names = append(names, fn.Name)
	}
	assert.Equal(t, []string{"helper", "test_add", "test_sub", "test_async_thing"}, names)

	tests := f.TestFunctions()
	require.Len(t, tests, 3)
	assert.Equal(t, "def test_add():\n    assert add(1, 2) == 3", tests[0].Text)
	assert.Equal(t, 10, tests[0].StartLine)
	assert.Equal(t, 11, tests[0].EndLine)

	// decorators belong to the span
	assert.Equal(t, 13, tests[1].StartLine)
	assert.Contains(t, tests[1].Text, "@pytest.mark.parametrize")
	assert.Contains(t, tests[1].Text, "# negative")

	assert.True(t, tests[2].Async)

	assert.Equal(t, []Class{{Name: "TestGrouped", Line: 22}}, f.Classes)
}

func TestParse_StatementOrder(t *testing.T) {
	f, err := Parse(context.Background(), sampleTests)
	require.NoError(t, err)

	var kinds []StatementKind
	for _, s := range f.Statements {
		kinds = append(kinds, s.Kind)
		switch s.Kind {
		case StatementImport:
			require.NotNil(t, s.Import)
		case StatementFunction:
			require.NotNil(t, s.Function)
		}
	}
	assert.Equal(t, []StatementKind{
		StatementImport, StatementImport, StatementImport,
		StatementOther,
		StatementFunction, StatementFunction, StatementFunction, StatementFunction,
		StatementOther,
	}, kinds)
	assert.Equal(t, "test_add", f.Statements[5].Function.Name)
}

func TestCanonicalImport(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{"import  os", "import os"},
		{"import os, sys as system", "import os, sys as system"},
		{"from . import sibling", "from . import sibling"},
		{"from ..pkg.sub import (a,\n    b as bee)", "from ..pkg.sub import a, b as bee"},
		{"from m import *", "from m import *"},
		{"from __future__ import annotations", "from __future__ import annotations"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			f, err := Parse(context.Background(), tt.src+"\n")
			require.NoError(t, err)
			require.Len(t, f.Imports, 1)
			assert.Equal(t, tt.want, f.Imports[0].Canonical)
			assert.Equal(t, tt.src, f.Imports[0].Text)
		})
	}
}

func TestParse_SyntaxError(t *testing.T) {
	_, err := Parse(context.Background(), "def test_x(:\n    assert True\n")
	require.Error(t, err)

	var syn *SyntaxError
	require.True(t, errors.As(err, &syn))
	assert.Equal(t, 1, syn.Line)

	assert.False(t, Valid("def broken(\n"))
	assert.True(t, Valid("x = 1\n"))
	assert.True(t, Valid(""))
}

// Sources tree-sitter builds a clean tree for but CPython refuses to compile.
func TestParse_RejectsWhatCPythonRejects(t *testing.T) {
	tests := []struct {
		name   string
		src    string
		line   int
		reason string // checked when set
	}{
		{"bad dedent", "def test_a():\n        x = 1\n    assert x\n", 3, "unindent does not match any outer indentation level"},
		{"mixed tabs and spaces", "def test_a():\n    x = 1\n\tassert x\n", 3, "inconsistent use of tabs and spaces in indentation"},
		{"unexpected indent", "x = 1\n    y = 2\n", 2, "unexpected indent"},
		{"print statement", "print \"x\"\n", 1, ""},
		{"exec statement", "exec \"x=1\"\n", 1, ""},
		{"python 2 except", "try:\n    pass\nexcept Exception, e:\n    pass\n", 3, ""},
		{"top-level return", "return 1\n", 1, "'return' outside function"},
		{"return in class body", "class TestK:\n    return 1\n", 2, "'return' outside function"},
		{"break outside loop", "def test_a():\n    break\n", 2, "'break' outside loop"},
		{"continue in nested def", "for i in range(2):\n    def f():\n        continue\n", 3, "'continue' outside loop"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(context.Background(), tt.src)
			var syn *SyntaxError
			require.True(t, errors.As(err, &syn), "got %v", err)
			assert.Equal(t, tt.line, syn.Line)
			if tt.reason != "" {
				assert.Equal(t, tt.reason, syn.Reason)
			}
			assert.False(t, Valid(tt.src))

			_, err = Analyze(context.Background(), tt.src)
			assert.Error(t, err)
		})
	}
}

func TestParse_AcceptsValidPython3(t *testing.T) {
	sources := map[string]string{
		"print call": "def test_print():\n    print(\"x\")\n    print (1, 2)\n",
		"except tuple": "def test_exc():\n    try:\n        pass\n    except (ValueError, TypeError) as e:\n        raise e\n",
		"loops": "def test_loop():\n    for i in range(3):\n        if i:\n            break\n        continue\n    while True:\n        break\n",
		"generator": "def gen():\n    yield 1\n\n\ndef test_gen():\n    assert list(gen()) == [1]\n",
		"tabs only": "def test_tabs():\n\tx = 1\n\tif x:\n\t\tassert x\n",
		"one-line def": "def test_one(): assert True\ndef test_two():\n    assert True\n",
		"method return": "class TestK:\n    def value(self):\n        return 1\n",
		"continuations": `def test_cont():
    x = (1 +
  2)
    y = 1 + \
3
    s = """
not indented
        deeper
"""
    assert x == y
`,
	}
	for name, src := range sources {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(context.Background(), src)
			assert.NoError(t, err)
		})
	}
}

func TestCheckIndentation(t *testing.T) {
	ok := []string{
		"def f():\n  # shallow comment\n        # deep comment\n    return 1\n",
		"x = [\n1,\n        2]\ny = '#' + \"(\"\n",
		"s = 'it\\'s'\nif s:\n    pass\n",
		"def f():\r\n    return 1\r\n",
		"",
	}
	for _, src := range ok {
		assert.NoError(t, checkIndentation(src), "%q", src)
	}

	err := checkIndentation("    x = 1\n")
	var syn *SyntaxError
	require.True(t, errors.As(err, &syn))
	assert.Equal(t, "unexpected indent", syn.Reason)
}
