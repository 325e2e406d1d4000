package extract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tinytest/internal/pyast"
	"tinytest/internal/types"
)

const generated = `import pytest
from math_utils import add, sub

VALUE = 3


def test_add():
    assert add(1, 2) == VALUE


def test_sub():
    assert sub(3, 1) == 3   


@pytest.mark.parametrize("a", [1, 2])
def test_param(a):
    assert add(a, 0) == 0
`

const failingTranscript = `.FF
=================================== FAILURES ===================================
___________________________________ test_sub ___________________________________

    def test_sub():
>       assert sub(3, 1) == 3
E       assert 2 == 3

test_math_utils.py:12: AssertionError
________________________________ test_param[1] _________________________________
E       assert 1 == 0
=========================== short test summary info ============================
FAILED test_math_utils.py::test_sub - assert 2 == 3
FAILED test_math_utils.py::test_param[1] - assert 1 == 0
FAILED test_math_utils.py::test_param[2] - assert 2 == 0
3 failed, 1 passed in 0.03s
`

func art(src string) types.TestArtifact {
	return types.TestArtifact{ModuleID: "math_utils", Kind: types.KindInitial, Source: src}
}

func TestFailingSubset_KeepsImportsAndFailingTests(t *testing.T) {
	got := FailingSubset(art(generated), types.Transcript{Output: failingTranscript})

	want := `import pytest

from math_utils import add, sub

def test_sub():
    assert sub(3, 1) == 3   

@pytest.mark.parametrize("a", [1, 2])
def test_param(a):
    assert add(a, 0) == 0
`
	assert.Equal(t, want, got)
	assert.True(t, pyast.Valid(got))
	assert.NotContains(t, got, "test_add")
	assert.NotContains(t, got, "VALUE = 3")
}

func TestExtract_Diagnostics(t *testing.T) {
	res := Extract(context.Background(), art(generated), types.Transcript{Output: failingTranscript})
	assert.False(t, res.FellOpen)
	assert.Equal(t, []string{"test_sub", "test_param"}, res.Kept)
}

func TestFailingSubset_FailOpen(t *testing.T) {
	tests := []struct {
		name       string
		src        string
		transcript string
		reason     string
	}{
		{"no failing names", generated, "1 passed in 0.01s", "no failing test names"},
		{"empty transcript", generated, "", "no failing test names"},
		{"unparsable source", "def test_sub(:\n    pass\n", "FAILED t.py::test_sub - assert 1 == 2", "syntax"},
		{"names not in source", generated, "FAILED t.py::test_missing - assert 1 == 2", "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Extract(context.Background(), art(tt.src), types.Transcript{Output: tt.transcript})
			require.True(t, res.FellOpen)
			assert.Equal(t, tt.src, res.Source)
			assert.Contains(t, res.Reason, tt.reason)
		})
	}
}

// Output is always made of the input's own top-level statements.
func TestFailingSubset_NeverFabricates(t *testing.T) {
	got := FailingSubset(art(generated), types.Transcript{Output: failingTranscript})

	full, err := pyast.Parse(context.Background(), generated)
	require.NoError(t, err)
	sub, err := pyast.Parse(context.Background(), got)
	require.NoError(t, err)

	originals := map[string]bool{}
	for _, imp := range full.Imports {
		originals[imp.Text] = true
	}
	for _, fn := range full.Functions {
		originals[fn.Text] = true
	}
	for _, imp := range sub.Imports {
		assert.True(t, originals[imp.Text], "import %q not in input", imp.Text)
	}
	for _, fn := range sub.Functions {
		assert.True(t, originals[fn.Text], "function %q not in input", fn.Name)
	}
}
