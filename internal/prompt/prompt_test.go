package prompt

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tinytest/internal/types"
)

var incrModule = types.Module{
	ID:   "module_042",
	Name: "module_042",
	Source: `def incr_list(l: list) -> list:
    """Return list with elements incremented by 1."""
    return [x + 1 for x in l]
`,
}

func TestLoad_Embedded(t *testing.T) {
	r, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, []string{"auto_repair", "few_shot", "structured", "zero_shot"}, r.IDs())
	assert.Equal(t, []string{"few_shot", "structured", "zero_shot"}, r.GenerationIDs())

	rep, err := r.Get(RepairTemplateID)
	require.NoError(t, err)
	assert.Equal(t, KindRepair, rep.Kind)
	assert.Contains(t, rep.Placeholders, PytestLog)
}

func TestGet_UnknownTemplate(t *testing.T) {
	r := MustDefault()
	_, err := r.Get("chain_of_thought")
	assert.ErrorIs(t, err, ErrUnknownTemplate)
}

func TestLoad_OverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	content := `
- id: zero_shot
  kind: generate
  template: "Test {function_name} from {module_name}. Literal {{braces}}."
- id: terse
  template: "{code}"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	r, err := Load(path)
	require.NoError(t, err)
	assert.Contains(t, r.IDs(), "terse")

	tmpl, err := r.Get("zero_shot")
	require.NoError(t, err)
	got := tmpl.Render(map[string]string{FunctionName: "f", ModuleName: "m"})
	assert.Equal(t, "Test f from m. Literal {braces}.", got)
}

func TestLoad_RejectsUnknownPlaceholder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	content := `
- id: few_shot
  kind: generate
  template: "Fix {previous_test}"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrUnknownPlaceholder, "previous_test is only valid in repair templates")
}

func TestParseFormat_Errors(t *testing.T) {
	for _, text := range []string{"open {code", "stray } brace", "{not valid}", "{}"} {
		_, err := parseFormat(text)
		assert.Error(t, err, text)
	}
}

func TestBuilder_Generation(t *testing.T) {
	b, err := NewBuilder(MustDefault(), "zero_shot", true)
	require.NoError(t, err)
	assert.Equal(t, "zero_shot", b.TemplateID())

	p := b.Generation(context.Background(), incrModule)
	assert.Contains(t, p, "`incr_list`")
	assert.Contains(t, p, "from module_042 import incr_list")
	assert.Contains(t, p, "return [x + 1 for x in l]")
	assert.True(t, strings.HasSuffix(p, "\n\nHINT - Function: incr_list, Args: l, Returns: list\n"), p)
}

func TestBuilder_GenerationWithoutHints(t *testing.T) {
	b, err := NewBuilder(MustDefault(), "few_shot", false)
	require.NoError(t, err)

	p := b.Generation(context.Background(), incrModule)
	assert.NotContains(t, p, "HINT")
}

func TestBuilder_RejectsRepairTemplateForGeneration(t *testing.T) {
	_, err := NewBuilder(MustDefault(), RepairTemplateID, true)
	assert.Error(t, err)
}

func TestBuilder_Repair(t *testing.T) {
	b, err := NewBuilder(MustDefault(), "few_shot", true)
	require.NoError(t, err)

	p := b.Repair(context.Background(), incrModule, "def test_incr():\n    assert incr_list([1]) == [3]\n", "E       assert [2] == [3]")
	assert.Contains(t, p, "assert incr_list([1]) == [3]")
	assert.Contains(t, p, "E       assert [2] == [3]")
	assert.Contains(t, p, "module_042")
	assert.NotContains(t, p, "HINT")
}

func TestHint_UnparsableSource(t *testing.T) {
	assert.Equal(t, "", Hint(context.Background(), "def broken(:\n"))
	assert.Equal(t, "", Hint(context.Background(), "X = 1\n"))
}
