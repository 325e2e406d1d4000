// Package prompt holds the static template registry used to build generation
// and repair prompts. Templates are embedded in the binary, may be overridden
// from a YAML file, and are validated against a fixed placeholder schema when
// the registry is loaded.
package prompt

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"tinytest/internal/logging"
)

//go:embed templates.yaml
var embeddedTemplates []byte

var (
	// ErrUnknownTemplate is returned for a template id not in the registry.
	ErrUnknownTemplate = errors.New("unknown template")

	// ErrUnknownPlaceholder is returned when a template uses a placeholder
	// outside its kind's schema.
	ErrUnknownPlaceholder = errors.New("unknown placeholder")
)

// Kind is the role of a template.
type Kind string

const (
	KindGenerate Kind = "generate"
	KindRepair   Kind = "repair"
)

// Placeholder names.
const (
	Code         = "code"
	ModuleName   = "module_name"
	FunctionName = "function_name"
	PreviousTest = "previous_test"
	PytestLog    = "pytest_log"
)

// RepairTemplateID is the template used for every repair iteration.
const RepairTemplateID = "auto_repair"

var schema = map[Kind][]string{
	KindGenerate: {Code, ModuleName, FunctionName},
	KindRepair:   {Code, ModuleName, FunctionName, PreviousTest, PytestLog},
}

// Template is one validated format string.
type Template struct {
	ID           string   `yaml:"id"`
	Kind         Kind     `yaml:"kind"`
	Description  string   `yaml:"description"`
	Text         string   `yaml:"template"`
	Placeholders []string `yaml:"-"`
	segments     []segment
}

// segment is either literal text or a placeholder reference.
type segment struct {
	text        string
	placeholder string
}

// Registry maps template ids to templates.
type Registry struct {
	templates map[string]*Template
}

// Load returns the embedded templates overlaid with the templates in
// overridePath (if non-empty). Every template is validated.
func Load(overridePath string) (*Registry, error) {
	timer := logging.StartTimer(logging.CategoryPrompt, "Load templates")
	defer timer.Stop()

	r := &Registry{templates: make(map[string]*Template)}
	if err := r.add(embeddedTemplates, "embedded templates"); err != nil {
		return nil, err
	}

	if overridePath != "" {
		data, err := os.ReadFile(overridePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read templates file: %w", err)
		}
		if err := r.add(data, overridePath); err != nil {
			return nil, err
		}
	}

	if _, ok := r.templates[RepairTemplateID]; !ok {
		return nil, fmt.Errorf("%w: %s (required for repair)", ErrUnknownTemplate, RepairTemplateID)
	}

	logging.Prompt("Loaded %d templates: %s", len(r.templates), strings.Join(r.IDs(), ", "))
	return r, nil
}

// MustDefault returns the embedded registry, panicking if it is invalid.
func MustDefault() *Registry {
	r, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("embedded templates invalid: %v", err))
	}
	return r
}

func (r *Registry) add(data []byte, source string) error {
	var defs []*Template
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return fmt.Errorf("failed to parse %s: %w", source, err)
	}
	for _, t := range defs {
		if t == nil || t.ID == "" {
			return fmt.Errorf("%s: template without id", source)
		}
		if t.Kind == "" {
			t.Kind = KindGenerate
		}
		if err := t.compile(); err != nil {
			return fmt.Errorf("%s: template %q: %w", source, t.ID, err)
		}
		if _, exists := r.templates[t.ID]; exists {
			logging.PromptDebug("Template %s overridden by %s", t.ID, source)
		}
		r.templates[t.ID] = t
	}
	return nil
}

// Get returns a template by id.
func (r *Registry) Get(id string) (*Template, error) {
	t, ok := r.templates[id]
	if !ok {
		return nil, fmt.Errorf("%w %q (choose one of: %s)", ErrUnknownTemplate, id, strings.Join(r.IDs(), ", "))
	}
	return t, nil
}

// IDs returns all template ids, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.templates))
	for id := range r.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GenerationIDs returns the ids usable for initial generation, sorted.
func (r *Registry) GenerationIDs() []string {
	var ids []string
	for _, id := range r.IDs() {
		if r.templates[id].Kind == KindGenerate {
			ids = append(ids, id)
		}
	}
	return ids
}

// compile splits the template into segments and checks placeholders against
// the schema for its kind.
func (t *Template) compile() error {
	allowed, ok := schema[t.Kind]
	if !ok {
		return fmt.Errorf("unknown kind %q", t.Kind)
	}

	segments, err := parseFormat(t.Text)
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	t.Placeholders = nil
	for _, s := range segments {
		if s.placeholder == "" {
			continue
		}
		if !contains(allowed, s.placeholder) {
			return fmt.Errorf("%w {%s} (allowed for %s: %s)", ErrUnknownPlaceholder, s.placeholder, t.Kind, strings.Join(allowed, ", "))
		}
		if !seen[s.placeholder] {
			seen[s.placeholder] = true
			t.Placeholders = append(t.Placeholders, s.placeholder)
		}
	}
	t.segments = segments
	return nil
}

// Render substitutes values into the template. Missing values render empty.
func (t *Template) Render(values map[string]string) string {
	var b strings.Builder
	for _, s := range t.segments {
		if s.placeholder != "" {
			b.WriteString(values[s.placeholder])
		} else {
			b.WriteString(s.text)
		}
	}
	return b.String()
}

// parseFormat splits a {name} format string. {{ and }} are literal braces;
// any other unmatched brace is an error.
func parseFormat(text string) ([]segment, error) {
	var segments []segment
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			segments = append(segments, segment{text: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(text); i++ {
		c := text[i]
		switch c {
		case '{':
			if i+1 < len(text) && text[i+1] == '{' {
				lit.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(text[i+1:], '}')
			if end < 0 {
				return nil, fmt.Errorf("unclosed '{' at offset %d", i)
			}
			name := text[i+1 : i+1+end]
			if !isIdentifier(name) {
				return nil, fmt.Errorf("invalid placeholder {%s} at offset %d", name, i)
			}
			flush()
			segments = append(segments, segment{placeholder: name})
			i += end + 1
		case '}':
			if i+1 < len(text) && text[i+1] == '}' {
				lit.WriteByte('}')
				i++
				continue
			}
			return nil, fmt.Errorf("single '}' at offset %d", i)
		default:
			lit.WriteByte(c)
		}
	}
	flush()
	return segments, nil
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (i > 0 && r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
