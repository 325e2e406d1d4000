package prompt

import (
	"context"
	"fmt"

	"tinytest/internal/logging"
	"tinytest/internal/pyast"
	"tinytest/internal/types"
)

// Builder renders generation and repair prompts for modules.
type Builder struct {
	generate *Template
	repair   *Template
	hints    bool
}

// NewBuilder binds a generation template and the repair template. When
// hints is true, generation prompts get a structural hint about the target
// function appended.
func NewBuilder(r *Registry, templateID string, hints bool) (*Builder, error) {
	gen, err := r.Get(templateID)
	if err != nil {
		return nil, err
	}
	if gen.Kind != KindGenerate {
		return nil, fmt.Errorf("template %q is a %s template, not a generation template", templateID, gen.Kind)
	}
	rep, err := r.Get(RepairTemplateID)
	if err != nil {
		return nil, err
	}
	return &Builder{generate: gen, repair: rep, hints: hints}, nil
}

// TemplateID is the generation template's id, recorded as the run's prompt id.
func (b *Builder) TemplateID() string { return b.generate.ID }

// Generation renders the initial-generation prompt for a module.
func (b *Builder) Generation(ctx context.Context, module types.Module) string {
	p := b.generate.Render(moduleValues(module))
	if b.hints {
		if hint := Hint(ctx, module.Source); hint != "" {
			p += "\n\n" + hint + "\n"
		}
	}
	logging.PromptDebug("Generation prompt for %s: %d bytes (template=%s)", module.ID, len(p), b.generate.ID)
	return p
}

// Repair renders the repair prompt from the failing subset of the previous
// artifact and its pytest transcript.
func (b *Builder) Repair(ctx context.Context, module types.Module, previousTest, pytestLog string) string {
	values := moduleValues(module)
	values[PreviousTest] = previousTest
	values[PytestLog] = pytestLog
	p := b.repair.Render(values)
	logging.PromptDebug("Repair prompt for %s: %d bytes", module.ID, len(p))
	return p
}

// Hint returns the structural hint for the module's first function, or ""
// when the source has no function or does not parse.
func Hint(ctx context.Context, source string) string {
	info, err := pyast.Analyze(ctx, source)
	if err != nil {
		return ""
	}
	target := info.Target()
	if target == nil {
		return ""
	}
	return target.Hint()
}

func moduleValues(module types.Module) map[string]string {
	return map[string]string{
		Code:         module.Source,
		ModuleName:   module.Name,
		FunctionName: pyast.TargetFunction(module.Source),
	}
}
