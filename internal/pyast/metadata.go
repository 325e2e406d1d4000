package pyast

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// DefaultTargetFunction is used when a module defines no function.
const DefaultTargetFunction = "target_function"

// Arg is one positional parameter.
type Arg struct {
	Name string  `json:"name"`
	Type *string `json:"type"`
}

// FunctionInfo describes one function definition anywhere in a module.
type FunctionInfo struct {
	Name      string  `json:"name"`
	Args      []Arg   `json:"args"`
	Returns   *string `json:"returns"`
	Docstring string  `json:"docstring"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
}

// ModuleInfo is the structural metadata of a module under test.
type ModuleInfo struct {
	ModuleName   string         `json:"module_name"`
	Path         string         `json:"path"`
	NumFunctions int            `json:"num_functions"`
	NumClasses   int            `json:"num_classes"`
	Imports      []string       `json:"imports"`
	Functions    []FunctionInfo `json:"functions"`
}

// Target returns the function tests should be generated for: the first
// function in the module, or nil when there is none.
func (m *ModuleInfo) Target() *FunctionInfo {
	if len(m.Functions) == 0 {
		return nil
	}
	return &m.Functions[0]
}

// Hint renders the structural hint appended to generation prompts.
func (f *FunctionInfo) Hint() string {
	names := make([]string, 0, len(f.Args))
	for _, a := range f.Args {
		names = append(names, a.Name)
	}
	returns := "None"
	if f.Returns != nil {
		returns = *f.Returns
	}
	return fmt.Sprintf("HINT - Function: %s, Args: %s, Returns: %s", f.Name, strings.Join(names, ", "), returns)
}

// Analyze walks the whole tree (nested functions and methods included) and
// collects function signatures, docstrings, imports and class counts.
func Analyze(ctx context.Context, src string) (*ModuleInfo, error) {
	tree, content, err := parseTree(ctx, src)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	root := tree.RootNode()

	info := &ModuleInfo{Imports: []string{}, Functions: []FunctionInfo{}}
	walk(root, func(n *sitter.Node) {
		switch n.Type() {
		case "import_statement":
			for _, name := range importNames(n, content, nil) {
				info.Imports = append(info.Imports, strings.SplitN(name, " as ", 2)[0])
			}
		case "import_from_statement", "future_import_statement":
			mod := "__future__"
			var skip *sitter.Node
			if m := n.ChildByFieldName("module_name"); m != nil {
				mod = squash(m.Content(content))
				skip = m
			}
			for _, name := range importNames(n, content, skip) {
				info.Imports = append(info.Imports, mod+"."+strings.SplitN(name, " as ", 2)[0])
			}
		case "class_definition":
			info.NumClasses++
		case "function_definition":
			info.NumFunctions++
			info.Functions = append(info.Functions, functionInfo(n, content))
		}
	})
	return info, nil
}

// TargetFunction returns the name of the first def line in src, falling back
// to DefaultTargetFunction. It works on unparsable source too.
func TargetFunction(src string) string {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "def ") {
			continue
		}
		name := strings.TrimPrefix(trimmed, "def ")
		if i := strings.Index(name, "("); i >= 0 {
			name = name[:i]
		}
		if name = strings.TrimSpace(name); name != "" {
			return name
		}
	}
	return DefaultTargetFunction
}

func walk(n *sitter.Node, visit func(*sitter.Node)) {
	visit(n)
	for i := 0; i < int(n.NamedChildCount()); i++ {
		walk(n.NamedChild(i), visit)
	}
}

func functionInfo(n *sitter.Node, content []byte) FunctionInfo {
	fi := FunctionInfo{
		Args:      []Arg{},
		StartLine: int(n.StartPoint().Row) + 1,
		EndLine:   int(n.EndPoint().Row) + 1,
	}
	if name := n.ChildByFieldName("name"); name != nil {
		fi.Name = name.Content(content)
	}
	if ret := n.ChildByFieldName("return_type"); ret != nil {
		s := ret.Content(content)
		fi.Returns = &s
	}
	if params := n.ChildByFieldName("parameters"); params != nil {
		fi.Args = positionalArgs(params, content)
	}
	if body := n.ChildByFieldName("body"); body != nil {
		fi.Docstring = docstring(body, content)
	}
	return fi
}

// positionalArgs stops at the first *args, bare * or **kwargs.
func positionalArgs(params *sitter.Node, content []byte) []Arg {
	args := []Arg{}
	for i := 0; i < int(params.NamedChildCount()); i++ {
		p := params.NamedChild(i)
		switch p.Type() {
		case "identifier":
			args = append(args, Arg{Name: p.Content(content)})
		case "typed_parameter":
			first := p.NamedChild(0)
			if first == nil || first.Type() != "identifier" {
				return args
			}
			args = append(args, Arg{Name: first.Content(content), Type: fieldText(p, "type", content)})
		case "default_parameter", "typed_default_parameter":
			name := p.ChildByFieldName("name")
			if name == nil {
				continue
			}
			args = append(args, Arg{Name: name.Content(content), Type: fieldText(p, "type", content)})
		case "list_splat_pattern", "dictionary_splat_pattern", "keyword_separator":
			return args
		}
	}
	return args
}

func fieldText(n *sitter.Node, field string, content []byte) *string {
	f := n.ChildByFieldName(field)
	if f == nil {
		return nil
	}
	s := f.Content(content)
	return &s
}

func docstring(body *sitter.Node, content []byte) string {
	if body.NamedChildCount() == 0 {
		return ""
	}
	first := body.NamedChild(0)
	if first.Type() != "expression_statement" || first.NamedChildCount() != 1 {
		return ""
	}
	str := first.NamedChild(0)
	if str.Type() != "string" {
		return ""
	}
	return cleanDoc(unquote(str.Content(content)))
}

func unquote(s string) string {
	s = strings.TrimLeft(s, "rRuUbBfF")
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if strings.HasPrefix(s, q) && strings.HasSuffix(s, q) && len(s) >= 2*len(q) {
			return s[len(q) : len(s)-len(q)]
		}
	}
	return s
}

// cleanDoc dedents a docstring body and trims surrounding blank lines.
func cleanDoc(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\t", "        "), "\n")
	indent := -1
	for _, l := range lines[1:] {
		if strings.TrimSpace(l) == "" {
			continue
		}
		n := len(l) - len(strings.TrimLeft(l, " "))
		if indent < 0 || n < indent {
			indent = n
		}
	}
	lines[0] = strings.TrimSpace(lines[0])
	if indent > 0 {
		for i := 1; i < len(lines); i++ {
			if len(lines[i]) >= indent {
				lines[i] = lines[i][indent:]
			} else {
				lines[i] = strings.TrimLeft(lines[i], " ")
			}
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
