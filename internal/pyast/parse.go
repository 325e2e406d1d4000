// Package pyast provides tree-sitter based structural analysis of Python
// source: syntax validity, top-level imports in canonical form, and exact
// line spans of top-level function definitions.
//
// Every call creates its own parser, so all functions are safe for concurrent
// use and keep no state between calls.
package pyast

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// TestPrefix is the pytest naming convention for test functions.
const TestPrefix = "test_"

// StatementKind classifies a top-level statement.
type StatementKind int

const (
	StatementOther StatementKind = iota
	StatementImport
	StatementFunction
)

// Import is one top-level import statement.
type Import struct {
	Text      string // verbatim source text
	Canonical string // whitespace-normalized form used for deduplication
	Line      int    // 1-based
}

// FunctionSpan is a top-level function definition and its exact source span.
// Spans of decorated functions start at the first decorator.
type FunctionSpan struct {
	Name      string
	StartLine int // 1-based, inclusive
	EndLine   int // 1-based, inclusive
	Text      string
	Async     bool
}

// IsTest reports whether the function follows the test_ naming convention.
func (f FunctionSpan) IsTest() bool {
	return strings.HasPrefix(f.Name, TestPrefix)
}

// Statement is one top-level statement in source order.
type Statement struct {
	Kind     StatementKind
	Import   *Import
	Function *FunctionSpan
}

// Class is a top-level class definition.
type Class struct {
	Name string
	Line int // 1-based, of the class keyword
}

// File is the structural summary of one Python source text.
type File struct {
	Statements []Statement
	Imports    []Import
	Functions  []FunctionSpan
	Classes    []Class
}

// TestFunctions returns the test_-prefixed functions in source order.
func (f *File) TestFunctions() []FunctionSpan {
	var out []FunctionSpan
	for _, fn := range f.Functions {
		if fn.IsTest() {
			out = append(out, fn)
		}
	}
	return out
}

// SyntaxError reports that the source does not parse as Python.
type SyntaxError struct {
	Line   int    // 1-based
	Reason string // empty for tree-sitter error nodes
}

func (e *SyntaxError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("python syntax error near line %d: %s", e.Line, e.Reason)
	}
	return fmt.Sprintf("python syntax error near line %d", e.Line)
}

// Valid reports whether src parses without error nodes.
func Valid(src string) bool {
	_, err := Parse(context.Background(), src)
	return err == nil
}

// Parse parses src and returns its top-level structure. A *SyntaxError is
// returned when the tree contains error or missing nodes, when indentation
// is inconsistent, or for Python 2 and misplaced statements that tree-sitter
// accepts but CPython does not.
func Parse(ctx context.Context, src string) (*File, error) {
	tree, content, err := parseTree(ctx, src)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	root := tree.RootNode()

	lines := strings.Split(src, "\n")
	file := &File{}
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		switch child.Type() {
		case "import_statement", "import_from_statement", "future_import_statement":
			imp := Import{
				Text:      child.Content(content),
				Canonical: canonicalImport(child, content),
				Line:      int(child.StartPoint().Row) + 1,
			}
			file.Imports = append(file.Imports, imp)
			file.Statements = append(file.Statements, Statement{Kind: StatementImport})

		case "function_definition", "decorated_definition":
			fn, ok := functionSpan(child, content, lines)
			if !ok {
				if c, isClass := classOf(child, content); isClass {
					file.Classes = append(file.Classes, c)
				}
				file.Statements = append(file.Statements, Statement{Kind: StatementOther})
				continue
			}
			file.Functions = append(file.Functions, fn)
			file.Statements = append(file.Statements, Statement{Kind: StatementFunction})

		case "class_definition":
			if c, ok := classOf(child, content); ok {
				file.Classes = append(file.Classes, c)
			}
			file.Statements = append(file.Statements, Statement{Kind: StatementOther})

		case "comment":
			// not a statement

		default:
			file.Statements = append(file.Statements, Statement{Kind: StatementOther})
		}
	}

	// Bind after the slices stop growing.
	imp, fn := 0, 0
	for i := range file.Statements {
		switch file.Statements[i].Kind {
		case StatementImport:
			file.Statements[i].Import = &file.Imports[imp]
			imp++
		case StatementFunction:
			file.Statements[i].Function = &file.Functions[fn]
			fn++
		}
	}

	return file, nil
}

func firstErrorLine(n *sitter.Node) int {
	if n.IsError() || n.IsMissing() {
		return int(n.StartPoint().Row) + 1
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		if child.HasError() || child.IsMissing() {
			return firstErrorLine(child)
		}
	}
	return int(n.StartPoint().Row) + 1
}

// functionSpan resolves a function_definition, possibly wrapped in a
// decorated_definition. Decorated classes are not functions.
func functionSpan(node *sitter.Node, content []byte, lines []string) (FunctionSpan, bool) {
	def := node
	if node.Type() == "decorated_definition" {
		def = node.ChildByFieldName("definition")
		if def == nil || def.Type() != "function_definition" {
			return FunctionSpan{}, false
		}
	}
	name := def.ChildByFieldName("name")
	if name == nil {
		return FunctionSpan{}, false
	}

	start := int(node.StartPoint().Row)
	end := int(node.EndPoint().Row)
	if node.EndPoint().Column == 0 && end > start {
		end--
	}
	if end >= len(lines) {
		end = len(lines) - 1
	}

	return FunctionSpan{
		Name:      name.Content(content),
		StartLine: start + 1,
		EndLine:   end + 1,
		Text:      strings.Join(lines[start:end+1], "\n"),
		Async:     strings.HasPrefix(strings.TrimSpace(def.Content(content)), "async"),
	}, true
}

func classOf(node *sitter.Node, content []byte) (Class, bool) {
	def := node
	if node.Type() == "decorated_definition" {
		def = node.ChildByFieldName("definition")
	}
	if def == nil || def.Type() != "class_definition" {
		return Class{}, false
	}
	name := def.ChildByFieldName("name")
	if name == nil {
		return Class{}, false
	}
	return Class{Name: name.Content(content), Line: int(def.StartPoint().Row) + 1}, true
}

// canonicalImport renders an import the way Python's ast.unparse would:
// "import a, b as c", "from ..pkg import x, y as z", "from m import *".
func canonicalImport(node *sitter.Node, content []byte) string {
	switch node.Type() {
	case "import_statement":
		return "import " + strings.Join(importNames(node, content, nil), ", ")

	case "future_import_statement":
		return "from __future__ import " + strings.Join(importNames(node, content, nil), ", ")

	case "import_from_statement":
		module := node.ChildByFieldName("module_name")
		modText := ""
		if module != nil {
			modText = squash(module.Content(content))
		}
		names := importNames(node, content, module)
		return "from " + modText + " import " + strings.Join(names, ", ")
	}
	return squash(node.Content(content))
}

// importNames lists the imported names, skipping the module_name node of a
// from-import.
func importNames(node *sitter.Node, content []byte, skip *sitter.Node) []string {
	var names []string
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		if skip != nil && child.StartByte() == skip.StartByte() && child.EndByte() == skip.EndByte() {
			continue
		}
		switch child.Type() {
		case "dotted_name":
			names = append(names, squash(child.Content(content)))
		case "aliased_import":
			name := child.ChildByFieldName("name")
			alias := child.ChildByFieldName("alias")
			if name == nil || alias == nil {
				names = append(names, squash(child.Content(content)))
				continue
			}
			names = append(names, squash(name.Content(content))+" as "+squash(alias.Content(content)))
		case "wildcard_import":
			names = append(names, "*")
		}
	}
	return names
}

// squash removes all whitespace; dotted and relative names never need it.
func squash(s string) string {
	return strings.Join(strings.Fields(s), "")
}
