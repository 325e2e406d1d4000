package pyast

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// parseTree parses src and rejects everything CPython would reject that is
// cheap to see: tree-sitter error nodes, inconsistent indentation, Python 2
// statements and return/yield/break/continue outside their scope.
// The caller closes the returned tree.
func parseTree(ctx context.Context, src string) (*sitter.Tree, []byte, error) {
	if err := checkIndentation(src); err != nil {
		return nil, nil, err
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())

	content := []byte(src)
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, nil, fmt.Errorf("tree-sitter parse failed: %w", err)
	}

	root := tree.RootNode()
	if root.HasError() {
		tree.Close()
		return nil, nil, &SyntaxError{Line: firstErrorLine(root)}
	}
	if err := checkStatements(root, scope{}); err != nil {
		tree.Close()
		return nil, nil, err
	}
	return tree, content, nil
}

// scope is what encloses a node: a function body, a loop body.
type scope struct {
	function bool
	loop     bool
}

func syntaxErrorAt(n *sitter.Node, reason string) *SyntaxError {
	return &SyntaxError{Line: int(n.StartPoint().Row) + 1, Reason: reason}
}

func checkStatements(n *sitter.Node, sc scope) *SyntaxError {
	switch n.Type() {
	case "print_statement":
		if !callLikePrint(n) {
			return syntaxErrorAt(n, "Python 2 print statement")
		}
	case "exec_statement":
		return syntaxErrorAt(n, "Python 2 exec statement")
	case "except_clause":
		if legacyExcept(n) {
			return syntaxErrorAt(n, "Python 2 except clause")
		}
	case "return_statement":
		if !sc.function {
			return syntaxErrorAt(n, "'return' outside function")
		}
	case "yield":
		if n.IsNamed() && !sc.function {
			return syntaxErrorAt(n, "'yield' outside function")
		}
	case "break_statement", "continue_statement":
		if !sc.loop {
			return syntaxErrorAt(n, fmt.Sprintf("'%s' outside loop", strings.TrimSuffix(n.Type(), "_statement")))
		}
	case "function_definition", "lambda":
		sc = scope{function: true}
	case "class_definition":
		sc = scope{}
	}

	var body *sitter.Node
	if t := n.Type(); t == "for_statement" || t == "while_statement" {
		body = n.ChildByFieldName("body")
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		inner := sc
		if body != nil && child.Equal(body) {
			inner.loop = true
		}
		if err := checkStatements(child, inner); err != nil {
			return err
		}
	}
	return nil
}

// callLikePrint reports a print_statement that Python 3 reads as a call:
// print (x), print (a, b), print (x for x in y).
func callLikePrint(n *sitter.Node) bool {
	if n.NamedChildCount() != 1 {
		return false
	}
	switch n.NamedChild(0).Type() {
	case "parenthesized_expression", "tuple", "generator_expression":
		return true
	}
	return false
}

// legacyExcept matches "except X, e:". A parenthesized tuple keeps its comma
// inside the tuple node.
func legacyExcept(n *sitter.Node) bool {
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		if !child.IsNamed() && child.Type() == "," {
			return true
		}
		if child.Type() == "expression_list" {
			return true
		}
	}
	return false
}

// indentLevel is one entry of the tokenizer's indent stack. col counts tabs
// to the next multiple of 8, alt counts them as 1; a line whose two widths
// disagree in ordering with the enclosing level mixes tabs and spaces.
type indentLevel struct {
	col, alt int
}

func indentWidth(ws string) indentLevel {
	var l indentLevel
	for _, c := range ws {
		switch c {
		case ' ':
			l.col++
			l.alt++
		case '\t':
			l.col = (l.col/8 + 1) * 8
			l.alt++
		case '\f':
			l.col, l.alt = 0, 0
		}
	}
	return l
}

// checkIndentation replays the indentation rules of Python's tokenizer over
// logical lines: a dedent must land on an enclosing level, an indent must
// follow a line ending in ':', and tabs and spaces must compare the same way
// at every tab size.
func checkIndentation(src string) error {
	stack := []indentLevel{{}}
	var (
		quote      string // delimiter of the open string literal
		depth      int    // open brackets
		continued  bool   // previous line ended with a backslash
		lastSignif byte   // last significant byte of the logical line
	)

	for i, line := range strings.Split(src, "\n") {
		line = strings.TrimSuffix(line, "\r")
		lineNo := i + 1
		j := 0

		if quote == "" && depth == 0 && !continued {
			ws := line[:len(line)-len(strings.TrimLeft(line, " \t\f"))]
			rest := line[len(ws):]
			if rest == "" || rest[0] == '#' {
				continue
			}

			cur := indentWidth(ws)
			top := stack[len(stack)-1]
			switch {
			case cur.col == top.col:
				if cur.alt != top.alt {
					return &SyntaxError{Line: lineNo, Reason: "inconsistent use of tabs and spaces in indentation"}
				}
			case cur.col > top.col:
				if cur.alt <= top.alt {
					return &SyntaxError{Line: lineNo, Reason: "inconsistent use of tabs and spaces in indentation"}
				}
				if lastSignif != ':' {
					return &SyntaxError{Line: lineNo, Reason: "unexpected indent"}
				}
				stack = append(stack, cur)
			default:
				for len(stack) > 1 && cur.col < stack[len(stack)-1].col {
					stack = stack[:len(stack)-1]
				}
				top = stack[len(stack)-1]
				if cur.col != top.col {
					return &SyntaxError{Line: lineNo, Reason: "unindent does not match any outer indentation level"}
				}
				if cur.alt != top.alt {
					return &SyntaxError{Line: lineNo, Reason: "inconsistent use of tabs and spaces in indentation"}
				}
			}
			lastSignif = 0
			j = len(ws)
		}
		continued = false

		escapedNewline := false
	scan:
		for j < len(line) {
			c := line[j]
			if quote != "" {
				switch {
				case c == '\\':
					escapedNewline = j == len(line)-1
					j += 2
				case strings.HasPrefix(line[j:], quote):
					j += len(quote)
					quote = ""
					lastSignif = c
				default:
					j++
				}
				continue
			}

			switch c {
			case '#':
				break scan
			case '"', '\'':
				quote = string(c)
				if triple := strings.Repeat(quote, 3); strings.HasPrefix(line[j:], triple) {
					quote = triple
				}
				j += len(quote)
				lastSignif = c
				continue
			case '(', '[', '{':
				depth++
			case ')', ']', '}':
				if depth > 0 {
					depth--
				}
			case '\\':
				if j == len(line)-1 {
					continued = true
				}
			}
			if c != ' ' && c != '\t' && c != '\f' {
				lastSignif = c
			}
			j++
		}

		// A single-quoted literal ends at the newline unless escaped.
		if len(quote) == 1 && !escapedNewline {
			quote = ""
		}
	}
	return nil
}
