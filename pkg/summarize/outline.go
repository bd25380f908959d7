package summarize

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	gotreesitter "github.com/odvcencio/gotreesitter"
	"github.com/odvcencio/gotreesitter/grammars"
	classify "github.com/odvcencio/gts-suite/pkg/lang/treesitter"

	"github.com/odvcencio/gotidx/pkg/object"
	"github.com/odvcencio/gotidx/pkg/workpool"
)

// Declaration is one top-level definition, or a member of a top-level
// class.
type Declaration struct {
	Kind       string        `json:"kind"`
	Name       string        `json:"name"`
	Signature  string        `json:"signature,omitempty"`
	Docstring  string        `json:"docstring,omitempty"`
	Decorators []string      `json:"decorators,omitempty"`
	Parameters []Parameter   `json:"parameters,omitempty"`
	Returns    string        `json:"returns,omitempty"`
	Bases      []string      `json:"bases,omitempty"`
	Type       string        `json:"type,omitempty"`
	Value      string        `json:"value,omitempty"`
	Line       int           `json:"line"`
	Members    []Declaration `json:"members,omitempty"`
}

// Parameter is one entry of a function's parameter list. Star parameters
// keep their leading * or **.
type Parameter struct {
	Name    string `json:"name"`
	Type    string `json:"type,omitempty"`
	Default string `json:"default,omitempty"`
}

// Declaration kinds.
const (
	KindFunction = "function"
	KindClass    = "class"
	KindVariable = "variable"
)

// maxValueLen bounds the recorded text of an assigned value.
const maxValueLen = 120

// OutlineSummary is the value produced by Outline.
type OutlineSummary struct {
	Module       string                   `json:"module"`
	Path         string                   `json:"path"`
	Source       object.Digest            `json:"source"`
	Lines        int                      `json:"lines"`
	Docstring    string                   `json:"docstring,omitempty"`
	Imports      []string                 `json:"imports,omitempty"`
	External     []string                 `json:"external,omitempty"`
	Declarations []Declaration            `json:"declarations,omitempty"`
	MainGuard    bool                     `json:"main_guard,omitempty"`
	Dependencies map[string]object.Digest `json:"dependencies,omitempty"`
}

// Outline summarizes a module structurally: its docstring, imports and
// declarations. It does no network or disk IO.
type Outline struct{}

func (Outline) Class() workpool.Class { return workpool.CPU }

func (Outline) Summarize(ctx context.Context, src ModuleSource) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := src.Source
	out := &OutlineSummary{
		Module:       src.Name,
		Path:         src.Path,
		Source:       src.SourceDigest,
		Lines:        countLines(text),
		Docstring:    moduleDocstring(text),
		MainGuard:    hasMainGuard(text),
		External:     src.External,
		Dependencies: src.Dependencies,
	}
	for _, imp := range src.Imports {
		out.Imports = append(out.Imports, imp.String())
	}

	decls, err := treeDeclarations(src.Path, []byte(text))
	if err != nil {
		// The line scan alone still produces a usable outline.
		decls = nil
	}
	out.Declarations = mergeDeclarations(decls, lineDeclarations(text))
	return out, nil
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}

// treeDeclarations walks the parse tree's top level, descending into class
// bodies for methods.
func treeDeclarations(path string, src []byte) ([]Declaration, error) {
	if grammars.DetectLanguage(path) == nil {
		return nil, fmt.Errorf("outline %s: unsupported file type", path)
	}
	if len(src) == 0 {
		return nil, nil
	}
	bt, err := grammars.ParseFile(path, src)
	if err != nil {
		return nil, fmt.Errorf("outline %s: parse: %w", path, err)
	}
	defer bt.Release()
	return blockDeclarations(bt, bt.RootNode(), true), nil
}

func blockDeclarations(bt *gotreesitter.BoundTree, block *gotreesitter.Node, topLevel bool) []Declaration {
	var out []Declaration
	for i := 0; i < block.NamedChildCount(); i++ {
		child := block.NamedChild(i)
		if child == nil {
			continue
		}
		if d, ok := declaration(bt, child, topLevel); ok {
			out = append(out, d)
		}
	}
	return out
}

// isDeclarationNode reports whether typ names a definition. The shared
// classification table covers most grammars; the suffix check catches the
// rest.
func isDeclarationNode(typ string) bool {
	return classify.DeclarationNodeTypes[typ] || strings.HasSuffix(typ, "_definition")
}

func declaration(bt *gotreesitter.BoundTree, n *gotreesitter.Node, topLevel bool) (Declaration, bool) {
	line := int(n.StartPoint().Row) + 1
	typ := bt.NodeType(n)
	if typ == "expression_statement" {
		return assignment(bt, n, line)
	}
	if !isDeclarationNode(typ) {
		return Declaration{}, false
	}
	switch typ {
	case "decorated_definition":
		var decorators []string
		for i := 0; i < n.NamedChildCount(); i++ {
			inner := n.NamedChild(i)
			innerType := bt.NodeType(inner)
			if innerType == "decorator" {
				decorators = append(decorators, decoratorText(bt.NodeText(inner)))
				continue
			}
			if isDeclarationNode(innerType) {
				d, ok := declaration(bt, inner, topLevel)
				d.Line = line
				d.Decorators = decorators
				return d, ok
			}
		}
	case "function_definition":
		name := firstIdentifier(bt, n)
		if name == "" {
			return Declaration{}, false
		}
		return functionDecl(name, header(bt.NodeText(n)), bodyDocstring(bt, n), line), true
	case "class_definition":
		name := firstIdentifier(bt, n)
		if name == "" {
			return Declaration{}, false
		}
		d := classDecl(name, header(bt.NodeText(n)), bodyDocstring(bt, n), line)
		if topLevel {
			if body := childOfType(bt, n, "block"); body != nil {
				for _, m := range blockDeclarations(bt, body, false) {
					if m.Kind != KindClass {
						d.Members = append(d.Members, m)
					}
				}
			}
		}
		return d, true
	}
	return Declaration{}, false
}

func functionDecl(name, sig, doc string, line int) Declaration {
	params, returns := splitSignature(sig)
	d := Declaration{
		Kind:      KindFunction,
		Name:      name,
		Signature: sig,
		Docstring: doc,
		Returns:   returns,
		Line:      line,
	}
	for _, p := range params {
		d.Parameters = append(d.Parameters, parameter(p))
	}
	return d
}

func classDecl(name, sig, doc string, line int) Declaration {
	args, _ := splitSignature(sig)
	d := Declaration{Kind: KindClass, Name: name, Signature: sig, Docstring: doc, Line: line}
	for _, a := range args {
		// Keyword arguments such as metaclass= are not bases.
		if len(splitTop(a, '=')) == 1 {
			d.Bases = append(d.Bases, a)
		}
	}
	return d
}

func assignment(bt *gotreesitter.BoundTree, n *gotreesitter.Node, line int) (Declaration, bool) {
	assign := childOfType(bt, n, "assignment")
	if assign == nil || assign.NamedChildCount() == 0 {
		return Declaration{}, false
	}
	left := assign.NamedChild(0)
	if bt.NodeType(left) != "identifier" {
		return Declaration{}, false
	}
	name := bt.NodeText(left)
	typ, value := assignmentParts(strings.TrimPrefix(bt.NodeText(assign), name))
	return Declaration{Kind: KindVariable, Name: name, Type: typ, Value: value, Line: line}, true
}

func decoratorText(text string) string {
	return collapse(strings.TrimPrefix(strings.TrimSpace(text), "@"))
}

func childOfType(bt *gotreesitter.BoundTree, n *gotreesitter.Node, typ string) *gotreesitter.Node {
	for i := 0; i < n.NamedChildCount(); i++ {
		if c := n.NamedChild(i); c != nil && bt.NodeType(c) == typ {
			return c
		}
	}
	return nil
}

func firstIdentifier(bt *gotreesitter.BoundTree, n *gotreesitter.Node) string {
	if id := childOfType(bt, n, "identifier"); id != nil {
		return bt.NodeText(id)
	}
	return ""
}

func bodyDocstring(bt *gotreesitter.BoundTree, n *gotreesitter.Node) string {
	body := childOfType(bt, n, "block")
	if body == nil || body.NamedChildCount() == 0 {
		return ""
	}
	first := body.NamedChild(0)
	if bt.NodeType(first) != "expression_statement" || first.NamedChildCount() == 0 {
		return ""
	}
	str := first.NamedChild(0)
	if bt.NodeType(str) != "string" {
		return ""
	}
	return unquote(bt.NodeText(str))
}

// header returns a definition's header, from its keyword to the colon that
// ends it, with whitespace collapsed and the colon dropped. The header may
// span several lines.
func header(text string) string {
	depth := 0
	quote := byte(0)
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '(' || c == '[' || c == '{':
			depth++
		case c == ')' || c == ']' || c == '}':
			depth--
		case c == ':' && depth <= 0:
			return collapse(text[:i])
		}
	}
	return collapse(firstLine(text))
}

func firstLine(text string) string {
	if i := strings.Index(text, "\n"); i >= 0 {
		return text[:i]
	}
	return text
}

// collapse joins s's fields with single spaces and tightens brackets.
func collapse(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = strings.ReplaceAll(s, "( ", "(")
	s = strings.ReplaceAll(s, " )", ")")
	s = strings.ReplaceAll(s, ",)", ")")
	s = strings.ReplaceAll(s, "[ ", "[")
	s = strings.ReplaceAll(s, " ]", "]")
	return strings.TrimSuffix(s, ":")
}

// splitSignature splits the parenthesized argument list of a header and
// returns the text after "->", if any.
func splitSignature(sig string) (args []string, returns string) {
	open := strings.Index(sig, "(")
	if open < 0 {
		return nil, ""
	}
	depth := 0
	closeAt := -1
	for i := open; i < len(sig) && closeAt < 0; i++ {
		switch sig[i] {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth == 0 {
				closeAt = i
			}
		}
	}
	if closeAt < 0 {
		return nil, ""
	}
	for _, a := range splitTop(sig[open+1:closeAt], ',') {
		if a = strings.TrimSpace(a); a != "" {
			args = append(args, a)
		}
	}
	if rest := strings.TrimSpace(sig[closeAt+1:]); strings.HasPrefix(rest, "->") {
		returns = strings.TrimSpace(strings.TrimPrefix(rest, "->"))
	}
	return args, returns
}

// parameter parses "name[: type][= default]". Bare * and / separators come
// through as names.
func parameter(text string) Parameter {
	var p Parameter
	lhs := text
	if parts := splitTop(text, '='); len(parts) > 1 {
		lhs = parts[0]
		p.Default = strings.TrimSpace(strings.Join(parts[1:], "="))
	}
	name, typ, _ := strings.Cut(lhs, ":")
	p.Name = strings.TrimSpace(name)
	p.Type = strings.TrimSpace(typ)
	return p
}

// assignmentParts splits the text after an assigned name into its
// annotation and value.
func assignmentParts(rest string) (typ, value string) {
	rest = strings.TrimSpace(rest)
	parts := splitTop(rest, '=')
	lhs := parts[0]
	if len(parts) > 1 {
		value = collapse(strings.Join(parts[1:], "="))
		if r := []rune(value); len(r) > maxValueLen {
			value = string(r[:maxValueLen]) + "..."
		}
	}
	if strings.HasPrefix(lhs, ":") {
		typ = collapse(strings.TrimPrefix(lhs, ":"))
	}
	return typ, value
}

// splitTop splits s at sep outside brackets and string literals. A sep
// that is part of a comparison or arrow (==, !=, <=, >=, :=) is not split.
func splitTop(s string, sep byte) []string {
	var out []string
	depth := 0
	quote := byte(0)
	last := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '(' || c == '[' || c == '{':
			depth++
		case c == ')' || c == ']' || c == '}':
			depth--
		case c == sep && depth == 0:
			if sep == '=' && (i+1 < len(s) && s[i+1] == '=' || i > 0 && strings.IndexByte("=!<>:", s[i-1]) >= 0) {
				if i+1 < len(s) && s[i+1] == '=' {
					i++
				}
				continue
			}
			out = append(out, s[last:i])
			last = i + 1
		}
	}
	return append(out, s[last:])
}

var (
	defLine       = regexp.MustCompile(`^(?:async\s+)?def\s+([A-Za-z_]\w*)\s*\(`)
	classLine     = regexp.MustCompile(`^class\s+([A-Za-z_]\w*)\s*[(:]`)
	assignLine    = regexp.MustCompile(`^([A-Za-z_]\w*)\s*(?::[^=]*)?=[^=]`)
	mainGuardLine = regexp.MustCompile(`^if\s+(?:__name__\s*==\s*['"]__main__['"]|['"]__main__['"]\s*==\s*__name__)\s*:`)
)

// headerWindow bounds how many lines a scanned header may span.
const headerWindow = 20

// lineDeclarations finds column-zero definitions with a line scan. It does
// not see members or docstrings.
func lineDeclarations(text string) []Declaration {
	var out []Declaration
	var decorators []string
	inString := ""
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if inString != "" {
			if strings.Count(line, inString)%2 == 1 {
				inString = ""
			}
			continue
		}
		for _, q := range []string{`"""`, `'''`} {
			if strings.Count(line, q)%2 == 1 {
				inString = q
			}
		}
		if line == "" || line[0] == ' ' || line[0] == '\t' || line[0] == '#' {
			continue
		}
		if line[0] == '@' {
			decorators = append(decorators, decoratorText(line))
			continue
		}
		pending := decorators
		decorators = nil
		switch {
		case defLine.MatchString(line):
			m := defLine.FindStringSubmatch(line)
			d := functionDecl(m[1], scannedHeader(lines, i), "", i+1)
			d.Decorators = pending
			out = append(out, d)
		case classLine.MatchString(line):
			m := classLine.FindStringSubmatch(line)
			d := classDecl(m[1], scannedHeader(lines, i), "", i+1)
			d.Decorators = pending
			out = append(out, d)
		case assignLine.MatchString(line):
			m := assignLine.FindStringSubmatch(line)
			typ, value := assignmentParts(strings.TrimPrefix(line, m[1]))
			out = append(out, Declaration{Kind: KindVariable, Name: m[1], Type: typ, Value: value, Line: i + 1})
		}
	}
	return out
}

func scannedHeader(lines []string, i int) string {
	end := min(i+headerWindow, len(lines))
	return header(strings.Join(lines[i:end], "\n"))
}

// hasMainGuard reports whether the module has a column-zero
// if __name__ == "__main__" block.
func hasMainGuard(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		if mainGuardLine.MatchString(line) {
			return true
		}
	}
	return false
}

// mergeDeclarations adds scanned declarations whose kind and name the parse
// tree missed, and orders the result by line.
func mergeDeclarations(tree, scanned []Declaration) []Declaration {
	seen := make(map[string]struct{}, len(tree))
	key := func(d Declaration) string { return d.Kind + ":" + d.Name }
	for _, d := range tree {
		seen[key(d)] = struct{}{}
	}
	out := tree
	for _, d := range scanned {
		if _, ok := seen[key(d)]; !ok {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Line != out[j].Line {
			return out[i].Line < out[j].Line
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// moduleDocstring returns the string literal that opens the module, if any.
func moduleDocstring(text string) string {
	rest := text
	for {
		rest = strings.TrimLeft(rest, " \t\r\n")
		if !strings.HasPrefix(rest, "#") {
			break
		}
		if i := strings.Index(rest, "\n"); i >= 0 {
			rest = rest[i+1:]
		} else {
			return ""
		}
	}
	body := strings.TrimLeft(rest, "rRuU")
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if !strings.HasPrefix(body, q) {
			continue
		}
		end := strings.Index(body[len(q):], q)
		if end < 0 {
			return ""
		}
		lit := body[:len(q)+end+len(q)]
		if len(q) == 1 && strings.Contains(lit, "\n") {
			return ""
		}
		return unquote(lit)
	}
	return ""
}

func unquote(lit string) string {
	lit = strings.TrimLeft(lit, "rRuUbBfF")
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if strings.HasPrefix(lit, q) && strings.HasSuffix(lit, q) && len(lit) >= 2*len(q) {
			return strings.TrimSpace(lit[len(q) : len(lit)-len(q)])
		}
	}
	return strings.TrimSpace(lit)
}
