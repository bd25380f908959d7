package depgraph

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	gotreesitter "github.com/odvcencio/gotreesitter"
	"github.com/odvcencio/gotreesitter/grammars"
	classify "github.com/odvcencio/gts-suite/pkg/lang/treesitter"
)

// Extractor pulls import statements out of a source file.
type Extractor interface {
	// Name identifies the extractor and its version; it is part of parse
	// cache keys.
	Name() string
	Extract(path string, src []byte) ([]Import, error)
}

// TreeSitterExtractor parses sources with tree-sitter and walks the syntax
// tree for import statements, including imports nested in functions,
// classes and conditional blocks.
type TreeSitterExtractor struct{}

func (TreeSitterExtractor) Name() string { return "treesitter/1" }

func (TreeSitterExtractor) Extract(path string, src []byte) ([]Import, error) {
	if grammars.DetectLanguage(path) == nil {
		return nil, fmt.Errorf("extract imports %s: unsupported file type", path)
	}
	if len(src) == 0 {
		return nil, nil
	}
	bt, err := grammars.ParseFile(path, src)
	if err != nil {
		return nil, fmt.Errorf("extract imports %s: parse: %w", path, err)
	}
	defer bt.Release()

	var out []Import
	stack := []*gotreesitter.Node{bt.RootNode()}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == nil {
			continue
		}
		typ := bt.NodeType(n)
		if isImportNode(typ) {
			switch typ {
			case "import_statement":
				out = append(out, importStatement(bt, n)...)
			case "import_from_statement":
				if imp, ok := importFromStatement(bt, n); ok {
					out = append(out, imp)
				}
			}
			// __future__ imports name no module.
			continue
		}
		if typ == "string" || classify.CommentNodeTypes[typ] {
			continue
		}
		// Push in reverse so imports come out in source order.
		for i := n.ChildCount() - 1; i >= 0; i-- {
			stack = append(stack, n.Child(i))
		}
	}
	return out, nil
}

// isImportNode reports whether typ names an import statement, using the
// shared classification table and a name check for grammars it misses.
func isImportNode(typ string) bool {
	if classify.ImportNodeTypes[typ] {
		return true
	}
	return strings.Contains(typ, "import") && strings.HasSuffix(typ, "_statement")
}

func importStatement(bt *gotreesitter.BoundTree, n *gotreesitter.Node) []Import {
	line := int(n.StartPoint().Row) + 1
	var out []Import
	for i := 0; i < n.NamedChildCount(); i++ {
		child := n.NamedChild(i)
		var mod string
		switch bt.NodeType(child) {
		case "dotted_name":
			mod = compactName(bt.NodeText(child))
		case "aliased_import":
			mod = aliasedTarget(bt, child)
		}
		if mod != "" {
			out = append(out, Import{Module: mod, Line: line})
		}
	}
	return out
}

func importFromStatement(bt *gotreesitter.BoundTree, n *gotreesitter.Node) (Import, bool) {
	imp := Import{From: true, Line: int(n.StartPoint().Row) + 1}
	seenModule := false
	afterImport := false
	for i := 0; i < n.ChildCount(); i++ {
		child := n.Child(i)
		if child == nil {
			continue
		}
		typ := bt.NodeType(child)
		if !child.IsNamed() {
			if typ == "import" {
				afterImport = true
			}
			continue
		}
		if !afterImport {
			if seenModule {
				continue
			}
			seenModule = true
			switch typ {
			case "dotted_name":
				imp.Module = compactName(bt.NodeText(child))
			case "relative_import":
				imp.Level, imp.Module = relativeImport(bt, child)
			}
			continue
		}
		switch typ {
		case "dotted_name":
			imp.Names = append(imp.Names, compactName(bt.NodeText(child)))
		case "aliased_import":
			if name := aliasedTarget(bt, child); name != "" {
				imp.Names = append(imp.Names, name)
			}
		case "wildcard_import":
			imp.Names = append(imp.Names, "*")
		}
	}
	if !seenModule || len(imp.Names) == 0 {
		return Import{}, false
	}
	return imp, true
}

func relativeImport(bt *gotreesitter.BoundTree, n *gotreesitter.Node) (level int, module string) {
	for i := 0; i < n.ChildCount(); i++ {
		child := n.Child(i)
		if child == nil {
			continue
		}
		switch bt.NodeType(child) {
		case "import_prefix":
			level = strings.Count(bt.NodeText(child), ".")
		case "dotted_name":
			module = compactName(bt.NodeText(child))
		}
	}
	if level == 0 {
		// Grammars without an import_prefix node: count the dots directly.
		text := compactName(bt.NodeText(n))
		level = len(text) - len(strings.TrimLeft(text, "."))
		module = strings.TrimLeft(text, ".")
	}
	return level, module
}

func aliasedTarget(bt *gotreesitter.BoundTree, n *gotreesitter.Node) string {
	for i := 0; i < n.NamedChildCount(); i++ {
		child := n.NamedChild(i)
		if bt.NodeType(child) == "dotted_name" {
			return compactName(bt.NodeText(child))
		}
	}
	return ""
}

// compactName strips whitespace and line continuations from a dotted name.
func compactName(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n', '\\', '(', ')':
			return -1
		}
		return r
	}, s)
}

// LineExtractor recognises import statements line by line. It handles
// parenthesised and backslash-continued import lists, several statements
// joined by semicolons, and skips comments and triple-quoted strings.
type LineExtractor struct{}

func (LineExtractor) Name() string { return "lines/1" }

func (LineExtractor) Extract(_ string, src []byte) ([]Import, error) {
	var out []Import
	lines := strings.Split(string(src), "\n")
	inString := ""
	for i := 0; i < len(lines); i++ {
		lineNo := i + 1
		line := lines[i]

		if inString != "" {
			if strings.Count(line, inString)%2 == 1 {
				inString = ""
			}
			continue
		}
		line = stripComment(line)
		for _, q := range []string{`"""`, `'''`} {
			if strings.Count(line, q)%2 == 1 {
				inString = q
				line = line[:strings.Index(line, q)]
				break
			}
		}

		stmt := strings.TrimSpace(line)
		if !strings.HasPrefix(stmt, "import ") && !strings.HasPrefix(stmt, "from ") {
			continue
		}
		// Join continuation lines.
		for (strings.HasSuffix(stmt, "\\") || strings.Count(stmt, "(") > strings.Count(stmt, ")")) && i+1 < len(lines) {
			stmt = strings.TrimSuffix(stmt, "\\") + " " + strings.TrimSpace(stripComment(lines[i+1]))
			i++
		}
		for _, part := range strings.Split(stmt, ";") {
			out = append(out, parseImportLine(strings.TrimSpace(part), lineNo)...)
		}
	}
	return out, nil
}

func stripComment(line string) string {
	quote := rune(0)
	for i, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
		case r == '#':
			return line[:i]
		}
	}
	return line
}

func parseImportLine(stmt string, line int) []Import {
	switch {
	case strings.HasPrefix(stmt, "import "):
		var out []Import
		for _, seg := range strings.Split(strings.TrimPrefix(stmt, "import "), ",") {
			mod, _, _ := strings.Cut(strings.TrimSpace(seg), " as ")
			mod = compactName(mod)
			if mod != "" {
				out = append(out, Import{Module: mod, Line: line})
			}
		}
		return out
	case strings.HasPrefix(stmt, "from "):
		rest := strings.TrimSpace(strings.TrimPrefix(stmt, "from "))
		module, namesRaw, ok := strings.Cut(rest, " import")
		if !ok {
			return nil
		}
		module = compactName(module)
		if module == "__future__" {
			return nil
		}
		imp := Import{From: true, Line: line}
		imp.Level = len(module) - len(strings.TrimLeft(module, "."))
		imp.Module = module[imp.Level:]
		for _, seg := range strings.Split(namesRaw, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(seg), " as ")
			name = compactName(name)
			if name != "" {
				imp.Names = append(imp.Names, name)
			}
		}
		if len(imp.Names) == 0 || (imp.Module == "" && imp.Level == 0) {
			return nil
		}
		return []Import{imp}
	}
	return nil
}

// CombinedExtractor uses Primary and adds any statement Secondary finds
// that Primary missed. If Primary fails, Secondary's result is used alone.
// Tree-sitter parses of deeply indented Python can drop statements without
// reporting an error; the line scanner fills those gaps.
type CombinedExtractor struct {
	Primary   Extractor
	Secondary Extractor
}

// DefaultExtractor parses with tree-sitter backed by the line scanner.
func DefaultExtractor() Extractor {
	return CombinedExtractor{Primary: TreeSitterExtractor{}, Secondary: LineExtractor{}}
}

func (c CombinedExtractor) Name() string {
	return c.Primary.Name() + "+" + c.Secondary.Name()
}

func (c CombinedExtractor) Extract(path string, src []byte) ([]Import, error) {
	primary, err := c.Primary.Extract(path, src)
	if err != nil {
		return c.Secondary.Extract(path, src)
	}
	secondary, err := c.Secondary.Extract(path, src)
	if err != nil {
		return primary, nil
	}
	seen := make(map[string]struct{}, len(primary))
	for _, imp := range primary {
		seen[importKey(imp)] = struct{}{}
	}
	out := primary
	for _, imp := range secondary {
		if _, ok := seen[importKey(imp)]; !ok {
			seen[importKey(imp)] = struct{}{}
			out = append(out, imp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Line < out[j].Line })
	return out, nil
}

func importKey(imp Import) string {
	return strconv.Itoa(imp.Line) + ":" + imp.String()
}
