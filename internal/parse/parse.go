// Package parse extracts top-level declarations, module declarations, use
// declarations and item references from Rust sources using tree-sitter.
package parse

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/rust"

	"github.com/aezell/crateguard/internal/model"
)

var itemKinds = map[string]model.ItemKind{
	"function_item":    model.KindFunction,
	"struct_item":      model.KindStruct,
	"union_item":       model.KindStruct,
	"enum_item":        model.KindEnum,
	"trait_item":       model.KindTrait,
	"impl_item":        model.KindImpl,
	"const_item":       model.KindConst,
	"static_item":      model.KindStatic,
	"type_item":        model.KindTypeAlias,
	"macro_definition": model.KindMacro,
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// Error is a syntax error that makes a file unusable for the model.
type Error struct {
	File string
	Line int
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
}

// Mod is a module declaration; Body is set for inline modules.
type Mod struct {
	Decl model.ModDecl
	Body *Scope
}

// Scope is the content of a file or an inline module body.
type Scope struct {
	Items     []model.Item
	Mods      []Mod
	Uses      []model.UseDecl
	Blocks    []model.Block
	HeaderEnd int
}

// File is the extraction result for one source file.
type File struct {
	Path  string
	Lines int
	Scope
}

// Language returns the Rust grammar.
func Language() *sitter.Language {
	return rust.GetLanguage()
}

// Parser wraps a tree-sitter parser configured for Rust. It is not safe for
// concurrent use; create one per goroutine.
type Parser struct {
	p *sitter.Parser
}

// NewParser creates a Rust parser.
func NewParser() *Parser {
	p := sitter.NewParser()
	p.SetLanguage(rust.GetLanguage())
	return &Parser{p: p}
}

// Close releases the underlying parser.
func (p *Parser) Close() {
	p.p.Close()
}

// Tree parses src and returns the syntax tree. Callers must Close it.
func (p *Parser) Tree(ctx context.Context, src []byte) (*sitter.Tree, error) {
	return p.p.ParseCtx(ctx, nil, src)
}

// ParseFile extracts the declarations of src. path is only recorded in spans.
// A file with syntax errors yields an *Error.
func (p *Parser) ParseFile(ctx context.Context, path string, src []byte) (*File, error) {
	tree, err := p.p.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return nil, &Error{File: path, Line: firstErrorLine(root), Msg: "syntax error"}
	}

	x := &extractor{src: src, file: path}
	f := &File{Path: path, Lines: CountLines(src)}
	f.Scope = x.scope(root, f.Lines)
	return f, nil
}

// CountLines returns the number of lines in src; a trailing newline does not
// start a new line.
func CountLines(src []byte) int {
	if len(src) == 0 {
		return 0
	}
	n := strings.Count(string(src), "\n")
	if src[len(src)-1] != '\n' {
		n++
	}
	return n
}

func firstErrorLine(n *sitter.Node) int {
	if n.Type() == "ERROR" || n.IsMissing() {
		return int(n.StartPoint().Row) + 1
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		if c.HasError() || c.IsMissing() || c.Type() == "ERROR" {
			return firstErrorLine(c)
		}
	}
	return int(n.StartPoint().Row) + 1
}

type extractor struct {
	src  []byte
	file string
}

func (x *extractor) text(n *sitter.Node) string {
	return string(x.src[n.StartByte():n.EndByte()])
}

func (x *extractor) scope(parent *sitter.Node, lines int) Scope {
	var s Scope
	firstBlock := 0

	for i := 0; i < int(parent.NamedChildCount()); i++ {
		c := parent.NamedChild(i)
		t := c.Type()

		if kind, ok := itemKinds[t]; ok {
			it := x.item(c, kind)
			s.Items = append(s.Items, it)
			s.Blocks = append(s.Blocks, model.Block{
				Range: it.Span.LineRange, Item: len(s.Items) - 1, Node: t,
				Name: it.Name, Visibility: it.Visibility,
			})
			if firstBlock == 0 {
				firstBlock = it.Span.Start
			}
			continue
		}

		switch t {
		case "mod_item":
			m := x.mod(c)
			s.Mods = append(s.Mods, m)
			if m.Decl.Inline {
				s.Blocks = append(s.Blocks, model.Block{
					Range: m.Decl.Span.LineRange, Item: -1, Node: t,
					Name: m.Decl.Name, Visibility: m.Decl.Visibility,
				})
				if firstBlock == 0 {
					firstBlock = m.Decl.Span.Start
				}
			}
		case "use_declaration":
			s.Uses = append(s.Uses, model.UseDecl{
				Visibility: visibility(c, x.src),
				Span:       model.Span{File: x.file, LineRange: model.LineRange{Start: x.attachedStart(c), End: endRow(c) + 1}},
				Text:       x.text(c),
			})
		case "macro_invocation", "foreign_mod_item":
			r := model.LineRange{Start: x.attachedStart(c), End: endRow(c) + 1}
			s.Blocks = append(s.Blocks, model.Block{Range: r, Item: -1, Node: t})
			if firstBlock == 0 {
				firstBlock = r.Start
			}
		}
	}

	if firstBlock == 0 {
		s.HeaderEnd = lines
	} else {
		s.HeaderEnd = firstBlock - 1
	}
	return s
}

func (x *extractor) item(n *sitter.Node, kind model.ItemKind) model.Item {
	it := model.Item{
		Kind:       kind,
		Visibility: visibility(n, x.src),
		Span: model.Span{
			File:      x.file,
			LineRange: model.LineRange{Start: x.attachedStart(n), End: endRow(n) + 1},
		},
		DeclLine: int(n.StartPoint().Row) + 1,
		DeclCol:  int(n.StartPoint().Column),
	}

	var nameNode *sitter.Node
	if kind == model.KindImpl {
		if ty := n.ChildByFieldName("type"); ty != nil {
			it.Name = x.typeName(ty)
		}
		if tr := n.ChildByFieldName("trait"); tr != nil {
			it.Trait = x.typeName(tr)
		}
	} else if nameNode = n.ChildByFieldName("name"); nameNode != nil {
		it.Name = x.text(nameNode)
	}

	it.Refs = x.refs(n, nameNode)
	if kind == model.KindFunction {
		it.Complexity = complexity(n)
	}
	return it
}

// typeName reduces a type node to its base name: `fmt::Display` and
// `Foo<T>` become `Display` and `Foo`.
func (x *extractor) typeName(n *sitter.Node) string {
	switch n.Type() {
	case "generic_type":
		if inner := n.ChildByFieldName("type"); inner != nil {
			return x.typeName(inner)
		}
	case "scoped_type_identifier":
		if name := n.ChildByFieldName("name"); name != nil {
			return x.text(name)
		}
	}
	return collapseWhitespace(x.text(n))
}

func (x *extractor) mod(n *sitter.Node) Mod {
	decl := model.ModDecl{
		Visibility: visibility(n, x.src),
		Span: model.Span{
			File:      x.file,
			LineRange: model.LineRange{Start: x.attachedStart(n), End: endRow(n) + 1},
		},
	}
	if name := n.ChildByFieldName("name"); name != nil {
		decl.Name = x.text(name)
	}
	m := Mod{Decl: decl}
	if body := n.ChildByFieldName("body"); body != nil {
		m.Decl.Inline = true
		inner := x.scope(body, decl.Span.End)
		m.Body = &inner
	}
	return m
}

// attachedStart returns the 1-based first line of n including directly
// preceding attributes and comments. Inner docs (//!) and comments trailing
// a previous sibling on the same line are not attached.
func (x *extractor) attachedStart(n *sitter.Node) int {
	start := int(n.StartPoint().Row)
	for prev := n.PrevNamedSibling(); prev != nil; prev = prev.PrevNamedSibling() {
		t := prev.Type()
		if t != "attribute_item" && t != "line_comment" && t != "block_comment" {
			break
		}
		if endRow(prev)+1 < start {
			break
		}
		if t != "attribute_item" {
			txt := x.text(prev)
			if strings.HasPrefix(txt, "//!") || strings.HasPrefix(txt, "/*!") {
				break
			}
			if pp := prev.PrevNamedSibling(); pp != nil && endRow(pp) == int(prev.StartPoint().Row) {
				break
			}
		}
		start = int(prev.StartPoint().Row)
	}
	return start + 1
}

// endRow returns the 0-based last row holding text of n.
func endRow(n *sitter.Node) int {
	end := n.EndPoint()
	if end.Column == 0 && end.Row > n.StartPoint().Row {
		return int(end.Row) - 1
	}
	return int(end.Row)
}

func visibility(n *sitter.Node, src []byte) model.Visibility {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if c.Type() == "visibility_modifier" {
			return model.Visibility(whitespaceRe.ReplaceAllString(string(src[c.StartByte():c.EndByte()]), ""))
		}
	}
	return model.Private
}

func (x *extractor) refs(n, exclude *sitter.Node) [][]string {
	seen := make(map[string]bool)
	var out [][]string
	add := func(segs []string) {
		if len(segs) == 0 {
			return
		}
		key := strings.Join(segs, "::")
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, segs)
	}

	var walk func(c *sitter.Node)
	walk = func(c *sitter.Node) {
		switch c.Type() {
		case "scoped_identifier", "scoped_type_identifier":
			add(PathSegments(x.text(c)))
			return
		case "type_identifier":
			if !sameNode(c, exclude) {
				add([]string{x.text(c)})
			}
			return
		case "identifier":
			if p := c.Parent(); p != nil && p.Type() == "call_expression" && sameNode(p.ChildByFieldName("function"), c) {
				add([]string{x.text(c)})
			}
			return
		case "macro_invocation":
			if m := c.ChildByFieldName("macro"); m != nil && m.Type() == "identifier" {
				add([]string{x.text(m)})
			}
		}
		for i := 0; i < int(c.NamedChildCount()); i++ {
			walk(c.NamedChild(i))
		}
	}
	walk(n)

	sort.Slice(out, func(i, j int) bool {
		return strings.Join(out[i], "::") < strings.Join(out[j], "::")
	})
	return out
}

var complexityNodes = map[string]bool{
	"if_expression":    true,
	"match_arm":        true,
	"while_expression": true,
	"loop_expression":  true,
	"for_expression":   true,
}

func complexity(n *sitter.Node) int {
	score := 1
	var walk func(c *sitter.Node)
	walk = func(c *sitter.Node) {
		t := c.Type()
		if complexityNodes[t] {
			score++
		} else if t == "binary_expression" {
			if op := c.ChildByFieldName("operator"); op != nil && (op.Type() == "&&" || op.Type() == "||") {
				score++
			}
		}
		for i := 0; i < int(c.NamedChildCount()); i++ {
			walk(c.NamedChild(i))
		}
	}
	walk(n)
	return score
}

// PathSegments splits a Rust path into segments, dropping generic
// arguments and whitespace. A leading `::` yields no empty segment.
func PathSegments(path string) []string {
	path = whitespaceRe.ReplaceAllString(stripGenerics(path), "")
	var segs []string
	for _, s := range strings.Split(path, "::") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

func stripGenerics(s string) string {
	var b strings.Builder
	depth := 0
	for _, r := range s {
		switch {
		case r == '<':
			depth++
		case r == '>' && depth > 0:
			depth--
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func sameNode(a, b *sitter.Node) bool {
	if a == nil || b == nil {
		return false
	}
	return a.StartByte() == b.StartByte() && a.EndByte() == b.EndByte() && a.Type() == b.Type()
}

func collapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}
