// Package fixup rewrites references to moved items. It works on the syntax
// tree, so only use declarations and qualified paths change; comments,
// strings and macro bodies are left alone.
package fixup

import (
	"context"
	"fmt"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/aezell/crateguard/internal/parse"
	"github.com/aezell/crateguard/internal/plan"
)

// Context locates a file for path resolution. Paths in the text are
// resolved against OriginCrate and the module path; rewritten paths are
// rendered for HomeCrate.
type Context struct {
	OriginCrate string
	HomeCrate   string
	Module      []string
}

// Fixer rewrites references using a moved-item table.
type Fixer struct {
	table  plan.MovedItemTable
	crates map[string]bool
	deps   map[string]map[string]bool
}

// New returns a Fixer. crates lists the path identifiers of workspace
// crates; deps maps a crate to the crates it depends on (after the
// transaction's manifest changes).
func New(table plan.MovedItemTable, crates []string, deps map[string][]string) *Fixer {
	f := &Fixer{table: table, crates: make(map[string]bool), deps: make(map[string]map[string]bool)}
	for _, c := range crates {
		f.crates[c] = true
	}
	for c, ds := range deps {
		f.deps[c] = make(map[string]bool)
		for _, d := range ds {
			f.deps[c][d] = true
		}
	}
	return f
}

// Empty reports whether there is nothing to rewrite.
func (f *Fixer) Empty() bool { return len(f.table) == 0 }

type replacement struct {
	start, end uint32
	text       string
}

// Rewrite returns line changes updating every reference in src to a moved
// item. References whose new location the file's crate cannot name are
// left alone; the re-exports planted by the patterns keep them valid.
func (f *Fixer) Rewrite(ctx context.Context, fc Context, src []byte) ([]plan.TextChange, error) {
	if f.Empty() {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := parse.NewParser()
	defer p.Close()
	tree, err := p.Tree(ctx, src)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	w := &walker{src: src, fc: fc, f: f}
	w.walk(tree.RootNode(), fc.Module)
	return lineChanges(src, w.repl), nil
}

type walker struct {
	src  []byte
	fc   Context
	f    *Fixer
	repl []replacement
}

func (w *walker) text(n *sitter.Node) string {
	return string(w.src[n.StartByte():n.EndByte()])
}

func (w *walker) walk(n *sitter.Node, module []string) {
	switch n.Type() {
	case "line_comment", "block_comment", "string_literal", "raw_string_literal", "macro_invocation", "macro_definition":
		return
	case "mod_item":
		if body := n.ChildByFieldName("body"); body != nil {
			name := n.ChildByFieldName("name")
			inner := append(append([]string(nil), module...), w.text(name))
			w.walk(body, inner)
		}
		return
	case "use_declaration":
		if arg := n.ChildByFieldName("argument"); arg != nil {
			w.useTree(arg, nil, module)
		}
		return
	case "scoped_identifier", "scoped_type_identifier":
		w.path(n, nil, module)
		return
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		w.walk(n.NamedChild(i), module)
	}
}

// useTree handles one node of a use tree. prefix holds the raw segments of
// enclosing scoped use lists.
func (w *walker) useTree(n *sitter.Node, prefix []string, module []string) {
	switch n.Type() {
	case "identifier", "scoped_identifier", "crate", "self", "super":
		w.path(n, prefix, module)
	case "use_as_clause":
		if p := n.ChildByFieldName("path"); p != nil {
			w.path(p, prefix, module)
		}
	case "use_wildcard":
		if n.NamedChildCount() > 0 {
			w.path(n.NamedChild(0), prefix, module)
		}
	case "use_list":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			w.useTree(n.NamedChild(i), prefix, module)
		}
	case "scoped_use_list":
		p := n.ChildByFieldName("path")
		list := n.ChildByFieldName("list")
		if p == nil || list == nil {
			return
		}
		if w.path(p, prefix, module) {
			return
		}
		segs, ok := segments(p, w.src)
		if !ok {
			return
		}
		w.useTree(list, append(append([]string(nil), prefix...), segs...), module)
	}
}

// path rewrites the path node n when it names a moved item, and reports
// whether it did.
func (w *walker) path(n *sitter.Node, prefix []string, module []string) bool {
	segs, ok := segments(n, w.src)
	if !ok || len(segs) == 0 {
		return false
	}
	if len(prefix) > 0 && (segs[0] == "self" && len(segs) == 1) {
		return false
	}
	full := append(append([]string(nil), prefix...), segs...)
	old, ok := w.resolve(full, module)
	if !ok {
		return false
	}
	entry, to, ok := w.f.table.Lookup(strings.Join(old, "::"))
	if !ok {
		return false
	}
	newSegs := strings.Split(to, "::")
	dest := newSegs[0]
	if dest != w.fc.HomeCrate && !(entry.Public && w.f.deps[w.fc.HomeCrate][dest]) {
		return false
	}

	var rendered string
	if len(prefix) == 0 {
		rendered = w.render(newSegs)
	} else {
		base, ok := w.resolve(prefix, module)
		if !ok || len(newSegs) <= len(base) || !hasPrefix(newSegs, base) {
			return false
		}
		rendered = strings.Join(newSegs[len(base):], "::")
	}
	if rendered == w.text(n) {
		return false
	}
	w.repl = append(w.repl, replacement{start: n.StartByte(), end: n.EndByte(), text: rendered})
	return true
}

func (w *walker) render(segs []string) string {
	if segs[0] == w.fc.HomeCrate {
		return strings.Join(append([]string{"crate"}, segs[1:]...), "::")
	}
	return strings.Join(segs, "::")
}

// resolve turns raw path segments into a fully qualified path starting with
// a crate identifier.
func (w *walker) resolve(segs []string, module []string) ([]string, bool) {
	origin := w.fc.OriginCrate
	switch segs[0] {
	case "::":
		return segs[1:], len(segs) > 1
	case "crate":
		return append([]string{origin}, segs[1:]...), true
	case "self", "super":
		mod := append([]string(nil), module...)
		i := 0
		if segs[0] == "self" {
			i = 1
		}
		for ; i < len(segs) && segs[i] == "super"; i++ {
			if len(mod) == 0 {
				return nil, false
			}
			mod = mod[:len(mod)-1]
		}
		out := append([]string{origin}, mod...)
		return append(out, segs[i:]...), true
	}
	if w.f.crates[segs[0]] && segs[0] != origin {
		return segs, true
	}
	out := append([]string{origin}, module...)
	return append(out, segs...), true
}

func hasPrefix(segs, prefix []string) bool {
	if len(prefix) > len(segs) {
		return false
	}
	for i := range prefix {
		if segs[i] != prefix[i] {
			return false
		}
	}
	return true
}

// segments returns the raw segments of a simple path node. Paths with
// generic arguments or qualified self types are not handled. A leading
// `::` is reported as a "::" segment.
func segments(n *sitter.Node, src []byte) ([]string, bool) {
	switch n.Type() {
	case "identifier", "type_identifier", "crate", "self", "super":
		return []string{string(src[n.StartByte():n.EndByte()])}, true
	case "scoped_identifier", "scoped_type_identifier":
		name := n.ChildByFieldName("name")
		if name == nil {
			return nil, false
		}
		p := n.ChildByFieldName("path")
		if p == nil {
			return []string{"::", string(src[name.StartByte():name.EndByte()])}, true
		}
		head, ok := segments(p, src)
		if !ok {
			return nil, false
		}
		return append(head, string(src[name.StartByte():name.EndByte()])), true
	}
	return nil, false
}

// lineChanges turns byte replacements into whole-line text changes.
func lineChanges(src []byte, repl []replacement) []plan.TextChange {
	if len(repl) == 0 {
		return nil
	}
	sort.Slice(repl, func(i, j int) bool { return repl[i].start < repl[j].start })

	starts := []int{0}
	for i, b := range src {
		if b == '\n' {
			starts = append(starts, i+1)
		}
	}
	lineOf := func(off uint32) int {
		return sort.Search(len(starts), func(i int) bool { return starts[i] > int(off) }) - 1
	}
	lineEnd := func(line int) int {
		if line+1 < len(starts) {
			return starts[line+1]
		}
		return len(src)
	}

	var out []plan.TextChange
	for i := 0; i < len(repl); {
		first := lineOf(repl[i].start)
		last := lineOf(repl[i].end - 1)
		j := i + 1
		for j < len(repl) && lineOf(repl[j].start) <= last {
			if l := lineOf(repl[j].end - 1); l > last {
				last = l
			}
			j++
		}

		from, to := starts[first], lineEnd(last)
		var b strings.Builder
		pos := from
		for _, r := range repl[i:j] {
			b.Write(src[pos:r.start])
			b.WriteString(r.text)
			pos = int(r.end)
		}
		b.Write(src[pos:to])
		out = append(out, plan.TextChange{Start: first, End: last + 1, Content: b.String()})
		i = j
	}
	return out
}

// Absolutize rewrites paths starting with `self` or `super` in src, the
// text of an item declared in module, into `crate::` paths so the text
// keeps its meaning in another module.
func Absolutize(ctx context.Context, src string, module []string) (string, error) {
	p := parse.NewParser()
	defer p.Close()
	b := []byte(src)
	tree, err := p.Tree(ctx, b)
	if err != nil {
		return "", err
	}
	defer tree.Close()

	var repl []replacement
	var walk func(n *sitter.Node, mod []string)
	walk = func(n *sitter.Node, mod []string) {
		switch n.Type() {
		case "line_comment", "block_comment", "string_literal", "raw_string_literal", "macro_invocation":
			return
		case "mod_item":
			if body := n.ChildByFieldName("body"); body != nil {
				name := n.ChildByFieldName("name")
				walk(body, append(append([]string(nil), mod...), string(b[name.StartByte():name.EndByte()])))
			}
			return
		case "scoped_identifier", "scoped_type_identifier", "scoped_use_list", "use_wildcard":
			if head, k := relativeHead(n, b); head != nil {
				rendered, ok := absolute(k, mod)
				if !ok {
					return
				}
				repl = append(repl, replacement{start: head.StartByte(), end: head.EndByte(), text: rendered})
				return
			}
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i), mod)
		}
	}
	walk(tree.RootNode(), module)

	if len(repl) == 0 {
		return src, nil
	}
	sort.Slice(repl, func(i, j int) bool { return repl[i].start < repl[j].start })
	var out strings.Builder
	pos := uint32(0)
	for _, r := range repl {
		if r.start < pos {
			continue
		}
		out.Write(b[pos:r.start])
		out.WriteString(r.text)
		pos = r.end
	}
	out.Write(b[pos:])
	return out.String(), nil
}

// relativeHead finds the leading self/super chain of a path node. It
// returns the node spanning the chain and how the chain reads: 0 for
// `self`, k for k `super`s.
func relativeHead(n *sitter.Node, src []byte) (*sitter.Node, int) {
	var chain []*sitter.Node
	cur := n
	for {
		switch cur.Type() {
		case "scoped_identifier", "scoped_type_identifier", "scoped_use_list":
			chain = append(chain, cur)
			next := cur.ChildByFieldName("path")
			if next == nil {
				return nil, 0
			}
			cur = next
			continue
		case "use_wildcard":
			if cur.NamedChildCount() == 0 {
				return nil, 0
			}
			chain = append(chain, cur)
			cur = cur.NamedChild(0)
			continue
		}
		break
	}

	var supers int
	switch cur.Type() {
	case "self":
	case "super":
		supers = 1
	default:
		return nil, 0
	}
	head := cur
	for i := len(chain) - 1; i >= 0; i-- {
		c := chain[i]
		if c.Type() != "scoped_identifier" {
			break
		}
		name := c.ChildByFieldName("name")
		if name == nil || name.Type() != "super" {
			break
		}
		supers++
		head = c
	}
	return head, supers
}

func absolute(supers int, module []string) (string, bool) {
	if supers > len(module) {
		return "", false
	}
	segs := append([]string{"crate"}, module[:len(module)-supers]...)
	return strings.Join(segs, "::"), true
}

// String renders a context for logs.
func (c Context) String() string {
	return fmt.Sprintf("%s (from %s) ::%s", c.HomeCrate, c.OriginCrate, strings.Join(c.Module, "::"))
}
