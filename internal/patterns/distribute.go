package patterns

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/aezell/crateguard/internal/fixup"
	"github.com/aezell/crateguard/internal/model"
	"github.com/aezell/crateguard/internal/plan"
)

// segment is a run of whole lines starting at a block and reaching up to
// the next block. core is the last non-blank line.
type segment struct {
	start, end int
	core       int
	blocks     []model.Block
}

func (s segment) coreLen() int { return s.core - s.start + 1 }
func (s segment) fullLen() int { return s.end - s.start + 1 }

// segments tiles the lines after the header of m into one segment per block.
func segments(src *source, m *model.Module) []segment {
	var out []segment
	for i, b := range m.Blocks {
		end := len(src.lines)
		if i+1 < len(m.Blocks) {
			end = m.Blocks[i+1].Range.Start - 1
		}
		core := end
		for core > b.Range.End && src.blank(core) {
			core--
		}
		out = append(out, segment{start: b.Range.Start, end: end, core: core, blocks: []model.Block{b}})
	}
	return out
}

// filePartition is the outcome of packing segments: the ones kept in the
// original file and the groups going to new files.
type filePartition struct {
	kept  []segment
	parts [][]segment
}

// pack fills the original file up to firstCap lines and new files up to
// partCap lines, in source order.
func pack(segs []segment, firstCap, partCap int) (filePartition, error) {
	var fp filePartition
	i, used := 0, 0
	for i < len(segs) && used+segs[i].coreLen() <= firstCap {
		used += segs[i].fullLen()
		i++
	}
	fp.kept = segs[:i]

	var cur []segment
	curUsed := 0
	for _, s := range segs[i:] {
		if s.coreLen() > partCap {
			return fp, fmt.Errorf("lines %d-%d cannot fit a file of %d lines", s.start, s.core, partCap)
		}
		if len(cur) > 0 && curUsed+s.coreLen() > partCap {
			fp.parts = append(fp.parts, cur)
			cur, curUsed = nil, 0
		}
		cur = append(cur, s)
		curUsed += s.fullLen()
	}
	if len(cur) > 0 {
		fp.parts = append(fp.parts, cur)
	}
	return fp, nil
}

// blockExport returns the name a block re-exports, if any.
func blockExport(m *model.Module, b model.Block) (exported, bool) {
	if b.Item >= 0 {
		it := m.Items[b.Item]
		if !it.Kind.Named() || it.Kind == model.KindMacro || it.Name == "" {
			return exported{}, false
		}
		return exported{it.Name, it.Visibility}, true
	}
	if b.Node == "mod_item" {
		return exported{b.Name, b.Visibility}, true
	}
	return exported{}, false
}

func partExports(m *model.Module, part []segment) []exported {
	var out []exported
	for _, s := range part {
		for _, b := range s.blocks {
			if e, ok := blockExport(m, b); ok {
				out = append(out, e)
			}
		}
	}
	return out
}

// headerLines counts the lines inserted after the header for parts.
func headerLines(m *model.Module, parts [][]segment) int {
	if len(parts) == 0 {
		return 0
	}
	n := len(parts) + 1
	for _, part := range parts {
		n += len(reexportLines("p", partExports(m, part)))
		if hasMacros(m, part) {
			n++
		}
	}
	return n
}

func planDistributeLoc(ctx context.Context, env *Env, v model.Violation) (*plan.Plan, error) {
	crate, m := env.Project.ModuleByFile(v.Location.File)
	if m == nil {
		return nil, planningErrorf(v, "no module is stored in %s", v.Location.File)
	}
	if len(m.Blocks) == 0 {
		return nil, planningErrorf(v, "%s has no items to move", m.File)
	}
	for _, d := range m.Decls {
		if !d.Inline && d.Span.Start > m.HeaderEnd {
			return nil, planningErrorf(v, "module declaration %s follows the first item", d.Name)
		}
	}
	for _, u := range m.Uses {
		if u.Span.Start > m.HeaderEnd {
			return nil, planningErrorf(v, "use declaration at line %d follows the first item", u.Span.Start)
		}
	}

	src, err := readSource(env, m.File)
	if err != nil {
		return nil, err
	}
	limit := env.Config.MaxLocPerFile
	segs := segments(src, m)

	var fp filePartition
	reserve, stable := 0, false
	for iter := 0; iter < 20 && !stable; iter++ {
		fp, err = pack(segs, limit-m.HeaderEnd-reserve, limit-2)
		if err != nil {
			return nil, planningErrorf(v, "%v", err)
		}
		next := headerLines(m, fp.parts)
		stable = next == reserve
		reserve = next
	}
	if !stable {
		return nil, planningErrorf(v, "no stable layout for %s", m.File)
	}
	if len(fp.parts) == 0 {
		return nil, planningErrorf(v, "nothing in %s can move", m.File)
	}

	if err := checkMovable(m, src, fp); err != nil {
		return nil, planningErrorf(v, "%v", err)
	}

	p := &plan.Plan{
		Description: fmt.Sprintf("distribute %s over %d files", m.File, len(fp.parts)+1),
	}
	dir := m.ChildDir()
	taken := typeNamespace(m)
	for _, it := range m.Items {
		taken[it.Name] = true
	}
	for _, b := range m.Blocks {
		if b.Name != "" {
			taken[b.Name] = true
		}
	}

	var decls, reexports []string
	for _, part := range fp.parts {
		name := partName(env, dir, taken)
		taken[name] = true
		module := append(append([]string(nil), m.Path...), name)

		text, err := partText(ctx, m, src, part)
		if err != nil {
			return nil, err
		}
		file := path.Join(dir, name+".rs")
		p.Operations = append(p.Operations, plan.Create(file, newFileHeader+text))
		p.Files = append(p.Files, plan.FileContext{
			Path:        file,
			OriginCrate: crate.Ident(),
			HomeCrate:   crate.Ident(),
			Module:      module,
		})

		exports := partExports(m, part)
		decl := "mod " + name + ";"
		for _, e := range exports {
			if !e.vis.IsPrivate() {
				decl = "pub(crate) " + decl
				break
			}
		}
		if hasMacros(m, part) {
			decl = "#[macro_use]\n" + decl
		}
		decls = append(decls, decl)
		reexports = append(reexports, reexportLines(name, exports)...)
		for _, e := range exports {
			p.Moves = append(p.Moves, plan.MovedItem{
				From: crate.ItemPath(m, e.name),
				To:   crate.ItemPath(&model.Module{Path: module}, e.name),
			})
		}
	}

	tail := m.HeaderEnd
	if len(fp.kept) > 0 {
		tail = fp.kept[len(fp.kept)-1].core
	}
	p.Operations = append(p.Operations, plan.Modify(m.File,
		plan.TextChange{Start: m.HeaderEnd, End: m.HeaderEnd, Content: joinLines(append(append(decls, reexports...), "")...)},
		plan.TextChange{Start: tail, End: len(src.lines)},
	))
	return p, nil
}

// partText renders the segments of one part: visibility widened and
// relative paths made absolute.
func partText(ctx context.Context, m *model.Module, src *source, part []segment) (string, error) {
	first := part[0].start
	last := part[len(part)-1].core
	lines := plan.SplitLines(src.slice(model.LineRange{Start: first, End: last}))
	for _, s := range part {
		for _, b := range s.blocks {
			switch {
			case b.Item >= 0:
				if err := relocateItem(lines, first, m.Items[b.Item], m.Path); err != nil {
					return "", fmt.Errorf("%s: %w", src.path, err)
				}
			case b.Node == "mod_item":
				lo, hi := b.Range.Start-first, b.Range.End-first+1
				relocateInlineMod(lines[lo:hi], b.Visibility, m.Path)
			}
		}
	}
	return fixup.Absolutize(ctx, strings.Join(lines, ""), m.Path)
}

func hasMacros(m *model.Module, part []segment) bool {
	for _, s := range part {
		for _, b := range s.blocks {
			if b.Item >= 0 && m.Items[b.Item].Kind == model.KindMacro {
				return true
			}
		}
	}
	return false
}

// checkMovable rejects layouts that would change meaning: macro
// invocations and extern blocks leaving the file, the binary entry point
// leaving the crate root, and moved code using a macro defined in the
// original file.
func checkMovable(m *model.Module, src *source, fp filePartition) error {
	var kept []string
	for _, s := range fp.kept {
		for _, b := range s.blocks {
			if b.Item >= 0 && m.Items[b.Item].Kind == model.KindMacro {
				kept = append(kept, m.Items[b.Item].Name)
			}
		}
	}
	for _, part := range fp.parts {
		for _, s := range part {
			for _, b := range s.blocks {
				switch {
				case b.Node == "macro_invocation" || b.Node == "foreign_mod_item":
					return fmt.Errorf("%s at line %d cannot move", b.Node, b.Range.Start)
				case b.Item >= 0 && m.Kind == model.ModuleCrateRoot && m.Items[b.Item].Kind == model.KindFunction && m.Items[b.Item].Name == "main":
					return fmt.Errorf("fn main must stay in %s", m.File)
				}
			}
			text := src.slice(model.LineRange{Start: s.start, End: s.core})
			for _, name := range kept {
				if regexp.MustCompile(`\b` + regexp.QuoteMeta(name) + `!`).MatchString(text) {
					return fmt.Errorf("moved code at line %d uses macro %s defined earlier in the file", s.start, name)
				}
			}
		}
	}
	return nil
}
