package patterns

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/aezell/crateguard/internal/model"
	"github.com/aezell/crateguard/internal/plan"
)

func planSplitModule(ctx context.Context, env *Env, v model.Violation) (*plan.Plan, error) {
	crate := env.Project.Crate(v.Location.Crate)
	if crate == nil {
		return nil, planningErrorf(v, "crate %s not found", v.Location.Crate)
	}
	m := crate.FindModule(modulePath(v.Location.Module))
	if m == nil {
		return nil, planningErrorf(v, "module %s not found", v.Location.Module)
	}
	if m.Kind == model.ModuleInline {
		return nil, planningErrorf(v, "inline module %s cannot be split into files", m.PathString())
	}

	var fns []model.Item
	for _, it := range m.Functions() {
		// The binary entry point stays in the crate root.
		if m.Kind == model.ModuleCrateRoot && it.Name == "main" {
			continue
		}
		fns = append(fns, it)
	}
	capacity := env.Config.MaxFunctionsPerModule
	bins := functionBins(fns, capacity)
	if len(bins) < 2 {
		return nil, planningErrorf(v, "%d functions fit one module", len(fns))
	}

	src, err := readSource(env, m.File)
	if err != nil {
		return nil, err
	}

	dir := m.ChildDir()
	taken := typeNamespace(m)
	for _, it := range m.Items {
		taken[it.Name] = true
	}

	p := &plan.Plan{
		Description: fmt.Sprintf("split %d functions of %s into %d submodules", len(fns), m.File, len(bins)),
	}
	var decls, reexports []string
	var changes []plan.TextChange
	for _, bin := range bins {
		name := partName(env, dir, taken)
		taken[name] = true
		module := append(append([]string(nil), m.Path...), name)

		var body []string
		var items []exported
		exposed := false
		for _, i := range bin {
			it := fns[i]
			text, err := movedItemText(ctx, src, it, m.Path)
			if err != nil {
				return nil, err
			}
			body = append(body, text)
			items = append(items, exported{it.Name, it.Visibility})
			changes = append(changes, removal(src, it.Span.LineRange))
			if !it.Visibility.IsPrivate() {
				exposed = true
			}
			p.Moves = append(p.Moves, plan.MovedItem{
				From:  string(it.ID),
				To:    crate.ItemPath(&model.Module{Path: module}, it.Name),
				Exact: true,
			})
		}

		file := path.Join(dir, name+".rs")
		p.Operations = append(p.Operations, plan.Create(file, newFileHeader+strings.Join(body, "\n")))
		p.Files = append(p.Files, plan.FileContext{
			Path:        file,
			OriginCrate: crate.Ident(),
			HomeCrate:   crate.Ident(),
			Module:      module,
		})

		decl := "mod " + name + ";"
		if exposed {
			decl = "pub(crate) " + decl
		}
		decls = append(decls, decl)
		reexports = append(reexports, reexportLines(name, items)...)
	}

	header := plan.TextChange{Start: m.HeaderEnd, End: m.HeaderEnd, Content: joinLines(append(append(decls, reexports...), "")...)}
	changes = append([]plan.TextChange{header}, changes...)
	p.Operations = append(p.Operations, plan.Modify(m.File, changes...))
	return p, nil
}

// modulePath splits a "a::b" module path; "" is the crate root.
func modulePath(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "::")
}

// exported is a name re-exported from a new child module.
type exported struct {
	name string
	vis  model.Visibility
}

// reexportLines renders `<vis> use self::module::{a, b};` lines, one per
// distinct visibility, in order of first appearance.
func reexportLines(module string, items []exported) []string {
	var order []model.Visibility
	names := make(map[model.Visibility][]string)
	for _, it := range items {
		if _, ok := names[it.vis]; !ok {
			order = append(order, it.vis)
		}
		names[it.vis] = append(names[it.vis], it.name)
	}
	out := make([]string, 0, len(order))
	for _, vis := range order {
		list := names[vis]
		target := list[0]
		if len(list) > 1 {
			target = "{" + strings.Join(list, ", ") + "}"
		}
		out = append(out, fmt.Sprintf("%suse self::%s::%s;", vis.Prefix(), module, target))
	}
	return out
}

// functionBins groups fns (by index) into bins of at most capacity
// functions. Functions calling each other stay together where a connected
// group fits; oversized groups are cut by descending out-degree. Isolated
// functions fill the emptiest bin. Each bin is in source order and bins are
// ordered by their first function.
func functionBins(fns []model.Item, capacity int) [][]int {
	if len(fns) == 0 || capacity <= 0 {
		return nil
	}
	index := make(map[model.ItemID]int, len(fns))
	for i, it := range fns {
		index[it.ID] = i
	}

	parent := make([]int, len(fns))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	outDegree := make([]int, len(fns))
	linked := make([]bool, len(fns))
	for i, it := range fns {
		for _, d := range it.Deps {
			j, ok := index[d]
			if !ok || j == i {
				continue
			}
			outDegree[i]++
			linked[i], linked[j] = true, true
			if a, b := find(i), find(j); a != b {
				if a < b {
					parent[b] = a
				} else {
					parent[a] = b
				}
			}
		}
	}

	components := make(map[int][]int)
	var roots []int
	var isolated []int
	for i := range fns {
		if !linked[i] {
			isolated = append(isolated, i)
			continue
		}
		r := find(i)
		if _, ok := components[r]; !ok {
			roots = append(roots, r)
		}
		components[r] = append(components[r], i)
	}

	var chunks [][]int
	for _, r := range roots {
		comp := components[r]
		if len(comp) <= capacity {
			chunks = append(chunks, comp)
			continue
		}
		sorted := append([]int(nil), comp...)
		sort.SliceStable(sorted, func(a, b int) bool {
			if outDegree[sorted[a]] != outDegree[sorted[b]] {
				return outDegree[sorted[a]] > outDegree[sorted[b]]
			}
			return sorted[a] < sorted[b]
		})
		for len(sorted) > 0 {
			n := min(capacity, len(sorted))
			chunks = append(chunks, sorted[:n])
			sorted = sorted[n:]
		}
	}

	// First-fit decreasing.
	sort.SliceStable(chunks, func(a, b int) bool { return len(chunks[a]) > len(chunks[b]) })
	var bins [][]int
	for _, ch := range chunks {
		placed := false
		for i := range bins {
			if len(bins[i])+len(ch) <= capacity {
				bins[i] = append(bins[i], ch...)
				placed = true
				break
			}
		}
		if !placed {
			bins = append(bins, append([]int(nil), ch...))
		}
	}

	need := (len(fns) + capacity - 1) / capacity
	for len(bins) < need {
		bins = append(bins, nil)
	}
	for _, i := range isolated {
		best := -1
		for b := range bins {
			if len(bins[b]) < capacity && (best < 0 || len(bins[b]) < len(bins[best])) {
				best = b
			}
		}
		if best < 0 {
			bins = append(bins, nil)
			best = len(bins) - 1
		}
		bins[best] = append(bins[best], i)
	}

	out := bins[:0]
	for _, b := range bins {
		if len(b) == 0 {
			continue
		}
		sort.Ints(b)
		out = append(out, b)
	}
	sort.Slice(out, func(a, b int) bool { return out[a][0] < out[b][0] })
	return out
}
