package patterns

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/aezell/crateguard/internal/cargo"
	"github.com/aezell/crateguard/internal/cluster"
	"github.com/aezell/crateguard/internal/model"
	"github.com/aezell/crateguard/internal/plan"
)

// crateIndex locates every module and item of one crate.
type crateIndex struct {
	crate  *model.Crate
	top    map[*model.Module]string // top-level child name, "" for the root
	parent map[*model.Module]*model.Module
	owner  map[model.ItemID]*model.Module
	items  map[model.ItemID]model.Item
	size   map[string]int // modules per top-level subtree
}

func indexCrate(c *model.Crate) *crateIndex {
	ix := &crateIndex{
		crate:  c,
		top:    make(map[*model.Module]string),
		parent: make(map[*model.Module]*model.Module),
		owner:  make(map[model.ItemID]*model.Module),
		items:  make(map[model.ItemID]model.Item),
		size:   make(map[string]int),
	}
	var walk func(m *model.Module, top string)
	walk = func(m *model.Module, top string) {
		ix.top[m] = top
		if top != "" {
			ix.size[top]++
		}
		for _, it := range m.Items {
			ix.owner[it.ID] = m
			ix.items[it.ID] = it
		}
		for _, ch := range m.Children {
			ix.parent[ch] = m
			t := top
			if m == c.Root {
				t = ch.Name
			}
			walk(ch, t)
		}
	}
	walk(c.Root, "")
	return ix
}

// reachableFrom reports whether an item in another crate can name id once
// its top-level module is re-homed: the item and every module between it
// and the top-level module must be pub.
func (ix *crateIndex) reachableFrom(id model.ItemID) bool {
	if ix.items[id].Visibility != "pub" {
		return false
	}
	for m := ix.owner[id]; m != nil && ix.parent[m] != nil && ix.parent[m] != ix.crate.Root; m = ix.parent[m] {
		if declVisibility(ix.parent[m], m.Name) != "pub" {
			return false
		}
	}
	return true
}

func declVisibility(m *model.Module, name string) model.Visibility {
	for _, d := range m.Decls {
		if d.Name == name {
			return d.Visibility
		}
	}
	return model.Private
}

func planSplitCrate(ctx context.Context, env *Env, v model.Violation) (*plan.Plan, error) {
	c := env.Project.Crate(v.Location.Crate)
	if c == nil || c.Root == nil {
		return nil, planningErrorf(v, "crate %s not found", v.Location.Crate)
	}
	capacity := env.Config.MaxModulesPerCrate
	ix := indexCrate(c)
	srcDir := c.Root.ChildDir()

	// Top-level modules declared with attributes, inline or living outside
	// the source directory stay; so does anything they pull in.
	movable := make(map[string]model.ModDecl)
	for _, d := range c.Root.Decls {
		child := c.Root.Child(d.Name)
		if d.Inline || child == nil || d.Span.Start != d.Span.End {
			continue
		}
		ok := true
		child.Walk(func(m *model.Module) bool {
			if m.Kind != model.ModuleInline && !strings.HasPrefix(m.File, srcDir+"/") {
				ok = false
			}
			return ok
		})
		if ok {
			movable[d.Name] = d
		}
	}
	for changed := true; changed; {
		changed = false
		for name := range movable {
			for _, dep := range subtreeDeps(c.Root.Child(name)) {
				owner := ix.owner[dep]
				if owner == nil {
					continue
				}
				t := ix.top[owner]
				if _, ok := movable[t]; t == "" || (t != name && !ok) {
					delete(movable, name)
					changed = true
					break
				}
			}
		}
	}

	pinned := 0
	for _, ch := range c.Root.Children {
		if _, ok := movable[ch.Name]; !ok {
			pinned += ix.size[ch.Name]
		}
	}
	if pinned > capacity {
		return nil, planningErrorf(v, "%d modules cannot leave the crate (max %d)", pinned, capacity)
	}
	if len(movable) == 0 {
		return nil, planningErrorf(v, "no top-level module can move")
	}

	g := cluster.NewGraph()
	items := make(map[string][]string)
	for name := range movable {
		g.AddNode(name, ix.size[name])
		for _, it := range c.Root.Child(name).Items {
			if it.Kind.Named() {
				items[name] = append(items[name], it.Name)
			}
		}
	}
	for name := range movable {
		for _, dep := range subtreeDeps(c.Root.Child(name)) {
			if owner := ix.owner[dep]; owner != nil {
				g.AddEdge(name, ix.top[owner], 1)
			}
		}
	}

	var groups [][]string
	if len(movable) == 1 {
		for name := range movable {
			if ix.size[name] > capacity {
				return nil, planningErrorf(v, "module %s alone has %d modules (max %d)", name, ix.size[name], capacity)
			}
			groups = [][]string{{name}}
		}
	} else {
		var err error
		groups, err = groupNodes(ctx, env, g, capacity, "crate "+c.Name, items)
		if err != nil {
			return nil, planningErrorf(v, "%v", err)
		}
	}

	groupOf := make(map[string]int)
	for gi, gr := range groups {
		for _, name := range gr {
			groupOf[name] = gi
		}
	}
	home := func(m *model.Module) int {
		if gi, ok := groupOf[ix.top[m]]; ok {
			return gi
		}
		return -1
	}

	// Cross-crate references need pub paths, and crates must not depend on
	// each other in a cycle.
	needs := make([]map[int]bool, len(groups))
	for i := range needs {
		needs[i] = make(map[int]bool)
	}
	for _, m := range c.Modules() {
		from := home(m)
		for _, it := range m.Items {
			for _, dep := range it.Deps {
				owner := ix.owner[dep]
				if owner == nil {
					continue
				}
				to := home(owner)
				if to < 0 || to == from {
					continue
				}
				if !ix.reachableFrom(dep) {
					return nil, planningErrorf(v, "%s uses %s, which would not be reachable from another crate", it.ID, dep)
				}
				if from >= 0 {
					needs[from][to] = true
				}
			}
		}
	}
	if cyclic(needs) {
		return nil, planningErrorf(v, "the module groups depend on each other in a cycle")
	}

	names := newCrateNames(env, c, groups)
	dirs := make([]string, len(groups))
	for gi := range groups {
		dirs[gi] = newCrateDir(c, names[gi])
	}

	p := &plan.Plan{
		Description: fmt.Sprintf("split %d modules of crate %s into %d new crates", c.Metrics.Modules-pinned, c.Name, len(groups)),
	}
	var rootChanges []plan.TextChange
	for gi, gr := range groups {
		name, dir := names[gi], dirs[gi]
		ident := model.CrateIdent(name)

		pathDeps := make(map[string]string)
		for to := range needs[gi] {
			pathDeps[names[to]] = relPath(dir, dirs[to])
		}
		manifest := cargo.NewLibraryManifest(name, c.Version, c.Edition, cargo.RebasePaths(c.DepLines, c.Dir, dir), pathDeps)

		var lib strings.Builder
		for _, d := range c.Root.Decls {
			if gj, ok := groupOf[d.Name]; !ok || gj != gi {
				continue
			}
			fmt.Fprintf(&lib, "pub mod %s;\n", d.Name)
			rootChanges = append(rootChanges, plan.TextChange{
				Start:   d.Span.Start - 1,
				End:     d.Span.End,
				Content: fmt.Sprintf("%suse %s::%s;\n", d.Visibility.Prefix(), ident, d.Name),
			})
		}

		p.Operations = append(p.Operations,
			plan.Mkdir(dir),
			plan.Mkdir(path.Join(dir, "src")),
			plan.Create(path.Join(dir, "Cargo.toml"), manifest),
			plan.Create(path.Join(dir, "src", "lib.rs"), lib.String()),
		)
		p.Files = append(p.Files, plan.FileContext{
			Path:        path.Join(dir, "src", "lib.rs"),
			OriginCrate: c.Ident(),
			HomeCrate:   ident,
		})

		for _, top := range gr {
			c.Root.Child(top).Walk(func(m *model.Module) bool {
				if m.Kind == model.ModuleInline {
					return true
				}
				to := path.Join(dir, "src", strings.TrimPrefix(m.File, srcDir+"/"))
				p.Operations = append(p.Operations, plan.Move(m.File, to))
				p.Files = append(p.Files, plan.FileContext{
					Path:        to,
					OriginCrate: c.Ident(),
					HomeCrate:   ident,
					Module:      append([]string(nil), m.Path...),
				})
				return true
			})
			p.Moves = append(p.Moves, plan.MovedItem{
				From:   c.Ident() + "::" + top,
				To:     ident + "::" + top,
				Public: true,
			})
		}

		p.CargoChanges = append(p.CargoChanges,
			plan.CargoChange{Kind: plan.AddMember, Manifest: "Cargo.toml", Member: dir},
			plan.CargoChange{Kind: plan.AddDependency, Manifest: c.Manifest, Crate: name, Path: relPath(c.Dir, dir)},
		)
		p.Crates = append(p.Crates, ident)
	}
	sort.Slice(rootChanges, func(i, j int) bool { return rootChanges[i].Start < rootChanges[j].Start })
	p.Operations = append(p.Operations, plan.Modify(c.Root.File, rootChanges...))
	return p, nil
}

// subtreeDeps returns the dependencies of every item below m.
func subtreeDeps(m *model.Module) []model.ItemID {
	var out []model.ItemID
	m.Walk(func(x *model.Module) bool {
		for _, it := range x.Items {
			out = append(out, it.Deps...)
		}
		return true
	})
	return out
}

func cyclic(needs []map[int]bool) bool {
	state := make([]int, len(needs)) // 0 new, 1 on stack, 2 done
	var visit func(int) bool
	visit = func(i int) bool {
		state[i] = 1
		for j := range needs[i] {
			if state[j] == 1 || (state[j] == 0 && visit(j)) {
				return true
			}
		}
		state[i] = 2
		return false
	}
	for i := range needs {
		if state[i] == 0 && visit(i) {
			return true
		}
	}
	return false
}

// newCrateNames names each group after the crate and its first module,
// with a numeric suffix when the name or directory is taken.
func newCrateNames(env *Env, c *model.Crate, groups [][]string) []string {
	sep := "_"
	if strings.Contains(c.Name, "-") {
		sep = "-"
	}
	used := make(map[string]bool)
	for _, other := range env.Project.Crates {
		used[other.Ident()] = true
	}
	out := make([]string, len(groups))
	for gi, gr := range groups {
		base := c.Name + sep + strings.ReplaceAll(gr[0], "_", sep)
		name := base
		for n := 2; used[model.CrateIdent(name)] || env.FS.Exists(newCrateDir(c, name)); n++ {
			name = fmt.Sprintf("%s%s%d", base, sep, n)
		}
		used[model.CrateIdent(name)] = true
		out[gi] = name
	}
	return out
}

// newCrateDir places a new crate next to c, or under crates/ when c is the
// root package.
func newCrateDir(c *model.Crate, name string) string {
	if c.Dir == "." || c.Dir == "" {
		return path.Join("crates", name)
	}
	return path.Join(path.Dir(c.Dir), name)
}

// relPath returns the slash path of to relative to from, both
// project-relative directories.
func relPath(from, to string) string {
	fromSegs := splitDir(from)
	toSegs := splitDir(to)
	i := 0
	for i < len(fromSegs) && i < len(toSegs) && fromSegs[i] == toSegs[i] {
		i++
	}
	var out []string
	for range fromSegs[i:] {
		out = append(out, "..")
	}
	out = append(out, toSegs[i:]...)
	if len(out) == 0 {
		return "."
	}
	return strings.Join(out, "/")
}

func splitDir(dir string) []string {
	dir = path.Clean(dir)
	if dir == "." {
		return nil
	}
	return strings.Split(dir, "/")
}
