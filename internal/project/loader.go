// Package project derives the immutable Project model from a directory:
// Cargo manifests give the crates, tree-sitter extraction gives each crate's
// module tree, items, metrics and resolved item references.
package project

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/aezell/crateguard/internal/cargo"
	"github.com/aezell/crateguard/internal/ctxlog"
	"github.com/aezell/crateguard/internal/discover"
	"github.com/aezell/crateguard/internal/model"
	"github.com/aezell/crateguard/internal/parse"
	"github.com/aezell/crateguard/internal/safeio"
)

// ErrProjectNotFound is returned when the root holds no Cargo.toml.
var ErrProjectNotFound = errors.New("project not found")

// Loader builds Project models. A Loader caches parse results by content
// hash, so repeated loads of an unchanged tree are cheap. It is safe for
// concurrent use.
type Loader struct {
	Exclude []string
	Workers int

	cache *lru.Cache[string, *parse.File]
}

// NewLoader creates a loader honoring the given exclude patterns.
func NewLoader(exclude []string) *Loader {
	cache, _ := lru.New[string, *parse.File](4096)
	return &Loader{Exclude: exclude, Workers: runtime.GOMAXPROCS(0), cache: cache}
}

type crateSpec struct {
	name     string
	dir      string
	manifest string
	kind     model.CrateKind
	rootFile string
	version  string
	edition  string
	deps     []string
	depLines []string
}

// Load derives the project rooted at root. Per-file syntax errors and broken
// crates are recorded in Project.Warnings and skipped.
func (l *Loader) Load(ctx context.Context, root string) (*model.Project, error) {
	log := ctxlog.FromContext(ctx)

	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrProjectNotFound, root)
	}
	fsys, err := safeio.NewSafeFS(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProjectNotFound, err)
	}
	rootText, err := fsys.ReadFile("Cargo.toml")
	if err != nil {
		return nil, fmt.Errorf("%w: no Cargo.toml in %s", ErrProjectNotFound, root)
	}
	rootManifest, err := cargo.Parse(string(rootText))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProjectNotFound, err)
	}

	p := &model.Project{Root: fsys.Root()}
	specs, members, warnings := l.crates(fsys, rootManifest)
	p.Members = members
	p.Warnings = append(p.Warnings, warnings...)

	seen := make(map[string]string)
	for _, spec := range specs {
		if prev, dup := seen[spec.name]; dup {
			p.Warnings = append(p.Warnings, fmt.Errorf("%s: crate name %q already used by %s", spec.manifest, spec.name, prev))
			continue
		}
		seen[spec.name] = spec.manifest

		c, warns, err := l.loadCrate(ctx, fsys, spec)
		if err != nil {
			return nil, err
		}
		p.Warnings = append(p.Warnings, warns...)
		if c != nil {
			p.Crates = append(p.Crates, c)
		}
	}

	resolveDeps(p)
	for _, w := range p.Warnings {
		log.Warn("skipping", "reason", w)
	}
	log.Debug("project loaded", "root", p.Root, "crates", len(p.Crates))
	return p, nil
}

func (l *Loader) crates(fsys *safeio.SafeFS, root *cargo.Manifest) ([]crateSpec, []string, []error) {
	var dirs []string
	var members []string
	var warnings []error

	if root.Package != nil {
		dirs = append(dirs, ".")
	}
	if root.Workspace != nil {
		excluded := make(map[string]bool)
		for _, e := range root.Workspace.Exclude {
			excluded[path.Clean(e)] = true
		}
		for _, pattern := range root.Workspace.Members {
			matches, err := filepath.Glob(filepath.Join(fsys.Root(), filepath.FromSlash(pattern)))
			if err != nil {
				warnings = append(warnings, fmt.Errorf("workspace member %q: %w", pattern, err))
				continue
			}
			sort.Strings(matches)
			for _, m := range matches {
				rel, err := filepath.Rel(fsys.Root(), m)
				if err != nil {
					continue
				}
				rel = filepath.ToSlash(rel)
				if excluded[rel] || rel == "." || !fsys.Exists(path.Join(rel, "Cargo.toml")) {
					continue
				}
				members = append(members, rel)
				dirs = append(dirs, rel)
			}
		}
	}

	var specs []crateSpec
	for _, dir := range dirs {
		spec, err := l.crateSpec(fsys, dir, root)
		if err != nil {
			warnings = append(warnings, err)
			continue
		}
		specs = append(specs, spec)
	}
	return specs, members, warnings
}

func (l *Loader) crateSpec(fsys *safeio.SafeFS, dir string, rootManifest *cargo.Manifest) (crateSpec, error) {
	manifestPath := path.Join(dir, "Cargo.toml")
	m := rootManifest
	if dir != "." {
		text, err := fsys.ReadFile(manifestPath)
		if err != nil {
			return crateSpec{}, fmt.Errorf("%s: %w", manifestPath, err)
		}
		if m, err = cargo.Parse(string(text)); err != nil {
			return crateSpec{}, fmt.Errorf("%s: %w", manifestPath, err)
		}
	}
	if m.Package == nil || m.Package.Name == "" {
		return crateSpec{}, fmt.Errorf("%s: missing [package] name", manifestPath)
	}

	spec := crateSpec{
		name:     m.Package.Name,
		dir:      dir,
		manifest: manifestPath,
		version:  m.Package.VersionString(),
		edition:  m.Package.EditionString(),
	}
	for dep := range m.Dependencies {
		spec.deps = append(spec.deps, model.CrateIdent(dep))
	}
	sort.Strings(spec.deps)
	if text, err := fsys.ReadFile(manifestPath); err == nil {
		spec.depLines = cargo.DependenciesTable(string(text))
	}
	libPath := "src/lib.rs"
	if m.Lib != nil && m.Lib.Path != "" {
		libPath = m.Lib.Path
	}
	switch {
	case fsys.Exists(path.Join(dir, libPath)):
		spec.kind, spec.rootFile = model.CrateLibrary, path.Join(dir, libPath)
	case fsys.Exists(path.Join(dir, "src/main.rs")):
		spec.kind, spec.rootFile = model.CrateBinary, path.Join(dir, "src/main.rs")
	default:
		return crateSpec{}, fmt.Errorf("%s: no library or binary root", manifestPath)
	}
	return spec, nil
}

func (l *Loader) loadCrate(ctx context.Context, fsys *safeio.SafeFS, spec crateSpec) (*model.Crate, []error, error) {
	files, err := discover.Files(fsys.Root(), path.Dir(spec.rootFile), l.Exclude)
	if err != nil {
		return nil, nil, fmt.Errorf("discovering %s: %w", spec.dir, err)
	}
	if !contains(files, spec.rootFile) {
		files = append(files, spec.rootFile)
	}

	parsed, warnings, err := l.parseAll(ctx, fsys, files)
	if err != nil {
		return nil, nil, err
	}

	c := &model.Crate{
		Name:     spec.name,
		Dir:      spec.dir,
		Manifest: spec.manifest,
		Kind:     spec.kind,
		Version:  spec.version,
		Edition:  spec.edition,
		Deps:     spec.deps,
		DepLines: spec.depLines,
	}
	rootParsed, ok := parsed[spec.rootFile]
	if !ok {
		warnings = append(warnings, fmt.Errorf("%s: crate root unusable, crate skipped", spec.rootFile))
		return nil, warnings, nil
	}

	kind := model.ModuleEntryLib
	if spec.kind == model.CrateBinary {
		kind = model.ModuleCrateRoot
	}
	known := make(map[string]bool, len(files))
	for _, f := range files {
		known[f] = true
	}
	b := &treeBuilder{crate: c, parsed: parsed, known: known}
	c.Root = b.module(c.Ident(), nil, spec.rootFile, kind, rootParsed.Scope, rootParsed.Lines, path.Dir(spec.rootFile))
	warnings = append(warnings, b.warnings...)

	for _, m := range c.Modules() {
		c.Metrics.Add(m.Metrics)
		if m != c.Root {
			c.Metrics.Modules++
		}
	}
	return c, warnings, nil
}

// parseAll parses files concurrently, one parser per worker. Files that fail
// to read or parse become warnings.
func (l *Loader) parseAll(ctx context.Context, fsys *safeio.SafeFS, files []string) (map[string]*parse.File, []error, error) {
	type result struct {
		file *parse.File
		err  error
	}
	results := make([]result, len(files))

	work := make(chan int)
	g, gctx := errgroup.WithContext(ctx)

	workers := l.Workers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(files) {
		workers = len(files)
	}
	for range workers {
		g.Go(func() error {
			parser := parse.NewParser()
			defer parser.Close()
			for idx := range work {
				results[idx].file, results[idx].err = l.parseOne(gctx, parser, fsys, files[idx])
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(work)
		for i := range files {
			select {
			case work <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	out := make(map[string]*parse.File, len(files))
	var warnings []error
	for i, r := range results {
		if r.err != nil {
			warnings = append(warnings, r.err)
			continue
		}
		out[files[i]] = r.file
	}
	return out, warnings, nil
}

func (l *Loader) parseOne(ctx context.Context, parser *parse.Parser, fsys *safeio.SafeFS, file string) (*parse.File, error) {
	src, err := fsys.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}

	sum := sha256.Sum256(append([]byte(file+"\x00"), src...))
	key := hex.EncodeToString(sum[:])
	if l.cache != nil {
		if f, ok := l.cache.Get(key); ok {
			return f, nil
		}
	}

	f, err := parser.ParseFile(ctx, file, src)
	if err != nil {
		return nil, err
	}
	if l.cache != nil {
		l.cache.Add(key, f)
	}
	return f, nil
}

type treeBuilder struct {
	crate    *model.Crate
	parsed   map[string]*parse.File
	known    map[string]bool
	warnings []error
}

// module builds a module from a parsed scope. childDir is where files of
// `mod x;` children live.
func (b *treeBuilder) module(name string, segs []string, file string, kind model.ModuleKind, s parse.Scope, lines int, childDir string) *model.Module {
	m := &model.Module{
		Name:      name,
		Path:      segs,
		File:      file,
		Kind:      kind,
		Items:     append([]model.Item(nil), s.Items...),
		Uses:      s.Uses,
		Blocks:    s.Blocks,
		HeaderEnd: s.HeaderEnd,
	}
	b.assignIDs(m)

	for _, it := range m.Items {
		switch it.Kind {
		case model.KindFunction:
			m.Metrics.Functions++
			m.Metrics.Complexity += it.Complexity
		case model.KindStruct:
			m.Metrics.Structs++
		}
	}
	if kind != model.ModuleInline {
		m.Metrics.Lines = lines
	}

	siblings := make(map[string]bool)
	for _, decl := range s.Mods {
		m.Decls = append(m.Decls, decl.Decl)
		if siblings[decl.Decl.Name] {
			b.warnings = append(b.warnings, fmt.Errorf("%s:%d: duplicate module %q", file, decl.Decl.Span.Start, decl.Decl.Name))
			continue
		}
		siblings[decl.Decl.Name] = true

		childSegs := append(append([]string(nil), segs...), decl.Decl.Name)
		if decl.Decl.Inline {
			child := b.module(decl.Decl.Name, childSegs, file, model.ModuleInline, *decl.Body, decl.Decl.Span.Len(), path.Join(childDir, decl.Decl.Name))
			m.Children = append(m.Children, child)
			continue
		}

		childFile, childKind, ok := b.resolveModFile(childDir, decl.Decl.Name)
		if !ok {
			b.warnings = append(b.warnings, fmt.Errorf("%s:%d: file for module %q not found", file, decl.Decl.Span.Start, decl.Decl.Name))
			continue
		}
		pf, ok := b.parsed[childFile]
		if !ok {
			continue // parse failure already reported
		}
		grandDir := path.Join(childDir, decl.Decl.Name)
		m.Children = append(m.Children, b.module(decl.Decl.Name, childSegs, childFile, childKind, pf.Scope, pf.Lines, grandDir))
	}
	return m
}

func (b *treeBuilder) resolveModFile(dir, name string) (string, model.ModuleKind, bool) {
	flat := path.Join(dir, name+".rs")
	if b.known[flat] {
		return flat, model.ModuleFile, true
	}
	nested := path.Join(dir, name, "mod.rs")
	if b.known[nested] {
		return nested, model.ModuleEntryMod, true
	}
	return "", 0, false
}

func (b *treeBuilder) assignIDs(m *model.Module) {
	used := make(map[model.ItemID]int)
	for i := range m.Items {
		it := &m.Items[i]
		name := it.Name
		if it.Kind == model.KindImpl {
			name = "impl " + it.Name
			if it.Trait != "" {
				name = "impl " + it.Trait + " for " + it.Name
			}
		}
		id := model.ItemID(b.crate.ItemPath(m, name))
		used[id]++
		if n := used[id]; n > 1 {
			id = model.ItemID(fmt.Sprintf("%s#%d", id, n))
		}
		it.ID = id
	}
}

type refEntry struct {
	id     model.ItemID
	module *model.Module
}

// resolveDeps links raw item references to project items. A single-segment
// reference binds to the same module first, then to a name unique within
// the crate; a qualified one binds to an item of another workspace crate
// named by its first segment, or to an item whose module name matches the
// qualifier.
func resolveDeps(p *model.Project) {
	byCrate := make(map[string]map[string][]refEntry)
	for _, c := range p.Crates {
		idx := make(map[string][]refEntry)
		for _, m := range c.Modules() {
			for _, it := range m.Items {
				if it.Kind.Named() && it.Name != "" {
					idx[it.Name] = append(idx[it.Name], refEntry{id: it.ID, module: m})
				}
			}
		}
		byCrate[c.Ident()] = idx
	}

	for _, c := range p.Crates {
		idx := byCrate[c.Ident()]
		for _, m := range c.Modules() {
			for i := range m.Items {
				it := &m.Items[i]
				deps := make(map[model.ItemID]bool)
				for _, ref := range it.Refs {
					if target := resolveRef(c, m, ref, idx, byCrate); target != "" && target != it.ID {
						deps[target] = true
					}
				}
				it.Deps = nil
				for id := range deps {
					it.Deps = append(it.Deps, id)
				}
				sort.Slice(it.Deps, func(a, b int) bool { return it.Deps[a] < it.Deps[b] })
			}
		}
	}
}

func resolveRef(c *model.Crate, m *model.Module, ref []string, idx map[string][]refEntry, byCrate map[string]map[string][]refEntry) model.ItemID {
	last := ref[len(ref)-1]
	candidates := idx[last]

	if len(ref) == 1 {
		for _, e := range candidates {
			if e.module == m {
				return e.id
			}
		}
		if len(candidates) == 1 {
			return candidates[0].id
		}
		return ""
	}

	if other, ok := byCrate[ref[0]]; ok && ref[0] != c.Ident() {
		if len(other[last]) > 0 {
			return other[last][0].id
		}
		return ""
	}

	qualifier := ref[len(ref)-2]
	for _, e := range candidates {
		switch qualifier {
		case "self":
			if e.module == m {
				return e.id
			}
		case "crate":
			if len(ref) == 2 && e.module == c.Root {
				return e.id
			}
		default:
			if e.module.Name == qualifier {
				return e.id
			}
		}
	}
	if len(candidates) == 1 {
		return candidates[0].id
	}
	return ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// IsNotFound reports whether err means the root is not a Cargo project.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrProjectNotFound) || errors.Is(err, fs.ErrNotExist)
}
