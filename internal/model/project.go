package model

import (
	"path"
	"strings"
)

// ItemID is a stable, non-owning identifier for an item: its fully
// qualified path ("crate::module::Name"), with a "#n" suffix when a module
// holds several items that would otherwise share it (impl blocks).
type ItemID string

// Item is a top-level declaration inside a module.
type Item struct {
	ID         ItemID
	Kind       ItemKind
	Name       string // impl blocks use the self type name
	Trait      string // impl blocks only: implemented trait, "" for inherent impls
	Visibility Visibility
	Span       Span
	// DeclLine/DeclCol locate the start of the declaration itself, after any
	// attributes and doc comments (1-based line, 0-based byte column).
	DeclLine int
	DeclCol  int
	Refs       [][]string // raw referenced paths, as segments
	Deps       []ItemID   // references resolved to project items
	Complexity int        // functions only
}

// Block is a top-level construct occupying whole lines: an item, an inline
// module or a macro invocation. Item indexes Module.Items, -1 otherwise.
type Block struct {
	Range      LineRange
	Item       int
	Node       string
	Name       string
	Visibility Visibility
}

// ModuleKind distinguishes entry files from ordinary module files.
type ModuleKind int

const (
	ModuleFile ModuleKind = iota
	ModuleEntryMod         // a mod.rs file
	ModuleEntryLib         // the root file of a library crate
	ModuleCrateRoot        // the root file of a binary crate
	ModuleInline           // `mod x { ... }` inside another file
)

func (k ModuleKind) String() string {
	switch k {
	case ModuleFile:
		return "file"
	case ModuleEntryMod:
		return "mod.rs"
	case ModuleEntryLib:
		return "lib.rs"
	case ModuleCrateRoot:
		return "main.rs"
	case ModuleInline:
		return "inline"
	default:
		return "unknown"
	}
}

// IsEntry reports whether the module lives in an entry file.
func (k ModuleKind) IsEntry() bool {
	return k == ModuleEntryMod || k == ModuleEntryLib
}

// ModDecl is a `mod name;` or `mod name { ... }` declaration.
type ModDecl struct {
	Name       string
	Visibility Visibility
	Span       Span
	Inline     bool
}

// UseDecl is a top-level use declaration.
type UseDecl struct {
	Visibility Visibility
	Span       Span
	Text       string
}

// Metrics aggregates counts for a module or crate.
type Metrics struct {
	Functions  int
	Structs    int
	Lines      int
	Complexity int
	Modules    int
}

// Add accumulates o into m.
func (m *Metrics) Add(o Metrics) {
	m.Functions += o.Functions
	m.Structs += o.Structs
	m.Lines += o.Lines
	m.Complexity += o.Complexity
	m.Modules += o.Modules
}

// Module is a node of a crate's module tree. A module owns its items and
// its child modules.
type Module struct {
	Name     string
	Path     []string // segments below the crate root; nil for the root
	File     string   // project-relative path of the file holding the module
	Kind     ModuleKind
	Items    []Item
	Children []*Module
	Decls    []ModDecl
	Uses     []UseDecl
	Blocks   []Block
	// HeaderEnd is the last line before the first item (0 if the file starts
	// with an item). Lines up to it hold attributes, docs, uses and mods.
	HeaderEnd int
	Metrics   Metrics
}

// PathString renders the module path, "" for the crate root.
func (m *Module) PathString() string {
	return strings.Join(m.Path, "::")
}

// ChildDir returns the directory holding files of child modules declared in
// this module: the file's own directory for entry files and crate roots,
// and a directory named after the module for ordinary files.
func (m *Module) ChildDir() string {
	dir := path.Dir(m.File)
	if m.Kind == ModuleFile {
		return path.Join(dir, strings.TrimSuffix(path.Base(m.File), ".rs"))
	}
	return dir
}

// Child returns the direct child with the given name.
func (m *Module) Child(name string) *Module {
	for _, c := range m.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Walk visits m and its descendants depth-first in declaration order.
// Returning false from fn skips the module's children.
func (m *Module) Walk(fn func(*Module) bool) {
	if !fn(m) {
		return
	}
	for _, c := range m.Children {
		c.Walk(fn)
	}
}

// Functions returns the module's free functions in source order.
func (m *Module) Functions() []Item {
	var fns []Item
	for _, it := range m.Items {
		if it.Kind == KindFunction {
			fns = append(fns, it)
		}
	}
	return fns
}

// CrateKind distinguishes library and binary crates.
type CrateKind int

const (
	CrateLibrary CrateKind = iota
	CrateBinary
)

func (k CrateKind) String() string {
	if k == CrateBinary {
		return "binary"
	}
	return "library"
}

// Crate is one Cargo package.
type Crate struct {
	Name     string // package name as written in Cargo.toml
	Dir      string // project-relative directory holding Cargo.toml, "." for the root
	Manifest string // project-relative path of Cargo.toml
	Kind     CrateKind
	Version  string
	Edition  string
	// Deps lists the path identifiers of the crate's [dependencies];
	// DepLines holds the raw table lines for copying into new manifests.
	Deps     []string
	DepLines []string
	Root     *Module
	Metrics  Metrics
}

// DependsOn reports whether the crate lists dep (a path identifier) as a
// dependency.
func (c *Crate) DependsOn(dep string) bool {
	for _, d := range c.Deps {
		if d == dep {
			return true
		}
	}
	return false
}

// Ident returns the name used for the crate in Rust paths.
func (c *Crate) Ident() string {
	return CrateIdent(c.Name)
}

// CrateIdent converts a package name to its Rust path form.
func CrateIdent(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

// Modules returns every module of the crate, root first, depth-first.
func (c *Crate) Modules() []*Module {
	var out []*Module
	if c.Root == nil {
		return nil
	}
	c.Root.Walk(func(m *Module) bool {
		out = append(out, m)
		return true
	})
	return out
}

// FindModule returns the module at the given path below the crate root.
func (c *Crate) FindModule(segs []string) *Module {
	m := c.Root
	for _, s := range segs {
		if m == nil {
			return nil
		}
		m = m.Child(s)
	}
	return m
}

// ItemPath returns the fully qualified path of an item declared in m.
func (c *Crate) ItemPath(m *Module, name string) string {
	segs := append([]string{c.Ident()}, m.Path...)
	return strings.Join(append(segs, name), "::")
}

// Project is the immutable snapshot of a source tree.
type Project struct {
	Root     string // absolute path
	Members  []string
	Crates   []*Crate
	Warnings []error
}

// Crate returns the crate with the given package name or path identifier.
func (p *Project) Crate(name string) *Crate {
	for _, c := range p.Crates {
		if c.Name == name || c.Ident() == name {
			return c
		}
	}
	return nil
}

// ModuleByFile returns the crate and module stored in the given file. Inline
// modules are never returned.
func (p *Project) ModuleByFile(file string) (*Crate, *Module) {
	for _, c := range p.Crates {
		for _, m := range c.Modules() {
			if m.File == file && m.Kind != ModuleInline {
				return c, m
			}
		}
	}
	return nil, nil
}

// FindItem looks up an item by ID.
func (p *Project) FindItem(id ItemID) (*Crate, *Module, *Item) {
	for _, c := range p.Crates {
		for _, m := range c.Modules() {
			for i := range m.Items {
				if m.Items[i].ID == id {
					return c, m, &m.Items[i]
				}
			}
		}
	}
	return nil, nil, nil
}
