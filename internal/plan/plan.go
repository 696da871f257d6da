// Package plan defines refactor plans: pure descriptions of file and
// manifest edits that resolve violations.
package plan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aezell/crateguard/internal/model"
)

// OpKind is the tag of a FileOperation.
type OpKind int

const (
	OpCreateDirectory OpKind = iota
	OpCreateFile
	OpModifyFile
	OpMoveFile
	OpDeleteFile
)

func (k OpKind) String() string {
	switch k {
	case OpCreateDirectory:
		return "create_dir"
	case OpCreateFile:
		return "create"
	case OpModifyFile:
		return "modify"
	case OpMoveFile:
		return "move"
	case OpDeleteFile:
		return "delete"
	default:
		return "unknown"
	}
}

// TextChange replaces the lines [Start, End) (0-based) with Content.
// Start == End inserts before line Start. Content is either empty or a
// sequence of newline-terminated lines.
type TextChange struct {
	Start   int
	End     int
	Content string
}

// FileOperation is one step of a plan. Paths are slash-separated and
// relative to the project root.
type FileOperation struct {
	Kind    OpKind
	Path    string // target; destination for moves
	From    string // moves only
	Content string // creates only
	Changes []TextChange
}

func (op FileOperation) String() string {
	if op.Kind == OpMoveFile {
		return fmt.Sprintf("%s %s -> %s", op.Kind, op.From, op.Path)
	}
	return fmt.Sprintf("%s %s", op.Kind, op.Path)
}

// Create returns a CreateFile operation.
func Create(path, content string) FileOperation {
	return FileOperation{Kind: OpCreateFile, Path: path, Content: content}
}

// Modify returns a ModifyFile operation.
func Modify(path string, changes ...TextChange) FileOperation {
	return FileOperation{Kind: OpModifyFile, Path: path, Changes: changes}
}

// Move returns a MoveFile operation.
func Move(from, to string) FileOperation {
	return FileOperation{Kind: OpMoveFile, From: from, Path: to}
}

// Mkdir returns a CreateDirectory operation.
func Mkdir(path string) FileOperation {
	return FileOperation{Kind: OpCreateDirectory, Path: path}
}

// Delete returns a DeleteFile operation.
func Delete(path string) FileOperation {
	return FileOperation{Kind: OpDeleteFile, Path: path}
}

// CargoChangeKind is the tag of a CargoChange.
type CargoChangeKind int

const (
	AddMember CargoChangeKind = iota
	AddDependency
)

func (k CargoChangeKind) String() string {
	if k == AddDependency {
		return "add_dependency"
	}
	return "add_member"
}

// CargoChange edits a Cargo.toml. AddMember adds Member to the workspace
// manifest; AddDependency adds a path dependency on Crate (at Path,
// relative to the manifest's directory).
type CargoChange struct {
	Kind     CargoChangeKind
	Manifest string
	Member   string
	Crate    string
	Path     string
}

func (c CargoChange) String() string {
	if c.Kind == AddDependency {
		return fmt.Sprintf("%s %s: %s = { path = %q }", c.Kind, c.Manifest, c.Crate, c.Path)
	}
	return fmt.Sprintf("%s %s: %s", c.Kind, c.Manifest, c.Member)
}

// FileContext describes where a file produced by a plan lives afterwards,
// for reference rewriting. OriginCrate is the crate whose paths the text
// was written against; HomeCrate is the crate holding the file after the
// plan; Module is the file's module path in HomeCrate.
type FileContext struct {
	Path        string
	OriginCrate string
	HomeCrate   string
	Module      []string
}

// Plan is a not-yet-applied set of operations resolving violations.
type Plan struct {
	Pattern      string
	Description  string
	Operations   []FileOperation
	CargoChanges []CargoChange
	Resolves     []model.Violation
	Moves        MovedItemTable
	Files        []FileContext
	// Crates lists path identifiers of crates the plan creates.
	Crates []string
}

// Paths returns every path the plan touches, sorted and deduplicated.
func (p *Plan) Paths() []string {
	seen := make(map[string]bool)
	for _, op := range p.Operations {
		seen[op.Path] = true
		if op.From != "" {
			seen[op.From] = true
		}
	}
	for _, c := range p.CargoChanges {
		seen[c.Manifest] = true
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Summary renders one line per operation and cargo change.
func (p *Plan) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n", p.Pattern, p.Description)
	for _, op := range p.Operations {
		fmt.Fprintf(&b, "  %s\n", op)
	}
	for _, c := range p.CargoChanges {
		fmt.Fprintf(&b, "  %s\n", c)
	}
	return b.String()
}
