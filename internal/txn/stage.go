package txn

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/aezell/crateguard/internal/cargo"
	"github.com/aezell/crateguard/internal/diff"
	"github.com/aezell/crateguard/internal/fixup"
	"github.com/aezell/crateguard/internal/model"
	"github.com/aezell/crateguard/internal/plan"
	"github.com/aezell/crateguard/internal/safeio"
)

type stepKind int

const (
	stepMkdir stepKind = iota
	stepWrite
	stepMove
	stepRemove
)

// step is one primitive filesystem action with its content precomputed.
type step struct {
	kind    stepKind
	path    string
	from    string
	content string
}

func (s step) String() string {
	switch s.kind {
	case stepMkdir:
		return "mkdir " + s.path
	case stepWrite:
		return "write " + s.path
	case stepMove:
		return "move " + s.from + " -> " + s.path
	default:
		return "remove " + s.path
	}
}

// validated is the merged, ordered form of a batch of plans.
type validated struct {
	mkdirs   []plan.FileOperation
	places   []plan.FileOperation // creates and moves
	modifies []plan.FileOperation
	deletes  []plan.FileOperation
	cargo    []plan.CargoChange
	moves    plan.MovedItemTable
	files    map[string]plan.FileContext
	crates   []string
	resolves []model.Violation
}

// validate merges the operations of plans and rejects conflicts: a path
// created twice or over an existing file, moves from missing or touched
// files, edits of created, moved or deleted files, overlapping edits, and
// two items moved to one path. Edits of one file from several plans merge.
func validate(fsys *safeio.SafeFS, plans []*plan.Plan) (*validated, error) {
	v := &validated{files: make(map[string]plan.FileContext)}
	created := make(map[string]bool)
	gone := make(map[string]bool) // moved from or deleted
	dirs := make(map[string]bool)
	modIndex := make(map[string]int)
	cargoSeen := make(map[plan.CargoChange]bool)

	conflict := func(p, format string, args ...any) error {
		return &ConflictError{Path: p, Reason: fmt.Sprintf(format, args...)}
	}
	existing := func(p string) bool {
		info, err := fsys.Stat(p)
		return err == nil && !info.IsDir()
	}

	var tables []plan.MovedItemTable
	for _, pl := range plans {
		for _, op := range pl.Operations {
			switch op.Kind {
			case plan.OpCreateDirectory:
				if !dirs[op.Path] {
					dirs[op.Path] = true
					v.mkdirs = append(v.mkdirs, op)
				}
			case plan.OpCreateFile:
				if created[op.Path] {
					return nil, conflict(op.Path, "created by two operations")
				}
				if existing(op.Path) && !gone[op.Path] {
					return nil, conflict(op.Path, "file already exists")
				}
				created[op.Path] = true
				v.places = append(v.places, op)
			case plan.OpMoveFile:
				if !existing(op.From) || gone[op.From] {
					return nil, conflict(op.From, "move source is missing")
				}
				if _, ok := modIndex[op.From]; ok {
					return nil, conflict(op.From, "moved and edited by different operations")
				}
				if created[op.Path] || existing(op.Path) {
					return nil, conflict(op.Path, "move destination already exists")
				}
				gone[op.From] = true
				created[op.Path] = true
				v.places = append(v.places, op)
			case plan.OpModifyFile:
				if created[op.Path] {
					return nil, conflict(op.Path, "edit of a file created in the same transaction")
				}
				if gone[op.Path] {
					return nil, conflict(op.Path, "edit of a moved or deleted file")
				}
				if !existing(op.Path) {
					return nil, conflict(op.Path, "edited file does not exist")
				}
				if i, ok := modIndex[op.Path]; ok {
					prev := v.modifies[i]
					if plan.Overlaps(prev.Changes, op.Changes) {
						return nil, conflict(op.Path, "overlapping edits")
					}
					prev.Changes = append(append([]plan.TextChange(nil), prev.Changes...), op.Changes...)
					v.modifies[i] = prev
					continue
				}
				modIndex[op.Path] = len(v.modifies)
				v.modifies = append(v.modifies, op)
			case plan.OpDeleteFile:
				if !existing(op.Path) || gone[op.Path] {
					return nil, conflict(op.Path, "deleted file does not exist")
				}
				if _, ok := modIndex[op.Path]; ok {
					return nil, conflict(op.Path, "deleted and edited by different operations")
				}
				gone[op.Path] = true
				v.deletes = append(v.deletes, op)
			default:
				return nil, conflict(op.Path, "unknown operation %d", op.Kind)
			}
		}
		for _, c := range pl.CargoChanges {
			if cargoSeen[c] {
				continue
			}
			if !existing(c.Manifest) && !created[c.Manifest] {
				return nil, conflict(c.Manifest, "manifest does not exist")
			}
			cargoSeen[c] = true
			v.cargo = append(v.cargo, c)
		}
		for _, fc := range pl.Files {
			v.files[fc.Path] = fc
		}
		tables = append(tables, pl.Moves)
		v.crates = append(v.crates, pl.Crates...)
		v.resolves = append(v.resolves, pl.Resolves...)
	}

	for _, m := range v.modifies {
		data, err := fsys.ReadFile(m.Path)
		if err != nil {
			return nil, conflict(m.Path, "unreadable: %v", err)
		}
		if err := plan.CheckChanges(len(plan.SplitLines(string(data))), m.Changes); err != nil {
			return nil, conflict(m.Path, "%v", err)
		}
	}

	moves, err := plan.Merge(tables...)
	if err != nil {
		var coll *plan.CollisionError
		if errors.As(err, &coll) {
			return nil, conflict(coll.To, "%v", err)
		}
		return nil, err
	}
	v.moves = moves

	// Parents before children; members before dependencies.
	sort.SliceStable(v.mkdirs, func(i, j int) bool {
		return strings.Count(v.mkdirs[i].Path, "/") < strings.Count(v.mkdirs[j].Path, "/")
	})
	sort.SliceStable(v.cargo, func(i, j int) bool {
		return v.cargo[i].Kind == plan.AddMember && v.cargo[j].Kind != plan.AddMember
	})
	return v, nil
}

// overlay is the staged tree: files changed so far on top of the disk.
type overlay struct {
	fsys   *safeio.SafeFS
	files  map[string]*string // nil: removed
	dirs   map[string]bool
	origin map[string]string // staged path -> path on disk before
	away   map[string]bool   // moved to another path
	order  []string          // staged paths in first-touch order
}

func (o *overlay) read(p string) (string, bool) {
	if c, ok := o.files[p]; ok {
		if c == nil {
			return "", false
		}
		return *c, true
	}
	data, err := o.fsys.ReadFile(p)
	if err != nil {
		return "", false
	}
	return string(data), true
}

func (o *overlay) isDir(p string) bool {
	if p == "." || p == "" || o.dirs[p] {
		return true
	}
	info, err := o.fsys.Stat(p)
	return err == nil && info.IsDir()
}

func (o *overlay) touch(p string) {
	if _, ok := o.origin[p]; !ok {
		o.origin[p] = p
		o.order = append(o.order, p)
	}
}

func (o *overlay) set(p, content string) {
	o.touch(p)
	o.files[p] = &content
}

// staged is a validated batch with its primitive steps.
type staged struct {
	v     *validated
	ov    *overlay
	steps []step
	ops   []plan.FileOperation
	cargo []plan.CargoChange
}

func stage(ctx context.Context, fsys *safeio.SafeFS, plans []*plan.Plan, project *model.Project) (*staged, error) {
	v, err := validate(fsys, plans)
	if err != nil {
		return nil, err
	}
	st := &staged{
		v: v,
		ov: &overlay{
			fsys:   fsys,
			files:  make(map[string]*string),
			dirs:   make(map[string]bool),
			origin: make(map[string]string),
			away:   make(map[string]bool),
		},
	}

	for _, op := range v.mkdirs {
		st.mkdirAll(op.Path)
		st.ops = append(st.ops, op)
	}
	for _, op := range v.places {
		st.mkdirAll(path.Dir(op.Path))
		if op.Kind == plan.OpCreateFile {
			st.ov.set(op.Path, op.Content)
			st.steps = append(st.steps, step{kind: stepWrite, path: op.Path, content: op.Content})
		} else {
			content, _ := st.ov.read(op.From)
			st.ov.touch(op.From)
			st.ov.files[op.From] = nil
			st.ov.away[op.From] = true
			st.ov.files[op.Path] = &content
			st.ov.origin[op.Path] = op.From
			st.ov.order = append(st.ov.order, op.Path)
			st.steps = append(st.steps, step{kind: stepMove, from: op.From, path: op.Path, content: content})
		}
		st.ops = append(st.ops, op)
	}
	for _, op := range v.modifies {
		if err := st.modify(op); err != nil {
			return nil, err
		}
	}
	if err := st.fixup(ctx, project); err != nil {
		return nil, err
	}
	for _, c := range v.cargo {
		if err := st.cargoChange(c); err != nil {
			return nil, err
		}
	}
	for _, op := range v.deletes {
		st.ov.touch(op.Path)
		st.ov.files[op.Path] = nil
		st.steps = append(st.steps, step{kind: stepRemove, path: op.Path})
		st.ops = append(st.ops, op)
	}
	return st, nil
}

func (st *staged) mkdirAll(dir string) {
	if st.ov.isDir(dir) {
		return
	}
	st.mkdirAll(path.Dir(dir))
	st.ov.dirs[dir] = true
	st.steps = append(st.steps, step{kind: stepMkdir, path: dir})
}

func (st *staged) modify(op plan.FileOperation) error {
	text, ok := st.ov.read(op.Path)
	if !ok {
		return &ConflictError{Path: op.Path, Reason: "edited file does not exist"}
	}
	out, err := plan.ApplyChanges(text, op.Changes)
	if err != nil {
		return &ConflictError{Path: op.Path, Reason: err.Error()}
	}
	st.ov.set(op.Path, out)
	st.steps = append(st.steps, step{kind: stepWrite, path: op.Path, content: out})
	st.ops = append(st.ops, op)
	return nil
}

func (st *staged) cargoChange(c plan.CargoChange) error {
	text, ok := st.ov.read(c.Manifest)
	if !ok {
		return &ConflictError{Path: c.Manifest, Reason: "manifest does not exist"}
	}
	var out string
	var err error
	if c.Kind == plan.AddMember {
		out, err = cargo.AddWorkspaceMember(text, c.Member)
	} else {
		out, err = cargo.AddPathDependency(text, c.Crate, c.Path)
	}
	if err != nil {
		return &ConflictError{Path: c.Manifest, Reason: err.Error()}
	}
	st.cargo = append(st.cargo, c)
	if out == text {
		return nil
	}
	st.ov.set(c.Manifest, out)
	st.steps = append(st.steps, step{kind: stepWrite, path: c.Manifest, content: out})
	return nil
}

// fixup rewrites references to moved items in every staged source file.
func (st *staged) fixup(ctx context.Context, project *model.Project) error {
	if len(st.v.moves) == 0 {
		return nil
	}

	crates, deps := st.crateGraph(project)
	fixer := fixup.New(st.v.moves, crates, deps)

	contexts := make(map[string]fixup.Context)
	if project != nil {
		for _, c := range project.Crates {
			for _, m := range c.Modules() {
				if m.Kind == model.ModuleInline {
					continue
				}
				contexts[m.File] = fixup.Context{OriginCrate: c.Ident(), HomeCrate: c.Ident(), Module: m.Path}
			}
		}
	}
	for p, origin := range st.ov.origin {
		if p != origin {
			delete(contexts, origin)
		}
	}
	for p, fc := range st.v.files {
		contexts[p] = fixup.Context{OriginCrate: fc.OriginCrate, HomeCrate: fc.HomeCrate, Module: fc.Module}
	}

	paths := make([]string, 0, len(contexts))
	for p := range contexts {
		if strings.HasSuffix(p, ".rs") {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	for _, p := range paths {
		text, ok := st.ov.read(p)
		if !ok {
			continue
		}
		changes, err := fixer.Rewrite(ctx, contexts[p], []byte(text))
		if err != nil {
			return fmt.Errorf("reference fixup of %s: %w", p, err)
		}
		if len(changes) == 0 {
			continue
		}
		if err := st.modify(plan.Modify(p, changes...)); err != nil {
			return err
		}
	}
	return nil
}

// crateGraph lists crate identifiers and their dependencies as they will be
// after the batch: the model's crates, crates the plans create, and the
// dependencies the plans add.
func (st *staged) crateGraph(project *model.Project) ([]string, map[string][]string) {
	var crates []string
	deps := make(map[string][]string)
	byManifest := make(map[string]string)
	if project != nil {
		for _, c := range project.Crates {
			crates = append(crates, c.Ident())
			deps[c.Ident()] = append(deps[c.Ident()], c.Deps...)
			byManifest[c.Manifest] = c.Ident()
		}
	}
	crates = append(crates, st.v.crates...)

	for _, op := range st.v.places {
		if op.Kind != plan.OpCreateFile || path.Base(op.Path) != "Cargo.toml" {
			continue
		}
		m, err := cargo.Parse(op.Content)
		if err != nil || m.Package == nil {
			continue
		}
		ident := model.CrateIdent(m.Package.Name)
		byManifest[op.Path] = ident
		for name := range m.Dependencies {
			deps[ident] = append(deps[ident], model.CrateIdent(name))
		}
	}
	for _, c := range st.v.cargo {
		if c.Kind != plan.AddDependency {
			continue
		}
		if ident, ok := byManifest[c.Manifest]; ok {
			deps[ident] = append(deps[ident], model.CrateIdent(c.Crate))
		}
	}
	return crates, deps
}

func (st *staged) result(mode Mode) *Result {
	res := &Result{
		Mode:         mode,
		Operations:   st.ops,
		CargoChanges: st.cargo,
		Resolves:     st.v.resolves,
	}
	seen := make(map[string]bool)
	for _, s := range st.steps {
		if s.kind == stepMkdir || seen[s.path] {
			continue
		}
		seen[s.path] = true
		res.Files = append(res.Files, s.path)
	}
	return res
}

// diff renders the staged tree against the disk.
func (st *staged) diff(lines int) (string, error) {
	var changes []diff.Change
	for _, p := range st.ov.order {
		c, ok := st.ov.files[p]
		origin := st.ov.origin[p]
		if !ok {
			continue
		}
		old, existed := "", false
		if data, err := st.ov.fsys.ReadFile(origin); err == nil {
			old, existed = string(data), true
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		ch := diff.Change{Old: old}
		if existed {
			ch.OldPath = origin
		}
		if c != nil {
			ch.NewPath, ch.New = p, *c
		} else if st.ov.away[p] || !existed {
			// Moves are rendered at their destination.
			continue
		}
		changes = append(changes, ch)
	}
	return diff.Render(changes, lines)
}
