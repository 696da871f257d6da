package patterns

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aezell/crateguard/internal/model"
	"github.com/aezell/crateguard/internal/plan"
)

// entryTarget is where one offending entry-file item goes.
type entryTarget struct {
	item   int
	stem   string
	file   string
	exists bool // append to an existing child module file
}

// entryTargets assigns a target module to every function, struct, enum
// and trait of the entry module m, in source order. Names that collide get
// a numeric suffix in first-seen order.
func entryTargets(env *Env, m *model.Module) []entryTarget {
	taken := typeNamespace(m)
	appended := make(map[string]bool)
	dir := m.ChildDir()
	var out []entryTarget
	for i, it := range m.Items {
		if it.Kind != model.KindFunction && !it.Kind.IsTypeDefinition() {
			continue
		}
		base := moduleStem(it.Kind, it.Name)
		t := entryTarget{item: i}

		// An existing file-backed child of the same name receives the item,
		// unless it already declares that name.
		if child := m.Child(base); child != nil && child.Kind != model.ModuleInline && !appended[base] && !declares(child, it.Name) {
			t.stem, t.file, t.exists = base, child.File, true
			appended[base] = true
			out = append(out, t)
			continue
		}
		t.stem = freeChildName(env, dir, base, taken)
		t.file = path.Join(dir, t.stem+".rs")
		taken[t.stem] = true
		out = append(out, t)
	}
	return out
}

func declares(m *model.Module, name string) bool {
	for _, it := range m.Items {
		if it.Name == name && it.Kind.Named() {
			return true
		}
	}
	return false
}

func planCleanEntry(ctx context.Context, env *Env, v model.Violation) (*plan.Plan, error) {
	crate, m, it := env.Project.FindItem(v.Item)
	if it == nil {
		return nil, planningErrorf(v, "item %s not found", v.Item)
	}
	if !m.Kind.IsEntry() {
		return nil, planningErrorf(v, "%s is not an entry file", m.File)
	}

	var target entryTarget
	found := false
	for _, t := range entryTargets(env, m) {
		if m.Items[t.item].ID == it.ID {
			target, found = t, true
			break
		}
	}
	if !found {
		return nil, planningErrorf(v, "%s %s cannot be moved", it.Kind, it.Name)
	}

	src, err := readSource(env, m.File)
	if err != nil {
		return nil, err
	}

	text, err := movedItemText(ctx, src, *it, m.Path)
	if err != nil {
		return nil, err
	}
	body := text

	entryChanges := make([]plan.TextChange, 0, 2)

	// Impl blocks of a moved type travel with it.
	if it.Kind == model.KindStruct || it.Kind == model.KindEnum {
		for _, other := range m.Items {
			if other.Kind != model.KindImpl || other.Name != it.Name {
				continue
			}
			implText, err := movedItemText(ctx, src, other, m.Path)
			if err != nil {
				return nil, err
			}
			body += "\n" + implText
			entryChanges = append(entryChanges, removal(src, other.Span.LineRange))
		}
	}

	modVis := ""
	if !it.Visibility.IsPrivate() {
		modVis = "pub(crate) "
	}
	var repl string
	if !target.exists {
		repl = fmt.Sprintf("%smod %s;\n", modVis, target.stem)
	}
	repl += fmt.Sprintf("%suse self::%s::%s;\n", it.Visibility.Prefix(), target.stem, it.Name)
	entryChanges = append(entryChanges, plan.TextChange{Start: it.Span.Start - 1, End: it.Span.End, Content: repl})

	p := &plan.Plan{
		Description: fmt.Sprintf("move %s %s from %s to %s", it.Kind, it.Name, m.File, target.file),
	}
	if target.exists {
		existing, err := readSource(env, target.file)
		if err != nil {
			return nil, err
		}
		changes := []plan.TextChange{{
			Start:   len(existing.lines),
			End:     len(existing.lines),
			Content: "\n" + body,
		}}
		if !hasGlobSuper(existing) {
			changes = append([]plan.TextChange{{Content: newFileHeader}}, changes...)
		}
		p.Operations = append(p.Operations, plan.Modify(target.file, changes...))
	} else {
		p.Operations = append(p.Operations, plan.Create(target.file, newFileHeader+body))
	}
	p.Operations = append(p.Operations, plan.Modify(m.File, entryChanges...))

	newModule := append(append([]string(nil), m.Path...), target.stem)
	p.Moves = plan.MovedItemTable{{
		From:  string(it.ID),
		To:    crate.ItemPath(&model.Module{Path: newModule}, it.Name),
		Exact: it.Kind == model.KindFunction,
	}}
	p.Files = []plan.FileContext{{
		Path:        target.file,
		OriginCrate: crate.Ident(),
		HomeCrate:   crate.Ident(),
		Module:      newModule,
	}}
	return p, nil
}

// removal deletes the lines of r plus one following blank line.
func removal(src *source, r model.LineRange) plan.TextChange {
	end := r.End
	if src.blank(end + 1) {
		end++
	}
	return plan.TextChange{Start: r.Start - 1, End: end}
}

func hasGlobSuper(src *source) bool {
	for _, l := range src.lines {
		if strings.TrimSpace(l) == "use super::*;" {
			return true
		}
	}
	return false
}
