package patterns

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"
	"unicode"

	"github.com/aezell/crateguard/internal/fixup"
	"github.com/aezell/crateguard/internal/model"
	"github.com/aezell/crateguard/internal/plan"
)

// newFileHeader starts every file that receives items moved one module
// down, so names from the original module keep resolving.
const newFileHeader = "use super::*;\n\n"

type source struct {
	path  string
	lines []string
}

func readSource(env *Env, file string) (*source, error) {
	data, err := env.FS.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return &source{path: file, lines: plan.SplitLines(string(data))}, nil
}

// slice returns the text of the 1-based inclusive line range.
func (s *source) slice(r model.LineRange) string {
	start, end := r.Start-1, r.End
	if start < 0 {
		start = 0
	}
	if end > len(s.lines) {
		end = len(s.lines)
	}
	if start >= end {
		return ""
	}
	text := strings.Join(s.lines[start:end], "")
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return text
}

// blank reports whether the 1-based line is empty or whitespace.
func (s *source) blank(line int) bool {
	if line < 1 || line > len(s.lines) {
		return false
	}
	return strings.TrimSpace(s.lines[line-1]) == ""
}

var visPrefix = regexp.MustCompile(`^pub\s*(\(\s*[^)]*\))?`)

// relocatedVisibility returns the modifier an item declared in module
// needs once it lives in a child of module, so that everything that could
// name it before still can. ok is false when the modifier stays.
func relocatedVisibility(vis model.Visibility, module []string) (string, bool) {
	switch vis {
	case model.Private, "pub(self)":
		return "pub(super)", true
	case "pub(super)":
		if len(module) <= 1 {
			return "pub(crate)", true
		}
		return "pub(in crate::" + strings.Join(module[:len(module)-1], "::") + ")", true
	}
	return "", false
}

// movedItemText returns the text of it, declared in module, prepared for a
// child module: visibility adjusted and self/super paths made absolute.
func movedItemText(ctx context.Context, src *source, it model.Item, module []string) (string, error) {
	lines := plan.SplitLines(src.slice(it.Span.LineRange))
	if err := relocateItem(lines, it.Span.Start, it, module); err != nil {
		return "", fmt.Errorf("%s: %w", src.path, err)
	}
	return fixup.Absolutize(ctx, strings.Join(lines, ""), module)
}

// relocateItem rewrites the visibility of it in lines, which start at the
// 1-based source line first.
func relocateItem(lines []string, first int, it model.Item, module []string) error {
	if it.Kind == model.KindImpl || it.Kind == model.KindMacro {
		return nil
	}
	vis, ok := relocatedVisibility(it.Visibility, module)
	if !ok {
		return nil
	}
	i := it.DeclLine - first
	if i < 0 || i >= len(lines) || it.DeclCol > len(lines[i]) {
		return fmt.Errorf("declaration of %s out of range", it.Name)
	}
	lines[i] = withVisibility(lines[i], it.DeclCol, it.Visibility, vis)
	return nil
}

// withVisibility replaces (or inserts) the modifier of the declaration
// starting at byte col of line.
func withVisibility(line string, col int, old model.Visibility, vis string) string {
	head, rest := line[:col], line[col:]
	if old.IsPrivate() {
		return head + vis + " " + rest
	}
	return head + visPrefix.ReplaceAllString(rest, vis)
}

var inlineModRe = regexp.MustCompile(`^(\s*)(?:pub(?:\s*\([^)]*\))?\s+)?mod\s`)

// relocateInlineMod widens the visibility of an inline module declared at
// the first line of lines matching `mod name`.
func relocateInlineMod(lines []string, vis model.Visibility, module []string) {
	to, ok := relocatedVisibility(vis, module)
	if !ok {
		return
	}
	for i, l := range lines {
		if loc := inlineModRe.FindStringSubmatchIndex(l); loc != nil {
			lines[i] = withVisibility(l, loc[3], vis, to)
			return
		}
	}
}

var rustKeywords = map[string]bool{
	"as": true, "async": true, "await": true, "break": true, "const": true, "continue": true,
	"crate": true, "dyn": true, "else": true, "enum": true, "extern": true, "false": true,
	"fn": true, "for": true, "if": true, "impl": true, "in": true, "let": true, "loop": true,
	"match": true, "mod": true, "move": true, "mut": true, "pub": true, "ref": true,
	"return": true, "self": true, "static": true, "struct": true, "super": true,
	"trait": true, "true": true, "type": true, "unsafe": true, "use": true, "where": true,
	"while": true, "abstract": true, "become": true, "box": true, "do": true, "final": true,
	"macro": true, "override": true, "priv": true, "try": true, "typeof": true,
	"unsized": true, "virtual": true, "yield": true, "union": true,
}

// snakeCase lower-cases name and separates words with underscores.
func snakeCase(name string) string {
	name = strings.TrimPrefix(name, "r#")
	runes := []rune(name)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && runes[i-1] != '_' && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]) ||
				(i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// moduleStem derives a module name from an item's kind and name.
func moduleStem(kind model.ItemKind, name string) string {
	stem := snakeCase(name)
	if rustKeywords[stem] || (stem == name && kind.IsTypeDefinition()) {
		stem += "_" + kind.String()
	}
	return stem
}

// typeNamespace returns names a new child module must not shadow in m:
// child modules, type-namespace items and the last segment of imports.
func typeNamespace(m *model.Module) map[string]bool {
	taken := make(map[string]bool)
	for _, d := range m.Decls {
		taken[d.Name] = true
	}
	for _, it := range m.Items {
		switch it.Kind {
		case model.KindStruct, model.KindEnum, model.KindTrait, model.KindTypeAlias:
			taken[it.Name] = true
		}
	}
	for _, u := range m.Uses {
		for _, name := range importedNames(u.Text) {
			taken[name] = true
		}
	}
	return taken
}

var identRe = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)

// importedNames approximates the names a use declaration binds: aliases
// and last path segments.
func importedNames(text string) []string {
	text = strings.TrimSuffix(strings.TrimSpace(text), ";")
	var out []string
	for _, part := range strings.FieldsFunc(text, func(r rune) bool { return r == '{' || r == '}' || r == ',' }) {
		part = strings.TrimSpace(part)
		if i := strings.LastIndex(part, " as "); i >= 0 {
			out = append(out, strings.TrimSpace(part[i+4:]))
			continue
		}
		segs := strings.Split(part, "::")
		if last := identRe.FindString(segs[len(segs)-1]); last != "" && last != "self" {
			out = append(out, last)
		}
	}
	return out
}

// freeChildName returns the first name among base, base_2, base_3... that
// is not taken and whose files do not exist under dir.
func freeChildName(env *Env, dir, base string, taken map[string]bool) string {
	for n := 1; ; n++ {
		name := base
		if n > 1 {
			name = fmt.Sprintf("%s_%d", base, n)
		}
		if taken[name] {
			continue
		}
		if env.FS.Exists(path.Join(dir, name+".rs")) || env.FS.Exists(path.Join(dir, name, "mod.rs")) {
			continue
		}
		return name
	}
}

// partName returns the first part_n (n >= 1) free under dir.
func partName(env *Env, dir string, taken map[string]bool) string {
	for n := 1; ; n++ {
		name := fmt.Sprintf("part_%d", n)
		if taken[name] || env.FS.Exists(path.Join(dir, name+".rs")) || env.FS.Exists(path.Join(dir, name, "mod.rs")) {
			continue
		}
		return name
	}
}

func joinLines(lines ...string) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return b.String()
}

// trimTrailingBlank drops blank lines at the end of text, keeping one
// final newline.
func trimTrailingBlank(text string) string {
	text = strings.TrimRight(text, " \t\n")
	if text == "" {
		return ""
	}
	return text + "\n"
}
