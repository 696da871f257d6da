// Package cargo reads Cargo.toml manifests and applies the small textual
// edits refactors need: adding workspace members and path dependencies.
// Edits are textual so comments and layout elsewhere in the file survive.
package cargo

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Manifest is the subset of Cargo.toml crateguard reads.
type Manifest struct {
	Package      *Package         `toml:"package"`
	Lib          *Target          `toml:"lib"`
	Workspace    *Workspace       `toml:"workspace"`
	Dependencies map[string]any   `toml:"dependencies"`
	Bin          []Target         `toml:"bin"`
	Features     map[string][]any `toml:"features"`
}

// Package is the [package] table.
type Package struct {
	Name    string `toml:"name"`
	Version any    `toml:"version"`
	Edition any    `toml:"edition"`
}

// Target is a [lib] or [[bin]] table.
type Target struct {
	Name string `toml:"name"`
	Path string `toml:"path"`
}

// Workspace is the [workspace] table.
type Workspace struct {
	Members []string `toml:"members"`
	Exclude []string `toml:"exclude"`
}

// Parse decodes manifest text.
func Parse(text string) (*Manifest, error) {
	var m Manifest
	if err := toml.Unmarshal([]byte(text), &m); err != nil {
		return nil, fmt.Errorf("parsing Cargo.toml: %w", err)
	}
	return &m, nil
}

// VersionString returns the package version, or "0.1.0" when it is missing
// or inherited from the workspace.
func (p *Package) VersionString() string {
	if s, ok := p.Version.(string); ok && s != "" {
		return s
	}
	return "0.1.0"
}

// EditionString returns the package edition, defaulting to 2021.
func (p *Package) EditionString() string {
	if s, ok := p.Edition.(string); ok && s != "" {
		return s
	}
	return "2021"
}

// HasDependency reports whether the [dependencies] table names dep.
func (m *Manifest) HasDependency(dep string) bool {
	_, ok := m.Dependencies[dep]
	return ok
}

// HasMember reports whether the workspace lists member.
func (m *Manifest) HasMember(member string) bool {
	if m.Workspace == nil {
		return false
	}
	for _, existing := range m.Workspace.Members {
		if path.Clean(existing) == path.Clean(member) {
			return true
		}
	}
	return false
}

type section struct {
	name       string
	start, end int // header line index, exclusive end line index
}

func sections(lines []string) []section {
	var out []section
	for i, l := range lines {
		t := strings.TrimSpace(l)
		if strings.HasPrefix(t, "[") && !strings.HasPrefix(t, "[[") {
			if j := strings.Index(t, "]"); j > 0 {
				if len(out) > 0 {
					out[len(out)-1].end = i
				}
				out = append(out, section{name: strings.TrimSpace(t[1:j]), start: i, end: len(lines)})
				continue
			}
		}
		if strings.HasPrefix(t, "[[") {
			if len(out) > 0 && out[len(out)-1].end == len(lines) {
				out[len(out)-1].end = i
			}
			out = append(out, section{name: "[" + strings.Trim(t, "[] "), start: i, end: len(lines)})
		}
	}
	return out
}

func findSection(lines []string, name string) (section, bool) {
	for _, s := range sections(lines) {
		if s.name == name {
			return s, true
		}
	}
	return section{}, false
}

func splitLines(text string) []string {
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func joinLines(lines []string) string {
	return strings.Join(lines, "\n") + "\n"
}

// lastContentLine returns the index of the last non-blank line in [start,end).
func lastContentLine(lines []string, s section) int {
	last := s.start
	for i := s.start + 1; i < s.end; i++ {
		if strings.TrimSpace(lines[i]) != "" {
			last = i
		}
	}
	return last
}

// AddWorkspaceMember returns text with member added to [workspace].members.
// The members array is rewritten one entry per line. A manifest without a
// [workspace] table gains one; when it also holds a package, "." is listed.
func AddWorkspaceMember(text, member string) (string, error) {
	m, err := Parse(text)
	if err != nil {
		return "", err
	}
	if m.HasMember(member) {
		return text, nil
	}

	lines := splitLines(text)
	ws, ok := findSection(lines, "workspace")
	if !ok {
		members := []string{member}
		if m.Package != nil {
			members = []string{".", member}
		}
		out := append([]string{}, lines...)
		if len(out) > 0 && strings.TrimSpace(out[len(out)-1]) != "" {
			out = append(out, "")
		}
		out = append(out, "[workspace]")
		out = append(out, renderArray("members", members)...)
		return joinLines(out), nil
	}

	members := append([]string{}, m.Workspace.Members...)
	members = append(members, member)

	keyLine, endLine := -1, -1
	for i := ws.start + 1; i < ws.end; i++ {
		t := strings.TrimSpace(lines[i])
		if keyLine < 0 && strings.HasPrefix(t, "members") && strings.Contains(t, "=") {
			keyLine = i
		}
		if keyLine >= 0 && strings.Contains(stripComment(lines[i]), "]") {
			endLine = i
			break
		}
	}

	out := make([]string, 0, len(lines)+len(members)+2)
	if keyLine < 0 {
		insertAt := ws.start + 1
		out = append(out, lines[:insertAt]...)
		out = append(out, renderArray("members", members)...)
		out = append(out, lines[insertAt:]...)
		return joinLines(out), nil
	}
	if endLine < 0 {
		return "", fmt.Errorf("unterminated workspace members array at line %d", keyLine+1)
	}
	out = append(out, lines[:keyLine]...)
	out = append(out, renderArray("members", members)...)
	out = append(out, lines[endLine+1:]...)
	return joinLines(out), nil
}

// AddPathDependency returns text with `name = { path = "..." }` added to
// [dependencies]. Existing entries are left alone.
func AddPathDependency(text, name, depPath string) (string, error) {
	m, err := Parse(text)
	if err != nil {
		return "", err
	}
	if m.HasDependency(name) {
		return text, nil
	}

	entry := fmt.Sprintf("%s = { path = %q }", name, depPath)
	lines := splitLines(text)
	deps, ok := findSection(lines, "dependencies")
	if !ok {
		out := append([]string{}, lines...)
		if len(out) > 0 && strings.TrimSpace(out[len(out)-1]) != "" {
			out = append(out, "")
		}
		out = append(out, "[dependencies]", entry)
		return joinLines(out), nil
	}

	at := lastContentLine(lines, deps) + 1
	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:at]...)
	out = append(out, entry)
	out = append(out, lines[at:]...)
	return joinLines(out), nil
}

// DependenciesTable returns the raw body lines of the [dependencies] table,
// without the header and trailing blank lines.
func DependenciesTable(text string) []string {
	lines := splitLines(text)
	deps, ok := findSection(lines, "dependencies")
	if !ok {
		return nil
	}
	last := lastContentLine(lines, deps)
	return append([]string{}, lines[deps.start+1:last+1]...)
}

var pathValue = regexp.MustCompile(`(\bpath\s*=\s*")([^"]*)(")`)

// RebasePaths rewrites relative `path = "..."` values in dependency lines
// written for a manifest in fromDir so they resolve the same from toDir.
// Both directories are slash-separated and project-relative.
func RebasePaths(lines []string, fromDir, toDir string) []string {
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = pathValue.ReplaceAllStringFunc(line, func(m string) string {
			parts := pathValue.FindStringSubmatch(m)
			p := parts[2]
			if path.IsAbs(p) {
				return m
			}
			rel, err := filepath.Rel(filepath.FromSlash(toDir), filepath.FromSlash(path.Join(fromDir, p)))
			if err != nil {
				return m
			}
			return parts[1] + filepath.ToSlash(rel) + parts[3]
		})
	}
	return out
}

// NewLibraryManifest renders the Cargo.toml of a generated library crate.
// deps are raw dependency lines; pathDeps maps crate names to relative paths.
func NewLibraryManifest(name, version, edition string, deps []string, pathDeps map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[package]\nname = %q\nversion = %q\nedition = %q\n", name, version, edition)

	names := make([]string, 0, len(pathDeps))
	for n := range pathDeps {
		names = append(names, n)
	}
	sort.Strings(names)

	if len(deps) == 0 && len(names) == 0 {
		return b.String()
	}
	b.WriteString("\n[dependencies]\n")
	for _, d := range deps {
		b.WriteString(d)
		b.WriteByte('\n')
	}
	for _, n := range names {
		fmt.Fprintf(&b, "%s = { path = %q }\n", n, pathDeps[n])
	}
	return b.String()
}

func renderArray(key string, values []string) []string {
	out := []string{key + " = ["}
	for _, v := range values {
		out = append(out, fmt.Sprintf("    %q,", v))
	}
	return append(out, "]")
}

func stripComment(line string) string {
	inString := false
	for i, r := range line {
		switch r {
		case '"':
			inString = !inString
		case '#':
			if !inString {
				return line[:i]
			}
		}
	}
	return line
}
