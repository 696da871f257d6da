package patterns

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aezell/crateguard/internal/cluster"
	"github.com/aezell/crateguard/internal/config"
	"github.com/aezell/crateguard/internal/model"
	"github.com/aezell/crateguard/internal/plan"
)

// componentCrates returns the crates of the named component, the implicit
// default component holding every crate when none are configured.
func componentCrates(p *model.Project, cfg *config.Config, name string) ([]*model.Crate, bool) {
	if len(cfg.Components) == 0 {
		if name != config.DefaultComponent {
			return nil, false
		}
		return p.Crates, true
	}
	for _, comp := range cfg.Components {
		if comp.Name != name {
			continue
		}
		var out []*model.Crate
		for _, n := range comp.Crates {
			if c := p.Crate(n); c != nil {
				out = append(out, c)
			}
		}
		return out, true
	}
	return nil, false
}

func planSplitComponent(ctx context.Context, env *Env, v model.Violation) (*plan.Plan, error) {
	crates, ok := componentCrates(env.Project, env.Config, v.Component)
	if !ok {
		return nil, planningErrorf(v, "component %q not found", v.Component)
	}
	if len(crates) < 2 {
		return nil, planningErrorf(v, "component %q has %d crates", v.Component, len(crates))
	}

	g := cluster.NewGraph()
	byIdent := make(map[string]*model.Crate)
	items := make(map[string][]string)
	for _, c := range crates {
		g.AddNode(c.Name, 1)
		byIdent[c.Ident()] = c
		for _, m := range c.Root.Children {
			items[c.Name] = append(items[c.Name], m.Name)
		}
	}
	for _, c := range crates {
		for _, dep := range c.Deps {
			if other, ok := byIdent[dep]; ok {
				g.AddEdge(c.Name, other.Name, 1)
			}
		}
		for _, m := range c.Modules() {
			for _, it := range m.Items {
				for _, dep := range it.Deps {
					head, _, _ := strings.Cut(string(dep), "::")
					if other, ok := byIdent[head]; ok {
						g.AddEdge(c.Name, other.Name, 1)
					}
				}
			}
		}
	}

	groups, err := groupNodes(ctx, env, g, env.Config.MaxCratesPerComponent, "component "+v.Component, items)
	if err != nil {
		return nil, planningErrorf(v, "%v", err)
	}
	comps := make([]config.Component, len(groups))
	for i, gr := range groups {
		comps[i] = config.Component{Name: fmt.Sprintf("%s-%d", v.Component, i+1), Crates: gr}
	}

	op, err := componentEdit(env, v.Component, comps)
	if err != nil {
		return nil, planningErrorf(v, "%v", err)
	}
	return &plan.Plan{
		Description: fmt.Sprintf("split component %s into %d components", v.Component, len(comps)),
		Operations:  []plan.FileOperation{op},
	}, nil
}

// renderComponents renders block sequence entries at the given indent.
func renderComponents(indent string, comps []config.Component) string {
	var b strings.Builder
	for _, c := range comps {
		quoted := make([]string, len(c.Crates))
		for i, n := range c.Crates {
			quoted[i] = fmt.Sprintf("%q", n)
		}
		fmt.Fprintf(&b, "%s- name: %q\n", indent, c.Name)
		fmt.Fprintf(&b, "%s  crates: [%s]\n", indent, strings.Join(quoted, ", "))
	}
	return b.String()
}

// componentEdit writes comps in place of the component named old in the
// config file, creating the file or the components list as needed.
func componentEdit(env *Env, old string, comps []config.Component) (plan.FileOperation, error) {
	rel := config.FileName
	if env.Config.Path != "" {
		r, err := filepath.Rel(env.Project.Root, env.Config.Path)
		if err != nil || strings.HasPrefix(r, "..") || filepath.IsAbs(r) {
			return plan.FileOperation{}, fmt.Errorf("config %s is outside the project", env.Config.Path)
		}
		rel = filepath.ToSlash(r)
	}
	if !env.FS.Exists(rel) {
		return plan.Create(rel, "components:\n"+renderComponents("  ", comps)), nil
	}

	data, err := env.FS.ReadFile(rel)
	if err != nil {
		return plan.FileOperation{}, err
	}
	lines := plan.SplitLines(string(data))
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return plan.FileOperation{}, fmt.Errorf("parsing %s: %w", rel, err)
	}

	appendBlock := func() plan.FileOperation {
		content := "components:\n" + renderComponents("  ", comps)
		if n := len(lines); n > 0 && !strings.HasSuffix(lines[n-1], "\n") {
			content = "\n" + content
		}
		return plan.Modify(rel, plan.TextChange{Start: len(lines), End: len(lines), Content: content})
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return appendBlock(), nil
	}

	top := doc.Content[0]
	for i := 0; i+1 < len(top.Content); i += 2 {
		key, val := top.Content[i], top.Content[i+1]
		if key.Value != "components" {
			continue
		}
		if val.Kind != yaml.SequenceNode {
			return plan.FileOperation{}, fmt.Errorf("%s: components is not a list", rel)
		}
		// A flow or empty list is rewritten as a block list.
		if val.Style&yaml.FlowStyle != 0 || len(val.Content) == 0 {
			if val.Line != key.Line {
				return plan.FileOperation{}, fmt.Errorf("%s: cannot rewrite components list", rel)
			}
			return plan.Modify(rel, plan.TextChange{
				Start:   key.Line - 1,
				End:     key.Line,
				Content: strings.Repeat(" ", key.Column-1) + "components:\n" + renderComponents(strings.Repeat(" ", key.Column+1), comps),
			}), nil
		}

		next := len(lines) + 1
		if i+2 < len(top.Content) {
			next = top.Content[i+2].Line
		}
		for j, entry := range val.Content {
			if !isComponent(entry, old) {
				continue
			}
			end := next - 1
			if j+1 < len(val.Content) {
				end = val.Content[j+1].Line - 1
			}
			for end > entry.Line && trailingTrivia(lines[end-1]) {
				end--
			}
			// A sequence item's mapping starts after "- ".
			indent := strings.Repeat(" ", max(entry.Column-3, 0))
			return plan.Modify(rel, plan.TextChange{
				Start:   entry.Line - 1,
				End:     end,
				Content: renderComponents(indent, comps),
			}), nil
		}
		return plan.FileOperation{}, fmt.Errorf("%s: component %q not listed", rel, old)
	}
	return appendBlock(), nil
}

func trailingTrivia(line string) bool {
	t := strings.TrimSpace(line)
	return t == "" || strings.HasPrefix(t, "#")
}

func isComponent(n *yaml.Node, name string) bool {
	if n.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == "name" {
			return n.Content[i+1].Value == name
		}
	}
	return false
}
