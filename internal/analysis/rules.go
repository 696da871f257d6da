package analysis

import (
	"fmt"

	"github.com/aezell/crateguard/internal/config"
	"github.com/aezell/crateguard/internal/model"
)

// TooManyCratesRule flags components holding more crates than allowed.
// Without configured components every crate belongs to one implicit
// component.
func TooManyCratesRule(p *model.Project, cfg *config.Config) []model.Violation {
	components := cfg.Components
	if len(components) == 0 {
		all := config.Component{Name: config.DefaultComponent}
		for _, c := range p.Crates {
			all.Crates = append(all.Crates, c.Name)
		}
		components = []config.Component{all}
	}

	var out []model.Violation
	for _, comp := range components {
		n := 0
		for _, name := range comp.Crates {
			if p.Crate(name) != nil {
				n++
			}
		}
		if n <= cfg.MaxCratesPerComponent {
			continue
		}
		file := "Cargo.toml"
		if len(cfg.Components) > 0 {
			file = config.FileName
		}
		out = append(out, model.Violation{
			Kind:       model.RuleTooManyCrates,
			Severity:   model.SeverityError,
			Location:   model.Location{File: file},
			Message:    fmt.Sprintf("component %q has %d crates (max %d)", comp.Name, n, cfg.MaxCratesPerComponent),
			Suggestion: "regroup the component's crates into smaller components",
			Count:      n,
			Max:        cfg.MaxCratesPerComponent,
			Component:  comp.Name,
		})
	}
	return out
}

// TooManyModulesRule flags crates with more modules (below the root) than allowed.
func TooManyModulesRule(c *model.Crate, cfg *config.Config) []model.Violation {
	n := c.Metrics.Modules
	if n <= cfg.MaxModulesPerCrate {
		return nil
	}
	return []model.Violation{{
		Kind:       model.RuleTooManyModules,
		Severity:   model.SeverityError,
		Location:   model.Location{File: c.Manifest, Crate: c.Name},
		Message:    fmt.Sprintf("crate %q has %d modules (max %d)", c.Name, n, cfg.MaxModulesPerCrate),
		Suggestion: "split the crate into several crates",
		Count:      n,
		Max:        cfg.MaxModulesPerCrate,
	}}
}

// TooManyFunctionsRule flags modules declaring more free functions than allowed.
func TooManyFunctionsRule(c *model.Crate, cfg *config.Config) []model.Violation {
	var out []model.Violation
	for _, m := range c.Modules() {
		n := m.Metrics.Functions
		if n <= cfg.MaxFunctionsPerModule {
			continue
		}
		out = append(out, model.Violation{
			Kind:       model.RuleTooManyFunctions,
			Severity:   model.SeverityWarning,
			Location:   moduleLocation(c, m),
			Message:    fmt.Sprintf("module %s has %d functions (max %d)", displayPath(c, m), n, cfg.MaxFunctionsPerModule),
			Suggestion: "split the module into submodules",
			Count:      n,
			Max:        cfg.MaxFunctionsPerModule,
		})
	}
	return out
}

// TooManyLocRule flags module files longer than allowed.
func TooManyLocRule(c *model.Crate, cfg *config.Config) []model.Violation {
	var out []model.Violation
	for _, m := range c.Modules() {
		if m.Kind == model.ModuleInline {
			continue
		}
		n := m.Metrics.Lines
		if n <= cfg.MaxLocPerFile {
			continue
		}
		out = append(out, model.Violation{
			Kind:       model.RuleTooManyLoc,
			Severity:   model.SeverityWarning,
			Location:   moduleLocation(c, m),
			Message:    fmt.Sprintf("%s has %d lines (max %d)", m.File, n, cfg.MaxLocPerFile),
			Suggestion: "distribute the file's items over several files",
			Count:      n,
			Max:        cfg.MaxLocPerFile,
		})
	}
	return out
}

// ItemInEntryFileRule flags every function, struct, enum and trait declared
// directly in an entry file, one violation per item.
func ItemInEntryFileRule(c *model.Crate, cfg *config.Config) []model.Violation {
	var out []model.Violation
	for _, m := range c.Modules() {
		if !m.Kind.IsEntry() {
			continue
		}
		for _, it := range m.Items {
			if !entryRuleApplies(m.Kind, it.Kind, cfg) {
				continue
			}
			loc := moduleLocation(c, m)
			loc.Line = it.Span.Start
			out = append(out, model.Violation{
				Kind:       model.RuleItemInEntryFile,
				Severity:   model.SeverityWarning,
				Location:   loc,
				Message:    fmt.Sprintf("%s %s is declared in entry file %s", it.Kind, it.Name, m.File),
				Suggestion: "move it to its own module and re-export it",
				ItemKind:   it.Kind,
				Item:       it.ID,
			})
		}
	}
	return out
}

func entryRuleApplies(mk model.ModuleKind, ik model.ItemKind, cfg *config.Config) bool {
	lib := mk == model.ModuleEntryLib
	switch {
	case ik == model.KindFunction:
		if lib {
			return cfg.NoFunctionsInLibRs
		}
		return cfg.NoFunctionsInModRs
	case ik.IsTypeDefinition():
		if lib {
			return cfg.NoStructsInLibRs
		}
		return cfg.NoStructsInModRs
	}
	return false
}

func moduleLocation(c *model.Crate, m *model.Module) model.Location {
	return model.Location{File: m.File, Crate: c.Name, Module: m.PathString()}
}

func displayPath(c *model.Crate, m *model.Module) string {
	if len(m.Path) == 0 {
		return c.Ident()
	}
	return c.Ident() + "::" + m.PathString()
}
