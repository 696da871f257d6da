// Package analysis implements the rule engine: structural rules evaluated
// over an immutable project model, producing ordered violations.
package analysis

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/aezell/crateguard/internal/config"
	"github.com/aezell/crateguard/internal/external"
	"github.com/aezell/crateguard/internal/model"
)

// Results holds the violations of one analysis pass.
type Results struct {
	Violations []model.Violation
}

// ByFile returns violations grouped by file path.
func (r *Results) ByFile() map[string][]model.Violation {
	m := make(map[string][]model.Violation)
	for _, v := range r.Violations {
		m[v.Location.File] = append(m[v.Location.File], v)
	}
	return m
}

// ByKind returns the violations of the given rule kind.
func (r *Results) ByKind(kind model.RuleKind) []model.Violation {
	var out []model.Violation
	for _, v := range r.Violations {
		if v.Kind == kind {
			out = append(out, v)
		}
	}
	return out
}

// MaxSeverity returns the highest severity among all violations.
func (r *Results) MaxSeverity() model.Severity {
	max := model.SeverityInfo
	for _, v := range r.Violations {
		if v.Severity > max {
			max = v.Severity
		}
	}
	return max
}

// Summary returns a one-line summary of violations.
func (r *Results) Summary() string {
	if len(r.Violations) == 0 {
		return "No violations found"
	}

	counts := make(map[model.Severity]int)
	for _, v := range r.Violations {
		counts[v.Severity]++
	}

	var parts []string
	for _, level := range []model.Severity{model.SeverityError, model.SeverityWarning, model.SeverityInfo} {
		if c := counts[level]; c > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", c, level))
		}
	}
	return strings.Join(parts, ", ")
}

// CrateRule checks one crate. Crate rules run concurrently and must not
// mutate their inputs.
type CrateRule func(c *model.Crate, cfg *config.Config) []model.Violation

// ProjectRule checks the project as a whole.
type ProjectRule func(p *model.Project, cfg *config.Config) []model.Violation

// CrateRules returns the ordered list of per-crate rules.
func CrateRules() []CrateRule {
	return []CrateRule{
		TooManyModulesRule,
		TooManyFunctionsRule,
		TooManyLocRule,
		ItemInEntryFileRule,
	}
}

// ProjectRules returns the ordered list of project-wide rules.
func ProjectRules() []ProjectRule {
	return []ProjectRule{TooManyCratesRule}
}

// Evaluate runs every rule over p and returns the violations in report
// order. The result depends only on p and cfg.
func Evaluate(p *model.Project, cfg *config.Config) *Results {
	var (
		mu  sync.Mutex
		all []model.Violation
	)
	collect := func(vs []model.Violation) {
		mu.Lock()
		all = append(all, vs...)
		mu.Unlock()
	}

	var g errgroup.Group
	for _, rule := range ProjectRules() {
		g.Go(func() error {
			collect(rule(p, cfg))
			return nil
		})
	}
	for _, c := range p.Crates {
		g.Go(func() error {
			for _, rule := range CrateRules() {
				collect(rule(c, cfg))
			}
			return nil
		})
	}
	_ = g.Wait()

	model.SortViolations(all)
	return &Results{Violations: all}
}

// WithExternal appends external tool diagnostics, normalized 1:1 into
// violations, and restores report order.
func (r *Results) WithExternal(diags []external.Diagnostic) *Results {
	out := &Results{Violations: append([]model.Violation(nil), r.Violations...)}
	out.Violations = append(out.Violations, ExternalViolations(diags)...)
	model.SortViolations(out.Violations)
	return out
}

// ExternalViolations maps tool diagnostics to violations without
// interpreting them.
func ExternalViolations(diags []external.Diagnostic) []model.Violation {
	out := make([]model.Violation, 0, len(diags))
	for _, d := range diags {
		out = append(out, model.Violation{
			Kind:     model.RuleExternalTool,
			Severity: model.ParseSeverity(d.Level),
			Location: model.Location{File: d.File, Line: d.Line},
			Message:  d.Message,
			Code:     d.Code,
		})
	}
	return out
}
