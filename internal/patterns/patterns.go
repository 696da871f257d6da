// Package patterns holds the refactor pattern library: a closed set of
// patterns, each a predicate over violations plus a planner producing a
// plan.Plan. Planning only reads the project.
package patterns

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/aezell/crateguard/internal/config"
	"github.com/aezell/crateguard/internal/ctxlog"
	"github.com/aezell/crateguard/internal/model"
	"github.com/aezell/crateguard/internal/oracle"
	"github.com/aezell/crateguard/internal/plan"
	"github.com/aezell/crateguard/internal/safeio"
)

// Kind identifies a pattern.
type Kind int

const (
	SplitComponent Kind = iota
	SplitCrate
	CleanEntryFiles
	SplitModule
	DistributeLoc
)

func (k Kind) String() string {
	switch k {
	case SplitComponent:
		return "split_component"
	case SplitCrate:
		return "split_crate"
	case CleanEntryFiles:
		return "clean_entry_files"
	case SplitModule:
		return "split_module"
	case DistributeLoc:
		return "distribute_loc"
	default:
		return "unknown"
	}
}

// ParseKind maps a pattern id to its Kind.
func ParseKind(id string) (Kind, error) {
	for _, p := range table {
		if p.Kind.String() == id {
			return p.Kind, nil
		}
	}
	return 0, fmt.Errorf("unknown pattern %q", id)
}

// Env is what planners read.
type Env struct {
	Project *model.Project
	Config  *config.Config
	FS      *safeio.SafeFS
	// Oracle is consulted for groupings; nil means heuristic only.
	Oracle oracle.Grouper
}

// Pattern is one entry of the pattern table.
type Pattern struct {
	Kind        Kind
	Description string
	Matches     func(v model.Violation) bool
	plan        func(ctx context.Context, env *Env, v model.Violation) (*plan.Plan, error)
}

// ID returns the pattern identifier.
func (p Pattern) ID() string { return p.Kind.String() }

// Plan computes the plan resolving v. Failures are *PlanningError.
func (p Pattern) Plan(ctx context.Context, env *Env, v model.Violation) (*plan.Plan, error) {
	pl, err := p.plan(ctx, env, v)
	if err != nil {
		var perr *PlanningError
		if !errors.As(err, &perr) {
			return nil, &PlanningError{Pattern: p.ID(), Violation: v, Reason: err.Error()}
		}
		if perr.Pattern == "" {
			perr.Pattern = p.ID()
		}
		return nil, perr
	}
	pl.Pattern = p.ID()
	if len(pl.Resolves) == 0 {
		pl.Resolves = []model.Violation{v}
	}
	return pl, nil
}

func kindIs(kinds ...model.RuleKind) func(model.Violation) bool {
	return func(v model.Violation) bool {
		for _, k := range kinds {
			if v.Kind == k {
				return true
			}
		}
		return false
	}
}

var table = []Pattern{
	{
		Kind:        SplitComponent,
		Description: "regroup a component's crates into smaller components",
		Matches:     kindIs(model.RuleTooManyCrates),
		plan:        planSplitComponent,
	},
	{
		Kind:        SplitCrate,
		Description: "move groups of top-level modules into new workspace crates",
		Matches:     kindIs(model.RuleTooManyModules),
		plan:        planSplitCrate,
	},
	{
		Kind:        CleanEntryFiles,
		Description: "move items out of entry files and re-export them",
		Matches:     kindIs(model.RuleItemInEntryFile),
		plan:        planCleanEntry,
	},
	{
		Kind:        SplitModule,
		Description: "split a module's functions into submodules",
		Matches:     kindIs(model.RuleTooManyFunctions),
		plan:        planSplitModule,
	},
	{
		Kind:        DistributeLoc,
		Description: "distribute a long file's items over several files",
		Matches:     kindIs(model.RuleTooManyLoc),
		plan:        planDistributeLoc,
	},
}

// DefaultOrder returns the built-in registry order.
func DefaultOrder() []string {
	ids := make([]string, len(table))
	for i, p := range table {
		ids[i] = p.ID()
	}
	return ids
}

// Registry is an ordered list of patterns. The first pattern matching a
// violation plans it.
type Registry struct {
	patterns []Pattern
}

// NewRegistry builds a registry in the given order; nil or empty means
// DefaultOrder. Patterns left out of ids are disabled.
func NewRegistry(ids []string) (*Registry, error) {
	if len(ids) == 0 {
		ids = DefaultOrder()
	}
	r := &Registry{}
	seen := make(map[Kind]bool)
	for _, id := range ids {
		k, err := ParseKind(id)
		if err != nil {
			return nil, err
		}
		if seen[k] {
			return nil, fmt.Errorf("pattern %q listed twice", id)
		}
		seen[k] = true
		r.patterns = append(r.patterns, table[k])
	}
	return r, nil
}

// Patterns returns the registry in order.
func (r *Registry) Patterns() []Pattern {
	return append([]Pattern(nil), r.patterns...)
}

// Match returns the first pattern matching v.
func (r *Registry) Match(v model.Violation) (Pattern, bool) {
	for _, p := range r.patterns {
		if p.Matches(v) {
			return p, true
		}
	}
	return Pattern{}, false
}

// PlanningError reports a violation no valid plan exists for.
type PlanningError struct {
	Pattern   string
	Violation model.Violation
	Reason    string
}

func (e *PlanningError) Error() string {
	return fmt.Sprintf("%s: cannot resolve %s at %s: %s", e.Pattern, e.Violation.Kind, e.Violation.Location, e.Reason)
}

func planningErrorf(v model.Violation, format string, args ...any) error {
	return &PlanningError{Violation: v, Reason: fmt.Sprintf(format, args...)}
}

// Outcome is the planning result for one violation.
type Outcome struct {
	Violation model.Violation
	Pattern   string
	Plan      *plan.Plan
	Err       error
}

// PlanAll plans every violation concurrently. Outcomes keep the input
// order; violations no pattern matches get an Outcome with no plan and no
// error.
func (r *Registry) PlanAll(ctx context.Context, env *Env, vs []model.Violation) []Outcome {
	log := ctxlog.FromContext(ctx)
	out := make([]Outcome, len(vs))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, v := range vs {
		out[i].Violation = v
		p, ok := r.Match(v)
		if !ok {
			continue
		}
		out[i].Pattern = p.ID()
		g.Go(func() error {
			pl, err := p.Plan(gctx, env, v)
			mu.Lock()
			out[i].Plan, out[i].Err = pl, err
			mu.Unlock()
			if err != nil {
				log.Info("planning failed", "pattern", p.ID(), "location", v.Location.String(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
