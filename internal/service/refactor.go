package service

import (
	"context"
	"errors"
	"slices"

	"github.com/aezell/crateguard/internal/ctxlog"
	"github.com/aezell/crateguard/internal/model"
	"github.com/aezell/crateguard/internal/plan"
	"github.com/aezell/crateguard/internal/txn"
)

// DefaultPasses bounds the analyze-plan-apply loop of Refactor.
const DefaultPasses = 5

// Reviewer decides which plans of a pass get applied. It receives the
// project the plans were computed from and returns the approved subset.
type Reviewer func(ctx context.Context, p *model.Project, plans []*plan.Plan) ([]*plan.Plan, error)

// RefactorOptions configure Refactor.
type RefactorOptions struct {
	Options
	DryRun bool
	// Passes is the maximum number of apply passes; DryRun always runs one.
	Passes int
	Review Reviewer
}

// PassResult is one analyze-plan-apply round.
type PassResult struct {
	Number int
	Result *txn.Result
	// Deferred plans conflicted with earlier plans of the pass; they are
	// recomputed against the new tree by the next pass.
	Deferred []*plan.Plan
	Rejected []*plan.Plan
}

// RefactorResult reports what a refactor did, or would do.
type RefactorResult struct {
	Root      string
	DryRun    bool
	Recovered bool
	Passes    []PassResult
	// Unresolved and Remaining describe the tree after the last pass.
	Unresolved []Unresolved
	Remaining  []model.Violation
	// Pending counts plans still available when the pass limit was hit.
	Pending int
}

// Resolves returns the violations the applied plans were expected to
// resolve, across passes.
func (r *RefactorResult) Resolves() []model.Violation {
	var out []model.Violation
	for _, p := range r.Passes {
		if p.Result != nil {
			out = append(out, p.Result.Resolves...)
		}
	}
	return out
}

// Diff returns the dry-run diff, "" for applied refactors.
func (r *RefactorResult) Diff() string {
	if !r.DryRun || len(r.Passes) == 0 || r.Passes[0].Result == nil {
		return ""
	}
	return r.Passes[0].Result.Diff
}

// Refactor repeatedly analyzes the project, plans every violation and
// applies the largest conflict-free prefix of the plans as one
// transaction, until no plan is left or the pass limit is reached. A
// conflict, I/O failure or failed rollback aborts the loop; passes already
// committed stay applied.
func Refactor(ctx context.Context, root string, opts RefactorOptions) (*RefactorResult, error) {
	log := ctxlog.FromContext(ctx)

	s, err := open(ctx, root, opts.Options)
	if err != nil {
		return nil, err
	}
	passes := opts.Passes
	if passes <= 0 {
		passes = DefaultPasses
	}
	if opts.DryRun {
		passes = 1
	}

	res := &RefactorResult{Root: s.root, DryRun: opts.DryRun, Recovered: s.recovered}
	rejected := make(map[string]bool)
	stale := false
	for n := 1; n <= passes; n++ {
		planned, err := s.plan(ctx)
		if err != nil {
			return res, err
		}
		stale = false
		res.Unresolved = planned.Unresolved
		res.Remaining = planned.Analysis.Results.Violations

		plans := slices.DeleteFunc(planned.Plans, func(p *plan.Plan) bool { return rejected[planKey(p)] })
		if len(plans) == 0 {
			break
		}

		pass := PassResult{Number: n}
		if opts.Review != nil {
			approved, err := opts.Review(ctx, planned.Analysis.Project, plans)
			if err != nil {
				return res, err
			}
			for _, p := range plans {
				if !slices.Contains(approved, p) {
					pass.Rejected = append(pass.Rejected, p)
					rejected[planKey(p)] = true
				}
			}
			plans = approved
			if len(plans) == 0 {
				res.Passes = append(res.Passes, pass)
				break
			}
		}

		batch, deferred, unresolved, err := s.batch(plans)
		if err != nil {
			return res, err
		}
		pass.Deferred = deferred
		res.Unresolved = append(res.Unresolved, unresolved...)
		if len(batch) == 0 {
			res.Passes = append(res.Passes, pass)
			break
		}

		mode := txn.Apply
		if opts.DryRun {
			mode = txn.DryRun
		}
		r, more, err := s.execute(ctx, planned.Analysis.Project, batch, mode)
		if err != nil {
			return res, err
		}
		pass.Result = r
		pass.Deferred = append(more, pass.Deferred...)
		res.Passes = append(res.Passes, pass)
		log.Info("refactor pass done", "pass", n, "mode", mode, "plans", len(batch), "deferred", len(pass.Deferred))
		stale = mode == txn.Apply
	}

	// The loop stopped right after a commit; describe the new tree.
	if stale {
		final, err := s.plan(ctx)
		if err != nil {
			return res, err
		}
		res.Unresolved = final.Unresolved
		res.Remaining = final.Analysis.Results.Violations
		res.Pending = len(final.Plans)
	}
	return res, nil
}

// batch splits plans into the longest sequence that validates together and
// the plans that conflict with it. A plan that conflicts on its own is
// unresolved.
func (s *session) batch(plans []*plan.Plan) (batch, deferred []*plan.Plan, unresolved []Unresolved, err error) {
	for _, p := range plans {
		verr := txn.Validate(s.root, append(slices.Clip(batch), p))
		var conflict *txn.ConflictError
		switch {
		case verr == nil:
			batch = append(batch, p)
		case !errors.As(verr, &conflict):
			return nil, nil, nil, verr
		case len(batch) == 0 || txn.Validate(s.root, []*plan.Plan{p}) != nil:
			for _, v := range p.Resolves {
				unresolved = append(unresolved, Unresolved{Violation: v, Pattern: p.Pattern, Reason: verr.Error()})
			}
		default:
			deferred = append(deferred, p)
		}
	}
	return batch, deferred, unresolved, nil
}

// execute runs batch. A conflict found while staging the combined batch
// retries with its first plan alone and defers the rest.
func (s *session) execute(ctx context.Context, p *model.Project, batch []*plan.Plan, mode txn.Mode) (*txn.Result, []*plan.Plan, error) {
	opts := txn.Options{Mode: mode, Project: p, Verifier: s.loader}
	r, err := txn.Execute(ctx, s.root, batch, opts)
	var conflict *txn.ConflictError
	if err == nil || len(batch) == 1 || !errors.As(err, &conflict) {
		return r, nil, err
	}
	ctxlog.FromContext(ctx).Info("plans conflict when combined, applying the first alone", "conflict", err)
	r, err = txn.Execute(ctx, s.root, batch[:1], opts)
	return r, batch[1:], err
}

func planKey(p *plan.Plan) string {
	return p.Pattern + "\x00" + p.Description
}

// Preview renders the dry-run diff of every plan applied alone to the
// tree of p.
func Preview(ctx context.Context, p *model.Project, plans []*plan.Plan) ([]string, error) {
	out := make([]string, len(plans))
	for i, pl := range plans {
		r, err := txn.Execute(ctx, p.Root, []*plan.Plan{pl}, txn.Options{Mode: txn.DryRun, Project: p})
		if err != nil {
			return nil, err
		}
		out[i] = r.Diff
	}
	return out, nil
}
