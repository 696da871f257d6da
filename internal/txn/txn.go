// Package txn applies refactor plans to a project tree as one transaction.
//
// Plans are validated and staged in memory first: conflicting operations
// are rejected before anything is written, operations are ordered, and the
// reference fixup edits are computed against the staged tree. Apply then
// replays the staged steps under a process lock, journaling enough to undo
// every step; any failure, including a failed post-commit verification,
// rolls the tree back to its exact prior bytes. DryRun renders the staged
// result as a unified diff instead.
package txn

import (
	"context"
	"errors"
	"fmt"

	"github.com/aezell/crateguard/internal/ctxlog"
	"github.com/aezell/crateguard/internal/model"
	"github.com/aezell/crateguard/internal/plan"
	"github.com/aezell/crateguard/internal/safeio"
)

// ErrLocked means another process is applying a refactor to the project.
var ErrLocked = errors.New("project is locked by another refactor")

// Mode selects between writing and previewing.
type Mode int

const (
	Apply Mode = iota
	DryRun
)

func (m Mode) String() string {
	if m == DryRun {
		return "dry-run"
	}
	return "apply"
}

// Verifier checks the tree after all steps ran. A failure rolls back.
type Verifier interface {
	Verify(ctx context.Context, root string, files []string) error
}

// Options configure Execute.
type Options struct {
	Mode Mode
	// Project is the model the plans were computed from. It supplies the
	// module context of every source file for reference fixup; nil skips
	// fixup of files the plans do not describe.
	Project  *model.Project
	Verifier Verifier
	// DiffContext is the number of context lines in dry-run diffs.
	DiffContext int

	// failAt injects an I/O failure at the given 1-based step.
	failAt int
}

// Result describes an executed (or previewed) transaction.
type Result struct {
	ID           string
	Mode         Mode
	Operations   []plan.FileOperation
	CargoChanges []plan.CargoChange
	Resolves     []model.Violation
	// Files lists every path written, created, moved to or deleted.
	Files []string
	// Diff is the unified diff of the staged tree; set in DryRun mode.
	Diff string
}

// ConflictError reports plans that cannot be applied together. Nothing was
// written.
type ConflictError struct {
	Path   string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict at %s: %s", e.Path, e.Reason)
}

// CommitIOError reports a failed step. The tree was rolled back.
type CommitIOError struct {
	Step int // 1-based; 0 for journal setup and verification
	Op   string
	Err  error
}

func (e *CommitIOError) Error() string {
	if e.Step == 0 {
		return fmt.Sprintf("%s failed, changes rolled back: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("step %d (%s) failed, changes rolled back: %v", e.Step, e.Op, e.Err)
}

func (e *CommitIOError) Unwrap() error { return e.Err }

// RollbackError reports a rollback that could not finish. The journal in
// Dir holds the snapshots needed to restore the tree by hand or with
// `crateguard recover`.
type RollbackError struct {
	Dir   string
	Cause error
	Err   error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback failed (%v) after: %v; journal kept in %s", e.Err, e.Cause, e.Dir)
}

func (e *RollbackError) Unwrap() error { return e.Err }

// Validate reports whether plans can be applied together to the tree at
// root, without staging fixups or writing anything.
func Validate(root string, plans []*plan.Plan) error {
	fsys, err := safeio.NewSafeFS(root)
	if err != nil {
		return err
	}
	_, err = validate(fsys, plans)
	return err
}

// Execute validates, orders and applies plans to the tree at root. In
// DryRun mode nothing is written and the result carries a diff.
func Execute(ctx context.Context, root string, plans []*plan.Plan, opts Options) (*Result, error) {
	log := ctxlog.FromContext(ctx)

	fsys, err := safeio.NewSafeFS(root)
	if err != nil {
		return nil, err
	}

	if opts.Mode == Apply {
		unlock, err := lock(fsys.Root())
		if err != nil {
			return nil, err
		}
		defer unlock()
		if _, err := recoverLocked(ctx, fsys.Root()); err != nil {
			return nil, err
		}
	}

	st, err := stage(ctx, fsys, plans, opts.Project)
	if err != nil {
		return nil, err
	}
	res := st.result(opts.Mode)

	if opts.Mode == DryRun {
		n := opts.DiffContext
		if n <= 0 {
			n = 3
		}
		res.Diff, err = st.diff(n)
		if err != nil {
			return nil, err
		}
		return res, nil
	}

	// Cancellation is honored up to here; a started commit runs to
	// completion or rolls back.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id, err := commit(context.WithoutCancel(ctx), fsys.Root(), st.steps, opts)
	if err != nil {
		return nil, err
	}
	res.ID = id
	log.Info("refactor committed", "id", id, "steps", len(st.steps), "files", len(res.Files))
	return res, nil
}

// Recover replays an interrupted transaction's journal, restoring the tree
// at root. It reports whether there was anything to recover.
func Recover(ctx context.Context, root string) (bool, error) {
	fsys, err := safeio.NewSafeFS(root)
	if err != nil {
		return false, err
	}
	unlock, err := lock(fsys.Root())
	if err != nil {
		return false, err
	}
	defer unlock()
	return recoverLocked(ctx, fsys.Root())
}
