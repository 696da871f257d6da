// Package service wires the loader, rule engine, pattern library and
// transaction engine into the operations the command surface and the API
// expose: analyze, plan, refactor, check and recover.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aezell/crateguard/internal/analysis"
	"github.com/aezell/crateguard/internal/config"
	"github.com/aezell/crateguard/internal/ctxlog"
	"github.com/aezell/crateguard/internal/external"
	"github.com/aezell/crateguard/internal/model"
	"github.com/aezell/crateguard/internal/oracle"
	"github.com/aezell/crateguard/internal/patterns"
	"github.com/aezell/crateguard/internal/plan"
	"github.com/aezell/crateguard/internal/project"
	"github.com/aezell/crateguard/internal/safeio"
	"github.com/aezell/crateguard/internal/txn"
)

// Options select the project configuration.
type Options struct {
	// ConfigPath overrides <root>/.crateguard.yaml.
	ConfigPath string
	// External runs the configured external tool even when the config
	// leaves it disabled.
	External bool
}

// Analysis is the outcome of one analysis pass.
type Analysis struct {
	Root    string
	Config  *config.Config
	Project *model.Project
	Results *analysis.Results
	// Recovered is set when an interrupted refactor was rolled back first.
	Recovered bool
	// ExternalErr is the external tool's failure, if it ran and failed.
	ExternalErr error
}

// Warnings returns the per-file problems that were skipped.
func (a *Analysis) Warnings() []error {
	if a.Project == nil {
		return nil
	}
	return a.Project.Warnings
}

// session is the state shared by the operations on one project root.
type session struct {
	root      string
	cfg       *config.Config
	loader    *project.Loader
	recovered bool
}

func open(ctx context.Context, root string, opts Options) (*session, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", project.ErrProjectNotFound, err)
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", project.ErrProjectNotFound, root)
	}

	cfgPath := opts.ConfigPath
	if cfgPath != "" {
		if cfgPath, err = filepath.Abs(cfgPath); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(abs, cfgPath)
	if err != nil {
		return nil, err
	}
	if opts.External {
		cfg.External.Enabled = true
	}

	s := &session{root: abs, cfg: cfg, loader: project.NewLoader(cfg.Exclude)}
	if s.recovered, err = recoverStale(ctx, abs); err != nil {
		return nil, err
	}
	return s, nil
}

// recoverStale rolls back an interrupted refactor before anything reads
// the tree. Roots without a journal are left untouched.
func recoverStale(ctx context.Context, root string) (bool, error) {
	if _, err := os.Stat(txn.JournalDir(root)); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	ok, err := txn.Recover(ctx, root)
	if err != nil {
		return false, fmt.Errorf("recovering interrupted refactor: %w", err)
	}
	if ok {
		ctxlog.FromContext(ctx).Warn("rolled back an interrupted refactor", "root", root)
	}
	return ok, nil
}

func (s *session) analyze(ctx context.Context, withExternal bool) (*Analysis, error) {
	p, err := s.loader.Load(ctx, s.root)
	if err != nil {
		return nil, err
	}
	a := &Analysis{
		Root:      s.root,
		Config:    s.cfg,
		Project:   p,
		Results:   analysis.Evaluate(p, s.cfg),
		Recovered: s.recovered,
	}
	if !withExternal || !s.cfg.External.Enabled {
		return a, nil
	}

	runner := &external.Runner{Command: s.cfg.External.Command, Timeout: s.cfg.External.Timeout}
	diags, err := runner.Run(ctx, s.root)
	if err != nil {
		ctxlog.FromContext(ctx).Warn("external tool failed, using built-in rules only", "error", err)
		a.ExternalErr = err
		return a, nil
	}
	a.Results = a.Results.WithExternal(diags)
	return a, nil
}

func (s *session) env(ctx context.Context, p *model.Project) (*patterns.Env, error) {
	fsys, err := safeio.NewSafeFS(s.root)
	if err != nil {
		return nil, err
	}
	env := &patterns.Env{Project: p, Config: s.cfg, FS: fsys}
	o, err := oracle.FromConfig(ctx, s.cfg.Oracle)
	if err != nil {
		ctxlog.FromContext(ctx).Debug("grouping oracle not used", "reason", err)
	} else {
		env.Oracle = o
	}
	return env, nil
}

// Analyze evaluates every rule over the project at root, plus the external
// tool when it is enabled.
func Analyze(ctx context.Context, root string, opts Options) (*Analysis, error) {
	s, err := open(ctx, root, opts)
	if err != nil {
		return nil, err
	}
	return s.analyze(ctx, true)
}

// Check is Analyze for gating: the same report, meant to be turned into an
// exit code.
func Check(ctx context.Context, root string, opts Options) (*Analysis, error) {
	return Analyze(ctx, root, opts)
}

// Recover rolls back an interrupted refactor at root, reporting whether
// there was one.
func Recover(ctx context.Context, root string) (bool, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(abs); err != nil {
		return false, fmt.Errorf("%w: %s", project.ErrProjectNotFound, root)
	}
	return txn.Recover(ctx, abs)
}

// Unresolved is a violation no plan could be computed for.
type Unresolved struct {
	Violation model.Violation
	Pattern   string
	Reason    string
}

// Planned is the planning outcome for the current state of a project.
type Planned struct {
	Analysis   *Analysis
	Plans      []*plan.Plan
	Unresolved []Unresolved
}

func (s *session) plan(ctx context.Context) (*Planned, error) {
	a, err := s.analyze(ctx, false)
	if err != nil {
		return nil, err
	}
	registry, err := patterns.NewRegistry(s.cfg.Patterns)
	if err != nil {
		return nil, err
	}
	env, err := s.env(ctx, a.Project)
	if err != nil {
		return nil, err
	}

	out := &Planned{Analysis: a}
	for _, o := range registry.PlanAll(ctx, env, a.Results.Violations) {
		switch {
		case o.Err != nil:
			u := Unresolved{Violation: o.Violation, Pattern: o.Pattern, Reason: o.Err.Error()}
			var perr *patterns.PlanningError
			if errors.As(o.Err, &perr) {
				u.Reason = perr.Reason
			}
			out.Unresolved = append(out.Unresolved, u)
		case o.Plan != nil:
			out.Plans = append(out.Plans, o.Plan)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Plan analyzes the project and computes a plan for every violation a
// pattern matches. Nothing is written.
func Plan(ctx context.Context, root string, opts Options) (*Planned, error) {
	s, err := open(ctx, root, opts)
	if err != nil {
		return nil, err
	}
	return s.plan(ctx)
}
