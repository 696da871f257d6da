package patterns

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aezell/crateguard/internal/analysis"
	"github.com/aezell/crateguard/internal/cargo"
	"github.com/aezell/crateguard/internal/config"
	"github.com/aezell/crateguard/internal/model"
	"github.com/aezell/crateguard/internal/plan"
	"github.com/aezell/crateguard/internal/project"
	"github.com/aezell/crateguard/internal/safeio"
	"github.com/aezell/crateguard/internal/testfixture"
	"github.com/aezell/crateguard/internal/txn"
)

func load(t *testing.T, root string) *model.Project {
	t.Helper()
	p, err := project.NewLoader(nil).Load(context.Background(), root)
	require.NoError(t, err)
	require.Empty(t, p.Warnings)
	return p
}

func newEnv(t *testing.T, p *model.Project, cfg *config.Config) *Env {
	t.Helper()
	fsys, err := safeio.NewSafeFS(p.Root)
	require.NoError(t, err)
	return &Env{Project: p, Config: cfg, FS: fsys}
}

// planAll plans every violation of the project with the default registry
// and fails on any planning error.
func planAll(t *testing.T, env *Env) []*plan.Plan {
	t.Helper()
	r, err := NewRegistry(nil)
	require.NoError(t, err)
	vs := analysis.Evaluate(env.Project, env.Config).Violations
	require.NotEmpty(t, vs)

	var plans []*plan.Plan
	for _, o := range r.PlanAll(context.Background(), env, vs) {
		require.NoError(t, o.Err, o.Violation.String())
		require.NotNil(t, o.Plan, o.Violation.String())
		plans = append(plans, o.Plan)
	}
	return plans
}

func apply(t *testing.T, p *model.Project, plans []*plan.Plan) {
	t.Helper()
	_, err := txn.Execute(context.Background(), p.Root, plans, txn.Options{
		Project:  p,
		Verifier: project.NewLoader(nil),
	})
	require.NoError(t, err)
}

func functionNames(p *model.Project) []string {
	var out []string
	for _, c := range p.Crates {
		for _, m := range c.Modules() {
			for _, it := range m.Items {
				if it.Kind == model.KindFunction {
					out = append(out, it.Name)
				}
			}
		}
	}
	return out
}

func TestSplitModuleScenario(t *testing.T) {
	root := testfixture.Project(t, map[string]string{
		"Cargo.toml": testfixture.Manifest("demo"),
		"src/lib.rs": "pub mod big;\n",
		"src/big.rs": testfixture.Functions("f", 25),
	})
	cfg := config.Default()
	p := load(t, root)

	vs := analysis.Evaluate(p, cfg).Violations
	require.Len(t, vs, 1)
	require.Equal(t, model.RuleTooManyFunctions, vs[0].Kind)

	plans := planAll(t, newEnv(t, p, cfg))
	require.Len(t, plans, 1)
	assert.Equal(t, "split_module", plans[0].Pattern)
	assert.Len(t, plans[0].Moves, 25)

	apply(t, p, plans)

	after := load(t, root)
	assert.Empty(t, analysis.Evaluate(after, cfg).Violations)
	assert.ElementsMatch(t, functionNames(p), functionNames(after))

	big := after.Crate("demo").FindModule([]string{"big"})
	require.NotNil(t, big)
	require.Len(t, big.Children, 2)
	assert.Zero(t, big.Metrics.Functions)
	for _, ch := range big.Children {
		assert.LessOrEqual(t, ch.Metrics.Functions, cfg.MaxFunctionsPerModule)
	}

	var even, odd []string
	for i := 0; i < 25; i++ {
		if i%2 == 0 {
			even = append(even, fmt.Sprintf("f%d", i))
		} else {
			odd = append(odd, fmt.Sprintf("f%d", i))
		}
	}
	want := "pub(crate) mod part_1;\npub(crate) mod part_2;\n" +
		"pub use self::part_1::{" + strings.Join(even, ", ") + "};\n" +
		"pub use self::part_2::{" + strings.Join(odd, ", ") + "};\n\n"

	got := testfixture.Snapshot(t, root, config.StateDir)
	assert.Equal(t, want, got["src/big.rs"])
	assert.True(t, strings.HasPrefix(got["src/big/part_1.rs"], "use super::*;\n\npub fn f0() -> u32 {\n"))
}

func TestCleanEntryFilesScenario(t *testing.T) {
	root := testfixture.Project(t, map[string]string{
		"Cargo.toml": testfixture.Manifest("demo"),
		"src/lib.rs": "pub struct Foo {\n    pub n: u32,\n}\n\npub fn bar() -> Foo {\n    Foo { n: 1 }\n}\n",
	})
	cfg := config.Default()
	p := load(t, root)

	vs := analysis.Evaluate(p, cfg).ByKind(model.RuleItemInEntryFile)
	require.Len(t, vs, 2)

	plans := planAll(t, newEnv(t, p, cfg))
	require.Len(t, plans, 2)
	apply(t, p, plans)

	after := load(t, root)
	assert.Empty(t, analysis.Evaluate(after, cfg).Violations)

	got := testfixture.Snapshot(t, root, config.StateDir)
	assert.Equal(t, "pub(crate) mod foo;\npub use self::foo::Foo;\n\npub(crate) mod bar;\npub use self::bar::bar;\n", got["src/lib.rs"])
	assert.Equal(t, "use super::*;\n\npub struct Foo {\n    pub n: u32,\n}\n", got["src/foo.rs"])
	assert.Equal(t, "use super::*;\n\npub fn bar() -> Foo {\n    Foo { n: 1 }\n}\n", got["src/bar.rs"])
}

func TestCleanEntryAppendsToExistingChild(t *testing.T) {
	root := testfixture.Project(t, map[string]string{
		"Cargo.toml":    testfixture.Manifest("demo"),
		"src/lib.rs":    "mod config;\n\npub struct Config {\n    pub debug: bool,\n}\n",
		"src/config.rs": "pub fn load() {}\n",
	})
	cfg := config.Default()
	p := load(t, root)

	plans := planAll(t, newEnv(t, p, cfg))
	require.Len(t, plans, 1)
	for _, op := range plans[0].Operations {
		assert.Equal(t, plan.OpModifyFile, op.Kind, op.String())
	}
	apply(t, p, plans)

	got := testfixture.Snapshot(t, root, config.StateDir)
	assert.Equal(t, "mod config;\n\npub use self::config::Config;\n", got["src/lib.rs"])
	assert.Equal(t, "use super::*;\n\npub fn load() {}\n\npub struct Config {\n    pub debug: bool,\n}\n", got["src/config.rs"])
}

func TestEntryTargetsAvoidCollisions(t *testing.T) {
	root := testfixture.Project(t, map[string]string{
		"Cargo.toml":  testfixture.Manifest("demo"),
		"src/lib.rs":  "pub struct Build;\n\npub fn build() -> Build {\n    Build\n}\n\npub enum Mode {\n    A,\n}\n",
		"src/mode.rs": "pub struct Mode;\n",
	})
	p := load(t, root)
	env := newEnv(t, p, config.Default())

	var stems, files []string
	for _, tgt := range entryTargets(env, p.Crate("demo").Root) {
		stems = append(stems, tgt.stem)
		files = append(files, tgt.file)
	}
	// src/mode.rs exists but is not declared, so it is not reused.
	assert.Equal(t, []string{"build", "build_2", "mode_2"}, stems)
	assert.Equal(t, []string{"src/build.rs", "src/build_2.rs", "src/mode_2.rs"}, files)
}

// modules renders a crate root declaring n top-level modules m01..mNN.
func modules(n int) map[string]string {
	files := map[string]string{
		"Cargo.toml":             "[workspace]\nmembers = [\"crates/demo\"]\n",
		"crates/demo/Cargo.toml": testfixture.Manifest("demo"),
	}
	var lib strings.Builder
	for i := 1; i <= n; i++ {
		name := fmt.Sprintf("m%02d", i)
		fmt.Fprintf(&lib, "pub mod %s;\n", name)
		files["crates/demo/src/"+name+".rs"] = fmt.Sprintf("pub fn run() -> u32 {\n    %d\n}\n", i)
	}
	files["crates/demo/src/lib.rs"] = lib.String()
	return files
}

func TestSplitCrateScenario(t *testing.T) {
	root := testfixture.Project(t, modules(12))
	cfg := config.Default()
	p := load(t, root)

	vs := analysis.Evaluate(p, cfg).Violations
	require.Len(t, vs, 1)
	require.Equal(t, model.RuleTooManyModules, vs[0].Kind)

	env := newEnv(t, p, cfg)
	plans := planAll(t, env)
	require.Len(t, plans, 1)
	pl := plans[0]
	assert.Equal(t, []string{"demo_m01", "demo_m09"}, pl.Crates)

	// Planning is deterministic.
	again := planAll(t, env)
	if d := cmp.Diff(pl, again[0]); d != "" {
		t.Errorf("plans differ between runs:\n%s", d)
	}

	apply(t, p, plans)

	got := testfixture.Snapshot(t, root, config.StateDir)
	ws, err := cargo.Parse(got["Cargo.toml"])
	require.NoError(t, err)
	assert.Equal(t, []string{"crates/demo", "crates/demo_m01", "crates/demo_m09"}, ws.Workspace.Members)

	demo, err := cargo.Parse(got["crates/demo/Cargo.toml"])
	require.NoError(t, err)
	assert.True(t, demo.HasDependency("demo_m01"))
	assert.True(t, demo.HasDependency("demo_m09"))

	assert.Contains(t, got, "crates/demo_m01/src/m08.rs")
	assert.Contains(t, got, "crates/demo_m09/src/m12.rs")
	assert.NotContains(t, got, "crates/demo/src/m01.rs")
	assert.Equal(t, "pub mod m09;\npub mod m10;\npub mod m11;\npub mod m12;\n", got["crates/demo_m09/src/lib.rs"])
	assert.True(t, strings.HasPrefix(got["crates/demo/src/lib.rs"], "pub use demo_m01::m01;\n"))

	after := load(t, root)
	require.Len(t, after.Crates, 3)
	assert.Empty(t, analysis.Evaluate(after, cfg).Violations)
	assert.ElementsMatch(t, functionNames(p), functionNames(after))
	for _, c := range after.Crates {
		assert.LessOrEqual(t, c.Metrics.Modules, cfg.MaxModulesPerCrate, c.Name)
	}
}

func TestSplitCrateRejectsUnreachableDependency(t *testing.T) {
	files := modules(12)
	// The crate root calls a private function of m01, which it could not
	// name once m01 lives in another crate.
	files["crates/demo/src/lib.rs"] += "\npub fn entry() -> u32 {\n    crate::m01::secret()\n}\n"
	files["crates/demo/src/m01.rs"] = "fn secret() -> u32 {\n    1\n}\n"
	root := testfixture.Project(t, files)
	p := load(t, root)

	vs := analysis.Evaluate(p, config.Default()).ByKind(model.RuleTooManyModules)
	require.Len(t, vs, 1)

	r, err := NewRegistry(nil)
	require.NoError(t, err)
	pat, ok := r.Match(vs[0])
	require.True(t, ok)
	_, err = pat.Plan(context.Background(), newEnv(t, p, config.Default()), vs[0])

	var perr *PlanningError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "split_crate", perr.Pattern)
	assert.Contains(t, perr.Reason, "would not be reachable")
}

func TestDistributeLocScenario(t *testing.T) {
	root := testfixture.Project(t, map[string]string{
		"Cargo.toml": testfixture.Manifest("demo"),
		"src/lib.rs": "pub mod big;\n",
		"src/big.rs": "use std::fmt::Debug;\n" + testfixture.Functions("f", 150),
	})
	cfg := config.Default()
	cfg.MaxFunctionsPerModule = 1000
	p := load(t, root)
	require.Equal(t, 600, p.Crate("demo").FindModule([]string{"big"}).Metrics.Lines)

	vs := analysis.Evaluate(p, cfg).Violations
	require.Len(t, vs, 1)
	require.Equal(t, model.RuleTooManyLoc, vs[0].Kind)

	plans := planAll(t, newEnv(t, p, cfg))
	require.Len(t, plans, 1)
	assert.Equal(t, "distribute_loc", plans[0].Pattern)

	apply(t, p, plans)

	got := testfixture.Snapshot(t, root, config.StateDir)
	var rs []string
	for _, k := range testfixture.Keys(got) {
		if strings.HasPrefix(k, "src/big") && strings.HasSuffix(k, ".rs") {
			rs = append(rs, k)
		}
	}
	assert.Equal(t, []string{"src/big.rs", "src/big/part_1.rs"}, rs)
	for _, f := range rs {
		assert.LessOrEqual(t, len(plan.SplitLines(got[f])), cfg.MaxLocPerFile, f)
	}
	assert.True(t, strings.HasPrefix(got["src/big.rs"], "use std::fmt::Debug;\npub(crate) mod part_1;\npub use self::part_1::{f124, "))

	after := load(t, root)
	assert.Empty(t, analysis.Evaluate(after, cfg).Violations)
	// Every function survives whole.
	assert.ElementsMatch(t, functionNames(p), functionNames(after))
}

func TestDistributeLocOversizedItem(t *testing.T) {
	var body strings.Builder
	body.WriteString("pub fn long() {\n")
	for i := 0; i < 30; i++ {
		fmt.Fprintf(&body, "    let _x%d = %d;\n", i, i)
	}
	body.WriteString("}\n")
	root := testfixture.Project(t, map[string]string{
		"Cargo.toml": testfixture.Manifest("demo"),
		"src/lib.rs": "pub mod big;\n",
		"src/big.rs": body.String(),
	})
	cfg := config.Default()
	cfg.MaxLocPerFile = 10
	p := load(t, root)

	vs := analysis.Evaluate(p, cfg).ByKind(model.RuleTooManyLoc)
	require.Len(t, vs, 1)

	r, err := NewRegistry(nil)
	require.NoError(t, err)
	out := r.PlanAll(context.Background(), newEnv(t, p, cfg), vs)
	require.Len(t, out, 1)
	var perr *PlanningError
	require.ErrorAs(t, out[0].Err, &perr)
	assert.Equal(t, "distribute_loc", perr.Pattern)
	assert.Contains(t, perr.Reason, "cannot fit")
}

func componentWorkspace(names ...string) map[string]string {
	files := make(map[string]string)
	var members []string
	for _, n := range names {
		members = append(members, fmt.Sprintf("%q", "crates/"+n))
		files["crates/"+n+"/Cargo.toml"] = testfixture.Manifest(n)
		files["crates/"+n+"/src/lib.rs"] = "pub mod api;\n"
		files["crates/"+n+"/src/api.rs"] = "pub fn call() {}\n"
	}
	files["Cargo.toml"] = "[workspace]\nmembers = [" + strings.Join(members, ", ") + "]\n"
	return files
}

func TestSplitComponentCreatesConfig(t *testing.T) {
	root := testfixture.Project(t, componentWorkspace("a", "b", "c"))
	cfg := config.Default()
	cfg.MaxCratesPerComponent = 2
	p := load(t, root)

	plans := planAll(t, newEnv(t, p, cfg))
	require.Len(t, plans, 1)
	assert.Equal(t, "split_component", plans[0].Pattern)
	apply(t, p, plans)

	got := testfixture.Snapshot(t, root, config.StateDir)
	assert.Equal(t, "components:\n"+
		"  - name: \"workspace-1\"\n    crates: [\"a\", \"b\"]\n"+
		"  - name: \"workspace-2\"\n    crates: [\"c\"]\n", got[config.FileName])

	loaded, err := config.Load(p.Root, "")
	require.NoError(t, err)
	loaded.MaxCratesPerComponent = 2
	assert.Empty(t, analysis.Evaluate(load(t, root), loaded).Violations)
}

func TestSplitComponentEditsConfig(t *testing.T) {
	files := componentWorkspace("a", "b", "c", "d")
	files[config.FileName] = "max_crates_per_component: 2\n" +
		"components:\n" +
		"  - name: core\n" +
		"    crates: [a, b, c]\n" +
		"  - name: other\n" +
		"    crates: [d]\n"
	root := testfixture.Project(t, files)
	p := load(t, root)
	cfg, err := config.Load(p.Root, "")
	require.NoError(t, err)

	plans := planAll(t, newEnv(t, p, cfg))
	require.Len(t, plans, 1)
	apply(t, p, plans)

	got := testfixture.Snapshot(t, root, config.StateDir)
	assert.Equal(t, "max_crates_per_component: 2\n"+
		"components:\n"+
		"  - name: \"core-1\"\n"+
		"    crates: [\"a\", \"b\"]\n"+
		"  - name: \"core-2\"\n"+
		"    crates: [\"c\"]\n"+
		"  - name: other\n"+
		"    crates: [d]\n", got[config.FileName])

	cfg, err = config.Load(p.Root, "")
	require.NoError(t, err)
	assert.Empty(t, analysis.Evaluate(load(t, root), cfg).Violations)
}
