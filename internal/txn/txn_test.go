package txn

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aezell/crateguard/internal/cargo"
	"github.com/aezell/crateguard/internal/diff"
	"github.com/aezell/crateguard/internal/plan"
	"github.com/aezell/crateguard/internal/project"
	"github.com/aezell/crateguard/internal/safeio"
	"github.com/aezell/crateguard/internal/testfixture"
)

const stateDir = ".crateguard"

func demo() map[string]string {
	return map[string]string{
		"Cargo.toml": testfixture.Manifest("demo"),
		"src/lib.rs": "mod net;\npub struct Config;\n",
		"src/net.rs": "use crate::Config;\n\npub fn dial() -> Config {\n    Config\n}\n",
		"src/old.rs": "pub fn gone() {}\n",
		"README.md":  "# demo\n",
	}
}

// reshape has one step of every kind: mkdir, create, move, modify, delete.
func reshape() []*plan.Plan {
	return []*plan.Plan{{
		Pattern: "test",
		Operations: []plan.FileOperation{
			plan.Mkdir("src/extra"),
			plan.Create("src/extra/mod.rs", "pub mod old;\n"),
			plan.Move("src/old.rs", "src/extra/old.rs"),
			plan.Modify("src/lib.rs", plan.TextChange{Start: 1, End: 1, Content: "mod extra;\n"}),
			plan.Delete("README.md"),
		},
	}}
}

func numSteps(t *testing.T, root string, plans []*plan.Plan) int {
	t.Helper()
	fsys, err := safeio.NewSafeFS(root)
	require.NoError(t, err)
	st, err := stage(context.Background(), fsys, plans, nil)
	require.NoError(t, err)
	return len(st.steps)
}

type verifierFunc func(ctx context.Context, root string, files []string) error

func (f verifierFunc) Verify(ctx context.Context, root string, files []string) error {
	return f(ctx, root, files)
}

func TestExecuteApply(t *testing.T) {
	root := testfixture.Project(t, demo())

	var verified []string
	res, err := Execute(context.Background(), root, reshape(), Options{
		Verifier: verifierFunc(func(_ context.Context, _ string, files []string) error {
			verified = files
			return nil
		}),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, Apply, res.Mode)

	want := []string{"src/extra/mod.rs", "src/extra/old.rs", "src/lib.rs", "README.md"}
	assert.Equal(t, want, res.Files)
	assert.Equal(t, want, verified)

	got := testfixture.Snapshot(t, root, stateDir)
	assert.Equal(t, "mod net;\nmod extra;\npub struct Config;\n", got["src/lib.rs"])
	assert.Equal(t, "pub mod old;\n", got["src/extra/mod.rs"])
	assert.Equal(t, "pub fn gone() {}\n", got["src/extra/old.rs"])
	assert.NotContains(t, got, "src/old.rs")
	assert.NotContains(t, got, "README.md")

	assert.NoDirExists(t, JournalDir(root))
}

func TestExecuteDryRun(t *testing.T) {
	root := testfixture.Project(t, demo())
	before := testfixture.Snapshot(t, root)

	res, err := Execute(context.Background(), root, reshape(), Options{Mode: DryRun})
	require.NoError(t, err)
	assert.Empty(t, res.ID)
	assert.Equal(t, before, testfixture.Snapshot(t, root), "dry run wrote to the tree")

	ds, err := diff.Parse(res.Diff)
	require.NoError(t, err)
	byName := make(map[string]*diff.File)
	for _, f := range ds.Files {
		byName[f.Name()] = f
	}
	require.Len(t, byName, 4, "diff:\n%s", res.Diff)

	created := byName["src/extra/mod.rs"]
	require.NotNil(t, created)
	assert.True(t, created.IsNew)
	assert.Equal(t, 1, created.AddedLines)

	moved := byName["src/old.rs → src/extra/old.rs"]
	require.NotNil(t, moved)
	assert.True(t, moved.IsRenamed)
	assert.Zero(t, moved.AddedLines)

	lib := byName["src/lib.rs"]
	require.NotNil(t, lib)
	assert.Equal(t, 1, lib.AddedLines)
	assert.Zero(t, lib.DeletedLines)

	readme := byName["README.md"]
	require.NotNil(t, readme)
	assert.True(t, readme.IsDeleted)
}

func TestExecuteRollbackOnStepFailure(t *testing.T) {
	root := testfixture.Project(t, demo())
	before := testfixture.Snapshot(t, root, stateDir)

	_, err := Execute(context.Background(), root, reshape(), Options{failAt: 3})
	require.Error(t, err)

	var cerr *CommitIOError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 3, cerr.Step)
	assert.Equal(t, "move src/old.rs -> src/extra/old.rs", cerr.Op)

	after := testfixture.Snapshot(t, root, stateDir)
	if d := cmp.Diff(before, after); d != "" {
		t.Errorf("tree differs after rollback (-before +after):\n%s", d)
	}
	assert.NoDirExists(t, JournalDir(root))
}

func TestExecuteAtomicAtEveryStep(t *testing.T) {
	n := numSteps(t, testfixture.Project(t, demo()), reshape())
	require.Equal(t, 5, n)

	for i := 1; i <= n; i++ {
		root := testfixture.Project(t, demo())
		before := testfixture.Snapshot(t, root, stateDir)

		_, err := Execute(context.Background(), root, reshape(), Options{failAt: i})
		var cerr *CommitIOError
		require.ErrorAs(t, err, &cerr, "step %d", i)
		assert.Equal(t, i, cerr.Step)

		assert.Equal(t, before, testfixture.Snapshot(t, root, stateDir), "step %d", i)
	}
}

func TestExecuteVerifierFailureRollsBack(t *testing.T) {
	root := testfixture.Project(t, demo())
	before := testfixture.Snapshot(t, root, stateDir)
	broken := errors.New("cannot resolve module extra")

	_, err := Execute(context.Background(), root, reshape(), Options{
		Verifier: verifierFunc(func(context.Context, string, []string) error { return broken }),
	})
	require.ErrorIs(t, err, broken)
	var cerr *CommitIOError
	require.ErrorAs(t, err, &cerr)
	assert.Zero(t, cerr.Step)

	assert.Equal(t, before, testfixture.Snapshot(t, root, stateDir))
}

func TestExecuteConflicts(t *testing.T) {
	tests := []struct {
		name  string
		plans [][]plan.FileOperation
		path  string
	}{
		{
			name:  "create over existing",
			plans: [][]plan.FileOperation{{plan.Create("src/net.rs", "x\n")}},
			path:  "src/net.rs",
		},
		{
			name: "created twice",
			plans: [][]plan.FileOperation{
				{plan.Create("src/a.rs", "a\n")},
				{plan.Create("src/a.rs", "b\n")},
			},
			path: "src/a.rs",
		},
		{
			name:  "move missing source",
			plans: [][]plan.FileOperation{{plan.Move("src/nope.rs", "src/a.rs")}},
			path:  "src/nope.rs",
		},
		{
			name:  "move onto existing",
			plans: [][]plan.FileOperation{{plan.Move("src/old.rs", "src/net.rs")}},
			path:  "src/net.rs",
		},
		{
			name: "edit of moved file",
			plans: [][]plan.FileOperation{
				{plan.Move("src/old.rs", "src/a.rs")},
				{plan.Modify("src/old.rs", plan.TextChange{Start: 0, End: 1})},
			},
			path: "src/old.rs",
		},
		{
			name:  "edit of missing file",
			plans: [][]plan.FileOperation{{plan.Modify("src/nope.rs", plan.TextChange{})}},
			path:  "src/nope.rs",
		},
		{
			name: "overlapping edits",
			plans: [][]plan.FileOperation{
				{plan.Modify("src/net.rs", plan.TextChange{Start: 0, End: 2, Content: "a\n"})},
				{plan.Modify("src/net.rs", plan.TextChange{Start: 1, End: 3, Content: "b\n"})},
			},
			path: "src/net.rs",
		},
		{
			name:  "edit past end of file",
			plans: [][]plan.FileOperation{{plan.Modify("src/lib.rs", plan.TextChange{Start: 5, End: 9})}},
			path:  "src/lib.rs",
		},
		{
			name: "delete of edited file",
			plans: [][]plan.FileOperation{
				{plan.Modify("README.md", plan.TextChange{Start: 0, End: 1})},
				{plan.Delete("README.md")},
			},
			path: "README.md",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := testfixture.Project(t, demo())
			before := testfixture.Snapshot(t, root, stateDir)

			var plans []*plan.Plan
			for _, ops := range tt.plans {
				plans = append(plans, &plan.Plan{Operations: ops})
			}
			require.Error(t, Validate(root, plans))

			_, err := Execute(context.Background(), root, plans, Options{})
			var conflict *ConflictError
			require.ErrorAs(t, err, &conflict)
			assert.Equal(t, tt.path, conflict.Path)
			assert.Equal(t, before, testfixture.Snapshot(t, root, stateDir))
		})
	}
}

func TestExecuteRejectsMoveCollisions(t *testing.T) {
	root := testfixture.Project(t, demo())
	plans := []*plan.Plan{
		{Moves: plan.MovedItemTable{{From: "demo::a::f", To: "demo::b::f"}}},
		{Moves: plan.MovedItemTable{{From: "demo::c::f", To: "demo::b::f"}}},
	}
	var conflict *ConflictError
	require.ErrorAs(t, Validate(root, plans), &conflict)
	assert.Equal(t, "demo::b::f", conflict.Path)
}

func TestExecuteMergesDisjointEdits(t *testing.T) {
	root := testfixture.Project(t, demo())
	plans := []*plan.Plan{
		{Operations: []plan.FileOperation{plan.Modify("src/net.rs", plan.TextChange{Start: 0, End: 1, Content: "use crate::Config as C;\n"})}},
		{Operations: []plan.FileOperation{plan.Modify("src/net.rs", plan.TextChange{Start: 3, End: 4, Content: "    C\n"})}},
	}
	res, err := Execute(context.Background(), root, plans, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"src/net.rs"}, res.Files)

	got := testfixture.Snapshot(t, root, stateDir)
	assert.Equal(t, "use crate::Config as C;\n\npub fn dial() -> Config {\n    C\n}\n", got["src/net.rs"])
}

func TestExecuteRewritesReferences(t *testing.T) {
	root := testfixture.Project(t, demo())
	p, err := project.NewLoader(nil).Load(context.Background(), root)
	require.NoError(t, err)

	plans := []*plan.Plan{{
		Operations: []plan.FileOperation{
			plan.Create("src/config.rs", "pub struct Config;\n"),
			plan.Modify("src/lib.rs", plan.TextChange{Start: 1, End: 2, Content: "mod config;\npub use config::Config;\n"}),
		},
		Moves: plan.MovedItemTable{{From: "demo::Config", To: "demo::config::Config"}},
	}}
	res, err := Execute(context.Background(), root, plans, Options{Project: p})
	require.NoError(t, err)
	assert.Contains(t, res.Files, "src/net.rs")

	got := testfixture.Snapshot(t, root, stateDir)
	assert.Equal(t, "mod net;\nmod config;\npub use config::Config;\n", got["src/lib.rs"])
	assert.Equal(t, "use crate::config::Config;\n\npub fn dial() -> Config {\n    Config\n}\n", got["src/net.rs"])
}

func TestStageFailsWhenFixupFails(t *testing.T) {
	root := testfixture.Project(t, demo())
	p, err := project.NewLoader(nil).Load(context.Background(), root)
	require.NoError(t, err)
	fsys, err := safeio.NewSafeFS(root)
	require.NoError(t, err)

	plans := []*plan.Plan{{
		Operations: []plan.FileOperation{plan.Create("src/config.rs", "pub struct Config;\n")},
		Moves:      plan.MovedItemTable{{From: "demo::Config", To: "demo::config::Config"}},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = stage(ctx, fsys, plans, p)
	require.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "reference fixup")
}

func TestExecuteCargoChanges(t *testing.T) {
	root := testfixture.Project(t, map[string]string{
		"Cargo.toml":             "[workspace]\nmembers = [\"crates/app\"]\n",
		"crates/app/Cargo.toml":  testfixture.Manifest("app"),
		"crates/app/src/main.rs": "fn main() {}\n",
	})
	plans := []*plan.Plan{{
		Operations: []plan.FileOperation{
			plan.Mkdir("crates/util/src"),
			plan.Mkdir("crates/util"),
			plan.Create("crates/util/Cargo.toml", cargo.NewLibraryManifest("util", "0.1.0", "2021", nil, nil)),
			plan.Create("crates/util/src/lib.rs", "pub fn helper() {}\n"),
		},
		CargoChanges: []plan.CargoChange{
			{Kind: plan.AddDependency, Manifest: "crates/app/Cargo.toml", Crate: "util", Path: "../util"},
			{Kind: plan.AddMember, Manifest: "Cargo.toml", Member: "crates/util"},
		},
		Crates: []string{"util"},
	}}

	res, err := Execute(context.Background(), root, plans, Options{})
	require.NoError(t, err)
	require.Len(t, res.CargoChanges, 2)
	assert.Equal(t, plan.AddMember, res.CargoChanges[0].Kind)

	got := testfixture.Snapshot(t, root, stateDir)
	ws, err := cargo.Parse(got["Cargo.toml"])
	require.NoError(t, err)
	assert.True(t, ws.HasMember("crates/util"))
	assert.True(t, ws.HasMember("crates/app"))

	app, err := cargo.Parse(got["crates/app/Cargo.toml"])
	require.NoError(t, err)
	assert.True(t, app.HasDependency("util"))

	assert.Contains(t, got, "crates/util/src/")
	assert.Equal(t, "pub fn helper() {}\n", got["crates/util/src/lib.rs"])
}

func TestExecuteLocked(t *testing.T) {
	root := testfixture.Project(t, demo())
	unlock, err := lock(root)
	require.NoError(t, err)
	defer unlock()

	_, err = Execute(context.Background(), root, reshape(), Options{})
	require.ErrorIs(t, err, ErrLocked)

	_, err = Recover(context.Background(), root)
	require.ErrorIs(t, err, ErrLocked)

	// Previews do not need the lock.
	_, err = Execute(context.Background(), root, reshape(), Options{Mode: DryRun})
	require.NoError(t, err)
}

func TestExecuteCanceledBeforeCommit(t *testing.T) {
	root := testfixture.Project(t, demo())
	before := testfixture.Snapshot(t, root, stateDir)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Execute(ctx, root, reshape(), Options{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, before, testfixture.Snapshot(t, root, stateDir))
}

// crash leaves the journal of a transaction that ran k steps.
func crash(t *testing.T, root string, plans []*plan.Plan, k int, committed bool) {
	t.Helper()
	fsys, err := safeio.NewSafeFS(root)
	require.NoError(t, err)
	st, err := stage(context.Background(), fsys, plans, nil)
	require.NoError(t, err)

	j, err := openJournal(fsys.Root(), "crashed")
	require.NoError(t, err)
	for i, s := range st.steps[:k] {
		require.NoError(t, j.do(s, i+1, 0))
	}
	if committed {
		require.NoError(t, j.append(record{Type: "commit", ID: "crashed"}))
	}
	require.NoError(t, j.close())
}

func TestRecoverInterrupted(t *testing.T) {
	for k := 1; k <= 5; k++ {
		root := testfixture.Project(t, demo())
		before := testfixture.Snapshot(t, root, stateDir)
		crash(t, root, reshape(), k, false)
		require.NotEqual(t, before, testfixture.Snapshot(t, root, stateDir))

		recovered, err := Recover(context.Background(), root)
		require.NoError(t, err)
		assert.True(t, recovered)
		assert.Equal(t, before, testfixture.Snapshot(t, root, stateDir), "after %d steps", k)
		assert.NoDirExists(t, JournalDir(root))
	}
}

func TestRecoverRemovesInterruptedWrites(t *testing.T) {
	root := testfixture.Project(t, demo())
	before := testfixture.Snapshot(t, root, stateDir)
	crash(t, root, reshape(), 4, false)

	// Temporaries of the create in the new directory and of the lib.rs write.
	testfixture.Write(t, root, map[string]string{
		"src/extra/.mod.rs.tmp-1234": "pub mod",
		"src/.lib.rs.tmp-5678":       "mod ext",
	})

	recovered, err := Recover(context.Background(), root)
	require.NoError(t, err)
	assert.True(t, recovered)
	assert.Equal(t, before, testfixture.Snapshot(t, root, stateDir))
	assert.NoDirExists(t, filepath.Join(root, "src", "extra"))
}

func TestRecoverTornRecord(t *testing.T) {
	root := testfixture.Project(t, demo())
	before := testfixture.Snapshot(t, root, stateDir)
	crash(t, root, reshape(), 4, false)

	f, err := os.OpenFile(filepath.Join(JournalDir(root), journalFileName), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":6,"type":"del`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	recovered, err := Recover(context.Background(), root)
	require.NoError(t, err)
	assert.True(t, recovered)
	assert.Equal(t, before, testfixture.Snapshot(t, root, stateDir))
}

func TestRecoverCommittedKeepsChanges(t *testing.T) {
	root := testfixture.Project(t, demo())
	crash(t, root, reshape(), 5, true)
	after := testfixture.Snapshot(t, root, stateDir)

	recovered, err := Recover(context.Background(), root)
	require.NoError(t, err)
	assert.True(t, recovered)
	assert.Equal(t, after, testfixture.Snapshot(t, root, stateDir))
	assert.NoDirExists(t, JournalDir(root))
}

func TestRecoverNothing(t *testing.T) {
	root := testfixture.Project(t, demo())
	recovered, err := Recover(context.Background(), root)
	require.NoError(t, err)
	assert.False(t, recovered)
}

func TestExecuteRecoversFirst(t *testing.T) {
	root := testfixture.Project(t, demo())
	crash(t, root, reshape(), 2, false)

	plans := []*plan.Plan{{Operations: []plan.FileOperation{plan.Create("src/new.rs", "pub fn n() {}\n")}}}
	_, err := Execute(context.Background(), root, plans, Options{})
	require.NoError(t, err)

	got := testfixture.Snapshot(t, root, stateDir)
	assert.NotContains(t, got, "src/extra/")
	assert.Equal(t, "pub fn gone() {}\n", got["src/old.rs"])
	assert.Equal(t, "pub fn n() {}\n", got["src/new.rs"])
}
