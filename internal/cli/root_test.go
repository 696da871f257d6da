package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aezell/crateguard/internal/external"
	"github.com/aezell/crateguard/internal/testfixture"
	"github.com/aezell/crateguard/internal/txn"
)

func TestRootCommandHasSubcommands(t *testing.T) {
	cmds := rootCmd.Commands()
	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}

	for _, want := range []string{"analyze", "refactor", "check", "recover", "serve", "version"} {
		if !names[want] {
			t.Errorf("root command missing subcommand %q", want)
		}
	}
}

func TestVersionOutput(t *testing.T) {
	// version vars are set via ldflags; in tests they have their defaults
	if version != "dev" {
		t.Errorf("expected default version %q, got %q", "dev", version)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"violations", errViolations, ExitViolations},
		{"generic", errors.New("boom"), ExitViolations},
		{"conflict", fmt.Errorf("pass 1: %w", &txn.ConflictError{Path: "src/a.rs", Reason: "created twice"}), ExitConflict},
		{"locked", txn.ErrLocked, ExitConflict},
		{"commit io", &txn.CommitIOError{Step: 2, Op: "write", Err: os.ErrPermission}, ExitRolledBack},
		{"rollback", &txn.RollbackError{Dir: ".crateguard/txn", Err: os.ErrPermission}, ExitRolledBack},
		{"unavailable", fmt.Errorf("%w: cargo", external.ErrUnavailable), ExitUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

// resetFlags restores every flag of cmd and its subcommands to its
// default; values persist on the package-level commands between runs.
func resetFlags(t *testing.T, cmd *cobra.Command) {
	t.Helper()
	reset := func(f *pflag.Flag) {
		require.NoError(t, f.Value.Set(f.DefValue))
		f.Changed = false
	}
	cmd.PersistentFlags().VisitAll(reset)
	cmd.Flags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(t, sub)
	}
}

// run executes the root command with args and returns stdout and the
// exit code.
func run(t *testing.T, args ...string) (string, int) {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	resetFlags(t, rootCmd)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), ExitCode(err)
}

func untidy(t *testing.T) string {
	t.Helper()
	return testfixture.Project(t, map[string]string{
		"Cargo.toml": testfixture.Manifest("demo"),
		"src/lib.rs": "pub mod big;\n\npub struct Settings {\n    pub verbose: bool,\n}\n",
		"src/big.rs": testfixture.Functions("f", 25),
	})
}

func TestAnalyzeJSON(t *testing.T) {
	root := untidy(t)

	out, code := run(t, "analyze", "--format", "json", root)
	assert.Equal(t, ExitViolations, code)

	var resp struct {
		Total      int `json:"total"`
		Violations []struct {
			Rule string `json:"rule"`
			File string `json:"file"`
		} `json:"violations"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, 2, resp.Total)
	rules := []string{resp.Violations[0].Rule, resp.Violations[1].Rule}
	assert.ElementsMatch(t, []string{"item_in_entry_file", "too_many_functions"}, rules)
}

func TestRefactorDryRunThenApply(t *testing.T) {
	root := untidy(t)
	before := testfixture.Snapshot(t, root)

	out, code := run(t, "refactor", "--dry-run", root)
	assert.Equal(t, ExitOK, code)
	assert.Contains(t, out, "+++ b/src/settings.rs")
	assert.Equal(t, before, testfixture.Snapshot(t, root))

	_, code = run(t, "refactor", root)
	assert.Equal(t, ExitOK, code)
	assert.FileExists(t, filepath.Join(root, "src", "settings.rs"))

	out, code = run(t, "check", root)
	assert.Equal(t, ExitOK, code, out)
}

func TestRunResetsFlagsBetweenCalls(t *testing.T) {
	root := untidy(t)

	_, code := run(t, "analyze", "--format", "json", root)
	require.Equal(t, ExitViolations, code)

	out, _ := run(t, "analyze", root)
	assert.Contains(t, out, "Analysis:")
	format, err := analyzeCmd.Flags().GetString("format")
	require.NoError(t, err)
	assert.Equal(t, "text", format)
}

func TestCheckExternalUnavailable(t *testing.T) {
	root := testfixture.Project(t, map[string]string{
		"Cargo.toml":       testfixture.Manifest("demo"),
		"src/lib.rs":       "mod a;\n",
		"src/a.rs":         "pub fn run() {}\n",
		".crateguard.yaml": "external:\n  enabled: true\n  command: [\"crateguard-missing-tool\"]\n",
	})

	_, code := run(t, "check", root)
	assert.Equal(t, ExitUnavailable, code)
}

func TestRecoverNothing(t *testing.T) {
	root := untidy(t)

	out, code := run(t, "recover", root)
	assert.Equal(t, ExitOK, code)
	assert.Contains(t, out, "Nothing to recover.")
}
