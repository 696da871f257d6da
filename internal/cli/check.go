package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aezell/crateguard/internal/external"
	"github.com/aezell/crateguard/internal/service"
)

var checkCmd = &cobra.Command{
	Use:   "check [path]",
	Short: "Gate on modularity rules (non-interactive)",
	Long: `Run every rule, plus the external tool when it is enabled, and print
one line per violation. Useful for CI and pre-commit hooks.

Exit codes:
  0 — clean
  1 — violations found
  4 — the external tool is enabled but could not be run`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().BoolP("quiet", "q", false, "only set the exit code")
}

func runCheck(cmd *cobra.Command, args []string) error {
	a, err := service.Check(cmd.Context(), projectPath(args), options(cmd))
	if err != nil {
		return err
	}

	quiet, _ := cmd.Flags().GetBool("quiet")
	if !quiet {
		w := cmd.OutOrStdout()
		for _, v := range a.Results.Violations {
			fmt.Fprintf(w, "%s: %s [%s] %s\n", v.Location, v.Severity, v.Kind, v.Message)
		}
		fmt.Fprintln(w, a.Results.Summary())
	}

	// An incomplete check cannot pass.
	if errors.Is(a.ExternalErr, external.ErrUnavailable) {
		return a.ExternalErr
	}
	if len(a.Results.Violations) > 0 {
		return errViolations
	}
	return nil
}
