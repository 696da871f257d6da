package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aezell/crateguard/internal/service"
)

var refactorCmd = &cobra.Command{
	Use:   "refactor [path]",
	Short: "Refactor the project until it complies",
	Long: `Plan a refactor for every violation and apply the plans as one
transaction per pass. Passes repeat until no plan is left. Any failure rolls
the tree back to its exact prior state.

Examples:
  crateguard refactor --dry-run          # print the unified diff only
  crateguard refactor --interactive      # review each plan first
  crateguard refactor --passes 1 crates/ # a single pass

Exit codes:
  0 — done (unresolved violations are listed)
  2 — aborted before writing: conflicting plans or a concurrent refactor
  3 — rolled back after an I/O or verification failure`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRefactor,
}

func init() {
	refactorCmd.Flags().BoolP("dry-run", "n", false, "print the diff instead of writing")
	refactorCmd.Flags().BoolP("interactive", "i", false, "review every plan before it is applied")
	refactorCmd.Flags().Int("passes", service.DefaultPasses, "maximum number of refactor passes")
	refactorCmd.Flags().Bool("stat", false, "with --dry-run, print diff stats instead of the diff")
	refactorCmd.Flags().StringP("output-patch", "o", "", "with --dry-run, write the diff to a file")
	refactorCmd.Flags().Bool("commit-msg", false, "print a suggested commit message after an interactive review")
}

func runRefactor(cmd *cobra.Command, args []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	interactive, _ := cmd.Flags().GetBool("interactive")
	passes, _ := cmd.Flags().GetInt("passes")

	opts := service.RefactorOptions{
		Options: options(cmd),
		DryRun:  dryRun,
		Passes:  passes,
	}
	var rev *reviewer
	if interactive {
		rev = &reviewer{}
		opts.Review = rev.review
	}

	res, err := service.Refactor(cmd.Context(), projectPath(args), opts)
	if res != nil {
		printRefactor(cmd.ErrOrStderr(), res)
	}
	if err != nil {
		return err
	}

	if commitMsg, _ := cmd.Flags().GetBool("commit-msg"); commitMsg && rev != nil {
		if msg := rev.commitMessage(); msg != "" {
			fmt.Fprintln(cmd.OutOrStdout(), msg)
		}
	}

	if !dryRun {
		return nil
	}
	raw := res.Diff()
	if patchPath, _ := cmd.Flags().GetString("output-patch"); patchPath != "" {
		if err := os.WriteFile(patchPath, []byte(raw), 0o644); err != nil {
			return fmt.Errorf("writing patch: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Patch written to %s\n", patchPath)
		return nil
	}
	if stat, _ := cmd.Flags().GetBool("stat"); stat {
		return printStat(cmd.OutOrStdout(), raw)
	}
	fmt.Fprint(cmd.OutOrStdout(), raw)
	return nil
}
