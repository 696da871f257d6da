package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aezell/crateguard/internal/service"
)

var recoverCmd = &cobra.Command{
	Use:   "recover [path]",
	Short: "Roll back an interrupted refactor",
	Long: `Restore the tree recorded by the journal of a refactor that was
interrupted before it committed. Every other command does this on start.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		recovered, err := service.Recover(cmd.Context(), projectPath(args))
		if err != nil {
			return err
		}
		if recovered {
			fmt.Fprintln(cmd.OutOrStdout(), "Rolled back an interrupted refactor.")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "Nothing to recover.")
		}
		return nil
	},
}
