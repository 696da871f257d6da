// Package cli implements the crateguard command surface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aezell/crateguard/internal/ctxlog"
	"github.com/aezell/crateguard/internal/external"
	"github.com/aezell/crateguard/internal/service"
	"github.com/aezell/crateguard/internal/txn"
)

// Exit codes.
const (
	ExitOK          = 0
	ExitViolations  = 1
	ExitConflict    = 2
	ExitRolledBack  = 3
	ExitUnavailable = 4
)

// errViolations reports a successful run that found violations.
var errViolations = errors.New("violations found")

var rootCmd = &cobra.Command{
	Use:   "crateguard",
	Short: "Keep Rust workspaces modular",
	Long: `crateguard checks a Cargo project against modularity rules (crates per
component, modules per crate, functions per module, lines per file, items
in lib.rs/mod.rs) and refactors it to comply: splitting modules and crates,
moving items out of entry files and rewriting references, all applied as
one transaction that rolls back on failure.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setupLogging,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error (default $CRATEGUARD_LOG_LEVEL or warn)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format: text, json")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <path>/.crateguard.yaml)")

	rootCmd.AddCommand(analyzeCmd, refactorCmd, checkCmd, recoverCmd, serveCmd, versionCmd)
}

func setupLogging(cmd *cobra.Command, args []string) error {
	level, _ := cmd.Flags().GetString("log-level")
	if level == "" {
		level = os.Getenv("CRATEGUARD_LOG_LEVEL")
	}
	format, _ := cmd.Flags().GetString("log-format")

	logger := ctxlog.New(level, format, cmd.ErrOrStderr())
	slog.SetDefault(logger)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.SetContext(ctxlog.WithLogger(ctx, logger))
	return nil
}

func options(cmd *cobra.Command) service.Options {
	path, _ := cmd.Flags().GetString("config")
	return service.Options{ConfigPath: path}
}

func projectPath(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	return "."
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context) int {
	err := rootCmd.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, errViolations) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return ExitCode(err)
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	var (
		conflict *txn.ConflictError
		commit   *txn.CommitIOError
		rollback *txn.RollbackError
	)
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &conflict), errors.Is(err, txn.ErrLocked):
		return ExitConflict
	case errors.As(err, &commit), errors.As(err, &rollback):
		return ExitRolledBack
	case errors.Is(err, external.ErrUnavailable):
		return ExitUnavailable
	default:
		return ExitViolations
	}
}
