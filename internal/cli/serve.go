package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aezell/crateguard/internal/api"
	"github.com/aezell/crateguard/internal/ctxlog"
)

var serveCmd = &cobra.Command{
	Use:   "serve [path]",
	Short: "Start the HTTP API server",
	Long: `Start an HTTP server exposing analysis and refactor previews of the
project at path. The server never writes to the project.

Endpoints:
  GET  /health       — Health check
  POST /api/analyze  — Report violations
  POST /api/plan     — Plans with per-plan dry-run diffs
  GET  /api/ws       — WebSocket streaming analyze/preview requests`,
	Args: cobra.MaximumNArgs(1),
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("addr", "a", "127.0.0.1", "address to listen on")
	serveCmd.Flags().IntP("port", "p", 6142, "port to listen on")
}

func runServe(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	port, _ := cmd.Flags().GetInt("port")

	root, err := filepath.Abs(projectPath(args))
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	listen := fmt.Sprintf("%s:%d", addr, port)
	srv := api.New(listen, root, options(cmd), ctxlog.FromContext(ctx))
	return srv.ListenAndServe(ctx)
}
