// Command kfre-mcp exposes the KFRE risk engine as an MCP server over stdio.
// It needs no external services: predictions are cached in memory and runs
// are logged to SQLite under KFRE_DATA_DIR.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/kfre-risk-server/internal/config"
	"github.com/kfre-risk-server/internal/mcp"
	"github.com/kfre-risk-server/internal/setup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadLiteConfig()

	app := &cli.Command{
		Name:    "kfre-mcp",
		Usage:   "KFRE risk tools for MCP clients (stdio)",
		Version: mcp.ServerVersion,
		Commands: []*cli.Command{
			setup.Command(cfg.DataDir),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			server, err := mcp.NewLiteServer(cfg)
			if err != nil {
				return fmt.Errorf("failed to create MCP server: %w", err)
			}
			defer server.Close()

			return server.Start(ctx)
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "kfre-mcp: %v\n", err)
		os.Exit(1)
	}
}
