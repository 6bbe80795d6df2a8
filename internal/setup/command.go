package setup

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

// Command returns the "setup" command of kfre-mcp. defaultDataDir is the
// server's data directory when the client entry does not override it.
func Command(defaultDataDir string) *cli.Command {
	configFlag := func() cli.Flag {
		return &cli.StringFlag{
			Name:  "config",
			Usage: "MCP client config file (defaults to the desktop client's)",
		}
	}

	return &cli.Command{
		Name:  "setup",
		Usage: "Register this server with a desktop MCP client",
		Commands: []*cli.Command{
			{
				Name:  "install",
				Usage: "Add or update the kfre-risk entry",
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{
						Name:  "binary",
						Usage: "server binary path (defaults to this executable)",
					},
					&cli.StringFlag{
						Name:  "data-dir",
						Usage: "data directory passed to the server as KFRE_DATA_DIR",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					path, err := Configure(Options{
						ConfigPath: cmd.String("config"),
						BinaryPath: cmd.String("binary"),
						DataDir:    cmd.String("data-dir"),
					})
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.Root().Writer, "Registered %s in %s\nRestart the client to load it.\n", ServerKey, path)
					return nil
				},
			},
			{
				Name:  "remove",
				Usage: "Remove the kfre-risk entry",
				Flags: []cli.Flag{configFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					removed, err := Remove(cmd.String("config"))
					if err != nil {
						return err
					}
					if removed {
						fmt.Fprintf(cmd.Root().Writer, "Removed %s\n", ServerKey)
					} else {
						fmt.Fprintf(cmd.Root().Writer, "%s was not configured\n", ServerKey)
					}
					return nil
				},
			},
			{
				Name:  "status",
				Usage: "Show the current registration",
				Flags: []cli.Flag{configFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					status, err := GetStatus(cmd.String("config"), defaultDataDir)
					if err != nil {
						return err
					}
					printStatus(cmd, status)
					return nil
				},
			},
		},
	}
}

func printStatus(cmd *cli.Command, s *Status) {
	w := cmd.Root().Writer
	fmt.Fprintf(w, "Config file: %s\n", s.ConfigPath)
	if !s.Configured {
		fmt.Fprintf(w, "Registered:  no\n")
	} else {
		fmt.Fprintf(w, "Registered:  yes\n")
		found := "missing"
		if s.BinaryExists {
			found = "found"
		}
		fmt.Fprintf(w, "Binary:      %s (%s)\n", s.BinaryPath, found)
	}
	audit := "not created yet"
	if s.AuditDB {
		audit = "present"
	}
	fmt.Fprintf(w, "Data dir:    %s (audit log %s)\n", s.DataDir, audit)
}
