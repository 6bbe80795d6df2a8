// Package cli implements the kfre command line tool: batch risk prediction
// and its preprocessing steps over CSV files.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"github.com/kfre-risk-server/internal/audit"
	"github.com/kfre-risk-server/internal/dataset"
	"github.com/kfre-risk-server/internal/logging"
	"github.com/kfre-risk-server/internal/service"
)

// Version is printed by --version.
const Version = "1.0.0"

// NewApp builds the root command. stdin, stdout and stderr back "-" paths,
// results and logs respectively.
func NewApp(stdin io.Reader, stdout, stderr io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "kfre",
		Usage:     "Kidney Failure Risk Equation over CSV patient tables",
		Version:   Version,
		Reader:    stdin,
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "warn",
				Sources: cli.EnvVars("KFRE_LOG_LEVEL"),
				Usage:   "log level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:    "log-format",
				Value:   "text",
				Sources: cli.EnvVars("KFRE_LOG_FORMAT"),
				Usage:   "log format (text or json)",
			},
			&cli.StringFlag{
				Name:    "audit-db",
				Sources: cli.EnvVars("KFRE_AUDIT_DB"),
				Usage:   "SQLite file to record runs in; runs are not recorded when empty",
			},
		},
		Commands: []*cli.Command{
			predictCommand(),
			convertCommand(),
			estimateUACRCommand(),
			describeCommand(),
			reportCommand(),
			idsCommand(),
		},
	}
}

// Run executes the tool with os.Args and the process streams.
func Run(ctx context.Context, args []string) error {
	return NewApp(os.Stdin, os.Stdout, os.Stderr).Run(ctx, args)
}

// Each command gets its own flag instances.

func inputFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "input",
		Aliases: []string{"i"},
		Value:   "-",
		Usage:   "input CSV file, - for stdin",
	}
}

func outputFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "output",
		Aliases: []string{"o"},
		Value:   "-",
		Usage:   "output CSV file, - for stdout",
	}
}

func colFlag() cli.Flag {
	return &cli.StringSliceFlag{
		Name:  "col",
		Usage: "map a logical field to a column, as field=column (repeatable)",
	}
}

func maleTokenFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "male-token",
		Value:   "male",
		Sources: cli.EnvVars("KFRE_MALE_TOKEN"),
		Usage:   "sex label read as male, ignoring case",
	}
}

func femaleTokenFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "female-token",
		Value:   "female",
		Sources: cli.EnvVars("KFRE_FEMALE_TOKEN"),
		Usage:   "sex label read as female by uACR estimation, matched exactly",
	}
}

func newLogger(cmd *cli.Command) *logrus.Logger {
	root := cmd.Root()
	logger := logging.New(root.String("log-level"), root.String("log-format"))
	logger.SetOutput(root.ErrWriter)
	return logger
}

func readFrame(cmd *cli.Command) (*dataset.Frame, error) {
	path := cmd.String("input")
	if path == "-" {
		return dataset.ReadCSV(cmd.Root().Reader)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()

	return dataset.ReadCSV(f)
}

func writeFrame(cmd *cli.Command, frame *dataset.Frame) error {
	path := cmd.String("output")
	if path == "-" {
		return dataset.WriteCSV(cmd.Root().Writer, frame)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	if err := dataset.WriteCSV(f, frame); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func columnMap(cmd *cli.Command, base service.ColumnMap) (service.ColumnMap, error) {
	overrides, err := service.ParseColumnMap(cmd.StringSlice("col"))
	if err != nil {
		return nil, err
	}
	return base.Merge(overrides), nil
}

func parseYears(raw string) ([]int, error) {
	parts := strings.Split(raw, ",")
	years := make([]int, 0, len(parts))
	for _, p := range parts {
		y, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid --years value %q", raw)
		}
		years = append(years, y)
	}
	return years, nil
}

// recordRun writes run to the --audit-db store when one is configured.
func recordRun(ctx context.Context, cmd *cli.Command, logger *logrus.Logger, run *audit.RunRecord) {
	path := cmd.Root().String("audit-db")
	if path == "" {
		return
	}

	store, err := audit.NewSQLiteStore(path)
	if err != nil {
		logger.WithError(err).Warn("Failed to open audit store")
		return
	}
	defer store.Close()

	run.Source = audit.SourceCLI
	if err := store.Record(ctx, run); err != nil {
		logger.WithError(err).Warn("Failed to record run")
		return
	}
	logger.WithField("run_id", run.ID).Debug("Recorded run")
}

func since(start time.Time) time.Duration {
	return time.Since(start).Round(time.Microsecond)
}
