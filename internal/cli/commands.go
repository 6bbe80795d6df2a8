package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/kfre-risk-server/internal/audit"
	"github.com/kfre-risk-server/internal/dataset"
	"github.com/kfre-risk-server/internal/report"
	"github.com/kfre-risk-server/internal/service"
)

func predictCommand() *cli.Command {
	return &cli.Command{
		Name:  "predict",
		Usage: "Append kfre_<n>var_<y>year risk columns to a patient table",
		Flags: []cli.Flag{
			inputFlag(),
			outputFlag(),
			colFlag(),
			maleTokenFlag(),
			&cli.StringFlag{
				Name:  "years",
				Value: "2,5",
				Usage: "comma separated prediction horizons (2 and/or 5)",
			},
			&cli.BoolFlag{
				Name:  "extended",
				Usage: "use the 6- or 8-variable model where its covariates are present",
			},
			&cli.IntFlag{
				Name:  "vars",
				Usage: "extended model size, 6 or 8 (requires --extended)",
			},
			&cli.IntFlag{
				Name:    "workers",
				Sources: cli.EnvVars("KFRE_WORKERS"),
				Usage:   "batch workers, 0 for one per CPU",
			},
		},
		Action: runPredict,
	}
}

func runPredict(ctx context.Context, cmd *cli.Command) error {
	start := time.Now()
	logger := newLogger(cmd)

	years, err := parseYears(cmd.String("years"))
	if err != nil {
		return err
	}
	mapping, err := columnMap(cmd, service.DefaultColumnMap())
	if err != nil {
		return err
	}
	frame, err := readFrame(cmd)
	if err != nil {
		return err
	}

	predictor := service.NewRiskPredictor(logger, cmd.Int("workers"), cmd.String("male-token"))
	opts := service.PredictOptions{
		UseExtended:   cmd.Bool("extended"),
		VariableCount: cmd.Int("vars"),
	}
	columns, err := predictor.AddRiskColumns(ctx, frame, mapping, opts, years...)
	if err != nil {
		return err
	}

	if err := writeFrame(cmd, frame); err != nil {
		return err
	}

	fallbacks := 0
	for _, col := range columns {
		fallbacks += col.Result.Fallbacks
	}
	horizon := 0
	if len(years) == 1 {
		horizon = years[0]
	}
	recordRun(ctx, cmd, logger, &audit.RunRecord{
		Operation:    audit.OperationPredict,
		Variant:      columns[0].Result.Requested.String(),
		HorizonYears: horizon,
		Rows:         frame.Len(),
		Fallbacks:    fallbacks,
		Duration:     since(start),
	})
	return nil
}

func convertCommand() *cli.Command {
	return &cli.Command{
		Name:  "convert",
		Usage: "Add uPCR (mg/g), Calcium (mg/dL), Phosphate (mg/dL) and Albumin (g/dL) columns from SI lab values",
		Flags: []cli.Flag{
			inputFlag(),
			outputFlag(),
			colFlag(),
		},
		Action: runConvert,
	}
}

func runConvert(ctx context.Context, cmd *cli.Command) error {
	start := time.Now()
	logger := newLogger(cmd)

	mapping, err := columnMap(cmd, service.DefaultConversionMap())
	if err != nil {
		return err
	}
	frame, err := readFrame(cmd)
	if err != nil {
		return err
	}

	if err := service.NewUnitConverter(logger).Convert(frame, mapping); err != nil {
		return err
	}
	if err := writeFrame(cmd, frame); err != nil {
		return err
	}

	recordRun(ctx, cmd, logger, &audit.RunRecord{
		Operation: audit.OperationConvertUnits,
		Rows:      frame.Len(),
		Duration:  since(start),
	})
	return nil
}

func estimateUACRCommand() *cli.Command {
	return &cli.Command{
		Name:  "estimate-uacr",
		Usage: "Add a uACR column, estimated from uPCR where uACR was not measured",
		Flags: []cli.Flag{
			inputFlag(),
			outputFlag(),
			colFlag(),
			maleTokenFlag(),
			femaleTokenFlag(),
			&cli.StringFlag{
				Name:  "column",
				Value: "uACR (estimated)",
				Usage: "name of the column to add",
			},
		},
		Action: runEstimateUACR,
	}
}

func runEstimateUACR(ctx context.Context, cmd *cli.Command) error {
	start := time.Now()
	logger := newLogger(cmd)

	mapping, err := columnMap(cmd, service.DefaultColumnMap())
	if err != nil {
		return err
	}
	frame, err := readFrame(cmd)
	if err != nil {
		return err
	}

	estimator := service.NewUACREstimator(logger, cmd.String("male-token"))
	summary, err := estimator.FillColumn(frame, mapping, cmd.String("female-token"), cmd.String("column"))
	if err != nil {
		return err
	}
	if err := writeFrame(cmd, frame); err != nil {
		return err
	}

	if summary.UnmatchedSex > 0 {
		fmt.Fprintf(cmd.Root().ErrWriter, "warning: %d rows had a sex label matching neither %q nor %q and were estimated as male\n",
			summary.UnmatchedSex, cmd.String("female-token"), cmd.String("male-token"))
	}

	recordRun(ctx, cmd, logger, &audit.RunRecord{
		Operation: audit.OperationEstimateUACR,
		Rows:      frame.Len(),
		Duration:  since(start),
	})
	return nil
}

func describeCommand() *cli.Command {
	return &cli.Command{
		Name:  "describe",
		Usage: "Print each column's type and missing-value count",
		Flags: []cli.Flag{
			inputFlag(),
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print JSON instead of a table",
			},
		},
		Action: runDescribe,
	}
}

func runDescribe(ctx context.Context, cmd *cli.Command) error {
	frame, err := readFrame(cmd)
	if err != nil {
		return err
	}
	reports := dataset.TypesReport(frame)

	out := cmd.Root().Writer
	if cmd.Bool("json") {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "COLUMN\tTYPE\tNULLS\t%% NULL\n")
	for _, r := range reports {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.0f\n", r.Column, r.Kind, r.Nulls, r.PercentNull)
	}
	fmt.Fprintf(tw, "(%d rows)\n", frame.Len())
	return tw.Flush()
}

func reportCommand() *cli.Command {
	return &cli.Command{
		Name:  "report",
		Usage: "Summarize risk columns and optionally render them as HTML charts",
		Flags: []cli.Flag{
			inputFlag(),
			&cli.StringSliceFlag{
				Name:  "column",
				Usage: "risk column to report on (repeatable); every kfre_ column when omitted",
			},
			&cli.StringFlag{
				Name:  "html",
				Usage: "write an HTML chart page to this file",
			},
			&cli.StringFlag{
				Name:  "title",
				Value: "Kidney failure risk distribution",
				Usage: "HTML page title",
			},
		},
		Action: runReport,
	}
}

func runReport(ctx context.Context, cmd *cli.Command) error {
	frame, err := readFrame(cmd)
	if err != nil {
		return err
	}
	series, err := report.FromFrame(frame, cmd.StringSlice("column"))
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.Root().Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "COLUMN\tN\tMISSING\tMEAN\tMEDIAN\tP90\tMAX")
	for _, b := range report.Bands {
		fmt.Fprintf(tw, "\t%s", b.Label)
	}
	fmt.Fprintln(tw)
	for _, s := range series {
		sum := report.Summarize(s)
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.4f\t%.4f\t%.4f\t%.4f",
			sum.Column, sum.Count, sum.Missing, sum.Mean, sum.Median, sum.P90, sum.Max)
		for _, n := range sum.Counts {
			fmt.Fprintf(tw, "\t%d", int(n))
		}
		fmt.Fprintln(tw)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	path := cmd.String("html")
	if path == "" {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	if err := report.RenderHTML(f, cmd.String("title"), series); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func idsCommand() *cli.Command {
	return &cli.Command{
		Name:  "ids",
		Usage: "Prepend a column of unique synthetic 9-digit patient IDs",
		Flags: []cli.Flag{
			inputFlag(),
			outputFlag(),
			&cli.Int64Flag{
				Name:  "seed",
				Value: 42,
				Usage: "random seed; the same seed gives the same IDs",
			},
		},
		Action: runIDs,
	}
}

func runIDs(ctx context.Context, cmd *cli.Command) error {
	frame, err := readFrame(cmd)
	if err != nil {
		return err
	}
	if err := dataset.AddPatientIDs(frame, cmd.Int64("seed")); err != nil {
		return err
	}
	return writeFrame(cmd, frame)
}
