package mcp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kfre-risk-server/internal/audit"
	"github.com/kfre-risk-server/internal/dataset"
	"github.com/kfre-risk-server/internal/domain"
	"github.com/kfre-risk-server/internal/report"
	"github.com/kfre-risk-server/internal/service"
	"github.com/kfre-risk-server/pkg/kfre"
)

// PredictRiskParams defines parameters for the predict_kfre_risk tool
type PredictRiskParams struct {
	Patients      []domain.PatientInput `json:"patients" jsonschema:"patient records; each needs age, sex, egfr, region and uacr or upcr"`
	Horizons      []int                 `json:"horizons,omitempty" jsonschema:"prediction horizons in years, 2 and/or 5; both when omitted"`
	UseExtended   bool                  `json:"use_extended,omitempty" jsonschema:"request the 6- or 8-variable model"`
	VariableCount int                   `json:"variable_count,omitempty" jsonschema:"6 or 8, read only when use_extended is set"`
}

// PatientRisk is the outcome for the patient at Index.
type PatientRisk struct {
	Index         int                     `json:"index"`
	UACR          float64                 `json:"uacr"`
	UACREstimated bool                    `json:"uacr_estimated"`
	Predictions   []domain.RiskPrediction `json:"predictions"`
}

// PredictRiskResult defines the result structure for the predict_kfre_risk tool
type PredictRiskResult struct {
	RunID     string        `json:"run_id,omitempty"`
	Requested string        `json:"requested_variant"`
	Fallbacks int           `json:"fallbacks"`
	Patients  []PatientRisk `json:"patients"`
}

// PredictTableParams defines parameters for the predict_kfre_table tool
type PredictTableParams struct {
	CSV           string   `json:"csv" jsonschema:"patient table as CSV with a header row"`
	Horizons      []int    `json:"horizons,omitempty" jsonschema:"prediction horizons in years, 2 and/or 5; both when omitted"`
	UseExtended   bool     `json:"use_extended,omitempty" jsonschema:"request the 6- or 8-variable model"`
	VariableCount int      `json:"variable_count,omitempty" jsonschema:"6 or 8, read only when use_extended is set"`
	Columns       []string `json:"columns,omitempty" jsonschema:"column overrides, each a logical field and a CSV column name joined by an equals sign"`
	HTMLReport    bool     `json:"html_report,omitempty" jsonschema:"also write an HTML risk distribution chart to the reports directory"`
}

// PredictTableResult defines the result structure for the predict_kfre_table tool
type PredictTableResult struct {
	RunID     string           `json:"run_id,omitempty"`
	Rows      int              `json:"rows"`
	Fallbacks int              `json:"fallbacks"`
	Columns   []string         `json:"risk_columns"`
	Summaries []report.Summary `json:"summaries"`
	CSV       string           `json:"csv"`
	Report    string           `json:"report_path,omitempty"`
}

// EstimateUACRParams defines parameters for the estimate_uacr tool
type EstimateUACRParams struct {
	UPCR         float64 `json:"upcr" jsonschema:"urine protein-creatinine ratio in mg/g"`
	Sex          string  `json:"sex" jsonschema:"sex label; matched exactly against the configured female token"`
	Diabetes     bool    `json:"diabetes,omitempty"`
	Hypertension bool    `json:"hypertension,omitempty"`
}

// EstimateUACRResult defines the result structure for the estimate_uacr tool
type EstimateUACRResult struct {
	UACR float64 `json:"uacr"`
}

// ConvertUnitsParams defines parameters for the convert_units tool
type ConvertUnitsParams struct {
	Values map[string]float64 `json:"values" jsonschema:"lab values keyed by source field: uPCR (mg/mmol), calcium (mmol/L), phosphate (mmol/L), albumin (g/L)"`
}

// ConvertUnitsResult defines the result structure for the convert_units tool
type ConvertUnitsResult struct {
	Converted map[string]float64 `json:"converted"`
}

// ListRunsParams defines parameters for the list_runs tool
type ListRunsParams struct {
	Limit  int `json:"limit,omitempty" jsonschema:"maximum runs to return, default 20"`
	Offset int `json:"offset,omitempty"`
}

// ListRunsResult defines the result structure for the list_runs tool
type ListRunsResult struct {
	Runs  []*audit.RunRecord `json:"runs"`
	Total int64              `json:"total"`
}

// handlePredictRisk handles the predict_kfre_risk tool invocation
func (s *LiteServer) handlePredictRisk(ctx context.Context, req *mcp.CallToolRequest, params PredictRiskParams) (*mcp.CallToolResult, any, error) {
	s.logger.WithField("tool", "predict_kfre_risk").Info("Tool invoked")
	start := time.Now()

	if len(params.Patients) == 0 {
		return s.createErrorResult("Missing required parameter", errors.New("patients must not be empty")), nil, nil
	}

	requested, err := kfre.SelectVariant(params.UseExtended, params.VariableCount)
	if err != nil {
		return s.createErrorResult("Invalid model selection", err), nil, nil
	}

	opts := service.PatientOptions{
		Horizons:      params.Horizons,
		UseExtended:   params.UseExtended,
		VariableCount: params.VariableCount,
	}

	result := PredictRiskResult{
		Requested: requested.String(),
		Patients:  make([]PatientRisk, 0, len(params.Patients)),
	}
	for i := range params.Patients {
		out, err := s.patients.Predict(&params.Patients[i], opts)
		if err != nil {
			return s.createErrorResult("Prediction failed", &service.RowError{Row: i, Err: err}), nil, nil
		}
		for _, p := range out.Predictions {
			if p.FellBack {
				result.Fallbacks++
			}
		}
		result.Patients = append(result.Patients, PatientRisk{
			Index:         i,
			UACR:          out.UACR,
			UACREstimated: out.UACREstimated,
			Predictions:   out.Predictions,
		})
	}

	horizon := 0
	if len(params.Horizons) == 1 {
		horizon = params.Horizons[0]
	}
	result.RunID = s.recordRun(ctx, &audit.RunRecord{
		Source:       audit.SourceMCP,
		Operation:    audit.OperationPredict,
		Variant:      requested.String(),
		HorizonYears: horizon,
		Rows:         len(params.Patients),
		Fallbacks:    result.Fallbacks,
		Duration:     time.Since(start),
	})

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: summarizePatients(result)},
		},
	}, result, nil
}

// handlePredictTable handles the predict_kfre_table tool invocation
func (s *LiteServer) handlePredictTable(ctx context.Context, req *mcp.CallToolRequest, params PredictTableParams) (*mcp.CallToolResult, any, error) {
	s.logger.WithField("tool", "predict_kfre_table").Info("Tool invoked")
	start := time.Now()

	if strings.TrimSpace(params.CSV) == "" {
		return s.createErrorResult("Missing required parameter", errors.New("csv is required")), nil, nil
	}

	overrides, err := service.ParseColumnMap(params.Columns)
	if err != nil {
		return s.createErrorResult("Invalid column mapping", err), nil, nil
	}

	frame, err := dataset.ReadCSV(strings.NewReader(params.CSV))
	if err != nil {
		return s.createErrorResult("Invalid CSV", err), nil, nil
	}

	opts := service.PredictOptions{UseExtended: params.UseExtended, VariableCount: params.VariableCount}
	columns, err := s.predictor.AddRiskColumns(ctx, frame, service.DefaultColumnMap().Merge(overrides), opts, params.Horizons...)
	if err != nil {
		return s.createErrorResult("Prediction failed", err), nil, nil
	}

	result := PredictTableResult{Rows: frame.Len()}
	series := make([]report.Series, 0, len(columns))
	for _, col := range columns {
		result.Columns = append(result.Columns, col.Name)
		result.Fallbacks += col.Result.Fallbacks
		series = append(series, report.Series{Name: col.Name, Values: col.Result.Risks})
		result.Summaries = append(result.Summaries, report.Summarize(series[len(series)-1]))
	}

	var out strings.Builder
	if err := dataset.WriteCSV(&out, frame); err != nil {
		return nil, nil, fmt.Errorf("failed to write CSV: %w", err)
	}
	result.CSV = out.String()

	horizon := 0
	if len(columns) == 1 {
		horizon = int(columns[0].Result.Horizon)
	}
	result.RunID = s.recordRun(ctx, &audit.RunRecord{
		Source:       audit.SourceMCP,
		Operation:    audit.OperationPredict,
		Variant:      columns[0].Result.Requested.String(),
		HorizonYears: horizon,
		Rows:         frame.Len(),
		Fallbacks:    result.Fallbacks,
		Duration:     time.Since(start),
	})

	text := fmt.Sprintf("Added %s for %d rows (%d fallbacks to the 4-variable model)",
		strings.Join(result.Columns, ", "), result.Rows, result.Fallbacks)

	if params.HTMLReport {
		path, err := s.writeReport(result.RunID, series)
		if err != nil {
			return s.createErrorResult("Failed to write report", err), nil, nil
		}
		result.Report = path
		text += "\nReport: " + path
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}, result, nil
}

// writeReport renders the risk chart into the reports directory and returns
// the file path.
func (s *LiteServer) writeReport(runID string, series []report.Series) (string, error) {
	if err := s.config.EnsureDataDir(); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	name := runID
	if name == "" {
		name = time.Now().UTC().Format("20060102T150405.000")
	}
	path := filepath.Join(s.config.ReportDir(), "kfre-"+name+".html")

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if err := report.RenderHTML(f, "KFRE risk distribution", series); err != nil {
		f.Close()
		return "", err
	}
	return path, f.Close()
}

// handleEstimateUACR handles the estimate_uacr tool invocation
func (s *LiteServer) handleEstimateUACR(ctx context.Context, req *mcp.CallToolRequest, params EstimateUACRParams) (*mcp.CallToolResult, any, error) {
	s.logger.WithField("tool", "estimate_uacr").Info("Tool invoked")
	start := time.Now()

	uacr, err := s.patients.EstimateUACR(params.UPCR, params.Sex, params.Diabetes, params.Hypertension)
	if err != nil {
		return s.createErrorResult("Invalid uPCR", err), nil, nil
	}

	s.recordRun(ctx, &audit.RunRecord{
		Source:    audit.SourceMCP,
		Operation: audit.OperationEstimateUACR,
		Rows:      1,
		Duration:  time.Since(start),
	})

	result := EstimateUACRResult{UACR: uacr}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf("Estimated uACR: %.4f mg/g", uacr)},
		},
	}, result, nil
}

// handleConvertUnits handles the convert_units tool invocation
func (s *LiteServer) handleConvertUnits(ctx context.Context, req *mcp.CallToolRequest, params ConvertUnitsParams) (*mcp.CallToolResult, any, error) {
	s.logger.WithField("tool", "convert_units").Info("Tool invoked")
	start := time.Now()

	if len(params.Values) == 0 {
		return s.createErrorResult("Missing required parameter", errors.New("values must not be empty")), nil, nil
	}

	converted, err := service.ConvertUnits(params.Values)
	if err != nil {
		return s.createErrorResult("Conversion failed", err), nil, nil
	}

	s.recordRun(ctx, &audit.RunRecord{
		Source:    audit.SourceMCP,
		Operation: audit.OperationConvertUnits,
		Rows:      1,
		Duration:  time.Since(start),
	})

	parts := make([]string, 0, len(converted))
	for _, unit := range kfre.Conversions {
		if v, ok := converted[unit.Output]; ok {
			parts = append(parts, fmt.Sprintf("%s = %g", unit.Output, v))
		}
	}

	result := ConvertUnitsResult{Converted: converted}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: strings.Join(parts, "\n")},
		},
	}, result, nil
}

// handleListRuns handles the list_runs tool invocation
func (s *LiteServer) handleListRuns(ctx context.Context, req *mcp.CallToolRequest, params ListRunsParams) (*mcp.CallToolResult, any, error) {
	s.logger.WithField("tool", "list_runs").Debug("Tool invoked")

	if params.Limit <= 0 {
		params.Limit = 20
	}
	if params.Offset < 0 {
		return s.createErrorResult("Invalid parameter", errors.New("offset must not be negative")), nil, nil
	}

	runs, err := s.auditStore.List(ctx, params.Limit, params.Offset)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list runs: %w", err)
	}
	total, err := s.auditStore.Count(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to count runs: %w", err)
	}
	if runs == nil {
		runs = []*audit.RunRecord{}
	}

	result := ListRunsResult{Runs: runs, Total: total}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf("%d of %d runs", len(runs), total)},
		},
	}, result, nil
}

func (s *LiteServer) recordRun(ctx context.Context, run *audit.RunRecord) string {
	if err := s.auditStore.Record(ctx, run); err != nil {
		s.logger.WithError(err).Warn("Failed to record run")
		return ""
	}
	return run.ID
}

func summarizePatients(result PredictRiskResult) string {
	var b strings.Builder
	for _, p := range result.Patients {
		for _, pred := range p.Predictions {
			fmt.Fprintf(&b, "patient %d: %d-year risk %.2f%% (%s", p.Index, pred.HorizonYears, pred.Risk*100, pred.Variant)
			if pred.FellBack {
				fmt.Fprintf(&b, ", requested %s", pred.RequestedVariant)
			}
			b.WriteString(")\n")
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// createErrorResult creates a standardized error result for tool calls
func (s *LiteServer) createErrorResult(message string, err error) *mcp.CallToolResult {
	errorText := fmt.Sprintf("Error: %s", message)
	if err != nil {
		errorText += fmt.Sprintf(" - %v", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: errorText},
		},
		IsError: true,
	}
}
