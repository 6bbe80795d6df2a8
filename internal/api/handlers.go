package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kfre-risk-server/internal/audit"
	"github.com/kfre-risk-server/internal/dataset"
	"github.com/kfre-risk-server/internal/domain"
	"github.com/kfre-risk-server/internal/service"
	"github.com/kfre-risk-server/pkg/kfre"
)

// PredictRequest carries one patient or a batch.
type PredictRequest struct {
	Patient       *domain.PatientInput  `json:"patient,omitempty"`
	Patients      []domain.PatientInput `json:"patients,omitempty"`
	Horizons      []int                 `json:"horizons,omitempty"`
	UseExtended   bool                  `json:"use_extended"`
	VariableCount int                   `json:"variable_count,omitempty"`
}

// PatientResult is the prediction for the patient at Index in the request.
type PatientResult struct {
	Index int `json:"index"`
	*service.PatientPrediction
}

// PredictResponse is the body of a successful prediction.
type PredictResponse struct {
	RunID     string          `json:"run_id,omitempty"`
	Requested string          `json:"requested_variant"`
	Fallbacks int             `json:"fallbacks"`
	Results   []PatientResult `json:"results"`
}

// UACRRequest asks for a uACR estimate from uPCR.
type UACRRequest struct {
	UPCR         *float64 `json:"upcr"`
	Sex          string   `json:"sex"`
	Diabetes     *float64 `json:"dm,omitempty"`
	Hypertension *float64 `json:"htn,omitempty"`
}

// ConvertRequest holds lab values keyed by source field.
type ConvertRequest struct {
	Values map[string]float64 `json:"values"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   Version,
	}
	if s.cache != nil {
		body["cache"] = s.cache.Stats()
	}
	if s.redis != nil {
		if err := s.redis.Ping(c.Request.Context()); err != nil {
			body["status"] = "degraded"
			body["redis"] = "unavailable"
		} else {
			body["redis"] = "ok"
		}
	}
	c.JSON(http.StatusOK, body)
}

// handlePredict evaluates one or more patient records.
func (s *Server) handlePredict(c *gin.Context) {
	var req PredictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithCode(c, http.StatusBadRequest, domain.ErrInvalidInput, "invalid request body", err.Error())
		return
	}

	resp, err := s.predict(c.Request.Context(), &req, audit.SourceHTTP)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// predict runs a PredictRequest and records it in the run log.
func (s *Server) predict(ctx context.Context, req *PredictRequest, source audit.Source) (*PredictResponse, error) {
	start := time.Now()

	records := req.Patients
	if req.Patient != nil {
		records = append([]domain.PatientInput{*req.Patient}, records...)
	}
	if len(records) == 0 {
		return nil, &requestError{status: http.StatusBadRequest, code: domain.ErrInvalidInput, message: "no patient records"}
	}
	if limit := s.configManager.GetServerConfig().MaxBatchSize; limit > 0 && len(records) > limit {
		return nil, &requestError{
			status:  http.StatusRequestEntityTooLarge,
			code:    domain.ErrInvalidInput,
			message: "too many patient records",
			details: "maximum is " + strconv.Itoa(limit),
		}
	}

	requested, err := kfre.SelectVariant(req.UseExtended, req.VariableCount)
	if err != nil {
		return nil, err
	}

	opts := service.PatientOptions{
		Horizons:      req.Horizons,
		UseExtended:   req.UseExtended,
		VariableCount: req.VariableCount,
	}

	resp := &PredictResponse{
		Requested: requested.String(),
		Results:   make([]PatientResult, 0, len(records)),
	}
	cacheHits := 0
	for i := range records {
		out, err := s.patients.Predict(&records[i], opts)
		if err != nil {
			return nil, &service.RowError{Row: i, Err: err}
		}
		cacheHits += out.CacheHits
		for _, p := range out.Predictions {
			recordPrediction(p.Variant, p.RequestedVariant, p.HorizonYears, p.FellBack)
			if p.FellBack {
				resp.Fallbacks++
			}
		}
		resp.Results = append(resp.Results, PatientResult{Index: i, PatientPrediction: out})
	}
	cacheHitsTotal.Add(float64(cacheHits))

	horizon := 0
	if len(req.Horizons) == 1 {
		horizon = req.Horizons[0]
	}
	resp.RunID = s.recordRun(ctx, &audit.RunRecord{
		Source:       source,
		Operation:    audit.OperationPredict,
		Variant:      requested.String(),
		HorizonYears: horizon,
		Rows:         len(records),
		Fallbacks:    resp.Fallbacks,
		Duration:     time.Since(start),
	})

	return resp, nil
}

// EstimatedUACRColumn receives uACR when estimate_uacr is set on a table request.
const EstimatedUACRColumn = "uACR (estimated)"

const convertedUPCRColumn = "uPCR (mg/g)"

// handlePredictTable reads a CSV body, appends kfre_<n>var_<y>year columns
// and returns the table as CSV. Query parameters: years (e.g. "2,5"),
// extended, vars, repeated col=field=column overrides, convert with
// repeated conv=field=column sources, and estimate_uacr.
func (s *Server) handlePredictTable(c *gin.Context) {
	start := time.Now()

	horizons, err := parseYears(c.DefaultQuery("years", "2,5"))
	if err != nil {
		s.abortWithCode(c, http.StatusBadRequest, domain.ErrInvalidInput, "invalid years parameter", err.Error())
		return
	}
	flags := make(map[string]bool, 3)
	for _, name := range []string{"extended", "convert", "estimate_uacr"} {
		v, err := strconv.ParseBool(c.DefaultQuery(name, "false"))
		if err != nil {
			s.abortWithCode(c, http.StatusBadRequest, domain.ErrInvalidInput, "invalid "+name+" parameter", err.Error())
			return
		}
		flags[name] = v
	}
	vars, err := strconv.Atoi(c.DefaultQuery("vars", "0"))
	if err != nil {
		s.abortWithCode(c, http.StatusBadRequest, domain.ErrInvalidInput, "invalid vars parameter", err.Error())
		return
	}

	overrides, err := service.ParseColumnMap(c.QueryArray("col"))
	if err != nil {
		s.abortWithCode(c, http.StatusBadRequest, domain.ErrInvalidInput, "invalid column mapping", err.Error())
		return
	}
	mapping := service.DefaultColumnMap().Merge(overrides)
	conversions, err := service.ParseColumnMap(c.QueryArray("conv"))
	if err != nil {
		s.abortWithCode(c, http.StatusBadRequest, domain.ErrInvalidInput, "invalid conversion mapping", err.Error())
		return
	}

	frame, err := dataset.ReadCSV(c.Request.Body)
	if err != nil {
		s.abortWithCode(c, http.StatusBadRequest, domain.ErrInvalidInput, "invalid CSV body", err.Error())
		return
	}
	if limit := s.configManager.GetServerConfig().MaxBatchSize; limit > 0 && frame.Len() > limit {
		s.abortWithCode(c, http.StatusRequestEntityTooLarge, domain.ErrInvalidInput,
			"too many rows", "maximum is "+strconv.Itoa(limit))
		return
	}

	if flags["convert"] {
		if err := s.converter.Convert(frame, service.DefaultConversionMap().Merge(conversions)); err != nil {
			s.abortWithError(c, err)
			return
		}
		mapping[service.FieldUPCR] = convertedUPCRColumn
	}
	if flags["estimate_uacr"] {
		if _, err := s.estimator.FillColumn(frame, mapping, s.configManager.GetEngineConfig().FemaleToken, EstimatedUACRColumn); err != nil {
			s.abortWithError(c, err)
			return
		}
		mapping[service.FieldUACR] = EstimatedUACRColumn
	}

	opts := service.PredictOptions{UseExtended: flags["extended"], VariableCount: vars}
	columns, err := s.predictor.AddRiskColumns(c.Request.Context(), frame, mapping, opts, horizons...)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	fallbacks := 0
	for _, col := range columns {
		for _, v := range col.Result.Variants {
			recordPrediction(v.String(), col.Result.Requested.String(), int(col.Result.Horizon), v != col.Result.Requested)
		}
		fallbacks += col.Result.Fallbacks
	}

	horizon := 0
	if len(horizons) == 1 {
		horizon = horizons[0]
	}
	runID := s.recordRun(c.Request.Context(), &audit.RunRecord{
		Source:       audit.SourceHTTP,
		Operation:    audit.OperationPredict,
		Variant:      columns[0].Result.Requested.String(),
		HorizonYears: horizon,
		Rows:         frame.Len(),
		Fallbacks:    fallbacks,
		Duration:     time.Since(start),
	})

	if runID != "" {
		c.Header("X-Run-ID", runID)
	}
	c.Header("Content-Type", "text/csv")
	c.Status(http.StatusOK)
	if err := dataset.WriteCSV(c.Writer, frame); err != nil {
		s.logger.WithError(err).Error("Failed to write CSV response")
	}
}

// handleEstimateUACR estimates uACR from uPCR for one patient.
func (s *Server) handleEstimateUACR(c *gin.Context) {
	start := time.Now()

	var req UACRRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithCode(c, http.StatusBadRequest, domain.ErrInvalidInput, "invalid request body", err.Error())
		return
	}
	if req.UPCR == nil {
		s.abortWithError(c, domain.NewValidationError("upcr", "is required", nil))
		return
	}

	for field, v := range map[string]*float64{"dm": req.Diabetes, "htn": req.Hypertension} {
		if err := domain.ValidateFlag(field, v); err != nil {
			s.abortWithError(c, err)
			return
		}
	}

	diabetic := req.Diabetes != nil && *req.Diabetes == 1
	hypertensive := req.Hypertension != nil && *req.Hypertension == 1
	uacr, err := s.patients.EstimateUACR(*req.UPCR, req.Sex, diabetic, hypertensive)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	s.recordRun(c.Request.Context(), &audit.RunRecord{
		Source:    audit.SourceHTTP,
		Operation: audit.OperationEstimateUACR,
		Rows:      1,
		Duration:  time.Since(start),
	})

	c.JSON(http.StatusOK, gin.H{"uacr": uacr})
}

// handleConvert converts single lab values into the model's units.
func (s *Server) handleConvert(c *gin.Context) {
	start := time.Now()

	var req ConvertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithCode(c, http.StatusBadRequest, domain.ErrInvalidInput, "invalid request body", err.Error())
		return
	}
	if len(req.Values) == 0 {
		s.abortWithCode(c, http.StatusBadRequest, domain.ErrInvalidInput, "no values to convert", "")
		return
	}

	converted, err := service.ConvertUnits(req.Values)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	s.recordRun(c.Request.Context(), &audit.RunRecord{
		Source:    audit.SourceHTTP,
		Operation: audit.OperationConvertUnits,
		Rows:      1,
		Duration:  time.Since(start),
	})

	c.JSON(http.StatusOK, gin.H{"converted": converted})
}

// handleListRuns pages through the run log, newest first.
func (s *Server) handleListRuns(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		s.abortWithCode(c, http.StatusBadRequest, domain.ErrInvalidInput, "limit must be between 1 and 500", "")
		return
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		s.abortWithCode(c, http.StatusBadRequest, domain.ErrInvalidInput, "offset must not be negative", "")
		return
	}

	runs, err := s.audit.List(c.Request.Context(), limit, offset)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if runs == nil {
		runs = []*audit.RunRecord{}
	}
	total, err := s.audit.Count(c.Request.Context())
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"runs": runs, "total": total})
}

// recordRun stores a run and returns its ID. Failures are logged only.
func (s *Server) recordRun(ctx context.Context, run *audit.RunRecord) string {
	if err := s.audit.Record(ctx, run); err != nil {
		s.logger.WithError(err).Warn("Failed to record run")
		return ""
	}
	return run.ID
}

func parseYears(raw string) ([]int, error) {
	parts := strings.Split(raw, ",")
	years := make([]int, 0, len(parts))
	seen := make(map[int]bool, len(parts))
	for _, p := range parts {
		y, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		if seen[y] {
			return nil, fmt.Errorf("horizon %d listed twice", y)
		}
		seen[y] = true
		years = append(years, y)
	}
	return years, nil
}
