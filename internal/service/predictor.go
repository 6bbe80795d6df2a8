package service

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kfre-risk-server/internal/dataset"
	"github.com/kfre-risk-server/pkg/kfre"
)

// RowError attaches a row index to a per-row failure.
type RowError struct {
	Row int
	Err error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

func (e *RowError) Unwrap() error {
	return e.Err
}

// PredictOptions selects the model and horizon for a batch prediction.
type PredictOptions struct {
	Horizon       int
	UseExtended   bool
	VariableCount int
}

// PredictResult holds one risk per frame row.
type PredictResult struct {
	Risks     []float64
	Variants  []kfre.Variant
	Requested kfre.Variant
	Horizon   kfre.Horizon
	Fallbacks int
}

// RiskPredictor evaluates the KFRE over every row of a frame.
type RiskPredictor struct {
	logger    *logrus.Logger
	workers   int
	maleToken string
}

// NewRiskPredictor creates a predictor. workers <= 0 uses one worker per
// CPU. A row is male when its sex label equals maleToken, ignoring case.
func NewRiskPredictor(logger *logrus.Logger, workers int, maleToken string) *RiskPredictor {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if maleToken == "" {
		maleToken = "male"
	}
	return &RiskPredictor{
		logger:    logger,
		workers:   workers,
		maleToken: maleToken,
	}
}

// Predict returns the risk of kidney failure within horizon years for each
// row of frame.
func (p *RiskPredictor) Predict(ctx context.Context, frame *dataset.Frame, mapping ColumnMap, horizon int, useExtended bool, variableCount int) ([]float64, error) {
	res, err := p.Evaluate(ctx, frame, mapping, PredictOptions{
		Horizon:       horizon,
		UseExtended:   useExtended,
		VariableCount: variableCount,
	})
	if err != nil {
		return nil, err
	}
	return res.Risks, nil
}

// PredictPatient evaluates a single resolved patient.
func (p *RiskPredictor) PredictPatient(c kfre.Covariates, requested kfre.Variant, horizon kfre.Horizon) (kfre.Result, error) {
	res, err := kfre.Evaluate(c, requested, horizon)
	if err != nil {
		return kfre.Result{}, err
	}
	if res.FellBack() {
		p.logger.WithFields(logrus.Fields{
			"requested": requested.String(),
			"variant":   res.Variant.String(),
		}).Debug("Extended covariates incomplete, using 4-variable model")
	}
	return res, nil
}

// Evaluate runs a batch prediction and reports the variant used per row.
func (p *RiskPredictor) Evaluate(ctx context.Context, frame *dataset.Frame, mapping ColumnMap, opts PredictOptions) (*PredictResult, error) {
	horizon, err := kfre.ParseHorizon(opts.Horizon)
	if err != nil {
		return nil, err
	}
	requested, err := kfre.SelectVariant(opts.UseExtended, opts.VariableCount)
	if err != nil {
		return nil, err
	}

	cols, err := p.bindColumns(frame, mapping, requested)
	if err != nil {
		return nil, err
	}

	n := frame.Len()
	result := &PredictResult{
		Risks:     make([]float64, n),
		Variants:  make([]kfre.Variant, n),
		Requested: requested,
		Horizon:   horizon,
	}

	chunkSize := (n + p.workers - 1) / p.workers
	if chunkSize == 0 {
		chunkSize = 1
	}
	numChunks := (n + chunkSize - 1) / chunkSize
	chunkErrs := make([]error, numChunks)
	fallbacks := make([]int, numChunks)

	semaphore := make(chan struct{}, p.workers)
	var wg sync.WaitGroup

	for chunk := 0; chunk < numChunks; chunk++ {
		start := chunk * chunkSize
		end := min(start+chunkSize, n)

		if err := ctx.Err(); err != nil {
			wg.Wait()
			return nil, err
		}
		select {
		case semaphore <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return nil, ctx.Err()
		}

		wg.Add(1)
		go func(chunk, start, end int) {
			defer wg.Done()
			defer func() { <-semaphore }()

			for i := start; i < end; i++ {
				c, err := cols.covariates(frame.Row(i))
				if err != nil {
					chunkErrs[chunk] = err
					return
				}
				res, err := kfre.Evaluate(c, requested, horizon)
				if err != nil {
					chunkErrs[chunk] = &RowError{Row: i, Err: err}
					return
				}
				result.Risks[i] = res.Risk
				result.Variants[i] = res.Variant
				if res.FellBack() {
					fallbacks[chunk]++
				}
			}
		}(chunk, start, end)
	}
	wg.Wait()

	for _, err := range chunkErrs {
		if err != nil {
			return nil, err
		}
	}
	for _, f := range fallbacks {
		result.Fallbacks += f
	}

	if result.Fallbacks > 0 {
		p.logger.WithFields(logrus.Fields{
			"requested": requested.String(),
			"rows":      result.Fallbacks,
		}).Debug("Rows fell back to the 4-variable model")
	}
	p.logger.WithFields(logrus.Fields{
		"rows":      n,
		"variant":   requested.String(),
		"horizon":   int(horizon),
		"fallbacks": result.Fallbacks,
		"workers":   p.workers,
	}).Info("Batch prediction complete")

	return result, nil
}

// RiskColumnName returns the output column name for a variant and horizon,
// e.g. kfre_4var_2year.
func RiskColumnName(v kfre.Variant, horizon int) string {
	return fmt.Sprintf("kfre_%dvar_%dyear", v.VariableCount(), horizon)
}

// RiskColumn is one column added by AddRiskColumns.
type RiskColumn struct {
	Name   string
	Result *PredictResult
}

// AddRiskColumns appends one risk column per horizon to frame. No column is
// added if any prediction fails.
func (p *RiskPredictor) AddRiskColumns(ctx context.Context, frame *dataset.Frame, mapping ColumnMap, opts PredictOptions, horizons ...int) ([]RiskColumn, error) {
	if len(horizons) == 0 {
		horizons = []int{int(kfre.TwoYear), int(kfre.FiveYear)}
	}
	requested, err := kfre.SelectVariant(opts.UseExtended, opts.VariableCount)
	if err != nil {
		return nil, err
	}

	columns := make([]RiskColumn, len(horizons))
	seen := make(map[string]bool, len(horizons))
	for i, years := range horizons {
		name := RiskColumnName(requested, years)
		if frame.Has(name) {
			return nil, fmt.Errorf("%w: %q", dataset.ErrColumnExists, name)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: %q requested twice", dataset.ErrColumnExists, name)
		}
		seen[name] = true

		o := opts
		o.Horizon = years
		res, err := p.Evaluate(ctx, frame, mapping, o)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		columns[i] = RiskColumn{Name: name, Result: res}
	}

	for _, col := range columns {
		if err := frame.AddFloats(col.Name, col.Result.Risks); err != nil {
			return nil, err
		}
	}
	return columns, nil
}

var extendedFields = map[kfre.Variant][]string{
	kfre.SixVariable:   {FieldDiabetes, FieldHypertension},
	kfre.EightVariable: {FieldAlbumin, FieldPhosphorous, FieldBicarbonate, FieldCalcium},
}

// boundColumns holds the physical column names a batch reads. Empty names
// for extended fields mean the column is unavailable.
type boundColumns struct {
	age, sex, egfr, uacr, region string
	extended                     map[string]string
	maleToken                    string
}

func (p *RiskPredictor) bindColumns(frame *dataset.Frame, mapping ColumnMap, requested kfre.Variant) (*boundColumns, error) {
	b := &boundColumns{extended: map[string]string{}, maleToken: p.maleToken}

	baseline := []struct {
		field   string
		dst     *string
		numeric bool
	}{
		{FieldAge, &b.age, true},
		{FieldSex, &b.sex, false},
		{FieldEGFR, &b.egfr, true},
		{FieldUACR, &b.uacr, true},
		{FieldRegion, &b.region, false},
	}
	for _, col := range baseline {
		name, ok := mapping.Column(col.field)
		if !ok {
			return nil, fmt.Errorf("%w: no column mapped for %s", dataset.ErrMissingColumn, col.field)
		}
		if !frame.Has(name) {
			return nil, fmt.Errorf("%w: %q (%s)", dataset.ErrMissingColumn, name, col.field)
		}
		if col.numeric {
			if _, err := frame.Floats(name); err != nil {
				return nil, err
			}
		}
		*col.dst = name
	}

	var unavailable []string
	for _, field := range extendedFields[requested] {
		name, ok := mapping.Column(field)
		if !ok || !frame.Has(name) {
			unavailable = append(unavailable, field)
			continue
		}
		b.extended[field] = name
	}
	if len(unavailable) > 0 {
		p.logger.WithFields(logrus.Fields{
			"requested": requested.String(),
			"fields":    strings.Join(unavailable, ","),
		}).Warn("Extended columns unavailable, all rows will use the 4-variable model")
	}

	return b, nil
}

func (b *boundColumns) covariates(row dataset.Row) (kfre.Covariates, error) {
	var c kfre.Covariates

	missing := func(col string) error {
		return &RowError{Row: row.Index(), Err: fmt.Errorf("%w: %s", ErrMissingCovariate, col)}
	}

	var ok bool
	if c.Age, ok = row.Float(b.age); !ok {
		return c, missing(b.age)
	}
	sex, ok := row.String(b.sex)
	if !ok {
		return c, missing(b.sex)
	}
	c.Male = strings.EqualFold(sex, b.maleToken)
	if c.EGFR, ok = row.Float(b.egfr); !ok {
		return c, missing(b.egfr)
	}
	if c.UACR, ok = row.Float(b.uacr); !ok {
		return c, missing(b.uacr)
	}
	region, ok := row.String(b.region)
	if !ok {
		return c, missing(b.region)
	}
	c.Region = kfre.RegionFromLabel(region)

	optional := func(field string) *float64 {
		name, bound := b.extended[field]
		if !bound {
			return nil
		}
		v, ok := row.Float(name)
		if !ok {
			return nil
		}
		return &v
	}
	c.Diabetes = optional(FieldDiabetes)
	c.Hypertension = optional(FieldHypertension)
	c.Albumin = optional(FieldAlbumin)
	c.Phosphorous = optional(FieldPhosphorous)
	c.Bicarbonate = optional(FieldBicarbonate)
	c.Calcium = optional(FieldCalcium)

	return c, nil
}
