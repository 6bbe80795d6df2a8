package service

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/kfre-risk-server/internal/dataset"
	"github.com/kfre-risk-server/pkg/kfre"
)

// ErrMissingCovariate is returned when a required value is absent from a row.
var ErrMissingCovariate = errors.New("missing required covariate")

// UACREstimator fills in uACR from uPCR for table rows.
type UACREstimator struct {
	logger    *logrus.Logger
	maleToken string
}

// NewUACREstimator creates a new estimator. maleToken is only used to
// recognise sex labels that match neither token.
func NewUACREstimator(logger *logrus.Logger, maleToken string) *UACREstimator {
	return &UACREstimator{logger: logger, maleToken: maleToken}
}

// Estimate computes uACR for one row. The patient is female only when the
// sex label equals femaleToken exactly; any other label, including a
// missing one, is treated as male. dm and htn cells must hold 0 or 1.
func (e *UACREstimator) Estimate(row dataset.Row, sexCol, dmCol, htnCol, upcrCol, femaleToken string) (float64, error) {
	upcr, ok := row.Float(upcrCol)
	if !ok {
		return 0, &RowError{Row: row.Index(), Err: fmt.Errorf("%w: %s", ErrMissingCovariate, upcrCol)}
	}
	dm, ok := row.Float(dmCol)
	if !ok {
		return 0, &RowError{Row: row.Index(), Err: fmt.Errorf("%w: %s", ErrMissingCovariate, dmCol)}
	}
	htn, ok := row.Float(htnCol)
	if !ok {
		return 0, &RowError{Row: row.Index(), Err: fmt.Errorf("%w: %s", ErrMissingCovariate, htnCol)}
	}

	sex, _ := row.String(sexCol)
	uacr, err := kfre.EstimateUACR(upcr, sex == femaleToken, dm == 1, htn == 1)
	if err != nil {
		return 0, &RowError{Row: row.Index(), Err: err}
	}
	return uacr, nil
}

// EstimateSummary reports what FillColumn did.
type EstimateSummary struct {
	Column       string `json:"column"`
	Estimated    int    `json:"estimated"`
	Copied       int    `json:"copied"`
	Skipped      int    `json:"skipped"`
	UnmatchedSex int    `json:"unmatched_sex"`
}

// FillColumn adds column out holding uACR for every row: the measured value
// when mapping binds uACR to an existing column and the cell is present,
// otherwise the estimate from uPCR. Rows that cannot be estimated stay NaN
// and are counted as skipped.
func (e *UACREstimator) FillColumn(frame *dataset.Frame, mapping ColumnMap, femaleToken, out string) (*EstimateSummary, error) {
	cols := make(map[string]string, 4)
	for _, field := range []string{FieldSex, FieldDiabetes, FieldHypertension, FieldUPCR} {
		name, ok := mapping.Column(field)
		if !ok {
			return nil, fmt.Errorf("%w: no column mapped for %s", dataset.ErrMissingColumn, field)
		}
		if !frame.Has(name) {
			return nil, fmt.Errorf("%w: %q (%s)", dataset.ErrMissingColumn, name, field)
		}
		cols[field] = name
	}
	if frame.Has(out) {
		return nil, fmt.Errorf("%w: %q", dataset.ErrColumnExists, out)
	}

	measured, _ := mapping.Column(FieldUACR)

	summary := &EstimateSummary{Column: out}
	values := make([]float64, frame.Len())
	for i := range values {
		row := frame.Row(i)

		if v, ok := row.Float(measured); ok {
			values[i] = v
			summary.Copied++
			continue
		}

		sex, _ := row.String(cols[FieldSex])
		if sex != femaleToken && !strings.EqualFold(sex, e.maleToken) {
			summary.UnmatchedSex++
		}

		v, err := e.Estimate(row, cols[FieldSex], cols[FieldDiabetes], cols[FieldHypertension], cols[FieldUPCR], femaleToken)
		if err != nil {
			values[i] = math.NaN()
			summary.Skipped++
			e.logger.WithError(err).WithField("row", i).Debug("Could not estimate uACR")
			continue
		}
		values[i] = v
		summary.Estimated++
	}

	if err := frame.AddFloats(out, values); err != nil {
		return nil, err
	}

	if summary.UnmatchedSex > 0 {
		e.logger.WithFields(logrus.Fields{
			"rows":         summary.UnmatchedSex,
			"female_token": femaleToken,
			"male_token":   e.maleToken,
		}).Warn("Sex labels matched neither token; those rows were estimated as male")
	}

	e.logger.WithFields(logrus.Fields{
		"column":    out,
		"estimated": summary.Estimated,
		"copied":    summary.Copied,
		"skipped":   summary.Skipped,
	}).Info("Filled uACR column")

	return summary, nil
}
