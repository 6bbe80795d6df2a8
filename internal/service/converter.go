package service

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"github.com/kfre-risk-server/internal/dataset"
	"github.com/kfre-risk-server/pkg/kfre"
)

// UnitConverter rescales raw lab columns into the units the KFRE
// coefficient tables expect.
type UnitConverter struct {
	logger *logrus.Logger
}

// NewUnitConverter creates a new unit converter
func NewUnitConverter(logger *logrus.Logger) *UnitConverter {
	return &UnitConverter{logger: logger}
}

// Convert adds "uPCR (mg/g)", "Calcium (mg/dL)", "Phosphate (mg/dL)" and
// "Albumin (g/dL)" to the frame. mapping must bind uPCR, calcium, phosphate
// and albumin to existing numeric columns. Nothing is added unless every
// source column is present and no output column exists yet.
func (c *UnitConverter) Convert(frame *dataset.Frame, mapping ColumnMap) error {
	sources := make([][]float64, len(kfre.Conversions))

	for i, unit := range kfre.Conversions {
		name, ok := mapping.Column(unit.Source)
		if !ok {
			return fmt.Errorf("%w: no column mapped for %s", dataset.ErrMissingColumn, unit.Source)
		}
		values, err := frame.Floats(name)
		if err != nil {
			return fmt.Errorf("unit conversion of %s: %w", unit.Source, err)
		}
		if frame.Has(unit.Output) {
			return fmt.Errorf("unit conversion of %s: %w: %q", unit.Source, dataset.ErrColumnExists, unit.Output)
		}
		sources[i] = values
	}

	for i, unit := range kfre.Conversions {
		out := make([]float64, len(sources[i]))
		floats.ScaleTo(out, unit.Factor, sources[i])
		if unit.Divisor != 1 {
			for j := range out {
				out[j] /= unit.Divisor
			}
		}
		if err := frame.AddFloats(unit.Output, out); err != nil {
			return fmt.Errorf("unit conversion of %s: %w", unit.Source, err)
		}
	}

	c.logger.WithFields(logrus.Fields{
		"rows":    frame.Len(),
		"columns": len(kfre.Conversions),
	}).Debug("Converted lab units")

	return nil
}
