// Package kfre implements the Kidney Failure Risk Equation (KFRE) family of
// survival models: the 4-, 6- and 8-variable variants, their coefficient
// tables and baseline survival constants, and the uPCR to uACR estimator.
//
// Reference: Tangri N, et al. Multinational Assessment of Accuracy of Equations
// for Predicting Risk of Kidney Failure. JAMA. 2016;315(2):164-174.
// doi: 10.1001/jama.2015.18202
//
// Everything in this package is a pure function over immutable tables and is
// safe for concurrent use.
package kfre

import (
	"errors"
	"fmt"
)

// Variant identifies which KFRE model is active. The underlying value is the
// number of covariates the model uses.
type Variant int

const (
	FourVariable  Variant = 4
	SixVariable   Variant = 6
	EightVariable Variant = 8
)

// IsValid reports whether v is one of the three supported variants.
func (v Variant) IsValid() bool {
	switch v {
	case FourVariable, SixVariable, EightVariable:
		return true
	default:
		return false
	}
}

// String returns e.g. "4-variable".
func (v Variant) String() string {
	if !v.IsValid() {
		return fmt.Sprintf("Variant(%d)", int(v))
	}
	return fmt.Sprintf("%d-variable", int(v))
}

// VariableCount returns the number of covariates the variant uses.
func (v Variant) VariableCount() int {
	return int(v)
}

// Region is the coefficient-table region bucket.
type Region string

const (
	NorthAmerican    Region = "North American"
	NonNorthAmerican Region = "Non-North American"
)

// NorthAmericanLabel is the only region label that selects the North American
// alpha. Matching is exact.
const NorthAmericanLabel = "North American"

// RegionFromLabel collapses a free-text region label into a bucket. Any label
// other than exactly "North American" maps to NonNorthAmerican.
func RegionFromLabel(label string) Region {
	if label == NorthAmericanLabel {
		return NorthAmerican
	}
	return NonNorthAmerican
}

// Horizon is the prediction window in years.
type Horizon int

const (
	TwoYear  Horizon = 2
	FiveYear Horizon = 5
)

// Horizons lists the supported horizons in ascending order.
var Horizons = []Horizon{TwoYear, FiveYear}

// ParseHorizon validates a horizon given in years.
func ParseHorizon(years int) (Horizon, error) {
	switch Horizon(years) {
	case TwoYear, FiveYear:
		return Horizon(years), nil
	default:
		return 0, fmt.Errorf("%w: %d (expected 2 or 5)", ErrUnsupportedHorizon, years)
	}
}

// Factor names a risk factor term in a coefficient table.
type Factor string

const (
	FactorAge          Factor = "age"
	FactorSex          Factor = "sex"
	FactorEGFR         Factor = "eGFR"
	FactorLogUACR      Factor = "log_uACR"
	FactorDiabetes     Factor = "dm"
	FactorHypertension Factor = "htn"
	FactorAlbumin      Factor = "albumin"
	FactorPhosphorous  Factor = "phosphorous"
	FactorBicarbonate  Factor = "bicarbonate"
	FactorCalcium      Factor = "calcium"
)

var (
	ErrUnsupportedHorizon   = errors.New("unsupported horizon")
	ErrInvalidVariant       = errors.New("invalid KFRE variant")
	ErrInvalidVariableCount = errors.New("extended variable count must be 6 or 8")
	ErrNegativeUPCR         = errors.New("uPCR must be non-negative")
)
