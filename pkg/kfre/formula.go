package kfre

import (
	"fmt"
	"math"
)

// UACRFloor is the smallest uACR that enters the logarithm. Non-positive
// values are clamped to it instead of being rejected.
const UACRFloor = 1e-6

// Covariates is a fully resolved patient row. The extended covariates are
// optional; nil (or NaN) means absent.
type Covariates struct {
	Age    float64
	Male   bool
	EGFR   float64
	UACR   float64
	Region Region

	Diabetes     *float64
	Hypertension *float64

	Albumin     *float64
	Phosphorous *float64
	Bicarbonate *float64
	Calcium     *float64
}

// Result is the outcome of one evaluation.
type Result struct {
	Risk      float64
	Variant   Variant
	Requested Variant
	Alpha     float64
	Score     float64
}

// FellBack reports whether the requested variant degraded to FourVariable
// because extended covariates were absent.
func (r Result) FellBack() bool {
	return r.Variant != r.Requested
}

// SelectVariant maps the caller's intent to a variant. Without extended intent
// the hint is ignored.
func SelectVariant(useExtended bool, variableCount int) (Variant, error) {
	if !useExtended {
		return FourVariable, nil
	}
	switch variableCount {
	case 6:
		return SixVariable, nil
	case 8:
		return EightVariable, nil
	default:
		return 0, fmt.Errorf("%w: got %d", ErrInvalidVariableCount, variableCount)
	}
}

// Resolve returns the variant that can actually be evaluated for c. A
// requested extended variant whose covariates are not all present falls back
// to FourVariable; this is not an error.
func Resolve(requested Variant, c Covariates) Variant {
	switch requested {
	case SixVariable:
		if present(c.Diabetes) && present(c.Hypertension) {
			return SixVariable
		}
	case EightVariable:
		if present(c.Albumin) && present(c.Phosphorous) && present(c.Bicarbonate) && present(c.Calcium) {
			return EightVariable
		}
	}
	return FourVariable
}

func present(v *float64) bool {
	return v != nil && !math.IsNaN(*v)
}

// Standardize returns the value of factor f on the scale the coefficient
// tables expect. ok is false when an optional covariate is absent.
func (c Covariates) Standardize(f Factor) (value float64, ok bool) {
	switch f {
	case FactorAge:
		return c.Age / 10, true
	case FactorSex:
		if c.Male {
			return 1, true
		}
		return 0, true
	case FactorEGFR:
		return c.EGFR / 5, true
	case FactorLogUACR:
		return math.Log(math.Max(c.UACR, UACRFloor)), true
	case FactorDiabetes:
		return deref(c.Diabetes)
	case FactorHypertension:
		return deref(c.Hypertension)
	case FactorAlbumin:
		return deref(c.Albumin)
	case FactorPhosphorous:
		return deref(c.Phosphorous)
	case FactorBicarbonate:
		return deref(c.Bicarbonate)
	case FactorCalcium:
		return deref(c.Calcium)
	default:
		return 0, false
	}
}

func deref(v *float64) (float64, bool) {
	if !present(v) {
		return 0, false
	}
	return *v, true
}

// LinearPredictor computes sum(weight * (x - center)) over the table's terms.
func (t *CoefficientTable) LinearPredictor(c Covariates) (float64, error) {
	score := 0.0
	for _, term := range t.terms {
		x, ok := c.Standardize(term.Factor)
		if !ok {
			return 0, fmt.Errorf("%s model requires %s", t.variant, term.Factor)
		}
		score += term.Weight * (x - term.Center)
	}
	return score, nil
}

// Evaluate resolves the variant for c and computes the risk of kidney
// failure within the horizon: 1 - alpha^exp(score). The result is not
// clamped to [0, 1].
func Evaluate(c Covariates, requested Variant, horizon Horizon) (Result, error) {
	if !requested.IsValid() {
		return Result{}, fmt.Errorf("%w: %d", ErrInvalidVariant, int(requested))
	}
	if horizon != TwoYear && horizon != FiveYear {
		return Result{}, fmt.Errorf("%w: %d (expected 2 or 5)", ErrUnsupportedHorizon, int(horizon))
	}

	active := Resolve(requested, c)
	table, err := Table(active)
	if err != nil {
		return Result{}, err
	}

	alpha, err := table.Alpha(c.Region, horizon)
	if err != nil {
		return Result{}, err
	}

	score, err := table.LinearPredictor(c)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Risk:      1 - math.Pow(alpha, math.Exp(score)),
		Variant:   active,
		Requested: requested,
		Alpha:     alpha,
		Score:     score,
	}, nil
}

// RiskPred is the single-patient entry point: it validates the horizon in
// years and returns only the risk.
func RiskPred(c Covariates, requested Variant, years int) (float64, error) {
	horizon, err := ParseHorizon(years)
	if err != nil {
		return 0, err
	}
	res, err := Evaluate(c, requested, horizon)
	if err != nil {
		return 0, err
	}
	return res.Risk, nil
}
