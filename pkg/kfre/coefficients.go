package kfre

import "fmt"

// Term is one risk-factor term of the linear predictor:
// Weight * (standardized covariate - Center).
type Term struct {
	Factor Factor
	Center float64
	Weight float64
}

type alphaKey struct {
	region  Region
	horizon Horizon
}

// CoefficientTable holds the immutable constants of one KFRE variant.
type CoefficientTable struct {
	variant Variant
	terms   []Term
	alpha   map[alphaKey]float64
}

// Variant returns the variant this table belongs to.
func (t *CoefficientTable) Variant() Variant {
	return t.variant
}

// Terms returns a copy of the table's terms in evaluation order.
func (t *CoefficientTable) Terms() []Term {
	out := make([]Term, len(t.terms))
	copy(out, t.terms)
	return out
}

// Term returns the term for factor f, if the variant uses it.
func (t *CoefficientTable) Term(f Factor) (Term, bool) {
	for _, term := range t.terms {
		if term.Factor == f {
			return term, true
		}
	}
	return Term{}, false
}

// Alpha returns the baseline survival for a region bucket and horizon.
func (t *CoefficientTable) Alpha(region Region, horizon Horizon) (float64, error) {
	if horizon != TwoYear && horizon != FiveYear {
		return 0, fmt.Errorf("%w: %d (expected 2 or 5)", ErrUnsupportedHorizon, int(horizon))
	}
	if region != NorthAmerican {
		region = NonNorthAmerican
	}
	return t.alpha[alphaKey{region, horizon}], nil
}

// The 4- and 6-variable base terms and alphas are numerically identical.
// They are written out twice on purpose so either table can be revised
// without touching the other.
var (
	fourVariableTable = &CoefficientTable{
		variant: FourVariable,
		terms: []Term{
			{Factor: FactorAge, Center: 7.036, Weight: -0.2201},
			{Factor: FactorSex, Center: 0.5642, Weight: 0.2467},
			{Factor: FactorEGFR, Center: 7.222, Weight: -0.5567},
			{Factor: FactorLogUACR, Center: 5.137, Weight: 0.4510},
		},
		alpha: map[alphaKey]float64{
			{NorthAmerican, TwoYear}:     0.9750,
			{NorthAmerican, FiveYear}:    0.9240,
			{NonNorthAmerican, TwoYear}:  0.9832,
			{NonNorthAmerican, FiveYear}: 0.9365,
		},
	}

	sixVariableTable = &CoefficientTable{
		variant: SixVariable,
		terms: []Term{
			{Factor: FactorAge, Center: 7.036, Weight: -0.2201},
			{Factor: FactorSex, Center: 0.5642, Weight: 0.2467},
			{Factor: FactorEGFR, Center: 7.222, Weight: -0.5567},
			{Factor: FactorLogUACR, Center: 5.137, Weight: 0.4510},
			{Factor: FactorDiabetes, Center: 0.5106, Weight: -0.1475},
			{Factor: FactorHypertension, Center: 0.8501, Weight: 0.1426},
		},
		alpha: map[alphaKey]float64{
			{NorthAmerican, TwoYear}:     0.9750,
			{NorthAmerican, FiveYear}:    0.9240,
			{NonNorthAmerican, TwoYear}:  0.9832,
			{NonNorthAmerican, FiveYear}: 0.9365,
		},
	}

	eightVariableTable = &CoefficientTable{
		variant: EightVariable,
		terms: []Term{
			{Factor: FactorAge, Center: 7.036, Weight: -0.1992},
			{Factor: FactorSex, Center: 0.5642, Weight: 0.1602},
			{Factor: FactorEGFR, Center: 7.222, Weight: -0.4919},
			{Factor: FactorLogUACR, Center: 5.137, Weight: 0.3364},
			{Factor: FactorAlbumin, Center: 3.997, Weight: -0.3441},
			{Factor: FactorPhosphorous, Center: 3.916, Weight: 0.2604},
			{Factor: FactorBicarbonate, Center: 25.57, Weight: -0.07354},
			{Factor: FactorCalcium, Center: 9.355, Weight: -0.2228},
		},
		alpha: map[alphaKey]float64{
			{NorthAmerican, TwoYear}:     0.9780,
			{NorthAmerican, FiveYear}:    0.9301,
			{NonNorthAmerican, TwoYear}:  0.9827,
			{NonNorthAmerican, FiveYear}: 0.9245,
		},
	}
)

// Table returns the coefficient table of a variant.
func Table(v Variant) (*CoefficientTable, error) {
	switch v {
	case FourVariable:
		return fourVariableTable, nil
	case SixVariable:
		return sixVariableTable, nil
	case EightVariable:
		return eightVariableTable, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidVariant, int(v))
	}
}
