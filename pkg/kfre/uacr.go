package kfre

import (
	"fmt"
	"math"
)

// EstimateUACR estimates urinary albumin-creatinine ratio (mg/g) from urinary
// protein-creatinine ratio (mg/g), following Sumida et al. (Ann Intern Med.
// 2020;173(6):426-435).
//
// A uPCR of exactly zero returns 0, the limit of the formula as its first
// logarithm tends to -Inf. Negative or NaN uPCR is rejected.
func EstimateUACR(upcr float64, female, diabetic, hypertensive bool) (float64, error) {
	if math.IsNaN(upcr) || upcr < 0 {
		return 0, fmt.Errorf("%w: %v", ErrNegativeUPCR, upcr)
	}
	if upcr == 0 {
		return 0, nil
	}

	lp := 5.2659 +
		0.2934*math.Log(math.Min(upcr/50, 1)) +
		1.5643*math.Log(math.Max(math.Min(upcr/500, 1), 0.1)) +
		1.1109*math.Log(math.Max(upcr/500, 1)) -
		0.0773*indicator(female) +
		0.0797*indicator(diabetic) +
		0.1265*indicator(hypertensive)

	return math.Exp(lp), nil
}

func indicator(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
