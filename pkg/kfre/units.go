package kfre

// Factors from the units labs commonly report in to the units the
// coefficient tables expect.
const (
	UPCRMgMmolToMgG     = 8.84 // uPCR mg/mmol -> mg/g
	CalciumMmolToMgDL   = 4.0  // calcium mmol/L -> mg/dL
	PhosphateMmolToMgDL = 3.1  // phosphate mmol/L -> mg/dL
	AlbuminGLToGDL      = 10.0 // albumin g/L -> g/dL (divisor)
)

// Unit is one lab-value conversion: v * Factor / Divisor.
type Unit struct {
	Source  string // logical source field
	Output  string // output column name
	Factor  float64
	Divisor float64
}

// Conversions lists the supported lab conversions in output order.
var Conversions = []Unit{
	{Source: "uPCR", Output: "uPCR (mg/g)", Factor: UPCRMgMmolToMgG, Divisor: 1},
	{Source: "calcium", Output: "Calcium (mg/dL)", Factor: CalciumMmolToMgDL, Divisor: 1},
	{Source: "phosphate", Output: "Phosphate (mg/dL)", Factor: PhosphateMmolToMgDL, Divisor: 1},
	{Source: "albumin", Output: "Albumin (g/dL)", Factor: 1, Divisor: AlbuminGLToGDL},
}

// Convert applies the conversion to a single value. NaN stays NaN.
func (u Unit) Convert(v float64) float64 {
	return v * u.Factor / u.Divisor
}

// ConversionFor returns the conversion whose logical source is name.
func ConversionFor(name string) (Unit, bool) {
	for _, u := range Conversions {
		if u.Source == name {
			return u, true
		}
	}
	return Unit{}, false
}
