package dataset

import (
	"math"
	"math/rand"
)

// PatientIDColumn is the column AddPatientIDs creates.
const PatientIDColumn = "Patient_ID"

const patientIDDigits = 9

// AddPatientIDs prepends a column of unique 9-digit synthetic patient IDs
// generated from seed. The same seed and row count give the same IDs.
func AddPatientIDs(f *Frame, seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	seen := make(map[string]bool, f.rows)
	ids := make([]string, f.rows)

	buf := make([]byte, patientIDDigits)
	for i := range ids {
		for {
			for j := range buf {
				buf[j] = byte('0' + rng.Intn(10))
			}
			id := string(buf)
			if !seen[id] {
				seen[id] = true
				ids[i] = id
				break
			}
		}
	}

	return f.prependStrings(PatientIDColumn, ids)
}

// ColumnReport describes one column's type and missingness.
type ColumnReport struct {
	Column      string  `json:"column"`
	Kind        Kind    `json:"kind"`
	Nulls       int     `json:"nulls"`
	PercentNull float64 `json:"percent_null"`
}

// TypesReport lists every column with its kind, null count and the null
// percentage rounded to a whole number.
func TypesReport(f *Frame) []ColumnReport {
	reports := make([]ColumnReport, 0, len(f.names))
	for _, name := range f.names {
		col := f.columns[name]
		nulls := 0
		for i := 0; i < f.rows; i++ {
			if col.IsNull(i) {
				nulls++
			}
		}

		pct := 0.0
		if f.rows > 0 {
			pct = math.Round(float64(nulls) / float64(f.rows) * 100)
		}

		reports = append(reports, ColumnReport{
			Column:      name,
			Kind:        col.Kind,
			Nulls:       nulls,
			PercentNull: pct,
		})
	}
	return reports
}
