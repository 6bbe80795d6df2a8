package service

import (
	"fmt"
	"sort"
	"strings"
)

// Logical field names understood by the engine. A ColumnMap binds them to
// the physical column names of a particular table.
const (
	FieldAge          = "age"
	FieldSex          = "sex"
	FieldEGFR         = "eGFR"
	FieldUACR         = "uACR"
	FieldRegion       = "region"
	FieldDiabetes     = "dm"
	FieldHypertension = "htn"
	FieldAlbumin      = "albumin"
	FieldPhosphorous  = "phosphorous"
	FieldBicarbonate  = "bicarbonate"
	FieldCalcium      = "calcium"

	// raw lab fields read by unit conversion and uACR estimation
	FieldUPCR      = "uPCR"
	FieldPhosphate = "phosphate"
)

var knownFields = map[string]bool{
	FieldAge: true, FieldSex: true, FieldEGFR: true, FieldUACR: true, FieldRegion: true,
	FieldDiabetes: true, FieldHypertension: true,
	FieldAlbumin: true, FieldPhosphorous: true, FieldBicarbonate: true, FieldCalcium: true,
	FieldUPCR: true, FieldPhosphate: true,
}

// ColumnMap maps logical field names to physical column names.
type ColumnMap map[string]string

// DefaultColumnMap returns the conventional column names.
func DefaultColumnMap() ColumnMap {
	return ColumnMap{
		FieldAge:          "age",
		FieldSex:          "sex",
		FieldEGFR:         "eGFR",
		FieldUACR:         "uACR",
		FieldRegion:       "Region",
		FieldDiabetes:     "dm",
		FieldHypertension: "htn",
		FieldAlbumin:      "Albumin (g/dL)",
		FieldPhosphorous:  "Phosphate (mg/dL)",
		FieldBicarbonate:  "Bicarbonate (mmol/L)",
		FieldCalcium:      "Calcium (mg/dL)",
		FieldUPCR:         "uPCR",
		FieldPhosphate:    "Phosphate",
	}
}

// Column returns the physical column for a logical field.
func (m ColumnMap) Column(field string) (string, bool) {
	name, ok := m[field]
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

// Merge returns a copy of m with overrides applied.
func (m ColumnMap) Merge(overrides ColumnMap) ColumnMap {
	out := make(ColumnMap, len(m)+len(overrides))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// ParseColumnMap parses "field=column" pairs.
func ParseColumnMap(pairs []string) (ColumnMap, error) {
	m := make(ColumnMap, len(pairs))
	for _, pair := range pairs {
		field, column, ok := strings.Cut(pair, "=")
		field = strings.TrimSpace(field)
		column = strings.TrimSpace(column)
		if !ok || field == "" || column == "" {
			return nil, fmt.Errorf("invalid column mapping %q (expected field=column)", pair)
		}
		if !knownFields[field] {
			return nil, fmt.Errorf("unknown field %q in column mapping (known: %s)", field, strings.Join(KnownFields(), ", "))
		}
		m[field] = column
	}
	return m, nil
}

// KnownFields lists the logical field names in sorted order.
func KnownFields() []string {
	out := make([]string, 0, len(knownFields))
	for f := range knownFields {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// DefaultConversionMap returns the conventional raw lab column names read by
// unit conversion.
func DefaultConversionMap() ColumnMap {
	return ColumnMap{
		FieldUPCR:      "uPCR",
		FieldCalcium:   "Calcium",
		FieldPhosphate: "Phosphate",
		FieldAlbumin:   "Albumin",
	}
}
