package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// nullTokens are cell values read as missing.
var nullTokens = map[string]bool{
	"":     true,
	"na":   true,
	"nan":  true,
	"null": true,
	"none": true,
}

func isNullToken(s string) bool {
	return nullTokens[strings.ToLower(strings.TrimSpace(s))]
}

// ReadCSV reads a header row followed by data rows. A column whose non-null
// cells all parse as numbers becomes numeric; anything else is text.
func ReadCSV(r io.Reader) (*Frame, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty CSV input")
		}
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV rows: %w", err)
	}

	frame := NewFrame(len(records))
	for j, name := range header {
		name = strings.TrimSpace(name)
		cells := make([]string, len(records))
		for i, rec := range records {
			cells[i] = rec[j]
		}

		if floats, ok := parseFloats(cells); ok {
			err = frame.AddFloats(name, floats)
		} else {
			err = frame.AddStrings(name, normalizeStrings(cells))
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load column %q: %w", name, err)
		}
	}

	return frame, nil
}

func parseFloats(cells []string) ([]float64, bool) {
	out := make([]float64, len(cells))
	for i, cell := range cells {
		if isNullToken(cell) {
			out[i] = math.NaN()
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
		if err != nil {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

func normalizeStrings(cells []string) []string {
	out := make([]string, len(cells))
	for i, cell := range cells {
		if isNullToken(cell) {
			continue
		}
		out[i] = cell
	}
	return out
}

// WriteCSV writes the frame with a header row. Missing values are written
// as empty cells.
func WriteCSV(w io.Writer, f *Frame) error {
	writer := csv.NewWriter(w)

	if err := writer.Write(f.names); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	record := make([]string, len(f.names))
	for i := 0; i < f.rows; i++ {
		for j, name := range f.names {
			col := f.columns[name]
			if col.Kind == KindFloat {
				record[j] = formatFloat(col.Floats[i])
			} else {
				record[j] = col.Strings[i]
			}
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV row %d: %w", i, err)
		}
	}

	writer.Flush()
	return writer.Error()
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
