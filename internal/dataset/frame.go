// Package dataset provides the in-memory patient table that the risk engine
// reads covariates from. A Frame is a set of equal-length named columns,
// either numeric (NaN marks a missing value) or text (empty marks missing).
package dataset

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrMissingColumn  = errors.New("missing required column")
	ErrColumnExists   = errors.New("column already exists")
	ErrLengthMismatch = errors.New("column length does not match frame")
	ErrWrongKind      = errors.New("column has wrong kind")
)

// Kind is the storage type of a column.
type Kind string

const (
	KindFloat  Kind = "float64"
	KindString Kind = "string"
)

// Column is a single named column. Exactly one of Floats or Strings is set,
// according to Kind.
type Column struct {
	Name    string
	Kind    Kind
	Floats  []float64
	Strings []string
}

// Len returns the number of rows in the column.
func (c *Column) Len() int {
	if c.Kind == KindFloat {
		return len(c.Floats)
	}
	return len(c.Strings)
}

// IsNull reports whether row i holds a missing value.
func (c *Column) IsNull(i int) bool {
	if c.Kind == KindFloat {
		return math.IsNaN(c.Floats[i])
	}
	return c.Strings[i] == ""
}

// Frame is an ordered collection of columns with a shared row count.
type Frame struct {
	names   []string
	columns map[string]*Column
	rows    int
}

// NewFrame creates an empty frame with the given row count.
func NewFrame(rows int) *Frame {
	return &Frame{
		columns: make(map[string]*Column),
		rows:    rows,
	}
}

// Len returns the number of rows.
func (f *Frame) Len() int {
	return f.rows
}

// Columns returns the column names in insertion order.
func (f *Frame) Columns() []string {
	out := make([]string, len(f.names))
	copy(out, f.names)
	return out
}

// Has reports whether a column exists.
func (f *Frame) Has(name string) bool {
	_, ok := f.columns[name]
	return ok
}

// Column returns the named column.
func (f *Frame) Column(name string) (*Column, error) {
	col, ok := f.columns[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingColumn, name)
	}
	return col, nil
}

// Floats returns the values of a numeric column. The slice is shared with
// the frame and must not be modified.
func (f *Frame) Floats(name string) ([]float64, error) {
	col, err := f.Column(name)
	if err != nil {
		return nil, err
	}
	if col.Kind != KindFloat {
		return nil, fmt.Errorf("%w: %q is %s, want %s", ErrWrongKind, name, col.Kind, KindFloat)
	}
	return col.Floats, nil
}

// Strings returns the values of a column as text. Numeric columns are
// formatted; NaN becomes the empty string.
func (f *Frame) Strings(name string) ([]string, error) {
	col, err := f.Column(name)
	if err != nil {
		return nil, err
	}
	if col.Kind == KindString {
		return col.Strings, nil
	}
	out := make([]string, len(col.Floats))
	for i, v := range col.Floats {
		out[i] = formatFloat(v)
	}
	return out, nil
}

// AddFloats appends a numeric column. Existing columns are never replaced.
func (f *Frame) AddFloats(name string, values []float64) error {
	return f.add(&Column{Name: name, Kind: KindFloat, Floats: values})
}

// AddStrings appends a text column. Existing columns are never replaced.
func (f *Frame) AddStrings(name string, values []string) error {
	return f.add(&Column{Name: name, Kind: KindString, Strings: values})
}

func (f *Frame) add(col *Column) error {
	if _, ok := f.columns[col.Name]; ok {
		return fmt.Errorf("%w: %q", ErrColumnExists, col.Name)
	}
	if col.Len() != f.rows {
		return fmt.Errorf("%w: %q has %d rows, frame has %d", ErrLengthMismatch, col.Name, col.Len(), f.rows)
	}
	f.columns[col.Name] = col
	f.names = append(f.names, col.Name)
	return nil
}

// prependStrings inserts a text column as the first column.
func (f *Frame) prependStrings(name string, values []string) error {
	if err := f.AddStrings(name, values); err != nil {
		return err
	}
	f.names = append([]string{name}, f.names[:len(f.names)-1]...)
	return nil
}

// Row returns a read-only view of row i.
func (f *Frame) Row(i int) Row {
	return Row{frame: f, index: i}
}

// Row is a view of one frame row.
type Row struct {
	frame *Frame
	index int
}

// Index returns the row position within the frame.
func (r Row) Index() int {
	return r.index
}

// Float returns the numeric value in column name. ok is false when the
// column is missing, non-numeric or the cell is NaN.
func (r Row) Float(name string) (v float64, ok bool) {
	col, exists := r.frame.columns[name]
	if !exists || col.Kind != KindFloat {
		return 0, false
	}
	v = col.Floats[r.index]
	if math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// String returns the text value in column name; numeric cells are
// formatted. ok is false when the column is missing or the cell is null.
func (r Row) String(name string) (s string, ok bool) {
	col, exists := r.frame.columns[name]
	if !exists || col.IsNull(r.index) {
		return "", false
	}
	if col.Kind == KindFloat {
		return formatFloat(col.Floats[r.index]), true
	}
	return col.Strings[r.index], true
}
