// Package audit keeps a log of prediction runs. A record holds counts and
// model choices only, never patient covariates.
package audit

import (
	"context"
	"io"
	"time"
)

// Source identifies the surface a run came through.
type Source string

const (
	SourceCLI  Source = "cli"
	SourceHTTP Source = "http"
	SourceWS   Source = "websocket"
	SourceMCP  Source = "mcp"
)

// Operation names the engine call that was run.
type Operation string

const (
	OperationPredict      Operation = "predict"
	OperationEstimateUACR Operation = "estimate_uacr"
	OperationConvertUnits Operation = "convert_units"
)

// RunRecord describes one call into the engine.
type RunRecord struct {
	ID           string        `json:"id"`
	Source       Source        `json:"source"`
	Operation    Operation     `json:"operation"`
	Variant      string        `json:"variant,omitempty"`       // requested variant, e.g. "6-variable"
	HorizonYears int           `json:"horizon_years,omitempty"` // 0 when not a prediction
	Rows         int           `json:"rows"`
	Fallbacks    int           `json:"fallbacks"`
	Duration     time.Duration `json:"duration"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Export is the JSON envelope written by ExportJSON.
type Export struct {
	Version    string       `json:"version"`
	ExportedAt time.Time    `json:"exported_at"`
	Count      int          `json:"count"`
	Runs       []*RunRecord `json:"runs"`
}

// Store defines the interface for run log storage.
type Store interface {
	// Record stores a run. ID and CreatedAt are assigned when empty.
	Record(ctx context.Context, run *RunRecord) error

	// Get returns the run with the given ID, or nil if there is none.
	Get(ctx context.Context, id string) (*RunRecord, error)

	// List returns runs newest first.
	List(ctx context.Context, limit, offset int) ([]*RunRecord, error)

	// Count returns the total number of runs.
	Count(ctx context.Context) (int64, error)

	// ExportJSON writes every run to writer.
	ExportJSON(ctx context.Context, writer io.Writer) error

	Close() error
}

// NopStore discards every record. It is used when auditing is disabled.
type NopStore struct{}

func (NopStore) Record(context.Context, *RunRecord) error             { return nil }
func (NopStore) Get(context.Context, string) (*RunRecord, error)      { return nil, nil }
func (NopStore) List(context.Context, int, int) ([]*RunRecord, error) { return nil, nil }
func (NopStore) Count(context.Context) (int64, error)                 { return 0, nil }
func (NopStore) ExportJSON(context.Context, io.Writer) error          { return nil }
func (NopStore) Close() error                                         { return nil }
