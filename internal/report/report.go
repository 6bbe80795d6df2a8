// Package report summarizes predicted risk columns and renders them as an
// HTML page of bar charts.
package report

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/kfre-risk-server/internal/dataset"
)

// RiskColumnPrefix marks columns written by the risk predictor.
const RiskColumnPrefix = "kfre_"

// ErrNoRiskColumns is returned when a frame has nothing to report on.
var ErrNoRiskColumns = errors.New("no risk columns to report")

// Band is a half-open risk interval [Low, High).
type Band struct {
	Label string
	Low   float64
	High  float64
}

// Bands are the risk intervals counted in a report. The cut points follow
// the usual referral thresholds (3-5% at five years, 10% and 40% at two).
var Bands = []Band{
	{"<3%", 0, 0.03},
	{"3-5%", 0.03, 0.05},
	{"5-10%", 0.05, 0.10},
	{"10-20%", 0.10, 0.20},
	{"20-40%", 0.20, 0.40},
	{">=40%", 0.40, math.Nextafter(1, 2)},
}

// Series is one named risk column.
type Series struct {
	Name   string
	Values []float64
}

// Summary describes the distribution of one risk column.
type Summary struct {
	Column  string    `json:"column"`
	Count   int       `json:"count"`
	Missing int       `json:"missing"`
	Mean    float64   `json:"mean"`
	StdDev  float64   `json:"std_dev"`
	Min     float64   `json:"min"`
	Median  float64   `json:"median"`
	P90     float64   `json:"p90"`
	Max     float64   `json:"max"`
	Counts  []float64 `json:"band_counts"`
}

// FromFrame collects the named columns, or every column starting with
// RiskColumnPrefix when names is empty.
func FromFrame(frame *dataset.Frame, names []string) ([]Series, error) {
	if len(names) == 0 {
		for _, name := range frame.Columns() {
			if strings.HasPrefix(name, RiskColumnPrefix) {
				names = append(names, name)
			}
		}
	}
	if len(names) == 0 {
		return nil, ErrNoRiskColumns
	}

	series := make([]Series, 0, len(names))
	for _, name := range names {
		values, err := frame.Floats(name)
		if err != nil {
			return nil, err
		}
		series = append(series, Series{Name: name, Values: values})
	}
	return series, nil
}

// Summarize computes distribution statistics, ignoring NaN. Values outside
// [0, 1] are counted in the nearest band.
func Summarize(s Series) Summary {
	sorted := make([]float64, 0, len(s.Values))
	for _, v := range s.Values {
		if !math.IsNaN(v) {
			sorted = append(sorted, v)
		}
	}
	sort.Float64s(sorted)

	summary := Summary{
		Column:  s.Name,
		Count:   len(sorted),
		Missing: len(s.Values) - len(sorted),
		Counts:  make([]float64, len(Bands)),
	}
	if len(sorted) == 0 {
		return summary
	}

	summary.Mean, summary.StdDev = stat.MeanStdDev(sorted, nil)
	if len(sorted) == 1 {
		summary.StdDev = 0
	}
	summary.Min = floats.Min(sorted)
	summary.Max = floats.Max(sorted)
	summary.Median = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	summary.P90 = stat.Quantile(0.9, stat.Empirical, sorted, nil)

	dividers := make([]float64, len(Bands)+1)
	for i, b := range Bands {
		dividers[i] = b.Low
	}
	dividers[len(Bands)] = Bands[len(Bands)-1].High

	clipped := make([]float64, len(sorted))
	for i, v := range sorted {
		clipped[i] = math.Min(math.Max(v, dividers[0]), math.Nextafter(dividers[len(Bands)], 0))
	}
	stat.Histogram(summary.Counts, dividers, clipped, nil)

	return summary
}

// RenderHTML writes an HTML page with one bar chart per series.
func RenderHTML(w io.Writer, title string, series []Series) error {
	if len(series) == 0 {
		return ErrNoRiskColumns
	}

	labels := make([]string, len(Bands))
	for i, b := range Bands {
		labels[i] = b.Label
	}

	page := components.NewPage()
	page.PageTitle = title

	for _, s := range series {
		summary := Summarize(s)

		data := make([]opts.BarData, len(summary.Counts))
		for i, n := range summary.Counts {
			data[i] = opts.BarData{Value: int(n)}
		}

		bar := charts.NewBar()
		bar.SetGlobalOptions(
			charts.WithTitleOpts(opts.Title{
				Title: s.Name,
				Subtitle: fmt.Sprintf("n=%d missing=%d mean=%.4f median=%.4f p90=%.4f",
					summary.Count, summary.Missing, summary.Mean, summary.Median, summary.P90),
			}),
			charts.WithTooltipOpts(opts.Tooltip{
				Show: opts.Bool(true),
			}),
			charts.WithLegendOpts(opts.Legend{
				Show: opts.Bool(false),
			}),
			charts.WithYAxisOpts(opts.YAxis{
				Name: "patients",
			}),
		)
		bar.SetXAxis(labels).AddSeries(s.Name, data)

		page.AddCharts(bar)
	}

	if err := page.Render(w); err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}
	return nil
}
