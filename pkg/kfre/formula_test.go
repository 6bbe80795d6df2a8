package kfre

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f64(v float64) *float64 { return &v }

func referencePatient() Covariates {
	return Covariates{
		Age:    70,
		Male:   true,
		EGFR:   40,
		UACR:   300,
		Region: NorthAmerican,
	}
}

func TestEvaluate_FourVariableReference(t *testing.T) {
	c := referencePatient()

	res, err := Evaluate(c, FourVariable, TwoYear)
	require.NoError(t, err)

	assert.Equal(t, 0.9750, res.Alpha)
	assert.Equal(t, FourVariable, res.Variant)
	assert.False(t, res.FellBack())

	// Hand-computed:
	// -0.2201*(7-7.036) + 0.2467*(1-0.5642) - 0.5567*(8-7.222) + 0.4510*(ln 300-5.137)
	wantScore := -0.2201*(7.0-7.036) + 0.2467*(1-0.5642) - 0.5567*(8.0-7.222) + 0.4510*(math.Log(300)-5.137)
	assert.InDelta(t, wantScore, res.Score, 1e-12)
	assert.InDelta(t, -0.06205824393005305, res.Score, 1e-12)
	assert.InDelta(t, 0.023513534070271902, res.Risk, 1e-12)
}

func TestEvaluate_ReferenceAcrossRegionsAndHorizons(t *testing.T) {
	tests := []struct {
		name      string
		region    Region
		horizon   Horizon
		wantAlpha float64
		wantRisk  float64
	}{
		{"North American 2 year", NorthAmerican, TwoYear, 0.9750, 0.023513534070271902},
		{"North American 5 year", NorthAmerican, FiveYear, 0.9240, 0.07159482547378915},
		{"Other region 2 year", NonNorthAmerican, TwoYear, 0.9832, 0.015797141151150607},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := referencePatient()
			c.Region = tt.region

			res, err := Evaluate(c, FourVariable, tt.horizon)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAlpha, res.Alpha)
			assert.InDelta(t, tt.wantRisk, res.Risk, 1e-12)
		})
	}
}

func TestEvaluate_SixVariable(t *testing.T) {
	c := referencePatient()
	c.Diabetes = f64(1)
	c.Hypertension = f64(1)

	res, err := Evaluate(c, SixVariable, TwoYear)
	require.NoError(t, err)

	assert.Equal(t, SixVariable, res.Variant)
	assert.Equal(t, 0.9750, res.Alpha)
	assert.InDelta(t, 0.02236176405226309, res.Risk, 1e-12)
}

func TestEvaluate_EightVariable(t *testing.T) {
	c := referencePatient()
	c.Albumin = f64(3.5)
	c.Phosphorous = f64(4.5)
	c.Bicarbonate = f64(22)
	c.Calcium = f64(9.0)

	two, err := Evaluate(c, EightVariable, TwoYear)
	require.NoError(t, err)
	assert.Equal(t, EightVariable, two.Variant)
	assert.Equal(t, 0.9780, two.Alpha)
	assert.InDelta(t, 0.03781141420858403, two.Risk, 1e-12)

	five, err := Evaluate(c, EightVariable, FiveYear)
	require.NoError(t, err)
	assert.Equal(t, 0.9301, five.Alpha)
	assert.InDelta(t, 0.11799401325279057, five.Risk, 1e-12)
}

func TestEvaluate_ExtendedFallback(t *testing.T) {
	base, err := Evaluate(referencePatient(), FourVariable, TwoYear)
	require.NoError(t, err)

	tests := []struct {
		name      string
		requested Variant
		mutate    func(c *Covariates)
	}{
		{"six without any extras", SixVariable, func(c *Covariates) {}},
		{"six with diabetes only", SixVariable, func(c *Covariates) { c.Diabetes = f64(1) }},
		{"six with NaN hypertension", SixVariable, func(c *Covariates) {
			c.Diabetes = f64(0)
			c.Hypertension = f64(math.NaN())
		}},
		{"eight missing calcium", EightVariable, func(c *Covariates) {
			c.Albumin = f64(3.5)
			c.Phosphorous = f64(4.5)
			c.Bicarbonate = f64(22)
		}},
		{"eight with six-variable extras", EightVariable, func(c *Covariates) {
			c.Diabetes = f64(1)
			c.Hypertension = f64(1)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := referencePatient()
			tt.mutate(&c)

			res, err := Evaluate(c, tt.requested, TwoYear)
			require.NoError(t, err)
			assert.Equal(t, FourVariable, res.Variant)
			assert.Equal(t, tt.requested, res.Requested)
			assert.True(t, res.FellBack())
			assert.Equal(t, base.Risk, res.Risk)
		})
	}
}

func TestEvaluate_FourVariableIgnoresExtras(t *testing.T) {
	c := referencePatient()
	c.Diabetes = f64(1)
	c.Hypertension = f64(1)
	c.Albumin = f64(3.5)

	res, err := Evaluate(c, FourVariable, TwoYear)
	require.NoError(t, err)
	assert.InDelta(t, 0.023513534070271902, res.Risk, 1e-12)
}

func TestEvaluate_UACRClamp(t *testing.T) {
	clamped := referencePatient()
	clamped.UACR = UACRFloor
	want, err := Evaluate(clamped, FourVariable, TwoYear)
	require.NoError(t, err)

	for _, uacr := range []float64{0, -5} {
		c := referencePatient()
		c.UACR = uacr

		res, err := Evaluate(c, FourVariable, TwoYear)
		require.NoError(t, err)
		assert.False(t, math.IsNaN(res.Risk), "uACR=%v", uacr)
		assert.False(t, math.IsInf(res.Risk, 0), "uACR=%v", uacr)
		assert.Equal(t, want.Risk, res.Risk, "uACR=%v", uacr)
	}
	assert.InDelta(t, 3.575132043853735e-06, want.Risk, 1e-15)
}

func TestEvaluate_UnsupportedHorizon(t *testing.T) {
	full := referencePatient()
	full.Diabetes = f64(1)
	full.Hypertension = f64(0)
	full.Albumin = f64(4)
	full.Phosphorous = f64(3.5)
	full.Bicarbonate = f64(25)
	full.Calcium = f64(9.5)

	for _, v := range []Variant{FourVariable, SixVariable, EightVariable} {
		for _, region := range []Region{NorthAmerican, NonNorthAmerican} {
			for _, years := range []int{0, 1, 3, 4, 10, -2} {
				c := full
				c.Region = region

				_, err := RiskPred(c, v, years)
				assert.True(t, errors.Is(err, ErrUnsupportedHorizon), "%s %s %d", v, region, years)

				_, err = Evaluate(c, v, Horizon(years))
				assert.True(t, errors.Is(err, ErrUnsupportedHorizon), "%s %s %d", v, region, years)
			}
		}
	}
}

func TestEvaluate_InvalidVariant(t *testing.T) {
	_, err := Evaluate(referencePatient(), Variant(5), TwoYear)
	assert.True(t, errors.Is(err, ErrInvalidVariant))
}

func TestRegionFromLabel(t *testing.T) {
	tests := []struct {
		label string
		want  Region
	}{
		{"North American", NorthAmerican},
		{"Europe", NonNorthAmerican},
		{"Unknown", NonNorthAmerican},
		{"north american", NonNorthAmerican},
		{"North American ", NonNorthAmerican},
		{"", NonNorthAmerican},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			assert.Equal(t, tt.want, RegionFromLabel(tt.label))
		})
	}
}

func TestRegionBucketing_IdenticalAlpha(t *testing.T) {
	for _, v := range []Variant{FourVariable, SixVariable, EightVariable} {
		table, err := Table(v)
		require.NoError(t, err)

		for _, h := range Horizons {
			europe, err := table.Alpha(RegionFromLabel("Europe"), h)
			require.NoError(t, err)
			unknown, err := table.Alpha(RegionFromLabel("Unknown"), h)
			require.NoError(t, err)
			raw, err := table.Alpha(Region("Asia"), h)
			require.NoError(t, err)

			assert.Equal(t, europe, unknown)
			assert.Equal(t, europe, raw)
		}
	}
}

func TestSelectVariant(t *testing.T) {
	tests := []struct {
		name        string
		useExtended bool
		count       int
		want        Variant
		wantErr     bool
	}{
		{"no extended intent", false, 0, FourVariable, false},
		{"hint ignored without intent", false, 8, FourVariable, false},
		{"six", true, 6, SixVariable, false},
		{"eight", true, 8, EightVariable, false},
		{"four with intent", true, 4, 0, true},
		{"zero with intent", true, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectVariant(tt.useExtended, tt.count)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidVariableCount))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseHorizon(t *testing.T) {
	h, err := ParseHorizon(2)
	require.NoError(t, err)
	assert.Equal(t, TwoYear, h)

	h, err = ParseHorizon(5)
	require.NoError(t, err)
	assert.Equal(t, FiveYear, h)

	_, err = ParseHorizon(3)
	assert.ErrorIs(t, err, ErrUnsupportedHorizon)
}
