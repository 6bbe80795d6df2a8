package kfre

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_Terms(t *testing.T) {
	tests := []struct {
		variant Variant
		factors []Factor
	}{
		{FourVariable, []Factor{FactorAge, FactorSex, FactorEGFR, FactorLogUACR}},
		{SixVariable, []Factor{FactorAge, FactorSex, FactorEGFR, FactorLogUACR, FactorDiabetes, FactorHypertension}},
		{EightVariable, []Factor{FactorAge, FactorSex, FactorEGFR, FactorLogUACR,
			FactorAlbumin, FactorPhosphorous, FactorBicarbonate, FactorCalcium}},
	}

	for _, tt := range tests {
		t.Run(tt.variant.String(), func(t *testing.T) {
			table, err := Table(tt.variant)
			require.NoError(t, err)
			assert.Equal(t, tt.variant, table.Variant())

			terms := table.Terms()
			require.Len(t, terms, tt.variant.VariableCount())
			for i, f := range tt.factors {
				assert.Equal(t, f, terms[i].Factor)
			}
		})
	}
}

func TestTable_FourAndSixShareBaseTerms(t *testing.T) {
	four, err := Table(FourVariable)
	require.NoError(t, err)
	six, err := Table(SixVariable)
	require.NoError(t, err)
	eight, err := Table(EightVariable)
	require.NoError(t, err)

	for _, f := range []Factor{FactorAge, FactorSex, FactorEGFR, FactorLogUACR} {
		a, ok := four.Term(f)
		require.True(t, ok)
		b, ok := six.Term(f)
		require.True(t, ok)
		c, ok := eight.Term(f)
		require.True(t, ok)

		assert.Equal(t, a, b, "4- and 6-variable %s", f)
		assert.Equal(t, a.Center, c.Center, "centering for %s", f)
		assert.NotEqual(t, a.Weight, c.Weight, "8-variable weight for %s", f)
	}
}

func TestTable_Alpha(t *testing.T) {
	tests := []struct {
		variant Variant
		region  Region
		horizon Horizon
		want    float64
	}{
		{FourVariable, NorthAmerican, TwoYear, 0.9750},
		{FourVariable, NorthAmerican, FiveYear, 0.9240},
		{FourVariable, NonNorthAmerican, TwoYear, 0.9832},
		{FourVariable, NonNorthAmerican, FiveYear, 0.9365},
		{SixVariable, NorthAmerican, TwoYear, 0.9750},
		{SixVariable, NonNorthAmerican, FiveYear, 0.9365},
		{EightVariable, NorthAmerican, TwoYear, 0.9780},
		{EightVariable, NorthAmerican, FiveYear, 0.9301},
		{EightVariable, NonNorthAmerican, TwoYear, 0.9827},
		{EightVariable, NonNorthAmerican, FiveYear, 0.9245},
	}

	for _, tt := range tests {
		table, err := Table(tt.variant)
		require.NoError(t, err)

		got, err := table.Alpha(tt.region, tt.horizon)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s %s %d", tt.variant, tt.region, tt.horizon)
	}
}

func TestTable_TermsReturnsCopy(t *testing.T) {
	table, err := Table(FourVariable)
	require.NoError(t, err)

	terms := table.Terms()
	terms[0].Weight = 42

	again := table.Terms()
	assert.Equal(t, -0.2201, again[0].Weight)
}

func TestTable_Unknown(t *testing.T) {
	_, err := Table(Variant(7))
	assert.ErrorIs(t, err, ErrInvalidVariant)
}

func TestVariant_String(t *testing.T) {
	assert.Equal(t, "4-variable", FourVariable.String())
	assert.Equal(t, "6-variable", SixVariable.String())
	assert.Equal(t, "8-variable", EightVariable.String())
	assert.Equal(t, "Variant(3)", Variant(3).String())
}
