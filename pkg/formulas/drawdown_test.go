package formulas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateMaxDrawdownNeedsAtLeastTwoPrices(t *testing.T) {
	assert.Nil(t, CalculateMaxDrawdown([]float64{100}))
}

func TestCalculateMaxDrawdownFindsWorstDeclineFromPeak(t *testing.T) {
	dd := CalculateMaxDrawdown([]float64{100, 120, 90, 110, 80})
	require.NotNil(t, dd)
	assert.InDelta(t, (120.0-80.0)/120.0, *dd, 1e-9)
}

func TestCalculateMaxDrawdownMonotonicRiseIsZero(t *testing.T) {
	dd := CalculateMaxDrawdown([]float64{100, 110, 120, 130})
	require.NotNil(t, dd)
	assert.Equal(t, 0.0, *dd)
}

func TestCalculateCalmarRatioNilInputsReturnNil(t *testing.T) {
	ret := 0.2
	assert.Nil(t, CalculateCalmarRatio(nil, nil))
	assert.Nil(t, CalculateCalmarRatio(&ret, nil))

	zero := 0.0
	assert.Nil(t, CalculateCalmarRatio(&ret, &zero))
}

func TestCalculateCalmarRatioDividesReturnByDrawdown(t *testing.T) {
	ret := 0.30
	dd := 0.15
	calmar := CalculateCalmarRatio(&ret, &dd)
	require.NotNil(t, calmar)
	assert.InDelta(t, 2.0, *calmar, 1e-9)
}
