package formulas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateSharpeRatioNeedsAtLeastTwoReturns(t *testing.T) {
	assert.Nil(t, CalculateSharpeRatio([]float64{0.01}, 0, 252))
}

func TestCalculateSharpeRatioZeroVarianceReturnsNil(t *testing.T) {
	assert.Nil(t, CalculateSharpeRatio([]float64{0.01, 0.01, 0.01}, 0, 252))
}

func TestCalculateSharpeRatioPositiveMeanReturnsPositiveRatio(t *testing.T) {
	sharpe := CalculateSharpeRatio([]float64{0.01, 0.02, -0.005, 0.015}, 0, 252)
	require.NotNil(t, sharpe)
	assert.Greater(t, *sharpe, 0.0)
}

func TestCalculateSortinoRatioNoDownsideReturnsNil(t *testing.T) {
	assert.Nil(t, CalculateSortinoRatio([]float64{0.01, 0.02, 0.03}, 0, 0, 252))
}

func TestCalculateSortinoRatioWithDownsideReturnsValue(t *testing.T) {
	sortino := CalculateSortinoRatio([]float64{0.01, -0.02, 0.03, -0.01}, 0, 0, 252)
	require.NotNil(t, sortino)
}
