package sizing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizeBasic(t *testing.T) {
	s := NewSizer(Config{InitialFraction: 0.5})

	res, err := s.Size(Request{AvailableMargin: 1_000_000, MarginPerUnit: 60_000})
	require.NoError(t, err)
	assert.Equal(t, 8, res.Quantity)
	assert.Equal(t, 500_000.0, res.UsableMargin)
	assert.Equal(t, 480_000.0, res.MarginRequired)
	assert.Equal(t, 500_000.0, res.ReservedMargin)
	assert.False(t, res.RiskCapped)
}

func TestSizeNeverExceedsUsableBudget(t *testing.T) {
	s := NewSizer(Config{InitialFraction: 0.5})
	for _, available := range []float64{50_000, 240_000, 1_000_000, 3_333_333} {
		for _, perUnit := range []float64{7_500, 60_000, 145_000} {
			res, err := s.Size(Request{AvailableMargin: available, MarginPerUnit: perUnit})
			if err != nil {
				continue
			}
			assert.LessOrEqual(t, res.MarginRequired, res.UsableMargin,
				"available=%.0f perUnit=%.0f", available, perUnit)
			assert.InDelta(t, available-res.UsableMargin, res.ReservedMargin, 1e-9)
		}
	}
}

func TestSizeDirectionalRiskCap(t *testing.T) {
	s := NewSizer(Config{InitialFraction: 0.5, MaxRiskPerTrade: 50_000})

	t.Run("risk constraint binds", func(t *testing.T) {
		res, err := s.Size(Request{
			AvailableMargin: 1_000_000,
			MarginPerUnit:   60_000,
			Directional:     true,
			PerUnitRisk:     10_000,
		})
		require.NoError(t, err)
		assert.Equal(t, 5, res.Quantity)
		assert.True(t, res.RiskCapped)
	})

	t.Run("margin constraint binds", func(t *testing.T) {
		res, err := s.Size(Request{
			AvailableMargin: 1_000_000,
			MarginPerUnit:   60_000,
			Directional:     true,
			PerUnitRisk:     1_000,
		})
		require.NoError(t, err)
		assert.Equal(t, 8, res.Quantity)
		assert.False(t, res.RiskCapped)
	})

	t.Run("missing per-unit risk rejected", func(t *testing.T) {
		_, err := s.Size(Request{
			AvailableMargin: 1_000_000,
			MarginPerUnit:   60_000,
			Directional:     true,
		})
		var sizeErr *SizingError
		require.ErrorAs(t, err, &sizeErr)
	})
}

func TestSizeRejectsZeroQuantity(t *testing.T) {
	s := NewSizer(Config{InitialFraction: 0.5})

	_, err := s.Size(Request{AvailableMargin: 100_000, MarginPerUnit: 60_000})
	var sizeErr *SizingError
	require.ErrorAs(t, err, &sizeErr)
	assert.Contains(t, sizeErr.Reason, "zero")

	_, err = s.Size(Request{AvailableMargin: 0, MarginPerUnit: 60_000})
	require.ErrorAs(t, err, &sizeErr)

	_, err = s.Size(Request{AvailableMargin: 100_000, MarginPerUnit: 0})
	require.ErrorAs(t, err, &sizeErr)
}

func TestSizerDefaultsBadFraction(t *testing.T) {
	s := NewSizer(Config{InitialFraction: 1.7})
	res, err := s.Size(Request{AvailableMargin: 1_000_000, MarginPerUnit: 100_000})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Quantity)
}
