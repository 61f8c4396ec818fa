package pricing

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func atmInputs(right OptionRight) Inputs {
	return Inputs{
		Spot:         24000,
		Strike:       24000,
		TimeToExpiry: 30.0 / 365.0,
		RiskFreeRate: 0.07,
		Volatility:   0.15,
		Right:        right,
	}
}

func TestComputeCallPut(t *testing.T) {
	call, err := Compute(atmInputs(Call))
	require.NoError(t, err)
	put, err := Compute(atmInputs(Put))
	require.NoError(t, err)

	// Put-call parity: C - P = S - K*exp(-rT).
	in := atmInputs(Call)
	parity := in.Spot - in.Strike*math.Exp(-in.RiskFreeRate*in.TimeToExpiry)
	assert.InDelta(t, parity, call.Price-put.Price, 1e-6)

	assert.Greater(t, call.Price, 0.0)
	assert.Greater(t, put.Price, 0.0)

	// ATM deltas bracket 0.5 / -0.5.
	assert.InDelta(t, 0.5, call.Delta, 0.1)
	assert.InDelta(t, -0.5, put.Delta, 0.1)

	// Gamma and vega are identical for both rights, theta negative for longs.
	assert.InDelta(t, call.Gamma, put.Gamma, 1e-12)
	assert.InDelta(t, call.Vega, put.Vega, 1e-12)
	assert.Less(t, call.Theta, 0.0)
}

func TestComputeRejectsBadInputs(t *testing.T) {
	cases := map[string]func(*Inputs){
		"zero spot":     func(in *Inputs) { in.Spot = 0 },
		"zero strike":   func(in *Inputs) { in.Strike = 0 },
		"zero tte":      func(in *Inputs) { in.TimeToExpiry = 0 },
		"zero vol":      func(in *Inputs) { in.Volatility = 0 },
		"unknown right": func(in *Inputs) { in.Right = "X" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := atmInputs(Call)
			mutate(&in)
			_, err := Compute(in)
			assert.Error(t, err)
		})
	}
}

func TestNormCDFBounds(t *testing.T) {
	assert.InDelta(t, 0.5, normCDF(0), 1e-9)
	assert.InDelta(t, 1.0, normCDF(8), 1e-7)
	assert.InDelta(t, 0.0, normCDF(-8), 1e-7)
	// Reference value N(1.0) = 0.8413447460685429.
	assert.InDelta(t, 0.8413447460685429, normCDF(1.0), 1e-9)
}

func TestImpliedVolatilityRoundTrip(t *testing.T) {
	for _, trueVol := range []float64{0.10, 0.18, 0.35, 0.80} {
		in := atmInputs(Call)
		in.Volatility = trueVol
		g, err := Compute(in)
		require.NoError(t, err)

		solved, err := ImpliedVolatility(in, g.Price, DefaultIVSeed)
		require.NoError(t, err)
		assert.InDelta(t, trueVol, solved, 1e-3, "vol=%f", trueVol)
	}
}

func TestImpliedVolatilityFallsBackToSeed(t *testing.T) {
	in := atmInputs(Call)

	t.Run("non-positive observed price", func(t *testing.T) {
		vol, err := ImpliedVolatility(in, -1, 0.22)
		assert.Equal(t, 0.22, vol)
		var convErr *IVConvergenceError
		assert.ErrorAs(t, err, &convErr)
	})

	t.Run("price below intrinsic diverges", func(t *testing.T) {
		deep := in
		deep.Strike = 20000
		// A deep ITM call can never be worth less than intrinsic; the solver
		// must fail without panicking and hand back the seed.
		vol, err := ImpliedVolatility(deep, 1.0, 0.25)
		assert.Equal(t, 0.25, vol)
		assert.Error(t, err)
	})

	t.Run("zero seed uses default", func(t *testing.T) {
		vol, err := ImpliedVolatility(in, -1, 0)
		assert.Equal(t, DefaultIVSeed, vol)
		assert.Error(t, err)
	})
}

func TestImpliedVolatilityOrSeedNeverPanics(t *testing.T) {
	in := atmInputs(Put)
	assert.NotPanics(t, func() {
		_ = ImpliedVolatilityOrSeed(in, math.NaN(), 0.2)
		_ = ImpliedVolatilityOrSeed(Inputs{}, 10, 0.2)
	})
}
