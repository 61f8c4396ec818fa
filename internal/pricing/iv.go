package pricing

import (
	"fmt"
	"math"

	"talon/internal/logger"
)

const (
	ivMaxIterations = 100
	ivPriceTol      = 1e-4
	ivVegaFloor     = 1e-10
	ivVolCeiling    = 5.0
	// DefaultIVSeed is used when no volatility-index reading is available.
	DefaultIVSeed = 0.20
)

// IVConvergenceError reports a failed implied-volatility solve. Callers are
// expected to fall back to the seed estimate rather than abort the cycle.
type IVConvergenceError struct {
	Observed   float64
	Seed       float64
	Iterations int
	Cause      string
}

func (e *IVConvergenceError) Error() string {
	return fmt.Sprintf("implied vol did not converge after %d iterations (observed=%.4f seed=%.4f): %s",
		e.Iterations, e.Observed, e.Seed, e.Cause)
}

// ImpliedVolatility solves for the volatility that reprices the option at
// observedPrice; in.Volatility is ignored. seed is the Newton-Raphson
// starting point (pass a vol-index reading when available, else
// DefaultIVSeed). On convergence failure it
// returns the seed together with an *IVConvergenceError so the caller keeps
// a usable estimate. It never panics.
func ImpliedVolatility(in Inputs, observedPrice, seed float64) (float64, error) {
	if seed <= 0 {
		seed = DefaultIVSeed
	}
	if observedPrice <= 0 {
		return seed, &IVConvergenceError{Observed: observedPrice, Seed: seed, Cause: "observed price must be positive"}
	}
	in.Volatility = seed
	if err := in.validate(); err != nil {
		return seed, &IVConvergenceError{Observed: observedPrice, Seed: seed, Cause: err.Error()}
	}

	vol := seed
	for i := 0; i < ivMaxIterations; i++ {
		in.Volatility = vol
		g, err := Compute(in)
		if err != nil {
			return seed, &IVConvergenceError{Observed: observedPrice, Seed: seed, Iterations: i, Cause: err.Error()}
		}
		diff := g.Price - observedPrice
		if math.Abs(diff) < ivPriceTol {
			return vol, nil
		}
		// Vega here is per vol point; the Newton step needs the raw derivative.
		rawVega := g.Vega * 100
		if rawVega < ivVegaFloor {
			return seed, &IVConvergenceError{Observed: observedPrice, Seed: seed, Iterations: i, Cause: "vega vanished"}
		}
		vol -= diff / rawVega
		if vol <= 0 || vol > ivVolCeiling || math.IsNaN(vol) {
			return seed, &IVConvergenceError{
				Observed: observedPrice, Seed: seed, Iterations: i,
				Cause: fmt.Sprintf("iteration diverged (vol=%.4f)", vol),
			}
		}
	}
	return seed, &IVConvergenceError{Observed: observedPrice, Seed: seed, Iterations: ivMaxIterations, Cause: "iteration limit reached"}
}

// ImpliedVolatilityOrSeed logs the failure and returns the fallback value.
// Monitoring paths use this so a bad quote never crashes Greeks computation.
func ImpliedVolatilityOrSeed(in Inputs, observedPrice, seed float64) float64 {
	vol, err := ImpliedVolatility(in, observedPrice, seed)
	if err != nil {
		logger.Warnf("pricing: IV solve failed for %s strike=%.2f: %v", in.Right, in.Strike, err)
	}
	return vol
}
