package strikes

import (
	"fmt"
	"math"

	"talon/internal/logger"
)

// Config drives the symmetric strike-distance computation. Multipliers widen
// the distance as the volatility regime escalates.
type Config struct {
	BaseDeltaPct       float64 `toml:"base_delta_pct"`      // e.g. 0.5 (% of spot per day to expiry)
	ElevatedThreshold  float64 `toml:"elevated_threshold"`  // vol index level switching to 1.10x
	HighThreshold      float64 `toml:"high_threshold"`      // vol index level switching to 1.20x
	ElevatedMultiplier float64 `toml:"elevated_multiplier"` // default 1.10
	HighMultiplier     float64 `toml:"high_multiplier"`     // default 1.20
	StrikeIncrement    float64 `toml:"strike_increment"`    // e.g. 100 for NIFTY-style chains
}

func DefaultConfig() Config {
	return Config{
		BaseDeltaPct:       0.5,
		ElevatedThreshold:  20,
		HighThreshold:      28,
		ElevatedMultiplier: 1.10,
		HighMultiplier:     1.20,
		StrikeIncrement:    100,
	}
}

// Selection is the strike pair proposed for a strangle entry.
type Selection struct {
	CallStrike float64 `json:"call_strike"`
	PutStrike  float64 `json:"put_strike"`
	Distance   float64 `json:"distance"`
	Multiplier float64 `json:"multiplier"`
}

type Selector struct {
	cfg Config
}

func NewSelector(cfg Config) *Selector {
	if cfg.BaseDeltaPct <= 0 {
		cfg.BaseDeltaPct = 0.5
	}
	if cfg.ElevatedMultiplier <= 0 {
		cfg.ElevatedMultiplier = 1.10
	}
	if cfg.HighMultiplier <= 0 {
		cfg.HighMultiplier = 1.20
	}
	if cfg.StrikeIncrement <= 0 {
		cfg.StrikeIncrement = 100
	}
	return &Selector{cfg: cfg}
}

// RegimeMultiplier maps a volatility-index reading onto the configured
// distance multiplier (1.0 normal, 1.10 elevated, 1.20 high).
func (s *Selector) RegimeMultiplier(volIndex float64) float64 {
	switch {
	case s.cfg.HighThreshold > 0 && volIndex >= s.cfg.HighThreshold:
		return s.cfg.HighMultiplier
	case s.cfg.ElevatedThreshold > 0 && volIndex >= s.cfg.ElevatedThreshold:
		return s.cfg.ElevatedMultiplier
	default:
		return 1.0
	}
}

// Select computes the call/put strike pair for the given spot, days to
// expiry and vol-index reading. The returned pair always satisfies
// call > spot > put on the instrument's strike grid: if rounding collapses
// either side onto spot, that side is widened by one increment.
func (s *Selector) Select(spot float64, daysToExpiry int, volIndex float64) (Selection, error) {
	if spot <= 0 {
		return Selection{}, fmt.Errorf("strikes: spot must be positive, got %f", spot)
	}
	if daysToExpiry <= 0 {
		return Selection{}, fmt.Errorf("strikes: days to expiry must be positive, got %d", daysToExpiry)
	}

	mult := s.RegimeMultiplier(volIndex)
	adjustedPct := s.cfg.BaseDeltaPct * mult
	distance := spot * (adjustedPct / 100) * float64(daysToExpiry)

	inc := s.cfg.StrikeIncrement
	call := roundToIncrement(spot+distance, inc)
	put := roundToIncrement(spot-distance, inc)

	for call <= spot {
		call += inc
	}
	for put >= spot {
		put -= inc
	}
	if put <= 0 {
		return Selection{}, fmt.Errorf("strikes: put strike collapsed below zero (spot=%f distance=%f)", spot, distance)
	}

	logger.Debugf("strikes: spot=%.2f dte=%d vix=%.2f mult=%.2f distance=%.2f -> CE %.0f / PE %.0f",
		spot, daysToExpiry, volIndex, mult, distance, call, put)
	return Selection{CallStrike: call, PutStrike: put, Distance: distance, Multiplier: mult}, nil
}

// Validate applies the spread sanity bounds: strikes must not be inverted,
// not tighter than minSpreadPct of spot and not wider than maxSpreadPct.
func (s *Selector) Validate(sel Selection, spot, minSpreadPct, maxSpreadPct float64) error {
	if sel.PutStrike >= sel.CallStrike {
		return fmt.Errorf("strikes: inverted pair CE %.0f <= PE %.0f", sel.CallStrike, sel.PutStrike)
	}
	width := (sel.CallStrike - sel.PutStrike) / spot
	if minSpreadPct > 0 && width < minSpreadPct {
		return fmt.Errorf("strikes: spread too tight %.2f%% < %.2f%%", width*100, minSpreadPct*100)
	}
	if maxSpreadPct > 0 && width > maxSpreadPct {
		return fmt.Errorf("strikes: spread too wide %.2f%% > %.2f%%", width*100, maxSpreadPct*100)
	}
	return nil
}

func roundToIncrement(value, inc float64) float64 {
	if inc <= 0 {
		return math.Round(value)
	}
	return math.Round(value/inc) * inc
}
