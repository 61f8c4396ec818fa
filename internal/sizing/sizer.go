// Package sizing computes margin-constrained position sizes and the
// averaging-down recommendations for directional positions.
package sizing

import (
	"fmt"
	"math"

	"talon/internal/logger"
)

// Config bounds the initial entry sizing. InitialFraction is the share
// of available margin spendable at entry; the remainder stays reserved
// for averaging only.
type Config struct {
	InitialFraction float64 `toml:"initial_fraction"`   // F, default 0.5
	MaxRiskPerTrade float64 `toml:"max_risk_per_trade"` // currency cap for directional risk
}

func DefaultConfig() Config {
	return Config{InitialFraction: 0.5}
}

// SizingError reports an entry that cannot be sized. It is a rejection,
// never a silently zero-sized order.
type SizingError struct {
	Reason        string
	Available     float64
	Usable        float64
	MarginPerUnit float64
}

func (e *SizingError) Error() string {
	return fmt.Sprintf("sizing rejected: %s (available=%.2f usable=%.2f per_unit=%.2f)",
		e.Reason, e.Available, e.Usable, e.MarginPerUnit)
}

// Request is one sizing computation's input. PerUnitRisk is only
// consulted for directional strategies.
type Request struct {
	AvailableMargin float64
	MarginPerUnit   float64
	Directional     bool
	PerUnitRisk     float64
}

// Result is the approved size. ReservedMargin is the untouched (1-F)
// share, available exclusively to the averaging path.
type Result struct {
	Quantity       int     `json:"quantity"`
	UsableMargin   float64 `json:"usable_margin"`
	MarginRequired float64 `json:"margin_required"`
	ReservedMargin float64 `json:"reserved_margin"`
	RiskCapped     bool    `json:"risk_capped"`
}

type Sizer struct {
	cfg Config
}

func NewSizer(cfg Config) *Sizer {
	if cfg.InitialFraction <= 0 || cfg.InitialFraction > 1 {
		cfg.InitialFraction = 0.5
	}
	return &Sizer{cfg: cfg}
}

// Size applies usable = available*F, quantity = floor(usable/perUnit),
// then the directional risk cap; the smaller constraint wins. A zero
// quantity is a *SizingError.
func (s *Sizer) Size(req Request) (Result, error) {
	if req.AvailableMargin <= 0 {
		return Result{}, &SizingError{Reason: "no available margin", Available: req.AvailableMargin}
	}
	if req.MarginPerUnit <= 0 {
		return Result{}, &SizingError{Reason: "margin per unit must be positive", Available: req.AvailableMargin, MarginPerUnit: req.MarginPerUnit}
	}

	usable := req.AvailableMargin * s.cfg.InitialFraction
	qty := int(math.Floor(usable / req.MarginPerUnit))

	capped := false
	if req.Directional && s.cfg.MaxRiskPerTrade > 0 {
		if req.PerUnitRisk <= 0 {
			return Result{}, &SizingError{Reason: "per-unit risk required for directional sizing", Available: req.AvailableMargin, Usable: usable, MarginPerUnit: req.MarginPerUnit}
		}
		riskQty := int(math.Floor(s.cfg.MaxRiskPerTrade / req.PerUnitRisk))
		if riskQty < qty {
			qty = riskQty
			capped = true
		}
	}

	if qty <= 0 {
		return Result{}, &SizingError{
			Reason:        "computed quantity is zero",
			Available:     req.AvailableMargin,
			Usable:        usable,
			MarginPerUnit: req.MarginPerUnit,
		}
	}

	res := Result{
		Quantity:       qty,
		UsableMargin:   usable,
		MarginRequired: float64(qty) * req.MarginPerUnit,
		ReservedMargin: req.AvailableMargin - usable,
		RiskCapped:     capped,
	}
	logger.Debugf("sizing: available=%.2f usable=%.2f per_unit=%.2f -> qty=%d (risk_capped=%v)",
		req.AvailableMargin, usable, req.MarginPerUnit, qty, capped)
	return res, nil
}
