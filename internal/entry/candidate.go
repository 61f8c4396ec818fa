package entry

import (
	"fmt"
	"time"

	"talon/internal/logger"
	"talon/internal/market"
	"talon/internal/pricing"
	"talon/internal/strikes"
	"talon/internal/types"
)

// Candidate is the ephemeral output of a passed pipeline run plus strike
// selection. It is consumed by the sizer and discarded; only the audit
// log keeps a copy.
type Candidate struct {
	AccountID   string               `json:"account_id"`
	Instrument  string               `json:"instrument"`
	Strategy    types.StrategyKind   `json:"strategy"`
	Direction   types.Direction      `json:"direction"`
	CallStrike  float64              `json:"call_strike"`
	PutStrike   float64              `json:"put_strike"`
	CallPremium float64              `json:"call_premium"`
	PutPremium  float64              `json:"put_premium"`
	CallGreeks  pricing.Greeks       `json:"call_greeks"`
	PutGreeks   pricing.Greeks       `json:"put_greeks"`
	CallIV      float64              `json:"call_iv"`
	PutIV       float64              `json:"put_iv"`
	Expiry      time.Time            `json:"expiry"`
	Evidence    []FilterResult       `json:"evidence"`
	Selection   strikes.Selection    `json:"selection"`
}

// TotalCredit is the combined per-unit premium collected by the strangle.
func (c *Candidate) TotalCredit() float64 {
	return c.CallPremium + c.PutPremium
}

// BuilderConfig bounds the candidate construction checks.
type BuilderConfig struct {
	RiskFreeRate float64 `toml:"risk_free_rate"` // annualized, e.g. 0.07
	MinCredit    float64 `toml:"min_credit"`     // minimum combined premium per unit
	MinSpreadPct float64 `toml:"min_spread_pct"` // strike width sanity lower bound (fraction of spot)
	MaxSpreadPct float64 `toml:"max_spread_pct"` // strike width sanity upper bound
}

// Builder turns a passed decision into a market-neutral candidate:
// selects strikes, validates the spread, prices both legs and applies
// the minimum-credit check.
type Builder struct {
	selector *strikes.Selector
	cfg      BuilderConfig
}

func NewBuilder(selector *strikes.Selector, cfg BuilderConfig) *Builder {
	if cfg.RiskFreeRate <= 0 {
		cfg.RiskFreeRate = 0.07
	}
	if cfg.MinSpreadPct <= 0 {
		cfg.MinSpreadPct = 0.01
	}
	if cfg.MaxSpreadPct <= 0 {
		cfg.MaxSpreadPct = 0.12
	}
	return &Builder{selector: selector, cfg: cfg}
}

// Build assembles the candidate. Missing chain quotes surface as typed
// missing-data errors; a credit below the floor is a rejection, not an
// order with a bad price.
func (b *Builder) Build(in Input, dec Decision) (Candidate, error) {
	if !dec.Passed {
		return Candidate{}, fmt.Errorf("entry: cannot build candidate from blocked decision")
	}
	snap := in.Snapshot
	dte := in.DaysToExpiry()

	sel, err := b.selector.Select(snap.Spot, dte, snap.VolIndex)
	if err != nil {
		return Candidate{}, err
	}
	if err := b.selector.Validate(sel, snap.Spot, b.cfg.MinSpreadPct, b.cfg.MaxSpreadPct); err != nil {
		return Candidate{}, err
	}

	callQuote, ok := snap.Premium(sel.CallStrike, string(pricing.Call))
	if !ok || callQuote.Premium <= 0 {
		return Candidate{}, &market.MissingDataError{
			Instrument: snap.Instrument,
			Field:      fmt.Sprintf("premium %s%.0f", pricing.Call, sel.CallStrike),
		}
	}
	putQuote, ok := snap.Premium(sel.PutStrike, string(pricing.Put))
	if !ok || putQuote.Premium <= 0 {
		return Candidate{}, &market.MissingDataError{
			Instrument: snap.Instrument,
			Field:      fmt.Sprintf("premium %s%.0f", pricing.Put, sel.PutStrike),
		}
	}

	credit := callQuote.Premium + putQuote.Premium
	if b.cfg.MinCredit > 0 && credit < b.cfg.MinCredit {
		return Candidate{}, fmt.Errorf("entry: combined credit %.2f below minimum %.2f", credit, b.cfg.MinCredit)
	}

	tte := snap.Expiry.Sub(in.Now).Hours() / 24 / 365
	seed := snap.VolIndex / 100

	callIn := pricing.Inputs{
		Spot: snap.Spot, Strike: sel.CallStrike, TimeToExpiry: tte,
		RiskFreeRate: b.cfg.RiskFreeRate, Right: pricing.Call,
	}
	callIV := pricing.ImpliedVolatilityOrSeed(callIn, callQuote.Premium, seed)
	callIn.Volatility = callIV
	callGreeks, err := pricing.Compute(callIn)
	if err != nil {
		return Candidate{}, fmt.Errorf("entry: call greeks: %w", err)
	}

	putIn := pricing.Inputs{
		Spot: snap.Spot, Strike: sel.PutStrike, TimeToExpiry: tte,
		RiskFreeRate: b.cfg.RiskFreeRate, Right: pricing.Put,
	}
	putIV := pricing.ImpliedVolatilityOrSeed(putIn, putQuote.Premium, seed)
	putIn.Volatility = putIV
	putGreeks, err := pricing.Compute(putIn)
	if err != nil {
		return Candidate{}, fmt.Errorf("entry: put greeks: %w", err)
	}

	logger.Infof("entry: candidate %s CE %.0f @ %.2f / PE %.0f @ %.2f credit=%.2f",
		snap.Instrument, sel.CallStrike, callQuote.Premium, sel.PutStrike, putQuote.Premium, credit)

	return Candidate{
		AccountID:   in.AccountID,
		Instrument:  snap.Instrument,
		Strategy:    types.StrategyMarketNeutral,
		Direction:   types.DirectionNeutral,
		CallStrike:  sel.CallStrike,
		PutStrike:   sel.PutStrike,
		CallPremium: callQuote.Premium,
		PutPremium:  putQuote.Premium,
		CallGreeks:  callGreeks,
		PutGreeks:   putGreeks,
		CallIV:      callIV,
		PutIV:       putIV,
		Expiry:      snap.Expiry,
		Evidence:    dec.Results,
		Selection:   sel,
	}, nil
}
