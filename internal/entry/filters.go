package entry

import (
	"context"
	"fmt"
	"math"
	"time"

	"talon/internal/market"

	talib "github.com/markcheno/go-talib"
)

// Config holds the filter thresholds. Zero values fall back to the
// defaults below during construction.
type Config struct {
	MinDaysToExpiry     int           `toml:"min_days_to_expiry"`      // skip cycle when DTE below this
	EventWindow         time.Duration `toml:"event_window"`            // high-impact event lookahead
	MaxShortTermMovePct float64       `toml:"max_short_term_move_pct"` // |ROC| ceiling over the lookback
	StabilityLookback   int           `toml:"stability_lookback"`      // ROC period in candles
	VolCeiling          float64       `toml:"vol_ceiling"`             // vol-index level blocking entries
	BandPeriod          int           `toml:"band_period"`             // Bollinger period
	BandStdDev          float64       `toml:"band_std_dev"`            // Bollinger width
}

func DefaultConfig() Config {
	return Config{
		MinDaysToExpiry:     2,
		EventWindow:         24 * time.Hour,
		MaxShortTermMovePct: 1.0,
		StabilityLookback:   12,
		VolCeiling:          30,
		BandPeriod:          20,
		BandStdDev:          2.0,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MinDaysToExpiry <= 0 {
		c.MinDaysToExpiry = def.MinDaysToExpiry
	}
	if c.EventWindow <= 0 {
		c.EventWindow = def.EventWindow
	}
	if c.MaxShortTermMovePct <= 0 {
		c.MaxShortTermMovePct = def.MaxShortTermMovePct
	}
	if c.StabilityLookback <= 0 {
		c.StabilityLookback = def.StabilityLookback
	}
	if c.VolCeiling <= 0 {
		c.VolCeiling = def.VolCeiling
	}
	if c.BandPeriod <= 0 {
		c.BandPeriod = def.BandPeriod
	}
	if c.BandStdDev <= 0 {
		c.BandStdDev = def.BandStdDev
	}
	return c
}

// AccountGate answers whether an account may open a new position. The
// registry and the risk monitor supply the two halves.
type AccountGate interface {
	HasActivePosition(ctx context.Context, accountID string) (bool, error)
	EntryBlocked(ctx context.Context, accountID string) (bool, string, error)
}

// DefaultFilters builds the standard ordered pipeline.
func DefaultFilters(cfg Config, gate AccountGate) []Filter {
	cfg = cfg.withDefaults()
	return []Filter{
		&AccountActiveFilter{Gate: gate},
		&ExpiryFreshnessFilter{MinDays: cfg.MinDaysToExpiry},
		&MarketStabilityFilter{Lookback: cfg.StabilityLookback, MaxMovePct: cfg.MaxShortTermMovePct},
		&EventCalendarFilter{Window: cfg.EventWindow},
		&VolatilityRegimeFilter{Ceiling: cfg.VolCeiling},
		&PriceExtremityFilter{Period: cfg.BandPeriod, StdDev: cfg.BandStdDev},
	}
}

// AccountActiveFilter blocks entries for accounts that already hold an
// active position or sit behind a tripped circuit breaker.
type AccountActiveFilter struct {
	Gate AccountGate
}

func (f *AccountActiveFilter) Name() string { return "account_active" }

func (f *AccountActiveFilter) Evaluate(ctx context.Context, in Input) (FilterResult, error) {
	if f.Gate == nil {
		return FilterResult{}, fmt.Errorf("entry: account gate not configured")
	}
	blocked, reason, err := f.Gate.EntryBlocked(ctx, in.AccountID)
	if err != nil {
		return FilterResult{}, fmt.Errorf("entry: breaker lookup failed: %w", err)
	}
	if blocked {
		return FilterResult{Name: f.Name(), Reason: fmt.Sprintf("circuit breaker active: %s", reason)}, nil
	}
	has, err := f.Gate.HasActivePosition(ctx, in.AccountID)
	if err != nil {
		return FilterResult{}, fmt.Errorf("entry: active position lookup failed: %w", err)
	}
	if has {
		return FilterResult{Name: f.Name(), Reason: "account already holds an active position"}, nil
	}
	return FilterResult{Name: f.Name(), Passed: true, Reason: "account clear"}, nil
}

// ExpiryFreshnessFilter skips the cycle when too close to expiry.
type ExpiryFreshnessFilter struct {
	MinDays int
}

func (f *ExpiryFreshnessFilter) Name() string { return "expiry_freshness" }

func (f *ExpiryFreshnessFilter) Evaluate(_ context.Context, in Input) (FilterResult, error) {
	dte := in.DaysToExpiry()
	if dte < f.MinDays {
		return FilterResult{
			Name:   f.Name(),
			Reason: fmt.Sprintf("%d days to expiry, need at least %d", dte, f.MinDays),
		}, nil
	}
	return FilterResult{Name: f.Name(), Passed: true, Reason: fmt.Sprintf("%d days to expiry", dte)}, nil
}

// MarketStabilityFilter rejects entries when the reference index moved
// more than MaxMovePct over the lookback window (rate of change).
type MarketStabilityFilter struct {
	Lookback   int
	MaxMovePct float64
}

func (f *MarketStabilityFilter) Name() string { return "market_stability" }

func (f *MarketStabilityFilter) Evaluate(_ context.Context, in Input) (FilterResult, error) {
	closes := in.Snapshot.RecentCloses
	if len(closes) < f.Lookback+1 {
		return FilterResult{}, &market.MissingDataError{Instrument: in.Snapshot.Instrument, Field: "recent_closes"}
	}
	series := talib.Roc(closes, f.Lookback)
	if len(series) == 0 {
		return FilterResult{}, &market.MissingDataError{Instrument: in.Snapshot.Instrument, Field: "recent_closes"}
	}
	move := series[len(series)-1]
	if math.Abs(move) > f.MaxMovePct {
		return FilterResult{
			Name:   f.Name(),
			Reason: fmt.Sprintf("index moved %.2f%% over last %d candles, limit %.2f%%", move, f.Lookback, f.MaxMovePct),
		}, nil
	}
	return FilterResult{Name: f.Name(), Passed: true, Reason: fmt.Sprintf("index move %.2f%% within bounds", move)}, nil
}

// EventCalendarFilter blocks entries ahead of high-impact scheduled events.
type EventCalendarFilter struct {
	Window time.Duration
}

func (f *EventCalendarFilter) Name() string { return "event_calendar" }

func (f *EventCalendarFilter) Evaluate(_ context.Context, in Input) (FilterResult, error) {
	if in.Calendar == nil {
		return FilterResult{}, fmt.Errorf("entry: calendar not configured")
	}
	if name, found := in.Calendar.HighImpactEventWithin(in.Now, f.Window); found {
		return FilterResult{
			Name:   f.Name(),
			Reason: fmt.Sprintf("high-impact event %q within %s", name, f.Window),
		}, nil
	}
	return FilterResult{Name: f.Name(), Passed: true, Reason: "no high-impact events ahead"}, nil
}

// VolatilityRegimeFilter blocks entries when the vol index exceeds the
// configured ceiling.
type VolatilityRegimeFilter struct {
	Ceiling float64
}

func (f *VolatilityRegimeFilter) Name() string { return "volatility_regime" }

func (f *VolatilityRegimeFilter) Evaluate(_ context.Context, in Input) (FilterResult, error) {
	vix := in.Snapshot.VolIndex
	if vix <= 0 {
		return FilterResult{}, &market.MissingDataError{Instrument: in.Snapshot.Instrument, Field: "vol_index"}
	}
	if vix > f.Ceiling {
		return FilterResult{
			Name:   f.Name(),
			Reason: fmt.Sprintf("vol index %.2f above ceiling %.2f", vix, f.Ceiling),
		}, nil
	}
	return FilterResult{Name: f.Name(), Passed: true, Reason: fmt.Sprintf("vol index %.2f acceptable", vix)}, nil
}

// PriceExtremityFilter blocks entries when spot sits outside the
// Bollinger band of the recent closes.
type PriceExtremityFilter struct {
	Period int
	StdDev float64
}

func (f *PriceExtremityFilter) Name() string { return "price_extremity" }

func (f *PriceExtremityFilter) Evaluate(_ context.Context, in Input) (FilterResult, error) {
	closes := in.Snapshot.RecentCloses
	if len(closes) < f.Period {
		return FilterResult{}, &market.MissingDataError{Instrument: in.Snapshot.Instrument, Field: "recent_closes"}
	}
	upper, _, lower := talib.BBands(closes, f.Period, f.StdDev, f.StdDev, talib.SMA)
	if len(upper) == 0 || len(lower) == 0 {
		return FilterResult{}, &market.MissingDataError{Instrument: in.Snapshot.Instrument, Field: "recent_closes"}
	}
	up := upper[len(upper)-1]
	low := lower[len(lower)-1]
	spot := in.Snapshot.Spot
	if spot > up || spot < low {
		return FilterResult{
			Name:   f.Name(),
			Reason: fmt.Sprintf("spot %.2f outside band [%.2f, %.2f]", spot, low, up),
		}, nil
	}
	return FilterResult{Name: f.Name(), Passed: true, Reason: fmt.Sprintf("spot %.2f inside band [%.2f, %.2f]", spot, low, up)}, nil
}
