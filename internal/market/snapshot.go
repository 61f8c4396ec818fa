package market

import (
	"context"
	"fmt"
	"time"
)

// PremiumQuote is the observed market state of one option contract.
type PremiumQuote struct {
	Premium      float64 `json:"premium"`
	OpenInterest float64 `json:"open_interest"`
}

// StrikeKey addresses one leg in the per-strike premium map.
type StrikeKey struct {
	Strike float64
	Right  string // "CE" or "PE"
}

// Snapshot is the market input of one decision cycle. All fields are
// required; a source that cannot fill one must return *MissingDataError
// instead of zero values, so the filter pipeline sees a typed missing-data
// case rather than a silent default.
type Snapshot struct {
	Instrument   string                     `json:"instrument"`
	Spot         float64                    `json:"spot"`
	VolIndex     float64                    `json:"vol_index"`
	RecentCloses []float64                  `json:"recent_closes"`
	Premiums     map[StrikeKey]PremiumQuote `json:"-"`
	Expiry       time.Time                  `json:"expiry"`
	Taken        time.Time                  `json:"taken"`
}

// Premium looks up one leg's quote; ok=false means the chain is missing it.
func (s *Snapshot) Premium(strike float64, right string) (PremiumQuote, bool) {
	if s == nil || s.Premiums == nil {
		return PremiumQuote{}, false
	}
	q, ok := s.Premiums[StrikeKey{Strike: strike, Right: right}]
	return q, ok
}

// MissingDataError marks an upstream feed gap. Filters treat it as a skip
// condition, never as a zero reading.
type MissingDataError struct {
	Instrument string
	Field      string
}

func (e *MissingDataError) Error() string {
	return fmt.Sprintf("market data missing: %s for %s", e.Field, e.Instrument)
}

func (s *Snapshot) Validate() error {
	if s.Spot <= 0 {
		return &MissingDataError{Instrument: s.Instrument, Field: "spot"}
	}
	if s.VolIndex <= 0 {
		return &MissingDataError{Instrument: s.Instrument, Field: "vol_index"}
	}
	if len(s.RecentCloses) == 0 {
		return &MissingDataError{Instrument: s.Instrument, Field: "recent_closes"}
	}
	if s.Expiry.IsZero() {
		return &MissingDataError{Instrument: s.Instrument, Field: "expiry"}
	}
	return nil
}

// Source produces decision-cycle snapshots for an instrument/expiry pair.
type Source interface {
	Snapshot(ctx context.Context, instrument string, expiry time.Time) (Snapshot, error)
}
