package market

import (
	"context"
	"time"
)

// ChainProvider serves the options side of a snapshot: per-strike premiums
// and the volatility-index reading. Backed by the broker gateway.
type ChainProvider interface {
	OptionChain(ctx context.Context, instrument string, expiry time.Time) (map[StrikeKey]PremiumQuote, error)
	VolIndex(ctx context.Context) (float64, error)
}

// SpotProvider serves the underlying price legs of a snapshot.
type SpotProvider interface {
	SpotPrice(ctx context.Context, symbol string) (float64, error)
	RecentCloses(ctx context.Context, symbol string) ([]float64, error)
}

// CompositeSource assembles full snapshots from the spot feed and the
// option chain provider. The snapshot is validated before it is handed to
// the filter pipeline, so downstream code never sees silent zero fields.
type CompositeSource struct {
	spot  SpotProvider
	chain ChainProvider
	now   func() time.Time
}

var _ Source = (*CompositeSource)(nil)

func NewCompositeSource(spot SpotProvider, chain ChainProvider) *CompositeSource {
	return &CompositeSource{spot: spot, chain: chain, now: time.Now}
}

func (s *CompositeSource) Snapshot(ctx context.Context, instrument string, expiry time.Time) (Snapshot, error) {
	spot, err := s.spot.SpotPrice(ctx, instrument)
	if err != nil {
		return Snapshot{}, err
	}
	closes, err := s.spot.RecentCloses(ctx, instrument)
	if err != nil {
		return Snapshot{}, err
	}
	volIdx, err := s.chain.VolIndex(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	premiums, err := s.chain.OptionChain(ctx, instrument, expiry)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		Instrument:   instrument,
		Spot:         spot,
		VolIndex:     volIdx,
		RecentCloses: closes,
		Premiums:     premiums,
		Expiry:       expiry,
		Taken:        s.now(),
	}
	if err := snap.Validate(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}
