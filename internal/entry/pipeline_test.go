package entry

import (
	"context"
	"errors"
	"testing"
	"time"

	"talon/internal/market"
	"talon/internal/strikes"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockGate struct {
	mock.Mock
}

func (m *mockGate) HasActivePosition(ctx context.Context, accountID string) (bool, error) {
	args := m.Called(ctx, accountID)
	return args.Bool(0), args.Error(1)
}

func (m *mockGate) EntryBlocked(ctx context.Context, accountID string) (bool, string, error) {
	args := m.Called(ctx, accountID)
	return args.Bool(0), args.String(1), args.Error(2)
}

func clearGate() *mockGate {
	g := &mockGate{}
	g.On("EntryBlocked", mock.Anything, mock.Anything).Return(false, "", nil)
	g.On("HasActivePosition", mock.Anything, mock.Anything).Return(false, nil)
	return g
}

func steadyCloses(base float64, n int) []float64 {
	closes := make([]float64, n)
	for i := range closes {
		// Small alternating wobble keeps the band width nonzero.
		wobble := float64(i%3-1) * base * 0.0004
		closes[i] = base + wobble
	}
	return closes
}

func testInput(now time.Time) Input {
	expiry := now.Add(96 * time.Hour)
	return Input{
		AccountID: "acct-1",
		Now:       now,
		Calendar:  market.NewStaticCalendar(time.Thursday, nil),
		Snapshot: market.Snapshot{
			Instrument:   "NIFTY",
			Spot:         24000,
			VolIndex:     15,
			RecentCloses: steadyCloses(24000, 30),
			Premiums:     map[market.StrikeKey]market.PremiumQuote{},
			Expiry:       expiry,
			Taken:        now,
		},
	}
}

func TestPipelineAllPass(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	in := testInput(now)
	p := NewPipeline(DefaultFilters(Config{}, clearGate())...)

	dec, err := p.Run(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, dec.Passed)
	assert.Nil(t, dec.Blocked)
	assert.Len(t, dec.Results, 6)
	for _, res := range dec.Results {
		assert.True(t, res.Passed, res.Name)
		assert.NotEmpty(t, res.Reason, res.Name)
	}
}

func TestPipelineBlocks(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	t.Run("existing position", func(t *testing.T) {
		g := &mockGate{}
		g.On("EntryBlocked", mock.Anything, "acct-1").Return(false, "", nil)
		g.On("HasActivePosition", mock.Anything, "acct-1").Return(true, nil)
		p := NewPipeline(DefaultFilters(Config{}, g)...)

		dec, err := p.Run(context.Background(), testInput(now))
		require.NoError(t, err)
		assert.False(t, dec.Passed)
		require.NotNil(t, dec.Blocked)
		assert.Equal(t, "account_active", dec.Blocked.Name)
	})

	t.Run("circuit breaker active", func(t *testing.T) {
		g := &mockGate{}
		g.On("EntryBlocked", mock.Anything, "acct-1").Return(true, "daily_loss limit breached", nil)
		p := NewPipeline(DefaultFilters(Config{}, g)...)

		dec, err := p.Run(context.Background(), testInput(now))
		require.NoError(t, err)
		require.NotNil(t, dec.Blocked)
		assert.Contains(t, dec.Blocked.Reason, "circuit breaker")
	})

	t.Run("too close to expiry", func(t *testing.T) {
		in := testInput(now)
		in.Snapshot.Expiry = now.Add(12 * time.Hour)
		p := NewPipeline(DefaultFilters(Config{}, clearGate())...)

		dec, err := p.Run(context.Background(), in)
		require.NoError(t, err)
		require.NotNil(t, dec.Blocked)
		assert.Equal(t, "expiry_freshness", dec.Blocked.Name)
	})

	t.Run("unstable market", func(t *testing.T) {
		in := testInput(now)
		closes := steadyCloses(24000, 30)
		for i := 25; i < 30; i++ {
			closes[i] = 24000 * 1.03
		}
		in.Snapshot.RecentCloses = closes
		in.Snapshot.Spot = 24000 * 1.03
		p := NewPipeline(DefaultFilters(Config{}, clearGate())...)

		dec, err := p.Run(context.Background(), in)
		require.NoError(t, err)
		require.NotNil(t, dec.Blocked)
		assert.Equal(t, "market_stability", dec.Blocked.Name)
	})

	t.Run("high-impact event ahead", func(t *testing.T) {
		in := testInput(now)
		cal := market.NewStaticCalendar(time.Thursday, nil)
		cal.AddEvent("rate decision", now.Add(6*time.Hour), true)
		in.Calendar = cal
		p := NewPipeline(DefaultFilters(Config{}, clearGate())...)

		dec, err := p.Run(context.Background(), in)
		require.NoError(t, err)
		require.NotNil(t, dec.Blocked)
		assert.Equal(t, "event_calendar", dec.Blocked.Name)
		assert.Contains(t, dec.Blocked.Reason, "rate decision")
	})

	t.Run("volatility regime too hot", func(t *testing.T) {
		in := testInput(now)
		in.Snapshot.VolIndex = 34
		p := NewPipeline(DefaultFilters(Config{}, clearGate())...)

		dec, err := p.Run(context.Background(), in)
		require.NoError(t, err)
		require.NotNil(t, dec.Blocked)
		assert.Equal(t, "volatility_regime", dec.Blocked.Name)
	})

	t.Run("price outside band", func(t *testing.T) {
		in := testInput(now)
		in.Snapshot.Spot = 24500
		p := NewPipeline(DefaultFilters(Config{}, clearGate())...)

		dec, err := p.Run(context.Background(), in)
		require.NoError(t, err)
		require.NotNil(t, dec.Blocked)
		assert.Equal(t, "price_extremity", dec.Blocked.Name)
	})
}

func TestPipelineMissingDataIsTyped(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	t.Run("empty snapshot rejected up front", func(t *testing.T) {
		in := testInput(now)
		in.Snapshot.RecentCloses = nil
		p := NewPipeline(DefaultFilters(Config{}, clearGate())...)

		_, err := p.Run(context.Background(), in)
		var missing *market.MissingDataError
		require.ErrorAs(t, err, &missing)
		assert.Equal(t, "recent_closes", missing.Field)
	})

	t.Run("too few closes for the lookback", func(t *testing.T) {
		in := testInput(now)
		in.Snapshot.RecentCloses = steadyCloses(24000, 5)
		p := NewPipeline(DefaultFilters(Config{}, clearGate())...)

		_, err := p.Run(context.Background(), in)
		var missing *market.MissingDataError
		require.ErrorAs(t, err, &missing)
	})

	t.Run("gate failure propagates", func(t *testing.T) {
		g := &mockGate{}
		g.On("EntryBlocked", mock.Anything, "acct-1").Return(false, "", errors.New("store down"))
		p := NewPipeline(DefaultFilters(Config{}, g)...)

		_, err := p.Run(context.Background(), testInput(now))
		require.Error(t, err)
	})
}

func TestFiltersAreOrderInsensitive(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	in := testInput(now)
	in.Snapshot.VolIndex = 34

	forward := DefaultFilters(Config{}, clearGate())
	reversed := make([]Filter, len(forward))
	for i, f := range forward {
		reversed[len(forward)-1-i] = f
	}

	decFwd, err := NewPipeline(forward...).Run(context.Background(), in)
	require.NoError(t, err)
	decRev, err := NewPipeline(reversed...).Run(context.Background(), in)
	require.NoError(t, err)

	// Both orders fail, each on the volatility gate's verdict somewhere in
	// the chain; the per-filter verdict itself must not depend on order.
	assert.False(t, decFwd.Passed)
	assert.False(t, decRev.Passed)
	for _, res := range append(decFwd.Results, decRev.Results...) {
		if res.Name == "volatility_regime" {
			assert.False(t, res.Passed)
		}
	}
}

func TestBuilder(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	selector := strikes.NewSelector(strikes.DefaultConfig())

	passedInput := func() (Input, Decision) {
		in := testInput(now)
		in.Snapshot.Premiums = map[market.StrikeKey]market.PremiumQuote{
			{Strike: 24500, Right: "CE"}: {Premium: 96.40, OpenInterest: 120000},
			{Strike: 23500, Right: "PE"}: {Premium: 86.10, OpenInterest: 115000},
		}
		p := NewPipeline(DefaultFilters(Config{}, clearGate())...)
		dec, err := p.Run(context.Background(), in)
		require.NoError(t, err)
		require.True(t, dec.Passed)
		return in, dec
	}

	t.Run("builds strangle candidate", func(t *testing.T) {
		in, dec := passedInput()
		b := NewBuilder(selector, BuilderConfig{RiskFreeRate: 0.07, MinCredit: 50})

		cand, err := b.Build(in, dec)
		require.NoError(t, err)
		assert.Equal(t, 24500.0, cand.CallStrike)
		assert.Equal(t, 23500.0, cand.PutStrike)
		assert.InDelta(t, 182.50, cand.TotalCredit(), 1e-9)
		assert.Negative(t, cand.PutGreeks.Delta)
		assert.Positive(t, cand.CallGreeks.Delta)
		assert.Len(t, cand.Evidence, 6)
	})

	t.Run("rejects thin credit", func(t *testing.T) {
		in, dec := passedInput()
		b := NewBuilder(selector, BuilderConfig{MinCredit: 500})

		_, err := b.Build(in, dec)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "below minimum")
	})

	t.Run("missing chain quote is typed", func(t *testing.T) {
		in, dec := passedInput()
		delete(in.Snapshot.Premiums, market.StrikeKey{Strike: 23500, Right: "PE"})
		b := NewBuilder(selector, BuilderConfig{})

		_, err := b.Build(in, dec)
		var missing *market.MissingDataError
		require.ErrorAs(t, err, &missing)
	})

	t.Run("refuses blocked decision", func(t *testing.T) {
		in, _ := passedInput()
		b := NewBuilder(selector, BuilderConfig{})
		_, err := b.Build(in, Decision{Passed: false})
		require.Error(t, err)
	})
}
