package exitrule

import (
	"testing"
	"time"

	"talon/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	ev, err := NewEvaluator(Config{
		EODCheckpoint:     "15:00",
		MandatoryExitTime: "15:15",
		MinProfitFraction: 0.5,
		Timezone:          "UTC",
	})
	require.NoError(t, err)
	return ev
}

func stranglePosition() types.Position {
	return types.Position{
		ID:         "pos-1",
		AccountID:  "acct-1",
		Strategy:   types.StrategyMarketNeutral,
		Direction:  types.DirectionNeutral,
		Quantity:   4,
		LotSize:    25,
		EntryPrice: 182.50,
		StopLoss:   365.00,
		Target:     91.25,
		Expiry:     time.Date(2026, 8, 27, 15, 30, 0, 0, time.UTC),
		Status:     types.PositionActive,
	}
}

func TestStopHitUnconditional(t *testing.T) {
	ev := newTestEvaluator(t)
	morning := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	dec := ev.Evaluate(stranglePosition(), 365.00, morning)
	require.True(t, dec.ShouldExit)
	assert.Equal(t, StateStopHit, dec.State)
	assert.Equal(t, 365.00, dec.ExitPrice)

	dec = ev.Evaluate(stranglePosition(), 410.00, morning)
	require.True(t, dec.ShouldExit)
	assert.Equal(t, StateStopHit, dec.State)
}

func TestTargetHit(t *testing.T) {
	ev := newTestEvaluator(t)
	morning := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	dec := ev.Evaluate(stranglePosition(), 91.25, morning)
	require.True(t, dec.ShouldExit)
	assert.Equal(t, StateTargetHit, dec.State)
}

func TestStopBeatsTargetWhenBothApply(t *testing.T) {
	ev := newTestEvaluator(t)
	morning := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	// A long position with an inverted stop/target pair: both conditions
	// read true at price 95; the stop must win.
	pos := types.Position{
		ID: "pos-long", Strategy: types.StrategyDirectional,
		Direction: types.DirectionLong, Quantity: 1, LotSize: 25,
		EntryPrice: 105, StopLoss: 100, Target: 90,
		Status: types.PositionActive,
	}
	dec := ev.Evaluate(pos, 95, morning)
	require.True(t, dec.ShouldExit)
	assert.Equal(t, StateStopHit, dec.State)
}

func TestNoExitBeforeCheckpoint(t *testing.T) {
	ev := newTestEvaluator(t)
	morning := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	dec := ev.Evaluate(stranglePosition(), 160.00, morning)
	assert.False(t, dec.ShouldExit)
	assert.Empty(t, dec.HoldReason)
}

func TestEODConditionalExit(t *testing.T) {
	ev := newTestEvaluator(t)
	checkpoint := time.Date(2026, 8, 24, 15, 1, 0, 0, time.UTC)

	// Planned profit: (182.5-91.25)*100 = 9125; threshold 4562.5.
	// At price 130 the marked profit is (182.5-130)*100 = 5250.
	t.Run("profit above threshold exits", func(t *testing.T) {
		dec := ev.Evaluate(stranglePosition(), 130.00, checkpoint)
		require.True(t, dec.ShouldExit)
		assert.Equal(t, StateEODConditional, dec.State)
	})

	t.Run("profit below threshold holds overnight", func(t *testing.T) {
		// Price 160: profit 2250, under the 4562.5 threshold.
		dec := ev.Evaluate(stranglePosition(), 160.00, checkpoint)
		assert.False(t, dec.ShouldExit)
		assert.Contains(t, dec.HoldReason, "holding overnight")
	})
}

func TestEODMandatoryExit(t *testing.T) {
	ev := newTestEvaluator(t)

	t.Run("expiry day after mandatory time", func(t *testing.T) {
		expiryDay := time.Date(2026, 8, 27, 15, 20, 0, 0, time.UTC)
		// Loss-making price: conditional would hold, mandatory still fires.
		dec := ev.Evaluate(stranglePosition(), 200.00, expiryDay)
		require.True(t, dec.ShouldExit)
		assert.Equal(t, StateEODMandatory, dec.State)
	})

	t.Run("expiry day before mandatory time", func(t *testing.T) {
		expiryDay := time.Date(2026, 8, 27, 14, 0, 0, 0, time.UTC)
		dec := ev.Evaluate(stranglePosition(), 200.00, expiryDay)
		assert.False(t, dec.ShouldExit)
	})

	t.Run("conditional takes priority over mandatory", func(t *testing.T) {
		expiryDay := time.Date(2026, 8, 27, 15, 20, 0, 0, time.UTC)
		dec := ev.Evaluate(stranglePosition(), 130.00, expiryDay)
		require.True(t, dec.ShouldExit)
		assert.Equal(t, StateEODConditional, dec.State)
	})
}

func TestEvaluateIgnoresInactiveAndBadPrice(t *testing.T) {
	ev := newTestEvaluator(t)
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	pos := stranglePosition()
	pos.Status = types.PositionClosed
	assert.False(t, ev.Evaluate(pos, 400, now).ShouldExit)

	assert.False(t, ev.Evaluate(stranglePosition(), 0, now).ShouldExit)
}

func TestApplyWritesTransition(t *testing.T) {
	now := time.Date(2026, 8, 24, 15, 5, 0, 0, time.UTC)
	pos := stranglePosition()

	Apply(&pos, Decision{
		ShouldExit: true,
		State:      StateTargetHit,
		ExitPrice:  91.25,
	}, now)

	assert.Equal(t, types.PositionClosed, pos.Status)
	assert.Equal(t, 91.25, pos.ExitPrice)
	assert.Equal(t, string(StateTargetHit), pos.ExitReason)
	// Realized: (182.5-91.25) * 4 * 25.
	assert.InDelta(t, 9125.0, pos.RealizedPnL, 1e-9)
	assert.Zero(t, pos.UnrealizedPnL)
	require.NotNil(t, pos.ClosedAt)
	assert.Equal(t, now, *pos.ClosedAt)
}

func TestApplyIgnoresHoldDecisions(t *testing.T) {
	now := time.Date(2026, 8, 24, 15, 5, 0, 0, time.UTC)
	pos := stranglePosition()
	Apply(&pos, Decision{Reason: "holding"}, now)
	assert.Equal(t, types.PositionActive, pos.Status)
	assert.Nil(t, pos.ClosedAt)
}

func TestNewEvaluatorValidation(t *testing.T) {
	_, err := NewEvaluator(Config{EODCheckpoint: "25:99", Timezone: "UTC"})
	assert.Error(t, err)

	_, err = NewEvaluator(Config{Timezone: "Not/AZone"})
	assert.Error(t, err)

	ev, err := NewEvaluator(Config{Timezone: "UTC"})
	require.NoError(t, err)
	assert.Equal(t, 15, ev.checkHour)
	assert.Equal(t, 15, ev.mandHour)
}
