package report

import (
	"bytes"
	"context"
	"testing"
	"time"

	"talon/internal/store/memstore"
	"talon/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closedPosition(id string, closedAt time.Time, pnl float64) types.Position {
	return types.Position{
		ID:          id,
		AccountID:   "acct-1",
		Instrument:  "NIFTY",
		Strategy:    types.StrategyMarketNeutral,
		Direction:   types.DirectionNeutral,
		Quantity:    4,
		LotSize:     25,
		Status:      types.PositionClosed,
		RealizedPnL: pnl,
		OpenedAt:    closedAt.Add(-24 * time.Hour),
		ClosedAt:    &closedAt,
	}
}

func TestSummarizeCountsOnlyClosedTrades(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	base := time.Date(2026, 8, 20, 15, 30, 0, 0, time.UTC)

	require.NoError(t, st.SavePosition(ctx, closedPosition("p1", base, 9_125)))
	require.NoError(t, st.SavePosition(ctx, closedPosition("p2", base.Add(24*time.Hour), -4_300)))
	require.NoError(t, st.SavePosition(ctx, types.Position{
		ID: "open", AccountID: "acct-1", Status: types.PositionActive, OpenedAt: base,
	}))

	sum, closed, err := NewRenderer(st).Summarize(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Trades)
	assert.Equal(t, 1, sum.Wins)
	assert.InDelta(t, 4_825, sum.RealizedPnL, 1e-9)
	assert.InDelta(t, 9_125, sum.BestTrade, 1e-9)
	assert.InDelta(t, -4_300, sum.WorstTrade, 1e-9)
	require.Len(t, closed, 2)
	assert.Equal(t, "p1", closed[0].ID)
}

func TestRenderPnLProducesHTML(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	base := time.Date(2026, 8, 20, 15, 30, 0, 0, time.UTC)
	require.NoError(t, st.SavePosition(ctx, closedPosition("p1", base, 9_125)))

	var buf bytes.Buffer
	require.NoError(t, NewRenderer(st).RenderPnL(ctx, "acct-1", &buf))
	html := buf.String()
	assert.Contains(t, html, "echarts")
	assert.Contains(t, html, "acct-1")
}

func TestRenderPnLEmptyAccount(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewRenderer(memstore.New()).RenderPnL(context.Background(), "ghost", &buf))
	assert.NotEmpty(t, buf.String())
}
